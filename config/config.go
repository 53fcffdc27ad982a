// Package config loads and validates the TOML configuration file that
// describes every relay instance: its name, obfuscation key, and the
// relay/upstream endpoints to bind and forward to.
package config

import (
	"net"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fatih/color"
	"github.com/pkg/errors"

	"github.com/mrsobakin/dpimyass/obfs"
)

// EndpointConfig is a fully resolved relay or upstream endpoint: a
// concrete socket address, the receive buffer size to allocate for it,
// and the timeout that guards every blocking operation on it.
type EndpointConfig struct {
	Address *net.UDPAddr
	Buffer  int
	Timeout time.Duration
}

// ServerConfig is one [[servers]] entry: a name used in log lines, the
// obfuscation profile, and the two endpoints that together define the
// relay's data path.
type ServerConfig struct {
	Name     string
	Obfs     obfs.Config
	Relay    EndpointConfig
	Upstream EndpointConfig
}

// File is the top-level shape of the TOML document.
type File struct {
	Servers []ServerConfig
}

// rawFile and rawServer mirror the on-disk TOML layout before address
// resolution and timeout-unit conversion; BurntSushi/toml decodes
// directly into these.
type rawFile struct {
	Servers []rawServer `toml:"servers"`
}

type rawServer struct {
	Name  string   `toml:"name"`
	Key   []byte   `toml:"key"`
	First *uint64  `toml:"first"`
	Relay rawEndpt `toml:"relay"`
	Up    rawEndpt `toml:"upstream"`
}

type rawEndpt struct {
	Address string `toml:"address"`
	Buffer  int    `toml:"buffer"`
	Timeout int64  `toml:"timeout"`
}

// Load reads and parses the TOML config at path, resolves every
// endpoint address, and validates every obfuscation key. A config error
// anywhere is fatal to loading (spec: ConfigInvalid is fatal to startup,
// never to the steady-state data path).
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: reading %q", path)
	}

	var raw rawFile
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return nil, errors.Wrapf(err, "config: parsing %q", path)
	}

	file := &File{Servers: make([]ServerConfig, 0, len(raw.Servers))}
	for i, rs := range raw.Servers {
		sc, err := rs.resolve()
		if err != nil {
			return nil, errors.Wrapf(err, "config: servers[%d] (%q)", i, rs.Name)
		}
		file.Servers = append(file.Servers, sc)
	}
	return file, nil
}

func (rs rawServer) resolve() (ServerConfig, error) {
	obfsCfg := obfs.Config{Key: rs.Key}
	if rs.First != nil {
		n := int(*rs.First)
		obfsCfg.First = &n
	}
	if err := obfsCfg.Validate(); err != nil {
		return ServerConfig{}, err
	}

	relay, err := rs.Relay.resolve("relay")
	if err != nil {
		return ServerConfig{}, err
	}
	upstream, err := rs.Up.resolve("upstream")
	if err != nil {
		return ServerConfig{}, err
	}

	warnIfImplausible(rs.Name, "relay", relay)
	warnIfImplausible(rs.Name, "upstream", upstream)

	return ServerConfig{
		Name:     rs.Name,
		Obfs:     obfsCfg,
		Relay:    relay,
		Upstream: upstream,
	}, nil
}

func (re rawEndpt) resolve(label string) (EndpointConfig, error) {
	addr, err := resolveUDPAddr(re.Address)
	if err != nil {
		return EndpointConfig{}, errors.Wrapf(err, "%s.address", label)
	}
	if re.Buffer <= 0 {
		return EndpointConfig{}, errors.Errorf("%s.buffer must be positive, got %d", label, re.Buffer)
	}
	return EndpointConfig{
		Address: addr,
		Buffer:  re.Buffer,
		Timeout: time.Duration(re.Timeout) * time.Second,
	}, nil
}

// resolveUDPAddr resolves host:port to a UDP socket address. The first
// address a lookup returns wins; resolution that yields nothing is a
// load failure.
func resolveUDPAddr(raw string) (*net.UDPAddr, error) {
	if raw == "" {
		return nil, errors.New("address must not be empty")
	}
	host, portStr, err := net.SplitHostPort(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid address %q", raw)
	}
	port, err := net.LookupPort("udp", portStr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid port in %q", raw)
	}

	if ip := net.ParseIP(host); ip != nil {
		return &net.UDPAddr{IP: ip, Port: port}, nil
	}

	ips, err := net.LookupHost(host)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %q", raw)
	}
	if len(ips) == 0 {
		return nil, errors.Errorf("no address found for %q", raw)
	}
	ip := net.ParseIP(ips[0])
	if ip == nil {
		return nil, errors.Errorf("lookup for %q returned unparseable address %q", raw, ips[0])
	}
	return &net.UDPAddr{IP: ip, Port: port}, nil
}

// warnIfImplausible prints a non-fatal advisory for configuration
// values that will technically work but are likely a mistake, the way
// kcptun's server/main.go warns about undersized QPP parameters without
// refusing to start.
func warnIfImplausible(server, label string, ep EndpointConfig) {
	if ep.Buffer < 512 {
		color.Yellow("[%s] warning: %s.buffer is only %d bytes, datagrams larger than this truncate", server, label, ep.Buffer)
	}
	if ep.Timeout <= 0 {
		color.Red("[%s] warning: %s.timeout is %s, every operation on this endpoint will time out immediately", server, label, ep.Timeout)
	}
}
