// Package relay implements the core of the UDP relay: the per-peer
// session multiplexer (SessionTable/UpstreamSession) and the
// bidirectional forwarding paths wired around it (spec §2-5).
package relay

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/mrsobakin/dpimyass/config"
	"github.com/mrsobakin/dpimyass/obfs"
)

// defaultSweepInterval bounds how often a ServerCore walks its
// SessionTable to drop slots whose session has already died. It is not
// config-driven (spec adds no field for it); it only trades memory for
// CPU, since GetOrCreate re-inserts a dropped slot transparently on the
// next datagram.
const defaultSweepInterval = 5 * time.Minute

// ServerCore is one configured server instance: its own RelaySocket,
// SessionTable, and logger, running independently of every other
// configured instance (spec §2).
type ServerCore struct {
	name   string
	cfg    *config.ServerConfig
	relay  *RelaySocket
	table  *SessionTable
	logger *log.Logger

	sweepInterval time.Duration
}

// NewServerCore binds the relay socket and wires the session table for
// one ServerConfig. A bind failure here is BindFailed: fatal to this
// instance only, per spec §7.
func NewServerCore(cfg *config.ServerConfig) (*ServerCore, error) {
	logger := log.New(os.Stderr, fmt.Sprintf("[%s] ", cfg.Name), log.LstdFlags)

	sock, err := NewRelaySocket(cfg.Relay.Address)
	if err != nil {
		return nil, err
	}

	core := &ServerCore{
		name:          cfg.Name,
		cfg:           cfg,
		relay:         sock,
		logger:        logger,
		sweepInterval: defaultSweepInterval,
	}
	core.table = NewSessionTable(core.openUpstream)
	return core, nil
}

func (c *ServerCore) openUpstream(peer *net.UDPAddr) (*UpstreamSession, error) {
	return openUpstream(peer, c.cfg, c.relay, c.logger)
}

// Sessions exposes the session table for diagnostics and tests.
func (c *ServerCore) Sessions() *SessionTable { return c.table }

// LocalAddr reports the bound relay address.
func (c *ServerCore) LocalAddr() net.Addr { return c.relay.LocalAddr() }

// Close releases the relay socket. UpstreamSession sockets close
// themselves when their receive task exits; Close does not attempt to
// tear them down explicitly (spec: no explicit session teardown
// protocol).
func (c *ServerCore) Close() error { return c.relay.Close() }

// Run drives the instance until ctx is cancelled and then returns
// ctx's error. Relay receive errors are logged by the ingress loop and
// never end Run on their own.
func (c *ServerCore) Run(ctx context.Context) error {
	go c.sweepLoop(ctx)
	return c.ingressLoop(ctx)
}

// ingressLoop is the RelaySocket ingress half of ForwardingPath (spec
// §4.5). A single recv failure is logged and the loop continues; it
// never terminates the server on its own.
func (c *ServerCore) ingressLoop(ctx context.Context) error {
	buf := make([]byte, c.cfg.Relay.Buffer)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, peer, err := c.relay.Recv(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Printf("relay recv error: %v", err)
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])

		// Each datagram gets its own goroutine so a single slow
		// session construction can never stall ingress for every
		// other peer.
		go c.handleIngress(datagram, peer)
	}
}

// handleIngress is ForwardingPath's ingress half for one datagram: it
// obfuscates, resolves (or creates) the peer's session, and forwards
// the result. Any failure just drops this one datagram.
func (c *ServerCore) handleIngress(datagram []byte, peer *net.UDPAddr) {
	obfs.Transform(datagram, c.cfg.Obfs)

	sess, err := c.table.GetOrCreate(peer)
	if err != nil {
		c.logger.Printf("peer %s: upstream open failed: %v", peer, err)
		return
	}

	if err := sess.Send(datagram); err != nil {
		c.logger.Printf("peer %s: upstream send failed: %v", peer, err)
	}
}

// sweepLoop periodically drops SessionTable slots whose session has
// already exited, per spec §9's acknowledged TODO on slot leakage.
func (c *ServerCore) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := c.table.Sweep(); removed > 0 {
				c.logger.Printf("swept %d empty session slots (%d remaining)", removed, c.table.Len())
			}
		}
	}
}
