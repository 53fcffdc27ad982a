package relay

import (
	"log"
	"net"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mrsobakin/dpimyass/config"
	"github.com/mrsobakin/dpimyass/obfs"
)

// UpstreamSession is the per-peer owned UDP socket plus its background
// receive task, described in spec §4.4. SessionTable only ever holds a
// weak.Pointer to one of these; the receive goroutine holds the one
// strong reference that keeps it alive, per invariant I3.
type UpstreamSession struct {
	id   uuid.UUID
	peer *net.UDPAddr
	conn *net.UDPConn

	relay    *RelaySocket
	obfsCfg  obfs.Config
	upstream config.EndpointConfig
	relayOut time.Duration

	logger *log.Logger
}

// openUpstream binds a fresh UDP socket to the wildcard local address,
// connects it to sc.Upstream within sc.Upstream.Timeout, and spawns the
// receive task. It is the sole constructor of UpstreamSession and is
// always invoked with the owning slot's mutex held (SessionTable's
// single-flight guarantee).
func openUpstream(peer *net.UDPAddr, sc *config.ServerConfig, relay *RelaySocket, logger *log.Logger) (*UpstreamSession, error) {
	dialer := net.Dialer{Timeout: sc.Upstream.Timeout}
	conn, err := dialer.Dial("udp", sc.Upstream.Address.String())
	if err != nil {
		return nil, errors.Wrapf(err, "open upstream for peer %s", peer)
	}
	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		conn.Close()
		return nil, errors.Errorf("dial %s did not return a UDP connection", sc.Upstream.Address)
	}

	sess := &UpstreamSession{
		id:       uuid.New(),
		peer:     peer,
		conn:     udpConn,
		relay:    relay,
		obfsCfg:  sc.Obfs,
		upstream: sc.Upstream,
		relayOut: sc.Relay.Timeout,
		logger:   logger,
	}

	logger.Printf("session %s: new peer %s -> upstream %s (local %s)", sess.id, peer, sc.Upstream.Address, udpConn.LocalAddr())

	runtime.AddCleanup(sess, func(id uuid.UUID) {
		logger.Printf("session %s: reclaimed", id)
	}, sess.id)

	go sess.receiveLoop()
	return sess, nil
}

// Send forwards an already-obfuscated datagram to the upstream
// endpoint, bounded by the upstream timeout. This is the ingress path's
// only interaction with the session: it captures the strong handle
// returned by GetOrCreate, calls Send once, and lets the handle go out
// of scope.
func (s *UpstreamSession) Send(data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.upstream.Timeout)); err != nil {
		return errors.Wrap(err, "set upstream write deadline")
	}
	_, err := s.conn.Write(data)
	return err
}

// receiveLoop is the background receive task. It owns the one strong
// reference SessionTable relies on never existing anywhere else: once
// this function returns, nothing keeps the session's socket or the
// UpstreamSession value itself alive, and the slot's weak reference
// stops upgrading (I3).
func (s *UpstreamSession) receiveLoop() {
	defer s.conn.Close()

	for {
		buf := make([]byte, s.upstream.Buffer)

		if err := s.conn.SetReadDeadline(time.Now().Add(s.upstream.Timeout)); err != nil {
			s.logger.Printf("session %s (peer %s): set read deadline: %v, closing", s.id, s.peer, err)
			return
		}

		n, err := s.conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.logger.Printf("session %s (peer %s): upstream idle timeout, closing", s.id, s.peer)
			} else {
				s.logger.Printf("session %s (peer %s): upstream read error: %v, closing", s.id, s.peer, err)
			}
			return
		}

		go s.relayResponse(buf[:n])
	}
}

// relayResponse obfuscates one upstream datagram and sends it back to
// the originating peer through the shared RelaySocket. It runs as its
// own detached goroutine so a slow or stuck relay send never blocks the
// receive loop from reading the next datagram (spec §4.4, §5: each send
// is a separate detached task, so final wire order is scheduler
// dependent).
func (s *UpstreamSession) relayResponse(payload []byte) {
	obfs.Transform(payload, s.obfsCfg)
	if err := s.relay.SendTo(payload, s.peer, s.relayOut); err != nil {
		s.logger.Printf("session %s (peer %s): relay send failed: %v", s.id, s.peer, err)
	}
}
