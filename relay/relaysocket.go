package relay

import (
	"net"
	"time"

	"github.com/pkg/errors"
)

// RelaySocket is the single UDP socket an instance binds to its relay
// address. It is shared, without additional synchronization, by the
// ingress loop and every UpstreamSession's receive task: net.UDPConn is
// already safe for concurrent use by multiple goroutines.
type RelaySocket struct {
	conn *net.UDPConn
}

// NewRelaySocket binds a UDP socket to addr. A bind failure here is the
// BindFailed error class from spec: fatal to this one server instance.
func NewRelaySocket(addr *net.UDPAddr) (*RelaySocket, error) {
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "bind relay socket on %s", addr)
	}
	return &RelaySocket{conn: conn}, nil
}

// LocalAddr reports the address the socket is actually bound to (useful
// when addr's port was 0).
func (r *RelaySocket) LocalAddr() net.Addr {
	return r.conn.LocalAddr()
}

// Recv blocks until the next datagram arrives and returns it along with
// its source address. Callers are responsible for the "log and
// continue" policy on error (spec: IngressRecvFailed never terminates
// the server).
func (r *RelaySocket) Recv(buf []byte) (int, *net.UDPAddr, error) {
	return r.conn.ReadFromUDP(buf)
}

// SendTo writes data back to peer, bounded by timeout. On timeout or
// error the datagram is the caller's to drop; SendTo never retries.
func (r *RelaySocket) SendTo(data []byte, peer *net.UDPAddr, timeout time.Duration) error {
	if err := r.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return errors.Wrap(err, "set relay write deadline")
	}
	_, err := r.conn.WriteToUDP(data, peer)
	return err
}

// Close releases the underlying socket.
func (r *RelaySocket) Close() error {
	return r.conn.Close()
}
