// Package transport provides bound stream and datagram endpoints with
// non-blocking accept/recv/send so a single loop can poll several work
// sources. "Non-blocking" is implemented with short read deadlines; a poll
// that finds nothing ready returns ErrWouldBlock and the caller moves on.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"
)

// ErrWouldBlock is returned by a poll that found no data or no pending
// connection before its deadline.
var ErrWouldBlock = errors.New("transport: operation would block")

// ErrClosed is returned once the remote end or the endpoint itself has
// been closed.
var ErrClosed = errors.New("transport: endpoint closed")

// Poll quanta. Accept polls may be generous; per-connection reads must be
// short because one multiplexer sweeps every connection in turn.
const (
	AcceptPoll  = 100 * time.Millisecond
	RecvPoll    = time.Millisecond
	SendTimeout = 5 * time.Second
)

// mapErr folds the stdlib error zoo into the two sentinels callers switch on.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		return ErrWouldBlock
	case errors.Is(err, io.EOF):
		return ErrClosed
	case errors.Is(err, net.ErrClosed):
		return ErrClosed
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrWouldBlock
	}
	return err
}

// StreamListener is a bound TCP listening endpoint with polled accepts.
type StreamListener struct {
	ln *net.TCPListener
}

// ListenStream binds a TCP listener on the given port on all interfaces.
func ListenStream(port int) (*StreamListener, error) {
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("bind tcp port %d: %w", port, err)
	}
	return &StreamListener{ln: ln}, nil
}

// Accept waits up to one accept poll for a new connection. It returns
// ErrWouldBlock when no client arrived in time and ErrClosed once the
// listener has been shut down.
func (l *StreamListener) Accept() (*StreamConn, netip.AddrPort, error) {
	if err := l.ln.SetDeadline(time.Now().Add(AcceptPoll)); err != nil {
		return nil, netip.AddrPort{}, mapErr(err)
	}
	conn, err := l.ln.AcceptTCP()
	if err != nil {
		return nil, netip.AddrPort{}, mapErr(err)
	}
	addr := conn.RemoteAddr().(*net.TCPAddr).AddrPort()
	return &StreamConn{conn: conn}, addr, nil
}

// Addr returns the bound listening address.
func (l *StreamListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close shuts the listener down, waking any in-flight Accept.
func (l *StreamListener) Close() error {
	return l.ln.Close()
}

// StreamConn is one accepted stream connection. Sends are serialized so
// concurrent handler and reaper writes cannot interleave frames.
type StreamConn struct {
	conn *net.TCPConn

	sendMu sync.Mutex
}

// Recv polls the connection for up to max bytes. It returns ErrWouldBlock
// when nothing is readable and ErrClosed on EOF.
func (c *StreamConn) Recv(max int) ([]byte, error) {
	buf := make([]byte, max)
	if err := c.conn.SetReadDeadline(time.Now().Add(RecvPoll)); err != nil {
		return nil, mapErr(err)
	}
	n, err := c.conn.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return nil, ErrWouldBlock
}

// Send writes one frame. Any error (including a timeout) means the
// connection is no longer usable and the client should be evicted.
func (c *StreamConn) Send(data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(SendTimeout)); err != nil {
		return mapErr(err)
	}
	if _, err := c.conn.Write(data); err != nil {
		return mapErr(err)
	}
	return nil
}

// Close shuts down the write side and closes the connection, so the
// client observes EOF rather than a reset where possible.
func (c *StreamConn) Close() error {
	_ = c.conn.CloseWrite()
	return c.conn.Close()
}

// RemoteAddr returns the peer address of the connection.
func (c *StreamConn) RemoteAddr() netip.AddrPort {
	return c.conn.RemoteAddr().(*net.TCPAddr).AddrPort()
}

// DatagramConn is a bound UDP endpoint shared by every client of a
// datagram service.
type DatagramConn struct {
	conn *net.UDPConn
}

// ListenDatagram binds a UDP socket on the given port on all interfaces.
func ListenDatagram(port int) (*DatagramConn, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("bind udp port %d: %w", port, err)
	}
	return &DatagramConn{conn: conn}, nil
}

// Recv polls for one datagram of up to max bytes, returning the payload
// and the sender address. ErrWouldBlock means nothing arrived in time.
func (d *DatagramConn) Recv(max int) ([]byte, netip.AddrPort, error) {
	buf := make([]byte, max)
	if err := d.conn.SetReadDeadline(time.Now().Add(AcceptPoll)); err != nil {
		return nil, netip.AddrPort{}, mapErr(err)
	}
	n, addr, err := d.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		return nil, netip.AddrPort{}, mapErr(err)
	}
	return buf[:n], addr, nil
}

// Send transmits one datagram to the given address.
func (d *DatagramConn) Send(addr netip.AddrPort, data []byte) error {
	if _, err := d.conn.WriteToUDPAddrPort(data, addr); err != nil {
		return mapErr(err)
	}
	return nil
}

// Addr returns the bound local address.
func (d *DatagramConn) Addr() net.Addr {
	return d.conn.LocalAddr()
}

// Close closes the socket, waking any in-flight Recv with ErrClosed.
func (d *DatagramConn) Close() error {
	return d.conn.Close()
}
