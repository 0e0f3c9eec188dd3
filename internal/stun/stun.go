// Package stun implements the reflexive-address echo service: any datagram
// is answered with the sender's public IP as seen by the server. Clients
// use it to learn their NAT-translated address before attempting a direct
// path.
package stun

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/netip"

	"huddle/server/internal/transport"
)

// DefaultPort is the STUN UDP port.
const DefaultPort = 3478

const maxDatagram = 1024

// Conn is the socket the responder answers on; tests inject a mock.
type Conn interface {
	Recv(max int) ([]byte, netip.AddrPort, error)
	Send(addr netip.AddrPort, data []byte) error
}

// reply is the single frame the service produces.
type reply struct {
	IP string `json:"ip"`
}

// Responder answers every datagram with the sender's IP.
type Responder struct {
	conn Conn
	log  *slog.Logger
}

// NewResponder returns a responder on conn.
func NewResponder(conn Conn, log *slog.Logger) *Responder {
	if log == nil {
		log = slog.Default()
	}
	return &Responder{conn: conn, log: log}
}

// HandlePacket answers one datagram.
func (r *Responder) HandlePacket(addr netip.AddrPort) {
	data, err := json.Marshal(reply{IP: addr.Addr().String()})
	if err != nil {
		return
	}
	if err := r.conn.Send(addr, data); err != nil {
		r.log.Warn("send", "addr", addr, "err", err)
	}
}

// Run answers datagrams until ctx is canceled.
func (r *Responder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_, addr, err := r.conn.Recv(maxDatagram)
		switch {
		case err == nil:
			r.HandlePacket(addr)
		case errors.Is(err, transport.ErrWouldBlock):
		case errors.Is(err, transport.ErrClosed):
			return nil
		default:
			r.log.Warn("recv", "err", err)
		}
	}
}
