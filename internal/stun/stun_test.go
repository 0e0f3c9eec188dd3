package stun

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"testing"

	"huddle/server/internal/transport"
)

type mockConn struct {
	mu   sync.Mutex
	sent map[netip.AddrPort][][]byte
}

func (m *mockConn) Recv(max int) ([]byte, netip.AddrPort, error) {
	return nil, netip.AddrPort{}, transport.ErrWouldBlock
}

func (m *mockConn) Send(addr netip.AddrPort, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.sent[addr] = append(m.sent[addr], cp)
	return nil
}

func TestReplyCarriesSenderIP(t *testing.T) {
	conn := &mockConn{sent: make(map[netip.AddrPort][][]byte)}
	r := NewResponder(conn, slog.New(slog.NewTextHandler(io.Discard, nil)))

	addr := netip.MustParseAddrPort("203.0.113.7:40000")
	r.HandlePacket(addr)

	grams := conn.sent[addr]
	if len(grams) != 1 {
		t.Fatalf("expected one reply, got %d", len(grams))
	}
	var got struct {
		IP string `json:"ip"`
	}
	if err := json.Unmarshal(grams[0], &got); err != nil {
		t.Fatalf("decode %q: %v", grams[0], err)
	}
	if got.IP != "203.0.113.7" {
		t.Fatalf("reply should echo the sender IP, got %q", got.IP)
	}
}
