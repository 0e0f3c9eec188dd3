// Package turn implements the relay of last resort: when peer-to-peer
// traversal fails, both clients of a meeting send their media and control
// datagrams here and the engine forwards them to the counterparty without
// buffering or per-packet parsing.
//
// Every egress datagram carries a one-byte origin tag: 'S' for a server
// JSON frame, 'C' for a verbatim counterparty payload. That positional
// byte is the entire demultiplexing contract on the single UDP socket.
// The heartbeat token alone goes out untagged, as the bare ASCII literal.
package turn

import (
	"log/slog"
	"net/netip"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"huddle/server/internal/directory"
	"huddle/server/internal/protocol"
)

// DefaultPort is the TURN relay UDP port.
const DefaultPort = 3479

const (
	// ReapPeriod is the interval between liveness sweeps.
	ReapPeriod = time.Minute
	// ClientTTL is how many heartbeat intervals a client may miss. Any
	// datagram from the client refreshes it.
	ClientTTL = 2
	// MaxDatagram bounds a single relayed datagram.
	MaxDatagram = 65535
)

// Sender transmits one datagram to a client address. The shared UDP socket
// satisfies it; tests inject a mock.
type Sender interface {
	Send(addr netip.AddrPort, data []byte) error
}

// client is one admitted relay client. There is no per-client transport
// handle; the return address on the shared socket is the handle.
type client struct {
	addr    netip.AddrPort
	ttl     int
	meeting string
	peer    netip.AddrPort // invalid until the pairing has two members
}

// Engine owns the relay's client and pairing tables.
type Engine struct {
	mu       sync.Mutex
	clients  map[netip.AddrPort]*client
	pairings map[string][]netip.AddrPort

	dir    *directory.Store
	sender Sender
	log    *slog.Logger
	period time.Duration

	forwarded atomic.Uint64
	bytes     atomic.Uint64
	evictions atomic.Uint64
}

// NewEngine returns a relay engine reading admissions from dir and
// transmitting through sender.
func NewEngine(dir *directory.Store, sender Sender, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		clients:  make(map[netip.AddrPort]*client),
		pairings: make(map[string][]netip.AddrPort),
		dir:      dir,
		sender:   sender,
		log:      log,
		period:   ReapPeriod,
	}
}

type outbound struct {
	addr  netip.AddrPort
	frame []byte // already tagged
}

// HandlePacket processes one inbound datagram from addr. The first
// datagram from an unknown source must be a JSON connect request; after
// admission, non-request payloads are forwarded to the paired peer.
func (e *Engine) HandlePacket(addr netip.AddrPort, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("unexpected error handling datagram",
				"addr", addr, "panic", r, "stack", string(debug.Stack()))
			_ = e.sender.Send(addr, protocol.Tag(protocol.TagServer, protocol.Error(protocol.ReasonUnknownError).Encode()))
		}
	}()

	e.mu.Lock()
	c, known := e.clients[addr]
	if known {
		// Any datagram proves liveness.
		c.ttl = ClientTTL
	}
	e.mu.Unlock()

	if !known {
		e.deliver(e.admit(addr, data))
		return
	}

	if protocol.IsHeartbeat(data) {
		return
	}

	// Only a datagram carrying a request verb is a request; every other
	// payload, JSON object or not, is peer-bound.
	if req, valid := protocol.ParseRequest(data); valid {
		e.deliver(e.handleRequest(addr, req))
		return
	}

	e.forward(addr, data)
}

func serverFrame(addr netip.AddrPort, resp protocol.Response) []outbound {
	return []outbound{{addr: addr, frame: protocol.Tag(protocol.TagServer, resp.Encode())}}
}

// admit processes the first datagram from an unknown source: it must be a
// connect request that passes the directory admission ladder.
func (e *Engine) admit(addr netip.AddrPort, data []byte) []outbound {
	req, valid := protocol.ParseRequest(data)
	if !valid || req.Request != protocol.VerbConnect || req.ID == "" || req.Password == "" {
		return serverFrame(addr, protocol.Error(protocol.ReasonInvalidRequest))
	}

	rec, found, err := e.dir.Get(req.ID)
	if err != nil {
		e.log.Error("directory lookup", "id", req.ID, "err", err)
		return serverFrame(addr, protocol.Error(protocol.ReasonUnknownError))
	}
	if !found {
		return serverFrame(addr, protocol.Error(protocol.ReasonInvalidMeetingID))
	}
	if rec.Password != req.Password {
		return serverFrame(addr, protocol.Error(protocol.ReasonInvalidPassword))
	}
	if !slices.Contains(rec.Participants, addr.Addr().Unmap().String()) {
		return serverFrame(addr, protocol.Error(protocol.ReasonInvalidUser))
	}

	e.mu.Lock()
	members := e.pairings[req.ID]
	if len(members) >= protocol.MaxParticipants {
		e.mu.Unlock()
		return serverFrame(addr, protocol.Error(protocol.ReasonMeetingFull))
	}

	c := &client{addr: addr, ttl: ClientTTL, meeting: req.ID}
	e.clients[addr] = c
	e.pairings[req.ID] = append(members, addr)

	var outs []outbound
	if len(members) == 1 {
		other := e.clients[members[0]]
		c.peer = other.addr
		other.peer = addr
		outs = serverFrame(addr, protocol.SuccessWaiting(protocol.TypeConnected, false))
		outs = append(outs, serverFrame(other.addr, protocol.Info(protocol.TypeConnected))...)
	} else {
		outs = serverFrame(addr, protocol.SuccessWaiting(protocol.TypeConnected, true))
	}
	total := len(e.clients)
	e.mu.Unlock()

	e.log.Info("client admitted", "id", req.ID, "addr", addr, "total", total)
	return outs
}

// handleRequest processes a request datagram from an admitted client.
// The only verb is connect; repeating it re-acks a waiting client and
// rejects one whose pairing is already full.
func (e *Engine) handleRequest(addr netip.AddrPort, req protocol.Request) []outbound {
	if req.Request != protocol.VerbConnect {
		return serverFrame(addr, protocol.Error(protocol.ReasonInvalidRequest))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.clients[addr]
	if !ok {
		return nil
	}
	if len(e.pairings[c.meeting]) >= protocol.MaxParticipants {
		return serverFrame(addr, protocol.Error(protocol.ReasonInMeeting))
	}
	return serverFrame(addr, protocol.SuccessWaiting(protocol.TypeConnected, true))
}

// forward relays an opaque datagram to the sender's paired peer with the
// counterparty tag. Without a peer, the sender gets an error frame back.
func (e *Engine) forward(addr netip.AddrPort, data []byte) {
	e.mu.Lock()
	c, ok := e.clients[addr]
	if !ok {
		e.mu.Unlock()
		return
	}
	peer := c.peer
	e.mu.Unlock()

	if !peer.IsValid() {
		e.deliver(serverFrame(addr, protocol.Error(protocol.ReasonPeerNotConnected)))
		return
	}

	if err := e.sender.Send(peer, protocol.Tag(protocol.TagPeer, data)); err != nil {
		e.log.Warn("forward failed, evicting peer", "addr", peer, "err", err)
		e.Evict(peer)
		return
	}
	e.forwarded.Add(1)
	e.bytes.Add(uint64(len(data)))
}

// deliver transmits server frames, evicting any destination whose send
// fails.
func (e *Engine) deliver(outs []outbound) {
	for _, o := range outs {
		if err := e.sender.Send(o.addr, o.frame); err != nil {
			e.log.Warn("send failed, evicting client", "addr", o.addr, "err", err)
			e.Evict(o.addr)
		}
	}
}

// Evict removes a client from every table and notifies the surviving peer
// that its counterparty left.
func (e *Engine) Evict(addr netip.AddrPort) {
	e.mu.Lock()
	c, ok := e.clients[addr]
	if !ok {
		e.mu.Unlock()
		return
	}

	var outs []outbound
	members := e.pairings[c.meeting]
	remaining := members[:0]
	for _, m := range members {
		if m != addr {
			remaining = append(remaining, m)
		}
	}
	if len(remaining) == 0 {
		delete(e.pairings, c.meeting)
	} else {
		e.pairings[c.meeting] = remaining
		if survivor, ok := e.clients[remaining[0]]; ok {
			survivor.peer = netip.AddrPort{}
			outs = serverFrame(survivor.addr, protocol.Info(protocol.TypeLeft))
		}
	}
	delete(e.clients, addr)
	total := len(e.clients)
	e.mu.Unlock()

	e.evictions.Add(1)
	e.log.Info("client removed", "addr", addr, "total", total)
	e.deliver(outs)
}

// reapClientsOnce performs one liveness tick over a snapshot of the client
// table and returns the number of clients evicted. The heartbeat goes out
// as the bare token so the client-side demux sees the exact literal.
func (e *Engine) reapClientsOnce() int {
	e.mu.Lock()
	snapshot := make([]*client, 0, len(e.clients))
	for _, c := range e.clients {
		snapshot = append(snapshot, c)
	}
	e.mu.Unlock()

	evicted := 0
	for _, c := range snapshot {
		e.mu.Lock()
		cur, ok := e.clients[c.addr]
		expired := ok && cur.ttl <= 0
		if ok && !expired {
			cur.ttl--
		}
		e.mu.Unlock()

		switch {
		case !ok:
		case expired:
			e.Evict(c.addr)
			evicted++
		default:
			if err := e.sender.Send(c.addr, protocol.Heartbeat); err != nil {
				e.Evict(c.addr)
				evicted++
			}
		}
	}
	return evicted
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	Clients   int    `json:"clients"`
	Pairings  int    `json:"pairings"`
	Forwarded uint64 `json:"forwarded"`
	Bytes     uint64 `json:"bytes"`
	Evictions uint64 `json:"evictions"`
}

// Stats returns current table sizes and cumulative counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	clients := len(e.clients)
	pairings := len(e.pairings)
	e.mu.Unlock()
	return Stats{
		Clients:   clients,
		Pairings:  pairings,
		Forwarded: e.forwarded.Load(),
		Bytes:     e.bytes.Load(),
		Evictions: e.evictions.Load(),
	}
}
