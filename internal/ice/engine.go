// Package ice implements the ICE broker: after two clients have joined the
// same meeting via signaling, they connect here over TCP to exchange opaque
// connectivity-candidate frames. The broker admits clients against the
// shared meeting directory, pairs the two members of a meeting, and relays
// any non-request frame verbatim to the paired peer with a one-byte origin
// tag. Server frames stay unprefixed JSON.
package ice

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

// DefaultPort is the ICE broker TCP port.
const DefaultPort = 1673

const (
	// ReapPeriod is the interval between liveness sweeps.
	ReapPeriod = time.Minute
	// ClientTTL is how many heartbeat intervals a client may miss.
	ClientTTL = 2
)

// Conn is the transport handle of one broker client; tests inject mocks.
type Conn interface {
	Recv(max int) ([]byte, error)
	Send(data []byte) error
	Close() error
}

type client struct {
	addr    netip.AddrPort
	conn    Conn
	ttl     int
	meeting string         // meeting ID once admitted
	peer    netip.AddrPort // invalid until the pairing has two members
}

// Engine owns the broker's client and pairing tables. The pairing table is
// independent from signaling's participant list; admission is authorized
// purely against the directory mirror.
type Engine struct {
	mu       sync.Mutex
	clients  map[netip.AddrPort]*client
	pairings map[string][]netip.AddrPort

	dir    *directory.Store
	log    *slog.Logger
	period time.Duration

	frames    atomic.Uint64
	relayed   atomic.Uint64
	evictions atomic.Uint64
}

// NewEngine returns a broker engine reading admissions from dir.
func NewEngine(dir *directory.Store, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		clients:  make(map[netip.AddrPort]*client),
		pairings: make(map[string][]netip.AddrPort),
		dir:      dir,
		log:      log,
		period:   ReapPeriod,
	}
}

type outbound struct {
	addr  netip.AddrPort
	frame []byte
}

// AddClient registers a newly accepted connection.
func (e *Engine) AddClient(addr netip.AddrPort, conn Conn) {
	e.mu.Lock()
	e.clients[addr] = &client{addr: addr, conn: conn, ttl: ClientTTL}
	total := len(e.clients)
	e.mu.Unlock()
	e.log.Info("client connected", "addr", addr, "total", total)
}

// HandleFrame processes one inbound frame. Heartbeats refresh the TTL;
// frames carrying a request verb are commands; anything else is a
// peer-bound payload.
func (e *Engine) HandleFrame(addr netip.AddrPort, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("unexpected error handling frame",
				"addr", addr, "panic", r, "stack", string(debug.Stack()))
			e.sendBestEffort(addr, protocol.Error(protocol.ReasonUnknownError).Encode())
		}
	}()

	if protocol.IsHeartbeat(data) {
		e.mu.Lock()
		if c, ok := e.clients[addr]; ok {
			c.ttl = ClientTTL
		}
		e.mu.Unlock()
		return
	}

	e.frames.Add(1)

	// Only a frame carrying a request verb is a request; every other
	// payload, JSON object or not, is peer-bound.
	req, valid := protocol.ParseRequest(data)
	if !valid {
		e.relay(addr, data)
		return
	}

	var outs []outbound
	e.mu.Lock()
	c, ok := e.clients[addr]
	if !ok {
		e.mu.Unlock()
		return
	}
	switch req.Request {
	case protocol.VerbConnect:
		outs = e.connectLocked(c, req)
	case protocol.VerbDisconnect:
		outs = e.disconnectLocked(c)
	default:
		outs = respond(c, protocol.Error(protocol.ReasonInvalidRequest))
	}
	e.mu.Unlock()

	e.deliver(outs)
}

func respond(c *client, resp protocol.Response) []outbound {
	return []outbound{{addr: c.addr, frame: resp.Encode()}}
}

// connectLocked walks the admission ladder of the broker: directory lookup,
// password, source-IP membership, pairing capacity.
func (e *Engine) connectLocked(c *client, req protocol.Request) []outbound {
	if req.ID == "" || req.Password == "" {
		return respond(c, protocol.Error(protocol.ReasonInvalidRequest))
	}

	// Repeated connect: already paired is an error, still waiting re-acks.
	if c.meeting != "" {
		if len(e.pairings[c.meeting]) >= protocol.MaxParticipants {
			return respond(c, protocol.Error(protocol.ReasonInMeeting))
		}
		return respond(c, protocol.SuccessWaiting(protocol.TypeConnected, true))
	}

	rec, found, err := e.dir.Get(req.ID)
	if err != nil {
		e.log.Error("directory lookup", "id", req.ID, "err", err)
		return respond(c, protocol.Error(protocol.ReasonUnknownError))
	}
	if !found {
		return respond(c, protocol.Error(protocol.ReasonInvalidMeetingID))
	}
	if rec.Password != req.Password {
		return respond(c, protocol.Error(protocol.ReasonInvalidPassword))
	}
	if !slices.Contains(rec.Participants, c.addr.Addr().Unmap().String()) {
		return respond(c, protocol.Error(protocol.ReasonInvalidUser))
	}
	members := e.pairings[req.ID]
	if len(members) >= protocol.MaxParticipants {
		return respond(c, protocol.Error(protocol.ReasonMeetingFull))
	}

	e.pairings[req.ID] = append(members, c.addr)
	c.meeting = req.ID

	e.log.Info("client admitted", "id", req.ID, "addr", c.addr, "members", len(members)+1)

	if len(members) == 1 {
		other := e.clients[members[0]]
		c.peer = other.addr
		other.peer = c.addr
		outs := respond(c, protocol.SuccessWaiting(protocol.TypeConnected, false))
		return append(outs, outbound{addr: other.addr, frame: protocol.Info(protocol.TypeConnected).Encode()})
	}
	return respond(c, protocol.SuccessWaiting(protocol.TypeConnected, true))
}

// disconnectLocked removes the caller from its pairing. The pairing stays
// alive for the surviving peer so a rejoining client can reconnect.
func (e *Engine) disconnectLocked(c *client) []outbound {
	if c.meeting == "" {
		return respond(c, protocol.Error(protocol.ReasonNotInMeeting))
	}
	outs := respond(c, protocol.Success(protocol.TypeDisconnected))
	return append(outs, e.detachLocked(c)...)
}

// detachLocked unlinks c from its pairing and returns the notification for
// the surviving peer, if any.
func (e *Engine) detachLocked(c *client) []outbound {
	id := c.meeting
	c.meeting = ""
	c.peer = netip.AddrPort{}

	members := e.pairings[id]
	remaining := members[:0]
	for _, m := range members {
		if m != c.addr {
			remaining = append(remaining, m)
		}
	}
	if len(remaining) == 0 {
		delete(e.pairings, id)
		return nil
	}
	e.pairings[id] = remaining

	survivor, ok := e.clients[remaining[0]]
	if !ok {
		return nil
	}
	survivor.peer = netip.AddrPort{}
	return []outbound{{addr: survivor.addr, frame: protocol.Info(protocol.TypeDisconnected).Encode()}}
}

// relay forwards an opaque payload to the sender's paired peer, prefixed
// with the counterparty origin tag.
func (e *Engine) relay(addr netip.AddrPort, data []byte) {
	e.mu.Lock()
	c, ok := e.clients[addr]
	if !ok {
		e.mu.Unlock()
		return
	}
	if c.meeting == "" {
		outs := respond(c, protocol.Error(protocol.ReasonInvalidUser))
		e.mu.Unlock()
		e.deliver(outs)
		return
	}
	if !c.peer.IsValid() {
		outs := respond(c, protocol.Error(protocol.ReasonPeerNotConnected))
		e.mu.Unlock()
		e.deliver(outs)
		return
	}
	peer := e.clients[c.peer]
	e.mu.Unlock()
	if peer == nil {
		return
	}

	if err := peer.conn.Send(protocol.Tag(protocol.TagPeer, data)); err != nil {
		e.log.Warn("relay send failed, evicting peer", "addr", peer.addr, "err", err)
		e.Evict(peer.addr)
		return
	}
	e.relayed.Add(1)
}

// deliver sends queued frames, evicting any destination whose send fails.
func (e *Engine) deliver(outs []outbound) {
	for _, o := range outs {
		e.mu.Lock()
		c, ok := e.clients[o.addr]
		e.mu.Unlock()
		if !ok {
			continue
		}
		if err := c.conn.Send(o.frame); err != nil {
			e.log.Warn("send failed, evicting client", "addr", o.addr, "err", err)
			e.Evict(o.addr)
		}
	}
}

func (e *Engine) sendBestEffort(addr netip.AddrPort, frame []byte) {
	e.mu.Lock()
	c, ok := e.clients[addr]
	e.mu.Unlock()
	if ok {
		_ = c.conn.Send(frame)
	}
}

// Evict disconnects a client, unlinks its pairing, and notifies the
// surviving peer.
func (e *Engine) Evict(addr netip.AddrPort) {
	e.mu.Lock()
	c, ok := e.clients[addr]
	if !ok {
		e.mu.Unlock()
		return
	}
	var outs []outbound
	if c.meeting != "" {
		outs = e.detachLocked(c)
	}
	_ = c.conn.Close()
	delete(e.clients, addr)
	total := len(e.clients)
	e.mu.Unlock()

	e.evictions.Add(1)
	e.log.Info("client disconnected", "addr", addr, "total", total)
	e.deliver(outs)
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	Clients   int    `json:"clients"`
	Pairings  int    `json:"pairings"`
	Frames    uint64 `json:"frames"`
	Relayed   uint64 `json:"relayed"`
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
		Frames:    e.frames.Load(),
		Relayed:   e.relayed.Load(),
		Evictions: e.evictions.Load(),
	}
}
