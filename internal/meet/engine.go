// Package meet implements the signaling engine: the stateful controller
// for meeting rooms. Clients connect over TCP and drive the meeting
// lifecycle (start, join, switch, leave, end) with small JSON frames; the
// engine is the sole writer of the shared meeting directory that the ICE
// and TURN services authorize against.
package meet

import (
	"log/slog"
	"net/netip"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"huddle/server/internal/directory"
	"huddle/server/internal/protocol"
)

// DefaultPort is the signaling TCP port.
const DefaultPort = 5060

const (
	// ReapPeriod is the interval between liveness/expiration sweeps.
	ReapPeriod = time.Minute
	// ClientTTL is how many consecutive heartbeat intervals a client may
	// miss before being evicted.
	ClientTTL = 2
	// MeetingExpiration is how many reaper ticks an empty meeting survives.
	MeetingExpiration = 5
)

// Conn is the transport handle of one signaling client. A small interface
// lets tests inject a mock instead of a real TCP connection.
type Conn interface {
	Recv(max int) ([]byte, error)
	Send(data []byte) error
	Close() error
}

// client is one connected signaling client, keyed by its remote address.
type client struct {
	addr    netip.AddrPort
	conn    Conn
	ttl     int
	meeting string // meeting ID once joined, empty otherwise
	host    bool
	created bool // sticky until the created meeting ends
}

// meeting is one live meeting room.
type meeting struct {
	id           string
	password     string
	creator      netip.AddrPort
	participants []netip.AddrPort // 0, 1, or 2 entries; index order is join order
	expiration   int              // reaper ticks left while empty
}

// Engine owns the client and meeting tables and mirrors meeting state to
// the shared directory. All table access happens under mu; one command is
// one critical section.
type Engine struct {
	mu       sync.Mutex
	clients  map[netip.AddrPort]*client
	meetings map[string]*meeting

	dir    *directory.Store // nil when public mirroring is disabled
	log    *slog.Logger
	period time.Duration

	frames    atomic.Uint64
	evictions atomic.Uint64
}

// NewEngine returns an engine mirroring to dir. dir may be nil, in which
// case the engine runs with public mirroring disabled (ICE/TURN admission
// will fail until the directory is back).
func NewEngine(dir *directory.Store, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		clients:  make(map[netip.AddrPort]*client),
		meetings: make(map[string]*meeting),
		dir:      dir,
		log:      log,
		period:   ReapPeriod,
	}
}

// outbound is one frame queued for delivery after the critical section.
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

// HandleFrame processes one inbound frame from addr. A heartbeat refreshes
// the client's TTL and produces no response; anything else is a command.
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

	var outs []outbound
	e.mu.Lock()
	c, ok := e.clients[addr]
	if !ok {
		e.mu.Unlock()
		return
	}
	req, valid := protocol.ParseRequest(data)
	if !valid {
		outs = respond(c, protocol.Error(protocol.ReasonInvalidRequest))
	} else {
		switch req.Request {
		case protocol.VerbStart:
			outs = e.startLocked(c)
		case protocol.VerbJoin:
			outs = e.joinLocked(c, req)
		case protocol.VerbSwitch:
			outs = e.switchLocked(c)
		case protocol.VerbLeave:
			outs = e.leaveLocked(c)
		case protocol.VerbEnd:
			outs = e.endLocked(c)
		default:
			outs = respond(c, protocol.Error(protocol.ReasonInvalidRequest))
		}
	}
	e.mu.Unlock()

	e.deliver(outs)
}

func respond(c *client, resp protocol.Response) []outbound {
	return []outbound{{addr: c.addr, frame: resp.Encode()}}
}

// startLocked creates a new meeting owned by the caller.
func (e *Engine) startLocked(c *client) []outbound {
	if c.created {
		return respond(c, protocol.Error(protocol.ReasonAlreadyCreated))
	}
	if c.meeting != "" {
		return respond(c, protocol.Error(protocol.ReasonInMeeting))
	}

	id := e.newMeetingIDLocked()
	password := newPassword()
	m := &meeting{
		id:         id,
		password:   password,
		creator:    c.addr,
		expiration: MeetingExpiration,
	}
	e.meetings[id] = m
	c.created = true
	e.mirrorLocked(m)

	e.log.Info("meeting created", "id", id, "creator", c.addr)
	resp := protocol.Success(protocol.TypeCreated)
	resp.ID = id
	resp.Password = password
	return respond(c, resp)
}

// joinLocked adds the caller to an existing meeting. The first participant
// becomes host; the second one triggers a notification to the first.
func (e *Engine) joinLocked(c *client, req protocol.Request) []outbound {
	if req.ID == "" || req.Password == "" {
		return respond(c, protocol.Error(protocol.ReasonInvalidRequest))
	}
	if c.meeting != "" {
		return respond(c, protocol.Error(protocol.ReasonInMeeting))
	}
	m, ok := e.meetings[req.ID]
	if !ok {
		return respond(c, protocol.Error(protocol.ReasonInvalidMeetingID))
	}
	if m.password != req.Password {
		return respond(c, protocol.Error(protocol.ReasonInvalidPassword))
	}
	if len(m.participants) >= protocol.MaxParticipants {
		return respond(c, protocol.Error(protocol.ReasonMeetingFull))
	}

	m.participants = append(m.participants, c.addr)
	m.expiration = MeetingExpiration
	c.meeting = m.id
	c.host = len(m.participants) == 1
	e.mirrorLocked(m)

	e.log.Info("client joined meeting", "id", m.id, "addr", c.addr, "participants", len(m.participants))

	alone := len(m.participants) == 1
	outs := respond(c, protocol.SuccessWaiting(protocol.TypeConnected, alone))
	if !alone {
		first := m.participants[0]
		outs = append(outs, outbound{addr: first, frame: protocol.Info(protocol.TypeConnected).Encode()})
	}
	return outs
}

// switchLocked toggles the host flag between the two participants.
func (e *Engine) switchLocked(c *client) []outbound {
	if c.meeting == "" {
		return respond(c, protocol.Error(protocol.ReasonNotInMeeting))
	}
	m := e.meetings[c.meeting]
	if !c.host {
		return respond(c, protocol.Error(protocol.ReasonInsufficientPermissions))
	}
	if len(m.participants) < protocol.MaxParticipants {
		return respond(c, protocol.Error(protocol.ReasonAloneInMeeting))
	}

	other := m.participants[0]
	if other == c.addr {
		other = m.participants[1]
	}
	oc := e.clients[other]
	c.host = false
	oc.host = true

	outs := respond(c, protocol.Success(protocol.TypeSwitched))
	return append(outs, outbound{addr: other, frame: protocol.Info(protocol.TypeSwitched).Encode()})
}

// leaveLocked removes the caller from its meeting, promoting the remaining
// participant (if any) to host.
func (e *Engine) leaveLocked(c *client) []outbound {
	if c.meeting == "" {
		return respond(c, protocol.Error(protocol.ReasonNotInMeeting))
	}
	outs := respond(c, protocol.Success(protocol.TypeDisconnected))
	return append(outs, e.detachLocked(c)...)
}

// endLocked deletes the caller's meeting, detaching both participants and
// releasing the creator's abuse-prevention flag.
func (e *Engine) endLocked(c *client) []outbound {
	if c.meeting == "" {
		return respond(c, protocol.Error(protocol.ReasonNotInMeeting))
	}
	m := e.meetings[c.meeting]
	if !c.host {
		return respond(c, protocol.Error(protocol.ReasonInsufficientPermissions))
	}

	outs := respond(c, protocol.Success(protocol.TypeEnded))
	for _, p := range m.participants {
		pc := e.clients[p]
		pc.meeting = ""
		pc.host = false
		if p != c.addr {
			outs = append(outs, outbound{addr: p, frame: protocol.Info(protocol.TypeEnded).Encode()})
		}
	}
	m.participants = nil
	e.deleteMeetingLocked(m)

	e.log.Info("meeting ended", "id", m.id, "by", c.addr)
	return outs
}

// detachLocked removes c from its meeting, updates the mirror, and promotes
// the surviving participant to host. It returns the survivor notification.
func (e *Engine) detachLocked(c *client) []outbound {
	m, ok := e.meetings[c.meeting]
	c.meeting = ""
	c.host = false
	if !ok {
		return nil
	}

	remaining := m.participants[:0]
	for _, p := range m.participants {
		if p != c.addr {
			remaining = append(remaining, p)
		}
	}
	m.participants = remaining
	e.mirrorLocked(m)

	if len(m.participants) != 1 {
		return nil
	}
	survivor := e.clients[m.participants[0]]
	survivor.host = true
	return []outbound{{addr: survivor.addr, frame: protocol.Info(protocol.TypeDisconnected).Encode()}}
}

// deleteMeetingLocked drops a meeting from the table and the mirror and
// clears the creator's created flag if the creator is still connected.
func (e *Engine) deleteMeetingLocked(m *meeting) {
	delete(e.meetings, m.id)
	if cc, ok := e.clients[m.creator]; ok {
		cc.created = false
	}
	if e.dir == nil {
		return
	}
	if err := e.dir.Delete(m.id); err != nil {
		e.log.Warn("delete directory mirror", "id", m.id, "err", err)
	}
}

// mirrorLocked publishes the meeting's password and participant IPs to the
// shared directory. Mirror failures are logged, not fatal.
func (e *Engine) mirrorLocked(m *meeting) {
	if e.dir == nil {
		return
	}
	// Unmap so an IPv4 client on a dual-stack socket mirrors as a.b.c.d,
	// matching the form ICE and TURN compare against.
	ips := make([]string, len(m.participants))
	for i, p := range m.participants {
		ips[i] = p.Addr().Unmap().String()
	}
	if err := e.dir.Set(m.id, directory.Record{Password: m.password, Participants: ips}); err != nil {
		e.log.Warn("mirror meeting", "id", m.id, "err", err)
	}
}

// deliver sends queued frames. A send failure evicts the destination,
// which may notify (and on further failure evict) its peer in turn.
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

// sendBestEffort sends one frame without evicting on failure. Used from
// the panic recovery path where further teardown is undesirable.
func (e *Engine) sendBestEffort(addr netip.AddrPort, frame []byte) {
	e.mu.Lock()
	c, ok := e.clients[addr]
	e.mu.Unlock()
	if ok {
		_ = c.conn.Send(frame)
	}
}

// Evict disconnects a client and removes it from every table, notifying
// the remaining meeting participant if there is one.
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
	Meetings  int    `json:"meetings"`
	Frames    uint64 `json:"frames"`
	Evictions uint64 `json:"evictions"`
}

// Stats returns current table sizes and cumulative counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	clients := len(e.clients)
	meetings := len(e.meetings)
	e.mu.Unlock()
	return Stats{
		Clients:   clients,
		Meetings:  meetings,
		Frames:    e.frames.Load(),
		Evictions: e.evictions.Load(),
	}
}
