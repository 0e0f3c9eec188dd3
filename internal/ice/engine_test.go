package ice

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"path/filepath"
	"sync"
	"testing"

	"huddle/server/internal/directory"
	"huddle/server/internal/protocol"
	"huddle/server/internal/transport"
)

const (
	testMeetingID = "123456789"
	testPassword  = "abcABC123456"
)

// mockConn implements Conn for tests and records every frame sent to it.
type mockConn struct {
	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	closed  bool
}

func (m *mockConn) Recv(max int) ([]byte, error) { return nil, transport.ErrWouldBlock }

func (m *mockConn) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.sent = append(m.sent, cp)
	return nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *mockConn) frames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.sent...)
}

func (m *mockConn) lastResponse(t *testing.T) protocol.Response {
	t.Helper()
	frames := m.frames()
	if len(frames) == 0 {
		t.Fatal("no frames sent")
	}
	var resp protocol.Response
	if err := json.Unmarshal(frames[len(frames)-1], &resp); err != nil {
		t.Fatalf("decode %q: %v", frames[len(frames)-1], err)
	}
	return resp
}

// newTestEngine returns a broker whose directory already contains the test
// meeting with participants 10.0.0.1 and 10.0.0.2.
func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir, err := directory.Open(filepath.Join(t.TempDir(), "dir.db"), directory.DefaultPrefix)
	if err != nil {
		t.Fatalf("open directory: %v", err)
	}
	t.Cleanup(func() { dir.Close() })

	rec := directory.Record{Password: testPassword, Participants: []string{"10.0.0.1", "10.0.0.2"}}
	if err := dir.Set(testMeetingID, rec); err != nil {
		t.Fatalf("seed directory: %v", err)
	}
	return NewEngine(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func connect(e *Engine, addr string) (netip.AddrPort, *mockConn) {
	ap := netip.MustParseAddrPort(addr)
	conn := &mockConn{}
	e.AddClient(ap, conn)
	return ap, conn
}

func connectFrame(id, password string) []byte {
	return []byte(fmt.Sprintf(`{"request":"connect","id":%q,"password":%q}`, id, password))
}

// admit drives a successful connect and asserts the waiting flag.
func admit(t *testing.T, e *Engine, addr netip.AddrPort, conn *mockConn, waiting bool) {
	t.Helper()
	e.HandleFrame(addr, connectFrame(testMeetingID, testPassword))
	resp := conn.lastResponse(t)
	if resp.Response != protocol.StatusSuccess || resp.Waiting == nil || *resp.Waiting != waiting {
		t.Fatalf("admission failed (want waiting=%v): %+v", waiting, resp)
	}
}

func TestAdmissionLadder(t *testing.T) {
	e := newTestEngine(t)
	a, aConn := connect(e, "10.0.0.1:4001")

	e.HandleFrame(a, connectFrame("999999999", testPassword))
	if resp := aConn.lastResponse(t); resp.Reason != protocol.ReasonInvalidMeetingID {
		t.Fatalf("unknown meeting: %+v", resp)
	}

	e.HandleFrame(a, connectFrame(testMeetingID, "wrong"))
	if resp := aConn.lastResponse(t); resp.Reason != protocol.ReasonInvalidPassword {
		t.Fatalf("wrong password: %+v", resp)
	}

	// Correct credentials from an IP that never joined via signaling.
	outsider, outsiderConn := connect(e, "10.9.9.9:4009")
	e.HandleFrame(outsider, connectFrame(testMeetingID, testPassword))
	if resp := outsiderConn.lastResponse(t); resp.Reason != protocol.ReasonInvalidUser {
		t.Fatalf("foreign IP: %+v", resp)
	}

	admit(t, e, a, aConn, true)
}

func TestPairingNotifiesFirstPeer(t *testing.T) {
	e := newTestEngine(t)
	a, aConn := connect(e, "10.0.0.1:4001")
	b, bConn := connect(e, "10.0.0.2:4002")

	admit(t, e, a, aConn, true)
	admit(t, e, b, bConn, false)

	info := aConn.lastResponse(t)
	if info.Response != protocol.StatusInfo || info.Type != protocol.TypeConnected {
		t.Fatalf("first peer should be notified: %+v", info)
	}
}

func TestPairingSlotFull(t *testing.T) {
	e := newTestEngine(t)
	a, aConn := connect(e, "10.0.0.1:4001")
	b, bConn := connect(e, "10.0.0.2:4002")
	admit(t, e, a, aConn, true)
	admit(t, e, b, bConn, false)

	// A third socket from a participant IP still cannot squeeze in.
	extra, extraConn := connect(e, "10.0.0.1:4003")
	e.HandleFrame(extra, connectFrame(testMeetingID, testPassword))
	if resp := extraConn.lastResponse(t); resp.Reason != protocol.ReasonMeetingFull {
		t.Fatalf("expected %q, got %+v", protocol.ReasonMeetingFull, resp)
	}
}

func TestRepeatedConnect(t *testing.T) {
	e := newTestEngine(t)
	a, aConn := connect(e, "10.0.0.1:4001")
	admit(t, e, a, aConn, true)

	// Still alone: the connect is re-acknowledged.
	admit(t, e, a, aConn, true)

	b, bConn := connect(e, "10.0.0.2:4002")
	admit(t, e, b, bConn, false)

	// Paired: a further connect is an error.
	e.HandleFrame(a, connectFrame(testMeetingID, testPassword))
	if resp := aConn.lastResponse(t); resp.Reason != protocol.ReasonInMeeting {
		t.Fatalf("expected %q, got %+v", protocol.ReasonInMeeting, resp)
	}
}

func TestRelayTagsPeerPayload(t *testing.T) {
	e := newTestEngine(t)
	a, aConn := connect(e, "10.0.0.1:4001")
	b, bConn := connect(e, "10.0.0.2:4002")
	admit(t, e, a, aConn, true)
	admit(t, e, b, bConn, false)

	payload := []byte("IP10.0.0.127")
	e.HandleFrame(a, payload)

	frames := bConn.frames()
	got := frames[len(frames)-1]
	if string(got) != "C"+string(payload) {
		t.Fatalf("peer should receive tagged payload, got %q", got)
	}
}

func TestRelayWithoutPeer(t *testing.T) {
	e := newTestEngine(t)
	a, aConn := connect(e, "10.0.0.1:4001")
	admit(t, e, a, aConn, true)

	e.HandleFrame(a, []byte("candidate data"))
	if resp := aConn.lastResponse(t); resp.Reason != protocol.ReasonPeerNotConnected {
		t.Fatalf("expected %q, got %+v", protocol.ReasonPeerNotConnected, resp)
	}
}

func TestRelayBeforeAdmission(t *testing.T) {
	e := newTestEngine(t)
	a, aConn := connect(e, "10.9.9.9:4009")

	e.HandleFrame(a, []byte("IP10.0.0.127"))
	if resp := aConn.lastResponse(t); resp.Reason != protocol.ReasonInvalidUser {
		t.Fatalf("expected %q, got %+v", protocol.ReasonInvalidUser, resp)
	}
}

func TestObjectWithoutVerbIsRelayed(t *testing.T) {
	e := newTestEngine(t)
	a, aConn := connect(e, "10.0.0.1:4001")
	b, bConn := connect(e, "10.0.0.2:4002")
	admit(t, e, a, aConn, true)
	admit(t, e, b, bConn, false)

	// Candidate payloads are often JSON objects themselves; only a frame
	// with a request verb is a command.
	payload := []byte(`{"candidate":"candidate:0 1 UDP 2122252543 10.0.0.1 54321 typ host"}`)
	e.HandleFrame(a, payload)

	frames := bConn.frames()
	got := frames[len(frames)-1]
	if string(got) != "C"+string(payload) {
		t.Fatalf("candidate object should be relayed, got %q", got)
	}
}

func TestUnknownVerbRejected(t *testing.T) {
	e := newTestEngine(t)
	a, aConn := connect(e, "10.0.0.1:4001")
	admit(t, e, a, aConn, true)

	e.HandleFrame(a, []byte(`{"request":"fly"}`))
	if resp := aConn.lastResponse(t); resp.Reason != protocol.ReasonInvalidRequest {
		t.Fatalf("expected %q, got %+v", protocol.ReasonInvalidRequest, resp)
	}
}

func TestMappedAddressPassesMembershipCheck(t *testing.T) {
	e := newTestEngine(t)

	// An IPv4 participant surfacing as v4-in-v6 on a dual-stack socket.
	a, aConn := connect(e, "[::ffff:10.0.0.1]:4001")
	admit(t, e, a, aConn, true)
}

func TestDisconnectKeepsPairingForSurvivor(t *testing.T) {
	e := newTestEngine(t)
	a, aConn := connect(e, "10.0.0.1:4001")
	b, bConn := connect(e, "10.0.0.2:4002")
	admit(t, e, a, aConn, true)
	admit(t, e, b, bConn, false)

	e.HandleFrame(a, []byte(`{"request":"disconnect"}`))
	if resp := aConn.lastResponse(t); resp.Type != protocol.TypeDisconnected || resp.Response != protocol.StatusSuccess {
		t.Fatalf("disconnect ack: %+v", resp)
	}
	if info := bConn.lastResponse(t); info.Response != protocol.StatusInfo || info.Type != protocol.TypeDisconnected {
		t.Fatalf("survivor notification: %+v", info)
	}

	// The survivor remains connectable: a new socket can re-pair.
	a2, a2Conn := connect(e, "10.0.0.1:4010")
	admit(t, e, a2, a2Conn, false)
	if info := bConn.lastResponse(t); info.Response != protocol.StatusInfo || info.Type != protocol.TypeConnected {
		t.Fatalf("survivor should see the rejoin: %+v", info)
	}
}

func TestHeartbeatRefreshesTTL(t *testing.T) {
	e := newTestEngine(t)
	a, aConn := connect(e, "10.0.0.1:4001")

	e.mu.Lock()
	e.clients[a].ttl = 0
	e.mu.Unlock()

	e.HandleFrame(a, []byte("HEARTBEAT"))
	if len(aConn.frames()) != 0 {
		t.Fatal("heartbeat must not be answered")
	}
	e.mu.Lock()
	ttl := e.clients[a].ttl
	e.mu.Unlock()
	if ttl != ClientTTL {
		t.Fatalf("ttl should be %d, got %d", ClientTTL, ttl)
	}
}

func TestReapEvictsSilentClientAndNotifiesPeer(t *testing.T) {
	e := newTestEngine(t)
	a, aConn := connect(e, "10.0.0.1:4001")
	b, bConn := connect(e, "10.0.0.2:4002")
	admit(t, e, a, aConn, true)
	admit(t, e, b, bConn, false)

	// Only b keeps responding to heartbeats.
	e.reapClientsOnce()
	e.HandleFrame(b, []byte("HEARTBEAT"))
	e.reapClientsOnce()
	e.HandleFrame(b, []byte("HEARTBEAT"))
	if n := e.reapClientsOnce(); n != 1 {
		t.Fatalf("expected one eviction, got %d", n)
	}

	if info := bConn.lastResponse(t); info.Response != protocol.StatusInfo || info.Type != protocol.TypeDisconnected {
		t.Fatalf("survivor notification: %+v", info)
	}
	if !aConn.closed {
		t.Fatal("evicted client's transport should be closed")
	}
}

func TestBrokenPipeDuringRelayEvictsPeer(t *testing.T) {
	e := newTestEngine(t)
	a, aConn := connect(e, "10.0.0.1:4001")
	b, bConn := connect(e, "10.0.0.2:4002")
	admit(t, e, a, aConn, true)
	admit(t, e, b, bConn, false)

	bConn.sendErr = fmt.Errorf("broken pipe")
	e.HandleFrame(a, []byte("candidate data"))

	e.mu.Lock()
	_, bThere := e.clients[b]
	e.mu.Unlock()
	if bThere {
		t.Fatal("peer with broken pipe should be evicted")
	}
	if info := aConn.lastResponse(t); info.Response != protocol.StatusInfo || info.Type != protocol.TypeDisconnected {
		t.Fatalf("sender should learn the peer is gone: %+v", info)
	}
}
