package meet

import (
	"context"
	"time"

	"huddle/server/internal/protocol"
)

// reapClientsOnce performs one liveness tick over a snapshot of the client
// table: clients out of TTL are evicted, everyone else loses one TTL unit
// and receives a heartbeat. A failed heartbeat send is itself an eviction.
// Returns the number of clients evicted.
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
			// Removed since the snapshot was taken.
		case expired:
			e.Evict(c.addr)
			evicted++
		default:
			if err := c.conn.Send(protocol.Heartbeat); err != nil {
				e.Evict(c.addr)
				evicted++
			}
		}
	}
	return evicted
}

// reapMeetingsOnce decrements the expiration of every empty meeting and
// deletes the ones that have run out. Returns the number deleted.
func (e *Engine) reapMeetingsOnce() int {
	e.mu.Lock()
	snapshot := make([]*meeting, 0, len(e.meetings))
	for _, m := range e.meetings {
		snapshot = append(snapshot, m)
	}

	removed := 0
	for _, m := range snapshot {
		if len(m.participants) != 0 {
			continue
		}
		if m.expiration <= 1 {
			e.deleteMeetingLocked(m)
			removed++
		} else {
			m.expiration--
		}
	}
	e.mu.Unlock()
	return removed
}

// reapLoop runs both reapers every period until ctx is canceled.
func (e *Engine) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(e.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := e.reapClientsOnce()
			expired := e.reapMeetingsOnce()
			if evicted > 0 || expired > 0 {
				e.log.Info("reaper tick", "evicted_clients", evicted, "expired_meetings", expired)
			}
		}
	}
}
