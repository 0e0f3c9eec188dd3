package ice

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"time"

	"huddle/server/internal/protocol"
	"huddle/server/internal/transport"
)

const idleSleep = 10 * time.Millisecond

// Run serves the broker on ln until ctx is canceled: acceptor, per-client
// multiplexer, and reaper, joined on shutdown.
func (e *Engine) Run(ctx context.Context, ln *transport.StreamListener) error {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		e.acceptLoop(ctx, ln)
	}()
	go func() {
		defer wg.Done()
		e.pollLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		e.reapLoop(ctx)
	}()

	<-ctx.Done()
	_ = ln.Close()
	wg.Wait()
	e.closeAll()
	return nil
}

func (e *Engine) acceptLoop(ctx context.Context, ln *transport.StreamListener) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, addr, err := ln.Accept()
		switch {
		case err == nil:
			e.AddClient(addr, conn)
		case errors.Is(err, transport.ErrWouldBlock):
		case errors.Is(err, transport.ErrClosed):
			return
		default:
			e.log.Warn("accept", "err", err)
		}
	}
}

func (e *Engine) pollLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if e.pollOnce() == 0 {
			time.Sleep(idleSleep)
		}
	}
}

// pollOnce sweeps a snapshot of the client table non-blockingly and
// returns the number of frames handled.
func (e *Engine) pollOnce() int {
	e.mu.Lock()
	type target struct {
		addr netip.AddrPort
		conn Conn
	}
	snapshot := make([]target, 0, len(e.clients))
	for addr, c := range e.clients {
		snapshot = append(snapshot, target{addr: addr, conn: c.conn})
	}
	e.mu.Unlock()

	handled := 0
	for _, t := range snapshot {
		data, err := t.conn.Recv(protocol.MaxMessageLength)
		switch {
		case err == nil:
			e.HandleFrame(t.addr, data)
			handled++
		case errors.Is(err, transport.ErrWouldBlock):
		default:
			e.log.Info("client transport error", "addr", t.addr, "err", err)
			e.Evict(t.addr)
		}
	}
	return handled
}

// reapClientsOnce performs one liveness tick over a snapshot of the client
// table. Returns the number of clients evicted.
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
			if err := c.conn.Send(protocol.Heartbeat); err != nil {
				e.Evict(c.addr)
				evicted++
			}
		}
	}
	return evicted
}

func (e *Engine) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(e.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := e.reapClientsOnce(); evicted > 0 {
				e.log.Info("reaper tick", "evicted_clients", evicted)
			}
		}
	}
}

func (e *Engine) closeAll() {
	e.mu.Lock()
	conns := make([]Conn, 0, len(e.clients))
	for _, c := range e.clients {
		conns = append(conns, c.conn)
	}
	e.clients = make(map[netip.AddrPort]*client)
	e.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}
