package meet

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"time"

	"huddle/server/internal/protocol"
	"huddle/server/internal/transport"
)

// idleSleep is how long the multiplexer pauses after a sweep that found no
// readable client, so an idle server does not spin.
const idleSleep = 10 * time.Millisecond

// Run serves the engine on ln until ctx is canceled: an acceptor, a
// per-client multiplexer, and the reaper. On shutdown it closes the
// listener, joins all three, disconnects every client, and flushes the
// directory namespace.
func (e *Engine) Run(ctx context.Context, ln *transport.StreamListener) error {
	if e.dir != nil {
		if err := e.dir.FlushAll(); err != nil {
			e.log.Warn("flush directory namespace", "err", err)
		}
	}

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
	if e.dir != nil {
		if err := e.dir.FlushAll(); err != nil {
			e.log.Warn("flush directory namespace", "err", err)
		}
	}
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

// pollLoop sweeps a snapshot of the client table, reading each connection
// non-blockingly. One task polls everyone; there is no per-client goroutine.
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

// pollOnce returns the number of frames handled during the sweep.
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
