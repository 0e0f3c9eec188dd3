package turn

import (
	"context"
	"errors"
	"sync"
	"time"

	"huddle/server/internal/transport"
)

// Run serves the relay on conn until ctx is canceled: one receiver loop
// (there is a single socket, so no per-client multiplexer) plus the reaper.
func (e *Engine) Run(ctx context.Context, conn *transport.DatagramConn) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.recvLoop(ctx, conn)
	}()
	go func() {
		defer wg.Done()
		e.reapLoop(ctx)
	}()

	<-ctx.Done()
	_ = conn.Close()
	wg.Wait()
	return nil
}

func (e *Engine) recvLoop(ctx context.Context, conn *transport.DatagramConn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		data, addr, err := conn.Recv(MaxDatagram)
		switch {
		case err == nil:
			e.HandlePacket(addr, data)
		case errors.Is(err, transport.ErrWouldBlock):
		case errors.Is(err, transport.ErrClosed):
			return
		default:
			e.log.Warn("recv", "err", err)
		}
	}
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
