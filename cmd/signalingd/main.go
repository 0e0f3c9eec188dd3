// Command signalingd runs the signaling service: the authoritative meeting
// lifecycle controller and the sole writer of the shared meeting directory.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"huddle/server/internal/directory"
	"huddle/server/internal/meet"
	"huddle/server/internal/status"
	"huddle/server/internal/transport"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	port := flag.Int("port", meet.DefaultPort, "Signaling listen port (TCP)")
	dirPath := flag.String("directory", directory.DefaultPath, "Shared meeting directory database path")
	statusAddr := flag.String("status-addr", "", "Status HTTP listen address (empty = disabled)")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	// Auto-enable debug logging for dev builds; override with -debug flag.
	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("starting signaling server", "version", Version, "port", *port, "directory", *dirPath)

	// Signaling keeps running without the directory; ICE/TURN admission
	// stays broken until it is back, but meetings still work locally.
	dir, err := directory.Open(*dirPath, directory.DefaultPrefix)
	if err != nil {
		slog.Warn("directory unavailable, public mirroring disabled", "err", err)
		dir = nil
	} else {
		defer func() {
			if closeErr := dir.Close(); closeErr != nil {
				slog.Error("close directory", "err", closeErr)
			}
		}()
	}

	ln, err := transport.ListenStream(*port)
	if err != nil {
		slog.Error("listen", "err", err)
		os.Exit(1)
	}

	engine := meet.NewEngine(dir, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	if *statusAddr != "" {
		st := status.New("signaling", func() any { return engine.Stats() })
		go func() {
			if err := st.Run(ctx, *statusAddr); err != nil {
				slog.Error("status server error", "err", err)
			}
		}()
	}

	slog.Info("listening", "addr", ln.Addr())
	if err := engine.Run(ctx, ln); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
