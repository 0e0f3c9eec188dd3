// Command turnd runs the TURN relay: the fallback datagram path between
// the two clients of a meeting when peer-to-peer traversal fails.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"huddle/server/internal/directory"
	"huddle/server/internal/status"
	"huddle/server/internal/transport"
	"huddle/server/internal/turn"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	port := flag.Int("port", turn.DefaultPort, "TURN relay listen port (UDP)")
	dirPath := flag.String("directory", directory.DefaultPath, "Shared meeting directory database path")
	statusAddr := flag.String("status-addr", "", "Status HTTP listen address (empty = disabled)")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("starting TURN relay", "version", Version, "port", *port, "directory", *dirPath)

	// The relay cannot authorize anyone without the directory.
	dir, err := directory.Open(*dirPath, directory.DefaultPrefix)
	if err != nil {
		slog.Error("open directory", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := dir.Close(); closeErr != nil {
			slog.Error("close directory", "err", closeErr)
		}
	}()

	conn, err := transport.ListenDatagram(*port)
	if err != nil {
		slog.Error("listen", "err", err)
		os.Exit(1)
	}

	engine := turn.NewEngine(dir, conn, slog.Default())

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
		st := status.New("turn", func() any { return engine.Stats() })
		go func() {
			if err := st.Run(ctx, *statusAddr); err != nil {
				slog.Error("status server error", "err", err)
			}
		}()
	}

	slog.Info("listening", "addr", conn.Addr())
	if err := engine.Run(ctx, conn); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
