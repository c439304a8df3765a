// ABOUTME: Fake agent for local and end-to-end testing, serving the agent WebSocket protocol
// ABOUTME: Usage: fake-agent [-addr 127.0.0.1:9001] [-name "Echo Agent"] [-delay 30ms] [-ack]
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/2389/coven-chat/internal/fakeagent"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9001", "listen address")
	path := flag.String("path", "/agent", "WebSocket endpoint path")
	name := flag.String("name", "Echo Agent", "agent display name")
	delay := flag.Duration("delay", 30*time.Millisecond, "pause between streamed chunks")
	ack := flag.Bool("ack", false, "acknowledge messages even when the gateway does not ask")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := run(*addr, *path, fakeagent.Config{
		Name:       *name,
		ChunkDelay: *delay,
		AlwaysAck:  *ack,
		Logger:     logger,
	}, logger); err != nil {
		logger.Error("fake agent failed", "error", err)
		os.Exit(1)
	}
}

func run(addr, path string, cfg fakeagent.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mux := http.NewServeMux()
	mux.Handle(path, fakeagent.New(cfg))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logger.Info("fake agent listening", "name", cfg.Name, "url", "ws://"+ln.Addr().String()+path)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	// Hijacked WebSocket connections are not tracked by Shutdown; they end with the process.
	return srv.Shutdown(shutdownCtx)
}
