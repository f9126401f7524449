// Command peerlink-relay runs the signaling relay that brokers use to
// exchange connection offers and answers. Peer traffic never touches this
// process; once a handshake completes the peers talk directly over WebRTC.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/peerlink/peerlink/internal/config"
	"github.com/peerlink/peerlink/internal/httpserver"
	"github.com/peerlink/peerlink/internal/metrics"
	"github.com/peerlink/peerlink/internal/relay"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	logger.Info("starting peerlink-relay",
		"listen_addr", cfg.ListenAddr,
		"max_message_bytes", cfg.MaxMessageBytes,
		"idle_timeout", cfg.IdleTimeout,
		"ping_interval", cfg.PingInterval,
		"commit", commit,
		"build_time", built,
	)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	m := metrics.New()
	hub := relay.NewServer(relay.Config{
		MaxMessageBytes:      cfg.MaxMessageBytes,
		IdleTimeout:          cfg.IdleTimeout,
		PingInterval:         cfg.PingInterval,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
	}, logger, m)

	srv := httpserver.New(logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	srv.Mux().Handle("GET /signal", hub)
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		hub.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	hub.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, built string) (string, string) {
	// Prefer ldflags-injected values but fall back to Go build info, which
	// covers `go run` and dev builds.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if built == "" {
					built = s.Value
				}
			}
		}
	}
	return commit, built
}
