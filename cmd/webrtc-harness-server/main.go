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

	"github.com/openavatarchat/webrtc-harness/internal/config"
	"github.com/openavatarchat/webrtc-harness/internal/engine"
	"github.com/openavatarchat/webrtc-harness/internal/httpserver"
	"github.com/openavatarchat/webrtc-harness/internal/metrics"
	"github.com/openavatarchat/webrtc-harness/internal/session"
	"github.com/openavatarchat/webrtc-harness/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildVersion = "dev"
	buildCommit  = ""
	buildTime    = ""
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

	logger.Info("starting webrtc-harness-server",
		"listen_addr", cfg.ListenAddr,
		"mock_engine", cfg.MockEngine,
		"max_sessions", cfg.MaxSessions,
		"ice_servers", len(cfg.ICEServers),
		"ice_gathering_timeout", cfg.ICEGatheringTimeout,
		"tls", cfg.TLSCertFile != "" && cfg.TLSKeyFile != "",
	)

	var eng engine.Engine
	if cfg.MockEngine {
		logger.Warn("running with the mock engine, answers are canned and carry no media")
		eng = engine.NewMock()
	} else {
		eng = engine.NewPion(engine.PionConfig{
			ICEServers:       cfg.ICEServers,
			GatheringTimeout: cfg.ICEGatheringTimeout,
			Logger:           logger,
		})
	}

	m := metrics.New()
	registry := session.NewRegistry(logger, cfg.MaxSessions)
	exchange := signaling.NewExchange(logger, registry, eng, m)

	build := resolveBuildInfo()

	srv := httpserver.New(cfg, logger, build)
	sig := signaling.NewServer(signaling.Config{
		Log:      logger,
		Exchange: exchange,
		Registry: registry,
		Metrics:  m,

		ICEServers: cfg.ICEServers,
		Version:    build.Version,

		MaxSignalingMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
	})
	sig.RegisterRoutes(srv.Mux())

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		registry.CloseAll()
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
	registry.CloseAll()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo() httpserver.BuildInfo {
	build := httpserver.BuildInfo{
		Version:   buildVersion,
		Commit:    buildCommit,
		BuildTime: buildTime,
	}

	// Prefer ldflags-injected values but fall back to the Go build info when
	// available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if build.Commit == "" {
					build.Commit = s.Value
				}
			case "vcs.time":
				if build.BuildTime == "" {
					build.BuildTime = s.Value
				}
			}
		}
	}

	return build
}
