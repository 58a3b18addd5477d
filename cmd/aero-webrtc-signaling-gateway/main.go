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

	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/auth"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/config"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/core"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/eventh"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/httpserver"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/ice"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/metrics"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/plugin"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/plugins/echotest"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/transport/ws"
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

	logger, levelVar, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-webrtc-signaling-gateway",
		"listen_addr", cfg.ListenAddr,
		"session_timeout", cfg.SessionTimeout,
		"candidates_timeout", cfg.CandidatesTimeout,
		"full_trickle", cfg.FullTrickle,
		"api_secret_set", cfg.APISecret != "",
		"admin_secret_set", cfg.AdminSecret != "",
		"token_auth", cfg.TokenAuth,
	)

	rt := config.NewRuntime(cfg, levelVar)
	m := metrics.New()

	var tokens *auth.TokenStore
	if cfg.TokenAuth {
		tokens = auth.NewTokenStore(cfg.TokenAuthSecret)
	}
	gate := auth.NewGate(cfg.APISecret, cfg.AdminSecret, tokens)

	plugins := plugin.NewRegistry()
	events := eventh.NewBus(0, func() { m.Inc(metrics.EventsDropped) })

	gw := core.New(core.Config{
		Logger:  logger,
		Static:  cfg,
		Runtime: rt,
		Metrics: m,
		Gate:    gate,
		Plugins: plugins,
		Events:  events,
		Agents:  ice.NewPionFactory(logger),
	})

	echo := echotest.New(logger)
	if err := echo.Init(gw, ""); err != nil {
		logger.Error("failed to initialize echotest plugin", "err", err)
		os.Exit(1)
	}
	if err := plugins.Register(echo); err != nil {
		logger.Error("failed to register echotest plugin", "err", err)
		os.Exit(1)
	}

	wsTransport := ws.NewServer(cfg, logger, gw)
	if err := gw.RegisterTransport(wsTransport); err != nil {
		logger.Error("failed to register websocket transport", "err", err)
		os.Exit(1)
	}
	if !gw.HasJanusAPITransport() {
		logger.Error("no transport serves the client API, nothing to do")
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	wsTransport.RegisterRoutes(srv.Mux())
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	gw.Start()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	// First termination signal starts a graceful shutdown; the third forces
	// an immediate exit.
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	shutdownCh := make(chan struct{})
	go func() {
		count := 0
		for range sigCh {
			count++
			switch {
			case count == 1:
				logger.Info("shutdown signal received")
				close(shutdownCh)
			case count >= 3:
				logger.Error("forcing immediate exit")
				os.Exit(1)
			}
		}
	}()

	select {
	case err := <-errCh:
		gw.Close()
		events.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-shutdownCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	gw.Close()
	events.Close()
	plugins.DestroyAll()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, built string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available.
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
