// Command hapihub runs the HAPI coordination hub: HTTP API, SSE stream,
// and the `/cli` runner socket, all backed by a single SQLite store.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hapi-hub/hapi/internal/beads"
	"github.com/hapi-hub/hapi/internal/config"
	"github.com/hapi-hub/hapi/internal/coordinator"
	"github.com/hapi-hub/hapi/internal/event"
	"github.com/hapi-hub/hapi/internal/logging"
	"github.com/hapi-hub/hapi/internal/rpcregistry"
	"github.com/hapi-hub/hapi/internal/runnersocket"
	"github.com/hapi-hub/hapi/internal/server"
	"github.com/hapi-hub/hapi/internal/sessioncache"
	"github.com/hapi-hub/hapi/internal/sse"
	"github.com/hapi-hub/hapi/internal/store"
)

const version = "0.1.0"

var (
	port        = flag.Int("port", 0, "listen port (overrides HAPI_PORT)")
	logLevel    = flag.String("log-level", "", "log level: debug|info|warn|error (overrides HAPI_LOG_LEVEL)")
	showVersion = flag.Bool("version", false, "print version and exit")
)

// Exit codes per the CLI contract: 0 success, 1 failure, 2 invalid usage.
const (
	exitSuccess = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("hapihub %s\n", version)
		os.Exit(exitSuccess)
	}
	if flag.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "hapihub: unrecognized argument %q\n", flag.Arg(0))
		os.Exit(exitUsage)
	}

	os.Exit(run())
}

func run() int {
	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		fmt.Fprintf(os.Stderr, "hapihub: create data directories: %v\n", err)
		return exitFailure
	}

	cfg := config.LoadServerConfig(paths)
	if *port != 0 {
		cfg.Port = *port
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logging.Init(logging.Config{
		Level:      logging.ParseLevel(cfg.LogLevel),
		Output:     os.Stderr,
		Pretty:     true,
		TimeFormat: time.RFC3339,
	})
	defer logging.Close()

	settings, err := config.LoadSettings(paths.SettingsPath())
	if err != nil {
		logging.Error().Err(err).Msg("load settings")
		return exitFailure
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := event.New()
	defer bus.Close()

	st, err := store.Open(ctx, paths.DatabasePath(), bus)
	if err != nil {
		logging.Error().Err(err).Msg("open store")
		return exitFailure
	}
	defer st.Close()

	registry := rpcregistry.New()
	cache := sessioncache.New(st, bus)
	presence := sessioncache.NewPresenceAdapter(cache, st)
	runnerHub := runnersocket.NewHub(registry, presence)
	coord := coordinator.New(st, bus, runnerHub)
	beadsSvc := beads.New(st, bus, runnerHub)
	sseManager := sse.NewManager(bus)

	go cache.Run(ctx, 30*time.Second)
	go beadsSvc.Run(ctx, "default")

	srvCfg := server.DefaultConfig()
	srvCfg.Port = cfg.Port
	srv := server.New(srvCfg, st, bus, cache, registry, coord, sseManager, beadsSvc, runnerHub, settings.CliApiToken)

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Int("port", cfg.Port).Msg("hapihub listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logging.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logging.Error().Err(err).Msg("server error")
		return exitFailure
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("graceful shutdown failed")
		return exitFailure
	}

	return exitSuccess
}
