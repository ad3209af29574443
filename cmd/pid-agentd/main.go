// Command pid-agentd runs the session runtime: one process that admits,
// drives, and tears down agent sessions over HTTP/WebSocket, grounded on
// the teacher's cmd/main.go (config load, signal handling, graceful
// Stop(ctx)).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/workspace/pid-agentd/internal/backend"
	"github.com/workspace/pid-agentd/internal/clock"
	"github.com/workspace/pid-agentd/internal/commands"
	"github.com/workspace/pid-agentd/internal/config"
	"github.com/workspace/pid-agentd/internal/events"
	"github.com/workspace/pid-agentd/internal/gitstatus"
	"github.com/workspace/pid-agentd/internal/httpapi"
	"github.com/workspace/pid-agentd/internal/identity"
	"github.com/workspace/pid-agentd/internal/logging"
	"github.com/workspace/pid-agentd/internal/modelcatalog"
	"github.com/workspace/pid-agentd/internal/policy"
	"github.com/workspace/pid-agentd/internal/registry"
	"github.com/workspace/pid-agentd/internal/runtime"
	"github.com/workspace/pid-agentd/internal/start"
	"github.com/workspace/pid-agentd/internal/stop"
	"github.com/workspace/pid-agentd/internal/storage"
)

// passthroughSkillResolver stands in for the on-disk skill registry
// (spec.md §1: named collaborator, not specified here) — it returns the
// requested skill names unchanged so StartCoordinator's skill-resolution
// step has a concrete collaborator to call.
type passthroughSkillResolver struct{}

func (passthroughSkillResolver) ResolveSkills(ctx context.Context, workspaceID string, names []string) ([]string, error) {
	return names, nil
}

func main() {
	logging.Setup()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load configuration", "error", err)
		os.Exit(1)
	}

	id, err := identity.Load(cfg.DataDir)
	if err != nil {
		slog.Error("load server identity", "error", err)
		os.Exit(1)
	}
	slog.Info("server identity loaded", "fingerprint", id.Fingerprint)

	store, err := storage.Open(filepath.Join(cfg.DataDir, "agentd.db"))
	if err != nil {
		slog.Error("open storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	clk := clock.Real{}

	catalog := modelcatalog.New(modelcatalog.StaticRegistry{Models: modelcatalog.DefaultModels()})
	if err := catalog.Refresh(context.Background()); err != nil {
		slog.Warn("refresh model catalog", "error", err)
	}
	if err := catalog.HealPersistedSessionContextWindows(context.Background(), store); err != nil {
		slog.Warn("heal persisted sessions against model catalog", "error", err)
	}

	wsRuntime := runtime.New(runtime.Config{
		MaxSessionsPerWorkspace: cfg.MaxSessionsPerWorkspace,
		MaxSessionsGlobal:       cfg.MaxSessionsGlobal,
	})

	// registry's onIdle callback needs a *stop.Coordinator that in turn needs
	// the registry to exist first; stopCoord is wired in after both are
	// constructed, and the closure below only dereferences it once fired.
	var stopCoord *stop.Coordinator
	reg := registry.New(clk, cfg.SessionIdleTimeout, func(sessionID string) {
		if stopCoord == nil {
			return
		}
		if err := stopCoord.BeginPendingStop(context.Background(), sessionID, registry.StopModeTerminate, registry.StopSourceTimeout, "session idle timeout"); err != nil {
			slog.Warn("idle timeout stop request failed", "error", err, "sessionId", sessionID)
		}
	})

	stopCoord = stop.New(reg, store, clk, cfg.StopAbortTimeout, cfg.StopAbortRetryTimeout)

	dispatcher := commands.New(reg, store, store, catalog)

	eventProcessor := events.NewProcessor(reg, store, gitstatus.NewRunner(), stopCoord, clk)

	var gate *policy.Gate
	if cfg.PermissionGate {
		gate = policy.NewGate(policy.DefaultHeuristics())
	}

	startCoord := start.New(start.Params{
		Runtime:              wsRuntime,
		Registry:             reg,
		Store:                store,
		Prefs:                store,
		Skills:               passthroughSkillResolver{},
		Factory:              &backend.FakeFactory{},
		Gate:                 gate,
		GateEnabled:          cfg.PermissionGate,
		Events:               eventProcessor,
		Dispatcher:           dispatcher,
		RingCapacity:         cfg.EventRingCapacity,
		Clk:                  clk,
		WorkspaceIdleTimeout: cfg.WorkspaceIdleTimeout,
	})
	startCoord.OnSessionEnded = func(sessionID string) {
		slog.Info("session ended", "sessionId", sessionID)
	}
	stopCoord.OnTerminated = startCoord.HandleSessionEnd

	srv, err := httpapi.New(httpapi.Params{
		Config:   cfg,
		Registry: reg,
		Start:    startCoord,
		Commands: dispatcher,
		Stop:     stopCoord,
	})
	if err != nil {
		slog.Error("build http server", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		slog.Error("server error", "error", err)
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		slog.Warn("error during shutdown", "error", err)
	}

	fmt.Fprintln(os.Stderr, "pid-agentd stopped")
}
