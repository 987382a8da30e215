package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"relayd/internal/retention"
	"relayd/pkg/backplane"
	"relayd/pkg/config"
	"relayd/pkg/logger"
	"relayd/pkg/registry"
	"relayd/pkg/relay"
	"relayd/pkg/sensor"
	"relayd/pkg/shutdown"
	"relayd/pkg/store"
	"relayd/pkg/utils"
)

// App encapsulates the server components and lifecycle.
type App struct {
	eff       config.EffectiveConfigResult
	version   string
	commit    string
	buildDate string

	nodeID string
	log    *store.Log
	bp     backplane.Backplane
	core   *relay.Core

	srv     *http.Server
	closers *shutdown.Manager
}

// New validates the effective config and opens the resources that need no
// running context. The message log is opened here so a bad path fails fast;
// call Run to start the backplane and HTTP server and block until shutdown.
func New(eff config.EffectiveConfigResult, version, commit, buildDate string) (*App, error) {
	if err := validateConfig(eff); err != nil {
		return nil, err
	}

	nodeID := eff.Config.Backplane.NodeID
	if nodeID == "" {
		nodeID = utils.GenNodeID()
	}

	log, err := store.Open(eff.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open message log at %s: %w", eff.DBPath, err)
	}

	a := &App{
		eff:       eff,
		version:   version,
		commit:    commit,
		buildDate: buildDate,
		nodeID:    nodeID,
		log:       log,
		closers:   shutdown.NewManager(),
	}
	a.closers.Register("store", log.Close)
	return a, nil
}

// Run connects the backplane, builds the relay core, starts the retention
// scheduler and HTTP server, and blocks until ctx is canceled or a fatal
// server error occurs. Registered resources close in reverse order.
func (a *App) Run(ctx context.Context) error {
	defer a.closers.Close()

	bp, err := a.openBackplane(ctx)
	if err != nil {
		return err
	}
	a.bp = bp
	a.closers.Register("backplane", bp.Close)

	a.core = relay.New(a.nodeID, a.log, registry.New(), bp, relay.Limits{
		PublishRPS:   a.eff.Config.Relay.PublishRPS,
		PublishBurst: a.eff.Config.Relay.PublishBurst,
	})

	stopRetention, err := retention.Start(ctx, a.eff.Config.Retention, a.log)
	if err != nil {
		return err
	}
	a.closers.Register("retention", func() error { stopRetention(); return nil })

	stopSensor := sensor.StartDefault(10 * time.Second)
	a.closers.Register("sensor", func() error { stopSensor(); return nil })

	a.printBanner()

	errCh := a.startHTTP(ctx)

	select {
	case <-ctx.Done():
		logger.Info("shutdown_signal_received", "node", a.nodeID)
		a.stopHTTP()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// openBackplane picks the broadcast fabric from config: redis when running
// as a fleet, an in-process bus when standalone.
func (a *App) openBackplane(ctx context.Context) (backplane.Backplane, error) {
	cfg := a.eff.Config.Backplane
	switch cfg.Kind {
	case "redis":
		return backplane.NewRedis(ctx, cfg.URL, cfg.Channel, a.nodeID)
	case "none", "memory":
		return backplane.NewMemory(a.nodeID), nil
	default:
		return nil, fmt.Errorf("unknown backplane kind %q", cfg.Kind)
	}
}
