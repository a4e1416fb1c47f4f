package cmd

import (
	"fmt"
	"time"

	"github.com/steward-sh/steward/internal/bus"
	"github.com/steward-sh/steward/internal/compliance"
	"github.com/steward-sh/steward/internal/events"
	"github.com/steward-sh/steward/internal/lifecycle"
	"github.com/steward-sh/steward/internal/store"
	"github.com/steward-sh/steward/internal/tmux"
)

// cliDeps wires the one-shot command dependencies: the shared store plus, on
// demand, the event log and message bus. Daemon commands build the full
// worker set through internal/daemon instead.
type cliDeps struct {
	store *store.Store
	evbus *events.Bus
	bus   *bus.Bus
}

func openDeps() (*cliDeps, error) {
	s, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return &cliDeps{store: s}, nil
}

// withBus extends the deps with an event log and message bus. Rebriefings
// need the rules document, so the compliance engine loads it when configured.
func (d *cliDeps) withBus() error {
	evbus, err := events.NewBus(cfg.EventLogDir())
	if err != nil {
		return fmt.Errorf("opening event log: %w", err)
	}
	d.evbus = evbus

	var rulesText bus.RulesText
	var analyzer bus.Analyzer
	if cfg.Compliance.RulesPath != "" {
		engine := compliance.NewEngine(evbus, nil,
			time.Duration(cfg.Compliance.DedupWindowSec)*time.Second)
		if err := engine.LoadRulesFile(cfg.Compliance.RulesPath); err == nil {
			rulesText = engine.DocText
			analyzer = engine
		}
	}

	d.bus = bus.New(d.store, evbus, bus.Options{
		RatePerMin:        cfg.Bus.RateLimitPerMin,
		DependencyTimeout: cfg.Bus.DependencyTimeout(),
		StalePulled:       cfg.Bus.StalePulled(),
		MessageTTL:        cfg.Bus.MessageTTL(),
		EmergencyBypass:   cfg.Bus.EmergencyBypass,
	}, rulesText, analyzer)
	return nil
}

// lifecycleManager builds a lifecycle manager over the deps for operator
// actions that complete, fail, or reap projects.
func (d *cliDeps) lifecycleManager() (*lifecycle.Manager, error) {
	if d.bus == nil {
		if err := d.withBus(); err != nil {
			return nil, err
		}
	}
	return lifecycle.New(d.store, tmux.NewController(), d.bus, d.evbus, lifecycle.Options{
		HeartbeatTimeout:     cfg.Queue.HeartbeatTimeout(),
		MaxTimeoutExtensions: cfg.Queue.MaxTimeoutExtensions,
		PhantomGrace:         cfg.Queue.PhantomGracePeriod(),
		MaxRestartsPerHour:   cfg.Queue.MaxRestartsPerHour,
		StateDir:             cfg.SessionStateDir(),
	}), nil
}

func (d *cliDeps) close() {
	if d.evbus != nil {
		d.evbus.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
}
