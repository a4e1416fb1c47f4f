// Package daemon composes the orchestration core: store, singleton lock,
// message bus, lifecycle, schedulers, compliance, events, and tracing, and
// runs the long-lived worker set.
package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/steward-sh/steward/internal/bus"
	"github.com/steward-sh/steward/internal/compliance"
	"github.com/steward-sh/steward/internal/config"
	"github.com/steward-sh/steward/internal/events"
	"github.com/steward-sh/steward/internal/lifecycle"
	"github.com/steward-sh/steward/internal/lock"
	"github.com/steward-sh/steward/internal/log"
	"github.com/steward-sh/steward/internal/procman"
	"github.com/steward-sh/steward/internal/recovery"
	"github.com/steward-sh/steward/internal/scheduler"
	"github.com/steward-sh/steward/internal/store"
	"github.com/steward-sh/steward/internal/tmux"
	"github.com/steward-sh/steward/internal/tracing"
)

// Role selects which worker set a daemon process runs. Each role holds its
// own singleton lock, so one queue daemon and one check-in scheduler may
// coexist but never two of either.
type Role string

const (
	// RoleQueue runs admission, lifecycle sweeps, bus maintenance, the
	// compliance engine, and the notifier.
	RoleQueue Role = "queue"
	// RoleScheduler runs the check-in task scheduler.
	RoleScheduler Role = "scheduler"
)

// Daemon is one running orchestration process.
type Daemon struct {
	cfg  config.Config
	role Role

	store    *store.Store
	lock     *lock.Handle
	sessions *tmux.Controller
	procs    *procman.Manager
	evbus    *events.Bus
	notifier *events.Notifier
	bus      *bus.Bus
	engine   *compliance.Engine
	watcher  *compliance.Watcher
	life     *lifecycle.Manager
	queue    *scheduler.QueueProcessor
	checkin  *scheduler.CheckinScheduler
	traces   *tracing.Provider
	recover  *recovery.Tool

	closeOnce sync.Once
}

// New builds a daemon for the role, acquiring its singleton lock. The
// returned daemon must be Closed even if Run is never called.
func New(cfg config.Config, role Role) (*Daemon, error) {
	handle, err := lock.NewGuard(cfg.LockDir()).Acquire(string(role))
	if err != nil {
		return nil, err
	}

	d := &Daemon{cfg: cfg, role: role, lock: handle}
	if err := d.build(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) build() error {
	var err error
	d.store, err = store.Open(d.cfg.DBPath())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	d.evbus, err = events.NewBus(d.cfg.EventLogDir())
	if err != nil {
		return fmt.Errorf("opening event log: %w", err)
	}

	d.traces, err = tracing.NewProvider(d.tracingConfig())
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	d.sessions = tmux.NewController()
	d.procs = procman.NewManager(d.sessions)

	d.engine = compliance.NewEngine(d.evbus, nil,
		time.Duration(d.cfg.Compliance.DedupWindowSec)*time.Second)
	var rulesText bus.RulesText
	if d.cfg.Compliance.RulesPath != "" {
		if err := d.engine.LoadRulesFile(d.cfg.Compliance.RulesPath); err != nil {
			// A missing or broken rules document is not fatal; the watcher
			// picks it up once fixed.
			log.ErrorErr(log.CatRules, "initial rules load failed", err, "path", d.cfg.Compliance.RulesPath)
		}
		rulesText = d.engine.DocText
		d.watcher, err = compliance.NewWatcher(d.engine, d.cfg.Compliance.RulesPath,
			time.Duration(d.cfg.Compliance.DebounceSec)*time.Second)
		if err != nil {
			return fmt.Errorf("initializing rules watcher: %w", err)
		}
	}

	d.bus = bus.New(d.store, d.evbus, bus.Options{
		RatePerMin:        d.cfg.Bus.RateLimitPerMin,
		DependencyTimeout: d.cfg.Bus.DependencyTimeout(),
		StalePulled:       d.cfg.Bus.StalePulled(),
		MessageTTL:        d.cfg.Bus.MessageTTL(),
		EmergencyBypass:   d.cfg.Bus.EmergencyBypass,
	}, rulesText, d.engine)

	d.life = lifecycle.New(d.store, d.sessions, d.bus, d.evbus, lifecycle.Options{
		HeartbeatTimeout:     d.cfg.Queue.HeartbeatTimeout(),
		MaxTimeoutExtensions: d.cfg.Queue.MaxTimeoutExtensions,
		PhantomGrace:         d.cfg.Queue.PhantomGracePeriod(),
		MaxRestartsPerHour:   d.cfg.Queue.MaxRestartsPerHour,
		StateDir:             d.cfg.SessionStateDir(),
	})

	roles, err := config.LoadRoles(d.cfg.RolesPath)
	if err != nil {
		return fmt.Errorf("loading roles: %w", err)
	}
	windows := make([]string, 0, len(roles))
	for _, r := range roles {
		if r.Schedulable {
			windows = append(windows, r.Name)
		}
	}

	d.queue = scheduler.NewQueueProcessor(d.store, d.sessions, d.procs, d.life, d.evbus, scheduler.Options{
		TickInterval:      d.cfg.Queue.TickInterval(),
		MaxProcessRuntime: d.cfg.Queue.MaxProcessRuntime(),
		Grace:             d.cfg.Queue.Grace(),
		MaxRSSMB:          d.cfg.Queue.MaxRSSMB,
		DisableFastLane:   d.cfg.Bus.DisableFastLane,
		Windows:           windows,
	})

	d.checkin = scheduler.NewCheckinScheduler(d.store, d.bus, d.evbus, scheduler.CheckinOptions{
		BackoffBase: time.Duration(d.cfg.Scheduler.CreditBackoffSec) * time.Second,
	})

	d.notifier = events.NewNotifier(d.evbus, logSink{}, d.cfg.Notify.RatePerMin)
	d.recover = recovery.New(d.store, d.sessions)
	return nil
}

func (d *Daemon) tracingConfig() config.TracingConfig {
	tc := d.cfg.Tracing
	if tc.Enabled && tc.Exporter == "file" && tc.FilePath == "" {
		tc.FilePath = d.cfg.DefaultTracesFilePath()
	}
	return tc
}

// Bus exposes the message bus for the hook commands.
func (d *Daemon) Bus() *bus.Bus { return d.bus }

// Store exposes the store for the CLI commands.
func (d *Daemon) Store() *store.Store { return d.store }

// Lifecycle exposes the lifecycle manager.
func (d *Daemon) Lifecycle() *lifecycle.Manager { return d.life }

// Recovery exposes the operator recovery tool.
func (d *Daemon) Recovery() *recovery.Tool { return d.recover }

// Queue exposes the queue processor.
func (d *Daemon) Queue() *scheduler.QueueProcessor { return d.queue }

// Run starts the role's worker set and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	log.Info(log.CatLifecycle, "daemon starting", "role", d.role)

	var wg sync.WaitGroup
	start := func(name string, fn func()) {
		wg.Add(1)
		log.SafeGo(name, func() {
			defer wg.Done()
			fn()
		})
	}

	switch d.role {
	case RoleQueue:
		if err := d.life.RecoverAfterReboot(); err != nil {
			return fmt.Errorf("reboot recovery: %w", err)
		}
		start("queue-processor", func() { d.queue.Run(ctx) })
		start("lifecycle-sweep", func() { d.loop(ctx, d.cfg.Queue.StateSyncInterval(), d.life.Sweep) })
		start("bus-maintenance", func() { d.loop(ctx, d.cfg.Bus.StalePulled(), d.bus.Maintain) })
		start("notifier", func() { d.notifier.Run(ctx) })
		if d.watcher != nil {
			if _, err := d.watcher.Start(); err != nil {
				return fmt.Errorf("starting rules watcher: %w", err)
			}
		}
	case RoleScheduler:
		start("checkin-scheduler", func() { d.checkin.Run(ctx) })
	default:
		return fmt.Errorf("unknown daemon role %q", d.role)
	}

	<-ctx.Done()
	log.Info(log.CatLifecycle, "daemon stopping", "role", d.role)
	wg.Wait()
	return nil
}

// loop runs fn every interval until ctx is cancelled.
func (d *Daemon) loop(ctx context.Context, interval time.Duration, fn func() error) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(); err != nil {
				log.ErrorErr(log.CatLifecycle, "periodic worker failed", err, "role", d.role)
			}
		}
	}
}

// Close releases the lock and all resources. Idempotent.
func (d *Daemon) Close() {
	d.closeOnce.Do(func() {
		if d.watcher != nil {
			_ = d.watcher.Stop()
		}
		if d.traces != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = d.traces.Shutdown(ctx)
			cancel()
		}
		if d.evbus != nil {
			d.evbus.Close()
		}
		if d.store != nil {
			_ = d.store.Close()
		}
		if d.lock != nil {
			_ = d.lock.Release()
		}
	})
}

// logSink is the default notification sink: structured log entries. A real
// operator channel replaces it by wiring another events.Sink.
type logSink struct{}

func (logSink) Notify(ev events.Event) error {
	log.Info(log.CatEvents, "notification", "channel", ev.Channel, "severity", ev.Severity, "id", ev.ID)
	return nil
}
