// Package supervisor implements C8: three independent watchdog layers
// that observe worker activity and SystemState freshness without ever
// writing to SystemState themselves (§4.8).
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/solarwatt/core/internal/aggregator"
	"github.com/solarwatt/core/internal/config"
	"github.com/solarwatt/core/internal/plugin"
)

// ManagedWorker is everything the supervisor needs to recreate a worker
// in Init without knowing its device-specific construction details.
type ManagedWorker struct {
	InstanceID string
	Cfg        plugin.WorkerConfig
	NewDevice  func() (plugin.Device, error)

	mu     sync.Mutex
	worker *plugin.Worker
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor runs the three watchdog layers of §4.8: poll freshness and
// availability as gocron jobs, worker liveness as one goroutine per
// worker.
type Supervisor struct {
	scheduler gocron.Scheduler
	cfg       config.Supervisor

	agg     *aggregator.Aggregator
	out     chan<- plugin.Reading
	status  chan<- aggregator.StatusUpdate
	workers map[string]*ManagedWorker

	start time.Time

	reloadAttempts map[string]int
	exit           func(code int)

	mu sync.Mutex
}

func New(cfg config.Supervisor, agg *aggregator.Aggregator, out chan<- plugin.Reading, status chan<- aggregator.StatusUpdate, exit func(code int)) (*Supervisor, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	if exit == nil {
		exit = func(int) {}
	}
	return &Supervisor{
		scheduler:      s,
		cfg:            cfg,
		agg:            agg,
		out:            out,
		status:         status,
		workers:        make(map[string]*ManagedWorker),
		start:          time.Now(),
		reloadAttempts: make(map[string]int),
		exit:           exit,
	}, nil
}

// Manage registers one plugin instance under supervision and launches
// its worker for the first time, in Init.
func (s *Supervisor) Manage(ctx context.Context, mw *ManagedWorker) {
	s.mu.Lock()
	s.workers[mw.InstanceID] = mw
	s.mu.Unlock()
	s.spawn(ctx, mw)
}

func (s *Supervisor) spawn(ctx context.Context, mw *ManagedWorker) {
	dev, err := mw.NewDevice()
	if err != nil {
		slog.Error("supervisor: failed to construct device, will not retry", "instance", mw.InstanceID, "err", err)
		return
	}

	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	mw.mu.Lock()
	mw.worker = plugin.NewWorker(mw.InstanceID, dev, mw.Cfg, s.out)
	mw.cancel = cancel
	mw.done = done
	w := mw.worker
	mw.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				slog.Error("supervisor: worker panicked", "instance", mw.InstanceID, "recovered", r)
			}
		}()
		w.Run(workerCtx)
	}()

	go s.watchLiveness(ctx, mw)
}

// watchLiveness implements the worker-liveness layer: if a worker's
// Run returns while the parent context is still live, it terminated
// unexpectedly and is recreated in Init (§4.8 row 2).
func (s *Supervisor) watchLiveness(ctx context.Context, mw *ManagedWorker) {
	mw.mu.Lock()
	done := mw.done
	mw.mu.Unlock()

	select {
	case <-ctx.Done():
		return
	case <-done:
		if ctx.Err() != nil {
			return
		}
		slog.Warn("supervisor: worker terminated unexpectedly, recreating in Init", "instance", mw.InstanceID)
		s.spawn(ctx, mw)
	}
}

// Start registers the poll-freshness watchdog and availability
// publisher as periodic gocron jobs and starts the scheduler, mirroring
// the teacher donor's `Start()` registering several `RegisterXxx`
// periodic jobs before calling `s.Start()`.
func (s *Supervisor) Start(ctx context.Context) error {
	tick := s.cfg.WatchdogTimeout / 4
	if tick < time.Second {
		tick = time.Second
	}

	if _, err := s.scheduler.NewJob(
		gocron.DurationJob(tick),
		gocron.NewTask(func() { s.checkPollFreshness(ctx) }),
	); err != nil {
		return err
	}

	availTick := s.cfg.StaleDataTimeout / 4
	if availTick < time.Second {
		availTick = time.Second
	}
	if _, err := s.scheduler.NewJob(
		gocron.DurationJob(availTick),
		gocron.NewTask(func() { s.checkAvailability() }),
	); err != nil {
		return err
	}

	s.scheduler.Start()
	return nil
}

func (s *Supervisor) Shutdown() error {
	s.mu.Lock()
	for _, mw := range s.workers {
		mw.mu.Lock()
		if mw.cancel != nil {
			mw.cancel()
		}
		mw.mu.Unlock()
	}
	s.mu.Unlock()
	return s.scheduler.Shutdown()
}

// checkPollFreshness is the poll-freshness watchdog (§4.8 row 1, §8
// property 7 / scenario S6). It never mutates SystemState: it only
// issues CommandReconnect and, past the escalation threshold, calls
// the configured exit function.
func (s *Supervisor) checkPollFreshness(ctx context.Context) {
	if time.Since(s.start) < s.cfg.StartupGrace {
		return
	}

	s.mu.Lock()
	workers := make([]*ManagedWorker, 0, len(s.workers))
	for _, mw := range s.workers {
		workers = append(workers, mw)
	}
	s.mu.Unlock()

	for _, mw := range workers {
		mw.mu.Lock()
		w := mw.worker
		mw.mu.Unlock()
		if w == nil {
			continue
		}

		st := w.Status()
		if st.LastSuccessfulRead.IsZero() {
			continue
		}
		if time.Since(st.LastSuccessfulRead) <= s.cfg.WatchdogTimeout {
			s.mu.Lock()
			s.reloadAttempts[mw.InstanceID] = 0
			s.mu.Unlock()
			continue
		}

		s.mu.Lock()
		s.reloadAttempts[mw.InstanceID]++
		attempts := s.reloadAttempts[mw.InstanceID]
		s.mu.Unlock()

		if attempts > s.cfg.MaxPluginReloadAttempts {
			slog.Error("supervisor: escalating after repeated watchdog fires", "instance", mw.InstanceID, "attempts", attempts)
			s.exit(2)
			return
		}

		slog.Warn("supervisor: watchdog fired, reconnecting plugin",
			"instance", mw.InstanceID, "attempt", attempts, "since_last_read", time.Since(st.LastSuccessfulRead))
		w.Command(plugin.CommandReconnect)
	}
}

// checkAvailability is the availability-publisher layer (§4.8 row 3):
// it marks a silent plugin offline in SystemState's _plugin_status so
// downstream subscribers see it, without touching any other key.
func (s *Supervisor) checkAvailability() {
	snap := s.agg.Snapshot()
	s.mu.Lock()
	workers := make([]string, 0, len(s.workers))
	for id := range s.workers {
		workers = append(workers, id)
	}
	s.mu.Unlock()

	for _, instanceID := range workers {
		seen, ok := snap.LastSeenByInstance[instanceID]
		if ok && time.Since(seen) <= s.cfg.StaleDataTimeout {
			continue
		}
		select {
		case s.status <- aggregator.StatusUpdate{InstanceID: instanceID, State: aggregator.ConnDisconnected, LastError: "stale_data_timeout exceeded"}:
		default:
			slog.Warn("supervisor: status channel full, dropping availability update", "instance", instanceID)
		}
	}
}
