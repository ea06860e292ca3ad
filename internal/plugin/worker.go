package plugin

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is one node of the per-device worker state machine (§4.3).
type State int

const (
	StateInit State = iota
	StateReadStatic
	StateReadDynamic
	StateSleep
	StateBackoff
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateReadStatic:
		return "read_static"
	case StateReadDynamic:
		return "read_dynamic"
	case StateSleep:
		return "sleep"
	case StateBackoff:
		return "backoff"
	case StateHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// WorkerConfig tunes the retry/backoff/poll behavior of one worker,
// sourced from config.PluginInstance and config.General.
type WorkerConfig struct {
	PollInterval          time.Duration
	ConnectTimeout        time.Duration
	MaxReconnectAttempts  int
	MaxReadRetriesPerGroup int
	InterReadDelay        time.Duration
	MaxWaitingPolls       int
}

// Status is the worker's externally-observable health, polled by the
// supervisor (§4.8). It never carries SystemState.
type Status struct {
	State              State
	Connected          bool
	LastError          error
	ConsecutiveFailures int
	LastSuccessfulRead  time.Time
}

// Command is sent by the supervisor to steer a running worker (§4.8).
type Command int

const (
	CommandReconnect Command = iota
	CommandShutdown
)

// Worker drives one Device through its state machine and emits
// Readings onto a shared channel.
type Worker struct {
	InstanceID string
	Device     Device
	Cfg        WorkerConfig
	Out        chan<- Reading

	commands chan Command
	mu       statusBox
}

// statusBox guards Status with a mutex; kept tiny and file-local since
// only the supervisor reads it cross-goroutine.
type statusBox struct {
	mu     sync.Mutex
	status Status
}

func NewWorker(instanceID string, dev Device, cfg WorkerConfig, out chan<- Reading) *Worker {
	return &Worker{
		InstanceID: instanceID,
		Device:     dev,
		Cfg:        cfg,
		Out:        out,
		commands:   make(chan Command, 4),
	}
}

// Command enqueues a supervisor command for this worker (§4.8). Never
// blocks — the command channel is small; if it is full, the new command
// is dropped with a warning, which in practice never happens given the
// supervisor's own tick cadence.
func (w *Worker) Command(c Command) {
	select {
	case w.commands <- c:
	default:
		slog.Warn("plugin worker command queue full, dropping", "instance", w.InstanceID, "command", c)
	}
}

// Status returns a snapshot of the worker's current health.
func (w *Worker) Status() Status {
	w.mu.mu.Lock()
	defer w.mu.mu.Unlock()
	return w.mu.status
}

func (w *Worker) setStatus(mutate func(*Status)) {
	w.mu.mu.Lock()
	defer w.mu.mu.Unlock()
	s := w.mu.status
	mutate(&s)
	w.mu.status = s
}

// Run drives the state machine until ctx is canceled. It owns the
// Device exclusively and is the only goroutine that calls into it.
func (w *Worker) Run(ctx context.Context) {
	state := StateInit
	failures := 0
	waitingPolls := 0

	for {
		select {
		case <-ctx.Done():
			w.Device.Disconnect()
			return
		case cmd := <-w.commands:
			switch cmd {
			case CommandReconnect:
				w.Device.Disconnect()
				state = StateInit
			case CommandShutdown:
				w.Device.Disconnect()
				return
			}
		default:
		}

		switch state {
		case StateInit:
			connectCtx, cancel := context.WithTimeout(ctx, w.Cfg.ConnectTimeout)
			err := w.Device.Connect(connectCtx)
			cancel()
			if err != nil {
				failures++
				w.setStatus(func(s *Status) {
					s.State = StateBackoff
					s.Connected = false
					s.LastError = err
					s.ConsecutiveFailures = failures
				})
				if failures >= w.Cfg.MaxReconnectAttempts {
					slog.Error("plugin exceeded max reconnect attempts, halting until supervisor intervenes", "instance", w.InstanceID, "attempts", failures)
					state = StateHalted
					w.setStatus(func(s *Status) { s.State = StateHalted })
					continue
				}
				if !sleepCtx(ctx, backoffDelay(failures)) {
					return
				}
				continue
			}
			failures = 0
			w.setStatus(func(s *Status) {
				s.State = StateReadStatic
				s.Connected = true
				s.LastError = nil
			})
			state = StateReadStatic

		case StateReadStatic:
			readCtx, cancel := context.WithTimeout(ctx, w.Cfg.ConnectTimeout)
			reading, err := w.Device.ReadStatic(readCtx)
			cancel()
			if err != nil {
				slog.Warn("read_static failed, reconnecting", "instance", w.InstanceID, "err", err)
				w.Device.Disconnect()
				state = StateInit
				continue
			}
			w.emit(reading)
			state = StateReadDynamic

		case StateReadDynamic:
			cycleStart := time.Now()
			readCtx, cancel := context.WithTimeout(ctx, w.Cfg.PollInterval)
			reading, err := w.readDynamicWithRetry(readCtx)
			cancel()

			if err != nil {
				var re *ReadError
				if errors.As(err, &re) && re.Kind == ReadErrException {
					slog.Warn("protocol exception reading dynamic group, continuing", "instance", w.InstanceID, "err", err)
					w.setStatus(func(s *Status) { s.LastError = err })
					state = StateSleep
					continue
				}
				slog.Warn("read_dynamic failed, reconnecting", "instance", w.InstanceID, "err", err)
				w.Device.Disconnect()
				w.setStatus(func(s *Status) { s.Connected = false; s.LastError = err })
				state = StateInit
				continue
			}

			w.emit(reading)
			w.setStatus(func(s *Status) {
				s.LastError = nil
				s.LastSuccessfulRead = time.Now()
			})

			if w.Device.IsWaitingStatus(reading) {
				waitingPolls++
				if waitingPolls >= w.Cfg.MaxWaitingPolls && w.Cfg.MaxWaitingPolls > 0 {
					slog.Warn("device reported waiting/initializing status for too many consecutive polls, reconnecting", "instance", w.InstanceID, "polls", waitingPolls)
					waitingPolls = 0
					state = StateInit
					continue
				}
			} else {
				waitingPolls = 0
			}

			elapsed := time.Since(cycleStart)
			if elapsed > w.Cfg.PollInterval {
				slog.Warn("poll cycle took longer than the poll interval, skipping sleep", "instance", w.InstanceID, "elapsed", elapsed, "interval", w.Cfg.PollInterval)
				continue
			}
			state = StateSleep

		case StateSleep:
			remaining := w.Cfg.PollInterval
			if !sleepCtx(ctx, remaining) {
				return
			}
			state = StateReadDynamic

		case StateHalted:
			if !sleepCtx(ctx, time.Minute) {
				return
			}
		}
	}
}

func (w *Worker) readDynamicWithRetry(ctx context.Context) (Reading, error) {
	var lastErr error
	for attempt := 0; attempt <= w.Cfg.MaxReadRetriesPerGroup; attempt++ {
		reading, err := w.Device.ReadDynamic(ctx)
		if err == nil {
			return reading, nil
		}
		lastErr = err
		var re *ReadError
		if errors.As(err, &re) && (re.Kind == ReadErrException || re.Kind == ReadErrDecode) {
			return Reading{}, err
		}
		if attempt < w.Cfg.MaxReadRetriesPerGroup {
			if !sleepCtx(ctx, w.Cfg.InterReadDelay) {
				return Reading{}, ctx.Err()
			}
		}
	}
	return Reading{}, lastErr
}

func (w *Worker) emit(r Reading) {
	r.InstanceID = w.InstanceID
	select {
	case w.Out <- r:
	default:
		slog.Warn("aggregator channel full, dropping reading", "instance", w.InstanceID)
	}
}

// backoffDelay is an exponential schedule capped at 60s (§4.3).
func backoffDelay(attempt int) time.Duration {
	d := time.Second * time.Duration(1<<uint(min(attempt, 6)))
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	return d
}

// sleepCtx sleeps for d or returns false early if ctx is canceled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
