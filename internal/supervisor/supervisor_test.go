package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/solarwatt/core/internal/aggregator"
	"github.com/solarwatt/core/internal/config"
	"github.com/solarwatt/core/internal/plugin"
	"github.com/stretchr/testify/require"
)

type stubDevice struct {
	dynamicErr error
}

func (d *stubDevice) Name() string                              { return "stub" }
func (d *stubDevice) PrettyName() string                        { return "Stub" }
func (d *stubDevice) Category() plugin.Category                 { return plugin.CategoryInverter }
func (d *stubDevice) Connect(ctx context.Context) error          { return nil }
func (d *stubDevice) Disconnect() error                          { return nil }
func (d *stubDevice) ReadStatic(ctx context.Context) (plugin.Reading, error) {
	return plugin.Reading{}, nil
}
func (d *stubDevice) ReadDynamic(ctx context.Context) (plugin.Reading, error) {
	return plugin.Reading{}, d.dynamicErr
}
func (d *stubDevice) ConfigurableParams() []plugin.ParamDescriptor { return nil }
func (d *stubDevice) AtomicRead() bool                             { return false }
func (d *stubDevice) IsWaitingStatus(r plugin.Reading) bool        { return false }

func TestCheckPollFreshness_EscalatesAfterMaxAttempts(t *testing.T) {
	readings := make(chan plugin.Reading, 16)
	statusCh := make(chan aggregator.StatusUpdate, 16)
	agg := aggregator.New(readings, statusCh, config.FilterConfig{}, config.InverterSystem{}, time.UTC)

	var exitCode int32 = -1
	sup, err := New(config.Supervisor{
		WatchdogTimeout:         10 * time.Millisecond,
		StartupGrace:            0,
		MaxPluginReloadAttempts: 2,
		StaleDataTimeout:        time.Hour,
	}, agg, readings, statusCh, func(code int) { atomic.StoreInt32(&exitCode, int32(code)) })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mw := &ManagedWorker{
		InstanceID: "inst-1",
		Cfg: plugin.WorkerConfig{
			PollInterval:           time.Hour, // never sleeps out on its own during the test
			ConnectTimeout:         time.Second,
			MaxReconnectAttempts:   10,
			MaxReadRetriesPerGroup: 0,
		},
		NewDevice: func() (plugin.Device, error) { return &stubDevice{}, nil },
	}
	sup.Manage(ctx, mw)

	// The worker reads once immediately then sleeps for the full
	// (hour-long) poll interval, so LastSuccessfulRead goes stale well
	// past watchdog_timeout and every tick below should fire.
	for i := 0; i < 10 && atomic.LoadInt32(&exitCode) == -1; i++ {
		sup.checkPollFreshness(ctx)
		time.Sleep(15 * time.Millisecond)
	}

	require.Equal(t, int32(2), atomic.LoadInt32(&exitCode))
}

func TestManage_RecreatesWorkerAfterUnexpectedExit(t *testing.T) {
	readings := make(chan plugin.Reading, 16)
	statusCh := make(chan aggregator.StatusUpdate, 16)
	agg := aggregator.New(readings, statusCh, config.FilterConfig{}, config.InverterSystem{}, time.UTC)

	sup, err := New(config.Supervisor{
		WatchdogTimeout:         time.Hour,
		StartupGrace:            0,
		MaxPluginReloadAttempts: 3,
		StaleDataTimeout:        time.Hour,
	}, agg, readings, statusCh, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var constructs int32
	mw := &ManagedWorker{
		InstanceID: "inst-1",
		Cfg: plugin.WorkerConfig{
			PollInterval:           5 * time.Millisecond,
			ConnectTimeout:         5 * time.Millisecond,
			MaxReconnectAttempts:   1,
		},
		NewDevice: func() (plugin.Device, error) {
			atomic.AddInt32(&constructs, 1)
			return &stubDevice{}, nil
		},
	}
	sup.Manage(ctx, mw)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&constructs) >= 1
	}, time.Second, 5*time.Millisecond)

	// A shutdown command makes Run return while ctx is still live, which
	// the liveness layer treats as an unexpected exit.
	mw.mu.Lock()
	w := mw.worker
	mw.mu.Unlock()
	w.Command(plugin.CommandShutdown)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&constructs) >= 2
	}, time.Second, 5*time.Millisecond)
}
