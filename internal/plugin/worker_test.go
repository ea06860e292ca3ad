package plugin

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	connectErr atomic.Value // error
	staticCalls int32
	dynamicCalls int32
}

func (f *fakeDevice) Name() string       { return "fake" }
func (f *fakeDevice) PrettyName() string { return "Fake Device" }
func (f *fakeDevice) Category() Category { return CategoryInverter }
func (f *fakeDevice) Connect(ctx context.Context) error {
	if e, ok := f.connectErr.Load().(error); ok && e != nil {
		return e
	}
	return nil
}
func (f *fakeDevice) Disconnect() error { return nil }
func (f *fakeDevice) ReadStatic(ctx context.Context) (Reading, error) {
	atomic.AddInt32(&f.staticCalls, 1)
	return Reading{}, nil
}
func (f *fakeDevice) ReadDynamic(ctx context.Context) (Reading, error) {
	atomic.AddInt32(&f.dynamicCalls, 1)
	return Reading{}, nil
}
func (f *fakeDevice) ConfigurableParams() []ParamDescriptor { return nil }
func (f *fakeDevice) AtomicRead() bool                      { return false }
func (f *fakeDevice) IsWaitingStatus(r Reading) bool         { return false }

func TestWorker_ReachesReadDynamicAfterConnect(t *testing.T) {
	dev := &fakeDevice{}
	out := make(chan Reading, 16)
	w := NewWorker("inst-1", dev, WorkerConfig{
		PollInterval:           20 * time.Millisecond,
		ConnectTimeout:         time.Second,
		MaxReconnectAttempts:   5,
		MaxReadRetriesPerGroup: 1,
		InterReadDelay:         time.Millisecond,
	}, out)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	require.GreaterOrEqual(t, atomic.LoadInt32(&dev.staticCalls), int32(1))
	require.GreaterOrEqual(t, atomic.LoadInt32(&dev.dynamicCalls), int32(1))
}

func TestWorker_HaltsAfterMaxReconnectAttempts(t *testing.T) {
	dev := &fakeDevice{}
	dev.connectErr.Store(errors.New("boom"))
	out := make(chan Reading, 16)
	w := NewWorker("inst-2", dev, WorkerConfig{
		PollInterval:           20 * time.Millisecond,
		ConnectTimeout:         5 * time.Millisecond,
		MaxReconnectAttempts:   1,
		MaxReadRetriesPerGroup: 1,
		InterReadDelay:         time.Millisecond,
	}, out)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	st := w.Status()
	require.Equal(t, StateHalted, st.State)
	require.GreaterOrEqual(t, st.ConsecutiveFailures, 1)
}

func TestBackoffDelay_CapsAt60s(t *testing.T) {
	require.Equal(t, 60*time.Second, backoffDelay(20))
	require.Equal(t, time.Second, backoffDelay(0))
}
