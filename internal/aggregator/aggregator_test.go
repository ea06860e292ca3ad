package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/solarwatt/core/internal/config"
	"github.com/solarwatt/core/internal/plugin"
	"github.com/solarwatt/core/internal/stdkeys"
	"github.com/stretchr/testify/require"
)

func newTestAggregator() (*Aggregator, chan plugin.Reading, chan StatusUpdate) {
	in := make(chan plugin.Reading, 16)
	status := make(chan StatusUpdate, 16)
	a := New(in, status, config.FilterConfig{}, config.InverterSystem{}, time.UTC)
	return a, in, status
}

func TestIngest_DerivesLoadTotalPowerWatts(t *testing.T) {
	a, in, _ := newTestAggregator()
	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)

	in <- plugin.Reading{
		InstanceID: "inv-1",
		Values: map[stdkeys.Key]stdkeys.Value{
			stdkeys.PVTotalDCPowerWatts:       stdkeys.Num(3000),
			stdkeys.GridTotalActivePowerWatts: stdkeys.Num(500),
			stdkeys.BatteryPowerWatts:         stdkeys.Num(-200),
		},
	}

	require.Eventually(t, func() bool {
		snap := a.Snapshot()
		v, ok := snap.Values[stdkeys.LoadTotalPowerWatts]
		if !ok {
			return false
		}
		f, _ := v.AsFloat()
		return f == 2700
	}, time.Second, time.Millisecond)

	cancel()
}

func TestIngest_CategorizedAlertsNamespacedByInstance(t *testing.T) {
	a, in, _ := newTestAggregator()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	in <- plugin.Reading{
		InstanceID: "bms-1",
		Values: map[stdkeys.Key]stdkeys.Value{
			stdkeys.OperationalCategorizedAlertsDict: stdkeys.MapV(map[string]string{"battery": "overvoltage"}),
		},
	}
	in <- plugin.Reading{
		InstanceID: "bms-2",
		Values: map[stdkeys.Key]stdkeys.Value{
			stdkeys.OperationalCategorizedAlertsDict: stdkeys.MapV(map[string]string{"battery": "undervoltage"}),
		},
	}

	require.Eventually(t, func() bool {
		snap := a.Snapshot()
		v, ok := snap.Values[stdkeys.OperationalCategorizedAlertsDict]
		if !ok || v.Kind != stdkeys.KindMapping {
			return false
		}
		return v.Map["bms-1:battery"] == "overvoltage" && v.Map["bms-2:battery"] == "undervoltage"
	}, time.Second, time.Millisecond)
}

func TestIngest_VersionMonotonicallyIncreases(t *testing.T) {
	a, in, _ := newTestAggregator()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	before := a.Snapshot().Version
	in <- plugin.Reading{InstanceID: "inv-1", Values: map[stdkeys.Key]stdkeys.Value{
		stdkeys.InternalTemperatureC: stdkeys.Num(35),
	}}

	require.Eventually(t, func() bool {
		return a.Snapshot().Version > before
	}, time.Second, time.Millisecond)
}

func TestApplyStatus_UpdatesPluginStatus(t *testing.T) {
	a, _, status := newTestAggregator()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	status <- StatusUpdate{InstanceID: "inv-1", State: ConnError, LastError: "timeout", ConsecutiveFailures: 2}

	require.Eventually(t, func() bool {
		snap := a.Snapshot()
		st, ok := snap.PluginStatus["inv-1"]
		return ok && st.State == ConnError && st.ConsecutiveFailures == 2
	}, time.Second, time.Millisecond)
}

func TestSnapshot_Stale(t *testing.T) {
	a, in, _ := newTestAggregator()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	in <- plugin.Reading{InstanceID: "inv-1", Values: map[stdkeys.Key]stdkeys.Value{
		stdkeys.InternalTemperatureC: stdkeys.Num(30),
	}}
	require.Eventually(t, func() bool {
		_, ok := a.Snapshot().LastSeenByInstance["inv-1"]
		return ok
	}, time.Second, time.Millisecond)

	snap := a.Snapshot()
	require.False(t, snap.Stale("inv-1", time.Hour))
	require.True(t, snap.Stale("unknown-instance", time.Hour))
}
