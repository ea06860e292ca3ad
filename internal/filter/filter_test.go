package filter

import (
	"testing"
	"time"

	"github.com/solarwatt/core/internal/config"
	"github.com/solarwatt/core/internal/stdkeys"
	"github.com/stretchr/testify/require"
)

func newTestFilter() *Filter {
	cfg := config.FilterConfig{
		DailyLimitKWh:        map[stdkeys.Key]float64{stdkeys.EnergyPVDailyKWh: 100},
		BaseRatePerSecond:    map[stdkeys.Key]float64{stdkeys.EnergyPVDailyKWh: 0.0275},
		ConfirmationSamples:  3,
		DecreaseWindowMinutes: 10,
		MinConsistentSamples: 5,
		FilterStateTTLMinutes: 5,
	}
	return New(cfg, config.InverterSystem{}, time.UTC)
}

// S3 — Filter spike.
func TestEvaluate_S3_SpikeSequence(t *testing.T) {
	f := newTestFilter()
	key := stdkeys.EnergyPVDailyKWh
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	d := f.Evaluate(key, 1.000, base)
	require.True(t, d.Accepted)

	d = f.Evaluate(key, 1.005, base.Add(5*time.Second))
	require.True(t, d.Accepted)

	d = f.Evaluate(key, 9.400, base.Add(10*time.Second))
	require.False(t, d.Accepted)
	require.Equal(t, ReasonSpikeImmediate, d.Reason)
	require.Equal(t, 1.005, d.Value)

	d = f.Evaluate(key, 1.010, base.Add(15*time.Second))
	require.True(t, d.Accepted)

	d = f.Evaluate(key, 1.015, base.Add(20*time.Second))
	require.True(t, d.Accepted)
	require.Equal(t, 1.015, d.Value)
}

// S4 — Filter elapsed time.
func TestEvaluate_S4_ElapsedTimeWidensWindow(t *testing.T) {
	f := newTestFilter()
	key := stdkeys.EnergyPVDailyKWh
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	d := f.Evaluate(key, 1.000, t0)
	require.True(t, d.Accepted)

	d = f.Evaluate(key, 1.300, t0.Add(120*time.Second))
	require.True(t, d.Accepted)
}

func TestEvaluate_S4_ShortElapsedRejectsSameDelta(t *testing.T) {
	f := newTestFilter()
	key := stdkeys.EnergyPVDailyKWh
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	d := f.Evaluate(key, 1.000, t0)
	require.True(t, d.Accepted)

	d = f.Evaluate(key, 1.300, t0.Add(5*time.Second))
	require.False(t, d.Accepted)
}

// S5 — Decrease self-correction.
func TestEvaluate_S5_DecreaseSelfCorrection(t *testing.T) {
	f := newTestFilter()
	key := stdkeys.EnergyPVDailyKWh
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	d := f.Evaluate(key, 9.400, t0)
	require.True(t, d.Accepted)

	var last Decision
	for i := 0; i < 6; i++ {
		ts := t0.Add(time.Duration(i) * (12 * time.Minute / 5))
		last = f.Evaluate(key, 2.1, ts)
	}
	require.True(t, last.Accepted)
	require.Equal(t, 2.1, last.Value)
}

func TestEvaluate_DailyCeilingRejectsOverLimit(t *testing.T) {
	f := newTestFilter()
	key := stdkeys.EnergyPVDailyKWh
	t0 := time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC)

	f.Evaluate(key, 5.0, t0)
	d := f.Evaluate(key, 150.0, t0.Add(time.Second))
	require.False(t, d.Accepted)
	require.Equal(t, ReasonDailyCeiling, d.Reason)
}

func TestEvaluate_DailyResetAtMidnight(t *testing.T) {
	f := newTestFilter()
	key := stdkeys.EnergyPVDailyKWh
	day1 := time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 1, 2, 0, 30, 0, 0, time.UTC)

	f.Evaluate(key, 99.0, day1)
	d := f.Evaluate(key, 0.5, day2)
	require.True(t, d.Accepted)
	require.Equal(t, 0.5, d.Value)
}

func TestEvaluate_InstantaneousRangeViolation(t *testing.T) {
	f := New(config.FilterConfig{}, config.InverterSystem{PVPeakWatts: 5000}, time.UTC)
	key := stdkeys.PVTotalDCPowerWatts
	t0 := time.Now()

	d := f.Evaluate(key, 1000, t0)
	require.True(t, d.Accepted)

	d = f.Evaluate(key, -50, t0.Add(time.Second))
	require.False(t, d.Accepted)
	require.Equal(t, ReasonRangeViolation, d.Reason)
}

func TestSweep_ExpiresStaleState(t *testing.T) {
	f := newTestFilter()
	key := stdkeys.EnergyPVDailyKWh
	t0 := time.Now()
	f.Evaluate(key, 1.0, t0)
	require.Len(t, f.states, 1)

	f.Sweep(t0.Add(10 * time.Minute))
	require.Len(t, f.states, 0)
}
