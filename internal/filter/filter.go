// Package filter implements the adaptive spike/ceiling filter (§4.6)
// that sits between the aggregator and SystemState: every accepted or
// rejected value passes through here first.
package filter

import (
	"time"

	"github.com/solarwatt/core/internal/config"
	"github.com/solarwatt/core/internal/stdkeys"
)

// RejectReason names why Evaluate refused a sample, carried in the
// structured log entry §7 requires for filter rejections.
type RejectReason string

const (
	ReasonNone              RejectReason = ""
	ReasonDailyCeiling      RejectReason = "daily_ceiling"
	ReasonSpikeImmediate    RejectReason = "spike_immediate"
	ReasonSpikePending      RejectReason = "spike_pending_confirmation"
	ReasonRangeViolation    RejectReason = "range_violation"
	ReasonRateOfChange      RejectReason = "rate_of_change"
)

// Decision is the result of one Evaluate call.
type Decision struct {
	Accepted bool
	Value    float64 // the value now current for this key, whether just accepted or unchanged
	Reason   RejectReason
}

// sample pairs a value with the time it was seen. state keeps no ring of
// past samples: spike confirmation and decrease self-correction each
// track a single candidate value and a count, so a key's memory
// footprint is fixed regardless of poll rate.
type sample struct {
	value float64
	at    time.Time
}

// state is one key's rolling memory (§3 FilterState).
type state struct {
	lastAccepted   float64
	lastAcceptedAt time.Time
	lastAccess     time.Time

	// confirmation window for the [1x,10x] spike band.
	pendingValue   float64
	pendingSamples int

	// decrease self-correction tracking.
	lowerSince   time.Time
	lowerCount   int
	lowerValue   float64

	dayStart time.Time
}

// RangeSpec bounds an instantaneous quantity and its soft rate of
// change; not part of the bit-exact config grammar (§6 documents only
// the energy-key ceilings), so these are built once from
// config.InverterSystem sizing plus fixed headroom, per key family.
type RangeSpec struct {
	Min, Max      float64
	MaxChangePerS float64 // 0 disables the soft rate-of-change check
}

// Filter holds the rolling FilterState for every key the aggregator has
// ever seen. It is called serially by the aggregator (§4.6 concurrency
// note) and takes no locks of its own.
type Filter struct {
	cfg    config.FilterConfig
	ranges map[stdkeys.Key]RangeSpec
	loc    *time.Location

	states map[stdkeys.Key]*state
}

func New(cfg config.FilterConfig, sys config.InverterSystem, loc *time.Location) *Filter {
	if loc == nil {
		loc = time.UTC
	}
	return &Filter{
		cfg:    cfg,
		ranges: defaultRanges(sys),
		loc:    loc,
		states: make(map[stdkeys.Key]*state),
	}
}

// defaultRanges derives sane instantaneous-quantity bounds from the
// configured physical sizing (§6 inverter_system.*); a system with no
// sizing configured falls back to generous fixed bounds so the filter
// degrades to a sanity net rather than blocking everything.
func defaultRanges(sys config.InverterSystem) map[stdkeys.Key]RangeSpec {
	acMax := sys.ACMaxWatts
	if acMax <= 0 {
		acMax = 20000
	}
	pvMax := sys.PVPeakWatts
	if pvMax <= 0 {
		pvMax = 20000
	}
	chargeMax := sys.BatteryMaxChargeWatts
	if chargeMax <= 0 {
		chargeMax = 10000
	}
	dischargeMax := sys.BatteryMaxDischargeWatts
	if dischargeMax <= 0 {
		dischargeMax = 10000
	}

	return map[stdkeys.Key]RangeSpec{
		stdkeys.PVTotalDCPowerWatts:         {Min: 0, Max: pvMax * 1.1, MaxChangePerS: pvMax},
		stdkeys.GridTotalActivePowerWatts:   {Min: -acMax * 1.1, Max: acMax * 1.1, MaxChangePerS: acMax},
		stdkeys.LoadTotalPowerWatts:         {Min: 0, Max: acMax * 1.1, MaxChangePerS: acMax},
		stdkeys.BatteryPowerWatts:           {Min: -dischargeMax * 1.1, Max: chargeMax * 1.1, MaxChangePerS: chargeMax + dischargeMax},
		stdkeys.BatteryStateOfChargePercent: {Min: 0, Max: 100, MaxChangePerS: 5},
		stdkeys.BatteryStateOfHealthPercent: {Min: 0, Max: 100, MaxChangePerS: 1},
		stdkeys.GridVoltageVolts:            {Min: 0, Max: 300, MaxChangePerS: 50},
		stdkeys.GridFrequencyHz:             {Min: 40, Max: 70, MaxChangePerS: 5},
		stdkeys.InternalTemperatureC:        {Min: -40, Max: 120, MaxChangePerS: 10},
	}
}

// Evaluate runs one (key, value) sample through the filter (§4.6). now
// is wall-clock, used only for elapsed-time math and midnight rollover,
// per §9's monotonic-clock design note (the filter itself does not
// block, so no suspension point needs a separate monotonic read).
func (f *Filter) Evaluate(key stdkeys.Key, value float64, now time.Time) Decision {
	st := f.states[key]
	if st == nil {
		st = &state{lastAccepted: value, lastAcceptedAt: now, dayStart: startOfDay(now, f.loc)}
		f.states[key] = st
		st.lastAccess = now
		return Decision{Accepted: true, Value: value}
	}
	st.lastAccess = now

	if stdkeys.EnergyDailyKeys[key] {
		return f.evaluateEnergyDaily(key, st, value, now)
	}
	return f.evaluateInstantaneous(key, st, value, now)
}

func (f *Filter) evaluateEnergyDaily(key stdkeys.Key, st *state, value float64, now time.Time) Decision {
	if ds := startOfDay(now, f.loc); ds.After(st.dayStart) {
		st.dayStart = ds
		st.lastAccepted = value
		st.lastAcceptedAt = now
		st.pendingSamples = 0
		st.lowerCount = 0
		return Decision{Accepted: true, Value: value}
	}

	if limit, ok := f.cfg.DailyLimitKWh[key]; ok && value > limit {
		return Decision{Accepted: false, Value: st.lastAccepted, Reason: ReasonDailyCeiling}
	}

	delta := value - st.lastAccepted
	if delta == 0 {
		return Decision{Accepted: true, Value: value}
	}
	if delta < 0 {
		return f.considerDecrease(st, value, now)
	}

	elapsed := now.Sub(st.lastAcceptedAt).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	if elapsed > 3600 {
		elapsed = 3600
	}
	baseRate := f.baseRate(key)
	maxIncrease := baseRate * elapsed

	switch {
	case delta > 10*maxIncrease:
		st.pendingSamples = 0
		return Decision{Accepted: false, Value: st.lastAccepted, Reason: ReasonSpikeImmediate}
	case delta > maxIncrease:
		confirm := f.cfg.ConfirmationSamples
		if confirm <= 0 {
			confirm = 3
		}
		if st.pendingSamples == 0 || st.pendingValue != value {
			st.pendingValue = value
			st.pendingSamples = 1
			return Decision{Accepted: false, Value: st.lastAccepted, Reason: ReasonSpikePending}
		}
		st.pendingSamples++
		if st.pendingSamples < confirm {
			return Decision{Accepted: false, Value: st.lastAccepted, Reason: ReasonSpikePending}
		}
		st.lastAccepted = value
		st.lastAcceptedAt = now
		st.pendingSamples = 0
		st.lowerCount = 0
		return Decision{Accepted: true, Value: value}
	default:
		st.lastAccepted = value
		st.lastAcceptedAt = now
		st.pendingSamples = 0
		st.lowerCount = 0
		return Decision{Accepted: true, Value: value}
	}
}

// considerDecrease implements the self-correction rule (§4.6, S5): a
// persistently lower reading is accepted once it has held for both the
// configured window and sample count, clearing whatever spike the
// filter had previously locked onto.
func (f *Filter) considerDecrease(st *state, value float64, now time.Time) Decision {
	if st.lowerCount == 0 || st.lowerValue != value {
		st.lowerValue = value
		st.lowerCount = 1
		st.lowerSince = now
		return Decision{Accepted: false, Value: st.lastAccepted, Reason: ReasonSpikePending}
	}
	st.lowerCount++

	window := f.cfg.DecreaseWindowMinutes
	if window <= 0 {
		window = 10
	}
	minSamples := f.cfg.MinConsistentSamples
	if minSamples <= 0 {
		minSamples = 5
	}

	if st.lowerCount >= minSamples && now.Sub(st.lowerSince) >= time.Duration(window)*time.Minute {
		st.lastAccepted = value
		st.lastAcceptedAt = now
		st.lowerCount = 0
		st.pendingSamples = 0
		return Decision{Accepted: true, Value: value}
	}
	return Decision{Accepted: false, Value: st.lastAccepted, Reason: ReasonSpikePending}
}

func (f *Filter) baseRate(key stdkeys.Key) float64 {
	if r, ok := f.cfg.BaseRatePerSecond[key]; ok {
		return r
	}
	if limit, ok := f.cfg.DailyLimitKWh[key]; ok {
		return limit / 86400
	}
	return 0
}

// evaluateInstantaneous applies range sanity and a soft rate-of-change
// check; no confirmation-based deferral (§4.6).
func (f *Filter) evaluateInstantaneous(key stdkeys.Key, st *state, value float64, now time.Time) Decision {
	if rng, ok := f.ranges[key]; ok {
		if value < rng.Min || value > rng.Max {
			return Decision{Accepted: false, Value: st.lastAccepted, Reason: ReasonRangeViolation}
		}
		if rng.MaxChangePerS > 0 {
			elapsed := now.Sub(st.lastAcceptedAt).Seconds()
			if elapsed < 1 {
				elapsed = 1
			}
			if delta := absf(value - st.lastAccepted); delta > rng.MaxChangePerS*elapsed {
				return Decision{Accepted: false, Value: st.lastAccepted, Reason: ReasonRateOfChange}
			}
		}
	}
	st.lastAccepted = value
	st.lastAcceptedAt = now
	return Decision{Accepted: true, Value: value}
}

// Sweep expires FilterState entries untouched for filter_state_ttl
// (§3). The aggregator calls it once a minute.
func (f *Filter) Sweep(now time.Time) {
	ttl := f.cfg.FilterStateTTLMinutes
	if ttl <= 0 {
		ttl = 5
	}
	cutoff := time.Duration(ttl) * time.Minute
	for k, st := range f.states {
		if now.Sub(st.lastAccess) > cutoff {
			delete(f.states, k)
		}
	}
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	y, m, d := lt.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
