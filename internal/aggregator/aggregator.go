// Package aggregator implements C5: the single writer of SystemState.
// It merges Readings from every plugin worker, routes each key through
// the adaptive filter, derives summary fields, and exposes read-only
// Snapshots to publishers.
package aggregator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/solarwatt/core/internal/config"
	"github.com/solarwatt/core/internal/filter"
	"github.com/solarwatt/core/internal/plugin"
	"github.com/solarwatt/core/internal/stdkeys"
)

// ConnectionState is one plugin instance's externally-visible status,
// mirrored into the subscriber snapshot schema (§6).
type ConnectionState string

const (
	ConnInitializing ConnectionState = "initializing"
	ConnConnected    ConnectionState = "connected"
	ConnDisconnected ConnectionState = "disconnected"
	ConnError        ConnectionState = "error"
)

// PluginStatus is the per-instance entry of SystemState's
// _plugin_status mapping (§3).
type PluginStatus struct {
	State               ConnectionState
	LastError           string
	ConsecutiveFailures int
}

// StatusUpdate is how a worker/supervisor informs the aggregator of a
// plugin's connection state; the aggregator remains the only writer of
// SystemState (§3 ownership rule) even though workers originate the
// fact being recorded.
type StatusUpdate struct {
	InstanceID          string
	State               ConnectionState
	LastError           string
	ConsecutiveFailures int
}

// Snapshot is an immutable view of SystemState plus its monotonic
// version number (§4.9). Safe to read concurrently; never mutated.
type Snapshot struct {
	Values             map[stdkeys.Key]stdkeys.Value
	LastSeenByInstance map[string]time.Time
	PluginStatus       map[string]PluginStatus
	Version            uint64
	ServerTimestamp    time.Time
}

// Aggregator is the single writer of SystemState. It also counts, per
// key, how many samples the filter has refused since startup (see
// RejectionCount), which the metrics sink surfaces.
type Aggregator struct {
	in      <-chan plugin.Reading
	status  <-chan StatusUpdate
	filt    *filter.Filter

	mu sync.RWMutex

	values             map[stdkeys.Key]stdkeys.Value
	lastSeenByInstance map[string]time.Time
	pluginStatus       map[string]PluginStatus
	version            uint64

	rejections map[stdkeys.Key]uint64

	sys config.InverterSystem
}

func New(in <-chan plugin.Reading, status <-chan StatusUpdate, cfg config.FilterConfig, sys config.InverterSystem, loc *time.Location) *Aggregator {
	return &Aggregator{
		in:                 in,
		status:             status,
		filt:               filter.New(cfg, sys, loc),
		values:             make(map[stdkeys.Key]stdkeys.Value),
		lastSeenByInstance: make(map[string]time.Time),
		pluginStatus:       make(map[string]PluginStatus),
		rejections:         make(map[stdkeys.Key]uint64),
		sys:                sys,
	}
}

// Run consumes Readings and StatusUpdates until ctx is canceled. It is
// the only goroutine that ever mutates the aggregator's state (§3, §5
// single-threaded aggregator).
func (a *Aggregator) Run(ctx context.Context) {
	sweepTicker := time.NewTicker(time.Minute)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-a.in:
			if !ok {
				return
			}
			a.ingest(r)
		case su, ok := <-a.status:
			if !ok {
				continue
			}
			a.applyStatus(su)
		case t := <-sweepTicker.C:
			a.filt.Sweep(t)
		}
	}
}

// ingest implements §4.5 steps 1-5 for a single Reading. Per-instance
// ordering is guaranteed because one goroutine (Run) processes every
// Reading from every instance strictly sequentially — no Reading's
// key-writes are ever interleaved with another's.
func (a *Aggregator) ingest(r plugin.Reading) {
	now := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	a.lastSeenByInstance[r.InstanceID] = now
	st := a.pluginStatus[r.InstanceID]
	st.State = ConnConnected
	st.ConsecutiveFailures = 0
	a.pluginStatus[r.InstanceID] = st

	for key, val := range r.Values {
		a.routeAndFilter(r.InstanceID, key, val, now)
	}

	a.recomputeDerived()
	a.version++
}

// routeAndFilter applies the per-key routing rule (§4.5 step 2), then
// the filter (step 3), writing an accepted value into SystemState or
// leaving the previous one and bumping the rejection counter.
func (a *Aggregator) routeAndFilter(instanceID string, key stdkeys.Key, val stdkeys.Value, now time.Time) {
	if key == stdkeys.OperationalCategorizedAlertsDict {
		a.mergeCategorizedAlerts(instanceID, val)
		return
	}

	num, isNumeric := val.AsFloat()
	if !isNumeric {
		// Non-numeric values (text, bools, lists, mappings) bypass the
		// numeric filter and are written straight through; the filter
		// only has an opinion about magnitudes.
		a.values[key] = val
		return
	}

	decision := a.filt.Evaluate(key, num, now)
	if !decision.Accepted {
		a.rejections[key]++
		slog.Warn("filter rejected sample",
			"key", key, "instance", instanceID, "proposed", num,
			"current", decision.Value, "reason", decision.Reason)
		return
	}
	if val.Kind == stdkeys.KindInt {
		a.values[key] = stdkeys.IntV(int64(decision.Value))
	} else {
		a.values[key] = stdkeys.Num(decision.Value)
	}
}

// mergeCategorizedAlerts namespaces each instance's alert categories by
// instance id so two plugins reporting under the same category (e.g.
// two BMS units both alerting "battery") don't clobber each other
// (§4.5 step 2's routing exception).
func (a *Aggregator) mergeCategorizedAlerts(instanceID string, val stdkeys.Value) {
	if val.Kind != stdkeys.KindMapping {
		return
	}
	existing := map[string]string{}
	if cur, ok := a.values[stdkeys.OperationalCategorizedAlertsDict]; ok && cur.Kind == stdkeys.KindMapping {
		for k, v := range cur.Map {
			existing[k] = v
		}
	}
	for category, label := range val.Map {
		existing[instanceID+":"+category] = label
	}
	a.values[stdkeys.OperationalCategorizedAlertsDict] = stdkeys.MapV(existing)
}

func (a *Aggregator) applyStatus(su StatusUpdate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pluginStatus[su.InstanceID] = PluginStatus{
		State:               su.State,
		LastError:           su.LastError,
		ConsecutiveFailures: su.ConsecutiveFailures,
	}
	a.version++
}

// recomputeDerived fills in load_total_power_watts and
// energy_load_daily_kwh per the documented formulas in §4.5 step 4,
// tolerating missing inputs by leaving the key absent rather than
// guessing a value.
func (a *Aggregator) recomputeDerived() {
	if _, explicit := a.values[stdkeys.LoadTotalPowerWatts]; !explicit {
		pv, okPV := a.floatOf(stdkeys.PVTotalDCPowerWatts)
		grid, okGrid := a.floatOf(stdkeys.GridTotalActivePowerWatts)
		batt, okBatt := a.floatOf(stdkeys.BatteryPowerWatts)
		if okPV && okGrid && okBatt {
			load := pv - grid - batt
			if load < 0 {
				load = 0
			}
			a.values[stdkeys.LoadTotalPowerWatts] = stdkeys.Num(load)
		}
	}

	if _, explicit := a.values[stdkeys.EnergyLoadDailyKWh]; !explicit {
		pvDaily, okPV := a.floatOf(stdkeys.EnergyPVDailyKWh)
		gridExport, okExp := a.floatOf(stdkeys.EnergyGridExportDailyKWh)
		battCharge, okChg := a.floatOf(stdkeys.EnergyBatteryChargeDailyKWh)
		gridImport, okImp := a.floatOf(stdkeys.EnergyGridImportDailyKWh)
		battDischarge, okDis := a.floatOf(stdkeys.EnergyBatteryDischargeDaily)
		if okPV && okExp && okChg && okImp && okDis {
			load := pvDaily - gridExport - battCharge + gridImport + battDischarge
			if load < 0 {
				load = 0
			}
			a.values[stdkeys.EnergyLoadDailyKWh] = stdkeys.Num(load)
		}
	}
}

func (a *Aggregator) floatOf(key stdkeys.Key) (float64, bool) {
	v, ok := a.values[key]
	if !ok {
		return 0, false
	}
	return v.AsFloat()
}

// Snapshot returns a defensive copy of the current state (§4.9, §3
// "readers obtain a snapshot"). Safe to call from any goroutine.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	values := make(map[stdkeys.Key]stdkeys.Value, len(a.values))
	for k, v := range a.values {
		values[k] = v
	}
	lastSeen := make(map[string]time.Time, len(a.lastSeenByInstance))
	for k, v := range a.lastSeenByInstance {
		lastSeen[k] = v
	}
	status := make(map[string]PluginStatus, len(a.pluginStatus))
	for k, v := range a.pluginStatus {
		status[k] = v
	}

	return Snapshot{
		Values:             values,
		LastSeenByInstance: lastSeen,
		PluginStatus:       status,
		Version:            a.version,
		ServerTimestamp:    time.Now(),
	}
}

// RejectionCount returns how many samples have been rejected for key
// since startup (metrics sink hook).
func (a *Aggregator) RejectionCount(key stdkeys.Key) uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.rejections[key]
}

// Stale reports whether a key's freshness invariant (§8 invariant 6) is
// violated: its owning instance's last write is older than timeout AND
// the instance isn't already known-disconnected (in which case staleness
// is expected, not an anomaly).
func (s Snapshot) Stale(ownerInstance string, timeout time.Duration) bool {
	seen, ok := s.LastSeenByInstance[ownerInstance]
	if !ok {
		return true
	}
	if time.Since(seen) <= timeout {
		return false
	}
	if st, ok := s.PluginStatus[ownerInstance]; ok {
		return !(st.State == ConnDisconnected || st.State == ConnError)
	}
	return true
}
