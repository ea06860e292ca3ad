// Package persistence implements C7: rolling power-history snapshots
// plus daily/monthly/yearly summaries, backed by SQLite.
package persistence

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

const maxBusyRetries = 5

const namedPowerSnapshotInsert = `INSERT INTO power_history (ts, soc, pv_w, batt_w, load_w, grid_w_signed)
VALUES (:ts, :soc, :pv_w, :batt_w, :load_w, :grid_w_signed);`

const namedStateSnapshotInsert = `INSERT INTO state_history (ts, json_blob) VALUES (:ts, :json_blob);`

// PowerSnapshot is one row of the rolling power_history table (§3
// HistoryRecord, §4.7 power snapshot path).
type PowerSnapshot struct {
	TS          int64   `db:"ts"`
	SOC         float64 `db:"soc"`
	PVWatts     float64 `db:"pv_w"`
	BattWatts   float64 `db:"batt_w"`
	LoadWatts   float64 `db:"load_w"`
	GridWSigned float64 `db:"grid_w_signed"`
}

// DailySummary is one row of daily_summary, the six standard kWh fields
// (§6 persisted schema).
type DailySummary struct {
	Date                string  `db:"date"`
	PVYieldKWh          float64 `db:"pv_yield_kwh"`
	LoadEnergyKWh       float64 `db:"load_energy_kwh"`
	BatteryChargeKWh    float64 `db:"battery_charge_kwh"`
	BatteryDischargeKWh float64 `db:"battery_discharge_kwh"`
	GridImportKWh       float64 `db:"grid_import_kwh"`
	GridExportKWh       float64 `db:"grid_export_kwh"`
}

// Store is the single-writer SQLite-backed repository for C7. Sqlite
// does not support concurrent writers, so, mirroring the teacher
// donor's own repository layer, the pool is capped at one connection
// and every write additionally serializes on mu.
type Store struct {
	db *sqlx.DB
	mu sync.Mutex
}

func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", fmt.Sprintf("%s?_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("persistence: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := migrateUp(db.DB); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// WritePowerSnapshot appends one power_history row (§4.7 snapshot
// path, default every snapshot_interval).
func (s *Store) WritePowerSnapshot(snap PowerSnapshot) error {
	return s.withBusyRetry(func() error {
		_, err := s.db.NamedExec(namedPowerSnapshotInsert, snap)
		return err
	})
}

// WriteStateSnapshot appends the full SystemState as one timestamped
// JSON row, for debugging (§4.7).
func (s *Store) WriteStateSnapshot(ts int64, jsonBlob string) error {
	return s.withBusyRetry(func() error {
		_, err := s.db.NamedExec(namedStateSnapshotInsert, map[string]any{
			"ts":        ts,
			"json_blob": jsonBlob,
		})
		return err
	})
}

// UpsertDailySummary inserts the daily_summary row for d.Date, or
// replaces that row's totals if it exists, with the values the caller
// supplies (§4.7). It does not read power_history or compute totals
// itself.
func (s *Store) UpsertDailySummary(d DailySummary) error {
	return s.withBusyRetry(func() error {
		_, err := s.db.NamedExec(`
			INSERT INTO daily_summary (date, pv_yield_kwh, load_energy_kwh, battery_charge_kwh, battery_discharge_kwh, grid_import_kwh, grid_export_kwh)
			VALUES (:date, :pv_yield_kwh, :load_energy_kwh, :battery_charge_kwh, :battery_discharge_kwh, :grid_import_kwh, :grid_export_kwh)
			ON CONFLICT(date) DO UPDATE SET
				pv_yield_kwh = excluded.pv_yield_kwh,
				load_energy_kwh = excluded.load_energy_kwh,
				battery_charge_kwh = excluded.battery_charge_kwh,
				battery_discharge_kwh = excluded.battery_discharge_kwh,
				grid_import_kwh = excluded.grid_import_kwh,
				grid_export_kwh = excluded.grid_export_kwh;
		`, d)
		return err
	})
}

// PowerHistorySince returns every power_history row at or after sinceTS.
func (s *Store) PowerHistorySince(sinceTS int64) ([]PowerSnapshot, error) {
	q, args, err := sq.Select("ts", "soc", "pv_w", "batt_w", "load_w", "grid_w_signed").
		From("power_history").
		Where(sq.GtOrEq{"ts": sinceTS}).
		OrderBy("ts ASC").
		ToSql()
	if err != nil {
		return nil, err
	}
	var rows []PowerSnapshot
	if err := s.db.Select(&rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

// SweepRetention deletes power_history rows older than maxAge (§4.7
// retention; daily summaries are kept indefinitely and never touched
// here).
func (s *Store) SweepRetention(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	var affected int64
	err := s.withBusyRetry(func() error {
		q, args, err := sq.Delete("power_history").Where(sq.Lt{"ts": cutoff}).ToSql()
		if err != nil {
			return err
		}
		res, err := s.db.Exec(q, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// withBusyRetry retries a write on SQLITE_BUSY with bounded exponential
// backoff and jitter, up to maxBusyRetries attempts (§4.7).
func (s *Store) withBusyRetry(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < maxBusyRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isBusy(err) {
			return err
		}
		backoff := time.Duration(1<<uint(attempt)) * 10 * time.Millisecond
		backoff += time.Duration(rand.Int63n(int64(backoff) + 1))
		time.Sleep(backoff)
	}
	return fmt.Errorf("persistence: write failed after %d busy retries: %w", maxBusyRetries, lastErr)
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}
