/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package store is the single-file durable store backing the edge:
// telemetry and decision history, the alarm log, and the outbound
// store-and-forward queue drained by the sync manager. One writer at a
// time; readers see a consistent point-in-time view through WAL.
package store

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"k8s.io/utils/clock"

	"github.com/lifo4/edge-controller/pkg/bess"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrDiskFull marks a write refused for lack of space. Self-healing reacts
// with DISK_CRITICAL and an aggressive retention cut.
var ErrDiskFull = fmt.Errorf("store: disk full")

// RetentionPolicy bounds how long each table keeps rows. Un-acked queue
// rows are exempt until QueueRetention, the only retention that may drop
// undelivered data.
type RetentionPolicy struct {
	Telemetry time.Duration
	Decisions time.Duration
	Alarms    time.Duration
	Queue     time.Duration
}

// DefaultRetention keeps enough history for a week of offline operation
// without growing past a small industrial flash budget.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{
		Telemetry: 7 * 24 * time.Hour,
		Decisions: 30 * 24 * time.Hour,
		Alarms:    90 * 24 * time.Hour,
		Queue:     7 * 24 * time.Hour,
	}
}

func (p RetentionPolicy) halved() RetentionPolicy {
	return RetentionPolicy{
		Telemetry: p.Telemetry / 2,
		Decisions: p.Decisions / 2,
		Alarms:    p.Alarms / 2,
		Queue:     p.Queue,
	}
}

// Store wraps the SQLite database. All mutations take the writer lock;
// reads go straight to the pool.
type Store struct {
	db        *sqlx.DB
	clk       clock.Clock
	log       logr.Logger
	retention RetentionPolicy

	mu sync.Mutex // serializes writers
}

// Open opens (creating if absent) the store at path and migrates the
// schema. Durability point: WAL with synchronous=NORMAL, so an enqueue is
// on disk when the call returns.
func Open(path string, retention RetentionPolicy, clk clock.Clock, log logr.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening store at %q, %w", path, err)
	}
	// SQLite allows one writer; extra pool connections only add lock
	// contention on the bus between goroutines.
	db.SetMaxOpenConns(1)
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, fmt.Errorf("selecting migration dialect, %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return nil, fmt.Errorf("migrating store schema, %w", err)
	}
	return &Store{db: db, clk: clk, log: log.WithName("store"), retention: retention}, nil
}

// Close flushes and closes the database. Called last in the shutdown
// order.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveTelemetry appends one snapshot.
func (s *Store) SaveTelemetry(snapshot bess.TelemetrySnapshot) error {
	payload, err := marshal(snapshot)
	if err != nil {
		return err
	}
	return s.write("telemetry", `INSERT INTO telemetry (captured_at, payload) VALUES (?, ?)`, snapshot.CapturedAt.UTC(), payload)
}

// SaveDecision appends one decision in issue order.
func (s *Store) SaveDecision(decision bess.Decision) error {
	payload, err := marshal(decision)
	if err != nil {
		return err
	}
	return s.write("decisions",
		`INSERT INTO decisions (issued_at, action, priority, mode, payload) VALUES (?, ?, ?, ?, ?)`,
		decision.IssuedAt.UTC(), string(decision.Action), string(decision.Priority), string(decision.Mode), payload)
}

// SaveAlarm records a raised alarm. Saving the same alarm ID twice
// replaces the row, so re-raising after a crash is harmless.
func (s *Store) SaveAlarm(alarm bess.Alarm) error {
	payload, err := marshal(alarm)
	if err != nil {
		return err
	}
	return s.write("alarms",
		`INSERT OR REPLACE INTO alarms (id, raised_at, severity, kind, acknowledged, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		alarm.ID, alarm.RaisedAt.UTC(), string(alarm.Severity), alarm.Kind, alarm.Acknowledged, payload)
}

// AckAlarm marks an alarm acknowledged. Unknown IDs are a no-op.
func (s *Store) AckAlarm(id string) error {
	return s.write("alarms", `UPDATE alarms SET acknowledged = 1 WHERE id = ?`, id)
}

// ActiveAlarms returns unacknowledged alarms, newest first.
func (s *Store) ActiveAlarms() ([]bess.Alarm, error) {
	var rows []struct {
		Payload string `db:"payload"`
	}
	if err := s.db.Select(&rows, `SELECT payload FROM alarms WHERE acknowledged = 0 ORDER BY raised_at DESC`); err != nil {
		return nil, fmt.Errorf("listing active alarms, %w", err)
	}
	alarms := make([]bess.Alarm, 0, len(rows))
	for _, row := range rows {
		var alarm bess.Alarm
		if err := unmarshal(row.Payload, &alarm); err != nil {
			return nil, err
		}
		alarms = append(alarms, alarm)
	}
	return alarms, nil
}

// LatestTelemetry returns up to n most recent snapshots, newest first.
func (s *Store) LatestTelemetry(n int) ([]bess.TelemetrySnapshot, error) {
	var rows []struct {
		Payload string `db:"payload"`
	}
	if err := s.db.Select(&rows, `SELECT payload FROM telemetry ORDER BY captured_at DESC LIMIT ?`, n); err != nil {
		return nil, fmt.Errorf("listing telemetry, %w", err)
	}
	snapshots := make([]bess.TelemetrySnapshot, 0, len(rows))
	for _, row := range rows {
		var snapshot bess.TelemetrySnapshot
		if err := unmarshal(row.Payload, &snapshot); err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, nil
}

func (s *Store) write(table, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(query, args...); err != nil {
		writeErrors.WithLabelValues(table).Inc()
		if isDiskFull(err) {
			return fmt.Errorf("writing %s, %w: %v", table, ErrDiskFull, err)
		}
		return fmt.Errorf("writing %s, %w", table, err)
	}
	writesTotal.WithLabelValues(table).Inc()
	return nil
}

// isDiskFull recognizes SQLITE_FULL, which the driver surfaces by message.
func isDiskFull(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database or disk is full") || strings.Contains(msg, "disk i/o error")
}

func marshal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding row, %w", err)
	}
	return string(b), nil
}

func unmarshal(payload string, v any) error {
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return fmt.Errorf("decoding row, %w", err)
	}
	return nil
}

// Cleanup applies the configured retention policy. Un-acked queue rows
// younger than the queue retention are never touched.
func (s *Store) Cleanup() error {
	return s.cleanup(s.retention)
}

// AggressiveCleanup halves the history retentions and compacts the file.
// Invoked by self-healing when the disk crosses its critical threshold.
func (s *Store) AggressiveCleanup() error {
	if err := s.cleanup(s.retention.halved()); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`VACUUM`); err != nil {
		return fmt.Errorf("compacting store, %w", err)
	}
	return nil
}

func (s *Store) cleanup(policy RetentionPolicy) error {
	now := s.clk.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cut := range []struct {
		query  string
		cutoff time.Time
	}{
		{`DELETE FROM telemetry WHERE captured_at < ?`, now.Add(-policy.Telemetry)},
		{`DELETE FROM decisions WHERE issued_at < ?`, now.Add(-policy.Decisions)},
		{`DELETE FROM alarms WHERE acknowledged = 1 AND raised_at < ?`, now.Add(-policy.Alarms)},
		{`DELETE FROM outbound_queue WHERE enqueued_at < ?`, now.Add(-policy.Queue)},
	} {
		if _, err := s.db.Exec(cut.query, cut.cutoff); err != nil {
			return fmt.Errorf("applying retention, %w", err)
		}
	}
	cleanupsTotal.Inc()
	return nil
}
