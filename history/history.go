// Package history records collection cycles and cross-runtime triggers in
// a SQL database so runs can be compared after the fact.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/heapcoord/vm"
)

var log = commonlog.GetLogger("heapcoord.history")

// ErrDriverUnavailable is returned by Open when the driver is not compiled
// into the binary.
var ErrDriverUnavailable = errors.New("history driver not available")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS cycles (
		heap         VARCHAR NOT NULL,
		seq          BIGINT NOT NULL,
		type         VARCHAR NOT NULL,
		reason       VARCHAR NOT NULL,
		requests     BIGINT NOT NULL,
		started      BIGINT NOT NULL,
		duration_ns  BIGINT NOT NULL,
		pause_ns     BIGINT NOT NULL,
		marked       BIGINT NOT NULL,
		swept        BIGINT NOT NULL,
		moved        BIGINT NOT NULL,
		freed_bytes  BIGINT NOT NULL,
		live_bytes   BIGINT NOT NULL,
		compacted    BOOLEAN NOT NULL,
		weak_cleared BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS triggers (
		session     VARCHAR NOT NULL,
		status      VARCHAR NOT NULL,
		started     BIGINT NOT NULL,
		duration_ns BIGINT NOT NULL,
		cross_roots BIGINT NOT NULL,
		host_refs   BIGINT NOT NULL,
		degraded    VARCHAR NOT NULL
	)`,
}

// Cycle is one recorded collection cycle.
type Cycle struct {
	Heap        string
	Seq         uint64
	Type        string
	Reason      string
	Requests    int
	Started     time.Time
	Duration    time.Duration
	Pause       time.Duration
	Marked      int
	Swept       int
	Moved       int
	FreedBytes  uint64
	LiveBytes   uint64
	Compacted   bool
	WeakCleared int
}

// Trigger is one recorded cross-runtime trigger.
type Trigger struct {
	Session    string
	Status     string
	Started    time.Time
	Duration   time.Duration
	CrossRoots int
	HostRefs   int
	Degraded   string
}

// Summary aggregates the cycles of one heap.
type Summary struct {
	Cycles     int
	TotalPause time.Duration
	MaxPause   time.Duration
	FreedBytes uint64
}

// Store handles SQL storage for cycle history.
type Store struct {
	db     *sql.DB
	driver string
	mu     sync.Mutex
}

// Drivers returns the history drivers compiled into the binary.
func Drivers() []string {
	var out []string
	for _, d := range []string{"sqlite", "duckdb"} {
		if slices.Contains(sql.Drivers(), d) {
			out = append(out, d)
		}
	}
	return out
}

// Open opens (creating if needed) a history database.
func Open(driver, dsn string) (*Store, error) {
	if !slices.Contains(Drivers(), driver) {
		return nil, fmt.Errorf("%w: %q", ErrDriverUnavailable, driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if driver == "sqlite" {
		// Set busy timeout for concurrent access
		if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting busy timeout: %w", err)
		}
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating table: %w", err)
		}
	}

	log.Debugf("opened %s history at %s", driver, dsn)
	return &Store{db: db, driver: driver}, nil
}

// Driver returns the name of the SQL driver in use.
func (s *Store) Driver() string { return s.driver }

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// RecordCycle persists the stats of one cycle of heap.
func (s *Store) RecordCycle(heap string, c *vm.CycleStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO cycles (heap, seq, type, reason, requests, started, duration_ns, pause_ns,
			marked, swept, moved, freed_bytes, live_bytes, compacted, weak_cleared)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		heap, int64(c.Seq), c.Type.String(), c.Reason.String(), c.Requests,
		c.Started.UnixNano(), int64(c.Duration()), int64(c.Pause),
		c.Marked, c.Swept, c.Moved, int64(c.FreedBytes), int64(c.LiveBytes),
		c.Compacted, c.WeakCleared,
	)
	if err != nil {
		return fmt.Errorf("saving cycle %d of %s: %w", c.Seq, heap, err)
	}
	return nil
}

// RecordTrigger persists the outcome of one cross-runtime trigger.
func (s *Store) RecordTrigger(r *vm.TriggerResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	degraded := ""
	if r.Degraded != nil {
		degraded = r.Degraded.Error()
	}
	_, err := s.db.Exec(
		`INSERT INTO triggers (session, status, started, duration_ns, cross_roots, host_refs, degraded)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID.String(), r.Status.String(), r.Started.UnixNano(), int64(r.Duration),
		len(r.CrossRoots), len(r.HostRefs), degraded,
	)
	if err != nil {
		return fmt.Errorf("saving trigger of session %s: %w", r.SessionID, err)
	}
	return nil
}

// RecentCycles returns up to limit cycles, newest first. An empty heap
// matches every heap.
func (s *Store) RecentCycles(heap string, limit int) ([]Cycle, error) {
	rows, err := s.db.Query(
		`SELECT heap, seq, type, reason, requests, started, duration_ns, pause_ns,
			marked, swept, moved, freed_bytes, live_bytes, compacted, weak_cleared
		FROM cycles WHERE ? = '' OR heap = ?
		ORDER BY started DESC, seq DESC LIMIT ?`,
		heap, heap, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying cycles: %w", err)
	}
	defer rows.Close()

	var out []Cycle
	for rows.Next() {
		var (
			c                        Cycle
			seq, started, dur, pause int64
			freed, live              int64
		)
		if err := rows.Scan(&c.Heap, &seq, &c.Type, &c.Reason, &c.Requests, &started, &dur, &pause,
			&c.Marked, &c.Swept, &c.Moved, &freed, &live, &c.Compacted, &c.WeakCleared); err != nil {
			return nil, fmt.Errorf("scanning cycle: %w", err)
		}
		c.Seq = uint64(seq)
		c.Started = time.Unix(0, started)
		c.Duration = time.Duration(dur)
		c.Pause = time.Duration(pause)
		c.FreedBytes = uint64(freed)
		c.LiveBytes = uint64(live)
		out = append(out, c)
	}
	return out, rows.Err()
}

// RecentTriggers returns up to limit triggers, newest first.
func (s *Store) RecentTriggers(limit int) ([]Trigger, error) {
	rows, err := s.db.Query(
		`SELECT session, status, started, duration_ns, cross_roots, host_refs, degraded
		FROM triggers ORDER BY started DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying triggers: %w", err)
	}
	defer rows.Close()

	var out []Trigger
	for rows.Next() {
		var (
			tr           Trigger
			started, dur int64
		)
		if err := rows.Scan(&tr.Session, &tr.Status, &started, &dur, &tr.CrossRoots, &tr.HostRefs, &tr.Degraded); err != nil {
			return nil, fmt.Errorf("scanning trigger: %w", err)
		}
		tr.Started = time.Unix(0, started)
		tr.Duration = time.Duration(dur)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// Summarize aggregates every recorded cycle of heap.
func (s *Store) Summarize(heap string) (Summary, error) {
	var (
		sum                Summary
		total, peak, freed sql.NullInt64
	)
	err := s.db.QueryRow(
		`SELECT COUNT(*), CAST(SUM(pause_ns) AS BIGINT), MAX(pause_ns), CAST(SUM(freed_bytes) AS BIGINT)
		FROM cycles WHERE heap = ?`,
		heap,
	).Scan(&sum.Cycles, &total, &peak, &freed)
	if err != nil {
		return Summary{}, fmt.Errorf("summarizing %s: %w", heap, err)
	}
	sum.TotalPause = time.Duration(total.Int64)
	sum.MaxPause = time.Duration(peak.Int64)
	sum.FreedBytes = uint64(freed.Int64)
	return sum, nil
}

// Observer returns a cycle observer for Heap.OnCycle that records every
// cycle of heap. Failures are logged, not returned.
func (s *Store) Observer(heap string) func(*vm.CycleStats) {
	return func(c *vm.CycleStats) {
		if err := s.RecordCycle(heap, c); err != nil {
			log.Errorf("%s", err)
		}
	}
}

// TriggerObserver returns an observer for CrossRuntimeGC.OnTrigger.
func (s *Store) TriggerObserver() func(*vm.TriggerResult) {
	return func(r *vm.TriggerResult) {
		if err := s.RecordTrigger(r); err != nil {
			log.Errorf("%s", err)
		}
	}
}
