// Package history provides persistent storage for run and cycle records
// using SQLite, so load tests can be analysed after the process exits.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/fleetsim/fleetsim/internal/scheduler"
	"github.com/fleetsim/fleetsim/internal/simulation"
)

// Config holds configuration for the history store.
type Config struct {
	DBPath          string
	WriteBufferSize int           // Number of cycles to buffer before batch write
	FlushInterval   time.Duration // Max time between flushes
}

// DefaultConfig returns sensible defaults for history storage.
func DefaultConfig(path string) Config {
	return Config{
		DBPath:          path,
		WriteBufferSize: 64,
		FlushInterval:   5 * time.Second,
	}
}

// Run describes one recorded load test: the span between a start command
// and the next configuration change.
type Run struct {
	ID         string
	Started    time.Time
	Devices    int
	DataPoints int
	Interval   time.Duration
	Seed       uint64
}

// CycleRecord is one persisted publish cycle.
type CycleRecord struct {
	RunID      string
	Cycle      uint64
	Started    time.Time
	Elapsed    time.Duration
	Interval   time.Duration
	Devices    int
	Datapoints int
	Overloaded bool
}

type bufferedCycle struct {
	runID string
	stats scheduler.CycleStats
}

// Store persists runs and their cycles. It implements both
// scheduler.CycleObserver and scheduler.ConfigObserver.
type Store struct {
	db     *sql.DB
	config Config

	// Write buffer; runID names the run cycles are attributed to.
	bufferMu sync.Mutex
	buffer   []bufferedCycle
	runID    string

	// Background worker
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewStore opens (or creates) the history database at config.DBPath.
func NewStore(config Config) (*Store, error) {
	dir := filepath.Dir(config.DBPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	// WAL mode keeps readers from blocking the single writer.
	db, err := sql.Open("sqlite", config.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{
		db:     db,
		config: config,
		buffer: make([]bufferedCycle, 0, config.WriteBufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	go store.backgroundWorker()

	log.Info().
		Str("path", config.DBPath).
		Int("bufferSize", config.WriteBufferSize).
		Msg("History store initialized")

	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			started INTEGER NOT NULL,
			devices INTEGER NOT NULL,
			data_points INTEGER NOT NULL,
			interval_ms INTEGER NOT NULL,
			seed INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS cycles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			cycle INTEGER NOT NULL,
			started INTEGER NOT NULL,
			elapsed_us INTEGER NOT NULL,
			interval_ms INTEGER NOT NULL,
			devices INTEGER NOT NULL,
			datapoints INTEGER NOT NULL,
			overloaded INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_cycles_run
		ON cycles(run_id, cycle);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// ObserveConfig opens a new run for every applied start and closes the
// current one on stop. Cycles observed afterwards are attributed to the
// new run.
func (s *Store) ObserveConfig(params simulation.Parameters) {
	if params.Stopped() {
		s.bufferMu.Lock()
		s.runID = ""
		s.bufferMu.Unlock()
		return
	}

	id := ulid.Make().String()
	_, err := s.db.Exec(`
		INSERT INTO runs (id, started, devices, data_points, interval_ms, seed)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, time.Now().UnixMilli(), params.DeviceCount, params.DataPointsPerDevice,
		params.CycleInterval.Milliseconds(), int64(params.Seed))
	if err != nil {
		log.Error().Err(err).Str("runID", id).Msg("Failed to record run")
	}

	s.bufferMu.Lock()
	s.runID = id
	s.bufferMu.Unlock()

	log.Info().
		Str("runID", id).
		Int("devices", params.DeviceCount).
		Int("data_points", params.DataPointsPerDevice).
		Msg("Recording run")
}

// ObserveCycle buffers one completed cycle for the current run.
func (s *Store) ObserveCycle(stats scheduler.CycleStats) {
	s.bufferMu.Lock()
	defer s.bufferMu.Unlock()

	if s.runID == "" {
		return
	}

	s.buffer = append(s.buffer, bufferedCycle{runID: s.runID, stats: stats})

	if len(s.buffer) >= s.config.WriteBufferSize {
		toWrite := s.takeLocked()
		go s.writeBatch(toWrite)
	}
}

// takeLocked drains the buffer; the caller must hold bufferMu.
func (s *Store) takeLocked() []bufferedCycle {
	if len(s.buffer) == 0 {
		return nil
	}
	toWrite := make([]bufferedCycle, len(s.buffer))
	copy(toWrite, s.buffer)
	s.buffer = s.buffer[:0]
	return toWrite
}

// Flush synchronously writes any buffered cycles to the database.
func (s *Store) Flush() {
	s.bufferMu.Lock()
	toWrite := s.takeLocked()
	s.bufferMu.Unlock()
	s.writeBatch(toWrite)
}

func (s *Store) writeBatch(cycles []bufferedCycle) {
	if len(cycles) == 0 {
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		log.Error().Err(err).Msg("Failed to begin history transaction")
		return
	}

	stmt, err := tx.Prepare(`
		INSERT INTO cycles (run_id, cycle, started, elapsed_us, interval_ms, devices, datapoints, overloaded)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		log.Error().Err(err).Msg("Failed to prepare cycle insert")
		return
	}
	defer stmt.Close()

	for _, c := range cycles {
		overloaded := 0
		if c.stats.Overloaded {
			overloaded = 1
		}
		_, err := stmt.Exec(c.runID, c.stats.Cycle, c.stats.Start.UnixMilli(),
			c.stats.Elapsed.Microseconds(), c.stats.Interval.Milliseconds(),
			c.stats.Devices, c.stats.Datapoints, overloaded)
		if err != nil {
			log.Warn().Err(err).
				Str("runID", c.runID).
				Uint64("cycle", c.stats.Cycle).
				Msg("Failed to insert cycle")
		}
	}

	if err := tx.Commit(); err != nil {
		log.Error().Err(err).Msg("Failed to commit cycle batch")
		return
	}

	log.Debug().Int("count", len(cycles)).Msg("Wrote cycle batch")
}

// Runs lists recorded runs, newest first.
func (s *Store) Runs() ([]Run, error) {
	rows, err := s.db.Query(`
		SELECT id, started, devices, data_points, interval_ms, seed
		FROM runs
		ORDER BY started DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started, intervalMs, seed int64
		if err := rows.Scan(&r.ID, &started, &r.Devices, &r.DataPoints, &intervalMs, &seed); err != nil {
			log.Warn().Err(err).Msg("Failed to scan run row")
			continue
		}
		r.Started = time.UnixMilli(started)
		r.Interval = time.Duration(intervalMs) * time.Millisecond
		r.Seed = uint64(seed)
		runs = append(runs, r)
	}

	return runs, rows.Err()
}

// Cycles returns the cycle records of a run in execution order.
func (s *Store) Cycles(runID string) ([]CycleRecord, error) {
	rows, err := s.db.Query(`
		SELECT run_id, cycle, started, elapsed_us, interval_ms, devices, datapoints, overloaded
		FROM cycles
		WHERE run_id = ?
		ORDER BY cycle ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycles: %w", err)
	}
	defer rows.Close()

	var records []CycleRecord
	for rows.Next() {
		var c CycleRecord
		var started, elapsedUs, intervalMs int64
		var overloaded int
		if err := rows.Scan(&c.RunID, &c.Cycle, &started, &elapsedUs, &intervalMs,
			&c.Devices, &c.Datapoints, &overloaded); err != nil {
			log.Warn().Err(err).Msg("Failed to scan cycle row")
			continue
		}
		c.Started = time.UnixMilli(started)
		c.Elapsed = time.Duration(elapsedUs) * time.Microsecond
		c.Interval = time.Duration(intervalMs) * time.Millisecond
		c.Overloaded = overloaded != 0
		records = append(records, c)
	}

	return records, rows.Err()
}

func (s *Store) backgroundWorker() {
	defer close(s.doneCh)

	flushTicker := time.NewTicker(s.config.FlushInterval)
	defer flushTicker.Stop()

	for {
		select {
		case <-s.stopCh:
			// Final flush before stopping
			s.Flush()
			return

		case <-flushTicker.C:
			s.Flush()
		}
	}
}

// Close flushes pending cycles and shuts the store down.
func (s *Store) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})

	select {
	case <-s.doneCh:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("History store shutdown timed out")
	}

	return s.db.Close()
}
