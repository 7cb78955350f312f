package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/fleetsim/fleetsim/internal/scheduler"
	"github.com/fleetsim/fleetsim/internal/simulation"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	cfg := DefaultConfig(filepath.Join(t.TempDir(), "history-test.db"))
	cfg.FlushInterval = time.Hour

	store, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("NewStore returned error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreRecordsRunsAndCycles(t *testing.T) {
	store := newTestStore(t)

	store.ObserveConfig(simulation.Parameters{
		DeviceCount:         2,
		DataPointsPerDevice: 3,
		CycleInterval:       time.Second,
		Seed:                42,
	})

	start := time.UnixMilli(1700000000000)
	for i := 1; i <= 3; i++ {
		store.ObserveCycle(scheduler.CycleStats{
			Cycle:      uint64(i),
			Start:      start.Add(time.Duration(i) * time.Second),
			Elapsed:    200 * time.Millisecond,
			Interval:   time.Second,
			Datapoints: 6,
			Devices:    2,
		})
	}
	store.Flush()

	runs, err := store.Runs()
	if err != nil {
		t.Fatalf("Runs returned error: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	run := runs[0]
	if run.ID == "" {
		t.Fatal("run has no ID")
	}
	if run.Devices != 2 || run.DataPoints != 3 || run.Interval != time.Second || run.Seed != 42 {
		t.Fatalf("unexpected run record: %+v", run)
	}

	cycles, err := store.Cycles(run.ID)
	if err != nil {
		t.Fatalf("Cycles returned error: %v", err)
	}
	if len(cycles) != 3 {
		t.Fatalf("expected 3 cycles, got %d", len(cycles))
	}
	for i, c := range cycles {
		if c.Cycle != uint64(i+1) {
			t.Fatalf("cycle %d numbered %d", i+1, c.Cycle)
		}
		if c.Elapsed != 200*time.Millisecond || c.Interval != time.Second {
			t.Fatalf("unexpected cycle timing: %+v", c)
		}
		if c.Datapoints != 6 || c.Devices != 2 || c.Overloaded {
			t.Fatalf("unexpected cycle record: %+v", c)
		}
	}
}

func TestStoreSplitsRunsPerConfiguration(t *testing.T) {
	store := newTestStore(t)

	store.ObserveConfig(simulation.Parameters{DeviceCount: 1, DataPointsPerDevice: 1, CycleInterval: time.Second, Seed: 1})
	store.ObserveCycle(scheduler.CycleStats{
		Cycle: 1, Start: time.Now(), Elapsed: time.Millisecond, Interval: time.Second, Datapoints: 1, Devices: 1,
	})

	store.ObserveConfig(simulation.Parameters{DeviceCount: 5, DataPointsPerDevice: 2, CycleInterval: 2 * time.Second, Seed: 7})
	store.ObserveCycle(scheduler.CycleStats{
		Cycle: 2, Start: time.Now(), Elapsed: time.Millisecond, Interval: 2 * time.Second, Datapoints: 10, Devices: 5,
	})
	store.ObserveCycle(scheduler.CycleStats{
		Cycle: 3, Start: time.Now(), Elapsed: time.Millisecond, Interval: 2 * time.Second, Datapoints: 10, Devices: 5, Overloaded: true,
	})
	store.Flush()

	runs, err := store.Runs()
	if err != nil {
		t.Fatalf("Runs returned error: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}

	var first, second Run
	for _, r := range runs {
		switch r.Seed {
		case 1:
			first = r
		case 7:
			second = r
		}
	}
	if first.ID == "" || second.ID == "" {
		t.Fatalf("runs not recorded: %+v", runs)
	}

	firstCycles, err := store.Cycles(first.ID)
	if err != nil {
		t.Fatalf("Cycles returned error: %v", err)
	}
	if len(firstCycles) != 1 || firstCycles[0].Cycle != 1 {
		t.Fatalf("unexpected cycles for first run: %+v", firstCycles)
	}

	secondCycles, err := store.Cycles(second.ID)
	if err != nil {
		t.Fatalf("Cycles returned error: %v", err)
	}
	if len(secondCycles) != 2 {
		t.Fatalf("expected 2 cycles for second run, got %d", len(secondCycles))
	}
	if secondCycles[0].Cycle != 2 || secondCycles[1].Cycle != 3 {
		t.Fatalf("unexpected cycle order: %+v", secondCycles)
	}
	if !secondCycles[1].Overloaded {
		t.Fatal("overload flag lost")
	}
}

func TestStoreIgnoresCyclesWhileStopped(t *testing.T) {
	store := newTestStore(t)

	// Nothing is attributable before the first configuration arrives.
	store.ObserveCycle(scheduler.CycleStats{Cycle: 1, Datapoints: 1, Devices: 1})

	store.ObserveConfig(simulation.Parameters{DeviceCount: 1, DataPointsPerDevice: 1, CycleInterval: time.Second, Seed: 1})
	store.ObserveCycle(scheduler.CycleStats{
		Cycle: 2, Start: time.Now(), Elapsed: time.Millisecond, Interval: time.Second, Datapoints: 1, Devices: 1,
	})

	store.ObserveConfig(simulation.Parameters{})
	store.ObserveCycle(scheduler.CycleStats{Cycle: 3, Datapoints: 1, Devices: 1})
	store.Flush()

	runs, err := store.Runs()
	if err != nil {
		t.Fatalf("Runs returned error: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}

	cycles, err := store.Cycles(runs[0].ID)
	if err != nil {
		t.Fatalf("Cycles returned error: %v", err)
	}
	if len(cycles) != 1 || cycles[0].Cycle != 2 {
		t.Fatalf("unexpected cycles: %+v", cycles)
	}
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "history-test.db"))
	cfg.FlushInterval = time.Hour

	store, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("NewStore returned error: %v", err)
	}

	store.ObserveConfig(simulation.Parameters{DeviceCount: 4, DataPointsPerDevice: 2, CycleInterval: time.Second, Seed: 9})
	store.ObserveCycle(scheduler.CycleStats{
		Cycle: 1, Start: time.Now(), Elapsed: time.Millisecond, Interval: time.Second, Datapoints: 8, Devices: 4,
	})

	// Close performs the final flush.
	if err := store.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	reopened, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("NewStore after reopen returned error: %v", err)
	}
	defer reopened.Close()

	runs, err := reopened.Runs()
	if err != nil {
		t.Fatalf("Runs returned error: %v", err)
	}
	if len(runs) != 1 || runs[0].Seed != 9 {
		t.Fatalf("unexpected runs after reopen: %+v", runs)
	}

	cycles, err := reopened.Cycles(runs[0].ID)
	if err != nil {
		t.Fatalf("Cycles returned error: %v", err)
	}
	if len(cycles) != 1 || cycles[0].Datapoints != 8 {
		t.Fatalf("unexpected cycles after reopen: %+v", cycles)
	}
}

func TestStoreFlushesFullBuffer(t *testing.T) {
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "history-test.db"))
	cfg.FlushInterval = time.Hour
	cfg.WriteBufferSize = 1

	store, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("NewStore returned error: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	store.ObserveConfig(simulation.Parameters{DeviceCount: 1, DataPointsPerDevice: 1, CycleInterval: time.Second, Seed: 1})
	store.ObserveCycle(scheduler.CycleStats{
		Cycle: 1, Start: time.Now(), Elapsed: time.Millisecond, Interval: time.Second, Datapoints: 1, Devices: 1,
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		runs, err := store.Runs()
		if err == nil && len(runs) == 1 {
			cycles, err := store.Cycles(runs[0].ID)
			if err == nil && len(cycles) == 1 {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("cycle was not written when the buffer filled")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
