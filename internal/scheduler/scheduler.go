// Package scheduler drives the fleet's publish cycles: it races the
// remaining cycle time against the next configuration change, publishes
// every data point of a cycle as one joined batch, and measures whether
// the process keeps up with the configured cadence.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/ratelimit"
	"golang.org/x/sync/errgroup"

	"github.com/fleetsim/fleetsim/internal/simulation"
)

// ErrControlClosed reports that the mailbox was closed: the loop can no
// longer receive commands and must exit.
var ErrControlClosed = errors.New("control channel closed")

const (
	// defaultIdleTick is the wake-up period while the fleet is stopped.
	// It must be non-zero so an idle loop never spins.
	defaultIdleTick = time.Second

	// defaultMaxConcurrency bounds in-flight publishes per cycle.
	defaultMaxConcurrency = 1000
)

// Publisher sends one telemetry message to the transport. A failed publish
// is fatal to the control loop.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// CycleStats describes one completed publish cycle.
type CycleStats struct {
	Cycle      uint64
	Start      time.Time
	Elapsed    time.Duration
	Interval   time.Duration
	Datapoints int
	Devices    int
	Overloaded bool
}

// Throughput is the instantaneous publish rate of the cycle in data points
// per second.
func (s CycleStats) Throughput() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Datapoints) / s.Elapsed.Seconds()
}

// CapacityRatio is elapsed time over the configured interval; values at or
// above 1 mean the cycle overran its budget.
func (s CycleStats) CapacityRatio() float64 {
	if s.Interval <= 0 {
		return 1
	}
	return float64(s.Elapsed) / float64(s.Interval)
}

// CycleObserver receives the statistics of every completed cycle.
type CycleObserver interface {
	ObserveCycle(stats CycleStats)
}

// ConfigObserver is implemented by observers that also want to see every
// configuration the loop applies at a cycle boundary.
type ConfigObserver interface {
	ObserveConfig(params simulation.Parameters)
}

// Config assembles a Scheduler. Zero values fall back to safe defaults.
type Config struct {
	Simulation *simulation.Simulation
	Mailbox    *Mailbox
	Publisher  Publisher
	Observers  []CycleObserver

	// MaxConcurrency bounds in-flight publishes within one cycle.
	MaxConcurrency int
	// PublishQPS caps the overall publish rate (0 = uncapped).
	PublishQPS int
	// MaxRuns stops the loop cleanly after this many completed cycles
	// (0 = unlimited).
	MaxRuns int
	// IdleTick overrides the wake-up period while stopped.
	IdleTick time.Duration
}

// Scheduler owns the control loop. It is the only mutator of the
// simulation's device pool; configuration changes are applied exclusively
// at cycle boundaries.
type Scheduler struct {
	sim       *simulation.Simulation
	mailbox   *Mailbox
	publisher Publisher
	observers []CycleObserver

	limiter        ratelimit.Limiter
	maxConcurrency int
	maxRuns        int
	idleTick       time.Duration

	cycles uint64
}

func New(cfg Config) *Scheduler {
	if cfg.IdleTick <= 0 {
		cfg.IdleTick = defaultIdleTick
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}

	var limiter ratelimit.Limiter
	if cfg.PublishQPS > 0 {
		limiter = ratelimit.New(cfg.PublishQPS, ratelimit.WithoutSlack)
	}

	return &Scheduler{
		sim:            cfg.Simulation,
		mailbox:        cfg.Mailbox,
		publisher:      cfg.Publisher,
		observers:      cfg.Observers,
		limiter:        limiter,
		maxConcurrency: cfg.MaxConcurrency,
		maxRuns:        cfg.MaxRuns,
		idleTick:       cfg.IdleTick,
	}
}

// Run executes the control loop until the context is cancelled, the
// mailbox closes, a publish fails, or the configured run count is
// exhausted. Only publish failures and a closed mailbox return an error.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(s.idleTick)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Control loop stopping")
			return nil

		case params, ok := <-s.mailbox.C():
			if !ok {
				return ErrControlClosed
			}
			s.apply(params)
			if s.sim.Running() {
				// A fresh configuration publishes its first cycle
				// immediately.
				timer.Reset(0)
			} else {
				timer.Reset(s.idleTick)
			}

		case <-timer.C:
			if !s.sim.Running() {
				timer.Reset(s.idleTick)
				continue
			}

			stats, err := s.runCycle(ctx)
			if err != nil {
				if ctx.Err() != nil {
					log.Info().Msg("Control loop stopping")
					return nil
				}
				log.Error().Err(err).Msg("Failed to publish")
				return fmt.Errorf("publish cycle: %w", err)
			}

			s.cycles++
			stats.Cycle = s.cycles

			if stats.Overloaded {
				log.Warn().
					Dur("elapsed", stats.Elapsed).
					Dur("interval", stats.Interval).
					Int("datapoints", stats.Datapoints).
					Msg("Messages cannot be sent fast enough. Increase capacity on the receiving end, increase the cycle interval or reduce the number of data points.")
			}
			for _, observer := range s.observers {
				observer.ObserveCycle(stats)
			}

			if s.maxRuns > 0 && s.cycles >= uint64(s.maxRuns) {
				log.Info().Uint64("cycles", s.cycles).Msg("Configured run count reached")
				return nil
			}

			remaining := stats.Interval - stats.Elapsed
			if remaining < 0 {
				remaining = 0
			}
			timer.Reset(remaining)
		}
	}
}

func (s *Scheduler) apply(params simulation.Parameters) {
	s.sim.Apply(params)
	for _, observer := range s.observers {
		if co, ok := observer.(ConfigObserver); ok {
			co.ObserveConfig(params)
		}
	}
	if params.Stopped() {
		log.Info().Msg("Simulation stopped")
		return
	}
	log.Info().
		Int("devices", params.DeviceCount).
		Int("data_points", params.DataPointsPerDevice).
		Dur("interval", params.CycleInterval).
		Uint64("seed", params.Seed).
		Msg("Simulation configured")
}

// runCycle drains one cycle, dispatching publishes concurrently and
// joining the whole batch before returning. Device state is only mutated
// here, on the loop goroutine; the spawned goroutines see finished
// messages.
func (s *Scheduler) runCycle(ctx context.Context) (CycleStats, error) {
	params := s.sim.Params()
	start := time.Now()

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.maxConcurrency)

	count := 0
	for msg := range s.sim.NextCycle() {
		if s.limiter != nil {
			s.limiter.Take()
		}
		count++
		group.Go(func() error {
			return s.publisher.Publish(groupCtx, msg.Topic, []byte(msg.Payload))
		})
	}

	err := group.Wait()
	elapsed := time.Since(start)
	if err != nil {
		return CycleStats{}, err
	}

	return CycleStats{
		Start:      start,
		Elapsed:    elapsed,
		Interval:   params.CycleInterval,
		Datapoints: count,
		Devices:    params.DeviceCount,
		Overloaded: elapsed >= params.CycleInterval,
	}, nil
}
