// Package rebuild recomputes derived tables from the raw event log on demand.
package rebuild

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/tokmeter/pkg/models"
)

var (
	// ErrInProgress is returned when a rebuild is already running.
	ErrInProgress = errors.New("rebuild already in progress")
	// ErrMismatch is returned when daily stats disagree with the event log
	// after replay.
	ErrMismatch = errors.New("daily stats do not match events")
)

// Replayer truncates derived tables and replays stored events into them. The
// aggregator implements it.
type Replayer interface {
	Rebuild(ctx context.Context) (int, error)
}

// Reconciler reads per-model sums of raw events and of daily stats.
type Reconciler interface {
	Reconcile(ctx context.Context) (events, daily map[string]models.Delta, err error)
}

// Resetter rewinds a collector so it reingests its input from the start.
type Resetter interface {
	Name() string
	Reset(ctx context.Context) error
}

// Report describes a finished rebuild.
type Report struct {
	Replayed   int
	Models     int
	Reset      []string
	Mismatches []string
	Duration   time.Duration
}

// Controller runs rebuilds. At most one runs at a time.
type Controller struct {
	replayer   Replayer
	reconciler Reconciler
	resetters  []Resetter
	log        zerolog.Logger
	mu         sync.Mutex
}

// New creates a controller. Resetters are rewound after the replay so live
// collectors reread from the rewound cursors.
func New(r Replayer, rc Reconciler, logger zerolog.Logger, resetters ...Resetter) *Controller {
	return &Controller{
		replayer:   r,
		reconciler: rc,
		resetters:  resetters,
		log:        logger.With().Str("component", "rebuild").Logger(),
	}
}

// Rebuild truncates daily stats, rewinds cursors, replays every stored event,
// checks that daily stats equal the event sums and rewinds the collectors.
// Raw events and price rules are never touched.
func (c *Controller) Rebuild(ctx context.Context) (Report, error) {
	if !c.mu.TryLock() {
		return Report{}, ErrInProgress
	}
	defer c.mu.Unlock()

	start := time.Now()
	c.log.Info().Msg("rebuild started")

	var rep Report
	n, err := c.replayer.Rebuild(ctx)
	rep.Replayed = n
	if err != nil {
		return rep, fmt.Errorf("replay: %w", err)
	}

	events, daily, err := c.reconciler.Reconcile(ctx)
	if err != nil {
		return rep, fmt.Errorf("reconcile: %w", err)
	}
	rep.Models = len(events)
	rep.Mismatches = compare(events, daily)
	if len(rep.Mismatches) > 0 {
		c.log.Error().Strs("models", rep.Mismatches).Msg("daily stats disagree with events after replay")
		return rep, fmt.Errorf("%w: %d models", ErrMismatch, len(rep.Mismatches))
	}

	for _, r := range c.resetters {
		if err := r.Reset(ctx); err != nil {
			return rep, fmt.Errorf("reset %s: %w", r.Name(), err)
		}
		rep.Reset = append(rep.Reset, r.Name())
	}

	rep.Duration = time.Since(start)
	c.log.Info().Int("events", rep.Replayed).Int("models", rep.Models).Strs("reset", rep.Reset).
		Dur("duration", rep.Duration).Msg("rebuild finished")
	return rep, nil
}

// compare returns the sorted models whose sums differ.
func compare(events, daily map[string]models.Delta) []string {
	var bad []string
	for m, d := range events {
		if daily[m] != d {
			bad = append(bad, m)
		}
	}
	for m := range daily {
		if _, ok := events[m]; !ok {
			bad = append(bad, m)
		}
	}
	sort.Strings(bad)
	return bad
}
