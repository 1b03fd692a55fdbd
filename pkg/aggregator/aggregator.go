// Package aggregator is the single writer of the event store. Collectors hand
// it usage events and cursor checkpoints over a bounded channel; it dedupes,
// persists, prices and publishes them.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/pario-ai/tokmeter/pkg/metrics"
	"github.com/pario-ai/tokmeter/pkg/models"
	"github.com/pario-ai/tokmeter/pkg/pricing"
	"github.com/pario-ai/tokmeter/pkg/store"
)

var (
	// ErrClosed is returned by Send and Checkpoint after Close.
	ErrClosed = errors.New("aggregator closed")
	// ErrDropped is returned when a send timed out during shutdown.
	ErrDropped = errors.New("event dropped during shutdown")
)

// Store is the subset of the event store the aggregator writes through.
type Store interface {
	ApplyBatch(ctx context.Context, b store.Batch) ([]models.UsageEvent, error)
	ReplayDaily(ctx context.Context, events []models.UsageEvent) error
	TruncateDerived(ctx context.Context) error
	ForEachEvent(ctx context.Context, fn func(models.UsageEvent) error) error
	RecentEvents(ctx context.Context, limit int) ([]models.PricedEvent, error)
	Resolver(ctx context.Context) (*pricing.Resolver, error)
}

// Config tunes the aggregator.
type Config struct {
	// FlushInterval batches writes on a timer. Zero flushes after every message.
	FlushInterval time.Duration
	// MaxBatch forces a flush once this many events are staged.
	MaxBatch int
	// RecentCapacity bounds the in-memory ring of recent events.
	RecentCapacity int
	// ChannelCapacity bounds the ingest channel.
	ChannelCapacity int
	// ShutdownSendTimeout is how long a producer whose context is done may
	// still wait for channel space before its event is dropped.
	ShutdownSendTimeout time.Duration
	// RetryMaxTries and RetryMaxElapsed bound store write retries.
	RetryMaxTries   uint
	RetryMaxElapsed time.Duration
	// ReplayChunk is the number of events replayed per transaction on rebuild.
	ReplayChunk int
}

func (c *Config) setDefaults() {
	if c.MaxBatch <= 0 {
		c.MaxBatch = 512
	}
	if c.RecentCapacity <= 0 {
		c.RecentCapacity = DefaultRecentCapacity
	}
	if c.ChannelCapacity <= 0 {
		c.ChannelCapacity = 1024
	}
	if c.ShutdownSendTimeout <= 0 {
		c.ShutdownSendTimeout = 2 * time.Second
	}
	if c.RetryMaxTries == 0 {
		c.RetryMaxTries = 5
	}
	if c.RetryMaxElapsed <= 0 {
		c.RetryMaxElapsed = 10 * time.Second
	}
	if c.ReplayChunk <= 0 {
		c.ReplayChunk = 1000
	}
}

type msgKind int

const (
	msgEvent msgKind = iota
	msgCursor
	msgFlush
	msgRebuild
)

type message struct {
	kind   msgKind
	event  models.UsageEvent
	cursor models.Cursor
	reply  chan<- result
}

type result struct {
	replayed int
	err      error
}

// Aggregator consumes collector output and is the only writer of daily stats
// and cursors.
type Aggregator struct {
	cfg     Config
	store   Store
	ring    *Ring
	broker  *Broker
	metrics *metrics.Collector
	log     zerolog.Logger

	in     chan message
	mu     sync.RWMutex
	closed bool

	// owned by the Run goroutine
	staged      []models.UsageEvent
	cursors     map[string]models.Cursor
	cursorOrder []string
}

// New creates an aggregator writing through s.
func New(s Store, cfg Config, m *metrics.Collector, logger zerolog.Logger) *Aggregator {
	cfg.setDefaults()
	return &Aggregator{
		cfg:     cfg,
		store:   s,
		ring:    NewRing(cfg.RecentCapacity),
		broker:  NewBroker(),
		metrics: m,
		log:     logger.With().Str("component", "aggregator").Logger(),
		in:      make(chan message, cfg.ChannelCapacity),
		cursors: make(map[string]models.Cursor),
	}
}

// Recent returns the in-memory ring of recent events.
func (a *Aggregator) Recent() *Ring { return a.ring }

// Changes returns the change notification broker.
func (a *Aggregator) Changes() *Broker { return a.broker }

// Send enqueues a usage event. It blocks while the channel is full. Once ctx
// is done the send is given ShutdownSendTimeout more before the event is
// dropped with a warning.
func (a *Aggregator) Send(ctx context.Context, e models.UsageEvent) error {
	a.metrics.EventsReceived.WithLabelValues(sourceOf(e.SourceID)).Inc()
	err := a.enqueue(ctx, message{kind: msgEvent, event: e})
	if errors.Is(err, ErrDropped) || errors.Is(err, ErrClosed) {
		a.metrics.EventsDropped.WithLabelValues(sourceOf(e.SourceID)).Inc()
		a.log.Warn().Str("source_id", e.SourceID).Err(err).Msg("usage event dropped")
	}
	return err
}

// Checkpoint enqueues a cursor. It is persisted in the same transaction as
// every event sent before it on the same goroutine.
func (a *Aggregator) Checkpoint(ctx context.Context, c models.Cursor) error {
	return a.enqueue(ctx, message{kind: msgCursor, cursor: c})
}

func (a *Aggregator) enqueue(ctx context.Context, msg message) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}

	select {
	case a.in <- msg:
		return nil
	case <-ctx.Done():
	}

	t := time.NewTimer(a.cfg.ShutdownSendTimeout)
	defer t.Stop()
	select {
	case a.in <- msg:
		return nil
	case <-t.C:
		return ErrDropped
	}
}

// Flush persists everything staged so far and waits for the result.
func (a *Aggregator) Flush(ctx context.Context) error {
	_, err := a.request(ctx, msgFlush)
	return err
}

// Rebuild flushes staged work, truncates daily stats and cursors, replays every
// stored event into daily stats and reloads the recent ring. It returns the
// number of replayed events. Stored events are never removed.
func (a *Aggregator) Rebuild(ctx context.Context) (int, error) {
	return a.request(ctx, msgRebuild)
}

func (a *Aggregator) request(ctx context.Context, kind msgKind) (int, error) {
	reply := make(chan result, 1)
	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		return 0, ErrClosed
	}
	select {
	case a.in <- message{kind: kind, reply: reply}:
		a.mu.RUnlock()
	case <-ctx.Done():
		a.mu.RUnlock()
		return 0, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.replayed, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Close stops accepting input. Run drains what is already queued, flushes and
// returns.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.closed = true
		close(a.in)
	}
}

// Run consumes the channel until Close has been called and the channel is
// drained. If ctx is cancelled first, staged work is flushed with a short
// detached deadline and Run returns ctx.Err().
func (a *Aggregator) Run(ctx context.Context) error {
	if err := a.warmRing(ctx); err != nil {
		a.log.Warn().Err(err).Msg("load recent events")
	}

	tick := a.cfg.FlushInterval
	if tick <= 0 {
		tick = 5 * time.Second // retries staged work left by a failed flush
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-a.in:
			if !ok {
				a.checkpoint()
				return nil
			}
			a.metrics.ChannelDepth.Set(float64(len(a.in)))
			a.handle(ctx, msg)
		case <-ticker.C:
			if len(a.staged) > 0 || len(a.cursors) > 0 {
				_ = a.flush(ctx)
			}
		case <-ctx.Done():
			a.checkpoint()
			return ctx.Err()
		}
	}
}

func (a *Aggregator) handle(ctx context.Context, msg message) {
	switch msg.kind {
	case msgEvent:
		if !msg.event.Valid() {
			a.metrics.MalformedRecords.WithLabelValues(sourceOf(msg.event.SourceID)).Inc()
			a.log.Warn().Str("source_id", msg.event.SourceID).Msg("invalid usage event skipped")
			return
		}
		a.staged = append(a.staged, msg.event)
	case msgCursor:
		id := msg.cursor.FileIdentity
		if _, ok := a.cursors[id]; !ok {
			a.cursorOrder = append(a.cursorOrder, id)
		}
		a.cursors[id] = msg.cursor
	case msgFlush:
		msg.reply <- result{err: a.flush(ctx)}
		return
	case msgRebuild:
		n, err := a.rebuild(ctx)
		msg.reply <- result{replayed: n, err: err}
		return
	}

	if a.cfg.FlushInterval <= 0 || len(a.staged) >= a.cfg.MaxBatch {
		_ = a.flush(ctx)
	}
}

// checkpoint flushes staged work on shutdown.
func (a *Aggregator) checkpoint() {
	if len(a.staged) == 0 && len(a.cursors) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.RetryMaxElapsed)
	defer cancel()
	if err := a.flush(ctx); err != nil {
		a.log.Error().Err(err).Int("events", len(a.staged)).Msg("final checkpoint failed")
		return
	}
	a.log.Debug().Msg("staged work checkpointed")
}

// flush writes staged events and cursors in one transaction. On failure the
// staging area is kept for the next cycle.
func (a *Aggregator) flush(ctx context.Context) error {
	if len(a.staged) == 0 && len(a.cursors) == 0 {
		return nil
	}
	start := time.Now()
	batch := store.Batch{Events: a.staged}
	for _, id := range a.cursorOrder {
		batch.Cursors = append(batch.Cursors, a.cursors[id])
	}

	inserted, err := retryOp(ctx, a, "apply batch", func() ([]models.UsageEvent, error) {
		return a.store.ApplyBatch(ctx, batch)
	})
	a.metrics.FlushDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		a.metrics.StoreFailures.Inc()
		a.log.Error().Err(err).Int("events", len(batch.Events)).Int("cursors", len(batch.Cursors)).
			Msg("flush failed; keeping staged work")
		return err
	}

	a.countOutcomes(batch.Events, inserted)
	a.staged = nil
	clear(a.cursors)
	a.cursorOrder = a.cursorOrder[:0]

	if len(inserted) == 0 {
		return nil
	}
	res, err := a.store.Resolver(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("load prices for recent events")
		res = pricing.NewResolver(nil, nil)
	}
	priced := make([]models.PricedEvent, 0, len(inserted))
	for _, e := range inserted {
		pe := res.PriceEvent(e)
		a.ring.Push(pe)
		priced = append(priced, pe)
	}
	a.broker.Publish(Change{Kind: ChangeEvents, Events: priced, At: time.Now()})
	return nil
}

func (a *Aggregator) countOutcomes(all, inserted []models.UsageEvent) {
	ins := make(map[string]int, len(inserted))
	for _, e := range inserted {
		ins[e.SourceID]++
	}
	for _, e := range all {
		src := sourceOf(e.SourceID)
		if ins[e.SourceID] > 0 {
			ins[e.SourceID]--
			a.metrics.EventsStored.WithLabelValues(src).Inc()
			continue
		}
		a.metrics.EventsDuplicate.WithLabelValues(src).Inc()
	}
}

func (a *Aggregator) rebuild(ctx context.Context) (int, error) {
	if err := a.flush(ctx); err != nil {
		return 0, fmt.Errorf("flush before rebuild: %w", err)
	}
	if _, err := retryOp(ctx, a, "truncate derived", func() (struct{}, error) {
		return struct{}{}, a.store.TruncateDerived(ctx)
	}); err != nil {
		return 0, fmt.Errorf("truncate derived: %w", err)
	}

	replayed := 0
	chunk := make([]models.UsageEvent, 0, a.cfg.ReplayChunk)
	apply := func() error {
		if len(chunk) == 0 {
			return nil
		}
		_, err := retryOp(ctx, a, "replay daily", func() (struct{}, error) {
			return struct{}{}, a.store.ReplayDaily(ctx, chunk)
		})
		if err != nil {
			return err
		}
		replayed += len(chunk)
		chunk = chunk[:0]
		return nil
	}
	err := a.store.ForEachEvent(ctx, func(e models.UsageEvent) error {
		chunk = append(chunk, e)
		if len(chunk) >= a.cfg.ReplayChunk {
			return apply()
		}
		return nil
	})
	if err == nil {
		err = apply()
	}
	if err != nil {
		return replayed, fmt.Errorf("replay events: %w", err)
	}

	if err := a.warmRing(ctx); err != nil {
		a.log.Warn().Err(err).Msg("reload recent events")
	}
	a.broker.Publish(Change{Kind: ChangeRebuild, At: time.Now()})
	a.log.Info().Int("events", replayed).Msg("derived tables rebuilt")
	return replayed, nil
}

func (a *Aggregator) warmRing(ctx context.Context) error {
	recent, err := a.store.RecentEvents(ctx, a.ring.Cap())
	if err != nil {
		return err
	}
	// RecentEvents is newest first; the ring wants oldest first.
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	a.ring.Reset(recent)
	return nil
}

func retryable(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, store.ErrInvalid) {
		return backoff.Permanent(err)
	}
	return err
}

func retryOp[T any](ctx context.Context, a *Aggregator, op string, fn func() (T, error)) (T, error) {
	return backoff.Retry(ctx,
		func() (T, error) {
			v, err := fn()
			if err != nil {
				return v, retryable(ctx, err)
			}
			return v, nil
		},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(a.cfg.RetryMaxTries),
		backoff.WithMaxElapsedTime(a.cfg.RetryMaxElapsed),
		backoff.WithNotify(func(err error, d time.Duration) {
			a.metrics.StoreRetries.Inc()
			a.log.Warn().Err(err).Str("op", op).Dur("backoff", d).Msg("store write failed; retrying")
		}),
	)
}

// sourceOf returns the namespace prefix of a source id ("tail", "proxy").
func sourceOf(id string) string {
	if i := strings.IndexByte(id, ':'); i > 0 {
		return id[:i]
	}
	return "unknown"
}
