// Package debuglog captures proxied request/response pairs to daily JSONL
// files for troubleshooting. It is off by default and never on the usage path:
// entries go through a bounded queue and are dropped when it is full.
package debuglog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/tokmeter/pkg/logging"
	"github.com/pario-ai/tokmeter/pkg/metrics"
	"github.com/pario-ai/tokmeter/pkg/models"
)

const (
	filePrefix = "debug-"
	fileSuffix = ".jsonl"
	redacted   = "[REDACTED]"
)

// Logger writes and queries debug entries in a directory of daily files.
type Logger struct {
	cfg     models.DebugConfig
	queue   chan models.DebugEntry
	done    chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool
	once    sync.Once
	redact  map[string]bool
	metrics *metrics.Collector
	log     zerolog.Logger
	warn    *logging.Throttled
	now     func() time.Time

	// owned by the writer goroutine
	file    *os.File
	fileDay string
}

// New creates the debug directory and starts the writer and retention
// goroutines.
func New(cfg models.DebugConfig, m *metrics.Collector, logger zerolog.Logger) (*Logger, error) {
	l, err := newLogger(cfg, m, logger)
	if err != nil {
		return nil, err
	}
	l.wg.Add(2)
	go l.writeLoop()
	go l.retentionLoop()
	return l, nil
}

func newLogger(cfg models.DebugConfig, m *metrics.Collector, logger zerolog.Logger) (*Logger, error) {
	if cfg.Dir == "" {
		return nil, errors.New("debug log: dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create debug dir: %w", err)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	red := make(map[string]bool, len(cfg.RedactHeaders))
	for _, h := range cfg.RedactHeaders {
		red[http.CanonicalHeaderKey(h)] = true
	}

	log := logger.With().Str("component", "debuglog").Logger()
	return &Logger{
		cfg:     cfg,
		queue:   make(chan models.DebugEntry, cfg.QueueSize),
		done:    make(chan struct{}),
		redact:  red,
		metrics: m,
		log:     log,
		warn:    logging.NewThrottled(log, 10*time.Second, 3),
		now:     time.Now,
	}, nil
}

// Log enqueues an entry without blocking. It reports false when the entry was
// dropped because the queue is full or the logger is closed.
func (l *Logger) Log(entry models.DebugEntry) bool {
	if l == nil || l.closed.Load() {
		return false
	}
	select {
	case l.queue <- entry:
		return true
	default:
		l.metrics.DebugEntriesDrops.Inc()
		l.warn.Warn().Str("request_id", entry.RequestID).Int("queue_size", cap(l.queue)).
			Msg("debug log queue full; entry dropped")
		return false
	}
}

// Headers flattens h for an entry, replacing sensitive values.
func (l *Logger) Headers(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, vals := range h {
		ck := http.CanonicalHeaderKey(k)
		if l.redact[ck] {
			out[ck] = redacted
			continue
		}
		out[ck] = strings.Join(vals, ", ")
	}
	return out
}

func (l *Logger) redactMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return m
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if l.redact[http.CanonicalHeaderKey(k)] {
			v = redacted
		}
		out[k] = v
	}
	return out
}

// Body returns b as a string cut to the configured maximum and whether it was
// cut.
func (l *Logger) Body(b []byte) (string, bool) {
	if l.cfg.MaxBodySize > 0 && len(b) > l.cfg.MaxBodySize {
		return string(b[:l.cfg.MaxBodySize]), true
	}
	return string(b), false
}

func (l *Logger) writeLoop() {
	defer l.wg.Done()
	for {
		select {
		case e := <-l.queue:
			l.write(e)
		case <-l.done:
			for {
				select {
				case e := <-l.queue:
					l.write(e)
				default:
					if l.file != nil {
						_ = l.file.Close()
						l.file = nil
					}
					return
				}
			}
		}
	}
}

func (l *Logger) write(e models.DebugEntry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now()
	}
	e.CreatedAt = e.CreatedAt.UTC()
	// Entries not built through Headers may carry raw values.
	e.RequestHeaders = l.redactMap(e.RequestHeaders)
	e.ResponseHeaders = l.redactMap(e.ResponseHeaders)
	var cut bool
	if e.RequestBody, cut = l.Body([]byte(e.RequestBody)); cut {
		e.Truncated = true
	}
	if e.ResponseBody, cut = l.Body([]byte(e.ResponseBody)); cut {
		e.Truncated = true
	}

	day := e.CreatedAt.Format(models.DateLayout)
	if l.file == nil || l.fileDay != day {
		if l.file != nil {
			_ = l.file.Close()
		}
		f, err := os.OpenFile(l.path(day), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			l.file = nil
			l.warn.Warn().Err(err).Msg("open debug log file")
			return
		}
		l.file, l.fileDay = f, day
	}

	line, err := json.Marshal(e)
	if err != nil {
		l.warn.Warn().Err(err).Str("request_id", e.RequestID).Msg("encode debug entry")
		return
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		l.warn.Warn().Err(err).Msg("write debug log")
	}
}

func (l *Logger) path(day string) string {
	return filepath.Join(l.cfg.Dir, filePrefix+day+fileSuffix)
}

// days lists the dates that have a debug file, newest first.
func (l *Logger) days() ([]string, error) {
	entries, err := os.ReadDir(l.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("read debug dir: %w", err)
	}
	var days []string
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		day := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		if _, err := time.Parse(models.DateLayout, day); err != nil {
			continue
		}
		days = append(days, day)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(days)))
	return days, nil
}

// Query returns entries matching opts, newest first. It reads what has been
// written so far; queued entries are not visible until the writer handles them.
func (l *Logger) Query(ctx context.Context, opts models.DebugQueryOpts) ([]models.DebugEntry, error) {
	days, err := l.days()
	if err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	sinceDay := ""
	if !opts.Since.IsZero() {
		sinceDay = opts.Since.UTC().Format(models.DateLayout)
	}

	var out []models.DebugEntry
	for _, day := range days {
		if sinceDay != "" && day < sinceDay {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := l.readDay(day)
		if err != nil {
			return nil, err
		}
		for i := len(entries) - 1; i >= 0; i-- {
			e := entries[i]
			if opts.RequestID != "" && e.RequestID != opts.RequestID {
				continue
			}
			if opts.Model != "" && e.Model != opts.Model {
				continue
			}
			if !opts.Since.IsZero() && e.CreatedAt.Before(opts.Since) {
				continue
			}
			out = append(out, e)
			if len(out) == limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func (l *Logger) readDay(day string) ([]models.DebugEntry, error) {
	f, err := os.Open(l.path(day))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open debug log: %w", err)
	}
	defer f.Close()

	var entries []models.DebugEntry
	dec := json.NewDecoder(f)
	for {
		var e models.DebugEntry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			// A torn final line from a crash ends the file.
			l.log.Debug().Err(err).Str("day", day).Msg("stop reading debug log")
			break
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Cleanup deletes daily files older than the retention period and returns the
// number removed. A non-positive retention keeps everything.
func (l *Logger) Cleanup(ctx context.Context) (int64, error) {
	if l.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	days, err := l.days()
	if err != nil {
		return 0, err
	}
	cutoff := l.now().UTC().AddDate(0, 0, -l.cfg.RetentionDays).Format(models.DateLayout)
	var n int64
	for _, day := range days {
		if day >= cutoff {
			continue
		}
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := os.Remove(l.path(day)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return n, fmt.Errorf("debug cleanup: %w", err)
		}
		n++
	}
	return n, nil
}

// Close stops accepting entries, writes what is queued and stops the
// background goroutines.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		l.closed.Store(true)
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) retentionLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			if n, err := l.Cleanup(context.Background()); err != nil {
				l.log.Warn().Err(err).Msg("debug log cleanup")
			} else if n > 0 {
				l.log.Info().Int64("files", n).Msg("old debug logs removed")
			}
		}
	}
}
