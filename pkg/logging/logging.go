// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/pario-ai/tokmeter/pkg/config"
)

// New returns a logger for cfg and a function that closes its file. Logs go to
// a file by default so they do not interleave with terminal output.
func New(cfg config.LogConfig) (zerolog.Logger, func() error, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var (
		w       io.Writer = os.Stderr
		closeFn           = func() error { return nil }
	)
	if cfg.File != "" && cfg.File != "-" {
		if dir := filepath.Dir(cfg.File); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return zerolog.Nop(), closeFn, fmt.Errorf("create log dir: %w", err)
			}
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), closeFn, fmt.Errorf("open log file: %w", err)
		}
		w = f
		closeFn = f.Close
	}
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: w != os.Stderr}
	}

	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return logger, closeFn, nil
}

// Throttled wraps a logger so repetitive warnings cannot flood the log. Events
// beyond the limit are counted and reported with the next allowed one.
type Throttled struct {
	mu         sync.Mutex
	log        zerolog.Logger
	limiter    *rate.Limiter
	suppressed int
}

// NewThrottled allows burst events immediately and then one every interval.
func NewThrottled(log zerolog.Logger, interval time.Duration, burst int) *Throttled {
	return &Throttled{log: log, limiter: rate.NewLimiter(rate.Every(interval), burst)}
}

// Warn returns a warn event, or nil when throttled. zerolog treats methods on
// a nil event as no-ops, so callers can chain unconditionally.
func (t *Throttled) Warn() *zerolog.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.limiter.Allow() {
		t.suppressed++
		return nil
	}
	e := t.log.Warn()
	if t.suppressed > 0 {
		e = e.Int("suppressed", t.suppressed)
		t.suppressed = 0
	}
	return e
}
