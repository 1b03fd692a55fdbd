// Package tailer follows CLI session log files and turns new lines into usage
// events. Progress is kept per file identity so a restart resumes exactly
// where the last checkpoint left off.
package tailer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/pario-ai/tokmeter/pkg/collector"
	"github.com/pario-ai/tokmeter/pkg/config"
	"github.com/pario-ai/tokmeter/pkg/logging"
	"github.com/pario-ai/tokmeter/pkg/metrics"
	"github.com/pario-ai/tokmeter/pkg/models"
)

const readBufSize = 64 << 10

// CursorSource loads persisted cursors at startup.
type CursorSource interface {
	ListCursors(ctx context.Context) ([]models.Cursor, error)
}

// Config controls which files are tailed.
type Config struct {
	Dirs         []string
	Pattern      string
	PollInterval time.Duration
	MaxLineBytes int
}

// fileState is the in-memory cursor for one file identity.
type fileState struct {
	key    string
	epoch  int
	cursor models.Cursor
}

// Tailer is a collector.Collector over session log directories.
type Tailer struct {
	cfg     Config
	cursors CursorSource
	metrics *metrics.Collector
	log     zerolog.Logger
	warn    *logging.Throttled

	resets chan chan error

	// owned by the Run goroutine
	files map[string]*fileState    // by file key
	known map[string]models.Cursor // persisted cursors by file key, highest epoch
	seen  map[string]struct{}      // keys found by the current scan
	now   func() time.Time
}

var _ collector.Collector = (*Tailer)(nil)

// New creates a tailer. Cursors are loaded when Run starts.
func New(cfg Config, cursors CursorSource, m *metrics.Collector, logger zerolog.Logger) *Tailer {
	if cfg.Pattern == "" {
		cfg.Pattern = "*.jsonl"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = 16 << 20
	}
	dirs := make([]string, 0, len(cfg.Dirs))
	for _, d := range cfg.Dirs {
		dirs = append(dirs, config.ExpandHome(d))
	}
	cfg.Dirs = dirs

	log := logger.With().Str("component", "tailer").Logger()
	return &Tailer{
		cfg:     cfg,
		cursors: cursors,
		metrics: m,
		log:     log,
		warn:    logging.NewThrottled(log, 10*time.Second, 5),
		resets:  make(chan chan error),
		files:   make(map[string]*fileState),
		known:   make(map[string]models.Cursor),
		now:     time.Now,
	}
}

// Name implements collector.Collector.
func (t *Tailer) Name() string { return "tailer" }

// Run scans the configured directories on every filesystem notification and
// on a poll ticker until ctx is done.
func (t *Tailer) Run(ctx context.Context, sink collector.Sink) error {
	if err := t.loadCursors(ctx); err != nil {
		return err
	}

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		t.log.Warn().Err(err).Msg("file watcher unavailable; polling only")
	} else {
		defer w.Close()
		for _, d := range t.cfg.Dirs {
			t.watchRecursive(w, d)
		}
		events, errs = w.Events, w.Errors
	}

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	if err := t.scan(ctx, sink); err != nil {
		return t.stopErr(ctx, err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := t.scan(ctx, sink); err != nil {
				return t.stopErr(ctx, err)
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					t.watchRecursive(w, ev.Name)
					if err := t.scan(ctx, sink); err != nil {
						return t.stopErr(ctx, err)
					}
					continue
				}
			}
			switch {
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				err = t.scan(ctx, sink)
			case ev.Has(fsnotify.Write), ev.Has(fsnotify.Create):
				if t.matches(ev.Name) {
					err = t.poll(ctx, sink, ev.Name)
				}
			}
			if err != nil {
				return t.stopErr(ctx, err)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			t.log.Warn().Err(err).Msg("file watcher error")
		case done := <-t.resets:
			t.reset()
			done <- t.scan(ctx, sink)
		}
	}
}

// stopErr reports a sink failure caused by shutdown as the cancellation.
func (t *Tailer) stopErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Reset forgets all progress and rereads every file from the start. Files keep
// their content epoch, including retired ones, so lines that are already
// stored produce the same source ids and dedupe. Reset waits for the rescan and requires Run to be active.
func (t *Tailer) Reset(ctx context.Context) error {
	done := make(chan error, 1)
	select {
	case t.resets <- done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tailer) reset() {
	for _, f := range t.files {
		f.cursor.ByteOffset = 0
		f.cursor.LastEventSourceID = ""
		f.cursor.State = models.ParseState{}
	}
	for key, c := range t.known {
		c.ByteOffset = 0
		c.LastEventSourceID = ""
		c.State = models.ParseState{}
		t.known[key] = c
	}
	t.log.Info().Int("files", len(t.files)).Msg("tailer reset to start of files")
}

func (t *Tailer) loadCursors(ctx context.Context) error {
	if t.cursors == nil {
		return nil
	}
	cursors, err := t.cursors.ListCursors(ctx)
	if err != nil {
		return fmt.Errorf("load cursors: %w", err)
	}
	for _, c := range cursors {
		key, epoch, ok := splitIdentity(c.FileIdentity)
		if !ok {
			continue
		}
		prev, exists := t.known[key]
		if exists {
			_, prevEpoch, _ := splitIdentity(prev.FileIdentity)
			if prevEpoch > epoch {
				continue
			}
		}
		t.known[key] = c
	}
	t.log.Debug().Int("cursors", len(cursors)).Msg("cursors loaded")
	return nil
}

func (t *Tailer) watchRecursive(w *fsnotify.Watcher, dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if err := w.Add(path); err != nil {
			t.log.Debug().Err(err).Str("dir", path).Msg("watch directory")
		}
		return nil
	})
}

func (t *Tailer) matches(path string) bool {
	ok, _ := filepath.Match(t.cfg.Pattern, filepath.Base(path))
	return ok
}

// scan polls every matching file and retires identities that disappeared.
func (t *Tailer) scan(ctx context.Context, sink collector.Sink) error {
	var paths []string
	for _, dir := range t.cfg.Dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				t.log.Debug().Err(err).Str("path", path).Msg("walk session dir")
				return nil
			}
			if !d.IsDir() && t.matches(path) {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("walk %s: %w", dir, err)
		}
	}
	sort.Strings(paths)

	t.seen = make(map[string]struct{}, len(paths))
	for _, p := range paths {
		if err := t.poll(ctx, sink, p); err != nil {
			return err
		}
	}
	for key, f := range t.files {
		if _, ok := t.seen[key]; ok {
			continue
		}
		if err := t.retire(ctx, sink, f); err != nil {
			return err
		}
		delete(t.files, key)
	}
	t.seen = nil
	t.metrics.FilesTailed.Set(float64(len(t.files)))
	return nil
}

// retire checkpoints a file that is gone as inactive. Its cursor is kept so a
// file reappearing under the same identity starts a new epoch.
func (t *Tailer) retire(ctx context.Context, sink collector.Sink, f *fileState) error {
	c := f.cursor
	c.Active = false
	c.UpdatedAt = t.now().UTC()
	t.known[f.key] = c
	t.log.Info().Str("path", c.Path).Str("identity", c.FileIdentity).Msg("file no longer present")
	return sink.Checkpoint(ctx, c)
}

// adopt returns the state for a file identity seen for the first time in this
// process.
func (t *Tailer) adopt(key, path string) *fileState {
	f := &fileState{key: key}
	if c, ok := t.known[key]; ok {
		_, epoch, _ := splitIdentity(c.FileIdentity)
		if c.Active {
			f.epoch = epoch
			f.cursor = c
			f.cursor.Path = path
			return f
		}
		f.epoch = epoch + 1
	}
	f.cursor = models.Cursor{FileIdentity: identity(key, f.epoch), Path: path, Active: true}
	return f
}

// poll reads whatever complete lines were appended to path since its cursor.
func (t *Tailer) poll(ctx context.Context, sink collector.Sink, path string) error {
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return nil
	}
	key := fileKey(path, fi)
	if t.seen != nil {
		t.seen[key] = struct{}{}
	}
	f, ok := t.files[key]
	if !ok {
		f = t.adopt(key, path)
		t.files[key] = f
		t.log.Debug().Str("path", path).Str("identity", f.cursor.FileIdentity).
			Int64("offset", f.cursor.ByteOffset).Msg("tailing file")
	}
	f.cursor.Path = path

	if fi.Size() < f.cursor.ByteOffset {
		old := f.cursor
		old.Active = false
		old.UpdatedAt = t.now().UTC()
		if err := sink.Checkpoint(ctx, old); err != nil {
			return err
		}
		f.epoch++
		f.cursor = models.Cursor{FileIdentity: identity(key, f.epoch), Path: path, Active: true}
		t.log.Info().Str("path", path).Int64("size", fi.Size()).Int64("offset", old.ByteOffset).
			Str("identity", f.cursor.FileIdentity).Msg("file truncated; starting new epoch")
	}
	if fi.Size() == f.cursor.ByteOffset {
		return nil
	}
	return t.read(ctx, sink, f, fi.Size())
}

// read consumes complete lines between the cursor and size and checkpoints the
// cursor after them. A trailing partial line is left for the next poll.
func (t *Tailer) read(ctx context.Context, sink collector.Sink, f *fileState, size int64) error {
	file, err := os.Open(f.cursor.Path)
	if err != nil {
		t.log.Warn().Err(err).Str("path", f.cursor.Path).Msg("open session file")
		return nil
	}
	defer file.Close()
	if _, err := file.Seek(f.cursor.ByteOffset, io.SeekStart); err != nil {
		t.log.Warn().Err(err).Str("path", f.cursor.Path).Msg("seek session file")
		return nil
	}

	r := bufio.NewReaderSize(io.LimitReader(file, size-f.cursor.ByteOffset), readBufSize)
	start := f.cursor.ByteOffset
	advanced := false
	var sendErr error
	for {
		line, n, tooLong, err := nextLine(r, t.cfg.MaxLineBytes)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.log.Warn().Err(err).Str("path", f.cursor.Path).Msg("read session file")
			}
			break
		}

		state := f.cursor.State
		if tooLong {
			t.malformed(f, start, fmt.Errorf("line exceeds %d bytes", t.cfg.MaxLineBytes))
		} else if rec, err := parseLine(line, &state); err != nil {
			t.malformed(f, start, err)
		} else if rec != nil {
			id := sourceID(f.key, f.epoch, start)
			e := models.UsageEvent{
				SourceID:           id,
				Timestamp:          rec.ts,
				Model:              rec.model,
				PromptTokens:       rec.prompt,
				CachedPromptTokens: rec.cached,
				CompletionTokens:   rec.completion,
			}
			if sendErr = sink.Send(ctx, e); sendErr != nil {
				break
			}
			f.cursor.LastEventSourceID = id
		}
		f.cursor.State = state
		start += n
		f.cursor.ByteOffset = start
		advanced = true
	}

	if !advanced {
		return sendErr
	}
	c := f.cursor
	c.UpdatedAt = t.now().UTC()
	if err := sink.Checkpoint(ctx, c); err != nil && sendErr == nil {
		sendErr = err
	}
	return sendErr
}

func (t *Tailer) malformed(f *fileState, offset int64, err error) {
	t.metrics.MalformedRecords.WithLabelValues(t.Name()).Inc()
	t.warn.Warn().Err(err).Str("path", f.cursor.Path).Int64("offset", offset).Msg("malformed record skipped")
}

// nextLine returns the next newline-terminated line without its terminator
// and the number of bytes it occupied. A line longer than limit is consumed and
// reported as tooLong without being buffered. err is io.EOF when only a
// partial line remains.
func nextLine(r *bufio.Reader, limit int) (line []byte, n int64, tooLong bool, err error) {
	for {
		frag, err := r.ReadSlice('\n')
		n += int64(len(frag))
		if !tooLong {
			if len(line)+len(frag) > limit+1 {
				tooLong = true
				line = nil
			} else {
				line = append(line, frag...)
			}
		}
		switch {
		case err == nil:
			if tooLong {
				return nil, n, true, nil
			}
			return trimEOL(line), n, false, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return nil, n, false, err
		}
	}
}

func trimEOL(b []byte) []byte {
	b = b[:len(b)-1]
	if len(b) > 0 && b[len(b)-1] == '\r' {
		b = b[:len(b)-1]
	}
	return b
}
