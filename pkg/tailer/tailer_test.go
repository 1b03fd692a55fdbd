package tailer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/tokmeter/pkg/collector"
	"github.com/pario-ai/tokmeter/pkg/metrics"
	"github.com/pario-ai/tokmeter/pkg/models"
)

type recordingSink struct {
	mu      sync.Mutex
	events  []models.UsageEvent
	cursors []models.Cursor
}

func (s *recordingSink) Send(_ context.Context, e models.UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) Checkpoint(_ context.Context, c models.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors = append(s.cursors, c)
	return nil
}

func (s *recordingSink) snapshot() ([]models.UsageEvent, []models.Cursor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.UsageEvent(nil), s.events...), append([]models.Cursor(nil), s.cursors...)
}

func (s *recordingSink) lastCursor(t *testing.T) models.Cursor {
	t.Helper()
	_, cs := s.snapshot()
	require.NotEmpty(t, cs)
	return cs[len(cs)-1]
}

type staticCursors []models.Cursor

func (c staticCursors) ListCursors(context.Context) ([]models.Cursor, error) { return c, nil }

func newTestTailer(t *testing.T, dir string, cursors CursorSource) (*Tailer, *metrics.Collector) {
	t.Helper()
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	tl := New(Config{Dirs: []string{dir}, PollInterval: 50 * time.Millisecond}, cursors, m, zerolog.Nop())
	require.NoError(t, tl.loadCursors(context.Background()))
	return tl, m
}

func transcriptLine(i int) string {
	return fmt.Sprintf(`{"type":"assistant","timestamp":"2025-03-01T10:00:%02dZ","sessionId":"s1",`+
		`"message":{"id":"msg_%d","model":"claude-sonnet-4","usage":{"input_tokens":10,"output_tokens":5,"cache_read_input_tokens":2}}}`, i, i)
}

func appendFile(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestResumeWithoutGapOrDuplicate(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")

	var complete strings.Builder
	for i := 1; i <= 10; i++ {
		complete.WriteString(transcriptLine(i) + "\n")
	}
	line11 := transcriptLine(11)
	appendFile(t, path, complete.String()+line11[:20])

	first := &recordingSink{}
	tl, _ := newTestTailer(t, dir, nil)
	require.NoError(t, tl.scan(ctx, first))

	events, _ := first.snapshot()
	require.Len(t, events, 10)
	cur := first.lastCursor(t)
	assert.Equal(t, int64(complete.Len()), cur.ByteOffset, "partial line must not advance the cursor")
	assert.True(t, cur.Active)
	assert.Equal(t, events[9].SourceID, cur.LastEventSourceID)

	// Restart from the persisted cursor after the partial line completes.
	appendFile(t, path, line11[20:]+"\n"+transcriptLine(12)+"\n")
	second := &recordingSink{}
	tl2, _ := newTestTailer(t, dir, staticCursors{cur})
	require.NoError(t, tl2.scan(ctx, second))

	more, _ := second.snapshot()
	require.Len(t, more, 2)
	assert.Equal(t, time.Date(2025, 3, 1, 10, 0, 11, 0, time.UTC), more[0].Timestamp)
	assert.Equal(t, time.Date(2025, 3, 1, 10, 0, 12, 0, time.UTC), more[1].Timestamp)

	ids := make(map[string]bool)
	for _, e := range append(events, more...) {
		assert.False(t, ids[e.SourceID], "duplicate source id %s", e.SourceID)
		ids[e.SourceID] = true
	}
	assert.Len(t, ids, 12)
}

func TestTranscriptUsage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "claude.jsonl")
	appendFile(t, path, strings.Join([]string{
		`{"type":"user","timestamp":"2025-03-01T10:00:00Z","message":{"role":"user","content":"hi"}}`,
		transcriptLine(1),
		transcriptLine(1), // same message repeated for another content block
		`{"type":"assistant","timestamp":"2025-03-01T10:00:03Z","isApiErrorMessage":true,"message":{"id":"msg_err","model":"claude-sonnet-4","usage":{"input_tokens":1,"output_tokens":1}}}`,
		`{"type":"assistant","timestamp":"2025-03-01T10:00:04Z","message":{"id":"msg_syn","model":"<synthetic>","usage":{"input_tokens":0,"output_tokens":0}}}`,
	}, "\n")+"\n")

	sink := &recordingSink{}
	tl, _ := newTestTailer(t, dir, nil)
	require.NoError(t, tl.scan(context.Background(), sink))

	events, _ := sink.snapshot()
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, "claude-sonnet-4", e.Model)
	assert.Equal(t, int64(12), e.PromptTokens)
	assert.Equal(t, int64(2), e.CachedPromptTokens)
	assert.Equal(t, int64(5), e.CompletionTokens)
	assert.True(t, strings.HasPrefix(e.SourceID, "tail:"))
}

func TestRolloutDeltas(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rollout.jsonl")
	tc := func(ts string, in, cached, out int64) string {
		return fmt.Sprintf(`{"timestamp":"%s","type":"event_msg","payload":{"type":"token_count","info":{"total_token_usage":`+
			`{"input_tokens":%d,"cached_input_tokens":%d,"output_tokens":%d,"total_tokens":%d}}}}`, ts, in, cached, out, in+out)
	}
	appendFile(t, path, strings.Join([]string{
		`{"timestamp":"2025-03-01T09:59:59.000Z","type":"session_meta","payload":{"id":"sess-1"}}`,
		`{"timestamp":"2025-03-01T10:00:00.000Z","type":"turn_context","payload":{"model":"gpt-5.1-codex"}}`,
		`{"timestamp":"2025-03-01T10:00:01.000Z","type":"event_msg","payload":{"type":"user_message","message":"go"}}`,
		tc("2025-03-01T10:00:05.000Z", 100, 20, 10),
		tc("2025-03-01T10:00:06.000Z", 100, 20, 10),
		tc("2025-03-01T10:00:10.000Z", 250, 50, 30),
		tc("2025-03-01T10:00:20.000Z", 40, 0, 5),
		tc("2025-03-01T10:00:30.000Z", 60, 0, 9),
	}, "\n")+"\n")

	sink := &recordingSink{}
	tl, _ := newTestTailer(t, dir, nil)
	require.NoError(t, tl.scan(context.Background(), sink))

	events, _ := sink.snapshot()
	require.Len(t, events, 3)
	for _, e := range events {
		assert.Equal(t, "gpt-5.1-codex", e.Model)
	}
	assert.Equal(t, []int64{100, 20, 10}, []int64{events[0].PromptTokens, events[0].CachedPromptTokens, events[0].CompletionTokens})
	assert.Equal(t, []int64{150, 30, 20}, []int64{events[1].PromptTokens, events[1].CachedPromptTokens, events[1].CompletionTokens})
	assert.Equal(t, []int64{20, 0, 4}, []int64{events[2].PromptTokens, events[2].CachedPromptTokens, events[2].CompletionTokens})

	state := sink.lastCursor(t).State
	assert.Equal(t, "sess-1", state.SessionID)
	assert.Equal(t, int64(60), state.Committed.Input)
}

func TestRolloutStateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "rollout.jsonl")
	head := `{"timestamp":"2025-03-01T10:00:00Z","type":"turn_context","payload":{"model":"gpt-4.1"}}` + "\n" +
		`{"timestamp":"2025-03-01T10:00:05Z","type":"event_msg","payload":{"type":"token_count","info":{"total_token_usage":{"input_tokens":100,"cached_input_tokens":0,"output_tokens":10,"total_tokens":110}}}}` + "\n"
	appendFile(t, path, head)

	first := &recordingSink{}
	tl, _ := newTestTailer(t, dir, nil)
	require.NoError(t, tl.scan(ctx, first))

	appendFile(t, path, `{"timestamp":"2025-03-01T10:01:00Z","type":"event_msg","payload":{"type":"token_count","info":{"total_token_usage":{"input_tokens":160,"cached_input_tokens":0,"output_tokens":25,"total_tokens":185}}}}`+"\n")
	second := &recordingSink{}
	tl2, _ := newTestTailer(t, dir, staticCursors{first.lastCursor(t)})
	require.NoError(t, tl2.scan(ctx, second))

	events, _ := second.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, "gpt-4.1", events[0].Model)
	assert.Equal(t, int64(60), events[0].PromptTokens)
	assert.Equal(t, int64(15), events[0].CompletionTokens)
}

func TestMalformedLinesSkipped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.jsonl")
	appendFile(t, path, transcriptLine(1)+"\nnot json\n"+`{"type":"assistant","message":{"id":"m","model":"x","usage":{"input_tokens":1}}}`+"\n"+transcriptLine(2)+"\n")

	sink := &recordingSink{}
	tl, m := newTestTailer(t, dir, nil)
	require.NoError(t, tl.scan(context.Background(), sink))

	events, _ := sink.snapshot()
	assert.Len(t, events, 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MalformedRecords.WithLabelValues("tailer")))

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, fi.Size(), sink.lastCursor(t).ByteOffset)
}

func TestTruncationStartsNewEpoch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	appendFile(t, path, transcriptLine(1)+"\n"+transcriptLine(2)+"\n"+transcriptLine(3)+"\n")

	sink := &recordingSink{}
	tl, _ := newTestTailer(t, dir, nil)
	require.NoError(t, tl.scan(ctx, sink))
	before := sink.lastCursor(t)

	require.NoError(t, os.WriteFile(path, []byte(transcriptLine(9)+"\n"), 0o644))
	require.NoError(t, tl.scan(ctx, sink))

	events, cursors := sink.snapshot()
	require.Len(t, events, 4)
	assert.Equal(t, events[0].SourceID, strings.Replace(events[3].SourceID, "-1:", "-0:", 1),
		"new epoch reuses offset 0 under a different source id")
	assert.NotEqual(t, events[0].SourceID, events[3].SourceID)

	var retired *models.Cursor
	for i := range cursors {
		if cursors[i].FileIdentity == before.FileIdentity && !cursors[i].Active {
			retired = &cursors[i]
		}
	}
	require.NotNil(t, retired, "old identity must be kept as inactive")
	assert.Equal(t, before.ByteOffset, retired.ByteOffset)

	now := sink.lastCursor(t)
	assert.True(t, now.Active)
	assert.NotEqual(t, before.FileIdentity, now.FileIdentity)
}

func TestRotationRetiresOldIdentity(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	appendFile(t, path, transcriptLine(1)+"\n"+transcriptLine(2)+"\n")

	sink := &recordingSink{}
	tl, m := newTestTailer(t, dir, nil)
	require.NoError(t, tl.scan(ctx, sink))
	before := sink.lastCursor(t)

	require.NoError(t, os.Rename(path, path+".1"))
	appendFile(t, path, transcriptLine(3)+"\n")
	require.NoError(t, tl.scan(ctx, sink))

	events, cursors := sink.snapshot()
	require.Len(t, events, 3)
	assert.NotEqual(t, before.FileIdentity, sink.lastCursor(t).FileIdentity)

	retired := false
	for _, c := range cursors {
		if c.FileIdentity == before.FileIdentity && !c.Active {
			retired = true
		}
	}
	assert.True(t, retired)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FilesTailed))
}

func TestResetRereadsWithSameSourceIDs(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	appendFile(t, filepath.Join(dir, "session.jsonl"), transcriptLine(1)+"\n"+transcriptLine(2)+"\n")

	sink := &recordingSink{}
	tl, _ := newTestTailer(t, dir, nil)
	require.NoError(t, tl.scan(ctx, sink))
	tl.reset()
	require.NoError(t, tl.scan(ctx, sink))

	events, _ := sink.snapshot()
	require.Len(t, events, 4)
	assert.Equal(t, events[0].SourceID, events[2].SourceID)
	assert.Equal(t, events[1].SourceID, events[3].SourceID)
}

func TestRunFollowsAppends(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "live.jsonl")
	appendFile(t, path, transcriptLine(1)+"\n")

	sink := &recordingSink{}
	tl, _ := newTestTailer(t, dir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- collector.Run(ctx, tl, sink) }()

	count := func() int {
		events, _ := sink.snapshot()
		return len(events)
	}
	require.Eventually(t, func() bool { return count() == 1 }, 5*time.Second, 10*time.Millisecond)

	appendFile(t, path, transcriptLine(2)+"\n")
	require.Eventually(t, func() bool { return count() == 2 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, tl.Reset(ctx))
	events, _ := sink.snapshot()
	require.Len(t, events, 4)
	assert.Equal(t, events[0].SourceID, events[2].SourceID)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("tailer did not stop")
	}
}

func TestMissingDirIsNotAnError(t *testing.T) {
	sink := &recordingSink{}
	tl, _ := newTestTailer(t, filepath.Join(t.TempDir(), "absent"), nil)
	require.NoError(t, tl.scan(context.Background(), sink))
	events, _ := sink.snapshot()
	assert.Empty(t, events)
}

func TestNextLine(t *testing.T) {
	r := bufio.NewReaderSize(strings.NewReader("aaaaaaaaaa\nbb\r\ncc"), 16)

	line, n, tooLong, err := nextLine(r, 4)
	require.NoError(t, err)
	assert.True(t, tooLong)
	assert.Nil(t, line)
	assert.Equal(t, int64(11), n)

	line, n, tooLong, err = nextLine(r, 4)
	require.NoError(t, err)
	assert.False(t, tooLong)
	assert.Equal(t, "bb", string(line))
	assert.Equal(t, int64(4), n)

	_, _, _, err = nextLine(r, 4)
	assert.ErrorIs(t, err, io.EOF)
}

func TestIdentityRoundTrip(t *testing.T) {
	key, epoch, ok := splitIdentity(identity("64768-1234", 3))
	require.True(t, ok)
	assert.Equal(t, "64768-1234", key)
	assert.Equal(t, 3, epoch)

	_, _, ok = splitIdentity("no-epoch")
	assert.False(t, ok)
}

func TestSessionMetaKeepsBaseline(t *testing.T) {
	tc := func(in, out int64) string {
		return fmt.Sprintf(`{"timestamp":"2025-03-01T10:00:05Z","type":"event_msg","payload":{"type":"token_count","info":{"total_token_usage":`+
			`{"input_tokens":%d,"cached_input_tokens":0,"output_tokens":%d,"total_tokens":%d}}}}`, in, out, in+out)
	}
	lines := []string{
		`{"timestamp":"2025-03-01T10:00:00Z","type":"session_meta","payload":{"id":"sess-a"}}`,
		`{"timestamp":"2025-03-01T10:00:01Z","type":"turn_context","payload":{"model":"gpt-5"}}`,
		tc(1000, 100),
		`{"timestamp":"2025-03-01T10:00:06Z","type":"session_meta","payload":{"id":"sess-b"}}`,
		tc(1200, 120),
	}

	var st models.ParseState
	var prompt, completion int64
	for _, l := range lines {
		rec, err := parseLine([]byte(l), &st)
		require.NoError(t, err)
		if rec != nil {
			prompt += rec.prompt
			completion += rec.completion
		}
	}
	assert.Equal(t, int64(1200), prompt, "rising counters across session_meta must not be emitted twice")
	assert.Equal(t, int64(120), completion)
	assert.Equal(t, "sess-b", st.SessionID)
}
