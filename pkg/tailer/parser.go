package tailer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pario-ai/tokmeter/pkg/models"
)

// record is the usage extracted from one log line.
type record struct {
	ts         time.Time
	model      string
	prompt     int64
	cached     int64
	completion int64
}

// probe is decoded first to tell the two session log formats apart.
type probe struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Message json.RawMessage `json:"message"`
}

var errNoTimestamp = errors.New("missing or invalid timestamp")

// parseLine turns one complete line into zero or one record, updating st.
// Lines that are not usage-bearing return nil without error. Only lines that
// cannot be decoded at all are errors.
func parseLine(line []byte, st *models.ParseState) (*record, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, nil
	}
	var p probe
	if err := json.Unmarshal(line, &p); err != nil {
		return nil, fmt.Errorf("decode line: %w", err)
	}
	switch {
	case len(p.Payload) > 0:
		return parseRollout(line, p.Type, st)
	case p.Type == "assistant" && len(p.Message) > 0:
		return parseTranscript(line, st)
	}
	return nil, nil
}

func parseRollout(line []byte, kind string, st *models.ParseState) (*record, error) {
	var rl models.RolloutLine
	if err := json.Unmarshal(line, &rl); err != nil {
		return nil, fmt.Errorf("decode rollout line: %w", err)
	}

	switch kind {
	case "session_meta":
		var meta models.RolloutSessionMeta
		if err := json.Unmarshal(rl.Payload, &meta); err != nil {
			return nil, fmt.Errorf("decode session_meta: %w", err)
		}
		// Counters that restart with the session are caught by decreased.
		if meta.ID != "" {
			st.SessionID = meta.ID
		}
		return nil, nil
	case "turn_context":
		var tc models.RolloutTurnContext
		if err := json.Unmarshal(rl.Payload, &tc); err != nil {
			return nil, fmt.Errorf("decode turn_context: %w", err)
		}
		if tc.Model != "" {
			st.Model = tc.Model
		}
		return nil, nil
	case "event_msg":
	default:
		return nil, nil
	}

	var msg models.RolloutEventMsg
	if err := json.Unmarshal(rl.Payload, &msg); err != nil {
		return nil, fmt.Errorf("decode event_msg: %w", err)
	}
	if msg.Type != "token_count" || msg.Info == nil || msg.Info.TotalTokenUsage == nil {
		return nil, nil
	}
	return tokenCount(msg.Info.TotalTokenUsage.ToTotal(), rl.Timestamp, st)
}

// tokenCount turns a cumulative snapshot into the delta since the last
// committed one. A counter going backwards resets the baseline silently.
// Deltas seen before the model is known stay uncommitted and are emitted with
// the first snapshot after it.
func tokenCount(totals models.TokenTotal, ts string, st *models.ParseState) (*record, error) {
	if decreased(totals, st.Seen) {
		st.Seen = totals
		st.Committed = totals
		return nil, nil
	}
	if totals == st.Seen {
		return nil, nil
	}
	st.Seen = totals
	if st.Model == "" {
		return nil, nil
	}

	delta := models.TokenTotal{
		Input:       max(totals.Input-st.Committed.Input, 0),
		CachedInput: max(totals.CachedInput-st.Committed.CachedInput, 0),
		Output:      max(totals.Output-st.Committed.Output, 0),
		Total:       max(totals.Total-st.Committed.Total, 0),
	}
	if delta == (models.TokenTotal{}) {
		return nil, nil
	}
	at, ok := parseTime(ts)
	if !ok {
		return nil, errNoTimestamp
	}
	st.Committed = totals

	completion := delta.Output
	if completion == 0 && delta.Total > delta.Input {
		completion = delta.Total - delta.Input
	}
	return &record{
		ts:         at,
		model:      st.Model,
		prompt:     delta.Input,
		cached:     min(delta.CachedInput, delta.Input),
		completion: completion,
	}, nil
}

func decreased(cur, prev models.TokenTotal) bool {
	return cur.Input < prev.Input ||
		cur.CachedInput < prev.CachedInput ||
		cur.Output < prev.Output ||
		cur.Total < prev.Total
}

func parseTranscript(line []byte, st *models.ParseState) (*record, error) {
	var tl models.TranscriptLine
	if err := json.Unmarshal(line, &tl); err != nil {
		return nil, fmt.Errorf("decode transcript line: %w", err)
	}
	if tl.IsAPIErrorMessage || tl.Message == nil || tl.Message.Usage == nil {
		return nil, nil
	}
	m := tl.Message
	if m.Model == "" || m.Model == "<synthetic>" {
		return nil, nil
	}
	if m.ID != "" && m.ID == st.LastMessageID {
		return nil, nil
	}
	if tl.SessionID != "" {
		st.SessionID = tl.SessionID
	}
	st.Model = m.Model

	u := m.Usage
	prompt := u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens
	if prompt == 0 && u.OutputTokens == 0 {
		return nil, nil
	}
	at, ok := parseTime(tl.Timestamp)
	if !ok {
		return nil, errNoTimestamp
	}
	st.LastMessageID = m.ID
	return &record{
		ts:         at,
		model:      m.Model,
		prompt:     prompt,
		cached:     u.CacheReadInputTokens,
		completion: u.OutputTokens,
	}, nil
}

func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
