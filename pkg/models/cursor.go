package models

import "time"

// ParseState is the per-file parser state the tailer needs to resume a file
// mid-stream. Session logs report cumulative token totals, so the last
// committed totals must survive a restart.
type ParseState struct {
	Model         string     `json:"model,omitempty"`
	SessionID     string     `json:"session_id,omitempty"`
	Committed     TokenTotal `json:"committed"`
	Seen          TokenTotal `json:"seen"`
	LastMessageID string     `json:"last_message_id,omitempty"` // transcript dedupe
}

// TokenTotal is a cumulative token count snapshot.
type TokenTotal struct {
	Input       int64 `json:"input"`
	CachedInput int64 `json:"cached_input"`
	Output      int64 `json:"output"`
	Total       int64 `json:"total"`
}

// Cursor records how far the tailer has consumed one file identity.
type Cursor struct {
	FileIdentity      string     `json:"file_identity"`
	Path              string     `json:"path"`
	ByteOffset        int64      `json:"byte_offset"`
	LastEventSourceID string     `json:"last_event_source_id,omitempty"`
	State             ParseState `json:"state"`
	Active            bool       `json:"active"`
	UpdatedAt         time.Time  `json:"updated_at"`
}
