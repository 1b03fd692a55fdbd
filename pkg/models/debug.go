package models

import "time"

// DebugEntry is one proxied request/response pair captured by the debug logger.
type DebugEntry struct {
	RequestID       string            `json:"request_id"`
	Method          string            `json:"method"`
	Path            string            `json:"path"`
	Model           string            `json:"model,omitempty"`
	StatusCode      int               `json:"status_code"`
	RequestHeaders  map[string]string `json:"request_headers,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	RequestBody     string            `json:"request_body,omitempty"`
	ResponseBody    string            `json:"response_body,omitempty"`
	Truncated       bool              `json:"truncated,omitempty"`
	LatencyMs       int64             `json:"latency_ms"`
	CreatedAt       time.Time         `json:"created_at"`
}

// DebugConfig controls the request/response debug logger.
type DebugConfig struct {
	Enabled       bool     `yaml:"enabled" toml:"enabled"`
	Dir           string   `yaml:"dir" toml:"dir"`
	QueueSize     int      `yaml:"queue_size" toml:"queue_size"`
	MaxBodySize   int      `yaml:"max_body_size" toml:"max_body_size"` // bytes
	RetentionDays int      `yaml:"retention_days" toml:"retention_days"`
	RedactHeaders []string `yaml:"redact_headers" toml:"redact_headers"`
}

// DebugQueryOpts specifies filters for reading back debug entries.
type DebugQueryOpts struct {
	RequestID string
	Model     string
	Since     time.Time
	Limit     int
}
