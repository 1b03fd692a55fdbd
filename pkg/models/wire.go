package models

import "encoding/json"

// WireUsage is the usage object found in upstream responses. Chat completions
// report prompt/completion tokens, the Responses API reports input/output
// tokens; both spellings are accepted.
type WireUsage struct {
	PromptTokens        *int64        `json:"prompt_tokens,omitempty"`
	InputTokens         *int64        `json:"input_tokens,omitempty"`
	CompletionTokens    *int64        `json:"completion_tokens,omitempty"`
	OutputTokens        *int64        `json:"output_tokens,omitempty"`
	TotalTokens         *int64        `json:"total_tokens,omitempty"`
	PromptTokensDetails *TokenDetails `json:"prompt_tokens_details,omitempty"`
	InputTokensDetails  *TokenDetails `json:"input_tokens_details,omitempty"`
}

// TokenDetails carries the cached token breakdown.
type TokenDetails struct {
	CachedTokens *int64 `json:"cached_tokens,omitempty"`
}

// Counts returns prompt, cached and completion tokens. Cached tokens are
// capped at the prompt count. ok is false when neither prompt nor completion
// counts are present.
func (u *WireUsage) Counts() (prompt, cached, completion int64, ok bool) {
	if u == nil {
		return 0, 0, 0, false
	}
	p, hasP := firstOf(u.PromptTokens, u.InputTokens)
	c, hasC := firstOf(u.CompletionTokens, u.OutputTokens)
	if !hasP && !hasC {
		return 0, 0, 0, false
	}
	if !hasC && u.TotalTokens != nil && *u.TotalTokens >= p {
		c = *u.TotalTokens - p
	}
	var cachedPtr *int64
	if u.PromptTokensDetails != nil {
		cachedPtr = u.PromptTokensDetails.CachedTokens
	}
	if cachedPtr == nil && u.InputTokensDetails != nil {
		cachedPtr = u.InputTokensDetails.CachedTokens
	}
	if cachedPtr != nil {
		cached = min(*cachedPtr, p)
	}
	if p < 0 || c < 0 || cached < 0 {
		return 0, 0, 0, false
	}
	return p, cached, c, true
}

func firstOf(vals ...*int64) (int64, bool) {
	for _, v := range vals {
		if v != nil {
			return *v, true
		}
	}
	return 0, false
}

// WireResponse is the subset of a JSON completion response that carries usage.
type WireResponse struct {
	ID    string     `json:"id,omitempty"`
	Model string     `json:"model,omitempty"`
	Usage *WireUsage `json:"usage,omitempty"`
}

// WireStreamEvent is one SSE data payload. Responses API events carry the
// final response under "response" on type "response.completed"; chat chunks
// carry usage at the top level.
type WireStreamEvent struct {
	Type     string        `json:"type,omitempty"`
	Model    string        `json:"model,omitempty"`
	Usage    *WireUsage    `json:"usage,omitempty"`
	Response *WireResponse `json:"response,omitempty"`
}

// WireRequest is the subset of a request body used as a model fallback.
type WireRequest struct {
	Model string `json:"model,omitempty"`
}

// RolloutLine is one line of a Codex-style session rollout file.
type RolloutLine struct {
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// RolloutSessionMeta is the payload of a session_meta line.
type RolloutSessionMeta struct {
	ID string `json:"id"`
}

// RolloutTurnContext is the payload of a turn_context line.
type RolloutTurnContext struct {
	Model string `json:"model"`
}

// RolloutEventMsg is the payload of an event_msg line.
type RolloutEventMsg struct {
	Type string       `json:"type"`
	Info *RolloutInfo `json:"info,omitempty"`
}

// RolloutInfo holds the cumulative usage of a token_count event.
type RolloutInfo struct {
	TotalTokenUsage *RolloutTokenUsage `json:"total_token_usage,omitempty"`
	LastTokenUsage  *RolloutTokenUsage `json:"last_token_usage,omitempty"`
}

// RolloutTokenUsage is a cumulative token snapshot in a rollout file.
type RolloutTokenUsage struct {
	InputTokens       int64 `json:"input_tokens"`
	CachedInputTokens int64 `json:"cached_input_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
	TotalTokens       int64 `json:"total_tokens"`
}

// ToTotal converts a rollout snapshot into a TokenTotal.
func (u RolloutTokenUsage) ToTotal() TokenTotal {
	return TokenTotal{
		Input:       u.InputTokens,
		CachedInput: u.CachedInputTokens,
		Output:      u.OutputTokens,
		Total:       u.TotalTokens,
	}
}

// TranscriptLine is one line of a Claude-style session transcript.
type TranscriptLine struct {
	Type              string             `json:"type"`
	Timestamp         string             `json:"timestamp"`
	UUID              string             `json:"uuid,omitempty"`
	SessionID         string             `json:"sessionId,omitempty"`
	IsAPIErrorMessage bool               `json:"isApiErrorMessage,omitempty"`
	Message           *TranscriptMessage `json:"message,omitempty"`
}

// TranscriptMessage is the assistant message of a transcript line.
type TranscriptMessage struct {
	ID    string           `json:"id,omitempty"`
	Model string           `json:"model"`
	Usage *TranscriptUsage `json:"usage,omitempty"`
}

// TranscriptUsage holds token counts of a transcript message.
type TranscriptUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
}
