package proxy

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/pario-ai/tokmeter/pkg/models"
)

// Extraction outcomes, used as metric labels.
const (
	outcomeOK         = "ok"
	outcomeNoUsage    = "no_usage"
	outcomeOverflow   = "overflow"
	outcomeIncomplete = "incomplete"
	outcomeStatus     = "non_2xx"
)

// usage is what a completed response reported.
type usage struct {
	model      string
	prompt     int64
	cached     int64
	completion int64
}

// captureBody tees a response body into a bounded buffer while it is copied
// to the client. Once the cap is hit capturing stops, the copy does not.
type captureBody struct {
	rc    io.ReadCloser
	limit int64

	buf      bytes.Buffer
	overflow bool
	eof      bool
	readErr  error

	once    sync.Once
	onClose func(c *captureBody)
}

func (c *captureBody) Read(p []byte) (int, error) {
	n, err := c.rc.Read(p)
	if n > 0 && !c.overflow {
		if int64(c.buf.Len()+n) > c.limit {
			c.overflow = true
			c.buf = bytes.Buffer{}
		} else {
			c.buf.Write(p[:n])
		}
	}
	switch {
	case errors.Is(err, io.EOF):
		c.eof = true
	case err != nil:
		c.readErr = err
	}
	return n, err
}

func (c *captureBody) Close() error {
	err := c.rc.Close()
	c.once.Do(func() { c.onClose(c) })
	return err
}

// extractUsage reads usage from a captured body and reports the outcome. SSE
// bodies are scanned event by event and the last usage-bearing event wins. A
// gzip body may decompress to at most limit bytes.
func extractUsage(body []byte, contentType, contentEncoding string, limit int64) (usage, string) {
	if strings.EqualFold(strings.TrimSpace(contentEncoding), "gzip") {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return usage{}, outcomeNoUsage
		}
		plain, err := io.ReadAll(io.LimitReader(zr, limit+1))
		if err != nil {
			return usage{}, outcomeNoUsage
		}
		if int64(len(plain)) > limit {
			return usage{}, outcomeOverflow
		}
		body = plain
	}

	var (
		u  usage
		ok bool
	)
	if isEventStream(contentType) {
		u, ok = usageFromSSE(body)
	} else {
		var resp models.WireResponse
		if err := json.Unmarshal(body, &resp); err == nil {
			u, ok = fromWire(resp.Model, resp.Usage)
		}
	}
	if !ok {
		return usage{}, outcomeNoUsage
	}
	return u, outcomeOK
}

func isEventStream(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/event-stream")
}

func fromWire(model string, u *models.WireUsage) (usage, bool) {
	p, c, o, ok := u.Counts()
	if !ok {
		return usage{}, false
	}
	return usage{model: model, prompt: p, cached: c, completion: o}, true
}

func usageFromSSE(body []byte) (usage, bool) {
	body = bytes.ReplaceAll(body, []byte("\r\n"), []byte("\n"))
	var (
		found usage
		ok    bool
	)
	for _, event := range bytes.Split(body, []byte("\n\n")) {
		payload := ssePayload(event)
		if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
			continue
		}
		var ev models.WireStreamEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			continue
		}
		switch {
		case ev.Type == "response.completed" && ev.Response != nil:
			if u, got := fromWire(ev.Response.Model, ev.Response.Usage); got {
				found, ok = u, true
			}
		case ev.Usage != nil:
			if u, got := fromWire(ev.Model, ev.Usage); got {
				found, ok = u, true
			}
		}
	}
	return found, ok
}

// ssePayload joins the data lines of one SSE event.
func ssePayload(event []byte) []byte {
	var out []byte
	for _, line := range bytes.Split(event, []byte("\n")) {
		rest, found := bytes.CutPrefix(line, []byte("data:"))
		if !found {
			continue
		}
		if len(out) > 0 {
			out = append(out, '\n')
		}
		out = append(out, bytes.TrimLeft(rest, " ")...)
	}
	return out
}

// requestTee keeps the first limit bytes of a request body while the
// transport streams it upstream. The transport may still be reading when the
// response completes, hence the lock.
type requestTee struct {
	rc    io.ReadCloser
	limit int64

	mu       sync.Mutex
	buf      bytes.Buffer
	overflow bool
}

func (t *requestTee) Read(p []byte) (int, error) {
	n, err := t.rc.Read(p)
	if n > 0 {
		t.mu.Lock()
		if !t.overflow {
			if int64(t.buf.Len()+n) > t.limit {
				t.overflow = true
				t.buf.Write(p[:t.limit-int64(t.buf.Len())])
			} else {
				t.buf.Write(p[:n])
			}
		}
		t.mu.Unlock()
	}
	return n, err
}

func (t *requestTee) Close() error { return t.rc.Close() }

// snapshot returns a copy of the captured head and whether the body was longer.
func (t *requestTee) snapshot() ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return bytes.Clone(t.buf.Bytes()), t.overflow
}

// modelHint returns the model named in the request, or "" when the body was
// not captured whole.
func (t *requestTee) modelHint() string {
	head, overflow := t.snapshot()
	if overflow {
		return ""
	}
	return modelHint(head)
}

// modelHint returns the model named in a JSON request body, if any.
func modelHint(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var req models.WireRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return ""
	}
	return req.Model
}
