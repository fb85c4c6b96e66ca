package stats

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPTransport queries the stats interface over the data plane's HTTP
// management endpoint.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTransport builds the HTTP transport. A zero timeout defaults to 5s.
func NewHTTPTransport(baseURL string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (t *HTTPTransport) Name() string { return "http" }

type statQueryRequest struct {
	Pattern string `json:"pattern"`
	Reset   bool   `json:"reset"`
}

func (t *HTTPTransport) QueryStat(ctx context.Context, pattern string, reset bool) (Result, error) {
	body, err := json.Marshal(statQueryRequest{Pattern: pattern, Reset: reset})
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode stat query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/stats/query", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("failed to build stat query request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("stat query request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("stat query returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("failed to read stat query response: %w", err)
	}
	return parseStatResponse(raw)
}

// parseStatResponse accepts both shapes the management endpoint emits:
// {"stat": {"name": ..., "value": ...}} and {"stat": [{...}, ...]}. The
// first entry carrying an explicit value field wins.
func parseStatResponse(raw []byte) (Result, error) {
	var envelope struct {
		Stat json.RawMessage `json:"stat"`
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&envelope); err != nil {
		return Result{}, fmt.Errorf("failed to decode stat response: %w", err)
	}
	if len(envelope.Stat) == 0 {
		return Result{}, nil
	}

	trimmed := bytes.TrimSpace(envelope.Stat)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var entries []map[string]any
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		if err := dec.Decode(&entries); err != nil {
			return Result{}, fmt.Errorf("failed to decode stat array: %w", err)
		}
		for _, entry := range entries {
			if v, ok := entry["value"]; ok {
				return Result{Value: coerceValue(v), Found: true}, nil
			}
		}
		return Result{}, nil
	}

	var entry map[string]any
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&entry); err != nil {
		return Result{}, fmt.Errorf("failed to decode stat object: %w", err)
	}
	if v, ok := entry["value"]; ok {
		return Result{Value: coerceValue(v), Found: true}, nil
	}
	return Result{}, nil
}
