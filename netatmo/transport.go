package netatmo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// transport performs a single HTTP exchange and maps the vendor error
// envelope onto typed errors. It never retries.
type transport struct {
	httpClient *http.Client
	logger     *zap.Logger
}

// get issues GET rawURL?query and returns the buffered JSON body
func (t *transport) get(ctx context.Context, rawURL string, params map[string]string, header http.Header) ([]byte, error) {
	query, err := BuildURLQuery(params, '&')
	if err != nil {
		return nil, err
	}
	if query != "" {
		rawURL += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	copyHeader(req.Header, header)

	return t.do(req)
}

// post issues a form-encoded POST and returns the buffered JSON body
func (t *transport) post(ctx context.Context, rawURL string, params map[string]string, header http.Header) ([]byte, error) {
	form, err := BuildURLQuery(params, '&')
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	copyHeader(req.Header, header)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=UTF-8")

	return t.do(req)
}

func (t *transport) do(req *http.Request) ([]byte, error) {
	start := time.Now()

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	// The query string carries the access token, so only the path is logged
	t.logger.Debug("netatmo request completed",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Int("body_bytes", len(body)),
		zap.Duration("duration", time.Since(start)),
	)

	if err := checkResponse(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// checkResponse looks for the "error" key first so that a vendor error wins
// over a bare status failure.
func checkResponse(status int, body []byte) error {
	success := status >= 200 && status < 300

	if !json.Valid(body) {
		if !success {
			return &TransportError{StatusCode: status, Body: string(body)}
		}
		return fmt.Errorf("failed to decode response: invalid JSON (%d bytes)", len(body))
	}

	// Non-object bodies cannot carry an envelope
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err == nil {
		if raw, ok := top["error"]; ok && !isNull(raw) {
			return envelopeError(status, raw)
		}
	}

	if !success {
		return &TransportError{StatusCode: status, Body: string(body)}
	}
	return nil
}

func envelopeError(status int, raw json.RawMessage) error {
	var reason string
	if err := json.Unmarshal(raw, &reason); err == nil {
		return &OAuthError{Reason: reason, StatusCode: status}
	}

	var apiErr struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &apiErr); err != nil {
		return &APIError{Message: string(raw), StatusCode: status}
	}
	return &APIError{Code: apiErr.Code, Message: apiErr.Message, StatusCode: status}
}

func copyHeader(dst, src http.Header) {
	for key, values := range src {
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
