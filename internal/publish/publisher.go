// Package publish hands the session list to the downstream consumer and
// notifies operators.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mohit83k/gatekeeper/internal/model"
)

// maxBody caps how much of a response body is kept.
const maxBody = 1 << 20

// Error is a failed publish. StatusCode is zero when no response arrived.
type Error struct {
	Endpoint   string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("publish to %s failed: %v", e.Endpoint, e.Err)
	}
	return fmt.Sprintf("publish to %s failed: status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPPublisher PUTs the session list as JSON.
type HTTPPublisher struct {
	Endpoint string
	Client   *http.Client
}

// NewHTTPPublisher returns a publisher whose requests are bounded by timeout.
func NewHTTPPublisher(endpoint string, timeout time.Duration) *HTTPPublisher {
	return &HTTPPublisher{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: timeout},
	}
}

// Publish sends sessions and returns the response body.
func (p *HTTPPublisher) Publish(ctx context.Context, sessions model.Sessions) (string, error) {
	if sessions == nil {
		sessions = model.Sessions{}
	}
	payload, err := json.Marshal(sessions)
	if err != nil {
		return "", &Error{Endpoint: p.Endpoint, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, p.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", &Error{Endpoint: p.Endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return "", &Error{Endpoint: p.Endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return "", &Error{Endpoint: p.Endpoint, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return string(body), &Error{Endpoint: p.Endpoint, StatusCode: resp.StatusCode, Body: string(body)}
	}
	return string(body), nil
}
