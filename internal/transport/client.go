// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/sessioncore/internal/classify"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultTimeout bounds the whole Send call, retries included.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxAttempts is the total number of tries per Send.
	DefaultMaxAttempts = 3

	// MaxResponseSize caps the response body read.
	// SECURITY: Response size limit prevents memory exhaustion.
	MaxResponseSize = 10 * 1024 * 1024

	// MaxContextMessages bounds the conversational context shipped with
	// each request. Older entries are dropped silently.
	MaxContextMessages = 10

	// clientVersion is reported in the payload metadata and headers.
	clientVersion = "2.0.0"

	// defaultUserAgent identifies the engine on the wire.
	defaultUserAgent = "sessioncore/" + clientVersion

	// defaultJitter is the fraction of the backoff delay added as random
	// jitter so synchronized clients do not retry in lockstep.
	defaultJitter = 0.2
)

// sharedHTTPClient pools connections across all transport clients.
// PERFORMANCE: Connection pooling reduces TCP handshake overhead.
var sharedHTTPClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	},
	// No client-level timeout: the per-send context carries the deadline.
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrInvalidPayload indicates a payload missing its message or session
// ID. Callers are expected to validate input before submitting.
var ErrInvalidPayload = errors.New("invalid request payload")

// StatusError is a non-2xx outcome from the assistant endpoint.
type StatusError struct {
	Status int
	Body   string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("assistant endpoint returned HTTP %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("assistant endpoint returned HTTP %d", e.Status)
}

// HTTPStatus exposes the status code for classification.
func (e *StatusError) HTTPStatus() int {
	return e.Status
}

// =============================================================================
// WIRE SHAPES
// =============================================================================

// ContextInfo carries optional conversational context with a request.
type ContextInfo struct {
	UserType         string   `json:"userType,omitempty"`
	PreviousMessages []string `json:"previousMessages,omitempty"`
	Language         string   `json:"language,omitempty"`
}

// PayloadMetadata identifies the sending client. Filled automatically.
type PayloadMetadata struct {
	ClientVersion string `json:"clientVersion"`
	Timestamp     int64  `json:"timestamp"` // milliseconds since epoch
	UserAgent     string `json:"userAgent"`
}

// Payload is the request body for a message send.
type Payload struct {
	Message   string          `json:"message"`
	SessionID string          `json:"sessionId"`
	Context   *ContextInfo    `json:"context,omitempty"`
	Metadata  PayloadMetadata `json:"metadata"`
}

// ResponseMetadata describes the model that produced a reply.
type ResponseMetadata struct {
	Model     string `json:"model,omitempty"`
	Version   string `json:"version,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Response is a validated assistant reply.
type Response struct {
	Response         string
	Confidence       float64
	Sources          []string
	SuggestedActions []string
	RequestID        string
	ProcessingTimeMs int64
	Metadata         ResponseMetadata
}

// wireResponse is the raw decoded body. Required fields are pointers so
// absence is distinguishable from the zero value.
type wireResponse struct {
	Response         *string           `json:"response"`
	Confidence       *float64          `json:"confidence"`
	Sources          []string          `json:"sources"`
	SuggestedActions []string          `json:"suggestedActions"`
	RequestID        *string           `json:"requestId"`
	ProcessingTime   *int64            `json:"processingTime"`
	Metadata         *ResponseMetadata `json:"metadata"`
}

// validate converts the raw body into a Response, rejecting any body
// missing a required field. The rejection wraps the malformed-response
// sentinel so classification maps it to a terminal server error.
func (w *wireResponse) validate() (*Response, error) {
	switch {
	case w.Response == nil:
		return nil, fmt.Errorf("%w: missing response", classify.ErrMalformedResponse)
	case w.RequestID == nil || *w.RequestID == "":
		return nil, fmt.Errorf("%w: missing requestId", classify.ErrMalformedResponse)
	case w.ProcessingTime == nil || *w.ProcessingTime < 0:
		return nil, fmt.Errorf("%w: missing processingTime", classify.ErrMalformedResponse)
	case w.Metadata == nil:
		return nil, fmt.Errorf("%w: missing metadata", classify.ErrMalformedResponse)
	}

	resp := &Response{
		Response:         *w.Response,
		Sources:          w.Sources,
		SuggestedActions: w.SuggestedActions,
		RequestID:        *w.RequestID,
		ProcessingTimeMs: *w.ProcessingTime,
		Metadata:         *w.Metadata,
	}
	// Out-of-range confidence is clamped rather than rejected: the reply
	// itself is still usable.
	if w.Confidence != nil {
		resp.Confidence = min(max(*w.Confidence, 0), 1)
	}
	return resp, nil
}

// =============================================================================
// CLIENT
// =============================================================================

// Client orchestrates message sends to the assistant endpoint. One
// request is in flight at a time: a new Send cancels its predecessor.
type Client struct {
	endpoint    string
	httpClient  *http.Client
	maxAttempts int
	timeout     time.Duration
	jitter      float64
	userAgent   string
	limiter     *rate.Limiter
	backoff     func(attempt int) time.Duration

	mu         sync.Mutex
	cancel     context.CancelFunc
	generation uint64
}

// NewClient creates a client for the given endpoint URL.
func NewClient(endpoint string) *Client {
	return &Client{
		endpoint:    strings.TrimSuffix(endpoint, "/"),
		httpClient:  sharedHTTPClient,
		maxAttempts: DefaultMaxAttempts,
		timeout:     DefaultTimeout,
		jitter:      defaultJitter,
		userAgent:   defaultUserAgent,
		// Submissions are human-paced; the limiter exists to absorb
		// pathological callers, not to shape normal traffic.
		limiter: rate.NewLimiter(rate.Every(250*time.Millisecond), 4),
		backoff: classify.RetryDelay,
	}
}

// WithTimeout sets the overall deadline per Send.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.timeout = d
	return c
}

// WithMaxAttempts sets the total number of tries per Send.
func (c *Client) WithMaxAttempts(n int) *Client {
	if n > 0 {
		c.maxAttempts = n
	}
	return c
}

// WithJitter sets the jitter fraction applied to backoff delays. Zero
// disables jitter.
func (c *Client) WithJitter(frac float64) *Client {
	c.jitter = max(frac, 0)
	return c
}

// WithRateLimit replaces the submission limiter.
func (c *Client) WithRateLimit(r rate.Limit, burst int) *Client {
	c.limiter = rate.NewLimiter(r, burst)
	return c
}

// WithBackoff replaces the backoff schedule. Used by tests to avoid
// real sleeps.
func (c *Client) WithBackoff(fn func(attempt int) time.Duration) *Client {
	if fn != nil {
		c.backoff = fn
	}
	return c
}

// =============================================================================
// SEND
// =============================================================================

// Send submits a message and returns the validated reply. Transient
// failures are retried with exponential backoff inside the overall
// deadline; terminal failures return immediately. Calling Send while a
// previous Send is in flight cancels the previous one: the newest
// message always wins.
func (c *Client) Send(ctx context.Context, p Payload) (*Response, error) {
	if p.Message == "" || p.SessionID == "" {
		return nil, fmt.Errorf("%w: message and sessionId are required", ErrInvalidPayload)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	c.fillPayload(&p)

	// Supersede any in-flight request before starting this one. A Send
	// whose context is already dead was itself superseded before it got
	// here; it must not displace the live request. The check shares the
	// registration lock so the two cases cannot interleave.
	c.mu.Lock()
	if err := ctx.Err(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if c.cancel != nil {
		c.cancel()
	}
	sendCtx, cancel := context.WithTimeout(ctx, c.timeout)
	c.cancel = cancel
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.generation == gen {
			c.cancel = nil
		}
		c.mu.Unlock()
		cancel()
	}()

	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-sendCtx.Done():
				return nil, sendCtx.Err()
			case <-time.After(c.retryDelay(attempt - 1)):
			}
		}

		resp, err := c.doRequest(sendCtx, p.SessionID, body)
		if err == nil {
			return resp, nil
		}
		if !classify.Classify(err).Retryable {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// CancelInFlight aborts the current request, if any. The aborted Send
// returns a cancellation error, which classifies as non-retryable.
func (c *Client) CancelInFlight() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// fillPayload stamps the client metadata and bounds the context window.
func (c *Client) fillPayload(p *Payload) {
	p.Metadata = PayloadMetadata{
		ClientVersion: clientVersion,
		Timestamp:     time.Now().UnixMilli(),
		UserAgent:     c.userAgent,
	}
	if p.Context != nil && len(p.Context.PreviousMessages) > MaxContextMessages {
		trimmed := *p.Context
		trimmed.PreviousMessages = trimmed.PreviousMessages[len(trimmed.PreviousMessages)-MaxContextMessages:]
		p.Context = &trimmed
	}
}

// retryDelay applies jitter on top of the backoff schedule.
func (c *Client) retryDelay(attempt int) time.Duration {
	delay := c.backoff(attempt)
	if c.jitter > 0 && delay > 0 {
		delay += time.Duration(rand.Int63n(int64(float64(delay)*c.jitter) + 1))
	}
	return delay
}

// doRequest performs one HTTP exchange and decodes the reply.
func (c *Client) doRequest(ctx context.Context, sessionID string, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-Version", clientVersion)
	req.Header.Set("X-Session-ID", sessionID)
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	log.Printf("transport: POST %s -> %d (%v)", req.URL.Path, resp.StatusCode, time.Since(start))

	raw, err := readResponse(resp)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Status: resp.StatusCode, Body: snippet(raw)}
	}

	var wire wireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", classify.ErrMalformedResponse, err)
	}
	return wire.validate()
}

// readResponse reads the body under the size cap.
// SECURITY: Response size limit prevents memory exhaustion.
func readResponse(resp *http.Response) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(raw)) == MaxResponseSize {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", classify.ErrMalformedResponse, MaxResponseSize)
	}
	return raw, nil
}

// snippet truncates an error body for diagnostics.
func snippet(raw []byte) string {
	const maxLen = 256
	s := strings.TrimSpace(string(raw))
	if len(s) > maxLen {
		return s[:maxLen]
	}
	return s
}
