package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/slateboard/slate/element"
)

// errNotFound is the internal marker for a 404; call sites wrap it with ids.
var errNotFound = errors.New("backend: not found")

type options struct {
	timeout  time.Duration // per-attempt timeout
	attempts int           // total attempts per call (fixed count, then propagate)
	backoff  time.Duration // base wait between attempts, doubled each time
}

func defaultOptions() options {
	return options{
		timeout:  5 * time.Second,
		attempts: 3,
		backoff:  250 * time.Millisecond,
	}
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithTimeout sets the per-attempt timeout. Default: 5s.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) { c.opts.timeout = d }
}

// WithAttempts sets the total attempts per call. Default: 3.
func WithAttempts(n int) Option {
	return func(c *HTTPClient) {
		if n > 0 {
			c.opts.attempts = n
		}
	}
}

// WithBackoff sets the base wait between attempts. Default: 250ms.
func WithBackoff(d time.Duration) Option {
	return func(c *HTTPClient) { c.opts.backoff = d }
}

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.hc = hc }
}

// WithBreaker overrides the default circuit breaker.
func WithBreaker(b *Breaker) Option {
	return func(c *HTTPClient) { c.breaker = b }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *HTTPClient) { c.logger = l }
}

// HTTPClient implements Client against the canvas REST API.
type HTTPClient struct {
	baseURL string
	hc      *http.Client
	breaker *Breaker
	logger  *slog.Logger
	opts    options
}

// NewHTTPClient creates a client for the API at baseURL
// (e.g. "http://localhost:8090").
func NewHTTPClient(baseURL string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL: baseURL,
		hc:      &http.Client{},
		breaker: NewBreaker(),
		logger:  slog.Default(),
		opts:    defaultOptions(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// PersistElement upserts the element row. A temporary id is replaced by the
// backend; the returned element carries the authoritative id.
func (c *HTTPClient) PersistElement(ctx context.Context, el element.Element) (element.Element, error) {
	var out element.Element
	path := fmt.Sprintf("/api/canvases/%s/elements/%s",
		url.PathEscape(el.CanvasID), url.PathEscape(el.ID))
	if err := c.do(ctx, "persist_element", http.MethodPut, path, el, &out); err != nil {
		if errors.Is(err, errNotFound) {
			return element.Element{}, &NotFoundError{CanvasID: el.CanvasID, ID: el.ID}
		}
		return element.Element{}, err
	}
	return out, nil
}

// DeleteElement removes the element row. A 404 counts as success: the row is
// gone either way, and double-deletes are expected no-ops.
func (c *HTTPClient) DeleteElement(ctx context.Context, canvasID, id string) error {
	path := fmt.Sprintf("/api/canvases/%s/elements/%s",
		url.PathEscape(canvasID), url.PathEscape(id))
	err := c.do(ctx, "delete_element", http.MethodDelete, path, nil, nil)
	if errors.Is(err, errNotFound) {
		return nil
	}
	return err
}

// FetchElement reads the element row back. Returns NotFoundError when the
// row does not exist — the outbox's verification-mismatch signal.
func (c *HTTPClient) FetchElement(ctx context.Context, canvasID, id string) (element.Element, error) {
	var out element.Element
	path := fmt.Sprintf("/api/canvases/%s/elements/%s",
		url.PathEscape(canvasID), url.PathEscape(id))
	if err := c.do(ctx, "fetch_element", http.MethodGet, path, nil, &out); err != nil {
		if errors.Is(err, errNotFound) {
			return element.Element{}, &NotFoundError{CanvasID: canvasID, ID: id}
		}
		return element.Element{}, err
	}
	return out, nil
}

// CreateCanvas creates a new canvas and returns its authoritative id.
func (c *HTTPClient) CreateCanvas(ctx context.Context, title string) (Canvas, error) {
	var out Canvas
	if err := c.do(ctx, "create_canvas", http.MethodPost, "/api/canvases",
		Canvas{Title: title}, &out); err != nil {
		return Canvas{}, err
	}
	return out, nil
}

// do runs one API call under the breaker with the fixed-attempt retry
// policy: transient failures (network errors, 5xx) are retried with doubled
// backoff; 404 and other 4xx are final.
func (c *HTTPClient) do(ctx context.Context, op, method, path string, body, out any) error {
	if !c.breaker.Allow() {
		return &ErrCircuitOpen{Endpoint: c.baseURL}
	}

	var lastErr error
	for attempt := 0; attempt < c.opts.attempts; attempt++ {
		if attempt > 0 {
			wait := c.opts.backoff * (1 << uint(attempt-1))
			c.logger.Warn("backend: retrying call",
				"op", op,
				"attempt", attempt+1,
				"max_attempts", c.opts.attempts,
				"backoff_ms", wait.Milliseconds(),
				"error", lastErr)
			select {
			case <-ctx.Done():
				c.breaker.RecordFailure()
				return &TransientError{Op: op, Cause: ctx.Err()}
			case <-time.After(wait):
			}
		}

		err := c.once(ctx, method, path, body, out)
		if err == nil {
			c.breaker.RecordSuccess()
			return nil
		}

		// 4xx outcomes are final; only transport failures and 5xx retry.
		var transient *TransientError
		if !errors.As(err, &transient) {
			c.breaker.RecordSuccess() // the backend answered, just not 2xx
			return err
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
	}

	c.breaker.RecordFailure()
	return lastErr
}

func (c *HTTPClient) once(ctx context.Context, method, path string, body, out any) error {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("backend: marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("backend: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return &TransientError{Op: method + " " + path, Cause: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return &TransientError{Op: method + " " + path, Cause: err}
			}
		} else {
			io.Copy(io.Discard, resp.Body)
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode >= 500:
		return &TransientError{Op: method + " " + path,
			Cause: &StatusError{Op: method + " " + path, Status: resp.StatusCode}}
	default:
		return &StatusError{Op: method + " " + path, Status: resp.StatusCode}
	}
}
