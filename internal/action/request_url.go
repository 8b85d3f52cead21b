// Package action holds the units of work a timer job runs when it becomes
// due. The only action is request_url: an HTTP GET with bounded retries on
// transient statuses.
package action

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Retry policy defaults.
const (
	DefaultRetryMax    = 4
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = 30 * time.Second
	DefaultTimeout     = 30 * time.Second
)

// ErrRetriesExhausted is wrapped when every attempt hit a transient failure.
var ErrRetriesExhausted = errors.New("action: retries exhausted")

var tracer = otel.Tracer("github.com/ChuLiYu/beaver-timer/internal/action")

// retryStatuses are the transient statuses worth another attempt.
var retryStatuses = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// StatusError reports a response status the action treats as failure.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Options configures a Handler. Zero values take the package defaults,
// except PreDelay which stays zero.
type Options struct {
	// PreDelay is slept before the first request.
	PreDelay time.Duration
	// RetryMax is the number of retries after the first attempt.
	// Negative disables retries.
	RetryMax    int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Timeout bounds each individual attempt. Ignored when HTTPClient is set.
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Handler executes request_url.
type Handler struct {
	client   *retryablehttp.Client
	preDelay time.Duration
	log      *slog.Logger
}

// NewHandler builds a Handler from opts.
func NewHandler(opts Options) *Handler {
	if opts.RetryMax == 0 {
		opts.RetryMax = DefaultRetryMax
	}
	if opts.RetryMax < 0 {
		opts.RetryMax = 0
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = DefaultBackoffMax
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = opts.BackoffBase
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "action")

	client := retryablehttp.NewClient()
	if opts.HTTPClient != nil {
		client.HTTPClient = opts.HTTPClient
	} else {
		client.HTTPClient.Timeout = opts.Timeout
	}
	client.RetryMax = opts.RetryMax
	client.RetryWaitMin = opts.BackoffBase
	client.RetryWaitMax = opts.BackoffMax
	client.Backoff = retryablehttp.DefaultBackoff
	client.CheckRetry = checkRetry
	client.ErrorHandler = giveUp(opts.RetryMax)
	client.Logger = logger

	return &Handler{
		client:   client,
		preDelay: opts.PreDelay,
		log:      logger,
	}
}

// Name identifies the action in logs and job records.
func (h *Handler) Name() string { return "request_url" }

// Execute fetches url and returns "Extracted data from <url>". The response
// body is discarded.
func (h *Handler) Execute(ctx context.Context, url string) (string, error) {
	ctx, span := tracer.Start(ctx, "action.request_url")
	defer span.End()
	span.SetAttributes(attribute.String("url", url))

	out, err := h.execute(ctx, url)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
	}
	return out, err
}

func (h *Handler) execute(ctx context.Context, url string) (string, error) {
	if h.preDelay > 0 {
		timer := time.NewTimer(h.preDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return "", &StatusError{StatusCode: resp.StatusCode}
	}

	h.log.Debug("url fetched", "url", url, "status", resp.StatusCode)
	return "Extracted data from " + url, nil
}

// checkRetry retries transport errors and the transient statuses only.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		// DefaultRetryPolicy skips errors no retry can fix (bad scheme, TLS).
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	return retryStatuses[resp.StatusCode], nil
}

// giveUp builds the final error when the client stops without a usable
// response: either the retry budget is spent or the failure is not retryable.
func giveUp(retryMax int) retryablehttp.ErrorHandler {
	return func(resp *http.Response, err error, numTries int) (*http.Response, error) {
		if resp != nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if err == nil {
				err = &StatusError{StatusCode: resp.StatusCode}
			}
		}
		if numTries > retryMax {
			return nil, fmt.Errorf("%w after %d attempt(s): %w", ErrRetriesExhausted, numTries, err)
		}
		return nil, err
	}
}
