package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_report/internal/config"
	"github.com/austindbirch/harbor_report/internal/logging"
	"github.com/austindbirch/harbor_report/internal/metrics"
	"github.com/austindbirch/harbor_report/internal/ratelimit"
	"github.com/austindbirch/harbor_report/internal/scrub"
	"github.com/austindbirch/harbor_report/internal/tracing"
)

const maxErrorBody = 512

// Client performs single delivery attempts against one destination. It holds
// no shared state and is safe for concurrent use.
type Client struct {
	cfg      config.Send
	http     *http.Client
	scrubber *scrub.Scrubber
	clock    clock.Clock
	logger   *logging.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default http.Client. Each attempt is still
// bounded by the Timeout of the send config.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithClock sets the time source that rate-limit reset times are read against.
func WithClock(clk clock.Clock) ClientOption {
	return func(c *Client) { c.clock = clk }
}

// WithLogger replaces the default logger.
func WithLogger(l *logging.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient returns a client for the destination in cfg. The scrubber is
// built once from the scrub settings of cfg.
func NewClient(cfg config.Send, opts ...ClientOption) *Client {
	c := &Client{
		cfg:      cfg,
		http:     &http.Client{},
		scrubber: scrub.New(cfg.ScrubFields, cfg.ScrubPaths, cfg.ScrubMarker),
		clock:    clock.New(),
		logger:   logging.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Config returns the send settings the client was built with.
func (c *Client) Config() config.Send       { return c.cfg }
func (c *Client) Scrubber() *scrub.Scrubber { return c.scrubber }

// Encode serializes and scrubs a bundle payload into a request body.
func (c *Client) Encode(b *Bundle) ([]byte, error) {
	body, err := json.Marshal(b.Payload)
	if err != nil {
		return nil, &InternalError{Op: "serialize payload", Err: err}
	}
	body, err = c.scrubber.ApplyJSON(body)
	if err != nil {
		return nil, &InternalError{Op: "scrub payload", Err: err}
	}
	return body, nil
}

// Send makes one attempt to deliver b.
func (c *Client) Send(ctx context.Context, b *Bundle) Outcome {
	body, err := c.Encode(b)
	if err != nil {
		metrics.RecordDelivery(InternalFailure.String(), 0)
		return Outcome{Kind: InternalFailure, Err: err}
	}

	ctx, span := tracing.StartSpan(ctx, "report.delivery",
		tracing.AttrBundleID.String(b.ID),
		tracing.AttrOwner.String(b.Owner),
		tracing.AttrLevel.String(b.Level.String()),
		tracing.AttrAttempt.Int(b.Attempts+1),
	)
	defer span.End()

	return c.post(ctx, body)
}

// SendRaw delivers an already serialized payload, as read back from the
// offline store. Scrubbing is applied again; it is a no-op on scrubbed input.
func (c *Client) SendRaw(ctx context.Context, body []byte) Outcome {
	body, err := c.scrubber.ApplyJSON(body)
	if err != nil {
		metrics.RecordDelivery(InternalFailure.String(), 0)
		return Outcome{Kind: InternalFailure, Err: &InternalError{Op: "scrub stored payload", Err: err}}
	}

	ctx, span := tracing.StartSpan(ctx, "report.redelivery")
	defer span.End()

	return c.post(ctx, body)
}

func (c *Client) post(ctx context.Context, body []byte) Outcome {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		out := Outcome{Kind: InternalFailure, Err: &InternalError{Op: "build request", Err: err}}
		tracing.SetSpanError(ctx, out.Err)
		metrics.RecordDelivery(out.Kind.String(), 0)
		return out
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.AccessTokenHeader != "" {
		req.Header.Set(c.cfg.AccessTokenHeader, c.cfg.AccessToken)
	}
	tracing.InjectHTTP(ctx, req.Header)
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	tracing.AddSpanEvent(ctx, "http.send_report")
	start := time.Now()
	resp, doErr := c.http.Do(req)
	latency := time.Since(start)

	var out Outcome
	if doErr != nil {
		out = Outcome{
			Kind:    CommunicationFailure,
			Err:     &CommunicationError{Reason: Reason(doErr, 0), Err: doErr},
			Latency: latency,
		}
	} else {
		out = c.classify(resp, latency)
	}

	tracing.AddSpanEvent(ctx, "delivery."+out.Label(),
		tracing.AttrOutcome.String(out.Label()),
		attribute.Int("http.status_code", out.StatusCode),
		attribute.Int64("http.latency_ms", latency.Milliseconds()),
	)
	if out.Err != nil && out.Kind != RateLimited {
		tracing.SetSpanError(ctx, out.Err)
	}
	metrics.RecordDelivery(out.Label(), latency)

	c.logger.WithContext(ctx).WithToken(c.cfg.AccessToken).WithFields(map[string]any{
		"outcome":     out.Label(),
		"status_code": out.StatusCode,
		"latency_ms":  latency.Milliseconds(),
	}).Debug("delivery attempt")
	return out
}

func (c *Client) classify(resp *http.Response, latency time.Duration) Outcome {
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_, _ = io.Copy(io.Discard, resp.Body)

	out := Outcome{
		StatusCode: resp.StatusCode,
		RateLimit:  ratelimit.Parse(resp.Header, c.cfg.RateLimitHeaders, c.clock.Now()),
		Latency:    latency,
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// An exhausted window on a 2xx still delivered the payload; the
		// queue reads RateLimit to hold off the next send. Label() marks it.
		out.Kind = Success
	case resp.StatusCode == http.StatusTooManyRequests || out.RateLimit.Exhausted():
		out.Kind = RateLimited
		out.Err = fmt.Errorf("rate limited: status %d", resp.StatusCode)
	default:
		out.Kind = ClientOrServerError
		out.Err = &APIError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}
	return out
}
