package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/austindbirch/harbor_report/internal/config"
	"github.com/austindbirch/harbor_report/internal/logging"
)

const itemPath = "/api/1/item/"

// receiver imitates an ingestion endpoint: a per-minute item quota exposed
// through the rate-limit headers, optional token checking, and scripted
// failures for exercising the delivery core.
type receiver struct {
	clock      clock.Clock
	logger     *logging.Logger
	limiter    *rate.Limiter
	quota      int
	headers    config.RateLimitHeaders
	token      string // expected access token, "" accepts any
	tokenHdr   string
	failFirstN int64
	delay      time.Duration

	requests atomic.Int64
	accepted atomic.Int64
	limited  atomic.Int64
}

func newReceiver(cfg config.Config, clk clock.Clock, logger *logging.Logger) *receiver {
	quota := cfg.FakeReceiver.QuotaPerMinute
	if quota <= 0 {
		quota = math.MaxInt32
	}
	return &receiver{
		clock:      clk,
		logger:     logger,
		limiter:    rate.NewLimiter(rate.Limit(float64(quota)/60), quota),
		quota:      quota,
		headers:    cfg.Send.RateLimitHeaders,
		token:      cfg.Send.AccessToken,
		tokenHdr:   cfg.Send.AccessTokenHeader,
		failFirstN: int64(cfg.FakeReceiver.FailFirstN),
		delay:      time.Duration(cfg.FakeReceiver.ResponseDelayMS) * time.Millisecond,
	}
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("fake-receiver")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rcv := newReceiver(cfg, clock.New(), logger)
	srv := &http.Server{
		Addr:         cfg.FakeReceiver.Port,
		Handler:      rcv.routes(),
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}

	go func() {
		logger.Plain().WithFields(map[string]any{
			"addr":             srv.Addr,
			"quota_per_minute": cfg.FakeReceiver.QuotaPerMinute,
			"fail_first_n":     cfg.FakeReceiver.FailFirstN,
		}).Info("fake-receiver listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("fake-receiver failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Plain().WithFields(map[string]any{
		"requests": rcv.requests.Load(),
		"accepted": rcv.accepted.Load(),
		"limited":  rcv.limited.Load(),
	}).Info("fake-receiver stopped")
}

func (rcv *receiver) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc(itemPath, rcv.handleItem)
	return mux
}

func (rcv *receiver) handleItem(w http.ResponseWriter, r *http.Request) {
	n := rcv.requests.Add(1)
	if rcv.delay > 0 {
		select {
		case <-rcv.clock.After(rcv.delay):
		case <-r.Context().Done():
			return
		}
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if rcv.token != "" && r.Header.Get(rcv.tokenHdr) != rcv.token {
		writeResult(w, http.StatusForbidden, 1, "invalid access token")
		return
	}

	// Simulate flakiness: first N requests -> 500
	if n <= rcv.failFirstN {
		rcv.logger.Plain().WithFields(map[string]any{"request": n, "fail_first_n": rcv.failFirstN}).Warn("failing request")
		writeResult(w, http.StatusInternalServerError, 1, "temporary failure")
		return
	}

	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		writeResult(w, http.StatusUnprocessableEntity, 1, "payload is not valid JSON")
		return
	}

	now := rcv.clock.Now()
	if !rcv.limiter.AllowN(now, 1) {
		rcv.limited.Add(1)
		rcv.setQuotaHeaders(w.Header(), now)
		writeResult(w, http.StatusTooManyRequests, 1, "rate limit exceeded")
		return
	}

	rcv.accepted.Add(1)
	rcv.setQuotaHeaders(w.Header(), now)
	rcv.logger.Plain().WithField("bytes", len(body)).WithField("body", truncate(string(body), 160)).Debug("item accepted")
	writeResult(w, http.StatusOK, 0, uuid.NewString())
}

// setQuotaHeaders reports the bucket as a window that resets once it is
// full again.
func (rcv *receiver) setQuotaHeaders(h http.Header, now time.Time) {
	const eps = 1e-9
	tokens := rcv.limiter.TokensAt(now)
	remaining := int(math.Floor(tokens + eps))
	if remaining < 0 {
		remaining = 0
	}
	resetIn := int(math.Ceil((float64(rcv.quota)-tokens)*60/float64(rcv.quota) - eps))
	if resetIn < 1 {
		resetIn = 1
	}

	set := func(name string, v int) {
		if name != "" {
			h.Set(name, strconv.Itoa(v))
		}
	}
	set(rcv.headers.Limit, rcv.quota)
	set(rcv.headers.Remaining, remaining)
	set(rcv.headers.Reset, int(now.Unix())+resetIn)
	set(rcv.headers.RemainingSeconds, resetIn)
}

type itemResult struct {
	Err     int    `json:"err"`
	UUID    string `json:"uuid,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeResult(w http.ResponseWriter, code, errCode int, detail string) {
	res := itemResult{Err: errCode}
	if errCode == 0 {
		res.UUID = detail
	} else {
		res.Message = detail
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(res)
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
