package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sourcegraph/conc"

	"github.com/austindbirch/harbor_report/internal/config"
	"github.com/austindbirch/harbor_report/internal/delivery"
	"github.com/austindbirch/harbor_report/internal/events"
	"github.com/austindbirch/harbor_report/internal/health"
	"github.com/austindbirch/harbor_report/internal/logging"
	"github.com/austindbirch/harbor_report/internal/metrics"
	"github.com/austindbirch/harbor_report/internal/offline"
	"github.com/austindbirch/harbor_report/internal/queue"
	"github.com/austindbirch/harbor_report/internal/registry"
	"github.com/austindbirch/harbor_report/internal/reporter"
	"github.com/austindbirch/harbor_report/internal/tracing"
)

const (
	maxBodyBytes    = 1 << 20
	requestIDHeader = "X-Request-Id"
)

// relay accepts report payloads over HTTP and hands them to one reporter.
type relay struct {
	rep         *reporter.Reporter
	reg         *registry.Registry
	logger      *logging.Logger
	syncTimeout time.Duration
	flushBudget time.Duration
}

type reportResponse struct {
	RequestID string `json:"request_id"`
	Accepted  int    `json:"accepted"`
	Rejected  int    `json:"rejected"`
	Error     string `json:"error,omitempty"`
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New(cfg.Relay.Service)
	logging.SetDefaultService(cfg.Relay.Service)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.InitTracing(ctx, cfg.Relay.Service)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdownTracing()

	promReg := prometheus.NewRegistry()
	metrics.MustRegister(promReg)

	reg := registry.New(registry.WithLogger(logger))

	// Diagnostics fan-out to NSQ
	if cfg.NSQ.Enabled {
		prod, err := events.NewNSQProducer(cfg.NSQ.NsqdTCPAddr)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer creation failed")
		}
		defer prod.Stop()
		unsubscribe := reg.Subscribe(events.NewNSQPublisher(prod, cfg.NSQ.EventsTopic, cfg.Relay.Service, logger))
		defer unsubscribe()
	}

	opts := []reporter.Option{reporter.WithOwner(cfg.Relay.Owner), reporter.WithLogger(logger)}
	var pinger health.Pinger
	if cfg.Send.Offline.Enabled {
		openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		store, err := offline.Open(openCtx, cfg.Send.Offline.Location, offline.WithLogger(logger))
		cancel()
		if err != nil {
			logger.Plain().WithError(err).Fatal("offline store open failed")
		}
		defer store.Close()
		if p, ok := store.(health.Pinger); ok {
			pinger = p
		}
		opts = append(opts, reporter.WithStore(store))
	}

	rep, err := reporter.New(reg, cfg.Send, opts...)
	if err != nil {
		logger.Plain().WithError(err).Fatal("reporter creation failed")
	}

	rl := &relay{
		rep:         rep,
		reg:         reg,
		logger:      logger,
		syncTimeout: cfg.Relay.SyncTimeout,
		flushBudget: cfg.Relay.ShutdownTimeout,
	}
	srv := &http.Server{
		Addr:              cfg.Relay.HTTPPort,
		Handler:           rl.routes(promReg, pinger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg conc.WaitGroup
	wg.Go(func() {
		logger.Plain().WithField("addr", srv.Addr).Info("relay HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Error("relay HTTP server failed")
			stop()
		}
	})

	<-ctx.Done()
	logger.Plain().Info("Shutting down relay...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Plain().WithError(err).Warn("relay HTTP server shutdown incomplete")
	}
	wg.Wait()

	if err := rep.Close(cfg.Relay.ShutdownTimeout); err != nil {
		logger.Plain().WithError(err).Warn("reporter closed with undelivered reports")
	}
	if err := reg.Shutdown(cfg.Relay.ShutdownTimeout); err != nil {
		logger.Plain().WithError(err).Warn("registry shutdown incomplete")
	}
	logger.Plain().Info("relay stopped")
}

func (rl *relay) routes(promReg *prometheus.Registry, store health.Pinger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/report", rl.handleReport)
	mux.HandleFunc("/flush", rl.handleFlush)
	mux.HandleFunc("/healthz", health.HTTPHandler(rl.reg, store))
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	return mux
}

// handleReport accepts one JSON payload, or a JSON array of payloads that
// share a single request scope. ?level= sets the report level and ?sync=1
// waits for delivery.
func (rl *relay) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reqID := r.Header.Get(requestIDHeader)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	w.Header().Set(requestIDHeader, reqID)
	resp := reportResponse{RequestID: reqID}

	q := r.URL.Query()
	level, err := delivery.ParseLevel(q.Get("level"))
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}
	synchronous := false
	if v := q.Get("sync"); v != "" {
		if synchronous, err = strconv.ParseBool(v); err != nil {
			resp.Error = "sync must be a boolean"
			writeJSON(w, http.StatusBadRequest, resp)
			return
		}
	}

	var body any
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		resp.Error = "invalid JSON body"
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}
	items, ok := body.([]any)
	if !ok {
		items = []any{body}
	}

	ctx := tracing.ExtractHTTP(r.Context(), r.Header)
	ctx, span := tracing.StartSpan(ctx, "relay.report",
		tracing.AttrRequestID.String(reqID),
		tracing.AttrItems.Int(len(items)),
		tracing.AttrSync.Bool(synchronous),
	)
	defer span.End()

	ctx, h := rl.rep.Scope(ctx, reqID)
	defer h.Release()

	if !synchronous {
		for _, item := range items {
			if rl.rep.Log(ctx, level, item) {
				resp.Accepted++
			} else {
				resp.Rejected++
			}
		}
		code := http.StatusAccepted
		if resp.Accepted == 0 && len(items) > 0 {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
		return
	}

	if rl.syncTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rl.syncTimeout)
		defer cancel()
	}
	code := http.StatusOK
	for _, item := range items {
		err := rl.rep.LogSync(ctx, level, item)
		switch {
		case err == nil:
			resp.Accepted++
		case errors.Is(err, reporter.ErrSuppressed):
			resp.Rejected++
		default:
			resp.Rejected++
			if code == http.StatusOK {
				code = statusFor(err)
				resp.Error = err.Error()
				tracing.SetSpanError(ctx, err)
			}
		}
	}
	if code != http.StatusOK {
		rl.logger.WithContext(ctx).WithOwner(rl.rep.Owner()).WithField("request_id", reqID).
			WithError(errors.New(resp.Error)).Warn("synchronous report not delivered")
	}
	writeJSON(w, code, resp)
}

// handleFlush waits for every queue to drain.
func (rl *relay) handleFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := rl.reg.FlushAll(rl.flushBudget); err != nil {
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps a synchronous delivery failure to a relay status code.
func statusFor(err error) int {
	var (
		timeout *delivery.TimeoutError
		apiErr  *delivery.APIError
	)
	switch {
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &apiErr):
		return http.StatusBadGateway
	case errors.Is(err, reporter.ErrClosed), errors.Is(err, queue.ErrQueueFull), errors.Is(err, queue.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, reporter.ErrDropped):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
