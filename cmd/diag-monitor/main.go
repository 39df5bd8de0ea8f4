package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_report/internal/config"
	"github.com/austindbirch/harbor_report/internal/events"
	"github.com/austindbirch/harbor_report/internal/logging"
)

// NSQStats represents the JSON structure returned by NSQ stats API
type NSQStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
		Depth int64 `json:"depth"`
	} `json:"topics"`
}

// monitor consumes the diagnostics topic published by relays and turns it
// into metrics and log lines.
type monitor struct {
	logger *logging.Logger
	topic  string

	diagnostics *prometheus.CounterVec
	malformed   prometheus.Counter
	backlog     *prometheus.GaugeVec
	inflight    *prometheus.GaugeVec
}

func newMonitor(topic string, logger *logging.Logger) *monitor {
	return &monitor{
		logger: logger,
		topic:  topic,
		diagnostics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harbor_report_diagnostics_total",
			Help: "Diagnostic events observed on the NSQ topic, by kind and publishing service.",
		}, []string{"kind", "service"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harbor_report_diagnostics_malformed_total",
			Help: "Messages on the diagnostics topic that were not diagnostic envelopes.",
		}),
		backlog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harbor_report_diagnostics_backlog",
			Help: "Depth of NSQ channels on the diagnostics topic.",
		}, []string{"channel"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harbor_report_diagnostics_inflight",
			Help: "In-flight messages for NSQ channels on the diagnostics topic.",
		}, []string{"channel"}),
	}
}

func (m *monitor) mustRegister(reg prometheus.Registerer) {
	reg.MustRegister(m.diagnostics, m.malformed, m.backlog, m.inflight)
}

// HandleMessage implements nsq.Handler. Malformed messages are finished,
// not requeued.
func (m *monitor) HandleMessage(msg *nsq.Message) error {
	m.handle(msg.Body)
	return nil
}

func (m *monitor) handle(body []byte) {
	var env events.Envelope
	if err := json.Unmarshal(body, &env); err != nil || env.Type != events.EnvelopeType {
		m.malformed.Inc()
		m.logger.Plain().WithField("bytes", len(body)).Warn("non-diagnostic message on events topic")
		return
	}

	e := env.Event
	m.diagnostics.WithLabelValues(string(e.Kind), env.Service).Inc()

	entry := m.logger.Plain().WithQueue(e.QueueID).WithOwner(e.Owner).WithBundle(e.BundleID).
		WithFields(map[string]any{"event": string(e.Kind), "service": env.Service, "at": e.At})
	if e.StatusCode != 0 {
		entry = entry.WithField("status_code", e.StatusCode)
	}
	if e.Err != "" {
		entry = entry.WithField("error", e.Err)
	}
	switch e.Kind {
	case events.InternalError:
		entry.Error(e.Message)
	case events.MaxItemsReached:
		entry.Info(e.Message)
	default:
		entry.Warn(e.Message)
	}
}

// updateBacklog polls nsqd's stats endpoint for the diagnostics topic.
func (m *monitor) updateBacklog(ctx context.Context, client *http.Client, nsqdHTTP string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/stats?format=json&topic=%s", nsqdHTTP, m.topic), nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("NSQ stats returned status %d", resp.StatusCode)
	}

	var stats NSQStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}
	for _, topic := range stats.Topics {
		if topic.TopicName != m.topic {
			continue
		}
		for _, ch := range topic.Channels {
			m.backlog.WithLabelValues(ch.ChannelName).Set(float64(ch.Depth))
			m.inflight.WithLabelValues(ch.ChannelName).Set(float64(ch.InFlightCount))
		}
	}
	return nil
}

func (m *monitor) pollBacklog(ctx context.Context, nsqdHTTP string, interval time.Duration) {
	client := &http.Client{Timeout: 5 * time.Second}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.updateBacklog(ctx, client, nsqdHTTP); err != nil {
				m.logger.Plain().WithError(err).Warn("Error updating backlog metrics")
			}
		}
	}
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("diag-monitor")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mon := newMonitor(cfg.NSQ.EventsTopic, logger)
	reg := prometheus.NewRegistry()
	mon.mustRegister(reg)

	conf := nsq.NewConfig()
	conf.MaxInFlight = 100
	consumer, err := nsq.NewConsumer(cfg.NSQ.EventsTopic, cfg.NSQ.MonitorChannel, conf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}
	consumer.AddHandler(mon)
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("nsq connect failed")
	}

	go mon.pollBacklog(ctx, cfg.NSQ.NsqdHTTPAddr, 15*time.Second)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	srv := &http.Server{Addr: ":8084", Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Plain().WithFields(map[string]any{"addr": srv.Addr, "topic": cfg.NSQ.EventsTopic}).Info("diag-monitor starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("diag-monitor HTTP server failed")
		}
	}()

	<-ctx.Done()
	consumer.Stop()
	<-consumer.StopChan
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Plain().Info("diag-monitor stopped")
}
