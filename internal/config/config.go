package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// OverflowPolicy decides what a full queue does with an incoming bundle.
type OverflowPolicy string

const (
	DropOldest   OverflowPolicy = "drop_oldest"   // evict the head, accept the new bundle
	RejectNewest OverflowPolicy = "reject_newest" // keep the queue, refuse the new bundle
)

// RateLimitHeaders names the response headers carrying quota information.
type RateLimitHeaders struct {
	Limit            string // window limit
	Remaining        string // items left in the window
	Reset            string // window reset, epoch seconds
	RemainingSeconds string // seconds until the window resets
}

// Send is the value object handed to the delivery core with every queue.
type Send struct {
	Endpoint          string        // ingestion URL
	AccessToken       string        // destination credential, also the backoff shard key
	AccessTokenHeader string        // header carrying the access token
	Timeout           time.Duration // per-request timeout
	MaxQueueDepth     int           // bundles held per queue
	Overflow          OverflowPolicy
	ScrubFields       []string // exact key names redacted anywhere
	ScrubPaths        []string // dotted paths from the payload root
	ScrubMarker       string
	RateLimitHeaders  RateLimitHeaders

	MaxAttempts     int             // transport attempts per bundle
	RetrySchedule   []time.Duration // delay before transport retry N
	JitterPercent   float64         // retry jitter (0.0-1.0)
	BackoffFloor    time.Duration   // first induced delay after a rate limit
	BackoffFactor   float64         // growth per consecutive rate limit, >= 2
	BackoffCap      time.Duration   // induced delay ceiling
	StoreRejected   bool            // offline-store bundles the destination rejected
	MaxItemsInScope int             // reports allowed per logical scope, 0 = unlimited

	Offline Offline
}

// Offline configures the local persistent fallback.
type Offline struct {
	Enabled        bool
	Location       string        // directory, or postgres:// DSN
	ReplayInterval time.Duration // idle-time replay cadence
}

type NSQ struct {
	Enabled        bool   // publish diagnostics to NSQ
	NsqdTCPAddr    string // e.g. nsqd:4150
	NsqdHTTPAddr   string // e.g. nsqd:4151, polled for topic stats
	EventsTopic    string // topic receiving diagnostic events
	MonitorChannel string // channel the diagnostics monitor consumes
}

type Relay struct {
	Service         string
	HTTPPort        string        // :8080
	Owner           string        // logger identity of the relay's reporter
	ShutdownTimeout time.Duration // flush budget on SIGTERM
	SyncTimeout     time.Duration // upper bound for ?sync=1 requests
}

type FakeReceiver struct {
	FailFirstN      int           // Number of requests to fail initially
	QuotaPerMinute  int           // Accepted items per minute before 429
	ResponseDelayMS int           // Simulated response delay in milliseconds
	Port            string        // Server listen port
	ReadTimeout     time.Duration // HTTP read timeout
	WriteTimeout    time.Duration // HTTP write timeout
	IdleTimeout     time.Duration // HTTP idle timeout
}

type Config struct {
	AppName      string
	Send         Send
	NSQ          NSQ
	Relay        Relay
	FakeReceiver FakeReceiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getenvList splits a comma separated variable, dropping empty items.
func getenvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func defaultRetrySchedule() []time.Duration {
	return []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second}
}

func parseRetrySchedule(schedule string) []time.Duration {
	if schedule == "" {
		return defaultRetrySchedule()
	}

	parts := strings.Split(schedule, ",")
	durations := make([]time.Duration, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if d, err := time.ParseDuration(part); err == nil {
			durations = append(durations, d)
		}
	}

	if len(durations) == 0 {
		// Fallback to default if parsing failed
		return defaultRetrySchedule()
	}

	return durations
}

func parseOverflow(v string) OverflowPolicy {
	switch OverflowPolicy(strings.ToLower(strings.TrimSpace(v))) {
	case RejectNewest:
		return RejectNewest
	default:
		return DropOldest
	}
}

// DefaultSend returns the send configuration used when nothing is set.
func DefaultSend() Send {
	return Send{
		Endpoint:          "http://localhost:8081/api/1/item/",
		AccessTokenHeader: "X-Access-Token",
		Timeout:           30 * time.Second,
		MaxQueueDepth:     1000,
		Overflow:          DropOldest,
		ScrubMarker:       "***",
		RateLimitHeaders: RateLimitHeaders{
			Limit:            "X-Rate-Limit-Limit",
			Remaining:        "X-Rate-Limit-Remaining",
			Reset:            "X-Rate-Limit-Reset",
			RemainingSeconds: "X-Rate-Limit-Remaining-Seconds",
		},
		MaxAttempts:     3,
		RetrySchedule:   defaultRetrySchedule(),
		JitterPercent:   0.25,
		BackoffFloor:    1 * time.Second,
		BackoffFactor:   2.0,
		BackoffCap:      60 * time.Second,
		MaxItemsInScope: 10,
		Offline: Offline{
			Location:       "./offline",
			ReplayInterval: 30 * time.Second,
		},
	}
}

func sendFromEnv() Send {
	def := DefaultSend()
	return Send{
		Endpoint:          getenv("REPORT_ENDPOINT", def.Endpoint),
		AccessToken:       getenv("REPORT_ACCESS_TOKEN", ""),
		AccessTokenHeader: getenv("REPORT_ACCESS_TOKEN_HEADER", def.AccessTokenHeader),
		Timeout:           getenvDuration("REPORT_TIMEOUT", def.Timeout),
		MaxQueueDepth:     getenvInt("REPORT_MAX_QUEUE_DEPTH", def.MaxQueueDepth),
		Overflow:          parseOverflow(getenv("REPORT_OVERFLOW_POLICY", string(def.Overflow))),
		ScrubFields:       getenvList("REPORT_SCRUB_FIELDS"),
		ScrubPaths:        getenvList("REPORT_SCRUB_PATHS"),
		ScrubMarker:       getenv("REPORT_SCRUB_MARKER", def.ScrubMarker),
		RateLimitHeaders: RateLimitHeaders{
			Limit:            getenv("RATE_LIMIT_HEADER_LIMIT", def.RateLimitHeaders.Limit),
			Remaining:        getenv("RATE_LIMIT_HEADER_REMAINING", def.RateLimitHeaders.Remaining),
			Reset:            getenv("RATE_LIMIT_HEADER_RESET", def.RateLimitHeaders.Reset),
			RemainingSeconds: getenv("RATE_LIMIT_HEADER_REMAINING_SECONDS", def.RateLimitHeaders.RemainingSeconds),
		},
		MaxAttempts:     getenvInt("MAX_ATTEMPTS", def.MaxAttempts),
		RetrySchedule:   parseRetrySchedule(getenv("RETRY_SCHEDULE", "")),
		JitterPercent:   getenvFloat("RETRY_JITTER_PCT", def.JitterPercent),
		BackoffFloor:    getenvDuration("BACKOFF_FLOOR", def.BackoffFloor),
		BackoffFactor:   getenvFloat("BACKOFF_FACTOR", def.BackoffFactor),
		BackoffCap:      getenvDuration("BACKOFF_CAP", def.BackoffCap),
		StoreRejected:   getenvBool("OFFLINE_STORE_REJECTED", false),
		MaxItemsInScope: getenvInt("MAX_ITEMS_IN_SCOPE", def.MaxItemsInScope),
		Offline: Offline{
			Enabled:        getenvBool("OFFLINE_ENABLED", false),
			Location:       getenv("OFFLINE_LOCATION", def.Offline.Location),
			ReplayInterval: getenvDuration("OFFLINE_REPLAY_INTERVAL", def.Offline.ReplayInterval),
		},
	}
}

func FromEnv() Config {
	return Config{
		AppName: getenv("APP_NAME", "harbor-report"),
		Send:    sendFromEnv(),
		NSQ: NSQ{
			Enabled:        getenvBool("NSQ_EVENTS_ENABLED", false),
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:   getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			EventsTopic:    getenv("NSQ_EVENTS_TOPIC", "report_diagnostics"),
			MonitorChannel: getenv("NSQ_MONITOR_CHANNEL", "diag-monitor"),
		},
		Relay: Relay{
			Service:  getenv("RELAY_SERVICE", "harbor-report-relay"),
			HTTPPort: getenv("HTTP_PORT", ":8080"),
			Owner:    getenv("RELAY_OWNER", "relay"),

			ShutdownTimeout: getenvDuration("RELAY_SHUTDOWN_TIMEOUT", 10*time.Second),
			SyncTimeout:     getenvDuration("RELAY_SYNC_TIMEOUT", 30*time.Second),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			QuotaPerMinute:  getenvInt("QUOTA_PER_MINUTE", 60),
			ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
			Port:            getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:     getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

// Validate reports the first setting that would make the pipeline unusable.
func (s Send) Validate() error {
	if s.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if s.AccessToken == "" {
		return fmt.Errorf("access token is required")
	}
	if s.MaxQueueDepth <= 0 {
		return fmt.Errorf("max queue depth must be positive, got %d", s.MaxQueueDepth)
	}
	if s.Overflow != DropOldest && s.Overflow != RejectNewest {
		return fmt.Errorf("unknown overflow policy %q", s.Overflow)
	}
	if s.BackoffFactor < 2 {
		return fmt.Errorf("backoff factor must be at least 2, got %v", s.BackoffFactor)
	}
	if s.BackoffCap < s.BackoffFloor {
		return fmt.Errorf("backoff cap %s below floor %s", s.BackoffCap, s.BackoffFloor)
	}
	return nil
}

// Destination identifies where bundles sent under this configuration go.
func (s Send) DestinationKey() string {
	return s.Endpoint + "|" + s.AccessToken
}

// MaskToken keeps the last four characters of a token for logs and labels.
func MaskToken(token string) string {
	if len(token) <= 4 {
		return strings.Repeat("*", len(token))
	}
	return strings.Repeat("*", len(token)-4) + token[len(token)-4:]
}
