package config

import (
	"os"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestGetenv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		expected     string
	}{
		{
			name:         "returns environment variable when set",
			key:          "TEST_KEY_1",
			defaultValue: "default",
			envValue:     "env_value",
			expected:     "env_value",
		},
		{
			name:         "returns default when environment variable is empty",
			key:          "TEST_KEY_2",
			defaultValue: "default",
			envValue:     "",
			expected:     "default",
		},
		{
			name:         "handles empty default value",
			key:          "TEST_KEY_3",
			defaultValue: "",
			envValue:     "env_value",
			expected:     "env_value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			result := getenv(tt.key, tt.defaultValue)
			if result != tt.expected {
				t.Errorf("getenv(%q, %q) = %q, want %q", tt.key, tt.defaultValue, result, tt.expected)
			}
		})
	}
}

func TestGetenvTyped(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BAD_INT", "forty-two")
	t.Setenv("TEST_FLOAT", "0.5")
	t.Setenv("TEST_BOOL", "true")
	t.Setenv("TEST_DURATION", "250ms")

	if got := getenvInt("TEST_INT", 1); got != 42 {
		t.Errorf("getenvInt() = %d, want 42", got)
	}
	if got := getenvInt("TEST_BAD_INT", 7); got != 7 {
		t.Errorf("getenvInt() with invalid value = %d, want 7", got)
	}
	if got := getenvFloat("TEST_FLOAT", 0.1); got != 0.5 {
		t.Errorf("getenvFloat() = %v, want 0.5", got)
	}
	if got := getenvBool("TEST_BOOL", false); !got {
		t.Errorf("getenvBool() = false, want true")
	}
	if got := getenvDuration("TEST_DURATION", time.Second); got != 250*time.Millisecond {
		t.Errorf("getenvDuration() = %v, want 250ms", got)
	}
}

func TestGetenvList(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		expected []string
	}{
		{name: "unset", value: "", expected: nil},
		{name: "single", value: "password", expected: []string{"password"}},
		{name: "trims and drops empties", value: " password, ,secret ,", expected: []string{"password", "secret"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Unsetenv("TEST_LIST")
			if tt.value != "" {
				t.Setenv("TEST_LIST", tt.value)
			}
			got := getenvList("TEST_LIST")
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("getenvList() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestParseRetrySchedule(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []time.Duration
	}{
		{name: "empty uses default", input: "", expected: defaultRetrySchedule()},
		{name: "custom schedule", input: "100ms, 2s,1m", expected: []time.Duration{100 * time.Millisecond, 2 * time.Second, time.Minute}},
		{name: "skips invalid entries", input: "1s,bogus,3s", expected: []time.Duration{time.Second, 3 * time.Second}},
		{name: "all invalid falls back", input: "x,y", expected: defaultRetrySchedule()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseRetrySchedule(tt.input)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("parseRetrySchedule(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParseOverflow(t *testing.T) {
	tests := []struct {
		input    string
		expected OverflowPolicy
	}{
		{"drop_oldest", DropOldest},
		{"REJECT_NEWEST", RejectNewest},
		{" reject_newest ", RejectNewest},
		{"unknown", DropOldest},
		{"", DropOldest},
	}

	for _, tt := range tests {
		if got := parseOverflow(tt.input); got != tt.expected {
			t.Errorf("parseOverflow(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := FromEnv()
		def := DefaultSend()

		if cfg.AppName != "harbor-report" {
			t.Errorf("AppName = %q, want %q", cfg.AppName, "harbor-report")
		}
		if cfg.Send.Endpoint != def.Endpoint {
			t.Errorf("Send.Endpoint = %q, want %q", cfg.Send.Endpoint, def.Endpoint)
		}
		if cfg.Send.Overflow != DropOldest {
			t.Errorf("Send.Overflow = %q, want %q", cfg.Send.Overflow, DropOldest)
		}
		if cfg.Send.Offline.Enabled {
			t.Error("Send.Offline.Enabled = true, want disabled by default")
		}
		if cfg.NSQ.EventsTopic != "report_diagnostics" {
			t.Errorf("NSQ.EventsTopic = %q, want %q", cfg.NSQ.EventsTopic, "report_diagnostics")
		}
		if cfg.NSQ.MonitorChannel != "diag-monitor" {
			t.Errorf("NSQ.MonitorChannel = %q, want %q", cfg.NSQ.MonitorChannel, "diag-monitor")
		}
		if cfg.Relay.HTTPPort != ":8080" {
			t.Errorf("Relay.HTTPPort = %q, want %q", cfg.Relay.HTTPPort, ":8080")
		}
		if cfg.Relay.ShutdownTimeout != 10*time.Second {
			t.Errorf("Relay.ShutdownTimeout = %v, want 10s", cfg.Relay.ShutdownTimeout)
		}
		if !reflect.DeepEqual(cfg.Send.RateLimitHeaders, def.RateLimitHeaders) {
			t.Errorf("Send.RateLimitHeaders = %+v, want %+v", cfg.Send.RateLimitHeaders, def.RateLimitHeaders)
		}
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("REPORT_ENDPOINT", "https://ingest.example.com/api/1/item/")
		t.Setenv("REPORT_ACCESS_TOKEN", "tok_abcdef")
		t.Setenv("REPORT_MAX_QUEUE_DEPTH", "2")
		t.Setenv("REPORT_OVERFLOW_POLICY", "reject_newest")
		t.Setenv("REPORT_SCRUB_FIELDS", "password,secret")
		t.Setenv("REPORT_SCRUB_PATHS", "request.headers.Authorization")
		t.Setenv("OFFLINE_ENABLED", "true")
		t.Setenv("OFFLINE_LOCATION", "/var/lib/report")
		t.Setenv("BACKOFF_CAP", "30s")
		t.Setenv("NSQ_EVENTS_ENABLED", "1")

		cfg := FromEnv()

		if cfg.Send.Endpoint != "https://ingest.example.com/api/1/item/" {
			t.Errorf("Send.Endpoint = %q", cfg.Send.Endpoint)
		}
		if cfg.Send.AccessToken != "tok_abcdef" {
			t.Errorf("Send.AccessToken = %q", cfg.Send.AccessToken)
		}
		if cfg.Send.MaxQueueDepth != 2 {
			t.Errorf("Send.MaxQueueDepth = %d, want 2", cfg.Send.MaxQueueDepth)
		}
		if cfg.Send.Overflow != RejectNewest {
			t.Errorf("Send.Overflow = %q, want %q", cfg.Send.Overflow, RejectNewest)
		}
		if !reflect.DeepEqual(cfg.Send.ScrubFields, []string{"password", "secret"}) {
			t.Errorf("Send.ScrubFields = %v", cfg.Send.ScrubFields)
		}
		if !reflect.DeepEqual(cfg.Send.ScrubPaths, []string{"request.headers.Authorization"}) {
			t.Errorf("Send.ScrubPaths = %v", cfg.Send.ScrubPaths)
		}
		if !cfg.Send.Offline.Enabled || cfg.Send.Offline.Location != "/var/lib/report" {
			t.Errorf("Send.Offline = %+v", cfg.Send.Offline)
		}
		if cfg.Send.BackoffCap != 30*time.Second {
			t.Errorf("Send.BackoffCap = %v, want 30s", cfg.Send.BackoffCap)
		}
		if !cfg.NSQ.Enabled {
			t.Error("NSQ.Enabled = false, want true")
		}
	})
}

func TestSendValidate(t *testing.T) {
	valid := DefaultSend()
	valid.AccessToken = "token"

	tests := []struct {
		name    string
		mutate  func(*Send)
		wantErr string
	}{
		{name: "valid", mutate: func(*Send) {}},
		{name: "missing endpoint", mutate: func(s *Send) { s.Endpoint = "" }, wantErr: "endpoint"},
		{name: "missing token", mutate: func(s *Send) { s.AccessToken = "" }, wantErr: "access token"},
		{name: "zero depth", mutate: func(s *Send) { s.MaxQueueDepth = 0 }, wantErr: "queue depth"},
		{name: "bad policy", mutate: func(s *Send) { s.Overflow = "block" }, wantErr: "overflow"},
		{name: "slow growth", mutate: func(s *Send) { s.BackoffFactor = 1.5 }, wantErr: "factor"},
		{name: "cap below floor", mutate: func(s *Send) { s.BackoffCap = time.Millisecond }, wantErr: "cap"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestMaskToken(t *testing.T) {
	tests := []struct {
		token    string
		expected string
	}{
		{"", ""},
		{"abc", "***"},
		{"abcd", "****"},
		{"abcdef123456", "********3456"},
	}
	for _, tt := range tests {
		if got := MaskToken(tt.token); got != tt.expected {
			t.Errorf("MaskToken(%q) = %q, want %q", tt.token, got, tt.expected)
		}
	}
}
