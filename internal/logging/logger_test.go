package logging

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e LogEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		serviceName string
	}{
		{name: "create logger with service name", serviceName: "test-service"},
		{name: "create logger with empty service name", serviceName: ""},
		{name: "create logger with complex service name", serviceName: "harbor-report-relay-v2.1.3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.serviceName)

			if logger == nil {
				t.Fatal("New() returned nil logger")
			}
			if logger.Service() != tt.serviceName {
				t.Errorf("New() service = %q, want %q", logger.Service(), tt.serviceName)
			}
		})
	}
}

func TestLogger_WithContext(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)

	tests := []struct {
		name     string
		hasTrace bool
	}{
		{name: "with trace context", hasTrace: true},
		{name: "without trace context", hasTrace: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New("test-service")
			ctx := context.Background()

			if tt.hasTrace {
				newCtx, span := otel.Tracer("test-tracer").Start(ctx, "test-span")
				ctx = newCtx
				defer span.End()
			}

			before := time.Now().UTC()
			entry := logger.WithContext(ctx)
			after := time.Now().UTC()

			if entry.Time.Before(before) || entry.Time.After(after) {
				t.Errorf("WithContext() Time %v not between %v and %v", entry.Time, before, after)
			}
			if entry.Fields == nil {
				t.Error("WithContext() Fields should not be nil")
			}
			if tt.hasTrace && entry.TraceID == "" {
				t.Error("WithContext() TraceID should not be empty with trace context")
			}
			if !tt.hasTrace && entry.TraceID != "" {
				t.Errorf("WithContext() TraceID = %q, want empty string without trace", entry.TraceID)
			}
		})
	}
}

func TestLogEntry_FluentMethods(t *testing.T) {
	tests := []struct {
		name    string
		setupFn func(*LogEntry) *LogEntry
		checkFn func(*testing.T, *LogEntry)
	}{
		{
			name:    "WithQueue",
			setupFn: func(e *LogEntry) *LogEntry { return e.WithQueue("queue-1") },
			checkFn: func(t *testing.T, e *LogEntry) {
				if e.QueueID != "queue-1" {
					t.Errorf("WithQueue() QueueID = %q, want %q", e.QueueID, "queue-1")
				}
			},
		},
		{
			name:    "WithToken masks",
			setupFn: func(e *LogEntry) *LogEntry { return e.WithToken("secret-token-9876") },
			checkFn: func(t *testing.T, e *LogEntry) {
				if e.Token != "****9876" {
					t.Errorf("WithToken() Token = %q, want %q", e.Token, "****9876")
				}
			},
		},
		{
			name:    "WithToken short",
			setupFn: func(e *LogEntry) *LogEntry { return e.WithToken("abc") },
			checkFn: func(t *testing.T, e *LogEntry) {
				if e.Token != "****" {
					t.Errorf("WithToken() Token = %q, want %q", e.Token, "****")
				}
			},
		},
		{
			name: "chained methods",
			setupFn: func(e *LogEntry) *LogEntry {
				return e.WithBundle("bundle-1").WithOwner("svc").WithTraceID("trace-123")
			},
			checkFn: func(t *testing.T, e *LogEntry) {
				if e.BundleID != "bundle-1" || e.Owner != "svc" || e.TraceID != "trace-123" {
					t.Errorf("chained entry = %+v", e)
				}
			},
		},
		{
			name:    "WithError nil is ignored",
			setupFn: func(e *LogEntry) *LogEntry { return e.WithError(nil) },
			checkFn: func(t *testing.T, e *LogEntry) {
				if _, ok := e.Fields["error"]; ok {
					t.Error("WithError(nil) should not add an error field")
				}
			},
		},
		{
			name:    "WithError records message",
			setupFn: func(e *LogEntry) *LogEntry { return e.WithError(errors.New("boom")) },
			checkFn: func(t *testing.T, e *LogEntry) {
				if e.Fields["error"] != "boom" {
					t.Errorf("WithError() Fields[error] = %v, want boom", e.Fields["error"])
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := New("test-service").Plain()
			result := tt.setupFn(entry)

			// Verify fluent interface returns same entry
			if result != entry {
				t.Error("Fluent method should return same LogEntry instance")
			}
			tt.checkFn(t, entry)
		})
	}
}

func TestLogEntry_Output(t *testing.T) {
	tests := []struct {
		name    string
		logFn   func(*LogEntry)
		level   LogLevel
		message string
	}{
		{name: "debug", logFn: func(e *LogEntry) { e.Debug("d") }, level: LevelDebug, message: "d"},
		{name: "infof", logFn: func(e *LogEntry) { e.Infof("sent %d", 3) }, level: LevelInfo, message: "sent 3"},
		{name: "warn", logFn: func(e *LogEntry) { e.Warn("slow") }, level: LevelWarn, message: "slow"},
		{name: "errorf", logFn: func(e *LogEntry) { e.Errorf("failed: %s", "x") }, level: LevelError, message: "failed: x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewWithWriter("svc", &buf)
			tt.logFn(logger.Plain().WithQueue("q").WithField("k", "v"))

			entries := decodeLines(t, &buf)
			if len(entries) != 1 {
				t.Fatalf("got %d entries, want 1", len(entries))
			}
			got := entries[0]
			if got.Level != tt.level || got.Message != tt.message {
				t.Errorf("entry level/msg = %s/%q, want %s/%q", got.Level, got.Message, tt.level, tt.message)
			}
			if got.Service != "svc" || got.QueueID != "q" || got.Fields["k"] != "v" {
				t.Errorf("entry = %+v", got)
			}
		})
	}
}

func TestLogEntry_OutputOmitsEmptyFields(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter("svc", &buf).Plain().Info("hello")

	if strings.Contains(buf.String(), `"fields"`) {
		t.Errorf("output should omit empty fields: %s", buf.String())
	}
}

func TestLogger_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("svc", &buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger.Plain().WithField("i", i).Info("line")
		}(i)
	}
	wg.Wait()

	if got := len(decodeLines(t, &buf)); got != 20 {
		t.Errorf("got %d lines, want 20", got)
	}
}

func TestSetDefaultService(t *testing.T) {
	original := Default().Service()
	defer SetDefaultService(original)

	SetDefaultService("custom-service")
	if got := Plain().Service; got != "custom-service" {
		t.Errorf("Plain().Service = %q, want %q", got, "custom-service")
	}
	if got := WithFields(map[string]any{"a": 1}).Service; got != "custom-service" {
		t.Errorf("WithFields().Service = %q, want %q", got, "custom-service")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{in: "debug", want: LevelDebug},
		{in: " INFO ", want: LevelInfo},
		{in: "warning", want: LevelWarn},
		{in: "error", want: LevelError},
		{in: "fatal", want: LevelFatal},
		{in: "", wantErr: true},
		{in: "loud", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLogger_SetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("svc", &buf)
	logger.SetLevel(LevelWarn)

	logger.Plain().Debug("dropped")
	logger.Plain().Info("dropped")
	logger.Plain().Warn("kept")
	logger.Plain().Errorf("kept %d", 2)

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2: %s", len(entries), buf.String())
	}
	if entries[0].Level != LevelWarn || entries[1].Message != "kept 2" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestNewReadsLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	if got := New("svc").sink.min.Load(); got != LevelError.rank() {
		t.Errorf("New() min rank = %d, want %d", got, LevelError.rank())
	}
	t.Setenv("LOG_LEVEL", "nonsense")
	if got := New("svc").sink.min.Load(); got != LevelDebug.rank() {
		t.Errorf("New() min rank with bad LOG_LEVEL = %d, want debug", got)
	}
}

func TestLogEntry_UnmarshalableField(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter("svc", &buf).Plain().WithField("ch", make(chan int)).Warn("still logged")

	entries := decodeLines(t, &buf)
	if len(entries) != 1 || entries[0].Message != "still logged" || entries[0].Level != LevelWarn {
		t.Errorf("fallback entry = %+v", entries)
	}
}
