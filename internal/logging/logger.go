// Package logging writes one JSON object per line, correlated with the
// active trace and tagged with the queue, bundle and owner a line is about.
// Access tokens only ever appear masked.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"github.com/austindbirch/harbor_report/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

func (l LogLevel) rank() int32 {
	switch l {
	case LevelInfo:
		return 1
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	case LevelFatal:
		return 4
	default:
		return 0
	}
}

// ParseLogLevel accepts the level names case-insensitively; "warning" is an
// alias for warn.
func ParseLogLevel(s string) (LogLevel, error) {
	switch l := LogLevel(strings.ToLower(strings.TrimSpace(s))); l {
	case LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal:
		return l, nil
	case "warning":
		return LevelWarn, nil
	}
	return "", fmt.Errorf("unknown log level %q", s)
}

// LogEntry is one line. Build it with the With* methods, then emit it with
// a level method.
type LogEntry struct {
	Time     time.Time      `json:"time"`
	Level    LogLevel       `json:"level"`
	Message  string         `json:"msg"`
	Service  string         `json:"service,omitempty"`
	TraceID  string         `json:"trace_id,omitempty"`
	QueueID  string         `json:"queue_id,omitempty"`
	Token    string         `json:"token,omitempty"` // always masked
	BundleID string         `json:"bundle_id,omitempty"`
	Owner    string         `json:"owner,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`

	sink *sink
}

// sink is shared by every entry of one logger.
type sink struct {
	mu  sync.Mutex
	w   io.Writer
	min atomic.Int32
}

func newSink(w io.Writer, min LogLevel) *sink {
	s := &sink{w: w}
	s.min.Store(min.rank())
	return s
}

// Logger stamps a service name on entries and writes them to one sink.
type Logger struct {
	service string
	sink    *sink
}

// New returns a logger writing to stdout. LOG_LEVEL sets the minimum level,
// debug when unset or unparseable.
func New(service string) *Logger {
	min, err := ParseLogLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		min = LevelDebug
	}
	return &Logger{service: service, sink: newSink(os.Stdout, min)}
}

// NewWithWriter returns a logger writing every level to w.
func NewWithWriter(service string, w io.Writer) *Logger {
	return &Logger{service: service, sink: newSink(w, LevelDebug)}
}

// Discard returns a logger that writes nowhere.
func Discard() *Logger {
	return NewWithWriter("", io.Discard)
}

func (l *Logger) Service() string { return l.service }

// SetLevel drops entries below min from now on.
func (l *Logger) SetLevel(min LogLevel) {
	l.sink.min.Store(min.rank())
}

func (l *Logger) entry(fields map[string]any) *LogEntry {
	return &LogEntry{
		Time:    time.Now().UTC(),
		Service: l.service,
		Fields:  fields,
		sink:    l.sink,
	}
}

// WithContext starts an entry carrying the trace id of ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	e := l.entry(make(map[string]any))
	e.TraceID = tracing.GetTraceID(ctx)
	return e
}

func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.entry(fields)
}

func (l *Logger) Plain() *LogEntry {
	return l.entry(make(map[string]any))
}

func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	e.TraceID = traceID
	return e
}

func (e *LogEntry) WithQueue(queueID string) *LogEntry {
	e.QueueID = queueID
	return e
}

// WithToken records an access token. Only the masked form is kept.
func (e *LogEntry) WithToken(token string) *LogEntry {
	e.Token = maskToken(token)
	return e
}

func (e *LogEntry) WithBundle(bundleID string) *LogEntry {
	e.BundleID = bundleID
	return e
}

// WithOwner tags the entry with the logger identity that produced a report.
func (e *LogEntry) WithOwner(owner string) *LogEntry {
	e.Owner = owner
	return e
}

func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	for k, v := range fields {
		e.WithField(k, v)
	}
	return e
}

// WithError sets the "error" field. A nil err leaves the entry unchanged.
func (e *LogEntry) WithError(err error) *LogEntry {
	if err == nil {
		return e
	}
	return e.WithField("error", err.Error())
}

func (e *LogEntry) Debug(msg string) { e.emit(LevelDebug, msg) }
func (e *LogEntry) Info(msg string)  { e.emit(LevelInfo, msg) }
func (e *LogEntry) Warn(msg string)  { e.emit(LevelWarn, msg) }
func (e *LogEntry) Error(msg string) { e.emit(LevelError, msg) }

func (e *LogEntry) Debugf(format string, args ...any) { e.emit(LevelDebug, fmt.Sprintf(format, args...)) }
func (e *LogEntry) Infof(format string, args ...any)  { e.emit(LevelInfo, fmt.Sprintf(format, args...)) }
func (e *LogEntry) Warnf(format string, args ...any)  { e.emit(LevelWarn, fmt.Sprintf(format, args...)) }
func (e *LogEntry) Errorf(format string, args ...any) { e.emit(LevelError, fmt.Sprintf(format, args...)) }

// Fatal writes the entry and exits the process with status 1.
func (e *LogEntry) Fatal(msg string) {
	e.emit(LevelFatal, msg)
	os.Exit(1)
}

func (e *LogEntry) Fatalf(format string, args ...any) {
	e.Fatal(fmt.Sprintf(format, args...))
}

func (e *LogEntry) emit(level LogLevel, msg string) {
	s := e.sink
	if s == nil {
		s = defaultLogger.sink
	}
	if level.rank() < s.min.Load() {
		return
	}
	e.Level = level
	e.Message = msg
	if len(e.Fields) == 0 {
		e.Fields = nil
	}

	line, err := json.Marshal(e)
	if err != nil {
		// An unmarshalable field value; keep the message.
		line = []byte(fmt.Sprintf(`{"time":%q,"level":%q,"msg":%q,"service":%q,"log_error":%q}`,
			e.Time.Format(time.RFC3339Nano), level, msg, e.Service, err.Error()))
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.w.Write(line)
}

func maskToken(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return "****" + token[len(token)-4:]
}

var defaultLogger = New("harbor-report")

// WithContext starts an entry on the default logger.
func WithContext(ctx context.Context) *LogEntry {
	return defaultLogger.WithContext(ctx)
}

func WithFields(fields map[string]any) *LogEntry {
	return defaultLogger.WithFields(fields)
}

func Plain() *LogEntry {
	return defaultLogger.Plain()
}

// Default returns the package-level logger.
func Default() *Logger {
	return defaultLogger
}

// SetDefaultService renames the default logger. Call it once at startup,
// before any goroutine logs.
func SetDefaultService(service string) {
	defaultLogger.service = service
}
