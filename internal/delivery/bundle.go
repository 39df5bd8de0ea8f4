package delivery

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level is the severity a report was logged at.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	case LevelCritical:
		return "critical"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel accepts the names produced by Level.String, plus "warn".
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warning", "warn":
		return LevelWarning, nil
	case "error":
		return LevelError, nil
	case "critical":
		return LevelCritical, nil
	}
	return LevelInfo, fmt.Errorf("unknown level %q", s)
}

// Bundle is a payload plus its delivery bookkeeping. Everything except
// Attempts is fixed at construction; Attempts belongs to the drain loop of
// the queue holding the bundle.
type Bundle struct {
	ID         string    `json:"id"`
	Payload    any       `json:"payload"`
	Owner      string    `json:"owner"`
	Level      Level     `json:"level"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`

	once sync.Once
	done chan error
}

func NewBundle(owner string, level Level, payload any) *Bundle {
	return &Bundle{
		ID:         uuid.NewString(),
		Payload:    payload,
		Owner:      owner,
		Level:      level,
		EnqueuedAt: time.Now().UTC(),
	}
}

// NewSyncBundle builds a bundle whose terminal result can be awaited with
// Done.
func NewSyncBundle(owner string, level Level, payload any) *Bundle {
	b := NewBundle(owner, level, payload)
	b.done = make(chan error, 1)
	return b
}

// Synchronous reports whether someone is waiting on the bundle.
func (b *Bundle) Synchronous() bool { return b.done != nil }

// Done yields the terminal result of a synchronous bundle: nil once
// delivered, an error when dropped. It is nil for fire-and-forget bundles.
func (b *Bundle) Done() <-chan error { return b.done }

// Complete records the terminal result. Only the first call has an effect.
func (b *Bundle) Complete(err error) {
	if b.done == nil {
		return
	}
	b.once.Do(func() {
		b.done <- err
	})
}
