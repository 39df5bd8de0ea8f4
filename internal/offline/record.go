// Package offline persists bundles that could not reach their destination
// so they can be re-delivered later.
package offline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	json "github.com/goccy/go-json"

	"github.com/austindbirch/harbor_report/internal/config"
	"github.com/austindbirch/harbor_report/internal/delivery"
	"github.com/austindbirch/harbor_report/internal/logging"
	"github.com/austindbirch/harbor_report/internal/scrub"
)

const RecordType = "report.offline"

var ErrNotFound = errors.New("offline record not found")

// Store is a durable side-store keyed by destination.
type Store interface {
	// Store persists b for dest. Storing the same bundle twice is a no-op.
	Store(ctx context.Context, b *delivery.Bundle, dest Destination) error
	// DrainPending yields dest's records oldest first. Each range over the
	// returned sequence starts again from the oldest remaining record.
	DrainPending(ctx context.Context, dest Destination) iter.Seq2[*Record, error]
	Remove(ctx context.Context, rec *Record) error
	Close() error
}

// Destination groups records by endpoint and access token.
type Destination struct {
	Endpoint    string `json:"endpoint"`
	AccessToken string `json:"access_token"`

	config   []byte
	scrubber *scrub.Scrubber
}

// DestinationFor derives the destination of cfg, capturing the settings that
// travel with each stored record.
func DestinationFor(cfg config.Send) Destination {
	snap, _ := json.Marshal(snapshotOf(cfg))
	return Destination{
		Endpoint:    cfg.Endpoint,
		AccessToken: cfg.AccessToken,
		config:      snap,
		scrubber:    scrub.New(cfg.ScrubFields, cfg.ScrubPaths, cfg.ScrubMarker),
	}
}

// Key is a filesystem and SQL safe identifier of the destination.
func (d Destination) Key() string {
	sum := sha256.Sum256([]byte(d.Endpoint + "|" + d.AccessToken))
	return hex.EncodeToString(sum[:12])
}

func (d Destination) String() string {
	return fmt.Sprintf("%s (%s)", d.Endpoint, config.MaskToken(d.AccessToken))
}

// sendSnapshot is the serialized send configuration kept with a record. The
// access token lives in the destination and is not repeated here.
type sendSnapshot struct {
	Endpoint          string   `json:"endpoint"`
	AccessTokenHeader string   `json:"access_token_header"`
	Timeout           string   `json:"timeout"`
	ScrubFields       []string `json:"scrub_fields,omitempty"`
	ScrubPaths        []string `json:"scrub_paths,omitempty"`
	ScrubMarker       string   `json:"scrub_marker,omitempty"`
	MaxAttempts       int      `json:"max_attempts"`
}

func snapshotOf(cfg config.Send) sendSnapshot {
	return sendSnapshot{
		Endpoint:          cfg.Endpoint,
		AccessTokenHeader: cfg.AccessTokenHeader,
		Timeout:           cfg.Timeout.String(),
		ScrubFields:       cfg.ScrubFields,
		ScrubPaths:        cfg.ScrubPaths,
		ScrubMarker:       cfg.ScrubMarker,
		MaxAttempts:       cfg.MaxAttempts,
	}
}

// Record is one stored bundle.
type Record struct {
	Type        string          `json:"type"`    // "report.offline"
	Version     string          `json:"version"` // schema version
	ID          string          `json:"id"`      // the bundle ID
	Timestamp   time.Time       `json:"timestamp"`
	Owner       string          `json:"owner,omitempty"`
	Level       string          `json:"level,omitempty"`
	Attempts    int             `json:"attempts"`
	Payload     json.RawMessage `json:"payload"`          // scrubbed request body
	Config      json.RawMessage `json:"config,omitempty"` // send settings at store time
	Destination Destination     `json:"destination"`

	ref string // store-specific locator
}

// NewRecord serializes b for dest. The payload is scrubbed before it
// touches storage.
func NewRecord(b *delivery.Bundle, dest Destination, at time.Time) (*Record, error) {
	body, err := json.Marshal(b.Payload)
	if err != nil {
		return nil, fmt.Errorf("serialize payload: %w", err)
	}
	if dest.scrubber != nil {
		if body, err = dest.scrubber.ApplyJSON(body); err != nil {
			return nil, fmt.Errorf("scrub payload: %w", err)
		}
	}
	return &Record{
		Type:        RecordType,
		Version:     "v1",
		ID:          b.ID,
		Timestamp:   at.UTC(),
		Owner:       b.Owner,
		Level:       b.Level.String(),
		Attempts:    b.Attempts,
		Payload:     body,
		Config:      dest.config,
		Destination: Destination{Endpoint: dest.Endpoint, AccessToken: dest.AccessToken},
	}, nil
}

type options struct {
	clock  clock.Clock
	logger *logging.Logger
}

// Option configures a store.
type Option func(*options)

// WithClock sets the time source stamped on stored records.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{clock: clock.New(), logger: logging.Default()}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Open picks a backend from location: postgres:// and postgresql:// URLs
// select PostgresStore, anything else is a FileStore directory.
func Open(ctx context.Context, location string, opts ...Option) (Store, error) {
	if location == "" {
		return nil, errors.New("offline store location is empty")
	}
	if strings.HasPrefix(location, "postgres://") || strings.HasPrefix(location, "postgresql://") {
		return OpenPostgres(ctx, location, opts...)
	}
	return NewFileStore(location, opts...)
}
