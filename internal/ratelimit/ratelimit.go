// Package ratelimit parses the quota headers returned by the ingestion
// endpoint into an immutable snapshot.
package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/austindbirch/harbor_report/internal/config"
)

// State is one response's view of the destination quota. A zero field means
// the corresponding header was absent or unparsable.
type State struct {
	Limit            int
	Remaining        int
	Reset            time.Time
	RemainingSeconds time.Duration

	hasRemaining bool
}

// Parse reads the configured headers from h. It returns nil when none of
// them are present.
func Parse(h http.Header, names config.RateLimitHeaders, now time.Time) *State {
	var (
		st    State
		found bool
	)

	if v, ok := intHeader(h, names.Limit); ok {
		st.Limit = v
		found = true
	}
	if v, ok := intHeader(h, names.Remaining); ok {
		st.Remaining = v
		st.hasRemaining = true
		found = true
	}
	if v, ok := intHeader(h, names.Reset); ok && v > 0 {
		st.Reset = time.Unix(int64(v), 0)
		found = true
	}
	if v, ok := intHeader(h, names.RemainingSeconds); ok && v > 0 {
		st.RemainingSeconds = time.Duration(v) * time.Second
		found = true
	}

	if !found {
		return nil
	}
	// Derive whichever of the two reset forms is missing.
	if st.RemainingSeconds == 0 && !st.Reset.IsZero() && st.Reset.After(now) {
		st.RemainingSeconds = st.Reset.Sub(now).Truncate(time.Second)
	}
	if st.Reset.IsZero() && st.RemainingSeconds > 0 {
		st.Reset = now.Add(st.RemainingSeconds)
	}
	return &st
}

// Exhausted reports whether the window has no quota left.
func (s *State) Exhausted() bool {
	return s != nil && s.hasRemaining && s.Remaining <= 0
}

// RetryAfter is the wait the destination asked for, zero when unknown.
func (s *State) RetryAfter() time.Duration {
	if s == nil {
		return 0
	}
	return s.RemainingSeconds
}

func intHeader(h http.Header, name string) (int, bool) {
	if name == "" {
		return 0, false
	}
	v := strings.TrimSpace(h.Get(name))
	if v == "" {
		return 0, false
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return i, true
}
