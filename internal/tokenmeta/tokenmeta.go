// Package tokenmeta holds the backoff state shared by every queue that sends
// with the same access token.
package tokenmeta

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v5"

	"github.com/austindbirch/harbor_report/internal/config"
	"github.com/austindbirch/harbor_report/internal/metrics"
)

// Policy bounds the induced delay growth.
type Policy struct {
	Floor  time.Duration // first delay after a rate limit
	Factor float64       // growth per consecutive signal, at least 2
	Cap    time.Duration // never wait longer than this
}

// PolicyFromConfig extracts the backoff policy from a send configuration.
func PolicyFromConfig(cfg config.Send) Policy {
	return Policy{Floor: cfg.BackoffFloor, Factor: cfg.BackoffFactor, Cap: cfg.BackoffCap}
}

func (p Policy) normalized() Policy {
	if p.Floor <= 0 {
		p.Floor = time.Second
	}
	if p.Factor < 2 {
		p.Factor = 2
	}
	if p.Cap < p.Floor {
		p.Cap = p.Floor
	}
	return p
}

// Metadata is the synchronized per-token state. The zero value is not usable;
// build it with New.
type Metadata struct {
	token  string
	masked string
	policy Policy
	clock  clock.Clock

	mu           sync.Mutex
	expo         *backoff.ExponentialBackOff
	delay        time.Duration
	nextEligible time.Time
	queues       map[string]struct{}
}

// New returns metadata for token with no delay in effect. A nil clk means
// the wall clock; policy is normalized first.
func New(token string, policy Policy, clk clock.Clock) *Metadata {
	if clk == nil {
		clk = clock.New()
	}
	policy = policy.normalized()

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = policy.Floor
	expo.Multiplier = policy.Factor
	expo.MaxInterval = policy.Cap
	expo.RandomizationFactor = 0
	expo.Reset()

	return &Metadata{
		token:  token,
		masked: config.MaskToken(token),
		policy: policy,
		clock:  clk,
		expo:   expo,
		queues: make(map[string]struct{}),
	}
}

func (m *Metadata) Token() string  { return m.token }
func (m *Metadata) Policy() Policy { return m.policy }

// CurrentDelay is the time left before the next send is permitted.
func (m *Metadata) CurrentDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.nextEligible.IsZero() {
		return 0
	}
	if left := m.nextEligible.Sub(m.clock.Now()); left > 0 {
		return left
	}
	return 0
}

// Delay is the induced delay set by the last rate-limit signal.
func (m *Metadata) Delay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delay
}

// NextEligible is when sending may resume; zero when no delay is in effect.
func (m *Metadata) NextEligible() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextEligible
}

// IncrementDelay applies one rate-limit signal. hint is the wait advertised
// by the destination, zero if none. The new delay is at least Factor times
// the current one and at least hint, clamped to the cap.
func (m *Metadata) IncrementDelay(hint time.Duration) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.expo.NextBackOff()
	if grown := time.Duration(float64(m.delay) * m.policy.Factor); grown > next {
		next = grown
	}
	if hint > next {
		next = hint
	}
	if next > m.policy.Cap {
		next = m.policy.Cap
	}
	if next < m.delay {
		next = m.delay
	}
	m.reseed(next)

	m.delay = next
	m.nextEligible = m.clock.Now().Add(next)
	metrics.SetTokenDelay(m.masked, next)
	return next
}

// reseed makes the exponential step after d equal d*Factor, so a delay raised
// by a hint keeps growing from there.
func (m *Metadata) reseed(d time.Duration) {
	m.expo.InitialInterval = d
	m.expo.Reset()
	m.expo.NextBackOff()
	m.expo.InitialInterval = m.policy.Floor
}

// ResetDelay clears the delay after any successful send on the token.
func (m *Metadata) ResetDelay() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.delay == 0 && m.nextEligible.IsZero() {
		return
	}
	m.expo.Reset()
	m.delay = 0
	m.nextEligible = time.Time{}
	metrics.SetTokenDelay(m.masked, 0)
}

// Attach records a queue as a user of this token.
func (m *Metadata) Attach(queueID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[queueID] = struct{}{}
}

// Detach removes a queue and returns how many remain.
func (m *Metadata) Detach(queueID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queues, queueID)
	return len(m.queues)
}

func (m *Metadata) QueueCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues)
}

// QueueIDs returns the attached queues in sorted order.
func (m *Metadata) QueueIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.queues))
	for id := range m.queues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
