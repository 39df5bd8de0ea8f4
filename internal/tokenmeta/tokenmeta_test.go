package tokenmeta

import (
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func testPolicy() Policy {
	return Policy{Floor: time.Second, Factor: 2, Cap: 20 * time.Second}
}

func TestIncrementDelay_GrowsAndCaps(t *testing.T) {
	mock := clock.NewMock()
	m := New("token-a", testPolicy(), mock)

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		20 * time.Second,
		20 * time.Second,
	}

	var prev time.Duration
	for i, w := range want {
		got := m.IncrementDelay(0)
		if got != w {
			t.Errorf("IncrementDelay() #%d = %v, want %v", i+1, got, w)
		}
		if got < prev {
			t.Errorf("IncrementDelay() #%d decreased from %v to %v", i+1, prev, got)
		}
		if got > testPolicy().Cap {
			t.Errorf("IncrementDelay() #%d = %v exceeds cap", i+1, got)
		}
		if i > 0 && prev < testPolicy().Cap && got < 2*prev && got != testPolicy().Cap {
			t.Errorf("IncrementDelay() #%d = %v, want at least double %v", i+1, got, prev)
		}
		prev = got
	}
}

func TestIncrementDelay_HonorsHint(t *testing.T) {
	tests := []struct {
		name string
		hint time.Duration
		want time.Duration
	}{
		{name: "hint below floor", hint: 500 * time.Millisecond, want: time.Second},
		{name: "hint above floor", hint: 12 * time.Second, want: 12 * time.Second},
		{name: "hint above cap", hint: 5 * time.Minute, want: 20 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New("token", testPolicy(), clock.NewMock())
			if got := m.IncrementDelay(tt.hint); got != tt.want {
				t.Errorf("IncrementDelay(%v) = %v, want %v", tt.hint, got, tt.want)
			}
		})
	}
}

func TestIncrementDelay_KeepsDoublingAfterHint(t *testing.T) {
	tests := []struct {
		name  string
		cap   time.Duration
		hints []time.Duration
		want  []time.Duration
	}{
		{
			name:  "hint then unhinted signals",
			cap:   5 * time.Minute,
			hints: []time.Duration{10 * time.Second, 0, 0, 0},
			want:  []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second},
		},
		{
			name:  "hint in the middle of a run",
			cap:   5 * time.Minute,
			hints: []time.Duration{0, 0, 30 * time.Second, 0},
			want:  []time.Duration{time.Second, 2 * time.Second, 30 * time.Second, 60 * time.Second},
		},
		{
			name:  "smaller hint does not slow growth",
			cap:   5 * time.Minute,
			hints: []time.Duration{10 * time.Second, 3 * time.Second},
			want:  []time.Duration{10 * time.Second, 20 * time.Second},
		},
		{
			name:  "growth after hint is capped",
			cap:   15 * time.Second,
			hints: []time.Duration{10 * time.Second, 0, 0},
			want:  []time.Duration{10 * time.Second, 15 * time.Second, 15 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New("token", Policy{Floor: time.Second, Factor: 2, Cap: tt.cap}, clock.NewMock())
			for i, hint := range tt.hints {
				if got := m.IncrementDelay(hint); got != tt.want[i] {
					t.Errorf("IncrementDelay(%v) #%d = %v, want %v", hint, i+1, got, tt.want[i])
				}
			}
		})
	}
}

func TestIncrementDelay_RestartsFromFloorAfterReset(t *testing.T) {
	m := New("token", testPolicy(), clock.NewMock())

	m.IncrementDelay(15 * time.Second)
	m.ResetDelay()
	if got := m.IncrementDelay(0); got != time.Second {
		t.Errorf("IncrementDelay(0) after reset = %v, want 1s", got)
	}
	if got := m.IncrementDelay(0); got != 2*time.Second {
		t.Errorf("second IncrementDelay(0) after reset = %v, want 2s", got)
	}
}

func TestCurrentDelay_TracksClock(t *testing.T) {
	mock := clock.NewMock()
	m := New("token", testPolicy(), mock)

	if got := m.CurrentDelay(); got != 0 {
		t.Fatalf("CurrentDelay() before any signal = %v, want 0", got)
	}

	m.IncrementDelay(60 * time.Second) // clamped to 20s
	if got := m.CurrentDelay(); got != 20*time.Second {
		t.Errorf("CurrentDelay() = %v, want 20s", got)
	}

	mock.Add(15 * time.Second)
	if got := m.CurrentDelay(); got != 5*time.Second {
		t.Errorf("CurrentDelay() after 15s = %v, want 5s", got)
	}

	mock.Add(10 * time.Second)
	if got := m.CurrentDelay(); got != 0 {
		t.Errorf("CurrentDelay() after expiry = %v, want 0", got)
	}
	if got := m.Delay(); got != 20*time.Second {
		t.Errorf("Delay() after expiry = %v, want the last induced 20s", got)
	}
}

func TestResetDelay(t *testing.T) {
	mock := clock.NewMock()
	m := New("token", testPolicy(), mock)

	m.IncrementDelay(0)
	m.IncrementDelay(0)
	m.ResetDelay()

	if got := m.CurrentDelay(); got != 0 {
		t.Errorf("CurrentDelay() after reset = %v, want 0", got)
	}
	if got := m.Delay(); got != 0 {
		t.Errorf("Delay() after reset = %v, want 0", got)
	}
	if !m.NextEligible().IsZero() {
		t.Errorf("NextEligible() after reset = %v, want zero", m.NextEligible())
	}
	// Growth restarts at the floor.
	if got := m.IncrementDelay(0); got != time.Second {
		t.Errorf("IncrementDelay() after reset = %v, want floor 1s", got)
	}
}

func TestResetVisibleToAllSharers(t *testing.T) {
	mock := clock.NewMock()
	shared := New("token", testPolicy(), mock)

	// Queue A and queue B hold the same pointer.
	queueA, queueB := shared, shared
	queueA.IncrementDelay(10 * time.Second)
	if queueB.CurrentDelay() == 0 {
		t.Fatal("queue B should observe queue A's delay")
	}

	queueB.ResetDelay()
	if got := queueA.CurrentDelay(); got != 0 {
		t.Errorf("queue A CurrentDelay() after B's success = %v, want 0", got)
	}
}

func TestConcurrentSignals(t *testing.T) {
	m := New("token", testPolicy(), clock.NewMock())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.IncrementDelay(0)
		}()
		go func() {
			defer wg.Done()
			_ = m.CurrentDelay()
		}()
	}
	wg.Wait()

	if got := m.Delay(); got <= 0 || got > testPolicy().Cap {
		t.Errorf("Delay() after concurrent signals = %v, want within (0, cap]", got)
	}

	m.ResetDelay()
	if got := m.CurrentDelay(); got != 0 {
		t.Errorf("CurrentDelay() after reset = %v, want 0", got)
	}
}

func TestAttachDetach(t *testing.T) {
	m := New("token", testPolicy(), nil)

	m.Attach("q2")
	m.Attach("q1")
	m.Attach("q1")

	if got := m.QueueCount(); got != 2 {
		t.Errorf("QueueCount() = %d, want 2", got)
	}
	if got := m.QueueIDs(); !reflect.DeepEqual(got, []string{"q1", "q2"}) {
		t.Errorf("QueueIDs() = %v", got)
	}
	if left := m.Detach("q1"); left != 1 {
		t.Errorf("Detach() left = %d, want 1", left)
	}
	if left := m.Detach("unknown"); left != 1 {
		t.Errorf("Detach(unknown) left = %d, want 1", left)
	}
	if left := m.Detach("q2"); left != 0 {
		t.Errorf("Detach() left = %d, want 0", left)
	}
}

func TestPolicyNormalization(t *testing.T) {
	p := Policy{Floor: 0, Factor: 1.1, Cap: 0}.normalized()
	if p.Floor != time.Second || p.Factor != 2 || p.Cap != time.Second {
		t.Errorf("normalized() = %+v", p)
	}
}
