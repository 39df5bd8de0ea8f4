package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/austindbirch/harbor_report/internal/config"
	"github.com/austindbirch/harbor_report/internal/delivery"
	"github.com/austindbirch/harbor_report/internal/logging"
	"github.com/austindbirch/harbor_report/internal/registry"
)

// mockPinger implements Pinger with a fixed result
type mockPinger struct {
	pingError error
	sawCtx    context.Context
}

func (m *mockPinger) Ping(ctx context.Context) error {
	m.sawCtx = ctx
	return m.pingError
}

type okSender struct{}

func (okSender) Send(context.Context, *delivery.Bundle) delivery.Outcome {
	return delivery.Outcome{Kind: delivery.Success}
}

func TestHTTPHandler(t *testing.T) {
	healthy, unhealthy := true, false

	tests := []struct {
		name               string
		store              Pinger
		expectedStatusCode int
		expectedOK         bool
		expectedMessage    string
		expectedStore      *bool
	}{
		{
			name:               "healthy without offline store",
			store:              nil,
			expectedStatusCode: http.StatusOK,
			expectedOK:         true,
			expectedMessage:    "ok",
		},
		{
			name:               "healthy with working store",
			store:              &mockPinger{},
			expectedStatusCode: http.StatusOK,
			expectedOK:         true,
			expectedMessage:    "ok",
			expectedStore:      &healthy,
		},
		{
			name:               "unhealthy with store ping failure",
			store:              &mockPinger{pingError: context.DeadlineExceeded},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedOK:         false,
			expectedMessage:    "offline store unavailable",
			expectedStore:      &unhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := HTTPHandler(nil, tt.store)

			req := httptest.NewRequest("GET", "/healthz", nil)
			w := httptest.NewRecorder()
			handler(w, req)

			if w.Code != tt.expectedStatusCode {
				t.Errorf("HTTPHandler() status code = %d, want %d", w.Code, tt.expectedStatusCode)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("HTTPHandler() Content-Type = %q, want %q", ct, "application/json")
			}

			var status Status
			if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
				t.Fatalf("HTTPHandler() response JSON parse error: %v", err)
			}
			if status.OK != tt.expectedOK {
				t.Errorf("HTTPHandler() Status.OK = %v, want %v", status.OK, tt.expectedOK)
			}
			if status.Message != tt.expectedMessage {
				t.Errorf("HTTPHandler() Status.Message = %q, want %q", status.Message, tt.expectedMessage)
			}
			switch {
			case tt.expectedStore == nil && status.Store != nil:
				t.Errorf("HTTPHandler() Status.Store = %v, want absent", *status.Store)
			case tt.expectedStore != nil && (status.Store == nil || *status.Store != *tt.expectedStore):
				t.Errorf("HTTPHandler() Status.Store = %v, want %v", status.Store, *tt.expectedStore)
			}
		})
	}
}

func TestHTTPHandler_PingDeadline(t *testing.T) {
	store := &mockPinger{}
	handler := HTTPHandler(nil, store)
	handler(httptest.NewRecorder(), httptest.NewRequest("GET", "/healthz", nil))

	deadline, ok := store.sawCtx.Deadline()
	if !ok {
		t.Fatal("Ping() called without a deadline")
	}
	if left := time.Until(deadline); left > time.Second {
		t.Errorf("Ping() deadline %v away, want at most 1s", left)
	}
}

func TestHTTPHandler_ReportsQueues(t *testing.T) {
	reg := registry.New(registry.WithLogger(logging.Discard()))
	cfg := config.DefaultSend()
	cfg.AccessToken = "secret-token-1234"

	q, err := reg.CreateQueue("api", cfg, okSender{})
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Shutdown(time.Second)
	q.Metadata().IncrementDelay(0)

	w := httptest.NewRecorder()
	HTTPHandler(reg, nil)(w, httptest.NewRequest("GET", "/healthz", nil))

	var status Status
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if len(status.Queues) != 1 {
		t.Fatalf("Status.Queues = %v, want one queue", status.Queues)
	}
	got := status.Queues[0]
	if got.ID != q.ID() || got.Owner != "api" {
		t.Errorf("queue status = %+v, want id %s owner api", got, q.ID())
	}
	if got.Token != config.MaskToken(cfg.AccessToken) {
		t.Errorf("queue token = %q, want masked", got.Token)
	}
	if got.DelayMS <= 0 {
		t.Errorf("queue delay_ms = %d, want the induced delay", got.DelayMS)
	}
}

func TestSnapshotEmpty(t *testing.T) {
	if got := Snapshot(nil); got == nil || len(got) != 0 {
		t.Errorf("Snapshot(nil) = %v, want empty slice", got)
	}
}
