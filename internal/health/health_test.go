package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/batikpay/internal/domain"
	"github.com/vladislavdragonenkov/batikpay/internal/storage/memory"
)

func okPing(context.Context) error { return nil }

func failingPing(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

func serve(t *testing.T, h http.HandlerFunc, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

func TestHealthHandler(t *testing.T) {
	handler := NewHandler("v1.0.0")
	handler.RegisterChecker("postgres", NewPingChecker("postgres", okPing))

	w := serve(t, handler.ServeHTTP, "/healthz")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var response Response
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Status != StatusHealthy {
		t.Errorf("expected status healthy, got %s", response.Status)
	}
	if response.Version != "v1.0.0" {
		t.Errorf("expected version v1.0.0, got %s", response.Version)
	}
	if _, ok := response.Checks["postgres"]; !ok {
		t.Error("expected postgres check in response")
	}
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	handler := NewHandler("v1.0.0")
	handler.RegisterChecker("redis", NewPingChecker("redis", failingPing("connection refused")))

	w := serve(t, handler.ServeHTTP, "/healthz")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", w.Code)
	}

	var response Response
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Checks["redis"].Message != "connection refused" {
		t.Errorf("unexpected message %q", response.Checks["redis"].Message)
	}
}

func TestHealthHandler_OptionalComponentDegrades(t *testing.T) {
	handler := NewHandler("v1.0.0")
	handler.RegisterChecker("postgres", NewPingChecker("postgres", okPing))
	handler.RegisterChecker("kafka", NewOptionalChecker("kafka", failingPing("no brokers")))

	response := handler.Run(context.Background())
	if response.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %s", response.Status)
	}

	if w := serve(t, handler.ServeHTTP, "/healthz"); w.Code != http.StatusOK {
		t.Errorf("degraded service should answer 200, got %d", w.Code)
	}
	if w := serve(t, handler.ReadinessHandler, "/readyz"); w.Code != http.StatusOK {
		t.Errorf("degraded service should stay ready, got %d", w.Code)
	}
}

func TestPingChecker_ReceivesDeadline(t *testing.T) {
	handler := NewHandler("v1.0.0")
	var hasDeadline bool
	handler.RegisterChecker("postgres", NewPingChecker("postgres", func(ctx context.Context) error {
		_, hasDeadline = ctx.Deadline()
		return nil
	}))

	handler.Run(context.Background())
	if !hasDeadline {
		t.Error("checker context should carry a deadline")
	}
}

func TestLivenessHandler(t *testing.T) {
	w := serve(t, LivenessHandler, "/livez")
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "ok" {
		t.Errorf("expected body 'ok', got %s", w.Body.String())
	}
}

func TestReadinessHandler_NotReady(t *testing.T) {
	handler := NewHandler("v1.0.0")
	handler.RegisterChecker("postgres", NewPingChecker("postgres", failingPing("not ready")))

	w := serve(t, handler.ReadinessHandler, "/readyz")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}
	if w.Body.String() != "not ready" {
		t.Errorf("expected body 'not ready', got %s", w.Body.String())
	}
}

func TestOutboxBacklogChecker(t *testing.T) {
	repo := memory.NewOutboxRepository()
	checker := NewOutboxBacklogChecker(repo, 1, 0)

	if check := checker.Check(context.Background()); check.Status != StatusHealthy {
		t.Fatalf("empty outbox should be healthy, got %s", check.Status)
	}

	for i := 0; i < 2; i++ {
		if _, err := repo.Enqueue(domain.OutboxMessage{AggregateType: "checkout", AggregateID: "ORD1", EventType: "PaymentPending"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	check := checker.Check(context.Background())
	if check.Status != StatusDegraded {
		t.Fatalf("expected degraded outbox, got %s", check.Status)
	}
	if check.Message == "" {
		t.Error("expected message for degraded outbox")
	}
}

func TestOutboxBacklogChecker_OldestPending(t *testing.T) {
	repo := memory.NewOutboxRepository()
	if _, err := repo.Enqueue(domain.OutboxMessage{AggregateType: "checkout", AggregateID: "ORD1", EventType: "PaymentPending"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	check := NewOutboxBacklogChecker(repo, 0, time.Millisecond).Check(context.Background())
	if check.Status != StatusDegraded {
		t.Fatalf("expected degraded outbox, got %s", check.Status)
	}
}
