package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/minestore/api/internal/domain"
	"github.com/minestore/api/internal/platform/requestctx"
)

var fixedTime = time.Date(2025, time.January, 1, 12, 0, 0, 0, time.UTC)

func newOrderRequest(key, body string, userID string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout/orders", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	if userID != "" {
		req = req.WithContext(requestctx.WithActor(req.Context(), domain.Actor{ID: userID, Type: domain.ActorTypeCustomer}))
	}
	return req
}

func TestMiddlewareMissingHeader(t *testing.T) {
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not run without a key")
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newOrderRequest("", `{}`, "user_1"))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	assertErrorResponse(t, rr.Body.Bytes(), "idempotency_key_required")
}

func TestMiddlewareReplaysStoredResponse(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore(), WithClock(func() time.Time { return fixedTime }))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"orderId":"ord_1"}`))
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, newOrderRequest("k-1", `{"items":[]}`, "user_1"))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, newOrderRequest("k-1", `{"items":[]}`, "user_1"))

	if calls != 1 {
		t.Fatalf("expected one handler call, got %d", calls)
	}
	if second.Code != http.StatusCreated || second.Body.String() != first.Body.String() {
		t.Fatalf("expected replay of first response, got %d %s", second.Code, second.Body.String())
	}
	if second.Header().Get(replayHeaderName) != "true" || second.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected replay headers %v", second.Header())
	}
}

func TestMiddlewareScopesKeysPerActor(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), newOrderRequest("shared", `{}`, "user_1"))
	handler.ServeHTTP(httptest.NewRecorder(), newOrderRequest("shared", `{}`, "user_2"))
	if calls != 2 {
		t.Fatalf("expected separate executions per user, got %d", calls)
	}
}

func TestMiddlewareRejectsReusedKeyWithDifferentBody(t *testing.T) {
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), newOrderRequest("same", `{"a":1}`, "user_1"))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newOrderRequest("same", `{"a":2}`, "user_1"))
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	assertErrorResponse(t, rr.Body.Bytes(), "idempotency_key_conflict")
}

func TestMiddlewarePendingReservationConflicts(t *testing.T) {
	store := NewMemoryStore()
	req := newOrderRequest("pending", `{}`, "user_1")
	requester := requesterID(req.Context())
	if _, err := store.Reserve(req.Context(), requester+"|pending", requestFingerprint(req, []byte(`{}`), requester), fixedTime, time.Hour); err != nil {
		t.Fatalf("seed reservation: %v", err)
	}
	handler := Middleware(store, WithClock(func() time.Time { return fixedTime }))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not run while another request holds the key")
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	assertErrorResponse(t, rr.Body.Bytes(), "idempotency_in_progress")
}

func TestMiddlewareServerErrorsAreRetryable(t *testing.T) {
	store := NewMemoryStore()
	status := http.StatusServiceUnavailable
	calls := 0
	handler := Middleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(status)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), newOrderRequest("retry", `{}`, "user_1"))
	status = http.StatusCreated
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newOrderRequest("retry", `{}`, "user_1"))

	if calls != 2 || rr.Code != http.StatusCreated {
		t.Fatalf("expected retry to execute, calls=%d code=%d", calls, rr.Code)
	}
}

func TestMiddlewareCompleteFailureStillResponds(t *testing.T) {
	store := &stubStore{failComplete: true}
	var logged []string
	handler := Middleware(store, WithLogger(func(_ context.Context, event string, _ map[string]any) {
		logged = append(logged, event)
	}))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("ok"))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newOrderRequest("k", `{}`, "user_1"))
	if rr.Code != http.StatusCreated || rr.Body.String() != "ok" {
		t.Fatalf("expected handler response to pass through, got %d %q", rr.Code, rr.Body.String())
	}
	if !store.released || len(logged) != 1 || logged[0] != "idempotency.complete.failed" {
		t.Fatalf("expected release and log, released=%v logged=%v", store.released, logged)
	}
}

func TestMiddlewareStoreUnavailable(t *testing.T) {
	handler := Middleware(&stubStore{failReserve: true})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not run")
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newOrderRequest("k", `{}`, "user_1"))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

type stubStore struct {
	failReserve  bool
	failComplete bool
	released     bool
}

func (s *stubStore) Reserve(context.Context, string, string, time.Time, time.Duration) (Reservation, error) {
	if s.failReserve {
		return Reservation{}, errors.New("redis down")
	}
	return Reservation{State: ReservationStateNew}, nil
}

func (s *stubStore) Complete(context.Context, string, string, Response, time.Time, time.Duration) error {
	if s.failComplete {
		return errors.New("save failed")
	}
	return nil
}

func (s *stubStore) Release(context.Context, string, string) error {
	s.released = true
	return nil
}

func assertErrorResponse(t *testing.T, payload []byte, expected string) {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if body.Error != expected {
		t.Fatalf("expected error code %s, got %s", expected, body.Error)
	}
}
