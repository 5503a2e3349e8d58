package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/minestore/api/internal/domain"
	"github.com/minestore/api/internal/platform/requestctx"
	"github.com/minestore/api/internal/services"
)

func newExecutorRouter(h *ExecutorHandlers) http.Handler {
	r := chi.NewRouter()
	r.Route("/executor", h.Routes)
	return r
}

func asExecutor(req *http.Request, id string) *http.Request {
	return req.WithContext(requestctx.WithActor(req.Context(), domain.Actor{ID: id, Type: domain.ActorTypeExecutor}))
}

func leasedItem(id string) services.WorkItem {
	expires := testNow.Add(time.Minute)
	return services.WorkItem{
		ID:             id,
		OrderID:        "ord_1",
		PackageID:      "pkg_diamonds",
		Unit:           1,
		Username:       "Steve",
		Command:        "give Steve diamond 2",
		Status:         domain.WorkItemInProgress,
		Attempts:       1,
		MaxAttempts:    3,
		ClaimToken:     "tok-1",
		ClaimedBy:      "exec-1",
		ClaimExpiresAt: &expires,
		CreatedAt:      testNow,
	}
}

func TestExecutorClaim(t *testing.T) {
	var captured services.ClaimCommand
	queue := &stubQueue{claimFn: func(_ context.Context, cmd services.ClaimCommand) ([]services.WorkItem, error) {
		captured = cmd
		return []services.WorkItem{leasedItem("wi_1"), leasedItem("wi_2")}, nil
	}}
	router := newExecutorRouter(NewExecutorHandlers(queue))

	req := asExecutor(httptest.NewRequest(http.MethodPost, "/executor/work-items:claim", strings.NewReader(`{"limit":5,"leaseSeconds":90}`)), "exec-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.ExecutorID != "exec-1" || captured.Limit != 5 || captured.Lease != 90*time.Second {
		t.Fatalf("unexpected claim command %+v", captured)
	}
	items := decodeBody(t, rr)["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("expected two items, got %d", len(items))
	}
	first := items[0].(map[string]any)
	if first["claimToken"] != "tok-1" || first["command"] != "give Steve diamond 2" {
		t.Fatalf("expected claim token and command in claim response, got %v", first)
	}
}

func TestExecutorClaimDefaultsAndValidation(t *testing.T) {
	queue := &stubQueue{claimFn: func(_ context.Context, cmd services.ClaimCommand) ([]services.WorkItem, error) {
		if cmd.Limit != 0 || cmd.Lease != 0 {
			t.Fatalf("expected zero values to defer to service defaults, got %+v", cmd)
		}
		return nil, nil
	}}
	router := newExecutorRouter(NewExecutorHandlers(queue))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, asExecutor(httptest.NewRequest(http.MethodPost, "/executor/work-items:claim", nil), "exec-1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if items := decodeBody(t, rr)["items"].([]any); len(items) != 0 {
		t.Fatalf("expected empty items array, got %v", items)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, asExecutor(httptest.NewRequest(http.MethodPost, "/executor/work-items:claim", strings.NewReader(`{"limit":-1}`)), "exec-1"))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative limit, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/executor/work-items:claim", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without executor identity, got %d", rr.Code)
	}
}

func TestExecutorReport(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		err      error
		wantCode int
		wantCmd  services.ReportCommand
		success  bool
	}{
		{
			name:     "complete",
			path:     "/executor/work-items/wi_1:complete",
			body:     `{"claimToken":" tok-1 "}`,
			wantCode: http.StatusOK,
			wantCmd:  services.ReportCommand{ItemID: "wi_1", ClaimToken: "tok-1"},
			success:  true,
		},
		{
			name:     "fail",
			path:     "/executor/work-items/wi_1:fail",
			body:     `{"claimToken":"tok-1","error":"player offline"}`,
			wantCode: http.StatusOK,
			wantCmd:  services.ReportCommand{ItemID: "wi_1", ClaimToken: "tok-1", Error: "player offline"},
		},
		{
			name:     "stale lease",
			path:     "/executor/work-items/wi_1:complete",
			body:     `{"claimToken":"old"}`,
			err:      services.ErrWorkItemClaimMismatch,
			wantCode: http.StatusConflict,
			wantCmd:  services.ReportCommand{ItemID: "wi_1", ClaimToken: "old"},
			success:  true,
		},
		{
			name:     "unknown item",
			path:     "/executor/work-items/wi_x:fail",
			body:     `{"claimToken":"tok-1"}`,
			err:      services.ErrWorkItemNotFound,
			wantCode: http.StatusNotFound,
			wantCmd:  services.ReportCommand{ItemID: "wi_x", ClaimToken: "tok-1"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var (
				captured services.ReportCommand
				gotKind  string
			)
			respond := func(kind string) func(context.Context, services.ReportCommand) (services.WorkItem, error) {
				return func(_ context.Context, cmd services.ReportCommand) (services.WorkItem, error) {
					captured = cmd
					gotKind = kind
					if tc.err != nil {
						return services.WorkItem{}, tc.err
					}
					item := leasedItem(cmd.ItemID)
					item.ClaimToken = ""
					item.Status = domain.WorkItemCompleted
					return item, nil
				}
			}
			queue := &stubQueue{successFn: respond("success"), failureFn: respond("failure")}
			router := newExecutorRouter(NewExecutorHandlers(queue))

			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, asExecutor(httptest.NewRequest(http.MethodPost, tc.path, strings.NewReader(tc.body)), "exec-1"))

			if rr.Code != tc.wantCode {
				t.Fatalf("expected %d, got %d: %s", tc.wantCode, rr.Code, rr.Body.String())
			}
			if captured != tc.wantCmd {
				t.Fatalf("expected command %+v, got %+v", tc.wantCmd, captured)
			}
			wantKind := "failure"
			if tc.success {
				wantKind = "success"
			}
			if gotKind != wantKind {
				t.Fatalf("expected %s report, got %s", wantKind, gotKind)
			}
			if tc.wantCode == http.StatusOK {
				item := decodeBody(t, rr)["item"].(map[string]any)
				if _, ok := item["claimToken"]; ok {
					t.Fatalf("report responses must not echo a claim token: %v", item)
				}
			}
		})
	}
}
