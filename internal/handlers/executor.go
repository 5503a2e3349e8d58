package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/minestore/api/internal/platform/httpx"
	"github.com/minestore/api/internal/platform/requestctx"
	"github.com/minestore/api/internal/services"
)

// ExecutorHandlers serve the game-server command executor. Requests are HMAC signed and the
// signer middleware stores the executor actor on the context.
type ExecutorHandlers struct {
	queue services.FulfillmentQueueService
}

// NewExecutorHandlers constructs executor handlers.
func NewExecutorHandlers(queue services.FulfillmentQueueService) *ExecutorHandlers {
	return &ExecutorHandlers{queue: queue}
}

// Routes registers the claim and report endpoints under /executor.
func (h *ExecutorHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/work-items:claim", h.claim)
	r.Post("/work-items/{itemID}:complete", h.complete)
	r.Post("/work-items/{itemID}:fail", h.fail)
}

type claimRequest struct {
	Limit        int `json:"limit"`
	LeaseSeconds int `json:"leaseSeconds"`
}

type claimResponse struct {
	Items []workItemPayload `json:"items"`
}

type reportRequest struct {
	ClaimToken string `json:"claimToken"`
	Error      string `json:"error"`
}

type workItemResponse struct {
	Item workItemPayload `json:"item"`
}

func (h *ExecutorHandlers) executorID(r *http.Request) string {
	actor, ok := requestctx.Actor(r.Context())
	if !ok {
		return ""
	}
	return strings.TrimSpace(actor.ID)
}

func (h *ExecutorHandlers) claim(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.queue == nil {
		httpx.WriteError(ctx, w, httpx.NewError("queue_unavailable", "fulfillment queue unavailable", http.StatusServiceUnavailable))
		return
	}
	executor := h.executorID(r)
	if executor == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "executor identity required", http.StatusUnauthorized))
		return
	}

	var req claimRequest
	if r.ContentLength != 0 {
		if !decodeRequest(ctx, w, r, &req) {
			return
		}
	}
	if req.Limit < 0 || req.LeaseSeconds < 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit and leaseSeconds must not be negative", http.StatusBadRequest))
		return
	}

	items, err := h.queue.Claim(ctx, services.ClaimCommand{
		ExecutorID: executor,
		Limit:      req.Limit,
		Lease:      time.Duration(req.LeaseSeconds) * time.Second,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, claimResponse{Items: buildWorkItemPayloads(items, true)})
}

func (h *ExecutorHandlers) complete(w http.ResponseWriter, r *http.Request) {
	h.report(w, r, true)
}

func (h *ExecutorHandlers) fail(w http.ResponseWriter, r *http.Request) {
	h.report(w, r, false)
}

func (h *ExecutorHandlers) report(w http.ResponseWriter, r *http.Request, success bool) {
	ctx := r.Context()
	if h.queue == nil {
		httpx.WriteError(ctx, w, httpx.NewError("queue_unavailable", "fulfillment queue unavailable", http.StatusServiceUnavailable))
		return
	}
	if h.executorID(r) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "executor identity required", http.StatusUnauthorized))
		return
	}
	itemID := strings.TrimSpace(chi.URLParam(r, "itemID"))

	var req reportRequest
	if !decodeRequest(ctx, w, r, &req) {
		return
	}
	cmd := services.ReportCommand{ItemID: itemID, ClaimToken: strings.TrimSpace(req.ClaimToken), Error: req.Error}

	var (
		item services.WorkItem
		err  error
	)
	if success {
		item, err = h.queue.ReportSuccess(ctx, cmd)
	} else {
		item, err = h.queue.ReportFailure(ctx, cmd)
	}
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, workItemResponse{Item: buildWorkItemPayload(item, false)})
}
