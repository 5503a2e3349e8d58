package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/minestore/api/internal/domain"
	"github.com/minestore/api/internal/platform/auth"
	"github.com/minestore/api/internal/platform/httpx"
	"github.com/minestore/api/internal/services"
)

// AdminHandlerDeps wires the operator endpoints.
type AdminHandlerDeps struct {
	Queue       services.FulfillmentQueueService
	Orders      services.OrderService
	Maintenance services.MaintenanceService
	Audit       services.AuditLogService
	Coordinator services.LifecycleCoordinator
}

// AdminHandlers exposes operator tooling under /internal. OIDC auth is applied by the router group.
type AdminHandlers struct {
	queue       services.FulfillmentQueueService
	orders      services.OrderService
	maintenance services.MaintenanceService
	audit       services.AuditLogService
	coordinator services.LifecycleCoordinator
}

// NewAdminHandlers constructs the operator handlers.
func NewAdminHandlers(deps AdminHandlerDeps) *AdminHandlers {
	return &AdminHandlers{
		queue:       deps.Queue,
		orders:      deps.Orders,
		maintenance: deps.Maintenance,
		audit:       deps.Audit,
		coordinator: deps.Coordinator,
	}
}

// Routes registers the operator endpoints.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/work-items/failed", h.listFailed)
	r.Post("/work-items/{itemID}:retry", h.retry)
	r.Get("/work-items/{itemID}/audit", h.workItemAudit)
	r.Get("/orders/{orderID}", h.orderDetail)
	r.Post("/orders/{orderID}:requeue-fulfillment", h.requeueFulfillment)
	r.Post("/maintenance/sweep", h.sweep)
}

type failedWorkItemsResponse struct {
	Items         []workItemPayload `json:"items"`
	NextPageToken string            `json:"nextPageToken,omitempty"`
}

type retryRequest struct {
	Reason string `json:"reason"`
}

type requeueResponse struct {
	Order     orderPayload `json:"order"`
	WorkItems int          `json:"workItems"`
}

type orderDetailResponse struct {
	Order     orderPayload          `json:"order"`
	Events    []paymentEventPayload `json:"events"`
	WorkItems []workItemPayload     `json:"workItems"`
}

type auditEntryPayload struct {
	ID         string            `json:"id"`
	ActorID    string            `json:"actorId"`
	ActorType  string            `json:"actorType"`
	Action     string            `json:"action"`
	TargetType string            `json:"targetType"`
	TargetID   string            `json:"targetId"`
	Reason     string            `json:"reason,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	CreatedAt  string            `json:"createdAt"`
}

type auditResponse struct {
	Entries []auditEntryPayload `json:"entries"`
}

type sweepResponse struct {
	ExpiredOrders   int      `json:"expiredOrders"`
	ReleasedClaims  int      `json:"releasedClaims"`
	StartedAt       string   `json:"startedAt"`
	DurationMillis  int64    `json:"durationMillis"`
	FailedSubsweeps []string `json:"failedSubsweeps,omitempty"`
}

func (h *AdminHandlers) operator(w http.ResponseWriter, r *http.Request) (*auth.Operator, bool) {
	operator, ok := auth.OperatorFromContext(r.Context())
	if !ok || strings.TrimSpace(operator.ActorID()) == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "operator identity required", http.StatusUnauthorized))
		return nil, false
	}
	return operator, true
}

func (h *AdminHandlers) listFailed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.queue == nil {
		httpx.WriteError(ctx, w, httpx.NewError("queue_unavailable", "fulfillment queue unavailable", http.StatusServiceUnavailable))
		return
	}
	if _, ok := h.operator(w, r); !ok {
		return
	}
	params, ok := parsePage(ctx, w, r)
	if !ok {
		return
	}

	page, err := h.queue.ListFailed(ctx, services.WorkItemListFilter{
		Pagination: domain.Pagination{PageSize: params.PageSize, PageToken: params.PageToken},
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, failedWorkItemsResponse{
		Items:         buildWorkItemPayloads(page.Items, false),
		NextPageToken: page.NextPageToken,
	})
}

func (h *AdminHandlers) retry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.queue == nil {
		httpx.WriteError(ctx, w, httpx.NewError("queue_unavailable", "fulfillment queue unavailable", http.StatusServiceUnavailable))
		return
	}
	operator, ok := h.operator(w, r)
	if !ok {
		return
	}
	itemID := strings.TrimSpace(chi.URLParam(r, "itemID"))

	var req retryRequest
	if r.ContentLength != 0 {
		if !decodeRequest(ctx, w, r, &req) {
			return
		}
	}

	item, err := h.queue.Retry(ctx, services.RetryCommand{
		ItemID:  itemID,
		ActorID: operator.ActorID(),
		Reason:  req.Reason,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, workItemResponse{Item: buildWorkItemPayload(item, false)})
}

func (h *AdminHandlers) workItemAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.audit == nil {
		httpx.WriteError(ctx, w, httpx.NewError("audit_unavailable", "audit log unavailable", http.StatusServiceUnavailable))
		return
	}
	if _, ok := h.operator(w, r); !ok {
		return
	}
	itemID := strings.TrimSpace(chi.URLParam(r, "itemID"))

	entries, err := h.audit.ListByTarget(ctx, "work_item", itemID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := auditResponse{Entries: make([]auditEntryPayload, 0, len(entries))}
	for _, entry := range entries {
		resp.Entries = append(resp.Entries, auditEntryPayload{
			ID:         entry.ID,
			ActorID:    entry.Actor.ID,
			ActorType:  entry.Actor.Type,
			Action:     entry.Action,
			TargetType: entry.TargetType,
			TargetID:   entry.TargetID,
			Reason:     entry.Reason,
			Details:    entry.Details,
			CreatedAt:  formatTime(entry.CreatedAt),
		})
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *AdminHandlers) orderDetail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil || h.queue == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	if _, ok := h.operator(w, r); !ok {
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.Get(ctx, orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	events, err := h.orders.ListEvents(ctx, orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	items, err := h.queue.ListByOrder(ctx, orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderDetailResponse{
		Order:     buildOrderPayload(order),
		Events:    buildPaymentEventPayloads(events),
		WorkItems: buildWorkItemPayloads(items, false),
	})
}

func (h *AdminHandlers) requeueFulfillment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.coordinator == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	operator, ok := h.operator(w, r)
	if !ok {
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))

	var req retryRequest
	if r.ContentLength != 0 {
		if !decodeRequest(ctx, w, r, &req) {
			return
		}
	}

	result, err := h.coordinator.RequeueFulfillment(ctx, services.RequeueCommand{
		OrderID: orderID,
		ActorID: operator.ActorID(),
		Reason:  req.Reason,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, requeueResponse{
		Order:     buildOrderPayload(result.Order),
		WorkItems: result.WorkItems,
	})
}

func (h *AdminHandlers) sweep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.maintenance == nil {
		httpx.WriteError(ctx, w, httpx.NewError("maintenance_unavailable", "maintenance service unavailable", http.StatusServiceUnavailable))
		return
	}
	if _, ok := h.operator(w, r); !ok {
		return
	}

	report, err := h.maintenance.Sweep(ctx)
	resp := sweepResponse{
		ExpiredOrders:   report.ExpiredOrders,
		ReleasedClaims:  report.ReleasedClaims,
		StartedAt:       formatTime(report.StartedAt),
		DurationMillis:  report.DurationMillis,
		FailedSubsweeps: report.FailedSubsweeps,
	}
	if err != nil && len(report.FailedSubsweeps) == 0 {
		writeServiceError(ctx, w, err)
		return
	}
	// Partial sweeps still report what completed.
	status := http.StatusOK
	if err != nil {
		status = http.StatusMultiStatus
	}
	writeJSONResponse(w, status, resp)
}
