package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/minestore/api/internal/domain"
	"github.com/minestore/api/internal/platform/auth"
	"github.com/minestore/api/internal/services"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stubPricing struct {
	quoteFn func(context.Context, services.QuoteCommand) (services.Quote, error)
}

func (s *stubPricing) Quote(ctx context.Context, cmd services.QuoteCommand) (services.Quote, error) {
	return s.quoteFn(ctx, cmd)
}

type stubOrders struct {
	services.OrderService
	createFn     func(context.Context, services.CreateOrderCommand) (services.CreatedOrder, error)
	getFn        func(context.Context, string) (services.Order, error)
	getForUserFn func(context.Context, string, string) (services.Order, error)
	eventsFn     func(context.Context, string) ([]services.PaymentEvent, error)
	cancelFn     func(context.Context, services.CancelOrderCommand) (services.Order, error)
}

func (s *stubOrders) CreatePending(ctx context.Context, cmd services.CreateOrderCommand) (services.CreatedOrder, error) {
	return s.createFn(ctx, cmd)
}

func (s *stubOrders) Get(ctx context.Context, orderID string) (services.Order, error) {
	return s.getFn(ctx, orderID)
}

func (s *stubOrders) GetForUser(ctx context.Context, userID, orderID string) (services.Order, error) {
	return s.getForUserFn(ctx, userID, orderID)
}

func (s *stubOrders) ListEvents(ctx context.Context, orderID string) ([]services.PaymentEvent, error) {
	return s.eventsFn(ctx, orderID)
}

func (s *stubOrders) Cancel(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
	return s.cancelFn(ctx, cmd)
}

type stubQueue struct {
	services.FulfillmentQueueService
	claimFn   func(context.Context, services.ClaimCommand) ([]services.WorkItem, error)
	successFn func(context.Context, services.ReportCommand) (services.WorkItem, error)
	failureFn func(context.Context, services.ReportCommand) (services.WorkItem, error)
	retryFn   func(context.Context, services.RetryCommand) (services.WorkItem, error)
	failedFn  func(context.Context, services.WorkItemListFilter) (domain.CursorPage[services.WorkItem], error)
	byOrderFn func(context.Context, string) ([]services.WorkItem, error)
}

func (s *stubQueue) Claim(ctx context.Context, cmd services.ClaimCommand) ([]services.WorkItem, error) {
	return s.claimFn(ctx, cmd)
}

func (s *stubQueue) ReportSuccess(ctx context.Context, cmd services.ReportCommand) (services.WorkItem, error) {
	return s.successFn(ctx, cmd)
}

func (s *stubQueue) ReportFailure(ctx context.Context, cmd services.ReportCommand) (services.WorkItem, error) {
	return s.failureFn(ctx, cmd)
}

func (s *stubQueue) Retry(ctx context.Context, cmd services.RetryCommand) (services.WorkItem, error) {
	return s.retryFn(ctx, cmd)
}

func (s *stubQueue) ListFailed(ctx context.Context, filter services.WorkItemListFilter) (domain.CursorPage[services.WorkItem], error) {
	return s.failedFn(ctx, filter)
}

func (s *stubQueue) ListByOrder(ctx context.Context, orderID string) ([]services.WorkItem, error) {
	return s.byOrderFn(ctx, orderID)
}

type stubWebhooks struct {
	ingestFn func(context.Context, services.WebhookCommand) (services.HandleResult, error)
}

func (s *stubWebhooks) Ingest(ctx context.Context, cmd services.WebhookCommand) (services.HandleResult, error) {
	return s.ingestFn(ctx, cmd)
}

type stubCoordinator struct {
	services.LifecycleCoordinator
	requeueFn func(context.Context, services.RequeueCommand) (services.RequeueResult, error)
}

func (s *stubCoordinator) RequeueFulfillment(ctx context.Context, cmd services.RequeueCommand) (services.RequeueResult, error) {
	return s.requeueFn(ctx, cmd)
}

type stubMaintenance struct {
	report services.SweepReport
	err    error
	calls  int
}

func (s *stubMaintenance) Sweep(context.Context) (services.SweepReport, error) {
	s.calls++
	return s.report, s.err
}

type stubAudit struct {
	entries []services.AuditEntry
	err     error
	target  string
}

func (s *stubAudit) Record(context.Context, services.AuditLogRecord) {}

func (s *stubAudit) ListByTarget(_ context.Context, targetType, targetID string) ([]services.AuditEntry, error) {
	s.target = targetType + "/" + targetID
	return s.entries, s.err
}

type stubSystemService struct {
	report services.SystemHealthReport
	err    error
}

func (s *stubSystemService) HealthReport(context.Context) (services.SystemHealthReport, error) {
	return s.report, s.err
}

func withCustomer(req *http.Request, uid string) *http.Request {
	ctx := auth.WithCustomer(req.Context(), &auth.Customer{UID: uid, Email: uid + "@example.com"})
	return req.WithContext(ctx)
}

func withOperator(req *http.Request, email string) *http.Request {
	ctx := auth.WithOperator(req.Context(), &auth.Operator{Subject: "sub-" + email, Email: email})
	return req.WithContext(ctx)
}

func sampleOrder() services.Order {
	return services.Order{
		ID:       "ord_1",
		UserID:   "user-1",
		Number:   "ORD-20260301-ABC123",
		Currency: "USD",
		Subtotal: 1600,
		Total:    1440,
		Status:   domain.OrderStatusPending,
		Items: []services.OrderItem{{
			ID:          "oi_1",
			PackageID:   "pkg_diamonds",
			PackageName: "Diamonds",
			Quantity:    2,
			UnitPrice:   800,
			Total:       1600,
		}},
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
	return body
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	code, _ := decodeBody(t, rr)["error"].(string)
	return code
}
