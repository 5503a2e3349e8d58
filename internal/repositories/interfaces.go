package repositories

import (
	"context"
	"time"

	domain "github.com/minestore/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Catalog() CatalogRepository
	Orders() OrderRepository
	PaymentEvents() PaymentEventRepository
	WorkItems() WorkItemRepository
	Players() PlayerDirectory
	AuditLogs() AuditLogRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations in a transactional boundary. Repositories called with
// the context passed to fn participate in the same transaction.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// CatalogRepository is the read side of the package and discount catalog, plus the conditional
// redemption counter that must be checked at order creation.
type CatalogRepository interface {
	// FindPackages returns the packages that exist; unknown ids are simply absent.
	FindPackages(ctx context.Context, ids []string) ([]domain.StorePackage, error)
	// FindDiscount returns a NotFound error when no code exists. Inactive codes are returned.
	FindDiscount(ctx context.Context, code string) (domain.DiscountCode, error)
	// RedeemDiscount increments the use counter only while the code is still valid at the
	// supplied instant. A Conflict error means the code was exhausted or became invalid.
	RedeemDiscount(ctx context.Context, code string, at time.Time) error
}

// CatalogWriter upserts catalog rows for operator tooling.
type CatalogWriter interface {
	UpsertPackage(ctx context.Context, pkg domain.StorePackage) error
	UpsertDiscount(ctx context.Context, discount domain.DiscountCode) error
}

// OrderLookup identifies an order either directly or through the gateway transaction recorded at
// completion time.
type OrderLookup struct {
	OrderID              string
	Provider             string
	GatewayTransactionID string
}

// OrderStatusUpdate is a compare-and-set status transition.
type OrderStatusUpdate struct {
	OrderID              string
	From                 domain.OrderStatus
	To                   domain.OrderStatus
	Provider             string
	GatewayTransactionID string
	FailureReason        string
	Diagnostics          domain.OrderDiagnostics
	AddFlags             []domain.OrderFlag
	UpdatedAt            time.Time
	CompletedAt          *time.Time
}

// OrderRepository persists orders and their items.
type OrderRepository interface {
	// Insert writes the order and its items. A Conflict error signals a duplicate order number.
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// LockForTransition loads and row-locks the order for the remainder of the transaction.
	LockForTransition(ctx context.Context, lookup OrderLookup) (domain.Order, error)
	// UpdateStatus applies the transition only when the stored status equals From. A Conflict
	// error means another writer moved the order first.
	UpdateStatus(ctx context.Context, update OrderStatusUpdate) (domain.Order, error)
	// ClearFlag drops every flag with the code. A NotFound error means the order does not exist.
	ClearFlag(ctx context.Context, orderID string, code domain.OrderFlagCode, updatedAt time.Time) (domain.Order, error)
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error)
}

// PaymentEventRepository stores the append-only gateway event log.
type PaymentEventRepository interface {
	// Insert records the event. A Conflict error means (provider, providerEventId) already exists.
	Insert(ctx context.Context, event domain.PaymentEvent) error
	// SetResult records the processing outcome of an event inserted in the same transaction.
	SetResult(ctx context.Context, eventID string, orderID string, result domain.PaymentEventResult) error
	ListByOrder(ctx context.Context, orderID string) ([]domain.PaymentEvent, error)
}

// WorkItemClaim asks for up to Limit pending items to be leased to an executor.
type WorkItemClaim struct {
	ExecutorID string
	Token      string
	Limit      int
	Now        time.Time
	LeaseUntil time.Time
}

// WorkItemFailure reports an execution failure for a leased item.
type WorkItemFailure struct {
	ItemID string
	Token  string
	Error  string
	Now    time.Time
}

// WorkItemRepository is the durable fulfillment queue.
type WorkItemRepository interface {
	InsertBatch(ctx context.Context, items []domain.WorkItem) error
	FindByID(ctx context.Context, itemID string) (domain.WorkItem, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.WorkItem, error)
	ListByStatus(ctx context.Context, status domain.WorkItemStatus, pager domain.Pagination) (domain.CursorPage[domain.WorkItem], error)
	// Claim atomically moves pending items to in_progress. Concurrent claimers never receive the
	// same item.
	Claim(ctx context.Context, claim WorkItemClaim) ([]domain.WorkItem, error)
	// Complete marks a leased item completed. A Conflict error means the lease token no longer
	// matches.
	Complete(ctx context.Context, itemID, token string, now time.Time) (domain.WorkItem, error)
	// RecordFailure increments attempts and returns the item to pending, or to failed once the
	// ceiling is reached. A Conflict error means the lease token no longer matches.
	RecordFailure(ctx context.Context, failure WorkItemFailure) (domain.WorkItem, error)
	// Reset moves a failed item back to pending with attempts cleared. A Conflict error means the
	// item is not failed.
	Reset(ctx context.Context, itemID string, now time.Time) (domain.WorkItem, error)
	// ReleaseExpired treats expired leases as failed attempts.
	ReleaseExpired(ctx context.Context, now time.Time, limit int) ([]domain.WorkItem, error)
}

// PlayerDirectory resolves purchasers to in-game identities.
type PlayerDirectory interface {
	// ResolveUsername returns a NotFound error when the user has not linked a game account.
	ResolveUsername(ctx context.Context, userID string) (string, error)
}

// PlayerLinker records game account links for operator tooling.
type PlayerLinker interface {
	LinkPlayer(ctx context.Context, userID, username string, at time.Time) error
}

// AuditLogRepository persists operator audit entries.
type AuditLogRepository interface {
	Append(ctx context.Context, entry domain.AdminAuditEntry) error
	ListByTarget(ctx context.Context, targetType, targetID string) ([]domain.AdminAuditEntry, error)
}

// OrderViewRepository maintains the denormalised order read model served to storefront clients.
type OrderViewRepository interface {
	Project(ctx context.Context, view domain.OrderView) error
	Get(ctx context.Context, orderID string) (domain.OrderView, error)
}

// HealthRepository checks external dependencies for readiness.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
