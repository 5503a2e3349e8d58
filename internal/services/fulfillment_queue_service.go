package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	domain "github.com/minestore/api/internal/domain"
	"github.com/minestore/api/internal/repositories"
)

const (
	defaultClaimLease      = 2 * time.Minute
	defaultClaimBatchLimit = 25
	defaultReleaseBatch    = 100
	maxWorkItemErrorRunes  = 1000

	auditActionWorkItemRetry = "work_item.retry"
	auditTargetWorkItem      = "work_item"
)

// FulfillmentQueueServiceDeps bundles collaborators for the executor boundary.
type FulfillmentQueueServiceDeps struct {
	WorkItems      repositories.WorkItemRepository
	Audit          AuditLogService
	Clock          func() time.Time
	TokenGenerator func() string
	DefaultLease   time.Duration
	MaxClaimBatch  int
	ReleaseBatch   int
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type fulfillmentQueueService struct {
	items        repositories.WorkItemRepository
	audit        AuditLogService
	clock        func() time.Time
	newToken     func() string
	lease        time.Duration
	maxBatch     int
	releaseBatch int
	logger       func(context.Context, string, map[string]any)
}

var _ FulfillmentQueueService = (*fulfillmentQueueService)(nil)

// NewFulfillmentQueueService constructs the claim/report/retry service over the work item queue.
func NewFulfillmentQueueService(deps FulfillmentQueueServiceDeps) (FulfillmentQueueService, error) {
	if deps.WorkItems == nil {
		return nil, errors.New("fulfillment queue service: work item repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	tokens := deps.TokenGenerator
	if tokens == nil {
		tokens = func() string { return uuid.NewString() }
	}
	lease := deps.DefaultLease
	if lease <= 0 {
		lease = defaultClaimLease
	}
	maxBatch := deps.MaxClaimBatch
	if maxBatch <= 0 {
		maxBatch = defaultClaimBatchLimit
	}
	releaseBatch := deps.ReleaseBatch
	if releaseBatch <= 0 {
		releaseBatch = defaultReleaseBatch
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &fulfillmentQueueService{
		items:        deps.WorkItems,
		audit:        deps.Audit,
		clock:        func() time.Time { return clock().UTC() },
		newToken:     tokens,
		lease:        lease,
		maxBatch:     maxBatch,
		releaseBatch: releaseBatch,
		logger:       logger,
	}, nil
}

func (s *fulfillmentQueueService) Claim(ctx context.Context, cmd ClaimCommand) ([]WorkItem, error) {
	executor := strings.TrimSpace(cmd.ExecutorID)
	if executor == "" {
		return nil, fmt.Errorf("%w: executor id is required", ErrWorkItemInvalidInput)
	}
	limit := cmd.Limit
	if limit <= 0 || limit > s.maxBatch {
		limit = s.maxBatch
	}
	lease := cmd.Lease
	if lease <= 0 {
		lease = s.lease
	}
	now := s.clock()
	items, err := s.items.Claim(ctx, repositories.WorkItemClaim{
		ExecutorID: executor,
		Token:      s.newToken(),
		Limit:      limit,
		Now:        now,
		LeaseUntil: now.Add(lease),
	})
	if err != nil {
		return nil, persistenceError("workItems.claim", err)
	}
	if len(items) > 0 {
		s.logger(ctx, "fulfillment.claimed", map[string]any{
			"executor": executor,
			"count":    len(items),
		})
	}
	return items, nil
}

func (s *fulfillmentQueueService) ReportSuccess(ctx context.Context, cmd ReportCommand) (WorkItem, error) {
	if err := s.checkLease(ctx, cmd); err != nil {
		return WorkItem{}, err
	}
	item, err := s.items.Complete(ctx, cmd.ItemID, cmd.ClaimToken, s.clock())
	if err != nil {
		return WorkItem{}, s.mapRepositoryError("workItems.complete", err)
	}
	s.logger(ctx, "fulfillment.completed", map[string]any{"item": item.ID, "order": item.OrderID})
	return item, nil
}

func (s *fulfillmentQueueService) ReportFailure(ctx context.Context, cmd ReportCommand) (WorkItem, error) {
	if err := s.checkLease(ctx, cmd); err != nil {
		return WorkItem{}, err
	}
	message := truncateRunes(strings.TrimSpace(cmd.Error), maxWorkItemErrorRunes)
	if message == "" {
		message = "executor reported failure"
	}
	item, err := s.items.RecordFailure(ctx, repositories.WorkItemFailure{
		ItemID: cmd.ItemID,
		Token:  cmd.ClaimToken,
		Error:  message,
		Now:    s.clock(),
	})
	if err != nil {
		return WorkItem{}, s.mapRepositoryError("workItems.recordFailure", err)
	}
	s.logger(ctx, "fulfillment.failed", map[string]any{
		"item":     item.ID,
		"order":    item.OrderID,
		"attempts": item.Attempts,
		"status":   string(item.Status),
	})
	return item, nil
}

func (s *fulfillmentQueueService) Retry(ctx context.Context, cmd RetryCommand) (WorkItem, error) {
	itemID := strings.TrimSpace(cmd.ItemID)
	actorID := strings.TrimSpace(cmd.ActorID)
	if itemID == "" || actorID == "" {
		return WorkItem{}, fmt.Errorf("%w: item id and actor are required", ErrWorkItemInvalidInput)
	}
	now := s.clock()
	item, err := s.items.Reset(ctx, itemID, now)
	if err != nil {
		if isConflict(err) {
			return WorkItem{}, fmt.Errorf("%w: only failed items can be retried", ErrWorkItemInvalidState)
		}
		return WorkItem{}, s.mapRepositoryError("workItems.reset", err)
	}
	if s.audit != nil {
		s.audit.Record(ctx, AuditLogRecord{
			Actor:      domain.Actor{ID: actorID, Type: domain.ActorTypeOperator},
			Action:     auditActionWorkItemRetry,
			TargetType: auditTargetWorkItem,
			TargetID:   item.ID,
			Reason:     cmd.Reason,
			Details:    map[string]string{"orderId": item.OrderID},
			OccurredAt: now,
		})
	}
	s.logger(ctx, "fulfillment.retried", map[string]any{"item": item.ID, "actor": actorID})
	return item, nil
}

func (s *fulfillmentQueueService) ListFailed(ctx context.Context, filter WorkItemListFilter) (domain.CursorPage[WorkItem], error) {
	page, err := s.items.ListByStatus(ctx, domain.WorkItemFailed, filter.Pagination)
	if err != nil {
		return domain.CursorPage[WorkItem]{}, persistenceError("workItems.listFailed", err)
	}
	return page, nil
}

func (s *fulfillmentQueueService) ListByOrder(ctx context.Context, orderID string) ([]WorkItem, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrWorkItemInvalidInput)
	}
	items, err := s.items.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, persistenceError("workItems.listByOrder", err)
	}
	return items, nil
}

func (s *fulfillmentQueueService) ReleaseExpiredClaims(ctx context.Context, now time.Time) (int, error) {
	if now.IsZero() {
		now = s.clock()
	}
	released, err := s.items.ReleaseExpired(ctx, now.UTC(), s.releaseBatch)
	if err != nil {
		return 0, persistenceError("workItems.releaseExpired", err)
	}
	if len(released) > 0 {
		failed := 0
		for _, item := range released {
			if item.Status == domain.WorkItemFailed {
				failed++
			}
		}
		s.logger(ctx, "fulfillment.leases.released", map[string]any{
			"count":  len(released),
			"failed": failed,
		})
	}
	return len(released), nil
}

// checkLease rejects reports against leases that lapsed but have not been swept yet.
func (s *fulfillmentQueueService) checkLease(ctx context.Context, cmd ReportCommand) error {
	if strings.TrimSpace(cmd.ItemID) == "" || strings.TrimSpace(cmd.ClaimToken) == "" {
		return fmt.Errorf("%w: item id and claim token are required", ErrWorkItemInvalidInput)
	}
	item, err := s.items.FindByID(ctx, cmd.ItemID)
	if err != nil {
		return s.mapRepositoryError("workItems.find", err)
	}
	if item.Status != domain.WorkItemInProgress || item.ClaimToken != cmd.ClaimToken {
		return ErrWorkItemClaimMismatch
	}
	if item.ClaimExpiresAt != nil && !s.clock().Before(*item.ClaimExpiresAt) {
		return fmt.Errorf("%w: lease expired", ErrWorkItemClaimMismatch)
	}
	return nil
}

func (s *fulfillmentQueueService) mapRepositoryError(op string, err error) error {
	switch {
	case isNotFound(err):
		return fmt.Errorf("%w: %v", ErrWorkItemNotFound, err)
	case isConflict(err):
		return fmt.Errorf("%w: %v", ErrWorkItemClaimMismatch, err)
	default:
		return persistenceError(op, err)
	}
}
