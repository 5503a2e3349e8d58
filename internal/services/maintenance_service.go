package services

import (
	"context"
	"errors"
	"time"
)

const defaultPendingTTL = 24 * time.Hour

// MaintenanceServiceDeps bundles collaborators for the background sweeper.
type MaintenanceServiceDeps struct {
	Orders     OrderService
	Queue      FulfillmentQueueService
	PendingTTL time.Duration
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type maintenanceService struct {
	orders     OrderService
	queue      FulfillmentQueueService
	pendingTTL time.Duration
	clock      func() time.Time
	logger     func(context.Context, string, map[string]any)
}

var _ MaintenanceService = (*maintenanceService)(nil)

// NewMaintenanceService constructs the sweeper that expires abandoned orders and lapsed leases.
func NewMaintenanceService(deps MaintenanceServiceDeps) (MaintenanceService, error) {
	if deps.Orders == nil {
		return nil, errors.New("maintenance service: order service is required")
	}
	if deps.Queue == nil {
		return nil, errors.New("maintenance service: fulfillment queue is required")
	}
	ttl := deps.PendingTTL
	if ttl <= 0 {
		ttl = defaultPendingTTL
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &maintenanceService{
		orders:     deps.Orders,
		queue:      deps.Queue,
		pendingTTL: ttl,
		clock:      func() time.Time { return clock().UTC() },
		logger:     logger,
	}, nil
}

// Sweep runs both passes even when one fails; the error joins every failure.
func (s *maintenanceService) Sweep(ctx context.Context) (SweepReport, error) {
	started := s.clock()
	report := SweepReport{StartedAt: started}
	var errs []error

	expired, err := s.orders.ExpireStale(ctx, s.pendingTTL)
	report.ExpiredOrders = expired
	if err != nil {
		report.FailedSubsweeps = append(report.FailedSubsweeps, "orders")
		errs = append(errs, err)
	}

	released, err := s.queue.ReleaseExpiredClaims(ctx, started)
	report.ReleasedClaims = released
	if err != nil {
		report.FailedSubsweeps = append(report.FailedSubsweeps, "leases")
		errs = append(errs, err)
	}

	report.DurationMillis = s.clock().Sub(started).Milliseconds()
	fields := map[string]any{
		"expiredOrders":  report.ExpiredOrders,
		"releasedClaims": report.ReleasedClaims,
		"durationMs":     report.DurationMillis,
	}
	if len(errs) > 0 {
		fields["failed"] = report.FailedSubsweeps
		s.logger(ctx, "maintenance.sweep.partial", fields)
	} else if report.ExpiredOrders > 0 || report.ReleasedClaims > 0 {
		s.logger(ctx, "maintenance.sweep.completed", fields)
	}
	return report, errors.Join(errs...)
}
