package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	domain "github.com/minestore/api/internal/domain"
	"github.com/minestore/api/internal/platform/pagination"
	ppostgres "github.com/minestore/api/internal/platform/postgres"
	"github.com/minestore/api/internal/repositories"
)

// LeaseExpiredError is stored as LastError when a claim lapses without a report.
const LeaseExpiredError = "claim lease expired before the executor reported"

var workItemFields = []string{
	"id", "order_id", "order_item_id", "package_id", "unit", "username", "command", "status", "attempts",
	"max_attempts", "last_error", "coalesce(claim_token, '')", "coalesce(claimed_by, '')", "claim_expires_at",
	"created_at", "updated_at", "executed_at",
}

var workItemColumns = strings.Join(workItemFields, ", ")

// workItemColumnsOf qualifies the column list for statements joining a CTE.
func workItemColumnsOf(alias string) string {
	out := make([]string, len(workItemFields))
	for i, field := range workItemFields {
		if strings.HasPrefix(field, "coalesce(") {
			out[i] = strings.Replace(field, "coalesce(", "coalesce("+alias+".", 1)
			continue
		}
		out[i] = alias + "." + field
	}
	return strings.Join(out, ", ")
}

// Attempts are counted before the status flips so attempts == max_attempts implies failed.
const failureTransition = `
	attempts = w.attempts + 1,
	status = CASE WHEN w.attempts + 1 >= w.max_attempts THEN 'failed' ELSE 'pending' END,
	claim_token = NULL,
	claimed_by = NULL,
	claim_expires_at = NULL`

// WorkItemRepository implements repositories.WorkItemRepository.
type WorkItemRepository struct {
	provider *ppostgres.Provider
}

var _ repositories.WorkItemRepository = (*WorkItemRepository)(nil)

// NewWorkItemRepository constructs a Postgres-backed fulfillment queue.
func NewWorkItemRepository(provider *ppostgres.Provider) (*WorkItemRepository, error) {
	if provider == nil {
		return nil, errors.New("work item repository requires postgres provider")
	}
	return &WorkItemRepository{provider: provider}, nil
}

// InsertBatch writes items in one round trip. Inside RunInTx they commit with the caller.
func (r *WorkItemRepository) InsertBatch(ctx context.Context, items []domain.WorkItem) error {
	if len(items) == 0 {
		return nil
	}
	db, err := r.provider.DB(ctx)
	if err != nil {
		return err
	}
	batch := &pgx.Batch{}
	for _, item := range items {
		batch.Queue(`
			INSERT INTO work_items (id, order_id, order_item_id, package_id, unit, username, command, status,
				attempts, max_attempts, last_error, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			item.ID, item.OrderID, item.OrderItemID, item.PackageID, item.Unit, item.Username, item.Command,
			string(item.Status), item.Attempts, item.MaxAttempts, item.LastError,
			item.CreatedAt.UTC(), item.UpdatedAt.UTC())
	}
	results := db.SendBatch(ctx, batch)
	for range items {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return ppostgres.WrapError("workItems.insert", err)
		}
	}
	return ppostgres.WrapError("workItems.insert", results.Close())
}

// FindByID loads a single work item.
func (r *WorkItemRepository) FindByID(ctx context.Context, itemID string) (domain.WorkItem, error) {
	db, err := r.provider.DB(ctx)
	if err != nil {
		return domain.WorkItem{}, err
	}
	item, err := scanWorkItem(db.QueryRow(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id = $1`, itemID))
	if err != nil {
		return domain.WorkItem{}, ppostgres.WrapError("workItems.find", err)
	}
	return item, nil
}

// ListByOrder returns the order's work items in creation order.
func (r *WorkItemRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.WorkItem, error) {
	db, err := r.provider.DB(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE order_id = $1 ORDER BY created_at, unit, id`, orderID)
	if err != nil {
		return nil, ppostgres.WrapError("workItems.listByOrder", err)
	}
	return collectWorkItems(rows, "workItems.listByOrder")
}

// ListByStatus pages through items with the given status, most recently updated first.
func (r *WorkItemRepository) ListByStatus(ctx context.Context, status domain.WorkItemStatus, pager domain.Pagination) (domain.CursorPage[domain.WorkItem], error) {
	size := pagination.Clamp(pager.PageSize)
	after, err := pagination.DecodeKeyset(pager.PageToken)
	if err != nil {
		return domain.CursorPage[domain.WorkItem]{}, err
	}
	db, err := r.provider.DB(ctx)
	if err != nil {
		return domain.CursorPage[domain.WorkItem]{}, err
	}

	var rows pgx.Rows
	if after.ID == "" {
		rows, err = db.Query(ctx, `
			SELECT `+workItemColumns+` FROM work_items
			 WHERE status = $1
			 ORDER BY updated_at DESC, id DESC
			 LIMIT $2`, string(status), size+1)
	} else {
		rows, err = db.Query(ctx, `
			SELECT `+workItemColumns+` FROM work_items
			 WHERE status = $1 AND (updated_at, id) < ($2, $3)
			 ORDER BY updated_at DESC, id DESC
			 LIMIT $4`, string(status), after.Time, after.ID, size+1)
	}
	if err != nil {
		return domain.CursorPage[domain.WorkItem]{}, ppostgres.WrapError("workItems.listByStatus", err)
	}
	items, err := collectWorkItems(rows, "workItems.listByStatus")
	if err != nil {
		return domain.CursorPage[domain.WorkItem]{}, err
	}

	page := domain.CursorPage[domain.WorkItem]{Items: items}
	if len(items) > size {
		page.Items = items[:size]
		last := page.Items[size-1]
		token, err := pagination.EncodeKeyset(pagination.Keyset{Time: last.UpdatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.WorkItem]{}, err
		}
		page.NextPageToken = token
	}
	return page, nil
}

// Claim leases up to Limit pending items, oldest first. SKIP LOCKED keeps concurrent claimers
// from blocking on or receiving the same rows.
func (r *WorkItemRepository) Claim(ctx context.Context, claim repositories.WorkItemClaim) ([]domain.WorkItem, error) {
	if claim.Limit <= 0 {
		return nil, nil
	}
	db, err := r.provider.DB(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(ctx, `
		WITH next AS (
			SELECT id FROM work_items
			 WHERE status = 'pending'
			 ORDER BY created_at, id
			 LIMIT $1
			 FOR UPDATE SKIP LOCKED
		)
		UPDATE work_items w SET
			status = 'in_progress',
			claim_token = $2,
			claimed_by = $3,
			claim_expires_at = $4,
			updated_at = $5
		  FROM next
		 WHERE w.id = next.id
		RETURNING `+workItemColumnsOf("w"),
		claim.Limit, claim.Token, claim.ExecutorID, claim.LeaseUntil.UTC(), claim.Now.UTC())
	if err != nil {
		return nil, ppostgres.WrapError("workItems.claim", err)
	}
	items, err := collectWorkItems(rows, "workItems.claim")
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

// Complete marks a leased item completed when the token still matches.
func (r *WorkItemRepository) Complete(ctx context.Context, itemID, token string, now time.Time) (domain.WorkItem, error) {
	db, err := r.provider.DB(ctx)
	if err != nil {
		return domain.WorkItem{}, err
	}
	row := db.QueryRow(ctx, `
		UPDATE work_items w SET
			status = 'completed',
			executed_at = $3,
			updated_at = $3,
			claim_expires_at = NULL
		 WHERE w.id = $1 AND w.status = 'in_progress' AND w.claim_token = $2
		RETURNING `+workItemColumnsOf("w"), itemID, token, now.UTC())
	item, err := scanWorkItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.WorkItem{}, r.leaseMismatch(ctx, "workItems.complete", itemID)
	}
	if err != nil {
		return domain.WorkItem{}, ppostgres.WrapError("workItems.complete", err)
	}
	return item, nil
}

// RecordFailure counts a failed attempt for a leased item.
func (r *WorkItemRepository) RecordFailure(ctx context.Context, failure repositories.WorkItemFailure) (domain.WorkItem, error) {
	db, err := r.provider.DB(ctx)
	if err != nil {
		return domain.WorkItem{}, err
	}
	row := db.QueryRow(ctx, `
		UPDATE work_items w SET`+failureTransition+`,
			last_error = $3,
			updated_at = $4
		 WHERE w.id = $1 AND w.status = 'in_progress' AND w.claim_token = $2
		RETURNING `+workItemColumnsOf("w"), failure.ItemID, failure.Token, failure.Error, failure.Now.UTC())
	item, err := scanWorkItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.WorkItem{}, r.leaseMismatch(ctx, "workItems.recordFailure", failure.ItemID)
	}
	if err != nil {
		return domain.WorkItem{}, ppostgres.WrapError("workItems.recordFailure", err)
	}
	return item, nil
}

// Reset returns a failed item to pending with a fresh attempt budget.
func (r *WorkItemRepository) Reset(ctx context.Context, itemID string, now time.Time) (domain.WorkItem, error) {
	db, err := r.provider.DB(ctx)
	if err != nil {
		return domain.WorkItem{}, err
	}
	row := db.QueryRow(ctx, `
		UPDATE work_items w SET
			status = 'pending',
			attempts = 0,
			last_error = '',
			claim_token = NULL,
			claimed_by = NULL,
			claim_expires_at = NULL,
			updated_at = $2
		 WHERE w.id = $1 AND w.status = 'failed'
		RETURNING `+workItemColumnsOf("w"), itemID, now.UTC())
	item, err := scanWorkItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, findErr := r.FindByID(ctx, itemID); findErr != nil {
			return domain.WorkItem{}, findErr
		}
		return domain.WorkItem{}, ppostgres.Conflict("workItems.reset", fmt.Errorf("work item %s is not failed", itemID))
	}
	if err != nil {
		return domain.WorkItem{}, ppostgres.WrapError("workItems.reset", err)
	}
	return item, nil
}

// ReleaseExpired counts lapsed leases as failed attempts.
func (r *WorkItemRepository) ReleaseExpired(ctx context.Context, now time.Time, limit int) ([]domain.WorkItem, error) {
	if limit <= 0 {
		limit = 100
	}
	db, err := r.provider.DB(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(ctx, `
		WITH expired AS (
			SELECT id FROM work_items
			 WHERE status = 'in_progress' AND claim_expires_at <= $1
			 ORDER BY claim_expires_at
			 LIMIT $2
			 FOR UPDATE SKIP LOCKED
		)
		UPDATE work_items w SET`+failureTransition+`,
			last_error = $3,
			updated_at = $1
		  FROM expired
		 WHERE w.id = expired.id
		RETURNING `+workItemColumnsOf("w"), now.UTC(), limit, LeaseExpiredError)
	if err != nil {
		return nil, ppostgres.WrapError("workItems.releaseExpired", err)
	}
	return collectWorkItems(rows, "workItems.releaseExpired")
}

func (r *WorkItemRepository) leaseMismatch(ctx context.Context, op, itemID string) error {
	if _, err := r.FindByID(ctx, itemID); err != nil {
		return err
	}
	return ppostgres.Conflict(op, fmt.Errorf("work item %s is not leased with the supplied token", itemID))
}

func collectWorkItems(rows pgx.Rows, op string) ([]domain.WorkItem, error) {
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.WorkItem, error) {
		return scanWorkItem(row)
	})
	if err != nil {
		return nil, ppostgres.WrapError(op, err)
	}
	return items, nil
}

func scanWorkItem(row pgx.Row) (domain.WorkItem, error) {
	var (
		item   domain.WorkItem
		status string
	)
	if err := row.Scan(&item.ID, &item.OrderID, &item.OrderItemID, &item.PackageID, &item.Unit, &item.Username,
		&item.Command, &status, &item.Attempts, &item.MaxAttempts, &item.LastError, &item.ClaimToken,
		&item.ClaimedBy, &item.ClaimExpiresAt, &item.CreatedAt, &item.UpdatedAt, &item.ExecutedAt); err != nil {
		return domain.WorkItem{}, err
	}
	item.Status = domain.WorkItemStatus(status)
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	item.ClaimExpiresAt = utcPtr(item.ClaimExpiresAt)
	item.ExecutedAt = utcPtr(item.ExecutedAt)
	return item, nil
}
