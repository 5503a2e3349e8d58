package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	domain "github.com/minestore/api/internal/domain"
	ppostgres "github.com/minestore/api/internal/platform/postgres"
	"github.com/minestore/api/internal/repositories"
)

// AuditLogRepository implements repositories.AuditLogRepository.
type AuditLogRepository struct {
	provider *ppostgres.Provider
}

var _ repositories.AuditLogRepository = (*AuditLogRepository)(nil)

// NewAuditLogRepository constructs a Postgres-backed audit log.
func NewAuditLogRepository(provider *ppostgres.Provider) (*AuditLogRepository, error) {
	if provider == nil {
		return nil, errors.New("audit log repository requires postgres provider")
	}
	return &AuditLogRepository{provider: provider}, nil
}

// Append writes an audit entry; inside RunInTx it commits with the audited change.
func (r *AuditLogRepository) Append(ctx context.Context, entry domain.AdminAuditEntry) error {
	details := entry.Details
	if details == nil {
		details = map[string]string{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("audit: encode details: %w", err)
	}
	db, err := r.provider.DB(ctx)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, `
		INSERT INTO admin_audit_log (id, actor_id, actor_type, action, target_type, target_id, reason, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.Actor.ID, entry.Actor.Type, entry.Action, entry.TargetType, entry.TargetID,
		entry.Reason, string(raw), entry.CreatedAt.UTC())
	return ppostgres.WrapError("audit.append", err)
}

// ListByTarget returns entries for a record, oldest first.
func (r *AuditLogRepository) ListByTarget(ctx context.Context, targetType, targetID string) ([]domain.AdminAuditEntry, error) {
	db, err := r.provider.DB(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(ctx, `
		SELECT id, actor_id, actor_type, action, target_type, target_id, reason, details, created_at
		  FROM admin_audit_log
		 WHERE target_type = $1 AND target_id = $2
		 ORDER BY created_at, id`, targetType, targetID)
	if err != nil {
		return nil, ppostgres.WrapError("audit.list", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.AdminAuditEntry, error) {
		var (
			entry   domain.AdminAuditEntry
			details []byte
		)
		if err := row.Scan(&entry.ID, &entry.Actor.ID, &entry.Actor.Type, &entry.Action, &entry.TargetType,
			&entry.TargetID, &entry.Reason, &details, &entry.CreatedAt); err != nil {
			return entry, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		if len(details) > 0 {
			if err := json.Unmarshal(details, &entry.Details); err != nil {
				return entry, fmt.Errorf("audit: decode details %s: %w", entry.ID, err)
			}
		}
		return entry, nil
	})
	if err != nil {
		return nil, ppostgres.WrapError("audit.list", err)
	}
	return entries, nil
}
