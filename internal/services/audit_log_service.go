package services

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/oklog/ulid/v2"

	domain "github.com/minestore/api/internal/domain"
	"github.com/minestore/api/internal/repositories"
)

const (
	auditEntryIDPrefix = "aud_"
	defaultActorType   = "unknown"
	maxAuditReason     = 500
	maxAuditDetail     = 256
	maxAuditDetails    = 32
)

type auditLogService struct {
	repo   repositories.AuditLogRepository
	clock  func() time.Time
	newID  func() string
	logger func(context.Context, string, map[string]any)
}

// AuditLogServiceDeps bundles constructor inputs for the audit writer service.
type AuditLogServiceDeps struct {
	Repository  repositories.AuditLogRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

var _ AuditLogService = (*auditLogService)(nil)

// NewAuditLogService creates an audit log writer backed by the supplied repository.
func NewAuditLogService(deps AuditLogServiceDeps) (AuditLogService, error) {
	if deps.Repository == nil {
		return nil, errors.New("audit log service: repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &auditLogService{
		repo:   deps.Repository,
		clock:  func() time.Time { return clock().UTC() },
		newID:  idGen,
		logger: logger,
	}, nil
}

// Record persists an audit entry after sanitising free-form fields. Repository failures are
// logged but do not bubble up so the primary mutation is not interrupted.
func (s *auditLogService) Record(ctx context.Context, record AuditLogRecord) {
	entry := s.buildEntry(record)
	if err := s.repo.Append(ctx, entry); err != nil {
		s.logger(ctx, "audit.append.failed", map[string]any{
			"action": entry.Action,
			"target": entry.TargetType + "/" + entry.TargetID,
			"error":  err.Error(),
		})
	}
}

func (s *auditLogService) ListByTarget(ctx context.Context, targetType, targetID string) ([]AuditEntry, error) {
	targetType = sanitizeText(targetType, 64)
	targetID = sanitizeText(targetID, 128)
	if targetType == "" || targetID == "" {
		return nil, errors.New("audit log service: target type and id are required")
	}
	entries, err := s.repo.ListByTarget(ctx, targetType, targetID)
	if err != nil {
		return nil, persistenceError("audit.list", err)
	}
	return entries, nil
}

func (s *auditLogService) buildEntry(record AuditLogRecord) domain.AdminAuditEntry {
	occurred := record.OccurredAt
	if occurred.IsZero() {
		occurred = s.clock()
	}
	entry := domain.AdminAuditEntry{
		ID: auditEntryIDPrefix + s.newID(),
		Actor: domain.Actor{
			ID:   sanitizeText(record.Actor.ID, 128),
			Type: normalizeActorType(record.Actor.Type),
		},
		Action:     strings.ToLower(sanitizeText(record.Action, 64)),
		TargetType: sanitizeText(record.TargetType, 64),
		TargetID:   sanitizeText(record.TargetID, 128),
		Reason:     sanitizeText(record.Reason, maxAuditReason),
		CreatedAt:  occurred.UTC(),
	}
	if len(record.Details) > 0 {
		entry.Details = make(map[string]string, len(record.Details))
		for key, value := range record.Details {
			if len(entry.Details) == maxAuditDetails {
				break
			}
			key = sanitizeText(key, 64)
			if key == "" {
				continue
			}
			entry.Details[key] = sanitizeText(value, maxAuditDetail)
		}
	}
	return entry
}

func normalizeActorType(actorType string) string {
	switch trimmed := strings.ToLower(strings.TrimSpace(actorType)); trimmed {
	case domain.ActorTypeCustomer, domain.ActorTypeOperator, domain.ActorTypeExecutor, domain.ActorTypeSystem:
		return trimmed
	default:
		return defaultActorType
	}
}

// sanitizeText strips control characters and truncates to limit runes.
func sanitizeText(input string, limit int) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, strings.TrimSpace(input))
	return truncateRunes(cleaned, limit)
}
