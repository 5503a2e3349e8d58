package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	domain "github.com/minestore/api/internal/domain"
	ppostgres "github.com/minestore/api/internal/platform/postgres"
	"github.com/minestore/api/internal/repositories"
)

const paymentEventColumns = `id, provider, provider_event_id, event_type, coalesce(order_id, ''), outcome, result,
	raw_payload, signature_valid, received_at`

// PaymentEventRepository implements repositories.PaymentEventRepository.
type PaymentEventRepository struct {
	provider *ppostgres.Provider
}

var _ repositories.PaymentEventRepository = (*PaymentEventRepository)(nil)

// NewPaymentEventRepository constructs a Postgres-backed payment event log.
func NewPaymentEventRepository(provider *ppostgres.Provider) (*PaymentEventRepository, error) {
	if provider == nil {
		return nil, errors.New("payment event repository requires postgres provider")
	}
	return &PaymentEventRepository{provider: provider}, nil
}

// Insert records the event; the (provider, provider_event_id) constraint yields a conflict on redelivery.
func (r *PaymentEventRepository) Insert(ctx context.Context, event domain.PaymentEvent) error {
	db, err := r.provider.DB(ctx)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, `
		INSERT INTO payment_events (id, provider, provider_event_id, event_type, order_id, outcome, result,
			raw_payload, signature_valid, received_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10)`,
		event.ID, event.Provider, event.ProviderEventID, event.EventType, event.OrderID,
		string(event.Outcome), string(event.Result), event.RawPayload, event.SignatureValid, event.ReceivedAt.UTC())
	return ppostgres.WrapError("paymentEvents.insert", err)
}

// SetResult records the processing outcome and the order the event resolved to.
func (r *PaymentEventRepository) SetResult(ctx context.Context, eventID string, orderID string, result domain.PaymentEventResult) error {
	db, err := r.provider.DB(ctx)
	if err != nil {
		return err
	}
	tag, err := db.Exec(ctx, `
		UPDATE payment_events
		   SET result = $2, order_id = COALESCE(NULLIF($3, ''), order_id)
		 WHERE id = $1`, eventID, string(result), orderID)
	if err != nil {
		return ppostgres.WrapError("paymentEvents.setResult", err)
	}
	if tag.RowsAffected() == 0 {
		return ppostgres.NotFound("paymentEvents.setResult", fmt.Errorf("payment event %s not found", eventID))
	}
	return nil
}

// ListByOrder returns the events attributed to an order in arrival order.
func (r *PaymentEventRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.PaymentEvent, error) {
	db, err := r.provider.DB(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(ctx, `SELECT `+paymentEventColumns+` FROM payment_events WHERE order_id = $1 ORDER BY received_at, id`, orderID)
	if err != nil {
		return nil, ppostgres.WrapError("paymentEvents.list", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.PaymentEvent, error) {
		var (
			event           domain.PaymentEvent
			outcome, result string
		)
		err := row.Scan(&event.ID, &event.Provider, &event.ProviderEventID, &event.EventType, &event.OrderID,
			&outcome, &result, &event.RawPayload, &event.SignatureValid, &event.ReceivedAt)
		event.Outcome = domain.PaymentOutcome(outcome)
		event.Result = domain.PaymentEventResult(result)
		event.ReceivedAt = event.ReceivedAt.UTC()
		return event, err
	})
	if err != nil {
		return nil, ppostgres.WrapError("paymentEvents.list", err)
	}
	return events, nil
}
