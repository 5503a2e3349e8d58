package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	domain "github.com/minestore/api/internal/domain"
	ppostgres "github.com/minestore/api/internal/platform/postgres"
	"github.com/minestore/api/internal/repositories"
)

const orderColumns = `id, user_id, number, currency, subtotal_minor, discount_minor, total_minor,
	coalesce(discount_code, ''), status, coalesce(provider, ''), coalesce(gateway_transaction_id, ''),
	coalesce(failure_reason, ''), billing, flags, diagnostics, version, created_at, updated_at, completed_at`

const orderItemColumns = `id, order_id, package_id, package_name, command_template, quantity, unit_price_minor, total_minor`

type billingDocument struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Country string `json:"country,omitempty"`
}

// OrderRepository implements repositories.OrderRepository.
type OrderRepository struct {
	provider *ppostgres.Provider
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Postgres-backed order repository.
func NewOrderRepository(provider *ppostgres.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires postgres provider")
	}
	return &OrderRepository{provider: provider}, nil
}

// Insert writes the order and its items atomically.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if strings.TrimSpace(order.ID) == "" || strings.TrimSpace(order.Number) == "" {
		return errors.New("orders: id and number are required")
	}
	billing, err := json.Marshal(billingDocument(order.Billing))
	if err != nil {
		return fmt.Errorf("orders: encode billing: %w", err)
	}
	flags, err := encodeFlags(order.Flags)
	if err != nil {
		return err
	}
	diagnostics, err := json.Marshal(order.Diagnostics)
	if err != nil {
		return fmt.Errorf("orders: encode diagnostics: %w", err)
	}
	version := order.Version
	if version <= 0 {
		version = 1
	}

	return r.provider.RunInTx(ctx, func(ctx context.Context) error {
		db, err := r.provider.DB(ctx)
		if err != nil {
			return err
		}

		batch := &pgx.Batch{}
		batch.Queue(`
			INSERT INTO orders (id, user_id, number, currency, subtotal_minor, discount_minor, total_minor,
				discount_code, status, provider, billing, flags, diagnostics, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, NULLIF($10, ''), $11, $12, $13, $14, $15, $16)`,
			order.ID, order.UserID, order.Number, order.Currency, order.Subtotal, order.DiscountAmount, order.Total,
			order.DiscountCode, string(order.Status), order.Provider, string(billing), flags, string(diagnostics),
			version, order.CreatedAt.UTC(), order.UpdatedAt.UTC())
		for idx, item := range order.Items {
			batch.Queue(`
				INSERT INTO order_items (id, order_id, position, package_id, package_name, command_template,
					quantity, unit_price_minor, total_minor)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				item.ID, order.ID, idx, item.PackageID, item.PackageName, item.CommandTemplate,
				item.Quantity, item.UnitPrice, item.Total)
		}

		results := db.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return ppostgres.WrapError("orders.insert", err)
			}
		}
		return ppostgres.WrapError("orders.insert", results.Close())
	})
}

// FindByID loads the order with its items.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	db, err := r.provider.DB(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	order, err := scanOrder(db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID))
	if err != nil {
		return domain.Order{}, ppostgres.WrapError("orders.find", err)
	}
	if order.Items, err = r.loadItems(ctx, db, order.ID); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

// LockForTransition loads and row-locks the order. Must be called inside RunInTx.
func (r *OrderRepository) LockForTransition(ctx context.Context, lookup repositories.OrderLookup) (domain.Order, error) {
	tx, ok := ppostgres.TxFromContext(ctx)
	if !ok {
		return domain.Order{}, errors.New("orders: LockForTransition requires a transaction")
	}

	var row pgx.Row
	switch {
	case strings.TrimSpace(lookup.OrderID) != "":
		row = tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, lookup.OrderID)
	case strings.TrimSpace(lookup.GatewayTransactionID) != "":
		row = tx.QueryRow(ctx, `
			SELECT `+orderColumns+` FROM orders
			 WHERE provider = $1 AND gateway_transaction_id = $2
			 ORDER BY created_at DESC
			 LIMIT 1
			 FOR UPDATE`, lookup.Provider, lookup.GatewayTransactionID)
	default:
		return domain.Order{}, ppostgres.NotFound("orders.lock", errors.New("order lookup is empty"))
	}

	order, err := scanOrder(row)
	if err != nil {
		return domain.Order{}, ppostgres.WrapError("orders.lock", err)
	}
	if order.Items, err = r.loadItems(ctx, tx, order.ID); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

// UpdateStatus applies a compare-and-set transition and returns the updated order with items.
func (r *OrderRepository) UpdateStatus(ctx context.Context, update repositories.OrderStatusUpdate) (domain.Order, error) {
	db, err := r.provider.DB(ctx)
	if err != nil {
		return domain.Order{}, err
	}

	var diagnostics *string
	if update.Diagnostics.Gateway != nil || len(update.Diagnostics.Opaque) > 0 {
		raw, err := json.Marshal(update.Diagnostics)
		if err != nil {
			return domain.Order{}, fmt.Errorf("orders: encode diagnostics: %w", err)
		}
		encoded := string(raw)
		diagnostics = &encoded
	}
	flags, err := encodeFlags(update.AddFlags)
	if err != nil {
		return domain.Order{}, err
	}

	row := db.QueryRow(ctx, `
		UPDATE orders SET
			status = $3,
			provider = COALESCE(NULLIF($4, ''), provider),
			gateway_transaction_id = COALESCE(NULLIF($5, ''), gateway_transaction_id),
			failure_reason = COALESCE(NULLIF($6, ''), failure_reason),
			diagnostics = COALESCE($7::jsonb, diagnostics),
			flags = flags || $8::jsonb,
			completed_at = COALESCE($9, completed_at),
			updated_at = $10,
			version = version + 1
		 WHERE id = $1 AND status = $2
		RETURNING `+orderColumns,
		update.OrderID, string(update.From), string(update.To), update.Provider, update.GatewayTransactionID,
		update.FailureReason, diagnostics, flags, utcPtr(update.CompletedAt), update.UpdatedAt.UTC())

	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, ppostgres.Conflict("orders.updateStatus",
			fmt.Errorf("order %s is no longer %s", update.OrderID, update.From))
	}
	if err != nil {
		return domain.Order{}, ppostgres.WrapError("orders.updateStatus", err)
	}
	if order.Items, err = r.loadItems(ctx, db, order.ID); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

// ClearFlag removes the flag code from the order's jsonb flag list.
func (r *OrderRepository) ClearFlag(ctx context.Context, orderID string, code domain.OrderFlagCode, updatedAt time.Time) (domain.Order, error) {
	db, err := r.provider.DB(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	row := db.QueryRow(ctx, `
		UPDATE orders SET
			flags = COALESCE((
				SELECT jsonb_agg(flag) FROM jsonb_array_elements(flags) AS flag
				 WHERE flag->>'code' <> $2
			), '[]'::jsonb),
			updated_at = $3,
			version = version + 1
		 WHERE id = $1
		RETURNING `+orderColumns,
		orderID, string(code), updatedAt.UTC())

	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, ppostgres.NotFound("orders.clearFlag", fmt.Errorf("order %s", orderID))
	}
	if err != nil {
		return domain.Order{}, ppostgres.WrapError("orders.clearFlag", err)
	}
	if order.Items, err = r.loadItems(ctx, db, order.ID); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

// ListPendingBefore returns pending orders created before cutoff, oldest first. Items are not loaded.
func (r *OrderRepository) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	db, err := r.provider.DB(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		 WHERE status = 'pending' AND created_at < $1
		 ORDER BY created_at
		 LIMIT $2`, cutoff.UTC(), limit)
	if err != nil {
		return nil, ppostgres.WrapError("orders.listPending", err)
	}
	orders, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Order, error) {
		return scanOrder(row)
	})
	if err != nil {
		return nil, ppostgres.WrapError("orders.listPending", err)
	}
	return orders, nil
}

func (r *OrderRepository) loadItems(ctx context.Context, db ppostgres.Querier, orderID string) ([]domain.OrderItem, error) {
	rows, err := db.Query(ctx, `SELECT `+orderItemColumns+` FROM order_items WHERE order_id = $1 ORDER BY position`, orderID)
	if err != nil {
		return nil, ppostgres.WrapError("orders.items", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.OrderItem, error) {
		var item domain.OrderItem
		err := row.Scan(&item.ID, &item.OrderID, &item.PackageID, &item.PackageName, &item.CommandTemplate,
			&item.Quantity, &item.UnitPrice, &item.Total)
		return item, err
	})
	if err != nil {
		return nil, ppostgres.WrapError("orders.items", err)
	}
	return items, nil
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		order  domain.Order
		status string
	)
	var billing, flags, diagnostics []byte
	if err := row.Scan(&order.ID, &order.UserID, &order.Number, &order.Currency, &order.Subtotal,
		&order.DiscountAmount, &order.Total, &order.DiscountCode, &status, &order.Provider,
		&order.GatewayTransactionID, &order.FailureReason, &billing, &flags, &diagnostics,
		&order.Version, &order.CreatedAt, &order.UpdatedAt, &order.CompletedAt); err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	order.CompletedAt = utcPtr(order.CompletedAt)

	var doc billingDocument
	if len(billing) > 0 {
		if err := json.Unmarshal(billing, &doc); err != nil {
			return domain.Order{}, fmt.Errorf("orders: decode billing %s: %w", order.ID, err)
		}
	}
	order.Billing = domain.BillingContact(doc)
	if len(flags) > 0 {
		if err := json.Unmarshal(flags, &order.Flags); err != nil {
			return domain.Order{}, fmt.Errorf("orders: decode flags %s: %w", order.ID, err)
		}
	}
	if len(diagnostics) > 0 {
		if err := json.Unmarshal(diagnostics, &order.Diagnostics); err != nil {
			return domain.Order{}, fmt.Errorf("orders: decode diagnostics %s: %w", order.ID, err)
		}
	}
	return order, nil
}

func encodeFlags(flags []domain.OrderFlag) (string, error) {
	if len(flags) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(flags)
	if err != nil {
		return "", fmt.Errorf("orders: encode flags: %w", err)
	}
	return string(raw), nil
}
