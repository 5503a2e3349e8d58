package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/minestore/api/internal/domain"
	pfirestore "github.com/minestore/api/internal/platform/firestore"
	"github.com/minestore/api/internal/repositories"
)

type orderViewDocument struct {
	Number         string    `firestore:"number"`
	UserID         string    `firestore:"userId"`
	Status         string    `firestore:"status"`
	Currency       string    `firestore:"currency"`
	Total          int64     `firestore:"total"`
	FailureReason  string    `firestore:"failureReason,omitempty"`
	Flags          []string  `firestore:"flags"`
	CommandsQueued int       `firestore:"commandsQueued"`
	Version        int       `firestore:"version"`
	UpdatedAt      time.Time `firestore:"updatedAt"`
}

// OrderViewRepository projects orders into a Firestore collection the storefront polls.
type OrderViewRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.OrderViewRepository = (*OrderViewRepository)(nil)

// NewOrderViewRepository constructs the Firestore projection.
func NewOrderViewRepository(provider *pfirestore.Provider) (*OrderViewRepository, error) {
	if provider == nil {
		return nil, errors.New("order view repository requires firestore provider")
	}
	return &OrderViewRepository{provider: provider}, nil
}

// Project writes the view unless the stored document already carries the same or a newer version,
// so out-of-order projections never regress the read model.
func (r *OrderViewRepository) Project(ctx context.Context, view domain.OrderView) error {
	if strings.TrimSpace(view.OrderID) == "" {
		return errors.New("order view: order id is required")
	}
	ref, err := r.doc(ctx, view.OrderID)
	if err != nil {
		return err
	}
	next := encodeView(view)

	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		switch status.Code(err) {
		case codes.NotFound:
			return tx.Set(ref, next)
		case codes.OK:
		default:
			return err
		}
		var current orderViewDocument
		if err := snap.DataTo(&current); err != nil {
			return fmt.Errorf("order view decode %s: %w", view.OrderID, err)
		}
		if current.Version >= next.Version {
			return nil
		}
		return tx.Set(ref, next)
	})
}

// Get returns the projected view.
func (r *OrderViewRepository) Get(ctx context.Context, orderID string) (domain.OrderView, error) {
	ref, err := r.doc(ctx, orderID)
	if err != nil {
		return domain.OrderView{}, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return domain.OrderView{}, pfirestore.WrapError("orderViews.get", err)
	}
	var doc orderViewDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.OrderView{}, fmt.Errorf("order view decode %s: %w", orderID, err)
	}
	return decodeView(snap.Ref.ID, doc), nil
}

func (r *OrderViewRepository) doc(ctx context.Context, orderID string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, pfirestore.WrapError("orderViews.doc", status.Error(codes.NotFound, "order id is empty"))
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(r.provider.Collection()).Doc(orderID), nil
}

func encodeView(view domain.OrderView) orderViewDocument {
	flags := make([]string, 0, len(view.Flags))
	for _, flag := range view.Flags {
		flags = append(flags, string(flag))
	}
	return orderViewDocument{
		Number:         view.Number,
		UserID:         view.UserID,
		Status:         string(view.Status),
		Currency:       view.Currency,
		Total:          view.Total,
		FailureReason:  view.FailureReason,
		Flags:          flags,
		CommandsQueued: view.CommandsQueued,
		Version:        view.Version,
		UpdatedAt:      view.UpdatedAt.UTC(),
	}
}

func decodeView(id string, doc orderViewDocument) domain.OrderView {
	flags := make([]domain.OrderFlagCode, 0, len(doc.Flags))
	for _, flag := range doc.Flags {
		flags = append(flags, domain.OrderFlagCode(flag))
	}
	return domain.OrderView{
		OrderID:        id,
		Number:         doc.Number,
		UserID:         doc.UserID,
		Status:         domain.OrderStatus(doc.Status),
		Currency:       doc.Currency,
		Total:          doc.Total,
		FailureReason:  doc.FailureReason,
		Flags:          flags,
		CommandsQueued: doc.CommandsQueued,
		Version:        doc.Version,
		UpdatedAt:      doc.UpdatedAt.UTC(),
	}
}
