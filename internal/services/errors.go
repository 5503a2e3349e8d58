package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/minestore/api/internal/repositories"
)

var (
	// ErrPersistence signals the system of record could not complete the operation. Callers
	// surface it as a retryable failure.
	ErrPersistence = errors.New("persistence failure")

	// ErrPricing is the parent of every pricing rejection.
	ErrPricing = errors.New("pricing: rejected")
	// ErrPricingInvalidInput covers empty carts, bad quantities, and arithmetic overflow.
	ErrPricingInvalidInput = fmt.Errorf("%w: invalid input", ErrPricing)
	// ErrPricingUnknownPackage is returned when a package is missing or inactive.
	ErrPricingUnknownPackage = fmt.Errorf("%w: unknown package", ErrPricing)
	// ErrPricingDiscountNotFound is returned when no discount code matches.
	ErrPricingDiscountNotFound = fmt.Errorf("%w: discount not found", ErrPricing)
	// ErrPricingDiscountInvalid is returned for inactive, expired, or exhausted codes.
	ErrPricingDiscountInvalid = fmt.Errorf("%w: discount not valid", ErrPricing)

	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderNumberExhausted is returned when every generated order number collided.
	ErrOrderNumberExhausted = errors.New("order: could not allocate a unique order number")

	// ErrEventInvalid is returned when a normalised event lacks its provider identity.
	ErrEventInvalid = errors.New("payment event: invalid")

	// ErrWorkItemInvalidInput signals a malformed queue request.
	ErrWorkItemInvalidInput = errors.New("work item: invalid input")
	// ErrWorkItemNotFound indicates the item does not exist.
	ErrWorkItemNotFound = errors.New("work item: not found")
	// ErrWorkItemClaimMismatch is returned when the claim token is wrong or the lease expired.
	ErrWorkItemClaimMismatch = errors.New("work item: claim token mismatch")
	// ErrWorkItemInvalidState is returned when an item is not in the state the operation needs.
	ErrWorkItemInvalidState = errors.New("work item: invalid state")
)

func asRepositoryError(err error) (repositories.RepositoryError, bool) {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr, true
	}
	return nil, false
}

func isNotFound(err error) bool {
	repoErr, ok := asRepositoryError(err)
	return ok && repoErr.IsNotFound()
}

func isConflict(err error) bool {
	repoErr, ok := asRepositoryError(err)
	return ok && repoErr.IsConflict()
}

// persistenceError wraps anything that is not already a service sentinel.
func persistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPersistence) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func noopLogger(context.Context, string, map[string]any) {}
