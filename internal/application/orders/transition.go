package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/alejandrodnm/execgate/internal/ports"
)

// StoreTransition returns the TransitionFunc backed by store.
func StoreTransition(store Store) TransitionFunc {
	return func(ctx context.Context, orderID, to string) (domain.OrderStatus, error) {
		return Transition(ctx, store, orderID, to)
	}
}

// Transition validates and applies orderID -> to.
//
// The write is a compare-and-set on the status read here, so a concurrent
// writer that moved the order first makes this call fail with
// ORDER_STATE_CONFLICT instead of overwriting its result.
func Transition(ctx context.Context, store Store, orderID, to string) (domain.OrderStatus, error) {
	next, err := domain.ParseOrderStatus(to)
	if err != nil {
		return "", err
	}

	current, err := store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return "", &domain.OrderTransitionError{
				Code:    domain.CodeOrderNotFound,
				Message: fmt.Sprintf("order not found: %s", orderID),
				OrderID: orderID,
			}
		}
		return "", fmt.Errorf("orders.Transition: load %s: %w", orderID, err)
	}

	from, err := domain.ParseOrderStatus(string(current.Status))
	if err != nil {
		return "", err
	}
	if err := domain.CheckTransition(from, next); err != nil {
		return "", err
	}
	if from == next {
		return from, nil
	}

	n, err := store.CompareAndSetOrderStatus(ctx, orderID, from, next)
	if err != nil {
		return "", fmt.Errorf("orders.Transition: update %s: %w", orderID, err)
	}
	if n != 1 {
		return "", &domain.OrderTransitionError{
			Code:    domain.CodeOrderStateConflict,
			Message: fmt.Sprintf("order status changed concurrently for order=%s", orderID),
			OrderID: orderID,
			From:    from,
			To:      next,
		}
	}
	return next, nil
}
