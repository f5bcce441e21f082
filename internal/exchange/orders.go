package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/xtrntr/p2pexchange/internal/db"
	"github.com/xtrntr/p2pexchange/internal/events"
	"github.com/xtrntr/p2pexchange/internal/gate"
	"github.com/xtrntr/p2pexchange/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// NewOrder is a request to post a resting order. Zero limits mean unbounded.
type NewOrder struct {
	UserID   string
	Side     models.Side
	Amount   decimal.Decimal
	Price    decimal.Decimal
	MinLimit decimal.Decimal
	MaxLimit decimal.Decimal
}

// Validate checks the order request without touching storage
func (n NewOrder) Validate() error {
	if !validUserID(n.UserID) {
		return ErrInvalidAccount
	}
	if !n.Side.Valid() {
		return ErrInvalidSide
	}
	if !n.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !n.Price.IsPositive() {
		return ErrInvalidPrice
	}
	if n.MinLimit.IsNegative() || n.MaxLimit.IsNegative() {
		return ErrInvalidLimits
	}
	if n.MinLimit.IsPositive() && n.MaxLimit.IsPositive() && n.MinLimit.GreaterThan(n.MaxLimit) {
		return ErrInvalidLimits
	}
	return nil
}

// CreateOrder posts a new active order. No balance is reserved; the
// requester's balance is checked when the order is filled.
func (e *Exchange) CreateOrder(ctx context.Context, req NewOrder) (models.Order, error) {
	if err := req.Validate(); err != nil {
		e.rejected("create", err, zap.String("user", req.UserID))
		return models.Order{}, err
	}

	order := models.Order{
		UserID:   req.UserID,
		Side:     req.Side,
		Amount:   req.Amount,
		Price:    req.Price,
		Total:    req.Amount.Mul(req.Price),
		MinLimit: req.MinLimit,
		MaxLimit: req.MaxLimit,
		Status:   models.StatusActive,
	}

	err := e.locked(ctx, []string{gate.AccountKey(req.UserID)}, func() error {
		return e.inTx(ctx, func(tx db.Tx) error {
			if _, err := tx.Account(ctx, req.UserID); err != nil {
				return err
			}
			pending := order
			if err := tx.InsertOrder(ctx, &pending); err != nil {
				return err
			}
			order = pending
			return nil
		})
	})
	if err != nil {
		err = fmt.Errorf("failed to create order: %w", err)
		e.rejected("create", err, zap.String("user", req.UserID))
		return models.Order{}, err
	}

	e.metrics.OrderCreated()
	e.logger.Info("order created",
		zap.Int64("order_id", order.ID),
		zap.String("user", order.UserID),
		zap.String("side", string(order.Side)),
		zap.Stringer("amount", order.Amount),
		zap.Stringer("price", order.Price))

	ev := events.New(events.OrderCreated)
	ev.Order = &order
	e.publish(ctx, ev)
	return order, nil
}

// CancelOrder cancels an active order on behalf of its owner
func (e *Exchange) CancelOrder(ctx context.Context, orderID int64, requester string) error {
	var cancelled models.Order
	err := e.locked(ctx, []string{gate.OrderKey(orderID)}, func() error {
		return e.inTx(ctx, func(tx db.Tx) error {
			order, err := activeOrder(ctx, tx, orderID)
			if err != nil {
				return err
			}
			if order.UserID != requester {
				return ErrForbidden
			}
			order.Status = models.StatusCancelled
			if err := tx.SaveOrder(ctx, order); err != nil {
				return err
			}
			cancelled = order
			return nil
		})
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrForbidden) {
			err = fmt.Errorf("failed to cancel order: %w", err)
		}
		e.rejected("cancel", err, zap.Int64("order_id", orderID), zap.String("user", requester))
		return err
	}

	e.metrics.OrderCancelled()
	e.logger.Info("order cancelled", zap.Int64("order_id", orderID), zap.String("user", requester))

	ev := events.New(events.OrderCancelled)
	ev.Order = &cancelled
	e.publish(ctx, ev)
	return nil
}

// ListActiveOrders returns every active order, best price first
func (e *Exchange) ListActiveOrders(ctx context.Context) ([]models.Order, error) {
	orders, err := e.store.ActiveOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active orders: %w", err)
	}
	return orders, nil
}

// ListUserOrders returns every order of userID in any status, newest first
func (e *Exchange) ListUserOrders(ctx context.Context, userID string) ([]models.Order, error) {
	orders, err := e.store.UserOrders(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user orders: %w", err)
	}
	return orders, nil
}

// ListUserTrades returns the fills userID took part in on either side
func (e *Exchange) ListUserTrades(ctx context.Context, userID string) ([]models.Trade, error) {
	trades, err := e.store.UserTrades(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user trades: %w", err)
	}
	return trades, nil
}

// ListOrderTrades returns the fills of one order
func (e *Exchange) ListOrderTrades(ctx context.Context, orderID int64) ([]models.Trade, error) {
	if _, err := e.store.GetOrder(ctx, orderID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	trades, err := e.store.OrderTrades(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list order trades: %w", err)
	}
	return trades, nil
}

// activeOrder loads and locks an order, treating a terminal order as missing
func activeOrder(ctx context.Context, tx db.Tx, orderID int64) (models.Order, error) {
	order, err := tx.Order(ctx, orderID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return models.Order{}, ErrNotFound
		}
		return models.Order{}, err
	}
	if order.Status != models.StatusActive {
		return models.Order{}, ErrNotFound
	}
	return order, nil
}
