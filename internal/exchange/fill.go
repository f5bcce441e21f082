package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xtrntr/p2pexchange/internal/db"
	"github.com/xtrntr/p2pexchange/internal/events"
	"github.com/xtrntr/p2pexchange/internal/gate"
	"github.com/xtrntr/p2pexchange/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Fill executes amount of an active order for requester. Balances, the order
// and the trade record change together or not at all.
func (e *Exchange) Fill(ctx context.Context, orderID int64, requester string, amount decimal.Decimal) (models.FillResult, error) {
	start := time.Now()
	logFields := []zap.Field{
		zap.Int64("order_id", orderID),
		zap.String("requester", requester),
		zap.Stringer("amount", amount),
	}

	result, trade, order, err := e.fill(ctx, orderID, requester, amount)
	if err != nil {
		e.rejected("fill", err, logFields...)
		return models.FillResult{}, err
	}

	e.metrics.Fill(string(trade.Side), time.Since(start), string(trade.CommissionCurrency), trade.Commission)
	e.logger.Info("order filled", append(logFields,
		zap.Int64("trade_id", trade.ID),
		zap.Stringer("total", trade.Total),
		zap.Stringer("commission", trade.Commission),
		zap.Stringer("remaining", result.Remaining))...)

	ev := events.New(events.OrderFilled)
	ev.Order = &order
	ev.Trade = &trade
	e.publish(ctx, ev)
	return result, nil
}

func (e *Exchange) fill(ctx context.Context, orderID int64, requester string, amount decimal.Decimal) (models.FillResult, models.Trade, models.Order, error) {
	var (
		result models.FillResult
		trade  models.Trade
		order  models.Order
	)
	if !validUserID(requester) {
		return result, trade, order, ErrInvalidAccount
	}
	if !amount.IsPositive() {
		return result, trade, order, ErrInvalidAmount
	}

	// The owner never changes, so it can be read before taking locks.
	peek, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return result, trade, order, ErrNotFound
		}
		return result, trade, order, fmt.Errorf("failed to get order: %w", err)
	}
	if peek.Status != models.StatusActive {
		return result, trade, order, ErrNotFound
	}
	if peek.UserID == requester {
		return result, trade, order, ErrSelfFill
	}

	keys := []string{gate.OrderKey(orderID), gate.AccountKey(requester), gate.AccountKey(peek.UserID)}
	if e.settings.creditsOperator() {
		keys = append(keys, gate.AccountKey(e.settings.CommissionAccount))
	}

	err = e.locked(ctx, keys, func() error {
		return e.inTx(ctx, func(tx db.Tx) error {
			current, err := activeOrder(ctx, tx, orderID)
			if err != nil {
				return err
			}
			st, err := settle(current, requester, amount, e.settings)
			if err != nil {
				return err
			}

			// Rows are locked in user id order so concurrent fills cannot deadlock in the database.
			accounts := make(map[string]models.Account)
			for _, userID := range st.participants() {
				acct, err := tx.Account(ctx, userID)
				if err != nil {
					return err
				}
				accounts[userID] = acct
			}
			updated, err := st.apply(accounts)
			if err != nil {
				return err
			}
			for _, userID := range st.participants() {
				if err := tx.SaveAccount(ctx, updated[userID]); err != nil {
					return err
				}
			}

			current.Amount = st.remaining
			current.Status = st.status
			if err := tx.SaveOrder(ctx, current); err != nil {
				return err
			}

			recorded := st.trade
			if err := tx.InsertTrade(ctx, &recorded); err != nil {
				return err
			}

			trade = recorded
			order = current
			result = models.FillResult{
				OrderID:            orderID,
				TradeID:            recorded.ID,
				Amount:             amount,
				Total:              st.gross,
				Commission:         st.commission,
				CommissionCurrency: st.commissionCurrency,
				Remaining:          st.remaining,
				Status:             st.status,
			}
			return nil
		})
	})
	if err != nil {
		if IsRejection(err) || errors.Is(err, ErrNotFound) {
			return models.FillResult{}, models.Trade{}, models.Order{}, err
		}
		return models.FillResult{}, models.Trade{}, models.Order{}, fmt.Errorf("failed to fill order %d: %w", orderID, err)
	}
	return result, trade, order, nil
}
