package exchange

import (
	"context"
	"fmt"

	"github.com/xtrntr/p2pexchange/internal/db"
	"github.com/xtrntr/p2pexchange/internal/events"
	"github.com/xtrntr/p2pexchange/internal/gate"
	"github.com/xtrntr/p2pexchange/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultLeaderboardSize = 10
	MaxLeaderboardSize     = 100
)

// GetBalance returns the balances of userID, opening the account on first use
func (e *Exchange) GetBalance(ctx context.Context, userID string) (models.Account, error) {
	if !validUserID(userID) {
		e.rejected("balance", ErrInvalidAccount, zap.Int("user_len", len(userID)))
		return models.Account{}, ErrInvalidAccount
	}

	var acct models.Account
	err := e.locked(ctx, []string{gate.AccountKey(userID)}, func() error {
		return e.inTx(ctx, func(tx db.Tx) error {
			var err error
			acct, err = tx.Account(ctx, userID)
			return err
		})
	})
	if err != nil {
		err = fmt.Errorf("failed to get balance: %w", err)
		e.rejected("balance", err, zap.String("user", userID))
		return models.Account{}, err
	}
	return acct, nil
}

// Credit adds a signed amount to one balance of userID. A negative amount
// withdraws and fails if it would overdraw the balance.
func (e *Exchange) Credit(ctx context.Context, userID string, currency models.Currency, amount decimal.Decimal) (models.Account, error) {
	if !validUserID(userID) {
		e.rejected("credit", ErrInvalidAccount, zap.Int("user_len", len(userID)))
		return models.Account{}, ErrInvalidAccount
	}
	if currency != models.Quote && currency != models.Asset {
		e.rejected("credit", ErrInvalidCurrency, zap.String("user", userID))
		return models.Account{}, ErrInvalidCurrency
	}

	var acct models.Account
	err := e.locked(ctx, []string{gate.AccountKey(userID)}, func() error {
		return e.inTx(ctx, func(tx db.Tx) error {
			current, err := tx.Account(ctx, userID)
			if err != nil {
				return err
			}
			current.Add(currency, amount)
			if current.Balance(currency).IsNegative() {
				if currency == models.Asset {
					return ErrInsufficientAssetBalance
				}
				return ErrInsufficientFunds
			}
			if err := tx.SaveAccount(ctx, current); err != nil {
				return err
			}
			acct = current
			return nil
		})
	})
	if err != nil {
		if !IsRejection(err) {
			err = fmt.Errorf("failed to credit balance: %w", err)
		}
		e.rejected("credit", err, zap.String("user", userID))
		return models.Account{}, err
	}

	e.logger.Info("balance credited",
		zap.String("user", userID),
		zap.String("currency", string(currency)),
		zap.Stringer("amount", amount))

	ev := events.New(events.BalanceCredited)
	ev.Account = &acct
	e.publish(ctx, ev)
	return acct, nil
}

// Leaderboard ranks accounts by asset balance, omitting accounts without asset.
// A limit outside 1..MaxLeaderboardSize is replaced by the default or the cap.
func (e *Exchange) Leaderboard(ctx context.Context, limit int) ([]models.Holding, error) {
	if limit <= 0 {
		limit = DefaultLeaderboardSize
	}
	if limit > MaxLeaderboardSize {
		limit = MaxLeaderboardSize
	}
	holdings, err := e.store.Leaderboard(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get leaderboard: %w", err)
	}
	return holdings, nil
}
