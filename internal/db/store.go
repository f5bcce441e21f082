package db

import (
	"context"
	"errors"

	"github.com/xtrntr/p2pexchange/internal/models"
)

var (
	// ErrNotFound is returned when an order or user does not exist
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when inserting a user id that is already taken
	ErrDuplicate = errors.New("duplicate entry")
	// ErrConflict is returned when a transaction lost a write race and may be retried
	ErrConflict = errors.New("transaction conflict")
	// ErrNegativeBalance is returned when a write would leave an account below zero
	ErrNegativeBalance = errors.New("negative balance")
)

// Store is the durable state behind the exchange: accounts, orders, trades and credentials
type Store interface {
	// InTx runs fn inside one transaction. The transaction commits when fn returns nil
	// and rolls back otherwise.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	GetOrder(ctx context.Context, orderID int64) (models.Order, error)
	ActiveOrders(ctx context.Context) ([]models.Order, error)
	UserOrders(ctx context.Context, userID string) ([]models.Order, error)
	UserTrades(ctx context.Context, userID string) ([]models.Trade, error)
	OrderTrades(ctx context.Context, orderID int64) ([]models.Trade, error)
	Leaderboard(ctx context.Context, limit int) ([]models.Holding, error)

	CreateUser(ctx context.Context, userID, passwordHash string) (*models.User, error)
	GetUser(ctx context.Context, userID string) (*models.User, error)

	Close(ctx context.Context) error
}

// Tx is the set of reads and writes a single transaction may perform.
// Reads through a Tx lock the row until the transaction ends.
type Tx interface {
	// Account returns the account of userID, creating it with zero balances on first touch
	Account(ctx context.Context, userID string) (models.Account, error)
	SaveAccount(ctx context.Context, account models.Account) error

	Order(ctx context.Context, orderID int64) (models.Order, error)
	InsertOrder(ctx context.Context, order *models.Order) error
	SaveOrder(ctx context.Context, order models.Order) error

	InsertTrade(ctx context.Context, trade *models.Trade) error
}

// CheckBalances rejects accounts holding a negative balance
func CheckBalances(account models.Account) error {
	if account.Quote.IsNegative() || account.Asset.IsNegative() {
		return ErrNegativeBalance
	}
	return nil
}
