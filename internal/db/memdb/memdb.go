// Package memdb is an in-memory implementation of db.Store.
//
// Each transaction stages its reads and writes privately and validates them at
// commit against per-row versions, so a transaction that raced with another
// writer fails with db.ErrConflict instead of losing an update. Commits are
// applied under a single write lock, so readers never observe half of one.
package memdb

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xtrntr/p2pexchange/internal/db"
	"github.com/xtrntr/p2pexchange/internal/models"
)

type accountRow struct {
	account models.Account
	version uint64
}

type orderRow struct {
	order   models.Order
	version uint64
}

// Store holds every table in memory
type Store struct {
	mu          sync.RWMutex
	accounts    map[string]accountRow
	orders      map[int64]orderRow
	trades      []models.Trade
	users       map[string]models.User
	nextOrderID int64
	nextTradeID int64

	now func() time.Time
}

var _ db.Store = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		accounts: make(map[string]accountRow),
		orders:   make(map[int64]orderRow),
		users:    make(map[string]models.User),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Close is a no-op
func (s *Store) Close(ctx context.Context) error {
	return nil
}

// InTx stages fn's writes and applies them atomically if fn succeeds
func (s *Store) InTx(ctx context.Context, fn func(tx db.Tx) error) error {
	t := &tx{
		s:        s,
		accounts: make(map[string]*stagedAccount),
		orders:   make(map[int64]*stagedOrder),
	}
	if err := fn(t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.commit()
}

// CreateUser inserts a credential record
func (s *Store) CreateUser(ctx context.Context, userID, passwordHash string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[userID]; exists {
		return nil, fmt.Errorf("user %s: %w", userID, db.ErrDuplicate)
	}
	user := models.User{ID: userID, PasswordHash: passwordHash, CreatedAt: s.now()}
	s.users[userID] = user
	return &user, nil
}

// GetUser retrieves a credential record
func (s *Store) GetUser(ctx context.Context, userID string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.users[userID]
	if !exists {
		return nil, fmt.Errorf("user %s: %w", userID, db.ErrNotFound)
	}
	return &user, nil
}

// GetOrder retrieves an order
func (s *Store) GetOrder(ctx context.Context, orderID int64) (models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, exists := s.orders[orderID]
	if !exists {
		return models.Order{}, fmt.Errorf("order %d: %w", orderID, db.ErrNotFound)
	}
	return row.order, nil
}

// ActiveOrders returns active orders, highest price first, then oldest first
func (s *Store) ActiveOrders(ctx context.Context) ([]models.Order, error) {
	s.mu.RLock()
	orders := []models.Order{}
	for _, row := range s.orders {
		if row.order.Status == models.StatusActive {
			orders = append(orders, row.order)
		}
	}
	s.mu.RUnlock()

	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].Price.Equal(orders[j].Price) {
			return orders[i].Price.GreaterThan(orders[j].Price)
		}
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].ID < orders[j].ID
	})
	return orders, nil
}

// UserOrders returns every order of userID, newest first
func (s *Store) UserOrders(ctx context.Context, userID string) ([]models.Order, error) {
	s.mu.RLock()
	orders := []models.Order{}
	for _, row := range s.orders {
		if row.order.UserID == userID {
			orders = append(orders, row.order)
		}
	}
	s.mu.RUnlock()

	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.After(orders[j].CreatedAt)
		}
		return orders[i].ID > orders[j].ID
	})
	return orders, nil
}

// UserTrades returns the trades userID took part in, newest first
func (s *Store) UserTrades(ctx context.Context, userID string) ([]models.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trades := []models.Trade{}
	for i := len(s.trades) - 1; i >= 0; i-- {
		if s.trades[i].RequesterID == userID || s.trades[i].CounterpartyID == userID {
			trades = append(trades, s.trades[i])
		}
	}
	return trades, nil
}

// OrderTrades returns the fills of orderID in execution order
func (s *Store) OrderTrades(ctx context.Context, orderID int64) ([]models.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trades := []models.Trade{}
	for _, t := range s.trades {
		if t.OrderID == orderID {
			trades = append(trades, t)
		}
	}
	return trades, nil
}

// Leaderboard ranks accounts with a positive asset balance
func (s *Store) Leaderboard(ctx context.Context, limit int) ([]models.Holding, error) {
	s.mu.RLock()
	holdings := []models.Holding{}
	for _, row := range s.accounts {
		if row.account.Asset.IsPositive() {
			holdings = append(holdings, models.Holding{
				UserID: row.account.UserID,
				Asset:  row.account.Asset,
				Quote:  row.account.Quote,
			})
		}
	}
	s.mu.RUnlock()

	sort.Slice(holdings, func(i, j int) bool {
		if !holdings[i].Asset.Equal(holdings[j].Asset) {
			return holdings[i].Asset.GreaterThan(holdings[j].Asset)
		}
		return holdings[i].UserID < holdings[j].UserID
	})
	if limit >= 0 && len(holdings) > limit {
		holdings = holdings[:limit]
	}
	return holdings, nil
}

// Accounts returns a copy of every account. Tests use it to check totals.
func (s *Store) Accounts() []models.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]models.Account, 0, len(s.accounts))
	for _, row := range s.accounts {
		accounts = append(accounts, row.account)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].UserID < accounts[j].UserID })
	return accounts
}
