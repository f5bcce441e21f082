package memdb

import (
	"context"
	"fmt"

	"github.com/xtrntr/p2pexchange/internal/db"
	"github.com/xtrntr/p2pexchange/internal/models"
)

type stagedAccount struct {
	account models.Account
	version uint64 // version read; 0 when the row did not exist
	dirty   bool
}

type stagedOrder struct {
	order   models.Order
	version uint64
	dirty   bool
}

type tx struct {
	s        *Store
	accounts map[string]*stagedAccount
	orders   map[int64]*stagedOrder
	trades   []models.Trade
}

func (t *tx) Account(ctx context.Context, userID string) (models.Account, error) {
	if staged, ok := t.accounts[userID]; ok {
		return staged.account, nil
	}

	t.s.mu.RLock()
	row, exists := t.s.accounts[userID]
	t.s.mu.RUnlock()

	staged := &stagedAccount{account: row.account, version: row.version}
	if !exists {
		now := t.s.now()
		staged.account = models.Account{UserID: userID, CreatedAt: now, UpdatedAt: now}
		staged.dirty = true
	}
	t.accounts[userID] = staged
	return staged.account, nil
}

func (t *tx) SaveAccount(ctx context.Context, account models.Account) error {
	if err := db.CheckBalances(account); err != nil {
		return fmt.Errorf("account %s: %w", account.UserID, err)
	}
	staged, ok := t.accounts[account.UserID]
	if !ok {
		if _, err := t.Account(ctx, account.UserID); err != nil {
			return err
		}
		staged = t.accounts[account.UserID]
	}
	account.UpdatedAt = t.s.now()
	staged.account = account
	staged.dirty = true
	return nil
}

func (t *tx) Order(ctx context.Context, orderID int64) (models.Order, error) {
	if staged, ok := t.orders[orderID]; ok {
		return staged.order, nil
	}

	t.s.mu.RLock()
	row, exists := t.s.orders[orderID]
	t.s.mu.RUnlock()
	if !exists {
		return models.Order{}, fmt.Errorf("order %d: %w", orderID, db.ErrNotFound)
	}

	t.orders[orderID] = &stagedOrder{order: row.order, version: row.version}
	return row.order, nil
}

func (t *tx) InsertOrder(ctx context.Context, order *models.Order) error {
	t.s.mu.Lock()
	t.s.nextOrderID++
	order.ID = t.s.nextOrderID
	t.s.mu.Unlock()

	now := t.s.now()
	order.CreatedAt = now
	order.UpdatedAt = now
	t.orders[order.ID] = &stagedOrder{order: *order, dirty: true}
	return nil
}

func (t *tx) SaveOrder(ctx context.Context, order models.Order) error {
	staged, ok := t.orders[order.ID]
	if !ok {
		if _, err := t.Order(ctx, order.ID); err != nil {
			return err
		}
		staged = t.orders[order.ID]
	}
	staged.order.Amount = order.Amount
	staged.order.Status = order.Status
	staged.order.UpdatedAt = t.s.now()
	staged.dirty = true
	return nil
}

func (t *tx) InsertTrade(ctx context.Context, trade *models.Trade) error {
	t.s.mu.Lock()
	t.s.nextTradeID++
	trade.ID = t.s.nextTradeID
	t.s.mu.Unlock()

	trade.ExecutedAt = t.s.now()
	t.trades = append(t.trades, *trade)
	return nil
}

// commit validates every row read against its current version, then applies the writes
func (t *tx) commit() error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	for id, staged := range t.accounts {
		if t.s.accounts[id].version != staged.version {
			return fmt.Errorf("account %s: %w", id, db.ErrConflict)
		}
	}
	for id, staged := range t.orders {
		if t.s.orders[id].version != staged.version {
			return fmt.Errorf("order %d: %w", id, db.ErrConflict)
		}
	}

	for id, staged := range t.accounts {
		if staged.dirty {
			t.s.accounts[id] = accountRow{account: staged.account, version: staged.version + 1}
		}
	}
	for id, staged := range t.orders {
		if staged.dirty {
			t.s.orders[id] = orderRow{order: staged.order, version: staged.version + 1}
		}
	}
	t.s.trades = append(t.s.trades, t.trades...)
	return nil
}
