package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/xtrntr/p2pexchange/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

//go:embed migrations/001_init.sql
var initSchema string

const (
	orderColumns = "id, user_id, side, amount::text, price::text, total::text, min_limit::text, max_limit::text, status, created_at, updated_at"
	tradeColumns = "id, order_id, side, requester_id, counterparty_id, buyer_id, seller_id, amount::text, price::text, total::text, commission::text, commission_currency, executed_at"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

var _ Store = (*DB)(nil)

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// Migrate applies the embedded schema. It is idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, initSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// InTx runs fn in a transaction, committing only if fn succeeds
func (db *DB) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateUser inserts a new credential record
func (db *DB) CreateUser(ctx context.Context, userID, passwordHash string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (id, password_hash) VALUES ($1, $2) RETURNING id, password_hash, created_at",
		userID, passwordHash).Scan(&user.ID, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("user %s: %w", userID, ErrDuplicate)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUser retrieves a credential record by user id
func (db *DB) GetUser(ctx context.Context, userID string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, password_hash, created_at FROM users WHERE id = $1",
		userID).Scan(&user.ID, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetOrder retrieves an order without locking it
func (db *DB) GetOrder(ctx context.Context, orderID int64) (models.Order, error) {
	order, err := scanOrder(db.Pool.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1", orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Order{}, fmt.Errorf("order %d: %w", orderID, ErrNotFound)
		}
		return models.Order{}, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

// ActiveOrders retrieves all active orders, best (highest) price first
func (db *DB) ActiveOrders(ctx context.Context) ([]models.Order, error) {
	return db.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = 'active'
		ORDER BY price DESC, created_at ASC, id ASC
	`)
}

// UserOrders retrieves all orders of a user, newest first
func (db *DB) UserOrders(ctx context.Context, userID string) ([]models.Order, error) {
	return db.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
	`, userID)
}

func (db *DB) queryOrders(ctx context.Context, sql string, args ...any) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read orders: %w", err)
	}
	return orders, nil
}

// UserTrades retrieves all trades a user took part in, newest first
func (db *DB) UserTrades(ctx context.Context, userID string) ([]models.Trade, error) {
	return db.queryTrades(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE requester_id = $1 OR counterparty_id = $1
		ORDER BY executed_at DESC, id DESC
	`, userID)
}

// OrderTrades retrieves the fills of one order in execution order
func (db *DB) OrderTrades(ctx context.Context, orderID int64) ([]models.Trade, error) {
	return db.queryTrades(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE order_id = $1
		ORDER BY id ASC
	`, orderID)
}

func (db *DB) queryTrades(ctx context.Context, sql string, args ...any) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	trades := []models.Trade{}
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, trade)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read trades: %w", err)
	}
	return trades, nil
}

// Leaderboard ranks accounts holding asset by asset balance
func (db *DB) Leaderboard(ctx context.Context, limit int) ([]models.Holding, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT user_id, asset::text, quote::text
		FROM accounts
		WHERE asset > 0
		ORDER BY asset DESC, user_id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query leaderboard: %w", err)
	}
	defer rows.Close()

	holdings := []models.Holding{}
	for rows.Next() {
		var h models.Holding
		var asset, quote string
		if err := rows.Scan(&h.UserID, &asset, &quote); err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		if err := parseDecimals([]string{asset, quote}, &h.Asset, &h.Quote); err != nil {
			return nil, err
		}
		holdings = append(holdings, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read leaderboard: %w", err)
	}
	return holdings, nil
}

// pgTx implements Tx on top of a pgx transaction. Every read locks its row.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Account(ctx context.Context, userID string) (models.Account, error) {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO accounts (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING", userID)
	if err != nil {
		return models.Account{}, fmt.Errorf("failed to create account: %w", err)
	}

	var acct models.Account
	var quote, asset string
	err = t.tx.QueryRow(ctx,
		"SELECT user_id, quote::text, asset::text, created_at, updated_at FROM accounts WHERE user_id = $1 FOR UPDATE",
		userID).Scan(&acct.UserID, &quote, &asset, &acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		return models.Account{}, fmt.Errorf("failed to get account: %w", err)
	}
	if err := parseDecimals([]string{quote, asset}, &acct.Quote, &acct.Asset); err != nil {
		return models.Account{}, err
	}
	return acct, nil
}

func (t *pgTx) SaveAccount(ctx context.Context, account models.Account) error {
	if err := CheckBalances(account); err != nil {
		return fmt.Errorf("account %s: %w", account.UserID, err)
	}
	tag, err := t.tx.Exec(ctx,
		"UPDATE accounts SET quote = $1, asset = $2, updated_at = NOW() WHERE user_id = $3",
		account.Quote.String(), account.Asset.String(), account.UserID)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", account.UserID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) Order(ctx context.Context, orderID int64) (models.Order, error) {
	order, err := scanOrder(t.tx.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Order{}, fmt.Errorf("order %d: %w", orderID, ErrNotFound)
		}
		return models.Order{}, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

func (t *pgTx) InsertOrder(ctx context.Context, order *models.Order) error {
	inserted, err := scanOrder(t.tx.QueryRow(ctx, `
		INSERT INTO orders (user_id, side, amount, price, total, min_limit, max_limit, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+orderColumns,
		order.UserID, string(order.Side), order.Amount.String(), order.Price.String(), order.Total.String(),
		order.MinLimit.String(), order.MaxLimit.String(), string(order.Status)))
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	*order = inserted
	return nil
}

func (t *pgTx) SaveOrder(ctx context.Context, order models.Order) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE orders SET amount = $1, status = $2, updated_at = NOW() WHERE id = $3",
		order.Amount.String(), string(order.Status), order.ID)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %d: %w", order.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertTrade(ctx context.Context, trade *models.Trade) error {
	inserted, err := scanTrade(t.tx.QueryRow(ctx, `
		INSERT INTO trades (order_id, side, requester_id, counterparty_id, buyer_id, seller_id,
			amount, price, total, commission, commission_currency)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+tradeColumns,
		trade.OrderID, string(trade.Side), trade.RequesterID, trade.CounterpartyID, trade.BuyerID, trade.SellerID,
		trade.Amount.String(), trade.Price.String(), trade.Total.String(), trade.Commission.String(),
		string(trade.CommissionCurrency)))
	if err != nil {
		return fmt.Errorf("failed to create trade: %w", err)
	}
	*trade = inserted
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (models.Order, error) {
	var o models.Order
	var side, status string
	var amount, price, total, minLimit, maxLimit string
	err := row.Scan(&o.ID, &o.UserID, &side, &amount, &price, &total, &minLimit, &maxLimit, &status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return models.Order{}, err
	}
	o.Side = models.Side(side)
	o.Status = models.OrderStatus(status)
	err = parseDecimals([]string{amount, price, total, minLimit, maxLimit},
		&o.Amount, &o.Price, &o.Total, &o.MinLimit, &o.MaxLimit)
	return o, err
}

func scanTrade(row scanner) (models.Trade, error) {
	var t models.Trade
	var side, currency string
	var amount, price, total, commission string
	err := row.Scan(&t.ID, &t.OrderID, &side, &t.RequesterID, &t.CounterpartyID, &t.BuyerID, &t.SellerID,
		&amount, &price, &total, &commission, &currency, &t.ExecutedAt)
	if err != nil {
		return models.Trade{}, err
	}
	t.Side = models.Side(side)
	t.CommissionCurrency = models.Currency(currency)
	err = parseDecimals([]string{amount, price, total, commission}, &t.Amount, &t.Price, &t.Total, &t.Commission)
	return t, err
}

func parseDecimals(src []string, dst ...*decimal.Decimal) error {
	for i, s := range src {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("failed to parse numeric %q: %w", s, err)
		}
		*dst[i] = d
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
