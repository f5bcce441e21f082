package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MaxUserIDLength bounds user ids; the store keys accounts and orders by them
const MaxUserIDLength = 64

// Side is the direction of an order from its owner's point of view
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is buy or sell
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	StatusActive    OrderStatus = "active"
	StatusCancelled OrderStatus = "cancelled"
	StatusCompleted OrderStatus = "completed"
)

// Currency names one of the two balances every account holds
type Currency string

const (
	Quote Currency = "quote" // balance type 1
	Asset Currency = "asset" // balance type 2
)

// ParseCurrency accepts the currency names as well as the legacy numeric balance types
func ParseCurrency(s string) (Currency, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "quote", "1":
		return Quote, nil
	case "asset", "2":
		return Asset, nil
	}
	return "", fmt.Errorf("unknown currency %q", s)
}

// User holds login credentials for an account holder
type User struct {
	ID           string    `json:"id"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Account holds the two balances of a user
type Account struct {
	UserID    string          `json:"user_id"`
	Quote     decimal.Decimal `json:"quote"`
	Asset     decimal.Decimal `json:"asset"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Balance returns the balance held in c
func (a Account) Balance(c Currency) decimal.Decimal {
	if c == Asset {
		return a.Asset
	}
	return a.Quote
}

// Add adjusts the balance held in c by delta
func (a *Account) Add(c Currency, delta decimal.Decimal) {
	if c == Asset {
		a.Asset = a.Asset.Add(delta)
		return
	}
	a.Quote = a.Quote.Add(delta)
}

// Order represents a resting buy or sell order
type Order struct {
	ID        int64           `json:"id"`
	UserID    string          `json:"user_id"`
	Side      Side            `json:"type"`
	Amount    decimal.Decimal `json:"amount"` // remaining asset amount
	Price     decimal.Decimal `json:"price"`  // quote per unit of asset
	Total     decimal.Decimal `json:"total"`  // amount × price at creation
	MinLimit  decimal.Decimal `json:"min_limit"`
	MaxLimit  decimal.Decimal `json:"max_limit"`
	Status    OrderStatus     `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Trade represents one executed fill of an order
type Trade struct {
	ID                 int64           `json:"id"`
	OrderID            int64           `json:"order_id"`
	Side               Side            `json:"side"`
	RequesterID        string          `json:"requester_id"`
	CounterpartyID     string          `json:"counterparty_id"`
	BuyerID            string          `json:"buyer_id"`
	SellerID           string          `json:"seller_id"`
	Amount             decimal.Decimal `json:"amount"`
	Price              decimal.Decimal `json:"price"`
	Total              decimal.Decimal `json:"total"`
	Commission         decimal.Decimal `json:"commission"`
	CommissionCurrency Currency        `json:"commission_currency"`
	ExecutedAt         time.Time       `json:"executed_at"`
}

// FillResult summarises a successful fill
type FillResult struct {
	OrderID            int64           `json:"order_id"`
	TradeID            int64           `json:"trade_id"`
	Amount             decimal.Decimal `json:"amount"`
	Total              decimal.Decimal `json:"total"`
	Commission         decimal.Decimal `json:"commission"`
	CommissionCurrency Currency        `json:"commission_currency"`
	Remaining          decimal.Decimal `json:"remaining"`
	Status             OrderStatus     `json:"status"`
}

// Holding is one row of the asset leaderboard
type Holding struct {
	UserID string          `json:"user_id"`
	Asset  decimal.Decimal `json:"asset"`
	Quote  decimal.Decimal `json:"quote"`
}
