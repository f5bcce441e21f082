package exchange

import (
	"errors"

	"github.com/xtrntr/p2pexchange/internal/models"
)

// Validation errors
var (
	ErrInvalidAccount  = errors.New("invalid account id")
	ErrInvalidSide     = errors.New("type must be 'buy' or 'sell'")
	ErrInvalidAmount   = errors.New("amount must be positive")
	ErrInvalidPrice    = errors.New("price must be positive")
	ErrInvalidLimits   = errors.New("limits must be non-negative and min must not exceed max")
	ErrInvalidCurrency = errors.New("currency must be 'quote' or 'asset'")
)

// validUserID reports whether id can name an account
func validUserID(id string) bool {
	return id != "" && len(id) <= models.MaxUserIDLength
}

// Lookup and authorization errors
var (
	ErrNotFound  = errors.New("order not found")
	ErrForbidden = errors.New("not your order")
)

// Business rule violations
var (
	ErrBelowMinimum             = errors.New("amount below order minimum")
	ErrAboveMaximum             = errors.New("amount above order maximum")
	ErrInsufficientOrderAmount  = errors.New("amount exceeds remaining order amount")
	ErrInsufficientFunds        = errors.New("insufficient quote balance")
	ErrInsufficientAssetBalance = errors.New("insufficient asset balance")
	ErrSelfFill                 = errors.New("cannot fill your own order")
)

var reasons = []struct {
	err    error
	reason string
}{
	{ErrInvalidAccount, "invalid_account"},
	{ErrInvalidSide, "invalid_side"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrInvalidPrice, "invalid_price"},
	{ErrInvalidLimits, "invalid_limits"},
	{ErrInvalidCurrency, "invalid_currency"},
	{ErrNotFound, "not_found"},
	{ErrForbidden, "forbidden"},
	{ErrBelowMinimum, "below_minimum"},
	{ErrAboveMaximum, "above_maximum"},
	{ErrInsufficientOrderAmount, "insufficient_order_amount"},
	{ErrInsufficientFunds, "insufficient_funds"},
	{ErrInsufficientAssetBalance, "insufficient_asset_balance"},
	{ErrSelfFill, "self_fill"},
}

// Reason returns a stable snake_case label for err, or "internal" when err is
// not one of the errors above
func Reason(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return "internal"
}

// IsValidation reports whether err was caused by malformed input
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidAccount) || errors.Is(err, ErrInvalidSide) ||
		errors.Is(err, ErrInvalidAmount) || errors.Is(err, ErrInvalidPrice) ||
		errors.Is(err, ErrInvalidLimits) || errors.Is(err, ErrInvalidCurrency)
}

// IsRejection reports whether err is a business rule violation
func IsRejection(err error) bool {
	return errors.Is(err, ErrBelowMinimum) || errors.Is(err, ErrAboveMaximum) ||
		errors.Is(err, ErrInsufficientOrderAmount) || errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInsufficientAssetBalance) || errors.Is(err, ErrSelfFill)
}
