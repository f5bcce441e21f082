package exchange

import (
	"sort"

	"github.com/xtrntr/p2pexchange/internal/models"

	"github.com/shopspring/decimal"
)

// transfer is one balance change of a fill
type transfer struct {
	userID   string
	currency models.Currency
	delta    decimal.Decimal
}

// settlement is everything a fill changes, computed before anything is written.
//
// The requester is the caller filling the order; the counterparty is the order
// owner. On a sell order the requester pays quote and receives asset; on a buy
// order the requester delivers asset and receives quote. The counterparty
// receives the proceeds less commission, which is taken in the currency the
// counterparty receives.
type settlement struct {
	transfers          []transfer
	gross              decimal.Decimal
	commission         decimal.Decimal
	commissionCurrency models.Currency
	remaining          decimal.Decimal
	status             models.OrderStatus
	trade              models.Trade
}

// checkFill applies the order's limits to a requested amount
func checkFill(order models.Order, amount decimal.Decimal) error {
	if order.Status != models.StatusActive {
		return ErrNotFound
	}
	if order.MinLimit.IsPositive() && amount.LessThan(order.MinLimit) {
		return ErrBelowMinimum
	}
	if order.MaxLimit.IsPositive() && amount.GreaterThan(order.MaxLimit) {
		return ErrAboveMaximum
	}
	if amount.GreaterThan(order.Amount) {
		return ErrInsufficientOrderAmount
	}
	return nil
}

// settle computes the settlement of filling amount of order for requester
func settle(order models.Order, requester string, amount decimal.Decimal, s Settings) (settlement, error) {
	if err := checkFill(order, amount); err != nil {
		return settlement{}, err
	}

	counterparty := order.UserID
	gross := amount.Mul(order.Price)
	st := settlement{
		gross:     gross,
		remaining: order.Amount.Sub(amount),
		status:    models.StatusActive,
	}
	if st.remaining.IsZero() {
		st.status = models.StatusCompleted
	}

	buyer, seller := requester, counterparty
	switch order.Side {
	case models.SideSell:
		st.commission = gross.Mul(s.CommissionRate)
		st.commissionCurrency = models.Quote
		st.transfers = []transfer{
			{requester, models.Quote, gross.Neg()},
			{requester, models.Asset, amount},
			{counterparty, models.Quote, gross.Sub(st.commission)},
		}
	case models.SideBuy:
		buyer, seller = counterparty, requester
		st.commission = amount.Mul(s.CommissionRate)
		st.commissionCurrency = models.Asset
		st.transfers = []transfer{
			{requester, models.Asset, amount.Neg()},
			{requester, models.Quote, gross},
			{counterparty, models.Asset, amount.Sub(st.commission)},
		}
	default:
		return settlement{}, ErrInvalidSide
	}

	if s.creditsOperator() {
		st.transfers = append(st.transfers, transfer{s.CommissionAccount, st.commissionCurrency, st.commission})
	}

	st.trade = models.Trade{
		OrderID:            order.ID,
		Side:               order.Side,
		RequesterID:        requester,
		CounterpartyID:     counterparty,
		BuyerID:            buyer,
		SellerID:           seller,
		Amount:             amount,
		Price:              order.Price,
		Total:              gross,
		Commission:         st.commission,
		CommissionCurrency: st.commissionCurrency,
	}
	return st, nil
}

// participants returns the distinct users whose balances change, sorted
func (st settlement) participants() []string {
	seen := make(map[string]struct{}, len(st.transfers))
	var users []string
	for _, t := range st.transfers {
		if _, ok := seen[t.userID]; ok {
			continue
		}
		seen[t.userID] = struct{}{}
		users = append(users, t.userID)
	}
	sort.Strings(users)
	return users
}

// apply performs the transfers on accounts. Debits are checked against the
// balances held before the fill, so a credit from the same fill can never cover
// a participant's own debit. It fails without a partial effect on the caller's
// state when any balance would go negative.
func (st settlement) apply(accounts map[string]models.Account) (map[string]models.Account, error) {
	out := make(map[string]models.Account, len(accounts))
	for id, acct := range accounts {
		out[id] = acct
	}
	for _, t := range st.transfers {
		if !t.delta.IsNegative() {
			continue
		}
		acct := out[t.userID]
		acct.Add(t.currency, t.delta)
		if acct.Balance(t.currency).IsNegative() {
			if t.currency == models.Asset {
				return nil, ErrInsufficientAssetBalance
			}
			return nil, ErrInsufficientFunds
		}
		out[t.userID] = acct
	}
	for _, t := range st.transfers {
		if t.delta.IsNegative() {
			continue
		}
		acct := out[t.userID]
		acct.Add(t.currency, t.delta)
		out[t.userID] = acct
	}
	return out, nil
}
