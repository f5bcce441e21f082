package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/xtrntr/p2pexchange/internal/db"
	"github.com/xtrntr/p2pexchange/internal/events"
	"github.com/xtrntr/p2pexchange/internal/gate"
	"github.com/xtrntr/p2pexchange/internal/metrics"
	"github.com/xtrntr/p2pexchange/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CommissionMode decides where the commission of a fill ends up
type CommissionMode string

const (
	// CommissionBurn removes the commission from circulation
	CommissionBurn CommissionMode = "burn"
	// CommissionCredit pays the commission to the operator account
	CommissionCredit CommissionMode = "credit"
)

// DefaultCommissionRate is charged on every fill unless configured otherwise
var DefaultCommissionRate = decimal.RequireFromString("0.02")

const maxTxAttempts = 3

// Settings are the tunable rules of the exchange
type Settings struct {
	CommissionRate    decimal.Decimal
	CommissionMode    CommissionMode
	CommissionAccount string
}

// DefaultSettings burns a 2% commission
func DefaultSettings() Settings {
	return Settings{
		CommissionRate:    DefaultCommissionRate,
		CommissionMode:    CommissionBurn,
		CommissionAccount: "treasury",
	}
}

// Validate checks the settings are usable
func (s Settings) Validate() error {
	if s.CommissionRate.IsNegative() || s.CommissionRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("commission rate must be in [0, 1), got %s", s.CommissionRate)
	}
	switch s.CommissionMode {
	case CommissionBurn:
	case CommissionCredit:
		if !validUserID(s.CommissionAccount) {
			return fmt.Errorf("commission account must be 1 to %d characters in credit mode", models.MaxUserIDLength)
		}
	default:
		return fmt.Errorf("unknown commission mode %q", s.CommissionMode)
	}
	return nil
}

// creditsOperator reports whether fills pay a nonzero commission to the operator
func (s Settings) creditsOperator() bool {
	return s.CommissionMode == CommissionCredit && s.CommissionRate.IsPositive()
}

// Exchange creates, cancels and fills orders and keeps account balances.
// Every state change holds the gate keys it touches and runs in one store transaction.
type Exchange struct {
	store     db.Store
	gate      *gate.Gate
	settings  Settings
	publisher events.Publisher
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// Option customises an Exchange
type Option func(*Exchange)

func WithPublisher(p events.Publisher) Option {
	return func(e *Exchange) { e.publisher = p }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(e *Exchange) { e.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Exchange) { e.logger = l }
}

// NewExchange creates a new exchange
func NewExchange(store db.Store, g *gate.Gate, settings Settings, opts ...Option) (*Exchange, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	e := &Exchange{
		store:     store,
		gate:      g,
		settings:  settings,
		publisher: events.Nop{},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Settings returns the rules the exchange was created with
func (e *Exchange) Settings() Settings {
	return e.settings
}

// inTx runs fn in a transaction, retrying when the store reports a write conflict.
// fn must not keep state between attempts.
func (e *Exchange) inTx(ctx context.Context, fn func(tx db.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = e.store.InTx(ctx, fn)
		if !errors.Is(err, db.ErrConflict) {
			return err
		}
		e.logger.Debug("retrying conflicted transaction", zap.Int("attempt", attempt), zap.Error(err))
	}
	return err
}

// locked runs fn while holding the gate keys
func (e *Exchange) locked(ctx context.Context, keys []string, fn func() error) error {
	release, err := e.gate.Acquire(ctx, keys...)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// publish hands a committed event to the publisher. Failures are logged only:
// the state change has already happened. The caller going away does not
// cancel delivery.
func (e *Exchange) publish(ctx context.Context, ev events.Event) {
	if err := e.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.Warn("failed to publish event", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

// rejected records a failed operation and logs it at a level matching its cause
func (e *Exchange) rejected(operation string, err error, fields ...zap.Field) {
	reason := Reason(err)
	e.metrics.Rejected(operation, reason)
	fields = append(fields, zap.String("operation", operation), zap.Error(err))
	if reason == "internal" && !errors.Is(err, context.Canceled) {
		e.logger.Error("operation failed", fields...)
		return
	}
	e.logger.Debug("operation rejected", fields...)
}
