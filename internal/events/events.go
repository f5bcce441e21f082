package events

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/xtrntr/p2pexchange/internal/models"
)

// Type names a kind of domain event
type Type string

const (
	OrderCreated    Type = "order.created"
	OrderCancelled  Type = "order.cancelled"
	OrderFilled     Type = "order.filled"
	BalanceCredited Type = "balance.credited"
)

// Event is published after the transaction producing it has committed
type Event struct {
	ID         uuid.UUID       `json:"id"`
	Type       Type            `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Order      *models.Order   `json:"order,omitempty"`
	Trade      *models.Trade   `json:"trade,omitempty"`
	Account    *models.Account `json:"account,omitempty"`
}

// New stamps an event with a fresh id and the current time
func New(t Type) Event {
	return Event{ID: uuid.New(), Type: t, OccurredAt: time.Now().UTC()}
}

// Key is the partitioning key of the event: the order id when there is one, else the user id
func (e Event) Key() string {
	switch {
	case e.Order != nil:
		return orderKey(e.Order.ID)
	case e.Trade != nil:
		return orderKey(e.Trade.OrderID)
	case e.Account != nil:
		return "account:" + e.Account.UserID
	}
	return e.ID.String()
}

// Marshal encodes the event as JSON
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher delivers events to some downstream system
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards every event
type Nop struct{}

func (Nop) Publish(ctx context.Context, ev Event) error { return nil }

// Multi fans an event out to several publishers. Every publisher is tried;
// the errors of those that failed are joined.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Func adapts a plain function to Publisher
type Func func(ctx context.Context, ev Event) error

func (f Func) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

func orderKey(id int64) string {
	return "order:" + strconv.FormatInt(id, 10)
}
