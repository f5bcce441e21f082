package events

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	streamName    = "EXCHANGE"
	subjectPrefix = "exchange."
)

// NATSPublisher writes events to a JetStream stream, one subject per event type
type NATSPublisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewNATSPublisher connects to url and makes sure the EXCHANGE stream exists
func NewNATSPublisher(url string, logger *zap.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("p2pexchange"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to open jetstream: %w", err)
	}

	cfg := &nats.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectPrefix + ">"},
	}
	if _, err := js.AddStream(cfg); err != nil {
		// The stream may already exist with older settings
		if _, err := js.UpdateStream(cfg); err != nil {
			logger.Warn("failed to create or update stream", zap.String("stream", streamName), zap.Error(err))
		}
	}

	return &NATSPublisher{nc: nc, js: js, logger: logger}, nil
}

// Publish sends ev to exchange.<type>, deduplicated by event id
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := ev.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	subject := subjectPrefix + string(ev.Type)
	if _, err := p.js.Publish(subject, data, nats.Context(ctx), nats.MsgId(ev.ID.String())); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}
