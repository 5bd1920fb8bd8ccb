// Package audit fans normalized events out to an AMQP topic exchange so
// downstream consumers (dashboards, archival) see the same stream the
// relay dispatches from. Publishing is best-effort and never blocks or
// fails a delivery.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"gitrelay/internal/storage"
	logx "gitrelay/pkg/logx"
)

type Config struct {
	Enabled  bool
	URL      string
	Exchange string
}

func (c Config) withDefaults() Config {
	if c.Exchange == "" {
		c.Exchange = "gitrelay.events"
	}
	return c
}

// Message is the wire shape published per event.
type Message struct {
	DeliveryID  string    `json:"delivery_id"`
	At          time.Time `json:"at"`
	Kind        string    `json:"kind"`
	Project     string    `json:"project"`
	Branch      string    `json:"branch,omitempty"`
	Status      string    `json:"status,omitempty"`
	Actor       string    `json:"actor,omitempty"`
	DurationSec *int64    `json:"duration_seconds,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, rec storage.EventRecord) error
	Close() error
}

// New returns an AMQP publisher, or the no-op fallback when disabled.
func New(cfg Config, log logx.Logger) (Publisher, error) {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if !cfg.Enabled {
		return NewFallback(log), nil
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &client{conn: conn, exchange: cfg.Exchange, log: log}, nil
}

type client struct {
	conn     *amqp.Connection
	exchange string
	log      logx.Logger
}

func (c *client) Publish(ctx context.Context, rec storage.EventRecord) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Confirm(false); err != nil {
		return err
	}

	body, err := json.Marshal(Message{
		DeliveryID:  rec.DeliveryID,
		At:          rec.At,
		Kind:        rec.Kind,
		Project:     rec.Project,
		Branch:      rec.Branch,
		Status:      rec.Status,
		Actor:       rec.Actor,
		DurationSec: rec.DurationSec,
	})
	if err != nil {
		return err
	}

	conf, err := ch.PublishWithDeferredConfirmWithContext(ctx,
		c.exchange,
		"event."+rec.Kind,
		false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    rec.DeliveryID,
			Timestamp:    rec.At,
			Body:         body,
		},
	)
	if err != nil {
		return err
	}
	if conf != nil {
		ack, err := conf.WaitContext(ctx)
		if err != nil {
			return err
		}
		if !ack {
			return errors.New("publish nacked by broker")
		}
	}
	return nil
}

func (c *client) Close() error { return c.conn.Close() }

// NewFallback returns a publisher that swallows publishes. Used when AMQP
// is not configured or the broker cannot be reached at startup.
func NewFallback(log logx.Logger) Publisher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &fallback{log: log}
}

type fallback struct {
	log logx.Logger
}

func (f *fallback) Publish(_ context.Context, rec storage.EventRecord) error {
	f.log.Debug("audit publish skipped (amqp disabled)", logx.String("delivery", rec.DeliveryID))
	return nil
}

func (f *fallback) Close() error { return nil }
