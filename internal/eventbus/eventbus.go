// Package eventbus connects the engine's fire-and-forget notifications
// (onMissed, onPublished — C6) to RabbitMQ: dial with retry, declare an
// exchange, bind a queue, and publish JSON bodies with a routing key per
// notification kind.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/config"
	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/model"
	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/publish"
)

const (
	routingKeyMissed    = "event.missed"
	routingKeyPublished = "event.published"
	routingKeyLocked    = "target.locked"
	routingKeyUnlocked  = "target.unlocked"
)

// Bus publishes engine notifications onto a RabbitMQ exchange.
type Bus struct {
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
	strategy retry.Strategy
}

// Connect dials RabbitMQ with retry, declares the configured exchange as
// a direct exchange, and binds the configured queue to it under every
// routing key the Bus publishes with.
func Connect(ctx context.Context, cfg config.RabbitMQConfig, strategy retry.Strategy) (*Bus, error) {
	var conn *amqp091.Connection
	err := retry.DoContext(ctx, strategy, func() error {
		var dialErr error
		conn, dialErr = amqp091.Dial(fmt.Sprintf(
			"amqp://%s:%s@%s:%d/%s",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.VHost,
		))
		return dialErr
	})
	if err != nil {
		return nil, fmt.Errorf("eventbus: connect: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("eventbus: open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("eventbus: declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("eventbus: declare queue: %w", err)
	}
	for _, key := range []string{routingKeyMissed, routingKeyPublished, routingKeyLocked, routingKeyUnlocked} {
		if err := ch.QueueBind(cfg.Queue, key, cfg.Exchange, false, nil); err != nil {
			return nil, fmt.Errorf("eventbus: bind queue %s to %s: %w", cfg.Queue, key, err)
		}
	}

	return &Bus{conn: conn, channel: ch, exchange: cfg.Exchange, strategy: strategy}, nil
}

var _ publish.Notifier = (*Bus)(nil)

// Close releases the channel and connection.
func (b *Bus) Close() error {
	if b.channel != nil {
		if err := b.channel.Close(); err != nil {
			return err
		}
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

type notificationBody struct {
	Kind          string  `json:"kind"`
	ID            string  `json:"id"`
	SlotKey       string  `json:"slotKey"`
	TargetID      string  `json:"targetId"`
	ProfileKey    string  `json:"profileKey"`
	EventStartsAt string  `json:"eventStartsAt"`
	EventID       *string `json:"eventId,omitempty"`
}

func (b *Bus) publish(ctx context.Context, routingKey string, body notificationBody) {
	data, err := json.Marshal(body)
	if err != nil {
		zlog.Logger.Warn().Err(err).Msg("eventbus: marshal notification failed")
		return
	}
	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err = retry.DoContext(publishCtx, b.strategy, func() error {
		return b.channel.PublishWithContext(publishCtx, b.exchange, routingKey, false, false, amqp091.Publishing{
			ContentType: "application/json",
			Body:        data,
		})
	})
	if err != nil {
		zlog.Logger.Warn().Err(err).Str("routingKey", routingKey).Msg("eventbus: publish failed")
	}
}

// OnMissed implements publish.Notifier: publishes a missed-event
// notification. Never blocks the caller beyond its own retry/timeout
// budget and never panics into the engine.
func (b *Bus) OnMissed(record *model.PendingRecord) {
	defer func() { _ = recover() }()
	b.publish(context.Background(), routingKeyMissed, notificationBody{
		Kind:          "missed",
		ID:            record.ID,
		SlotKey:       record.SlotKey,
		TargetID:      record.TargetID,
		ProfileKey:    record.ProfileKey,
		EventStartsAt: record.EventStartsAt.UTC().Format(time.RFC3339Nano),
	})
}

// OnPublished implements publish.Notifier: publishes a published-event
// notification.
func (b *Bus) OnPublished(record *model.PendingRecord, eventID string) {
	defer func() { _ = recover() }()
	b.publish(context.Background(), routingKeyPublished, notificationBody{
		Kind:          "published",
		ID:            record.ID,
		SlotKey:       record.SlotKey,
		TargetID:      record.TargetID,
		ProfileKey:    record.ProfileKey,
		EventStartsAt: record.EventStartsAt.UTC().Format(time.RFC3339Nano),
		EventID:       &eventID,
	})
}

type lockBody struct {
	Kind      string `json:"kind"`
	TargetID  string `json:"targetId"`
	LockUntil string `json:"lockUntil,omitempty"`
}

// OnTargetLocked publishes a gate back-off telemetry event so external
// dashboards can observe C6's lock state without polling the engine.
func (b *Bus) OnTargetLocked(targetID string, until time.Time) {
	defer func() { _ = recover() }()
	b.publishLock(routingKeyLocked, lockBody{
		Kind:      "locked",
		TargetID:  targetID,
		LockUntil: until.UTC().Format(time.RFC3339Nano),
	})
}

// OnTargetUnlocked publishes the matching lock-release event.
func (b *Bus) OnTargetUnlocked(targetID string) {
	defer func() { _ = recover() }()
	b.publishLock(routingKeyUnlocked, lockBody{Kind: "unlocked", TargetID: targetID})
}

func (b *Bus) publishLock(routingKey string, body lockBody) {
	data, err := json.Marshal(body)
	if err != nil {
		zlog.Logger.Warn().Err(err).Msg("eventbus: marshal lock telemetry failed")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = retry.DoContext(ctx, b.strategy, func() error {
		return b.channel.PublishWithContext(ctx, b.exchange, routingKey, false, false, amqp091.Publishing{
			ContentType: "application/json",
			Body:        data,
		})
	})
	if err != nil {
		zlog.Logger.Warn().Err(err).Str("routingKey", routingKey).Msg("eventbus: publish failed")
	}
}
