package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ms-reservations/internal/kafka"
	"ms-reservations/internal/logger"
	"ms-reservations/internal/models"
)

// Publisher is satisfied by kafka.Producer and rabbitmq.Publisher.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Envelope is the message body buyers' notification consumers receive.
type Envelope struct {
	models.Notification
	SentAt time.Time `json:"sentAt"`
}

// Notifier turns order notifications into messages on a broker. The topic
// is the event name behind the configured prefix and the key is the order
// uuid.
type Notifier struct {
	Publisher   Publisher
	TopicPrefix string
	Logger      *logger.Logger
	now         func() time.Time
}

func New(pub Publisher, topicPrefix string, log *logger.Logger) *Notifier {
	return &Notifier{
		Publisher:   pub,
		TopicPrefix: topicPrefix,
		Logger:      log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (n *Notifier) Notify(ctx context.Context, msg models.Notification) error {
	if msg.Event == "" || msg.OrderUUID == "" {
		return fmt.Errorf("%w: notification needs an event and an order uuid", models.ErrInvalidRequest)
	}

	body, err := json.Marshal(Envelope{Notification: msg, SentAt: n.now()})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	topic := kafka.TopicName(n.TopicPrefix, msg.Event)
	if err := n.Publisher.Publish(ctx, topic, msg.OrderUUID, body); err != nil {
		return fmt.Errorf("notify %s for order %s: %w", msg.Event, msg.OrderUUID, err)
	}
	n.Logger.Info("NOTIFY", fmt.Sprintf("Sent %s for order %s to user %s", msg.Event, msg.OrderUUID, msg.UserID))
	return nil
}

// Topics lists every topic Notify can write to.
func Topics(prefix string) []string {
	events := []string{models.EventAwaitingProof, models.EventPaid, models.EventRejected, models.EventExpired}
	topics := make([]string, 0, len(events))
	for _, e := range events {
		topics = append(topics, kafka.TopicName(prefix, e))
	}
	return topics
}

// LogNotifier only writes notifications to the log. Used when no broker is
// configured.
type LogNotifier struct {
	Logger *logger.Logger
}

func (l *LogNotifier) Notify(ctx context.Context, msg models.Notification) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	l.Logger.Info("NOTIFY", fmt.Sprintf("%s %s", msg.Event, body))
	return nil
}
