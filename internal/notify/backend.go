package notify

import (
	"context"
	"fmt"

	"ms-reservations/internal/config"
	"ms-reservations/internal/kafka"
	"ms-reservations/internal/logger"
	"ms-reservations/internal/models"
	"ms-reservations/internal/rabbitmq"
)

// Sender is what the order service and the expiry worker need.
type Sender interface {
	Notify(ctx context.Context, msg models.Notification) error
}

// FromConfig builds the notifier selected by cfg.Notifier.Backend. The
// returned close func releases the broker connection and is never nil.
// A broker that cannot be reached is an error, except that missing kafka
// topics only produce a warning.
func FromConfig(cfg *config.Config, log *logger.Logger) (Sender, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Notifier.Backend {
	case "kafka":
		if !cfg.Kafka.Enabled {
			log.Warn("NOTIFY", "Kafka disabled, notifications go to the log only")
			return &LogNotifier{Logger: log}, noop, nil
		}
		producer := kafka.NewProducer(cfg.Kafka, log)
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, Topics(cfg.Kafka.TopicPrefix), log); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		}
		log.Info("NOTIFY", fmt.Sprintf("Publishing notifications to kafka %v", cfg.Kafka.Brokers))
		return New(producer, cfg.Kafka.TopicPrefix, log), producer.Close, nil

	case "rabbitmq":
		publisher, err := rabbitmq.NewPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, log)
		if err != nil {
			return nil, noop, err
		}
		log.Info("NOTIFY", fmt.Sprintf("Publishing notifications to exchange %s", cfg.RabbitMQ.Exchange))
		// routing keys are the bare event names, e.g. order.paid
		return New(publisher, "", log), publisher.Close, nil

	case "log", "":
		return &LogNotifier{Logger: log}, noop, nil

	default:
		return nil, noop, fmt.Errorf("%w: unknown notifier backend %q", models.ErrInvalidRequest, cfg.Notifier.Backend)
	}
}
