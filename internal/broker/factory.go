package broker

import (
	"context"
	"fmt"

	"inlet/internal/config"
	"inlet/internal/logger"
)

func NewProducer(cfg config.BrokerConfig, log logger.Logger) (Producer, error) {
	switch cfg.Type {
	case "kafka":
		return NewKafkaProducer(cfg.Kafka, log), nil
	case "", "none":
		return NopProducer(), nil
	default:
		return nil, fmt.Errorf("unknown broker type: %s", cfg.Type)
	}
}

type nopProducer struct{}

// NopProducer discards everything. Relay-mode deployments without a
// local broker use it for outcome reporting.
func NopProducer() Producer {
	return nopProducer{}
}

func (nopProducer) Publish(ctx context.Context, topic string, msg Message) error { return nil }
func (nopProducer) Close() error                                                 { return nil }

func NewConsumer(cfg config.BrokerConfig, log logger.Logger) (Consumer, error) {
	switch cfg.Type {
	case "kafka":
		return NewKafkaConsumer(cfg.Kafka, log), nil
	default:
		return nil, fmt.Errorf("unknown broker type: %s", cfg.Type)
	}
}
