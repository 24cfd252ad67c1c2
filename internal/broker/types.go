package broker

import (
	"context"
)

// Message is one record on the streaming log. The key selects the
// partition; pipeline code keys by project id for partition affinity.
type Message struct {
	Key     []byte
	Value   []byte
	Headers map[string]string
}

type Producer interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Close() error
}

type Consumer interface {
	Consume(ctx context.Context, topic string, handler HandlerFunc) error
	Close() error
	SetServiceName(name string)
}

type HandlerFunc func(ctx context.Context, msg Message) error
