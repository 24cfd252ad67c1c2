package forwarder

import (
	"context"
	"time"

	"inlet/internal/broker"
	"inlet/internal/config"
	"inlet/internal/constants"
	"inlet/internal/envelope"
	"inlet/internal/logger"
	"inlet/pkg/errors"
	"inlet/pkg/metrics"
)

// KafkaForwarder publishes each accepted item to the topic of its data
// category. Messages are keyed by project id so all traffic of one
// project lands on one partition.
type KafkaForwarder struct {
	producer broker.Producer
	topics   config.TopicsConfig
	logger   logger.Logger
}

func NewKafkaForwarder(producer broker.Producer, topics config.TopicsConfig, log logger.Logger) *KafkaForwarder {
	applyTopicDefaults(&topics)
	return &KafkaForwarder{
		producer: producer,
		topics:   topics,
		logger:   log,
	}
}

func applyTopicDefaults(topics *config.TopicsConfig) {
	if topics.Events == "" {
		topics.Events = constants.DefaultEventsTopic
	}
	if topics.Transactions == "" {
		topics.Transactions = constants.DefaultTransactionsTopic
	}
	if topics.Sessions == "" {
		topics.Sessions = constants.DefaultSessionsTopic
	}
	if topics.Attachments == "" {
		topics.Attachments = constants.DefaultAttachmentsTopic
	}
	if topics.Metrics == "" {
		topics.Metrics = constants.DefaultMetricsTopic
	}
}

func (f *KafkaForwarder) topicFor(category envelope.DataCategory) string {
	switch category {
	case envelope.CategoryTransaction:
		return f.topics.Transactions
	case envelope.CategorySession:
		return f.topics.Sessions
	case envelope.CategoryAttachment:
		return f.topics.Attachments
	case envelope.CategoryMetricBucket:
		return f.topics.Metrics
	default:
		return f.topics.Events
	}
}

// Forward publishes every item as a single-item envelope so consumers
// see complete wire framing. A publish failure fails the whole forward;
// the caller decides whether partial delivery already happened.
func (f *KafkaForwarder) Forward(ctx context.Context, projectID string, keyID string, env *envelope.Envelope) error {
	start := time.Now()

	for published, item := range env.Items {
		single := env.WithItems([]*envelope.Item{item})
		payload, err := single.Serialize()
		if err != nil {
			metrics.ForwarderSendsTotal.WithLabelValues("kafka", "error").Inc()
			return &PartialForwardError{Published: published, Err: errors.ErrInternal.WithCause(err)}
		}

		msg := broker.Message{
			Key:   []byte(projectID),
			Value: payload,
			Headers: map[string]string{
				"project_id": projectID,
				"key_id":     keyID,
				"item_type":  string(item.Type()),
				"event_id":   env.Header.EventID,
			},
		}

		if err := f.producer.Publish(ctx, f.topicFor(item.Category()), msg); err != nil {
			metrics.ForwarderSendsTotal.WithLabelValues("kafka", "error").Inc()
			f.logger.ErrorwCtx(ctx, "failed to publish item",
				"project_id", projectID,
				"item_type", item.Type(),
				"published", published,
				"error", err,
			)
			return &PartialForwardError{Published: published, Err: errors.ErrUpstream.WithCause(err)}
		}
	}

	metrics.ForwarderSendsTotal.WithLabelValues("kafka", "ok").Inc()
	metrics.ObserveForwarderSend(time.Since(start), "kafka")
	return nil
}

// Close is a no-op: the producer is shared with outcome reporting and
// owned by the bootstrap layer.
func (f *KafkaForwarder) Close() error {
	return nil
}
