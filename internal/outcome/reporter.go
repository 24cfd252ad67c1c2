package outcome

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"inlet/internal/broker"
	"inlet/internal/constants"
	"inlet/internal/logger"
	"inlet/pkg/metrics"
)

type ReporterConfig struct {
	Topic         string
	BufferSize    int
	FlushInterval time.Duration
}

func DefaultReporterConfig() ReporterConfig {
	return ReporterConfig{
		Topic:         constants.DefaultOutcomesTopic,
		BufferSize:    1024,
		FlushInterval: time.Second,
	}
}

// Reporter accumulates outcomes in a bounded buffer and flushes them to
// the streaming log in the background. Recording never blocks ingestion:
// when the buffer is full the oldest outcome is discarded.
type Reporter struct {
	producer broker.Producer
	config   ReporterConfig
	logger   logger.Logger

	mu  sync.Mutex
	buf []Outcome

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewReporter(producer broker.Producer, config ReporterConfig, log logger.Logger) *Reporter {
	if config.Topic == "" {
		config.Topic = constants.DefaultOutcomesTopic
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1024
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Second
	}

	r := &Reporter{
		producer: producer,
		config:   config,
		logger:   log,
		buf:      make([]Outcome, 0, config.BufferSize),
		done:     make(chan struct{}),
	}

	r.wg.Add(1)
	go r.run()
	return r
}

// Record enqueues one outcome. It always returns immediately.
func (r *Reporter) Record(o Outcome) {
	if o.Timestamp.IsZero() {
		o.Timestamp = time.Now().UTC()
	}

	r.mu.Lock()
	if len(r.buf) >= r.config.BufferSize {
		r.buf = r.buf[1:]
		metrics.OutcomesDroppedTotal.Inc()
	}
	r.buf = append(r.buf, o)
	r.mu.Unlock()

	metrics.OutcomesRecordedTotal.WithLabelValues(string(o.Verdict)).Inc()
}

// Close flushes whatever is buffered and stops the background loop.
func (r *Reporter) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
}

func (r *Reporter) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.flush()
		case <-r.done:
			r.flush()
			return
		}
	}
}

func (r *Reporter) flush() {
	r.mu.Lock()
	if len(r.buf) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.buf
	r.buf = make([]Outcome, 0, r.config.BufferSize)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), constants.KafkaWriteTimeout)
	defer cancel()

	failed := 0
	for _, o := range batch {
		payload, err := json.Marshal(o)
		if err != nil {
			failed++
			continue
		}
		err = r.producer.Publish(ctx, r.config.Topic, broker.Message{
			Key:   []byte(o.ProjectID),
			Value: payload,
		})
		if err != nil {
			failed++
		}
	}

	if failed > 0 {
		// Outcomes are best effort; a failed publish is counted and
		// dropped rather than retried into a growing backlog.
		metrics.OutcomeFlushesTotal.WithLabelValues("error").Inc()
		r.logger.Warnw("outcome flush lost records",
			"failed", failed,
			"batch", len(batch),
		)
		return
	}
	metrics.OutcomeFlushesTotal.WithLabelValues("ok").Inc()
}
