package forwarder

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inlet/internal/broker"
	"inlet/internal/config"
	"inlet/internal/envelope"
	"inlet/internal/logger"
)

type recordingProducer struct {
	mu       sync.Mutex
	topics   []string
	messages []broker.Message
	failOn   int // 1-based publish index to fail at, 0 means never
	calls    int
}

func (p *recordingProducer) Publish(ctx context.Context, topic string, msg broker.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failOn > 0 && p.calls == p.failOn {
		return assert.AnError
	}
	p.topics = append(p.topics, topic)
	p.messages = append(p.messages, msg)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func multiItemEnvelope() *envelope.Envelope {
	return &envelope.Envelope{
		Header: envelope.Header{EventID: "abc"},
		Items: []*envelope.Item{
			{Header: envelope.ItemHeader{Type: envelope.ItemTypeEvent}, Payload: []byte(`{"message":"x"}`)},
			{Header: envelope.ItemHeader{Type: envelope.ItemTypeTransaction}, Payload: []byte(`{"transaction":"y"}`)},
			{Header: envelope.ItemHeader{Type: envelope.ItemTypeSession}, Payload: []byte(`{"status":"ok"}`)},
		},
	}
}

func TestKafkaForwarder_RoutesItemsByCategory(t *testing.T) {
	producer := &recordingProducer{}
	fwd := NewKafkaForwarder(producer, config.TopicsConfig{
		Events:       "my-events",
		Transactions: "my-transactions",
		Sessions:     "my-sessions",
	}, logger.NopLogger())

	err := fwd.Forward(context.Background(), "42", "key-1", multiItemEnvelope())
	require.NoError(t, err)

	assert.Equal(t, []string{"my-events", "my-transactions", "my-sessions"}, producer.topics)

	for _, msg := range producer.messages {
		assert.Equal(t, []byte("42"), msg.Key, "messages are keyed by project for partition affinity")
		assert.Equal(t, "42", msg.Headers["project_id"])
		assert.Equal(t, "key-1", msg.Headers["key_id"])
		assert.Equal(t, "abc", msg.Headers["event_id"])
	}
}

func TestKafkaForwarder_PublishesParseableSingleItemEnvelopes(t *testing.T) {
	producer := &recordingProducer{}
	fwd := NewKafkaForwarder(producer, config.TopicsConfig{}, logger.NopLogger())

	err := fwd.Forward(context.Background(), "42", "key-1", multiItemEnvelope())
	require.NoError(t, err)
	require.Len(t, producer.messages, 3)

	for i, msg := range producer.messages {
		env, err := envelope.Parse(msg.Value)
		require.NoError(t, err)
		assert.Equal(t, "abc", env.Header.EventID)
		require.Len(t, env.Items, 1)
		assert.Equal(t, multiItemEnvelope().Items[i].Header.Type, env.Items[0].Header.Type)
	}
}

func TestKafkaForwarder_DefaultTopics(t *testing.T) {
	producer := &recordingProducer{}
	fwd := NewKafkaForwarder(producer, config.TopicsConfig{}, logger.NopLogger())

	err := fwd.Forward(context.Background(), "42", "key-1", multiItemEnvelope())
	require.NoError(t, err)
	assert.Equal(t, []string{"ingest-events", "ingest-transactions", "ingest-sessions"}, producer.topics)
}

func TestKafkaForwarder_PublishFailureFailsForward(t *testing.T) {
	producer := &recordingProducer{failOn: 2}
	fwd := NewKafkaForwarder(producer, config.TopicsConfig{}, logger.NopLogger())

	err := fwd.Forward(context.Background(), "42", "key-1", multiItemEnvelope())
	assert.Error(t, err)
}

func upstreamConfig(url string) config.UpstreamConfig {
	return config.UpstreamConfig{
		URL:            url,
		TimeoutSeconds: 2 * time.Second,
		Retry: config.RetryConfig{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			Multiplier:      2.0,
		},
	}
}

func TestUpstreamForwarder_SendsEnvelope(t *testing.T) {
	var gotPath atomic.Value
	var gotKey atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		gotKey.Store(r.Header.Get("X-Inlet-Key"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fwd, err := NewUpstreamForwarder(upstreamConfig(srv.URL), nil, logger.NopLogger())
	require.NoError(t, err)
	defer fwd.Close()

	err = fwd.Forward(context.Background(), "42", "key-1", multiItemEnvelope())
	require.NoError(t, err)
	assert.Equal(t, "/api/42/envelope/", gotPath.Load())
	assert.Equal(t, "key-1", gotKey.Load())
}

func TestUpstreamForwarder_RetriesServerErrors(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fwd, err := NewUpstreamForwarder(upstreamConfig(srv.URL), nil, logger.NopLogger())
	require.NoError(t, err)
	defer fwd.Close()

	err = fwd.Forward(context.Background(), "42", "key-1", multiItemEnvelope())
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestUpstreamForwarder_DoesNotRetryClientRejections(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	fwd, err := NewUpstreamForwarder(upstreamConfig(srv.URL), nil, logger.NopLogger())
	require.NoError(t, err)
	defer fwd.Close()

	err = fwd.Forward(context.Background(), "42", "key-1", multiItemEnvelope())
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts), "4xx responses are not retried")
}

func TestUpstreamForwarder_ExhaustedRetriesSurfaceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	fwd, err := NewUpstreamForwarder(upstreamConfig(srv.URL), nil, logger.NopLogger())
	require.NoError(t, err)
	defer fwd.Close()

	err = fwd.Forward(context.Background(), "42", "key-1", multiItemEnvelope())
	assert.Error(t, err)
}

func TestKafkaForwarder_PublishFailureReportsDeliveredCount(t *testing.T) {
	producer := &recordingProducer{failOn: 2}
	fwd := NewKafkaForwarder(producer, config.TopicsConfig{}, logger.NopLogger())

	err := fwd.Forward(context.Background(), "42", "key-1", multiItemEnvelope())
	require.Error(t, err)

	var partial *PartialForwardError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, 1, partial.Published, "only the first item made it out")
	assert.Len(t, producer.messages, 1)
}

func TestUpstreamForwarder_ReSignsForwardedPayload(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	var gotSig atomic.Value
	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(body)
		gotSig.Store(r.Header.Get("X-Inlet-Signature"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := upstreamConfig(srv.URL)
	cfg.SigningKey = base64.StdEncoding.EncodeToString(priv.Seed())
	fwd, err := NewUpstreamForwarder(cfg, nil, logger.NopLogger())
	require.NoError(t, err)
	defer fwd.Close()

	err = fwd.Forward(context.Background(), "42", "key-1", multiItemEnvelope())
	require.NoError(t, err)

	sig, err := base64.StdEncoding.DecodeString(gotSig.Load().(string))
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(pub, gotBody.Load().([]byte), sig),
		"signature must verify against the forwarded bytes")
}

func TestNewUpstreamForwarder_RejectsBadSigningKey(t *testing.T) {
	cfg := upstreamConfig("http://upstream")
	cfg.SigningKey = "not base64!!"
	_, err := NewUpstreamForwarder(cfg, nil, logger.NopLogger())
	assert.Error(t, err)

	cfg.SigningKey = base64.StdEncoding.EncodeToString([]byte("short"))
	_, err = NewUpstreamForwarder(cfg, nil, logger.NopLogger())
	assert.Error(t, err)
}
