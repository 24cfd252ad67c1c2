package forwarder

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"inlet/internal/config"
	"inlet/internal/constants"
	"inlet/internal/envelope"
	"inlet/internal/logger"
	"inlet/pkg/circuitbreaker"
	"inlet/pkg/errors"
	"inlet/pkg/metrics"
	"inlet/pkg/retry"
)

const envelopeContentType = "application/x-inlet-envelope"

// UpstreamForwarder replays accepted envelopes to the next relay in the
// chain. Sends are retried with backoff behind a circuit breaker; a
// send that exhausts its retries surfaces as an upstream error. The
// forwarded body is re-serialized, so the sender's signature no longer
// matches it; a configured signing key re-signs every outbound payload.
type UpstreamForwarder struct {
	baseURL string
	client  *http.Client
	policy  retry.Policy
	breaker *circuitbreaker.Wrapper
	signer  ed25519.PrivateKey
	logger  logger.Logger
}

func NewUpstreamForwarder(cfg config.UpstreamConfig, breaker *circuitbreaker.Wrapper, log logger.Logger) (*UpstreamForwarder, error) {
	timeout := cfg.TimeoutSeconds
	if timeout <= 0 {
		timeout = constants.DefaultUpstreamTimeout
	}

	var signer ed25519.PrivateKey
	if cfg.SigningKey != "" {
		raw, err := base64.StdEncoding.DecodeString(cfg.SigningKey)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream signing key: %w", err)
		}
		switch len(raw) {
		case ed25519.SeedSize:
			signer = ed25519.NewKeyFromSeed(raw)
		case ed25519.PrivateKeySize:
			signer = ed25519.PrivateKey(raw)
		default:
			return nil, fmt.Errorf("invalid upstream signing key length %d", len(raw))
		}
	}

	policy := retry.DefaultPolicy()
	if cfg.Retry.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.InitialInterval > 0 {
		policy.InitialInterval = cfg.Retry.InitialInterval
	}
	if cfg.Retry.MaxInterval > 0 {
		policy.MaxInterval = cfg.Retry.MaxInterval
	}
	if cfg.Retry.Multiplier > 0 {
		policy.Multiplier = cfg.Retry.Multiplier
	}

	return &UpstreamForwarder{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		client:  &http.Client{Timeout: timeout},
		policy:  policy,
		breaker: breaker,
		signer:  signer,
		logger:  log,
	}, nil
}

func (f *UpstreamForwarder) Forward(ctx context.Context, projectID string, keyID string, env *envelope.Envelope) error {
	payload, err := env.Serialize()
	if err != nil {
		return errors.ErrInternal.WithCause(err)
	}

	start := time.Now()
	url := fmt.Sprintf("%s/api/%s/envelope/", f.baseURL, projectID)

	signature := ""
	if f.signer != nil {
		signature = base64.StdEncoding.EncodeToString(ed25519.Sign(f.signer, payload))
	}

	send := func() error {
		run := func() (interface{}, error) {
			return nil, f.send(ctx, url, keyID, signature, payload)
		}
		if f.breaker != nil {
			_, err := f.breaker.ExecuteWithContext(ctx, run)
			return err
		}
		_, err := run()
		return err
	}

	err = retry.RetryWithCallback(ctx, f.policy, send, func(attempt int, err error, nextDelay time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues("forwarder").Inc()
		f.logger.WarnwCtx(ctx, "upstream send failed, retrying",
			"project_id", projectID,
			"attempt", attempt,
			"next_delay", nextDelay,
			"error", err,
		)
	})
	if err != nil {
		metrics.ForwarderSendsTotal.WithLabelValues("upstream", "error").Inc()
		return errors.Wrap(err, errors.ErrUpstream)
	}

	metrics.ForwarderSendsTotal.WithLabelValues("upstream", "ok").Inc()
	metrics.ObserveForwarderSend(time.Since(start), "upstream")
	return nil
}

func (f *UpstreamForwarder) send(ctx context.Context, url, keyID, signature string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return retry.NewFatalError(err)
	}
	req.Header.Set("Content-Type", envelopeContentType)
	if keyID != "" {
		req.Header.Set(constants.HeaderPublicKey, keyID)
	}
	if signature != "" {
		req.Header.Set(constants.HeaderSignature, signature)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		// The upstream rejected the envelope itself; retrying the same
		// bytes cannot succeed.
		return retry.NewFatalError(fmt.Errorf("upstream rejected envelope: status %d", resp.StatusCode))
	default:
		return fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}
}

func (f *UpstreamForwarder) Close() error {
	f.client.CloseIdleConnections()
	return nil
}
