package processor

import (
	"context"
	stderrors "errors"
	"time"

	"inlet/internal/auth"
	"inlet/internal/envelope"
	"inlet/internal/filter"
	"inlet/internal/forwarder"
	"inlet/internal/logger"
	"inlet/internal/normalize"
	"inlet/internal/outcome"
	"inlet/internal/project"
	"inlet/internal/quota"
	"inlet/pkg/errors"
	"inlet/pkg/logging"
	"inlet/pkg/metrics"
)

// Request is one ingest submission after HTTP decoding: the raw envelope
// body plus the request attributes the pipeline stages need.
type Request struct {
	ProjectID string
	PublicKey string
	Signature string
	Body      []byte

	ClientIP  string
	UserAgent string
	Headers   map[string]string
}

// Result reports a handled submission. RateLimit, when set, carries the
// strictest limit hit while processing so the response can surface it
// even when other items were accepted.
type Result struct {
	EventID   string
	Accepted  int
	RateLimit *quota.RateLimit
}

// Processor runs the envelope pipeline: parse, resolve project,
// authenticate, then filter, rate limit and normalize each item before
// forwarding what survives.
type Processor struct {
	cache      *project.Cache
	verifier   auth.Verifier
	filters    *filter.Engine
	limiter    *quota.RateLimiter
	normalizer normalize.Normalizer
	forwarder  forwarder.Forwarder
	outcomes   *outcome.Reporter
	logger     logger.Logger
}

func NewProcessor(
	cache *project.Cache,
	verifier auth.Verifier,
	filters *filter.Engine,
	limiter *quota.RateLimiter,
	normalizer normalize.Normalizer,
	fwd forwarder.Forwarder,
	outcomes *outcome.Reporter,
	log logger.Logger,
) *Processor {
	return &Processor{
		cache:      cache,
		verifier:   verifier,
		filters:    filters,
		limiter:    limiter,
		normalizer: normalizer,
		forwarder:  fwd,
		outcomes:   outcomes,
		logger:     log,
	}
}

func (p *Processor) Process(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()

	env, err := envelope.Parse(req.Body)
	if err != nil {
		metrics.EnvelopesReceivedTotal.WithLabelValues("malformed").Inc()
		p.recordDrop(req.ProjectID, envelope.CategoryDefault, outcome.VerdictInvalid, "invalid_envelope")
		if stderrors.Is(err, envelope.ErrItemTooLarge) {
			return nil, errors.Wrap(err, errors.ErrPayloadTooLarge)
		}
		return nil, errors.Wrap(err, errors.ErrMalformed)
	}

	// An envelope that was empty on arrival carries nothing to account
	// for; it is acknowledged and discarded.
	if env.Empty() {
		metrics.EnvelopesReceivedTotal.WithLabelValues("empty").Inc()
		return &Result{EventID: env.Header.EventID}, nil
	}

	if env.Header.EventID != "" {
		ctx = logging.WithEnvelopeID(ctx, env.Header.EventID)
	}

	state, err := p.cache.GetOrFetch(ctx, project.ID(req.ProjectID))
	if err != nil {
		if stderrors.Is(err, project.ErrUnknownProject) {
			for _, item := range env.Items {
				p.recordDrop(req.ProjectID, item.Category(), outcome.VerdictInvalid, "project_id")
			}
			return nil, errors.Wrap(err, errors.ErrUnknownProject)
		}
		return nil, errors.Wrap(err, errors.ErrUpstream)
	}

	if state.Disabled {
		for _, item := range env.Items {
			p.recordDrop(req.ProjectID, item.Category(), outcome.VerdictInvalid, "project_disabled")
		}
		return nil, errors.ErrProjectDisabled
	}

	key, err := p.authenticate(req, state)
	if err != nil {
		// Unauthenticated traffic is not attributable to the key it
		// claims, so it produces no outcomes.
		return nil, err
	}

	result, err := p.processItems(ctx, req, env, state, key)
	if err != nil {
		return nil, err
	}

	metrics.EnvelopesReceivedTotal.WithLabelValues("ok").Inc()
	metrics.ObserveEnvelopeProcessing(time.Since(start), "ok")
	return result, nil
}

func (p *Processor) authenticate(req *Request, state *project.State) (*project.PublicKey, error) {
	if req.PublicKey == "" {
		return nil, errors.ErrUnauthenticated.WithDetail("message", "missing public key")
	}
	key, ok := state.LookupKey(req.PublicKey)
	if !ok {
		return nil, errors.ErrUnauthenticated.WithDetail("message", "unknown public key")
	}
	if !key.Enabled {
		return nil, errors.ErrUnauthenticated.WithDetail("message", "public key is disabled")
	}
	if err := p.verifier.Verify(req.Body, req.Signature, key); err != nil {
		return nil, err
	}
	return key, nil
}

func (p *Processor) processItems(ctx context.Context, req *Request, env *envelope.Envelope, state *project.State, key *project.PublicKey) (*Result, error) {
	scopes := quota.ScopeKeys{
		OrganizationID: state.OrganizationID,
		ProjectID:      string(state.ProjectID),
		KeyID:          key.ID,
	}
	quotas := state.EffectiveQuotas(key)
	reqCtx := filter.RequestContext{
		ClientIP:  req.ClientIP,
		UserAgent: req.UserAgent,
		Headers:   req.Headers,
	}

	// Counter charges must land even if the sender goes away mid-request.
	chargeCtx := context.WithoutCancel(ctx)

	kept := make([]*envelope.Item, 0, len(env.Items))
	var strictest *quota.RateLimit

	for _, item := range env.Items {
		if reason, drop := p.filters.Evaluate(ctx, &state.Filters, item, reqCtx); drop {
			p.recordDrop(req.ProjectID, item.Category(), outcome.VerdictFiltered, string(reason))
			continue
		}

		limit, err := p.limiter.CheckAndCharge(chargeCtx, quotas, item.Category(), scopes)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrInternal)
		}
		if limit != nil {
			p.recordDrop(req.ProjectID, item.Category(), outcome.VerdictRateLimited, limit.ReasonCode)
			if strictest == nil || limit.RetryAfter > strictest.RetryAfter {
				strictest = limit
			}
			continue
		}

		if err := p.normalizer.Transform(&env.Header, item); err != nil {
			p.logger.WarnwCtx(ctx, "item normalization failed",
				"project_id", req.ProjectID,
				"item_type", item.Type(),
				"error", err,
			)
		}
		kept = append(kept, item)
	}

	result := &Result{
		EventID:   env.Header.EventID,
		RateLimit: strictest,
	}

	if len(kept) == 0 {
		// Nothing survived. When a rate limit caused it, the sender
		// needs the backoff signal; pure filtering is a success. The
		// result travels with the error so the transport can render
		// the limit headers.
		if strictest != nil {
			return result, rateLimitError(strictest)
		}
		return result, nil
	}

	// Quota charges already landed; the forward itself stays tied to the
	// request so a gone client does not keep retry loops alive.
	forwardEnv := env.WithItems(kept)
	if err := p.forwarder.Forward(ctx, req.ProjectID, key.ID, forwardEnv); err != nil {
		// Delivery failures never vanish: items that made it out before
		// the failure count as accepted, the rest get a failed-delivery
		// outcome before the error surfaces to the sender.
		delivered := 0
		var partial *forwarder.PartialForwardError
		if stderrors.As(err, &partial) && partial.Published > 0 {
			delivered = min(partial.Published, len(kept))
		}
		for _, item := range kept[:delivered] {
			p.recordAccept(req.ProjectID, item.Category())
		}
		for _, item := range kept[delivered:] {
			p.recordDrop(req.ProjectID, item.Category(), outcome.VerdictInvalid, "delivery_failed")
		}
		return nil, err
	}

	for _, item := range kept {
		p.recordAccept(req.ProjectID, item.Category())
	}
	result.Accepted = len(kept)
	return result, nil
}

func (p *Processor) recordAccept(projectID string, category envelope.DataCategory) {
	p.outcomes.Record(outcome.Outcome{
		ProjectID: projectID,
		Category:  category,
		Verdict:   outcome.VerdictAccepted,
	})
	metrics.ItemOutcomesTotal.WithLabelValues(string(category), string(outcome.VerdictAccepted)).Inc()
}

func (p *Processor) recordDrop(projectID string, category envelope.DataCategory, verdict outcome.Verdict, reason string) {
	p.outcomes.Record(outcome.Outcome{
		ProjectID: projectID,
		Category:  category,
		Verdict:   verdict,
		Reason:    reason,
	})
	metrics.ItemOutcomesTotal.WithLabelValues(string(category), string(verdict)).Inc()
}

// rateLimitError attaches the winning limit to the canonical rejection
// so the transport can render Retry-After from it.
func rateLimitError(limit *quota.RateLimit) error {
	return errors.ErrRateLimited.
		WithDetail("retry_after", int64(limit.RetryAfter.Seconds())).
		WithDetail("reason", limit.ReasonCode)
}
