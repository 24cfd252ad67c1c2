package constants

import "time"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	DefaultHTTPTimeout     = 10 * time.Second
	DefaultUpstreamTimeout = 5 * time.Second
)

const (
	// MaxEnvelopeSize caps the raw envelope body accepted on the ingest
	// endpoint. Oversized requests are rejected before parsing.
	MaxEnvelopeSize = 20 * 1024 * 1024
	// MaxItemSize caps one item payload inside an envelope.
	MaxItemSize = 10 * 1024 * 1024
	// MaxItemsPerEnvelope bounds item framing loops against hostile input.
	MaxItemsPerEnvelope = 100
)

const (
	QuotaKeyPrefix = "quota:"
)

const (
	DefaultEventsTopic       = "ingest-events"
	DefaultTransactionsTopic = "ingest-transactions"
	DefaultSessionsTopic     = "ingest-sessions"
	DefaultAttachmentsTopic  = "ingest-attachments"
	DefaultMetricsTopic      = "ingest-metrics"
	DefaultOutcomesTopic     = "outcomes"
	DefaultInvalidationTopic = "project-invalidations"
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	DefaultProjectValidity    = 5 * time.Minute
	DefaultNegativeCacheTTL   = 30 * time.Second
	DefaultMaxConcurrentFetch = 100
)

const (
	DefaultVerdictCacheTTL = 3 * time.Second
	// StoreErrorRetryAfter is the retry hint surfaced to senders while
	// the quota store is unreachable and the deny policy is active.
	StoreErrorRetryAfter = 60 * time.Second
)

const (
	FallbackAllow = "allow"
	FallbackDeny  = "deny"
)

const (
	ModeRelay      = "relay"
	ModeProcessing = "processing"
)

const (
	HeaderPublicKey  = "X-Inlet-Key"
	HeaderSignature  = "X-Inlet-Signature"
	HeaderRateLimits = "X-Inlet-Rate-Limits"
)
