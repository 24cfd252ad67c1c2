package normalize

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"inlet/internal/envelope"
	"inlet/internal/logger"
)

// Field caps applied to string attributes of known event payloads.
// Oversized values are clamped, never rejected. A value may exceed its
// cap by a small grace before trimming kicks in, so values hovering at
// the boundary are not mangled.
const (
	MaxMessageLength     = 8 * 1024
	MaxReleaseLength     = 200
	MaxEnvironmentLength = 64
	MaxTagValueLength    = 200

	clampGrace = 10
)

// Normalizer brings an item payload into canonical form before it is
// forwarded. Unknown item types pass through untouched.
type Normalizer interface {
	Transform(envHeader *envelope.Header, item *envelope.Item) error
}

type eventPayload struct {
	EventID     string            `json:"event_id,omitempty"`
	Timestamp   *float64          `json:"timestamp,omitempty"`
	Message     string            `json:"message,omitempty"`
	Release     string            `json:"release,omitempty"`
	Environment string            `json:"environment,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// EventNormalizer fills required identifiers on event and transaction
// payloads and clamps oversized attributes. Payloads that do not parse
// as JSON pass through unchanged; validity was already decided at the
// envelope level.
type EventNormalizer struct {
	logger logger.Logger
}

func NewEventNormalizer(log logger.Logger) *EventNormalizer {
	return &EventNormalizer{logger: log}
}

func (n *EventNormalizer) Transform(envHeader *envelope.Header, item *envelope.Item) error {
	switch item.Type() {
	case envelope.ItemTypeEvent, envelope.ItemTypeTransaction:
	default:
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(item.Payload, &raw); err != nil {
		n.logger.Debugw("skipping normalization of non-JSON payload",
			"item_type", item.Type(),
		)
		return nil
	}

	var ev eventPayload
	if err := json.Unmarshal(item.Payload, &ev); err != nil {
		return nil
	}

	changed := false

	if ev.EventID == "" {
		id := envHeader.EventID
		if id == "" {
			id = uuid.NewString()
		}
		raw["event_id"] = mustMarshal(id)
		changed = true
	}
	if ev.Timestamp == nil {
		ts := float64(time.Now().UnixMilli()) / 1000
		raw["timestamp"] = mustMarshal(ts)
		changed = true
	}

	if clamped, ok := clamp(ev.Message, MaxMessageLength); ok {
		raw["message"] = mustMarshal(clamped)
		changed = true
	}
	if clamped, ok := clamp(ev.Release, MaxReleaseLength); ok {
		raw["release"] = mustMarshal(clamped)
		changed = true
	}
	if clamped, ok := clamp(ev.Environment, MaxEnvironmentLength); ok {
		raw["environment"] = mustMarshal(clamped)
		changed = true
	}
	if tags, ok := clampTags(ev.Tags); ok {
		raw["tags"] = mustMarshal(tags)
		changed = true
	}

	if !changed {
		return nil
	}

	payload, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	item.Payload = payload
	length := len(payload)
	item.Header.Length = &length
	return nil
}

// clamp trims s to max characters plus the grace allowance. Trimming
// happens on rune boundaries so a multi-byte character is never split,
// and the cut is marked with an ellipsis.
func clamp(s string, max int) (string, bool) {
	if len(s) <= max+clampGrace {
		return s, false
	}
	runes := []rune(s)
	if len(runes) <= max+clampGrace {
		return s, false
	}
	return string(runes[:max-3]) + "...", true
}

func clampTags(tags map[string]string) (map[string]string, bool) {
	changed := false
	for k, v := range tags {
		if clamped, ok := clamp(v, MaxTagValueLength); ok {
			tags[k] = clamped
			changed = true
		}
	}
	return tags, changed
}

func mustMarshal(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
