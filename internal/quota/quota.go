package quota

import (
	"fmt"
	"time"

	"inlet/internal/envelope"
)

// Scope is the accounting level a quota applies to.
type Scope string

const (
	ScopeOrganization Scope = "organization"
	ScopeProject      Scope = "project"
	ScopeKey          Scope = "key"
)

// Quota is one configured limit from project state. A nil Limit means
// unlimited: the quota never rejects and never costs a store round-trip.
type Quota struct {
	Scope         Scope                   `json:"scope"`
	Categories    []envelope.DataCategory `json:"categories,omitempty"`
	Limit         *int64                  `json:"limit"`
	WindowSeconds int64                   `json:"windowSeconds"`
	ReasonCode    string                  `json:"reasonCode,omitempty"`
}

func (q *Quota) Unlimited() bool {
	return q.Limit == nil
}

func (q *Quota) Window() time.Duration {
	return time.Duration(q.WindowSeconds) * time.Second
}

// Matches reports whether the quota applies to the given category. A
// quota without categories applies to all of them.
func (q *Quota) Matches(category envelope.DataCategory) bool {
	if len(q.Categories) == 0 {
		return true
	}
	for _, c := range q.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// ScopeKeys identifies the concrete accounting scopes of one item: which
// organization, project and public key it counts against.
type ScopeKeys struct {
	OrganizationID string
	ProjectID      string
	KeyID          string
}

func (s ScopeKeys) For(scope Scope) string {
	switch scope {
	case ScopeOrganization:
		return s.OrganizationID
	case ScopeKey:
		return s.KeyID
	default:
		return s.ProjectID
	}
}

// CounterKey is the distributed counter identity for one quota bucket:
// (scope, scope id, category, window start).
func CounterKey(q *Quota, scopeID string, category envelope.DataCategory, now time.Time) string {
	windowStart := int64(0)
	if q.WindowSeconds > 0 {
		windowStart = now.Unix() / q.WindowSeconds * q.WindowSeconds
	}
	return fmt.Sprintf("%s:%s:%s:%d", q.Scope, scopeID, category, windowStart)
}

// RateLimit is the verdict for a rejected item: which categories are
// limited, for how long, and why.
type RateLimit struct {
	Categories []envelope.DataCategory
	RetryAfter time.Duration
	ReasonCode string
	Scope      Scope
}

// HeaderValue renders the rate limit in the wire form surfaced to
// senders: "<retry_after>:<categories>:<scope>:<reason>".
func (r *RateLimit) HeaderValue() string {
	categories := ""
	for i, c := range r.Categories {
		if i > 0 {
			categories += ";"
		}
		categories += string(c)
	}
	return fmt.Sprintf("%d:%s:%s:%s", int64(r.RetryAfter.Seconds()), categories, r.Scope, r.ReasonCode)
}
