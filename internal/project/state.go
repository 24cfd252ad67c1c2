package project

import (
	"time"

	"inlet/internal/filter"
	"inlet/internal/quota"
)

// ID is the opaque tenant project key used as cache key and quota scope
// root.
type ID string

func (id ID) String() string {
	return string(id)
}

// Status is the fetch outcome attached to a cached entry.
type Status int

const (
	StatusPending Status = iota
	StatusValid
	StatusInvalid
)

// PublicKey is one client key of a project. Disabled keys stay in the
// state so authentication can distinguish "unknown key" from "revoked
// key" in logs.
type PublicKey struct {
	ID        string       `json:"publicKey"`
	VerifyKey string       `json:"verifyKey,omitempty"`
	Enabled   bool         `json:"isEnabled"`
	RateLimit *quota.Quota `json:"rateLimit,omitempty"`
}

// State is the immutable per-project configuration snapshot handed out
// by the cache. A refresh swaps in a new value; it never mutates one a
// caller already holds.
type State struct {
	ProjectID      ID            `json:"-"`
	OrganizationID string        `json:"organizationId,omitempty"`
	Disabled       bool          `json:"disabled"`
	PublicKeys     []PublicKey   `json:"publicKeys"`
	Quotas         []quota.Quota `json:"quotas,omitempty"`
	Filters        filter.Config `json:"filterSettings"`
	Features       []string      `json:"features,omitempty"`

	FetchedAt time.Time `json:"-"`
	Status    Status    `json:"-"`
}

// LookupKey finds a public key by its declared id.
func (s *State) LookupKey(keyID string) (*PublicKey, bool) {
	for i := range s.PublicKeys {
		if s.PublicKeys[i].ID == keyID {
			return &s.PublicKeys[i], true
		}
	}
	return nil, false
}

func (s *State) HasFeature(name string) bool {
	for _, f := range s.Features {
		if f == name {
			return true
		}
	}
	return false
}

// EffectiveQuotas returns the project quotas plus the authenticated
// key's rate-limit override, if any.
func (s *State) EffectiveQuotas(key *PublicKey) []quota.Quota {
	if key == nil || key.RateLimit == nil {
		return s.Quotas
	}
	quotas := make([]quota.Quota, 0, len(s.Quotas)+1)
	quotas = append(quotas, s.Quotas...)
	quotas = append(quotas, *key.RateLimit)
	return quotas
}
