package outcome

import (
	"time"

	"inlet/internal/envelope"
)

// Verdict is the terminal fate of one ingested item.
type Verdict string

const (
	VerdictAccepted    Verdict = "accepted"
	VerdictFiltered    Verdict = "filtered"
	VerdictRateLimited Verdict = "rate_limited"
	VerdictInvalid     Verdict = "invalid"
)

// Outcome records what happened to one item so downstream accounting
// can reconcile accepted traffic against drops.
type Outcome struct {
	ProjectID string                `json:"project_id"`
	Category  envelope.DataCategory `json:"category"`
	Verdict   Verdict               `json:"outcome"`
	Reason    string                `json:"reason,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}
