package forwarder

import (
	"context"
	"fmt"

	"inlet/internal/envelope"
)

// Forwarder moves an accepted envelope to its destination. Processing
// mode fans items out to the streaming log; relay mode replays the
// envelope to the next upstream.
type Forwarder interface {
	Forward(ctx context.Context, projectID string, keyID string, env *envelope.Envelope) error
	Close() error
}

// PartialForwardError reports a forward that failed after some items
// already reached the destination. Published counts the items handed
// off before the failure, in envelope order.
type PartialForwardError struct {
	Published int
	Err       error
}

func (e *PartialForwardError) Error() string {
	return fmt.Sprintf("forward failed after %d items: %v", e.Published, e.Err)
}

func (e *PartialForwardError) Unwrap() error {
	return e.Err
}
