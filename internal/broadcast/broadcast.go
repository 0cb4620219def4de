// Package broadcast fans job progress messages out to subscribed clients.
//
// Publish is fire-and-forget: the broadcast channel is a best-effort UX
// convenience, not a durable log. If nobody is watching a job the message is
// dropped; the job record's terminal result or error message remains the
// durable source of truth. Messages for one job id reach a given subscriber
// in publish order; nothing is guaranteed across job ids.
package broadcast

import (
	"context"

	"github.com/google/uuid"
)

// Broadcaster is the pub/sub channel keyed by job id.
type Broadcaster interface {
	Publish(ctx context.Context, jobID uuid.UUID, message string) error
	Subscribe(ctx context.Context, jobID uuid.UUID) (Subscription, error)
}

// Subscription is one client's live view of a single job's progress. The
// terminal message (success or failure text) is the signal to Close and fetch
// the durable record.
type Subscription interface {
	// Messages yields progress text in publish order. The channel is closed
	// when the subscription is closed.
	Messages() <-chan string
	Close() error
}
