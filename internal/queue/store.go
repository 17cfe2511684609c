package queue

import (
	"context"
	"time"

	"github.com/h1v3-io/courier/pkg/protocol"
)

// Store is the persistence interface for queued messages. Every method that
// changes a record must commit it durably before returning.
type Store interface {
	// Insert persists a new message and sets its Seq.
	Insert(ctx context.Context, msg *protocol.Message) error
	// Get retrieves a message by ID.
	Get(ctx context.Context, id string) (*protocol.Message, error)
	// ClaimNext atomically moves the best eligible pending message for
	// recipient to processing and returns it, or returns nil when none is
	// eligible. Eligible means not_before <= now and not expired.
	ClaimNext(ctx context.Context, recipient string, now time.Time) (*protocol.Message, error)
	// Update writes the mutable fields (status, attempts, not_before,
	// expires_at, last_error, error_kind, updated_at). It refuses to change a
	// delivered message.
	Update(ctx context.Context, msg *protocol.Message) error
	// List returns messages matching the filter, oldest first.
	List(ctx context.Context, filter Filter) ([]*protocol.Message, error)
	// CountByStatus returns the number of messages in each status.
	CountByStatus(ctx context.Context) (map[protocol.Status]int, error)
	// ExpireDue moves pending and processing messages whose expiry is at or
	// before now to expired and returns how many moved.
	ExpireDue(ctx context.Context, now time.Time) (int, error)
	// PurgeExpired deletes expired messages last updated before cutoff.
	PurgeExpired(ctx context.Context, cutoff time.Time) (int, error)
	// ResetProcessing returns every processing message to pending, stamping
	// updated_at with now.
	ResetProcessing(ctx context.Context, now time.Time) (int, error)
	// Close releases the underlying connection.
	Close() error
}

// Filter constrains message list queries.
type Filter struct {
	Status    *protocol.Status
	Recipient string
	Sender    string
	Limit     int // 0 = no limit
}
