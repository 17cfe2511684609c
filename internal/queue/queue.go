// Package queue is the priority-ordered, durable mailbox that holds messages
// until the dispatcher delivers them.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/h1v3-io/courier/internal/courierr"
	"github.com/h1v3-io/courier/pkg/protocol"
)

const (
	DefaultMaxAttempts = 3
	DefaultTTL         = 24 * time.Hour
)

// ErrExpiredInFlight is wrapped by MarkDelivered, MarkFailed and Reject when
// the cleanup sweep expired the message after it was dequeued.
var ErrExpiredInFlight = errors.New("message expired while in flight")

// AgentLister reports the agents a broadcast fans out to.
type AgentLister interface {
	AgentIDs() []string
}

// Options configures a Queue.
type Options struct {
	MaxAttempts int
	// TTL applies to messages enqueued without one. Zero means DefaultTTL;
	// negative means messages never expire.
	TTL    time.Duration
	Agents AgentLister
	Logger *slog.Logger
	Now    func() time.Time
}

// BroadcastReceipt reports the outcome of one recipient of a broadcast.
type BroadcastReceipt struct {
	AgentID   string `json:"agent_id"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
	Err       error  `json:"-"`
}

// Stats summarizes the queue.
type Stats struct {
	Counts map[protocol.Status]int `json:"counts"`
	Total  int                     `json:"total"`
	// Unflushed is the number of status updates waiting to be re-persisted.
	Unflushed int `json:"unflushed"`
}

// Queue guards a Store with a mutex and owns every status transition.
// Updates that fail to persist are kept and retried at the start of the
// next operation, so a flaky disk never loses a transition.
type Queue struct {
	mu        sync.Mutex
	store     Store
	opts      Options
	logger    *slog.Logger
	unflushed map[string]*protocol.Message
}

// New creates a Queue over store.
func New(store Store, opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.TTL == 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:     store,
		opts:      opts,
		logger:    logger.With("component", "queue"),
		unflushed: make(map[string]*protocol.Message),
	}
}

// SetAgents sets the lister used by EnqueueBroadcast.
func (q *Queue) SetAgents(a AgentLister) {
	q.mu.Lock()
	q.opts.Agents = a
	q.mu.Unlock()
}

// Enqueue validates msg, fills in defaults and persists it as pending. msg is
// updated in place. The id is returned only after the store has committed.
func (q *Queue) Enqueue(ctx context.Context, msg *protocol.Message) (string, error) {
	const op = "queue: enqueue"
	if msg.Recipient == "" {
		return "", courierr.New(courierr.KindValidation, op, "recipient is required")
	}
	if strings.TrimSpace(msg.Content) == "" {
		return "", courierr.New(courierr.KindValidation, op, "content is required")
	}
	if !msg.Priority.Valid() {
		return "", courierr.New(courierr.KindValidation, op, "invalid priority %d", int(msg.Priority))
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushLocked(ctx)

	now := q.opts.Now()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = q.opts.MaxAttempts
	}
	if msg.TTL == 0 {
		msg.TTL = q.opts.TTL
	}
	msg.Status = protocol.StatusPending
	msg.Attempts = 0
	msg.CreatedAt = now
	msg.UpdatedAt = now
	msg.NotBefore = now
	msg.ExpiresAt = nil
	if msg.TTL > 0 {
		exp := now.Add(msg.TTL)
		msg.ExpiresAt = &exp
	}

	if err := q.store.Insert(ctx, msg); err != nil {
		return "", courierr.Wrap(courierr.KindPersistence, op, err)
	}
	q.logger.Debug("message enqueued",
		"id", msg.ID, "agent", msg.Recipient, "priority", msg.Priority.String(), "seq", msg.Seq)
	return msg.ID, nil
}

// EnqueueBroadcast enqueues one message per registered agent. Broadcasts are
// not atomic: each receipt carries its own id or error. An error is returned
// only when no agent lister is configured or every enqueue failed; zero
// registered agents yields empty receipts and a nil error.
func (q *Queue) EnqueueBroadcast(ctx context.Context, content, sender string, priority protocol.Priority) ([]BroadcastReceipt, error) {
	const op = "queue: broadcast"
	q.mu.Lock()
	lister := q.opts.Agents
	q.mu.Unlock()
	if lister == nil {
		return nil, courierr.New(courierr.KindConfiguration, op, "no agent lister configured")
	}

	agents := lister.AgentIDs()
	receipts := make([]BroadcastReceipt, 0, len(agents))
	var errs []error
	for _, id := range agents {
		msg := &protocol.Message{Sender: sender, Recipient: id, Content: content, Priority: priority}
		r := BroadcastReceipt{AgentID: id}
		if _, err := q.Enqueue(ctx, msg); err != nil {
			r.Err = err
			r.Error = err.Error()
			errs = append(errs, err)
		} else {
			r.MessageID = msg.ID
		}
		receipts = append(receipts, r)
	}

	if len(errs) > 0 {
		q.logger.Warn("broadcast partially failed", "agents", len(agents), "failed", len(errs))
		if len(errs) == len(agents) {
			return receipts, fmt.Errorf("%s: all %d enqueues failed: %w", op, len(agents), errors.Join(errs...))
		}
	}
	return receipts, nil
}

// Dequeue claims the highest-priority, oldest eligible pending message for
// recipient and marks it processing. It returns nil when nothing is eligible.
func (q *Queue) Dequeue(ctx context.Context, recipient string) (*protocol.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushLocked(ctx)

	msg, err := q.store.ClaimNext(ctx, recipient, q.opts.Now())
	if err != nil {
		return nil, courierr.Wrap(courierr.KindPersistence, "queue: dequeue", err)
	}
	if msg != nil {
		q.logger.Debug("message claimed", "id", msg.ID, "agent", recipient, "priority", msg.Priority.String())
	}
	return msg, nil
}

// MarkDelivered moves a processing message to delivered and counts the
// attempt. Delivered messages are immutable.
func (q *Queue) MarkDelivered(ctx context.Context, id string) (*protocol.Message, error) {
	const op = "queue: mark delivered"
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushLocked(ctx)

	msg, err := q.currentLocked(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(op, msg, protocol.StatusProcessing); err != nil {
		return nil, err
	}

	msg.Attempts++
	msg.Status = protocol.StatusDelivered
	msg.LastError = ""
	msg.ErrorKind = ""
	msg.UpdatedAt = q.opts.Now()
	q.commitLocked(ctx, msg)
	q.logger.Info("message delivered", "id", msg.ID, "agent", msg.Recipient, "attempts", msg.Attempts)
	return msg.Clone(), nil
}

// MarkFailed records a failed delivery attempt. While attempts remain the
// message returns to pending and becomes eligible again after retryAfter;
// otherwise it stays failed until an operator requeues it.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error, retryAfter time.Duration) (*protocol.Message, error) {
	const op = "queue: mark failed"
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushLocked(ctx)

	msg, err := q.currentLocked(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(op, msg, protocol.StatusProcessing); err != nil {
		return nil, err
	}

	now := q.opts.Now()
	msg.Attempts++
	msg.UpdatedAt = now
	setCause(msg, cause)
	if msg.Attempts < msg.MaxAttempts {
		msg.Status = protocol.StatusPending
		msg.NotBefore = now.Add(retryAfter)
		q.logger.Warn("delivery attempt failed, will retry",
			"id", msg.ID, "agent", msg.Recipient, "attempts", msg.Attempts, "max_attempts", msg.MaxAttempts,
			"retry_after", retryAfter, "error", msg.LastError)
	} else {
		msg.Status = protocol.StatusFailed
		q.logger.Error("delivery failed permanently",
			"id", msg.ID, "agent", msg.Recipient, "attempts", msg.Attempts, "error", msg.LastError)
	}
	q.commitLocked(ctx, msg)
	return msg.Clone(), nil
}

// Reject fails a message without counting an attempt. It is used when the
// message could never be delivered as addressed, such as unresolvable
// coordinates.
func (q *Queue) Reject(ctx context.Context, id string, cause error) (*protocol.Message, error) {
	const op = "queue: reject"
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushLocked(ctx)

	msg, err := q.currentLocked(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(op, msg, protocol.StatusPending, protocol.StatusProcessing); err != nil {
		return nil, err
	}

	msg.Status = protocol.StatusFailed
	msg.UpdatedAt = q.opts.Now()
	setCause(msg, cause)
	q.commitLocked(ctx, msg)
	q.logger.Error("message rejected", "id", msg.ID, "agent", msg.Recipient, "error", msg.LastError)
	return msg.Clone(), nil
}

// Requeue returns a failed message to pending with a fresh attempt budget
// and, when it has a TTL, a fresh expiry.
func (q *Queue) Requeue(ctx context.Context, id string) (*protocol.Message, error) {
	const op = "queue: requeue"
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushLocked(ctx)

	msg, err := q.currentLocked(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(op, msg, protocol.StatusFailed); err != nil {
		return nil, err
	}

	now := q.opts.Now()
	msg.Status = protocol.StatusPending
	msg.Attempts = 0
	msg.NotBefore = now
	msg.UpdatedAt = now
	msg.LastError = ""
	msg.ErrorKind = ""
	if msg.TTL > 0 {
		exp := now.Add(msg.TTL)
		msg.ExpiresAt = &exp
	}
	q.commitLocked(ctx, msg)
	q.logger.Info("message requeued", "id", msg.ID, "agent", msg.Recipient)
	return msg.Clone(), nil
}

// CleanupExpired moves pending and processing messages past their expiry to
// expired. Expiry is not a delivery failure and never touches delivered or
// failed messages.
func (q *Queue) CleanupExpired(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushLocked(ctx)

	now := q.opts.Now()
	n, err := q.store.ExpireDue(ctx, now)
	if err != nil {
		return 0, courierr.Wrap(courierr.KindPersistence, "queue: cleanup expired", err)
	}
	for id, m := range q.unflushed {
		if (m.Status == protocol.StatusPending || m.Status == protocol.StatusProcessing) && m.Expired(now) {
			m.Status = protocol.StatusExpired
			m.UpdatedAt = now
			q.unflushed[id] = m
		}
	}
	if n > 0 {
		q.logger.Info("expired messages", "count", n)
	}
	return n, nil
}

// PurgeExpired deletes expired records last updated before cutoff.
func (q *Queue) PurgeExpired(ctx context.Context, before time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushLocked(ctx)

	n, err := q.store.PurgeExpired(ctx, before)
	if err != nil {
		return 0, courierr.Wrap(courierr.KindPersistence, "queue: purge expired", err)
	}
	if n > 0 {
		q.logger.Info("purged expired messages", "count", n, "before", before)
	}
	return n, nil
}

// RecoverInFlight returns messages left processing by a previous process to
// pending. Call it once at startup, before any dispatcher runs.
func (q *Queue) RecoverInFlight(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushLocked(ctx)

	now := q.opts.Now()
	n, err := q.store.ResetProcessing(ctx, now)
	if err != nil {
		return 0, courierr.Wrap(courierr.KindPersistence, "queue: recover in-flight", err)
	}
	for id, m := range q.unflushed {
		if m.Status == protocol.StatusProcessing {
			m.Status = protocol.StatusPending
			m.UpdatedAt = now
			q.unflushed[id] = m
		}
	}
	if n > 0 {
		q.logger.Warn("recovered in-flight messages", "count", n)
	}
	return n, nil
}

// Get returns a message by id, reflecting any update not yet persisted.
func (q *Queue) Get(ctx context.Context, id string) (*protocol.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushLocked(ctx)

	msg, err := q.currentLocked(ctx, "queue: get", id)
	if err != nil {
		return nil, err
	}
	return msg.Clone(), nil
}

// List returns messages matching filter, oldest first.
func (q *Queue) List(ctx context.Context, filter Filter) ([]*protocol.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushLocked(ctx)

	msgs, err := q.store.List(ctx, filter)
	if err != nil {
		return nil, courierr.Wrap(courierr.KindPersistence, "queue: list", err)
	}
	for i, m := range msgs {
		if u, ok := q.unflushed[m.ID]; ok {
			msgs[i] = u.Clone()
		}
	}
	return msgs, nil
}

// Stats counts messages per status.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushLocked(ctx)

	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return Stats{}, courierr.Wrap(courierr.KindPersistence, "queue: stats", err)
	}
	st := Stats{Counts: counts, Unflushed: len(q.unflushed)}
	for _, n := range counts {
		st.Total += n
	}
	return st, nil
}

// FlushPending re-applies status updates that previously failed to persist
// and returns how many are still outstanding.
func (q *Queue) FlushPending(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.flushLocked(ctx)
}

// Close closes the underlying store.
func (q *Queue) Close() error {
	return q.store.Close()
}

// currentLocked returns the authoritative copy of a message: the unflushed
// update if one is waiting, otherwise the stored record.
func (q *Queue) currentLocked(ctx context.Context, op, id string) (*protocol.Message, error) {
	if m, ok := q.unflushed[id]; ok {
		return m.Clone(), nil
	}
	m, err := q.store.Get(ctx, id)
	if err != nil {
		if courierr.KindOf(err) == courierr.KindNotFound {
			return nil, courierr.Wrap(courierr.KindNotFound, op, err)
		}
		return nil, courierr.Wrap(courierr.KindPersistence, op, err)
	}
	return m, nil
}

// commitLocked persists msg. A failed write is logged and parked in
// unflushed for the next operation to retry.
func (q *Queue) commitLocked(ctx context.Context, msg *protocol.Message) {
	err := q.store.Update(ctx, msg)
	if err == nil {
		delete(q.unflushed, msg.ID)
		return
	}
	switch courierr.KindOf(err) {
	case courierr.KindNotFound, courierr.KindTerminal:
		q.logger.Error("status update refused by store", "id", msg.ID, "status", msg.Status, "error", err)
		delete(q.unflushed, msg.ID)
	default:
		q.logger.Warn("status update not persisted, will retry", "id", msg.ID, "status", msg.Status, "error", err)
		q.unflushed[msg.ID] = msg.Clone()
	}
}

// flushLocked retries parked updates in enqueue order.
func (q *Queue) flushLocked(ctx context.Context) int {
	if len(q.unflushed) == 0 {
		return 0
	}
	parked := make([]*protocol.Message, 0, len(q.unflushed))
	for _, m := range q.unflushed {
		parked = append(parked, m)
	}
	sort.Slice(parked, func(i, j int) bool { return parked[i].Seq < parked[j].Seq })

	for _, m := range parked {
		if err := q.store.Update(ctx, m); err != nil {
			switch courierr.KindOf(err) {
			case courierr.KindNotFound, courierr.KindTerminal:
				q.logger.Error("dropping parked update", "id", m.ID, "error", err)
				delete(q.unflushed, m.ID)
				continue
			}
			q.logger.Warn("flush still failing", "remaining", len(q.unflushed), "error", err)
			return len(q.unflushed)
		}
		delete(q.unflushed, m.ID)
		q.logger.Info("parked update persisted", "id", m.ID, "status", m.Status)
	}
	return len(q.unflushed)
}

func requireStatus(op string, m *protocol.Message, allowed ...protocol.Status) error {
	for _, s := range allowed {
		if m.Status == s {
			return nil
		}
	}
	if m.Status == protocol.StatusDelivered {
		return courierr.New(courierr.KindTerminal, op, "message %q is delivered and cannot change", m.ID)
	}
	if m.Status == protocol.StatusExpired {
		return courierr.Wrap(courierr.KindConflict, op, fmt.Errorf("%q: %w", m.ID, ErrExpiredInFlight))
	}
	return courierr.New(courierr.KindConflict, op, "message %q is %s", m.ID, m.Status)
}

func setCause(m *protocol.Message, cause error) {
	if cause == nil {
		m.LastError = ""
		m.ErrorKind = ""
		return
	}
	m.LastError = cause.Error()
	m.ErrorKind = string(courierr.KindOf(cause))
}
