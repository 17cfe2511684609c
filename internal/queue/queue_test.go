package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/h1v3-io/courier/internal/courierr"
	"github.com/h1v3-io/courier/pkg/protocol"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type staticAgents []string

func (s staticAgents) AgentIDs() []string { return s }

// flakyStore fails writes on demand.
type flakyStore struct {
	Store
	failInsert atomic.Bool
	failUpdate atomic.Bool
}

var errDiskFull = errors.New("disk full")

func (f *flakyStore) Insert(ctx context.Context, m *protocol.Message) error {
	if f.failInsert.Load() {
		return errDiskFull
	}
	return f.Store.Insert(ctx, m)
}

func (f *flakyStore) Update(ctx context.Context, m *protocol.Message) error {
	if f.failUpdate.Load() {
		return errDiskFull
	}
	return f.Store.Update(ctx, m)
}

func newTestQueue(t *testing.T, opts Options) (*Queue, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	if opts.Now == nil {
		opts.Now = clock.Now
	}
	q := New(newTestStore(t), opts)
	return q, clock
}

func enqueue(t *testing.T, q *Queue, recipient string, p protocol.Priority, content string) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), &protocol.Message{Recipient: recipient, Priority: p, Content: content})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

func TestDequeue_CriticalJumpsAheadOfNormal(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	first := enqueue(t, q, "Agent-2", protocol.PriorityNormal, "first normal")
	critical := enqueue(t, q, "Agent-2", protocol.PriorityCritical, "critical")
	second := enqueue(t, q, "Agent-2", protocol.PriorityNormal, "second normal")

	for i, want := range []string{critical, first, second} {
		m, err := q.Dequeue(ctx, "Agent-2")
		if err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
		if m == nil || m.ID != want {
			t.Fatalf("dequeue %d: got %+v, want %s", i, m, want)
		}
		if m.Status != protocol.StatusProcessing {
			t.Errorf("dequeue %d: status %s", i, m.Status)
		}
	}
	if m, _ := q.Dequeue(ctx, "Agent-2"); m != nil {
		t.Errorf("expected empty mailbox, got %s", m.ID)
	}
}

func TestDequeue_AlwaysHighestPriorityThenOldest(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 5; round++ {
		q, clock := newTestQueue(t, Options{})
		ctx := context.Background()

		type entry struct {
			id    string
			p     protocol.Priority
			order int
		}
		var pending []entry
		for i := 0; i < 40; i++ {
			p := protocol.Priority(rng.Intn(4))
			id := enqueue(t, q, "a", p, fmt.Sprintf("m%d", i))
			pending = append(pending, entry{id: id, p: p, order: i})
			clock.Advance(time.Millisecond)
		}

		for len(pending) > 0 {
			best := 0
			for i, e := range pending {
				if e.p > pending[best].p || (e.p == pending[best].p && e.order < pending[best].order) {
					best = i
				}
			}
			m, err := q.Dequeue(ctx, "a")
			if err != nil {
				t.Fatal(err)
			}
			if m == nil || m.ID != pending[best].id {
				t.Fatalf("round %d: got %+v, want %s (priority %s)", round, m, pending[best].id, pending[best].p)
			}
			pending = append(pending[:best], pending[best+1:]...)
		}
	}
}

func TestDequeue_SameTimestampKeepsEnqueueOrder(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	var ids []string
	for i := 0; i < 10; i++ {
		ids = append(ids, enqueue(t, q, "a", protocol.PriorityHigh, fmt.Sprint(i)))
	}
	for _, want := range ids {
		m, _ := q.Dequeue(context.Background(), "a")
		if m == nil || m.ID != want {
			t.Fatalf("got %+v, want %s", m, want)
		}
	}
}

func TestDequeue_RecipientsAreIsolated(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	enqueue(t, q, "Agent-1", protocol.PriorityCritical, "for one")
	if m, _ := q.Dequeue(context.Background(), "Agent-2"); m != nil {
		t.Fatalf("Agent-2 received %s", m.ID)
	}
}

func TestDequeue_AtMostOneConsumerPerMessage(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	const total = 30
	for i := 0; i < total; i++ {
		enqueue(t, q, "a", protocol.PriorityNormal, fmt.Sprint(i))
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				m, err := q.Dequeue(context.Background(), "a")
				if err != nil {
					t.Errorf("dequeue: %v", err)
					return
				}
				if m == nil {
					return
				}
				mu.Lock()
				seen[m.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != total {
		t.Fatalf("dequeued %d distinct messages, want %d", len(seen), total)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("message %s dequeued %d times", id, n)
		}
	}
}

func TestEnqueue_Defaults(t *testing.T) {
	q, clock := newTestQueue(t, Options{MaxAttempts: 5, TTL: time.Hour})
	msg := &protocol.Message{Recipient: "a", Content: "x"}
	id, err := q.Enqueue(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}
	if id == "" || msg.ID != id {
		t.Fatalf("id not assigned: %q / %q", id, msg.ID)
	}
	if msg.Status != protocol.StatusPending || msg.MaxAttempts != 5 || msg.Attempts != 0 {
		t.Errorf("unexpected defaults %+v", msg)
	}
	if msg.ExpiresAt == nil || !msg.ExpiresAt.Equal(clock.Now().Add(time.Hour)) {
		t.Errorf("expires_at = %v", msg.ExpiresAt)
	}

	other := enqueue(t, q, "a", protocol.PriorityNormal, "y")
	if other == id {
		t.Error("ids must be unique")
	}
}

func TestEnqueue_KeepsCallerID(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	id, err := q.Enqueue(context.Background(), &protocol.Message{ID: "fixed", Recipient: "a", Content: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if id != "fixed" {
		t.Errorf("id = %q", id)
	}
}

func TestEnqueue_NegativeTTLNeverExpires(t *testing.T) {
	q, _ := newTestQueue(t, Options{TTL: -1})
	msg := &protocol.Message{Recipient: "a", Content: "x"}
	if _, err := q.Enqueue(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if msg.ExpiresAt != nil {
		t.Errorf("expected no expiry, got %v", msg.ExpiresAt)
	}
}

func TestEnqueue_Validation(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	_, err := q.Enqueue(context.Background(), &protocol.Message{Content: "no recipient"})
	if !errors.Is(err, courierr.ErrValidation) {
		t.Errorf("missing recipient: %v", err)
	}
	_, err = q.Enqueue(context.Background(), &protocol.Message{Recipient: "a", Content: "x", Priority: 9})
	if !errors.Is(err, courierr.ErrValidation) {
		t.Errorf("bad priority: %v", err)
	}
	for _, content := range []string{"", " \n\t"} {
		_, err = q.Enqueue(context.Background(), &protocol.Message{Recipient: "a", Content: content})
		if !errors.Is(err, courierr.ErrValidation) {
			t.Errorf("content %q: %v", content, err)
		}
	}
	if st, _ := q.Stats(context.Background()); st.Total != 0 {
		t.Errorf("rejected messages were stored: %+v", st)
	}
}

func TestEnqueue_PersistenceFailureIsReturned(t *testing.T) {
	store := &flakyStore{Store: newTestStore(t)}
	q := New(store, Options{})
	store.failInsert.Store(true)

	msg := &protocol.Message{Recipient: "a", Content: "x"}
	_, err := q.Enqueue(context.Background(), msg)
	if !errors.Is(err, courierr.ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if !errors.Is(err, errDiskFull) {
		t.Errorf("cause not wrapped: %v", err)
	}
	if _, err := q.Get(context.Background(), msg.ID); !errors.Is(err, courierr.ErrNotFound) {
		t.Errorf("unpersisted message must not exist: %v", err)
	}
}

func TestEnqueue_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	s1, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	q1 := New(s1, Options{})
	id := enqueue(t, q1, "a", protocol.PriorityHigh, "durable")
	if err := q1.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	q2 := New(s2, Options{})
	defer q2.Close()
	m, err := q2.Dequeue(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.ID != id || m.Content != "durable" {
		t.Fatalf("message lost across reopen: %+v", m)
	}
}

func TestBroadcast_OneMessagePerAgent(t *testing.T) {
	agents := staticAgents{}
	for i := 1; i <= 8; i++ {
		agents = append(agents, fmt.Sprintf("Agent-%d", i))
	}
	q, _ := newTestQueue(t, Options{Agents: agents})

	receipts, err := q.EnqueueBroadcast(context.Background(), "stand up", "ops", protocol.PriorityHigh)
	if err != nil {
		t.Fatal(err)
	}
	if len(receipts) != 8 {
		t.Fatalf("got %d receipts, want 8", len(receipts))
	}
	ids := make(map[string]bool)
	for i, r := range receipts {
		if r.Err != nil {
			t.Errorf("receipt %s: %v", r.AgentID, r.Err)
		}
		if r.AgentID != agents[i] {
			t.Errorf("receipt %d for %s, want %s", i, r.AgentID, agents[i])
		}
		ids[r.MessageID] = true

		m, err := q.Get(context.Background(), r.MessageID)
		if err != nil {
			t.Fatal(err)
		}
		if m.Recipient != r.AgentID || m.Sender != "ops" || m.Priority != protocol.PriorityHigh {
			t.Errorf("broadcast copy wrong: %+v", m)
		}
	}
	if len(ids) != 8 {
		t.Errorf("got %d distinct ids, want 8", len(ids))
	}
}

func TestBroadcast_NoListerIsConfigurationError(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	_, err := q.EnqueueBroadcast(context.Background(), "x", "ops", protocol.PriorityNormal)
	if !errors.Is(err, courierr.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestBroadcast_NoAgents(t *testing.T) {
	q, _ := newTestQueue(t, Options{Agents: staticAgents{}})
	receipts, err := q.EnqueueBroadcast(context.Background(), "x", "ops", protocol.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	if len(receipts) != 0 {
		t.Errorf("got %d receipts", len(receipts))
	}
}

func TestBroadcast_AllFailuresReported(t *testing.T) {
	store := &flakyStore{Store: newTestStore(t)}
	q := New(store, Options{Agents: staticAgents{"a", "b"}})
	store.failInsert.Store(true)

	receipts, err := q.EnqueueBroadcast(context.Background(), "x", "ops", protocol.PriorityNormal)
	if err == nil {
		t.Fatal("expected error when every enqueue fails")
	}
	if len(receipts) != 2 || receipts[0].Error == "" || receipts[1].MessageID != "" {
		t.Errorf("receipts = %+v", receipts)
	}
}

func TestMarkFailed_RetriesUntilExhausted(t *testing.T) {
	q, clock := newTestQueue(t, Options{MaxAttempts: 3})
	ctx := context.Background()
	id := enqueue(t, q, "Agent-4", protocol.PriorityNormal, "doomed")
	injectErr := courierr.Wrap(courierr.KindTransient, "inject", errors.New("window not responding"))

	wantStatus := []protocol.Status{protocol.StatusPending, protocol.StatusPending, protocol.StatusFailed}
	for attempt := 1; attempt <= 3; attempt++ {
		m, err := q.Dequeue(ctx, "Agent-4")
		if err != nil {
			t.Fatal(err)
		}
		if m == nil || m.ID != id {
			t.Fatalf("attempt %d: expected the message, got %+v", attempt, m)
		}
		updated, err := q.MarkFailed(ctx, id, injectErr, time.Second)
		if err != nil {
			t.Fatalf("attempt %d: mark failed: %v", attempt, err)
		}
		if updated.Attempts != attempt {
			t.Errorf("attempt %d: attempts = %d", attempt, updated.Attempts)
		}
		if updated.Status != wantStatus[attempt-1] {
			t.Errorf("attempt %d: status = %s, want %s", attempt, updated.Status, wantStatus[attempt-1])
		}
		clock.Advance(2 * time.Second)
	}

	final, err := q.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != protocol.StatusFailed || final.Attempts != 3 {
		t.Fatalf("final = %s attempts=%d", final.Status, final.Attempts)
	}
	if final.ErrorKind != string(courierr.KindTransient) || final.LastError == "" {
		t.Errorf("error not recorded: kind=%q last=%q", final.ErrorKind, final.LastError)
	}
	if m, _ := q.Dequeue(ctx, "Agent-4"); m != nil {
		t.Error("failed message must not be dequeued again")
	}
}

func TestMarkFailed_BackoffDelaysRedelivery(t *testing.T) {
	q, clock := newTestQueue(t, Options{})
	ctx := context.Background()
	id := enqueue(t, q, "a", protocol.PriorityNormal, "x")

	if _, err := q.Dequeue(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := q.MarkFailed(ctx, id, errors.New("boom"), 30*time.Second); err != nil {
		t.Fatal(err)
	}
	if m, _ := q.Dequeue(ctx, "a"); m != nil {
		t.Fatal("message eligible before backoff elapsed")
	}
	clock.Advance(31 * time.Second)
	if m, _ := q.Dequeue(ctx, "a"); m == nil || m.ID != id {
		t.Fatalf("message not eligible after backoff: %+v", m)
	}
}

func TestMarkFailed_RequiresProcessing(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	id := enqueue(t, q, "a", protocol.PriorityNormal, "x")
	_, err := q.MarkFailed(context.Background(), id, errors.New("boom"), 0)
	if !errors.Is(err, courierr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	_, err = q.MarkFailed(context.Background(), "missing", errors.New("boom"), 0)
	if !errors.Is(err, courierr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMarkDelivered_IsFinal(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()
	id := enqueue(t, q, "a", protocol.PriorityNormal, "x")
	if _, err := q.Dequeue(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	m, err := q.MarkDelivered(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != protocol.StatusDelivered || m.Attempts != 1 {
		t.Fatalf("delivered = %s attempts=%d", m.Status, m.Attempts)
	}

	if _, err := q.MarkFailed(ctx, id, errors.New("late"), 0); !errors.Is(err, courierr.ErrTerminal) {
		t.Errorf("mark failed after delivery: %v", err)
	}
	if _, err := q.MarkDelivered(ctx, id); !errors.Is(err, courierr.ErrTerminal) {
		t.Errorf("double delivery: %v", err)
	}
	if _, err := q.Requeue(ctx, id); !errors.Is(err, courierr.ErrTerminal) {
		t.Errorf("requeue after delivery: %v", err)
	}
	got, _ := q.Get(ctx, id)
	if got.Status != protocol.StatusDelivered || got.Attempts != 1 {
		t.Errorf("delivered record mutated: %+v", got)
	}
}

func TestReject_DoesNotCountAttempt(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()
	id := enqueue(t, q, "ghost", protocol.PriorityNormal, "x")
	if _, err := q.Dequeue(ctx, "ghost"); err != nil {
		t.Fatal(err)
	}

	cause := courierr.New(courierr.KindValidation, "resolve", "coordinates out of bounds")
	m, err := q.Reject(ctx, id, cause)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != protocol.StatusFailed || m.Attempts != 0 {
		t.Errorf("rejected = %s attempts=%d", m.Status, m.Attempts)
	}
	if m.ErrorKind != string(courierr.KindValidation) {
		t.Errorf("error kind = %q", m.ErrorKind)
	}
}

func TestRequeue_RestoresFailedMessage(t *testing.T) {
	q, clock := newTestQueue(t, Options{MaxAttempts: 1, TTL: time.Minute})
	ctx := context.Background()
	id := enqueue(t, q, "a", protocol.PriorityNormal, "x")
	q.Dequeue(ctx, "a")
	if m, _ := q.MarkFailed(ctx, id, errors.New("boom"), 0); m.Status != protocol.StatusFailed {
		t.Fatalf("status = %s", m.Status)
	}

	clock.Advance(5 * time.Minute)
	m, err := q.Requeue(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != protocol.StatusPending || m.Attempts != 0 || m.LastError != "" {
		t.Errorf("requeued = %+v", m)
	}
	got, err := q.Dequeue(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != id {
		t.Fatalf("requeued message not eligible: %+v", got)
	}

	pendingID := enqueue(t, q, "a", protocol.PriorityNormal, "y")
	if _, err := q.Requeue(ctx, pendingID); !errors.Is(err, courierr.ErrConflict) {
		t.Errorf("requeue pending: %v", err)
	}
}

func TestCleanupExpired(t *testing.T) {
	q, clock := newTestQueue(t, Options{TTL: time.Minute, MaxAttempts: 1})
	ctx := context.Background()

	stale := enqueue(t, q, "a", protocol.PriorityNormal, "stale")
	failed := enqueue(t, q, "b", protocol.PriorityNormal, "failed")
	q.Dequeue(ctx, "b")
	q.MarkFailed(ctx, failed, errors.New("boom"), 0)

	clock.Advance(2 * time.Minute)
	fresh := enqueue(t, q, "a", protocol.PriorityLow, "fresh")

	// Past-TTL messages are never handed out even before the sweep runs.
	m, _ := q.Dequeue(ctx, "a")
	if m == nil || m.ID != fresh {
		t.Fatalf("expected fresh message, got %+v", m)
	}

	n, err := q.CleanupExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expired %d, want 1", n)
	}
	got, _ := q.Get(ctx, stale)
	if got.Status != protocol.StatusExpired || got.Attempts != 0 {
		t.Errorf("stale = %s attempts=%d", got.Status, got.Attempts)
	}
	got, _ = q.Get(ctx, failed)
	if got.Status != protocol.StatusFailed {
		t.Errorf("failed message changed to %s", got.Status)
	}

	st, err := q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 3 || st.Counts[protocol.StatusExpired] != 1 {
		t.Errorf("stats = %+v", st)
	}

	purged, err := q.PurgeExpired(ctx, clock.Now().Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Errorf("purged %d, want 1", purged)
	}
}

func TestRecoverInFlight(t *testing.T) {
	q, clock := newTestQueue(t, Options{})
	ctx := context.Background()
	id := enqueue(t, q, "a", protocol.PriorityNormal, "x")
	q.Dequeue(ctx, "a")

	clock.Advance(time.Hour)
	n, err := q.RecoverInFlight(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("recovered %d", n)
	}
	got, _ := q.Get(ctx, id)
	if !got.UpdatedAt.Equal(clock.Now()) {
		t.Errorf("updated_at = %v, want the queue clock %v", got.UpdatedAt, clock.Now())
	}
	m, _ := q.Dequeue(ctx, "a")
	if m == nil || m.ID != id {
		t.Fatalf("recovered message not redeliverable: %+v", m)
	}
}

func TestStatusUpdate_RetriedAfterPersistenceFailure(t *testing.T) {
	base := newTestStore(t)
	store := &flakyStore{Store: base}
	q := New(store, Options{})
	ctx := context.Background()

	id := enqueue(t, q, "a", protocol.PriorityNormal, "x")
	if _, err := q.Dequeue(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	store.failUpdate.Store(true)
	m, err := q.MarkDelivered(ctx, id)
	if err != nil {
		t.Fatalf("persistence failure must not fail the transition: %v", err)
	}
	if m.Status != protocol.StatusDelivered {
		t.Fatalf("status = %s", m.Status)
	}

	stored, _ := base.Get(ctx, id)
	if stored.Status != protocol.StatusProcessing {
		t.Fatalf("store should still hold processing, got %s", stored.Status)
	}
	got, _ := q.Get(ctx, id)
	if got.Status != protocol.StatusDelivered {
		t.Errorf("queue view should reflect the parked update, got %s", got.Status)
	}
	if remaining := q.FlushPending(ctx); remaining != 1 {
		t.Errorf("remaining = %d, want 1", remaining)
	}

	store.failUpdate.Store(false)
	st, err := q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Unflushed != 0 {
		t.Errorf("unflushed = %d after recovery", st.Unflushed)
	}
	stored, _ = base.Get(ctx, id)
	if stored.Status != protocol.StatusDelivered || stored.Attempts != 1 {
		t.Errorf("store = %s attempts=%d", stored.Status, stored.Attempts)
	}
}

func TestPurgeExpired_FlushesParkedUpdates(t *testing.T) {
	base := newTestStore(t)
	store := &flakyStore{Store: base}
	q := New(store, Options{MaxAttempts: 1})
	ctx := context.Background()

	id := enqueue(t, q, "a", protocol.PriorityNormal, "x")
	if _, err := q.Dequeue(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	store.failUpdate.Store(true)
	if _, err := q.MarkFailed(ctx, id, errors.New("gone"), 0); err != nil {
		t.Fatal(err)
	}
	store.failUpdate.Store(false)

	if _, err := q.PurgeExpired(ctx, time.Now()); err != nil {
		t.Fatal(err)
	}
	stored, _ := base.Get(ctx, id)
	if stored.Status != protocol.StatusFailed {
		t.Errorf("store = %s, want the parked failed update", stored.Status)
	}
}

func TestList_Filter(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()
	enqueue(t, q, "a", protocol.PriorityNormal, "1")
	enqueue(t, q, "b", protocol.PriorityNormal, "2")
	enqueue(t, q, "a", protocol.PriorityNormal, "3")

	msgs, err := q.List(ctx, Filter{Recipient: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Content != "1" || msgs[1].Content != "3" {
		t.Errorf("list = %v", msgs)
	}
}
