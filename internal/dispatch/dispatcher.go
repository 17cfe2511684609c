package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/h1v3-io/courier/internal/courierr"
	"github.com/h1v3-io/courier/internal/events"
	"github.com/h1v3-io/courier/internal/queue"
	"github.com/h1v3-io/courier/pkg/protocol"
)

// Mailbox is the subset of the message queue the dispatcher consumes.
type Mailbox interface {
	Dequeue(ctx context.Context, recipient string) (*protocol.Message, error)
	MarkDelivered(ctx context.Context, id string) (*protocol.Message, error)
	MarkFailed(ctx context.Context, id string, cause error, retryAfter time.Duration) (*protocol.Message, error)
	Reject(ctx context.Context, id string, cause error) (*protocol.Message, error)
}

// Directory resolves registered agents to screen coordinates.
type Directory interface {
	AgentIDs() []string
	Resolve(agentID string) (protocol.Point, protocol.ValidationResult, error)
}

// Config tunes dispatch timing.
type Config struct {
	// Timeout bounds one move-focus-type injection.
	Timeout time.Duration
	// PollInterval is how long Run sleeps after finding nothing to do.
	PollInterval time.Duration
	// BackoffBase and BackoffMax shape the retry delay
	// base*2^(attempts-1), capped at max.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.BackoffBase < 0 {
		c.BackoffBase = 0
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Minute
	}
	return c
}

// Dispatcher is the single consumer of the message queue. Each cycle holds
// the device guard from dequeue to final status, so cycles never overlap
// even when several goroutines call DispatchNext.
type Dispatcher struct {
	mailbox   Mailbox
	dir       Directory
	device    *Exclusive
	publisher events.Publisher
	cfg       Config
	logger    *slog.Logger
	wake      chan struct{}

	mu     sync.Mutex
	cursor int
	counts map[protocol.DispatchOutcome]int64
}

// New creates a Dispatcher. A nil publisher discards events.
func New(mailbox Mailbox, dir Directory, device *Exclusive, publisher events.Publisher, cfg Config, logger *slog.Logger) *Dispatcher {
	if publisher == nil {
		publisher = events.NoOpPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		mailbox:   mailbox,
		dir:       dir,
		device:    device,
		publisher: publisher,
		cfg:       cfg.withDefaults(),
		logger:    logger.With("component", "dispatcher"),
		wake:      make(chan struct{}, 1),
		counts:    make(map[protocol.DispatchOutcome]int64),
	}
}

// Notify wakes Run early, typically after an enqueue. It never blocks.
func (d *Dispatcher) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Counts returns how many cycles ended in each outcome.
func (d *Dispatcher) Counts() map[protocol.DispatchOutcome]int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[protocol.DispatchOutcome]int64, len(d.counts))
	for k, v := range d.counts {
		out[k] = v
	}
	return out
}

// DispatchNext delivers at most one message. Agents are visited round-robin
// starting after the agent served last, so a busy mailbox cannot starve the
// others.
func (d *Dispatcher) DispatchNext(ctx context.Context) protocol.DispatchResult {
	g, err := d.device.Acquire(ctx)
	if err != nil {
		return protocol.DispatchResult{Outcome: protocol.OutcomeIdle, Error: err.Error()}
	}
	defer g.Release()

	agents := d.dir.AgentIDs()
	if len(agents) == 0 {
		return d.finish(protocol.DispatchResult{Outcome: protocol.OutcomeIdle})
	}

	d.mu.Lock()
	start := d.cursor % len(agents)
	d.mu.Unlock()

	var lastErr error
	for i := 0; i < len(agents); i++ {
		idx := (start + i) % len(agents)
		msg, err := d.mailbox.Dequeue(ctx, agents[idx])
		if err != nil {
			d.logger.Warn("dequeue failed", "agent", agents[idx], "error", err)
			lastErr = err
			continue
		}
		if msg == nil {
			continue
		}
		d.mu.Lock()
		d.cursor = idx + 1
		d.mu.Unlock()
		return d.deliver(ctx, g, msg)
	}

	res := protocol.DispatchResult{Outcome: protocol.OutcomeIdle}
	if lastErr != nil {
		res.Error = lastErr.Error()
	}
	return d.finish(res)
}

// DispatchFor delivers at most one message addressed to recipient.
func (d *Dispatcher) DispatchFor(ctx context.Context, recipient string) protocol.DispatchResult {
	g, err := d.device.Acquire(ctx)
	if err != nil {
		return protocol.DispatchResult{Outcome: protocol.OutcomeIdle, Recipient: recipient, Error: err.Error()}
	}
	defer g.Release()

	msg, err := d.mailbox.Dequeue(ctx, recipient)
	if err != nil {
		return d.finish(protocol.DispatchResult{Outcome: protocol.OutcomeIdle, Recipient: recipient, Error: err.Error()})
	}
	if msg == nil {
		return d.finish(protocol.DispatchResult{Outcome: protocol.OutcomeIdle, Recipient: recipient})
	}
	return d.deliver(ctx, g, msg)
}

// Run dispatches until ctx is cancelled, sleeping PollInterval (or until
// Notify) whenever there is nothing to deliver.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started", "timeout", d.cfg.Timeout, "poll_interval", d.cfg.PollInterval)
	defer d.logger.Info("dispatcher stopped")

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		res := d.DispatchNext(ctx)
		if res.Outcome != protocol.OutcomeIdle {
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d.cfg.PollInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.wake:
		case <-timer.C:
		}
	}
}

// Backoff returns the retry delay after the given number of failed attempts.
func (d *Dispatcher) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := d.cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= d.cfg.BackoffMax {
			return d.cfg.BackoffMax
		}
	}
	if delay > d.cfg.BackoffMax {
		return d.cfg.BackoffMax
	}
	return delay
}

func (d *Dispatcher) deliver(ctx context.Context, g *Guard, msg *protocol.Message) protocol.DispatchResult {
	const op = "dispatch: deliver"
	started := time.Now()
	log := d.logger.With("id", msg.ID, "agent", msg.Recipient)
	res := protocol.DispatchResult{MessageID: msg.ID, Recipient: msg.Recipient, Attempts: msg.Attempts}

	// Status bookkeeping must land even if ctx is cancelled mid-injection.
	bookCtx := context.WithoutCancel(ctx)

	point, vr, err := d.dir.Resolve(msg.Recipient)
	if err == nil && !vr.Valid {
		err = courierr.New(courierr.KindValidation, op, "%s", vr.Error)
	}
	if err != nil {
		res.Outcome = protocol.OutcomeRejected
		res.Error = err.Error()
		if _, rerr := d.mailbox.Reject(bookCtx, msg.ID, err); rerr != nil {
			log.Error("reject failed", "error", rerr)
		}
		log.Error("message rejected before injection", "error", err)
		res.Duration = time.Since(started)
		d.publish(ctx, msg, res, courierr.KindOf(err))
		return d.finish(res)
	}
	res.Target = &point

	injCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	err = g.Deliver(injCtx, point, msg.Content)
	cancel()

	if err == nil {
		m, merr := d.mailbox.MarkDelivered(bookCtx, msg.ID)
		res.Outcome = protocol.OutcomeDelivered
		res.Attempts = msg.Attempts + 1
		res.Duration = time.Since(started)
		switch {
		case errors.Is(merr, queue.ErrExpiredInFlight):
			res.Outcome = protocol.OutcomeExpired
			res.Error = merr.Error()
			log.Warn("message injected after it expired", "target", point.String(), "duration", res.Duration)
			d.publish(ctx, msg, res, courierr.KindOf(merr))
			return d.finish(res)
		case merr != nil:
			log.Error("mark delivered failed", "error", merr)
			res.Error = merr.Error()
		default:
			res.Attempts = m.Attempts
		}
		log.Info("message delivered", "target", point.String(), "attempts", res.Attempts, "duration", res.Duration)
		d.publish(ctx, msg, res, "")
		return d.finish(res)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("injection timed out after %s: %w", d.cfg.Timeout, err)
	}
	cause := courierr.Wrap(courierr.KindTransient, op, err)
	retryAfter := d.Backoff(msg.Attempts + 1)
	res.Error = cause.Error()

	m, merr := d.mailbox.MarkFailed(bookCtx, msg.ID, cause, retryAfter)
	switch {
	case merr != nil:
		log.Error("mark failed failed", "error", merr)
		res.Outcome = protocol.OutcomeRetrying
		res.Attempts = msg.Attempts + 1
	case m.Status == protocol.StatusPending:
		res.Outcome = protocol.OutcomeRetrying
		res.Attempts = m.Attempts
	default:
		res.Outcome = protocol.OutcomeFailed
		res.Attempts = m.Attempts
		log.Error("delivery attempts exhausted", "attempts", m.Attempts, "error", cause)
	}
	res.Duration = time.Since(started)
	d.publish(ctx, msg, res, courierr.KindTransient)
	return d.finish(res)
}

func (d *Dispatcher) publish(ctx context.Context, msg *protocol.Message, res protocol.DispatchResult, kind courierr.Kind) {
	ev := events.DeliveryEvent{
		MessageID: msg.ID,
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		Outcome:   res.Outcome,
		Attempts:  res.Attempts,
		Target:    res.Target,
		Error:     res.Error,
		ErrorKind: string(kind),
		Timestamp: time.Now(),
	}
	if err := d.publisher.PublishDelivery(context.WithoutCancel(ctx), ev); err != nil {
		d.logger.Warn("delivery event not published", "id", msg.ID, "error", err)
	}
}

func (d *Dispatcher) finish(res protocol.DispatchResult) protocol.DispatchResult {
	d.mu.Lock()
	d.counts[res.Outcome]++
	d.mu.Unlock()
	return res
}
