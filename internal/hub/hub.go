// Package hub ties the coordinate registry, the message queue, the
// dispatcher and the task coordinators together behind one command surface
// used by the API and the daemon.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/h1v3-io/courier/internal/coords"
	"github.com/h1v3-io/courier/internal/courierr"
	"github.com/h1v3-io/courier/internal/dispatch"
	"github.com/h1v3-io/courier/internal/queue"
	"github.com/h1v3-io/courier/internal/scheduler"
	"github.com/h1v3-io/courier/internal/tasks"
	"github.com/h1v3-io/courier/pkg/protocol"
)

// TaskSender is the sender recorded on messages created by DistributeTasks.
const TaskSender = "coordinator"

// Maintenance job names registered by ScheduleMaintenance.
const (
	JobCleanup = "expire-messages"
	JobPurge   = "purge-messages"
	JobFlush   = "flush-updates"
)

// Options wires a Hub. Coords and Queue are required; Dispatcher may be nil
// for a hub that only accepts work.
type Options struct {
	Coords     *coords.Registry
	Queue      *queue.Queue
	Dispatcher *dispatch.Dispatcher
	Logger     *slog.Logger
	Now        func() time.Time
}

// Stats is the combined health view of every component.
type Stats struct {
	Queue             queue.Stats                        `json:"queue"`
	Dispatch          map[protocol.DispatchOutcome]int64 `json:"dispatch"`
	PendingTasks      int                                `json:"pending_tasks"`
	Agents            int                                `json:"agents"`
	CoordinatesLoaded bool                               `json:"coordinates_loaded"`
	CoordinateSource  protocol.Source                    `json:"coordinate_source,omitempty"`
}

// Hub is the central command surface.
type Hub struct {
	coords      *coords.Registry
	queue       *queue.Queue
	dispatcher  *dispatch.Dispatcher
	coordinator *tasks.Coordinator
	workloads   *tasks.WorkloadManager
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a Hub and points broadcasts at the coordinate registry.
func New(opts Options) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	opts.Queue.SetAgents(opts.Coords)
	return &Hub{
		coords:      opts.Coords,
		queue:       opts.Queue,
		dispatcher:  opts.Dispatcher,
		coordinator: tasks.NewCoordinator(logger),
		workloads:   tasks.NewWorkloadManager(logger),
		logger:      logger.With("component", "hub"),
		now:         now,
	}
}

// Start runs the dispatcher until ctx is cancelled. It refuses to start
// when no coordinate snapshot has been loaded.
func (h *Hub) Start(ctx context.Context) error {
	const op = "hub: start"
	if !h.coords.Ready() {
		return courierr.New(courierr.KindConfiguration, op, "coordinates not loaded")
	}
	if h.dispatcher == nil {
		return courierr.New(courierr.KindConfiguration, op, "no dispatcher configured")
	}
	h.logger.Info("hub started", "agents", len(h.coords.AgentIDs()))
	return h.dispatcher.Run(ctx)
}

// Send enqueues one message and wakes the dispatcher. The recipient must be
// registered: the dispatcher only visits registered agents, so a message for
// anyone else would sit pending until it expired.
func (h *Hub) Send(ctx context.Context, sender, recipient, content string, priority protocol.Priority) (string, error) {
	if recipient != "" {
		if _, ok := h.coords.Agent(recipient); !ok {
			h.logger.Warn("message for unregistered agent refused", "agent", recipient, "sender", sender)
			return "", courierr.New(courierr.KindNotFound, "hub: send", "agent %q is not registered", recipient)
		}
	}
	id, err := h.queue.Enqueue(ctx, &protocol.Message{
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		Priority:  priority,
	})
	if err != nil {
		return "", err
	}
	h.notify()
	return id, nil
}

// Broadcast enqueues content for every registered agent.
func (h *Hub) Broadcast(ctx context.Context, sender, content string, priority protocol.Priority) ([]queue.BroadcastReceipt, error) {
	receipts, err := h.queue.EnqueueBroadcast(ctx, content, sender, priority)
	if err != nil {
		return receipts, err
	}
	h.notify()
	return receipts, nil
}

// GetStatus returns the current record of message id.
func (h *Hub) GetStatus(ctx context.Context, id string) (*protocol.Message, error) {
	return h.queue.Get(ctx, id)
}

// ListMessages returns messages matching filter.
func (h *Hub) ListMessages(ctx context.Context, filter queue.Filter) ([]*protocol.Message, error) {
	return h.queue.List(ctx, filter)
}

// RequeueMessage puts a failed message back in its recipient's mailbox.
func (h *Hub) RequeueMessage(ctx context.Context, id string) (*protocol.Message, error) {
	msg, err := h.queue.Requeue(ctx, id)
	if err != nil {
		return nil, err
	}
	h.notify()
	return msg, nil
}

// RegisterAgent makes id known to the registry, the task coordinator and
// the workload manager. created is false when id was already registered.
func (h *Hub) RegisterAgent(id string) (protocol.Agent, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return protocol.Agent{}, false, courierr.New(courierr.KindValidation, "hub: register agent", "agent id is required")
	}
	agent, created := h.coords.RegisterAgent(id)
	h.coordinator.RegisterAgent(id)
	h.workloads.RegisterAgent(id)
	if created && agent.Coordinates == nil {
		h.logger.Warn("agent has no coordinates", "agent", id)
	}
	return agent, created, nil
}

// RegisterFromSnapshot registers every agent named in the current
// coordinate snapshot and returns how many were new.
func (h *Hub) RegisterFromSnapshot() int {
	snap := h.coords.Snapshot()
	if snap == nil {
		return 0
	}
	ids := make([]string, 0, len(snap.Agents))
	for id := range snap.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	n := 0
	for _, id := range ids {
		if _, created, err := h.RegisterAgent(id); err == nil && created {
			n++
		}
	}
	return n
}

// Agent returns one registered agent.
func (h *Hub) Agent(id string) (protocol.Agent, bool) {
	return h.coords.Agent(id)
}

// Agents returns every registered agent.
func (h *Hub) Agents() []protocol.Agent {
	return h.coords.Agents()
}

// CoordinateStatus reports which registered agents have coordinates.
func (h *Hub) CoordinateStatus() map[string]protocol.CoordinateStatus {
	return h.coords.CoordinateStatus()
}

// SubmitTask adds a task to the coordinator's pending queue.
func (h *Hub) SubmitTask(task protocol.Task) (protocol.Task, error) {
	if strings.TrimSpace(task.Description) == "" {
		return protocol.Task{}, courierr.New(courierr.KindValidation, "hub: submit task", "description is required")
	}
	return h.coordinator.Submit(task), nil
}

// DistributeTasks hands pending tasks out round-robin. Each assignment is
// added to the agent's workload and announced with a normal-priority
// message. Enqueue failures are joined into the returned error; the
// assignments themselves stand.
func (h *Hub) DistributeTasks(ctx context.Context) (map[string][]protocol.Task, error) {
	assignments := h.coordinator.Distribute()

	agents := make([]string, 0, len(assignments))
	for id := range assignments {
		agents = append(agents, id)
	}
	sort.Strings(agents)

	var errs []error
	for _, agentID := range agents {
		for _, task := range assignments[agentID] {
			h.workloads.Assign(agentID, task)
			_, err := h.queue.Enqueue(ctx, &protocol.Message{
				Sender:    TaskSender,
				Recipient: agentID,
				Content:   TaskMessage(task),
				Priority:  protocol.PriorityNormal,
			})
			if err != nil {
				errs = append(errs, fmt.Errorf("task %s for %s: %w", task.ID, agentID, err))
			}
		}
	}
	h.notify()
	if len(errs) > 0 {
		h.logger.Error("task notifications failed", "failed", len(errs))
	}
	return assignments, errors.Join(errs...)
}

// TaskMessage is the text typed into an agent window for an assigned task.
func TaskMessage(task protocol.Task) string {
	return fmt.Sprintf("[task %s] %s", task.ID, task.Description)
}

// GetNextTask pops the head of agentID's workload.
func (h *Hub) GetNextTask(agentID string) (protocol.Task, bool) {
	return h.workloads.Next(agentID)
}

// BalanceWorkloads redistributes all assigned tasks evenly.
func (h *Hub) BalanceWorkloads() map[string][]protocol.Task {
	return h.workloads.Balance()
}

// Workloads returns a snapshot of every agent's workload.
func (h *Hub) Workloads() map[string][]protocol.Task {
	return h.workloads.Workloads()
}

// Stats combines queue counts, dispatch outcomes and coordinator state.
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	qs, err := h.queue.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		Queue:             qs,
		Dispatch:          map[protocol.DispatchOutcome]int64{},
		PendingTasks:      h.coordinator.Pending(),
		Agents:            len(h.coords.AgentIDs()),
		CoordinatesLoaded: h.coords.Ready(),
	}
	if snap := h.coords.Snapshot(); snap != nil {
		st.CoordinateSource = snap.Source
	}
	if h.dispatcher != nil {
		st.Dispatch = h.dispatcher.Counts()
	}
	return st, nil
}

// Recover returns messages left in processing by a crash to pending.
func (h *Hub) Recover(ctx context.Context) (int, error) {
	return h.queue.RecoverInFlight(ctx)
}

// ScheduleMaintenance registers the expiry sweep, the purge of old expired
// rows (skipped when purgeAfter is zero) and the retry of unflushed status
// updates.
func (h *Hub) ScheduleMaintenance(s *scheduler.Scheduler, cleanupSchedule string, purgeAfter time.Duration) error {
	err := s.AddJob(JobCleanup, cleanupSchedule, func(ctx context.Context) error {
		_, err := h.queue.CleanupExpired(ctx)
		return err
	})
	if err != nil {
		return err
	}

	if purgeAfter > 0 {
		err = s.AddJob(JobPurge, "@every 1h", func(ctx context.Context) error {
			_, err := h.queue.PurgeExpired(ctx, h.now().Add(-purgeAfter))
			return err
		})
		if err != nil {
			return err
		}
	}

	return s.AddJob(JobFlush, "@every 30s", func(ctx context.Context) error {
		if left := h.queue.FlushPending(ctx); left > 0 {
			return courierr.New(courierr.KindPersistence, "hub: flush", "%d status updates still unflushed", left)
		}
		return nil
	})
}

func (h *Hub) notify() {
	if h.dispatcher != nil {
		h.dispatcher.Notify()
	}
}
