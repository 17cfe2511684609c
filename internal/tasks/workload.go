package tasks

import (
	"log/slog"
	"sync"

	"github.com/h1v3-io/courier/pkg/protocol"
)

// WorkloadManager tracks the tasks assigned to each agent.
type WorkloadManager struct {
	mu     sync.Mutex
	order  []string
	queues map[string][]protocol.Task
	logger *slog.Logger
}

// NewWorkloadManager creates an empty manager.
func NewWorkloadManager(logger *slog.Logger) *WorkloadManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkloadManager{
		queues: make(map[string][]protocol.Task),
		logger: logger.With("component", "workload"),
	}
}

// RegisterAgent makes agentID known with an empty workload. It reports
// whether the agent was new.
func (w *WorkloadManager) RegisterAgent(agentID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.registerLocked(agentID)
}

func (w *WorkloadManager) registerLocked(agentID string) bool {
	if _, ok := w.queues[agentID]; ok {
		return false
	}
	w.queues[agentID] = nil
	w.order = append(w.order, agentID)
	return true
}

// Assign appends task to agentID's workload, registering the agent if
// unseen.
func (w *WorkloadManager) Assign(agentID string, task protocol.Task) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.registerLocked(agentID)
	task.AssignedTo = agentID
	w.queues[agentID] = append(w.queues[agentID], task)
}

// Next pops the oldest task from agentID's workload.
func (w *WorkloadManager) Next(agentID string) (protocol.Task, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	q := w.queues[agentID]
	if len(q) == 0 {
		return protocol.Task{}, false
	}
	task := q[0]
	w.queues[agentID] = q[1:]
	return task, true
}

// Balance pools every assigned task and deals them back out round-robin
// over all known agents, so workload lengths differ by at most one.
// Relative task order is not preserved.
func (w *WorkloadManager) Balance() map[string][]protocol.Task {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(w.order)
	if n == 0 {
		return map[string][]protocol.Task{}
	}

	var pool []protocol.Task
	for _, id := range w.order {
		pool = append(pool, w.queues[id]...)
	}

	fresh := make(map[string][]protocol.Task, n)
	for _, id := range w.order {
		fresh[id] = make([]protocol.Task, 0, len(pool)/n+1)
	}
	for i, t := range pool {
		id := w.order[i%n]
		t.AssignedTo = id
		fresh[id] = append(fresh[id], t)
	}
	w.queues = fresh
	w.logger.Info("workloads balanced", "tasks", len(pool), "agents", n)
	return w.snapshotLocked()
}

// Workloads returns a copy of every agent's workload.
func (w *WorkloadManager) Workloads() map[string][]protocol.Task {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

// Agents returns known agents in the order they were first seen.
func (w *WorkloadManager) Agents() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.order...)
}

func (w *WorkloadManager) snapshotLocked() map[string][]protocol.Task {
	out := make(map[string][]protocol.Task, len(w.queues))
	for id, q := range w.queues {
		cp := make([]protocol.Task, len(q))
		for i, t := range q {
			cp[i] = t
			if t.AssignedAt != nil {
				at := *t.AssignedAt
				cp[i].AssignedAt = &at
			}
			if t.Payload != nil {
				cp[i].Payload = append([]byte(nil), t.Payload...)
			}
		}
		out[id] = cp
	}
	return out
}
