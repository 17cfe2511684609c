// Package tasks distributes work items across registered agents and keeps
// per-agent workloads balanced.
package tasks

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/h1v3-io/courier/pkg/protocol"
)

// Coordinator accepts tasks into a FIFO queue and hands them out
// round-robin. Tasks have no priority.
type Coordinator struct {
	mu     sync.Mutex
	agents []string
	known  map[string]bool
	queue  []protocol.Task
	next   int // index into agents of the next agent to receive a task
	logger *slog.Logger
	now    func() time.Time
}

// NewCoordinator creates an empty Coordinator.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		known:  make(map[string]bool),
		logger: logger.With("component", "coordinator"),
		now:    time.Now,
	}
}

// RegisterAgent adds id to the rotation. Registering a known id is a no-op;
// the return value reports whether the agent was new.
func (c *Coordinator) RegisterAgent(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.known[id] {
		return false
	}
	c.known[id] = true
	c.agents = append(c.agents, id)
	c.logger.Debug("agent joined rotation", "agent", id, "agents", len(c.agents))
	return true
}

// Agents returns registered agents in registration order.
func (c *Coordinator) Agents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.agents...)
}

// Submit appends task to the queue, assigning an id and creation time when
// missing, and returns the stored task.
func (c *Coordinator) Submit(task protocol.Task) protocol.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = c.now()
	}
	task.AssignedTo = ""
	task.AssignedAt = nil
	c.queue = append(c.queue, task)
	return task
}

// Pending returns the number of undistributed tasks.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Distribute drains the queue round-robin, starting with the agent after
// the one that received the last task of the previous call. Every
// registered agent appears in the result, possibly with no tasks. With no
// agents the queue is left untouched and the result is empty.
func (c *Coordinator) Distribute() map[string][]protocol.Task {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string][]protocol.Task, len(c.agents))
	n := len(c.agents)
	if n == 0 {
		if len(c.queue) > 0 {
			c.logger.Warn("no agents registered, tasks held", "pending", len(c.queue))
		}
		return out
	}
	for _, a := range c.agents {
		out[a] = []protocol.Task{}
	}

	start := c.next % n
	now := c.now()
	for i, t := range c.queue {
		agent := c.agents[(start+i)%n]
		at := now
		t.AssignedTo = agent
		t.AssignedAt = &at
		out[agent] = append(out[agent], t)
	}
	if len(c.queue) > 0 {
		c.next = (start + len(c.queue)) % n
		c.logger.Info("tasks distributed", "tasks", len(c.queue), "agents", n)
	}
	c.queue = nil
	return out
}
