package tasks

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/h1v3-io/courier/pkg/protocol"
)

func TestAssign_AutoRegisters(t *testing.T) {
	w := NewWorkloadManager(nil)
	w.Assign("A", protocol.Task{ID: "t1"})
	if got := w.Agents(); len(got) != 1 || got[0] != "A" {
		t.Fatalf("agents = %v", got)
	}
	wl := w.Workloads()
	if len(wl["A"]) != 1 || wl["A"][0].AssignedTo != "A" {
		t.Errorf("workloads = %+v", wl)
	}
}

func TestBalance_EvensOutSkewedWorkloads(t *testing.T) {
	w := NewWorkloadManager(nil)
	for i := 0; i < 9; i++ {
		w.Assign("A", protocol.Task{ID: fmt.Sprintf("a%d", i)})
	}
	w.Assign("B", protocol.Task{ID: "b0"})
	w.RegisterAgent("C")

	got := w.Balance()
	min, max, sum := spread(got)
	if sum != 10 || max-min > 1 {
		t.Fatalf("balance = %v", counts(got))
	}

	seen := make(map[string]bool)
	for id, ts := range got {
		for _, task := range ts {
			if task.AssignedTo != id {
				t.Errorf("task %s in %s but assigned to %s", task.ID, id, task.AssignedTo)
			}
			seen[task.ID] = true
		}
	}
	if len(seen) != 10 {
		t.Errorf("distinct tasks = %d", len(seen))
	}
}

func TestBalance_PropertyRandomWorkloads(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		w := NewWorkloadManager(nil)
		agents := 1 + rng.Intn(8)
		total := 0
		for a := 0; a < agents; a++ {
			id := fmt.Sprintf("agent-%d", a)
			w.RegisterAgent(id)
			for n := rng.Intn(12); n > 0; n-- {
				w.Assign(id, protocol.Task{ID: fmt.Sprintf("%d-%d", a, n)})
				total++
			}
		}

		got := w.Balance()
		min, max, sum := spread(got)
		if sum != total {
			t.Fatalf("round %d: %d tasks became %d", round, total, sum)
		}
		if max-min > 1 {
			t.Fatalf("round %d: spread %d..%d", round, min, max)
		}
		if len(got) != agents {
			t.Fatalf("round %d: %d agents in result, want %d", round, len(got), agents)
		}
	}
}

func TestBalance_NoAgents(t *testing.T) {
	w := NewWorkloadManager(nil)
	if got := w.Balance(); len(got) != 0 {
		t.Errorf("got %v", got)
	}
}

func TestWorkloads_IsReadOnlySnapshot(t *testing.T) {
	w := NewWorkloadManager(nil)
	w.Assign("A", protocol.Task{ID: "t1", Payload: []byte(`"x"`)})

	snap := w.Workloads()
	snap["A"][0].ID = "mutated"
	snap["A"][0].Payload[1] = 'y'
	snap["A"] = append(snap["A"], protocol.Task{ID: "extra"})
	delete(snap, "A")

	again := w.Workloads()
	if len(again["A"]) != 1 || again["A"][0].ID != "t1" || string(again["A"][0].Payload) != `"x"` {
		t.Errorf("snapshot mutation leaked: %+v", again)
	}
}

func TestNext_PopsInAssignmentOrder(t *testing.T) {
	w := NewWorkloadManager(nil)
	w.Assign("A", protocol.Task{ID: "first"})
	w.Assign("A", protocol.Task{ID: "second"})

	for _, want := range []string{"first", "second"} {
		task, ok := w.Next("A")
		if !ok || task.ID != want {
			t.Fatalf("next = %+v %v, want %s", task, ok, want)
		}
	}
	if _, ok := w.Next("A"); ok {
		t.Error("expected empty workload")
	}
	if _, ok := w.Next("unknown"); ok {
		t.Error("unknown agent should have no work")
	}
}
