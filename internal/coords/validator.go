package coords

import (
	"fmt"

	"github.com/h1v3-io/courier/pkg/protocol"
)

// DefaultBounds covers an extended desktop with monitors to the left of
// and above the primary display.
func DefaultBounds() protocol.Bounds {
	return protocol.Bounds{
		Min: protocol.Point{X: -3000, Y: -1000},
		Max: protocol.Point{X: 5000, Y: 3000},
	}
}

// Validator checks points against a bounds rectangle. It has no state
// beyond the rectangle and performs no I/O.
type Validator struct {
	bounds protocol.Bounds
}

// NewValidator returns a Validator for b.
func NewValidator(b protocol.Bounds) Validator {
	return Validator{bounds: b}
}

// Bounds returns the rectangle this validator checks against.
func (v Validator) Bounds() protocol.Bounds {
	return v.bounds
}

// Validate reports whether p lies inside the bounds (edges inclusive).
// An out-of-range point yields Valid=false with a message naming the agent;
// it is never a Go error.
func (v Validator) Validate(p protocol.Point, agentID string) protocol.ValidationResult {
	res := protocol.ValidationResult{Valid: true, BoundsChecked: v.bounds}

	var problems []string
	if p.X < v.bounds.Min.X || p.X > v.bounds.Max.X {
		problems = append(problems, fmt.Sprintf("x=%d outside [%d, %d]", p.X, v.bounds.Min.X, v.bounds.Max.X))
	}
	if p.Y < v.bounds.Min.Y || p.Y > v.bounds.Max.Y {
		problems = append(problems, fmt.Sprintf("y=%d outside [%d, %d]", p.Y, v.bounds.Min.Y, v.bounds.Max.Y))
	}
	if len(problems) == 0 {
		return res
	}

	res.Valid = false
	if len(problems) == 1 {
		res.Error = fmt.Sprintf("coordinates %s for %s out of bounds: %s", p, agentLabel(agentID), problems[0])
	} else {
		res.Error = fmt.Sprintf("coordinates %s for %s out of bounds: %s; %s", p, agentLabel(agentID), problems[0], problems[1])
	}
	return res
}

func agentLabel(id string) string {
	if id == "" {
		return "unnamed agent"
	}
	return fmt.Sprintf("agent %q", id)
}
