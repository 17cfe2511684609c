package protocol

import (
	"fmt"
	"strings"
	"time"
)

// Point is a screen position on the extended desktop. Negative values are
// legal: secondary monitors placed left of or above the primary have
// negative offsets.
type Point struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
}

func (p Point) String() string {
	return fmt.Sprintf("(%d,%d)", p.X, p.Y)
}

// Monitor identifies which physical display an agent window lives on.
type Monitor string

const (
	MonitorPrimary   Monitor = "primary"
	MonitorSecondary Monitor = "secondary"
	MonitorUnknown   Monitor = "unknown"
)

// ParseMonitor maps a free-form label to a Monitor. The second return value
// reports whether the label was recognized.
func ParseMonitor(label string) (Monitor, bool) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "primary", "main":
		return MonitorPrimary, true
	case "secondary", "second":
		return MonitorSecondary, true
	default:
		return MonitorUnknown, false
	}
}

// AgentCoordinates are the screen targets for one agent window.
type AgentCoordinates struct {
	Primary     Point   `json:"primary"`
	Secondary   *Point  `json:"secondary,omitempty"`
	Monitor     Monitor `json:"monitor"`
	Label       string  `json:"label,omitempty"` // monitor label as written in the source
	Description string  `json:"description,omitempty"`
}

// Agent is a registered recipient bound to a window on the desktop.
type Agent struct {
	ID           string            `json:"id"`
	Coordinates  *AgentCoordinates `json:"coordinates,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
}

// Monitor returns the agent's monitor, or MonitorUnknown when it has no
// coordinates.
func (a Agent) Monitor() Monitor {
	if a.Coordinates == nil {
		return MonitorUnknown
	}
	return a.Coordinates.Monitor
}

// CoordinateStatus is the per-agent health view exposed to dashboards.
type CoordinateStatus struct {
	HasCoordinates bool              `json:"has_coordinates"`
	Coordinates    *AgentCoordinates `json:"coordinates,omitempty"`
}
