package protocol

import "time"

// Source names where a coordinate snapshot was loaded from.
type Source string

const (
	SourcePrimary     Source = "primary"
	SourceBackup      Source = "backup"
	SourceEnvironment Source = "environment"
)

// CoordinateConfig is an immutable snapshot of all agent coordinates.
// Reloads replace the whole snapshot; nothing mutates one in place.
type CoordinateConfig struct {
	Version     string                      `json:"version"`
	LastUpdated time.Time                   `json:"last_updated"`
	Source      Source                      `json:"source"`
	Agents      map[string]AgentCoordinates `json:"agents"`
}

// Lookup returns the coordinates for agentID.
func (c *CoordinateConfig) Lookup(agentID string) (AgentCoordinates, bool) {
	if c == nil {
		return AgentCoordinates{}, false
	}
	ac, ok := c.Agents[agentID]
	return ac, ok
}

// Bounds is the accepted coordinate rectangle, inclusive on all edges.
type Bounds struct {
	Min Point `json:"min"`
	Max Point `json:"max"`
}

// ValidationResult is the outcome of checking one point against Bounds.
type ValidationResult struct {
	Valid         bool   `json:"is_valid"`
	Error         string `json:"error,omitempty"`
	BoundsChecked Bounds `json:"bounds_checked"`
}

// AggregateValidation collects results for a whole CoordinateConfig.
type AggregateValidation struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// LoadResult reports the outcome of a layered coordinate load.
type LoadResult struct {
	Success bool              `json:"success"`
	Config  *CoordinateConfig `json:"config,omitempty"`
	Source  Source            `json:"source,omitempty"`
	Error   string            `json:"error,omitempty"`
}
