package coords

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/h1v3-io/courier/pkg/protocol"
)

// SupportedVersions is the semver constraint a coordinate file's version
// must satisfy.
const SupportedVersions = ">=1.0.0, <3.0.0"

// defaultVersion is assumed for files that omit "version".
const defaultVersion = "1.0.0"

var supported = mustConstraint(SupportedVersions)

func mustConstraint(c string) *semver.Constraints {
	cs, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return cs
}

// errSourceMissing marks a source that is absent rather than broken, so the
// load log can tell the two apart.
var errSourceMissing = errors.New("source not present")

// Loader produces a coordinate snapshot from one kind of source.
type Loader interface {
	Load(ctx context.Context) (*protocol.CoordinateConfig, error)
}

// fileDocument is the on-disk layout shared by the primary and backup files.
type fileDocument struct {
	Version     string               `json:"version" yaml:"version"`
	LastUpdated string               `json:"last_updated" yaml:"last_updated"`
	Agents      map[string]fileEntry `json:"agents" yaml:"agents"`
}

type fileEntry struct {
	X           *int            `json:"x" yaml:"x"`
	Y           *int            `json:"y" yaml:"y"`
	Monitor     string          `json:"monitor,omitempty" yaml:"monitor,omitempty"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Secondary   *protocol.Point `json:"secondary,omitempty" yaml:"secondary,omitempty"`
}

func (e fileEntry) toCoordinates(agentID string) (protocol.AgentCoordinates, error) {
	if e.X == nil || e.Y == nil {
		return protocol.AgentCoordinates{}, fmt.Errorf("agent %q: x and y are required", agentID)
	}
	mon, _ := protocol.ParseMonitor(e.Monitor)
	return protocol.AgentCoordinates{
		Primary:     protocol.Point{X: *e.X, Y: *e.Y},
		Secondary:   e.Secondary,
		Monitor:     mon,
		Label:       e.Monitor,
		Description: e.Description,
	}, nil
}

// FileLoader reads a JSON or YAML coordinate file.
type FileLoader struct {
	Path   string
	Source protocol.Source
}

func (l FileLoader) Load(ctx context.Context) (*protocol.CoordinateConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(l.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", l.Path, errSourceMissing)
		}
		return nil, fmt.Errorf("read %s: %w", l.Path, err)
	}
	cfg, err := parseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", l.Path, err)
	}
	cfg.Source = l.Source
	return cfg, nil
}

// parseDocument decodes JSON when the payload looks like a JSON object and
// YAML otherwise. JSON files with tab indentation are not valid YAML.
func parseDocument(data []byte) (*protocol.CoordinateConfig, error) {
	var doc fileDocument
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty document")
	}
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, err
		}
	} else if err := yaml.Unmarshal(trimmed, &doc); err != nil {
		return nil, err
	}

	version := doc.Version
	if version == "" {
		version = defaultVersion
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("version %q: %w", doc.Version, err)
	}
	if !supported.Check(v) {
		return nil, fmt.Errorf("version %s not supported (want %s)", v, SupportedVersions)
	}

	if len(doc.Agents) == 0 {
		return nil, errors.New("no agents defined")
	}
	agents := make(map[string]protocol.AgentCoordinates, len(doc.Agents))
	for id, e := range doc.Agents {
		if strings.TrimSpace(id) == "" {
			return nil, errors.New("agent with empty id")
		}
		ac, err := e.toCoordinates(id)
		if err != nil {
			return nil, err
		}
		agents[id] = ac
	}

	return &protocol.CoordinateConfig{
		Version:     v.String(),
		LastUpdated: parseTimestamp(doc.LastUpdated),
		Agents:      agents,
	}, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTimestamp accepts the layouts calibration tools commonly emit. An
// unparseable value yields the zero time; last_updated is informational.
func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// EnvLoader reads per-agent JSON blobs from numbered environment variables
// Prefix1..PrefixN. Variable n maps to agent "Agent-n".
type EnvLoader struct {
	Prefix string
	Count  int
	Lookup func(key string) (string, bool)
}

type envEntry struct {
	X           *int   `json:"x"`
	Y           *int   `json:"y"`
	Monitor     string `json:"monitor,omitempty"`
	Description string `json:"description,omitempty"`
}

// EnvAgentID is the agent id bound to environment variable index n.
func EnvAgentID(n int) string {
	return "Agent-" + strconv.Itoa(n)
}

func (l EnvLoader) Load(ctx context.Context) (*protocol.CoordinateConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lookup := l.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	agents := make(map[string]protocol.AgentCoordinates)
	for n := 1; n <= l.Count; n++ {
		key := l.Prefix + strconv.Itoa(n)
		raw, ok := lookup(key)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		var e envEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		fe := fileEntry{X: e.X, Y: e.Y, Monitor: e.Monitor, Description: e.Description}
		ac, err := fe.toCoordinates(EnvAgentID(n))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		agents[EnvAgentID(n)] = ac
	}
	if len(agents) == 0 {
		return nil, fmt.Errorf("%s1..%s%d: %w", l.Prefix, l.Prefix, l.Count, errSourceMissing)
	}

	return &protocol.CoordinateConfig{
		Version:     defaultVersion,
		LastUpdated: time.Now(),
		Source:      protocol.SourceEnvironment,
		Agents:      agents,
	}, nil
}

// encodeDocument renders cfg in the file layout, JSON-indented.
func encodeDocument(cfg *protocol.CoordinateConfig, now time.Time) ([]byte, error) {
	doc := fileDocument{
		Version:     cfg.Version,
		LastUpdated: now.UTC().Format(time.RFC3339),
		Agents:      make(map[string]fileEntry, len(cfg.Agents)),
	}
	if doc.Version == "" {
		doc.Version = defaultVersion
	}
	for id, ac := range cfg.Agents {
		x, y := ac.Primary.X, ac.Primary.Y
		label := ac.Label
		if label == "" && ac.Monitor != protocol.MonitorUnknown {
			label = string(ac.Monitor)
		}
		doc.Agents[id] = fileEntry{
			X:           &x,
			Y:           &y,
			Monitor:     label,
			Description: ac.Description,
			Secondary:   ac.Secondary,
		}
	}
	return json.MarshalIndent(doc, "", "  ")
}
