// Package coords owns agent registration records and their screen
// coordinates: layered loading, validation, atomic persistence, and reload.
package coords

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/h1v3-io/courier/internal/courierr"
	"github.com/h1v3-io/courier/pkg/protocol"
)

// loadOrder is the fixed source priority. The first source that parses wins.
var loadOrder = []protocol.Source{
	protocol.SourcePrimary,
	protocol.SourceBackup,
	protocol.SourceEnvironment,
}

// Options configures a Registry.
type Options struct {
	PrimaryPath string
	BackupPath  string
	EnvPrefix   string
	EnvCount    int
	Bounds      protocol.Bounds
	// LookupEnv overrides os.LookupEnv for the environment source.
	LookupEnv func(string) (string, bool)
	Logger    *slog.Logger
}

// Registry holds the current coordinate snapshot and the set of registered
// agents. Agent records are created once; coordinates come from whichever
// snapshot is current, so reloads never require re-registration.
type Registry struct {
	validator   Validator
	loaders     map[protocol.Source]Loader
	primaryPath string
	backupPath  string
	logger      *slog.Logger

	snapshot atomic.Pointer[protocol.CoordinateConfig]

	mu     sync.RWMutex
	agents map[string]time.Time // agent id -> registered_at
	order  []string
}

// New creates a Registry. Sources with no path (or zero env count) are
// skipped during Load.
func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bounds := opts.Bounds
	if bounds == (protocol.Bounds{}) {
		bounds = DefaultBounds()
	}

	loaders := make(map[protocol.Source]Loader)
	if opts.PrimaryPath != "" {
		loaders[protocol.SourcePrimary] = FileLoader{Path: opts.PrimaryPath, Source: protocol.SourcePrimary}
	}
	if opts.BackupPath != "" {
		loaders[protocol.SourceBackup] = FileLoader{Path: opts.BackupPath, Source: protocol.SourceBackup}
	}
	if opts.EnvCount > 0 {
		loaders[protocol.SourceEnvironment] = EnvLoader{Prefix: opts.EnvPrefix, Count: opts.EnvCount, Lookup: opts.LookupEnv}
	}

	return &Registry{
		validator:   NewValidator(bounds),
		loaders:     loaders,
		primaryPath: opts.PrimaryPath,
		backupPath:  opts.BackupPath,
		logger:      logger,
		agents:      make(map[string]time.Time),
	}
}

// Validator returns the bounds checker used by this registry.
func (r *Registry) Validator() Validator {
	return r.validator
}

// Load tries each source in priority order and installs the first snapshot
// that parses. On total failure the previous snapshot (if any) is kept and
// Success is false.
func (r *Registry) Load(ctx context.Context) protocol.LoadResult {
	var failures []string
	for _, src := range loadOrder {
		loader, ok := r.loaders[src]
		if !ok {
			continue
		}
		cfg, err := loader.Load(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return protocol.LoadResult{Error: ctx.Err().Error()}
			}
			if errors.Is(err, errSourceMissing) {
				r.logger.Debug("coordinate source not present", "source", src, "error", err)
			} else {
				r.logger.Warn("coordinate source unusable", "source", src, "error", err)
			}
			failures = append(failures, fmt.Sprintf("%s: %v", src, err))
			continue
		}

		r.snapshot.Store(cfg)
		r.logger.Info("coordinates loaded", "source", src, "agents", len(cfg.Agents), "version", cfg.Version)
		if v := r.ValidateAll(cfg); !v.Valid || len(v.Warnings) > 0 {
			r.logger.Warn("coordinate snapshot has problems", "errors", v.Errors, "warnings", v.Warnings)
		}
		return protocol.LoadResult{Success: true, Config: cfg, Source: src}
	}

	msg := "no coordinate source configured"
	if len(failures) > 0 {
		msg = "no coordinate source could be loaded: " + strings.Join(failures, "; ")
	}
	r.logger.Error("coordinate load failed", "error", msg)
	return protocol.LoadResult{Error: msg}
}

// Reload re-runs Load. A failed reload leaves the current snapshot in place.
func (r *Registry) Reload(ctx context.Context) protocol.LoadResult {
	return r.Load(ctx)
}

// Ready reports whether a snapshot has been loaded.
func (r *Registry) Ready() bool {
	return r.snapshot.Load() != nil
}

// Snapshot returns the current snapshot, or nil before the first load.
// Callers must not modify it.
func (r *Registry) Snapshot() *protocol.CoordinateConfig {
	return r.snapshot.Load()
}

// Save writes cfg to path (the primary path when empty) via a temp file
// and rename, so readers see either the old or the new file.
func (r *Registry) Save(ctx context.Context, cfg *protocol.CoordinateConfig, path string) error {
	const op = "coords: save"
	if err := ctx.Err(); err != nil {
		return err
	}
	if cfg == nil {
		return courierr.New(courierr.KindConfiguration, op, "nil config")
	}
	if path == "" {
		path = r.primaryPath
	}
	if path == "" {
		return courierr.New(courierr.KindConfiguration, op, "no path given and no primary path configured")
	}

	data, err := encodeDocument(cfg, time.Now())
	if err != nil {
		return courierr.Wrap(courierr.KindInternal, op, err)
	}
	if err := WriteFileAtomic(path, data); err != nil {
		return courierr.Wrap(courierr.KindPersistence, op, err)
	}
	r.logger.Info("coordinates saved", "path", path, "agents", len(cfg.Agents))
	return nil
}

// WriteFileAtomic writes data to path through a synced temp file in the same
// directory and a rename. Readers never see a partial file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// ValidateAll checks every agent's points. Out-of-bounds points are errors;
// unrecognized monitor labels and missing descriptions are warnings.
func (r *Registry) ValidateAll(cfg *protocol.CoordinateConfig) protocol.AggregateValidation {
	res := protocol.AggregateValidation{Valid: true, Errors: []string{}, Warnings: []string{}}
	if cfg == nil || len(cfg.Agents) == 0 {
		res.Valid = false
		res.Errors = append(res.Errors, "no agents configured")
		return res
	}

	ids := make([]string, 0, len(cfg.Agents))
	for id := range cfg.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		ac := cfg.Agents[id]
		if v := r.validator.Validate(ac.Primary, id); !v.Valid {
			res.Errors = append(res.Errors, v.Error)
		}
		if ac.Secondary != nil {
			if v := r.validator.Validate(*ac.Secondary, id); !v.Valid {
				res.Errors = append(res.Errors, "secondary "+v.Error)
			}
		}
		if _, known := protocol.ParseMonitor(ac.Label); !known {
			if ac.Label == "" {
				res.Warnings = append(res.Warnings, fmt.Sprintf("agent %q: no monitor declared", id))
			} else {
				res.Warnings = append(res.Warnings, fmt.Sprintf("agent %q: unrecognized monitor %q", id, ac.Label))
			}
		}
		if ac.Description == "" {
			res.Warnings = append(res.Warnings, fmt.Sprintf("agent %q: no description", id))
		}
	}
	res.Valid = len(res.Errors) == 0
	return res
}

// Resolve returns the delivery point for agentID along with its validation.
// A missing snapshot or missing entry is a configuration error; an
// out-of-bounds point is reported through the ValidationResult only.
func (r *Registry) Resolve(agentID string) (protocol.Point, protocol.ValidationResult, error) {
	const op = "coords: resolve"
	snap := r.snapshot.Load()
	if snap == nil {
		return protocol.Point{}, protocol.ValidationResult{}, courierr.New(courierr.KindConfiguration, op, "coordinates not loaded")
	}
	ac, ok := snap.Lookup(agentID)
	if !ok {
		return protocol.Point{}, protocol.ValidationResult{}, courierr.New(courierr.KindConfiguration, op, "no coordinates for agent %q", agentID)
	}
	return ac.Primary, r.validator.Validate(ac.Primary, agentID), nil
}

// RegisterAgent records agentID. Registering a known id changes nothing and
// returns created=false.
func (r *Registry) RegisterAgent(agentID string) (protocol.Agent, bool) {
	r.mu.Lock()
	registeredAt, exists := r.agents[agentID]
	if !exists {
		registeredAt = time.Now()
		r.agents[agentID] = registeredAt
		r.order = append(r.order, agentID)
	}
	r.mu.Unlock()

	if !exists {
		r.logger.Info("agent registered", "agent", agentID)
	}
	return r.agentView(agentID, registeredAt), !exists
}

// DeregisterAgent removes agentID. It reports whether the agent was known.
func (r *Registry) DeregisterAgent(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[agentID]; !ok {
		return false
	}
	delete(r.agents, agentID)
	for i, id := range r.order {
		if id == agentID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.logger.Info("agent deregistered", "agent", agentID)
	return true
}

// Agent returns the registered agent with its current coordinates.
func (r *Registry) Agent(agentID string) (protocol.Agent, bool) {
	r.mu.RLock()
	registeredAt, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return protocol.Agent{}, false
	}
	return r.agentView(agentID, registeredAt), true
}

// Agents returns all registered agents in registration order.
func (r *Registry) Agents() []protocol.Agent {
	r.mu.RLock()
	ids := append([]string(nil), r.order...)
	times := make([]time.Time, len(ids))
	for i, id := range ids {
		times[i] = r.agents[id]
	}
	r.mu.RUnlock()

	out := make([]protocol.Agent, len(ids))
	for i, id := range ids {
		out[i] = r.agentView(id, times[i])
	}
	return out
}

// AgentIDs returns registered ids in registration order.
func (r *Registry) AgentIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// CoordinateStatus reports, for every registered agent, whether the current
// snapshot has coordinates for it.
func (r *Registry) CoordinateStatus() map[string]protocol.CoordinateStatus {
	agents := r.Agents()
	out := make(map[string]protocol.CoordinateStatus, len(agents))
	for _, a := range agents {
		out[a.ID] = protocol.CoordinateStatus{
			HasCoordinates: a.Coordinates != nil,
			Coordinates:    a.Coordinates,
		}
	}
	return out
}

func (r *Registry) agentView(agentID string, registeredAt time.Time) protocol.Agent {
	a := protocol.Agent{ID: agentID, RegisteredAt: registeredAt}
	if ac, ok := r.snapshot.Load().Lookup(agentID); ok {
		a.Coordinates = &ac
	}
	return a
}
