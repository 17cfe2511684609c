package coords

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/h1v3-io/courier/internal/courierr"
	"github.com/h1v3-io/courier/pkg/protocol"
)

const primaryJSON = `{
	"version": "2.0",
	"last_updated": "2025-03-01T10:00:00",
	"agents": {
		"Agent-1": {"x": -1269, "y": 481, "monitor": "secondary", "description": "left column"},
		"Agent-2": {"x": 652, "y": 421, "monitor": "primary", "description": "center"},
		"Agent-3": {"x": 400, "y": 300, "monitor": "ultrawide", "description": "odd label"}
	}
}`

const backupYAML = `
version: 1.2.0
agents:
  Agent-1:
    x: 100
    y: 200
    monitor: primary
    description: from backup
`

type env map[string]string

func (e env) lookup(k string) (string, bool) {
	v, ok := e[k]
	return v, ok
}

func newTestRegistry(t *testing.T, primary, backup string, vars env) (*Registry, string, string) {
	t.Helper()
	dir := t.TempDir()
	pPath := filepath.Join(dir, "coordinates.json")
	bPath := filepath.Join(dir, "coordinates.backup.yaml")
	if primary != "" {
		if err := os.WriteFile(pPath, []byte(primary), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if backup != "" {
		if err := os.WriteFile(bPath, []byte(backup), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if vars == nil {
		vars = env{}
	}
	r := New(Options{
		PrimaryPath: pPath,
		BackupPath:  bPath,
		EnvPrefix:   "COURIER_AGENT_",
		EnvCount:    8,
		LookupEnv:   vars.lookup,
	})
	return r, pPath, bPath
}

func TestLoad_PrimaryWins(t *testing.T) {
	r, _, _ := newTestRegistry(t, primaryJSON, backupYAML, env{"COURIER_AGENT_1": `{"x":1,"y":1}`})

	res := r.Load(context.Background())
	if !res.Success {
		t.Fatalf("load failed: %s", res.Error)
	}
	if res.Source != protocol.SourcePrimary || res.Config.Source != protocol.SourcePrimary {
		t.Errorf("source = %q", res.Source)
	}
	if len(res.Config.Agents) != 3 {
		t.Errorf("agents = %d", len(res.Config.Agents))
	}
	if res.Config.Version != "2.0.0" {
		t.Errorf("version = %q", res.Config.Version)
	}
	if res.Config.LastUpdated.IsZero() {
		t.Error("last_updated not parsed")
	}
	a1 := res.Config.Agents["Agent-1"]
	if a1.Primary != (protocol.Point{X: -1269, Y: 481}) || a1.Monitor != protocol.MonitorSecondary {
		t.Errorf("Agent-1 = %+v", a1)
	}
	if !r.Ready() {
		t.Error("expected ready")
	}
}

func TestLoad_FallsBackToBackupWhenPrimaryBroken(t *testing.T) {
	r, _, _ := newTestRegistry(t, `{"agents": {`, backupYAML, nil)

	res := r.Load(context.Background())
	if !res.Success {
		t.Fatalf("load failed: %s", res.Error)
	}
	if res.Source != protocol.SourceBackup {
		t.Errorf("source = %q, want backup", res.Source)
	}
	if got := res.Config.Agents["Agent-1"].Primary; got != (protocol.Point{X: 100, Y: 200}) {
		t.Errorf("Agent-1 = %v", got)
	}
}

func TestLoad_FallsBackToEnvironment(t *testing.T) {
	r, _, _ := newTestRegistry(t, "", "", env{
		"COURIER_AGENT_1": `{"x": 10, "y": 20, "monitor": "primary"}`,
		"COURIER_AGENT_4": `{"x": -900, "y": 300}`,
	})

	res := r.Load(context.Background())
	if !res.Success {
		t.Fatalf("load failed: %s", res.Error)
	}
	if res.Source != protocol.SourceEnvironment {
		t.Errorf("source = %q", res.Source)
	}
	if len(res.Config.Agents) != 2 {
		t.Fatalf("agents = %v", res.Config.Agents)
	}
	if got := res.Config.Agents["Agent-4"].Primary; got != (protocol.Point{X: -900, Y: 300}) {
		t.Errorf("Agent-4 = %v", got)
	}
}

func TestLoad_EnvironmentNotMergedWithFile(t *testing.T) {
	r, _, _ := newTestRegistry(t, primaryJSON, "", env{"COURIER_AGENT_8": `{"x": 1, "y": 1}`})
	res := r.Load(context.Background())
	if !res.Success {
		t.Fatal(res.Error)
	}
	if _, ok := res.Config.Agents["Agent-8"]; ok {
		t.Error("environment entries must not be merged into a file snapshot")
	}
}

func TestLoad_NoSourceParses(t *testing.T) {
	r, _, _ := newTestRegistry(t, "not json at all: [", "", env{"COURIER_AGENT_1": "{broken"})

	res := r.Load(context.Background())
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error == "" {
		t.Error("expected error text")
	}
	if r.Ready() {
		t.Error("registry must not be ready")
	}
	if !strings.Contains(res.Error, "environment") {
		t.Errorf("error should mention every source: %q", res.Error)
	}
}

func TestLoad_UnsupportedVersionRejected(t *testing.T) {
	r, _, _ := newTestRegistry(t, `{"version": "3.1.0", "agents": {"a": {"x": 1, "y": 1}}}`, "", nil)
	res := r.Load(context.Background())
	if res.Success {
		t.Fatal("expected version 3.1.0 to be rejected")
	}
}

func TestLoad_MissingCoordinateIsConfigurationError(t *testing.T) {
	r, _, _ := newTestRegistry(t, `{"agents": {"a": {"x": 1}}}`, "", nil)
	res := r.Load(context.Background())
	if res.Success {
		t.Fatal("entry without y must not load")
	}
}

func TestReload_FailureKeepsSnapshot(t *testing.T) {
	r, pPath, _ := newTestRegistry(t, primaryJSON, "", nil)
	if !r.Load(context.Background()).Success {
		t.Fatal("initial load failed")
	}
	if err := os.WriteFile(pPath, []byte("{garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	if r.Reload(context.Background()).Success {
		t.Fatal("reload of garbage must fail")
	}
	if r.Snapshot() == nil || len(r.Snapshot().Agents) != 3 {
		t.Error("previous snapshot must survive a failed reload")
	}
}

func TestSave_AtomicRoundTrip(t *testing.T) {
	r, pPath, _ := newTestRegistry(t, primaryJSON, "", nil)
	res := r.Load(context.Background())
	if !res.Success {
		t.Fatal(res.Error)
	}

	sec := protocol.Point{X: 1800, Y: 900}
	next := &protocol.CoordinateConfig{
		Version: res.Config.Version,
		Agents: map[string]protocol.AgentCoordinates{
			"Agent-9": {Primary: protocol.Point{X: 5, Y: 6}, Secondary: &sec, Monitor: protocol.MonitorPrimary, Description: "new"},
		},
	}
	if err := r.Save(context.Background(), next, ""); err != nil {
		t.Fatalf("save: %v", err)
	}

	entries, _ := os.ReadDir(filepath.Dir(pPath))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}

	res = r.Reload(context.Background())
	if !res.Success {
		t.Fatalf("reload: %s", res.Error)
	}
	got := res.Config.Agents["Agent-9"]
	if got.Primary != (protocol.Point{X: 5, Y: 6}) || got.Secondary == nil || *got.Secondary != sec {
		t.Errorf("Agent-9 = %+v", got)
	}
	if got.Monitor != protocol.MonitorPrimary {
		t.Errorf("monitor = %q", got.Monitor)
	}
}

func TestSave_NoPath(t *testing.T) {
	r := New(Options{EnvCount: 1, EnvPrefix: "X_"})
	err := r.Save(context.Background(), &protocol.CoordinateConfig{}, "")
	if !errors.Is(err, courierr.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestValidateAll(t *testing.T) {
	r, _, _ := newTestRegistry(t, "", "", nil)
	cfg := &protocol.CoordinateConfig{Agents: map[string]protocol.AgentCoordinates{
		"ok":     {Primary: protocol.Point{X: 1, Y: 1}, Label: "primary", Monitor: protocol.MonitorPrimary, Description: "d"},
		"far":    {Primary: protocol.Point{X: -5000, Y: 100}, Label: "secondary", Monitor: protocol.MonitorSecondary, Description: "d"},
		"odd":    {Primary: protocol.Point{X: 1, Y: 1}, Label: "ultrawide", Description: "d"},
		"badsec": {Primary: protocol.Point{X: 1, Y: 1}, Secondary: &protocol.Point{X: 1, Y: 99999}, Label: "primary", Description: "d"},
	}}

	v := r.ValidateAll(cfg)
	if v.Valid {
		t.Fatal("expected invalid")
	}
	if len(v.Errors) != 2 {
		t.Errorf("errors = %v", v.Errors)
	}
	if len(v.Warnings) != 1 || !strings.Contains(v.Warnings[0], "ultrawide") {
		t.Errorf("warnings = %v", v.Warnings)
	}
}

func TestValidateAll_WarningsOnlyStillValid(t *testing.T) {
	r, _, _ := newTestRegistry(t, "", "", nil)
	cfg := &protocol.CoordinateConfig{Agents: map[string]protocol.AgentCoordinates{
		"a": {Primary: protocol.Point{X: 1, Y: 1}, Label: "tv"},
	}}
	v := r.ValidateAll(cfg)
	if !v.Valid {
		t.Errorf("warnings must not invalidate: %v", v.Errors)
	}
	if len(v.Warnings) != 2 {
		t.Errorf("warnings = %v", v.Warnings)
	}
}

func TestResolve(t *testing.T) {
	r, _, _ := newTestRegistry(t, primaryJSON, "", nil)

	if _, _, err := r.Resolve("Agent-1"); !errors.Is(err, courierr.ErrConfiguration) {
		t.Errorf("resolve before load: %v", err)
	}

	r.Load(context.Background())
	p, v, err := r.Resolve("Agent-2")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p != (protocol.Point{X: 652, Y: 421}) || !v.Valid {
		t.Errorf("got %v %+v", p, v)
	}

	if _, _, err := r.Resolve("Agent-404"); !errors.Is(err, courierr.ErrConfiguration) {
		t.Errorf("unknown agent: %v", err)
	}
}

func TestRegisterAgent_Idempotent(t *testing.T) {
	r, _, _ := newTestRegistry(t, primaryJSON, "", nil)
	r.Load(context.Background())

	first, created := r.RegisterAgent("Agent-2")
	if !created {
		t.Fatal("first registration must create")
	}
	time.Sleep(2 * time.Millisecond)
	second, created := r.RegisterAgent("Agent-2")
	if created {
		t.Error("second registration must not create")
	}
	if !second.RegisteredAt.Equal(first.RegisteredAt) {
		t.Error("registered_at changed on re-registration")
	}
	if *second.Coordinates != *first.Coordinates {
		t.Error("coordinates changed on re-registration")
	}
	if n := len(r.Agents()); n != 1 {
		t.Errorf("agents = %d, want 1", n)
	}
}

func TestCoordinateStatus(t *testing.T) {
	r, _, _ := newTestRegistry(t, primaryJSON, "", nil)
	r.Load(context.Background())
	r.RegisterAgent("Agent-1")
	r.RegisterAgent("Agent-7")

	st := r.CoordinateStatus()
	if len(st) != 2 {
		t.Fatalf("status = %v", st)
	}
	if !st["Agent-1"].HasCoordinates || st["Agent-1"].Coordinates.Primary.X != -1269 {
		t.Errorf("Agent-1 = %+v", st["Agent-1"])
	}
	if st["Agent-7"].HasCoordinates {
		t.Error("Agent-7 has no coordinates")
	}
}

func TestDeregisterAgent(t *testing.T) {
	r := New(Options{})
	r.RegisterAgent("a")
	r.RegisterAgent("b")
	if !r.DeregisterAgent("a") {
		t.Fatal("expected a to be known")
	}
	if r.DeregisterAgent("a") {
		t.Error("second deregister must report unknown")
	}
	if ids := r.AgentIDs(); len(ids) != 1 || ids[0] != "b" {
		t.Errorf("ids = %v", ids)
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	r, pPath, _ := newTestRegistry(t, primaryJSON, "", nil)
	if !r.Load(context.Background()).Success {
		t.Fatal("load failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan bool, 4)
	go r.Watch(ctx, func(ok bool) { reloaded <- ok })

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	updated := `{"version": "2.0.0", "agents": {"Agent-5": {"x": 1, "y": 2, "monitor": "primary", "description": "x"}}}`
	if err := os.WriteFile(pPath, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case ok := <-reloaded:
		if !ok {
			t.Fatal("reload failed")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
	if _, ok := r.Snapshot().Lookup("Agent-5"); !ok {
		t.Error("snapshot not replaced after file change")
	}
}
