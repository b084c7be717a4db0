package registry

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/mtzanidakis/kypseli/internal/capability"
	"github.com/mtzanidakis/kypseli/internal/config"
	"github.com/mtzanidakis/kypseli/internal/store"
	"github.com/mtzanidakis/kypseli/internal/swarm"
	"github.com/mtzanidakis/kypseli/internal/vault"
)

func echoTool(key string) config.ToolDefinition {
	return config.ToolDefinition{
		Description: "Echoes its key",
		Command:     []string{"sh", "-c", `cat >/dev/null; printf '"%s"' "$ECHO_KEY"`},
		APIKey:      key,
		APIKeyEnv:   "ECHO_KEY",
	}
}

func newTestRegistry(t *testing.T, withVault bool) (*Registry, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	var v *vault.Vault
	if withVault {
		if v, err = vault.New("test-passphrase"); err != nil {
			t.Fatalf("vault: %v", err)
		}
	}

	tools := map[string]config.ToolDefinition{"echo": echoTool("k-123")}
	reg := New(s, v, nil, tools, config.DefaultsConfig{AITool: "echo"})
	if err := reg.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	return reg, s
}

func run(t *testing.T, reg *Registry, tool string) string {
	t.Helper()
	res, err := reg.Router().Execute(context.Background(), swarm.ExecRequest{AITool: tool, Title: "x"})
	if err != nil {
		t.Fatalf("execute %q: %v", tool, err)
	}
	return string(res.Output)
}

func TestSyncSealsKeysAndBuildsRouter(t *testing.T) {
	reg, s := newTestRegistry(t, true)
	ctx := context.Background()

	tools, err := s.ListToolConfigs(ctx)
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(tools) != len(capability.Presets)+1 {
		t.Fatalf("expected presets plus echo, got %d tools", len(tools))
	}

	tc, err := s.GetToolConfig(ctx, "echo")
	if err != nil {
		t.Fatalf("get echo: %v", err)
	}
	if !tc.HasAPIKey || bytes.Contains(tc.APIKey, []byte("k-123")) {
		t.Errorf("expected a sealed key, got %q", tc.APIKey)
	}

	if out := run(t, reg, "echo"); out != `"k-123"` {
		t.Errorf("expected the opened key, got %s", out)
	}
	if out := run(t, reg, ""); out != `"k-123"` {
		t.Errorf("expected default tool, got %s", out)
	}
}

func TestSetAndClearAPIKey(t *testing.T) {
	reg, _ := newTestRegistry(t, true)
	ctx := context.Background()

	if err := reg.SetAPIKey(ctx, "echo", "k-456"); err != nil {
		t.Fatalf("set key: %v", err)
	}
	if out := run(t, reg, "echo"); out != `"k-456"` {
		t.Errorf("expected the new key, got %s", out)
	}

	// Without a stored key the configured one is used again.
	if err := reg.ClearAPIKey(ctx, "echo"); err != nil {
		t.Fatalf("clear key: %v", err)
	}
	if out := run(t, reg, "echo"); out != `"k-123"` {
		t.Errorf("expected configured key, got %s", out)
	}

	if err := reg.SetAPIKey(ctx, "nope", "x"); !errors.Is(err, ErrUnknownTool) {
		t.Errorf("expected ErrUnknownTool, got %v", err)
	}
	if err := reg.ClearAPIKey(ctx, "nope"); !errors.Is(err, ErrUnknownTool) {
		t.Errorf("expected ErrUnknownTool, got %v", err)
	}
}

func TestNoVault(t *testing.T) {
	reg, s := newTestRegistry(t, false)
	ctx := context.Background()

	tc, _ := s.GetToolConfig(ctx, "echo")
	if tc.HasAPIKey {
		t.Error("expected nothing stored without a vault")
	}
	if out := run(t, reg, "echo"); out != `"k-123"` {
		t.Errorf("expected the configured key, got %s", out)
	}
	if err := reg.SetAPIKey(ctx, "echo", "x"); !errors.Is(err, ErrNoVault) {
		t.Errorf("expected ErrNoVault, got %v", err)
	}
}

func TestReload(t *testing.T) {
	reg, s := newTestRegistry(t, true)
	ctx := context.Background()

	tools := map[string]config.ToolDefinition{"echo2": echoTool("k-789")}
	if err := reg.Reload(ctx, tools, config.DefaultsConfig{AITool: "echo2"}); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if _, err := s.GetToolConfig(ctx, "echo"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected echo to be removed, got %v", err)
	}
	if reg.Has("echo") || !reg.Has("echo2") || !reg.Has("claude-code") {
		t.Error("unexpected tool set after reload")
	}
	if _, err := reg.Router().Execute(ctx, swarm.ExecRequest{AITool: "echo"}); !errors.Is(err, capability.ErrUnknownTool) {
		t.Errorf("expected unknown tool, got %v", err)
	}
	if out := run(t, reg, ""); out != `"k-789"` {
		t.Errorf("expected new default tool, got %s", out)
	}

	list, err := reg.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var found bool
	for _, tool := range list {
		if tool.Name == "echo2" {
			found = true
			if !tool.Default || !tool.HasAPIKey || tool.APIKeyEnv != "ECHO_KEY" {
				t.Errorf("unexpected listing: %+v", tool)
			}
		}
	}
	if !found {
		t.Error("echo2 missing from listing")
	}
}

func TestListReportsAvailability(t *testing.T) {
	reg, _ := newTestRegistry(t, false)
	ctx := context.Background()

	tools := map[string]config.ToolDefinition{
		"echo":  echoTool("k-1"),
		"ghost": {Description: "Not installed", Command: []string{"kypseli-missing-binary", "--print"}},
	}
	if err := reg.Reload(ctx, tools, config.DefaultsConfig{AITool: "echo"}); err != nil {
		t.Fatalf("reload: %v", err)
	}

	list, err := reg.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got := make(map[string]bool)
	for _, tool := range list {
		got[tool.Name] = tool.Available
	}
	if !got["echo"] {
		t.Error("expected echo to be available, sh is on PATH")
	}
	if avail, ok := got["ghost"]; !ok || avail {
		t.Errorf("expected ghost listed as unavailable, got listed=%v available=%v", ok, avail)
	}
}
