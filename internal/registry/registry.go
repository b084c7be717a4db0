package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os/exec"
	"slices"
	"strings"
	"sync"

	"github.com/mtzanidakis/kypseli/internal/capability"
	"github.com/mtzanidakis/kypseli/internal/config"
	"github.com/mtzanidakis/kypseli/internal/natsbus"
	"github.com/mtzanidakis/kypseli/internal/store"
	"github.com/mtzanidakis/kypseli/internal/swarm"
	"github.com/mtzanidakis/kypseli/internal/vault"
)

var (
	ErrUnknownTool = errors.New("unknown tool")
	ErrNoVault     = errors.New("vault passphrase not configured")
)

// Tool is the listing shape of a registered tool.
type Tool struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Mode        string   `json:"mode"`
	Command     []string `json:"command,omitempty"`
	APIKeyEnv   string   `json:"api_key_env,omitempty"`
	HasAPIKey   bool     `json:"has_api_key"`
	Default     bool     `json:"default"`
	Available   bool     `json:"available"`
}

// Registry owns the set of AI tools agents can run on. Built-in presets are
// merged with the configured tools, synced to the store with their API keys
// sealed, and compiled into the router the coordinator executes through.
type Registry struct {
	store  *store.Store
	vault  *vault.Vault
	client *natsbus.Client
	router *capability.Router

	mu       sync.RWMutex
	tools    map[string]config.ToolDefinition
	fallback string
}

// New creates a registry. The vault may be nil, in which case configured
// keys are used in memory only and nothing is sealed. The client may be nil
// when no remote tools are configured.
func New(s *store.Store, v *vault.Vault, client *natsbus.Client, tools map[string]config.ToolDefinition, defaults config.DefaultsConfig) *Registry {
	r := &Registry{
		store:  s,
		vault:  v,
		client: client,
		router: capability.NewRouter(defaults.AITool),
	}
	r.set(tools, defaults)
	return r
}

// Router is the capability every swarm executes tasks through. It stays the
// same object across reloads.
func (r *Registry) Router() *capability.Router {
	return r.router
}

func (r *Registry) set(tools map[string]config.ToolDefinition, defaults config.DefaultsConfig) {
	merged := maps.Clone(capability.Presets)
	maps.Copy(merged, tools)

	r.mu.Lock()
	r.tools = merged
	r.fallback = defaults.AITool
	r.mu.Unlock()
}

// Reload swaps in a new tool set and rebuilds the router.
func (r *Registry) Reload(ctx context.Context, tools map[string]config.ToolDefinition, defaults config.DefaultsConfig) error {
	r.set(tools, defaults)
	return r.Sync(ctx)
}

// Sync writes every tool to the store, sealing configured API keys, removes
// tools that are no longer defined and rebuilds the router.
func (r *Registry) Sync(ctx context.Context) error {
	r.mu.RLock()
	tools := maps.Clone(r.tools)
	r.mu.RUnlock()

	names := slices.Sorted(maps.Keys(tools))
	for _, name := range names {
		def := tools[name]
		tc := &store.ToolConfig{Name: name, Description: def.Description, Mode: modeOf(def)}
		if def.APIKey != "" && r.vault != nil {
			sealed, nonce, err := r.vault.Seal(name, []byte(def.APIKey))
			if err != nil {
				return fmt.Errorf("seal key of %s: %w", name, err)
			}
			tc.APIKey, tc.Nonce = sealed, nonce
		}
		if err := r.store.SaveToolConfig(ctx, tc); err != nil {
			return fmt.Errorf("save tool %s: %w", name, err)
		}
	}
	if err := r.store.DeleteToolConfigsNotIn(ctx, names); err != nil {
		return err
	}
	return r.rebuild(ctx)
}

func (r *Registry) rebuild(ctx context.Context) error {
	r.mu.RLock()
	tools := maps.Clone(r.tools)
	fallback := r.fallback
	r.mu.RUnlock()

	stored, err := r.store.ListToolConfigs(ctx)
	if err != nil {
		return err
	}
	sealed := make(map[string]store.ToolConfig, len(stored))
	for _, tc := range stored {
		sealed[tc.Name] = tc
	}

	caps := make(map[string]swarm.Capability, len(tools))
	for name, def := range tools {
		if modeOf(def) == config.ToolModeRemote && r.client == nil {
			slog.Warn("remote tool skipped, no message bus client", "tool", name)
			continue
		}
		c, err := capability.Build(name, def, r.apiKey(name, def, sealed[name]), r.client)
		if err != nil {
			return err
		}
		caps[name] = c
	}
	if _, ok := caps[fallback]; !ok && fallback != "" {
		slog.Warn("default ai tool is not registered", "tool", fallback)
	}

	r.router.Replace(caps, fallback)
	slog.Info("tools registered", "tools", strings.Join(slices.Sorted(maps.Keys(caps)), ","), "default", fallback)
	return nil
}

// apiKey prefers the sealed key in the store and falls back to the plain
// configured one when there is no vault to open it with.
func (r *Registry) apiKey(name string, def config.ToolDefinition, tc store.ToolConfig) string {
	if r.vault != nil && tc.HasAPIKey {
		key, err := r.vault.Open(name, tc.APIKey, tc.Nonce)
		if err == nil {
			return string(key)
		}
		slog.Warn("cannot open tool api key, was the passphrase changed?", "tool", name, "error", err)
	}
	return def.APIKey
}

// SetAPIKey seals and stores a key for an existing tool and rebuilds the
// router so new executions pick it up.
func (r *Registry) SetAPIKey(ctx context.Context, name, key string) error {
	if r.vault == nil {
		return ErrNoVault
	}
	tc, err := r.store.GetToolConfig(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnknownTool
	}
	if err != nil {
		return err
	}
	tc.APIKey, tc.Nonce, err = r.vault.Seal(name, []byte(key))
	if err != nil {
		return fmt.Errorf("seal key of %s: %w", name, err)
	}
	if err := r.store.SaveToolConfig(ctx, tc); err != nil {
		return err
	}
	return r.rebuild(ctx)
}

func (r *Registry) ClearAPIKey(ctx context.Context, name string) error {
	err := r.store.ClearToolAPIKey(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnknownTool
	}
	if err != nil {
		return err
	}
	return r.rebuild(ctx)
}

func (r *Registry) List(ctx context.Context) ([]Tool, error) {
	stored, err := r.store.ListToolConfigs(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(stored))
	for _, tc := range stored {
		def := r.tools[tc.Name]
		tools = append(tools, Tool{
			Name:        tc.Name,
			Description: tc.Description,
			Mode:        tc.Mode,
			Command:     def.Command,
			APIKeyEnv:   def.APIKeyEnv,
			HasAPIKey:   tc.HasAPIKey || def.APIKey != "",
			Default:     tc.Name == r.fallback,
			Available:   r.available(tc.Name, def),
		})
	}
	return tools, nil
}

// available reports whether a tool can run right now: command tools need
// their executable on PATH, remote tools need a bus connection.
func (r *Registry) available(name string, def config.ToolDefinition) bool {
	if _, ok := r.tools[name]; !ok {
		return false
	}
	switch modeOf(def) {
	case config.ToolModeRemote:
		return r.client != nil
	default:
		if len(def.Command) == 0 {
			return false
		}
		_, err := exec.LookPath(def.Command[0])
		return err == nil
	}
}

// Has reports whether name is a registered tool.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

func modeOf(def config.ToolDefinition) string {
	if def.Mode == "" {
		return config.ToolModeCommand
	}
	return def.Mode
}
