package capability

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/mtzanidakis/kypseli/internal/config"
	"github.com/mtzanidakis/kypseli/internal/natsbus"
	"github.com/mtzanidakis/kypseli/internal/swarm"
)

// Presets are the built-in tool definitions used when the config declares
// none of its own for a tool name.
var Presets = map[string]config.ToolDefinition{
	"claude-code": {
		Description: "Anthropic Claude Code CLI",
		Mode:        config.ToolModeCommand,
		Command:     []string{"claude", "-p", "--output-format", "json"},
		APIKeyEnv:   "ANTHROPIC_API_KEY",
	},
	"gemini-cli": {
		Description: "Google Gemini CLI",
		Mode:        config.ToolModeCommand,
		Command:     []string{"gemini"},
		APIKeyEnv:   "GOOGLE_API_KEY",
	},
	"cursor-cli": {
		Description: "Cursor agent CLI",
		Mode:        config.ToolModeCommand,
		Command:     []string{"cursor-agent", "-p", "--output-format", "json"},
		APIKeyEnv:   "CURSOR_API_KEY",
	},
}

// Build turns a tool definition into a capability. apiKey, when set, is
// exported to command tools under the definition's APIKeyEnv variable.
// Remote tools need a bus client.
func Build(name string, def config.ToolDefinition, apiKey string, client *natsbus.Client) (swarm.Capability, error) {
	var c swarm.Capability
	switch def.Mode {
	case config.ToolModeRemote:
		if client == nil {
			return nil, fmt.Errorf("tool %s: remote mode needs the message bus", name)
		}
		c = NewRemote(client, name)
	case "", config.ToolModeCommand:
		if len(def.Command) == 0 {
			return nil, fmt.Errorf("tool %s: command is required", name)
		}
		cmd := &Command{Name: name, Args: slices.Clone(def.Command), Dir: def.WorkDir}
		for _, k := range slices.Sorted(maps.Keys(def.Env)) {
			cmd.Env = append(cmd.Env, k+"="+def.Env[k])
		}
		if apiKey != "" && def.APIKeyEnv != "" {
			cmd.Env = append(cmd.Env, def.APIKeyEnv+"="+apiKey)
		}
		c = cmd
	default:
		return nil, fmt.Errorf("tool %s: unknown mode %q", name, def.Mode)
	}

	if def.Timeout > 0 {
		inner := c
		c = Func(func(ctx context.Context, req swarm.ExecRequest) (swarm.ExecResult, error) {
			ctx, cancel := context.WithTimeout(ctx, def.Timeout)
			defer cancel()
			return inner.Execute(ctx, req)
		})
	}
	return c, nil
}
