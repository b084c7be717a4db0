package capability

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/mtzanidakis/kypseli/internal/swarm"
)

// maxStderr bounds how much stderr ends up in a task error.
const maxStderr = 2048

// Command runs a tool CLI once per task. The prompt is written to stdin and
// stdout is parsed with ParseOutput.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env is appended to the gateway environment as KEY=VALUE pairs.
	Env []string
}

func (c *Command) Execute(ctx context.Context, req swarm.ExecRequest) (swarm.ExecResult, error) {
	if len(c.Args) == 0 {
		return swarm.ExecResult{}, fmt.Errorf("tool %s: no command configured", c.Name)
	}

	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Env = append(cmd.Env,
		"KYPSELI_SWARM_ID="+req.SwarmID,
		"KYPSELI_TASK_ID="+req.TaskID,
		"KYPSELI_AGENT_ID="+req.AgentID,
		"KYPSELI_AGENT_TYPE="+string(req.AgentType),
	)
	cmd.Stdin = strings.NewReader(BuildPrompt(req))
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	if ctx.Err() != nil {
		return swarm.ExecResult{}, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return swarm.ExecResult{}, fmt.Errorf("tool %s exited with %d: %s", c.Name, exitErr.ExitCode(), tail(stderr.String()))
		}
		return swarm.ExecResult{}, fmt.Errorf("run tool %s: %w", c.Name, err)
	}
	slog.Debug("tool finished", "tool", c.Name, "task", req.TaskID, "duration", time.Since(start), "bytes", stdout.Len())

	return ParseOutput(stdout.Bytes())
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderr {
		s = "..." + s[len(s)-maxStderr:]
	}
	if s == "" {
		return "no output"
	}
	return s
}
