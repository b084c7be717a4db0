package capability

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/mtzanidakis/kypseli/internal/swarm"
)

// BuildPrompt renders the request as the markdown prompt handed to a tool
// CLI. Dependency outputs are listed in dependency id order.
func BuildPrompt(req swarm.ExecRequest) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are the %s agent (%s) of a software swarm.\n", req.AgentType, req.Role)
	if len(req.Specialization) > 0 {
		fmt.Fprintf(&b, "Your specialization: %s.\n", strings.Join(req.Specialization, ", "))
	}
	fmt.Fprintf(&b, "\n## Swarm objective\n\n%s\n", req.Objective)
	fmt.Fprintf(&b, "\n## Task: %s\n", req.Title)
	if req.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", req.Description)
	}

	if len(req.Inputs) > 0 {
		b.WriteString("\n## Results of the tasks this one depends on\n")
		ids := make([]string, 0, len(req.Inputs))
		for id := range req.Inputs {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			fmt.Fprintf(&b, "\n### %s\n\n```json\n%s\n```\n", id, req.Inputs[id])
		}
	}

	if len(req.Memory) > 0 {
		b.WriteString("\n## Shared memory\n\n")
		for _, e := range req.Memory {
			fmt.Fprintf(&b, "- [%s, importance %d] %s\n", e.Type, e.Importance, compact(e.Content))
		}
	}

	b.WriteString("\nReply with the result of the task. If you can, reply with a JSON object of the form " +
		"{\"output\": <result>, \"confidence\": <0..1>}.\n")
	return b.String()
}

func compact(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

// ParseOutput turns raw tool output into a result. It understands the
// {"output", "confidence"} envelope, the claude-style {"result", "is_error"}
// envelope, any other JSON value and plain text.
func ParseOutput(raw []byte) (swarm.ExecResult, error) {
	raw = []byte(strings.TrimSpace(string(raw)))
	if len(raw) == 0 {
		return swarm.ExecResult{Confidence: DefaultConfidence}, nil
	}
	if !json.Valid(raw) {
		text, _ := json.Marshal(string(raw))
		return swarm.ExecResult{Output: text, Confidence: DefaultConfidence}, nil
	}

	var env struct {
		Output     json.RawMessage `json:"output"`
		Result     *string         `json:"result"`
		IsError    bool            `json:"is_error"`
		Confidence *float64        `json:"confidence"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		// valid JSON that is not an object
		return swarm.ExecResult{Output: raw, Confidence: DefaultConfidence}, nil
	}

	res := swarm.ExecResult{Output: raw, Confidence: DefaultConfidence}
	switch {
	case env.IsError:
		msg := "tool reported an error"
		if env.Result != nil && *env.Result != "" {
			msg = *env.Result
		}
		return swarm.ExecResult{}, errors.New(msg)
	case len(env.Output) > 0:
		res.Output = env.Output
	case env.Result != nil:
		// the result text may itself be an envelope
		if inner, err := ParseOutput([]byte(*env.Result)); err == nil {
			res = inner
		}
	}
	if env.Confidence != nil {
		res.Confidence = *env.Confidence
	}
	return res, nil
}
