package loop

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandReasoner invokes an external agent command with the target item id
// appended to its argv. What the agent does with the item (planning,
// drafting, annotating) is outside the orchestration layer.
type CommandReasoner struct {
	command []string
}

// NewCommandReasoner builds a reasoner from an argv.
func NewCommandReasoner(command []string) (*CommandReasoner, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("reasoner command is empty")
	}
	return &CommandReasoner{command: command}, nil
}

func (r *CommandReasoner) Invoke(ctx context.Context, targetID string) error {
	argv := append(append([]string{}, r.command...), targetID)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("reasoner command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

var _ Reasoner = (*CommandReasoner)(nil)
