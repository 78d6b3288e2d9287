package shell

import (
	"context"
	"fmt"
	"os/exec"

	"cmdsched/internal/domain"
)

const Name = "shell"

// Command runs a program once. It is stateless: its record is gone as soon
// as it is claimed.
type Command struct {
	domain.Scheduled
	Program string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

func (c *Command) CommandName() string { return Name }

type Shell struct{}

func (h Shell) Handle(ctx context.Context, cmd domain.Command) error {
	c, ok := cmd.(*Command)
	if !ok {
		return fmt.Errorf("shell: unexpected command %T", cmd)
	}
	if c.Program == "" {
		return fmt.Errorf("command is required")
	}
	out, err := exec.CommandContext(ctx, c.Program, c.Args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("shell error: %v; out=%s", err, string(out))
	}
	return nil
}
