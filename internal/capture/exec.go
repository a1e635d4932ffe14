// Package capture bridges endpoint commands to the local capture software by
// running operator-configured hook commands.
package capture

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Runner abstracts command execution so hooks can be unit-tested without
// spawning processes.
type Runner interface {
	Run(ctx context.Context, env []string, name string, args ...string) error
	Output(ctx context.Context, env []string, name string, args ...string) (string, error)
}

// OSRunner executes commands on the host via os/exec.
type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, env []string, name string, args ...string) error {
	cmd := command(ctx, env, name, args)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %s", err.Error(), msg)
		}
		return err
	}
	return nil
}

func (OSRunner) Output(ctx context.Context, env []string, name string, args ...string) (string, error) {
	cmd := command(ctx, env, name, args)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%s: %s", err.Error(), msg)
		}
		return "", err
	}
	return strings.TrimSpace(stdout.String()), nil
}

func command(ctx context.Context, env []string, name string, args []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	return cmd
}
