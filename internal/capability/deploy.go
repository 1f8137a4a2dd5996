package capability

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// DeployDriver triggers the deploy target to pick up the newly merged
// commit. The control plane treats it as opaque: a command configured by
// the operator (deploy_reload_command), a thin exec.Command wrapper rather
// than a bespoke deploy API.
type DeployDriver interface {
	// Reload runs the configured reload command and returns its combined
	// output for audit/artifact purposes.
	Reload(ctx context.Context) (string, error)
}

// ExecDeployDriver runs an operator-configured command to trigger a
// deploy/reload. Command is an argument vector executed directly (its first
// element is the program) rather than handed to a shell, so it cannot be
// used to inject additional commands through configuration.
type ExecDeployDriver struct {
	Command []string
}

var _ DeployDriver = ExecDeployDriver{}

func (d ExecDeployDriver) Reload(ctx context.Context) (string, error) {
	if len(d.Command) == 0 {
		return "", fmt.Errorf("deploy reload command not configured")
	}
	cmd := exec.CommandContext(ctx, d.Command[0], d.Command[1:]...)
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		if text == "" {
			text = err.Error()
		}
		return "", fmt.Errorf("deploy reload failed: %s", text)
	}
	return text, nil
}
