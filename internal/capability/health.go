package capability

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// HealthProbe checks that the deploy target is serving traffic correctly
// after a reload, the last gate before the Merge/Deploy Gate marks a run
// merged.
type HealthProbe interface {
	Check(ctx context.Context) (string, error)
}

// ExecHealthProbe runs an operator-configured command (deploy_health_command)
// and treats a zero exit code as healthy, matching the deploy driver's
// split-argv convention.
type ExecHealthProbe struct {
	Command []string
}

var _ HealthProbe = ExecHealthProbe{}

func (p ExecHealthProbe) Check(ctx context.Context) (string, error) {
	if len(p.Command) == 0 {
		return "", fmt.Errorf("deploy health command not configured")
	}
	cmd := exec.CommandContext(ctx, p.Command[0], p.Command[1:]...)
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		if text == "" {
			text = err.Error()
		}
		return "", fmt.Errorf("health check failed: %s", text)
	}
	return text, nil
}
