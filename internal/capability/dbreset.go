package capability

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// DBResetDriver applies SQL against one named preview database. It never
// receives a connection string for any database other than the one it was
// asked to touch — the hard slot→DB safety invariant is enforced one layer
// up, in internal/previewdb, before a driver call is ever made.
type DBResetDriver interface {
	// DropAndRecreateSchema drops and recreates the public schema of dbName,
	// returning it to a structurally empty state before a seed or snapshot
	// is applied.
	DropAndRecreateSchema(ctx context.Context, dbName string) error
	// ApplySQL runs the statements in the file at sqlPath against dbName.
	ApplySQL(ctx context.Context, dbName, sqlPath string) error
}

// ExecDBResetDriver shells out to psql using exec.CommandContext +
// CombinedOutput, targeting the preview Postgres instance rather than the
// control plane's
// own SQLite store.
type ExecDBResetDriver struct {
	// PsqlPath overrides the psql binary name, defaulting to "psql" on PATH.
	PsqlPath string
	// Host, Port, User are passed to psql via -h/-p/-U; left empty they
	// fall back to psql's own defaults/environment (PGHOST etc.).
	Host, Port, User string
}

var _ DBResetDriver = ExecDBResetDriver{}

func (d ExecDBResetDriver) DropAndRecreateSchema(ctx context.Context, dbName string) error {
	_, err := d.run(ctx, dbName, "-c", "DROP SCHEMA public CASCADE; CREATE SCHEMA public;")
	if err != nil {
		return fmt.Errorf("drop and recreate schema on %s: %w", dbName, err)
	}
	return nil
}

func (d ExecDBResetDriver) ApplySQL(ctx context.Context, dbName, sqlPath string) error {
	if _, err := os.Stat(sqlPath); err != nil {
		return fmt.Errorf("apply sql to %s: %w", dbName, err)
	}
	_, err := d.run(ctx, dbName, "-f", sqlPath)
	if err != nil {
		return fmt.Errorf("apply sql %s to %s: %w", sqlPath, dbName, err)
	}
	return nil
}

func (d ExecDBResetDriver) run(ctx context.Context, dbName string, extra ...string) (string, error) {
	bin := d.PsqlPath
	if bin == "" {
		bin = "psql"
	}
	args := []string{"-v", "ON_ERROR_STOP=1", "-d", dbName}
	if d.Host != "" {
		args = append(args, "-h", d.Host)
	}
	if d.Port != "" {
		args = append(args, "-p", d.Port)
	}
	if d.User != "" {
		args = append(args, "-U", d.User)
	}
	args = append(args, extra...)
	cmd := exec.CommandContext(ctx, bin, args...)
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		if text == "" {
			text = err.Error()
		}
		return "", fmt.Errorf("%s: %s", bin, text)
	}
	return text, nil
}
