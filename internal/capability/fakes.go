package capability

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// FakeGitDriver is an in-memory GitDriver for tests: it tracks branches and
// worktrees as plain maps instead of touching a real repository.
type FakeGitDriver struct {
	mu         sync.Mutex
	branches   map[string]bool
	worktrees  map[string]string // worktreePath -> branch
	headCommit map[string]string // dir -> commit sha
	nextCommit int
	MergeErr   error
	PushErr    error
}

var _ GitDriver = (*FakeGitDriver)(nil)

func NewFakeGitDriver() *FakeGitDriver {
	return &FakeGitDriver{
		branches:   map[string]bool{},
		worktrees:  map[string]string{},
		headCommit: map[string]string{},
	}
}

func (f *FakeGitDriver) EnsureBranch(_ context.Context, _, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.branches[branch] = true
	return nil
}

func (f *FakeGitDriver) CreateWorktree(_ context.Context, _, worktreePath, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.branches[branch] {
		return fmt.Errorf("branch %s does not exist", branch)
	}
	f.worktrees[worktreePath] = branch
	f.headCommit[worktreePath] = f.commitFor(branch)
	return nil
}

func (f *FakeGitDriver) RemoveWorktree(_ context.Context, _, worktreePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.worktrees[worktreePath]; !ok {
		return fmt.Errorf("worktree %s not found", worktreePath)
	}
	delete(f.worktrees, worktreePath)
	delete(f.headCommit, worktreePath)
	return nil
}

// SetHeadCommit pins dir's reported HEAD commit to sha, letting a test put
// the fake into a known state without exercising CreateWorktree/Merge first.
func (f *FakeGitDriver) SetHeadCommit(dir, sha string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headCommit[dir] = sha
}

func (f *FakeGitDriver) HeadCommit(_ context.Context, dir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.headCommit[dir]; ok {
		return c, nil
	}
	return f.commitFor(dir), nil
}

func (f *FakeGitDriver) Merge(_ context.Context, repoRoot, mainBranch, branch string) (string, error) {
	if f.MergeErr != nil {
		return "", f.MergeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.commitFor(branch + "-merged-into-" + mainBranch)
	f.headCommit[repoRoot] = c
	return c, nil
}

func (f *FakeGitDriver) Push(_ context.Context, _, _ string) error {
	return f.PushErr
}

// commitFor deterministically assigns a fake commit sha, must be called
// with f.mu held.
func (f *FakeGitDriver) commitFor(key string) string {
	f.nextCommit++
	return fmt.Sprintf("fakecommit-%s-%d", key, f.nextCommit)
}

// FakeDBResetDriver is an in-memory DBResetDriver recording which database
// names had SQL applied, so tests can assert the hard slot→DB invariant was
// never bypassed.
type FakeDBResetDriver struct {
	mu       sync.Mutex
	Applied  []string // "dbName:sqlPath"
	Dropped  []string
	ApplyErr error
	DropErr  error
}

var _ DBResetDriver = (*FakeDBResetDriver)(nil)

func NewFakeDBResetDriver() *FakeDBResetDriver {
	return &FakeDBResetDriver{}
}

func (f *FakeDBResetDriver) DropAndRecreateSchema(_ context.Context, dbName string) error {
	if f.DropErr != nil {
		return f.DropErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Dropped = append(f.Dropped, dbName)
	return nil
}

func (f *FakeDBResetDriver) ApplySQL(_ context.Context, dbName, sqlPath string) error {
	if f.ApplyErr != nil {
		return f.ApplyErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Applied = append(f.Applied, fmt.Sprintf("%s:%s", dbName, sqlPath))
	return nil
}

// FakeDeployDriver is an in-memory DeployDriver.
type FakeDeployDriver struct {
	mu        sync.Mutex
	ReloadErr error
	Calls     int
}

var _ DeployDriver = (*FakeDeployDriver)(nil)

func (f *FakeDeployDriver) Reload(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if f.ReloadErr != nil {
		return "", f.ReloadErr
	}
	return "reloaded", nil
}

// FakeHealthProbe is an in-memory HealthProbe.
type FakeHealthProbe struct {
	mu       sync.Mutex
	CheckErr error
	Calls    int
}

var _ HealthProbe = (*FakeHealthProbe)(nil)

func (f *FakeHealthProbe) Check(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if f.CheckErr != nil {
		return "", f.CheckErr
	}
	return "ok", nil
}

// sortedKeys returns the keys of m in ascending order.
func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
