// Package gitops is the git capability used by the reconciler and the mirror
// fanout. It has two backends, CLI which runs the git executable and GoGit
// which uses go-git. Both cap every operation with the configured timeout and
// return errors classified as AuthError, TransportError or DivergedHistoryError
// where possible.
package gitops

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	BackendExec  = "exec"
	BackendGoGit = "go-git"

	// DefaultTimeout caps a single git operation.
	DefaultTimeout = 2 * time.Minute
)

// Git is the set of git operations needed to maintain a working copy
// and push its branches to other remotes.
type Git interface {
	// IsRepo returns true if dir is the root of a usable working copy.
	IsRepo(ctx context.Context, dir string) bool
	Clone(ctx context.Context, url, dir string) error
	Fetch(ctx context.Context, dir, remote string) error
	// Pull fast-forwards the checked out branch to remote/branch.
	Pull(ctx context.Context, dir, remote, branch string) error
	// ListRemoteBranches returns branch names of the remote as of the last fetch.
	ListRemoteBranches(ctx context.Context, dir, remote string) ([]string, error)
	// RemoteDefaultBranch asks the remote for the branch its HEAD points to.
	RemoteDefaultBranch(ctx context.Context, dir, remote string) (string, error)
	ListLocalBranches(ctx context.Context, dir string) ([]string, error)
	// Checkout switches to branch, if createFrom is set the branch is
	// created from it and tracks it.
	Checkout(ctx context.Context, dir, branch, createFrom string) error
	ListRemotes(ctx context.Context, dir string) ([]string, error)
	RemoteURL(ctx context.Context, dir, remote string) (string, error)
	AddRemote(ctx context.Context, dir, remote, url string) error
	SetRemoteURL(ctx context.Context, dir, remote, url string) error
	RemoveRemote(ctx context.Context, dir, remote string) error
	Push(ctx context.Context, dir, remote, branch string, force bool) error
	// Head returns the commit hash of HEAD.
	Head(ctx context.Context, dir string) (string, error)
}

// New returns git backend by name.
func New(backend string, timeout time.Duration, log *slog.Logger) (Git, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	switch backend {
	case "", BackendExec:
		return NewCLI(timeout, log)
	case BackendGoGit:
		return NewGoGit(timeout, log), nil
	}
	return nil, fmt.Errorf("unknown git backend %q, must be one of %s, %s", backend, BackendExec, BackendGoGit)
}
