package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/utilitywarehouse/git-fanout/giturl"
	"github.com/utilitywarehouse/git-fanout/gitops"
	"github.com/utilitywarehouse/git-fanout/internal/utils"
	"github.com/utilitywarehouse/git-fanout/model"
)

const (
	defaultDirMode os.FileMode = 0755
	originRemote               = "origin"
)

// URLBuilder returns transport url of the repository at path on platform.
type URLBuilder func(p model.Platform, path string) (string, error)

// ReconcileResult describes the state of the working copy after reconcile.
type ReconcileResult struct {
	// Branch is the checked out branch
	Branch string
	// Head is the commit hash of the checked out branch
	Head string
	// Cloned is set when the working copy was cloned by this run
	Cloned bool
	// Rewired is set when origin url was replaced with a freshly built one
	Rewired bool
}

// WorkDir returns path of the working copy of the repository under root.
// Role is part of the path so a source and a mirror of the same platform
// and path never share a working copy.
func WorkDir(root string, repo model.Repository) string {
	return filepath.Join(root, string(repo.Role), repo.PlatformID, filepath.FromSlash(repo.Path))
}

// Reconciler brings the local working copy of a repository up to date
// with its remote.
type Reconciler struct {
	root     string
	git      gitops.Git
	buildURL URLBuilder
	log      *slog.Logger
}

// NewReconciler returns Reconciler which keeps working copies under root.
// if buildURL is nil giturl.Build is used.
func NewReconciler(root string, g gitops.Git, buildURL URLBuilder, log *slog.Logger) *Reconciler {
	if buildURL == nil {
		buildURL = giturl.Build
	}
	return &Reconciler{root: root, git: g, buildURL: buildURL, log: log}
}

// Root returns the dir under which working copies are kept.
func (r *Reconciler) Root() string {
	return r.root
}

// Reconcile makes sure the working copy of repo exists, its origin points at
// the current url of the platform and the resolved branch is fast-forwarded
// to the remote. Divergent local history is never overwritten.
// platform must have its credentials resolved.
func (r *Reconciler) Reconcile(ctx context.Context, repo model.Repository, platform model.Platform) (ReconcileResult, error) {
	var res ReconcileResult
	log := r.log.With("repo", repo.ID)

	if platform.AuthToken == "" {
		return res, &gitops.AuthError{Op: "reconcile", URL: giturl.PlainURL(platform, repo.Path), Err: giturl.ErrNoToken}
	}
	remoteURL, err := r.buildURL(platform, repo.Path)
	if err != nil {
		if errors.Is(err, giturl.ErrNoToken) {
			return res, &gitops.AuthError{Op: "reconcile", URL: giturl.PlainURL(platform, repo.Path), Err: err}
		}
		return res, err
	}

	dir := WorkDir(r.root, repo)
	if err := os.MkdirAll(dir, defaultDirMode); err != nil {
		return res, fmt.Errorf("unable to create working copy dir err:%w", err)
	}

	if !r.git.IsRepo(ctx, dir) {
		if empty, _ := utils.DirIsEmpty(dir); !empty {
			log.Warn("working copy dir is not a git repository, re-creating...", "path", dir)
			if err := utils.ReCreate(dir); err != nil {
				return res, fmt.Errorf("unable to re-create working copy dir err:%w", err)
			}
		}
		log.Info("cloning repository", "path", dir)
		if err := r.git.Clone(ctx, remoteURL, dir); err != nil {
			return res, &CloneError{RepoID: repo.ID, Err: err}
		}
		res.Cloned = true
	} else {
		current, err := r.git.RemoteURL(ctx, dir, originRemote)
		switch {
		case err != nil:
			log.Warn("origin remote missing, adding it", "err", err)
			if err := r.git.AddRemote(ctx, dir, originRemote, remoteURL); err != nil {
				return res, fmt.Errorf("unable to add origin err:%w", err)
			}
			res.Rewired = true
		case current != remoteURL:
			log.Info("origin url changed, updating remote", "url", giturl.Redact(remoteURL))
			if err := r.git.SetRemoteURL(ctx, dir, originRemote, remoteURL); err != nil {
				return res, fmt.Errorf("unable to update origin err:%w", err)
			}
			res.Rewired = true
		}
	}

	if err := r.git.Fetch(ctx, dir, originRemote); err != nil {
		return res, err
	}

	branch, err := r.resolveBranch(ctx, log, dir, repo)
	if err != nil {
		return res, err
	}
	res.Branch = branch

	local, err := r.git.ListLocalBranches(ctx, dir)
	if err != nil {
		return res, err
	}
	createFrom := ""
	if !slices.Contains(local, branch) {
		createFrom = originRemote + "/" + branch
		log.Debug("creating local tracking branch", "branch", branch)
	}
	if err := r.git.Checkout(ctx, dir, branch, createFrom); err != nil {
		return res, err
	}
	if err := r.git.Pull(ctx, dir, originRemote, branch); err != nil {
		return res, err
	}

	if res.Head, err = r.git.Head(ctx, dir); err != nil {
		return res, err
	}

	log.Debug("repository reconciled", "branch", branch, "head", res.Head, "cloned", res.Cloned, "rewired", res.Rewired)
	return res, nil
}

// resolveBranch picks the first configured branch present on the remote
// or the remote default branch if none matches.
func (r *Reconciler) resolveBranch(ctx context.Context, log *slog.Logger, dir string, repo model.Repository) (string, error) {
	remote, err := r.git.ListRemoteBranches(ctx, dir, originRemote)
	if err != nil {
		return "", err
	}
	if len(remote) == 0 {
		return "", &BranchResolutionError{RepoID: repo.ID, Err: fmt.Errorf("remote has no branches")}
	}
	if branch, ok := ResolveBranch(repo.CandidateBranches(), remote); ok {
		return branch, nil
	}

	def, err := r.git.RemoteDefaultBranch(ctx, dir, originRemote)
	if err != nil {
		return "", &BranchResolutionError{RepoID: repo.ID, Err: err}
	}
	if !slices.Contains(remote, def) {
		return "", &BranchResolutionError{RepoID: repo.ID, Err: fmt.Errorf("default branch %q not found on remote", def)}
	}
	log.Info("no configured branch found on remote, using default branch", "branches", repo.CandidateBranches(), "default-branch", def)
	return def, nil
}
