package gitops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
)

// GoGit implements Git with go-git. Credentials are taken from the
// userinfo of the remote url.
type GoGit struct {
	log     *slog.Logger
	timeout time.Duration
}

func NewGoGit(timeout time.Duration, log *slog.Logger) *GoGit {
	return &GoGit{log: log, timeout: timeout}
}

func (g *GoGit) open(dir string) (*git.Repository, error) {
	r, err := git.PlainOpen(dir)
	if err != nil {
		return nil, classify("open", "", "", err)
	}
	return r, nil
}

func (g *GoGit) IsRepo(_ context.Context, dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return false
	}
	r, err := git.PlainOpen(dir)
	if err != nil {
		g.log.Debug("unable to open repo", "path", dir, "err", err)
		return false
	}
	_, err = r.Worktree()
	return err == nil
}

func (g *GoGit) Clone(ctx context.Context, url, dir string) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	g.log.Log(ctx, -8, "cloning repository", "path", dir)
	_, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{URL: url, Tags: git.NoTags})
	return classify("clone", url, "", err)
}

func (g *GoGit) Fetch(ctx context.Context, dir, remote string) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	r, err := g.open(dir)
	if err != nil {
		return err
	}
	err = r.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remote,
		RefSpecs:   []config.RefSpec{config.RefSpec(fmt.Sprintf("+refs/heads/*:refs/remotes/%s/*", remote))},
		Tags:       git.NoTags,
		Prune:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return classify("fetch", remote, "", err)
	}
	return nil
}

// Pull fetches remote and fast-forwards the checked out branch. If
// the local branch is ahead of the remote it is left as is.
func (g *GoGit) Pull(ctx context.Context, dir, remote, branch string) error {
	if err := g.Fetch(ctx, dir, remote); err != nil {
		return err
	}
	r, err := g.open(dir)
	if err != nil {
		return err
	}
	localRef, err := r.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return fmt.Errorf("local ref: %w", err)
	}
	remoteRef, err := r.Reference(plumbing.NewRemoteReferenceName(remote, branch), true)
	if err != nil {
		return fmt.Errorf("remote ref: %w", err)
	}

	ff, err := isAncestor(r, localRef.Hash(), remoteRef.Hash())
	if err != nil {
		return fmt.Errorf("ancestor check: %w", err)
	}
	if ff {
		if localRef.Hash() == remoteRef.Hash() {
			return nil
		}
		wt, err := r.Worktree()
		if err != nil {
			return fmt.Errorf("worktree: %w", err)
		}
		if err := wt.Reset(&git.ResetOptions{Commit: remoteRef.Hash(), Mode: git.HardReset}); err != nil {
			return fmt.Errorf("fast-forward reset: %w", err)
		}
		g.log.Debug("fast-forwarded branch", "branch", branch, "to", remoteRef.Hash().String()[:8])
		return nil
	}
	ahead, err := isAncestor(r, remoteRef.Hash(), localRef.Hash())
	if err != nil {
		return fmt.Errorf("ancestor check: %w", err)
	}
	if ahead {
		return nil
	}
	return &DivergedHistoryError{Op: "pull", URL: remote, Branch: branch, Err: errors.New("not possible to fast-forward")}
}

func (g *GoGit) ListRemoteBranches(_ context.Context, dir, remote string) ([]string, error) {
	r, err := g.open(dir)
	if err != nil {
		return nil, err
	}
	refs, err := r.References()
	if err != nil {
		return nil, fmt.Errorf("references: %w", err)
	}
	prefix := "refs/remotes/" + remote + "/"
	var branches []string
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().String()
		if !strings.HasPrefix(name, prefix) || ref.Type() == plumbing.SymbolicReference {
			return nil
		}
		if b := strings.TrimPrefix(name, prefix); b != "HEAD" {
			branches = append(branches, b)
		}
		return nil
	})
	return branches, err
}

func (g *GoGit) RemoteDefaultBranch(ctx context.Context, dir, remote string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	r, err := g.open(dir)
	if err != nil {
		return "", err
	}
	rem, err := r.Remote(remote)
	if err != nil {
		return "", fmt.Errorf("remote %s: %w", remote, err)
	}
	refs, err := rem.ListContext(ctx, &git.ListOptions{})
	if err != nil {
		return "", classify("ls-remote", remote, "", err)
	}

	var head *plumbing.Reference
	for _, ref := range refs {
		if ref.Name() == plumbing.HEAD {
			head = ref
		}
	}
	if head == nil {
		return "", fmt.Errorf("remote %s has no HEAD", remote)
	}
	if head.Type() == plumbing.SymbolicReference {
		return head.Target().Short(), nil
	}
	// server didn't advertise symref, match by hash
	for _, ref := range refs {
		if ref.Name().IsBranch() && ref.Hash() == head.Hash() {
			return ref.Name().Short(), nil
		}
	}
	return "", fmt.Errorf("unable to resolve HEAD of remote %s", remote)
}

func (g *GoGit) ListLocalBranches(_ context.Context, dir string) ([]string, error) {
	r, err := g.open(dir)
	if err != nil {
		return nil, err
	}
	iter, err := r.Branches()
	if err != nil {
		return nil, fmt.Errorf("branches: %w", err)
	}
	var branches []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		branches = append(branches, ref.Name().Short())
		return nil
	})
	return branches, err
}

func (g *GoGit) Checkout(_ context.Context, dir, branch, createFrom string) error {
	r, err := g.open(dir)
	if err != nil {
		return err
	}
	wt, err := r.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}
	opts := &git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(branch), Force: true}
	if createFrom == "" {
		if err := wt.Checkout(opts); err != nil {
			return fmt.Errorf("checkout existing branch: %w", err)
		}
		return nil
	}

	remote, remoteBranch, ok := strings.Cut(createFrom, "/")
	if !ok {
		return fmt.Errorf("start point %q must be in remote/branch form", createFrom)
	}
	from, err := r.Reference(plumbing.NewRemoteReferenceName(remote, remoteBranch), true)
	if err != nil {
		return fmt.Errorf("start point %s: %w", createFrom, err)
	}
	opts.Create = true
	opts.Hash = from.Hash()
	if err := wt.Checkout(opts); err != nil {
		return fmt.Errorf("checkout new branch: %w", err)
	}
	err = r.CreateBranch(&config.Branch{
		Name:   branch,
		Remote: remote,
		Merge:  plumbing.NewBranchReferenceName(remoteBranch),
	})
	if err != nil && !errors.Is(err, git.ErrBranchExists) {
		return fmt.Errorf("set upstream: %w", err)
	}
	return nil
}

func (g *GoGit) ListRemotes(_ context.Context, dir string) ([]string, error) {
	r, err := g.open(dir)
	if err != nil {
		return nil, err
	}
	remotes, err := r.Remotes()
	if err != nil {
		return nil, fmt.Errorf("remotes: %w", err)
	}
	var names []string
	for _, rem := range remotes {
		names = append(names, rem.Config().Name)
	}
	return names, nil
}

func (g *GoGit) RemoteURL(_ context.Context, dir, remote string) (string, error) {
	r, err := g.open(dir)
	if err != nil {
		return "", err
	}
	rem, err := r.Remote(remote)
	if err != nil {
		return "", fmt.Errorf("remote %s not found", remote)
	}
	if urls := rem.Config().URLs; len(urls) > 0 {
		return urls[0], nil
	}
	return "", nil
}

func (g *GoGit) AddRemote(_ context.Context, dir, remote, url string) error {
	r, err := g.open(dir)
	if err != nil {
		return err
	}
	if _, err := r.CreateRemote(&config.RemoteConfig{Name: remote, URLs: []string{url}}); err != nil {
		return classify("add-remote", url, "", err)
	}
	return nil
}

func (g *GoGit) SetRemoteURL(_ context.Context, dir, remote, url string) error {
	r, err := g.open(dir)
	if err != nil {
		return err
	}
	cfg, err := r.Config()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	rc, ok := cfg.Remotes[remote]
	if !ok {
		return fmt.Errorf("remote %s not found", remote)
	}
	rc.URLs = []string{url}
	if err := r.Storer.SetConfig(cfg); err != nil {
		return classify("set-url", url, "", err)
	}
	return nil
}

func (g *GoGit) RemoveRemote(_ context.Context, dir, remote string) error {
	r, err := g.open(dir)
	if err != nil {
		return err
	}
	if err := r.DeleteRemote(remote); err != nil {
		return fmt.Errorf("remove remote %s: %w", remote, err)
	}
	return nil
}

func (g *GoGit) Push(ctx context.Context, dir, remote, branch string, force bool) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	r, err := g.open(dir)
	if err != nil {
		return err
	}
	refspec := "refs/heads/" + branch + ":refs/heads/" + branch
	if force {
		refspec = "+" + refspec
	}
	err = r.PushContext(ctx, &git.PushOptions{
		RemoteName: remote,
		RefSpecs:   []config.RefSpec{config.RefSpec(refspec)},
		Force:      force,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return classify("push", remote, branch, err)
	}
	return nil
}

func (g *GoGit) Head(_ context.Context, dir string) (string, error) {
	r, err := g.open(dir)
	if err != nil {
		return "", err
	}
	ref, err := r.Head()
	if err != nil {
		return "", fmt.Errorf("head: %w", err)
	}
	return ref.Hash().String(), nil
}

// isAncestor returns true if commit a is reachable from commit b.
func isAncestor(r *git.Repository, a, b plumbing.Hash) (bool, error) {
	if a == b {
		return true, nil
	}
	seen := map[plumbing.Hash]struct{}{}
	queue := []plumbing.Hash{b}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if h == a {
			return true, nil
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		commit, err := r.CommitObject(h)
		if err != nil {
			return false, err
		}
		queue = append(queue, commit.ParentHashes...)
	}
	return false, nil
}
