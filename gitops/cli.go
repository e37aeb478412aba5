package gitops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/utilitywarehouse/git-fanout/internal/utils"
)

var (
	remoteDefaultBranchRgx = regexp.MustCompile(`^ref:\s+([^\s]+)\s+HEAD`)

	// env vars passed through to git, everything else is dropped
	passThroughEnvs = []string{"PATH", "HOME", "GIT_CONFIG_GLOBAL", "GIT_CONFIG_SYSTEM", "GIT_CONFIG_NOSYSTEM", "SSL_CERT_FILE", "SSL_CERT_DIR", "HTTPS_PROXY", "HTTP_PROXY", "NO_PROXY"}
)

// CLI runs git operations with the git executable.
type CLI struct {
	log     *slog.Logger
	gitPath string
	timeout time.Duration
	envs    []string
}

// NewCLI looks up git executable and returns CLI backend.
func NewCLI(timeout time.Duration, log *slog.Logger) (*CLI, error) {
	gitPath, err := exec.LookPath("git")
	if err != nil {
		return nil, fmt.Errorf("git executable not found: %w", err)
	}
	envs := []string{"GIT_TERMINAL_PROMPT=0"}
	for _, key := range passThroughEnvs {
		if val, ok := os.LookupEnv(key); ok {
			envs = append(envs, key+"="+val)
		}
	}
	return &CLI{log: log, gitPath: gitPath, timeout: timeout, envs: envs}, nil
}

func (g *CLI) git(ctx context.Context, cwd string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return utils.RunCommand(ctx, g.log, g.envs, cwd, g.gitPath, args...)
}

// IsRepo checks that dir is the top level dir of a non bare repository.
func (g *CLI) IsRepo(ctx context.Context, dir string) bool {
	if empty, err := utils.DirIsEmpty(dir); err != nil || empty {
		return false
	}

	// git rev-parse --absolute-git-dir
	gitDir, err := g.git(ctx, dir, "rev-parse", "--absolute-git-dir")
	if err != nil {
		g.log.Debug("unable to get repo git dir", "path", dir, "err", err)
		return false
	}
	want, err := filepath.EvalSymlinks(filepath.Join(dir, ".git"))
	if err != nil {
		return false
	}
	if got, err := filepath.EvalSymlinks(gitDir); err != nil || got != want {
		g.log.Debug("repo directory is under another repo", "path", dir, "git-dir", gitDir)
		return false
	}
	return true
}

func (g *CLI) Clone(ctx context.Context, url, dir string) error {
	parent, _ := utils.SplitAbs(dir)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return fmt.Errorf("unable to create parent dir err:%w", err)
	}
	// git clone --no-progress <url> <dir>
	_, err := g.git(ctx, parent, "clone", "--no-progress", url, dir)
	return classify("clone", url, "", err)
}

func (g *CLI) Fetch(ctx context.Context, dir, remote string) error {
	// git fetch <remote> --prune --no-progress --no-auto-gc
	_, err := g.git(ctx, dir, "fetch", remote, "--prune", "--no-progress", "--no-auto-gc")
	return classify("fetch", remote, "", err)
}

func (g *CLI) Pull(ctx context.Context, dir, remote, branch string) error {
	// git pull --ff-only --no-rebase --no-progress <remote> <branch>
	_, err := g.git(ctx, dir, "pull", "--ff-only", "--no-rebase", "--no-progress", remote, branch)
	return classify("pull", remote, branch, err)
}

func (g *CLI) ListRemoteBranches(ctx context.Context, dir, remote string) ([]string, error) {
	prefix := "refs/remotes/" + remote + "/"
	// git for-each-ref --format=%(refname) refs/remotes/<remote>/
	out, err := g.git(ctx, dir, "for-each-ref", "--format=%(refname)", prefix)
	if err != nil {
		return nil, classify("list-remote-branches", remote, "", err)
	}
	var branches []string
	for _, ref := range lines(out) {
		name := strings.TrimPrefix(ref, prefix)
		if name == "HEAD" {
			continue
		}
		branches = append(branches, name)
	}
	return branches, nil
}

// RemoteDefaultBranch will run ls-remote to get HEAD of the remote
// and parse output to get default branch name
func (g *CLI) RemoteDefaultBranch(ctx context.Context, dir, remote string) (string, error) {
	// git ls-remote --symref <remote> HEAD
	out, err := g.git(ctx, dir, "ls-remote", "--symref", remote, "HEAD")
	if err != nil {
		return "", classify("ls-remote", remote, "", err)
	}
	sections := remoteDefaultBranchRgx.FindStringSubmatch(out)
	if len(sections) != 2 {
		return "", fmt.Errorf("unable to parse ls-remote output:%s", out)
	}
	return strings.TrimPrefix(sections[1], "refs/heads/"), nil
}

func (g *CLI) ListLocalBranches(ctx context.Context, dir string) ([]string, error) {
	// git for-each-ref --format=%(refname) refs/heads/
	out, err := g.git(ctx, dir, "for-each-ref", "--format=%(refname)", "refs/heads/")
	if err != nil {
		return nil, classify("list-branches", "", "", err)
	}
	var branches []string
	for _, ref := range lines(out) {
		branches = append(branches, strings.TrimPrefix(ref, "refs/heads/"))
	}
	return branches, nil
}

func (g *CLI) Checkout(ctx context.Context, dir, branch, createFrom string) error {
	args := []string{"checkout", "-q", branch, "--"}
	if createFrom != "" {
		// git checkout -q -b <branch> --track <createFrom>
		args = []string{"checkout", "-q", "-b", branch, "--track", createFrom}
	}
	_, err := g.git(ctx, dir, args...)
	return classify("checkout", "", branch, err)
}

func (g *CLI) ListRemotes(ctx context.Context, dir string) ([]string, error) {
	out, err := g.git(ctx, dir, "remote")
	if err != nil {
		return nil, classify("list-remotes", "", "", err)
	}
	return lines(out), nil
}

// RemoteURL returns configured url of the remote without applying any
// url rewrites.
func (g *CLI) RemoteURL(ctx context.Context, dir, remote string) (string, error) {
	// git config --get remote.<remote>.url
	out, err := g.git(ctx, dir, "config", "--get", "remote."+remote+".url")
	if err != nil {
		var cmdErr *utils.CommandError
		// exit status 1 means key is not set
		if errors.As(err, &cmdErr) && cmdErr.Stderr == "" {
			return "", fmt.Errorf("remote %s not found", remote)
		}
		return "", classify("get-url", remote, "", err)
	}
	return out, nil
}

func (g *CLI) AddRemote(ctx context.Context, dir, remote, url string) error {
	_, err := g.git(ctx, dir, "remote", "add", remote, url)
	return classify("add-remote", url, "", err)
}

func (g *CLI) SetRemoteURL(ctx context.Context, dir, remote, url string) error {
	_, err := g.git(ctx, dir, "remote", "set-url", remote, url)
	return classify("set-url", url, "", err)
}

func (g *CLI) RemoveRemote(ctx context.Context, dir, remote string) error {
	_, err := g.git(ctx, dir, "remote", "remove", remote)
	return classify("remove-remote", remote, "", err)
}

func (g *CLI) Push(ctx context.Context, dir, remote, branch string, force bool) error {
	refspec := "refs/heads/" + branch + ":refs/heads/" + branch
	args := []string{"push", "--no-progress"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, remote, refspec)

	// git push --no-progress [--force] <remote> refs/heads/<branch>:refs/heads/<branch>
	_, err := g.git(ctx, dir, args...)
	return classify("push", remote, branch, err)
}

func (g *CLI) Head(ctx context.Context, dir string) (string, error) {
	out, err := g.git(ctx, dir, "rev-parse", "HEAD")
	return out, classify("rev-parse", "", "", err)
}

func lines(out string) []string {
	var res []string
	for _, l := range strings.Split(out, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			res = append(res, l)
		}
	}
	return res
}
