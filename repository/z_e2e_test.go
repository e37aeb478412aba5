package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/utilitywarehouse/git-fanout/gitops"
	"github.com/utilitywarehouse/git-fanout/model"
)

const (
	testGitUser    = "git-fanout-test"
	testMainBranch = "main"
)

var (
	testLog  = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.Level(-8)}))
	testENVs = []string{}
	txtCtx   = context.Background()
)

func TestMain(m *testing.M) {
	t := &testing.T{}

	testTmpDir, err := os.MkdirTemp("", "git-fanout-e2e-*")
	if err != nil {
		t.Fatalf("unable to make dir: %v", err)
	}

	testENVs = []string{
		fmt.Sprintf("GIT_CONFIG_GLOBAL=%s/gitconfig", testTmpDir),
		`GIT_CONFIG_SYSTEM=/dev/null`,
	}
	os.Setenv("GIT_CONFIG_GLOBAL", testTmpDir+"/gitconfig")
	os.Setenv("GIT_CONFIG_SYSTEM", "/dev/null")

	mustExec(t, "", "git", "config", "--global", "user.name", testGitUser)
	mustExec(t, "", "git", "config", "--global", "user.email", testGitUser+"@example.com")

	code := m.Run()

	os.RemoveAll(testTmpDir)

	os.Exit(code)
}

// testEnv holds a working copies root and a dir of local remotes
// laid out as <remotes>/<platform id>/<token>/<path>
type testEnv struct {
	root    string
	remotes string
	git     gitops.Git
	store   *fakeStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	tmp := t.TempDir()
	g, err := gitops.NewCLI(30*time.Second, testLog)
	if err != nil {
		t.Fatalf("unable to create git err:%v", err)
	}
	return &testEnv{
		root:    filepath.Join(tmp, "work"),
		remotes: filepath.Join(tmp, "remotes"),
		git:     g,
		store:   newFakeStore(),
	}
}

func (e *testEnv) buildURL(p model.Platform, path string) (string, error) {
	return filepath.Join(e.remotes, p.ID, p.AuthToken, path), nil
}

func (e *testEnv) remotePath(platformID, token, path string) string {
	return filepath.Join(e.remotes, platformID, token, path)
}

func (e *testEnv) reconciler() *Reconciler {
	return NewReconciler(e.root, e.git, e.buildURL, testLog)
}

func (e *testEnv) fanout(strategy ConflictStrategy) *Fanout {
	return NewFanout(FanoutConfig{
		Root:      e.root,
		Git:       e.git,
		Repos:     e.store,
		Platforms: e.store,
		Status:    e.store,
		BuildURL:  e.buildURL,
		Strategy:  strategy,
	}, testLog)
}

func testPlatform(id, token string) model.Platform {
	return model.Platform{ID: id, Name: id, BaseURL: "https://" + id + ".example.com", AuthToken: token, URLScheme: model.SchemeGeneric}
}

func testRepo(role model.Role, platformID, path string, branches ...string) model.Repository {
	return model.Repository{
		ID:         model.RepositoryID(role, platformID, path),
		Role:       role,
		PlatformID: platformID,
		Path:       path,
		Branches:   branches,
		Status:     model.StatusIdle,
	}
}

func Test_reconcile_clone_and_idempotent(t *testing.T) {
	env := newTestEnv(t)
	platform := testPlatform("github", "T")
	repo := testRepo(model.RoleSource, "github", "org/repo")

	upstream := env.remotePath("github", "T", "org/repo")
	hash1 := mustInitRepo(t, upstream, "file", "1")

	r := env.reconciler()
	got, err := r.Reconcile(txtCtx, repo, platform)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(ReconcileResult{Branch: testMainBranch, Head: hash1, Cloned: true}, got); diff != "" {
		t.Errorf("Reconcile() mismatch (-want +got):\n%s", diff)
	}
	assertFile(t, filepath.Join(WorkDir(env.root, repo), "file"), "1")

	// second run is a no-op
	got, err = r.Reconcile(txtCtx, repo, platform)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(ReconcileResult{Branch: testMainBranch, Head: hash1}, got); diff != "" {
		t.Errorf("Reconcile() mismatch (-want +got):\n%s", diff)
	}

	// fast forward to new upstream commit
	hash2 := mustCommit(t, upstream, "file", "2")
	got, err = r.Reconcile(txtCtx, repo, platform)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Head != hash2 {
		t.Errorf("Head got %s want %s", got.Head, hash2)
	}
	assertFile(t, filepath.Join(WorkDir(env.root, repo), "file"), "2")
}

func Test_reconcile_branch_resolution(t *testing.T) {
	tests := []struct {
		name       string
		initBranch string
		extra      []string
		candidates []string
		want       string
	}{
		{"master_over_dev", "master", []string{"dev"}, nil, "master"},
		{"default_branch_fallback", "trunk", nil, nil, "trunk"},
		{"configured_branch", "main", []string{"release"}, []string{"release", "main"}, "release"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			platform := testPlatform("gitee", "T")
			repo := testRepo(model.RoleSource, "gitee", "org/repo", tt.candidates...)

			upstream := env.remotePath("gitee", "T", "org/repo")
			mustInitRepoOnBranch(t, upstream, tt.initBranch, "file", tt.initBranch)
			for _, b := range tt.extra {
				mustExec(t, upstream, "git", "checkout", "-q", "-b", b)
				mustCommit(t, upstream, "file", b)
			}
			mustExec(t, upstream, "git", "checkout", "-q", tt.initBranch)

			got, err := env.reconciler().Reconcile(txtCtx, repo, platform)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Branch != tt.want {
				t.Errorf("Branch got %q want %q", got.Branch, tt.want)
			}
			assertFile(t, filepath.Join(WorkDir(env.root, repo), "file"), tt.want)
		})
	}
}

func Test_reconcile_token_rotation(t *testing.T) {
	env := newTestEnv(t)
	repo := testRepo(model.RoleSource, "gitlab", "org/repo")

	upstream := env.remotePath("gitlab", "T1", "org/repo")
	mustInitRepo(t, upstream, "file", "1")

	r := env.reconciler()
	if _, err := r.Reconcile(txtCtx, repo, testPlatform("gitlab", "T1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// same remote reachable only with the new token
	rotated := env.remotePath("gitlab", "T2", "org/repo")
	mustExec(t, "", "git", "clone", "-q", upstream, rotated)
	hash2 := mustCommit(t, rotated, "file", "2")

	got, err := r.Reconcile(txtCtx, repo, testPlatform("gitlab", "T2"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Rewired || got.Cloned {
		t.Errorf("expected origin to be rewired without clone got %+v", got)
	}
	if got.Head != hash2 {
		t.Errorf("Head got %s want %s", got.Head, hash2)
	}
	origin, err := env.git.RemoteURL(txtCtx, WorkDir(env.root, repo), "origin")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if origin != rotated {
		t.Errorf("origin got %s want %s", origin, rotated)
	}
}

func Test_reconcile_diverged(t *testing.T) {
	env := newTestEnv(t)
	platform := testPlatform("github", "T")
	repo := testRepo(model.RoleSource, "github", "org/repo")

	upstream := env.remotePath("github", "T", "org/repo")
	mustInitRepo(t, upstream, "file", "1")
	hash2 := mustCommit(t, upstream, "file", "2")

	r := env.reconciler()
	if _, err := r.Reconcile(txtCtx, repo, platform); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// force pushed upstream
	mustExec(t, upstream, "git", "reset", "-q", "--hard", "HEAD~1")
	mustCommit(t, upstream, "file", "2-rewritten")

	_, err := r.Reconcile(txtCtx, repo, platform)
	var de *gitops.DivergedHistoryError
	if !errors.As(err, &de) {
		t.Fatalf("expected DivergedHistoryError got %v", err)
	}
	// local history is never overwritten
	if head, _ := env.git.Head(txtCtx, WorkDir(env.root, repo)); head != hash2 {
		t.Errorf("Head got %s want %s", head, hash2)
	}
}

func Test_reconcile_errors(t *testing.T) {
	t.Run("no_token", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.reconciler().Reconcile(txtCtx, testRepo(model.RoleSource, "github", "org/repo"), testPlatform("github", ""))
		var ae *gitops.AuthError
		if !errors.As(err, &ae) {
			t.Errorf("expected AuthError got %v", err)
		}
	})

	t.Run("clone_error", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.reconciler().Reconcile(txtCtx, testRepo(model.RoleSource, "github", "org/missing"), testPlatform("github", "T"))
		var ce *CloneError
		if !errors.As(err, &ce) {
			t.Errorf("expected CloneError got %v", err)
		}
	})

	t.Run("empty_remote", func(t *testing.T) {
		env := newTestEnv(t)
		upstream := env.remotePath("github", "T", "org/empty")
		if err := os.MkdirAll(upstream, 0755); err != nil {
			t.Fatal(err)
		}
		mustExec(t, upstream, "git", "init", "-q", "-b", testMainBranch)

		_, err := env.reconciler().Reconcile(txtCtx, testRepo(model.RoleSource, "github", "org/empty"), testPlatform("github", "T"))
		var be *BranchResolutionError
		if !errors.As(err, &be) {
			t.Errorf("expected BranchResolutionError got %v", err)
		}
	})
}

func Test_reconcile_recreates_invalid_dir(t *testing.T) {
	env := newTestEnv(t)
	platform := testPlatform("github", "T")
	repo := testRepo(model.RoleSource, "github", "org/repo")

	mustInitRepo(t, env.remotePath("github", "T", "org/repo"), "file", "1")

	dir := WorkDir(env.root, repo)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	mustWriteFile(t, filepath.Join(dir, "leftover"), "x")

	got, err := env.reconciler().Reconcile(txtCtx, repo, platform)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Cloned {
		t.Errorf("expected fresh clone")
	}
	if _, err := os.Stat(filepath.Join(dir, "leftover")); !os.IsNotExist(err) {
		t.Errorf("leftover file should be removed err:%v", err)
	}
}

func Test_fanout_isolation(t *testing.T) {
	env := newTestEnv(t)
	source := testRepo(model.RoleSource, "github", "org/repo")
	mirrorA := testRepo(model.RoleMirror, "gitee", "org/repo")
	mirrorB := testRepo(model.RoleMirror, "gitlab", "org/repo")
	unrelated := testRepo(model.RoleMirror, "gitlab", "org/other")

	env.store.addPlatform(testPlatform("github", "T"))
	env.store.addPlatform(testPlatform("gitee", ""))
	env.store.addPlatform(testPlatform("gitlab", "T"))
	env.store.addRepo(source, mirrorA, mirrorB, unrelated)

	hash := mustInitRepo(t, env.remotePath("github", "T", "org/repo"), "file", "1")
	mirrorBPath := mustInitBare(t, env.remotePath("gitlab", "T", "org/repo"))

	res, err := env.reconciler().Reconcile(txtCtx, source, testPlatform("github", "T"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	outcomes := env.fanout(StrategyManual).Fanout(txtCtx, source, res.Branch)

	want := []MirrorOutcome{
		{MirrorID: mirrorA.ID, PlatformID: "gitee", Result: OutcomeSkipped},
		{MirrorID: mirrorB.ID, PlatformID: "gitlab", Result: OutcomeSuccess, Pushed: []string{testMainBranch}},
	}
	if diff := cmp.Diff(want, outcomes, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Fanout() mismatch (-want +got):\n%s", diff)
	}

	if got := mustExec(t, mirrorBPath, "git", "rev-parse", testMainBranch); got != hash {
		t.Errorf("mirror has %s want %s", got, hash)
	}
	env.store.assertStatus(t, mirrorA.ID, model.StatusIdle)
	env.store.assertStatus(t, mirrorB.ID, model.StatusSuccess)
	env.store.assertStatus(t, unrelated.ID, model.StatusIdle)
}

func Test_fanout_conflict_strategy(t *testing.T) {
	tests := []struct {
		strategy   ConflictStrategy
		wantResult OutcomeResult
		wantPushed []string
	}{
		{StrategyManual, OutcomeFailed, []string{testMainBranch}},
		{StrategyPreferSource, OutcomeSuccess, []string{testMainBranch, "dev"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			env := newTestEnv(t)
			source := testRepo(model.RoleSource, "github", "org/repo", testMainBranch, "dev", "missing")
			mirror := testRepo(model.RoleMirror, "gitlab", "org/repo")
			env.store.addPlatform(testPlatform("github", "T"))
			env.store.addPlatform(testPlatform("gitlab", "T"))
			env.store.addRepo(source, mirror)

			upstream := env.remotePath("github", "T", "org/repo")
			mustInitRepo(t, upstream, "file", "1")
			mustExec(t, upstream, "git", "checkout", "-q", "-b", "dev")
			devHash := mustCommit(t, upstream, "file", "dev")
			mustExec(t, upstream, "git", "checkout", "-q", testMainBranch)

			// mirror already has a diverged dev branch
			mirrorPath := mustInitBare(t, env.remotePath("gitlab", "T", "org/repo"))
			other := filepath.Join(t.TempDir(), "other")
			mustExec(t, "", "git", "clone", "-q", upstream, other)
			mustExec(t, other, "git", "checkout", "-q", "-b", "dev")
			mustCommit(t, other, "file", "mirror-only")
			mustExec(t, other, "git", "push", "-q", mirrorPath, "dev")

			r := env.reconciler()
			// make sure dev exists locally on the source working copy
			dir := WorkDir(env.root, source)
			if _, err := r.Reconcile(txtCtx, source, testPlatform("github", "T")); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if err := env.git.Checkout(txtCtx, dir, "dev", "origin/dev"); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if err := env.git.Checkout(txtCtx, dir, testMainBranch, ""); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			outcomes := env.fanout(tt.strategy).Fanout(txtCtx, source, testMainBranch)
			if len(outcomes) != 1 {
				t.Fatalf("expected 1 outcome got %d", len(outcomes))
			}
			out := outcomes[0]
			if out.Result != tt.wantResult {
				t.Errorf("Result got %s want %s", out.Result, tt.wantResult)
			}
			if diff := cmp.Diff(tt.wantPushed, out.Pushed); diff != "" {
				t.Errorf("Pushed mismatch (-want +got):\n%s", diff)
			}

			switch tt.strategy {
			case StrategyManual:
				var de *gitops.DivergedHistoryError
				if !errors.As(out.Failed["dev"], &de) {
					t.Errorf("expected DivergedHistoryError for dev got %v", out.Failed["dev"])
				}
				env.store.assertStatus(t, mirror.ID, model.StatusFailed)
			case StrategyPreferSource:
				if got := mustExec(t, mirrorPath, "git", "rev-parse", "dev"); got != devHash {
					t.Errorf("mirror dev has %s want %s", got, devHash)
				}
				env.store.assertStatus(t, mirror.ID, model.StatusSuccess)
			}
		})
	}
}

func Test_fanout_replaces_stale_remote(t *testing.T) {
	env := newTestEnv(t)
	source := testRepo(model.RoleSource, "github", "org/repo")
	mirror := testRepo(model.RoleMirror, "gitlab", "org/repo")
	env.store.addPlatform(testPlatform("github", "T"))
	env.store.addPlatform(testPlatform("gitlab", "NEW"))
	env.store.addRepo(source, mirror)

	hash := mustInitRepo(t, env.remotePath("github", "T", "org/repo"), "file", "1")
	mirrorPath := mustInitBare(t, env.remotePath("gitlab", "NEW", "org/repo"))

	if _, err := env.reconciler().Reconcile(txtCtx, source, testPlatform("github", "T")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dir := WorkDir(env.root, source)
	if err := env.git.AddRemote(txtCtx, dir, "mirror-gitlab", env.remotePath("gitlab", "OLD", "org/repo")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	outcomes := env.fanout(StrategyManual).Fanout(txtCtx, source, testMainBranch)
	if len(outcomes) != 1 || outcomes[0].Result != OutcomeSuccess {
		t.Fatalf("unexpected outcomes %+v", outcomes)
	}
	if got := mustExec(t, mirrorPath, "git", "rev-parse", testMainBranch); got != hash {
		t.Errorf("mirror has %s want %s", got, hash)
	}
}

func TestParseConflictStrategy(t *testing.T) {
	for in, want := range map[string]ConflictStrategy{"": StrategyManual, "manual": StrategyManual, "prefer_source": StrategyPreferSource} {
		if got, err := ParseConflictStrategy(in); err != nil || got != want {
			t.Errorf("ParseConflictStrategy(%q) = %s, %v", in, got, err)
		}
	}
	if _, err := ParseConflictStrategy("prefer_target"); err == nil {
		t.Errorf("expected error for unknown strategy")
	}
}

type fakeStore struct {
	mu        sync.Mutex
	platforms map[string]model.Platform
	repos     []model.Repository
}

func newFakeStore() *fakeStore {
	return &fakeStore{platforms: map[string]model.Platform{}}
}

func (s *fakeStore) addPlatform(p model.Platform) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.platforms[p.ID] = p
}

func (s *fakeStore) addRepo(repos ...model.Repository) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repos = append(s.repos, repos...)
}

func (s *fakeStore) GetByID(_ context.Context, id string) (model.Platform, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.platforms[id]
	if !ok {
		return model.Platform{}, fmt.Errorf("platform %s not found", id)
	}
	return p, nil
}

func (s *fakeStore) List(_ context.Context) ([]model.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Repository{}, s.repos...), nil
}

func (s *fakeStore) UpdateStatus(_ context.Context, id string, status model.Status, ts time.Time) (model.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.repos {
		if s.repos[i].ID == id {
			s.repos[i].Status = status
			s.repos[i].StatusUpdatedAt = ts
			return s.repos[i], nil
		}
	}
	return model.Repository{}, fmt.Errorf("repository %s not found", id)
}

func (s *fakeStore) assertStatus(t *testing.T, id string, want model.Status) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.repos {
		if r.ID == id {
			if r.Status != want {
				t.Errorf("repository %s status got %s want %s", id, r.Status, want)
			}
			return
		}
	}
	t.Errorf("repository %s not found", id)
}

func mustInitRepo(t *testing.T, repo, file, content string) string {
	t.Helper()
	return mustInitRepoOnBranch(t, repo, testMainBranch, file, content)
}

func mustInitRepoOnBranch(t *testing.T, repo, branch, file, content string) string {
	t.Helper()

	if err := os.MkdirAll(repo, 0755); err != nil {
		t.Fatalf("unable to create repo dir err: %v", err)
	}
	mustExec(t, repo, "git", "init", "-q", "-b", branch)

	return mustCommit(t, repo, file, content)
}

func mustInitBare(t *testing.T, repo string) string {
	t.Helper()

	if err := os.MkdirAll(repo, 0755); err != nil {
		t.Fatalf("unable to create repo dir err: %v", err)
	}
	mustExec(t, repo, "git", "init", "-q", "--bare", "-b", testMainBranch)
	return repo
}

func mustCommit(t *testing.T, repo, file, content string) string {
	t.Helper()

	mustWriteFile(t, filepath.Join(repo, file), content)
	mustExec(t, repo, "git", "add", file)
	mustExec(t, repo, "git", "commit", "-q", "-m", content)
	return mustExec(t, repo, "git", "rev-list", "-n1", "HEAD")
}

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("unable to write to file err: %v", err)
	}
}

func assertFile(t *testing.T, absFile string, expected string) {
	t.Helper()

	if got, err := os.ReadFile(absFile); err != nil {
		t.Fatalf("unable to read file error: %v", err)
	} else if string(got) != expected {
		t.Errorf("expected %q to contain %q but got %q", absFile, expected, got)
	}
}

func mustExec(t *testing.T, cwd string, name string, arg ...string) string {
	t.Helper()

	cmd := exec.Command(name, arg...)
	if cwd != "" {
		cmd.Dir = cwd
	}

	cmd.Env = testENVs

	stdoutStderr, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("err:%v run(%s): { stdoutStderr %q }", cmd.String(), err, stdoutStderr)
	}
	return strings.TrimSpace(string(stdoutStderr))
}
