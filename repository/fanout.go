package repository

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/utilitywarehouse/git-fanout/giturl"
	"github.com/utilitywarehouse/git-fanout/gitops"
	"github.com/utilitywarehouse/git-fanout/internal/lock"
	"github.com/utilitywarehouse/git-fanout/model"
)

// ConflictStrategy decides what happens when a mirror branch has diverged
// from the source branch.
type ConflictStrategy string

const (
	// StrategyManual reports the rejected push as DivergedHistoryError.
	StrategyManual ConflictStrategy = "manual"
	// StrategyPreferSource force pushes source branches to mirrors.
	StrategyPreferSource ConflictStrategy = "prefer_source"
)

// ParseConflictStrategy returns strategy by name, empty name is manual.
func ParseConflictStrategy(s string) (ConflictStrategy, error) {
	switch ConflictStrategy(s) {
	case "", StrategyManual:
		return StrategyManual, nil
	case StrategyPreferSource:
		return StrategyPreferSource, nil
	}
	return "", fmt.Errorf("invalid conflict strategy %q, must be one of %s, %s", s, StrategyManual, StrategyPreferSource)
}

// OutcomeResult is the result of fanning out to a single mirror.
type OutcomeResult string

const (
	OutcomeSuccess OutcomeResult = "success"
	OutcomeFailed  OutcomeResult = "failed"
	OutcomeSkipped OutcomeResult = "skipped"
)

// MirrorOutcome is the result of pushing source branches to one mirror.
type MirrorOutcome struct {
	MirrorID   string
	PlatformID string
	Result     OutcomeResult
	Pushed     []string
	// Failed holds push errors by branch name
	Failed map[string]error
	// Err is set when the mirror failed before any push was attempted
	Err error
}

type PlatformGetter interface {
	GetByID(ctx context.Context, id string) (model.Platform, error)
}

type RepositoryLister interface {
	List(ctx context.Context) ([]model.Repository, error)
}

// StatusUpdater persists repository sync status.
type StatusUpdater interface {
	UpdateStatus(ctx context.Context, id string, status model.Status, ts time.Time) (model.Repository, error)
}

// CredentialResolver fills in the auth token of a platform.
type CredentialResolver interface {
	Resolve(ctx context.Context, p model.Platform) (model.Platform, error)
}

// Fanout pushes branches of a reconciled source working copy to every
// mirror sharing its path on other platforms.
type Fanout struct {
	root      string
	git       gitops.Git
	repos     RepositoryLister
	platforms PlatformGetter
	status    StatusUpdater
	creds     CredentialResolver
	buildURL  URLBuilder
	log       *slog.Logger

	lock     lock.RWMutex
	strategy ConflictStrategy
}

// FanoutConfig holds collaborators of Fanout. Creds and BuildURL are optional.
type FanoutConfig struct {
	Root      string
	Git       gitops.Git
	Repos     RepositoryLister
	Platforms PlatformGetter
	Status    StatusUpdater
	Creds     CredentialResolver
	BuildURL  URLBuilder
	Strategy  ConflictStrategy
}

func NewFanout(cfg FanoutConfig, log *slog.Logger) *Fanout {
	if cfg.BuildURL == nil {
		cfg.BuildURL = giturl.Build
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyManual
	}
	return &Fanout{
		root:      cfg.Root,
		git:       cfg.Git,
		repos:     cfg.Repos,
		platforms: cfg.Platforms,
		status:    cfg.Status,
		creds:     cfg.Creds,
		buildURL:  cfg.BuildURL,
		strategy:  cfg.Strategy,
		log:       log,
	}
}

// SetConflictStrategy changes strategy used by subsequent fanouts.
func (f *Fanout) SetConflictStrategy(s ConflictStrategy) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.strategy = s
}

func (f *Fanout) conflictStrategy() ConflictStrategy {
	f.lock.RLock()
	defer f.lock.RUnlock()
	return f.strategy
}

// mirrorsOf returns mirrors of source among repos. Paths are matched
// case-insensitively like everywhere else repositories are looked up.
func mirrorsOf(source model.Repository, repos []model.Repository) []model.Repository {
	var mirrors []model.Repository
	for _, r := range repos {
		if r.Role == model.RoleMirror && r.PlatformID != source.PlatformID && strings.EqualFold(r.Path, source.Path) {
			mirrors = append(mirrors, r)
		}
	}
	return mirrors
}

// Fanout pushes branches of the source working copy to all its mirrors.
// Failures are contained per mirror and reflected only in the mirror's own
// status, hence it never returns an error.
func (f *Fanout) Fanout(ctx context.Context, source model.Repository, branchUsed string) []MirrorOutcome {
	log := f.log.With("repo", source.ID)

	all, err := f.repos.List(ctx)
	if err != nil {
		log.Error("unable to list repositories, skipping fanout", "err", err)
		return nil
	}
	mirrors := mirrorsOf(source, all)
	if len(mirrors) == 0 {
		return nil
	}

	dir := WorkDir(f.root, source)
	branches, err := f.branchesToPush(ctx, dir, source, branchUsed)
	if err != nil {
		log.Error("unable to list local branches", "err", err)
	}

	force := f.conflictStrategy() == StrategyPreferSource
	outcomes := make([]MirrorOutcome, 0, len(mirrors))
	for _, m := range mirrors {
		var out MirrorOutcome
		if err != nil {
			out = MirrorOutcome{MirrorID: m.ID, PlatformID: m.PlatformID, Result: OutcomeFailed, Err: err}
		} else {
			out = f.pushMirror(ctx, log, dir, m, branches, force)
		}
		outcomes = append(outcomes, out)

		if out.Result == OutcomeSkipped {
			continue
		}
		status := model.StatusSuccess
		if out.Result == OutcomeFailed {
			status = model.StatusFailed
		}
		if _, err := f.status.UpdateStatus(ctx, m.ID, status, time.Now()); err != nil {
			log.Error("unable to update mirror status", "mirror", m.ID, "status", status, "err", err)
		}
	}
	return outcomes
}

// branchesToPush returns configured branches which exist locally followed
// by branchUsed if it is not one of them.
func (f *Fanout) branchesToPush(ctx context.Context, dir string, source model.Repository, branchUsed string) ([]string, error) {
	local, err := f.git.ListLocalBranches(ctx, dir)
	if err != nil {
		return nil, err
	}
	var branches []string
	for _, b := range source.CandidateBranches() {
		if slices.Contains(local, b) && !slices.Contains(branches, b) {
			branches = append(branches, b)
		}
	}
	if branchUsed != "" && !slices.Contains(branches, branchUsed) && slices.Contains(local, branchUsed) {
		branches = append(branches, branchUsed)
	}
	return branches, nil
}

func (f *Fanout) pushMirror(ctx context.Context, log *slog.Logger, dir string, mirror model.Repository, branches []string, force bool) MirrorOutcome {
	out := MirrorOutcome{MirrorID: mirror.ID, PlatformID: mirror.PlatformID}
	log = log.With("mirror", mirror.ID)

	fail := func(err error) MirrorOutcome {
		log.Error("mirror failed", "err", err)
		out.Result = OutcomeFailed
		out.Err = err
		return out
	}

	platform, err := f.platforms.GetByID(ctx, mirror.PlatformID)
	if err != nil {
		return fail(fmt.Errorf("unable to get platform %s err:%w", mirror.PlatformID, err))
	}
	if !platform.HasCredentials() {
		log.Warn("mirror platform has no token configured, skipping", "platform", platform.ID)
		out.Result = OutcomeSkipped
		return out
	}
	if f.creds != nil {
		if platform, err = f.creds.Resolve(ctx, platform); err != nil {
			return fail(fmt.Errorf("unable to resolve platform credentials err:%w", err))
		}
	}
	url, err := f.buildURL(platform, mirror.Path)
	if err != nil {
		return fail(err)
	}

	// always replace the remote as tokens rotate
	remote := "mirror-" + mirror.PlatformID
	remotes, err := f.git.ListRemotes(ctx, dir)
	if err != nil {
		return fail(err)
	}
	if slices.Contains(remotes, remote) {
		if err := f.git.RemoveRemote(ctx, dir, remote); err != nil {
			return fail(err)
		}
	}
	if err := f.git.AddRemote(ctx, dir, remote, url); err != nil {
		return fail(err)
	}

	for _, b := range branches {
		if err := f.git.Push(ctx, dir, remote, b, force); err != nil {
			log.Warn("unable to push branch to mirror", "branch", b, "err", err)
			if out.Failed == nil {
				out.Failed = map[string]error{}
			}
			out.Failed[b] = err
			continue
		}
		out.Pushed = append(out.Pushed, b)
	}

	out.Result = OutcomeSuccess
	if len(out.Failed) > 0 {
		out.Result = OutcomeFailed
	}
	log.Info("mirror updated", "pushed", out.Pushed, "failed", len(out.Failed), "force", force)
	return out
}
