package repopool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/utilitywarehouse/git-fanout/gitops"
	"github.com/utilitywarehouse/git-fanout/giturl"
	"github.com/utilitywarehouse/git-fanout/internal/lock"
	"github.com/utilitywarehouse/git-fanout/model"
	"github.com/utilitywarehouse/git-fanout/repository"
	"github.com/utilitywarehouse/git-fanout/store"
)

var (
	ErrNotExist        = errors.New("repository does not exist")
	ErrAlreadyInFlight = errors.New("sync already in flight")
	ErrStopped         = errors.New("repo pool is stopped")
)

// terminal status is written with its own context so that it is persisted
// even if job was cancelled
const statusWriteTimeout = 30 * time.Second

type RepositoryStore interface {
	List(ctx context.Context) ([]model.Repository, error)
	GetByID(ctx context.Context, id string) (model.Repository, error)
	UpdateStatus(ctx context.Context, id string, status model.Status, ts time.Time) (model.Repository, error)
}

type PlatformStore interface {
	GetByID(ctx context.Context, id string) (model.Platform, error)
	List(ctx context.Context) ([]model.Platform, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, repo model.Repository, platform model.Platform) (repository.ReconcileResult, error)
}

type Fanouter interface {
	Fanout(ctx context.Context, source model.Repository, branchUsed string) []repository.MirrorOutcome
}

// Deps are the collaborators of RepoPool. Fanout and Creds are optional.
type Deps struct {
	Repositories RepositoryStore
	Platforms    PlatformStore
	Reconciler   Reconciler
	Fanout       Fanouter
	Creds        repository.CredentialResolver
}

// SyncJob is a single sync run of a repository. It only exists in memory
// while the run holds the in-flight guard of the repository.
type SyncJob struct {
	RepoID    string    `json:"repoId"`
	RunID     uuid.UUID `json:"runId"`
	StartedAt time.Time `json:"startedAt"`
}

// RepoPool coordinates sync jobs of all registered repositories.
// At most one job per repository id runs at any time.
// A RepoPool is safe for concurrent use by multiple goroutines.
type RepoPool struct {
	ctx    context.Context
	cancel context.CancelFunc
	conf   Config
	log    *slog.Logger

	repos      RepositoryStore
	platforms  PlatformStore
	reconciler Reconciler
	fanout     Fanouter
	creds      repository.CredentialResolver

	lock     lock.Mutex
	inFlight map[string]SyncJob
	stopped  bool

	workers workerGroup
	sem     chan struct{}

	schedLock   lock.Mutex
	scheduler   gocron.Scheduler
	autoSyncJob gocron.Job
}

// New will create RepoPool based on given config. Jobs are cancelled when
// ctx is done. Auto sync is off until ScheduleAutoSync is called.
func New(ctx context.Context, conf Config, deps Deps, log *slog.Logger) (*RepoPool, error) {
	if err := conf.ValidateAndApplyDefaults(); err != nil {
		return nil, err
	}
	if deps.Repositories == nil || deps.Platforms == nil || deps.Reconciler == nil {
		return nil, fmt.Errorf("repositories, platforms and reconciler are required")
	}
	if log == nil {
		log = slog.Default()
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("unable to create scheduler err:%w", err)
	}

	poolCtx, cancel := context.WithCancel(ctx)

	rp := &RepoPool{
		ctx:        poolCtx,
		cancel:     cancel,
		conf:       conf,
		log:        log,
		repos:      deps.Repositories,
		platforms:  deps.Platforms,
		reconciler: deps.Reconciler,
		fanout:     deps.Fanout,
		creds:      deps.Creds,
		inFlight:   make(map[string]SyncJob),
		sem:        make(chan struct{}, conf.MaxConcurrentSyncs),
		scheduler:  s,
	}
	s.Start()

	return rp, nil
}

// SyncOne marks repository as syncing and starts sync job in background.
// It returns ErrAlreadyInFlight if the repository is already being synced.
// Result of the job is only available via Status.
func (rp *RepoPool) SyncOne(ctx context.Context, id string) error {
	repo, err := rp.repos.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotExist
		}
		return err
	}
	return rp.submit(ctx, repo)
}

// SyncAll starts sync job for every registered repository and returns
// the number of jobs scheduled. Repositories already in flight are skipped.
func (rp *RepoPool) SyncAll(ctx context.Context) (int, error) {
	repos, err := rp.repos.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("unable to list repositories err:%w", err)
	}

	var count int
	for _, repo := range repos {
		err := rp.submit(ctx, repo)
		switch {
		case err == nil:
			count++
		case errors.Is(err, ErrAlreadyInFlight):
			rp.log.Debug("sync already in flight", "repo", repo.ID)
		case errors.Is(err, ErrStopped):
			return count, err
		default:
			rp.log.Error("unable to schedule sync", "repo", repo.ID, "err", err)
		}
	}
	return count, nil
}

// QueueSyncByRemote starts sync job for every source repository whose
// remote points at given parsed url. It returns ErrNotExist if there is no
// such repository.
func (rp *RepoPool) QueueSyncByRemote(ctx context.Context, remote *giturl.URL) (int, error) {
	platforms, err := rp.platforms.List(ctx)
	if err != nil {
		return 0, err
	}
	byID := make(map[string]model.Platform, len(platforms))
	for _, p := range platforms {
		byID[p.ID] = p
	}

	repos, err := rp.repos.List(ctx)
	if err != nil {
		return 0, err
	}

	var matched, count int
	for _, repo := range repos {
		p, ok := byID[repo.PlatformID]
		if repo.Role != model.RoleSource || !ok {
			continue
		}
		u, err := giturl.Parse(giturl.PlainURL(p, repo.Path))
		if err != nil {
			rp.log.Debug("unable to parse repository remote", "repo", repo.ID, "err", err)
			continue
		}
		if !u.Equals(remote) {
			continue
		}
		matched++
		err = rp.submit(ctx, repo)
		switch {
		case err == nil:
			count++
		case errors.Is(err, ErrAlreadyInFlight):
		default:
			return count, err
		}
	}
	if matched == 0 {
		return 0, ErrNotExist
	}
	return count, nil
}

// Status returns last known sync status of the repository.
func (rp *RepoPool) Status(ctx context.Context, id string) (model.Status, time.Time, error) {
	repo, err := rp.repos.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", time.Time{}, ErrNotExist
		}
		return "", time.Time{}, err
	}
	return repo.Status, repo.StatusUpdatedAt, nil
}

// InFlight returns true if a sync job of the repository is running or queued.
func (rp *RepoPool) InFlight(id string) bool {
	rp.lock.Lock()
	defer rp.lock.Unlock()
	_, ok := rp.inFlight[id]
	return ok
}

// Jobs returns sync jobs currently in flight ordered by start time.
func (rp *RepoPool) Jobs() []SyncJob {
	rp.lock.Lock()
	defer rp.lock.Unlock()

	jobs := make([]SyncJob, 0, len(rp.inFlight))
	for _, j := range rp.inFlight {
		jobs = append(jobs, j)
	}
	slices.SortFunc(jobs, func(a, b SyncJob) int { return a.StartedAt.Compare(b.StartedAt) })
	return jobs
}

// ScheduleAutoSync (re)schedules SyncAll to run every interval.
// Non positive interval disables auto sync.
func (rp *RepoPool) ScheduleAutoSync(interval time.Duration) error {
	rp.schedLock.Lock()
	defer rp.schedLock.Unlock()

	if err := rp.removeAutoSync(); err != nil {
		return err
	}
	if interval <= 0 {
		return nil
	}

	job, err := rp.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(rp.autoSync),
		gocron.WithName("auto-sync"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("unable to schedule auto sync err:%w", err)
	}
	rp.autoSyncJob = job
	rp.log.Info("auto sync scheduled", "interval", interval)
	return nil
}

// StopAutoSync removes auto sync job if its scheduled.
func (rp *RepoPool) StopAutoSync() error {
	rp.schedLock.Lock()
	defer rp.schedLock.Unlock()
	return rp.removeAutoSync()
}

func (rp *RepoPool) removeAutoSync() error {
	if rp.autoSyncJob == nil {
		return nil
	}
	if err := rp.scheduler.RemoveJob(rp.autoSyncJob.ID()); err != nil {
		return fmt.Errorf("unable to remove auto sync job err:%w", err)
	}
	rp.autoSyncJob = nil
	rp.log.Info("auto sync stopped")
	return nil
}

func (rp *RepoPool) autoSync() {
	count, err := rp.SyncAll(rp.ctx)
	if err != nil {
		rp.log.Error("auto sync failed", "err", err)
		return
	}
	rp.log.Info("auto sync triggered", "scheduled", count)
}

// Shutdown stops auto sync, refuses new jobs and waits for running jobs to
// finish. If ctx is done before that, running jobs are cancelled.
func (rp *RepoPool) Shutdown(ctx context.Context) error {
	rp.lock.Lock()
	rp.stopped = true
	rp.lock.Unlock()

	if err := rp.scheduler.Shutdown(); err != nil {
		rp.log.Error("unable to stop scheduler", "err", err)
	}

	err := rp.workers.StopAndWait(ctx)
	rp.cancel()
	return err
}

func (rp *RepoPool) submit(ctx context.Context, repo model.Repository) error {
	job, err := rp.claim(repo.ID)
	if err != nil {
		return err
	}

	if _, err := rp.repos.UpdateStatus(ctx, repo.ID, model.StatusSyncing, job.StartedAt); err != nil {
		rp.release(repo.ID)
		return fmt.Errorf("unable to update status err:%w", err)
	}

	if !rp.workers.Go(func() { rp.run(job, repo) }) {
		// pool is shutting down, put back previous status
		wCtx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
		defer cancel()
		if _, err := rp.repos.UpdateStatus(wCtx, repo.ID, repo.Status, repo.StatusUpdatedAt); err != nil {
			rp.log.Error("unable to restore status", "repo", repo.ID, "err", err)
		}
		rp.release(repo.ID)
		return ErrStopped
	}
	return nil
}

func (rp *RepoPool) claim(id string) (SyncJob, error) {
	rp.lock.Lock()
	defer rp.lock.Unlock()

	if rp.stopped {
		return SyncJob{}, ErrStopped
	}
	if _, ok := rp.inFlight[id]; ok {
		return SyncJob{}, ErrAlreadyInFlight
	}
	job := SyncJob{RepoID: id, RunID: uuid.New(), StartedAt: time.Now()}
	rp.inFlight[id] = job
	setSyncsInFlight(len(rp.inFlight))
	return job, nil
}

func (rp *RepoPool) release(id string) {
	rp.lock.Lock()
	defer rp.lock.Unlock()
	delete(rp.inFlight, id)
	setSyncsInFlight(len(rp.inFlight))
}

func (rp *RepoPool) run(job SyncJob, repo model.Repository) {
	log := rp.log.With("repo", job.RepoID, "run", job.RunID.String())
	status := model.StatusFailed

	defer func() {
		if r := recover(); r != nil {
			log.Error("sync panicked", "panic", r)
			status = model.StatusFailed
		}

		wCtx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
		defer cancel()
		if _, err := rp.repos.UpdateStatus(wCtx, job.RepoID, status, time.Now()); err != nil {
			log.Error("unable to update status", "status", status, "err", err)
		}
		recordSync(job.RepoID, status == model.StatusSuccess, job.StartedAt)
		rp.release(job.RepoID)
	}()

	select {
	case rp.sem <- struct{}{}:
	case <-rp.ctx.Done():
		log.Error("sync cancelled before start", "err", rp.ctx.Err())
		return
	}
	defer func() { <-rp.sem }()

	ctx, cancel := context.WithTimeout(rp.ctx, rp.conf.SyncTimeout)
	defer cancel()

	start := time.Now()
	if err := rp.sync(ctx, log, repo); err != nil {
		log.Error("sync failed", "err", err)
		return
	}
	status = model.StatusSuccess
	log.Info("sync completed", "duration", time.Since(start))
}

// sync reconciles the repository working copy and fans out source
// branches to its mirrors. Mirror failures don't fail the sync.
func (rp *RepoPool) sync(ctx context.Context, log *slog.Logger, repo model.Repository) error {
	platform, err := rp.platforms.GetByID(ctx, repo.PlatformID)
	if err != nil {
		return fmt.Errorf("unable to get platform %s err:%w", repo.PlatformID, err)
	}
	if rp.creds != nil && platform.HasCredentials() {
		if platform, err = rp.creds.Resolve(ctx, platform); err != nil {
			return &gitops.AuthError{Op: "resolve credentials", URL: giturl.PlainURL(platform, repo.Path), Err: err}
		}
	}

	res, err := rp.reconciler.Reconcile(ctx, repo, platform)
	if err != nil {
		return err
	}
	log.Debug("repository reconciled", "branch", res.Branch, "head", res.Head, "cloned", res.Cloned, "rewired", res.Rewired)

	if repo.Role != model.RoleSource || rp.fanout == nil {
		return nil
	}

	for _, o := range rp.fanout.Fanout(ctx, repo, res.Branch) {
		switch o.Result {
		case repository.OutcomeSuccess:
			recordMirrorPush(o.MirrorID, true)
		case repository.OutcomeFailed:
			recordMirrorPush(o.MirrorID, false)
		}
	}
	return nil
}
