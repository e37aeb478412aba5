// Package repopool coordinates sync jobs of registered repositories.
//
// A sync job reconciles the working copy of a repository with its remote
// and, for source repositories, pushes configured branches to all mirrors.
// Jobs run in background goroutines. SyncOne and SyncAll only mark the
// repository as `syncing` and return, the outcome is observed later via
// Status.
//
// At most one job per repository id is in flight at any time. The guard is
// released when the job ends, including when it panics, so a failure never
// wedges future syncs of the repository.
//
// # Logging:
//
// package takes slog reference for logging and prints logs up to 'trace' level
//
// Example:
//
//	loggerLevel  = new(slog.LevelVar)
//	levelStrings = map[string]slog.Level{
//		"trace": slog.Level(-8),
//		"debug": slog.LevelDebug,
//		"info":  slog.LevelInfo,
//		"warn":  slog.LevelWarn,
//		"error": slog.LevelError,
//	}
//
//	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//		Level: loggerLevel,
//	}))
//	loggerLevel.Set(levelStrings["trace"])
//
//	pool, err := repopool.New(ctx, repopool.Config{}, repopool.Deps{
//		Repositories: st.Repositories(),
//		Platforms:    st.Platforms(),
//		Reconciler:   reconciler,
//		Fanout:       fanout,
//	}, logger.With("logger", "git-fanout"))
//	if err != nil {
//		return err
//	}
//
//	if err := pool.ScheduleAutoSync(time.Hour); err != nil {
//		return err
//	}
package repopool
