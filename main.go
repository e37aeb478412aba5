package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"

	"github.com/utilitywarehouse/git-fanout/gitops"
	"github.com/utilitywarehouse/git-fanout/platform"
	"github.com/utilitywarehouse/git-fanout/repopool"
	"github.com/utilitywarehouse/git-fanout/repository"
	"github.com/utilitywarehouse/git-fanout/store"
)

var (
	loggerLevel = new(slog.LevelVar)
	logger      *slog.Logger

	levelStrings = map[string]slog.Level{
		"trace": slog.Level(-8),
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}

	flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Sources: cli.EnvVars("GIT_FANOUT_CONFIG"),
			Usage:   "Absolute path to the config file. if not set defaults are used and everything is managed via api.",
		},
		&cli.StringFlag{
			Name:    "log-level",
			Sources: cli.EnvVars("LOG_LEVEL"),
			Value:   "info",
			Usage:   "Log level, if set it overrides log level from stored settings",
		},
		&cli.StringFlag{
			Name:    "listen",
			Sources: cli.EnvVars("GIT_FANOUT_LISTEN"),
			Value:   ":8080",
			Usage:   "Address the http api, webhook and metrics server listens on",
		},
		&cli.StringFlag{
			Name:    "store",
			Sources: cli.EnvVars("GIT_FANOUT_STORE"),
			Value:   "sqlite",
			Usage:   "Store backend, 'sqlite' or 'memory'",
		},
		&cli.BoolFlag{
			Name:    "watch-config",
			Sources: cli.EnvVars("GIT_FANOUT_WATCH_CONFIG"),
			Value:   true,
			Usage:   "watch config for changes and reload when changes encountered",
		},
		&cli.DurationFlag{
			Name:    "watch-config-interval",
			Sources: cli.EnvVars("GIT_FANOUT_WATCH_CONFIG_INTERVAL"),
			Value:   time.Minute,
			Usage:   "interval at which config file is checked for changes",
		},
	}
)

func init() {
	loggerLevel.Set(slog.LevelInfo)
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: loggerLevel,
	}))
}

// app holds the long lived components shared by config reload and the api.
type app struct {
	store     store.Store
	pool      *repopool.RepoPool
	fanout    *repository.Fanout
	validator *platform.Validator
	root      string

	// logLevelFixed is set when log level was given as argument, stored
	// log level setting is ignored in that case
	logLevelFixed bool
}

// applySettings applies stored settings to running components.
func (a *app) applySettings(s store.Settings) {
	if !a.logLevelFixed {
		if v, ok := levelStrings[strings.ToLower(s.LogLevel)]; ok {
			loggerLevel.Set(v)
		}
	}

	if strategy, err := repository.ParseConflictStrategy(s.ConflictStrategy); err == nil {
		a.fanout.SetConflictStrategy(strategy)
	}

	if !s.AutoSync {
		if err := a.pool.StopAutoSync(); err != nil {
			logger.Error("unable to stop auto sync", "err", err)
		}
		return
	}
	if err := a.pool.ScheduleAutoSync(s.Interval()); err != nil {
		logger.Error("unable to schedule auto sync", "interval", s.Interval(), "err", err)
	}
}

func openStore(backend, dbPath string) (store.Store, error) {
	switch backend {
	case "memory":
		return store.NewMemory(), nil
	case "", "sqlite":
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("unable to create database dir err:%w", err)
		}
		return store.NewSQLite(dbPath)
	}
	return nil, fmt.Errorf("unknown store backend %q, must be one of sqlite, memory", backend)
}

func run(ctx context.Context, c *cli.Command) error {
	// set log level according to argument
	if v, ok := levelStrings[strings.ToLower(c.String("log-level"))]; ok {
		loggerLevel.Set(v)
	}

	conf := defaultConfig()
	configPath := c.String("config")
	if configPath != "" {
		var err error
		if conf, err = parseConfigFile(configPath); err != nil {
			return fmt.Errorf("unable to parse config file err:%w", err)
		}
	}

	st, err := openStore(c.String("store"), conf.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := store.SeedBuiltinPlatforms(ctx, st.Platforms(), logger); err != nil {
		return fmt.Errorf("unable to seed platforms err:%w", err)
	}
	if conf.LegacyConfig != "" {
		if _, err := store.MigrateLegacyConfig(ctx, conf.LegacyConfig, st, logger.With("logger", "migrate")); err != nil {
			logger.Error("legacy config migration failed", "path", conf.LegacyConfig, "err", err)
		}
	}

	git, err := gitops.New(conf.GitBackend, conf.GitTimeout, logger.With("logger", "git"))
	if err != nil {
		return fmt.Errorf("unable to create git backend err:%w", err)
	}

	tokens := platform.NewTokenSource(nil, logger.With("logger", "token-source"))

	reconciler := repository.NewReconciler(conf.Root, git, nil, logger.With("logger", "reconciler"))
	fanout := repository.NewFanout(repository.FanoutConfig{
		Root:      conf.Root,
		Git:       git,
		Repos:     st.Repositories(),
		Platforms: st.Platforms(),
		Status:    st.Repositories(),
		Creds:     tokens,
	}, logger.With("logger", "fanout"))

	repopool.EnableMetrics("git_fanout", prometheus.DefaultRegisterer)
	prometheus.MustRegister(configSuccess, configSuccessTime)

	pool, err := repopool.New(ctx, conf.poolConfig(), repopool.Deps{
		Repositories: st.Repositories(),
		Platforms:    st.Platforms(),
		Reconciler:   reconciler,
		Fanout:       fanout,
		Creds:        tokens,
	}, logger.With("logger", "repopool"))
	if err != nil {
		return fmt.Errorf("could not create repository pool err:%w", err)
	}

	a := &app{
		store:         st,
		pool:          pool,
		fanout:        fanout,
		validator:     platform.NewValidator(nil, tokens),
		root:          conf.Root,
		logLevelFixed: c.IsSet("log-level"),
	}

	if configPath != "" {
		onChange := func(newConfig *Config) bool { return a.ensureConfig(ctx, newConfig) }
		// first apply is synchronous so that cleanup sees repositories
		// declared in config
		WatchConfig(ctx, configPath, false, 0, onChange)
		if c.Bool("watch-config") {
			go WatchConfig(ctx, configPath, true, c.Duration("watch-config-interval"), onChange)
		}
	} else {
		settings, err := st.Config().Get(ctx)
		if err != nil {
			return fmt.Errorf("unable to read settings err:%w", err)
		}
		a.applySettings(settings)
	}

	if repos, err := st.Repositories().List(ctx); err != nil {
		logger.Error("unable to list repositories for clean up", "err", err)
	} else {
		cleanupOrphanedRepos(ctx, conf.Root, repos, git)
	}

	mux := http.NewServeMux()
	a.registerRoutes(mux)
	if conf.WebhookSecret != "" {
		mux.Handle("POST /github-webhook", &GithubWebhookHandler{
			repoPool: pool,
			secret:   conf.WebhookSecret,
			log:      logger.With("logger", "github-webhook"),
		})
	}

	server := &http.Server{
		Addr:              c.String("listen"),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	//listenForShutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case <-stop:
	case err := <-serverErr:
		logger.Error("server failed", "err", err)
	}
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("unable to shutdown server", "err", err)
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Error("sync jobs did not finish in time", "err", err)
	}

	return nil
}

func main() {
	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Error("unable to load .env file", "err", err)
	}

	cmd := &cli.Command{
		Name:   "git-fanout",
		Usage:  "git-fanout keeps source repositories in sync and pushes their branches to mirrors on other platforms.",
		Flags:  flags,
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logger.Error("failed to run app", "err", err)
		os.Exit(1)
	}
}
