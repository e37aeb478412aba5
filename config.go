package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"time"

	"github.com/adrg/xdg"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/utilitywarehouse/git-fanout/gitops"
	"github.com/utilitywarehouse/git-fanout/model"
	"github.com/utilitywarehouse/git-fanout/repopool"
	"github.com/utilitywarehouse/git-fanout/repository"
	"github.com/utilitywarehouse/git-fanout/store"
)

const appName = "git-fanout"

var (
	configSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "git_fanout_config_last_reload_successful",
		Help: "Whether the last configuration reload attempt was successful.",
	})
	configSuccessTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "git_fanout_config_last_reload_success_timestamp_seconds",
		Help: "Timestamp of the last successful configuration reload.",
	})
)

// Config is the config file of git-fanout. Only platforms, repositories
// auto_sync, sync_interval and conflict_strategy are applied on reload, rest
// of the config requires restart.
type Config struct {
	// GitBackend is the git implementation, 'exec' or 'go-git'
	GitBackend string `yaml:"git_backend"`
	// GitTimeout caps every single git operation
	GitTimeout time.Duration `yaml:"git_timeout"`
	// Root is the absolute path to the dir where working copies are kept
	Root string `yaml:"root"`
	// Database is the path to the sqlite database file
	Database string `yaml:"database"`
	// LegacyConfig is the path to the legacy sources/mirrors config file
	// which is imported on start up if repository store is empty
	LegacyConfig string `yaml:"legacy_config"`

	SyncTimeout        time.Duration `yaml:"sync_timeout"`
	MaxConcurrentSyncs int           `yaml:"max_concurrent_syncs"`

	AutoSync         *bool         `yaml:"auto_sync"`
	SyncInterval     time.Duration `yaml:"sync_interval"`
	ConflictStrategy string        `yaml:"conflict_strategy"`

	// WebhookSecret is used to verify Github push webhooks, webhook
	// endpoint is disabled if not set
	WebhookSecret string `yaml:"webhook_secret"`

	Platforms    []PlatformConfig   `yaml:"platforms"`
	Repositories []RepositoryConfig `yaml:"repositories"`
}

// PlatformConfig declares a platform or overrides attributes of an
// existing one (ie token of a built-in platform).
type PlatformConfig struct {
	ID        string           `yaml:"id"`
	Name      string           `yaml:"name"`
	BaseURL   string           `yaml:"base_url"`
	APIURL    string           `yaml:"api_url"`
	AuthToken string           `yaml:"auth_token"`
	URLScheme string           `yaml:"url_scheme"`
	GitHubApp *model.GitHubApp `yaml:"github_app"`
}

type RepositoryConfig struct {
	Role     string   `yaml:"role"`
	Platform string   `yaml:"platform"`
	Path     string   `yaml:"path"`
	Branches []string `yaml:"branches"`
}

func defaultConfig() *Config {
	conf := &Config{}
	applyDefaults(conf)
	return conf
}

func applyDefaults(conf *Config) {
	if conf.GitBackend == "" {
		conf.GitBackend = gitops.BackendExec
	}
	if conf.GitTimeout == 0 {
		conf.GitTimeout = gitops.DefaultTimeout
	}
	if conf.Root == "" {
		conf.Root = filepath.Join(xdg.DataHome, appName, "repos")
	}
	if conf.Database == "" {
		conf.Database = filepath.Join(xdg.DataHome, appName, appName+".db")
	}
}

func (c *Config) validate() error {
	var errs []error

	switch c.GitBackend {
	case gitops.BackendExec, gitops.BackendGoGit:
	default:
		errs = append(errs, fmt.Errorf("git_backend must be one of %s, %s", gitops.BackendExec, gitops.BackendGoGit))
	}
	if !filepath.IsAbs(c.Root) {
		errs = append(errs, fmt.Errorf("repository root '%s' must be absolute", c.Root))
	}
	if c.SyncInterval != 0 && c.SyncInterval < time.Minute {
		errs = append(errs, fmt.Errorf("provided sync interval is too short (%s), must be > %s", c.SyncInterval, time.Minute))
	}
	if c.ConflictStrategy != "" {
		if _, err := repository.ParseConflictStrategy(c.ConflictStrategy); err != nil {
			errs = append(errs, err)
		}
	}
	poolConf := c.poolConfig()
	if err := poolConf.ValidateAndApplyDefaults(); err != nil {
		errs = append(errs, err)
	}

	for i, p := range c.Platforms {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("platforms[%d] id is required", i))
		}
		if p.URLScheme != "" {
			if _, err := model.ParseURLScheme(p.URLScheme); err != nil {
				errs = append(errs, fmt.Errorf("platforms[%s] %w", p.ID, err))
			}
		}
		if p.GitHubApp != nil && !p.GitHubApp.Complete() {
			errs = append(errs, fmt.Errorf("platforms[%s] all of the Github app attribute is required", p.ID))
		}
	}
	for _, r := range c.Repositories {
		repo := model.Repository{Role: model.Role(r.Role), PlatformID: r.Platform, Path: r.Path, Branches: r.Branches}
		if err := repo.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("repositories[%s/%s] %w", r.Platform, r.Path, err))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) poolConfig() repopool.Config {
	return repopool.Config{
		SyncTimeout:        c.SyncTimeout,
		MaxConcurrentSyncs: c.MaxConcurrentSyncs,
	}
}

// applySettings overlays settings declared in config file.
func (c *Config) applySettings(s store.Settings) store.Settings {
	if c.AutoSync != nil {
		s.AutoSync = *c.AutoSync
	}
	if c.SyncInterval != 0 {
		s.SyncInterval = int(c.SyncInterval.Seconds())
	}
	if c.ConflictStrategy != "" {
		s.ConflictStrategy = c.ConflictStrategy
	}
	return s
}

func parseConfigFile(path string) (*Config, error) {
	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := validateConfig(yamlFile); err != nil {
		return nil, err
	}

	conf := &Config{}
	if err := yaml.Unmarshal(yamlFile, conf); err != nil {
		return nil, err
	}
	expandEnv(conf)
	applyDefaults(conf)

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// expandEnv replaces ${var} or $var in secrets with the value of env var
func expandEnv(conf *Config) {
	conf.WebhookSecret = os.ExpandEnv(conf.WebhookSecret)
	for i := range conf.Platforms {
		conf.Platforms[i].AuthToken = os.ExpandEnv(conf.Platforms[i].AuthToken)
	}
}

func validateConfig(yamlData []byte) error {
	var raw map[string]any
	if err := yaml.Unmarshal(yamlData, &raw); err != nil {
		return err
	}
	if raw == nil {
		return nil
	}

	if key := findUnexpectedKey(raw, getAllowedKeys(Config{})); key != "" {
		return fmt.Errorf("unexpected key: .%v", key)
	}

	if platforms, ok := raw["platforms"]; ok && platforms != nil {
		list, ok := platforms.([]any)
		if !ok {
			return fmt.Errorf("platforms config section is not valid")
		}
		allowedPlatformKeys := getAllowedKeys(PlatformConfig{})
		allowedAppKeys := getAllowedKeys(model.GitHubApp{})
		for _, pInterface := range list {
			pMap, ok := pInterface.(map[string]any)
			if !ok {
				return fmt.Errorf("platforms config section is not valid")
			}
			if key := findUnexpectedKey(pMap, allowedPlatformKeys); key != "" {
				return fmt.Errorf("unexpected key: .platforms[%v].%v", pMap["id"], key)
			}
			if appMap, ok := pMap["github_app"].(map[string]any); ok {
				if key := findUnexpectedKey(appMap, allowedAppKeys); key != "" {
					return fmt.Errorf("unexpected key: .platforms[%v].github_app.%v", pMap["id"], key)
				}
			}
		}
	}

	if repos, ok := raw["repositories"]; ok && repos != nil {
		list, ok := repos.([]any)
		if !ok {
			return fmt.Errorf("repositories config section is not valid")
		}
		allowedRepoKeys := getAllowedKeys(RepositoryConfig{})
		for _, repoInterface := range list {
			repoMap, ok := repoInterface.(map[string]any)
			if !ok {
				return fmt.Errorf("repositories config section is not valid")
			}
			if key := findUnexpectedKey(repoMap, allowedRepoKeys); key != "" {
				return fmt.Errorf("unexpected key: .repositories[%v].%v", repoMap["path"], key)
			}
		}
	}

	return nil
}

// getAllowedKeys retrieves a list of allowed keys from the specified struct
func getAllowedKeys(config any) []string {
	var allowedKeys []string
	typ := reflect.TypeOf(config)

	for i := 0; i < typ.NumField(); i++ {
		yamlTag := typ.Field(i).Tag.Get("yaml")
		if yamlTag != "" {
			allowedKeys = append(allowedKeys, yamlTag)
		}
	}
	return allowedKeys
}

func findUnexpectedKey(raw map[string]any, allowedKeys []string) string {
	for key := range raw {
		if !slices.Contains(allowedKeys, key) {
			return key
		}
	}
	return ""
}

// WatchConfig polls the config file every interval and reloads if modified
func WatchConfig(ctx context.Context, path string, watchConfig bool, interval time.Duration, onChange func(*Config) bool) {
	var lastModTime time.Time
	var success bool

	for {
		lastModTime, success = loadConfig(path, lastModTime, onChange)
		if success {
			configSuccess.Set(1)
			configSuccessTime.SetToCurrentTime()
		} else {
			configSuccess.Set(0)
		}

		if !watchConfig {
			return
		}

		t := time.NewTimer(interval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

func loadConfig(path string, lastModTime time.Time, onChange func(*Config) bool) (time.Time, bool) {
	fileInfo, err := os.Stat(path)
	if err != nil {
		logger.Error("Error checking config file", "err", err)
		return lastModTime, false
	}

	modTime := fileInfo.ModTime()
	if modTime.Equal(lastModTime) {
		return lastModTime, true
	}

	logger.Info("reloading config file...")

	newConfig, err := parseConfigFile(path)
	if err != nil {
		logger.Error("failed to reload config", "err", err)
		return lastModTime, false
	}
	return modTime, onChange(newConfig)
}

// ensureConfig upserts platforms and repositories declared in config into
// the store and applies config settings. Records which are not in the
// config are kept as they might have been added via api.
func (a *app) ensureConfig(ctx context.Context, newConfig *Config) bool {
	success := true

	for _, pc := range newConfig.Platforms {
		if err := a.upsertPlatform(ctx, pc); err != nil {
			logger.Error("failed to apply platform config", "platform", pc.ID, "err", err)
			success = false
		}
	}

	for _, rc := range newConfig.Repositories {
		if err := a.upsertRepository(ctx, rc); err != nil {
			logger.Error("failed to apply repository config", "platform", rc.Platform, "path", rc.Path, "err", err)
			success = false
		}
	}

	settings, err := a.store.Config().Get(ctx)
	if err != nil {
		logger.Error("failed to read settings", "err", err)
		return false
	}
	newSettings := newConfig.applySettings(settings)
	if newSettings != settings {
		if err := newSettings.Validate(); err != nil {
			logger.Error("invalid settings in config", "err", err)
			return false
		}
		if _, err := a.store.Config().Update(ctx, newSettings); err != nil {
			logger.Error("failed to update settings", "err", err)
			return false
		}
	}
	a.applySettings(newSettings)

	return success
}

func (a *app) upsertPlatform(ctx context.Context, pc PlatformConfig) error {
	existing, err := a.store.Platforms().GetByID(ctx, pc.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		_, err := a.store.Platforms().Add(ctx, platformFromConfig(model.Platform{ID: pc.ID}, pc))
		if err == nil {
			logger.Info("platform added", "platform", pc.ID)
		}
		return err
	case err != nil:
		return err
	}

	updated := platformFromConfig(existing, pc)
	if reflect.DeepEqual(updated, existing) {
		return nil
	}
	if _, err := a.store.Platforms().Update(ctx, updated); err != nil {
		return err
	}
	logger.Info("platform updated", "platform", pc.ID)
	return nil
}

// platformFromConfig overlays attributes set in pc on p
func platformFromConfig(p model.Platform, pc PlatformConfig) model.Platform {
	if pc.Name != "" {
		p.Name = pc.Name
	}
	if pc.BaseURL != "" {
		p.BaseURL = pc.BaseURL
	}
	if pc.APIURL != "" {
		p.APIURL = pc.APIURL
	}
	if pc.AuthToken != "" {
		p.AuthToken = pc.AuthToken
	}
	if pc.URLScheme != "" {
		p.URLScheme = model.URLScheme(pc.URLScheme)
	}
	if pc.GitHubApp != nil {
		ghApp := *pc.GitHubApp
		p.GitHubApp = &ghApp
	}
	return p
}

func (a *app) upsertRepository(ctx context.Context, rc RepositoryConfig) error {
	role := model.Role(rc.Role)
	id := model.RepositoryID(role, rc.Platform, rc.Path)

	existing, err := a.store.Repositories().GetByID(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		_, err := a.store.Repositories().Add(ctx, model.Repository{
			Role: role, PlatformID: rc.Platform, Path: rc.Path, Branches: rc.Branches,
		})
		if errors.Is(err, store.ErrExist) {
			// same repository with different path case
			return nil
		}
		if err == nil {
			logger.Info("repository added", "repo", id)
		}
		return err
	case err != nil:
		return err
	}

	if len(rc.Branches) == 0 || slices.Equal(existing.Branches, rc.Branches) {
		return nil
	}
	if _, err := a.store.Repositories().Update(ctx, model.Repository{ID: id, Branches: rc.Branches}); err != nil {
		return err
	}
	logger.Info("repository branches updated", "repo", id, "branches", rc.Branches)
	return nil
}
