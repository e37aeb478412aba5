package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/utilitywarehouse/git-fanout/model"
)

// legacyConfig is the repository list format used before repositories
// were kept in the store.
type legacyConfig struct {
	Sources      []legacyRepo `yaml:"sources"`
	Mirrors      []legacyRepo `yaml:"mirrors"`
	AutoSync     *bool        `yaml:"auto_sync"`
	SyncInterval *int         `yaml:"sync_interval"`
}

type legacyRepo struct {
	Platform string   `yaml:"platform"`
	Repo     string   `yaml:"repo"`
	Branches []string `yaml:"branches"`
}

// MigrateLegacyConfig imports sources and mirrors from the legacy YAML file
// at path into the repository store. Migration only happens when the store
// has no repositories, the file is renamed to `<path>.migrated` afterwards.
// It returns number of imported repositories.
func MigrateLegacyConfig(ctx context.Context, path string, s Store, log *slog.Logger) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("unable to read legacy config file err:%w", err)
	}

	var legacy legacyConfig
	if err := yaml.Unmarshal(data, &legacy); err != nil {
		return 0, fmt.Errorf("unable to parse legacy config file err:%w", err)
	}
	if len(legacy.Sources) == 0 && len(legacy.Mirrors) == 0 {
		return 0, nil
	}

	existing, err := s.Repositories().List(ctx)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		log.Warn("repositories already exist, skipping legacy config migration", "path", path)
		return 0, nil
	}

	migrated := 0
	add := func(role model.Role, lr legacyRepo) {
		if lr.Platform == "" || lr.Repo == "" {
			return
		}
		r := model.Repository{Role: role, PlatformID: lr.Platform, Path: lr.Repo}
		if role == model.RoleSource {
			r.Branches = lr.Branches
		}
		if _, err := s.Repositories().Add(ctx, r); err != nil {
			log.Error("unable to migrate repository", "role", role, "platform", lr.Platform, "repo", lr.Repo, "err", err)
			return
		}
		migrated++
	}
	for _, lr := range legacy.Sources {
		add(model.RoleSource, lr)
	}
	for _, lr := range legacy.Mirrors {
		add(model.RoleMirror, lr)
	}

	if legacy.AutoSync != nil || legacy.SyncInterval != nil {
		settings, err := s.Config().Get(ctx)
		if err != nil {
			return migrated, err
		}
		if legacy.AutoSync != nil {
			settings.AutoSync = *legacy.AutoSync
		}
		if legacy.SyncInterval != nil {
			settings.SyncInterval = *legacy.SyncInterval
		}
		if err := settings.Validate(); err != nil {
			log.Error("ignoring invalid legacy settings", "err", err)
		} else if _, err := s.Config().Update(ctx, settings); err != nil {
			return migrated, err
		}
	}

	if err := os.Rename(path, path+".migrated"); err != nil {
		return migrated, fmt.Errorf("unable to rename legacy config file err:%w", err)
	}
	log.Info("legacy config migrated", "path", path, "repositories", migrated)
	return migrated, nil
}
