// Package store persists platforms, repositories and runtime settings.
//
// Two implementations are provided. SQLite keeps everything in a single
// database file and Memory keeps it in process memory. Both serialise their
// own writes so they can be shared by the sync coordinator and the api.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/utilitywarehouse/git-fanout/model"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExist    = errors.New("already exists")
	ErrBuiltIn  = errors.New("built-in platform can't be deleted")
	ErrInUse    = errors.New("platform is used by repositories")
)

// PlatformStore persists git hosting platforms.
type PlatformStore interface {
	GetByID(ctx context.Context, id string) (model.Platform, error)
	List(ctx context.Context) ([]model.Platform, error)
	Add(ctx context.Context, p model.Platform) (model.Platform, error)
	// Update replaces platform record, built-in flag can't be changed.
	Update(ctx context.Context, p model.Platform) (model.Platform, error)
	Delete(ctx context.Context, id string) error
}

// RepositoryStore persists registered repositories and their sync status.
type RepositoryStore interface {
	List(ctx context.Context) ([]model.Repository, error)
	GetByID(ctx context.Context, id string) (model.Repository, error)
	// Add derives repository id from its identity, applies default branches
	// and sets status to idle.
	Add(ctx context.Context, r model.Repository) (model.Repository, error)
	// Update changes candidate branches of the repository, identity
	// (role, platform and path) can't be changed.
	Update(ctx context.Context, r model.Repository) (model.Repository, error)
	Delete(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id string, status model.Status, ts time.Time) (model.Repository, error)
}

// ConfigStore persists runtime settings.
type ConfigStore interface {
	Get(ctx context.Context) (Settings, error)
	Update(ctx context.Context, s Settings) (Settings, error)
}

// Store gives access to all the stores backed by the same storage.
type Store interface {
	Platforms() PlatformStore
	Repositories() RepositoryStore
	Config() ConfigStore
	Close() error
}

// Settings are the runtime settings which can be changed via api.
type Settings struct {
	AutoSync bool `json:"autoSync" yaml:"auto_sync"`
	// SyncInterval in seconds
	SyncInterval     int    `json:"syncInterval" yaml:"sync_interval"`
	ConflictStrategy string `json:"conflictStrategy" yaml:"conflict_strategy"`
	LogLevel         string `json:"logLevel" yaml:"log_level"`
	LogRetentionDays int    `json:"logRetentionDays" yaml:"log_retention_days"`
}

// DefaultSettings returns settings used until they are changed.
func DefaultSettings() Settings {
	return Settings{
		AutoSync:         true,
		SyncInterval:     3600,
		ConflictStrategy: "manual",
		LogLevel:         "info",
		LogRetentionDays: 30,
	}
}

// Interval returns sync interval as duration.
func (s Settings) Interval() time.Duration {
	return time.Duration(s.SyncInterval) * time.Second
}

// Validate checks settings values.
func (s Settings) Validate() error {
	var errs []error
	if s.SyncInterval < 60 {
		errs = append(errs, fmt.Errorf("sync interval must be at least 60 seconds, got %d", s.SyncInterval))
	}
	switch s.ConflictStrategy {
	case "manual", "prefer_source":
	default:
		errs = append(errs, fmt.Errorf("unknown conflict strategy %q", s.ConflictStrategy))
	}
	switch s.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", s.LogLevel))
	}
	if s.LogRetentionDays < 0 {
		errs = append(errs, fmt.Errorf("log retention days can't be negative"))
	}
	return errors.Join(errs...)
}

// newRepository validates r and fills in derived fields of a new record.
func newRepository(r model.Repository, now time.Time) (model.Repository, error) {
	if err := r.Validate(); err != nil {
		return model.Repository{}, err
	}
	r.ID = model.RepositoryID(r.Role, r.PlatformID, r.Path)
	if len(r.Branches) == 0 {
		r.Branches = slices.Clone(model.DefaultBranches)
	}
	r.Status = model.StatusIdle
	r.StatusUpdatedAt = now
	r.CreatedAt = now
	r.UpdatedAt = now
	return r, nil
}

// updatedRepository applies mutable fields of r to existing.
func updatedRepository(existing, r model.Repository, now time.Time) (model.Repository, error) {
	if (r.Role != "" && r.Role != existing.Role) ||
		(r.PlatformID != "" && r.PlatformID != existing.PlatformID) ||
		(r.Path != "" && r.Path != existing.Path) {
		return model.Repository{}, fmt.Errorf("repository identity can't be changed, delete and add it instead")
	}
	if len(r.Branches) == 0 {
		r.Branches = slices.Clone(model.DefaultBranches)
	}
	check := existing
	check.Branches = r.Branches
	if err := check.Validate(); err != nil {
		return model.Repository{}, err
	}
	existing.Branches = r.Branches
	existing.UpdatedAt = now
	return existing, nil
}

func validatePlatform(p model.Platform) (model.Platform, error) {
	scheme, err := model.ParseURLScheme(string(p.URLScheme))
	if err != nil {
		return model.Platform{}, err
	}
	p.URLScheme = scheme
	if p.Name == "" {
		p.Name = p.ID
	}
	if err := p.Validate(); err != nil {
		return model.Platform{}, err
	}
	return p, nil
}
