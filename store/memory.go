package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/utilitywarehouse/git-fanout/internal/lock"
	"github.com/utilitywarehouse/git-fanout/model"
)

// Memory is an in process Store. It is used by tests and when
// persistence is not required.
type Memory struct {
	lock      lock.RWMutex
	platforms []model.Platform
	repos     []model.Repository
	settings  Settings
}

func NewMemory() *Memory {
	return &Memory{settings: DefaultSettings()}
}

func (m *Memory) Platforms() PlatformStore      { return memPlatforms{m} }
func (m *Memory) Repositories() RepositoryStore { return memRepositories{m} }
func (m *Memory) Config() ConfigStore           { return memConfig{m} }
func (m *Memory) Close() error                  { return nil }

type memPlatforms struct{ m *Memory }

func (s memPlatforms) GetByID(_ context.Context, id string) (model.Platform, error) {
	s.m.lock.RLock()
	defer s.m.lock.RUnlock()

	for _, p := range s.m.platforms {
		if p.ID == id {
			return p, nil
		}
	}
	return model.Platform{}, fmt.Errorf("platform %s: %w", id, ErrNotFound)
}

func (s memPlatforms) List(_ context.Context) ([]model.Platform, error) {
	s.m.lock.RLock()
	defer s.m.lock.RUnlock()

	return slices.Clone(s.m.platforms), nil
}

func (s memPlatforms) Add(_ context.Context, p model.Platform) (model.Platform, error) {
	p, err := validatePlatform(p)
	if err != nil {
		return model.Platform{}, err
	}

	s.m.lock.Lock()
	defer s.m.lock.Unlock()

	for _, e := range s.m.platforms {
		if e.ID == p.ID {
			return model.Platform{}, fmt.Errorf("platform %s: %w", p.ID, ErrExist)
		}
	}
	s.m.platforms = append(s.m.platforms, p)
	return p, nil
}

func (s memPlatforms) Update(_ context.Context, p model.Platform) (model.Platform, error) {
	p, err := validatePlatform(p)
	if err != nil {
		return model.Platform{}, err
	}

	s.m.lock.Lock()
	defer s.m.lock.Unlock()

	for i, e := range s.m.platforms {
		if e.ID == p.ID {
			p.BuiltIn = e.BuiltIn
			s.m.platforms[i] = p
			return p, nil
		}
	}
	return model.Platform{}, fmt.Errorf("platform %s: %w", p.ID, ErrNotFound)
}

func (s memPlatforms) Delete(_ context.Context, id string) error {
	s.m.lock.Lock()
	defer s.m.lock.Unlock()

	i := slices.IndexFunc(s.m.platforms, func(p model.Platform) bool { return p.ID == id })
	if i < 0 {
		return fmt.Errorf("platform %s: %w", id, ErrNotFound)
	}
	if s.m.platforms[i].BuiltIn {
		return fmt.Errorf("platform %s: %w", id, ErrBuiltIn)
	}
	if slices.ContainsFunc(s.m.repos, func(r model.Repository) bool { return r.PlatformID == id }) {
		return fmt.Errorf("platform %s: %w", id, ErrInUse)
	}
	s.m.platforms = slices.Delete(s.m.platforms, i, i+1)
	return nil
}

type memRepositories struct{ m *Memory }

func (s memRepositories) List(_ context.Context) ([]model.Repository, error) {
	s.m.lock.RLock()
	defer s.m.lock.RUnlock()

	res := make([]model.Repository, 0, len(s.m.repos))
	for _, r := range s.m.repos {
		r.Branches = slices.Clone(r.Branches)
		res = append(res, r)
	}
	return res, nil
}

func (s memRepositories) GetByID(_ context.Context, id string) (model.Repository, error) {
	s.m.lock.RLock()
	defer s.m.lock.RUnlock()

	for _, r := range s.m.repos {
		if r.ID == id {
			r.Branches = slices.Clone(r.Branches)
			return r, nil
		}
	}
	return model.Repository{}, fmt.Errorf("repository %s: %w", id, ErrNotFound)
}

func (s memRepositories) Add(_ context.Context, r model.Repository) (model.Repository, error) {
	r, err := newRepository(r, time.Now())
	if err != nil {
		return model.Repository{}, err
	}

	s.m.lock.Lock()
	defer s.m.lock.Unlock()

	if !slices.ContainsFunc(s.m.platforms, func(p model.Platform) bool { return p.ID == r.PlatformID }) {
		return model.Repository{}, fmt.Errorf("unknown platform %s: %w", r.PlatformID, ErrNotFound)
	}
	for _, e := range s.m.repos {
		if e.ID == r.ID || (e.Role == r.Role && e.PlatformID == r.PlatformID && strings.EqualFold(e.Path, r.Path)) {
			return model.Repository{}, fmt.Errorf("repository %s: %w", r.ID, ErrExist)
		}
	}
	s.m.repos = append(s.m.repos, r)
	return r, nil
}

func (s memRepositories) Update(_ context.Context, r model.Repository) (model.Repository, error) {
	s.m.lock.Lock()
	defer s.m.lock.Unlock()

	for i, e := range s.m.repos {
		if e.ID == r.ID {
			updated, err := updatedRepository(e, r, time.Now())
			if err != nil {
				return model.Repository{}, err
			}
			s.m.repos[i] = updated
			return updated, nil
		}
	}
	return model.Repository{}, fmt.Errorf("repository %s: %w", r.ID, ErrNotFound)
}

func (s memRepositories) Delete(_ context.Context, id string) error {
	s.m.lock.Lock()
	defer s.m.lock.Unlock()

	i := slices.IndexFunc(s.m.repos, func(r model.Repository) bool { return r.ID == id })
	if i < 0 {
		return fmt.Errorf("repository %s: %w", id, ErrNotFound)
	}
	s.m.repos = slices.Delete(s.m.repos, i, i+1)
	return nil
}

func (s memRepositories) UpdateStatus(_ context.Context, id string, status model.Status, ts time.Time) (model.Repository, error) {
	s.m.lock.Lock()
	defer s.m.lock.Unlock()

	for i := range s.m.repos {
		if s.m.repos[i].ID == id {
			s.m.repos[i].Status = status
			s.m.repos[i].StatusUpdatedAt = ts
			return s.m.repos[i], nil
		}
	}
	return model.Repository{}, fmt.Errorf("repository %s: %w", id, ErrNotFound)
}

type memConfig struct{ m *Memory }

func (s memConfig) Get(_ context.Context) (Settings, error) {
	s.m.lock.RLock()
	defer s.m.lock.RUnlock()
	return s.m.settings, nil
}

func (s memConfig) Update(_ context.Context, settings Settings) (Settings, error) {
	s.m.lock.Lock()
	defer s.m.lock.Unlock()
	s.m.settings = settings
	return settings, nil
}
