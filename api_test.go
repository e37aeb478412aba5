package main

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utilitywarehouse/git-fanout/model"
	"github.com/utilitywarehouse/git-fanout/platform"
	"github.com/utilitywarehouse/git-fanout/repopool"
	"github.com/utilitywarehouse/git-fanout/repository"
	"github.com/utilitywarehouse/git-fanout/store"
)

var testLog = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

// stubReconciler succeeds once block is closed
type stubReconciler struct {
	block chan struct{}
}

func (s stubReconciler) Reconcile(ctx context.Context, _ model.Repository, _ model.Platform) (repository.ReconcileResult, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return repository.ReconcileResult{}, ctx.Err()
		}
	}
	return repository.ReconcileResult{Branch: "main", Head: "abc"}, nil
}

func newTestApp(t *testing.T, block chan struct{}) (*app, http.Handler) {
	t.Helper()

	st := store.NewMemory()
	require.NoError(t, store.SeedBuiltinPlatforms(t.Context(), st.Platforms(), testLog))

	pool, err := repopool.New(context.Background(), repopool.Config{}, repopool.Deps{
		Repositories: st.Repositories(),
		Platforms:    st.Platforms(),
		Reconciler:   stubReconciler{block: block},
	}, testLog)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Shutdown(ctx)
	})

	a := &app{
		store:         st,
		pool:          pool,
		fanout:        repository.NewFanout(repository.FanoutConfig{}, testLog),
		validator:     platform.NewValidator(nil, nil),
		root:          t.TempDir(),
		logLevelFixed: true,
	}
	mux := http.NewServeMux()
	a.registerRoutes(mux)
	return a, mux
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestAPI_health(t *testing.T) {
	_, h := newTestApp(t, nil)

	rec := doRequest(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestAPI_repos(t *testing.T) {
	_, h := newTestApp(t, nil)

	rec := doRequest(t, h, http.MethodPost, "/api/repos", map[string]any{
		"role": "source", "platformId": "github", "path": "acme/app",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	repo := decode[model.Repository](t, rec)
	assert.Equal(t, "source-github-acme-app", repo.ID)
	assert.Equal(t, model.StatusIdle, repo.Status)
	assert.Equal(t, model.DefaultBranches, repo.Branches)

	t.Run("duplicate", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodPost, "/api/repos", map[string]any{
			"role": "source", "platformId": "github", "path": "ACME/App",
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("unknown_platform", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodPost, "/api/repos", map[string]any{
			"role": "source", "platformId": "nope", "path": "acme/app",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodPost, "/api/repos", map[string]any{
			"role": "replica", "platformId": "github", "path": "app",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decode[errorResponse](t, rec).Error, "role must be one of")
	})

	rec = doRequest(t, h, http.MethodGet, "/api/repos", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]model.Repository](t, rec), 1)

	rec = doRequest(t, h, http.MethodPut, "/api/repos/source-github-acme-app", map[string]any{
		"branches": []string{"develop"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"develop"}, decode[model.Repository](t, rec).Branches)

	rec = doRequest(t, h, http.MethodGet, "/api/repos/source-github-acme-app", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"develop"}, decode[model.Repository](t, rec).Branches)

	rec = doRequest(t, h, http.MethodGet, "/api/repos/source-github-acme-lib", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, h, http.MethodDelete, "/api/repos/source-github-acme-app", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, h, http.MethodDelete, "/api/repos/source-github-acme-app", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_sync(t *testing.T) {
	block := make(chan struct{})
	a, h := newTestApp(t, block)

	_, err := a.store.Repositories().Add(t.Context(), model.Repository{
		Role: model.RoleSource, PlatformID: "github", Path: "acme/app",
	})
	require.NoError(t, err)

	rec := doRequest(t, h, http.MethodGet, "/api/repos/source-github-acme-app/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[statusResponse](t, rec)
	assert.Equal(t, model.StatusIdle, status.Status)
	assert.False(t, status.InFlight)

	rec = doRequest(t, h, http.MethodPost, "/api/repos/source-github-acme-app/sync", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.True(t, decode[syncResponse](t, rec).Accepted)

	// second request while first is in flight is rejected
	rec = doRequest(t, h, http.MethodPost, "/api/repos/source-github-acme-app/sync", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.False(t, decode[syncResponse](t, rec).Accepted)

	rec = doRequest(t, h, http.MethodGet, "/api/repos/source-github-acme-app/status", nil)
	status = decode[statusResponse](t, rec)
	assert.Equal(t, model.StatusSyncing, status.Status)
	assert.True(t, status.InFlight)
	assert.NotNil(t, status.LastSyncedAt)

	rec = doRequest(t, h, http.MethodDelete, "/api/repos/source-github-acme-app", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/api/repos/sync-all", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 0, decode[syncAllResponse](t, rec).ScheduledCount)

	rec = doRequest(t, h, http.MethodGet, "/api/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]repopool.SyncJob](t, rec), 1)

	close(block)

	require.Eventually(t, func() bool {
		rec := doRequest(t, h, http.MethodGet, "/api/repos/source-github-acme-app/status", nil)
		s := decode[statusResponse](t, rec)
		return s.Status == model.StatusSuccess && !s.InFlight
	}, 5*time.Second, 10*time.Millisecond)

	rec = doRequest(t, h, http.MethodPost, "/api/repos/sync-all", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, decode[syncAllResponse](t, rec).ScheduledCount)

	rec = doRequest(t, h, http.MethodPost, "/api/repos/source-github-acme-lib/sync", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/repos/source-github-acme-lib/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_platforms(t *testing.T) {
	a, h := newTestApp(t, nil)

	rec := doRequest(t, h, http.MethodGet, "/api/platforms", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	views := decode[[]platformView](t, rec)
	assert.Len(t, views, len(store.BuiltinPlatforms))

	rec = doRequest(t, h, http.MethodPost, "/api/platforms", map[string]any{
		"id": "corp", "name": "Corp", "baseUrl": "https://git.corp.example", "authToken": "s3cr3t",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "s3cr3t")
	view := decode[platformView](t, rec)
	assert.True(t, view.HasToken)
	assert.Equal(t, model.SchemeGeneric, view.URLScheme)
	assert.False(t, view.BuiltIn)

	rec = doRequest(t, h, http.MethodPost, "/api/platforms", map[string]any{
		"id": "corp", "baseUrl": "https://git.corp.example",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// token is kept if not given
	rec = doRequest(t, h, http.MethodPut, "/api/platforms/corp", map[string]any{"name": "Corp Git"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	p, err := a.store.Platforms().GetByID(t.Context(), "corp")
	require.NoError(t, err)
	assert.Equal(t, "Corp Git", p.Name)
	assert.Equal(t, "s3cr3t", p.AuthToken)

	// token can be set on built-in platforms
	rec = doRequest(t, h, http.MethodPut, "/api/platforms/github", map[string]any{"authToken": "ghp_x"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[platformView](t, rec).HasToken)

	_, err = a.store.Repositories().Add(t.Context(), model.Repository{
		Role: model.RoleMirror, PlatformID: "corp", Path: "acme/app",
	})
	require.NoError(t, err)

	rec = doRequest(t, h, http.MethodDelete, "/api/platforms/corp", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, h, http.MethodDelete, "/api/platforms/github", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	require.NoError(t, a.store.Repositories().Delete(t.Context(), "mirror-corp-acme-app"))

	// empty token removes it
	rec = doRequest(t, h, http.MethodPut, "/api/platforms/corp", map[string]any{"authToken": ""})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[platformView](t, rec).HasToken)

	rec = doRequest(t, h, http.MethodDelete, "/api/platforms/corp", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/platforms/corp", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/platforms", nil)
	for _, v := range decode[[]map[string]any](t, rec) {
		assert.NotContains(t, v, "authToken")
	}
}

func TestAPI_validatePlatform(t *testing.T) {
	a, h := newTestApp(t, nil)

	_, err := a.store.Platforms().Add(t.Context(), model.Platform{
		ID: "corp", BaseURL: "https://git.corp.example", AuthToken: "T",
	})
	require.NoError(t, err)

	rec := doRequest(t, h, http.MethodGet, "/api/platforms/corp/validate", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/platforms/github/validate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[validateResponse](t, rec)
	assert.False(t, resp.Valid)
	assert.NotEmpty(t, resp.Error)

	rec = doRequest(t, h, http.MethodGet, "/api/platforms/nope/validate", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_config(t *testing.T) {
	a, h := newTestApp(t, nil)

	rec := doRequest(t, h, http.MethodGet, "/api/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.DefaultSettings(), decode[store.Settings](t, rec))

	rec = doRequest(t, h, http.MethodPost, "/api/config", map[string]any{
		"conflictStrategy": "prefer_source", "syncInterval": 120,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	want := store.DefaultSettings()
	want.ConflictStrategy = "prefer_source"
	want.SyncInterval = 120
	assert.Equal(t, want, decode[store.Settings](t, rec))

	got, err := a.store.Config().Get(t.Context())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	rec = doRequest(t, h, http.MethodPost, "/api/config", map[string]any{"syncInterval": 30})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.True(t, strings.Contains(decode[errorResponse](t, rec).Error, "sync interval"))

	// rejected update is not stored
	got, err = a.store.Config().Get(t.Context())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	rec = doRequest(t, h, http.MethodPost, "/api/config", map[string]any{"autoSync": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[store.Settings](t, rec).AutoSync)
}
