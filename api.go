package main

import (
	"errors"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/utilitywarehouse/git-fanout/giturl"
	"github.com/utilitywarehouse/git-fanout/model"
	"github.com/utilitywarehouse/git-fanout/platform"
	"github.com/utilitywarehouse/git-fanout/repopool"
	"github.com/utilitywarehouse/git-fanout/store"
)

const maxRequestBody = 1 << 20

func (a *app) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/repos", a.listRepos)
	mux.HandleFunc("POST /api/repos", a.addRepo)
	mux.HandleFunc("POST /api/repos/sync-all", a.syncAll)
	mux.HandleFunc("GET /api/repos/{id}", a.getRepo)
	mux.HandleFunc("PUT /api/repos/{id}", a.updateRepo)
	mux.HandleFunc("DELETE /api/repos/{id}", a.deleteRepo)
	mux.HandleFunc("GET /api/repos/{id}/status", a.repoStatus)
	mux.HandleFunc("POST /api/repos/{id}/sync", a.syncRepo)
	mux.HandleFunc("GET /api/jobs", a.listJobs)

	mux.HandleFunc("GET /api/platforms", a.listPlatforms)
	mux.HandleFunc("POST /api/platforms", a.addPlatform)
	mux.HandleFunc("GET /api/platforms/{id}", a.getPlatform)
	mux.HandleFunc("PUT /api/platforms/{id}", a.updatePlatform)
	mux.HandleFunc("DELETE /api/platforms/{id}", a.deletePlatform)
	mux.HandleFunc("GET /api/platforms/{id}/validate", a.validatePlatform)

	mux.HandleFunc("GET /api/config", a.getConfig)
	mux.HandleFunc("POST /api/config", a.updateConfig)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("unable to write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		logger.Error("api request failed", "err", err)
	}
	writeJSON(w, status, errorResponse{Error: giturl.Redact(err.Error())})
}

// storeErrorStatus maps store errors to http status, anything unknown
// is a validation error of the request.
func storeErrorStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrExist), errors.Is(err, store.ErrInUse):
		return http.StatusConflict
	case errors.Is(err, store.ErrBuiltIn):
		return http.StatusForbidden
	}
	return http.StatusBadRequest
}

func readJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

// Repositories

type repoRequest struct {
	Role       model.Role `json:"role"`
	PlatformID string     `json:"platformId"`
	Path       string     `json:"path"`
	Branches   []string   `json:"branches"`
}

func (a *app) listRepos(w http.ResponseWriter, r *http.Request) {
	repos, err := a.store.Repositories().List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, repos)
}

func (a *app) getRepo(w http.ResponseWriter, r *http.Request) {
	repo, err := a.store.Repositories().GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, storeErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

func (a *app) addRepo(w http.ResponseWriter, r *http.Request) {
	var req repoRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	repo, err := a.store.Repositories().Add(r.Context(), model.Repository{
		Role:       req.Role,
		PlatformID: req.PlatformID,
		Path:       req.Path,
		Branches:   req.Branches,
	})
	if err != nil {
		status := storeErrorStatus(err)
		// unknown platform is an invalid request not a missing resource
		if status == http.StatusNotFound {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	logger.Info("repository added", "repo", repo.ID)
	writeJSON(w, http.StatusCreated, repo)
}

func (a *app) updateRepo(w http.ResponseWriter, r *http.Request) {
	var req repoRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	repo, err := a.store.Repositories().Update(r.Context(), model.Repository{
		ID:       r.PathValue("id"),
		Branches: req.Branches,
	})
	if err != nil {
		writeError(w, storeErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

func (a *app) deleteRepo(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if a.pool.InFlight(id) {
		writeError(w, http.StatusConflict, repopool.ErrAlreadyInFlight)
		return
	}
	if err := a.store.Repositories().Delete(r.Context(), id); err != nil {
		writeError(w, storeErrorStatus(err), err)
		return
	}
	logger.Info("repository deleted", "repo", id)
	w.WriteHeader(http.StatusNoContent)
}

type statusResponse struct {
	Status       model.Status `json:"status"`
	LastSyncedAt *time.Time   `json:"lastSyncedAt"`
	InFlight     bool         `json:"inFlight"`
}

func (a *app) repoStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, ts, err := a.pool.Status(r.Context(), id)
	if errors.Is(err, repopool.ErrNotExist) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := statusResponse{Status: status, InFlight: a.pool.InFlight(id)}
	if !ts.IsZero() {
		resp.LastSyncedAt = &ts
	}
	writeJSON(w, http.StatusOK, resp)
}

type syncResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

func (a *app) syncRepo(w http.ResponseWriter, r *http.Request) {
	err := a.pool.SyncOne(r.Context(), r.PathValue("id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, syncResponse{Accepted: true})
	case errors.Is(err, repopool.ErrAlreadyInFlight):
		writeJSON(w, http.StatusConflict, syncResponse{Accepted: false, Reason: err.Error()})
	case errors.Is(err, repopool.ErrNotExist):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, repopool.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

type syncAllResponse struct {
	ScheduledCount int `json:"scheduledCount"`
}

func (a *app) syncAll(w http.ResponseWriter, r *http.Request) {
	count, err := a.pool.SyncAll(r.Context())
	if errors.Is(err, repopool.ErrStopped) {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, syncAllResponse{ScheduledCount: count})
}

func (a *app) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.pool.Jobs())
}

// Platforms

// platformView is the api representation of a platform. tokens are never
// returned.
type platformView struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	BaseURL   string           `json:"baseUrl"`
	APIURL    string           `json:"apiUrl,omitempty"`
	URLScheme model.URLScheme  `json:"urlScheme"`
	BuiltIn   bool             `json:"builtIn"`
	HasToken  bool             `json:"hasToken"`
	GitHubApp *model.GitHubApp `json:"githubApp,omitempty"`
}

func newPlatformView(p model.Platform) platformView {
	return platformView{
		ID:        p.ID,
		Name:      p.Name,
		BaseURL:   p.BaseURL,
		APIURL:    p.APIURL,
		URLScheme: p.URLScheme,
		BuiltIn:   p.BuiltIn,
		HasToken:  p.HasCredentials(),
		GitHubApp: p.GitHubApp,
	}
}

type platformRequest struct {
	ID        string           `json:"id"`
	Name      *string          `json:"name"`
	BaseURL   *string          `json:"baseUrl"`
	APIURL    *string          `json:"apiUrl"`
	URLScheme *string          `json:"urlScheme"`
	GitHubApp *model.GitHubApp `json:"githubApp"`
	// AuthToken is kept as is if not set, empty string removes the token
	AuthToken *string `json:"authToken"`
}

// apply overlays attributes set in the request on p
func (req platformRequest) apply(p model.Platform) model.Platform {
	if req.Name != nil {
		p.Name = *req.Name
	}
	if req.BaseURL != nil {
		p.BaseURL = *req.BaseURL
	}
	if req.APIURL != nil {
		p.APIURL = *req.APIURL
	}
	if req.URLScheme != nil {
		p.URLScheme = model.URLScheme(*req.URLScheme)
	}
	if req.GitHubApp != nil {
		p.GitHubApp = req.GitHubApp
		if *req.GitHubApp == (model.GitHubApp{}) {
			p.GitHubApp = nil
		}
	}
	if req.AuthToken != nil {
		p.AuthToken = *req.AuthToken
	}
	return p
}

func (a *app) listPlatforms(w http.ResponseWriter, r *http.Request) {
	platforms, err := a.store.Platforms().List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]platformView, 0, len(platforms))
	for _, p := range platforms {
		views = append(views, newPlatformView(p))
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *app) getPlatform(w http.ResponseWriter, r *http.Request) {
	p, err := a.store.Platforms().GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, storeErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, newPlatformView(p))
}

func (a *app) addPlatform(w http.ResponseWriter, r *http.Request) {
	var req platformRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	p, err := a.store.Platforms().Add(r.Context(), req.apply(model.Platform{ID: req.ID}))
	if err != nil {
		writeError(w, storeErrorStatus(err), err)
		return
	}
	logger.Info("platform added", "platform", p.ID)
	writeJSON(w, http.StatusCreated, newPlatformView(p))
}

func (a *app) updatePlatform(w http.ResponseWriter, r *http.Request) {
	var req platformRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	existing, err := a.store.Platforms().GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, storeErrorStatus(err), err)
		return
	}

	p, err := a.store.Platforms().Update(r.Context(), req.apply(existing))
	if err != nil {
		writeError(w, storeErrorStatus(err), err)
		return
	}
	logger.Info("platform updated", "platform", p.ID)
	writeJSON(w, http.StatusOK, newPlatformView(p))
}

func (a *app) deletePlatform(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.store.Platforms().Delete(r.Context(), id); err != nil {
		writeError(w, storeErrorStatus(err), err)
		return
	}
	logger.Info("platform deleted", "platform", id)
	w.WriteHeader(http.StatusNoContent)
}

type validateResponse struct {
	Valid bool   `json:"valid"`
	Login string `json:"login,omitempty"`
	Name  string `json:"name,omitempty"`
	Error string `json:"error,omitempty"`
}

func (a *app) validatePlatform(w http.ResponseWriter, r *http.Request) {
	p, err := a.store.Platforms().GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, storeErrorStatus(err), err)
		return
	}

	id, err := a.validator.Validate(r.Context(), p)
	if errors.Is(err, platform.ErrValidationUnsupported) {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	if err != nil {
		writeJSON(w, http.StatusOK, validateResponse{Valid: false, Error: giturl.Redact(err.Error())})
		return
	}
	writeJSON(w, http.StatusOK, validateResponse{Valid: true, Login: id.Login, Name: id.Name})
}

// Settings

func (a *app) getConfig(w http.ResponseWriter, r *http.Request) {
	s, err := a.store.Config().Get(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// updateConfig merges given attributes into current settings.
func (a *app) updateConfig(w http.ResponseWriter, r *http.Request) {
	s, err := a.store.Config().Get(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := readJSON(r, &s); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s, err = a.store.Config().Update(r.Context(), s)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	a.applySettings(s)
	logger.Info("settings updated", "autoSync", s.AutoSync, "interval", s.Interval(), "strategy", s.ConflictStrategy)
	writeJSON(w, http.StatusOK, s)
}
