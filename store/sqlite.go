package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"github.com/utilitywarehouse/git-fanout/internal/lock"
	"github.com/utilitywarehouse/git-fanout/model"
)

// SQLite implements Store using a SQLite database.
type SQLite struct {
	db   *sql.DB
	lock lock.RWMutex
}

// NewSQLite opens (or creates) database at dbPath and creates the schema.
// Use ":memory:" for an in-memory database.
func NewSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// every connection to ":memory:" is a separate database and writes
	// are serialised anyway
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS platforms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		base_url TEXT NOT NULL,
		api_url TEXT NOT NULL DEFAULT '',
		auth_token TEXT NOT NULL DEFAULT '',
		url_scheme TEXT NOT NULL,
		built_in INTEGER NOT NULL DEFAULT 0,
		github_app TEXT
	);
	CREATE TABLE IF NOT EXISTS repositories (
		id TEXT PRIMARY KEY,
		role TEXT NOT NULL,
		platform_id TEXT NOT NULL REFERENCES platforms(id),
		path TEXT NOT NULL COLLATE NOCASE,
		branches TEXT NOT NULL,
		status TEXT NOT NULL,
		status_updated_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(role, platform_id, path)
	);
	CREATE INDEX IF NOT EXISTS idx_repositories_path ON repositories(path);
	CREATE TABLE IF NOT EXISTS settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		data TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLite) Platforms() PlatformStore      { return sqlPlatforms{s} }
func (s *SQLite) Repositories() RepositoryStore { return sqlRepositories{s} }
func (s *SQLite) Config() ConfigStore           { return sqlConfig{s} }

func (s *SQLite) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

type sqlPlatforms struct{ s *SQLite }

const platformColumns = "id, name, base_url, api_url, auth_token, url_scheme, built_in, github_app"

func scanPlatform(row rowScanner) (model.Platform, error) {
	var (
		p       model.Platform
		scheme  string
		builtIn int
		app     sql.NullString
	)
	if err := row.Scan(&p.ID, &p.Name, &p.BaseURL, &p.APIURL, &p.AuthToken, &scheme, &builtIn, &app); err != nil {
		return model.Platform{}, err
	}
	p.URLScheme = model.URLScheme(scheme)
	p.BuiltIn = builtIn == 1
	if app.Valid && app.String != "" {
		p.GitHubApp = &model.GitHubApp{}
		if err := json.Unmarshal([]byte(app.String), p.GitHubApp); err != nil {
			return model.Platform{}, fmt.Errorf("unmarshal github app: %w", err)
		}
	}
	return p, nil
}

func platformArgs(p model.Platform) ([]any, error) {
	var app sql.NullString
	if p.GitHubApp != nil {
		b, err := json.Marshal(p.GitHubApp)
		if err != nil {
			return nil, fmt.Errorf("marshal github app: %w", err)
		}
		app = sql.NullString{String: string(b), Valid: true}
	}
	builtIn := 0
	if p.BuiltIn {
		builtIn = 1
	}
	return []any{p.ID, p.Name, p.BaseURL, p.APIURL, p.AuthToken, string(p.URLScheme), builtIn, app}, nil
}

func (ps sqlPlatforms) getByID(ctx context.Context, id string) (model.Platform, error) {
	row := ps.s.db.QueryRowContext(ctx, "SELECT "+platformColumns+" FROM platforms WHERE id = ?", id)
	p, err := scanPlatform(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Platform{}, fmt.Errorf("platform %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Platform{}, fmt.Errorf("query platform: %w", err)
	}
	return p, nil
}

func (ps sqlPlatforms) GetByID(ctx context.Context, id string) (model.Platform, error) {
	ps.s.lock.RLock()
	defer ps.s.lock.RUnlock()
	return ps.getByID(ctx, id)
}

func (ps sqlPlatforms) List(ctx context.Context) ([]model.Platform, error) {
	ps.s.lock.RLock()
	defer ps.s.lock.RUnlock()

	rows, err := ps.s.db.QueryContext(ctx, "SELECT "+platformColumns+" FROM platforms ORDER BY built_in DESC, id")
	if err != nil {
		return nil, fmt.Errorf("query platforms: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var res []model.Platform
	for rows.Next() {
		p, err := scanPlatform(rows)
		if err != nil {
			return nil, fmt.Errorf("scan platform: %w", err)
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return res, nil
}

func (ps sqlPlatforms) Add(ctx context.Context, p model.Platform) (model.Platform, error) {
	p, err := validatePlatform(p)
	if err != nil {
		return model.Platform{}, err
	}
	args, err := platformArgs(p)
	if err != nil {
		return model.Platform{}, err
	}

	ps.s.lock.Lock()
	defer ps.s.lock.Unlock()

	if _, err := ps.getByID(ctx, p.ID); err == nil {
		return model.Platform{}, fmt.Errorf("platform %s: %w", p.ID, ErrExist)
	} else if !errors.Is(err, ErrNotFound) {
		return model.Platform{}, err
	}

	_, err = ps.s.db.ExecContext(ctx,
		"INSERT INTO platforms ("+platformColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)", args...)
	if err != nil {
		return model.Platform{}, fmt.Errorf("insert platform: %w", err)
	}
	return p, nil
}

func (ps sqlPlatforms) Update(ctx context.Context, p model.Platform) (model.Platform, error) {
	p, err := validatePlatform(p)
	if err != nil {
		return model.Platform{}, err
	}

	ps.s.lock.Lock()
	defer ps.s.lock.Unlock()

	existing, err := ps.getByID(ctx, p.ID)
	if err != nil {
		return model.Platform{}, err
	}
	p.BuiltIn = existing.BuiltIn

	args, err := platformArgs(p)
	if err != nil {
		return model.Platform{}, err
	}
	_, err = ps.s.db.ExecContext(ctx,
		`UPDATE platforms SET name = ?, base_url = ?, api_url = ?, auth_token = ?,
		url_scheme = ?, built_in = ?, github_app = ? WHERE id = ?`,
		append(args[1:], p.ID)...)
	if err != nil {
		return model.Platform{}, fmt.Errorf("update platform: %w", err)
	}
	return p, nil
}

func (ps sqlPlatforms) Delete(ctx context.Context, id string) error {
	ps.s.lock.Lock()
	defer ps.s.lock.Unlock()

	existing, err := ps.getByID(ctx, id)
	if err != nil {
		return err
	}
	if existing.BuiltIn {
		return fmt.Errorf("platform %s: %w", id, ErrBuiltIn)
	}

	var count int
	if err := ps.s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM repositories WHERE platform_id = ?", id).Scan(&count); err != nil {
		return fmt.Errorf("count repositories: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("platform %s: %w", id, ErrInUse)
	}

	if _, err := ps.s.db.ExecContext(ctx, "DELETE FROM platforms WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete platform: %w", err)
	}
	return nil
}

type sqlRepositories struct{ s *SQLite }

const repositoryColumns = "id, role, platform_id, path, branches, status, status_updated_at, created_at, updated_at"

func scanRepository(row rowScanner) (model.Repository, error) {
	var (
		r                              model.Repository
		role, status, branches         string
		statusUpdated, created, update int64
	)
	if err := row.Scan(&r.ID, &role, &r.PlatformID, &r.Path, &branches, &status, &statusUpdated, &created, &update); err != nil {
		return model.Repository{}, err
	}
	if err := json.Unmarshal([]byte(branches), &r.Branches); err != nil {
		return model.Repository{}, fmt.Errorf("unmarshal branches: %w", err)
	}
	r.Role = model.Role(role)
	r.Status = model.Status(status)
	r.StatusUpdatedAt = time.Unix(0, statusUpdated)
	r.CreatedAt = time.Unix(0, created)
	r.UpdatedAt = time.Unix(0, update)
	return r, nil
}

func (rs sqlRepositories) getByID(ctx context.Context, id string) (model.Repository, error) {
	row := rs.s.db.QueryRowContext(ctx, "SELECT "+repositoryColumns+" FROM repositories WHERE id = ?", id)
	r, err := scanRepository(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Repository{}, fmt.Errorf("repository %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Repository{}, fmt.Errorf("query repository: %w", err)
	}
	return r, nil
}

func (rs sqlRepositories) GetByID(ctx context.Context, id string) (model.Repository, error) {
	rs.s.lock.RLock()
	defer rs.s.lock.RUnlock()
	return rs.getByID(ctx, id)
}

func (rs sqlRepositories) List(ctx context.Context) ([]model.Repository, error) {
	rs.s.lock.RLock()
	defer rs.s.lock.RUnlock()

	rows, err := rs.s.db.QueryContext(ctx, "SELECT "+repositoryColumns+" FROM repositories ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("query repositories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var res []model.Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		res = append(res, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return res, nil
}

func (rs sqlRepositories) Add(ctx context.Context, r model.Repository) (model.Repository, error) {
	r, err := newRepository(r, time.Now())
	if err != nil {
		return model.Repository{}, err
	}
	branches, err := json.Marshal(r.Branches)
	if err != nil {
		return model.Repository{}, fmt.Errorf("marshal branches: %w", err)
	}

	rs.s.lock.Lock()
	defer rs.s.lock.Unlock()

	if _, err := (sqlPlatforms{rs.s}).getByID(ctx, r.PlatformID); err != nil {
		return model.Repository{}, fmt.Errorf("unknown platform: %w", err)
	}

	var count int
	if err := rs.s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM repositories WHERE id = ? OR (role = ? AND platform_id = ? AND path = ?)",
		r.ID, string(r.Role), r.PlatformID, r.Path).Scan(&count); err != nil {
		return model.Repository{}, fmt.Errorf("count repositories: %w", err)
	}
	if count > 0 {
		return model.Repository{}, fmt.Errorf("repository %s: %w", r.ID, ErrExist)
	}

	_, err = rs.s.db.ExecContext(ctx,
		"INSERT INTO repositories ("+repositoryColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		r.ID, string(r.Role), r.PlatformID, r.Path, string(branches), string(r.Status),
		r.StatusUpdatedAt.UnixNano(), r.CreatedAt.UnixNano(), r.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return model.Repository{}, fmt.Errorf("insert repository: %w", err)
	}
	return r, nil
}

func (rs sqlRepositories) Update(ctx context.Context, r model.Repository) (model.Repository, error) {
	rs.s.lock.Lock()
	defer rs.s.lock.Unlock()

	existing, err := rs.getByID(ctx, r.ID)
	if err != nil {
		return model.Repository{}, err
	}
	updated, err := updatedRepository(existing, r, time.Now())
	if err != nil {
		return model.Repository{}, err
	}
	branches, err := json.Marshal(updated.Branches)
	if err != nil {
		return model.Repository{}, fmt.Errorf("marshal branches: %w", err)
	}

	_, err = rs.s.db.ExecContext(ctx,
		"UPDATE repositories SET branches = ?, updated_at = ? WHERE id = ?",
		string(branches), updated.UpdatedAt.UnixNano(), updated.ID)
	if err != nil {
		return model.Repository{}, fmt.Errorf("update repository: %w", err)
	}
	return updated, nil
}

func (rs sqlRepositories) Delete(ctx context.Context, id string) error {
	rs.s.lock.Lock()
	defer rs.s.lock.Unlock()

	res, err := rs.s.db.ExecContext(ctx, "DELETE FROM repositories WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete repository: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("repository %s: %w", id, ErrNotFound)
	}
	return nil
}

func (rs sqlRepositories) UpdateStatus(ctx context.Context, id string, status model.Status, ts time.Time) (model.Repository, error) {
	rs.s.lock.Lock()
	defer rs.s.lock.Unlock()

	res, err := rs.s.db.ExecContext(ctx,
		"UPDATE repositories SET status = ?, status_updated_at = ? WHERE id = ?",
		string(status), ts.UnixNano(), id)
	if err != nil {
		return model.Repository{}, fmt.Errorf("update status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.Repository{}, fmt.Errorf("repository %s: %w", id, ErrNotFound)
	}
	return rs.getByID(ctx, id)
}

type sqlConfig struct{ s *SQLite }

func (cs sqlConfig) Get(ctx context.Context) (Settings, error) {
	cs.s.lock.RLock()
	defer cs.s.lock.RUnlock()

	var data string
	err := cs.s.db.QueryRowContext(ctx, "SELECT data FROM settings WHERE id = 1").Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultSettings(), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("query settings: %w", err)
	}

	// unset fields keep their defaults
	settings := DefaultSettings()
	if err := json.Unmarshal([]byte(data), &settings); err != nil {
		return Settings{}, fmt.Errorf("unmarshal settings: %w", err)
	}
	return settings, nil
}

func (cs sqlConfig) Update(ctx context.Context, settings Settings) (Settings, error) {
	data, err := json.Marshal(settings)
	if err != nil {
		return Settings{}, fmt.Errorf("marshal settings: %w", err)
	}

	cs.s.lock.Lock()
	defer cs.s.lock.Unlock()

	_, err = cs.s.db.ExecContext(ctx,
		"INSERT INTO settings (id, data) VALUES (1, ?) ON CONFLICT(id) DO UPDATE SET data = excluded.data",
		string(data))
	if err != nil {
		return Settings{}, fmt.Errorf("update settings: %w", err)
	}
	return settings, nil
}
