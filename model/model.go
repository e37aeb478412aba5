// Package model contains the records shared by the stores, the reconciler
// and the sync coordinator.
package model

import (
	"fmt"
	"strings"
	"time"
)

// URLScheme selects how a platform embeds its token in a transport URL.
type URLScheme string

const (
	// SchemeGitHub: https://{token}:x-oauth-basic@{host}/{path}.git
	SchemeGitHub URLScheme = "github"
	// SchemeGitee: https://{token}@{host}/{path}.git
	SchemeGitee URLScheme = "gitee"
	// SchemeOAuth2 is used by gitlab and gitcode: https://oauth2:{token}@{host}/{path}.git
	SchemeOAuth2 URLScheme = "oauth2"
	// SchemeGeneric is the fallback for custom platforms: https://{token}@{host}/{path}.git
	SchemeGeneric URLScheme = "generic"
)

// ParseURLScheme returns the scheme for the given name, empty name
// defaults to the generic scheme.
func ParseURLScheme(s string) (URLScheme, error) {
	switch URLScheme(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return SchemeGeneric, nil
	case SchemeGitHub:
		return SchemeGitHub, nil
	case SchemeGitee:
		return SchemeGitee, nil
	case SchemeOAuth2:
		return SchemeOAuth2, nil
	case SchemeGeneric:
		return SchemeGeneric, nil
	}
	return "", fmt.Errorf("unknown url scheme %q, must be one of %s, %s, %s, %s",
		s, SchemeGitHub, SchemeGitee, SchemeOAuth2, SchemeGeneric)
}

// GitHubApp holds the credentials used to mint installation tokens
// for a github scheme platform instead of a static token.
type GitHubApp struct {
	AppID          string `json:"appId" yaml:"app_id"`
	InstallationID string `json:"installationId" yaml:"installation_id"`
	PrivateKeyPath string `json:"privateKeyPath" yaml:"private_key_path"`
}

// Complete returns true if all of the app attributes are set.
func (a *GitHubApp) Complete() bool {
	return a != nil && a.AppID != "" && a.InstallationID != "" && a.PrivateKeyPath != ""
}

// Platform is a git hosting platform.
type Platform struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	BaseURL   string     `json:"baseUrl"`
	APIURL    string     `json:"apiUrl,omitempty"`
	AuthToken string     `json:"authToken,omitempty"`
	URLScheme URLScheme  `json:"urlScheme"`
	BuiltIn   bool       `json:"builtIn"`
	GitHubApp *GitHubApp `json:"githubApp,omitempty"`
}

// HasCredentials reports whether the platform can be used as a sync
// source or target.
func (p Platform) HasCredentials() bool {
	return p.AuthToken != "" || p.GitHubApp.Complete()
}

// Host returns the base URL without scheme prefix and trailing slash.
func (p Platform) Host() string {
	h := strings.TrimSpace(p.BaseURL)
	if i := strings.Index(h, "://"); i >= 0 {
		h = h[i+3:]
	}
	return strings.TrimRight(h, "/")
}

// Validate checks the platform record invariants.
func (p Platform) Validate() error {
	var errs []error
	if p.ID == "" {
		errs = append(errs, fmt.Errorf("platform id is required"))
	}
	if strings.ContainsAny(p.ID, "/ \t") {
		errs = append(errs, fmt.Errorf("platform id %q must not contain '/' or spaces", p.ID))
	}
	if p.Host() == "" {
		errs = append(errs, fmt.Errorf("platform %q base url is required", p.ID))
	}
	if _, err := ParseURLScheme(string(p.URLScheme)); err != nil {
		errs = append(errs, err)
	}
	if p.GitHubApp != nil && !p.GitHubApp.Complete() {
		errs = append(errs, fmt.Errorf("all of the Github app attribute is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", errs)
	}
	return nil
}

// Role of a repository in the fan-out.
type Role string

const (
	RoleSource Role = "source"
	RoleMirror Role = "mirror"
)

// Status is the sync state of a repository.
//
//	idle -> syncing -> success|failed -> syncing ...
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// DefaultBranches is used when a repository is registered without
// candidate branches.
var DefaultBranches = []string{"main", "master"}

// Repository is a registered source or mirror repository.
type Repository struct {
	ID              string    `json:"id"`
	Role            Role      `json:"role"`
	PlatformID      string    `json:"platformId"`
	Path            string    `json:"path"`
	Branches        []string  `json:"branches"`
	Status          Status    `json:"status"`
	StatusUpdatedAt time.Time `json:"statusUpdatedAt"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// idEscaper keeps '-' free for use as the id separator.
var idEscaper = strings.NewReplacer("~", "~7e", "-", "~2d")

// RepositoryID derives the stable repository id from its identity.
// Platform id and path segments are joined with '-', any '-' or '~'
// inside them is escaped so distinct identities never share an id.
func RepositoryID(role Role, platformID, path string) string {
	segs := strings.Split(path, "/")
	for i, s := range segs {
		segs[i] = idEscaper.Replace(s)
	}
	return fmt.Sprintf("%s-%s-%s", role, idEscaper.Replace(platformID), strings.Join(segs, "-"))
}

// CandidateBranches returns configured branches or defaults.
func (r Repository) CandidateBranches() []string {
	if len(r.Branches) == 0 {
		return DefaultBranches
	}
	return r.Branches
}

// Validate checks the repository record invariants except the platform
// reference which is checked by the store.
func (r Repository) Validate() error {
	var errs []error
	switch r.Role {
	case RoleSource, RoleMirror:
	default:
		errs = append(errs, fmt.Errorf("role must be one of %s, %s", RoleSource, RoleMirror))
	}
	if r.PlatformID == "" {
		errs = append(errs, fmt.Errorf("platform id is required"))
	}
	if err := ValidatePath(r.Path); err != nil {
		errs = append(errs, err)
	}
	for _, b := range r.Branches {
		if strings.TrimSpace(b) == "" || strings.HasPrefix(b, "-") {
			errs = append(errs, fmt.Errorf("invalid branch name %q", b))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", errs)
	}
	return nil
}

// ValidatePath checks that path is in owner/name form.
func ValidatePath(path string) error {
	segments := strings.Split(path, "/")
	if len(segments) < 2 {
		return fmt.Errorf("repository path %q must be in owner/name form", path)
	}
	for _, s := range segments {
		if s == "" || s == "." || s == ".." {
			return fmt.Errorf("repository path %q contains invalid segment", path)
		}
	}
	return nil
}
