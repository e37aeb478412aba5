package giturl

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/utilitywarehouse/git-fanout/model"
)

// ErrNoToken is returned when a platform has no token to embed.
var ErrNoToken = errors.New("platform has no auth token")

// UnsupportedSchemeError is returned for url schemes Build doesn't know.
type UnsupportedSchemeError struct {
	Scheme model.URLScheme
}

func (e *UnsupportedSchemeError) Error() string {
	return fmt.Sprintf("unsupported url scheme %q", string(e.Scheme))
}

// Build returns the authenticated https url of the repository at path on
// the given platform. The token is embedded as the platform expects it.
func Build(p model.Platform, path string) (string, error) {
	if p.AuthToken == "" {
		return "", fmt.Errorf("platform %s: %w", p.ID, ErrNoToken)
	}
	host := p.Host()
	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")

	switch p.URLScheme {
	case model.SchemeGitHub:
		return fmt.Sprintf("https://%s:x-oauth-basic@%s/%s.git", p.AuthToken, host, path), nil
	case model.SchemeGitee:
		return fmt.Sprintf("https://%s@%s/%s.git", p.AuthToken, host, path), nil
	case model.SchemeOAuth2:
		return fmt.Sprintf("https://oauth2:%s@%s/%s.git", p.AuthToken, host, path), nil
	case model.SchemeGeneric:
		return fmt.Sprintf("https://%s@%s/%s.git", p.AuthToken, host, path), nil
	default:
		return "", &UnsupportedSchemeError{Scheme: p.URLScheme}
	}
}

// PlainURL returns the repository url without credentials.
func PlainURL(p model.Platform, path string) string {
	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	return fmt.Sprintf("https://%s/%s.git", p.Host(), path)
}

var userInfoRgx = regexp.MustCompile(`(https?://)[^@\s/]+@`)

// Redact replaces credentials of every http(s) url found in s.
func Redact(s string) string {
	return userInfoRgx.ReplaceAllString(s, "${1}***@")
}
