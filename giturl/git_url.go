// Package giturl builds credentialed transport URLs for platforms and
// parses the remote URLs reported by webhooks.
package giturl

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// user@host.xz:owner/repo.git
	scpURLRgx = regexp.MustCompile(`^(?P<user>[\w\-\.]+)@(?P<host>([\w\-]+\.?[\w\-]+)+(\:\d+)?):(?P<path>([\w\-\.]+\/)+[\w\-\.]+?)(\.git)?$`)

	// ssh://user@host.xz[:port]/owner/repo.git
	sshURLRgx = regexp.MustCompile(`^ssh://(?P<user>[\w\-\.]+)@(?P<host>([\w\-]+\.?[\w\-]+)+(\:\d+)?)/(?P<path>([\w\-\.]+\/)+[\w\-\.]+?)(\.git)?$`)

	// https://[userinfo@]host.xz[:port]/owner/repo.git
	httpsURLRgx = regexp.MustCompile(`^https?://([^@/]+@)?(?P<host>([\w\-]+\.?[\w\-]+)+(\:\d+)?)/(?P<path>([\w\-\.]+\/)+[\w\-\.]+?)(\.git)?$`)
)

// URL is a parsed remote url reduced to the parts used to match it
// against a registered repository.
type URL struct {
	Scheme string // 'scp', 'ssh' or 'https'
	Host   string // host or host:port
	Path   string // owner/repo without .git suffix
}

// NormaliseURL will return normalised url
func NormaliseURL(rawURL string) string {
	nURL := strings.ToLower(strings.TrimSpace(rawURL))
	return strings.TrimRight(nURL, "/")
}

// Parse parses a raw remote url. valid urls are...
//   - user@host.xz:owner/repo.git
//   - ssh://user@host.xz[:port]/owner/repo.git
//   - https://host.xz[:port]/owner/repo.git
func Parse(rawURL string) (*URL, error) {
	nURL := NormaliseURL(rawURL)

	var rgx *regexp.Regexp
	u := &URL{}
	switch {
	case scpURLRgx.MatchString(nURL):
		rgx, u.Scheme = scpURLRgx, "scp"
	case sshURLRgx.MatchString(nURL):
		rgx, u.Scheme = sshURLRgx, "ssh"
	case httpsURLRgx.MatchString(nURL):
		rgx, u.Scheme = httpsURLRgx, "https"
	default:
		return nil, fmt.Errorf("provided '%s' remote url is invalid, supported urls are 'user@host.xz:owner/repo.git','ssh://user@host.xz/owner/repo.git' or 'https://host.xz/owner/repo.git'",
			Redact(rawURL))
	}

	sections := rgx.FindStringSubmatch(nURL)
	u.Host = sections[rgx.SubexpIndex("host")]
	u.Path = sections[rgx.SubexpIndex("path")]

	if strings.HasSuffix(u.Path, "/.git") {
		return nil, fmt.Errorf("repo name is invalid")
	}
	return u, nil
}

// Equals returns whether or not the two parsed URLs point at the same
// remote repository regardless of the scheme used.
func (u *URL) Equals(o *URL) bool {
	return u.Host == o.Host && u.Path == o.Path
}
