// Package platform talks to git hosting platform APIs to check tokens and
// to issue Github app installation tokens.
package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	json "github.com/goccy/go-json"
	gh "github.com/google/go-github/v68/github"
	gl "gitlab.com/gitlab-org/api/client-go"

	"github.com/utilitywarehouse/git-fanout/giturl"
	"github.com/utilitywarehouse/git-fanout/model"
)

var (
	ErrValidationUnsupported = errors.New("token validation is not supported for generic platforms")
	ErrInvalidToken          = errors.New("token rejected by platform")
)

// Identity is the account a token belongs to.
type Identity struct {
	Login string `json:"login"`
	Name  string `json:"name,omitempty"`
}

// CredentialResolver fills in auth token of a platform.
type CredentialResolver interface {
	Resolve(ctx context.Context, p model.Platform) (model.Platform, error)
}

// Validator checks platform tokens against the platform API.
type Validator struct {
	client *http.Client
	creds  CredentialResolver
}

// NewValidator returns Validator. client and creds are optional.
func NewValidator(client *http.Client, creds CredentialResolver) *Validator {
	if client == nil {
		client = http.DefaultClient
	}
	return &Validator{client: client, creds: creds}
}

// Validate calls the platform API with platform token and returns the
// account the token belongs to.
func (v *Validator) Validate(ctx context.Context, p model.Platform) (Identity, error) {
	usesApp := p.AuthToken == "" && p.GitHubApp.Complete()
	if usesApp && v.creds != nil {
		var err error
		if p, err = v.creds.Resolve(ctx, p); err != nil {
			return Identity{}, err
		}
	}
	if p.AuthToken == "" {
		return Identity{}, giturl.ErrNoToken
	}

	switch p.URLScheme {
	case model.SchemeGitHub:
		if usesApp {
			return v.validateGitHubApp(ctx, p)
		}
		return v.validateGitHub(ctx, p)
	case model.SchemeOAuth2:
		return v.validateGitLab(ctx, p)
	case model.SchemeGitee:
		return v.validateGitee(ctx, p)
	case model.SchemeGeneric:
		return Identity{}, ErrValidationUnsupported
	default:
		return Identity{}, &giturl.UnsupportedSchemeError{Scheme: p.URLScheme}
	}
}

func (v *Validator) githubClient(p model.Platform) (*gh.Client, error) {
	client := gh.NewClient(v.client).WithAuthToken(p.AuthToken)

	apiURL := strings.TrimRight(p.APIURL, "/")
	if apiURL == "" || apiURL == defaultGitHubAPIURL {
		if p.Host() == "github.com" {
			return client, nil
		}
		apiURL = "https://" + p.Host() + "/api/v3"
	}
	return client.WithEnterpriseURLs(apiURL+"/", apiURL+"/")
}

func (v *Validator) validateGitHub(ctx context.Context, p model.Platform) (Identity, error) {
	client, err := v.githubClient(p)
	if err != nil {
		return Identity{}, fmt.Errorf("unable to create github client err:%w", err)
	}

	user, resp, err := client.Users.Get(ctx, "")
	if err != nil {
		if resp != nil {
			return Identity{}, statusError(resp.Response, err)
		}
		return Identity{}, err
	}
	return Identity{Login: user.GetLogin(), Name: user.GetName()}, nil
}

// installation tokens can't read user, listing accessible repositories
// proves the token works
func (v *Validator) validateGitHubApp(ctx context.Context, p model.Platform) (Identity, error) {
	client, err := v.githubClient(p)
	if err != nil {
		return Identity{}, fmt.Errorf("unable to create github client err:%w", err)
	}

	_, resp, err := client.Apps.ListRepos(ctx, &gh.ListOptions{PerPage: 1})
	if err != nil {
		if resp != nil {
			return Identity{}, statusError(resp.Response, err)
		}
		return Identity{}, err
	}
	return Identity{Login: "app/" + p.GitHubApp.AppID}, nil
}

func (v *Validator) validateGitLab(ctx context.Context, p model.Platform) (Identity, error) {
	baseURL := p.APIURL
	if baseURL == "" {
		baseURL = p.BaseURL
	}
	client, err := gl.NewClient(p.AuthToken,
		gl.WithBaseURL(baseURL),
		gl.WithHTTPClient(v.client),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("unable to create gitlab client err:%w", err)
	}

	user, resp, err := client.Users.CurrentUser(gl.WithContext(ctx))
	if err != nil {
		if resp != nil {
			return Identity{}, statusError(resp.Response, err)
		}
		return Identity{}, err
	}
	return Identity{Login: user.Username, Name: user.Name}, nil
}

type giteeUser struct {
	Login string `json:"login"`
	Name  string `json:"name"`
}

func (v *Validator) validateGitee(ctx context.Context, p model.Platform) (Identity, error) {
	apiURL := strings.TrimRight(p.APIURL, "/")
	if apiURL == "" {
		apiURL = "https://" + p.Host() + "/api/v5"
	}

	u := apiURL + "/user?access_token=" + url.QueryEscape(p.AuthToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Identity{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		// url contains the token
		var uErr *url.Error
		if errors.As(err, &uErr) {
			err = uErr.Err
		}
		return Identity{}, fmt.Errorf("gitee api request failed err:%w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Identity{}, statusError(resp, fmt.Errorf("gitee api response status %d, body:%q", resp.StatusCode, body))
	}

	var user giteeUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return Identity{}, fmt.Errorf("unable to decode gitee user err:%w", err)
	}
	return Identity{Login: user.Login, Name: user.Name}, nil
}

func statusError(resp *http.Response, err error) error {
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return err
}
