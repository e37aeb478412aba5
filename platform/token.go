package platform

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	json "github.com/goccy/go-json"

	"github.com/utilitywarehouse/git-fanout/internal/lock"
	"github.com/utilitywarehouse/git-fanout/model"
)

const (
	defaultGitHubAPIURL = "https://api.github.com"

	// cached installation token is renewed this long before it expires
	tokenRenewBefore = 10 * time.Minute
)

type githubAppTokenReqPermissions struct {
	Repositories []string          `json:"repositories,omitempty"`
	Permissions  map[string]string `json:"permissions,omitempty"`
}

type githubAppToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenSource resolves auth tokens of platforms which use a Github app
// instead of a static token. Installation tokens are cached until
// shortly before they expire.
// A TokenSource is safe for concurrent use by multiple goroutines.
type TokenSource struct {
	client *http.Client
	log    *slog.Logger
	now    func() time.Time

	lock  lock.Mutex
	cache map[string]githubAppToken
}

func NewTokenSource(client *http.Client, log *slog.Logger) *TokenSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &TokenSource{
		client: client,
		log:    log,
		now:    time.Now,
		cache:  make(map[string]githubAppToken),
	}
}

// Resolve returns p with its AuthToken set. Platforms with a static token or
// without Github app config are returned unchanged.
func (ts *TokenSource) Resolve(ctx context.Context, p model.Platform) (model.Platform, error) {
	if p.AuthToken != "" || !p.GitHubApp.Complete() {
		return p, nil
	}
	if p.URLScheme != model.SchemeGitHub {
		return p, fmt.Errorf("github app credentials are only supported on %s scheme platforms", model.SchemeGitHub)
	}

	app := *p.GitHubApp
	key := p.ID + "/" + app.AppID + "/" + app.InstallationID

	ts.lock.Lock()
	defer ts.lock.Unlock()

	if t, ok := ts.cache[key]; ok && ts.now().Before(t.ExpiresAt.Add(-tokenRenewBefore)) {
		p.AuthToken = t.Token
		return p, nil
	}

	apiURL := p.APIURL
	if apiURL == "" {
		apiURL = defaultGitHubAPIURL
	}

	t, err := ts.installationToken(ctx, apiURL, app, githubAppTokenReqPermissions{})
	if err != nil {
		return p, fmt.Errorf("unable to get github app installation token err:%w", err)
	}
	ts.log.Debug("new github app installation token issued", "platform", p.ID, "expires_at", t.ExpiresAt)

	ts.cache[key] = *t
	p.AuthToken = t.Token
	return p, nil
}

func (ts *TokenSource) installationToken(ctx context.Context,
	apiURL string, app model.GitHubApp, reqPerms githubAppTokenReqPermissions,
) (*githubAppToken, error) {
	privatePEMData, err := os.ReadFile(app.PrivateKeyPath)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(privatePEMData)
	if block == nil || block.Type != "RSA PRIVATE KEY" {
		return nil, fmt.Errorf("failed to decode PEM block containing private key")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: privateKey}, nil)
	if err != nil {
		return nil, err
	}

	now := ts.now()
	cl := jwt.Claims{
		// GitHub App's ID or client ID
		Issuer: app.AppID,
		// issued at time, 60 seconds in the past to allow for clock drift
		IssuedAt: jwt.NewNumericDate(now.Add(-60 * time.Second)),
		// JWT expiration time (10 minute maximum)
		Expiry: jwt.NewNumericDate(now.Add(10 * time.Minute)),
	}

	jwtToken, err := jwt.Signed(signer).Claims(cl).Serialize()
	if err != nil {
		return nil, err
	}

	reqBody, err := json.Marshal(reqPerms)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/app/installations/%s/access_tokens", strings.TrimRight(apiURL, "/"), app.InstallationID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+jwtToken)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := ts.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		errMessage, err := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("GitHub app token response status %d, body:%q  err:%w", resp.StatusCode, errMessage, err)
	}

	var tokenResponse githubAppToken
	if err := json.NewDecoder(resp.Body).Decode(&tokenResponse); err != nil {
		return nil, err
	}
	if tokenResponse.Token == "" {
		return nil, fmt.Errorf("GitHub app token response has no token")
	}

	return &tokenResponse, nil
}
