package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/utilitywarehouse/git-fanout/model"
)

// BuiltinPlatforms are the platforms available without any configuration.
// They are created without tokens.
var BuiltinPlatforms = []model.Platform{
	{ID: "github", Name: "GitHub", BaseURL: "https://github.com", APIURL: "https://api.github.com", URLScheme: model.SchemeGitHub, BuiltIn: true},
	{ID: "gitee", Name: "Gitee", BaseURL: "https://gitee.com", APIURL: "https://gitee.com/api/v5", URLScheme: model.SchemeGitee, BuiltIn: true},
	{ID: "gitlab", Name: "GitLab", BaseURL: "https://gitlab.com", APIURL: "https://gitlab.com/api/v4", URLScheme: model.SchemeOAuth2, BuiltIn: true},
	{ID: "gitcode", Name: "GitCode", BaseURL: "https://gitcode.net", APIURL: "https://gitcode.net/api/v4", URLScheme: model.SchemeOAuth2, BuiltIn: true},
}

// SeedBuiltinPlatforms adds built-in platforms which are not yet in the
// store. Existing records are left untouched.
func SeedBuiltinPlatforms(ctx context.Context, ps PlatformStore, log *slog.Logger) error {
	for _, p := range BuiltinPlatforms {
		_, err := ps.Add(ctx, p)
		switch {
		case err == nil:
			log.Debug("built-in platform added", "platform", p.ID)
		case errors.Is(err, ErrExist):
		default:
			return fmt.Errorf("unable to add built-in platform %s err:%w", p.ID, err)
		}
	}
	return nil
}
