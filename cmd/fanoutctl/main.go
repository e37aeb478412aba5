// fanoutctl is a thin client of the git-fanout http api.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
)

var (
	log = slog.Default()
)

type client struct {
	server string
	http   *http.Client
}

type apiError struct {
	Error string `json:"error"`
}

// do calls api and writes indented json response to w
func (c *client) do(ctx context.Context, w io.Writer, method, path string) error {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.server, "/")+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var e apiError
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %s (%d)", method, path, e.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		return fmt.Errorf("invalid json response err:%w", err)
	}
	out.WriteByte('\n')
	_, err = out.WriteTo(w)
	return err
}

func newClient(cmd *cli.Command) *client {
	return &client{
		server: cmd.String("server"),
		http:   &http.Client{Timeout: cmd.Duration("timeout")},
	}
}

// call returns action which calls api, %s in path is replaced with
// first argument of the command.
func call(method, path string) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		p := path
		if strings.Contains(p, "%s") {
			arg := cmd.Args().First()
			if arg == "" {
				return fmt.Errorf("%s requires an id argument", cmd.Name)
			}
			p = fmt.Sprintf(p, url.PathEscape(arg))
		}
		return newClient(cmd).do(ctx, cmd.Root().Writer, method, p)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:  "fanoutctl",
		Usage: "fanoutctl talks to a running git-fanout server.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Value:   "http://localhost:8080",
				Usage:   "address of the git-fanout server",
				Sources: cli.EnvVars("GIT_FANOUT_SERVER"),
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 30 * time.Second,
				Usage: "api request timeout",
			},
		},
		Commands: []*cli.Command{
			{Name: "repos", Usage: "list repositories", Action: call(http.MethodGet, "/api/repos")},
			{Name: "status", Usage: "show sync status of a repository", ArgsUsage: "<repo-id>", Action: call(http.MethodGet, "/api/repos/%s/status")},
			{Name: "sync", Usage: "start sync of a repository", ArgsUsage: "<repo-id>", Action: call(http.MethodPost, "/api/repos/%s/sync")},
			{Name: "sync-all", Usage: "start sync of all repositories", Action: call(http.MethodPost, "/api/repos/sync-all")},
			{Name: "jobs", Usage: "list sync jobs in flight", Action: call(http.MethodGet, "/api/jobs")},
			{Name: "platforms", Usage: "list platforms", Action: call(http.MethodGet, "/api/platforms")},
			{Name: "validate", Usage: "validate token of a platform", ArgsUsage: "<platform-id>", Action: call(http.MethodGet, "/api/platforms/%s/validate")},
			{Name: "config", Usage: "show settings", Action: call(http.MethodGet, "/api/config")},
		},
	}
}

func main() {
	if err := newCommand().Run(context.Background(), os.Args); err != nil {
		log.Error("exiting", "err", err)
		os.Exit(1)
	}
}
