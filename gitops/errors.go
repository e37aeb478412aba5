package gitops

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/utilitywarehouse/git-fanout/giturl"
)

// ErrNotRepository is returned when the working copy dir is not a git repository.
var ErrNotRepository = errors.New("not a git repository")

// AuthError is returned when the remote rejected or asked for credentials.
type AuthError struct {
	Op, URL string
	Err     error
}

func (e *AuthError) Error() string {
	return giturl.Redact(fmt.Sprintf("%s auth error for %s: %v", e.Op, e.URL, e.Err))
}
func (e *AuthError) Unwrap() error { return e.Err }

// TransportError is returned when the remote could not be reached or the
// operation didn't complete in time.
type TransportError struct {
	Op, URL string
	Err     error
}

func (e *TransportError) Error() string {
	return giturl.Redact(fmt.Sprintf("%s transport error for %s: %v", e.Op, e.URL, e.Err))
}
func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the operation was cut by its deadline.
func (e *TransportError) Timeout() bool { return errors.Is(e.Err, context.DeadlineExceeded) }

// DivergedHistoryError is returned when a branch can't be fast-forwarded
// either locally by pull or on the remote by push.
type DivergedHistoryError struct {
	Op, URL, Branch string
	Err             error
}

func (e *DivergedHistoryError) Error() string {
	return giturl.Redact(fmt.Sprintf("%s history diverged %s@%s: %v", e.Op, e.URL, e.Branch, e.Err))
}
func (e *DivergedHistoryError) Unwrap() error { return e.Err }

var (
	authMsgs = []string{
		"authentication failed",
		"authentication required",
		"authorization failed",
		"could not read username",
		"could not read password",
		"terminal prompts disabled",
		"invalid username or password",
		"access denied",
		"permission denied",
		"http basic",
		"returned error: 401",
		"returned error: 403",
	}
	divergedMsgs = []string{
		"non-fast-forward",
		"not possible to fast-forward",
		"diverging branches",
		"[rejected]",
		"fetch first",
	}
	transportMsgs = []string{
		"could not resolve host",
		"connection refused",
		"connection reset",
		"connection timed out",
		"hung up",
		"timed out",
		"timeout",
		"no route to host",
		"network is unreachable",
		"early eof",
		"unable to access",
		"repository not found",
		"does not appear to be a git repository",
		"could not read from remote repository",
	}
)

// classify translates go-git or command-line git errors into typed errors.
// url is only used in the error text and is always redacted.
func classify(op, url, branch string, err error) error {
	if err == nil {
		return nil
	}
	// already classified
	var (
		ae *AuthError
		te *TransportError
		de *DivergedHistoryError
	)
	if errors.As(err, &ae) || errors.As(err, &te) || errors.As(err, &de) {
		return err
	}

	url = giturl.Redact(url)

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &TransportError{Op: op, URL: url, Err: err}
	}
	if errors.Is(err, transport.ErrAuthenticationRequired) || errors.Is(err, transport.ErrAuthorizationFailed) {
		return &AuthError{Op: op, URL: url, Err: err}
	}
	if errors.Is(err, git.ErrNonFastForwardUpdate) {
		return &DivergedHistoryError{Op: op, URL: url, Branch: branch, Err: err}
	}
	if errors.Is(err, transport.ErrRepositoryNotFound) || errors.Is(err, transport.ErrEmptyRemoteRepository) {
		return &TransportError{Op: op, URL: url, Err: err}
	}
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return fmt.Errorf("%s: %w", op, ErrNotRepository)
	}

	l := strings.ToLower(err.Error())
	switch {
	case containsAny(l, authMsgs):
		return &AuthError{Op: op, URL: url, Err: err}
	case containsAny(l, divergedMsgs):
		return &DivergedHistoryError{Op: op, URL: url, Branch: branch, Err: err}
	case containsAny(l, transportMsgs):
		return &TransportError{Op: op, URL: url, Err: err}
	case strings.Contains(l, "not a git repository"):
		return fmt.Errorf("%s: %w: %v", op, ErrNotRepository, err)
	}
	return fmt.Errorf("%s: err:%w", op, err)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
