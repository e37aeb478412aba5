package repository

import (
	"fmt"

	"github.com/utilitywarehouse/git-fanout/giturl"
)

// CloneError is returned when the initial clone of a working copy failed.
type CloneError struct {
	RepoID string
	Err    error
}

func (e *CloneError) Error() string {
	return giturl.Redact(fmt.Sprintf("unable to clone repository %s: %v", e.RepoID, e.Err))
}
func (e *CloneError) Unwrap() error { return e.Err }

// BranchResolutionError is returned when neither a candidate branch nor
// the remote default branch could be resolved.
type BranchResolutionError struct {
	RepoID string
	Err    error
}

func (e *BranchResolutionError) Error() string {
	return fmt.Sprintf("unable to resolve branch for repository %s: %v", e.RepoID, e.Err)
}
func (e *BranchResolutionError) Unwrap() error { return e.Err }
