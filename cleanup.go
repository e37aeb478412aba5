package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/utilitywarehouse/git-fanout/model"
	"github.com/utilitywarehouse/git-fanout/repository"
)

// repoChecker reports whether dir is the root of a git working copy.
type repoChecker interface {
	IsRepo(ctx context.Context, dir string) bool
}

// cleanupOrphanedRepos deletes working copies under root which don't belong
// to any registered repository, ie repositories deleted via api or removed
// from the database while app was down. Working copies are only re-created
// by sync hence this function should be called once on start up.
// Dirs which are not git working copies are left alone.
func cleanupOrphanedRepos(ctx context.Context, root string, repos []model.Repository, git repoChecker) {
	if root == "" {
		return
	}

	// work dirs of registered repos and all of their parents
	wanted := make(map[string]bool)
	parents := make(map[string]bool)
	for _, repo := range repos {
		dir := repository.WorkDir(root, repo)
		wanted[dir] = true
		for p := filepath.Dir(dir); strings.HasPrefix(p, root) && p != root; p = filepath.Dir(p) {
			parents[p] = true
		}
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() || path == root {
			return nil
		}
		if wanted[path] {
			return filepath.SkipDir
		}
		if !git.IsRepo(ctx, path) {
			// parent of a working copy or unrelated dir
			return nil
		}
		if parents[path] {
			// working copy nested inside the path of a registered repo
			// is not expected, keep it
			return filepath.SkipDir
		}

		logger.Info("removing orphaned working copy...", "path", path)
		if err := os.RemoveAll(path); err != nil {
			logger.Error("unable to remove orphaned working copy", "path", path, "err", err)
		}
		return filepath.SkipDir
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Error("unable to walk root dir for clean up", "root", root, "err", err)
	}
}
