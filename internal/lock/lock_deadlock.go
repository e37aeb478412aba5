//go:build deadlock_test

package lock

import (
	"time"

	"github.com/sasha-s/go-deadlock"
)

func init() {
	// git operations in tests can legitimately hold a repository lock
	// for a while, only report waits which are clearly stuck
	deadlock.Opts.DeadlockTimeout = 2 * time.Minute
}

type Mutex = deadlock.Mutex

type RWMutex = deadlock.RWMutex
