//go:build !deadlock_test

// Package lock provides the mutex types used across git-fanout.
// Building with the `deadlock_test` tag swaps them for go-deadlock
// implementations which report lock ordering problems and long waits.
package lock

import "sync"

type Mutex = sync.Mutex

type RWMutex = sync.RWMutex
