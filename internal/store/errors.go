package store

import "errors"

// ErrNotFound indicates a missing or unauthorized resource lookup.
var ErrNotFound = errors.New("record not found")

// ErrJobRunning is returned by AcquireJob when the (workspace, tier) key is held.
var ErrJobRunning = errors.New("sync job already running")

// ErrTokenConflict means the refresh token changed underneath a token update.
var ErrTokenConflict = errors.New("refresh token changed concurrently")
