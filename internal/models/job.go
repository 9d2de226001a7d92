package models

import (
	"fmt"
	"time"
)

// Tier is a sync cadence.
type Tier string

const (
	TierImmediate Tier = "immediate"
	TierExtended  Tier = "extended"
)

// ParseTier converts a user supplied tier name.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierImmediate, TierExtended:
		return Tier(s), nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// JobStatus is the lifecycle state of a SyncJob.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// SyncJob records one Worker run. A running job for (WsID, Tier) holds the concurrency key.
type SyncJob struct {
	ID         string
	WsID       string
	Tier       Tier
	Status     JobStatus
	StartedAt  time.Time
	FinishedAt *time.Time
	Error      string
	Stats      ApplyStats
	Failed     int
}

// ApplyStats counts reconciler outcomes.
type ApplyStats struct {
	Upserted    int `json:"upserted"`
	SoftDeleted int `json:"soft_deleted"`
	Unchanged   int `json:"unchanged"`
}

// Add accumulates o into s.
func (s *ApplyStats) Add(o ApplyStats) {
	s.Upserted += o.Upserted
	s.SoftDeleted += o.SoftDeleted
	s.Unchanged += o.Unchanged
}

// CursorUpdate describes a cursor commit after a fully reconciled connection pass.
type CursorUpdate struct {
	ConnectionID string
	Tier         Tier
	Token        *string // nil keeps the stored token
	WindowStart  *time.Time
	SyncedAt     time.Time
}
