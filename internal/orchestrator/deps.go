package orchestrator

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/tis24dev/jobsave/internal/process"
	"github.com/tis24dev/jobsave/internal/snapshot"
	"github.com/tis24dev/jobsave/internal/state"
	"github.com/tis24dev/jobsave/internal/storage"
)

// HistoryRecorder persists job run summaries.
type HistoryRecorder interface {
	RecordRun(ctx context.Context, rec state.RunRecord) (int64, error)
}

// TimeProvider abstracts time acquisition for determinism in tests.
type TimeProvider interface {
	Now() time.Time
}

// Deps groups optional orchestrator dependencies. Nil fields get defaults.
type Deps struct {
	Runner    process.Runner
	Claims    snapshot.ClaimRegistry
	Inventory snapshot.Inventory // nil runs the configured inventory command
	History   HistoryRecorder
	Time      TimeProvider
	NewID     func() string

	// CreationTime orders archives for retention.
	CreationTime func(path string, info os.FileInfo) time.Time
}

type realTimeProvider struct{}

func (realTimeProvider) Now() time.Time { return time.Now() }

func (d Deps) withDefaults() Deps {
	if d.Runner == nil {
		d.Runner = process.NewExecRunner()
	}
	if d.Claims == nil {
		d.Claims = snapshot.NewMemoryClaims()
	}
	if d.Time == nil {
		d.Time = realTimeProvider{}
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	if d.CreationTime == nil {
		d.CreationTime = storage.CreationTime
	}
	return d
}
