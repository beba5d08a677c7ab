// Package store defines the persistence interfaces the inspector relies
// on. Implementations live in subpackages: sqlite for rules and report
// history, jsonl for the append-only scan log.
package store

import (
	"context"
	"errors"

	"github.com/purpleroc/mcp-security-inspector/pkg/types"
)

// ErrNotFound is returned when a lookup key has no row.
var ErrNotFound = errors.New("not found")

// ReportStore keeps the history of completed scans.
type ReportStore interface {
	SaveReport(ctx context.Context, rep *types.SecurityReport) error
	Report(ctx context.Context, id string) (*types.SecurityReport, error)
	LatestReport(ctx context.Context) (*types.SecurityReport, error)
	ListReports(ctx context.Context, limit int) ([]types.ReportMeta, error)
	DeleteReport(ctx context.Context, id string) error
	Close() error
}

// ScanLogStore appends scan log entries. Reads happen over the event
// broker or the raw files, never through this interface.
type ScanLogStore interface {
	Append(ctx context.Context, entry types.ScanLogEntry) error
	Close() error
}
