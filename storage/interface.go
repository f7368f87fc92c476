package storage

import (
	"context"
	"time"

	"github.com/0xAidan/polymarket-bot-test-sub001/models"
)

// Store is the Config/Storage Provider contract. Backends are assumed
// crash-consistent (read-after-write visible) but not strongly ordered
// across processes; the engine keeps its own in-memory authority for dedup
// and rate windows and only snapshots through this interface.
type Store interface {
	Close() error

	// Tracked sources
	SaveTrackedSource(ctx context.Context, source models.TrackedSource) error
	GetTrackedSource(ctx context.Context, address string) (*models.TrackedSource, error)
	ListTrackedSources(ctx context.Context, activeOnly bool) ([]models.TrackedSource, error)
	SetSourceActive(ctx context.Context, address string, active bool) error

	// Executed-position ledger (no-repeat accounting)
	AppendExecutedPosition(ctx context.Context, rec models.ExecutedPositionRecord) error
	ListExecutedPositions(ctx context.Context, sourceAddress string, since time.Time) ([]models.ExecutedPositionRecord, error)
	PruneExecutedPositions(ctx context.Context, before time.Time) error
	ClearExecutedPositions(ctx context.Context, sourceAddress string) error

	// Execution history (append-only)
	SaveExecutionResult(ctx context.Context, res models.ExecutionResult) error
	ListExecutionResults(ctx context.Context, sourceAddress string, limit int) ([]models.ExecutionResult, error)

	// Mirror history
	SaveMirrorRun(ctx context.Context, run models.MirrorRun) error
	ListMirrorRuns(ctx context.Context, sourceAddress string, limit int) ([]models.MirrorRun, error)

	// Dedup ledger snapshot/restore. Keys map idempotency key -> first-seen
	// time; entries older than the horizon are dropped on restore.
	SaveProcessedKeys(ctx context.Context, keys map[string]time.Time) error
	LoadProcessedKeys(ctx context.Context) (map[string]time.Time, error)

	// Rate-limit window snapshot/restore, keyed by source address.
	SaveRateWindows(ctx context.Context, windows map[string]models.RateLimitWindow) error
	LoadRateWindows(ctx context.Context) (map[string]models.RateLimitWindow, error)
}

// Ensure both implementations satisfy the interface.
var _ Store = (*PostgresStore)(nil)
var _ Store = (*MemoryStore)(nil)
