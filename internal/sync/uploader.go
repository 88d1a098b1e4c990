package sync

import (
	"context"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lawdesk/lawdesk-go/internal/remote"
)

// Upload pipeline constants. The chunk size is tuned low to bound the blast
// radius of a single failed network call on constrained connections.
const (
	uploadChunkSize   = 5
	maxUploadAttempts = 3
	uploadBaseBackoff = 500 * time.Millisecond
)

// Uploader is the generic chunked-upsert-with-backoff primitive used by the
// upload pipeline for every table. One implementation, parameterized by
// table and conflict key, replaces per-call-site retry loops.
type Uploader struct {
	querier Querier
	logger  *slog.Logger

	// sleepFunc waits between retries. Tests override it to avoid delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewUploader creates an Uploader backed by the given querier.
func NewUploader(querier Querier, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}

	return &Uploader{
		querier:   querier,
		logger:    logger,
		sleepFunc: timeSleep,
	}
}

// UploadTable splits rows into chunks and upserts each chunk idempotently,
// retrying failures with strictly increasing backoff up to the attempt
// bound. Exhausting retries aborts the table's pass with a TableError;
// chunks already uploaded stand, because re-running an idempotent upsert is
// safe. Returns the server rows (including server-assigned columns) for
// every uploaded chunk.
func (u *Uploader) UploadTable(ctx context.Context, table string, rows []remote.Row, conflictKey string) ([]remote.Row, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	uploaded := make([]remote.Row, 0, len(rows))

	for start := 0; start < len(rows); start += uploadChunkSize {
		end := min(start+uploadChunkSize, len(rows))

		result, err := u.upsertChunk(ctx, table, rows[start:end], conflictKey)
		if err != nil {
			return uploaded, &TableError{Table: table, Err: err}
		}

		uploaded = append(uploaded, result...)
	}

	u.logger.Info("table uploaded",
		slog.String("table", table),
		slog.Int("rows", len(uploaded)),
	)

	return uploaded, nil
}

// upsertChunk attempts one chunk with bounded retry. Delays double on each
// failure: base, 2×base, then abandon.
func (u *Uploader) upsertChunk(ctx context.Context, table string, chunk []remote.Row, conflictKey string) ([]remote.Row, error) {
	var lastErr error

	for attempt := 1; attempt <= maxUploadAttempts; attempt++ {
		result, err := u.querier.Upsert(ctx, table, chunk, conflictKey)
		if err == nil {
			return result, nil
		}

		lastErr = err

		if ctx.Err() != nil {
			return nil, fmt.Errorf("chunk upsert canceled: %w", ctx.Err())
		}

		if attempt == maxUploadAttempts {
			break
		}

		backoff := uploadBaseBackoff << (attempt - 1)
		u.logger.Warn("chunk upsert failed, retrying",
			slog.String("table", table),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		if sleepErr := u.sleepFunc(ctx, backoff); sleepErr != nil {
			return nil, fmt.Errorf("chunk upsert canceled: %w", sleepErr)
		}
	}

	return nil, fmt.Errorf("chunk upsert failed after %d attempts: %w", maxUploadAttempts, lastErr)
}

// TierResult carries the outcome of one table's pipeline run within a tier.
type TierResult struct {
	Entity     *Entity
	Uploaded   []remote.Row // upload pipeline: server rows returned
	DeletedIDs []string     // deletion pipeline: ids confirmed removed
	Err        error
}

// UploadTiers drives the staged rows through the fixed dependency order:
// each tier waits for the previous tier to finish, and tables within a tier
// (no dependency relationship) run concurrently. A failed table is recorded
// and does not block unrelated tables; its descendants simply fail their
// own retries or stay dirty for the next pass.
func (u *Uploader) UploadTiers(ctx context.Context, staged map[string][]remote.Row) []TierResult {
	var results []TierResult

	for _, tier := range UploadTiers {
		results = append(results, u.UploadTier(ctx, tier, staged)...)

		// Tier barrier: descendants must not start before their ancestors
		// have completed, success or final failure.
		if ctx.Err() != nil {
			break
		}
	}

	return results
}

// UploadTier runs the named tables of one tier concurrently. Per-table
// failures are recorded in the results, not returned: a failed table keeps
// sibling tables running and later tiers starting.
func (u *Uploader) UploadTier(ctx context.Context, tier []string, staged map[string][]remote.Row) []TierResult {
	var (
		mu      stdsync.Mutex
		results []TierResult
	)

	g, gctx := errgroup.WithContext(ctx)

	for _, name := range tier {
		ent, ok := EntityByName(name)
		if !ok {
			continue
		}

		rows := staged[name]
		if len(rows) == 0 {
			continue
		}

		g.Go(func() error {
			uploaded, err := u.UploadTable(gctx, ent.Table, rows, ent.conflictKey())

			mu.Lock()
			results = append(results, TierResult{Entity: ent, Uploaded: uploaded, Err: err})
			mu.Unlock()

			return nil
		})
	}

	_ = g.Wait()

	return results
}

// timeSleep waits for the given duration or until the context is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
