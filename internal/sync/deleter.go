package sync

import (
	"context"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Deleter mirrors the upload pipeline for tombstones, walking tables in the
// exact reverse dependency order (deepest children first) so foreign-key
// constraints never reject a parent deletion. Deletion is best-effort per
// table: a failure leaves orphans to retry next pass, which is cheaper than
// blocking deletion of unrelated tables.
type Deleter struct {
	querier Querier
	logger  *slog.Logger

	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewDeleter creates a Deleter backed by the given querier.
func NewDeleter(querier Querier, logger *slog.Logger) *Deleter {
	if logger == nil {
		logger = slog.Default()
	}

	return &Deleter{
		querier:   querier,
		logger:    logger,
		sleepFunc: timeSleep,
	}
}

// DeleteTable removes ids from a table in chunks with the same bounded
// retry as uploads. Returns the ids confirmed deleted; on exhausted retries
// the remainder is abandoned for this pass.
func (d *Deleter) DeleteTable(ctx context.Context, table, key string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	deleted := make([]string, 0, len(ids))

	for start := 0; start < len(ids); start += uploadChunkSize {
		end := min(start+uploadChunkSize, len(ids))

		if err := d.deleteChunk(ctx, table, key, ids[start:end]); err != nil {
			return deleted, &TableError{Table: table, Err: err}
		}

		deleted = append(deleted, ids[start:end]...)
	}

	d.logger.Info("table deletions confirmed",
		slog.String("table", table),
		slog.Int("rows", len(deleted)),
	)

	return deleted, nil
}

// deleteChunk attempts one chunk with bounded retry.
func (d *Deleter) deleteChunk(ctx context.Context, table, key string, chunk []string) error {
	var lastErr error

	for attempt := 1; attempt <= maxUploadAttempts; attempt++ {
		err := d.querier.Delete(ctx, table, key, chunk)
		if err == nil {
			return nil
		}

		lastErr = err

		if ctx.Err() != nil {
			return fmt.Errorf("chunk delete canceled: %w", ctx.Err())
		}

		if attempt == maxUploadAttempts {
			break
		}

		backoff := uploadBaseBackoff << (attempt - 1)
		d.logger.Warn("chunk delete failed, retrying",
			slog.String("table", table),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		if sleepErr := d.sleepFunc(ctx, backoff); sleepErr != nil {
			return fmt.Errorf("chunk delete canceled: %w", sleepErr)
		}
	}

	return fmt.Errorf("chunk delete failed after %d attempts: %w", maxUploadAttempts, lastErr)
}

// DeleteTiers drives tombstoned ids through the reverse dependency order.
// Tables within a tier run concurrently; a failed table is logged and
// recorded but never stops the remaining tables or tiers.
func (d *Deleter) DeleteTiers(ctx context.Context, tombstones map[string][]string) []TierResult {
	var (
		mu      stdsync.Mutex
		results []TierResult
	)

	for _, tier := range DeleteTiers {
		g, gctx := errgroup.WithContext(ctx)

		for _, name := range tier {
			ent, ok := EntityByName(name)
			if !ok {
				continue
			}

			ids := tombstones[name]
			if len(ids) == 0 {
				continue
			}

			g.Go(func() error {
				deleted, err := d.DeleteTable(gctx, ent.Table, ent.deleteKey(), ids)
				if err != nil {
					d.logger.Warn("deletion pipeline: table failed, continuing",
						slog.String("table", ent.Table),
						slog.String("error", err.Error()),
					)
				}

				mu.Lock()
				results = append(results, TierResult{Entity: ent, Err: err, DeletedIDs: deleted})
				mu.Unlock()

				return nil
			})
		}

		_ = g.Wait()

		if ctx.Err() != nil {
			break
		}
	}

	return results
}
