package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lawdesk/lawdesk-go/internal/remote"
)

// metaLastReport is the sync_meta key holding the last pass report as JSON.
const metaLastReport = "last_report"

// defaultPassTimeout bounds a pass when the config does not.
const defaultPassTimeout = 10 * time.Minute

// EngineConfig holds the options for NewEngine.
type EngineConfig struct {
	Store       *Store
	Querier     Querier    // satisfied by *remote.Client; nil when unconfigured
	Blobs       BlobClient // satisfied by *remote.Client
	Prober      Prober     // satisfied by *remote.Client
	Bucket      string     // object-storage bucket for case documents
	OwnerID     string     // scope identifier injected into every uploaded row
	Configured  bool       // remote credentials present
	PassTimeout time.Duration
	Logger      *slog.Logger
}

// Engine orchestrates a reconciliation pass: probe → pull → reconcile →
// integrity filter → upload → delete → persist. Exactly one pass runs at a
// time per local store; concurrent triggers coalesce into a no-op because
// the in-flight pass picks up the latest dirty state at its pull step.
type Engine struct {
	store       *Store
	mapper      *Mapper
	probe       *SchemaProbe
	reconciler  *Reconciler
	integrity   *IntegrityFilter
	uploader    *Uploader
	deleter     *Deleter
	docs        *DocReconciler
	passTimeout time.Duration
	logger      *slog.Logger

	inFlight atomic.Bool
	state    atomic.Value // PassState
}

// NewEngine wires the engine's components around a local store and a remote
// adapter. The adapter interfaces may be nil only when Configured is false.
func NewEngine(cfg *EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("sync: engine requires a local store")
	}

	if cfg.Configured && (cfg.Querier == nil || cfg.Blobs == nil || cfg.Prober == nil) {
		return nil, errors.New("sync: configured engine requires a full remote adapter")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.PassTimeout
	if timeout <= 0 {
		timeout = defaultPassTimeout
	}

	mapper := NewMapper(cfg.OwnerID)
	uploader := NewUploader(cfg.Querier, logger)

	e := &Engine{
		store:       cfg.Store,
		mapper:      mapper,
		probe:       NewSchemaProbe(cfg.Prober, cfg.Configured, logger),
		reconciler:  NewReconciler(logger),
		integrity:   NewIntegrityFilter(logger),
		uploader:    uploader,
		deleter:     NewDeleter(cfg.Querier, logger),
		passTimeout: timeout,
		logger:      logger,
	}

	e.docs = NewDocReconciler(cfg.Store, cfg.Querier, cfg.Blobs, uploader, mapper, cfg.Bucket, cfg.OwnerID, logger)
	e.state.Store(StateIdle)

	return e, nil
}

// State returns the engine's observable pass state.
func (e *Engine) State() PassState {
	return e.state.Load().(PassState)
}

// setState transitions the observable state.
func (e *Engine) setState(s PassState) {
	e.state.Store(s)
}

// Sync executes one full reconciliation pass and returns its report.
// Per-table failures land in the report, never in the returned error; the
// error is non-nil only when the pass cannot start at all (unconfigured,
// uninitialized schema, or no network with an empty local store).
func (e *Engine) Sync(ctx context.Context) (*SyncReport, error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		return nil, ErrPassInFlight
	}
	defer e.inFlight.Store(false)
	defer e.setState(StateIdle)

	ctx, cancel := context.WithTimeout(ctx, e.passTimeout)
	defer cancel()

	report := NewSyncReport(uuid.New().String())
	e.logger.Info("sync pass starting", slog.String("pass_id", report.PassID))

	// Probe gates the pass: nothing is mutated against a backend that
	// cannot accept it.
	e.setState(StateProbing)

	probeRes := e.probe.Run(ctx)
	report.Class = probeRes.Class

	if err := e.checkProbe(ctx, probeRes, report); err != nil || probeRes.Class != ClassReady {
		e.finishReport(ctx, report)
		return report, err
	}

	// Pull remote snapshots and plan merges/uploads per entity.
	e.setState(StatePulling)

	remoteRecs, pullFailed := e.pullAll(ctx, report)

	e.setState(StateReconciling)

	staged := e.reconcileAll(ctx, report, remoteRecs, pullFailed)

	// Upload pipeline, then deletion pipeline for tombstones.
	e.setState(StateUploading)
	e.uploadStaged(ctx, report, staged)

	e.setState(StateDeleting)
	e.deleteTombstones(ctx, report, pullFailed)

	// Attachment blobs move with their metadata rows.
	e.docs.Reconcile(ctx, report, "")

	e.finishReport(ctx, report)

	e.logger.Info("sync pass complete",
		slog.String("pass_id", report.PassID),
		slog.Duration("duration", report.Duration()),
		slog.Int("issues", len(report.Issues)),
	)

	return report, nil
}

// checkProbe maps a non-ready probe outcome to the pass's error contract.
func (e *Engine) checkProbe(ctx context.Context, res ProbeResult, report *SyncReport) error {
	switch res.Class {
	case ClassReady:
		return nil

	case ClassUnconfigured:
		e.logger.Info("sync skipped: remote backend not configured")
		return ErrUnconfigured

	case ClassUninitialized:
		report.AddIssue(res.Table, res.Err)
		return fmt.Errorf("%w: table %s: %v", ErrUninitialized, res.Table, res.Err)

	default:
		// Network or unknown failure. With cached local state the engine
		// stays usable offline and the pass ends with a classified report;
		// with nothing cached there is no state to serve, so surface it.
		if e.hasCachedState(ctx) {
			report.AddIssue(res.Table, res.Err)
			return nil
		}

		return fmt.Errorf("sync: pass cannot start (no network, no cached state): %w", res.Err)
	}
}

// hasCachedState reports whether any record survives in the local store.
func (e *Engine) hasCachedState(ctx context.Context) bool {
	for _, ent := range Entities {
		recs, err := e.store.List(ctx, ent.Name)
		if err == nil && len(recs) > 0 {
			return true
		}
	}

	return false
}

// pullAll fetches a remote snapshot for every entity. Per-table failures are
// recorded and returned in pullFailed; a failed table is skipped entirely
// this pass (neither merged nor uploaded) so stale local state never
// overwrites a newer remote version blindly.
func (e *Engine) pullAll(ctx context.Context, report *SyncReport) (map[string][]Record, map[string]bool) {
	remoteRecs := make(map[string][]Record, len(Entities))
	pullFailed := make(map[string]bool)

	for _, ent := range Entities {
		rows, err := e.uploader.querier.Select(ctx, ent.Table, nil)
		if err != nil {
			e.logger.Warn("pull failed, table skipped this pass",
				slog.String("table", ent.Table),
				slog.String("error", err.Error()),
			)

			report.AddIssue(ent.Table, err)
			pullFailed[ent.Name] = true

			continue
		}

		recs := make([]Record, 0, len(rows))
		for _, row := range rows {
			recs = append(recs, e.mapper.ToLocal(ent, row))
		}

		remoteRecs[ent.Name] = recs
		report.Count(ent.Table).Pulled = len(recs)
	}

	return remoteRecs, pullFailed
}

// reconcileAll diffs every entity, writes winning remote versions into the
// local store, and returns the records staged for upload after the
// referential integrity filter.
func (e *Engine) reconcileAll(
	ctx context.Context, report *SyncReport, remoteRecs map[string][]Record, pullFailed map[string]bool,
) map[string][]Record {
	staged := make(map[string][]Record, len(Entities))

	// Everything the remote just served is known-valid for parent checks.
	known := KnownFrom(remoteRecs)

	now := NowNano()

	// Entities is dependency-ordered, so parents are filtered before their
	// children and freshly validated parents admit their children.
	for _, ent := range Entities {
		if pullFailed[ent.Name] {
			continue
		}

		local, err := e.store.List(ctx, ent.Name)
		if err != nil {
			report.AddIssue(ent.Table, err)
			continue
		}

		dirty, err := e.store.ListDirty(ctx, ent.Name)
		if err != nil {
			report.AddIssue(ent.Table, err)
			continue
		}

		dirtyIDs := NewIDSet()
		for _, rec := range dirty {
			dirtyIDs.Add(ent.Key(rec))
		}

		// A local tombstone beats the remote version: merging it back would
		// resurrect a record the user already deleted, moments before the
		// deletion pipeline removes it remotely.
		tombs, err := e.store.ListTombstones(ctx, ent.Name)
		if err != nil {
			report.AddIssue(ent.Table, err)
			continue
		}

		tombIDs := NewIDSet()
		for _, rec := range tombs {
			tombIDs.Add(ent.Key(rec))
		}

		remoteLive := remoteRecs[ent.Name]
		if len(tombIDs) > 0 {
			filtered := make([]Record, 0, len(remoteLive))
			for _, rec := range remoteLive {
				if !tombIDs.Has(ent.Key(rec)) {
					filtered = append(filtered, rec)
				}
			}

			remoteLive = filtered
		}

		plan := e.reconciler.PlanEntity(ent, local, remoteLive, dirtyIDs)

		for _, rec := range plan.Merge {
			if err := e.store.PutSynced(ctx, ent.Name, rec, now); err != nil {
				report.AddIssue(ent.Table, err)
				continue
			}

			report.Count(ent.Table).Merged++
		}

		// Clean local records are previously confirmed state; add them to
		// the remote-seeded set.
		seed := known[ent.Name]
		if seed == nil {
			seed = NewIDSet()
			known[ent.Name] = seed
		}

		for _, rec := range local {
			if key := ent.Key(rec); !dirtyIDs.Has(key) {
				seed.Add(key)
			}
		}

		toUpload := e.docs.excludePendingBlobs(ctx, ent, plan.Upload)

		kept, droppedCount := e.integrity.FilterEntity(ent, toUpload, known)
		report.Count(ent.Table).Skipped += droppedCount

		staged[ent.Name] = kept
	}

	return staged
}

// uploadStaged drives the staged records through the upload pipeline one
// tier at a time, folding each tier's server responses back into the local
// store before the next tier maps its rows. That ordering matters when the
// backend assigns identifiers: a parent's rekey rewrites its children's
// references in the store, and the children re-read the store just before
// they upload.
func (e *Engine) uploadStaged(ctx context.Context, report *SyncReport, staged map[string][]Record) {
	for _, tier := range UploadTiers {
		rows := make(map[string][]remote.Row, len(tier))
		sent := make(map[string][]Record, len(tier))

		for _, name := range tier {
			ent, ok := EntityByName(name)
			if !ok {
				continue
			}

			for _, rec := range staged[name] {
				// Refresh from the store: an earlier tier's rekey may have
				// rewritten this record's parent reference.
				if fresh, err := e.store.Get(ctx, ent.Name, ent.Key(rec)); err == nil {
					rec = fresh
				}

				row, err := e.mapper.ToRemote(ent, rec)
				if err != nil {
					// Malformed record: logged, excluded this pass, stays dirty.
					e.logger.Warn("mapping failed, record excluded",
						slog.String("entity", name),
						slog.String("error", err.Error()),
					)

					report.AddIssue(ent.Table, err)
					report.Count(ent.Table).Skipped++

					continue
				}

				rows[name] = append(rows[name], row)
				sent[name] = append(sent[name], rec)
			}
		}

		if len(rows) == 0 {
			continue
		}

		for _, result := range e.uploader.UploadTier(ctx, tier, rows) {
			e.applyUploadResult(ctx, report, result, sent[result.Entity.Name])
		}

		if ctx.Err() != nil {
			break
		}
	}
}

// applyUploadResult commits one table's upload outcome to the local store.
// Chunks upload in order, so the response prefix pairs with the sent prefix.
func (e *Engine) applyUploadResult(ctx context.Context, report *SyncReport, result TierResult, sent []Record) {
	ent := result.Entity

	if result.Err != nil {
		report.AddIssue(ent.Table, result.Err)
	}

	now := NowNano()

	for i, serverRow := range result.Uploaded {
		if i >= len(sent) {
			break
		}

		localRec := sent[i]
		serverRec := e.mapper.ToLocal(ent, serverRow)

		localKey := ent.Key(localRec)
		serverKey := ent.Key(serverRec)

		// Adopt the server-assigned identity, rewriting dependent children.
		if serverKey != "" && serverKey != localKey {
			if err := e.store.Rekey(ctx, ent.Name, localKey, serverKey); err != nil {
				report.AddIssue(ent.Table, err)
				continue
			}

			if ent.HasBlob {
				if err := e.store.RekeyBlob(ctx, localKey, serverKey); err != nil {
					report.AddIssue(ent.Table, err)
				}
			}

			localKey = serverKey
		}

		// Overlay server-confirmed fields onto the local record so fields
		// outside the mapping table survive.
		merged := localRec.Clone()
		for k, v := range serverRec {
			merged[k] = v
		}

		if merged.UpdatedAt() == 0 {
			merged["updatedAt"] = localRec.UpdatedAt()
		}

		if err := e.store.PutSynced(ctx, ent.Name, merged, now); err != nil {
			report.AddIssue(ent.Table, err)
			continue
		}

		report.Count(ent.Table).Uploaded++
	}
}

// deleteTombstones drives pending deletions through the deletion pipeline
// in reverse dependency order and purges confirmed rows. Tombstones that
// never had a server identity are purged directly: there is nothing remote
// to remove.
func (e *Engine) deleteTombstones(ctx context.Context, report *SyncReport, pullFailed map[string]bool) {
	pending := make(map[string][]string, len(Entities))

	for _, ent := range Entities {
		if pullFailed[ent.Name] {
			continue
		}

		tombs, err := e.store.ListTombstones(ctx, ent.Name)
		if err != nil {
			report.AddIssue(ent.Table, err)
			continue
		}

		for _, rec := range tombs {
			key := ent.Key(rec)

			if IsLocalID(key) {
				if err := e.store.Purge(ctx, ent.Name, []string{key}); err != nil {
					report.AddIssue(ent.Table, err)
				}

				continue
			}

			pending[ent.Name] = append(pending[ent.Name], key)
		}
	}

	for _, result := range e.deleter.DeleteTiers(ctx, pending) {
		ent := result.Entity

		if result.Err != nil {
			report.AddIssue(ent.Table, result.Err)
		}

		if len(result.DeletedIDs) == 0 {
			continue
		}

		if ent.HasBlob {
			for _, id := range result.DeletedIDs {
				if err := e.store.DeleteBlobLocal(ctx, id); err != nil {
					report.AddIssue(ent.Table, err)
				}
			}
		}

		if err := e.store.Purge(ctx, ent.Name, result.DeletedIDs); err != nil {
			report.AddIssue(ent.Table, err)
			continue
		}

		report.Count(ent.Table).Deleted += len(result.DeletedIDs)
	}
}

// finishReport stamps the report and persists it for the status surface.
func (e *Engine) finishReport(ctx context.Context, report *SyncReport) {
	report.FinishedAt = NowNano()

	encoded, err := json.Marshal(report)
	if err != nil {
		e.logger.Warn("failed to encode pass report", slog.String("error", err.Error()))
		return
	}

	if err := e.store.SetMeta(ctx, metaLastReport, string(encoded)); err != nil {
		e.logger.Warn("failed to persist pass report", slog.String("error", err.Error()))
	}
}

// LastReport returns the most recent persisted pass report, or nil when no
// pass has completed yet.
func (e *Engine) LastReport(ctx context.Context) (*SyncReport, error) {
	return LastReport(ctx, e.store)
}

// LastReport reads the persisted report directly from a store, for callers
// (like the status command) that do not construct a full engine.
func LastReport(ctx context.Context, store *Store) (*SyncReport, error) {
	raw, err := store.GetMeta(ctx, metaLastReport)
	if err != nil {
		return nil, err
	}

	if raw == "" {
		return nil, nil
	}

	var report SyncReport
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return nil, fmt.Errorf("sync: decoding persisted report: %w", err)
	}

	return &report, nil
}
