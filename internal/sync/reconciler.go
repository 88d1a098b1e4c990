package sync

import "log/slog"

// Reconciler computes the merge/upload plan for one entity type from the
// local and remote snapshots. It is pure: no I/O, no store writes — the
// engine applies the plan. Conflicts are resolved at record granularity by
// last-writer-wins on the modification timestamp; an exact tie goes to the
// remote version, because the backend is the durability-of-record for
// multi-device use.
type Reconciler struct {
	logger *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Reconciler{logger: logger}
}

// EntityPlan is the reconciliation outcome for one entity type.
type EntityPlan struct {
	Entity *Entity
	Merge  []Record // remote versions to write into the local store
	Upload []Record // local versions staged for the upload pipeline
}

// PlanEntity diffs the local records against the remote snapshot:
//
//   - local-only and dirty          → stage for upload
//   - local-only and clean          → leave untouched (no remote authority either way)
//   - remote-only                   → merge into the local store
//   - both, local timestamp later   → stage for upload when dirty
//   - both, remote later or tied    → merge the remote version
//
// dirtyIDs marks which local records carry unsynced mutations.
func (r *Reconciler) PlanEntity(ent *Entity, local, remoteRecs []Record, dirtyIDs IDSet) EntityPlan {
	plan := EntityPlan{Entity: ent}

	localByKey := make(map[string]Record, len(local))
	for _, rec := range local {
		localByKey[ent.Key(rec)] = rec
	}

	remoteByKey := make(map[string]Record, len(remoteRecs))
	for _, rec := range remoteRecs {
		remoteByKey[ent.Key(rec)] = rec
	}

	// Remote side: merge rows that are new locally or win the timestamp race.
	for key, remoteRec := range remoteByKey {
		localRec, exists := localByKey[key]
		if !exists {
			plan.Merge = append(plan.Merge, remoteRec)
			continue
		}

		if remoteRec.UpdatedAt() >= localRec.UpdatedAt() {
			// Remote wins; equal timestamps deliberately fall here.
			plan.Merge = append(plan.Merge, remoteRec)

			if dirtyIDs.Has(key) {
				r.logger.Info("conflict resolved: remote version wins",
					slog.String("entity", ent.Name),
					slog.String("id", key),
					slog.Int64("local_ts", localRec.UpdatedAt()),
					slog.Int64("remote_ts", remoteRec.UpdatedAt()),
				)
			}
		}
	}

	// Local side: stage dirty records unless the remote version just won.
	merged := NewIDSet()
	for _, rec := range plan.Merge {
		merged.Add(ent.Key(rec))
	}

	for _, rec := range local {
		key := ent.Key(rec)
		if !dirtyIDs.Has(key) || merged.Has(key) {
			continue
		}

		plan.Upload = append(plan.Upload, rec)
	}

	return plan
}
