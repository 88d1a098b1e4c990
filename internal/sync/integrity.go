package sync

import "log/slog"

// IDSet is a set of identifiers confirmed valid for upload this pass.
type IDSet map[string]struct{}

// NewIDSet builds a set from the given ids.
func NewIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}

	return s
}

// Add inserts an id.
func (s IDSet) Add(id string) {
	s[id] = struct{}{}
}

// Has reports membership.
func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// IntegrityFilter guards the upload pipeline against foreign-key rejections:
// a child record is only eligible for upload when its parent reference
// resolves to an id already confirmed valid in this pass — previously synced
// parents plus parents staged earlier in the same pass. Orphans are excluded
// (not deleted); they stay dirty and retry once their parent succeeds.
type IntegrityFilter struct {
	logger *slog.Logger
}

// NewIntegrityFilter creates an IntegrityFilter.
func NewIntegrityFilter(logger *slog.Logger) *IntegrityFilter {
	if logger == nil {
		logger = slog.Default()
	}

	return &IntegrityFilter{logger: logger}
}

// FilterEntity returns the subset of staged records whose parent reference
// is in known[parent], and adds the ids of every kept record to known — the
// children just validated may themselves be parents of deeper levels.
// Root entities and soft-reference entities pass through unfiltered.
// The returned drop count feeds the pass report.
func (f *IntegrityFilter) FilterEntity(ent *Entity, staged []Record, known map[string]IDSet) (kept []Record, dropped int) {
	valid := known[ent.Name]
	if valid == nil {
		valid = NewIDSet()
		known[ent.Name] = valid
	}

	if ent.Parent == "" {
		for _, rec := range staged {
			valid.Add(ent.Key(rec))
		}

		return staged, 0
	}

	parents := known[ent.Parent]
	kept = make([]Record, 0, len(staged))

	for _, rec := range staged {
		parentID := rec.StringField(ent.ParentField)
		if parentID == "" || parents == nil || !parents.Has(parentID) {
			dropped++

			f.logger.Warn("integrity filter: orphaned child excluded from upload",
				slog.String("entity", ent.Name),
				slog.String("id", ent.Key(rec)),
				slog.String("parent_field", ent.ParentField),
				slog.String("parent_id", parentID),
			)

			continue
		}

		valid.Add(ent.Key(rec))
		kept = append(kept, rec)
	}

	return kept, dropped
}

// KnownFrom seeds the known-valid sets from records already confirmed in the
// local store (synced parents from previous passes). Remote-merged records
// count too: they exist on the backend by definition.
func KnownFrom(records map[string][]Record) map[string]IDSet {
	known := make(map[string]IDSet, len(records))

	for entity, recs := range records {
		ent, ok := EntityByName(entity)
		if !ok {
			continue
		}

		set := NewIDSet()
		for _, rec := range recs {
			set.Add(ent.Key(rec))
		}

		known[entity] = set
	}

	return known
}
