// Package sync implements the offline-first synchronization engine for
// lawdesk-go: the durable local store, field mapping, referential integrity
// filtering, upload/deletion pipelines, reconciliation, schema probing, and
// document (blob) reconciliation.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lawdesk/lawdesk-go/internal/remote"
)

// Record is a local record: hierarchical camelCase fields keyed by the
// entity's key field. Every record carries "updatedAt" as Unix nanoseconds;
// the store stamps it monotonically on each local mutation.
type Record map[string]any

// ID returns the record's identifier field, or "" when absent.
func (r Record) ID() string {
	if v, ok := r["id"].(string); ok {
		return v
	}

	return ""
}

// UpdatedAt returns the record's modification timestamp in Unix nanoseconds.
// Values arriving through JSON decode as float64; both forms are accepted.
func (r Record) UpdatedAt() int64 {
	switch v := r["updatedAt"].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// StringField returns the named field as a trimmed-nothing string, or "".
func (r Record) StringField(name string) string {
	if v, ok := r[name].(string); ok {
		return v
	}

	return ""
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}

	return out
}

// LocalIDPrefix marks identifiers generated on-device before the record has
// a server identity.
const LocalIDPrefix = "local-"

// IsLocalID reports whether id was generated on-device and not yet replaced
// by a server-assigned identifier.
func IsLocalID(id string) bool {
	return len(id) > len(LocalIDPrefix) && id[:len(LocalIDPrefix)] == LocalIDPrefix
}

// --- Consumer-defined interfaces for the remote adapter ---
// These decouple the sync package from the concrete HTTP client, following
// the "accept interfaces, return structs" Go convention. *remote.Client
// satisfies all of them.

// Querier performs tabular operations against the hosted backend.
type Querier interface {
	Select(ctx context.Context, table string, columns []string) ([]remote.Row, error)
	Upsert(ctx context.Context, table string, rows []remote.Row, conflictKey string) ([]remote.Row, error)
	Delete(ctx context.Context, table, key string, ids []string) error
}

// BlobClient transfers binary attachment payloads to and from object storage.
type BlobClient interface {
	UploadBlob(ctx context.Context, bucket, path string, data []byte) error
	DownloadBlob(ctx context.Context, bucket, path string) ([]byte, error)
	DeleteBlob(ctx context.Context, bucket, path string) error
}

// Prober verifies that an expected table and column exist on the backend.
type Prober interface {
	Probe(ctx context.Context, table, column string) error
}

// --- Pass state machine ---

// PassState is the observable state of the reconciliation pass.
type PassState string

// Pass states. A pass moves Idle → Probing → Pulling → Reconciling →
// Uploading → Deleting → Idle; probe failure short-circuits to Idle.
const (
	StateIdle        PassState = "idle"
	StateProbing     PassState = "probing"
	StatePulling     PassState = "pulling"
	StateReconciling PassState = "reconciling"
	StateUploading   PassState = "uploading"
	StateDeleting    PassState = "deleting"
)

// --- Probe classification ---

// ProbeClass classifies the backend's readiness for a sync pass.
type ProbeClass string

// Probe classifications.
const (
	ClassReady         ProbeClass = "ready"
	ClassUnconfigured  ProbeClass = "unconfigured"  // no credentials; local-only mode
	ClassUninitialized ProbeClass = "uninitialized" // reachable, schema missing
	ClassNetwork       ProbeClass = "network"       // transient connectivity failure
	ClassUnknown       ProbeClass = "unknown"
)

// --- Errors ---

// Sentinel errors surfaced to callers for pass-level preconditions.
var (
	// ErrPassInFlight is returned when a sync trigger arrives while a pass is
	// already running. Callers treat it as a benign no-op: the in-flight pass
	// picks up the latest dirty state at its pull step.
	ErrPassInFlight = errors.New("sync: pass already in flight")

	// ErrUnconfigured means no remote credentials are present. Sync is a
	// no-op and local-only operation continues.
	ErrUnconfigured = errors.New("sync: remote backend not configured")

	// ErrUninitialized means the backend is reachable but missing expected
	// tables or columns. Nothing is mutated; the caller runs a repair flow.
	ErrUninitialized = errors.New("sync: remote schema not initialized")
)

// MappingError reports a structurally malformed local record, such as a
// missing identifier. Sanitizable bad data never raises it.
type MappingError struct {
	Table string
	Field string
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("sync: mapping %s: malformed field %q", e.Table, e.Field)
}

// TableError identifies the table whose upload pass failed after exhausting
// retries. Already-uploaded chunks stand; upserts are idempotent, so
// re-running the pass is safe.
type TableError struct {
	Table string
	Err   error
}

func (e *TableError) Error() string {
	return fmt.Sprintf("sync: table %s: %v", e.Table, e.Err)
}

func (e *TableError) Unwrap() error {
	return e.Err
}

// --- Report ---

// TableCount accumulates per-table counters for one pass.
type TableCount struct {
	Pulled   int `json:"pulled"`   // rows fetched from the backend
	Merged   int `json:"merged"`   // remote versions written into the local store
	Uploaded int `json:"uploaded"` // rows confirmed upserted
	Deleted  int `json:"deleted"`  // tombstones confirmed removed remotely
	Skipped  int `json:"skipped"`  // mapping failures + integrity exclusions
}

// TableIssue is a per-table error captured into the report instead of
// aborting the pass.
type TableIssue struct {
	Table   string `json:"table"`
	Message string `json:"message"`
}

// SyncReport summarizes one reconciliation pass. Per-table failures live in
// Issues; the pass itself only errors when it cannot start at all.
type SyncReport struct {
	PassID     string                 `json:"pass_id"`
	Class      ProbeClass             `json:"class"`
	StartedAt  int64                  `json:"started_at"`
	FinishedAt int64                  `json:"finished_at"`
	Tables     map[string]*TableCount `json:"tables"`
	Issues     []TableIssue           `json:"issues,omitempty"`

	// Document reconciliation counters.
	DocsDownloaded int `json:"docs_downloaded"`
	DocsUploaded   int `json:"docs_uploaded"`
	DocsDeleted    int `json:"docs_deleted"`
}

// NewSyncReport returns a report with counters ready for every entity.
func NewSyncReport(passID string) *SyncReport {
	tables := make(map[string]*TableCount, len(Entities))
	for _, ent := range Entities {
		tables[ent.Table] = &TableCount{}
	}

	return &SyncReport{
		PassID:    passID,
		StartedAt: NowNano(),
		Tables:    tables,
	}
}

// Count returns the counter bucket for a table, creating it if needed.
func (r *SyncReport) Count(table string) *TableCount {
	tc, ok := r.Tables[table]
	if !ok {
		tc = &TableCount{}
		r.Tables[table] = tc
	}

	return tc
}

// AddIssue records a per-table error into the report.
func (r *SyncReport) AddIssue(table string, err error) {
	r.Issues = append(r.Issues, TableIssue{Table: table, Message: err.Error()})
}

// Duration returns the wall-clock duration of the pass.
func (r *SyncReport) Duration() time.Duration {
	return time.Duration(r.FinishedAt - r.StartedAt)
}

// --- Timestamp helpers ---
// All internal code uses int64 Unix nanoseconds exclusively. Conversion to
// RFC 3339 happens in the field mapper at the wire boundary.

// NowNano returns the current time as Unix nanoseconds.
func NowNano() int64 {
	return time.Now().UnixNano()
}

// ToUnixNano converts a time.Time to Unix nanoseconds. Returns 0 for the
// zero time.
func ToUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}
