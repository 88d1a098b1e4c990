package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lawdesk/lawdesk-go/internal/remote"
)

// fakeRemote is an in-memory backend implementing Querier, BlobClient, and
// Prober. When assignIDs is set it replaces client-supplied "local-" ids
// with server identities, exercising the rekey path.
type fakeRemote struct {
	mu stdsync.Mutex

	tables    map[string]map[string]remote.Row // table → key → row
	blobs     map[string][]byte                // bucket/path → payload
	probeErrs map[string]error

	assignIDs bool
	nextID    int

	upsertOrder []string // table names in upsert call order
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		tables: make(map[string]map[string]remote.Row),
		blobs:  make(map[string][]byte),
	}
}

func (f *fakeRemote) rowKey(table string, row remote.Row) string {
	if id, ok := row["id"].(string); ok && id != "" {
		return id
	}

	// Natural-key tables (assistants) key on name.
	if name, ok := row["name"].(string); ok {
		return name
	}

	return ""
}

func (f *fakeRemote) seed(table, key string, row remote.Row) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.tables[table] == nil {
		f.tables[table] = make(map[string]remote.Row)
	}

	f.tables[table][key] = row
}

func (f *fakeRemote) row(table, key string) remote.Row {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.tables[table][key]
}

func (f *fakeRemote) rowCount(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.tables[table])
}

func (f *fakeRemote) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.upsertOrder)
}

func (f *fakeRemote) Select(_ context.Context, table string, _ []string) ([]remote.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rows := make([]remote.Row, 0, len(f.tables[table]))
	for _, row := range f.tables[table] {
		rows = append(rows, row)
	}

	return rows, nil
}

func (f *fakeRemote) Upsert(_ context.Context, table string, rows []remote.Row, _ string) ([]remote.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.upsertOrder = append(f.upsertOrder, table)

	if f.tables[table] == nil {
		f.tables[table] = make(map[string]remote.Row)
	}

	result := make([]remote.Row, 0, len(rows))

	for _, row := range rows {
		stored := remote.Row{}
		for k, v := range row {
			stored[k] = v
		}

		if id, ok := stored["id"].(string); ok && f.assignIDs && IsLocalID(id) {
			f.nextID++
			stored["id"] = fmt.Sprintf("srv-%d", f.nextID)
		}

		f.tables[table][f.rowKey(table, stored)] = stored
		result = append(result, stored)
	}

	return result, nil
}

func (f *fakeRemote) Delete(_ context.Context, table, _ string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, id := range ids {
		delete(f.tables[table], id)
	}

	return nil
}

func (f *fakeRemote) Probe(_ context.Context, table, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.probeErrs[table]; ok {
		return err
	}

	if err, ok := f.probeErrs["*"]; ok {
		return err
	}

	return nil
}

func (f *fakeRemote) UploadBlob(_ context.Context, bucket, path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.blobs[bucket+"/"+path] = data

	return nil
}

func (f *fakeRemote) DownloadBlob(_ context.Context, bucket, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.blobs[bucket+"/"+path]
	if !ok {
		return nil, &remote.RemoteError{StatusCode: 404, Err: remote.ErrNotFound}
	}

	return data, nil
}

func (f *fakeRemote) DeleteBlob(_ context.Context, bucket, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.blobs, bucket+"/"+path)

	return nil
}

func newTestEngine(t *testing.T, fr *fakeRemote) (*Engine, *Store) {
	t.Helper()

	store := newTestStore(t)

	engine, err := NewEngine(&EngineConfig{
		Store:       store,
		Querier:     fr,
		Blobs:       fr,
		Prober:      fr,
		Bucket:      "case-documents",
		OwnerID:     "owner-1",
		Configured:  true,
		PassTimeout: time.Minute,
	})
	require.NoError(t, err)

	return engine, store
}

// remoteRow builds a backend row with the given updated_at.
func remoteStamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func TestEngine_FirstPassUploadsHierarchy(t *testing.T) {
	fr := newFakeRemote()
	fr.assignIDs = true

	engine, store := newTestEngine(t, fr)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "client", Record{"id": "local-c", "name": "Dana"}))
	require.NoError(t, store.Put(ctx, "case", Record{"id": "local-k", "clientId": "local-c", "subject": "Estate"}))

	report, err := engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, ClassReady, report.Class)
	assert.Empty(t, report.Issues)

	// Parents upload before children.
	var clientIdx, caseIdx int
	for i, table := range fr.upsertOrder {
		switch table {
		case "clients":
			clientIdx = i
		case "cases":
			caseIdx = i
		}
	}
	assert.Less(t, clientIdx, caseIdx)

	// Both records adopted server identities and the child's reference
	// follows its parent.
	clients, err := store.List(ctx, "client")
	require.NoError(t, err)
	require.Len(t, clients, 1)
	assert.Equal(t, "srv-1", clients[0].ID())

	cases, err := store.List(ctx, "case")
	require.NoError(t, err)
	require.Len(t, cases, 1)
	assert.Equal(t, "srv-2", cases[0].ID())
	assert.Equal(t, "srv-1", cases[0]["clientId"])

	// The backend saw the adopted reference, not the provisional one.
	remoteCase := fr.row("cases", "srv-2")
	require.NotNil(t, remoteCase)
	assert.Equal(t, "srv-1", remoteCase["client_id"])
	assert.Equal(t, "owner-1", remoteCase["owner_id"])

	// Nothing is left dirty.
	dirty, err := store.ListDirty(ctx, "client")
	require.NoError(t, err)
	assert.Empty(t, dirty)

	dirty, err = store.ListDirty(ctx, "case")
	require.NoError(t, err)
	assert.Empty(t, dirty)

	assert.Equal(t, 1, report.Count("clients").Uploaded)
	assert.Equal(t, 1, report.Count("cases").Uploaded)
}

func TestEngine_NewerRemoteVersionWins(t *testing.T) {
	fr := newFakeRemote()
	engine, store := newTestEngine(t, fr)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "adminTask", Record{"id": "t1", "title": "stale local edit"}))

	// Remote version stamped far in the future always wins the race.
	fr.seed("admin_tasks", "t1", remote.Row{
		"id":         "t1",
		"title":      "fresh remote edit",
		"status":     "done",
		"updated_at": remoteStamp(time.Now().Add(time.Hour)),
	})

	report, err := engine.Sync(ctx)
	require.NoError(t, err)

	got, err := store.Get(ctx, "adminTask", "t1")
	require.NoError(t, err)
	assert.Equal(t, "fresh remote edit", got["title"])

	// The superseded local edit never reached the backend.
	assert.Equal(t, "fresh remote edit", fr.row("admin_tasks", "t1")["title"])
	assert.Equal(t, 1, report.Count("admin_tasks").Merged)
	assert.Equal(t, 0, report.Count("admin_tasks").Uploaded)
}

func TestEngine_LocalNewerVersionUploads(t *testing.T) {
	fr := newFakeRemote()
	engine, store := newTestEngine(t, fr)
	ctx := context.Background()

	fr.seed("admin_tasks", "t1", remote.Row{
		"id":         "t1",
		"title":      "original",
		"updated_at": remoteStamp(time.Now().Add(-time.Hour)),
	})

	require.NoError(t, store.Put(ctx, "adminTask", Record{"id": "t1", "title": "local edit"}))

	report, err := engine.Sync(ctx)
	require.NoError(t, err)

	assert.Equal(t, "local edit", fr.row("admin_tasks", "t1")["title"])
	assert.Equal(t, 1, report.Count("admin_tasks").Uploaded)
}

func TestEngine_UninitializedSchemaAbortsBeforeMutation(t *testing.T) {
	fr := newFakeRemote()
	fr.probeErrs = map[string]error{
		"profiles": &remote.RemoteError{StatusCode: 404, Code: "42P01", Err: remote.ErrUndefinedTable},
	}

	engine, store := newTestEngine(t, fr)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "client", Record{"id": "local-c", "name": "Dana"}))

	report, err := engine.Sync(ctx)
	require.ErrorIs(t, err, ErrUninitialized)
	assert.Equal(t, ClassUninitialized, report.Class)

	// Nothing was pushed and the record stays dirty for the next pass.
	assert.Zero(t, fr.upsertCount())

	dirty, listErr := store.ListDirty(ctx, "client")
	require.NoError(t, listErr)
	assert.Len(t, dirty, 1)
}

func TestEngine_UnconfiguredIsNoop(t *testing.T) {
	store := newTestStore(t)

	engine, err := NewEngine(&EngineConfig{Store: store, Configured: false})
	require.NoError(t, err)

	report, err := engine.Sync(context.Background())
	require.ErrorIs(t, err, ErrUnconfigured)
	assert.Equal(t, ClassUnconfigured, report.Class)
}

func TestEngine_NetworkFailureWithCachedState(t *testing.T) {
	fr := newFakeRemote()
	fr.probeErrs = map[string]error{"*": fmt.Errorf("dial tcp: connection refused")}

	engine, store := newTestEngine(t, fr)
	ctx := context.Background()

	// Cached state exists, so the pass ends with a classified report
	// instead of an error; local operation continues.
	require.NoError(t, store.PutSynced(ctx, "client", Record{"id": "c1", "name": "Dana", "updatedAt": int64(1)}, NowNano()))

	report, err := engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, ClassNetwork, report.Class)
	assert.Zero(t, fr.upsertCount())
}

func TestEngine_NetworkFailureWithEmptyStoreErrors(t *testing.T) {
	fr := newFakeRemote()
	fr.probeErrs = map[string]error{"*": fmt.Errorf("dial tcp: connection refused")}

	engine, _ := newTestEngine(t, fr)

	_, err := engine.Sync(context.Background())
	assert.Error(t, err, "no network and no cached state cannot start a pass")
}

func TestEngine_PassInFlightCoalesces(t *testing.T) {
	fr := newFakeRemote()
	engine, _ := newTestEngine(t, fr)

	engine.inFlight.Store(true)
	defer engine.inFlight.Store(false)

	_, err := engine.Sync(context.Background())
	assert.ErrorIs(t, err, ErrPassInFlight)
}

func TestEngine_SecondPassIsIdempotent(t *testing.T) {
	fr := newFakeRemote()
	fr.assignIDs = true

	engine, store := newTestEngine(t, fr)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "client", Record{"id": "local-c", "name": "Dana"}))

	_, err := engine.Sync(ctx)
	require.NoError(t, err)

	pushed := fr.upsertCount()

	report, err := engine.Sync(ctx)
	require.NoError(t, err)

	assert.Equal(t, pushed, fr.upsertCount(), "a clean pass pushes nothing")
	assert.Equal(t, 0, report.Count("clients").Uploaded)
	assert.Equal(t, 1, fr.rowCount("clients"))
}

func TestEngine_TombstonePropagatesAndPurges(t *testing.T) {
	fr := newFakeRemote()
	engine, store := newTestEngine(t, fr)
	ctx := context.Background()

	// A record that exists on both sides, then gets deleted locally.
	fr.seed("clients", "c1", remote.Row{
		"id": "c1", "name": "Dana",
		"updated_at": remoteStamp(time.Now().Add(-time.Hour)),
	})
	require.NoError(t, store.PutSynced(ctx, "client", Record{"id": "c1", "name": "Dana", "updatedAt": int64(1)}, NowNano()))
	require.NoError(t, store.Delete(ctx, "client", "c1"))

	report, err := engine.Sync(ctx)
	require.NoError(t, err)

	// The pull must not resurrect it, the backend row is gone, and the
	// local tombstone is purged.
	assert.Zero(t, fr.rowCount("clients"))

	_, err = store.Get(ctx, "client", "c1")
	assert.ErrorIs(t, err, ErrRecordNotFound)

	tombs, err := store.ListTombstones(ctx, "client")
	require.NoError(t, err)
	assert.Empty(t, tombs)

	assert.Equal(t, 1, report.Count("clients").Deleted)
}

func TestEngine_LocalOnlyTombstonePurgedWithoutRemoteCall(t *testing.T) {
	fr := newFakeRemote()
	engine, store := newTestEngine(t, fr)
	ctx := context.Background()

	// Created and deleted offline: never had a server identity.
	require.NoError(t, store.Put(ctx, "client", Record{"id": "local-c", "name": "Never synced"}))
	require.NoError(t, store.Delete(ctx, "client", "local-c"))

	report, err := engine.Sync(ctx)
	require.NoError(t, err)

	tombs, err := store.ListTombstones(ctx, "client")
	require.NoError(t, err)
	assert.Empty(t, tombs)
	assert.Equal(t, 0, report.Count("clients").Deleted, "nothing to confirm remotely")
}

func TestEngine_OrphanedChildStaysDirty(t *testing.T) {
	fr := newFakeRemote()
	engine, store := newTestEngine(t, fr)
	ctx := context.Background()

	// A case referencing a client that exists nowhere: excluded from the
	// upload, left dirty, counted as skipped.
	require.NoError(t, store.Put(ctx, "case", Record{"id": "local-k", "clientId": "ghost", "subject": "Orphan"}))

	report, err := engine.Sync(ctx)
	require.NoError(t, err)

	assert.Zero(t, fr.rowCount("cases"))
	assert.Equal(t, 1, report.Count("cases").Skipped)

	dirty, err := store.ListDirty(ctx, "case")
	require.NoError(t, err)
	assert.Len(t, dirty, 1)
}

func TestEngine_StateReturnsToIdle(t *testing.T) {
	fr := newFakeRemote()
	engine, _ := newTestEngine(t, fr)

	assert.Equal(t, StateIdle, engine.State())

	_, err := engine.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateIdle, engine.State())
}

func TestEngine_PersistsReport(t *testing.T) {
	fr := newFakeRemote()
	engine, store := newTestEngine(t, fr)
	ctx := context.Background()

	first, err := engine.Sync(ctx)
	require.NoError(t, err)

	persisted, err := LastReport(ctx, store)
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, first.PassID, persisted.PassID)
	assert.Equal(t, ClassReady, persisted.Class)
}
