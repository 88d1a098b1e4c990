package sync

import (
	"context"
	"errors"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lawdesk/lawdesk-go/internal/remote"
)

// fakeQuerier scripts per-table behavior and records every call.
type fakeQuerier struct {
	mu stdsync.Mutex

	upsertCalls []upsertCall
	deleteCalls []deleteCall

	// failUpserts[table] is the number of upserts to fail before succeeding.
	failUpserts map[string]int
	// failDeletes mirrors failUpserts for the deletion pipeline.
	failDeletes map[string]int

	// echo transforms uploaded rows into server rows; nil echoes unchanged.
	echo func(table string, rows []remote.Row) []remote.Row
}

type upsertCall struct {
	table string
	rows  []remote.Row
	at    time.Time
}

type deleteCall struct {
	table string
	key   string
	ids   []string
}

func (f *fakeQuerier) Select(_ context.Context, table string, _ []string) ([]remote.Row, error) {
	return nil, nil
}

func (f *fakeQuerier) Upsert(_ context.Context, table string, rows []remote.Row, _ string) ([]remote.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.upsertCalls = append(f.upsertCalls, upsertCall{table: table, rows: rows, at: time.Now()})

	if f.failUpserts[table] > 0 {
		f.failUpserts[table]--
		return nil, errors.New("backend unavailable")
	}

	if f.echo != nil {
		return f.echo(table, rows), nil
	}

	return rows, nil
}

func (f *fakeQuerier) Delete(_ context.Context, table, key string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deleteCalls = append(f.deleteCalls, deleteCall{table: table, key: key, ids: ids})

	if f.failDeletes[table] > 0 {
		f.failDeletes[table]--
		return errors.New("backend unavailable")
	}

	return nil
}

func (f *fakeQuerier) callsFor(table string) []upsertCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []upsertCall
	for _, c := range f.upsertCalls {
		if c.table == table {
			out = append(out, c)
		}
	}

	return out
}

// noSleep replaces the retry backoff and records the requested delays.
func noSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func makeRows(n int) []remote.Row {
	rows := make([]remote.Row, n)
	for i := range rows {
		rows[i] = remote.Row{"id": string(rune('a' + i))}
	}

	return rows
}

func TestUploadTable_Chunking(t *testing.T) {
	fq := &fakeQuerier{}
	u := NewUploader(fq, nil)

	uploaded, err := u.UploadTable(context.Background(), "clients", makeRows(12), "")
	require.NoError(t, err)

	calls := fq.callsFor("clients")
	require.Len(t, calls, 3, "12 rows at chunk size 5 is 3 calls")
	assert.Len(t, calls[0].rows, 5)
	assert.Len(t, calls[1].rows, 5)
	assert.Len(t, calls[2].rows, 2)
	assert.Len(t, uploaded, 12)
}

func TestUploadTable_RetrySucceedsWithinBound(t *testing.T) {
	fq := &fakeQuerier{failUpserts: map[string]int{"clients": 2}}

	var delays []time.Duration

	u := NewUploader(fq, nil)
	u.sleepFunc = noSleep(&delays)

	uploaded, err := u.UploadTable(context.Background(), "clients", makeRows(1), "")
	require.NoError(t, err)
	assert.Len(t, uploaded, 1)

	// Two failures, two waits, strictly increasing.
	require.Len(t, delays, 2)
	assert.Equal(t, 500*time.Millisecond, delays[0])
	assert.Equal(t, 1000*time.Millisecond, delays[1])
}

func TestUploadTable_ExhaustedRetriesAbortWithTableError(t *testing.T) {
	fq := &fakeQuerier{failUpserts: map[string]int{"clients": 10}}

	var delays []time.Duration

	u := NewUploader(fq, nil)
	u.sleepFunc = noSleep(&delays)

	uploaded, err := u.UploadTable(context.Background(), "clients", makeRows(7), "")

	var tableErr *TableError
	require.ErrorAs(t, err, &tableErr)
	assert.Equal(t, "clients", tableErr.Table)

	// First chunk exhausted all three attempts; the second never started.
	assert.Len(t, fq.callsFor("clients"), 3)
	assert.Empty(t, uploaded)
}

func TestUploadTable_CompletedChunksStand(t *testing.T) {
	// Fail only from the second chunk onward: the first chunk's rows are
	// returned even though the table pass errors.
	fq := &fakeQuerier{}
	fq.echo = func(table string, rows []remote.Row) []remote.Row { return rows }

	calls := 0
	failing := &chunkTwoFails{inner: fq, failFrom: 2, calls: &calls}

	u := NewUploader(failing, nil)
	u.sleepFunc = func(context.Context, time.Duration) error { return nil }

	uploaded, err := u.UploadTable(context.Background(), "clients", makeRows(8), "")
	require.Error(t, err)
	assert.Len(t, uploaded, 5, "first chunk stands after second chunk fails")
}

// chunkTwoFails fails every upsert from the Nth distinct chunk onward.
type chunkTwoFails struct {
	inner    Querier
	failFrom int
	calls    *int
}

func (c *chunkTwoFails) Select(ctx context.Context, table string, cols []string) ([]remote.Row, error) {
	return c.inner.Select(ctx, table, cols)
}

func (c *chunkTwoFails) Upsert(ctx context.Context, table string, rows []remote.Row, key string) ([]remote.Row, error) {
	*c.calls++
	if *c.calls >= c.failFrom {
		return nil, errors.New("backend unavailable")
	}

	return c.inner.Upsert(ctx, table, rows, key)
}

func (c *chunkTwoFails) Delete(ctx context.Context, table, key string, ids []string) error {
	return c.inner.Delete(ctx, table, key, ids)
}

func TestUploadTiers_ParentsBeforeChildren(t *testing.T) {
	fq := &fakeQuerier{}
	u := NewUploader(fq, nil)

	staged := map[string][]remote.Row{
		"client": {{"id": "c1"}},
		"case":   {{"id": "k1", "client_id": "c1"}},
		"stage":  {{"id": "st1", "case_id": "k1"}},
	}

	results := u.UploadTiers(context.Background(), staged)
	require.Len(t, results, 3)

	var clientAt, caseAt, stageAt time.Time

	for _, c := range fq.upsertCalls {
		switch c.table {
		case "clients":
			clientAt = c.at
		case "cases":
			caseAt = c.at
		case "case_stages":
			stageAt = c.at
		}
	}

	assert.False(t, clientAt.After(caseAt), "clients must upload before cases")
	assert.False(t, caseAt.After(stageAt), "cases must upload before stages")
}

func TestUploadTiers_TableFailureDoesNotBlockSiblings(t *testing.T) {
	fq := &fakeQuerier{failUpserts: map[string]int{"clients": 10}}

	u := NewUploader(fq, nil)
	u.sleepFunc = func(context.Context, time.Duration) error { return nil }

	staged := map[string][]remote.Row{
		"client":    {{"id": "c1"}},
		"adminTask": {{"id": "t1"}}, // earlier tier, unrelated
		"invoice":   {{"id": "i1", "client_id": "c1"}}, // same tier as case
	}

	results := u.UploadTiers(context.Background(), staged)
	require.Len(t, results, 3)

	byName := map[string]TierResult{}
	for _, r := range results {
		byName[r.Entity.Name] = r
	}

	assert.Error(t, byName["client"].Err)
	assert.NoError(t, byName["adminTask"].Err)
	assert.NoError(t, byName["invoice"].Err, "later tiers still run after a parent table fails")
}

func TestUploadTiers_CancellationStopsLaterTiers(t *testing.T) {
	fq := &fakeQuerier{}
	fq.echo = func(_ string, rows []remote.Row) []remote.Row { return rows }

	calls := 0
	failing := &chunkTwoFails{inner: fq, failFrom: 2, calls: &calls}

	u := NewUploader(failing, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// An exceeded pass budget surfaces during the retry backoff.
	u.sleepFunc = func(sctx context.Context, _ time.Duration) error {
		cancel()
		return sctx.Err()
	}

	staged := map[string][]remote.Row{
		"client": makeRows(8), // two chunks; the second fails and hits the backoff
		"case":   {{"id": "k1", "client_id": "a"}},
	}

	results := u.UploadTiers(ctx, staged)

	byName := map[string]TierResult{}
	for _, r := range results {
		byName[r.Entity.Name] = r
	}

	// The completed first chunk stands, not rolled back; the table's error
	// carries the cancellation.
	require.Contains(t, byName, "client")
	assert.Len(t, byName["client"].Uploaded, 5)
	assert.ErrorIs(t, byName["client"].Err, context.Canceled)

	// The failing chunk was not retried after cancellation.
	assert.Equal(t, 2, calls)

	// The cases tier never started.
	assert.NotContains(t, byName, "case")
	assert.Empty(t, fq.callsFor("cases"))
}

func TestDeleteTable_ChunkingAndConfirmation(t *testing.T) {
	fq := &fakeQuerier{}
	d := NewDeleter(fq, nil)

	ids := []string{"a", "b", "c", "d", "e", "f"}

	deleted, err := d.DeleteTable(context.Background(), "cases", "id", ids)
	require.NoError(t, err)
	assert.Equal(t, ids, deleted)
	assert.Len(t, fq.deleteCalls, 2)
}

func TestDeleteTable_PartialConfirmationOnFailure(t *testing.T) {
	fq := &fakeQuerier{failDeletes: map[string]int{"cases": 10}}

	d := NewDeleter(fq, nil)
	d.sleepFunc = func(context.Context, time.Duration) error { return nil }

	deleted, err := d.DeleteTable(context.Background(), "cases", "id", []string{"a", "b"})

	var tableErr *TableError
	require.ErrorAs(t, err, &tableErr)
	assert.Empty(t, deleted, "nothing confirmed when the first chunk fails")
}

func TestDeleteTiers_ChildrenBeforeParents(t *testing.T) {
	fq := &fakeQuerier{}
	d := NewDeleter(fq, nil)

	results := d.DeleteTiers(context.Background(), map[string][]string{
		"client": {"c1"},
		"case":   {"k1"},
	})
	require.Len(t, results, 2)

	var caseIdx, clientIdx int

	for i, c := range fq.deleteCalls {
		switch c.table {
		case "cases":
			caseIdx = i
		case "clients":
			clientIdx = i
		}
	}

	assert.Less(t, caseIdx, clientIdx, "cases must delete before clients")
}

func TestDeleteTiers_BestEffortAcrossTables(t *testing.T) {
	fq := &fakeQuerier{failDeletes: map[string]int{"cases": 10}}

	d := NewDeleter(fq, nil)
	d.sleepFunc = func(context.Context, time.Duration) error { return nil }

	results := d.DeleteTiers(context.Background(), map[string][]string{
		"case":   {"k1"},
		"client": {"c1"},
	})

	byName := map[string]TierResult{}
	for _, r := range results {
		byName[r.Entity.Name] = r
	}

	assert.Error(t, byName["case"].Err)
	assert.NoError(t, byName["client"].Err)
	assert.Equal(t, []string{"c1"}, byName["client"].DeletedIDs)
}
