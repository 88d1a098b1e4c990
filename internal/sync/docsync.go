package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/lawdesk/lawdesk-go/internal/remote"
)

// DocReconciler pairs case document metadata rows with their binary
// payloads. Table reconciliation moves the metadata; this component moves
// the bytes, in an order that never leaves the backend with a metadata row
// pointing at a blob that does not exist:
//
//	download: remote blob fetched before the cache entry is recorded
//	upload:   blob stored remotely before the metadata row is inserted
//	delete:   metadata row removal confirmed before the local blob goes
type DocReconciler struct {
	store   *Store
	querier Querier
	blobs   BlobClient
	up      *Uploader
	mapper  *Mapper
	bucket  string
	ownerID string
	logger  *slog.Logger
}

// NewDocReconciler builds the document reconciler around the shared store
// and remote adapter.
func NewDocReconciler(
	store *Store, querier Querier, blobs BlobClient, up *Uploader,
	mapper *Mapper, bucket, ownerID string, logger *slog.Logger,
) *DocReconciler {
	if logger == nil {
		logger = slog.Default()
	}

	return &DocReconciler{
		store:   store,
		querier: querier,
		blobs:   blobs,
		up:      up,
		mapper:  mapper,
		bucket:  bucket,
		ownerID: ownerID,
		logger:  logger,
	}
}

// docEntity returns the registry entry for case documents.
func docEntity() *Entity {
	ent, _ := EntityByName("caseDocument")
	return ent
}

// Reconcile runs one document pass: fetch missing payloads, drop payloads
// whose metadata vanished remotely, and push locally created documents.
// scopeCaseID limits the pass to one case; "" covers everything. Failures
// land as report issues and the pass continues with the next document.
func (d *DocReconciler) Reconcile(ctx context.Context, report *SyncReport, scopeCaseID string) {
	if d.blobs == nil || d.querier == nil {
		return
	}

	ent := docEntity()

	remoteRows, err := d.querier.Select(ctx, ent.Table, []string{"id", "case_id", "storage_path"})
	if err != nil {
		report.AddIssue(ent.Table, fmt.Errorf("sync: listing remote documents: %w", err))
		return
	}

	remoteDocs := make(map[string]string, len(remoteRows)) // id → storage path

	for _, row := range remoteRows {
		rec := d.mapper.ToLocal(ent, row)
		if scopeCaseID != "" && rec.StringField("caseId") != scopeCaseID {
			continue
		}

		remoteDocs[rec.ID()] = rec.StringField("storagePath")
	}

	entries, err := d.store.ListBlobEntries(ctx)
	if err != nil {
		report.AddIssue(ent.Table, err)
		return
	}

	d.downloadMissing(ctx, report, remoteDocs, entries)
	d.dropVanished(ctx, report, remoteDocs, entries, scopeCaseID)
	d.uploadPending(ctx, report, scopeCaseID)
}

// downloadMissing fetches payloads for remote documents that have no cached
// copy yet.
func (d *DocReconciler) downloadMissing(
	ctx context.Context, report *SyncReport, remoteDocs map[string]string, entries map[string]*BlobEntry,
) {
	ent := docEntity()

	for docID, storagePath := range remoteDocs {
		if _, ok := entries[docID]; ok || storagePath == "" {
			continue
		}

		data, err := d.blobs.DownloadBlob(ctx, d.bucket, storagePath)
		if err != nil {
			report.AddIssue(ent.Table, fmt.Errorf("sync: downloading document %s: %w", docID, err))
			continue
		}

		if err := d.store.PutBlob(ctx, docID, storagePath, data, NowNano()); err != nil {
			report.AddIssue(ent.Table, err)
			continue
		}

		report.DocsDownloaded++
	}
}

// dropVanished removes cached payloads whose metadata no longer exists
// remotely. Locally created documents are exempt: they have not been
// uploaded yet, so their absence remotely means nothing.
func (d *DocReconciler) dropVanished(
	ctx context.Context, report *SyncReport, remoteDocs map[string]string,
	entries map[string]*BlobEntry, scopeCaseID string,
) {
	ent := docEntity()

	for docID := range entries {
		if IsLocalID(docID) {
			continue
		}

		if _, ok := remoteDocs[docID]; ok {
			continue
		}

		if scopeCaseID != "" {
			// Outside a full pass only drop documents provably in scope.
			rec, err := d.store.Get(ctx, ent.Name, docID)
			if err != nil || rec.StringField("caseId") != scopeCaseID {
				continue
			}
		}

		if err := d.store.DeleteBlobLocal(ctx, docID); err != nil {
			report.AddIssue(ent.Table, err)
			continue
		}

		if err := d.store.Purge(ctx, ent.Name, []string{docID}); err != nil {
			report.AddIssue(ent.Table, err)
			continue
		}

		report.DocsDeleted++
	}
}

// uploadPending pushes locally created documents: the payload goes to object
// storage first, then the metadata row. A metadata failure rolls the remote
// payload back so storage never accumulates orphans.
func (d *DocReconciler) uploadPending(ctx context.Context, report *SyncReport, scopeCaseID string) {
	ent := docEntity()

	recs, err := d.store.ListDirty(ctx, ent.Name)
	if err != nil {
		report.AddIssue(ent.Table, err)
		return
	}

	for _, rec := range recs {
		docID := rec.ID()
		if !IsLocalID(docID) {
			continue
		}

		caseID := rec.StringField("caseId")
		if scopeCaseID != "" && caseID != scopeCaseID {
			continue
		}

		// The parent case must hold its server identity before the document
		// references it; until then the document waits for the next pass.
		if caseID == "" || IsLocalID(caseID) {
			continue
		}

		// Same guard the integrity filter applies to table uploads: a
		// document referencing a case that exists nowhere must not reach the
		// backend. It stays dirty until the case appears.
		if _, err := d.store.Get(ctx, "case", caseID); err != nil {
			if !errors.Is(err, ErrRecordNotFound) {
				report.AddIssue(ent.Table, err)
				continue
			}

			report.Count(ent.Table).Skipped++
			d.logger.Warn("document upload skipped: unknown case",
				slog.String("doc", docID),
				slog.String("case", caseID),
			)

			continue
		}

		if err := d.uploadOne(ctx, ent, rec, caseID); err != nil {
			report.AddIssue(ent.Table, err)
			continue
		}

		report.DocsUploaded++
	}
}

// uploadOne moves a single locally created document to the backend.
func (d *DocReconciler) uploadOne(ctx context.Context, ent *Entity, rec Record, caseID string) error {
	docID := rec.ID()

	data, err := d.store.GetBlob(ctx, docID)
	if err != nil {
		return fmt.Errorf("sync: document %s has no cached payload: %w", docID, err)
	}

	storagePath := StoragePathFor(d.ownerID, caseID, rec.StringField("name"))

	if err := d.blobs.UploadBlob(ctx, d.bucket, storagePath, data); err != nil {
		return fmt.Errorf("sync: uploading document payload %s: %w", docID, err)
	}

	staged := rec.Clone()
	staged["storagePath"] = storagePath
	staged["size"] = float64(len(data))

	row, err := d.mapper.ToRemote(ent, staged)
	if err != nil {
		return err
	}

	serverRows, err := d.up.UploadTable(ctx, ent.Table, []remote.Row{row}, ent.conflictKey())
	if err != nil || len(serverRows) == 0 {
		// Roll the payload back rather than strand it without metadata.
		if delErr := d.blobs.DeleteBlob(ctx, d.bucket, storagePath); delErr != nil {
			d.logger.Warn("orphaned payload cleanup failed",
				slog.String("path", storagePath),
				slog.String("error", delErr.Error()),
			)
		}

		if err == nil {
			err = fmt.Errorf("sync: document %s metadata upsert returned no row", docID)
		}

		return err
	}

	serverRec := d.mapper.ToLocal(ent, serverRows[0])
	serverID := serverRec.ID()

	if serverID != "" && serverID != docID {
		if err := d.store.Rekey(ctx, ent.Name, docID, serverID); err != nil {
			return err
		}

		if err := d.store.RekeyBlob(ctx, docID, serverID); err != nil {
			return err
		}
	} else {
		serverID = docID
	}

	merged := staged.Clone()
	for k, v := range serverRec {
		merged[k] = v
	}

	now := NowNano()

	if err := d.store.PutSynced(ctx, ent.Name, merged, now); err != nil {
		return err
	}

	// Refresh the cache row: the payload is confirmed in storage at its
	// final path under its server identity.
	return d.store.PutBlob(ctx, serverID, storagePath, data, now)
}

// ImportLocal registers a new attachment created on this device: a local
// metadata record plus a cached payload, both dirty until the next pass
// pushes them. The record id is provisional.
func (d *DocReconciler) ImportLocal(
	ctx context.Context, caseID, name, contentType string, data []byte,
) (Record, error) {
	ent := docEntity()

	if caseID == "" {
		return nil, &MappingError{Table: ent.Table, Field: "caseId"}
	}

	if name == "" {
		return nil, &MappingError{Table: ent.Table, Field: "name"}
	}

	docID := LocalIDPrefix + uuid.New().String()

	rec := Record{
		"id":          docID,
		"caseId":      caseID,
		"name":        name,
		"size":        float64(len(data)),
		"contentType": contentType,
		"updatedAt":   NowNano(),
	}

	if err := d.store.Put(ctx, ent.Name, rec); err != nil {
		return nil, err
	}

	if err := d.store.PutBlob(ctx, docID, "", data, 0); err != nil {
		return nil, err
	}

	return rec, nil
}

// excludePendingBlobs removes locally created documents from a table upload
// batch; their payload must reach object storage before their metadata row,
// which the document reconciler handles.
func (d *DocReconciler) excludePendingBlobs(ctx context.Context, ent *Entity, staged []Record) []Record {
	if !ent.HasBlob {
		return staged
	}

	kept := staged[:0:0]

	for _, rec := range staged {
		if IsLocalID(ent.Key(rec)) {
			continue
		}

		kept = append(kept, rec)
	}

	return kept
}

// StoragePathFor derives the object-storage path for an attachment. Names
// are normalized to NFC so the same document produces one storage object
// regardless of which platform composed the filename.
func StoragePathFor(ownerID, caseID, name string) string {
	name = norm.NFC.String(strings.TrimSpace(name))
	if name == "" {
		name = "attachment"
	}

	return path.Join(ownerID, caseID, sanitizeBlobName(name))
}
