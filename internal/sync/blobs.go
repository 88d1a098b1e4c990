package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Blob cache: binary attachment payloads live as files under the data
// directory; the blobs table tracks which document each file belongs to and
// the storage path its remote twin lives at. The metadata record (entity
// caseDocument) and the cached payload transition together during a pass —
// the document reconciler never leaves one side without the other after a
// fully successful pass.

// ErrBlobNotFound is returned when no cached payload exists for a document.
var ErrBlobNotFound = errors.New("sync: blob not found")

// BlobEntry describes one cached attachment payload.
type BlobEntry struct {
	DocID        string
	StoragePath  string
	LocalPath    string
	Size         int64
	DownloadedAt int64
}

// SQL statements for blob operations.
const (
	sqlGetBlob = `SELECT storage_path, local_path, size, COALESCE(downloaded_at, 0)
		FROM blobs WHERE doc_id = ?`

	sqlPutBlob = `INSERT INTO blobs (doc_id, storage_path, local_path, size, downloaded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
		 storage_path  = excluded.storage_path,
		 local_path    = excluded.local_path,
		 size          = excluded.size,
		 downloaded_at = excluded.downloaded_at`

	sqlListBlobs  = `SELECT doc_id, storage_path, local_path, size, COALESCE(downloaded_at, 0) FROM blobs`
	sqlDeleteBlob = `DELETE FROM blobs WHERE doc_id = ?`
	sqlRekeyBlob  = `UPDATE blobs SET doc_id = ? WHERE doc_id = ?`
)

// PutBlob stores an attachment payload for a document, writing the file and
// its tracking row. The file write is atomic (temp + rename) so a crash
// never leaves a half-written payload behind a valid row.
func (s *Store) PutBlob(ctx context.Context, docID, storagePath string, data []byte, downloadedAt int64) error {
	localPath := filepath.Join(s.blobDir, sanitizeBlobName(docID))

	tmp, err := os.CreateTemp(s.blobDir, ".partial-*")
	if err != nil {
		return fmt.Errorf("sync: creating blob temp file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return fmt.Errorf("sync: writing blob %s: %w", docID, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("sync: closing blob temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), localPath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("sync: placing blob %s: %w", docID, err)
	}

	if _, err := s.db.ExecContext(ctx, sqlPutBlob,
		docID, storagePath, localPath, int64(len(data)), nullableStamp(downloadedAt)); err != nil {
		return fmt.Errorf("sync: recording blob %s: %w", docID, err)
	}

	return nil
}

// GetBlob returns a cached attachment payload.
func (s *Store) GetBlob(ctx context.Context, docID string) ([]byte, error) {
	entry, err := s.GetBlobEntry(ctx, docID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(entry.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("sync: reading blob %s: %w", docID, err)
	}

	return data, nil
}

// GetBlobEntry returns the tracking row for a cached payload.
func (s *Store) GetBlobEntry(ctx context.Context, docID string) (*BlobEntry, error) {
	entry := BlobEntry{DocID: docID}

	err := s.db.QueryRowContext(ctx, sqlGetBlob, docID).
		Scan(&entry.StoragePath, &entry.LocalPath, &entry.Size, &entry.DownloadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBlobNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("sync: getting blob entry %s: %w", docID, err)
	}

	return &entry, nil
}

// ListBlobEntries returns all tracked payloads keyed by document id.
func (s *Store) ListBlobEntries(ctx context.Context) (map[string]*BlobEntry, error) {
	rows, err := s.db.QueryContext(ctx, sqlListBlobs)
	if err != nil {
		return nil, fmt.Errorf("sync: listing blobs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*BlobEntry)

	for rows.Next() {
		var entry BlobEntry
		if err := rows.Scan(&entry.DocID, &entry.StoragePath, &entry.LocalPath,
			&entry.Size, &entry.DownloadedAt); err != nil {
			return nil, fmt.Errorf("sync: scanning blob row: %w", err)
		}

		out[entry.DocID] = &entry
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: iterating blob rows: %w", err)
	}

	return out, nil
}

// DeleteBlobLocal removes a cached payload and its tracking row. Missing
// files are tolerated: the row is the source of truth.
func (s *Store) DeleteBlobLocal(ctx context.Context, docID string) error {
	entry, err := s.GetBlobEntry(ctx, docID)
	if errors.Is(err, ErrBlobNotFound) {
		return nil
	}

	if err != nil {
		return err
	}

	if err := os.Remove(entry.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("sync: removing blob file %s: %w", docID, err)
	}

	if _, err := s.db.ExecContext(ctx, sqlDeleteBlob, docID); err != nil {
		return fmt.Errorf("sync: deleting blob row %s: %w", docID, err)
	}

	return nil
}

// RekeyBlob moves a payload's tracking row to a new document id after the
// metadata record adopted its server identity.
func (s *Store) RekeyBlob(ctx context.Context, oldDocID, newDocID string) error {
	if _, err := s.db.ExecContext(ctx, sqlRekeyBlob, newDocID, oldDocID); err != nil {
		return fmt.Errorf("sync: rekeying blob %s: %w", oldDocID, err)
	}

	return nil
}

// sanitizeBlobName flattens a document id into a safe file name.
func sanitizeBlobName(docID string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		default:
			return r
		}
	}, docID)
}

// nullableStamp converts a zero timestamp to NULL for the downloaded_at column.
func nullableStamp(stamp int64) sql.NullInt64 {
	if stamp == 0 {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: stamp, Valid: true}
}
