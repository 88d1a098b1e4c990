package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// storagePath builds a /storage/v1/object request path. Each path segment is
// escaped individually so slashes in the object path survive.
func storagePath(bucket, objectPath string) string {
	segments := strings.Split(objectPath, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}

	return "/storage/v1/object/" + url.PathEscape(bucket) + "/" + strings.Join(segments, "/")
}

// UploadBlob stores a binary object at bucket/path, overwriting any existing
// object. Overwrite semantics keep the call idempotent so a re-run pass can
// safely resend a blob that already landed.
func (c *Client) UploadBlob(ctx context.Context, bucket, path string, data []byte) error {
	headers := map[string]string{
		"Content-Type":  "application/octet-stream",
		"x-upsert":      "true",
		"Cache-Control": "no-cache",
	}

	resp, err := c.do(ctx, http.MethodPost, storagePath(bucket, path), data, headers)
	if err != nil {
		return fmt.Errorf("remote: uploading blob %s/%s: %w", bucket, path, err)
	}
	resp.Body.Close()

	return nil
}

// DownloadBlob fetches the binary object at bucket/path.
func (c *Client) DownloadBlob(ctx context.Context, bucket, path string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, storagePath(bucket, path), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("remote: downloading blob %s/%s: %w", bucket, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("remote: reading blob %s/%s: %w", bucket, path, err)
	}

	return data, nil
}

// DeleteBlob removes the binary object at bucket/path. Deleting a missing
// object returns ErrNotFound, which callers may treat as success.
func (c *Client) DeleteBlob(ctx context.Context, bucket, path string) error {
	resp, err := c.do(ctx, http.MethodDelete, storagePath(bucket, path), nil, nil)
	if err != nil {
		return fmt.Errorf("remote: deleting blob %s/%s: %w", bucket, path, err)
	}
	resp.Body.Close()

	return nil
}
