package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Row is a single table row as returned by the REST layer: flat snake_case
// columns. The field mapper in internal/sync is the only consumer that knows
// how rows relate to local record shapes.
type Row = map[string]any

// restPath builds a /rest/v1 request path with query parameters.
func restPath(table string, query url.Values) string {
	p := "/rest/v1/" + url.PathEscape(table)
	if len(query) > 0 {
		p += "?" + query.Encode()
	}

	return p
}

// Select fetches rows from a table. columns limits the projection; pass nil
// for all columns. Rows are filtered server-side by row-level security, so
// the caller only ever sees its own scope.
func (c *Client) Select(ctx context.Context, table string, columns []string) ([]Row, error) {
	query := url.Values{}
	if len(columns) > 0 {
		query.Set("select", strings.Join(columns, ","))
	}

	resp, err := c.do(ctx, http.MethodGet, restPath(table, query), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("remote: select %s: %w", table, err)
	}
	defer resp.Body.Close()

	var rows []Row
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("remote: decoding %s rows: %w", table, err)
	}

	return rows, nil
}

// Upsert inserts or updates rows in a table, keyed by conflictKey (the
// primary key column, or a comma-separated natural key such as
// "owner_id,name"). The merge-duplicates preference makes the call
// idempotent: re-sending an unchanged row is a no-op on the backend.
// Returns the resulting rows including server-assigned columns.
func (c *Client) Upsert(ctx context.Context, table string, rows []Row, conflictKey string) ([]Row, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("remote: encoding %s rows: %w", table, err)
	}

	query := url.Values{}
	if conflictKey != "" {
		query.Set("on_conflict", conflictKey)
	}

	headers := map[string]string{
		"Prefer": "resolution=merge-duplicates,return=representation",
	}

	resp, err := c.do(ctx, http.MethodPost, restPath(table, query), body, headers)
	if err != nil {
		return nil, fmt.Errorf("remote: upsert %s: %w", table, err)
	}
	defer resp.Body.Close()

	var result []Row
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("remote: decoding %s upsert result: %w", table, err)
	}

	return result, nil
}

// Delete removes rows whose key column matches any of the given ids.
// key is usually "id"; natural-key tables pass their key column instead.
func (c *Client) Delete(ctx context.Context, table, key string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = quoteFilterValue(id)
	}

	query := url.Values{}
	query.Set(key, "in.("+strings.Join(quoted, ",")+")")

	resp, err := c.do(ctx, http.MethodDelete, restPath(table, query), nil, nil)
	if err != nil {
		return fmt.Errorf("remote: delete from %s: %w", table, err)
	}
	resp.Body.Close()

	return nil
}

// Probe issues a minimal single-column, single-row select to verify that a
// table and column exist. Schema errors surface as ErrUndefinedTable or
// ErrUndefinedColumn via errors.Is.
func (c *Client) Probe(ctx context.Context, table, column string) error {
	query := url.Values{}
	query.Set("select", column)
	query.Set("limit", "1")

	resp, err := c.do(ctx, http.MethodGet, restPath(table, query), nil, nil)
	if err != nil {
		return fmt.Errorf("remote: probe %s.%s: %w", table, column, err)
	}
	resp.Body.Close()

	return nil
}

// quoteFilterValue quotes a value for use inside an in.(...) filter when it
// contains characters the filter grammar treats specially.
func quoteFilterValue(v string) string {
	if strings.ContainsAny(v, ",()\" ") {
		return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
	}

	return v
}
