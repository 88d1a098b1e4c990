package sync

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/lawdesk/lawdesk-go/internal/remote"
)

// Mapper translates between the local record shape (hierarchical camelCase,
// client-chosen identifiers) and the remote row shape (flat snake_case,
// explicit _id foreign-key columns). It is the only component that knows
// both namings. Both directions are total and perform no I/O: sanitizable
// bad data is coerced, never rejected; only structurally malformed input
// (a missing key field) raises a MappingError.
type Mapper struct {
	ownerID string
	nowFunc func() time.Time // injectable for deterministic tests
}

// NewMapper creates a Mapper that injects ownerID into every outgoing row.
func NewMapper(ownerID string) *Mapper {
	return &Mapper{ownerID: ownerID, nowFunc: time.Now}
}

// Date layouts accepted from local records, most specific first.
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ToRemote converts a local record into a remote row, applying the entity's
// sanitization rules: numerics coerced to 0, dangling foreign-key strings
// nulled, strings trimmed, mandatory dates coerced to now, optional dates
// left absent when unparsable.
func (m *Mapper) ToRemote(ent *Entity, rec Record) (remote.Row, error) {
	key := ent.Key(rec)
	if key == "" {
		return nil, &MappingError{Table: ent.Table, Field: ent.KeyField}
	}

	row := remote.Row{}

	if ent.KeyField == "id" {
		row["id"] = key
	}

	row["owner_id"] = m.ownerID
	row["updated_at"] = m.stampOut(rec.UpdatedAt())

	for _, f := range ent.Fields {
		m.mapFieldOut(ent, f, rec, row)
	}

	return row, nil
}

// mapFieldOut applies one field's sanitization rule and writes the result
// into the outgoing row.
func (m *Mapper) mapFieldOut(ent *Entity, f Field, rec Record, row remote.Row) {
	v, present := rec[f.Local]

	switch f.Kind {
	case KindText:
		s := ""
		if str, ok := v.(string); ok {
			s = strings.TrimSpace(str)
		}

		if s == "" {
			if def, ok := ent.Defaults[f.Local]; ok {
				s = def
			}
		}

		if s != "" || present {
			row[f.Column] = s
		}

	case KindNumber:
		row[f.Column] = sanitizeNumber(v)

	case KindForeignKey:
		row[f.Column] = sanitizeForeignKey(v)

	case KindDateRequired:
		t, ok := parseDate(v)
		if !ok {
			t = m.nowFunc().UTC()
		}

		row[f.Column] = t.Format(time.RFC3339)

	case KindDateOptional:
		if t, ok := parseDate(v); ok {
			row[f.Column] = t.Format(time.RFC3339)
		}

	case KindBool:
		if b, ok := v.(bool); ok {
			row[f.Column] = b
		}
	}
}

// ToLocal converts a remote row into a local record. It only reverses
// representation: snake_case columns back to camelCase fields and the
// RFC 3339 updated_at into Unix nanoseconds.
func (m *Mapper) ToLocal(ent *Entity, row remote.Row) Record {
	rec := Record{}

	if ent.KeyField == "id" {
		rec["id"] = stringValue(row["id"])
	}

	if t, ok := parseDate(row["updated_at"]); ok {
		rec["updatedAt"] = t.UnixNano()
	} else {
		rec["updatedAt"] = int64(0)
	}

	for _, f := range ent.Fields {
		v, present := row[f.Column]
		if !present || v == nil {
			continue
		}

		switch f.Kind {
		case KindNumber:
			rec[f.Local] = sanitizeNumber(v)
		case KindForeignKey:
			if s := stringValue(v); s != "" {
				rec[f.Local] = s
			}
		case KindBool:
			if b, ok := v.(bool); ok {
				rec[f.Local] = b
			}
		default:
			rec[f.Local] = stringValue(v)
		}
	}

	return rec
}

// stampOut renders an updatedAt timestamp for the wire. A zero stamp (record
// never stamped locally, e.g. hand-built test data) becomes now so the
// backend always receives a comparable value.
func (m *Mapper) stampOut(nanos int64) string {
	if nanos == 0 {
		return m.nowFunc().UTC().Format(time.RFC3339Nano)
	}

	return time.Unix(0, nanos).UTC().Format(time.RFC3339Nano)
}

// sanitizeNumber coerces any value in a numeric field to a finite float64.
// null, missing, non-numeric, and NaN/Inf all become 0.
func sanitizeNumber(v any) float64 {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0
		}

		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
			return 0
		}

		return parsed
	default:
		return 0
	}
}

// sanitizeForeignKey coerces empty and stringified-null references to an
// explicit null so the backend clears the column instead of rejecting the
// row. Valid ids pass through untouched.
func sanitizeForeignKey(v any) any {
	s, ok := v.(string)
	if !ok {
		return nil
	}

	s = strings.TrimSpace(s)
	switch s {
	case "", "null", "undefined":
		return nil
	default:
		return s
	}
}

// parseDate interprets a local or remote date value. Accepts RFC 3339
// strings (and common date-only layouts) plus Unix-nanosecond numbers.
func parseDate(v any) (time.Time, bool) {
	switch d := v.(type) {
	case string:
		s := strings.TrimSpace(d)
		if s == "" {
			return time.Time{}, false
		}

		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}

		return time.Time{}, false
	case int64:
		if d <= 0 {
			return time.Time{}, false
		}

		return time.Unix(0, d), true
	case float64:
		if d <= 0 {
			return time.Time{}, false
		}

		return time.Unix(0, int64(d)), true
	default:
		return time.Time{}, false
	}
}

// stringValue renders a row value as a string. Numeric ids from the backend
// are formatted without an exponent.
func stringValue(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(s, 10)
	case bool:
		return strconv.FormatBool(s)
	default:
		return ""
	}
}
