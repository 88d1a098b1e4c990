package sync

// FieldKind selects the sanitization rule the mapper applies to a field.
type FieldKind int

// Field kinds. Sanitization happens on the way out (ToRemote); ToLocal only
// reverses representation, never content.
const (
	KindText         FieldKind = iota // string, trimmed
	KindNumber                        // numeric; null/missing/NaN coerced to 0
	KindForeignKey                    // id reference; ""/"null"/"undefined" coerced to absent
	KindDateRequired                  // RFC 3339 on the wire; missing/unparsable coerced to now
	KindDateOptional                  // RFC 3339 on the wire; missing/unparsable left absent
	KindBool                          // boolean; missing left absent
)

// Field maps one local camelCase field to one remote snake_case column.
type Field struct {
	Local  string
	Column string
	Kind   FieldKind
}

// Entity describes one synchronized entity type: its remote table, key
// scheme, parent linkage, and field mapping table.
type Entity struct {
	Name        string // local entity name, e.g. "case"
	Table       string // remote table, e.g. "cases"
	KeyField    string // local field addressing the record; "id" except for natural-key tables
	ConflictKey string // upsert conflict target; "" means the primary key "id"
	ProbeColumn string // column checked by the schema probe

	Parent       string // parent entity name; "" for roots
	ParentField  string // local field holding the parent reference
	ParentColumn string // remote column for the parent reference

	HasBlob  bool              // metadata row paired with a storage blob
	Defaults map[string]string // synthesized values for required-but-missing text fields

	Fields []Field
}

// Key returns the record's addressing key for this entity.
func (e *Entity) Key(r Record) string {
	return r.StringField(e.KeyField)
}

// Entities is the full registry in upload dependency order (parents before
// children). Deletion walks the exact reverse. The registry is the single
// authority on naming across the local/remote boundary.
var Entities = []*Entity{
	{
		Name: "profile", Table: "profiles", KeyField: "id", ProbeColumn: "id",
		Fields: []Field{
			{Local: "name", Column: "name", Kind: KindText},
			{Local: "phone", Column: "phone", Kind: KindText},
			{Local: "officeName", Column: "office_name", Kind: KindText},
		},
	},
	{
		Name: "setting", Table: "settings", KeyField: "id", ProbeColumn: "id",
		Fields: []Field{
			{Local: "key", Column: "key", Kind: KindText},
			{Local: "value", Column: "value", Kind: KindText},
		},
	},
	{
		Name: "adminTask", Table: "admin_tasks", KeyField: "id", ProbeColumn: "id",
		Fields: []Field{
			{Local: "title", Column: "title", Kind: KindText},
			{Local: "status", Column: "status", Kind: KindText},
			{Local: "orderIndex", Column: "order_index", Kind: KindNumber},
			{Local: "locationKey", Column: "location_key", Kind: KindText},
			{Local: "dueDate", Column: "due_date", Kind: KindDateOptional},
		},
	},
	{
		Name: "appointment", Table: "appointments", KeyField: "id", ProbeColumn: "id",
		Fields: []Field{
			{Local: "title", Column: "title", Kind: KindText},
			{Local: "date", Column: "date", Kind: KindDateRequired},
			{Local: "reminderMinutes", Column: "reminder_minutes", Kind: KindNumber},
			{Local: "notes", Column: "notes", Kind: KindText},
		},
	},
	{
		// Assistants have no id column: the natural key is (owner, name).
		Name: "assistant", Table: "assistants", KeyField: "name",
		ConflictKey: "owner_id,name", ProbeColumn: "name",
		Fields: []Field{
			{Local: "name", Column: "name", Kind: KindText},
			{Local: "phone", Column: "phone", Kind: KindText},
			{Local: "canEditCases", Column: "can_edit_cases", Kind: KindBool},
		},
	},
	{
		// Soft references to client/case: the mapper nulls dangling values but
		// the integrity filter never drops the entry.
		Name: "accountingEntry", Table: "accounting_entries", KeyField: "id", ProbeColumn: "id",
		Fields: []Field{
			{Local: "clientId", Column: "client_id", Kind: KindForeignKey},
			{Local: "caseId", Column: "case_id", Kind: KindForeignKey},
			{Local: "amount", Column: "amount", Kind: KindNumber},
			{Local: "kind", Column: "kind", Kind: KindText},
			{Local: "date", Column: "date", Kind: KindDateRequired},
			{Local: "notes", Column: "notes", Kind: KindText},
		},
	},
	{
		Name: "client", Table: "clients", KeyField: "id", ProbeColumn: "id",
		Fields: []Field{
			{Local: "name", Column: "name", Kind: KindText},
			{Local: "phone", Column: "phone", Kind: KindText},
			{Local: "email", Column: "email", Kind: KindText},
			{Local: "address", Column: "address", Kind: KindText},
			{Local: "notes", Column: "notes", Kind: KindText},
		},
	},
	{
		Name: "case", Table: "cases", KeyField: "id", ProbeColumn: "id",
		Parent: "client", ParentField: "clientId", ParentColumn: "client_id",
		Defaults: map[string]string{"subject": "(untitled case)"},
		Fields: []Field{
			{Local: "clientId", Column: "client_id", Kind: KindForeignKey},
			{Local: "subject", Column: "subject", Kind: KindText},
			{Local: "caseNumber", Column: "case_number", Kind: KindText},
			{Local: "status", Column: "status", Kind: KindText},
		},
	},
	{
		Name: "invoice", Table: "invoices", KeyField: "id", ProbeColumn: "id",
		Parent: "client", ParentField: "clientId", ParentColumn: "client_id",
		Fields: []Field{
			{Local: "clientId", Column: "client_id", Kind: KindForeignKey},
			{Local: "issueDate", Column: "issue_date", Kind: KindDateRequired},
			{Local: "total", Column: "total", Kind: KindNumber},
			{Local: "status", Column: "status", Kind: KindText},
		},
	},
	{
		Name: "stage", Table: "case_stages", KeyField: "id", ProbeColumn: "id",
		Parent: "case", ParentField: "caseId", ParentColumn: "case_id",
		Defaults: map[string]string{"court": "(unspecified court)"},
		Fields: []Field{
			{Local: "caseId", Column: "case_id", Kind: KindForeignKey},
			{Local: "court", Column: "court", Kind: KindText},
			{Local: "stageNumber", Column: "stage_number", Kind: KindText},
			{Local: "notes", Column: "notes", Kind: KindText},
		},
	},
	{
		Name: "invoiceItem", Table: "invoice_items", KeyField: "id", ProbeColumn: "id",
		Parent: "invoice", ParentField: "invoiceId", ParentColumn: "invoice_id",
		Fields: []Field{
			{Local: "invoiceId", Column: "invoice_id", Kind: KindForeignKey},
			{Local: "description", Column: "description", Kind: KindText},
			{Local: "quantity", Column: "quantity", Kind: KindNumber},
			{Local: "unitPrice", Column: "unit_price", Kind: KindNumber},
		},
	},
	{
		Name: "caseDocument", Table: "case_documents", KeyField: "id", ProbeColumn: "storage_path",
		Parent: "case", ParentField: "caseId", ParentColumn: "case_id",
		HasBlob: true,
		Fields: []Field{
			{Local: "caseId", Column: "case_id", Kind: KindForeignKey},
			{Local: "name", Column: "name", Kind: KindText},
			{Local: "storagePath", Column: "storage_path", Kind: KindText},
			{Local: "size", Column: "size", Kind: KindNumber},
			{Local: "contentType", Column: "content_type", Kind: KindText},
		},
	},
	{
		Name: "session", Table: "court_sessions", KeyField: "id", ProbeColumn: "id",
		Parent: "stage", ParentField: "stageId", ParentColumn: "stage_id",
		Fields: []Field{
			{Local: "stageId", Column: "stage_id", Kind: KindForeignKey},
			{Local: "date", Column: "date", Kind: KindDateRequired},
			{Local: "decision", Column: "decision", Kind: KindText},
			{Local: "postponedTo", Column: "postponed_to", Kind: KindDateOptional},
			{Local: "notes", Column: "notes", Kind: KindText},
		},
	},
}

// UploadTiers groups entities by dependency depth. Tables within a tier have
// no dependency relationship and may upload concurrently; a tier must wait
// for all earlier tiers to complete.
var UploadTiers = [][]string{
	{"profile", "setting"},
	{"adminTask", "appointment", "assistant", "accountingEntry"},
	{"client"},
	{"case", "invoice"},
	{"stage", "invoiceItem", "caseDocument"},
	{"session"},
}

// DeleteTiers is the exact reverse of UploadTiers: deepest children first so
// foreign-key constraints never reject a parent deletion.
var DeleteTiers = reverseTiers(UploadTiers)

func reverseTiers(tiers [][]string) [][]string {
	out := make([][]string, len(tiers))
	for i := range tiers {
		out[i] = tiers[len(tiers)-1-i]
	}

	return out
}

// entitiesByName indexes the registry for lookup.
var entitiesByName = func() map[string]*Entity {
	m := make(map[string]*Entity, len(Entities))
	for _, e := range Entities {
		m[e.Name] = e
	}

	return m
}()

// entitiesByTable indexes the registry by remote table name.
var entitiesByTable = func() map[string]*Entity {
	m := make(map[string]*Entity, len(Entities))
	for _, e := range Entities {
		m[e.Table] = e
	}

	return m
}()

// EntityByName returns the registry entry for a local entity name.
func EntityByName(name string) (*Entity, bool) {
	e, ok := entitiesByName[name]
	return e, ok
}

// EntityByTable returns the registry entry for a remote table name.
func EntityByTable(table string) (*Entity, bool) {
	e, ok := entitiesByTable[table]
	return e, ok
}

// conflictKey returns the upsert conflict target for an entity.
func (e *Entity) conflictKey() string {
	if e.ConflictKey != "" {
		return e.ConflictKey
	}

	return "id"
}

// deleteKey returns the column used to address rows for deletion.
// Natural-key tables delete by their key column.
func (e *Entity) deleteKey() string {
	if e.KeyField != "id" {
		// Remote column carrying the natural key.
		for _, f := range e.Fields {
			if f.Local == e.KeyField {
				return f.Column
			}
		}
	}

	return "id"
}
