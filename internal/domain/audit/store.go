package audit

import "context"

// AuditStore persists audit records.
type AuditStore interface {
	// Append stores audit records.
	Append(ctx context.Context, records ...AuditRecord) error

	// Flush forces pending records to storage. Called during shutdown.
	Flush(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// AuditReader answers queries over recent records.
type AuditReader interface {
	// Query returns matching records, newest first.
	Query(filter AuditFilter) []AuditRecord
}
