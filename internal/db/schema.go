// Package db provides database schema constants and migrations
package db

// Table names
const (
	TableAuditRecords       = "audit_records"
	TableArchivedPartitions = "archived_partitions"
)

// Constraint names created by the migrations. The Postgres store maps unique
// violations on these onto its conflict errors, so they must not drift.
const (
	ConstraintRecordSequence = "audit_records_pkey"
	ConstraintRecordEvent    = "audit_records_chain_event_key"
	ConstraintPartition      = "archived_partitions_pkey"
)

// Trigger names guarding append-only tables
const (
	TriggerNoUpdate = "audit_records_no_update"
	TriggerNoDelete = "audit_records_no_delete"
)
