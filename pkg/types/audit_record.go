package types

import (
	"time"
)

// SchemaVersion is the version of the hash-input layout. It is part of every
// record's hash input; bump it whenever a hashed field is added or renamed.
const SchemaVersion = 1

// ZeroHash is the previous_hash of the first record in every chain
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// TimestampLayout is the canonical textual form of record timestamps.
// Microsecond precision matches PostgreSQL timestamptz.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// Actor identifies the principal performing an audited action
type Actor struct {
	UserID    string `json:"user_id" db:"actor_user_id"`
	SessionID string `json:"session_id,omitempty" db:"actor_session_id"`
	SourceIP  string `json:"source_ip,omitempty" db:"actor_source_ip"`
}

// AuditRecord is the immutable unit of a chain
type AuditRecord struct {
	// Chain position
	ChainID  string `json:"chain_id" db:"chain_id"`
	EventID  string `json:"event_id" db:"event_id"`
	Sequence uint64 `json:"sequence" db:"sequence"`

	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	Actor     Actor     `json:"actor"`

	// What happened and to what
	Action     string `json:"action" db:"action"`
	EntityType string `json:"entity_type" db:"entity_type"`
	EntityID   string `json:"entity_id" db:"entity_id"`

	// Full snapshots; nil means "absent" and hashes differently from an empty map
	BeforeState   map[string]interface{} `json:"before_state" db:"before_state"`
	AfterState    map[string]interface{} `json:"after_state" db:"after_state"`
	ChangedFields []string               `json:"changed_fields" db:"changed_fields"`
	Metadata      map[string]interface{} `json:"metadata" db:"metadata"`

	// Tamper detection
	SchemaVersion int    `json:"schema_version" db:"schema_version"`
	HashAlgorithm string `json:"hash_algorithm" db:"hash_algorithm"`
	PreviousHash  string `json:"previous_hash" db:"previous_hash"`
	RecordHash    string `json:"record_hash" db:"record_hash"`
}

// ChainTail is the sequence and hash of the most recently appended record.
// An empty chain has Sequence 0 and Hash ZeroHash.
type ChainTail struct {
	ChainID  string `json:"chain_id"`
	Sequence uint64 `json:"sequence"`
	Hash     string `json:"hash"`
}

// EmptyTail returns the tail of a chain with no records
func EmptyTail(chainID string) ChainTail {
	return ChainTail{ChainID: chainID, Sequence: 0, Hash: ZeroHash}
}

// RecordQuery holds non-authoritative lookup criteria.
// Since is inclusive, Until is exclusive.
type RecordQuery struct {
	ChainID    string
	EntityType string
	EntityID   string
	ActorID    string
	Action     string
	Since      *time.Time
	Until      *time.Time

	// Pagination
	Limit  int
	Offset int

	// Descending orders by sequence, newest first
	Descending bool
}

// BrokenLinkKind classifies a verification finding
type BrokenLinkKind string

const (
	// BrokenLinkHashMismatch means the stored record_hash does not match its contents
	BrokenLinkHashMismatch BrokenLinkKind = "hash_mismatch"
	// BrokenLinkPreviousHash means previous_hash does not match the prior record
	BrokenLinkPreviousHash BrokenLinkKind = "previous_hash_mismatch"
	// BrokenLinkSequenceGap means sequence is not exactly prior + 1
	BrokenLinkSequenceGap BrokenLinkKind = "sequence_gap"
	// BrokenLinkChangedFields means changed_fields cannot be recomputed from the snapshots
	BrokenLinkChangedFields BrokenLinkKind = "changed_fields_mismatch"
	// BrokenLinkMissingAnchor means the record preceding a partial range is absent
	BrokenLinkMissingAnchor BrokenLinkKind = "missing_anchor"
	// BrokenLinkUnverifiable means the record could not be hashed at all
	BrokenLinkUnverifiable BrokenLinkKind = "unverifiable"
)

// BrokenLink is a single verification finding
type BrokenLink struct {
	Sequence uint64         `json:"sequence"`
	EventID  string         `json:"event_id,omitempty"`
	Kind     BrokenLinkKind `json:"kind"`
	Expected string         `json:"expected,omitempty"`
	Actual   string         `json:"actual,omitempty"`
	Detail   string         `json:"detail,omitempty"`
}

// VerificationReport is the result of replaying a range of a chain
type VerificationReport struct {
	ChainID      string       `json:"chain_id"`
	FromSequence uint64       `json:"from_sequence"`
	ToSequence   uint64       `json:"to_sequence"`
	CheckedCount int          `json:"checked_count"`
	BrokenLinks  []BrokenLink `json:"broken_links"`
	StartedAt    time.Time    `json:"started_at"`
	CompletedAt  time.Time    `json:"completed_at"`
}

// Valid reports whether no broken links were found
func (r *VerificationReport) Valid() bool {
	return len(r.BrokenLinks) == 0
}

// PartitionID names a time-bounded partition, e.g. "2019" or "2019-03"
type PartitionID string

// Partition is a time-bounded subset of a chain. End is exclusive.
type Partition struct {
	ChainID string      `json:"chain_id"`
	ID      PartitionID `json:"id"`
	Start   time.Time   `json:"start"`
	End     time.Time   `json:"end"`
}

// PartitionManifest describes an archived partition
type PartitionManifest struct {
	ChainID       string      `json:"chain_id"`
	PartitionID   PartitionID `json:"partition_id"`
	Start         time.Time   `json:"start"`
	End           time.Time   `json:"end"`
	RecordCount   int         `json:"record_count"`
	FirstSequence uint64      `json:"first_sequence"`
	LastSequence  uint64      `json:"last_sequence"`
	FirstHash     string      `json:"first_hash"`
	LastHash      string      `json:"last_hash"`
	Location      string      `json:"location"`
	Checksum      string      `json:"checksum"`
	ArchivedAt    time.Time   `json:"archived_at"`
}
