package audit

import (
	"context"
	"time"

	"github.com/auditchain/go-core/pkg/types"
)

// Store is the persistent, append-only record log.
//
// There is no update or delete operation: the only mutation is
// Insert. Implementations must enforce uniqueness of (chain_id, sequence) and
// (chain_id, event_id), returning ErrSequenceConflict / ErrEventExists.
type Store interface {
	// Insert persists a fully hashed record
	Insert(ctx context.Context, rec *types.AuditRecord) error

	// GetRange returns records with from <= sequence <= to, ordered by sequence
	GetRange(ctx context.Context, chainID string, from, to uint64) ([]*types.AuditRecord, error)

	// GetTail returns the sequence and hash of the highest-sequence record,
	// or types.EmptyTail for an empty chain
	GetTail(ctx context.Context, chainID string) (types.ChainTail, error)

	// GetByEventID returns the record with the given event id or ErrNotFound
	GetByEventID(ctx context.Context, chainID, eventID string) (*types.AuditRecord, error)

	// Query performs non-authoritative lookups by secondary attributes
	Query(ctx context.Context, q *types.RecordQuery) ([]*types.AuditRecord, error)

	// ListChains returns the ids of all chains with at least one record
	ListChains(ctx context.Context) ([]string, error)

	// TimeSpan returns the earliest and latest record timestamps of a chain,
	// which need not belong to its first and last records, or ErrNotFound
	// for an empty chain
	TimeSpan(ctx context.Context, chainID string) (first, last time.Time, err error)

	// Close releases resources
	Close() error
}

// PartitionLedger records which partitions have been archived. Like Store it
// is insert-only.
type PartitionLedger interface {
	// MarkArchived records a completed archive copy
	MarkArchived(ctx context.Context, m *types.PartitionManifest) error

	// ArchivedPartitions lists manifests for a chain ordered by partition start
	ArchivedPartitions(ctx context.Context, chainID string) ([]*types.PartitionManifest, error)
}
