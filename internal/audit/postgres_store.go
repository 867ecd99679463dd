package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/auditchain/go-core/internal/db"
	"github.com/auditchain/go-core/pkg/types"
)

const (
	pgSequenceConstraint = db.ConstraintRecordSequence
	pgEventConstraint    = db.ConstraintRecordEvent
	pgUniqueViolation    = "23505"
)

var postgresDialect = sqlDialect{
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	timeArg:     func(t time.Time) interface{} { return t.UTC() },
	noLimit:     "ALL",
}

// PostgresStore implements Store and PartitionLedger using PostgreSQL.
// The schema is managed by internal/db migrations, which also install
// triggers rejecting UPDATE and DELETE on audit_records.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL audit store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgresStore opens a connection pool for dsn and pings it
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return NewPostgresStore(db), nil
}

// DB exposes the underlying pool, e.g. for running migrations
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Insert persists a record
func (s *PostgresStore) Insert(ctx context.Context, rec *types.AuditRecord) error {
	args, err := insertArgs(rec, rec.Timestamp.UTC(), pq.Array(nonNilStrings(rec.ChangedFields)))
	if err != nil {
		return err
	}

	query := "INSERT INTO audit_records (" + recordColumns + ") VALUES (" + placeholders(postgresDialect, len(args)) + ")"
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return classifyPostgresError(err)
	}
	return nil
}

// classifyPostgresError maps unique violations onto the store sentinels
func classifyPostgresError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation {
		if pqErr.Constraint == pgEventConstraint {
			return ErrEventExists
		}
		return ErrSequenceConflict
	}
	return fmt.Errorf("failed to insert audit record: %w", err)
}

// GetRange returns records in [from, to]
func (s *PostgresStore) GetRange(ctx context.Context, chainID string, from, to uint64) ([]*types.AuditRecord, error) {
	query := "SELECT " + recordColumns + ` FROM audit_records
		WHERE chain_id = $1 AND sequence >= $2 AND sequence <= $3
		ORDER BY sequence ASC`

	rows, err := s.db.QueryContext(ctx, query, chainID, clampSequence(from), clampSequence(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	return s.scanRows(rows)
}

// GetTail returns the highest-sequence record's position
func (s *PostgresStore) GetTail(ctx context.Context, chainID string) (types.ChainTail, error) {
	var (
		seq  int64
		hash string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT sequence, record_hash FROM audit_records WHERE chain_id = $1 ORDER BY sequence DESC LIMIT 1`,
		chainID,
	).Scan(&seq, &hash)
	if err == sql.ErrNoRows {
		return types.EmptyTail(chainID), nil
	}
	if err != nil {
		return types.ChainTail{}, fmt.Errorf("failed to read chain tail: %w", err)
	}
	return types.ChainTail{ChainID: chainID, Sequence: uint64(seq), Hash: hash}, nil
}

// GetByEventID looks up a record by event id
func (s *PostgresStore) GetByEventID(ctx context.Context, chainID, eventID string) (*types.AuditRecord, error) {
	query := "SELECT " + recordColumns + " FROM audit_records WHERE chain_id = $1 AND event_id = $2"
	rec, err := scanPostgresRecord(s.db.QueryRowContext(ctx, query, chainID, eventID))
	if err == sql.ErrNoRows {
		return nil, newNotFound("event " + eventID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit record: %w", err)
	}
	return rec, nil
}

// Query performs a secondary-attribute lookup
func (s *PostgresStore) Query(ctx context.Context, q *types.RecordQuery) ([]*types.AuditRecord, error) {
	query, args := buildRecordQuery(postgresDialect, q)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	return s.scanRows(rows)
}

// ListChains returns all chain ids
func (s *PostgresStore) ListChains(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT chain_id FROM audit_records ORDER BY chain_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list chains: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TimeSpan returns the earliest and latest record timestamps of a chain
func (s *PostgresStore) TimeSpan(ctx context.Context, chainID string) (time.Time, time.Time, error) {
	var first, last sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(timestamp), MAX(timestamp) FROM audit_records WHERE chain_id = $1`, chainID,
	).Scan(&first, &last)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("failed to read chain time span: %w", err)
	}
	if !first.Valid || !last.Valid {
		return time.Time{}, time.Time{}, newNotFound("chain " + chainID)
	}
	return first.Time.UTC(), last.Time.UTC(), nil
}

// MarkArchived records an archived partition. Re-marking is a no-op.
func (s *PostgresStore) MarkArchived(ctx context.Context, m *types.PartitionManifest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO archived_partitions (
			chain_id, partition_id, period_start, period_end, record_count,
			first_sequence, last_sequence, first_hash, last_hash,
			location, checksum, archived_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (chain_id, partition_id) DO NOTHING`,
		m.ChainID, string(m.PartitionID), m.Start.UTC(), m.End.UTC(), m.RecordCount,
		int64(m.FirstSequence), int64(m.LastSequence), m.FirstHash, m.LastHash,
		m.Location, m.Checksum, m.ArchivedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to mark partition archived: %w", err)
	}
	return nil
}

// ArchivedPartitions lists archived partitions for a chain
func (s *PostgresStore) ArchivedPartitions(ctx context.Context, chainID string) ([]*types.PartitionManifest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chain_id, partition_id, period_start, period_end, record_count,
			first_sequence, last_sequence, first_hash, last_hash,
			location, checksum, archived_at
		FROM archived_partitions
		WHERE chain_id = $1
		ORDER BY period_start ASC`, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to list archived partitions: %w", err)
	}
	defer rows.Close()

	var out []*types.PartitionManifest
	for rows.Next() {
		var (
			m           types.PartitionManifest
			id          string
			first, last int64
		)
		if err := rows.Scan(&m.ChainID, &id, &m.Start, &m.End, &m.RecordCount,
			&first, &last, &m.FirstHash, &m.LastHash,
			&m.Location, &m.Checksum, &m.ArchivedAt); err != nil {
			return nil, err
		}
		m.PartitionID = types.PartitionID(id)
		m.FirstSequence, m.LastSequence = uint64(first), uint64(last)
		m.Start, m.End, m.ArchivedAt = m.Start.UTC(), m.End.UTC(), m.ArchivedAt.UTC()
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) scanRows(rows *sql.Rows) ([]*types.AuditRecord, error) {
	var records []*types.AuditRecord
	for rows.Next() {
		rec, err := scanPostgresRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return records, nil
}

// scanPostgresRecord scans a row in recordColumns order
func scanPostgresRecord(scanner interface {
	Scan(dest ...interface{}) error
}) (*types.AuditRecord, error) {
	var (
		row     recordRow
		ts      time.Time
		changed pq.StringArray
	)
	err := scanner.Scan(
		&row.rec.ChainID,
		&row.sequence,
		&row.rec.EventID,
		&ts,
		&row.rec.Actor.UserID,
		&row.sessionID,
		&row.sourceIP,
		&row.rec.Action,
		&row.rec.EntityType,
		&row.rec.EntityID,
		&row.before,
		&row.after,
		&changed,
		&row.metadata,
		&row.rec.SchemaVersion,
		&row.rec.HashAlgorithm,
		&row.rec.PreviousHash,
		&row.rec.RecordHash,
	)
	if err != nil {
		return nil, err
	}
	return row.finish(ts, changed)
}

// clampSequence converts to the signed BIGINT range
func clampSequence(seq uint64) int64 {
	if seq > 1<<63-1 {
		return 1<<63 - 1
	}
	return int64(seq)
}
