package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/auditchain/go-core/pkg/types"
)

var sqliteDialect = sqlDialect{
	placeholder: func(int) string { return "?" },
	timeArg:     func(t time.Time) interface{} { return formatTimestamp(t) },
	noLimit:     "-1",
}

// The schema mirrors the postgres migration. Timestamps are stored as
// fixed-width UTC text so lexical order is chronological.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_records (
	chain_id         TEXT    NOT NULL,
	sequence         INTEGER NOT NULL,
	event_id         TEXT    NOT NULL,
	timestamp        TEXT    NOT NULL,
	actor_user_id    TEXT    NOT NULL,
	actor_session_id TEXT,
	actor_source_ip  TEXT,
	action           TEXT    NOT NULL,
	entity_type      TEXT    NOT NULL,
	entity_id        TEXT    NOT NULL,
	before_state     TEXT,
	after_state      TEXT,
	changed_fields   TEXT    NOT NULL DEFAULT '[]',
	metadata         TEXT,
	schema_version   INTEGER NOT NULL,
	hash_algorithm   TEXT    NOT NULL,
	previous_hash    TEXT    NOT NULL,
	record_hash      TEXT    NOT NULL,
	PRIMARY KEY (chain_id, sequence),
	UNIQUE (chain_id, event_id)
);
CREATE INDEX IF NOT EXISTS idx_audit_records_entity ON audit_records(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_audit_records_actor ON audit_records(actor_user_id);
CREATE INDEX IF NOT EXISTS idx_audit_records_ts ON audit_records(timestamp);

CREATE TRIGGER IF NOT EXISTS audit_records_no_update
BEFORE UPDATE ON audit_records
BEGIN
	SELECT RAISE(ABORT, 'audit_records is append-only');
END;

CREATE TRIGGER IF NOT EXISTS audit_records_no_delete
BEFORE DELETE ON audit_records
BEGIN
	SELECT RAISE(ABORT, 'audit_records is append-only');
END;

CREATE TABLE IF NOT EXISTS archived_partitions (
	chain_id       TEXT    NOT NULL,
	partition_id   TEXT    NOT NULL,
	period_start   TEXT    NOT NULL,
	period_end     TEXT    NOT NULL,
	record_count   INTEGER NOT NULL,
	first_sequence INTEGER NOT NULL,
	last_sequence  INTEGER NOT NULL,
	first_hash     TEXT    NOT NULL,
	last_hash      TEXT    NOT NULL,
	location       TEXT    NOT NULL,
	checksum       TEXT    NOT NULL,
	archived_at    TEXT    NOT NULL,
	PRIMARY KEY (chain_id, partition_id)
);
`

// SQLiteStore implements Store and PartitionLedger on an embedded SQLite
// database for single-node deployments
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the database at path and ensures the
// schema exists. ":memory:" opens a private in-memory database.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store %s: %w", path, err)
	}

	if path == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	} else {
		if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL: %w", err)
		}
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Insert persists a record
func (s *SQLiteStore) Insert(ctx context.Context, rec *types.AuditRecord) error {
	changed, err := json.Marshal(nonNilStrings(rec.ChangedFields))
	if err != nil {
		return fmt.Errorf("failed to marshal changed_fields: %w", err)
	}
	args, err := insertArgs(rec, formatTimestamp(rec.Timestamp), string(changed))
	if err != nil {
		return err
	}

	query := "INSERT INTO audit_records (" + recordColumns + ") VALUES (" + placeholders(sqliteDialect, len(args)) + ")"
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return classifySQLiteError(err)
	}
	return nil
}

func classifySQLiteError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") {
		if strings.Contains(msg, "event_id") {
			return ErrEventExists
		}
		return ErrSequenceConflict
	}
	return fmt.Errorf("inserting audit record: %w", err)
}

// GetRange returns records in [from, to]
func (s *SQLiteStore) GetRange(ctx context.Context, chainID string, from, to uint64) ([]*types.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+recordColumns+` FROM audit_records
		WHERE chain_id = ? AND sequence >= ? AND sequence <= ?
		ORDER BY sequence ASC`,
		chainID, clampSequence(from), clampSequence(to))
	if err != nil {
		return nil, fmt.Errorf("querying sqlite store: %w", err)
	}
	defer rows.Close()

	return scanSQLiteRows(rows)
}

// GetTail returns the highest-sequence record's position
func (s *SQLiteStore) GetTail(ctx context.Context, chainID string) (types.ChainTail, error) {
	var (
		seq  int64
		hash string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT sequence, record_hash FROM audit_records WHERE chain_id = ? ORDER BY sequence DESC LIMIT 1`,
		chainID,
	).Scan(&seq, &hash)
	if err == sql.ErrNoRows {
		return types.EmptyTail(chainID), nil
	}
	if err != nil {
		return types.ChainTail{}, fmt.Errorf("reading chain tail: %w", err)
	}
	return types.ChainTail{ChainID: chainID, Sequence: uint64(seq), Hash: hash}, nil
}

// GetByEventID looks up a record by event id
func (s *SQLiteStore) GetByEventID(ctx context.Context, chainID, eventID string) (*types.AuditRecord, error) {
	rec, err := scanSQLiteRecord(s.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM audit_records WHERE chain_id = ? AND event_id = ?",
		chainID, eventID))
	if err == sql.ErrNoRows {
		return nil, newNotFound("event " + eventID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading audit record: %w", err)
	}
	return rec, nil
}

// Query performs a secondary-attribute lookup
func (s *SQLiteStore) Query(ctx context.Context, q *types.RecordQuery) ([]*types.AuditRecord, error) {
	query, args := buildRecordQuery(sqliteDialect, q)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sqlite store: %w", err)
	}
	defer rows.Close()

	return scanSQLiteRows(rows)
}

// ListChains returns all chain ids
func (s *SQLiteStore) ListChains(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT chain_id FROM audit_records ORDER BY chain_id`)
	if err != nil {
		return nil, fmt.Errorf("listing chains: %w", err)
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

// TimeSpan returns the earliest and latest record timestamps of a chain.
// Timestamps are stored in a fixed-width layout, so text order is time order.
func (s *SQLiteStore) TimeSpan(ctx context.Context, chainID string) (time.Time, time.Time, error) {
	var first, last sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(timestamp), MAX(timestamp) FROM audit_records WHERE chain_id = ?`, chainID,
	).Scan(&first, &last)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("reading chain time span: %w", err)
	}
	if !first.Valid || !last.Valid {
		return time.Time{}, time.Time{}, newNotFound("chain " + chainID)
	}

	lo, err := parseTimestamp(first.String)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	hi, err := parseTimestamp(last.String)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return lo, hi, nil
}

// MarkArchived records an archived partition. Re-marking is a no-op.
func (s *SQLiteStore) MarkArchived(ctx context.Context, m *types.PartitionManifest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO archived_partitions (
			chain_id, partition_id, period_start, period_end, record_count,
			first_sequence, last_sequence, first_hash, last_hash,
			location, checksum, archived_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ChainID, string(m.PartitionID), formatTimestamp(m.Start), formatTimestamp(m.End), m.RecordCount,
		int64(m.FirstSequence), int64(m.LastSequence), m.FirstHash, m.LastHash,
		m.Location, m.Checksum, formatTimestamp(m.ArchivedAt),
	)
	if err != nil {
		return fmt.Errorf("marking partition archived: %w", err)
	}
	return nil
}

// ArchivedPartitions lists archived partitions for a chain
func (s *SQLiteStore) ArchivedPartitions(ctx context.Context, chainID string) ([]*types.PartitionManifest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chain_id, partition_id, period_start, period_end, record_count,
			first_sequence, last_sequence, first_hash, last_hash,
			location, checksum, archived_at
		FROM archived_partitions
		WHERE chain_id = ?
		ORDER BY period_start ASC`, chainID)
	if err != nil {
		return nil, fmt.Errorf("listing archived partitions: %w", err)
	}
	defer rows.Close()

	var out []*types.PartitionManifest
	for rows.Next() {
		var (
			m                        types.PartitionManifest
			id, start, end, archived string
			first, last              int64
		)
		if err := rows.Scan(&m.ChainID, &id, &start, &end, &m.RecordCount,
			&first, &last, &m.FirstHash, &m.LastHash,
			&m.Location, &m.Checksum, &archived); err != nil {
			return nil, err
		}
		m.PartitionID = types.PartitionID(id)
		m.FirstSequence, m.LastSequence = uint64(first), uint64(last)
		if m.Start, err = parseTimestamp(start); err != nil {
			return nil, err
		}
		if m.End, err = parseTimestamp(end); err != nil {
			return nil, err
		}
		if m.ArchivedAt, err = parseTimestamp(archived); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanSQLiteRows(rows *sql.Rows) ([]*types.AuditRecord, error) {
	var records []*types.AuditRecord
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning sqlite row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanSQLiteRecord(scanner interface {
	Scan(dest ...interface{}) error
}) (*types.AuditRecord, error) {
	var (
		row         recordRow
		ts, changed string
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

	parsed, err := parseTimestamp(ts)
	if err != nil {
		return nil, err
	}
	var fields []string
	if err := json.Unmarshal([]byte(changed), &fields); err != nil {
		return nil, fmt.Errorf("decoding changed_fields: %w", err)
	}
	return row.finish(parsed, fields)
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(types.TimestampLayout)
}

func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(types.TimestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
