package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/auditchain/go-core/pkg/types"
)

// Column order shared by the SQL stores
const recordColumns = `chain_id, sequence, event_id, timestamp,
	actor_user_id, actor_session_id, actor_source_ip,
	action, entity_type, entity_id,
	before_state, after_state, changed_fields, metadata,
	schema_version, hash_algorithm, previous_hash, record_hash`

// sqlDialect captures the differences between the SQL backends that the
// shared query builder cares about
type sqlDialect struct {
	placeholder func(n int) string
	timeArg     func(t time.Time) interface{}
	// noLimit is the LIMIT operand meaning "unbounded", required before OFFSET
	noLimit string
}

// buildRecordQuery renders q as a SELECT over audit_records
func buildRecordQuery(d sqlDialect, q *types.RecordQuery) (string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, d.placeholder(len(args))))
	}

	if q.ChainID != "" {
		add("chain_id = %s", q.ChainID)
	}
	if q.EntityType != "" {
		add("entity_type = %s", q.EntityType)
	}
	if q.EntityID != "" {
		add("entity_id = %s", q.EntityID)
	}
	if q.ActorID != "" {
		add("actor_user_id = %s", q.ActorID)
	}
	if q.Action != "" {
		add("action = %s", q.Action)
	}
	if q.Since != nil {
		add("timestamp >= %s", d.timeArg(*q.Since))
	}
	if q.Until != nil {
		add("timestamp < %s", d.timeArg(*q.Until))
	}

	query := "SELECT " + recordColumns + " FROM audit_records"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	if q.Descending {
		query += " ORDER BY chain_id, sequence DESC"
	} else {
		query += " ORDER BY chain_id, sequence ASC"
	}

	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += " LIMIT " + d.placeholder(len(args))
	}
	if q.Offset > 0 {
		if q.Limit <= 0 {
			query += " LIMIT " + d.noLimit
		}
		args = append(args, q.Offset)
		query += " OFFSET " + d.placeholder(len(args))
	}

	return query, args
}

// jsonColumn encodes a snapshot for storage. A nil map is stored as NULL so
// it reads back as nil, never as an empty object.
func jsonColumn(m map[string]interface{}) (interface{}, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func fromJSONColumn(ns sql.NullString) (map[string]interface{}, error) {
	if !ns.Valid {
		return nil, nil
	}
	return decodeJSONMap([]byte(ns.String))
}

// nullString returns sql.NullString for empty strings
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// recordRow holds the dialect-neutral parts of a scanned row
type recordRow struct {
	rec       types.AuditRecord
	sequence  int64
	sessionID sql.NullString
	sourceIP  sql.NullString
	before    sql.NullString
	after     sql.NullString
	metadata  sql.NullString
}

func (r *recordRow) finish(ts time.Time, changed []string) (*types.AuditRecord, error) {
	rec := r.rec
	rec.Sequence = uint64(r.sequence)
	rec.Timestamp = ts.UTC()
	rec.Actor.SessionID = r.sessionID.String
	rec.Actor.SourceIP = r.sourceIP.String

	var err error
	if rec.BeforeState, err = fromJSONColumn(r.before); err != nil {
		return nil, fmt.Errorf("failed to decode before_state: %w", err)
	}
	if rec.AfterState, err = fromJSONColumn(r.after); err != nil {
		return nil, fmt.Errorf("failed to decode after_state: %w", err)
	}
	if rec.Metadata, err = fromJSONColumn(r.metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	rec.ChangedFields = nonNilStrings(changed)
	return &rec, nil
}

// insertArgs returns the bind values for recordColumns in order
func insertArgs(rec *types.AuditRecord, ts, changed interface{}) ([]interface{}, error) {
	before, err := jsonColumn(rec.BeforeState)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal before_state: %w", err)
	}
	after, err := jsonColumn(rec.AfterState)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal after_state: %w", err)
	}
	metadata, err := jsonColumn(rec.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	return []interface{}{
		rec.ChainID,
		int64(rec.Sequence),
		rec.EventID,
		ts,
		rec.Actor.UserID,
		nullString(rec.Actor.SessionID),
		nullString(rec.Actor.SourceIP),
		rec.Action,
		rec.EntityType,
		rec.EntityID,
		before,
		after,
		changed,
		metadata,
		rec.SchemaVersion,
		rec.HashAlgorithm,
		rec.PreviousHash,
		rec.RecordHash,
	}, nil
}

func placeholders(d sqlDialect, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = d.placeholder(i + 1)
	}
	return strings.Join(ph, ", ")
}
