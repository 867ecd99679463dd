package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/auditchain/go-core/pkg/types"
)

// Export formats
const (
	ExportJSONL = "jsonl"
	ExportJSON  = "json"
	ExportCSV   = "csv"
)

var csvHeader = []string{
	"chain_id", "sequence", "event_id", "timestamp",
	"actor_user_id", "actor_session_id", "actor_source_ip",
	"action", "entity_type", "entity_id",
	"before_state", "after_state", "changed_fields", "metadata",
	"schema_version", "hash_algorithm", "previous_hash", "record_hash",
}

// Export streams a chain to w in sequence order, reading pageSize records at
// a time. The jsonl output is the same format FileArchiver writes and can be
// verified offline with ReadArchive and VerifyRecords.
func Export(ctx context.Context, store Store, chainID string, w io.Writer, format string, pageSize int) error {
	if pageSize <= 0 {
		pageSize = DefaultVerifyPageSize
	}

	tail, err := store.GetTail(ctx, chainID)
	if err != nil {
		return fmt.Errorf("reading tail for export: %w", err)
	}

	var emit func(*types.AuditRecord) error
	finish := func() error { return nil }

	switch format {
	case ExportJSONL, "":
		enc := json.NewEncoder(w)
		emit = func(r *types.AuditRecord) error { return enc.Encode(r) }

	case ExportJSON:
		first := true
		if _, err := io.WriteString(w, "[\n"); err != nil {
			return err
		}
		emit = func(r *types.AuditRecord) error {
			data, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if !first {
				if _, err := io.WriteString(w, ",\n"); err != nil {
					return err
				}
			}
			first = false
			_, err = w.Write(data)
			return err
		}
		finish = func() error {
			_, err := io.WriteString(w, "\n]\n")
			return err
		}

	case ExportCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(csvHeader); err != nil {
			return err
		}
		emit = func(r *types.AuditRecord) error {
			row, err := csvRow(r)
			if err != nil {
				return err
			}
			return cw.Write(row)
		}
		finish = func() error {
			cw.Flush()
			return cw.Error()
		}

	default:
		return NewValidationError("INVALID_FORMAT",
			fmt.Sprintf("unsupported export format: %s (use json, jsonl, or csv)", format))
	}

	for from := uint64(1); from <= tail.Sequence; from += uint64(pageSize) {
		to := from + uint64(pageSize) - 1
		if to > tail.Sequence {
			to = tail.Sequence
		}
		page, err := store.GetRange(ctx, chainID, from, to)
		if err != nil {
			return fmt.Errorf("reading records %d-%d for export: %w", from, to, err)
		}
		for _, r := range page {
			if err := emit(r); err != nil {
				return err
			}
		}
	}
	return finish()
}

func csvRow(r *types.AuditRecord) ([]string, error) {
	encode := func(m map[string]interface{}) (string, error) {
		if m == nil {
			return "", nil
		}
		data, err := json.Marshal(m)
		return string(data), err
	}

	before, err := encode(r.BeforeState)
	if err != nil {
		return nil, err
	}
	after, err := encode(r.AfterState)
	if err != nil {
		return nil, err
	}
	metadata, err := encode(r.Metadata)
	if err != nil {
		return nil, err
	}

	return []string{
		r.ChainID,
		strconv.FormatUint(r.Sequence, 10),
		r.EventID,
		formatTimestamp(r.Timestamp),
		r.Actor.UserID,
		r.Actor.SessionID,
		r.Actor.SourceIP,
		r.Action,
		r.EntityType,
		r.EntityID,
		before,
		after,
		strings.Join(r.ChangedFields, ";"),
		metadata,
		strconv.Itoa(r.SchemaVersion),
		r.HashAlgorithm,
		r.PreviousHash,
		r.RecordHash,
	}, nil
}
