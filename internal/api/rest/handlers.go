package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/auditchain/go-core/internal/audit"
	"github.com/auditchain/go-core/pkg/types"
)

const defaultQueryLimit = 100

func chainParam(r *http.Request) string {
	return mux.Vars(r)["chain"]
}

func badParam(w http.ResponseWriter, name string, err error) {
	WriteError(w, http.StatusBadRequest, "INVALID_PARAMETER",
		fmt.Sprintf("invalid %s: %v", name, err), map[string]interface{}{"parameter": name})
}

// optionalUint reads a uint query parameter; ok is false after an error
// response has been written
func optionalUint(w http.ResponseWriter, r *http.Request, name string) (*uint64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, true
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		badParam(w, name, err)
		return nil, false
	}
	return &v, true
}

func optionalTime(w http.ResponseWriter, r *http.Request, name string) (*time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		badParam(w, name, err)
		return nil, false
	}
	t = t.UTC()
	return &t, true
}

func optionalInt(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		if err == nil {
			err = errors.New("must not be negative")
		}
		badParam(w, name, err)
		return 0, false
	}
	return v, true
}

// appendHandler handles POST /v1/chains/{chain}/records
func (s *Server) appendHandler(w http.ResponseWriter, r *http.Request) {
	chainID := chainParam(r)

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	dec.DisallowUnknownFields()

	var req audit.AppendRequest
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", err.Error(), nil)
			return
		}
		WriteError(w, http.StatusBadRequest, "INVALID_JSON", fmt.Sprintf("invalid request body: %v", err), nil)
		return
	}

	if claims, ok := GetClaims(r.Context()); ok {
		if req.Actor.UserID != "" && req.Actor.UserID != claims.Subject {
			WriteError(w, http.StatusForbidden, "ACTOR_MISMATCH",
				"actor.user_id must match the authenticated subject", nil)
			return
		}
		req.Actor.UserID = claims.Subject
		if req.Actor.SessionID == "" {
			req.Actor.SessionID = claims.SessionID
		}
	}
	if req.Actor.SourceIP == "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			req.Actor.SourceIP = host
		}
	}

	result, err := s.engine.Append(r.Context(), chainID, req)
	if err != nil {
		if !errors.Is(err, audit.ErrValidation) {
			s.logger.Warn("Append failed",
				zap.String("chain_id", chainID),
				zap.Error(err),
			)
		}
		WriteAuditError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/chains/%s/records/%s", chainID, result.Record.EventID))
	WriteJSON(w, status, AppendResponse{Record: result.Record, Duplicate: result.Duplicate})
}

// rangeHandler handles GET /v1/chains/{chain}/records?from=&to=
func (s *Server) rangeHandler(w http.ResponseWriter, r *http.Request) {
	chainID := chainParam(r)

	from, ok := optionalUint(w, r, "from")
	if !ok {
		return
	}
	to, ok := optionalUint(w, r, "to")
	if !ok {
		return
	}

	first := uint64(1)
	if from != nil && *from > 0 {
		first = *from
	}
	last := first + uint64(s.config.PageSize) - 1
	if to != nil {
		if *to < first {
			WriteError(w, http.StatusBadRequest, "INVALID_RANGE",
				fmt.Sprintf("from %d is after to %d", first, *to), nil)
			return
		}
		if *to < last {
			last = *to
		}
	}

	records, err := s.store.GetRange(r.Context(), chainID, first, last)
	if err != nil {
		WriteAuditError(w, err)
		return
	}
	if records == nil {
		records = []*types.AuditRecord{}
	}

	WriteJSON(w, http.StatusOK, RecordsResponse{ChainID: chainID, Records: records, Count: len(records)})
}

// getRecordHandler handles GET /v1/chains/{chain}/records/{event_id}
func (s *Server) getRecordHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetByEventID(r.Context(), chainParam(r), mux.Vars(r)["event_id"])
	if err != nil {
		WriteAuditError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}

// tailHandler handles GET /v1/chains/{chain}/tail
func (s *Server) tailHandler(w http.ResponseWriter, r *http.Request) {
	tail, err := s.engine.Tail(r.Context(), chainParam(r))
	if err != nil {
		WriteAuditError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, tail)
}

// verifyHandler handles POST /v1/chains/{chain}/verify?from=&to=. Integrity
// findings are a successful verification: the report says valid=false.
func (s *Server) verifyHandler(w http.ResponseWriter, r *http.Request) {
	chainID := chainParam(r)

	from, ok := optionalUint(w, r, "from")
	if !ok {
		return
	}
	to, ok := optionalUint(w, r, "to")
	if !ok {
		return
	}

	report, err := s.verifier.Verify(r.Context(), chainID, from, to)
	if err != nil {
		WriteAuditError(w, err)
		return
	}

	if !report.Valid() {
		s.logger.Error("Chain integrity violation reported",
			zap.String("chain_id", chainID),
			zap.Int("broken_links", len(report.BrokenLinks)),
			zap.Uint64("first_broken_sequence", report.BrokenLinks[0].Sequence),
		)
	}
	WriteJSON(w, http.StatusOK, VerifyResponse{Valid: report.Valid(), Report: report})
}

// queryRecordsHandler handles GET /v1/records. Results come from secondary
// indexes and are not an integrity statement; verify the chain for that.
func (s *Server) queryRecordsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	since, ok := optionalTime(w, r, "since")
	if !ok {
		return
	}
	until, ok := optionalTime(w, r, "until")
	if !ok {
		return
	}
	limit, ok := optionalInt(w, r, "limit", defaultQueryLimit)
	if !ok {
		return
	}
	offset, ok := optionalInt(w, r, "offset", 0)
	if !ok {
		return
	}
	if limit == 0 || limit > s.config.PageSize {
		limit = s.config.PageSize
	}

	query := &types.RecordQuery{
		ChainID:    q.Get("chain"),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		ActorID:    q.Get("actor"),
		Action:     q.Get("action"),
		Since:      since,
		Until:      until,
		Limit:      limit,
		Offset:     offset,
		Descending: q.Get("order") == "desc",
	}

	records, err := s.store.Query(r.Context(), query)
	if err != nil {
		WriteAuditError(w, err)
		return
	}
	if records == nil {
		records = []*types.AuditRecord{}
	}
	WriteJSON(w, http.StatusOK, RecordsResponse{Records: records, Count: len(records)})
}

func (s *Server) asOf(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	now, ok := optionalTime(w, r, "now")
	if !ok {
		return time.Time{}, false
	}
	if now == nil {
		return s.clock().UTC(), true
	}
	return *now, true
}

// eligiblePartitionsHandler handles GET /v1/chains/{chain}/partitions/eligible?now=
func (s *Server) eligiblePartitionsHandler(w http.ResponseWriter, r *http.Request) {
	if s.partitions == nil {
		WriteError(w, http.StatusNotImplemented, "RETENTION_DISABLED", "retention is not configured", nil)
		return
	}
	now, ok := s.asOf(w, r)
	if !ok {
		return
	}

	chainID := chainParam(r)
	partitions, err := s.partitions.EligiblePartitions(r.Context(), chainID, now)
	if err != nil {
		WriteAuditError(w, err)
		return
	}
	if partitions == nil {
		partitions = []types.Partition{}
	}
	WriteJSON(w, http.StatusOK, PartitionsResponse{ChainID: chainID, AsOf: now, Partitions: partitions})
}

// archivePartitionsHandler handles POST /v1/chains/{chain}/partitions/archive?now=
func (s *Server) archivePartitionsHandler(w http.ResponseWriter, r *http.Request) {
	if s.partitions == nil {
		WriteError(w, http.StatusNotImplemented, "RETENTION_DISABLED", "retention is not configured", nil)
		return
	}
	now, ok := s.asOf(w, r)
	if !ok {
		return
	}

	chainID := chainParam(r)
	archived, err := s.partitions.ArchiveEligiblePartitions(r.Context(), chainID, now)
	if err != nil {
		s.logger.Error("Partition archival stopped",
			zap.String("chain_id", chainID),
			zap.Int("archived", len(archived)),
			zap.Error(err),
		)
		WriteAuditError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, ArchiveResponse{ChainID: chainID, AsOf: now, Archived: archived})
}

// resumeHandler handles POST /v1/chains/{chain}/resume
func (s *Server) resumeHandler(w http.ResponseWriter, r *http.Request) {
	chainID := chainParam(r)

	tail, err := s.engine.ResumeChain(r.Context(), chainID)
	if err != nil {
		WriteAuditError(w, err)
		return
	}

	fields := []zap.Field{zap.String("chain_id", chainID), zap.Uint64("sequence", tail.Sequence)}
	if claims, ok := GetClaims(r.Context()); ok {
		fields = append(fields, zap.String("operator", claims.Subject))
	}
	s.logger.Warn("Chain resume requested", fields...)

	WriteJSON(w, http.StatusOK, tail)
}

var exportContentTypes = map[string]string{
	audit.ExportJSONL: "application/x-ndjson",
	audit.ExportJSON:  "application/json",
	audit.ExportCSV:   "text/csv",
}

// exportHandler handles GET /v1/chains/{chain}/export?format=
func (s *Server) exportHandler(w http.ResponseWriter, r *http.Request) {
	chainID := chainParam(r)

	format := r.URL.Query().Get("format")
	if format == "" {
		format = audit.ExportJSONL
	}
	contentType, ok := exportContentTypes[format]
	if !ok {
		WriteError(w, http.StatusBadRequest, "INVALID_FORMAT",
			fmt.Sprintf("unsupported export format: %s (use json, jsonl, or csv)", format), nil)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("%s.%s", sanitizeFilename(chainID), format)))

	if err := audit.Export(r.Context(), s.store, chainID, w, format, s.config.PageSize); err != nil {
		// headers are gone; the truncated body is all the client gets
		s.logger.Error("Export failed",
			zap.String("chain_id", chainID),
			zap.String("format", format),
			zap.Error(err),
		)
	}
}

func sanitizeFilename(s string) string {
	out := []byte(s)
	for i, c := range out {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
