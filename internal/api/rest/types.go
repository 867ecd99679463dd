// Package rest provides REST API types and request/response structures
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/auditchain/go-core/internal/audit"
	"github.com/auditchain/go-core/internal/policy"
	"github.com/auditchain/go-core/pkg/types"
)

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
	Code    string                 `json:"code,omitempty"`
}

// AppendResponse is returned by the append endpoint
type AppendResponse struct {
	Record    *types.AuditRecord `json:"record"`
	Duplicate bool               `json:"duplicate"`
}

// RecordsResponse lists records
type RecordsResponse struct {
	ChainID string               `json:"chain_id,omitempty"`
	Records []*types.AuditRecord `json:"records"`
	Count   int                  `json:"count"`
}

// VerifyResponse wraps a verification report
type VerifyResponse struct {
	Valid  bool                      `json:"valid"`
	Report *types.VerificationReport `json:"report"`
}

// PartitionsResponse lists partitions eligible for archival
type PartitionsResponse struct {
	ChainID    string            `json:"chain_id"`
	AsOf       time.Time         `json:"as_of"`
	Partitions []types.Partition `json:"partitions"`
}

// ArchiveResponse lists partitions archived by a request
type ArchiveResponse struct {
	ChainID  string              `json:"chain_id"`
	AsOf     time.Time           `json:"as_of"`
	Archived []types.PartitionID `json:"archived"`
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status       string                 `json:"status"`
	Version      string                 `json:"version,omitempty"`
	Uptime       string                 `json:"uptime,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	HaltedChains []string               `json:"halted_chains,omitempty"`
	Checks       map[string]interface{} `json:"checks,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		return json.NewEncoder(w).Encode(data)
	}
	return nil
}

// WriteError writes a JSON error response
func WriteError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	WriteJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Details: details,
		Code:    code,
	})
}

// WriteAuditError maps an audit error onto a status code:
//
//	ValidationError            400
//	not found                  404
//	chain halted               423
//	integrity violation        409
//	AppendFailed / divergence  503 with Retry-After
//	outcome unknown            503, resubmit with the same event_id
//	anything else              500
func WriteAuditError(w http.ResponseWriter, err error) {
	var auditErr *audit.Error
	code := ""
	var details map[string]interface{}
	if errors.As(err, &auditErr) {
		code = auditErr.Code
		if auditErr.ChainID != "" {
			details = map[string]interface{}{"chain_id": auditErr.ChainID}
		}
	}

	var violations *policy.ViolationError
	if errors.As(err, &violations) {
		if details == nil {
			details = map[string]interface{}{}
		}
		details["violations"] = violations.Violations
	}

	switch {
	case errors.Is(err, audit.ErrValidation):
		WriteError(w, http.StatusBadRequest, code, err.Error(), details)
	case errors.Is(err, audit.ErrNotFound):
		WriteError(w, http.StatusNotFound, code, err.Error(), details)
	case errors.Is(err, audit.ErrChainHalted):
		WriteError(w, http.StatusLocked, code, err.Error(), details)
	case errors.Is(err, audit.ErrChainIntegrity):
		WriteError(w, http.StatusConflict, "INTEGRITY_VIOLATION", err.Error(), details)
	case errors.Is(err, audit.ErrOutcomeUnknown):
		WriteError(w, http.StatusServiceUnavailable, code, err.Error(), details)
	case errors.Is(err, audit.ErrAppendFailed), errors.Is(err, audit.ErrTailDivergence),
		errors.Is(err, context.DeadlineExceeded):
		w.Header().Set("Retry-After", "1")
		WriteError(w, http.StatusServiceUnavailable, code, err.Error(), details)
	default:
		WriteError(w, http.StatusInternalServerError, code, err.Error(), details)
	}
}
