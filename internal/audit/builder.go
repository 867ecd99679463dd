package audit

import (
	"bytes"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/auditchain/go-core/pkg/types"
)

// Field limits enforced by the builder; they match the column widths in the
// SQL schemas.
const (
	maxIdentifierLen = 255
	maxActionLen     = 128
)

// AppendRequest carries the caller-supplied fields of an audit entry
type AppendRequest struct {
	EventID     string                 `json:"event_id,omitempty"`
	Actor       types.Actor            `json:"actor"`
	Action      string                 `json:"action"`
	EntityType  string                 `json:"entity_type"`
	EntityID    string                 `json:"entity_id"`
	BeforeState map[string]interface{} `json:"before_state,omitempty"`
	AfterState  map[string]interface{} `json:"after_state,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// MetadataPolicy rejects metadata carrying prohibited sensitive content.
// A non-nil error describes every violation found.
type MetadataPolicy interface {
	Check(metadata map[string]interface{}) error
}

// BuilderConfig configures a RecordBuilder
type BuilderConfig struct {
	HashAlgorithm HashAlgorithm
	// ProhibitedActors are shared or anonymous identities that may never appear as actor
	ProhibitedActors []string
	Policy           MetadataPolicy
	Clock            func() time.Time
	NewEventID       func() string
}

// DefaultProhibitedActors lists identities that never identify a single principal
var DefaultProhibitedActors = []string{"anonymous", "anon", "guest", "shared", "system", "root", "*", "-"}

// RecordBuilder turns an AppendRequest into a candidate record. Everything
// except sequence, previous_hash and record_hash is populated.
type RecordBuilder struct {
	alg        HashAlgorithm
	prohibited map[string]struct{}
	policy     MetadataPolicy
	clock      func() time.Time
	newEventID func() string
}

// NewRecordBuilder creates a record builder
func NewRecordBuilder(cfg BuilderConfig) *RecordBuilder {
	alg := cfg.HashAlgorithm
	if alg == "" {
		alg = DefaultHashAlgorithm
	}

	actors := cfg.ProhibitedActors
	if actors == nil {
		actors = DefaultProhibitedActors
	}
	prohibited := make(map[string]struct{}, len(actors))
	for _, a := range actors {
		prohibited[strings.ToLower(strings.TrimSpace(a))] = struct{}{}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	newID := cfg.NewEventID
	if newID == nil {
		newID = generateEventID
	}

	return &RecordBuilder{
		alg:        alg,
		prohibited: prohibited,
		policy:     cfg.Policy,
		clock:      clock,
		newEventID: newID,
	}
}

// Build validates req and returns a candidate record
func (b *RecordBuilder) Build(req AppendRequest) (*types.AuditRecord, error) {
	if err := b.validate(req); err != nil {
		return nil, err
	}

	if b.policy != nil && len(req.Metadata) > 0 {
		if err := b.policy.Check(req.Metadata); err != nil {
			return nil, &Error{
				Kind:    ErrValidation,
				Code:    "PROHIBITED_METADATA",
				Message: "metadata contains prohibited sensitive content",
				Err:     err,
			}
		}
	}

	before, err := normalizeJSONMap(req.BeforeState)
	if err != nil {
		return nil, newValidationErrorf("INVALID_BEFORE_STATE", "before_state is not JSON-representable: %v", err)
	}
	after, err := normalizeJSONMap(req.AfterState)
	if err != nil {
		return nil, newValidationErrorf("INVALID_AFTER_STATE", "after_state is not JSON-representable: %v", err)
	}
	metadata, err := normalizeJSONMap(req.Metadata)
	if err != nil {
		return nil, newValidationErrorf("INVALID_METADATA", "metadata is not JSON-representable: %v", err)
	}

	changed, err := ChangedFields(before, after)
	if err != nil {
		return nil, newValidationErrorf("INVALID_STATE", "cannot diff snapshots: %v", err)
	}

	eventID := strings.TrimSpace(req.EventID)
	if eventID == "" {
		eventID = b.newEventID()
	}

	return &types.AuditRecord{
		EventID: eventID,
		// Postgres stores microseconds; truncate so the hashed value survives a round trip
		Timestamp: b.clock().UTC().Truncate(time.Microsecond),
		Actor: types.Actor{
			UserID:    strings.TrimSpace(req.Actor.UserID),
			SessionID: strings.TrimSpace(req.Actor.SessionID),
			SourceIP:  strings.TrimSpace(req.Actor.SourceIP),
		},
		Action:        req.Action,
		EntityType:    req.EntityType,
		EntityID:      req.EntityID,
		BeforeState:   before,
		AfterState:    after,
		ChangedFields: changed,
		Metadata:      metadata,
		SchemaVersion: types.SchemaVersion,
		HashAlgorithm: string(b.alg),
	}, nil
}

func (b *RecordBuilder) validate(req AppendRequest) error {
	actor := strings.TrimSpace(req.Actor.UserID)
	if actor == "" {
		return NewValidationError("MISSING_ACTOR", "actor.user_id is required")
	}
	if _, bad := b.prohibited[strings.ToLower(actor)]; bad {
		return newValidationErrorf("SHARED_ACTOR", "actor %q is a shared or anonymous identity", actor)
	}
	if len(actor) > maxIdentifierLen {
		return newValidationErrorf("ACTOR_TOO_LONG", "actor.user_id exceeds %d characters", maxIdentifierLen)
	}
	if strings.TrimSpace(req.Action) == "" {
		return NewValidationError("MISSING_ACTION", "action is required")
	}
	if len(req.Action) > maxActionLen {
		return newValidationErrorf("ACTION_TOO_LONG", "action exceeds %d characters", maxActionLen)
	}
	if strings.TrimSpace(req.EntityType) == "" {
		return NewValidationError("MISSING_ENTITY_TYPE", "entity_type is required")
	}
	if strings.TrimSpace(req.EntityID) == "" {
		return NewValidationError("MISSING_ENTITY_ID", "entity_id is required")
	}
	if len(req.EntityType) > maxIdentifierLen || len(req.EntityID) > maxIdentifierLen {
		return newValidationErrorf("ENTITY_TOO_LONG", "entity_type and entity_id are limited to %d characters", maxIdentifierLen)
	}
	if len(req.EventID) > maxIdentifierLen {
		return newValidationErrorf("EVENT_ID_TOO_LONG", "event_id exceeds %d characters", maxIdentifierLen)
	}
	return nil
}

// ChangedFields returns the sorted names of keys present in either snapshot
// whose values differ. A key present in only one snapshot is changed.
func ChangedFields(before, after map[string]interface{}) ([]string, error) {
	changed := []string{}
	seen := make(map[string]struct{}, len(before)+len(after))

	for k, bv := range before {
		seen[k] = struct{}{}
		av, ok := after[k]
		if !ok {
			changed = append(changed, k)
			continue
		}
		same, err := sameValue(bv, av)
		if err != nil {
			return nil, err
		}
		if !same {
			changed = append(changed, k)
		}
	}
	for k := range after {
		if _, ok := seen[k]; !ok {
			changed = append(changed, k)
		}
	}

	sort.Strings(changed)
	return changed, nil
}

func sameValue(a, b interface{}) (bool, error) {
	ea, err := canonicalValue(a)
	if err != nil {
		return false, err
	}
	eb, err := canonicalValue(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ea, eb), nil
}

func generateEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
