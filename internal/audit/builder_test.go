package audit

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auditchain/go-core/pkg/types"
)

var fixedNow = time.Date(2024, 5, 17, 9, 30, 0, 123456789, time.UTC)

func newTestBuilder() *RecordBuilder {
	return NewRecordBuilder(BuilderConfig{
		Clock: func() time.Time { return fixedNow },
	})
}

func validRequest() AppendRequest {
	return AppendRequest{
		Actor:      types.Actor{UserID: "alice", SessionID: "sess-1", SourceIP: "10.0.0.1"},
		Action:     "patient.update",
		EntityType: "patient",
		EntityID:   "p-1",
		BeforeState: map[string]interface{}{
			"name":  "Jane",
			"ward":  "A",
			"notes": "none",
		},
		AfterState: map[string]interface{}{
			"name": "Jane",
			"ward": "B",
			"bed":  12,
		},
	}
}

type rejectKey string

func (k rejectKey) Check(m map[string]interface{}) error {
	if _, ok := m[string(k)]; ok {
		return errors.New("prohibited key " + string(k))
	}
	return nil
}

func TestRecordBuilder_Build(t *testing.T) {
	rec, err := newTestBuilder().Build(validRequest())
	require.NoError(t, err)

	assert.NotEmpty(t, rec.EventID)
	assert.Equal(t, fixedNow.Truncate(time.Microsecond), rec.Timestamp)
	assert.Equal(t, "alice", rec.Actor.UserID)
	assert.Equal(t, types.SchemaVersion, rec.SchemaVersion)
	assert.Equal(t, string(HashSHA256), rec.HashAlgorithm)
	assert.Equal(t, []string{"bed", "notes", "ward"}, rec.ChangedFields)

	// chain position is assigned by the engine
	assert.Zero(t, rec.Sequence)
	assert.Empty(t, rec.PreviousHash)
	assert.Empty(t, rec.RecordHash)

	// numbers are normalized into the JSON data model
	assert.Equal(t, json.Number("12"), rec.AfterState["bed"])
}

func TestRecordBuilder_KeepsCallerEventID(t *testing.T) {
	req := validRequest()
	req.EventID = "evt-123"
	rec, err := newTestBuilder().Build(req)
	require.NoError(t, err)
	assert.Equal(t, "evt-123", rec.EventID)
}

func TestRecordBuilder_GeneratesDistinctEventIDs(t *testing.T) {
	b := newTestBuilder()
	r1, err := b.Build(validRequest())
	require.NoError(t, err)
	r2, err := b.Build(validRequest())
	require.NoError(t, err)
	assert.NotEqual(t, r1.EventID, r2.EventID)
}

func TestRecordBuilder_BothSnapshotsAbsent(t *testing.T) {
	req := validRequest()
	req.BeforeState = nil
	req.AfterState = nil

	rec, err := newTestBuilder().Build(req)
	require.NoError(t, err)
	assert.Nil(t, rec.BeforeState)
	assert.Nil(t, rec.AfterState)
	assert.Equal(t, []string{}, rec.ChangedFields)
}

func TestRecordBuilder_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *AppendRequest)
		code   string
	}{
		{"missing actor", func(r *AppendRequest) { r.Actor.UserID = "" }, "MISSING_ACTOR"},
		{"blank actor", func(r *AppendRequest) { r.Actor.UserID = "   " }, "MISSING_ACTOR"},
		{"anonymous actor", func(r *AppendRequest) { r.Actor.UserID = "anonymous" }, "SHARED_ACTOR"},
		{"shared actor any case", func(r *AppendRequest) { r.Actor.UserID = "SYSTEM" }, "SHARED_ACTOR"},
		{"wildcard actor", func(r *AppendRequest) { r.Actor.UserID = "*" }, "SHARED_ACTOR"},
		{"long actor", func(r *AppendRequest) { r.Actor.UserID = strings.Repeat("a", 256) }, "ACTOR_TOO_LONG"},
		{"missing action", func(r *AppendRequest) { r.Action = "" }, "MISSING_ACTION"},
		{"long action", func(r *AppendRequest) { r.Action = strings.Repeat("x", 129) }, "ACTION_TOO_LONG"},
		{"missing entity type", func(r *AppendRequest) { r.EntityType = "" }, "MISSING_ENTITY_TYPE"},
		{"missing entity id", func(r *AppendRequest) { r.EntityID = "" }, "MISSING_ENTITY_ID"},
		{"long event id", func(r *AppendRequest) { r.EventID = strings.Repeat("e", 256) }, "EVENT_ID_TOO_LONG"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)

			_, err := newTestBuilder().Build(req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))

			var auditErr *Error
			require.True(t, errors.As(err, &auditErr))
			assert.Equal(t, tt.code, auditErr.Code)
		})
	}
}

func TestRecordBuilder_CustomProhibitedActors(t *testing.T) {
	b := NewRecordBuilder(BuilderConfig{ProhibitedActors: []string{"svc-batch"}})

	req := validRequest()
	req.Actor.UserID = "svc-batch"
	_, err := b.Build(req)
	assert.True(t, errors.Is(err, ErrValidation))

	// defaults are replaced, not extended
	req.Actor.UserID = "system"
	_, err = b.Build(req)
	assert.NoError(t, err)
}

func TestRecordBuilder_MetadataPolicy(t *testing.T) {
	b := NewRecordBuilder(BuilderConfig{
		Clock:  func() time.Time { return fixedNow },
		Policy: rejectKey("password"),
	})

	req := validRequest()
	req.Metadata = map[string]interface{}{"password": "hunter2"}
	_, err := b.Build(req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))

	var auditErr *Error
	require.True(t, errors.As(err, &auditErr))
	assert.Equal(t, "PROHIBITED_METADATA", auditErr.Code)

	req.Metadata = map[string]interface{}{"ticket": "CHG-1"}
	_, err = b.Build(req)
	assert.NoError(t, err)
}

func TestRecordBuilder_RejectsUnencodableState(t *testing.T) {
	req := validRequest()
	req.AfterState = map[string]interface{}{"callback": func() {}}
	_, err := newTestBuilder().Build(req)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestChangedFields(t *testing.T) {
	tests := []struct {
		name   string
		before map[string]interface{}
		after  map[string]interface{}
		want   []string
	}{
		{"both nil", nil, nil, []string{}},
		{"created", nil, map[string]interface{}{"a": 1, "b": 2}, []string{"a", "b"}},
		{"deleted", map[string]interface{}{"a": 1}, nil, []string{"a"}},
		{"unchanged", map[string]interface{}{"a": 1}, map[string]interface{}{"a": 1}, []string{}},
		{"int and float equal", map[string]interface{}{"a": 1}, map[string]interface{}{"a": 1.0}, []string{}},
		{"nested change", map[string]interface{}{"a": map[string]interface{}{"x": 1}}, map[string]interface{}{"a": map[string]interface{}{"x": 2}}, []string{"a"}},
		{"null vs missing", map[string]interface{}{"a": nil}, map[string]interface{}{}, []string{"a"}},
		{"sorted output", map[string]interface{}{"z": 1, "m": 1}, map[string]interface{}{"z": 2, "m": 2, "a": 0}, []string{"a", "m", "z"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ChangedFields(tt.before, tt.after)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
