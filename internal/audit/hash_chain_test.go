package audit

import (
	"bytes"
	"encoding/json"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auditchain/go-core/pkg/types"
)

func sampleRecord() *types.AuditRecord {
	return &types.AuditRecord{
		ChainID:    "orders",
		EventID:    "evt-1",
		Sequence:   1,
		Timestamp:  time.Date(2024, 3, 1, 12, 0, 0, 123456000, time.UTC),
		Actor:      types.Actor{UserID: "alice", SessionID: "sess-1", SourceIP: "10.0.0.1"},
		Action:     "order.update",
		EntityType: "order",
		EntityID:   "o-42",
		BeforeState: map[string]interface{}{
			"status": "pending",
			"total":  json.Number("100"),
		},
		AfterState: map[string]interface{}{
			"status": "shipped",
			"total":  json.Number("100"),
		},
		ChangedFields: []string{"status"},
		Metadata:      map[string]interface{}{"reason": "carrier pickup"},
		SchemaVersion: types.SchemaVersion,
		HashAlgorithm: string(HashSHA256),
		PreviousHash:  types.ZeroHash,
	}
}

func TestComputeRecordHash_Deterministic(t *testing.T) {
	rec := sampleRecord()

	h1, err := ComputeRecordHash(rec, types.ZeroHash)
	require.NoError(t, err)
	h2, err := ComputeRecordHash(rec, types.ZeroHash)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64) // SHA-256 produces 64 hex chars
}

func TestComputeRecordHash_IgnoresStoredRecordHash(t *testing.T) {
	rec := sampleRecord()
	h1, err := ComputeRecordHash(rec, types.ZeroHash)
	require.NoError(t, err)

	rec.RecordHash = "something-else"
	h2, err := ComputeRecordHash(rec, types.ZeroHash)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
}

func TestComputeRecordHash_MapOrderIndependent(t *testing.T) {
	a := sampleRecord()
	b := sampleRecord()
	b.BeforeState = map[string]interface{}{}
	// build in a different insertion order
	b.BeforeState["total"] = json.Number("100")
	b.BeforeState["status"] = "pending"

	ha, err := ComputeRecordHash(a, types.ZeroHash)
	require.NoError(t, err)
	hb, err := ComputeRecordHash(b, types.ZeroHash)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestComputeRecordHash_NumberRepresentations(t *testing.T) {
	a := sampleRecord()
	b := sampleRecord()
	a.Metadata = map[string]interface{}{"n": 100}
	b.Metadata = map[string]interface{}{"n": float64(100)}
	c := sampleRecord()
	c.Metadata = map[string]interface{}{"n": json.Number("100.0")}

	ha, err := ComputeRecordHash(a, types.ZeroHash)
	require.NoError(t, err)
	hb, err := ComputeRecordHash(b, types.ZeroHash)
	require.NoError(t, err)
	hc, err := ComputeRecordHash(c, types.ZeroHash)
	require.NoError(t, err)

	assert.Equal(t, ha, hb)
	assert.Equal(t, ha, hc)
}

func TestComputeRecordHash_EveryFieldCovered(t *testing.T) {
	base, err := ComputeRecordHash(sampleRecord(), types.ZeroHash)
	require.NoError(t, err)

	mutations := map[string]func(r *types.AuditRecord){
		"chain_id":       func(r *types.AuditRecord) { r.ChainID = "invoices" },
		"event_id":       func(r *types.AuditRecord) { r.EventID = "evt-2" },
		"sequence":       func(r *types.AuditRecord) { r.Sequence = 2 },
		"timestamp":      func(r *types.AuditRecord) { r.Timestamp = r.Timestamp.Add(time.Microsecond) },
		"actor":          func(r *types.AuditRecord) { r.Actor.UserID = "mallory" },
		"session":        func(r *types.AuditRecord) { r.Actor.SessionID = "sess-2" },
		"source_ip":      func(r *types.AuditRecord) { r.Actor.SourceIP = "10.0.0.2" },
		"action":         func(r *types.AuditRecord) { r.Action = "order.delete" },
		"entity_type":    func(r *types.AuditRecord) { r.EntityType = "invoice" },
		"entity_id":      func(r *types.AuditRecord) { r.EntityID = "o-43" },
		"before_state":   func(r *types.AuditRecord) { r.BeforeState["status"] = "new" },
		"after_state":    func(r *types.AuditRecord) { r.AfterState["total"] = json.Number("1000") },
		"changed_fields": func(r *types.AuditRecord) { r.ChangedFields = []string{"status", "total"} },
		"metadata":       func(r *types.AuditRecord) { r.Metadata["reason"] = "other" },
		"schema_version": func(r *types.AuditRecord) { r.SchemaVersion = 2 },
		"nil_vs_empty":   func(r *types.AuditRecord) { r.Metadata = map[string]interface{}{} },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			rec := sampleRecord()
			mutate(rec)
			h, err := ComputeRecordHash(rec, types.ZeroHash)
			require.NoError(t, err)
			assert.NotEqual(t, base, h)
		})
	}

	t.Run("previous_hash", func(t *testing.T) {
		h, err := ComputeRecordHash(sampleRecord(), base)
		require.NoError(t, err)
		assert.NotEqual(t, base, h)
	})
}

func TestComputeRecordHash_NilAndEmptyMetadataDiffer(t *testing.T) {
	a := sampleRecord()
	a.Metadata = nil
	b := sampleRecord()
	b.Metadata = map[string]interface{}{}

	ha, err := ComputeRecordHash(a, types.ZeroHash)
	require.NoError(t, err)
	hb, err := ComputeRecordHash(b, types.ZeroHash)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
}

func TestComputeRecordHash_LengthPrefixPreventsShifting(t *testing.T) {
	a := sampleRecord()
	a.EntityType, a.EntityID = "order", "o-42"
	b := sampleRecord()
	b.EntityType, b.EntityID = "ordero", "-42"

	ha, err := ComputeRecordHash(a, types.ZeroHash)
	require.NoError(t, err)
	hb, err := ComputeRecordHash(b, types.ZeroHash)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
}

func TestComputeRecordHash_Algorithms(t *testing.T) {
	seen := make(map[string]bool)
	for _, alg := range []HashAlgorithm{HashSHA256, HashSHA3_256, HashBLAKE2b256} {
		t.Run(string(alg), func(t *testing.T) {
			assert.True(t, alg.Valid())
			rec := sampleRecord()
			rec.HashAlgorithm = string(alg)
			h, err := ComputeRecordHash(rec, types.ZeroHash)
			require.NoError(t, err)
			assert.Len(t, h, 64)
			assert.False(t, seen[h], "algorithms must produce distinct digests")
			seen[h] = true
		})
	}

	rec := sampleRecord()
	rec.HashAlgorithm = "md5"
	_, err := ComputeRecordHash(rec, types.ZeroHash)
	assert.Error(t, err)
	assert.False(t, HashAlgorithm("md5").Valid())
}

func TestComputeRecordHash_RejectsUnencodableValues(t *testing.T) {
	for name, v := range map[string]interface{}{
		"nan":  math.NaN(),
		"inf":  math.Inf(1),
		"func": func() {},
	} {
		t.Run(name, func(t *testing.T) {
			rec := sampleRecord()
			rec.Metadata = map[string]interface{}{"bad": v}
			_, err := ComputeRecordHash(rec, types.ZeroHash)
			assert.Error(t, err)
		})
	}
}

func TestVerifyRecordHash(t *testing.T) {
	rec := sampleRecord()
	h, err := ComputeRecordHash(rec, rec.PreviousHash)
	require.NoError(t, err)
	rec.RecordHash = h

	ok, computed, err := VerifyRecordHash(rec)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, h, computed)

	rec.AfterState["status"] = "cancelled"
	ok, computed, err = VerifyRecordHash(rec)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NotEqual(t, h, computed)
}

func TestComputeRecordHash_SurvivesJSONRoundTrip(t *testing.T) {
	rec := sampleRecord()
	rec.Metadata = map[string]interface{}{
		"ratio":  0.25,
		"count":  int64(7),
		"nested": map[string]interface{}{"list": []interface{}{1, "two", true, nil}},
	}
	normalized, err := normalizeJSONMap(rec.Metadata)
	require.NoError(t, err)
	rec.Metadata = normalized

	h1, err := ComputeRecordHash(rec, types.ZeroHash)
	require.NoError(t, err)

	data, err := json.Marshal(rec)
	require.NoError(t, err)
	back, err := ReadArchive(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, back, 1)

	h2, err := ComputeRecordHash(back[0], types.ZeroHash)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestComputeRecordHash_ConcurrentAccess(t *testing.T) {
	rec := sampleRecord()
	want, err := ComputeRecordHash(rec, types.ZeroHash)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := ComputeRecordHash(rec, types.ZeroHash)
			assert.NoError(t, err)
			assert.Equal(t, want, got)
		}()
	}
	wg.Wait()
}
