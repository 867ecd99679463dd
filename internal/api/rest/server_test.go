package rest

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/auditchain/go-core/internal/audit"
	"github.com/auditchain/go-core/internal/ratelimit"
	"github.com/auditchain/go-core/pkg/types"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testEnv struct {
	server *Server
	engine *audit.Engine
	store  *audit.MemoryStore
}

type envOption func(*Deps)

func withAuth(t *testing.T) envOption {
	return func(d *Deps) {
		a, err := NewAuthenticator(AuthConfig{Secret: []byte(testSecret)}, zap.NewNop())
		require.NoError(t, err)
		d.Auth = a
	}
}

func withPartitions(t *testing.T) envOption {
	return func(d *Deps) {
		store := d.Store.(*audit.MemoryStore)
		archiver, err := audit.NewFileArchiver(t.TempDir())
		require.NoError(t, err)
		retention, err := audit.ParseRetentionPeriod("1y")
		require.NoError(t, err)
		pm, err := audit.NewPartitionManager(store, store, archiver, audit.PartitionConfig{
			Granularity: audit.GranularityYear,
			Retention:   retention,
		}, nil, zap.NewNop())
		require.NoError(t, err)
		d.Partitions = pm
	}
}

func withLimiter(rps float64, burst int) envOption {
	return func(d *Deps) {
		d.Limiter = ratelimit.NewLocalLimiter(ratelimit.Config{Enabled: true, RPS: rps, Burst: burst})
	}
}

func newTestEnv(t *testing.T, clock func() time.Time, opts ...envOption) *testEnv {
	t.Helper()
	store := audit.NewMemoryStore()
	builder := audit.NewRecordBuilder(audit.BuilderConfig{Clock: clock})
	engine := audit.NewEngine(store, builder)

	deps := Deps{
		Engine:   engine,
		Store:    store,
		Verifier: audit.NewVerifier(store, audit.WithPageSize(2)),
	}
	for _, opt := range opts {
		opt(&deps)
	}

	cfg := DefaultConfig()
	cfg.PageSize = 3
	srv, err := New(cfg, deps, zap.NewNop())
	require.NoError(t, err)

	return &testEnv{server: srv, engine: engine, store: store}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) seed(t *testing.T, chainID string, n int) []*types.AuditRecord {
	t.Helper()
	var out []*types.AuditRecord
	for i := 0; i < n; i++ {
		res, err := e.engine.Append(context.Background(), chainID, audit.AppendRequest{
			Actor:      types.Actor{UserID: "alice"},
			Action:     "update",
			EntityType: "order",
			EntityID:   "o-1",
			AfterState: map[string]interface{}{"n": i},
		})
		require.NoError(t, err)
		out = append(out, res.Record)
	}
	return out
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func appendBody(eventID string) map[string]interface{} {
	return map[string]interface{}{
		"event_id":    eventID,
		"actor":       map[string]interface{}{"user_id": "alice"},
		"action":      "update",
		"entity_type": "order",
		"entity_id":   "o-1",
		"before_state": map[string]interface{}{
			"status": "open",
		},
		"after_state": map[string]interface{}{
			"status": "shipped",
			"total":  12.5,
		},
	}
}

func TestAppend(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "POST", "/v1/chains/orders/eu/records", appendBody("evt-1"), "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "/v1/chains/orders/eu/records/evt-1", rec.Header().Get("Location"))

	var resp AppendResponse
	decode(t, rec, &resp)
	assert.False(t, resp.Duplicate)
	assert.Equal(t, "orders/eu", resp.Record.ChainID)
	assert.Equal(t, uint64(1), resp.Record.Sequence)
	assert.Equal(t, types.ZeroHash, resp.Record.PreviousHash)
	assert.Equal(t, []string{"status", "total"}, resp.Record.ChangedFields)
	assert.Equal(t, "192.0.2.1", resp.Record.Actor.SourceIP)

	t.Run("duplicate returns the stored record", func(t *testing.T) {
		rec := env.do(t, "POST", "/v1/chains/orders/eu/records", appendBody("evt-1"), "")
		require.Equal(t, http.StatusOK, rec.Code)

		var dup AppendResponse
		decode(t, rec, &dup)
		assert.True(t, dup.Duplicate)
		assert.Equal(t, resp.Record.RecordHash, dup.Record.RecordHash)
	})

	t.Run("retry from another address is a duplicate", func(t *testing.T) {
		body, err := json.Marshal(appendBody("evt-1"))
		require.NoError(t, err)
		req := httptest.NewRequest("POST", "/v1/chains/orders/eu/records", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "198.51.100.7:4000"
		rec := httptest.NewRecorder()
		env.server.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var dup AppendResponse
		decode(t, rec, &dup)
		assert.True(t, dup.Duplicate)
		assert.Equal(t, "192.0.2.1", dup.Record.Actor.SourceIP)
	})

	t.Run("conflicting duplicate", func(t *testing.T) {
		body := appendBody("evt-1")
		body["action"] = "delete"
		rec := env.do(t, "POST", "/v1/chains/orders/eu/records", body, "")
		require.Equal(t, http.StatusBadRequest, rec.Code)

		var errResp ErrorResponse
		decode(t, rec, &errResp)
		assert.Equal(t, "EVENT_ID_CONFLICT", errResp.Code)
	})

	t.Run("second record links to the first", func(t *testing.T) {
		rec := env.do(t, "POST", "/v1/chains/orders/eu/records", appendBody("evt-2"), "")
		require.Equal(t, http.StatusCreated, rec.Code)

		var next AppendResponse
		decode(t, rec, &next)
		assert.Equal(t, uint64(2), next.Record.Sequence)
		assert.Equal(t, resp.Record.RecordHash, next.Record.PreviousHash)
	})
}

func TestAppend_Rejections(t *testing.T) {
	env := newTestEnv(t, nil)

	shared := appendBody("")
	shared["actor"] = map[string]interface{}{"user_id": "anonymous"}

	unknown := appendBody("")
	unknown["sequence"] = 7

	tests := []struct {
		name   string
		body   interface{}
		status int
		code   string
	}{
		{"malformed json", `{"actor":`, http.StatusBadRequest, "INVALID_JSON"},
		{"unknown field", unknown, http.StatusBadRequest, "INVALID_JSON"},
		{"missing actor", map[string]interface{}{"action": "x", "entity_type": "a", "entity_id": "b"}, http.StatusBadRequest, "MISSING_ACTOR"},
		{"shared actor", shared, http.StatusBadRequest, "SHARED_ACTOR"},
		{"too large", `{"action":"` + strings.Repeat("a", 2<<20) + `"}`, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, "POST", "/v1/chains/orders/records", tt.body, "")
			require.Equal(t, tt.status, rec.Code, rec.Body.String())

			var errResp ErrorResponse
			decode(t, rec, &errResp)
			assert.Equal(t, tt.code, errResp.Code)
		})
	}

	tail, err := env.engine.Tail(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), tail.Sequence)
}

func TestAppend_RateLimited(t *testing.T) {
	env := newTestEnv(t, nil, withLimiter(0.001, 1))

	rec := env.do(t, "POST", "/v1/chains/orders/records", appendBody("evt-1"), "")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = env.do(t, "POST", "/v1/chains/orders/records", appendBody("evt-2"), "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var errResp ErrorResponse
	decode(t, rec, &errResp)
	assert.Equal(t, "RATE_LIMITED", errResp.Code)

	// reads are not limited
	rec = env.do(t, "GET", "/v1/chains/orders/tail", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRangeAndGet(t *testing.T) {
	env := newTestEnv(t, nil)
	seeded := env.seed(t, "orders", 5)

	t.Run("range is capped at the page size", func(t *testing.T) {
		rec := env.do(t, "GET", "/v1/chains/orders/records", nil, "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp RecordsResponse
		decode(t, rec, &resp)
		require.Equal(t, 3, resp.Count)
		assert.Equal(t, uint64(1), resp.Records[0].Sequence)
		assert.Equal(t, uint64(3), resp.Records[2].Sequence)
	})

	t.Run("explicit range", func(t *testing.T) {
		rec := env.do(t, "GET", "/v1/chains/orders/records?from=4&to=9", nil, "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp RecordsResponse
		decode(t, rec, &resp)
		require.Equal(t, 2, resp.Count)
		assert.Equal(t, uint64(4), resp.Records[0].Sequence)
	})

	t.Run("empty chain", func(t *testing.T) {
		rec := env.do(t, "GET", "/v1/chains/nothing/records", nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"records":[]`)
	})

	t.Run("inverted range", func(t *testing.T) {
		rec := env.do(t, "GET", "/v1/chains/orders/records?from=4&to=2", nil, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad parameter", func(t *testing.T) {
		rec := env.do(t, "GET", "/v1/chains/orders/records?from=abc", nil, "")
		require.Equal(t, http.StatusBadRequest, rec.Code)

		var errResp ErrorResponse
		decode(t, rec, &errResp)
		assert.Equal(t, "INVALID_PARAMETER", errResp.Code)
	})

	t.Run("get by event id", func(t *testing.T) {
		rec := env.do(t, "GET", "/v1/chains/orders/records/"+seeded[1].EventID, nil, "")
		require.Equal(t, http.StatusOK, rec.Code)

		var got types.AuditRecord
		decode(t, rec, &got)
		assert.Equal(t, seeded[1].RecordHash, got.RecordHash)
	})

	t.Run("unknown event id", func(t *testing.T) {
		rec := env.do(t, "GET", "/v1/chains/orders/records/missing", nil, "")
		require.Equal(t, http.StatusNotFound, rec.Code)

		var errResp ErrorResponse
		decode(t, rec, &errResp)
		assert.Equal(t, "NOT_FOUND", errResp.Code)
	})

	t.Run("tail", func(t *testing.T) {
		rec := env.do(t, "GET", "/v1/chains/orders/tail", nil, "")
		require.Equal(t, http.StatusOK, rec.Code)

		var tail types.ChainTail
		decode(t, rec, &tail)
		assert.Equal(t, uint64(5), tail.Sequence)
		assert.Equal(t, seeded[4].RecordHash, tail.Hash)
	})
}

func TestVerify(t *testing.T) {
	env := newTestEnv(t, nil)
	seeded := env.seed(t, "orders", 4)

	rec := env.do(t, "POST", "/v1/chains/orders/verify", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp VerifyResponse
	decode(t, rec, &resp)
	assert.True(t, resp.Valid)
	assert.Equal(t, 4, resp.Report.CheckedCount)

	// a record inserted behind the engine's back with a forged hash
	forged := *seeded[3]
	forged.EventID = "forged"
	forged.Sequence = 5
	forged.PreviousHash = seeded[3].RecordHash
	forged.RecordHash = strings.Repeat("ab", 32)
	require.NoError(t, env.store.Insert(context.Background(), &forged))

	rec = env.do(t, "POST", "/v1/chains/orders/verify", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &resp)
	assert.False(t, resp.Valid)
	require.NotEmpty(t, resp.Report.BrokenLinks)
	assert.Equal(t, uint64(5), resp.Report.BrokenLinks[0].Sequence)
	assert.Equal(t, types.BrokenLinkHashMismatch, resp.Report.BrokenLinks[0].Kind)

	t.Run("range before the forgery is clean", func(t *testing.T) {
		rec := env.do(t, "POST", "/v1/chains/orders/verify?from=2&to=4", nil, "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp VerifyResponse
		decode(t, rec, &resp)
		assert.True(t, resp.Valid)
		assert.Equal(t, 3, resp.Report.CheckedCount)
	})
}

func TestQueryRecords(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "orders", 2)
	env.seed(t, "billing", 1)

	rec := env.do(t, "GET", "/v1/records?entity_type=order&order=desc", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp RecordsResponse
	decode(t, rec, &resp)
	assert.Equal(t, 3, resp.Count)

	rec = env.do(t, "GET", "/v1/records?chain=orders&order=desc", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &resp)
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, uint64(2), resp.Records[0].Sequence)

	rec = env.do(t, "GET", "/v1/records?actor=bob", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &resp)
	assert.Equal(t, 0, resp.Count)

	rec = env.do(t, "GET", "/v1/records?since=yesterday", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "GET", "/v1/records?limit=-1", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExport(t *testing.T) {
	env := newTestEnv(t, nil)
	seeded := env.seed(t, "orders/eu", 4)

	t.Run("jsonl by default", func(t *testing.T) {
		rec := env.do(t, "GET", "/v1/chains/orders/eu/export", nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
		assert.Equal(t, `attachment; filename="orders_eu.jsonl"`, rec.Header().Get("Content-Disposition"))

		records, err := audit.ReadArchive(rec.Body)
		require.NoError(t, err)
		require.Len(t, records, 4)
		assert.True(t, audit.VerifyRecords(records, nil).Valid())
	})

	t.Run("json", func(t *testing.T) {
		rec := env.do(t, "GET", "/v1/chains/orders/eu/export?format=json", nil, "")
		require.Equal(t, http.StatusOK, rec.Code)

		var records []*types.AuditRecord
		decode(t, rec, &records)
		require.Len(t, records, 4)
		assert.Equal(t, seeded[3].RecordHash, records[3].RecordHash)
	})

	t.Run("csv", func(t *testing.T) {
		rec := env.do(t, "GET", "/v1/chains/orders/eu/export?format=csv", nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))

		rows, err := csv.NewReader(rec.Body).ReadAll()
		require.NoError(t, err)
		assert.Len(t, rows, 5)
	})

	t.Run("unsupported format", func(t *testing.T) {
		rec := env.do(t, "GET", "/v1/chains/orders/eu/export?format=xml", nil, "")
		require.Equal(t, http.StatusBadRequest, rec.Code)

		var errResp ErrorResponse
		decode(t, rec, &errResp)
		assert.Equal(t, "INVALID_FORMAT", errResp.Code)
	})
}

func TestPartitions(t *testing.T) {
	recorded := time.Date(2019, 6, 1, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(t, func() time.Time { return recorded }, withPartitions(t))
	env.seed(t, "orders", 3)

	rec := env.do(t, "GET", "/v1/chains/orders/partitions/eligible?now=2020-12-31T00:00:00Z", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var eligible PartitionsResponse
	decode(t, rec, &eligible)
	assert.Empty(t, eligible.Partitions)

	// the 2019 partition ends 2020-01-01 and is retained for one year
	rec = env.do(t, "GET", "/v1/chains/orders/partitions/eligible?now=2021-01-01T00:00:00Z", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &eligible)
	require.Len(t, eligible.Partitions, 1)
	assert.Equal(t, types.PartitionID("2019"), eligible.Partitions[0].ID)

	rec = env.do(t, "POST", "/v1/chains/orders/partitions/archive?now=2021-01-01T00:00:00Z", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var archived ArchiveResponse
	decode(t, rec, &archived)
	assert.Equal(t, []types.PartitionID{"2019"}, archived.Archived)

	// archiving copies; the records stay in the chain
	tail, err := env.engine.Tail(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), tail.Sequence)

	rec = env.do(t, "GET", "/v1/chains/orders/partitions/eligible?now=2021-01-01T00:00:00Z", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &eligible)
	assert.Empty(t, eligible.Partitions)

	t.Run("retention not configured", func(t *testing.T) {
		env := newTestEnv(t, nil)
		rec := env.do(t, "GET", "/v1/chains/orders/partitions/eligible", nil, "")
		assert.Equal(t, http.StatusNotImplemented, rec.Code)
	})
}

func TestResume(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "orders", 2)

	rec := env.do(t, "POST", "/v1/chains/orders/resume", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var tail types.ChainTail
	decode(t, rec, &tail)
	assert.Equal(t, uint64(2), tail.Sequence)
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t, nil, withAuth(t))
	issue := func(subject string, roles ...string) string {
		token, err := env.server.auth.Issue(subject, roles, time.Minute)
		require.NoError(t, err)
		return token
	}

	t.Run("missing token", func(t *testing.T) {
		rec := env.do(t, "GET", "/v1/chains/orders/tail", nil, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
	})

	t.Run("bad signature", func(t *testing.T) {
		other, err := NewAuthenticator(AuthConfig{Secret: []byte(strings.Repeat("x", 32))}, nil)
		require.NoError(t, err)
		token, err := other.Issue("alice", nil, time.Minute)
		require.NoError(t, err)

		rec := env.do(t, "GET", "/v1/chains/orders/tail", nil, token)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("expired token", func(t *testing.T) {
		rec := env.do(t, "GET", "/v1/chains/orders/tail", nil, func() string {
			token, err := env.server.auth.Issue("alice", nil, -time.Minute)
			require.NoError(t, err)
			return token
		}())
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("actor comes from the subject", func(t *testing.T) {
		body := appendBody("evt-auth")
		delete(body, "actor")
		rec := env.do(t, "POST", "/v1/chains/orders/records", body, issue("carol"))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var resp AppendResponse
		decode(t, rec, &resp)
		assert.Equal(t, "carol", resp.Record.Actor.UserID)
	})

	t.Run("actor mismatch", func(t *testing.T) {
		rec := env.do(t, "POST", "/v1/chains/orders/records", appendBody("evt-2"), issue("carol"))
		require.Equal(t, http.StatusForbidden, rec.Code)

		var errResp ErrorResponse
		decode(t, rec, &errResp)
		assert.Equal(t, "ACTOR_MISMATCH", errResp.Code)
	})

	t.Run("resume needs the operator role", func(t *testing.T) {
		rec := env.do(t, "POST", "/v1/chains/orders/resume", nil, issue("carol"))
		assert.Equal(t, http.StatusForbidden, rec.Code)

		rec = env.do(t, "POST", "/v1/chains/orders/resume", nil, issue("dana", RoleOperator))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("health needs no token", func(t *testing.T) {
		rec := env.do(t, "GET", "/health", nil, "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestNewAuthenticator_ShortSecret(t *testing.T) {
	_, err := NewAuthenticator(AuthConfig{Secret: []byte("short")}, nil)
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "GET", "/health", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	decode(t, rec, &resp)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "ok", resp.Checks["store"])
	assert.Empty(t, resp.HaltedChains)
}

func TestNew_RequiresComponents(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{}, nil)
	assert.Error(t, err)
}

func TestWriteAuditError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		retryAfter string
	}{
		{"validation", audit.NewValidationError("MISSING_ACTION", "action is required"), http.StatusBadRequest, ""},
		{"integrity", &audit.IntegrityError{ChainID: "orders", BrokenLinks: 1, FirstBroken: 3}, http.StatusConflict, ""},
		{"append failed", &audit.Error{Kind: audit.ErrAppendFailed, Code: "STORE_UNAVAILABLE"}, http.StatusServiceUnavailable, "1"},
		{"outcome unknown", &audit.Error{Kind: audit.ErrOutcomeUnknown, Code: "WRITE_OUTCOME_UNKNOWN"}, http.StatusServiceUnavailable, ""},
		{"halted", &audit.Error{Kind: audit.ErrChainHalted, Code: "CHAIN_HALTED"}, http.StatusLocked, ""},
		{"deadline", context.DeadlineExceeded, http.StatusServiceUnavailable, "1"},
		{"other", assert.AnError, http.StatusInternalServerError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteAuditError(rec, tt.err)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.retryAfter, rec.Header().Get("Retry-After"))
		})
	}
}

func TestFollow(t *testing.T) {
	env := newTestEnv(t, nil)
	seeded := env.seed(t, "orders/eu", 2)

	ts := httptest.NewServer(env.server)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/chains/orders/eu/follow?from=1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() *types.AuditRecord {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var rec types.AuditRecord
		require.NoError(t, conn.ReadJSON(&rec))
		return &rec
	}

	// replayed from the store
	assert.Equal(t, seeded[0].RecordHash, read().RecordHash)
	assert.Equal(t, seeded[1].RecordHash, read().RecordHash)

	// then live
	live := env.seed(t, "orders/eu", 2)
	assert.Equal(t, live[0].RecordHash, read().RecordHash)
	got := read()
	assert.Equal(t, uint64(4), got.Sequence)
	assert.Equal(t, live[1].RecordHash, got.RecordHash)
}
