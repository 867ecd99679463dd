package audit

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/auditchain/go-core/pkg/types"
)

func TestClassifyPostgresError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "sequence taken",
			err:  &pq.Error{Code: "23505", Constraint: pgSequenceConstraint},
			want: ErrSequenceConflict,
		},
		{
			name: "event id taken",
			err:  &pq.Error{Code: "23505", Constraint: pgEventConstraint},
			want: ErrEventExists,
		},
		{
			name: "wrapped",
			err:  fmt.Errorf("exec: %w", &pq.Error{Code: "23505", Constraint: pgEventConstraint}),
			want: ErrEventExists,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyPostgresError(tt.err))
		})
	}

	// anything else is passed through, wrapped
	cause := &pq.Error{Code: "57P01", Message: "terminating connection"}
	err := classifyPostgresError(cause)
	assert.True(t, errors.Is(err, cause))
	assert.False(t, errors.Is(err, ErrSequenceConflict))
}

func TestBuildRecordQuery_Postgres(t *testing.T) {
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	query, args := buildRecordQuery(postgresDialect, &types.RecordQuery{
		ChainID:    "orders",
		EntityType: "order",
		ActorID:    "alice",
		Since:      &since,
		Limit:      10,
		Offset:     20,
		Descending: true,
	})

	assert.Contains(t, query, "WHERE chain_id = $1 AND entity_type = $2 AND actor_user_id = $3 AND timestamp >= $4")
	assert.True(t, strings.HasSuffix(query, "ORDER BY chain_id, sequence DESC LIMIT $5 OFFSET $6"), query)
	assert.Equal(t, []interface{}{"orders", "order", "alice", since, 10, 20}, args)
}

func TestBuildRecordQuery_OffsetWithoutLimit(t *testing.T) {
	query, args := buildRecordQuery(postgresDialect, &types.RecordQuery{Offset: 5})
	assert.NotContains(t, query, "WHERE")
	assert.True(t, strings.HasSuffix(query, "ORDER BY chain_id, sequence ASC LIMIT ALL OFFSET $1"), query)
	assert.Equal(t, []interface{}{5}, args)

	query, _ = buildRecordQuery(sqliteDialect, &types.RecordQuery{Offset: 5})
	assert.True(t, strings.HasSuffix(query, "LIMIT -1 OFFSET ?"), query)
}

func TestClampSequence(t *testing.T) {
	assert.Equal(t, int64(42), clampSequence(42))
	assert.Equal(t, int64(1<<63-1), clampSequence(^uint64(0)))
}
