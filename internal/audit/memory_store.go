package audit

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/auditchain/go-core/pkg/types"
)

// MemoryStore is an in-process Store and PartitionLedger for tests and
// development. Records are deep-copied on the way in and out.
type MemoryStore struct {
	mu       sync.RWMutex
	chains   map[string][]*types.AuditRecord
	events   map[string]map[string]uint64 // chain -> event_id -> sequence
	archived map[string][]*types.PartitionManifest
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chains:   make(map[string][]*types.AuditRecord),
		events:   make(map[string]map[string]uint64),
		archived: make(map[string][]*types.PartitionManifest),
	}
}

// Insert appends a record
func (s *MemoryStore) Insert(ctx context.Context, rec *types.AuditRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cp, err := cloneRecord(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[rec.ChainID][rec.EventID]; ok {
		return ErrEventExists
	}
	records := s.chains[rec.ChainID]
	idx := searchSequence(records, rec.Sequence)
	if idx < len(records) && records[idx].Sequence == rec.Sequence {
		return ErrSequenceConflict
	}

	// keep the slice ordered by sequence
	records = append(records, nil)
	copy(records[idx+1:], records[idx:])
	records[idx] = cp
	s.chains[rec.ChainID] = records

	if s.events[rec.ChainID] == nil {
		s.events[rec.ChainID] = make(map[string]uint64)
	}
	s.events[rec.ChainID][rec.EventID] = rec.Sequence
	return nil
}

// searchSequence returns the index of the first record with sequence >= seq
func searchSequence(records []*types.AuditRecord, seq uint64) int {
	return sort.Search(len(records), func(i int) bool {
		return records[i].Sequence >= seq
	})
}

// GetRange returns records in [from, to] ordered by sequence
func (s *MemoryStore) GetRange(ctx context.Context, chainID string, from, to uint64) ([]*types.AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.chains[chainID]
	var out []*types.AuditRecord
	for _, r := range records[searchSequence(records, from):] {
		if r.Sequence > to {
			break
		}
		cp, err := cloneRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// GetTail returns the highest-sequence record's position
func (s *MemoryStore) GetTail(ctx context.Context, chainID string) (types.ChainTail, error) {
	if err := ctx.Err(); err != nil {
		return types.ChainTail{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.chains[chainID]
	if len(records) == 0 {
		return types.EmptyTail(chainID), nil
	}
	last := records[len(records)-1]
	return types.ChainTail{ChainID: chainID, Sequence: last.Sequence, Hash: last.RecordHash}, nil
}

// GetByEventID looks up a record by event id
func (s *MemoryStore) GetByEventID(ctx context.Context, chainID, eventID string) (*types.AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	seq, ok := s.events[chainID][eventID]
	if !ok {
		return nil, newNotFound("event " + eventID)
	}
	records := s.chains[chainID]
	i := searchSequence(records, seq)
	if i == len(records) || records[i].Sequence != seq {
		return nil, newNotFound("event " + eventID)
	}
	return cloneRecord(records[i])
}

// Query filters records by secondary attributes
func (s *MemoryStore) Query(ctx context.Context, q *types.RecordQuery) ([]*types.AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var chainIDs []string
	if q.ChainID != "" {
		chainIDs = []string{q.ChainID}
	} else {
		for id := range s.chains {
			chainIDs = append(chainIDs, id)
		}
		sort.Strings(chainIDs)
	}

	var matched []*types.AuditRecord
	for _, id := range chainIDs {
		for _, r := range s.chains[id] {
			if matchesQuery(r, q) {
				matched = append(matched, r)
			}
		}
	}

	if q.Descending {
		sort.SliceStable(matched, func(i, j int) bool {
			if matched[i].ChainID != matched[j].ChainID {
				return matched[i].ChainID < matched[j].ChainID
			}
			return matched[i].Sequence > matched[j].Sequence
		})
	}

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	out := make([]*types.AuditRecord, 0, len(matched))
	for _, r := range matched {
		cp, err := cloneRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func matchesQuery(r *types.AuditRecord, q *types.RecordQuery) bool {
	if q.EntityType != "" && r.EntityType != q.EntityType {
		return false
	}
	if q.EntityID != "" && r.EntityID != q.EntityID {
		return false
	}
	if q.ActorID != "" && r.Actor.UserID != q.ActorID {
		return false
	}
	if q.Action != "" && r.Action != q.Action {
		return false
	}
	if q.Since != nil && r.Timestamp.Before(*q.Since) {
		return false
	}
	if q.Until != nil && !r.Timestamp.Before(*q.Until) {
		return false
	}
	return true
}

// ListChains returns all chain ids, sorted
func (s *MemoryStore) ListChains(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.chains))
	for id, records := range s.chains {
		if len(records) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// TimeSpan returns the earliest and latest record timestamps of a chain
func (s *MemoryStore) TimeSpan(ctx context.Context, chainID string) (time.Time, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, time.Time{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.chains[chainID]
	if len(records) == 0 {
		return time.Time{}, time.Time{}, newNotFound("chain " + chainID)
	}
	first, last := records[0].Timestamp, records[0].Timestamp
	for _, r := range records[1:] {
		if r.Timestamp.Before(first) {
			first = r.Timestamp
		}
		if r.Timestamp.After(last) {
			last = r.Timestamp
		}
	}
	return first, last, nil
}

// MarkArchived records an archived partition
func (s *MemoryStore) MarkArchived(ctx context.Context, m *types.PartitionManifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.archived[m.ChainID] {
		if existing.PartitionID == m.PartitionID {
			return nil
		}
	}
	cp := *m
	s.archived[m.ChainID] = append(s.archived[m.ChainID], &cp)
	sort.Slice(s.archived[m.ChainID], func(i, j int) bool {
		return s.archived[m.ChainID][i].Start.Before(s.archived[m.ChainID][j].Start)
	})
	return nil
}

// ArchivedPartitions lists archived partitions for a chain
func (s *MemoryStore) ArchivedPartitions(ctx context.Context, chainID string) ([]*types.PartitionManifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.PartitionManifest, 0, len(s.archived[chainID]))
	for _, m := range s.archived[chainID] {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}

// cloneRecord deep-copies a record through JSON so callers never share
// snapshot maps with the store
func cloneRecord(rec *types.AuditRecord) (*types.AuditRecord, error) {
	cp := *rec
	var err error
	if cp.BeforeState, err = cloneMap(rec.BeforeState); err != nil {
		return nil, err
	}
	if cp.AfterState, err = cloneMap(rec.AfterState); err != nil {
		return nil, err
	}
	if cp.Metadata, err = cloneMap(rec.Metadata); err != nil {
		return nil, err
	}
	if rec.ChangedFields != nil {
		cp.ChangedFields = append([]string{}, rec.ChangedFields...)
	}
	return &cp, nil
}

func cloneMap(m map[string]interface{}) (map[string]interface{}, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return decodeJSONMap(data)
}
