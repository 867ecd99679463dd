package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/auditchain/go-core/internal/metrics"
	"github.com/auditchain/go-core/pkg/types"
)

// EngineConfig configures the append engine
type EngineConfig struct {
	// MaxRetries is the number of persistence retries after the first attempt
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// SubscriberBuffer is the per-subscriber channel capacity
	SubscriberBuffer int
}

// DefaultEngineConfig returns the default engine configuration
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxRetries:       3,
		InitialBackoff:   10 * time.Millisecond,
		MaxBackoff:       500 * time.Millisecond,
		SubscriberBuffer: 64,
	}
}

// outcomeCheckTimeout bounds the tail re-read after a failed write
const outcomeCheckTimeout = 5 * time.Second

// AppendResult is the outcome of a successful Append. Duplicate is set when
// the event was already in the chain; Record is then the persisted original.
type AppendResult struct {
	Record    *types.AuditRecord `json:"record"`
	Duplicate bool               `json:"duplicate"`
}

// chainState is the engine's view of one chain. Fields are guarded by
// Engine.mu; tail transitions additionally happen only inside the chain's
// exclusive section.
type chainState struct {
	tail   types.ChainTail
	loaded bool
	halted error
}

// Engine is the single writer path for all chains. Appends to one chain are
// serialized through the ChainLocker; different chains proceed in parallel.
type Engine struct {
	store   Store
	builder *RecordBuilder
	locker  ChainLocker
	metrics metrics.Metrics
	logger  *zap.Logger
	config  EngineConfig

	mu     sync.Mutex
	chains map[string]*chainState

	subMu       sync.RWMutex
	subscribers map[string]map[chan *types.AuditRecord]struct{}
}

// EngineOption configures optional engine dependencies
type EngineOption func(*Engine)

// WithLocker overrides the default process-local locker
func WithLocker(l ChainLocker) EngineOption {
	return func(e *Engine) { e.locker = l }
}

// WithMetrics sets the metrics sink
func WithMetrics(m metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithEngineConfig sets retry and buffering parameters
func WithEngineConfig(cfg EngineConfig) EngineOption {
	return func(e *Engine) { e.config = cfg }
}

// NewEngine creates an append engine over store
func NewEngine(store Store, builder *RecordBuilder, opts ...EngineOption) *Engine {
	e := &Engine{
		store:       store,
		builder:     builder,
		locker:      NewLocalLocker(),
		metrics:     metrics.NewNoOpMetrics(),
		logger:      zap.NewNop(),
		config:      DefaultEngineConfig(),
		chains:      make(map[string]*chainState),
		subscribers: make(map[string]map[chan *types.AuditRecord]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.builder == nil {
		e.builder = NewRecordBuilder(BuilderConfig{})
	}
	if e.config.SubscriberBuffer <= 0 {
		e.config.SubscriberBuffer = DefaultEngineConfig().SubscriberBuffer
	}
	return e
}

// Append validates req, links it to the chain tail and persists it.
//
// On ErrValidation, ErrAppendFailed and ErrChainHalted the chain tail is
// unchanged. ErrOutcomeUnknown means the record may have been persisted;
// resubmitting with the same event_id resolves it.
func (e *Engine) Append(ctx context.Context, chainID string, req AppendRequest) (*AppendResult, error) {
	start := time.Now()

	result, err := e.append(ctx, chainID, req)

	e.metrics.RecordAppend(appendResultLabel(result, err), time.Since(start))
	return result, err
}

func appendResultLabel(result *AppendResult, err error) string {
	switch {
	case err == nil && result.Duplicate:
		return metrics.AppendResultDuplicate
	case err == nil:
		return metrics.AppendResultAppended
	case errors.Is(err, ErrValidation):
		return metrics.AppendResultRejected
	case errors.Is(err, ErrChainHalted):
		return metrics.AppendResultHalted
	default:
		return metrics.AppendResultFailed
	}
}

func (e *Engine) append(ctx context.Context, chainID string, req AppendRequest) (*AppendResult, error) {
	if err := validateChainID(chainID); err != nil {
		return nil, err
	}

	candidate, err := e.builder.Build(req)
	if err != nil {
		return nil, err
	}
	candidate.ChainID = chainID

	lockStart := time.Now()
	release, err := e.locker.Acquire(ctx, chainID)
	if err != nil {
		return nil, newAppendFailed(chainID, "LOCK_TIMEOUT", err)
	}
	defer release()
	e.metrics.RecordLockWait(time.Since(lockStart))

	state := e.state(chainID)
	if cause := e.haltCause(state); cause != nil {
		return nil, newChainHalted(chainID, cause)
	}

	tail, err := e.syncTail(ctx, chainID, state)
	if err != nil {
		return nil, err
	}

	// Idempotency applies to caller-supplied ids; generated ids are fresh
	if req.EventID != "" {
		existing, err := e.store.GetByEventID(ctx, chainID, candidate.EventID)
		switch {
		case err == nil:
			return e.resolveDuplicate(chainID, candidate, existing)
		case !errors.Is(err, ErrNotFound):
			return nil, newAppendFailed(chainID, "STORE_UNAVAILABLE", err)
		}
	}

	for attempt := 0; ; attempt++ {
		rec, err := e.link(candidate, tail)
		if err != nil {
			return nil, newAppendFailed(chainID, "HASH_FAILED", err)
		}

		err = e.store.Insert(ctx, rec)
		if err == nil {
			e.commit(state, rec)
			return &AppendResult{Record: rec}, nil
		}

		switch {
		case errors.Is(err, ErrEventExists):
			existing, getErr := e.store.GetByEventID(ctx, chainID, rec.EventID)
			if getErr != nil {
				e.invalidate(state)
				return nil, newOutcomeUnknown(chainID, "STORE_UNAVAILABLE", getErr)
			}
			if existing.RecordHash == rec.RecordHash {
				// an earlier attempt of this call landed after all
				e.commit(state, existing)
				return &AppendResult{Record: existing}, nil
			}
			return e.resolveDuplicate(chainID, candidate, existing)

		case ctx.Err() != nil:
			// The write may still land. Never retry blindly: unless the tail
			// already shows it, the next append reloads the tail from the store.
			landed, checkErr := e.landed(ctx, chainID, rec)
			if landed {
				e.commit(state, rec)
				return &AppendResult{Record: rec}, nil
			}
			e.invalidate(state)
			if checkErr != nil {
				err = fmt.Errorf("%w; tail re-read failed: %v", err, checkErr)
			}
			return nil, newOutcomeUnknown(chainID, "WRITE_OUTCOME_UNKNOWN", err)
		}

		e.logger.Warn("Audit record persist failed",
			zap.String("chain_id", chainID),
			zap.Uint64("sequence", rec.Sequence),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)

		if attempt >= e.config.MaxRetries {
			return e.giveUp(ctx, chainID, state, rec, "RETRIES_EXHAUSTED", err)
		}

		if !errors.Is(err, ErrSequenceConflict) {
			if sleepErr := e.backoff(ctx, attempt); sleepErr != nil {
				return e.giveUp(ctx, chainID, state, rec, "CANCELLED", err)
			}
		}

		storeTail, tailErr := e.store.GetTail(ctx, chainID)
		if tailErr != nil {
			e.invalidate(state)
			return nil, newOutcomeUnknown(chainID, "STORE_UNAVAILABLE",
				fmt.Errorf("%w; tail re-read failed: %v", err, tailErr))
		}
		if storeTail.Sequence == rec.Sequence && storeTail.Hash == rec.RecordHash {
			e.commit(state, rec)
			return &AppendResult{Record: rec}, nil
		}
		if storeTail.Sequence != tail.Sequence || storeTail.Hash != tail.Hash {
			if tail, err = e.repairTail(ctx, chainID, state, storeTail); err != nil {
				return nil, err
			}
		}
	}
}

// landed reports whether rec is the chain tail in the store. The read runs
// detached from ctx so a cancelled caller still learns the outcome.
func (e *Engine) landed(ctx context.Context, chainID string, rec *types.AuditRecord) (bool, error) {
	checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeCheckTimeout)
	defer cancel()

	storeTail, err := e.store.GetTail(checkCtx, chainID)
	if err != nil {
		return false, err
	}
	return storeTail.Sequence == rec.Sequence && storeTail.Hash == rec.RecordHash, nil
}

// giveUp ends an append whose last write failed with err. A lost reply can
// hide a write that landed, so the store tail decides the outcome.
func (e *Engine) giveUp(ctx context.Context, chainID string, state *chainState, rec *types.AuditRecord, code string, err error) (*AppendResult, error) {
	landed, checkErr := e.landed(ctx, chainID, rec)
	switch {
	case landed:
		e.logger.Warn("Audit record persisted despite write error",
			zap.String("chain_id", chainID),
			zap.Uint64("sequence", rec.Sequence),
			zap.Error(err),
		)
		e.commit(state, rec)
		return &AppendResult{Record: rec}, nil

	case checkErr != nil:
		e.invalidate(state)
		return nil, newOutcomeUnknown(chainID, code, fmt.Errorf("%w; tail re-read failed: %v", err, checkErr))
	}

	e.invalidate(state)
	return nil, newAppendFailed(chainID, code, err)
}

// link assigns chain position and hash to a copy of candidate
func (e *Engine) link(candidate *types.AuditRecord, tail types.ChainTail) (*types.AuditRecord, error) {
	rec := *candidate
	rec.Sequence = tail.Sequence + 1
	rec.PreviousHash = tail.Hash

	hash, err := ComputeRecordHash(&rec, rec.PreviousHash)
	if err != nil {
		return nil, err
	}
	rec.RecordHash = hash
	return &rec, nil
}

// resolveDuplicate decides whether a resubmitted event_id is the same event
func (e *Engine) resolveDuplicate(chainID string, candidate, existing *types.AuditRecord) (*AppendResult, error) {
	want, err := canonicalPayload(candidate)
	if err != nil {
		return nil, newAppendFailed(chainID, "HASH_FAILED", err)
	}
	got, err := canonicalPayload(existing)
	if err != nil {
		return nil, newAppendFailed(chainID, "HASH_FAILED", err)
	}

	if !bytes.Equal(want, got) {
		return nil, &Error{
			Kind:    ErrValidation,
			Code:    "EVENT_ID_CONFLICT",
			Message: fmt.Sprintf("event_id %q already recorded with a different payload", candidate.EventID),
			ChainID: chainID,
			Err:     ErrDuplicateEvent,
		}
	}

	e.logger.Debug("Duplicate audit event",
		zap.String("chain_id", chainID),
		zap.String("event_id", existing.EventID),
		zap.Uint64("sequence", existing.Sequence),
	)
	return &AppendResult{Record: existing, Duplicate: true}, nil
}

// syncTail returns the tail to link the next record to. The cached tail is
// compared with the store on every call; a mismatch is a tail divergence and
// is repaired from the store. With several writers on one store that is the
// normal case, so it is logged at debug level.
func (e *Engine) syncTail(ctx context.Context, chainID string, state *chainState) (types.ChainTail, error) {
	storeTail, err := e.store.GetTail(ctx, chainID)
	if err != nil {
		return types.ChainTail{}, newAppendFailed(chainID, "STORE_UNAVAILABLE", err)
	}

	e.mu.Lock()
	cached, loaded := state.tail, state.loaded
	e.mu.Unlock()

	if loaded && cached.Sequence == storeTail.Sequence && cached.Hash == storeTail.Hash {
		return cached, nil
	}

	if loaded {
		e.logger.Debug("Chain tail divergence detected",
			zap.String("chain_id", chainID),
			zap.Uint64("cached_sequence", cached.Sequence),
			zap.String("cached_hash", cached.Hash),
			zap.Uint64("store_sequence", storeTail.Sequence),
			zap.String("store_hash", storeTail.Hash),
		)
	}
	return e.repairTail(ctx, chainID, state, storeTail)
}

// repairTail adopts storeTail after recomputing the hash of the record it
// names. If that record does not verify the chain is halted.
func (e *Engine) repairTail(ctx context.Context, chainID string, state *chainState, storeTail types.ChainTail) (types.ChainTail, error) {
	e.mu.Lock()
	wasLoaded := state.loaded
	e.mu.Unlock()

	tail, err := e.loadVerifiedTail(ctx, chainID, storeTail)
	if err != nil {
		if errors.Is(err, ErrTailDivergence) {
			e.halt(chainID, state, err)
			return types.ChainTail{}, newChainHalted(chainID, err)
		}
		return types.ChainTail{}, newAppendFailed(chainID, "STORE_UNAVAILABLE", err)
	}

	e.mu.Lock()
	state.tail = tail
	state.loaded = true
	e.mu.Unlock()

	if wasLoaded {
		e.metrics.RecordTailRepair()
		e.logger.Debug("Chain tail repaired from store",
			zap.String("chain_id", chainID),
			zap.Uint64("sequence", tail.Sequence),
		)
	}
	return tail, nil
}

func (e *Engine) loadVerifiedTail(ctx context.Context, chainID string, storeTail types.ChainTail) (types.ChainTail, error) {
	if storeTail.Sequence == 0 {
		return types.EmptyTail(chainID), nil
	}

	records, err := e.store.GetRange(ctx, chainID, storeTail.Sequence, storeTail.Sequence)
	if err != nil {
		return types.ChainTail{}, err
	}
	if len(records) != 1 {
		return types.ChainTail{}, newTailDivergence(chainID,
			fmt.Sprintf("tail record %d is not readable", storeTail.Sequence), nil)
	}

	last := records[0]
	ok, computed, err := VerifyRecordHash(last)
	if err != nil {
		return types.ChainTail{}, newTailDivergence(chainID,
			fmt.Sprintf("tail record %d cannot be hashed", last.Sequence), err)
	}
	if !ok {
		return types.ChainTail{}, newTailDivergence(chainID,
			fmt.Sprintf("tail record %d hash mismatch: stored %s, computed %s", last.Sequence, last.RecordHash, computed), nil)
	}

	return types.ChainTail{ChainID: chainID, Sequence: last.Sequence, Hash: last.RecordHash}, nil
}

func (e *Engine) commit(state *chainState, rec *types.AuditRecord) {
	e.mu.Lock()
	state.tail = types.ChainTail{ChainID: rec.ChainID, Sequence: rec.Sequence, Hash: rec.RecordHash}
	state.loaded = true
	e.mu.Unlock()

	e.logger.Debug("Audit record appended",
		zap.String("chain_id", rec.ChainID),
		zap.Uint64("sequence", rec.Sequence),
		zap.String("event_id", rec.EventID),
	)
	e.publish(rec)
}

func (e *Engine) invalidate(state *chainState) {
	e.mu.Lock()
	state.loaded = false
	e.mu.Unlock()
}

func (e *Engine) halt(chainID string, state *chainState, cause error) {
	e.mu.Lock()
	state.halted = cause
	state.loaded = false
	halted := e.haltedCountLocked()
	e.mu.Unlock()

	e.metrics.SetChainsHalted(halted)
	e.logger.Error("Chain halted: tail cannot be verified",
		zap.String("chain_id", chainID),
		zap.Error(cause),
	)
}

func (e *Engine) backoff(ctx context.Context, attempt int) error {
	d := e.config.InitialBackoff << uint(attempt)
	if d <= 0 || (e.config.MaxBackoff > 0 && d > e.config.MaxBackoff) {
		d = e.config.MaxBackoff
	}
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Engine) state(chainID string) *chainState {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.chains[chainID]
	if !ok {
		s = &chainState{}
		e.chains[chainID] = s
	}
	return s
}

func (e *Engine) haltCause(state *chainState) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return state.halted
}

func (e *Engine) haltedCountLocked() int {
	n := 0
	for _, s := range e.chains {
		if s.halted != nil {
			n++
		}
	}
	return n
}

// ResumeChain clears a halt after an operator has dealt with the cause. The
// store tail must verify; otherwise the chain stays halted.
func (e *Engine) ResumeChain(ctx context.Context, chainID string) (types.ChainTail, error) {
	if err := validateChainID(chainID); err != nil {
		return types.ChainTail{}, err
	}

	release, err := e.locker.Acquire(ctx, chainID)
	if err != nil {
		return types.ChainTail{}, newAppendFailed(chainID, "LOCK_TIMEOUT", err)
	}
	defer release()

	state := e.state(chainID)

	storeTail, err := e.store.GetTail(ctx, chainID)
	if err != nil {
		return types.ChainTail{}, newAppendFailed(chainID, "STORE_UNAVAILABLE", err)
	}
	tail, err := e.loadVerifiedTail(ctx, chainID, storeTail)
	if err != nil {
		return types.ChainTail{}, err
	}

	e.mu.Lock()
	wasHalted := state.halted != nil
	state.halted = nil
	state.tail = tail
	state.loaded = true
	halted := e.haltedCountLocked()
	e.mu.Unlock()

	e.metrics.SetChainsHalted(halted)
	if wasHalted {
		e.logger.Info("Chain resumed",
			zap.String("chain_id", chainID),
			zap.Uint64("sequence", tail.Sequence),
		)
	}
	return tail, nil
}

// HaltedChains returns the ids of halted chains, sorted
func (e *Engine) HaltedChains() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var ids []string
	for id, s := range e.chains {
		if s.halted != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Tail returns the authoritative tail from the store
func (e *Engine) Tail(ctx context.Context, chainID string) (types.ChainTail, error) {
	return e.store.GetTail(ctx, chainID)
}

// Subscribe delivers records appended to chainID from now on. A subscriber
// that falls behind misses records; the sequence numbers reveal the gap and
// the reader can backfill with GetRange. The cancel func closes the channel.
func (e *Engine) Subscribe(chainID string) (<-chan *types.AuditRecord, func()) {
	ch := make(chan *types.AuditRecord, e.config.SubscriberBuffer)

	e.subMu.Lock()
	if e.subscribers[chainID] == nil {
		e.subscribers[chainID] = make(map[chan *types.AuditRecord]struct{})
	}
	e.subscribers[chainID][ch] = struct{}{}
	e.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.subMu.Lock()
			delete(e.subscribers[chainID], ch)
			if len(e.subscribers[chainID]) == 0 {
				delete(e.subscribers, chainID)
			}
			e.subMu.Unlock()
			close(ch)
		})
	}
}

func (e *Engine) publish(rec *types.AuditRecord) {
	e.subMu.RLock()
	defer e.subMu.RUnlock()

	for ch := range e.subscribers[rec.ChainID] {
		cp := *rec
		select {
		case ch <- &cp:
		default:
			e.logger.Debug("Dropping record for slow subscriber",
				zap.String("chain_id", rec.ChainID),
				zap.Uint64("sequence", rec.Sequence),
			)
		}
	}
}

func validateChainID(chainID string) error {
	if chainID == "" {
		return NewValidationError("MISSING_CHAIN_ID", "chain_id is required")
	}
	if len(chainID) > maxIdentifierLen {
		return newValidationErrorf("CHAIN_ID_TOO_LONG", "chain_id exceeds %d characters", maxIdentifierLen)
	}
	return nil
}
