package audit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/auditchain/go-core/internal/metrics"
	"github.com/auditchain/go-core/pkg/types"
)

// DefaultVerifyPageSize is the number of records read per store round trip
const DefaultVerifyPageSize = 500

// Verifier replays chains and reports every broken link. It never writes.
type Verifier struct {
	store    Store
	pageSize int
	metrics  metrics.Metrics
	logger   *zap.Logger
}

// VerifierOption configures a Verifier
type VerifierOption func(*Verifier)

// WithPageSize sets the read page size
func WithPageSize(n int) VerifierOption {
	return func(v *Verifier) {
		if n > 0 {
			v.pageSize = n
		}
	}
}

// WithVerifierMetrics sets the metrics sink
func WithVerifierMetrics(m metrics.Metrics) VerifierOption {
	return func(v *Verifier) { v.metrics = m }
}

// WithVerifierLogger sets the logger
func WithVerifierLogger(l *zap.Logger) VerifierOption {
	return func(v *Verifier) { v.logger = l }
}

// NewVerifier creates a chain verifier
func NewVerifier(store Store, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		store:    store,
		pageSize: DefaultVerifyPageSize,
		metrics:  metrics.NewNoOpMetrics(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify replays records from..to of a chain. A nil from starts at the
// genesis record. The range never extends past the tail observed when the
// run starts, so records appended during the run are not part of it.
//
// The returned error is only for failures to read the chain. Integrity
// findings are in the report; ReportError converts them into an error.
func (v *Verifier) Verify(ctx context.Context, chainID string, from, to *uint64) (*types.VerificationReport, error) {
	start := time.Now()

	report, err := v.verify(ctx, chainID, from, to)
	switch {
	case err != nil:
		v.metrics.RecordVerifyRun(metrics.VerifyResultError, time.Since(start))
	case report.Valid():
		v.metrics.RecordVerifyRun(metrics.VerifyResultValid, time.Since(start))
	default:
		v.metrics.RecordVerifyRun(metrics.VerifyResultBroken, time.Since(start))
	}
	return report, err
}

func (v *Verifier) verify(ctx context.Context, chainID string, from, to *uint64) (*types.VerificationReport, error) {
	if err := validateChainID(chainID); err != nil {
		return nil, err
	}

	first := uint64(1)
	if from != nil && *from > 1 {
		first = *from
	}

	tail, err := v.store.GetTail(ctx, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain tail: %w", err)
	}
	last := tail.Sequence
	if to != nil && *to < last {
		last = *to
	}

	if from != nil && to != nil && *from > *to {
		return nil, newValidationErrorf("INVALID_RANGE", "from %d is after to %d", *from, *to)
	}

	report := &types.VerificationReport{
		ChainID:      chainID,
		FromSequence: first,
		ToSequence:   last,
		BrokenLinks:  []types.BrokenLink{},
		StartedAt:    time.Now().UTC(),
	}

	if last < first {
		report.CompletedAt = time.Now().UTC()
		return report, nil
	}

	w := newChainWalker(chainID, first)
	if first > 1 {
		anchor, err := v.store.GetRange(ctx, chainID, first-1, first-1)
		if err != nil {
			return nil, fmt.Errorf("failed to read anchor record: %w", err)
		}
		if len(anchor) == 1 {
			w.anchor(anchor[0])
		} else {
			w.missingAnchor()
		}
	}

	for cursor := first; cursor <= last; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pageEnd := cursor + uint64(v.pageSize) - 1
		if pageEnd > last || pageEnd < cursor {
			pageEnd = last
		}

		page, err := v.store.GetRange(ctx, chainID, cursor, pageEnd)
		if err != nil {
			return nil, fmt.Errorf("failed to read records %d-%d: %w", cursor, pageEnd, err)
		}
		for _, rec := range page {
			w.observe(rec)
		}

		if pageEnd == last {
			break
		}
		cursor = pageEnd + 1
	}
	w.finish(last)

	report.CheckedCount = w.checked
	report.BrokenLinks = w.broken
	report.CompletedAt = time.Now().UTC()

	for _, link := range report.BrokenLinks {
		v.metrics.RecordBrokenLink(string(link.Kind))
		v.logger.Error("Audit chain broken link",
			zap.String("chain_id", chainID),
			zap.Uint64("sequence", link.Sequence),
			zap.String("event_id", link.EventID),
			zap.String("kind", string(link.Kind)),
			zap.String("expected", link.Expected),
			zap.String("actual", link.Actual),
			zap.String("detail", link.Detail),
		)
	}
	if report.Valid() {
		v.logger.Debug("Audit chain verified",
			zap.String("chain_id", chainID),
			zap.Uint64("from", first),
			zap.Uint64("to", last),
			zap.Int("checked", report.CheckedCount),
		)
	}

	return report, nil
}

// VerifyRecords checks an in-memory, sequence-ordered slice of one chain,
// e.g. a partition read back from archive storage. anchor is the record
// preceding records[0], or nil when records[0] is the genesis record or the
// predecessor is unavailable.
func VerifyRecords(records []*types.AuditRecord, anchor *types.AuditRecord) *types.VerificationReport {
	report := &types.VerificationReport{
		BrokenLinks: []types.BrokenLink{},
		StartedAt:   time.Now().UTC(),
	}
	if len(records) == 0 {
		report.CompletedAt = time.Now().UTC()
		return report
	}

	first := records[0].Sequence
	last := records[len(records)-1].Sequence
	report.ChainID = records[0].ChainID
	report.FromSequence = first
	report.ToSequence = last

	w := newChainWalker(report.ChainID, first)
	switch {
	case anchor != nil:
		w.anchor(anchor)
	case first > 1:
		w.missingAnchor()
	}
	for _, rec := range records {
		w.observe(rec)
	}
	w.finish(last)

	report.CheckedCount = w.checked
	report.BrokenLinks = w.broken
	report.CompletedAt = time.Now().UTC()
	return report
}

// ReportError returns an *IntegrityError if the report has broken links
func ReportError(r *types.VerificationReport) error {
	if r == nil || r.Valid() {
		return nil
	}
	return &IntegrityError{
		ChainID:     r.ChainID,
		BrokenLinks: len(r.BrokenLinks),
		FirstBroken: r.BrokenLinks[0].Sequence,
	}
}

// chainWalker checks records one at a time in sequence order. Linkage is
// checked against the recomputed hash of the prior record, so tampering with
// one record also flags its successor.
type chainWalker struct {
	chainID  string
	prevSeq  uint64
	prevHash string
	// linkKnown is false after a missing anchor until the next record
	linkKnown bool
	checked   int
	broken    []types.BrokenLink
}

func newChainWalker(chainID string, first uint64) *chainWalker {
	w := &chainWalker{
		chainID: chainID,
		prevSeq: first - 1,
		broken:  []types.BrokenLink{},
	}
	if first <= 1 {
		w.prevSeq = 0
		w.prevHash = types.ZeroHash
		w.linkKnown = true
	}
	return w
}

func (w *chainWalker) anchor(rec *types.AuditRecord) {
	w.prevSeq = rec.Sequence
	w.prevHash = rec.RecordHash
	if computed, err := ComputeRecordHash(rec, rec.PreviousHash); err == nil {
		w.prevHash = computed
	}
	w.linkKnown = true
}

func (w *chainWalker) missingAnchor() {
	w.broken = append(w.broken, types.BrokenLink{
		Sequence: w.prevSeq + 1,
		Kind:     types.BrokenLinkMissingAnchor,
		Detail:   fmt.Sprintf("record %d preceding the range is missing", w.prevSeq),
	})
	w.linkKnown = false
}

func (w *chainWalker) report(rec *types.AuditRecord, kind types.BrokenLinkKind, expected, actual, detail string) {
	w.broken = append(w.broken, types.BrokenLink{
		Sequence: rec.Sequence,
		EventID:  rec.EventID,
		Kind:     kind,
		Expected: expected,
		Actual:   actual,
		Detail:   detail,
	})
}

func (w *chainWalker) observe(rec *types.AuditRecord) {
	w.checked++

	if rec.Sequence != w.prevSeq+1 {
		w.report(rec, types.BrokenLinkSequenceGap,
			fmt.Sprintf("%d", w.prevSeq+1), fmt.Sprintf("%d", rec.Sequence), "")
	}

	if rec.ChainID != w.chainID && w.chainID != "" {
		w.report(rec, types.BrokenLinkUnverifiable, w.chainID, rec.ChainID, "record belongs to another chain")
	}

	computed, err := ComputeRecordHash(rec, rec.PreviousHash)
	switch {
	case err != nil:
		w.report(rec, types.BrokenLinkUnverifiable, "", rec.RecordHash, err.Error())
	case computed != rec.RecordHash:
		w.report(rec, types.BrokenLinkHashMismatch, computed, rec.RecordHash, "record contents do not match record_hash")
	}

	if w.linkKnown && rec.PreviousHash != w.prevHash {
		w.report(rec, types.BrokenLinkPreviousHash, w.prevHash, rec.PreviousHash, "")
	}

	if changed, err := ChangedFields(rec.BeforeState, rec.AfterState); err == nil {
		if !sameFieldList(changed, rec.ChangedFields) {
			w.report(rec, types.BrokenLinkChangedFields,
				fmt.Sprintf("%v", changed), fmt.Sprintf("%v", nonNilStrings(rec.ChangedFields)), "")
		}
	}

	w.prevSeq = rec.Sequence
	w.prevHash = rec.RecordHash
	if err == nil {
		w.prevHash = computed
	}
	w.linkKnown = true
}

// finish reports records missing between the last observed record and last
func (w *chainWalker) finish(last uint64) {
	if w.prevSeq < last {
		w.broken = append(w.broken, types.BrokenLink{
			Sequence: w.prevSeq + 1,
			Kind:     types.BrokenLinkSequenceGap,
			Expected: fmt.Sprintf("%d", last),
			Actual:   fmt.Sprintf("%d", w.prevSeq),
			Detail:   fmt.Sprintf("records %d-%d are missing", w.prevSeq+1, last),
		})
	}
}

func sameFieldList(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
