package audit

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/auditchain/go-core/internal/metrics"
	"github.com/auditchain/go-core/pkg/types"
)

// Granularity is the calendar span of a partition
type Granularity string

const (
	GranularityYear  Granularity = "year"
	GranularityMonth Granularity = "month"
)

// RetentionPeriod is a calendar duration; months and years are not fixed
// numbers of days, so it is applied with time.AddDate
type RetentionPeriod struct {
	Years  int
	Months int
	Days   int
}

var retentionPattern = regexp.MustCompile(`^(?:(\d+)y)?(?:(\d+)m)?(?:(\d+)d)?$`)

// ParseRetentionPeriod parses forms like "7y", "18m", "90d" or "1y6m"
func ParseRetentionPeriod(s string) (RetentionPeriod, error) {
	m := retentionPattern.FindStringSubmatch(s)
	if s == "" || m == nil {
		return RetentionPeriod{}, fmt.Errorf("invalid retention period %q (want e.g. 7y, 18m, 90d)", s)
	}
	var parts [3]int
	for i, v := range m[1:] {
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return RetentionPeriod{}, fmt.Errorf("invalid retention period %q: %w", s, err)
		}
		parts[i] = n
	}
	return RetentionPeriod{Years: parts[0], Months: parts[1], Days: parts[2]}, nil
}

// After returns t shifted forward by the period
func (r RetentionPeriod) After(t time.Time) time.Time {
	return t.AddDate(r.Years, r.Months, r.Days)
}

// IsZero reports whether the period is empty
func (r RetentionPeriod) IsZero() bool {
	return r.Years == 0 && r.Months == 0 && r.Days == 0
}

func (r RetentionPeriod) String() string {
	s := ""
	if r.Years > 0 {
		s += strconv.Itoa(r.Years) + "y"
	}
	if r.Months > 0 {
		s += strconv.Itoa(r.Months) + "m"
	}
	if r.Days > 0 || s == "" {
		s += strconv.Itoa(r.Days) + "d"
	}
	return s
}

// PartitionConfig configures a PartitionManager
type PartitionConfig struct {
	Granularity Granularity
	Retention   RetentionPeriod
	// PageSize is the number of records copied per store round trip
	PageSize int
}

// PartitionManager determines which partitions have outlived their
// retention period and copies them to archive storage. It never deletes or
// alters records.
type PartitionManager struct {
	store    Store
	ledger   PartitionLedger
	archiver Archiver
	config   PartitionConfig
	metrics  metrics.Metrics
	logger   *zap.Logger
}

// NewPartitionManager creates a partition manager
func NewPartitionManager(store Store, ledger PartitionLedger, archiver Archiver, config PartitionConfig, m metrics.Metrics, logger *zap.Logger) (*PartitionManager, error) {
	switch config.Granularity {
	case "":
		config.Granularity = GranularityYear
	case GranularityYear, GranularityMonth:
	default:
		return nil, fmt.Errorf("invalid partition granularity %q", config.Granularity)
	}
	if config.Retention.IsZero() {
		return nil, fmt.Errorf("retention period is required")
	}
	if config.PageSize <= 0 {
		config.PageSize = DefaultVerifyPageSize
	}
	if m == nil {
		m = metrics.NewNoOpMetrics()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &PartitionManager{
		store:    store,
		ledger:   ledger,
		archiver: archiver,
		config:   config,
		metrics:  m,
		logger:   logger,
	}, nil
}

// PartitionFor returns the partition containing t
func (pm *PartitionManager) PartitionFor(chainID string, t time.Time) types.Partition {
	return partitionFor(pm.config.Granularity, chainID, t)
}

func partitionFor(g Granularity, chainID string, t time.Time) types.Partition {
	t = t.UTC()
	if g == GranularityMonth {
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return types.Partition{
			ChainID: chainID,
			ID:      types.PartitionID(start.Format("2006-01")),
			Start:   start,
			End:     start.AddDate(0, 1, 0),
		}
	}
	start := time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	return types.Partition{
		ChainID: chainID,
		ID:      types.PartitionID(start.Format("2006")),
		Start:   start,
		End:     start.AddDate(1, 0, 0),
	}
}

// ParsePartitionID resolves an id such as "2019" or "2019-03"
func ParsePartitionID(chainID string, id types.PartitionID) (types.Partition, error) {
	if t, err := time.Parse("2006-01", string(id)); err == nil {
		return partitionFor(GranularityMonth, chainID, t), nil
	}
	if t, err := time.Parse("2006", string(id)); err == nil {
		return partitionFor(GranularityYear, chainID, t), nil
	}
	return types.Partition{}, newValidationErrorf("INVALID_PARTITION", "invalid partition id %q", id)
}

// IsEligible reports whether every record p can hold has been retained for
// the full period at now. The boundary instant itself is eligible.
func (pm *PartitionManager) IsEligible(p types.Partition, now time.Time) bool {
	return !now.UTC().Before(pm.config.Retention.After(p.End))
}

// EligiblePartitions lists partitions of a chain past retention and not yet
// archived, oldest first
func (pm *PartitionManager) EligiblePartitions(ctx context.Context, chainID string, now time.Time) ([]types.Partition, error) {
	span, err := pm.chainSpan(ctx, chainID)
	if err != nil || span == nil {
		return nil, err
	}

	archived, err := pm.ledger.ArchivedPartitions(ctx, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to read archived partitions: %w", err)
	}
	done := make(map[types.PartitionID]struct{}, len(archived))
	for _, m := range archived {
		done[m.PartitionID] = struct{}{}
	}

	var eligible []types.Partition
	for p := pm.PartitionFor(chainID, span.first); !p.Start.After(span.last); p = pm.PartitionFor(chainID, p.End) {
		if !pm.IsEligible(p, now) {
			break
		}
		if _, ok := done[p.ID]; ok {
			continue
		}
		eligible = append(eligible, p)
	}
	return eligible, nil
}

type timeSpan struct {
	first, last time.Time
}

// chainSpan returns the earliest and latest record timestamps, or nil for an
// empty chain
func (pm *PartitionManager) chainSpan(ctx context.Context, chainID string) (*timeSpan, error) {
	first, last, err := pm.store.TimeSpan(ctx, chainID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read chain time span: %w", err)
	}
	return &timeSpan{first: first, last: last}, nil
}

// ArchiveEligiblePartitions archives every eligible partition of a chain and
// returns the ids archived. It stops at the first failure; partitions
// archived before it stay archived.
func (pm *PartitionManager) ArchiveEligiblePartitions(ctx context.Context, chainID string, now time.Time) ([]types.PartitionID, error) {
	eligible, err := pm.EligiblePartitions(ctx, chainID, now)
	if err != nil {
		return nil, err
	}

	archived := []types.PartitionID{}
	for _, p := range eligible {
		if _, err := pm.archive(ctx, p); err != nil {
			return archived, err
		}
		archived = append(archived, p.ID)
	}
	return archived, nil
}

// ArchivePartition archives one partition if it is eligible at now
func (pm *PartitionManager) ArchivePartition(ctx context.Context, p types.Partition, now time.Time) (*types.PartitionManifest, error) {
	if !pm.IsEligible(p, now) {
		return nil, newValidationErrorf("PARTITION_NOT_ELIGIBLE",
			"partition %s is retained until %s", p.ID, pm.config.Retention.After(p.End).Format(time.RFC3339))
	}
	return pm.archive(ctx, p)
}

// archive copies the partition, verifying it on the way, then marks it
func (pm *PartitionManager) archive(ctx context.Context, p types.Partition) (*types.PartitionManifest, error) {
	records, err := pm.partitionRecords(ctx, p)
	if err != nil {
		return nil, err
	}

	var anchor *types.AuditRecord
	if len(records) > 0 && records[0].Sequence > 1 {
		prev, err := pm.store.GetRange(ctx, p.ChainID, records[0].Sequence-1, records[0].Sequence-1)
		if err != nil {
			return nil, fmt.Errorf("failed to read partition anchor: %w", err)
		}
		if len(prev) == 1 {
			anchor = prev[0]
		}
	}
	report := VerifyRecords(records, anchor)
	// records of one partition need not be contiguous in sequence when
	// timestamps from several writers interleave, so only content and
	// hash findings block archiving
	for _, link := range report.BrokenLinks {
		if link.Kind == types.BrokenLinkHashMismatch || link.Kind == types.BrokenLinkUnverifiable {
			return nil, ReportError(&types.VerificationReport{ChainID: p.ChainID, BrokenLinks: []types.BrokenLink{link}})
		}
	}

	manifest := &types.PartitionManifest{
		ChainID:     p.ChainID,
		PartitionID: p.ID,
		Start:       p.Start,
		End:         p.End,
		RecordCount: len(records),
	}
	if len(records) > 0 {
		manifest.FirstSequence = records[0].Sequence
		manifest.FirstHash = records[0].RecordHash
		manifest.LastSequence = records[len(records)-1].Sequence
		manifest.LastHash = records[len(records)-1].RecordHash
	}

	manifest.Location, manifest.Checksum, err = pm.archiver.Archive(ctx, manifest, records)
	if err != nil {
		return nil, fmt.Errorf("failed to archive partition %s: %w", p.ID, err)
	}
	manifest.ArchivedAt = time.Now().UTC()

	// Marking happens only after the copy is durable
	if err := pm.ledger.MarkArchived(ctx, manifest); err != nil {
		return nil, err
	}

	pm.metrics.RecordPartitionArchived()
	pm.logger.Info("Partition archived",
		zap.String("chain_id", p.ChainID),
		zap.String("partition", string(p.ID)),
		zap.Int("records", manifest.RecordCount),
		zap.String("location", manifest.Location),
	)
	return manifest, nil
}

func (pm *PartitionManager) partitionRecords(ctx context.Context, p types.Partition) ([]*types.AuditRecord, error) {
	start, end := p.Start, p.End
	var records []*types.AuditRecord
	for offset := 0; ; offset += pm.config.PageSize {
		page, err := pm.store.Query(ctx, &types.RecordQuery{
			ChainID: p.ChainID,
			Since:   &start,
			Until:   &end,
			Limit:   pm.config.PageSize,
			Offset:  offset,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to read partition %s: %w", p.ID, err)
		}
		records = append(records, page...)
		if len(page) < pm.config.PageSize {
			return records, nil
		}
	}
}
