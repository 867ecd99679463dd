// Package jobs runs background maintenance against the audit chains.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/auditchain/go-core/internal/audit"
	"github.com/auditchain/go-core/pkg/types"
)

// ChainLister enumerates the chains a store knows about
type ChainLister interface {
	ListChains(ctx context.Context) ([]string, error)
}

// ChainVerifier verifies a whole chain
type ChainVerifier interface {
	Verify(ctx context.Context, chainID string, from, to *uint64) (*types.VerificationReport, error)
}

// VerifyJobConfig configures a VerifyJob
type VerifyJobConfig struct {
	// Interval between runs; zero means RunOnce only
	Interval time.Duration
	// Selectors are glob patterns over chain ids. "*" stops at "/", "**"
	// does not. No selectors selects every chain.
	Selectors []string
	Workers   int
}

// ChainResult is the outcome of verifying one chain
type ChainResult struct {
	ChainID string
	Report  *types.VerificationReport
	Err     error
}

// VerifyJob periodically re-verifies every selected chain end to end
type VerifyJob struct {
	chains   ChainLister
	verifier ChainVerifier
	config   VerifyJobConfig
	globs    []glob.Glob
	pool     *ants.Pool
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewVerifyJob compiles the selectors and creates the worker pool
func NewVerifyJob(chains ChainLister, verifier ChainVerifier, cfg VerifyJobConfig, logger *zap.Logger) (*VerifyJob, error) {
	if chains == nil || verifier == nil {
		return nil, fmt.Errorf("chain lister and verifier are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	globs := make([]glob.Glob, 0, len(cfg.Selectors))
	for _, s := range cfg.Selectors {
		g, err := glob.Compile(s, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid chain selector %q: %w", s, err)
		}
		globs = append(globs, g)
	}

	pool, err := ants.NewPool(cfg.Workers,
		ants.WithPanicHandler(func(p interface{}) {
			logger.Error("Verify worker panic recovered",
				zap.Any("panic", p),
				zap.Stack("stack"),
			)
		}),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verify pool: %w", err)
	}

	return &VerifyJob{
		chains:   chains,
		verifier: verifier,
		config:   cfg,
		globs:    globs,
		pool:     pool,
		logger:   logger,
	}, nil
}

// Selected reports whether chainID matches the job's selectors
func (j *VerifyJob) Selected(chainID string) bool {
	if len(j.globs) == 0 {
		return true
	}
	for _, g := range j.globs {
		if g.Match(chainID) {
			return true
		}
	}
	return false
}

// RunOnce verifies every selected chain and returns results ordered by chain
// id. Broken chains are reported in the results, not as an error; the error
// is for failing to list chains or a cancelled context.
func (j *VerifyJob) RunOnce(ctx context.Context) ([]ChainResult, error) {
	start := time.Now()

	all, err := j.chains.ListChains(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list chains: %w", err)
	}

	var selected []string
	for _, id := range all {
		if j.Selected(id) {
			selected = append(selected, id)
		}
	}

	results := make([]ChainResult, len(selected))
	var wg sync.WaitGroup
	for i, chainID := range selected {
		i, chainID := i, chainID
		results[i].ChainID = chainID

		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}

		wg.Add(1)
		submitErr := j.pool.Submit(func() {
			defer wg.Done()
			results[i] = j.verifyChain(ctx, chainID)
		})
		if submitErr != nil {
			wg.Done()
			results[i].Err = submitErr
		}
	}
	wg.Wait()

	sort.Slice(results, func(a, b int) bool { return results[a].ChainID < results[b].ChainID })

	broken, failed := 0, 0
	for _, r := range results {
		switch {
		case r.Err != nil:
			failed++
		case !r.Report.Valid():
			broken++
		}
	}
	j.logger.Info("Chain verification run complete",
		zap.Int("chains", len(results)),
		zap.Int("broken", broken),
		zap.Int("failed", failed),
		zap.Duration("duration", time.Since(start)),
	)

	return results, ctx.Err()
}

func (j *VerifyJob) verifyChain(ctx context.Context, chainID string) ChainResult {
	if err := ctx.Err(); err != nil {
		return ChainResult{ChainID: chainID, Err: err}
	}

	report, err := j.verifier.Verify(ctx, chainID, nil, nil)
	if err != nil {
		j.logger.Error("Chain verification failed",
			zap.String("chain_id", chainID),
			zap.Error(err),
		)
		return ChainResult{ChainID: chainID, Err: err}
	}

	if !report.Valid() {
		first := report.BrokenLinks[0]
		j.logger.Error("Chain integrity violation detected",
			zap.String("chain_id", chainID),
			zap.Int("broken_links", len(report.BrokenLinks)),
			zap.Uint64("first_broken_sequence", first.Sequence),
			zap.String("kind", string(first.Kind)),
		)
	} else {
		j.logger.Debug("Chain verified",
			zap.String("chain_id", chainID),
			zap.Int("records", report.CheckedCount),
		)
	}
	return ChainResult{ChainID: chainID, Report: report}
}

// Start runs the job every Interval until Stop or ctx is done. It is a no-op
// when Interval is zero.
func (j *VerifyJob) Start(ctx context.Context) error {
	if j.config.Interval <= 0 {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return errors.New("verify job is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	j.running = true
	j.cancel = cancel
	j.done = make(chan struct{})

	go j.loop(ctx, j.done)

	j.logger.Info("Scheduled chain verification started",
		zap.Duration("interval", j.config.Interval),
		zap.Strings("selectors", j.config.Selectors),
		zap.Int("workers", j.config.Workers),
	)
	return nil
}

func (j *VerifyJob) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				j.logger.Error("Scheduled chain verification failed", zap.Error(err))
			}
		}
	}
}

// Stop stops the schedule, waits for an in-flight run and releases the pool
func (j *VerifyJob) Stop() {
	j.mu.Lock()
	cancel, done, running := j.cancel, j.done, j.running
	j.running = false
	j.mu.Unlock()

	if running {
		cancel()
		<-done
	}
	j.pool.Release()
}

// BrokenChains returns the ids of chains with integrity findings
func BrokenChains(results []ChainResult) []string {
	var out []string
	for _, r := range results {
		if r.Err == nil && r.Report != nil && !r.Report.Valid() {
			out = append(out, r.ChainID)
		}
	}
	return out
}

// FirstError returns the first per-chain error converted through
// audit.ReportError, so callers can exit non-zero on any finding
func FirstError(results []ChainResult) error {
	for _, r := range results {
		if r.Err != nil {
			return fmt.Errorf("chain %s: %w", r.ChainID, r.Err)
		}
		if r.Report != nil {
			if err := audit.ReportError(r.Report); err != nil {
				return err
			}
		}
	}
	return nil
}
