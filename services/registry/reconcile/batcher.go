// Package reconcile re-verifies registry entries in bounded batches.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"registryd/services/registry"
	"registryd/services/registry/health"
)

const (
	DefaultBatchSize        = 50
	DefaultInvalidBatchSize = 50
	DefaultMaxInvalidChecks = 20
	DefaultMaxInvalidProbes = 10
	DefaultRecheckAfter     = time.Minute
	DefaultConcurrency      = 16

	backoffStep    = 10 * time.Minute
	backoffCeiling = 48 * time.Hour
	minRetries     = 0.2
)

// Store is the persistence the batcher selects from and records into.
type Store interface {
	ListSources(ctx context.Context) ([]registry.Source, error)
	SelectDue(ctx context.Context, sourceID uuid.UUID, cutoff time.Time, limit int) ([]registry.CheckCandidate, error)
	SelectInvalid(ctx context.Context, sourceID uuid.UUID, maxChecks int64, limit int) ([]registry.CheckCandidate, error)
	TouchEntries(ctx context.Context, ids []uuid.UUID, at time.Time) error
	RecordCheck(ctx context.Context, id uuid.UUID, status registry.Status, at time.Time) (registry.CheckResult, error)
}

// Prober probes one health target.
type Prober interface {
	Probe(ctx context.Context, t health.Target) health.Probe
}

// Config bounds one reconciliation pass. Zero values take the defaults.
type Config struct {
	RecheckAfter     time.Duration
	BatchSize        int
	InvalidBatchSize int
	MaxInvalidChecks int64
	MaxInvalidProbes int
	Concurrency      int
}

func (c Config) withDefaults() Config {
	if c.RecheckAfter <= 0 {
		c.RecheckAfter = DefaultRecheckAfter
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.InvalidBatchSize <= 0 {
		c.InvalidBatchSize = DefaultInvalidBatchSize
	}
	if c.MaxInvalidChecks <= 0 {
		c.MaxInvalidChecks = DefaultMaxInvalidChecks
	}
	if c.MaxInvalidProbes <= 0 {
		c.MaxInvalidProbes = DefaultMaxInvalidProbes
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	return c
}

// Options carries the batcher's collaborators.
type Options struct {
	Config
	Events registry.Publisher
	Logger zerolog.Logger
	Now    func() time.Time
}

// Summary counts what one source pass did.
type Summary struct {
	Selected int
	Deferred int
	Probes   int
	Updated  int
	Failed   int
}

func (s *Summary) add(o Summary) {
	s.Selected += o.Selected
	s.Deferred += o.Deferred
	s.Probes += o.Probes
	s.Updated += o.Updated
	s.Failed += o.Failed
}

// Batcher re-verifies registered entries source by source.
type Batcher struct {
	store  Store
	prober Prober
	cfg    Config
	events registry.Publisher
	logger zerolog.Logger
	now    func() time.Time
}

// New returns a Batcher. Events may be nil.
func New(store Store, prober Prober, opts Options) (*Batcher, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if prober == nil {
		return nil, errors.New("prober is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Batcher{
		store:  store,
		prober: prober,
		cfg:    opts.Config.withDefaults(),
		events: opts.Events,
		logger: opts.Logger.With().Str("component", "reconcile").Logger(),
		now:    opts.Now,
	}, nil
}

// InvalidBackoff is how long an Invalid entry waits after its last check.
// The wait grows by ten minutes per check that did not come back Online, is
// never shorter than a fifth of a step and never longer than 48 hours.
func InvalidBackoff(checkCount, onlineCount int64) time.Duration {
	retries := max(minRetries, float64(checkCount-onlineCount))
	wait := time.Duration(retries * float64(backoffStep))
	return min(wait, backoffCeiling)
}

// Eligible reports whether an Invalid candidate's backoff has elapsed at cutoff.
func Eligible(c registry.CheckCandidate, cutoff time.Time) bool {
	wait := InvalidBackoff(c.UptimeCheckCount, c.UptimeCount)
	return !c.LastUptimeCheck.Add(wait).After(cutoff)
}

// Run reconciles every source in turn. Per-source failures are logged and
// the remaining sources still run.
func (b *Batcher) Run(ctx context.Context) error {
	sources, err := b.store.ListSources(ctx)
	if err != nil {
		return fmt.Errorf("list sources: %w", err)
	}

	var total Summary
	var failed int
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return err
		}
		sum, err := b.RunSource(ctx, src.ID)
		total.add(sum)
		if err != nil {
			failed++
			b.logger.Error().Err(err).Str("source_id", src.ID.String()).Msg("health check pass failed")
		}
	}

	b.logger.Info().
		Int("selected", total.Selected).
		Int("deferred", total.Deferred).
		Int("probes", total.Probes).
		Int("updated", total.Updated).
		Int("failed", total.Failed).
		Msg("health check run finished")

	if failed > 0 {
		return fmt.Errorf("%d of %d sources failed", failed, len(sources))
	}
	return nil
}

// RunSource performs one reconciliation pass for a source. Selection happens
// before any probe is issued; each distinct target is probed at most once by
// the fan-out; per-entry update failures are logged and leave that entry
// stale.
func (b *Batcher) RunSource(ctx context.Context, sourceID uuid.UUID) (Summary, error) {
	var sum Summary
	cutoff := b.now().Add(-b.cfg.RecheckAfter)

	due, err := b.store.SelectDue(ctx, sourceID, cutoff, b.cfg.BatchSize)
	if err != nil {
		return sum, fmt.Errorf("select due entries: %w", err)
	}
	invalid, err := b.store.SelectInvalid(ctx, sourceID, b.cfg.MaxInvalidChecks, b.cfg.InvalidBatchSize)
	if err != nil {
		return sum, fmt.Errorf("select invalid entries: %w", err)
	}

	var eligible []registry.CheckCandidate
	var deferred []uuid.UUID
	for _, c := range invalid {
		if Eligible(c, cutoff) {
			eligible = append(eligible, c)
		} else {
			deferred = append(deferred, c.ID)
		}
	}
	if len(eligible) > b.cfg.MaxInvalidProbes {
		eligible = eligible[:b.cfg.MaxInvalidProbes]
	}
	sum.Deferred = len(deferred)
	if err := b.store.TouchEntries(ctx, deferred, b.now()); err != nil {
		b.logger.Warn().Err(err).Int("count", len(deferred)).Msg("rotate deferred invalid entries")
	}

	batch := append(due, eligible...)
	sum.Selected = len(batch)
	if len(batch) == 0 {
		return sum, nil
	}

	targets := distinctTargets(batch)
	sum.Probes = len(targets)
	results := b.probeAll(ctx, targets)

	checkedAt := b.now()
	for _, c := range batch {
		t := health.TargetOf(c)
		p, ok := results[t]
		if !ok {
			p, ok = b.probeOne(ctx, t)
			if !ok {
				sum.Failed++
				continue
			}
		}

		status := p.StatusFor(c.AssetIdentifier)
		res, err := b.store.RecordCheck(ctx, c.ID, status, checkedAt)
		if err != nil {
			sum.Failed++
			b.logger.Warn().Err(err).Str("entry_id", c.ID.String()).Msg("record health check")
			continue
		}
		if !res.Applied {
			continue
		}
		sum.Updated++
		if res.StatusChanged() {
			b.logger.Info().
				Str("entry_id", c.ID.String()).
				Str("asset", c.AssetIdentifier).
				Str("previous", string(res.Previous)).
				Str("status", string(res.Status)).
				AnErr("reason", p.Err).
				Msg("entry status changed")
			if err := registry.PublishStatus(ctx, b.events, registry.StatusEvent{
				EntryID:         c.ID,
				AssetIdentifier: c.AssetIdentifier,
				Previous:        res.Previous,
				Status:          res.Status,
				Reason:          registry.ReasonChecked,
				At:              checkedAt,
			}); err != nil {
				b.logger.Warn().Err(err).Msg("publish status event")
			}
		}
	}
	return sum, nil
}

func distinctTargets(batch []registry.CheckCandidate) []health.Target {
	seen := make(map[health.Target]bool, len(batch))
	var out []health.Target
	for _, c := range batch {
		t := health.TargetOf(c)
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// probeAll probes targets concurrently. A probe that panics leaves its
// target out of the result map; siblings are unaffected.
func (b *Batcher) probeAll(ctx context.Context, targets []health.Target) map[health.Target]health.Probe {
	var (
		mu      sync.Mutex
		results = make(map[health.Target]health.Probe, len(targets))
		lost    atomic.Int32
	)

	g := new(errgroup.Group)
	g.SetLimit(b.cfg.Concurrency)
	for _, t := range targets {
		g.Go(func() error {
			p, ok := b.probeOne(ctx, t)
			if !ok {
				lost.Add(1)
				return nil
			}
			mu.Lock()
			results[t] = p
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if n := lost.Load(); n > 0 {
		b.logger.Warn().Int32("count", n).Msg("probes lost in fan-out, retrying individually")
	}
	return results
}

func (b *Batcher) probeOne(ctx context.Context, t health.Target) (p health.Probe, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Str("target", t.String()).Interface("panic", r).Msg("probe panicked")
			ok = false
		}
	}()
	return b.prober.Probe(ctx, t), true
}
