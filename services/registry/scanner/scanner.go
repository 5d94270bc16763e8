// Package scanner discovers registry mints and burns on the ledger and
// materializes them into entries.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"registryd/services/registry"
	"registryd/services/registry/health"
	"registryd/services/registry/ledger"
	"registryd/services/registry/metadata"
)

const DefaultPageSize = 100

// ErrInvalidSource marks a source that cannot be scanned as configured.
var ErrInvalidSource = errors.New("scanner: invalid source")

var transactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "registry_scan_transactions_total",
	Help: "Ledger transactions handled by the scanner, by source network and outcome.",
}, []string{"source", "event"})

// Store is the persistence the scanner writes through.
type Store interface {
	ListSources(ctx context.Context) ([]registry.Source, error)
	SaveCursor(ctx context.Context, sourceID uuid.UUID, cursor registry.Cursor) error
	UpsertEntry(ctx context.Context, in registry.EntryInput) (registry.UpsertResult, error)
	Deregister(ctx context.Context, assetIdentifier string, at time.Time) (registry.DeregisterResult, error)
	GetEntry(ctx context.Context, assetIdentifier string) (registry.Entry, error)
}

// LedgerProvider resolves the ledger client for a source.
type LedgerProvider interface {
	Ledger(network registry.Network, apiKey string) (ledger.Ledger, error)
}

// Prober runs the discovery probe for a new or refreshed entry.
type Prober interface {
	Probe(ctx context.Context, t health.Target) health.Probe
}

// Archiver keeps the raw metadata document of every parsed mint.
type Archiver interface {
	Archive(ctx context.Context, policyID, assetIdentifier, txHash string, raw []byte) error
}

// Options configures a Scanner. Archiver and Events are optional.
type Options struct {
	PageSize int
	Archiver Archiver
	Events   registry.Publisher
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Scanner follows minting script invocations and materializes registry entries.
type Scanner struct {
	store    Store
	ledgers  LedgerProvider
	prober   Prober
	archiver Archiver
	events   registry.Publisher
	pageSize int
	logger   zerolog.Logger
	now      func() time.Time
}

// New returns a Scanner over store, ledgers and prober.
func New(store Store, ledgers LedgerProvider, prober Prober, opts Options) (*Scanner, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if ledgers == nil {
		return nil, errors.New("ledger provider is required")
	}
	if prober == nil {
		return nil, errors.New("prober is required")
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scanner{
		store:    store,
		ledgers:  ledgers,
		prober:   prober,
		archiver: opts.Archiver,
		events:   opts.Events,
		pageSize: opts.PageSize,
		logger:   opts.Logger.With().Str("component", "scanner").Logger(),
		now:      opts.Now,
	}, nil
}

// Run scans every source concurrently. A failing source is logged and does
// not affect the others; Run reports how many failed.
func (s *Scanner) Run(ctx context.Context) error {
	sources, err := s.store.ListSources(ctx)
	if err != nil {
		return fmt.Errorf("list sources: %w", err)
	}

	var failed atomic.Int32
	var g errgroup.Group
	for _, src := range sources {
		g.Go(func() error {
			if err := s.ScanSource(ctx, src); err != nil {
				failed.Add(1)
				s.logger.Error().Err(err).
					Str("source_id", src.ID.String()).
					Str("network", string(src.Network)).
					Str("policy_id", src.PolicyID).
					Msg("source scan aborted")
			}
			return nil
		})
	}
	_ = g.Wait()

	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d sources failed", n, len(sources))
	}
	return nil
}

// ScanSource processes every invocation of src's minting policy after its
// cursor, strictly in ledger order. The cursor is saved after each fully
// processed transaction; any error leaves it at the last success.
func (s *Scanner) ScanSource(ctx context.Context, src registry.Source) error {
	if src.APIKey == "" {
		return fmt.Errorf("%w: api key is empty", ErrInvalidSource)
	}
	if !registry.ValidPolicyID(src.PolicyID) {
		return fmt.Errorf("%w: policy id %q", ErrInvalidSource, src.PolicyID)
	}
	lg, err := s.ledgers.Ledger(src.Network, src.APIKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}

	logger := s.logger.With().Str("source_id", src.ID.String()).Str("network", string(src.Network)).Logger()
	page := max(1, src.Cursor.LastCheckedPage)
	after := src.Cursor.LastTxID

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		invocations, err := lg.ScriptRedeemers(ctx, src.PolicyID, page, s.pageSize)
		if err != nil {
			return fmt.Errorf("fetch invocations page %d: %w", page, err)
		}

		for _, txHash := range pendingMints(invocations, after) {
			if err := s.processTransaction(ctx, lg, src, txHash, logger); err != nil {
				return fmt.Errorf("process transaction %s: %w", txHash, err)
			}
			if err := s.store.SaveCursor(ctx, src.ID, registry.Cursor{LastTxID: txHash, LastCheckedPage: page}); err != nil {
				return fmt.Errorf("save cursor: %w", err)
			}
			after = txHash
		}

		if len(invocations) < s.pageSize {
			return nil
		}
		page++
		// A full page is done; resume on the next one. after is kept so a
		// transaction whose invocations straddle the boundary is not replayed.
		if err := s.store.SaveCursor(ctx, src.ID, registry.Cursor{LastTxID: after, LastCheckedPage: page}); err != nil {
			return fmt.Errorf("save cursor: %w", err)
		}
	}
}

// pendingMints returns the distinct mint-purpose transactions of one page in
// ledger order, starting strictly after the last occurrence of after. When
// after is not on the page every transaction is pending.
func pendingMints(invocations []ledger.Redeemer, after string) []string {
	start := 0
	if after != "" {
		for i := len(invocations) - 1; i >= 0; i-- {
			if invocations[i].TxHash == after {
				start = i + 1
				break
			}
		}
	}

	seen := make(map[string]bool)
	var out []string
	for _, inv := range invocations[start:] {
		if inv.Purpose != ledger.PurposeMint || seen[inv.TxHash] || inv.TxHash == after {
			continue
		}
		seen[inv.TxHash] = true
		out = append(out, inv.TxHash)
	}
	return out
}

type assetDelta struct {
	unit string
	net  *big.Int
}

// netQuantities sums outputs minus spent inputs for every unit under
// policyID. Collateral and reference inputs are not spent by a successful
// transaction and are ignored, as are collateral return outputs.
func netQuantities(tx ledger.TxUTXOs, policyID string) ([]assetDelta, error) {
	totals := make(map[string]*big.Int)
	add := func(utxos []ledger.UTXO, sign int) error {
		for _, u := range utxos {
			if u.Collateral || u.Reference {
				continue
			}
			for _, a := range u.Amount {
				if !strings.HasPrefix(a.Unit, policyID) {
					continue
				}
				q, ok := new(big.Int).SetString(a.Quantity, 10)
				if !ok {
					return fmt.Errorf("malformed quantity %q for %s", a.Quantity, a.Unit)
				}
				if sign < 0 {
					q.Neg(q)
				}
				if cur, ok := totals[a.Unit]; ok {
					cur.Add(cur, q)
				} else {
					totals[a.Unit] = q
				}
			}
		}
		return nil
	}
	if err := add(tx.Outputs, 1); err != nil {
		return nil, err
	}
	if err := add(tx.Inputs, -1); err != nil {
		return nil, err
	}

	out := make([]assetDelta, 0, len(totals))
	for unit, net := range totals {
		if net.Sign() != 0 {
			out = append(out, assetDelta{unit: unit, net: net})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].unit < out[j].unit })
	return out, nil
}

func (s *Scanner) processTransaction(ctx context.Context, lg ledger.Ledger, src registry.Source, txHash string, logger zerolog.Logger) error {
	utxos, err := lg.TransactionUTXOs(ctx, txHash)
	if err != nil {
		return fmt.Errorf("fetch utxos: %w", err)
	}
	deltas, err := netQuantities(utxos, src.PolicyID)
	if err != nil {
		return err
	}

	for _, d := range deltas {
		if d.net.Sign() > 0 {
			err = s.handleMint(ctx, lg, src, txHash, d.unit, logger)
		} else {
			err = s.handleBurn(ctx, src, d.unit, logger)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Scanner) handleMint(ctx context.Context, lg ledger.Ledger, src registry.Source, txHash, unit string, logger zerolog.Logger) error {
	logger = logger.With().Str("tx", txHash).Str("asset", unit).Logger()

	// A burned asset stays deregistered, so its endpoint is not contacted again.
	existing, err := s.store.GetEntry(ctx, unit)
	switch {
	case errors.Is(err, registry.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load entry %s: %w", unit, err)
	case existing.Status == registry.StatusDeregistered:
		logger.Info().Msg("mint for deregistered asset ignored")
		transactionsTotal.WithLabelValues(string(src.Network), "mint_skipped").Inc()
		return nil
	}

	asset, err := lg.Asset(ctx, unit)
	if errors.Is(err, ledger.ErrNotFound) {
		logger.Warn().Msg("minted asset unknown to ledger provider, skipping")
		transactionsTotal.WithLabelValues(string(src.Network), "mint_skipped").Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch asset %s: %w", unit, err)
	}

	reg, err := metadata.Parse(asset.OnchainMetadata)
	if err != nil {
		logger.Warn().Err(err).Msg("mint metadata failed validation, skipping")
		transactionsTotal.WithLabelValues(string(src.Network), "mint_skipped").Inc()
		return nil
	}

	if s.archiver != nil {
		if err := s.archiver.Archive(ctx, src.PolicyID, unit, txHash, asset.OnchainMetadata); err != nil {
			logger.Warn().Err(err).Msg("archive raw metadata")
		}
	}

	probe := s.prober.Probe(ctx, health.TargetFor(reg.Version, reg.APIBaseURL, reg.AgentCardURL))
	in := registry.EntryInput{
		SourceID:        src.ID,
		PolicyID:        src.PolicyID,
		AssetIdentifier: unit,
		Registration:    reg,
		Status:          probe.StatusFor(unit),
		CheckedAt:       s.now(),
	}
	if reg.Version == metadata.VersionV2 {
		in.Card = probe.Card
	}

	res, err := s.store.UpsertEntry(ctx, in)
	if err != nil {
		return err
	}
	if res.Skipped {
		logger.Info().Msg("mint for deregistered asset ignored")
		transactionsTotal.WithLabelValues(string(src.Network), "mint_skipped").Inc()
		return nil
	}
	transactionsTotal.WithLabelValues(string(src.Network), "mint").Inc()
	logger.Info().Bool("created", res.Created).Str("status", string(res.Status)).Int("version", reg.Version).Msg("registry entry materialized")

	if res.StatusChanged() {
		reason := registry.ReasonRefreshed
		if res.Created {
			reason = registry.ReasonDiscovered
		}
		s.publish(ctx, registry.StatusEvent{
			EntryID:         res.EntryID,
			AssetIdentifier: unit,
			Previous:        res.Previous,
			Status:          res.Status,
			Reason:          reason,
			At:              in.CheckedAt,
		}, logger)
	}
	return nil
}

func (s *Scanner) handleBurn(ctx context.Context, src registry.Source, unit string, logger zerolog.Logger) error {
	at := s.now()
	res, err := s.store.Deregister(ctx, unit, at)
	if err != nil {
		return err
	}
	transactionsTotal.WithLabelValues(string(src.Network), "burn").Inc()
	if !res.Changed {
		logger.Debug().Str("asset", unit).Bool("known", res.Found).Msg("burn had nothing to deregister")
		return nil
	}
	logger.Info().Str("asset", unit).Str("previous", string(res.Previous)).Msg("registry entry deregistered")
	s.publish(ctx, registry.StatusEvent{
		EntryID:         res.EntryID,
		AssetIdentifier: unit,
		Previous:        res.Previous,
		Status:          registry.StatusDeregistered,
		Reason:          registry.ReasonBurned,
		At:              at,
	}, logger)
	return nil
}

func (s *Scanner) publish(ctx context.Context, evt registry.StatusEvent, logger zerolog.Logger) {
	if err := registry.PublishStatus(ctx, s.events, evt); err != nil {
		logger.Warn().Err(err).Msg("publish status event")
	}
}
