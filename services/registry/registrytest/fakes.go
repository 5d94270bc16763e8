package registrytest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"registryd/services/registry"
	"registryd/services/registry/health"
	"registryd/services/registry/ledger"
)

// FakeLedger serves a fixed script invocation history. It also acts as its
// own ledger provider for every network.
type FakeLedger struct {
	mu        sync.Mutex
	redeemers []ledger.Redeemer
	utxos     map[string]ledger.TxUTXOs
	assets    map[string]ledger.Asset
	errs      map[string]error
	calls     []string
}

// NewFakeLedger returns a ledger with no transactions.
func NewFakeLedger() *FakeLedger {
	return &FakeLedger{
		utxos:  make(map[string]ledger.TxUTXOs),
		assets: make(map[string]ledger.Asset),
		errs:   make(map[string]error),
	}
}

// AddTx appends a mint-purpose invocation for tx and records its UTXOs.
func (f *FakeLedger) AddTx(tx ledger.TxUTXOs) {
	f.AddInvocation(tx, ledger.PurposeMint)
}

// AddInvocation appends an invocation with the given purpose.
func (f *FakeLedger) AddInvocation(tx ledger.TxUTXOs, purpose string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redeemers = append(f.redeemers, ledger.Redeemer{TxHash: tx.Hash, Purpose: purpose})
	f.utxos[tx.Hash] = tx
}

// SetAsset registers the on-chain metadata document of unit.
func (f *FakeLedger) SetAsset(unit, onchainMetadata string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := ledger.Asset{Asset: unit}
	if onchainMetadata != "" {
		a.OnchainMetadata = []byte(onchainMetadata)
	}
	f.assets[unit] = a
}

// FailOn makes the call identified by key return err. Keys are
// "redeemers:<page>", "utxos:<hash>" and "asset:<unit>".
func (f *FakeLedger) FailOn(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, key)
		return
	}
	f.errs[key] = err
}

func (f *FakeLedger) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *FakeLedger) Ledger(network registry.Network, apiKey string) (ledger.Ledger, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: api key is empty", ledger.ErrInvalidSource)
	}
	return f, nil
}

func (f *FakeLedger) record(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, key)
	return f.errs[key]
}

func (f *FakeLedger) ScriptRedeemers(_ context.Context, _ string, page, count int) ([]ledger.Redeemer, error) {
	if err := f.record("redeemers:" + strconv.Itoa(page)); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	start := (page - 1) * count
	if start >= len(f.redeemers) {
		return nil, nil
	}
	end := min(start+count, len(f.redeemers))
	return append([]ledger.Redeemer(nil), f.redeemers[start:end]...), nil
}

func (f *FakeLedger) TransactionUTXOs(_ context.Context, txHash string) (ledger.TxUTXOs, error) {
	if err := f.record("utxos:" + txHash); err != nil {
		return ledger.TxUTXOs{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.utxos[txHash]
	if !ok {
		return ledger.TxUTXOs{}, ledger.ErrNotFound
	}
	return tx, nil
}

func (f *FakeLedger) Asset(_ context.Context, unit string) (ledger.Asset, error) {
	if err := f.record("asset:" + unit); err != nil {
		return ledger.Asset{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assets[unit]
	if !ok {
		return ledger.Asset{}, ledger.ErrNotFound
	}
	return a, nil
}

// MintTx builds a transaction that mints quantity of unit.
func MintTx(hash, unit string, quantity int) ledger.TxUTXOs {
	return ledger.TxUTXOs{
		Hash: hash,
		Inputs: []ledger.UTXO{{Address: "addr_test1in", Amount: []ledger.Amount{
			{Unit: "lovelace", Quantity: "5000000"},
		}}},
		Outputs: []ledger.UTXO{{Address: "addr_test1out", Amount: []ledger.Amount{
			{Unit: "lovelace", Quantity: "3000000"},
			{Unit: unit, Quantity: strconv.Itoa(quantity)},
		}}},
	}
}

// BurnTx builds a transaction that burns quantity of unit.
func BurnTx(hash, unit string, quantity int) ledger.TxUTXOs {
	return ledger.TxUTXOs{
		Hash: hash,
		Inputs: []ledger.UTXO{{Address: "addr_test1in", Amount: []ledger.Amount{
			{Unit: "lovelace", Quantity: "5000000"},
			{Unit: unit, Quantity: strconv.Itoa(quantity)},
		}}},
		Outputs: []ledger.UTXO{{Address: "addr_test1out", Amount: []ledger.Amount{
			{Unit: "lovelace", Quantity: "3000000"},
		}}},
	}
}

// FakeProber returns canned probe results and counts calls per target.
type FakeProber struct {
	mu      sync.Mutex
	results map[health.Target]health.Probe
	panics  map[health.Target]bool
	calls   map[health.Target]int

	// Default is returned for targets without a canned result.
	Default health.Probe
	// Delay is slept before every probe, honouring ctx.
	Delay time.Duration
}

// NewFakeProber returns a prober that reports Offline for unknown targets.
func NewFakeProber() *FakeProber {
	return &FakeProber{
		results: make(map[health.Target]health.Probe),
		panics:  make(map[health.Target]bool),
		calls:   make(map[health.Target]int),
		Default: health.Probe{Status: registry.StatusOffline},
	}
}

func (p *FakeProber) Set(t health.Target, result health.Probe) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[t] = result
}

// PanicOn makes the first probe of t panic.
func (p *FakeProber) PanicOn(t health.Target) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.panics[t] = true
}

func (p *FakeProber) Calls(t health.Target) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[t]
}

func (p *FakeProber) TotalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		n += c
	}
	return n
}

func (p *FakeProber) Probe(ctx context.Context, t health.Target) health.Probe {
	if p.Delay > 0 {
		select {
		case <-ctx.Done():
			return health.Probe{Status: registry.StatusOffline, Err: ctx.Err()}
		case <-time.After(p.Delay):
		}
	}

	p.mu.Lock()
	p.calls[t]++
	shouldPanic := p.panics[t]
	delete(p.panics, t)
	result, ok := p.results[t]
	if !ok {
		result = p.Default
	}
	p.mu.Unlock()

	if shouldPanic {
		panic("probe exploded: " + t.String())
	}
	return result
}

// Events records published status events.
type Events struct {
	mu     sync.Mutex
	events []registry.StatusEvent
	Err    error
}

func (e *Events) Publish(_ context.Context, subject string, v any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Err != nil {
		return e.Err
	}
	if evt, ok := v.(registry.StatusEvent); ok && subject == registry.StatusSubject {
		e.events = append(e.events, evt)
	}
	return nil
}

func (e *Events) All() []registry.StatusEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]registry.StatusEvent(nil), e.events...)
}
