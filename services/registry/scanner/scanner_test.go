package scanner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"registryd/services/registry"
	"registryd/services/registry/health"
	"registryd/services/registry/ledger"
	"registryd/services/registry/metadata"
	"registryd/services/registry/registrytest"
)

const (
	policy = "7eae28af2208be856f7a119668ae52a49b73725e326dc16579dcc373"
	unitA  = policy + "6167656e7431"
	unitB  = policy + "6167656e7432"
)

const v1Metadata = `{
  "name": "Agent One",
  "api_base_url": "https://one.test/api",
  "author": {"name": "Ada"},
  "tags": ["nlp"],
  "agentPricing": {"pricingType": "Free"},
  "image": "https://one.test/logo.png",
  "capability": {"name": "summarise", "version": "1"},
  "metadata_version": 1
}`

const v2Metadata = `{
  "name": "Agent Two",
  "api_url": "https://two.test",
  "agent_card_url": "https://two.test/card.json",
  "a2a_protocol_versions": ["0.3.0"],
  "metadata_version": 2
}`

var (
	availabilityA = health.Target{Kind: health.KindAvailability, URL: "https://one.test/api/availability"}
	cardB         = health.Target{Kind: health.KindAgentCard, URL: "https://two.test/card.json"}
)

type fixture struct {
	store  *registrytest.MemoryStore
	ledger *registrytest.FakeLedger
	prober *registrytest.FakeProber
	events *registrytest.Events
	source registry.Source
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  registrytest.NewMemoryStore(),
		ledger: registrytest.NewFakeLedger(),
		prober: registrytest.NewFakeProber(),
		events: &registrytest.Events{},
		now:    time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	f.source = f.store.AddSource(registry.Source{
		Network:  registry.Preprod,
		PolicyID: policy,
		APIKey:   "preprodKey",
		Cursor:   registry.Cursor{LastCheckedPage: 1},
	})
	f.prober.Set(availabilityA, health.Probe{Status: registry.StatusOnline})
	f.ledger.SetAsset(unitA, v1Metadata)
	return f
}

func (f *fixture) scanner(t *testing.T, pageSize int) *Scanner {
	t.Helper()
	s, err := New(f.store, f.ledger, f.prober, Options{
		PageSize: pageSize,
		Events:   f.events,
		Logger:   zerolog.Nop(),
		Now:      func() time.Time { return f.now },
	})
	require.NoError(t, err)
	return s
}

func (f *fixture) cursor(t *testing.T) registry.Cursor {
	t.Helper()
	src, ok := f.store.Source(f.source.ID)
	require.True(t, ok)
	return src.Cursor
}

func TestRepeatedMintUpdatesSingleEntry(t *testing.T) {
	f := newFixture(t)
	f.ledger.AddTx(registrytest.MintTx("tx1", unitA, 1))
	f.ledger.AddTx(registrytest.MintTx("tx2", unitA, 1))

	require.NoError(t, f.scanner(t, 100).Run(context.Background()))

	entries := f.store.Entries()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, unitA, e.AssetIdentifier)
	assert.Equal(t, "Agent One", e.Name)
	assert.Equal(t, registry.StatusOnline, e.Status)
	assert.Equal(t, int64(2), e.UptimeCount)
	assert.Equal(t, int64(2), e.UptimeCheckCount)
	require.NotNil(t, e.Capability)
	assert.Equal(t, "summarise", e.Capability.Name)
	assert.NotEmpty(t, e.Fingerprint)

	assert.Equal(t, registry.Cursor{LastTxID: "tx2", LastCheckedPage: 1}, f.cursor(t))

	events := f.events.All()
	require.Len(t, events, 1, "only the creation changed the status")
	assert.Equal(t, registry.ReasonDiscovered, events[0].Reason)
}

func TestBurnDeregisters(t *testing.T) {
	f := newFixture(t)
	f.ledger.AddTx(registrytest.MintTx("tx1", unitA, 1))
	f.ledger.AddTx(registrytest.BurnTx("tx2", unitA, 1))

	require.NoError(t, f.scanner(t, 100).Run(context.Background()))

	e, ok := f.store.Entry(unitA)
	require.True(t, ok)
	assert.Equal(t, registry.StatusDeregistered, e.Status)
	assert.Equal(t, f.now, e.StatusUpdatedAt)
	assert.Equal(t, "tx2", f.cursor(t).LastTxID)

	events := f.events.All()
	require.Len(t, events, 2)
	assert.Equal(t, registry.ReasonBurned, events[1].Reason)
	assert.Equal(t, registry.StatusOnline, events[1].Previous)
}

func TestDeregisteredIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.ledger.AddTx(registrytest.MintTx("tx1", unitA, 1))
	f.ledger.AddTx(registrytest.BurnTx("tx2", unitA, 1))
	f.ledger.AddTx(registrytest.MintTx("tx3", unitA, 1))
	f.ledger.AddTx(registrytest.BurnTx("tx4", unitA, 1))

	require.NoError(t, f.scanner(t, 100).Run(context.Background()))

	e, _ := f.store.Entry(unitA)
	assert.Equal(t, registry.StatusDeregistered, e.Status)
	assert.Equal(t, int64(1), e.UptimeCheckCount, "mint after burn must not touch the entry")
	assert.Equal(t, "tx4", f.cursor(t).LastTxID)
}

type recordingArchiver struct {
	txs []string
}

func (a *recordingArchiver) Archive(_ context.Context, _, _, txHash string, _ []byte) error {
	a.txs = append(a.txs, txHash)
	return nil
}

func TestMintAfterBurnSkipsProbeAndArchive(t *testing.T) {
	f := newFixture(t)
	f.ledger.AddTx(registrytest.MintTx("tx1", unitA, 1))
	f.ledger.AddTx(registrytest.BurnTx("tx2", unitA, 1))
	f.ledger.AddTx(registrytest.MintTx("tx3", unitA, 1))

	arc := &recordingArchiver{}
	s, err := New(f.store, f.ledger, f.prober, Options{
		Archiver: arc,
		Events:   f.events,
		Logger:   zerolog.Nop(),
		Now:      func() time.Time { return f.now },
	})
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, 1, f.prober.Calls(availabilityA))
	assert.Equal(t, []string{"tx1"}, arc.txs)

	assetCalls := 0
	for _, c := range f.ledger.Calls() {
		if c == "asset:"+unitA {
			assetCalls++
		}
	}
	assert.Equal(t, 1, assetCalls)
	assert.Equal(t, "tx3", f.cursor(t).LastTxID)
	require.Len(t, f.events.All(), 2)
}

func TestDiscoveryTimeoutRegistersOffline(t *testing.T) {
	f := newFixture(t)
	f.prober.Set(availabilityA, health.Probe{
		Status: registry.StatusOffline,
		Err:    context.DeadlineExceeded,
	})
	f.ledger.AddTx(registrytest.MintTx("tx1", unitA, 1))

	require.NoError(t, f.scanner(t, 100).Run(context.Background()))

	e, ok := f.store.Entry(unitA)
	require.True(t, ok)
	assert.Equal(t, 1, e.MetadataVersion)
	assert.Equal(t, registry.StatusOffline, e.Status)
	assert.Equal(t, int64(0), e.UptimeCount)
	assert.Equal(t, int64(1), e.UptimeCheckCount)
	assert.Equal(t, f.now, e.LastUptimeCheck)
	assert.Equal(t, "tx1", f.cursor(t).LastTxID)

	events := f.events.All()
	require.Len(t, events, 1)
	assert.Equal(t, registry.StatusOffline, events[0].Status)
	assert.Equal(t, registry.ReasonDiscovered, events[0].Reason)
}

func TestBurnOfUnknownAssetIsNoop(t *testing.T) {
	f := newFixture(t)
	f.ledger.AddTx(registrytest.BurnTx("tx1", unitB, 1))

	require.NoError(t, f.scanner(t, 100).Run(context.Background()))
	assert.Empty(t, f.store.Entries())
	assert.Equal(t, "tx1", f.cursor(t).LastTxID)
}

func TestReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.ledger.AddTx(registrytest.MintTx("tx1", unitA, 1))
	s := f.scanner(t, 100)

	require.NoError(t, s.Run(context.Background()))
	first, _ := f.store.Entry(unitA)

	require.NoError(t, f.store.SaveCursor(context.Background(), f.source.ID, registry.Cursor{LastCheckedPage: 1}))
	require.NoError(t, s.Run(context.Background()))

	require.Len(t, f.store.Entries(), 1)
	second, _ := f.store.Entry(unitA)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Name, second.Name)
	assert.Equal(t, first.StatusUpdatedAt, second.StatusUpdatedAt)
}

func TestInvalidMetadataIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetAsset(unitB, `{"name":"half a registration"}`)
	f.ledger.AddTx(registrytest.MintTx("tx1", unitB, 1))
	f.ledger.AddTx(registrytest.MintTx("tx2", unitA, 1))

	require.NoError(t, f.scanner(t, 100).Run(context.Background()))

	_, ok := f.store.Entry(unitB)
	assert.False(t, ok)
	_, ok = f.store.Entry(unitA)
	assert.True(t, ok)
	assert.Equal(t, "tx2", f.cursor(t).LastTxID)
	assert.Zero(t, f.prober.Calls(health.Target{Kind: health.KindAvailability, URL: "https://two.test/availability"}))
}

func TestLedgerErrorKeepsCursor(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetAsset(unitB, v1Metadata)
	f.ledger.AddTx(registrytest.MintTx("tx1", unitA, 1))
	f.ledger.AddTx(registrytest.MintTx("tx2", unitB, 1))
	f.ledger.FailOn("utxos:tx2", errors.New("provider unavailable"))

	err := f.scanner(t, 100).Run(context.Background())
	require.Error(t, err)

	assert.Equal(t, registry.Cursor{LastTxID: "tx1", LastCheckedPage: 1}, f.cursor(t))
	_, ok := f.store.Entry(unitB)
	assert.False(t, ok)

	f.ledger.FailOn("utxos:tx2", nil)
	require.NoError(t, f.scanner(t, 100).Run(context.Background()))
	assert.Equal(t, "tx2", f.cursor(t).LastTxID)
	_, ok = f.store.Entry(unitB)
	assert.True(t, ok)
}

func TestAssetFetchErrorAbortsSource(t *testing.T) {
	f := newFixture(t)
	f.ledger.AddTx(registrytest.MintTx("tx1", unitA, 1))
	f.ledger.FailOn("asset:"+unitA, errors.New("timeout"))

	err := f.scanner(t, 100).ScanSource(context.Background(), f.source)
	require.Error(t, err)
	assert.Empty(t, f.cursor(t).LastTxID)
}

func TestPaginationAndResume(t *testing.T) {
	f := newFixture(t)
	for _, h := range []string{"tx1", "tx2", "tx3", "tx4", "tx5"} {
		f.ledger.AddTx(registrytest.MintTx(h, unitA, 1))
	}

	require.NoError(t, f.scanner(t, 2).Run(context.Background()))
	assert.Equal(t, registry.Cursor{LastTxID: "tx5", LastCheckedPage: 3}, f.cursor(t))
	e, _ := f.store.Entry(unitA)
	assert.Equal(t, int64(5), e.UptimeCheckCount)

	f.ledger.AddTx(registrytest.MintTx("tx6", unitA, 1))
	before := len(f.ledger.Calls())
	require.NoError(t, f.scanner(t, 2).Run(context.Background()))

	calls := f.ledger.Calls()[before:]
	assert.Contains(t, calls, "utxos:tx6")
	assert.NotContains(t, calls, "utxos:tx5", "transactions before the cursor are not reprocessed")
	assert.Equal(t, registry.Cursor{LastTxID: "tx6", LastCheckedPage: 4}, f.cursor(t), "a full page moves the cursor to the next one")
}

func TestCursorMissingFromPageStartsAtBeginning(t *testing.T) {
	f := newFixture(t)
	f.ledger.AddTx(registrytest.MintTx("tx1", unitA, 1))
	require.NoError(t, f.store.SaveCursor(context.Background(), f.source.ID, registry.Cursor{LastTxID: "gone", LastCheckedPage: 1}))

	require.NoError(t, f.scanner(t, 100).Run(context.Background()))
	assert.Equal(t, "tx1", f.cursor(t).LastTxID)
}

func TestNonMintInvocationsAreSkipped(t *testing.T) {
	f := newFixture(t)
	f.ledger.AddInvocation(registrytest.MintTx("tx1", unitA, 1), "spend")

	require.NoError(t, f.scanner(t, 100).Run(context.Background()))
	assert.NotContains(t, f.ledger.Calls(), "utxos:tx1")
	assert.Empty(t, f.store.Entries())
}

func TestZeroNetIsNoop(t *testing.T) {
	f := newFixture(t)
	tx := registrytest.MintTx("tx1", unitA, 1)
	tx.Inputs = append(tx.Inputs, ledger.UTXO{Amount: []ledger.Amount{{Unit: unitA, Quantity: "1"}}})
	f.ledger.AddTx(tx)

	require.NoError(t, f.scanner(t, 100).Run(context.Background()))
	assert.Empty(t, f.store.Entries())
	assert.NotContains(t, f.ledger.Calls(), "asset:"+unitA)
	assert.Equal(t, "tx1", f.cursor(t).LastTxID)
}

func TestVersion2Card(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetAsset(unitB, v2Metadata)
	f.ledger.AddTx(registrytest.MintTx("tx1", unitB, 1))
	f.prober.Set(cardB, health.Probe{Status: registry.StatusOnline, Card: &metadata.AgentCard{
		Name:                "Agent Two",
		ProtocolVersions:    []string{"0.3.0"},
		SupportedInterfaces: []metadata.Interface{{URL: "https://two.test/a2a", ProtocolBinding: "JSONRPC"}},
		DefaultInputModes:   []string{"text/plain"},
		DefaultOutputModes:  []string{"text/plain"},
		Skills:              []metadata.Skill{{ID: "s1", Name: "Skill"}},
	}})

	require.NoError(t, f.scanner(t, 100).Run(context.Background()))

	e, ok := f.store.Entry(unitB)
	require.True(t, ok)
	assert.Equal(t, metadata.VersionV2, e.MetadataVersion)
	assert.Equal(t, registry.StatusOnline, e.Status)
	assert.Len(t, e.Skills, 1)
	assert.Len(t, e.Interfaces, 1)
	assert.Equal(t, 1, f.prober.Calls(cardB))
}

func TestVersion2InvalidCard(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetAsset(unitB, v2Metadata)
	f.ledger.AddTx(registrytest.MintTx("tx1", unitB, 1))
	f.prober.Set(cardB, health.Probe{Status: registry.StatusInvalid, Err: metadata.ErrInvalid})

	require.NoError(t, f.scanner(t, 100).Run(context.Background()))

	e, ok := f.store.Entry(unitB)
	require.True(t, ok, "an invalid card does not block entry creation")
	assert.Equal(t, registry.StatusInvalid, e.Status)
	assert.Empty(t, e.Skills)
	assert.Empty(t, e.Interfaces)
}

func TestIdentityMismatchIsInvalid(t *testing.T) {
	f := newFixture(t)
	f.prober.Set(availabilityA, health.Probe{Status: registry.StatusOnline, Identifier: unitB})
	f.ledger.AddTx(registrytest.MintTx("tx1", unitA, 1))

	require.NoError(t, f.scanner(t, 100).Run(context.Background()))
	e, _ := f.store.Entry(unitA)
	assert.Equal(t, registry.StatusInvalid, e.Status)
	assert.Zero(t, e.UptimeCount)
}

func TestMisconfiguredSourceDoesNotStopOthers(t *testing.T) {
	f := newFixture(t)
	f.ledger.AddTx(registrytest.MintTx("tx1", unitA, 1))
	f.store.AddSource(registry.Source{Network: registry.Mainnet, PolicyID: policy})

	err := f.scanner(t, 100).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 sources failed")

	_, ok := f.store.Entry(unitA)
	assert.True(t, ok)
}

func TestScanSourceRejectsBadConfig(t *testing.T) {
	f := newFixture(t)
	s := f.scanner(t, 100)

	err := s.ScanSource(context.Background(), registry.Source{Network: registry.Preprod, PolicyID: policy})
	assert.ErrorIs(t, err, ErrInvalidSource)
	err = s.ScanSource(context.Background(), registry.Source{Network: registry.Preprod, PolicyID: "xyz", APIKey: "k"})
	assert.ErrorIs(t, err, ErrInvalidSource)
}

func TestPendingMints(t *testing.T) {
	inv := []ledger.Redeemer{
		{TxHash: "a", Purpose: "mint"},
		{TxHash: "b", Purpose: "mint"},
		{TxHash: "b", TxIndex: 1, Purpose: "mint"},
		{TxHash: "c", Purpose: "spend"},
		{TxHash: "d", Purpose: "mint"},
	}

	assert.Equal(t, []string{"a", "b", "d"}, pendingMints(inv, ""))
	assert.Equal(t, []string{"d"}, pendingMints(inv, "b"))
	assert.Equal(t, []string{"a", "b", "d"}, pendingMints(inv, "zzz"))
	assert.Empty(t, pendingMints(inv, "d"))
}

func TestNetQuantities(t *testing.T) {
	tx := ledger.TxUTXOs{
		Inputs: []ledger.UTXO{
			{Amount: []ledger.Amount{{Unit: unitB, Quantity: "1"}}},
			{Collateral: true, Amount: []ledger.Amount{{Unit: unitA, Quantity: "7"}}},
		},
		Outputs: []ledger.UTXO{
			{Amount: []ledger.Amount{{Unit: unitA, Quantity: "18446744073709551616"}, {Unit: "lovelace", Quantity: "1"}}},
		},
	}

	deltas, err := netQuantities(tx, policy)
	require.NoError(t, err)
	require.Len(t, deltas, 2)
	assert.Equal(t, unitA, deltas[0].unit)
	assert.Equal(t, "18446744073709551616", deltas[0].net.String())
	assert.Equal(t, unitB, deltas[1].unit)
	assert.Equal(t, -1, deltas[1].net.Sign())

	tx.Outputs[0].Amount[0].Quantity = "lots"
	_, err = netQuantities(tx, policy)
	assert.Error(t, err)
}
