package registry

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"registryd/services/registry/metadata"
)

const testPolicy = "7eae28af2208be856f7a119668ae52a49b73725e326dc16579dcc373"

func TestFingerprint(t *testing.T) {
	got, err := Fingerprint(testPolicy)
	require.NoError(t, err)
	assert.Equal(t, "asset1rjklcrnsdzqp65wjgrg55sy9723kw09mlgvlc3", got)

	_, err = Fingerprint("abc")
	assert.Error(t, err)
	_, err = Fingerprint(testPolicy + "zz")
	assert.Error(t, err)
}

func TestValidPolicyID(t *testing.T) {
	assert.True(t, ValidPolicyID(testPolicy))
	assert.False(t, ValidPolicyID(testPolicy[:55]))
	assert.False(t, ValidPolicyID("g"+testPolicy[1:]))
}

func TestParseNetwork(t *testing.T) {
	n, err := ParseNetwork(" mainnet ")
	require.NoError(t, err)
	assert.Equal(t, Mainnet, n)
	n, err = ParseNetwork("Preprod")
	require.NoError(t, err)
	assert.Equal(t, Preprod, n)
	_, err = ParseNetwork("preview")
	assert.Error(t, err)
}

func TestApplyCheck(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	e := Entry{Status: StatusOnline, StatusUpdatedAt: t0, UptimeCount: 3, UptimeCheckCount: 4}

	t1 := t0.Add(time.Minute)
	prev, applied := e.ApplyCheck(StatusOnline, t1)
	assert.True(t, applied)
	assert.Equal(t, StatusOnline, prev)
	assert.Equal(t, t0, e.StatusUpdatedAt, "unchanged status keeps its timestamp")
	assert.Equal(t, int64(4), e.UptimeCount)
	assert.Equal(t, int64(5), e.UptimeCheckCount)
	assert.Equal(t, t1, e.LastUptimeCheck)

	t2 := t1.Add(time.Minute)
	prev, _ = e.ApplyCheck(StatusOffline, t2)
	assert.Equal(t, StatusOnline, prev)
	assert.Equal(t, StatusOffline, e.Status)
	assert.Equal(t, t2, e.StatusUpdatedAt)
	assert.Equal(t, int64(4), e.UptimeCount)
	assert.Equal(t, int64(6), e.UptimeCheckCount)
	assert.GreaterOrEqual(t, e.UptimeCheckCount, e.UptimeCount)

	require.True(t, e.Deregister(t2.Add(time.Minute)))
	assert.False(t, e.Deregister(t2.Add(2*time.Minute)))
	before := e
	_, applied = e.ApplyCheck(StatusOnline, t2.Add(3*time.Minute))
	assert.False(t, applied)
	assert.Equal(t, before, e)
}

func TestNewEntryAndRefresh(t *testing.T) {
	checked := time.Date(2025, 2, 1, 12, 0, 0, 123456789, time.UTC)
	card := metadata.AgentCard{
		Name:                "Card",
		ProtocolVersions:    []string{"0.3.0"},
		SupportedInterfaces: []metadata.Interface{{URL: "https://a.test/a2a", ProtocolBinding: "JSONRPC"}},
		Skills:              []metadata.Skill{{ID: "s1", Name: "Skill"}},
	}
	cardURL := "https://a.test/card.json"
	in := EntryInput{
		SourceID:        uuid.New(),
		AssetIdentifier: testPolicy + "01",
		Registration: metadata.Registration{
			Version:      metadata.VersionV2,
			Name:         "Agent",
			APIBaseURL:   "https://a.test",
			AgentCardURL: &cardURL,
			Pricing:      metadata.Pricing{Type: metadata.PricingNone},
		},
		Card:      &card,
		Status:    StatusOnline,
		CheckedAt: checked,
	}

	e, err := NewEntry(in)
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, e.Status)
	assert.Equal(t, int64(1), e.UptimeCount)
	assert.Equal(t, int64(1), e.UptimeCheckCount)
	assert.Equal(t, checked.Truncate(time.Microsecond), e.StatusUpdatedAt)
	assert.Len(t, e.Skills, 1)
	assert.Len(t, e.Interfaces, 1)
	require.NotNil(t, e.Card)
	assert.NotEmpty(t, e.Fingerprint)

	in.Card = nil
	in.Status = StatusInvalid
	in.CheckedAt = checked.Add(time.Hour)
	prev, applied := e.Refresh(in)
	assert.True(t, applied)
	assert.Equal(t, StatusOnline, prev)
	assert.Equal(t, StatusInvalid, e.Status)
	assert.Equal(t, int64(1), e.UptimeCount)
	assert.Equal(t, int64(2), e.UptimeCheckCount)
	assert.Empty(t, e.Skills, "invalid card clears sub-records")
	assert.Empty(t, e.Interfaces)
	assert.Nil(t, e.Card)
}

func TestValidateInput(t *testing.T) {
	base := EntryInput{SourceID: uuid.New(), AssetIdentifier: testPolicy, Status: StatusOnline}
	require.NoError(t, ValidateInput(base))

	bad := base
	bad.Status = StatusDeregistered
	assert.Error(t, ValidateInput(bad))

	bad = base
	bad.AssetIdentifier = ""
	assert.Error(t, ValidateInput(bad))
}

func TestUpsertResultStatusChanged(t *testing.T) {
	assert.True(t, UpsertResult{Created: true, Status: StatusOnline}.StatusChanged())
	assert.False(t, UpsertResult{Previous: StatusOnline, Status: StatusOnline}.StatusChanged())
	assert.True(t, UpsertResult{Previous: StatusOnline, Status: StatusOffline}.StatusChanged())
	assert.False(t, UpsertResult{Skipped: true, Previous: StatusDeregistered, Status: StatusDeregistered}.StatusChanged())
}
