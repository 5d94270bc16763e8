package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"registryd/services/registry"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewClient(ClientConfig{
		BaseURL:           srv.URL,
		ProjectID:         "preprodKey",
		HTTPClient:        srv.Client(),
		RequestsPerSecond: 1000,
		MaxRetries:        2,
		RetryBase:         time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func TestScriptRedeemers(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/scripts/abc/redeemers", r.URL.Path)
		assert.Equal(t, "preprodKey", r.Header.Get("project_id"))
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "100", r.URL.Query().Get("count"))
		assert.Equal(t, "asc", r.URL.Query().Get("order"))
		_ = json.NewEncoder(w).Encode([]Redeemer{{TxHash: "tx1", Purpose: "mint"}, {TxHash: "tx2", TxIndex: 1, Purpose: "spend"}})
	}))

	got, err := c.ScriptRedeemers(context.Background(), "abc", 2, 100)
	require.NoError(t, err)
	assert.Equal(t, []Redeemer{{TxHash: "tx1", Purpose: "mint"}, {TxHash: "tx2", TxIndex: 1, Purpose: "spend"}}, got)
}

func TestScriptRedeemersNeverInvoked(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler())
	got, err := c.ScriptRedeemers(context.Background(), "abc", 1, 100)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusBadGateway)
		default:
			_, _ = w.Write([]byte(`{"hash":"tx1","inputs":[],"outputs":[{"address":"addr1","amount":[{"unit":"lovelace","quantity":"1000000"}]}]}`))
		}
	}))

	got, err := c.TransactionUTXOs(context.Background(), "tx1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, got.Outputs, 1)
	assert.Equal(t, "1000000", got.Outputs[0].Amount[0].Quantity)
}

func TestRetriesAreBounded(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := c.Asset(context.Background(), "unit")
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load(), "one attempt plus two retries")
}

func TestClientErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{name: "not found", status: http.StatusNotFound, want: ErrNotFound},
		{name: "unauthorized", status: http.StatusUnauthorized, want: ErrUnauthorized},
		{name: "forbidden", status: http.StatusForbidden, want: ErrUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			_, err := c.Asset(context.Background(), "unit")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAssetMetadata(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/assets/policyname", r.URL.Path)
		_, _ = w.Write([]byte(`{"asset":"policyname","policy_id":"policy","onchain_metadata":{"name":"Agent"}}`))
	}))

	a, err := c.Asset(context.Background(), "policyname")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Agent"}`, string(a.OnchainMetadata))
}

func TestRegistryReusesClients(t *testing.T) {
	r := NewRegistry(Options{BaseURLs: map[registry.Network]string{registry.Preprod: "http://ledger.test"}})

	a, err := r.Ledger(registry.Preprod, "key1")
	require.NoError(t, err)
	b, err := r.Ledger(registry.Preprod, "key1")
	require.NoError(t, err)
	assert.Same(t, a.(*Client), b.(*Client))

	other, err := r.Ledger(registry.Preprod, "key2")
	require.NoError(t, err)
	assert.NotSame(t, a.(*Client), other.(*Client))

	main, err := r.Ledger(registry.Mainnet, "key1")
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURLs[registry.Mainnet], main.(*Client).baseURL)

	_, err = r.Ledger(registry.Preprod, "")
	assert.ErrorIs(t, err, ErrInvalidSource)
	_, err = r.Ledger(registry.Network("Testnet"), "key")
	assert.ErrorIs(t, err, ErrInvalidSource)
}
