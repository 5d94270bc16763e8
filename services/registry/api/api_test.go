package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"registryd/services/registry"
	"registryd/services/registry/registrytest"
)

var base = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

type downStore struct {
	*registrytest.MemoryStore
}

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func newServer(t *testing.T, store Store) *httptest.Server {
	t.Helper()
	a, err := New(store, Config{}, zerolog.Nop())
	require.NoError(t, err)
	srv := httptest.NewServer(a.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func seed(store *registrytest.MemoryStore, asset string, status registry.Status, version int, tags []string, created, changed time.Time) registry.Entry {
	return store.PutEntry(registry.Entry{
		AssetIdentifier: asset,
		MetadataVersion: version,
		Name:            asset,
		APIBaseURL:      "https://" + asset + ".test",
		Tags:            tags,
		Status:          status,
		StatusUpdatedAt: changed,
		LastUptimeCheck: changed,
		CreatedAt:       created,
		UpdatedAt:       changed,
	})
}

func getJSON(t *testing.T, srv *httptest.Server, path string, dest any) int {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if dest != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(dest))
	}
	return resp.StatusCode
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(nil, Config{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestHealthAndReadiness(t *testing.T) {
	srv := newServer(t, registrytest.NewMemoryStore())

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	down := newServer(t, downStore{registrytest.NewMemoryStore()})
	var body map[string]string
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, down, "/readyz", &body))
	assert.Equal(t, "database unavailable", body["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newServer(t, registrytest.NewMemoryStore())
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListEntriesFilters(t *testing.T) {
	store := registrytest.NewMemoryStore()
	seed(store, "a1", registry.StatusOnline, 1, []string{"nlp"}, base, base)
	seed(store, "a2", registry.StatusOffline, 2, []string{"vision"}, base.Add(time.Minute), base)
	seed(store, "a3", registry.StatusDeregistered, 1, []string{"nlp"}, base.Add(2*time.Minute), base)
	srv := newServer(t, store)

	cases := []struct {
		name  string
		query string
		want  []string
	}{
		{name: "all", query: "", want: []string{"a1", "a2", "a3"}},
		{name: "status", query: "?status=Online,Offline", want: []string{"a1", "a2"}},
		{name: "repeated status", query: "?status=Online&status=Deregistered", want: []string{"a1", "a3"}},
		{name: "version", query: "?metadata_version=2", want: []string{"a2"}},
		{name: "tag", query: "?tag=nlp", want: []string{"a1", "a3"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var resp listResponse
			require.Equal(t, http.StatusOK, getJSON(t, srv, "/v1/entries"+tc.query, &resp))
			var got []string
			for _, e := range resp.Entries {
				got = append(got, e.AssetIdentifier)
			}
			assert.Equal(t, tc.want, got)
			assert.Nil(t, resp.NextAfter)
		})
	}
}

func TestListEntriesPagination(t *testing.T) {
	store := registrytest.NewMemoryStore()
	for i, asset := range []string{"p1", "p2", "p3"} {
		seed(store, asset, registry.StatusOnline, 1, nil, base.Add(time.Duration(i)*time.Minute), base)
	}
	srv := newServer(t, store)

	var first listResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv, "/v1/entries?limit=2", &first))
	require.Len(t, first.Entries, 2)
	require.NotNil(t, first.NextAfter)
	assert.Equal(t, first.Entries[1].ID, *first.NextAfter)

	var second listResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv, "/v1/entries?limit=2&after="+first.NextAfter.String(), &second))
	require.Len(t, second.Entries, 1)
	assert.Equal(t, "p3", second.Entries[0].AssetIdentifier)
	assert.Nil(t, second.NextAfter)
}

func TestListEntriesBadRequest(t *testing.T) {
	srv := newServer(t, registrytest.NewMemoryStore())
	for _, q := range []string{"?status=Sleeping", "?metadata_version=3", "?after=nope", "?limit=-1", "?limit=x"} {
		var body map[string]string
		assert.Equal(t, http.StatusBadRequest, getJSON(t, srv, "/v1/entries"+q, &body), q)
		assert.NotEmpty(t, body["error"], q)
	}
}

func TestDiff(t *testing.T) {
	store := registrytest.NewMemoryStore()
	t1 := base
	t2 := base.Add(time.Hour)
	old := seed(store, "old", registry.StatusOnline, 1, nil, base, t1)
	x := seed(store, "x", registry.StatusOffline, 1, nil, base, t2)
	y := seed(store, "y", registry.StatusInvalid, 1, nil, base, t2)
	first, second := x, y
	if second.ID.String() < first.ID.String() {
		first, second = second, first
	}
	srv := newServer(t, store)

	var all diffResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv, "/v1/entries/diff", &all))
	require.Len(t, all.Entries, 3)
	assert.Equal(t, old.ID, all.Entries[0].ID)
	assert.Nil(t, all.Next)

	q := url.Values{"since": {t2.Format(time.RFC3339Nano)}, "cursor_id": {second.ID.String()}}
	var tail diffResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv, "/v1/entries/diff?"+q.Encode(), &tail))
	require.Len(t, tail.Entries, 1, "boundary is inclusive on the cursor id")
	assert.Equal(t, second.ID, tail.Entries[0].ID)

	var page diffResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv, "/v1/entries/diff?limit=2", &page))
	require.Len(t, page.Entries, 2)
	require.NotNil(t, page.Next)
	assert.Equal(t, first.ID, page.Next.CursorID)
	assert.True(t, t2.Equal(page.Next.Since))

	var bad map[string]string
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv, "/v1/entries/diff?since=yesterday", &bad))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv, "/v1/entries/diff?cursor_id=zzz", &bad))
}

func TestDiffFollowsCursorWithSmallLimit(t *testing.T) {
	store := registrytest.NewMemoryStore()
	seed(store, "a", registry.StatusOnline, 1, nil, base, base)
	seed(store, "b", registry.StatusOffline, 1, nil, base, base.Add(time.Minute))
	srv := newServer(t, store)

	seen := map[string]int{}
	path := "/v1/entries/diff?limit=1"
	for range 5 {
		var page diffResponse
		require.Equal(t, http.StatusOK, getJSON(t, srv, path, &page))
		for _, e := range page.Entries {
			seen[e.AssetIdentifier]++
		}
		if page.Next == nil {
			break
		}
		q := url.Values{
			"since":     {page.Next.Since.Format(time.RFC3339Nano)},
			"cursor_id": {page.Next.CursorID.String()},
			"limit":     {"1"},
		}
		path = "/v1/entries/diff?" + q.Encode()
	}

	assert.Equal(t, 1, seen["a"])
	assert.Positive(t, seen["b"])
	assert.LessOrEqual(t, seen["b"], 2)
}

func TestGetEntry(t *testing.T) {
	store := registrytest.NewMemoryStore()
	e := seed(store, "known", registry.StatusOnline, 1, []string{"nlp"}, base, base)
	srv := newServer(t, store)

	var body struct {
		Entry registry.Entry `json:"entry"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv, "/v1/entries/known", &body))
	assert.Equal(t, e.ID, body.Entry.ID)
	assert.Equal(t, []string{"nlp"}, body.Entry.Tags)

	var missing map[string]string
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv, "/v1/entries/"+uuid.NewString(), &missing))
	assert.Equal(t, "entry not found", missing["error"])
}

func TestCORSPreflight(t *testing.T) {
	srv := newServer(t, registrytest.NewMemoryStore())
	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/v1/entries", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://explorer.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
