package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"registryd/services/registry"
)

// minDiffLimit keeps an inclusive diff cursor moving: a full page always
// holds at least one entry past the row the cursor names.
const minDiffLimit = 2

type listResponse struct {
	Entries   []registry.Entry `json:"entries"`
	NextAfter *uuid.UUID       `json:"next_after,omitempty"`
}

// diffCursor is where the next diff page starts. The boundary is inclusive,
// so the entry it names is returned again.
type diffCursor struct {
	Since    time.Time `json:"since"`
	CursorID uuid.UUID `json:"cursor_id"`
}

type diffResponse struct {
	Entries []registry.Entry `json:"entries"`
	Next    *diffCursor      `json:"next,omitempty"`
}

func (a *API) handleListEntries(w http.ResponseWriter, r *http.Request) {
	f, err := parseListFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	entries, err := a.store.ListEntries(ctx, f)
	if err != nil {
		a.logger.Error().Err(err).Msg("list entries")
		respondError(w, http.StatusInternalServerError, errors.New("list entries failed"))
		return
	}

	resp := listResponse{Entries: nonNil(entries)}
	if len(entries) > 0 && len(entries) == registry.ClampLimit(f.Limit) {
		last := entries[len(entries)-1].ID
		resp.NextAfter = &last
	}
	respondJSON(w, http.StatusOK, resp)
}

func (a *API) handleDiff(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var since time.Time
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, errors.New("since: expected an RFC 3339 timestamp"))
			return
		}
		since = t
	}
	var cursorID uuid.UUID
	if raw := q.Get("cursor_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("cursor_id: %w", err))
			return
		}
		cursorID = id
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	limit = max(limit, minDiffLimit)

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	entries, err := a.store.ListChangedSince(ctx, since, cursorID, limit)
	if err != nil {
		a.logger.Error().Err(err).Msg("list changed entries")
		respondError(w, http.StatusInternalServerError, errors.New("diff query failed"))
		return
	}

	resp := diffResponse{Entries: nonNil(entries)}
	if len(entries) > 0 && len(entries) == registry.ClampLimit(limit) {
		last := entries[len(entries)-1]
		resp.Next = &diffCursor{Since: last.StatusUpdatedAt, CursorID: last.ID}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (a *API) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	asset := strings.TrimSpace(chi.URLParam(r, "asset"))
	if asset == "" {
		respondError(w, http.StatusBadRequest, errors.New("asset identifier is required"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	entry, err := a.store.GetEntry(ctx, asset)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		respondError(w, http.StatusNotFound, errors.New("entry not found"))
	case err != nil:
		a.logger.Error().Err(err).Str("asset", asset).Msg("get entry")
		respondError(w, http.StatusInternalServerError, errors.New("get entry failed"))
	default:
		respondJSON(w, http.StatusOK, map[string]any{"entry": entry})
	}
}

func parseListFilter(r *http.Request) (registry.ListFilter, error) {
	q := r.URL.Query()
	var f registry.ListFilter

	for _, raw := range q["status"] {
		for _, part := range strings.Split(raw, ",") {
			st := registry.Status(strings.TrimSpace(part))
			if st == "" {
				continue
			}
			if !st.Valid() {
				return f, fmt.Errorf("status: unknown value %q", st)
			}
			f.Statuses = append(f.Statuses, st)
		}
	}

	if raw := q.Get("metadata_version"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || (v != 1 && v != 2) {
			return f, errors.New("metadata_version: expected 1 or 2")
		}
		f.MetadataVersion = v
	}

	f.Tag = strings.TrimSpace(q.Get("tag"))

	if raw := q.Get("after"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return f, fmt.Errorf("after: %w", err)
		}
		f.AfterID = id
	}

	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		return f, err
	}
	f.Limit = limit
	return f, nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return registry.DefaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit: expected a positive integer")
	}
	return registry.ClampLimit(n), nil
}

func nonNil(entries []registry.Entry) []registry.Entry {
	if entries == nil {
		return []registry.Entry{}
	}
	return entries
}
