// Package registrytest provides in-memory stand-ins for the registry store,
// the ledger provider and the health prober.
package registrytest

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"registryd/services/registry"
)

// MemoryStore mirrors registry.Store semantics on maps.
type MemoryStore struct {
	mu           sync.Mutex
	sources      []registry.Source
	entries      map[string]*registry.Entry
	capabilities map[registry.Capability]uuid.UUID
	cursorLog    []registry.Cursor
	touched      []uuid.UUID

	// FailRecordCheck, when set, is consulted before every RecordCheck.
	FailRecordCheck func(id uuid.UUID) error
	// FailSaveCursor, when set, is consulted before every SaveCursor.
	FailSaveCursor func(cursor registry.Cursor) error
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:      make(map[string]*registry.Entry),
		capabilities: make(map[registry.Capability]uuid.UUID),
	}
}

// AddSource registers src, assigning an id when it has none.
func (m *MemoryStore) AddSource(src registry.Source) registry.Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	if src.ID == uuid.Nil {
		src.ID = uuid.New()
	}
	m.sources = append(m.sources, src)
	return src
}

func (m *MemoryStore) Source(id uuid.UUID) (registry.Source, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, src := range m.sources {
		if src.ID == id {
			return src, true
		}
	}
	return registry.Source{}, false
}

// PutEntry stores e as is, assigning an id when it has none.
func (m *MemoryStore) PutEntry(e registry.Entry) registry.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	cp := e
	m.entries[e.AssetIdentifier] = &cp
	return e
}

func (m *MemoryStore) Entry(assetIdentifier string) (registry.Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[assetIdentifier]
	if !ok {
		return registry.Entry{}, false
	}
	return *e, true
}

// Entries returns all entries ordered by (created_at, id).
func (m *MemoryStore) Entries() []registry.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedLocked(func(a, b registry.Entry) bool {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
}

// CursorLog lists every cursor saved, in order.
func (m *MemoryStore) CursorLog() []registry.Cursor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.cursorLog)
}

// Touched lists every id passed to TouchEntries, in order.
func (m *MemoryStore) Touched() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.touched)
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) ListSources(context.Context) ([]registry.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.sources), nil
}

func (m *MemoryStore) EnsureSources(_ context.Context, specs []registry.SourceSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, spec := range specs {
		found := false
		for i, src := range m.sources {
			if src.Network == spec.Network && src.PolicyID == spec.PolicyID {
				m.sources[i].APIKey = spec.APIKey
				m.sources[i].Note = spec.Note
				found = true
			}
		}
		if !found {
			m.sources = append(m.sources, registry.Source{
				ID:       uuid.New(),
				Network:  spec.Network,
				PolicyID: spec.PolicyID,
				APIKey:   spec.APIKey,
				Note:     spec.Note,
				Cursor:   registry.Cursor{LastCheckedPage: 1},
			})
		}
	}
	return nil
}

func (m *MemoryStore) SaveCursor(_ context.Context, sourceID uuid.UUID, cursor registry.Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSaveCursor != nil {
		if err := m.FailSaveCursor(cursor); err != nil {
			return err
		}
	}
	for i := range m.sources {
		if m.sources[i].ID == sourceID {
			m.sources[i].Cursor = cursor
			m.cursorLog = append(m.cursorLog, cursor)
			return nil
		}
	}
	return fmt.Errorf("source %s: %w", sourceID, registry.ErrNotFound)
}

func (m *MemoryStore) UpsertEntry(_ context.Context, in registry.EntryInput) (registry.UpsertResult, error) {
	if err := registry.ValidateInput(in); err != nil {
		return registry.UpsertResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.entries[in.AssetIdentifier]
	if !ok {
		e, err := registry.NewEntry(in)
		if err != nil {
			return registry.UpsertResult{}, err
		}
		m.resolveCapabilityLocked(&e)
		m.entries[e.AssetIdentifier] = &e
		return registry.UpsertResult{EntryID: e.ID, Created: true, Status: e.Status}, nil
	}

	previous, applied := existing.Refresh(in)
	if !applied {
		return registry.UpsertResult{EntryID: existing.ID, Previous: previous, Status: previous, Skipped: true}, nil
	}
	m.resolveCapabilityLocked(existing)
	return registry.UpsertResult{EntryID: existing.ID, Previous: previous, Status: existing.Status}, nil
}

func (m *MemoryStore) resolveCapabilityLocked(e *registry.Entry) {
	if e.Capability == nil {
		return
	}
	key := registry.Capability{Name: e.Capability.Name, Version: e.Capability.Version}
	id, ok := m.capabilities[key]
	if !ok {
		id = uuid.New()
		m.capabilities[key] = id
	}
	e.Capability.ID = id
}

func (m *MemoryStore) Deregister(_ context.Context, assetIdentifier string, at time.Time) (registry.DeregisterResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[assetIdentifier]
	if !ok {
		return registry.DeregisterResult{}, nil
	}
	res := registry.DeregisterResult{EntryID: e.ID, Found: true, Previous: e.Status}
	res.Changed = e.Deregister(at.UTC().Truncate(time.Microsecond))
	return res, nil
}

func (m *MemoryStore) SelectDue(_ context.Context, sourceID uuid.UUID, cutoff time.Time, limit int) ([]registry.CheckCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sorted := m.sortedLocked(func(a, b registry.Entry) bool {
		if !a.LastUptimeCheck.Equal(b.LastUptimeCheck) {
			return a.LastUptimeCheck.Before(b.LastUptimeCheck)
		}
		return a.ID.String() < b.ID.String()
	})
	var out []registry.CheckCandidate
	for _, e := range sorted {
		if len(out) == limit {
			break
		}
		if e.SourceID != sourceID || (e.Status != registry.StatusOnline && e.Status != registry.StatusOffline) {
			continue
		}
		if e.LastUptimeCheck.After(cutoff) {
			continue
		}
		out = append(out, e.Candidate())
	}
	return out, nil
}

func (m *MemoryStore) SelectInvalid(_ context.Context, sourceID uuid.UUID, maxChecks int64, limit int) ([]registry.CheckCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sorted := m.sortedLocked(func(a, b registry.Entry) bool {
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
	var out []registry.CheckCandidate
	for _, e := range sorted {
		if len(out) == limit {
			break
		}
		if e.SourceID != sourceID || e.Status != registry.StatusInvalid || e.UptimeCheckCount > maxChecks {
			continue
		}
		out = append(out, e.Candidate())
	}
	return out, nil
}

func (m *MemoryStore) TouchEntries(_ context.Context, ids []uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.touched = append(m.touched, id)
		if e := m.byIDLocked(id); e != nil && e.Status == registry.StatusInvalid {
			e.UpdatedAt = at.UTC().Truncate(time.Microsecond)
		}
	}
	return nil
}

func (m *MemoryStore) RecordCheck(_ context.Context, id uuid.UUID, status registry.Status, at time.Time) (registry.CheckResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailRecordCheck != nil {
		if err := m.FailRecordCheck(id); err != nil {
			return registry.CheckResult{}, err
		}
	}
	e := m.byIDLocked(id)
	if e == nil {
		return registry.CheckResult{}, nil
	}
	previous, applied := e.ApplyCheck(status, at.UTC().Truncate(time.Microsecond))
	if !applied {
		return registry.CheckResult{}, nil
	}
	return registry.CheckResult{Applied: true, Previous: previous, Status: e.Status}, nil
}

func (m *MemoryStore) ListChangedSince(_ context.Context, since time.Time, afterID uuid.UUID, limit int) ([]registry.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sorted := m.sortedLocked(func(a, b registry.Entry) bool {
		if !a.StatusUpdatedAt.Equal(b.StatusUpdatedAt) {
			return a.StatusUpdatedAt.Before(b.StatusUpdatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
	limit = registry.ClampLimit(limit)
	var out []registry.Entry
	for _, e := range sorted {
		if len(out) == limit {
			break
		}
		if e.StatusUpdatedAt.After(since) || (e.StatusUpdatedAt.Equal(since) && e.ID.String() >= afterID.String()) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListEntries(_ context.Context, f registry.ListFilter) ([]registry.Entry, error) {
	all := m.Entries()
	var after *registry.Entry
	if f.AfterID != uuid.Nil {
		for i := range all {
			if all[i].ID == f.AfterID {
				after = &all[i]
			}
		}
	}
	limit := registry.ClampLimit(f.Limit)

	var out []registry.Entry
	for _, e := range all {
		if len(out) == limit {
			break
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, e.Status) {
			continue
		}
		if f.MetadataVersion != 0 && e.MetadataVersion != f.MetadataVersion {
			continue
		}
		if f.Tag != "" && !slices.Contains(e.Tags, f.Tag) {
			continue
		}
		if after != nil && !entryAfter(e, *after) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *MemoryStore) GetEntry(_ context.Context, assetIdentifier string) (registry.Entry, error) {
	e, ok := m.Entry(assetIdentifier)
	if !ok {
		return registry.Entry{}, registry.ErrNotFound
	}
	return e, nil
}

func entryAfter(e, pivot registry.Entry) bool {
	if !e.CreatedAt.Equal(pivot.CreatedAt) {
		return e.CreatedAt.After(pivot.CreatedAt)
	}
	return e.ID.String() > pivot.ID.String()
}

func (m *MemoryStore) byIDLocked(id uuid.UUID) *registry.Entry {
	for _, e := range m.entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (m *MemoryStore) sortedLocked(less func(a, b registry.Entry) bool) []registry.Entry {
	out := make([]registry.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}
