package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"registryd/pkg/db"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Store persists sources and entries in Postgres. Multi-row writes go through
// gorm; hot-path reads and single-statement updates use pgx directly.
type Store struct {
	pool *pgxpool.Pool
	orm  *gorm.DB
}

// NewStore returns a Store over pool and orm, which must share a database.
func NewStore(pool *pgxpool.Pool, orm *gorm.DB) (*Store, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &Store{pool: pool, orm: orm}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return db.Ping(ctx, s.pool)
}

func (s *Store) ListSources(ctx context.Context) ([]Source, error) {
	var models []sourceModel
	if err := s.orm.WithContext(ctx).Order("created_at ASC, id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]Source, 0, len(models))
	for _, m := range models {
		out = append(out, m.toSource())
	}
	return out, nil
}

// EnsureSources inserts missing sources and refreshes credentials and notes of
// existing ones. Cursors are never touched.
func (s *Store) EnsureSources(ctx context.Context, specs []SourceSpec) error {
	if len(specs) == 0 {
		return nil
	}
	models := make([]sourceModel, 0, len(specs))
	for _, spec := range specs {
		models = append(models, sourceModel{
			ID:              uuid.New(),
			Network:         string(spec.Network),
			PolicyID:        spec.PolicyID,
			APIKey:          spec.APIKey,
			Note:            spec.Note,
			LastCheckedPage: 1,
		})
	}
	return s.orm.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "network"}, {Name: "policy_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"api_key", "note", "updated_at"}),
	}).Create(&models).Error
}

func (s *Store) SaveCursor(ctx context.Context, sourceID uuid.UUID, cursor Cursor) error {
	res := s.orm.WithContext(ctx).Model(&sourceModel{}).Where("id = ?", sourceID).Updates(map[string]any{
		"last_tx_id":        cursor.LastTxID,
		"last_checked_page": cursor.LastCheckedPage,
		"updated_at":        time.Now().UTC(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("source %s: %w", sourceID, ErrNotFound)
	}
	return nil
}

// UpsertEntry creates or refreshes the entry for in.AssetIdentifier under a row
// lock. Deregistered entries are reported as skipped and left unchanged.
func (s *Store) UpsertEntry(ctx context.Context, in EntryInput) (UpsertResult, error) {
	if err := ValidateInput(in); err != nil {
		return UpsertResult{}, err
	}

	var res UpsertResult
	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing entryModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("asset_identifier = ?", in.AssetIdentifier).
			Take(&existing).Error

		var e Entry
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			e, err = NewEntry(in)
			if err != nil {
				return err
			}
			res = UpsertResult{EntryID: e.ID, Created: true, Status: e.Status}
		case err != nil:
			return err
		default:
			e = existing.toEntry()
			previous, applied := e.Refresh(in)
			if !applied {
				res = UpsertResult{EntryID: e.ID, Previous: previous, Status: previous, Skipped: true}
				return nil
			}
			res = UpsertResult{EntryID: e.ID, Previous: previous, Status: e.Status}
		}

		if e.Capability != nil {
			id, err := ensureCapability(tx, e.Capability.Name, e.Capability.Version)
			if err != nil {
				return fmt.Errorf("ensure capability: %w", err)
			}
			e.Capability.ID = id
		}

		m := fromEntry(e)
		if res.Created {
			err = tx.Omit(clause.Associations).Create(&m).Error
		} else {
			err = tx.Omit(clause.Associations).Save(&m).Error
		}
		if err != nil {
			return err
		}
		return replaceCardRecords(tx, e)
	})
	if err != nil {
		return UpsertResult{}, fmt.Errorf("upsert entry %s: %w", in.AssetIdentifier, err)
	}
	return res, nil
}

func ensureCapability(tx *gorm.DB, name, version string) (uuid.UUID, error) {
	candidate := capabilityModel{ID: uuid.New(), Name: name, Version: version}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}, {Name: "version"}},
		DoNothing: true,
	}).Create(&candidate).Error; err != nil {
		return uuid.Nil, err
	}

	var out capabilityModel
	if err := tx.Where("name = ? AND version = ?", name, version).Take(&out).Error; err != nil {
		return uuid.Nil, err
	}
	return out.ID, nil
}

func replaceCardRecords(tx *gorm.DB, e Entry) error {
	if err := tx.Where("entry_id = ?", e.ID).Delete(&skillModel{}).Error; err != nil {
		return err
	}
	if err := tx.Where("entry_id = ?", e.ID).Delete(&interfaceModel{}).Error; err != nil {
		return err
	}
	if skills := skillModels(e.ID, e.Skills); len(skills) > 0 {
		if err := tx.Create(&skills).Error; err != nil {
			return err
		}
	}
	if interfaces := interfaceModels(e.ID, e.Interfaces); len(interfaces) > 0 {
		if err := tx.Create(&interfaces).Error; err != nil {
			return err
		}
	}
	return nil
}

// Deregister moves the entry for assetIdentifier to Deregistered. The read and
// the conditional update run in one transaction holding the row lock, so a
// concurrent health update cannot resurrect the entry. Unknown assets and
// already deregistered entries are no-ops.
func (s *Store) Deregister(ctx context.Context, assetIdentifier string, at time.Time) (DeregisterResult, error) {
	at = dbTime(at)
	var res DeregisterResult
	err := db.InTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		var row struct {
			ID     uuid.UUID `db:"id"`
			Status Status    `db:"status"`
		}
		err := pgxscan.Get(ctx, tx, &row, `
SELECT id, status
FROM registry_entries
WHERE asset_identifier = $1
FOR UPDATE
`, assetIdentifier)
		if pgxscan.NotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}

		res = DeregisterResult{EntryID: row.ID, Found: true, Previous: row.Status}
		if row.Status == StatusDeregistered {
			return nil
		}

		if _, err := tx.Exec(ctx, `
UPDATE registry_entries
SET status = $2, status_updated_at = $3, updated_at = $3
WHERE id = $1
`, row.ID.String(), string(StatusDeregistered), at); err != nil {
			return err
		}
		res.Changed = true
		return nil
	})
	if err != nil {
		return DeregisterResult{}, fmt.Errorf("deregister %s: %w", assetIdentifier, err)
	}
	return res, nil
}

const candidateColumns = `id, asset_identifier, metadata_version, api_base_url, agent_card_url, status,
       last_uptime_check, uptime_count, uptime_check_count, updated_at`

// SelectDue returns Online and Offline entries of a source last checked at or
// before cutoff, oldest check first.
func (s *Store) SelectDue(ctx context.Context, sourceID uuid.UUID, cutoff time.Time, limit int) ([]CheckCandidate, error) {
	var out []CheckCandidate
	err := db.Select(ctx, s.pool, &out, `
SELECT `+candidateColumns+`
FROM registry_entries
WHERE source_id = $1
  AND status IN ('Online', 'Offline')
  AND last_uptime_check <= $2
ORDER BY last_uptime_check ASC, id ASC
LIMIT $3
`, sourceID.String(), dbTime(cutoff), limit)
	return out, err
}

// SelectInvalid returns Invalid entries of a source that have not exhausted
// maxChecks, least recently touched first.
func (s *Store) SelectInvalid(ctx context.Context, sourceID uuid.UUID, maxChecks int64, limit int) ([]CheckCandidate, error) {
	var out []CheckCandidate
	err := db.Select(ctx, s.pool, &out, `
SELECT `+candidateColumns+`
FROM registry_entries
WHERE source_id = $1
  AND status = 'Invalid'
  AND uptime_check_count <= $2
ORDER BY updated_at ASC, id ASC
LIMIT $3
`, sourceID.String(), maxChecks, limit)
	return out, err
}

// TouchEntries bumps updated_at of Invalid entries so the next selection
// rotates to other ones. Status and counters are untouched.
func (s *Store) TouchEntries(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	raw := make([]string, 0, len(ids))
	for _, id := range ids {
		raw = append(raw, id.String())
	}
	_, err := db.Exec(ctx, s.pool, `
UPDATE registry_entries
SET updated_at = $2
WHERE id = ANY($1::uuid[]) AND status = 'Invalid'
`, raw, dbTime(at))
	return err
}

// RecordCheck applies one verification outcome in a single statement: status,
// status timestamp on change, both counters and the check time. Deregistered
// rows are never updated.
func (s *Store) RecordCheck(ctx context.Context, id uuid.UUID, status Status, at time.Time) (CheckResult, error) {
	var row struct {
		Previous Status `db:"previous"`
		Status   Status `db:"status"`
	}
	err := db.Get(ctx, s.pool, &row, `
WITH prev AS (
    SELECT id, status
    FROM registry_entries
    WHERE id = $1
    FOR UPDATE
)
UPDATE registry_entries AS e
SET status             = $2::text,
    status_updated_at  = CASE WHEN prev.status <> $2::text THEN $3::timestamptz ELSE e.status_updated_at END,
    uptime_count       = e.uptime_count + CASE WHEN $2::text = 'Online' THEN 1 ELSE 0 END,
    uptime_check_count = e.uptime_check_count + 1,
    last_uptime_check  = $3::timestamptz,
    updated_at         = $3::timestamptz
FROM prev
WHERE e.id = prev.id
  AND prev.status <> 'Deregistered'
RETURNING prev.status AS previous, e.status AS status
`, id.String(), string(status), dbTime(at))
	if pgxscan.NotFound(err) {
		return CheckResult{}, nil
	}
	if err != nil {
		return CheckResult{}, err
	}
	return CheckResult{Applied: true, Previous: row.Previous, Status: row.Status}, nil
}

// ListChangedSince implements the diff contract: entries whose status changed
// after since, or at since with id >= afterID, ordered by (status_updated_at,
// id). The boundary is inclusive so a page never skips rows sharing a
// timestamp; callers dedupe by id.
func (s *Store) ListChangedSince(ctx context.Context, since time.Time, afterID uuid.UUID, limit int) ([]Entry, error) {
	since = dbTime(since)
	var models []entryModel
	err := s.orm.WithContext(ctx).
		Preload("Capability").
		Where("status_updated_at > ? OR (status_updated_at = ? AND id >= ?)", since, since, afterID).
		Order("status_updated_at ASC, id ASC").
		Limit(ClampLimit(limit)).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return toEntries(models), nil
}

func (s *Store) ListEntries(ctx context.Context, f ListFilter) ([]Entry, error) {
	q := s.orm.WithContext(ctx).Preload("Capability")
	if len(f.Statuses) > 0 {
		statuses := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			statuses = append(statuses, string(st))
		}
		q = q.Where("status IN ?", statuses)
	}
	if f.MetadataVersion != 0 {
		q = q.Where("metadata_version = ?", f.MetadataVersion)
	}
	if f.Tag != "" {
		q = q.Where("tags @> ?::jsonb", string(toJSON([]string{f.Tag})))
	}
	if f.AfterID != uuid.Nil {
		q = q.Where("(created_at, id) > (SELECT created_at, id FROM registry_entries WHERE id = ?)", f.AfterID)
	}

	var models []entryModel
	if err := q.Order("created_at ASC, id ASC").Limit(ClampLimit(f.Limit)).Find(&models).Error; err != nil {
		return nil, err
	}
	return toEntries(models), nil
}

func (s *Store) GetEntry(ctx context.Context, assetIdentifier string) (Entry, error) {
	var m entryModel
	err := s.orm.WithContext(ctx).
		Preload("Capability").
		Preload("Skills", func(tx *gorm.DB) *gorm.DB { return tx.Order("position ASC") }).
		Preload("Interfaces", func(tx *gorm.DB) *gorm.DB { return tx.Order("position ASC") }).
		Where("asset_identifier = ?", assetIdentifier).
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	return m.toEntry(), nil
}

func toEntries(models []entryModel) []Entry {
	out := make([]Entry, 0, len(models))
	for _, m := range models {
		out = append(out, m.toEntry())
	}
	return out
}

// ClampLimit bounds a requested page size to [1, MaxListLimit].
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
