// Package registry holds the agent registry domain types and the Postgres
// store that the scanner, the reconciliation batcher and the read API share.
package registry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"registryd/services/registry/metadata"
)

// ErrNotFound is returned when an entry or source does not exist.
var ErrNotFound = errors.New("registry: not found")

// Status is the liveness state of an entry. Deregistered is terminal.
type Status string

const (
	StatusOnline       Status = "Online"
	StatusOffline      Status = "Offline"
	StatusInvalid      Status = "Invalid"
	StatusDeregistered Status = "Deregistered"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusInvalid, StatusDeregistered:
		return true
	}
	return false
}

// Network names the ledger a source is scanned on.
type Network string

const (
	Mainnet Network = "Mainnet"
	Preprod Network = "Preprod"
)

// ParseNetwork accepts network names case-insensitively.
func ParseNetwork(s string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mainnet":
		return Mainnet, nil
	case "preprod":
		return Preprod, nil
	}
	return "", fmt.Errorf("unknown network %q", s)
}

// Cursor is the scan position of a source: the last fully processed
// transaction and the invocation page it was found on.
type Cursor struct {
	LastTxID        string `json:"last_tx_id,omitempty"`
	LastCheckedPage int    `json:"last_checked_page"`
}

// Source is a minting policy scanned on one network, with its scan cursor.
type Source struct {
	ID       uuid.UUID
	Network  Network
	PolicyID string
	APIKey   string
	Note     string
	Cursor   Cursor
}

// SourceSpec seeds or refreshes a source row keyed by (network, policy id).
type SourceSpec struct {
	Network  Network
	PolicyID string
	APIKey   string
	Note     string
}

// Capability is a (name, version) pair shared by entries.
type Capability struct {
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"name"`
	Version string    `json:"version"`
}

// CardProfile is the part of a fetched agent card stored on the entry row.
// Skills and interfaces are stored as child records.
type CardProfile struct {
	Name               string                `json:"name"`
	Description        *string               `json:"description,omitempty"`
	Version            *string               `json:"version,omitempty"`
	ProtocolVersions   []string              `json:"protocol_versions"`
	Provider           *metadata.Provider    `json:"provider,omitempty"`
	DocumentationURL   *string               `json:"documentation_url,omitempty"`
	IconURL            *string               `json:"icon_url,omitempty"`
	Capabilities       metadata.Capabilities `json:"capabilities"`
	DefaultInputModes  []string              `json:"default_input_modes"`
	DefaultOutputModes []string              `json:"default_output_modes"`
}

// ProfileOf extracts the stored profile of a validated card.
func ProfileOf(card metadata.AgentCard) CardProfile {
	return CardProfile{
		Name:               card.Name,
		Description:        card.Description,
		Version:            card.Version,
		ProtocolVersions:   card.ProtocolVersions,
		Provider:           card.Provider,
		DocumentationURL:   card.DocumentationURL,
		IconURL:            card.IconURL,
		Capabilities:       card.Capabilities,
		DefaultInputModes:  card.DefaultInputModes,
		DefaultOutputModes: card.DefaultOutputModes,
	}
}

// Entry is one registered agent.
type Entry struct {
	ID               uuid.UUID                `json:"id"`
	SourceID         uuid.UUID                `json:"source_id"`
	AssetIdentifier  string                   `json:"asset_identifier"`
	Fingerprint      string                   `json:"fingerprint"`
	MetadataVersion  int                      `json:"metadata_version"`
	Name             string                   `json:"name"`
	Description      *string                  `json:"description,omitempty"`
	APIBaseURL       string                   `json:"api_base_url"`
	AgentCardURL     *string                  `json:"agent_card_url,omitempty"`
	ProtocolVersions []string                 `json:"protocol_versions,omitempty"`
	Image            *string                  `json:"image,omitempty"`
	Tags             []string                 `json:"tags"`
	Author           *metadata.Author         `json:"author,omitempty"`
	Legal            *metadata.Legal          `json:"legal,omitempty"`
	Capability       *Capability              `json:"capability,omitempty"`
	ExampleOutputs   []metadata.ExampleOutput `json:"example_outputs,omitempty"`
	Pricing          metadata.Pricing         `json:"pricing"`
	Card             *CardProfile             `json:"agent_card,omitempty"`
	Skills           []metadata.Skill         `json:"skills,omitempty"`
	Interfaces       []metadata.Interface     `json:"interfaces,omitempty"`
	Status           Status                   `json:"status"`
	StatusUpdatedAt  time.Time                `json:"status_updated_at"`
	LastUptimeCheck  time.Time                `json:"last_uptime_check"`
	UptimeCount      int64                    `json:"uptime_count"`
	UptimeCheckCount int64                    `json:"uptime_check_count"`
	CreatedAt        time.Time                `json:"created_at"`
	UpdatedAt        time.Time                `json:"updated_at"`
}

// EntryInput is what the scanner materializes for one minted asset.
type EntryInput struct {
	SourceID        uuid.UUID
	PolicyID        string
	AssetIdentifier string
	Registration    metadata.Registration
	// Card is set only when a version 2 card was fetched and validated during
	// the discovery probe. A nil card clears stored skills and interfaces.
	Card      *metadata.AgentCard
	Status    Status
	CheckedAt time.Time
}

// UpsertResult reports what UpsertEntry did to the entry row.
type UpsertResult struct {
	EntryID  uuid.UUID
	Created  bool
	Previous Status
	Status   Status
	// Skipped is set when the entry was already Deregistered and left as is.
	Skipped bool
}

func (r UpsertResult) StatusChanged() bool {
	return !r.Skipped && (r.Created || r.Previous != r.Status)
}

// DeregisterResult reports whether a burn changed an entry.
type DeregisterResult struct {
	EntryID  uuid.UUID
	Found    bool
	Changed  bool
	Previous Status
}

// CheckCandidate is the slice of an entry the reconciliation batcher needs to
// re-verify it.
type CheckCandidate struct {
	ID               uuid.UUID `db:"id"`
	AssetIdentifier  string    `db:"asset_identifier"`
	MetadataVersion  int       `db:"metadata_version"`
	APIBaseURL       string    `db:"api_base_url"`
	AgentCardURL     *string   `db:"agent_card_url"`
	Status           Status    `db:"status"`
	LastUptimeCheck  time.Time `db:"last_uptime_check"`
	UptimeCount      int64     `db:"uptime_count"`
	UptimeCheckCount int64     `db:"uptime_check_count"`
	UpdatedAt        time.Time `db:"updated_at"`
}

// CheckResult reports the status transition recorded by RecordCheck.
type CheckResult struct {
	// Applied is false when the entry vanished or was Deregistered before the
	// update ran.
	Applied  bool
	Previous Status
	Status   Status
}

func (r CheckResult) StatusChanged() bool { return r.Applied && r.Previous != r.Status }

// ListFilter narrows GET /v1/entries. AfterID continues a (created_at, id)
// keyset page.
type ListFilter struct {
	Statuses        []Status
	MetadataVersion int
	Tag             string
	AfterID         uuid.UUID
	Limit           int
}
