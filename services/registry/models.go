package registry

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"registryd/services/registry/metadata"
)

type sourceModel struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	Network         string    `gorm:"type:text;not null"`
	PolicyID        string    `gorm:"type:text;not null"`
	APIKey          string    `gorm:"type:text;not null"`
	Note            string    `gorm:"type:text"`
	LastTxID        string    `gorm:"type:text"`
	LastCheckedPage int       `gorm:"not null;default:1"`
	CreatedAt       time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt       time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (sourceModel) TableName() string { return "registry_sources" }

func (m sourceModel) toSource() Source {
	return Source{
		ID:       m.ID,
		Network:  Network(m.Network),
		PolicyID: m.PolicyID,
		APIKey:   m.APIKey,
		Note:     m.Note,
		Cursor:   Cursor{LastTxID: m.LastTxID, LastCheckedPage: m.LastCheckedPage},
	}
}

type capabilityModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"type:text;not null"`
	Version   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (capabilityModel) TableName() string { return "capabilities" }

type entryModel struct {
	ID               uuid.UUID        `gorm:"type:uuid;primaryKey"`
	SourceID         uuid.UUID        `gorm:"type:uuid;not null"`
	AssetIdentifier  string           `gorm:"type:text;not null"`
	Fingerprint      string           `gorm:"type:text;not null"`
	MetadataVersion  int              `gorm:"type:smallint;not null"`
	Name             string           `gorm:"type:text;not null"`
	Description      *string          `gorm:"type:text"`
	APIBaseURL       string           `gorm:"type:text;not null"`
	AgentCardURL     *string          `gorm:"type:text"`
	ProtocolVersions datatypes.JSON   `gorm:"type:jsonb"`
	Image            *string          `gorm:"type:text"`
	Tags             datatypes.JSON   `gorm:"type:jsonb"`
	Author           datatypes.JSON   `gorm:"type:jsonb"`
	Legal            datatypes.JSON   `gorm:"type:jsonb"`
	ExampleOutputs   datatypes.JSON   `gorm:"type:jsonb"`
	PricingType      string           `gorm:"type:text;not null"`
	Pricing          datatypes.JSON   `gorm:"type:jsonb"`
	AgentCard        datatypes.JSON   `gorm:"type:jsonb"`
	CapabilityID     *uuid.UUID       `gorm:"type:uuid"`
	Capability       *capabilityModel `gorm:"foreignKey:CapabilityID;references:ID"`
	Skills           []skillModel     `gorm:"foreignKey:EntryID;references:ID"`
	Interfaces       []interfaceModel `gorm:"foreignKey:EntryID;references:ID"`
	Status           string           `gorm:"type:text;not null"`
	StatusUpdatedAt  time.Time        `gorm:"type:timestamptz;not null"`
	LastUptimeCheck  time.Time        `gorm:"type:timestamptz;not null"`
	UptimeCount      int64            `gorm:"not null"`
	UptimeCheckCount int64            `gorm:"not null"`
	CreatedAt        time.Time        `gorm:"type:timestamptz;not null;autoCreateTime:false"`
	UpdatedAt        time.Time        `gorm:"type:timestamptz;not null;autoUpdateTime:false"`
}

func (entryModel) TableName() string { return "registry_entries" }

type skillModel struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey"`
	EntryID     uuid.UUID      `gorm:"type:uuid;not null"`
	Position    int            `gorm:"not null"`
	SkillID     string         `gorm:"type:text;not null"`
	Name        string         `gorm:"type:text;not null"`
	Description *string        `gorm:"type:text"`
	Tags        datatypes.JSON `gorm:"type:jsonb"`
	Examples    datatypes.JSON `gorm:"type:jsonb"`
	InputModes  datatypes.JSON `gorm:"type:jsonb"`
	OutputModes datatypes.JSON `gorm:"type:jsonb"`
}

func (skillModel) TableName() string { return "agent_skills" }

type interfaceModel struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	EntryID         uuid.UUID `gorm:"type:uuid;not null"`
	Position        int       `gorm:"not null"`
	URL             string    `gorm:"type:text;not null"`
	ProtocolBinding string    `gorm:"type:text;not null"`
	ProtocolVersion *string   `gorm:"type:text"`
}

func (interfaceModel) TableName() string { return "agent_interfaces" }

func toJSON(v any) datatypes.JSON {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return nil
	}
	return datatypes.JSON(data)
}

func fromJSON[T any](src datatypes.JSON) T {
	var out T
	if len(src) == 0 {
		return out
	}
	_ = json.Unmarshal(src, &out)
	return out
}

func (m entryModel) toEntry() Entry {
	e := Entry{
		ID:               m.ID,
		SourceID:         m.SourceID,
		AssetIdentifier:  m.AssetIdentifier,
		Fingerprint:      m.Fingerprint,
		MetadataVersion:  m.MetadataVersion,
		Name:             m.Name,
		Description:      m.Description,
		APIBaseURL:       m.APIBaseURL,
		AgentCardURL:     m.AgentCardURL,
		ProtocolVersions: fromJSON[[]string](m.ProtocolVersions),
		Image:            m.Image,
		Tags:             fromJSON[[]string](m.Tags),
		Author:           fromJSON[*metadata.Author](m.Author),
		Legal:            fromJSON[*metadata.Legal](m.Legal),
		ExampleOutputs:   fromJSON[[]metadata.ExampleOutput](m.ExampleOutputs),
		Pricing:          metadata.Pricing{Type: metadata.PricingType(m.PricingType), Fixed: fromJSON[[]metadata.Price](m.Pricing)},
		Card:             fromJSON[*CardProfile](m.AgentCard),
		Status:           Status(m.Status),
		StatusUpdatedAt:  m.StatusUpdatedAt,
		LastUptimeCheck:  m.LastUptimeCheck,
		UptimeCount:      m.UptimeCount,
		UptimeCheckCount: m.UptimeCheckCount,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
	if m.Capability != nil {
		e.Capability = &Capability{ID: m.Capability.ID, Name: m.Capability.Name, Version: m.Capability.Version}
	}
	for _, s := range m.Skills {
		e.Skills = append(e.Skills, metadata.Skill{
			ID:          s.SkillID,
			Name:        s.Name,
			Description: s.Description,
			Tags:        fromJSON[[]string](s.Tags),
			Examples:    fromJSON[[]string](s.Examples),
			InputModes:  fromJSON[[]string](s.InputModes),
			OutputModes: fromJSON[[]string](s.OutputModes),
		})
	}
	for _, in := range m.Interfaces {
		e.Interfaces = append(e.Interfaces, metadata.Interface{
			URL:             in.URL,
			ProtocolBinding: in.ProtocolBinding,
			ProtocolVersion: in.ProtocolVersion,
		})
	}
	return e
}

// fromEntry maps e onto a row. Capability, skills and interfaces are written
// separately by the store.
func fromEntry(e Entry) entryModel {
	m := entryModel{
		ID:               e.ID,
		SourceID:         e.SourceID,
		AssetIdentifier:  e.AssetIdentifier,
		Fingerprint:      e.Fingerprint,
		MetadataVersion:  e.MetadataVersion,
		Name:             e.Name,
		Description:      e.Description,
		APIBaseURL:       e.APIBaseURL,
		AgentCardURL:     e.AgentCardURL,
		ProtocolVersions: toJSON(e.ProtocolVersions),
		Image:            e.Image,
		Tags:             toJSON(e.Tags),
		Author:           toJSON(e.Author),
		Legal:            toJSON(e.Legal),
		ExampleOutputs:   toJSON(e.ExampleOutputs),
		PricingType:      string(e.Pricing.Type),
		Pricing:          toJSON(e.Pricing.Fixed),
		AgentCard:        toJSON(e.Card),
		Status:           string(e.Status),
		StatusUpdatedAt:  e.StatusUpdatedAt,
		LastUptimeCheck:  e.LastUptimeCheck,
		UptimeCount:      e.UptimeCount,
		UptimeCheckCount: e.UptimeCheckCount,
		CreatedAt:        e.CreatedAt,
		UpdatedAt:        e.UpdatedAt,
	}
	if e.Capability != nil && e.Capability.ID != uuid.Nil {
		id := e.Capability.ID
		m.CapabilityID = &id
	}
	return m
}

func skillModels(entryID uuid.UUID, skills []metadata.Skill) []skillModel {
	out := make([]skillModel, 0, len(skills))
	for i, s := range skills {
		out = append(out, skillModel{
			ID:          uuid.New(),
			EntryID:     entryID,
			Position:    i,
			SkillID:     s.ID,
			Name:        s.Name,
			Description: s.Description,
			Tags:        toJSON(s.Tags),
			Examples:    toJSON(s.Examples),
			InputModes:  toJSON(s.InputModes),
			OutputModes: toJSON(s.OutputModes),
		})
	}
	return out
}

func interfaceModels(entryID uuid.UUID, interfaces []metadata.Interface) []interfaceModel {
	out := make([]interfaceModel, 0, len(interfaces))
	for i, in := range interfaces {
		out = append(out, interfaceModel{
			ID:              uuid.New(),
			EntryID:         entryID,
			Position:        i,
			URL:             in.URL,
			ProtocolBinding: in.ProtocolBinding,
			ProtocolVersion: in.ProtocolVersion,
		})
	}
	return out
}
