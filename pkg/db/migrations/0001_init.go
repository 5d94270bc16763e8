package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type RegistrySource struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	Network         string    `gorm:"type:text;not null;uniqueIndex:idx_registry_sources_network_policy"`
	PolicyID        string    `gorm:"type:text;not null;uniqueIndex:idx_registry_sources_network_policy"`
	APIKey          string    `gorm:"type:text;not null"`
	Note            string    `gorm:"type:text"`
	LastTxID        string    `gorm:"type:text"`
	LastCheckedPage int       `gorm:"not null;default:1"`
	CreatedAt       time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt       time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type Capability struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"type:text;not null;uniqueIndex:idx_capabilities_name_version"`
	Version   string    `gorm:"type:text;not null;uniqueIndex:idx_capabilities_name_version"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

type RegistryEntry struct {
	ID               uuid.UUID      `gorm:"type:uuid;primaryKey"`
	SourceID         uuid.UUID      `gorm:"type:uuid;not null;index:idx_registry_entries_due,priority:1"`
	AssetIdentifier  string         `gorm:"type:text;not null;uniqueIndex"`
	Fingerprint      string         `gorm:"type:text;not null"`
	MetadataVersion  int            `gorm:"type:smallint;not null"`
	Name             string         `gorm:"type:text;not null"`
	Description      *string        `gorm:"type:text"`
	APIBaseURL       string         `gorm:"type:text;not null"`
	AgentCardURL     *string        `gorm:"type:text"`
	ProtocolVersions datatypes.JSON `gorm:"type:jsonb"`
	Image            *string        `gorm:"type:text"`
	Tags             datatypes.JSON `gorm:"type:jsonb"`
	Author           datatypes.JSON `gorm:"type:jsonb"`
	Legal            datatypes.JSON `gorm:"type:jsonb"`
	ExampleOutputs   datatypes.JSON `gorm:"type:jsonb"`
	PricingType      string         `gorm:"type:text;not null"`
	Pricing          datatypes.JSON `gorm:"type:jsonb"`
	AgentCard        datatypes.JSON `gorm:"type:jsonb"`
	CapabilityID     *uuid.UUID     `gorm:"type:uuid;index"`
	Status           string         `gorm:"type:text;not null;index:idx_registry_entries_due,priority:2"`
	StatusUpdatedAt  time.Time      `gorm:"type:timestamptz;not null;index:idx_registry_entries_changes,priority:1"`
	LastUptimeCheck  time.Time      `gorm:"type:timestamptz;not null;index:idx_registry_entries_due,priority:3"`
	UptimeCount      int64          `gorm:"not null;default:0"`
	UptimeCheckCount int64          `gorm:"not null;default:0"`
	CreatedAt        time.Time      `gorm:"type:timestamptz;not null;default:now()"`
	UpdatedAt        time.Time      `gorm:"type:timestamptz;not null;default:now()"`

	Source     RegistrySource `gorm:"foreignKey:SourceID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
	Capability Capability     `gorm:"foreignKey:CapabilityID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL"`
}

type AgentSkill struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey"`
	EntryID     uuid.UUID      `gorm:"type:uuid;not null;index"`
	Position    int            `gorm:"not null"`
	SkillID     string         `gorm:"type:text;not null"`
	Name        string         `gorm:"type:text;not null"`
	Description *string        `gorm:"type:text"`
	Tags        datatypes.JSON `gorm:"type:jsonb"`
	Examples    datatypes.JSON `gorm:"type:jsonb"`
	InputModes  datatypes.JSON `gorm:"type:jsonb"`
	OutputModes datatypes.JSON `gorm:"type:jsonb"`

	Entry RegistryEntry `gorm:"foreignKey:EntryID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type AgentInterface struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	EntryID         uuid.UUID `gorm:"type:uuid;not null;index"`
	Position        int       `gorm:"not null"`
	URL             string    `gorm:"type:text;not null"`
	ProtocolBinding string    `gorm:"type:text;not null"`
	ProtocolVersion *string   `gorm:"type:text"`

	Entry RegistryEntry `gorm:"foreignKey:EntryID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func openGorm(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&RegistrySource{},
		&Capability{},
		&RegistryEntry{},
		&AgentSkill{},
		&AgentInterface{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	if err := m.CreateConstraint(&RegistryEntry{}, "Source"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&RegistryEntry{}, "Capability"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&AgentSkill{}, "Entry"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&AgentInterface{}, "Entry"); err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Exec(`
ALTER TABLE registry_entries
    ADD CONSTRAINT chk_registry_entries_uptime CHECK (uptime_check_count >= uptime_count),
    ADD CONSTRAINT chk_registry_entries_status CHECK (status IN ('Online', 'Offline', 'Invalid', 'Deregistered'))
`).Error
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&AgentInterface{},
		&AgentSkill{},
		&RegistryEntry{},
		&Capability{},
		&RegistrySource{},
	)
}
