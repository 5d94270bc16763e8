package registry

import (
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"registryd/services/registry/metadata"
)

// NewEntry materializes the first successfully parsed mint of an asset.
func NewEntry(in EntryInput) (Entry, error) {
	fingerprint, err := Fingerprint(in.AssetIdentifier)
	if err != nil {
		return Entry{}, err
	}
	at := dbTime(in.CheckedAt)
	e := Entry{
		ID:              uuid.New(),
		SourceID:        in.SourceID,
		AssetIdentifier: in.AssetIdentifier,
		Fingerprint:     fingerprint,
		CreatedAt:       at,
	}
	e.setRegistration(in)
	e.ApplyCheck(in.Status, at)
	return e, nil
}

// Refresh overwrites the registration-derived fields of an existing entry and
// records the discovery probe. Accumulated counters are preserved and
// incremented. Deregistered entries are left untouched.
func (e *Entry) Refresh(in EntryInput) (previous Status, applied bool) {
	if e.Status == StatusDeregistered {
		return e.Status, false
	}
	e.setRegistration(in)
	return e.ApplyCheck(in.Status, dbTime(in.CheckedAt))
}

func (e *Entry) setRegistration(in EntryInput) {
	reg := in.Registration
	e.MetadataVersion = reg.Version
	e.Name = reg.Name
	e.Description = reg.Description
	e.APIBaseURL = reg.APIBaseURL
	e.AgentCardURL = reg.AgentCardURL
	e.ProtocolVersions = slices.Clone(reg.ProtocolVersions)
	e.Image = reg.Image
	e.Tags = slices.Clone(reg.Tags)
	e.Author = reg.Author
	e.Legal = reg.Legal
	e.ExampleOutputs = slices.Clone(reg.ExampleOutputs)
	e.Pricing = reg.Pricing

	if reg.Capability == nil {
		e.Capability = nil
	} else if e.Capability == nil || e.Capability.Name != reg.Capability.Name || e.Capability.Version != reg.Capability.Version {
		e.Capability = &Capability{Name: reg.Capability.Name, Version: reg.Capability.Version}
	}

	if in.Card == nil || reg.Version != metadata.VersionV2 {
		e.Card = nil
		e.Skills = nil
		e.Interfaces = nil
		return
	}
	profile := ProfileOf(*in.Card)
	e.Card = &profile
	e.Skills = slices.Clone(in.Card.Skills)
	e.Interfaces = slices.Clone(in.Card.SupportedInterfaces)
}

// ValidateInput checks an EntryInput before it reaches a store.
func ValidateInput(in EntryInput) error {
	if in.AssetIdentifier == "" {
		return errors.New("asset identifier is required")
	}
	if in.SourceID == uuid.Nil {
		return errors.New("source id is required")
	}
	if !in.Status.Valid() || in.Status == StatusDeregistered {
		return fmt.Errorf("invalid discovery status %q", in.Status)
	}
	return nil
}
