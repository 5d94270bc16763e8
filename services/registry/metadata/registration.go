// Package metadata validates the on-chain registration documents attached to
// registry tokens and the agent cards they point at.
package metadata

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

const (
	VersionV1 = 1
	VersionV2 = 2

	maxNameLength        = 250
	maxDescriptionLength = 1000
	maxURLLength         = 2048
	maxTagLength         = 64
	maxShortTextLength   = 250
	maxFixedPrices       = 25
)

// PricingType is Fixed or Free.
type PricingType string

const (
	PricingFixed PricingType = "Fixed"
	PricingFree  PricingType = "Free"
	PricingNone  PricingType = "None"
)

// Price is one amount of one unit.
type Price struct {
	Amount uint64 `json:"amount"`
	Unit   string `json:"unit"`
}

// Pricing lists the prices of a Fixed registration; Free has none.
type Pricing struct {
	Type  PricingType `json:"type"`
	Fixed []Price     `json:"fixed,omitempty"`
}

// Author identifies who registered the agent.
type Author struct {
	Name         string  `json:"name"`
	ContactEmail *string `json:"contact_email,omitempty"`
	ContactOther *string `json:"contact_other,omitempty"`
	Organization *string `json:"organization,omitempty"`
}

// Legal holds optional legal links.
type Legal struct {
	PrivacyPolicy *string `json:"privacy_policy,omitempty"`
	Terms         *string `json:"terms,omitempty"`
	Other         *string `json:"other,omitempty"`
}

// CapabilityRef names the capability an agent declares.
type CapabilityRef struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ExampleOutput is a sample result the agent advertises.
type ExampleOutput struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	URL      string `json:"url"`
}

// Registration is the normalized form of either metadata version. Fields that
// only exist in one version are left zero by the other.
type Registration struct {
	Version          int
	Name             string
	Description      *string
	APIBaseURL       string
	AgentCardURL     *string
	ProtocolVersions []string
	Image            *string
	Tags             []string
	Author           *Author
	Legal            *Legal
	Capability       *CapabilityRef
	ExampleOutputs   []ExampleOutput
	Pricing          Pricing
}

// Parse validates raw against the V1 schema and then the V2 schema. The first
// schema that accepts the document wins; when neither does the returned error
// joins both validation errors.
func Parse(raw []byte) (Registration, error) {
	v1, errV1 := ParseV1(raw)
	if errV1 == nil {
		return v1, nil
	}
	v2, errV2 := ParseV2(raw)
	if errV2 == nil {
		return v2, nil
	}
	return Registration{}, errors.Join(errV1, errV2)
}

func decode(schema string, raw []byte, dest any) error {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return &ValidationError{Schema: schema, Issues: []Issue{{Message: "document is empty"}}}
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return &ValidationError{Schema: schema, Issues: []Issue{{Message: err.Error()}}}
	}
	return nil
}

func (c *checker) tags(field string, raw []Text, required bool) []string {
	if required && len(raw) == 0 {
		c.addf(field, "at least one tag is required")
		return nil
	}
	out := make([]string, 0, len(raw))
	for i, t := range raw {
		v, ok := t.Value()
		if !ok {
			c.addf(field+"["+strconv.Itoa(i)+"]", "is empty")
			continue
		}
		if len(v) > maxTagLength {
			c.addf(field+"["+strconv.Itoa(i)+"]", "exceeds %d characters", maxTagLength)
			continue
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
