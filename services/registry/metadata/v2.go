package metadata

import (
	"fmt"
	"strings"
)

type v2Document struct {
	Name             Text   `json:"name"`
	Description      Text   `json:"description"`
	APIURL           Text   `json:"api_url"`
	AgentCardURL     Text   `json:"agent_card_url"`
	ProtocolVersions []Text `json:"a2a_protocol_versions"`
	Tags             []Text `json:"tags"`
	Image            Text   `json:"image"`
	PaymentType      Text   `json:"payment_type"`
	MetadataVersion  *int   `json:"metadata_version"`
}

// ParseV2 validates raw against the version 2 registration schema. Version 2
// agents do not carry pricing; the only accepted payment type is "none".
func ParseV2(raw []byte) (Registration, error) {
	var doc v2Document
	if err := decode("v2", raw, &doc); err != nil {
		return Registration{}, err
	}

	c := &checker{schema: "v2"}
	if doc.MetadataVersion == nil || *doc.MetadataVersion != VersionV2 {
		c.addf("metadata_version", "must be %d", VersionV2)
	}

	reg := Registration{
		Version:     VersionV2,
		Name:        c.requireText("name", doc.Name, maxNameLength),
		Description: c.optionalText("description", doc.Description, maxDescriptionLength),
		APIBaseURL:  c.requireURL("api_url", doc.APIURL),
		Image:       c.optionalURL("image", doc.Image),
		Tags:        c.tags("tags", doc.Tags, false),
		Pricing:     Pricing{Type: PricingNone},
	}

	cardURL := c.requireURL("agent_card_url", doc.AgentCardURL)
	if cardURL != "" {
		reg.AgentCardURL = &cardURL
	}

	if len(doc.ProtocolVersions) == 0 {
		c.addf("a2a_protocol_versions", "at least one protocol version is required")
	}
	for i, t := range doc.ProtocolVersions {
		v, ok := t.Value()
		if !ok {
			c.addf(fmt.Sprintf("a2a_protocol_versions[%d]", i), "is empty")
			continue
		}
		reg.ProtocolVersions = append(reg.ProtocolVersions, v)
	}

	if v, ok := doc.PaymentType.Value(); ok && !strings.EqualFold(v, "none") {
		c.addf("payment_type", "must be %q", "none")
	}

	if err := c.err(); err != nil {
		return Registration{}, err
	}
	return reg, nil
}
