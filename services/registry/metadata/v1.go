package metadata

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

type v1Document struct {
	Name            Text              `json:"name"`
	Description     Text              `json:"description"`
	APIBaseURL      Text              `json:"api_base_url"`
	ExampleOutput   []v1ExampleOutput `json:"example_output"`
	Capability      *v1Capability     `json:"capability"`
	Author          *v1Author         `json:"author"`
	Legal           *v1Legal          `json:"legal"`
	Tags            []Text            `json:"tags"`
	Pricing         *v1Pricing        `json:"agentPricing"`
	Image           Text              `json:"image"`
	MetadataVersion *int              `json:"metadata_version"`
}

type v1ExampleOutput struct {
	Name     Text `json:"name"`
	MimeType Text `json:"mime_type"`
	URL      Text `json:"url"`
}

type v1Capability struct {
	Name    Text `json:"name"`
	Version Text `json:"version"`
}

type v1Author struct {
	Name         Text `json:"name"`
	ContactEmail Text `json:"contact_email"`
	ContactOther Text `json:"contact_other"`
	Organization Text `json:"organization"`
}

type v1Legal struct {
	PrivacyPolicy Text `json:"privacy_policy"`
	Terms         Text `json:"terms"`
	Other         Text `json:"other"`
}

type v1Pricing struct {
	PricingType  Text      `json:"pricingType"`
	FixedPricing []v1Price `json:"fixedPricing"`
}

type v1Price struct {
	Amount amount `json:"amount"`
	Unit   Text   `json:"unit"`
}

// amount accepts an unsigned integer encoded either as a JSON number or as a
// decimal string.
type amount struct {
	value uint64
	set   bool
}

func (a *amount) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*a = amount{}
		return nil
	}
	s := string(trimmed)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return errors.New("amount must be an unsigned integer")
	}
	*a = amount{value: v, set: true}
	return nil
}

// ParseV1 validates raw against the version 1 registration schema.
func ParseV1(raw []byte) (Registration, error) {
	var doc v1Document
	if err := decode("v1", raw, &doc); err != nil {
		return Registration{}, err
	}

	c := &checker{schema: "v1"}
	if doc.MetadataVersion == nil || *doc.MetadataVersion != VersionV1 {
		c.addf("metadata_version", "must be %d", VersionV1)
	}

	reg := Registration{
		Version:     VersionV1,
		Name:        c.requireText("name", doc.Name, maxNameLength),
		Description: c.optionalText("description", doc.Description, maxDescriptionLength),
		APIBaseURL:  c.requireURL("api_base_url", doc.APIBaseURL),
		Image:       c.optionalURL("image", doc.Image),
		Tags:        c.tags("tags", doc.Tags, true),
	}
	if reg.Image == nil {
		c.addf("image", "is required")
	}

	if doc.Author == nil {
		c.addf("author", "is required")
	} else {
		reg.Author = &Author{
			Name:         c.requireText("author.name", doc.Author.Name, maxShortTextLength),
			ContactEmail: c.optionalText("author.contact_email", doc.Author.ContactEmail, maxShortTextLength),
			ContactOther: c.optionalText("author.contact_other", doc.Author.ContactOther, maxShortTextLength),
			Organization: c.optionalText("author.organization", doc.Author.Organization, maxShortTextLength),
		}
	}

	if doc.Legal != nil {
		legal := &Legal{
			PrivacyPolicy: c.optionalURL("legal.privacy_policy", doc.Legal.PrivacyPolicy),
			Terms:         c.optionalURL("legal.terms", doc.Legal.Terms),
			Other:         c.optionalURL("legal.other", doc.Legal.Other),
		}
		if legal.PrivacyPolicy != nil || legal.Terms != nil || legal.Other != nil {
			reg.Legal = legal
		}
	}

	if doc.Capability != nil {
		reg.Capability = &CapabilityRef{
			Name:    c.requireText("capability.name", doc.Capability.Name, maxShortTextLength),
			Version: c.requireText("capability.version", doc.Capability.Version, maxShortTextLength),
		}
	}

	for i, out := range doc.ExampleOutput {
		field := fmt.Sprintf("example_output[%d]", i)
		reg.ExampleOutputs = append(reg.ExampleOutputs, ExampleOutput{
			Name:     c.requireText(field+".name", out.Name, maxShortTextLength),
			MimeType: c.requireText(field+".mime_type", out.MimeType, maxShortTextLength),
			URL:      c.requireURL(field+".url", out.URL),
		})
	}

	reg.Pricing = c.v1Pricing(doc.Pricing)

	if err := c.err(); err != nil {
		return Registration{}, err
	}
	return reg, nil
}

func (c *checker) v1Pricing(p *v1Pricing) Pricing {
	if p == nil {
		c.addf("agentPricing", "is required")
		return Pricing{}
	}
	kind, _ := p.PricingType.Value()
	switch PricingType(kind) {
	case PricingFree:
		if len(p.FixedPricing) > 0 {
			c.addf("agentPricing.fixedPricing", "must be empty for Free pricing")
		}
		return Pricing{Type: PricingFree}
	case PricingFixed:
		if len(p.FixedPricing) == 0 || len(p.FixedPricing) > maxFixedPrices {
			c.addf("agentPricing.fixedPricing", "must contain between 1 and %d prices", maxFixedPrices)
			return Pricing{Type: PricingFixed}
		}
		prices := make([]Price, 0, len(p.FixedPricing))
		for i, price := range p.FixedPricing {
			field := fmt.Sprintf("agentPricing.fixedPricing[%d]", i)
			if !price.Amount.set {
				c.addf(field+".amount", "is required")
			}
			prices = append(prices, Price{
				Amount: price.Amount.value,
				Unit:   c.requireText(field+".unit", price.Unit, maxShortTextLength),
			})
		}
		return Pricing{Type: PricingFixed, Fixed: prices}
	default:
		c.addf("agentPricing.pricingType", "must be %q or %q", PricingFixed, PricingFree)
		return Pricing{}
	}
}
