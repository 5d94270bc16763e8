package metadata

import (
	"fmt"
	"strings"
)

// AgentCard is a validated agent card as served at a version 2 agent's
// agent_card_url.
type AgentCard struct {
	Name                string       `json:"name"`
	Description         *string      `json:"description,omitempty"`
	Version             *string      `json:"version,omitempty"`
	ProtocolVersions    []string     `json:"protocolVersions"`
	SupportedInterfaces []Interface  `json:"supportedInterfaces"`
	Provider            *Provider    `json:"provider,omitempty"`
	DocumentationURL    *string      `json:"documentationUrl,omitempty"`
	IconURL             *string      `json:"iconUrl,omitempty"`
	Capabilities        Capabilities `json:"capabilities"`
	DefaultInputModes   []string     `json:"defaultInputModes"`
	DefaultOutputModes  []string     `json:"defaultOutputModes"`
	Skills              []Skill      `json:"skills"`
}

// Interface is a transport an agent card supports.
type Interface struct {
	URL             string  `json:"url"`
	ProtocolBinding string  `json:"protocolBinding"`
	ProtocolVersion *string `json:"protocolVersion,omitempty"`
}

// Provider is the organisation behind an agent card.
type Provider struct {
	Organization string  `json:"organization"`
	URL          *string `json:"url,omitempty"`
}

// Capabilities are the protocol feature flags of an agent card.
type Capabilities struct {
	Streaming         bool `json:"streaming"`
	PushNotifications bool `json:"pushNotifications"`
	ExtendedAgentCard bool `json:"extendedAgentCard"`
}

// Skill is one capability an agent card advertises.
type Skill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description *string  `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Examples    []string `json:"examples,omitempty"`
	InputModes  []string `json:"inputModes,omitempty"`
	OutputModes []string `json:"outputModes,omitempty"`
}

type cardDocument struct {
	Name                Text              `json:"name"`
	Description         Text              `json:"description"`
	Version             Text              `json:"version"`
	ProtocolVersions    []string          `json:"protocolVersions"`
	SupportedInterfaces []cardInterface   `json:"supportedInterfaces"`
	Provider            *cardProvider     `json:"provider"`
	DocumentationURL    Text              `json:"documentationUrl"`
	IconURL             Text              `json:"iconUrl"`
	Capabilities        *cardCapabilities `json:"capabilities"`
	DefaultInputModes   []string          `json:"defaultInputModes"`
	DefaultOutputModes  []string          `json:"defaultOutputModes"`
	Skills              []cardSkill       `json:"skills"`
}

type cardInterface struct {
	URL             Text `json:"url"`
	ProtocolBinding Text `json:"protocolBinding"`
	ProtocolVersion Text `json:"protocolVersion"`
}

type cardProvider struct {
	Organization Text `json:"organization"`
	URL          Text `json:"url"`
}

type cardCapabilities struct {
	Streaming         *bool `json:"streaming"`
	PushNotifications *bool `json:"pushNotifications"`
	ExtendedAgentCard *bool `json:"extendedAgentCard"`
}

type cardSkill struct {
	ID          Text     `json:"id"`
	Name        Text     `json:"name"`
	Description Text     `json:"description"`
	Tags        []string `json:"tags"`
	Examples    []string `json:"examples"`
	InputModes  []string `json:"inputModes"`
	OutputModes []string `json:"outputModes"`
}

// ParseAgentCard validates a fetched agent card body.
func ParseAgentCard(raw []byte) (AgentCard, error) {
	var doc cardDocument
	if err := decode("agent-card", raw, &doc); err != nil {
		return AgentCard{}, err
	}

	c := &checker{schema: "agent-card"}
	card := AgentCard{
		Name:               c.requireText("name", doc.Name, maxNameLength),
		Description:        c.optionalText("description", doc.Description, maxDescriptionLength),
		Version:            c.optionalText("version", doc.Version, maxShortTextLength),
		ProtocolVersions:   c.nonEmptyList("protocolVersions", doc.ProtocolVersions),
		DocumentationURL:   c.optionalURL("documentationUrl", doc.DocumentationURL),
		IconURL:            c.optionalURL("iconUrl", doc.IconURL),
		DefaultInputModes:  c.nonEmptyList("defaultInputModes", doc.DefaultInputModes),
		DefaultOutputModes: c.nonEmptyList("defaultOutputModes", doc.DefaultOutputModes),
	}

	if len(doc.SupportedInterfaces) == 0 {
		c.addf("supportedInterfaces", "at least one interface is required")
	}
	for i, in := range doc.SupportedInterfaces {
		field := fmt.Sprintf("supportedInterfaces[%d]", i)
		card.SupportedInterfaces = append(card.SupportedInterfaces, Interface{
			URL:             c.requireURL(field+".url", in.URL),
			ProtocolBinding: c.requireText(field+".protocolBinding", in.ProtocolBinding, maxShortTextLength),
			ProtocolVersion: c.optionalText(field+".protocolVersion", in.ProtocolVersion, maxShortTextLength),
		})
	}

	if doc.Provider != nil {
		card.Provider = &Provider{
			Organization: c.requireText("provider.organization", doc.Provider.Organization, maxShortTextLength),
			URL:          c.optionalURL("provider.url", doc.Provider.URL),
		}
	}

	if doc.Capabilities == nil {
		c.addf("capabilities", "is required")
	} else {
		card.Capabilities = Capabilities{
			Streaming:         flag(doc.Capabilities.Streaming),
			PushNotifications: flag(doc.Capabilities.PushNotifications),
			ExtendedAgentCard: flag(doc.Capabilities.ExtendedAgentCard),
		}
	}

	if len(doc.Skills) == 0 {
		c.addf("skills", "at least one skill is required")
	}
	for i, s := range doc.Skills {
		field := fmt.Sprintf("skills[%d]", i)
		card.Skills = append(card.Skills, Skill{
			ID:          c.requireText(field+".id", s.ID, maxShortTextLength),
			Name:        c.requireText(field+".name", s.Name, maxNameLength),
			Description: c.optionalText(field+".description", s.Description, maxDescriptionLength),
			Tags:        trimList(s.Tags),
			Examples:    trimList(s.Examples),
			InputModes:  trimList(s.InputModes),
			OutputModes: trimList(s.OutputModes),
		})
	}

	if err := c.err(); err != nil {
		return AgentCard{}, err
	}
	return card, nil
}

func (c *checker) nonEmptyList(field string, values []string) []string {
	out := trimList(values)
	if len(out) == 0 {
		c.addf(field, "at least one value is required")
	}
	return out
}

func trimList(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func flag(b *bool) bool { return b != nil && *b }
