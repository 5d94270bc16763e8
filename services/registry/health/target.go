// Package health probes registered agent endpoints and classifies the result
// into an entry status.
package health

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"registryd/services/registry"
	"registryd/services/registry/metadata"
)

// Kind selects how a target's response body is validated.
type Kind string

const (
	KindAvailability Kind = "availability"
	KindAgentCard    Kind = "agent-card"
)

// Target is what gets probed. Two entries with equal targets share one probe.
type Target struct {
	Kind Kind
	URL  string
}

func (t Target) String() string { return string(t.Kind) + " " + t.URL }

// TargetFor picks the probe for an entry: the agent card for version 2 entries
// that advertise one, the availability endpoint below the API base otherwise.
func TargetFor(metadataVersion int, apiBaseURL string, agentCardURL *string) Target {
	if metadataVersion == metadata.VersionV2 && agentCardURL != nil && *agentCardURL != "" {
		return Target{Kind: KindAgentCard, URL: *agentCardURL}
	}
	return Target{Kind: KindAvailability, URL: strings.TrimRight(apiBaseURL, "/") + "/availability"}
}

// TargetOf is TargetFor applied to a reconciliation candidate.
func TargetOf(c registry.CheckCandidate) Target {
	return TargetFor(c.MetadataVersion, c.APIBaseURL, c.AgentCardURL)
}

var errRejected = errors.New("endpoint rejected")

// checkURL statically rejects URLs that must never be dialled.
func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", errRejected, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("%w: unsupported scheme %q", errRejected, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", errRejected)
	}
	if isInternal(host) {
		return fmt.Errorf("%w: internal host %q", errRejected, host)
	}
	return nil
}

// isInternal reports loopback names and loopback, private, link-local or
// unspecified address literals. Link-local covers cloud metadata endpoints.
func isInternal(host string) bool {
	h := strings.ToLower(strings.TrimSuffix(host, "."))
	if h == "localhost" || strings.HasSuffix(h, ".localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() ||
		ip.IsUnspecified() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast()
}
