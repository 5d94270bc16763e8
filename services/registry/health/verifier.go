package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"registryd/services/registry"
	"registryd/services/registry/metadata"
)

const (
	DefaultTimeout      = 7500 * time.Millisecond
	DefaultMaxBodyBytes = 1 << 20

	maxRedirects = 5
)

var probesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "registry_probes_total",
	Help: "Endpoint probes by target kind and resulting status.",
}, []string{"kind", "status"})

// Probe is the outcome of probing one target. Identifier is the agent
// identifier advertised by an availability endpoint, if any. Card is set for
// a successfully validated agent card.
type Probe struct {
	Status     registry.Status
	Identifier string
	Card       *metadata.AgentCard
	Err        error
}

// StatusFor applies the identity rule: a reachable endpoint that names a
// different asset is Invalid.
func (p Probe) StatusFor(assetIdentifier string) registry.Status {
	if p.Status == registry.StatusOnline && p.Identifier != "" && p.Identifier != assetIdentifier {
		return registry.StatusInvalid
	}
	return p.Status
}

// Config bounds a probe. Zero values take DefaultTimeout and DefaultMaxBodyBytes.
type Config struct {
	Timeout      time.Duration
	MaxBodyBytes int64
}

// Verifier performs bounded probes against untrusted endpoints.
type Verifier struct {
	client  *http.Client
	timeout time.Duration
	maxBody int64
}

// NewVerifier wraps client. Redirects are followed only to URLs that pass the
// same static checks as the original target.
func NewVerifier(client *http.Client, cfg Config) *Verifier {
	if client == nil {
		client = &http.Client{}
	}
	c := *client
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return checkURL(req.URL.String())
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Verifier{client: &c, timeout: cfg.Timeout, maxBody: cfg.MaxBodyBytes}
}

// Check probes t and applies the identity rule for assetIdentifier.
func (v *Verifier) Check(ctx context.Context, t Target, assetIdentifier string) registry.Status {
	return v.Probe(ctx, t).StatusFor(assetIdentifier)
}

// Probe fetches t once and classifies the response. It never returns an
// error; failures are folded into the status.
func (v *Verifier) Probe(ctx context.Context, t Target) Probe {
	p := v.probe(ctx, t)
	probesTotal.WithLabelValues(string(t.Kind), string(p.Status)).Inc()
	return p
}

func (v *Verifier) probe(ctx context.Context, t Target) Probe {
	if err := checkURL(t.URL); err != nil {
		return Probe{Status: registry.StatusInvalid, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return Probe{Status: registry.StatusInvalid, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		if errors.Is(err, errRejected) {
			return Probe{Status: registry.StatusInvalid, Err: err}
		}
		return Probe{Status: registry.StatusOffline, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		v.drain(resp.Body)
		return Probe{Status: registry.StatusOffline, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, v.maxBody+1))
	if err != nil {
		return Probe{Status: registry.StatusOffline, Err: err}
	}
	if int64(len(body)) > v.maxBody {
		v.drain(resp.Body)
		return Probe{Status: registry.StatusInvalid, Err: fmt.Errorf("body exceeds %d bytes", v.maxBody)}
	}

	switch t.Kind {
	case KindAgentCard:
		card, err := metadata.ParseAgentCard(body)
		if err != nil {
			return Probe{Status: registry.StatusInvalid, Err: err}
		}
		return Probe{Status: registry.StatusOnline, Card: &card}
	default:
		return classifyAvailability(body)
	}
}

func (v *Verifier) drain(body io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, v.maxBody))
}

type availabilityBody struct {
	Status          string `json:"status"`
	Type            string `json:"type"`
	AgentIdentifier string `json:"agentIdentifier"`
}

func classifyAvailability(body []byte) Probe {
	var doc availabilityBody
	if err := json.Unmarshal(body, &doc); err != nil {
		return Probe{Status: registry.StatusInvalid, Err: fmt.Errorf("decode availability body: %w", err)}
	}

	id := strings.TrimSpace(doc.AgentIdentifier)
	if id != "" {
		return Probe{Status: registry.StatusOnline, Identifier: id}
	}
	if strings.EqualFold(doc.Type, "masumi-agent") || strings.EqualFold(doc.Status, "available") {
		return Probe{Status: registry.StatusOnline}
	}
	return Probe{Status: registry.StatusInvalid, Err: errors.New("availability body carries no identifier or marker")}
}
