package ledger

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"registryd/services/registry"
)

var DefaultBaseURLs = map[registry.Network]string{
	registry.Mainnet: "https://cardano-mainnet.blockfrost.io/api/v0",
	registry.Preprod: "https://cardano-preprod.blockfrost.io/api/v0",
}

// ErrInvalidSource reports a source that cannot be scanned as configured.
var ErrInvalidSource = errors.New("ledger: invalid source configuration")

// Options are applied to every client the Registry creates.
type Options struct {
	HTTPClient        *http.Client
	RequestsPerSecond float64
	Burst             int
	MaxRetries        uint64
	RetryBase         time.Duration
	// BaseURLs overrides DefaultBaseURLs per network.
	BaseURLs map[registry.Network]string
}

type clientKey struct {
	network registry.Network
	apiKey  string
}

// Registry hands out one Client per (network, api key) and reuses it across
// scan runs so the rate limiter state survives between runs.
type Registry struct {
	opts Options

	mu      sync.Mutex
	clients map[clientKey]*Client
}

// NewRegistry returns an empty client registry.
func NewRegistry(opts Options) *Registry {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	return &Registry{opts: opts, clients: make(map[clientKey]*Client)}
}

// Ledger returns the client for network and apiKey, creating it on first use.
func (r *Registry) Ledger(network registry.Network, apiKey string) (Ledger, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: api key is empty", ErrInvalidSource)
	}
	baseURL := r.opts.BaseURLs[network]
	if baseURL == "" {
		baseURL = DefaultBaseURLs[network]
	}
	if baseURL == "" {
		return nil, fmt.Errorf("%w: unsupported network %q", ErrInvalidSource, network)
	}

	key := clientKey{network: network, apiKey: apiKey}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[key]; ok {
		return c, nil
	}
	c, err := NewClient(ClientConfig{
		BaseURL:           baseURL,
		ProjectID:         apiKey,
		HTTPClient:        r.opts.HTTPClient,
		RequestsPerSecond: r.opts.RequestsPerSecond,
		Burst:             r.opts.Burst,
		MaxRetries:        r.opts.MaxRetries,
		RetryBase:         r.opts.RetryBase,
	})
	if err != nil {
		return nil, err
	}
	r.clients[key] = c
	return c, nil
}
