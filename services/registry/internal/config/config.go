package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// maxPageSize is the largest page the ledger provider serves.
const maxPageSize = 100

// Config holds runtime configuration for registryd.
type Config struct {
	Addr              string   `env:"ADDR,default=:8080"`
	DBDSN             string   `env:"DB_DSN,required"`
	NATSURL           string   `env:"NATS_URL"`
	OTLPEndpoint      string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogLevel          string   `env:"LOG_LEVEL,default=info"`
	SourcesFile       string   `env:"REGISTRY_SOURCES_FILE"`
	AllowedOrigins    []string `env:"CORS_ALLOWED_ORIGINS,default=*"`
	RequestsPerMinute int      `env:"API_REQUESTS_PER_MINUTE,default=600"`

	ScanInterval       time.Duration `env:"SCAN_INTERVAL,default=50s"`
	ScanInitialDelay   time.Duration `env:"SCAN_INITIAL_DELAY,default=5s"`
	HealthInterval     time.Duration `env:"HEALTH_INTERVAL,default=100s"`
	HealthInitialDelay time.Duration `env:"HEALTH_INITIAL_DELAY,default=20s"`
	HealthRecheckAfter time.Duration `env:"HEALTH_RECHECK_AFTER,default=1m"`
	JobAcquireTimeout  time.Duration `env:"JOB_ACQUIRE_TIMEOUT,default=1s"`

	ProbeTimeout     time.Duration `env:"PROBE_TIMEOUT,default=7500ms"`
	ProbeConcurrency int           `env:"PROBE_CONCURRENCY,default=16"`

	LedgerPageSize    int           `env:"LEDGER_PAGE_SIZE,default=100"`
	LedgerRPS         float64       `env:"LEDGER_RPS,default=10"`
	LedgerBurst       int           `env:"LEDGER_BURST,default=5"`
	LedgerMaxRetries  uint64        `env:"LEDGER_MAX_RETRIES,default=3"`
	LedgerRetryBase   time.Duration `env:"LEDGER_RETRY_BASE,default=500ms"`
	LedgerMainnetURL  string        `env:"LEDGER_MAINNET_URL"`
	LedgerPreprodURL  string        `env:"LEDGER_PREPROD_URL"`

	ArchiveBucket    string `env:"ARCHIVE_BUCKET"`
	S3Endpoint       string `env:"S3_ENDPOINT"`
	S3Region         string `env:"S3_REGION,default=us-east-1"`
	S3AccessKey      string `env:"S3_ACCESS_KEY"`
	S3SecretKey      string `env:"S3_SECRET_KEY"`
	S3DisableTLS     bool   `env:"S3_DISABLE_TLS,default=false"`
	S3ForcePathStyle bool   `env:"S3_FORCE_PATH_STYLE,default=true"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c Config) Validate() error {
	var errs []error
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"SCAN_INTERVAL", c.ScanInterval},
		{"HEALTH_INTERVAL", c.HealthInterval},
		{"HEALTH_RECHECK_AFTER", c.HealthRecheckAfter},
		{"PROBE_TIMEOUT", c.ProbeTimeout},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}
	if c.ScanInitialDelay < 0 || c.HealthInitialDelay < 0 {
		errs = append(errs, errors.New("initial delays must not be negative"))
	}
	if c.ProbeConcurrency <= 0 {
		errs = append(errs, errors.New("PROBE_CONCURRENCY must be positive"))
	}
	if c.LedgerPageSize <= 0 || c.LedgerPageSize > maxPageSize {
		errs = append(errs, fmt.Errorf("LEDGER_PAGE_SIZE must be between 1 and %d", maxPageSize))
	}
	if c.LedgerRPS <= 0 {
		errs = append(errs, errors.New("LEDGER_RPS must be positive"))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", c.LogLevel))
	}
	if c.ArchiveBucket != "" && (c.S3Endpoint == "" || c.S3AccessKey == "" || c.S3SecretKey == "") {
		errs = append(errs, errors.New("ARCHIVE_BUCKET requires S3_ENDPOINT, S3_ACCESS_KEY and S3_SECRET_KEY"))
	}
	return errors.Join(errs...)
}
