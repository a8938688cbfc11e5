// Package config builds the immutable runtime configuration for the
// watcher. Values come from WHALESIGNAL_-prefixed environment variables,
// optionally overridden by CLI flags, and are validated before use. The
// transfer threshold is parsed with exact decimal arithmetic; floating
// point never touches wei values.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/whalesignal/whalesignal/internal/pkg/validator"
	"github.com/whalesignal/whalesignal/internal/walletregistry"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

// envPrefix namespaces every environment variable consumed here.
const envPrefix = "whalesignal"

var (
	// ErrInvalidThreshold is returned for thresholds that are not positive
	// decimals or that do not resolve to a whole number of wei.
	ErrInvalidThreshold = errors.New("invalid transfer threshold")

	// ErrInvalidEndpoint is returned for endpoints that are not ws:// or
	// wss:// URLs.
	ErrInvalidEndpoint = errors.New("invalid endpoint URL")

	// ErrInvalidWallet is returned for watch entries not in label:address form.
	ErrInvalidWallet = errors.New("invalid watch entry")
)

// defaultFallbackEndpoints are appended after the operator's endpoints so
// the pool always has somewhere to rotate to on a public fabric.
var defaultFallbackEndpoints = []string{
	"wss://base-rpc.publicnode.com",
	"wss://base.drpc.org",
	"wss://base.gateway.tenderly.co",
}

// weiDecimals is the native token's decimal scale.
const weiDecimals = 18

// settings is the raw environment surface, validated before conversion
// into a Config.
type settings struct {
	Endpoint     string   `envconfig:"ENDPOINT"`
	ThresholdEth string   `envconfig:"THRESHOLD_ETH" default:"100" validate:"required"`
	Watch        []string `envconfig:"WATCH"`
	LogLevel     string   `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	Telemetry    bool     `envconfig:"TELEMETRY" default:"false"`

	BaseDelay           time.Duration `envconfig:"BASE_DELAY" default:"5s" validate:"gt=0"`
	MaxCooldown         time.Duration `envconfig:"MAX_COOLDOWN" default:"300s" validate:"gt=0"`
	HealthCheckInterval time.Duration `envconfig:"HEALTH_CHECK_INTERVAL" default:"60s" validate:"gt=0"`
	RequestTimeout      time.Duration `envconfig:"REQUEST_TIMEOUT" default:"10s" validate:"gt=0"`
	DedupRetention      time.Duration `envconfig:"DEDUP_RETENTION" default:"10m" validate:"gte=2m"`
	PendingConcurrency  int           `envconfig:"PENDING_CONCURRENCY" default:"8" validate:"gte=1"`
}

// Config is the immutable runtime configuration consumed by the core.
type Config struct {
	Endpoints    []string // primary first, then built-in fallbacks, deduplicated
	ThresholdWei *big.Int
	Watched      []walletregistry.Wallet
	LogLevel     string
	Telemetry    bool

	BaseDelay           time.Duration
	MaxCooldown         time.Duration
	HealthCheckInterval time.Duration
	RequestTimeout      time.Duration
	DedupRetention      time.Duration
	PendingConcurrency  int
}

// Option overrides one environment-derived setting, typically from a CLI flag.
type Option func(*settings)

// WithEndpoint overrides the primary endpoint.
func WithEndpoint(endpoint string) Option {
	return func(s *settings) { s.Endpoint = endpoint }
}

// WithThresholdEth overrides the threshold, in whole-token decimal units.
func WithThresholdEth(threshold string) Option {
	return func(s *settings) { s.ThresholdEth = threshold }
}

// WithWatch overrides the watch-list ("label:address" items).
func WithWatch(entries []string) Option {
	return func(s *settings) { s.Watch = entries }
}

// WithLogLevel overrides the log level.
func WithLogLevel(level string) Option {
	return func(s *settings) { s.LogLevel = level }
}

// WithTelemetry toggles OTLP telemetry export.
func WithTelemetry(enabled bool) Option {
	return func(s *settings) { s.Telemetry = enabled }
}

// Load reads the environment, applies overrides, validates, and converts
// everything into a Config. Any error here is fatal to startup.
func Load(opts ...Option) (*Config, error) {
	var s settings
	if err := envconfig.Process(envPrefix, &s); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(&s)
	}

	if err := validator.Validate(s); err != nil {
		return nil, err
	}

	thresholdWei, err := ParseThresholdEth(s.ThresholdEth)
	if err != nil {
		return nil, err
	}

	endpoints, err := buildEndpoints(s.Endpoint)
	if err != nil {
		return nil, err
	}

	watched, err := parseWallets(s.Watch)
	if err != nil {
		return nil, err
	}

	return &Config{
		Endpoints:           endpoints,
		ThresholdWei:        thresholdWei,
		Watched:             watched,
		LogLevel:            s.LogLevel,
		Telemetry:           s.Telemetry,
		BaseDelay:           s.BaseDelay,
		MaxCooldown:         s.MaxCooldown,
		HealthCheckInterval: s.HealthCheckInterval,
		RequestTimeout:      s.RequestTimeout,
		DedupRetention:      s.DedupRetention,
		PendingConcurrency:  s.PendingConcurrency,
	}, nil
}

// ParseThresholdEth converts a positive decimal threshold in whole-token
// units into wei, exactly. Inputs with more than 18 fractional digits are
// rejected rather than rounded.
func ParseThresholdEth(threshold string) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(threshold))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidThreshold, threshold, err)
	}
	if d.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %q must be positive", ErrInvalidThreshold, threshold)
	}

	wei := d.Shift(weiDecimals)
	if !wei.IsInteger() {
		return nil, fmt.Errorf("%w: %q has more than %d decimal places", ErrInvalidThreshold, threshold, weiDecimals)
	}

	return wei.BigInt(), nil
}

// buildEndpoints validates the primary endpoint and appends the built-in
// fallbacks, deduplicated in order. The primary is optional: with none
// given, the watcher runs on fallbacks alone.
func buildEndpoints(primary string) ([]string, error) {
	ordered := make([]string, 0, 1+len(defaultFallbackEndpoints))
	if primary != "" {
		if err := validateEndpoint(primary); err != nil {
			return nil, err
		}
		ordered = append(ordered, primary)
	}
	ordered = append(ordered, defaultFallbackEndpoints...)

	seen := make(map[string]struct{}, len(ordered))
	endpoints := make([]string, 0, len(ordered))
	for _, e := range ordered {
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		endpoints = append(endpoints, e)
	}

	return endpoints, nil
}

// validateEndpoint enforces the streaming-only transport: ws for local
// testing, wss otherwise.
func validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidEndpoint, endpoint, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: %q: scheme must be ws or wss", ErrInvalidEndpoint, endpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: %q: missing host", ErrInvalidEndpoint, endpoint)
	}
	return nil
}

// parseWallets converts "label:address" entries into wallets. Address
// validation and duplicate detection happen in the registry.
func parseWallets(entries []string) ([]walletregistry.Wallet, error) {
	wallets := make([]walletregistry.Wallet, 0, len(entries))
	for _, entry := range entries {
		label, address, ok := strings.Cut(entry, ":")
		if !ok || label == "" || address == "" {
			return nil, fmt.Errorf("%w: %q is not label:address", ErrInvalidWallet, entry)
		}

		wallets = append(wallets, walletregistry.Wallet{
			Label:   strings.TrimSpace(label),
			Address: strings.TrimSpace(address),
		})
	}
	return wallets, nil
}
