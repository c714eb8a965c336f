// Package config loads mimicry settings from YAML or JSON files with
// environment overrides and safe defaults.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/firasghr/mimicry/logger"
)

// EnvPrefix prefixes every environment variable ApplyEnv reads.
const EnvPrefix = "MIMICRY_"

// Config holds every tunable of a session and its connection pool. Load it
// once at startup and treat it as read-only afterwards.
type Config struct {
	// Profile is the fingerprint profile ID or alias, e.g. "chrome-120".
	Profile string `yaml:"profile" json:"profile"`

	// ProfileFiles are extra YAML profile definitions registered at startup.
	ProfileFiles []string `yaml:"profile_files" json:"profile_files"`

	// Timeout bounds one request end to end: resolution, dial, handshake,
	// every redirect hop and the full response body. In JSON files durations
	// are nanoseconds; YAML also accepts "30s".
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// MaxConnectionsPerHost limits open connections (busy and idle) per
	// pool key. Zero means unlimited.
	MaxConnectionsPerHost int `yaml:"max_connections_per_host" json:"max_connections_per_host"`

	// MaxConnections limits open connections across all keys.
	MaxConnections int `yaml:"max_connections" json:"max_connections"`

	// MaxIdlePerHost caps idle keep-alive connections per pool key.
	MaxIdlePerHost int `yaml:"max_idle_per_host" json:"max_idle_per_host"`

	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`

	// VerifyCertificates turns server certificate verification on. Defaults
	// to true.
	VerifyCertificates bool `yaml:"verify_certificates" json:"verify_certificates"`

	// Proxy is a proxy URL (http, https, socks5, socks5h) used for every
	// connection.
	Proxy string `yaml:"proxy" json:"proxy"`

	// ProxyFile is a newline-delimited proxy list. Sessions created from it
	// take proxies in round-robin order. Ignored when Proxy is set.
	ProxyFile string `yaml:"proxy_file" json:"proxy_file"`

	MaxRedirects int `yaml:"max_redirects" json:"max_redirects"`

	DNSCacheTTL  time.Duration `yaml:"dns_cache_ttl" json:"dns_cache_ttl"`
	DNSCacheSize int           `yaml:"dns_cache_size" json:"dns_cache_size"`

	// Workers is the default concurrency of batch execution.
	Workers int `yaml:"workers" json:"workers"`

	LogLevel      string `yaml:"log_level" json:"log_level"`
	LogFile       string `yaml:"log_file" json:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb" json:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups" json:"log_max_backups"`
	LogMaxAgeDays int    `yaml:"log_max_age_days" json:"log_max_age_days"`
	LogCompress   bool   `yaml:"log_compress" json:"log_compress"`
}

// DefaultConfig returns a fresh *Config with the defaults used when no file
// is given.
func DefaultConfig() *Config {
	return &Config{
		Profile:               "chrome-131",
		Timeout:               30 * time.Second,
		MaxConnectionsPerHost: 16,
		MaxConnections:        256,
		MaxIdlePerHost:        4,
		IdleTimeout:           90 * time.Second,
		AcquireTimeout:        30 * time.Second,
		VerifyCertificates:    true,
		MaxRedirects:          10,
		DNSCacheTTL:           time.Minute,
		DNSCacheSize:          1024,
		Workers:               8,
		LogLevel:              "info",
		LogMaxSizeMB:          10,
		LogMaxBackups:         3,
		LogMaxAgeDays:         28,
		LogCompress:           true,
	}
}

// LoadConfig reads filename on top of DefaultConfig, so keys absent from the
// file keep their defaults. ".yaml" and ".yml" files are decoded as YAML,
// everything else as JSON. Unknown keys are an error in both formats.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename) // #nosec G304 – filename is caller-provided config path
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", filename, err)
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config: decode %q: %w", filename, err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields() // catch typos in config files early
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: decode %q: %w", filename, err)
		}
	}
	return cfg, nil
}

// ApplyEnv overlays MIMICRY_* environment variables, e.g. MIMICRY_PROFILE,
// MIMICRY_TIMEOUT=45s, MIMICRY_VERIFY_CERTIFICATES=false. Malformed values
// are reported rather than ignored.
func (c *Config) ApplyEnv() error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			b, err := parseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	str("PROFILE", &c.Profile)
	if v, ok := os.LookupEnv(EnvPrefix + "PROFILE_FILES"); ok {
		c.ProfileFiles = splitList(v)
	}
	dur("TIMEOUT", &c.Timeout)
	num("MAX_CONNECTIONS_PER_HOST", &c.MaxConnectionsPerHost)
	num("MAX_CONNECTIONS", &c.MaxConnections)
	num("MAX_IDLE_PER_HOST", &c.MaxIdlePerHost)
	dur("IDLE_TIMEOUT", &c.IdleTimeout)
	dur("ACQUIRE_TIMEOUT", &c.AcquireTimeout)
	flag("VERIFY_CERTIFICATES", &c.VerifyCertificates)
	str("PROXY", &c.Proxy)
	str("PROXY_FILE", &c.ProxyFile)
	num("MAX_REDIRECTS", &c.MaxRedirects)
	dur("DNS_CACHE_TTL", &c.DNSCacheTTL)
	num("DNS_CACHE_SIZE", &c.DNSCacheSize)
	num("WORKERS", &c.Workers)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FILE", &c.LogFile)
	num("LOG_MAX_SIZE_MB", &c.LogMaxSizeMB)
	num("LOG_MAX_BACKUPS", &c.LogMaxBackups)
	num("LOG_MAX_AGE_DAYS", &c.LogMaxAgeDays)
	flag("LOG_COMPRESS", &c.LogCompress)

	if len(errs) > 0 {
		return fmt.Errorf("config: environment: %w", errors.Join(errs...))
	}
	return nil
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Profile) == "" {
		errs = append(errs, errors.New("profile must not be empty"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %v", c.Timeout))
	}
	if c.MaxConnectionsPerHost < 0 || c.MaxConnections < 0 || c.MaxIdlePerHost < 0 {
		errs = append(errs, errors.New("connection limits must not be negative"))
	}
	if c.MaxConnections > 0 && c.MaxConnectionsPerHost > c.MaxConnections {
		errs = append(errs, fmt.Errorf("max_connections_per_host (%d) exceeds max_connections (%d)",
			c.MaxConnectionsPerHost, c.MaxConnections))
	}
	if c.IdleTimeout < 0 || c.AcquireTimeout < 0 || c.DNSCacheTTL < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.MaxRedirects < 0 {
		errs = append(errs, fmt.Errorf("max_redirects must not be negative, got %d", c.MaxRedirects))
	}
	if c.DNSCacheSize < 0 || c.Workers < 0 {
		errs = append(errs, errors.New("dns_cache_size and workers must not be negative"))
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log_level %q", c.LogLevel))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
	}
	return nil
}

// LoggerOptions maps the log_* settings onto logger.Options.
func (c *Config) LoggerOptions() logger.Options {
	return logger.Options{
		Level:      logger.ParseLevel(c.LogLevel),
		File:       c.LogFile,
		MaxSizeMB:  c.LogMaxSizeMB,
		MaxBackups: c.LogMaxBackups,
		MaxAgeDays: c.LogMaxAgeDays,
		Compress:   c.LogCompress,
	}
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", v)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
