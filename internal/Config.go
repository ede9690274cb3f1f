package internal

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// DefaultDeploymentName is the deployment patched when none is configured
const DefaultDeploymentName = "Patcher-Live"

// Config defines configuration for the patcher
type Config struct {
	DeploymentName string `yaml:"deployment_name"`
	Platform       string `yaml:"platform"`
	// VersionURL answers with the current content build ID as plain text
	VersionURL string `yaml:"version_url"`
	// ManifestURL is a template; see ManifestURL
	ManifestURL string `yaml:"manifest_url"`
	// ContentURL overrides the content origin advertised by the manifest
	ContentURL      string `yaml:"content_url"`
	AltContentURL   string `yaml:"alt_content_url"`
	ContentEncoding string `yaml:"content_encoding"`

	CacheDir   string `yaml:"cache_dir"`
	ContentDir string `yaml:"content_dir"`
	MountDir   string `yaml:"mount_dir"`

	Workers int `yaml:"workers"`
	// SpeedLimit in bytes per second; zero means unlimited
	SpeedLimit int64   `yaml:"speed_limit"`
	Chunks     []int32 `yaml:"chunks"`

	Retry    RetryConfig `yaml:"retry"`
	HTTP     HTTPConfig  `yaml:"http"`
	LogLevel string      `yaml:"log_level"`
}

// RetryConfig defines retry behavior
type RetryConfig struct {
	Attempts   int           `yaml:"attempts"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// HTTPConfig defines the HTTP client
type HTTPConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxConnections int           `yaml:"max_connections"`
}

// Default returns a Config with sensible defaults
func Default() Config {
	return Config{
		DeploymentName: DefaultDeploymentName,
		CacheDir:       "patcher/cache",
		ContentDir:     "patcher/content",
		MountDir:       "patcher/mount",
		Workers:        DefaultWorkers,
		Retry: RetryConfig{
			Attempts:   DefaultRetryAttempt,
			Backoff:    DefaultRetryBackoff,
			MaxBackoff: DefaultRetryMaxBackoff,
		},
		HTTP: HTTPConfig{
			Timeout:        10 * time.Minute,
			MaxConnections: DefaultMaxConnections,
		},
		LogLevel: "info",
	}
}

// yamlConfig is used for YAML unmarshaling with string sizes and durations
type yamlConfig struct {
	DeploymentName  string          `yaml:"deployment_name"`
	Platform        string          `yaml:"platform"`
	VersionURL      string          `yaml:"version_url"`
	ManifestURL     string          `yaml:"manifest_url"`
	ContentURL      string          `yaml:"content_url"`
	AltContentURL   string          `yaml:"alt_content_url"`
	ContentEncoding string          `yaml:"content_encoding"`
	CacheDir        string          `yaml:"cache_dir"`
	ContentDir      string          `yaml:"content_dir"`
	MountDir        string          `yaml:"mount_dir"`
	Workers         int             `yaml:"workers"`
	SpeedLimit      string          `yaml:"speed_limit"`
	Chunks          []int32         `yaml:"chunks"`
	Retry           yamlRetryConfig `yaml:"retry"`
	HTTP            yamlHTTPConfig  `yaml:"http"`
	LogLevel        string          `yaml:"log_level"`
}

type yamlRetryConfig struct {
	Attempts   int    `yaml:"attempts"`
	Backoff    string `yaml:"backoff"`
	MaxBackoff string `yaml:"max_backoff"`
}

type yamlHTTPConfig struct {
	Timeout        string `yaml:"timeout"`
	MaxConnections int    `yaml:"max_connections"`
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	override := Config{
		DeploymentName:  yc.DeploymentName,
		Platform:        yc.Platform,
		VersionURL:      yc.VersionURL,
		ManifestURL:     yc.ManifestURL,
		ContentURL:      yc.ContentURL,
		AltContentURL:   yc.AltContentURL,
		ContentEncoding: yc.ContentEncoding,
		CacheDir:        yc.CacheDir,
		ContentDir:      yc.ContentDir,
		MountDir:        yc.MountDir,
		Workers:         yc.Workers,
		Chunks:          yc.Chunks,
		Retry:           RetryConfig{Attempts: yc.Retry.Attempts},
		HTTP:            HTTPConfig{MaxConnections: yc.HTTP.MaxConnections},
		LogLevel:        yc.LogLevel,
	}
	if yc.SpeedLimit != "" {
		if override.SpeedLimit, err = ParseBytes(yc.SpeedLimit); err != nil {
			return Config{}, fmt.Errorf("parse speed_limit: %w", err)
		}
	}
	if override.Retry.Backoff, err = parseOptionalDuration(yc.Retry.Backoff); err != nil {
		return Config{}, fmt.Errorf("parse retry.backoff: %w", err)
	}
	if override.Retry.MaxBackoff, err = parseOptionalDuration(yc.Retry.MaxBackoff); err != nil {
		return Config{}, fmt.Errorf("parse retry.max_backoff: %w", err)
	}
	if override.HTTP.Timeout, err = parseOptionalDuration(yc.HTTP.Timeout); err != nil {
		return Config{}, fmt.Errorf("parse http.timeout: %w", err)
	}

	return Default().Merge(override), nil
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the PATCHER_ prefix.
func (c *Config) LoadFromEnv() error {
	strs := map[string]*string{
		"PATCHER_DEPLOYMENT_NAME":  &c.DeploymentName,
		"PATCHER_PLATFORM":         &c.Platform,
		"PATCHER_VERSION_URL":      &c.VersionURL,
		"PATCHER_MANIFEST_URL":     &c.ManifestURL,
		"PATCHER_CONTENT_URL":      &c.ContentURL,
		"PATCHER_ALT_CONTENT_URL":  &c.AltContentURL,
		"PATCHER_CONTENT_ENCODING": &c.ContentEncoding,
		"PATCHER_CACHE_DIR":        &c.CacheDir,
		"PATCHER_CONTENT_DIR":      &c.ContentDir,
		"PATCHER_MOUNT_DIR":        &c.MountDir,
		"PATCHER_LOG_LEVEL":        &c.LogLevel,
	}
	for name, field := range strs {
		if v := os.Getenv(name); v != "" {
			*field = v
		}
	}

	ints := map[string]*int{
		"PATCHER_WORKERS":              &c.Workers,
		"PATCHER_RETRY_ATTEMPTS":       &c.Retry.Attempts,
		"PATCHER_HTTP_MAX_CONNECTIONS": &c.HTTP.MaxConnections,
	}
	for name, field := range ints {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", name, err)
			}
			*field = n
		}
	}

	durations := map[string]*time.Duration{
		"PATCHER_RETRY_BACKOFF":     &c.Retry.Backoff,
		"PATCHER_RETRY_MAX_BACKOFF": &c.Retry.MaxBackoff,
		"PATCHER_HTTP_TIMEOUT":      &c.HTTP.Timeout,
	}
	for name, field := range durations {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", name, err)
			}
			*field = d
		}
	}

	if v := os.Getenv("PATCHER_SPEED_LIMIT"); v != "" {
		size, err := ParseBytes(v)
		if err != nil {
			return fmt.Errorf("parse PATCHER_SPEED_LIMIT: %w", err)
		}
		c.SpeedLimit = size
	}
	if v := os.Getenv("PATCHER_CHUNKS"); v != "" {
		chunks, err := ParseChunkList(v)
		if err != nil {
			return fmt.Errorf("parse PATCHER_CHUNKS: %w", err)
		}
		c.Chunks = chunks
	}
	return nil
}

// ParseChunkList parses a comma separated list of chunk IDs
func ParseChunkList(s string) ([]int32, error) {
	var ids []int32
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.ParseInt(part, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid chunk id %q", part)
		}
		ids = append(ids, int32(n))
	}
	return ids, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := validateDeploymentName(c.DeploymentName); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.ManifestURL == "" {
		return errors.New("config: manifest_url is required")
	}
	if c.CacheDir == "" || c.ContentDir == "" || c.MountDir == "" {
		return errors.New("config: cache_dir, content_dir and mount_dir are required")
	}
	if c.Workers <= 0 {
		return errors.New("config: workers must be positive")
	}
	if c.SpeedLimit < 0 {
		return errors.New("config: speed_limit cannot be negative")
	}
	if c.Retry.Attempts <= 0 {
		return errors.New("config: retry.attempts must be positive")
	}
	if c.Retry.Backoff < 0 || c.Retry.MaxBackoff < 0 {
		return errors.New("config: retry backoff cannot be negative")
	}
	if _, err := ParsePayloadEncoding(c.ContentEncoding); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	mergeString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	mergeString(&c.DeploymentName, override.DeploymentName)
	mergeString(&c.Platform, override.Platform)
	mergeString(&c.VersionURL, override.VersionURL)
	mergeString(&c.ManifestURL, override.ManifestURL)
	mergeString(&c.ContentURL, override.ContentURL)
	mergeString(&c.AltContentURL, override.AltContentURL)
	mergeString(&c.ContentEncoding, override.ContentEncoding)
	mergeString(&c.CacheDir, override.CacheDir)
	mergeString(&c.ContentDir, override.ContentDir)
	mergeString(&c.MountDir, override.MountDir)
	mergeString(&c.LogLevel, override.LogLevel)

	if override.Workers != 0 {
		c.Workers = override.Workers
	}
	if override.SpeedLimit != 0 {
		c.SpeedLimit = override.SpeedLimit
	}
	if len(override.Chunks) > 0 {
		c.Chunks = append([]int32(nil), override.Chunks...)
	}
	if override.Retry.Attempts != 0 {
		c.Retry.Attempts = override.Retry.Attempts
	}
	if override.Retry.Backoff != 0 {
		c.Retry.Backoff = override.Retry.Backoff
	}
	if override.Retry.MaxBackoff != 0 {
		c.Retry.MaxBackoff = override.Retry.MaxBackoff
	}
	if override.HTTP.Timeout != 0 {
		c.HTTP.Timeout = override.HTTP.Timeout
	}
	if override.HTTP.MaxConnections != 0 {
		c.HTTP.MaxConnections = override.HTTP.MaxConnections
	}
	return c
}

// RetryPolicy converts the retry section
func (c *Config) RetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: c.Retry.Attempts, Backoff: c.Retry.Backoff, MaxBackoff: c.Retry.MaxBackoff}
}

// HTTPOptions converts the http section
func (c *Config) HTTPOptions() HTTPOptions {
	return HTTPOptions{Timeout: c.HTTP.Timeout, MaxConnections: c.HTTP.MaxConnections}
}

// OriginOverride returns the configured content origin; BaseURL is empty when
// the manifest's own origin should be used.
func (c *Config) OriginOverride() (ContentOrigin, error) {
	encoding, err := ParsePayloadEncoding(c.ContentEncoding)
	if err != nil {
		return ContentOrigin{}, err
	}
	return ContentOrigin{BaseURL: c.ContentURL, AltBaseURL: c.AltContentURL, Encoding: encoding}, nil
}

var byteUnits = []struct {
	suffix     string
	multiplier int64
}{
	{"TIB", 1 << 40}, {"GIB", 1 << 30}, {"MIB", 1 << 20}, {"KIB", 1 << 10},
	{"TB", 1 << 40}, {"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10},
	{"B", 1},
}

// ParseBytes parses a human-readable byte string (e.g., "10MB", "512KiB").
// Units are powers of 1024.
func ParseBytes(s string) (int64, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(s))
	multiplier := int64(1)
	for _, u := range byteUnits {
		if strings.HasSuffix(trimmed, u.suffix) {
			multiplier = u.multiplier
			trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, u.suffix))
			break
		}
	}

	value, err := strconv.ParseFloat(trimmed, 64)
	if err != nil || value < 0 || math.IsInf(value, 0) || math.IsNaN(value) {
		return 0, fmt.Errorf("invalid byte string: %s", s)
	}
	return int64(value * float64(multiplier)), nil
}

// FormatBytes formats a byte count with a binary unit
func FormatBytes(b int64) string {
	return SummarizeSizeSimple(float64(b))
}

var sizeSuffixes = []string{"B", "KB", "MB", "GB", "TB", "PB", "EB", "ZB", "YB"}

// SummarizeSizeSimple formats value with a binary unit and decimalPlaces
// decimals (default 2)
func SummarizeSizeSimple(value float64, decimalPlaces ...int) string {
	if value == 0 {
		return "0 B"
	}

	dp := 2
	if len(decimalPlaces) > 0 {
		dp = decimalPlaces[0]
	}

	mag := 0
	for math.Abs(value) >= 1024 && mag < len(sizeSuffixes)-1 {
		value /= 1024
		mag++
	}
	return fmt.Sprintf("%.*f %s", dp, value, sizeSuffixes[mag])
}
