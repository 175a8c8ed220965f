// Package config loads the YAML configuration for the artifact repository
// server.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable override.
const EnvPrefix = "ARTIFACT_REPO_"

// Config is the top-level configuration.
type Config struct {
	// Listen is the HTTP listen address. Defaults to ":8080".
	Listen string `yaml:"listen"`

	// Storage selects and configures the physical store.
	Storage StorageConfig `yaml:"storage"`

	// Repositories are the physical repository names, in display order.
	Repositories []string `yaml:"repositories"`

	// Proxies define virtual read-only repositories merging physical ones.
	Proxies []ProxyConfig `yaml:"proxies"`

	// Users may upload with HTTP basic auth.
	Users []UserConfig `yaml:"users"`

	Cache   CacheConfig   `yaml:"cache"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// StorageConfig configures exactly one of a local directory or an S3
// compatible bucket.
type StorageConfig struct {
	// Directory is the root of the filesystem store.
	Directory string `yaml:"directory"`

	// S3 configures the object store. Takes the place of Directory.
	S3 *S3Config `yaml:"s3"`

	// SpoolDirectory stages object store uploads. Defaults to the OS temp dir.
	SpoolDirectory string `yaml:"spool_directory"`
}

// S3Config holds object store connection settings.
type S3Config struct {
	Endpoint        string `yaml:"endpoint"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Insecure        bool   `yaml:"insecure"`
}

// ProxyConfig defines one virtual repository.
type ProxyConfig struct {
	Name         string   `yaml:"name"`
	Repositories []string `yaml:"repositories"`
}

// UserConfig is an upload account. Password holds a bcrypt hash, as
// printed by the hash-password command, optionally prefixed with "bcrypt:".
type UserConfig struct {
	Name     string `yaml:"name"`
	Password string `yaml:"password"`
}

// PasswordHash returns the bcrypt hash without its scheme prefix.
func (u UserConfig) PasswordHash() string {
	return strings.TrimPrefix(u.Password, "bcrypt:")
}

// UserHashes maps user names to bcrypt password hashes.
func (c *Config) UserHashes() map[string]string {
	users := make(map[string]string, len(c.Users))
	for _, u := range c.Users {
		users[u.Name] = u.PasswordHash()
	}
	return users
}

// CacheConfig sizes the in-memory caches. Zero values select defaults.
type CacheConfig struct {
	ListingEntries  int           `yaml:"listing_entries"`
	EntryEntries    int           `yaml:"entry_entries"`
	MetadataEntries int           `yaml:"metadata_entries"`
	TTL             time.Duration `yaml:"ttl"`
	NegativeTTL     time.Duration `yaml:"negative_ttl"`
	MetadataTTL     time.Duration `yaml:"metadata_ttl"`
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string `yaml:"level"`

	// Format is text or json. Defaults to text.
	Format string `yaml:"format"`

	// File, when set, receives logs instead of stderr and is rotated.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// MetricsConfig configures metrics export.
type MetricsConfig struct {
	// Prometheus enables the /metrics endpoint.
	Prometheus bool `yaml:"prometheus"`

	// OTLPEndpoint is an OTLP gRPC endpoint (e.g., "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Load reads the configuration file at path, applies environment
// overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	defer func() { _ = f.Close() }()

	cfg, err := Parse(f)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.LookupEnv)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document. Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

// ApplyEnv overrides settings from ARTIFACT_REPO_* environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvPrefix + "LISTEN"); ok && v != "" {
		c.Listen = v
	}
	if v, ok := lookup(EnvPrefix + "STORAGE_DIRECTORY"); ok && v != "" {
		c.Storage.Directory = v
	}
	if v, ok := lookup(EnvPrefix + "LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}

	if c.Storage.S3 == nil {
		return
	}
	if v, ok := lookup(EnvPrefix + "S3_ACCESS_KEY_ID"); ok && v != "" {
		c.Storage.S3.AccessKeyID = v
	}
	if v, ok := lookup(EnvPrefix + "S3_SECRET_ACCESS_KEY"); ok && v != "" {
		c.Storage.S3.SecretAccessKey = v
	}
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if err := c.Storage.validate(); err != nil {
		return err
	}

	if len(c.Repositories) == 0 {
		return errors.New("at least one repository is required")
	}
	names := make(map[string]string)
	for _, repo := range c.Repositories {
		if err := validName(repo); err != nil {
			return fmt.Errorf("repository %q: %w", repo, err)
		}
		if _, dup := names[repo]; dup {
			return fmt.Errorf("repository %q: defined more than once", repo)
		}
		names[repo] = "repository"
	}

	for _, p := range c.Proxies {
		if err := validName(p.Name); err != nil {
			return fmt.Errorf("proxy %q: %w", p.Name, err)
		}
		if kind, dup := names[p.Name]; dup {
			return fmt.Errorf("proxy %q: name already used by a %s", p.Name, kind)
		}
		names[p.Name] = "proxy"

		if len(p.Repositories) == 0 {
			return fmt.Errorf("proxy %q: at least one repository is required", p.Name)
		}
		for _, member := range p.Repositories {
			if names[member] != "repository" {
				return fmt.Errorf("proxy %q: unknown repository %q", p.Name, member)
			}
		}
	}

	users := make(map[string]struct{}, len(c.Users))
	for _, u := range c.Users {
		if u.Name == "" {
			return errors.New("user: name is required")
		}
		if _, dup := users[u.Name]; dup {
			return fmt.Errorf("user %q: defined more than once", u.Name)
		}
		users[u.Name] = struct{}{}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash())); err != nil {
			return fmt.Errorf("user %q: password must be a bcrypt hash: %w", u.Name, err)
		}
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log: unknown format %q (supported: text, json)", c.Log.Format)
	}

	return nil
}

func (s StorageConfig) validate() error {
	switch {
	case s.Directory != "" && s.S3 != nil:
		return errors.New("storage: directory and s3 are mutually exclusive")
	case s.Directory == "" && s.S3 == nil:
		return errors.New("storage: one of directory or s3 is required")
	case s.S3 != nil && s.S3.Endpoint == "":
		return errors.New("storage: s3 endpoint is required")
	case s.S3 != nil && s.S3.Bucket == "":
		return errors.New("storage: s3 bucket is required")
	}
	return nil
}

// SlogLevel converts the configured level name.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(l.Level) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log: unknown level %q", l.Level)
}

// validName reports whether name can be used as a repository path segment.
func validName(name string) error {
	switch {
	case name == "":
		return errors.New("name is required")
	case name == "." || name == "..":
		return errors.New("name cannot be a relative path element")
	case strings.ContainsAny(name, "/\\\x00"):
		return errors.New("name cannot contain path separators")
	}
	return nil
}

// HashPassword returns a bcrypt hash suitable for UserConfig.Password.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}
