// Package config manages filevault configuration and the .filevault
// directory structure. It handles loading, saving, and initializing the
// vault configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	VaultDir     = ".filevault"
	ConfigFile   = "config.toml"
	DatabaseFile = "catalog.db"
	BlobsDir     = "blobs"

	// EnvConfig points at a config file or vault directory.
	EnvConfig = "FILEVAULT_CONFIG"
)

// Duration is a time.Duration written as a string such as "30s" in TOML.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the filevault configuration
type Config struct {
	Storage StorageConfig `toml:"storage"`
	S3      S3Config      `toml:"s3"`
	Catalog CatalogConfig `toml:"catalog"`
	Ingest  IngestConfig  `toml:"ingest"`
	Query   QueryConfig   `toml:"query"`
	Fetch   FetchConfig   `toml:"fetch"`
	Server  ServerConfig  `toml:"server"`
	Log     LogConfig     `toml:"log"`

	path string // directory holding the config file
}

// StorageConfig selects where blob bytes live.
type StorageConfig struct {
	Backend       string `toml:"backend" validate:"oneof=fs s3"`
	Root          string `toml:"root"`
	StagingDir    string `toml:"staging_dir"`
	Compression   string `toml:"compression" validate:"oneof=none zstd"`
	HashAlgorithm string `toml:"hash_algorithm" validate:"oneof=sha256 blake3"`
}

// S3Config configures the s3 backend.
type S3Config struct {
	Bucket    string `toml:"bucket"`
	Region    string `toml:"region"`
	Endpoint  string `toml:"endpoint" validate:"omitempty,url"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Prefix    string `toml:"prefix"`
	PathStyle bool   `toml:"path_style"`
}

// CatalogConfig selects the relational catalog.
type CatalogConfig struct {
	Driver             string `toml:"driver" validate:"oneof=sqlite postgres"`
	DSN                string `toml:"dsn"`
	MaxConflictRetries int    `toml:"max_conflict_retries" validate:"gte=0,lte=100"`
}

// IngestConfig tunes uploads.
type IngestConfig struct {
	MaxUploadBytes    int64 `toml:"max_upload_bytes" validate:"gte=0"`
	ContentIndex      bool  `toml:"content_index"`
	ContentIndexLimit int64 `toml:"content_index_limit" validate:"gte=0"`
	SniffMediaType    bool  `toml:"sniff_media_type"`
}

// QueryConfig tunes searches.
type QueryConfig struct {
	DefaultLimit int      `toml:"default_limit" validate:"gte=1"`
	MaxLimit     int      `toml:"max_limit" validate:"gtefield=DefaultLimit"`
	Timeout      Duration `toml:"timeout" validate:"gte=0"`
}

// FetchConfig tunes downloads.
type FetchConfig struct {
	Verify bool `toml:"verify"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Listen            string   `toml:"listen" validate:"required"`
	AdminToken        string   `toml:"admin_token"`
	RequestsPerMinute int      `toml:"requests_per_minute" validate:"gte=0"`
	ShutdownTimeout   Duration `toml:"shutdown_timeout" validate:"gte=0"`
	TLSCert           string   `toml:"tls_cert,omitempty" validate:"required_with=TLSKey"`
	TLSKey            string   `toml:"tls_key,omitempty" validate:"required_with=TLSCert"`
	WebhookURLs       []string `toml:"webhook_urls,omitempty" validate:"dive,url"`
	WebhookSecret     string   `toml:"webhook_secret,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" validate:"oneof=json text"`
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:       "fs",
			Root:          BlobsDir,
			Compression:   "none",
			HashAlgorithm: "sha256",
		},
		S3: S3Config{Region: "us-east-1"},
		Catalog: CatalogConfig{
			Driver:             "sqlite",
			DSN:                DatabaseFile,
			MaxConflictRetries: 5,
		},
		Ingest: IngestConfig{
			ContentIndex:      true,
			ContentIndexLimit: 1 << 20,
			SniffMediaType:    true,
		},
		Query: QueryConfig{
			DefaultLimit: 100,
			MaxLimit:     1000,
			Timeout:      Duration(10 * time.Second),
		},
		Fetch: FetchConfig{Verify: true},
		Server: ServerConfig{
			Listen:            ":8720",
			RequestsPerMinute: 600,
			ShutdownTimeout:   Duration(30 * time.Second),
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// FindRoot finds the .filevault directory by walking up from current directory
func FindRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		vaultPath := filepath.Join(dir, VaultDir)
		if info, err := os.Stat(vaultPath); err == nil && info.IsDir() {
			return vaultPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not a filevault directory (or any parent up to root)")
		}
		dir = parent
	}
}

// Discover loads the configuration named by FILEVAULT_CONFIG, or the one in
// the nearest .filevault directory.
func Discover() (*Config, error) {
	if p := os.Getenv(EnvConfig); p != "" {
		return Load(p)
	}
	root, err := FindRoot()
	if err != nil {
		return nil, err
	}
	return Load(root)
}

// Load reads a configuration file, or the config.toml inside a directory,
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	configPath := path
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		configPath = filepath.Join(path, ConfigFile)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	abs, err := filepath.Abs(filepath.Dir(configPath))
	if err != nil {
		return nil, err
	}
	cfg.path = abs

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves the configuration to disk
func (c *Config) Save() error {
	if c.path == "" {
		return fmt.Errorf("config has no directory")
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(c.path, ConfigFile), data, 0600)
}

// Dir returns the directory holding the config file.
func (c *Config) Dir() string {
	return c.path
}

// SetDir sets the directory relative paths resolve against.
func (c *Config) SetDir(dir string) {
	c.path = dir
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.path == "" {
		return p
	}
	return filepath.Join(c.path, p)
}

// BlobRoot returns the absolute blob directory for the fs backend.
func (c *Config) BlobRoot() string {
	return c.resolve(c.Storage.Root)
}

// StagingPath returns the staging directory. It defaults to a directory
// inside the blob root so staged files can be renamed into place.
func (c *Config) StagingPath() string {
	if c.Storage.StagingDir != "" {
		return c.resolve(c.Storage.StagingDir)
	}
	if c.Storage.Backend == "s3" {
		return filepath.Join(c.path, "staging")
	}
	return filepath.Join(c.BlobRoot(), ".staging")
}

// TLSFiles returns the resolved certificate and key paths, or empty strings
// when TLS is not configured.
func (c *Config) TLSFiles() (cert, key string) {
	if c.Server.TLSCert == "" {
		return "", ""
	}
	return c.resolve(c.Server.TLSCert), c.resolve(c.Server.TLSKey)
}

// CatalogDSN returns the catalog DSN; relative SQLite paths resolve against
// the config directory.
func (c *Config) CatalogDSN() string {
	if c.Catalog.Driver == "sqlite" {
		return c.resolve(c.Catalog.DSN)
	}
	return c.Catalog.DSN
}

// Initialize creates a new vault directory with initial configuration
func Initialize(dir string) (*Config, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	// Check if already initialized
	if _, err := os.Stat(filepath.Join(abs, ConfigFile)); err == nil {
		return nil, fmt.Errorf("filevault already initialized in %s", abs)
	}

	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create vault directory: %w", err)
	}

	cfg := Default()
	cfg.path = abs

	if err := os.MkdirAll(cfg.BlobRoot(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create blobs directory: %w", err)
	}

	if err := cfg.Save(); err != nil {
		return nil, err
	}
	return cfg, nil
}
