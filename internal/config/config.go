package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	License   LicenseConfig   `yaml:"license" envconfig:"LICENSE"`
	Authority AuthorityConfig `yaml:"authority" envconfig:"AUTHORITY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Paths     PathsConfig     `yaml:"paths" envconfig:"PATHS"`
}

// ServerConfig contains HTTP server configuration for the local IPC surface
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8190"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES" default:"1048576"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// LicenseConfig contains license validation tuning
type LicenseConfig struct {
	// RevalidateInterval is how often the background loop re-runs validation.
	RevalidateInterval time.Duration `yaml:"revalidate_interval" envconfig:"REVALIDATE_INTERVAL" default:"1h"`
	// CacheTTL bounds how long a successful validation may be served from cache.
	CacheTTL time.Duration `yaml:"cache_ttl" envconfig:"CACHE_TTL" default:"5m"`
	// ClockSkewTolerance is the window within which backwards clock movement
	// is treated as skew rather than rollback.
	ClockSkewTolerance time.Duration `yaml:"clock_skew_tolerance" envconfig:"CLOCK_SKEW_TOLERANCE" default:"5m"`
	// TransferTokenTTL bounds how long an initiated transfer can be completed.
	TransferTokenTTL time.Duration `yaml:"transfer_token_ttl" envconfig:"TRANSFER_TOKEN_TTL" default:"24h"`
	// MaxActivationAttempts limits failed activations per window.
	MaxActivationAttempts int           `yaml:"max_activation_attempts" envconfig:"MAX_ACTIVATION_ATTEMPTS" default:"5"`
	ActivationWindow      time.Duration `yaml:"activation_window" envconfig:"ACTIVATION_WINDOW" default:"15m"`
}

// AuthorityConfig describes the remote issuing authority endpoint
type AuthorityConfig struct {
	BaseURL string        `yaml:"base_url" envconfig:"BASE_URL" default:""`
	Timeout time.Duration `yaml:"timeout" envconfig:"TIMEOUT" default:"10s"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format   string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"both"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/app.log"`
}

// PathsConfig contains file system paths configuration
type PathsConfig struct {
	ExecutableDir string `yaml:"executable_dir" envconfig:"EXECUTABLE_DIR"`
	LicenseFile   string `yaml:"license_file" envconfig:"LICENSE_FILE" default:"license.dat"`
	LedgerFile    string `yaml:"ledger_file" envconfig:"LEDGER_FILE" default:"license.ledger"`
	AuditDB       string `yaml:"audit_db" envconfig:"AUDIT_DB" default:"license_audit.db"`
	DataDir       string `yaml:"data_dir" envconfig:"DATA_DIR" default:"data"`
	LogsDir       string `yaml:"logs_dir" envconfig:"LOGS_DIR" default:"logs"`
}

// Load loads configuration from environment variables and config file
func Load() (*Config, error) {
	var cfg Config

	// Environment variables take precedence over the config file
	if err := envconfig.Process("POS", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if configFile := findConfigFile(); configFile != "" {
		fileConfig, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = mergeConfigs(*fileConfig, cfg)
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, fmt.Errorf("failed to resolve paths: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// mergeConfigs merges file config with env config (env takes precedence)
func mergeConfigs(fileConfig, envConfig Config) Config {
	if envConfig.Server.Port == 0 {
		envConfig.Server.Port = fileConfig.Server.Port
	}
	if envConfig.Server.ReadTimeout == 0 {
		envConfig.Server.ReadTimeout = fileConfig.Server.ReadTimeout
	}
	if envConfig.Authority.BaseURL == "" {
		envConfig.Authority.BaseURL = fileConfig.Authority.BaseURL
	}
	if envConfig.License.RevalidateInterval == 0 {
		envConfig.License.RevalidateInterval = fileConfig.License.RevalidateInterval
	}
	return envConfig
}

// resolvePaths wires the centralized paths system into the config
func (c *Config) resolvePaths() error {
	paths, err := GetPaths()
	if err != nil {
		return fmt.Errorf("failed to get paths: %w", err)
	}

	c.Paths.ExecutableDir = paths.ExecutableDir
	return paths.EnsureDirectories()
}

// GetLicenseFile returns the resolved license record file path
func (c *Config) GetLicenseFile() string {
	paths, err := GetPaths()
	if err != nil {
		return c.Paths.LicenseFile
	}
	return paths.LicenseFile
}

// GetLedgerFile returns the resolved monotonic ledger file path
func (c *Config) GetLedgerFile() string {
	paths, err := GetPaths()
	if err != nil {
		return c.Paths.LedgerFile
	}
	return paths.LedgerFile
}

// GetAuditDB returns the resolved audit database path
func (c *Config) GetAuditDB() string {
	paths, err := GetPaths()
	if err != nil {
		return c.Paths.AuditDB
	}
	return paths.AuditDB
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}

	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}

	if c.License.ClockSkewTolerance < 0 {
		return fmt.Errorf("clock skew tolerance must not be negative")
	}

	if c.Authority.Timeout <= 0 {
		return fmt.Errorf("authority timeout must be positive")
	}

	// Logs are always JSON and always dual output
	if c.Logging.Format != "json" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output != "both" && c.Logging.Output != "file" && c.Logging.Output != "console" {
		c.Logging.Output = "both"
	}
	if c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/app.log"
	}

	return nil
}

// findConfigFile returns the path to the config file, if one exists
func findConfigFile() string {
	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return ""
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8190,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 30 * time.Second,
		},
		License: LicenseConfig{
			RevalidateInterval:    time.Hour,
			CacheTTL:              5 * time.Minute,
			ClockSkewTolerance:    5 * time.Minute,
			TransferTokenTTL:      24 * time.Hour,
			MaxActivationAttempts: 5,
			ActivationWindow:      15 * time.Minute,
		},
		Authority: AuthorityConfig{
			Timeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "both",
			FilePath: "logs/app.log",
		},
		Paths: PathsConfig{
			LicenseFile: "license.dat",
			LedgerFile:  "license.ledger",
			AuditDB:     "license_audit.db",
			DataDir:     "data",
			LogsDir:     "logs",
		},
	}
}
