package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the SecureGuard backend.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Geofence  GeofenceConfig  `yaml:"geofence"`
	Security  SecurityConfig  `yaml:"security"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains device WebSocket transport settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// GeofenceConfig contains the campus geofence used by the policy evaluator.
// Devices reporting a location outside this circle are non-compliant.
type GeofenceConfig struct {
	Latitude     float64 `yaml:"latitude"`
	Longitude    float64 `yaml:"longitude"`
	RadiusMeters float64 `yaml:"radius_meters"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT  JWTConfig  `yaml:"jwt"`
	Ping PingConfig `yaml:"ping"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"` // minutes
}

// PingConfig bounds the admin ping indicator duration (seconds).
type PingConfig struct {
	DefaultDuration int `yaml:"default_duration"`
	MaxDuration     int `yaml:"max_duration"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: SECUREGUARD_SECTION_KEY
// For example: SECUREGUARD_DATABASE_PATH, SECUREGUARD_JWT_SECRET
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:        "./data/secureguard.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 5000,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Geofence: GeofenceConfig{
			// Campus center placeholder; deployments must set their own.
			Latitude:     0,
			Longitude:    0,
			RadiusMeters: 500,
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 7 * 24 * 60, // 7 days, matching mobile client expectations
			},
			Ping: PingConfig{
				DefaultDuration: 30,
				MaxDuration:     300,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: SECUREGUARD_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("SECUREGUARD_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// API
	if v := os.Getenv("SECUREGUARD_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("SECUREGUARD_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// Geofence
	if v := os.Getenv("SECUREGUARD_GEOFENCE_LATITUDE"); v != "" {
		if lat, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Geofence.Latitude = lat
		}
	}
	if v := os.Getenv("SECUREGUARD_GEOFENCE_LONGITUDE"); v != "" {
		if lon, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Geofence.Longitude = lon
		}
	}
	if v := os.Getenv("SECUREGUARD_GEOFENCE_RADIUS"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Geofence.RadiusMeters = r
		}
	}

	// Security - JWT secret (IMPORTANT: always override in production)
	if v := os.Getenv("SECUREGUARD_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// Geofence validation
	if c.Geofence.RadiusMeters <= 0 {
		errs = append(errs, "geofence.radius_meters must be positive")
	}
	if c.Geofence.Latitude < -90 || c.Geofence.Latitude > 90 {
		errs = append(errs, "geofence.latitude must be between -90 and 90")
	}
	if c.Geofence.Longitude < -180 || c.Geofence.Longitude > 180 {
		errs = append(errs, "geofence.longitude must be between -180 and 180")
	}

	// Ping duration bounds
	if c.Security.Ping.DefaultDuration <= 0 {
		errs = append(errs, "security.ping.default_duration must be positive")
	}
	if c.Security.Ping.MaxDuration < c.Security.Ping.DefaultDuration {
		errs = append(errs, "security.ping.max_duration must be >= default_duration")
	}

	// Security validation - JWT secret is REQUIRED
	// An empty or weak secret would let an attacker forge device and admin
	// tokens and issue enforcement commands.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set SECUREGUARD_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
