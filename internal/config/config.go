package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	JWT       JWTConfig       `yaml:"jwt"`
	Log       LogConfig       `yaml:"log"`
	Engine    EngineConfig    `yaml:"engine"`
	Finance   FinanceConfig   `yaml:"finance"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Jobs      JobsConfig      `yaml:"jobs"`
}

// ServerConfig contains HTTP and gRPC listener settings
type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// DatabaseConfig contains PostgreSQL connection settings. Driver "memory" runs
// the engine on the in-process store with no database.
type DatabaseConfig struct {
	Driver        string `yaml:"driver"`
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	User          string `yaml:"user"`
	Password      string `yaml:"password"`
	Database      string `yaml:"database"`
	SSLMode       string `yaml:"ssl_mode"`
	MaxOpenConns  int    `yaml:"max_open_conns"`
	LockTimeoutMs int    `yaml:"lock_timeout_ms"`
}

// JWTConfig contains JWT token settings
type JWTConfig struct {
	Secret            string `yaml:"secret"`
	Issuer            string `yaml:"issuer"`
	AccessTokenExpiry int    `yaml:"access_token_expiry_minutes"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "text"
}

// EngineConfig tunes conflict handling in the order and ledger services
type EngineConfig struct {
	MaxRetries         int `yaml:"max_retries"`
	RetryBackoffMs     int `yaml:"retry_backoff_ms"`
	OrphanGraceMinutes int `yaml:"orphan_grace_minutes"`
}

// FinanceConfig holds VAT rates per currency as percentages ("5", "0") and
// record issuing defaults.
type FinanceConfig struct {
	VATRates            map[string]string `yaml:"vat_rates"`
	DefaultVATRate      string            `yaml:"default_vat_rate"`
	InvoiceDueDays      int               `yaml:"invoice_due_days"`
	LateReturnGraceDays int               `yaml:"late_return_grace_days"`

	rates      map[string]decimal.Decimal
	defaultVAT decimal.Decimal
}

// SchedulerConfig contains cron schedule settings
type SchedulerConfig struct {
	AuditLedger                 string `yaml:"audit_ledger"`
	ReleaseOrphanedReservations string `yaml:"release_orphaned_reservations"`
	MarkOverdueInvoices         string `yaml:"mark_overdue_invoices"`
}

// JobsConfig contains batch job settings
type JobsConfig struct {
	AuditConcurrency int `yaml:"audit_concurrency"`
}

// Load reads configuration from a YAML file
func Load(configPath string) (*Config, error) {
	// A missing .env is normal outside local development
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse builds a Config from YAML bytes, applying environment overrides and
// defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.overrideWithEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// overrideWithEnv overrides config values with environment variables
func (c *Config) overrideWithEnv() {
	// Database
	if val := os.Getenv("DB_DRIVER"); val != "" {
		c.Database.Driver = val
	}
	if val := os.Getenv("DB_HOST"); val != "" {
		c.Database.Host = val
	}
	if val := os.Getenv("DB_PORT"); val != "" {
		fmt.Sscanf(val, "%d", &c.Database.Port)
	}
	if val := os.Getenv("DB_USER"); val != "" {
		c.Database.User = val
	}
	if val := os.Getenv("DB_PASSWORD"); val != "" {
		c.Database.Password = val
	}
	if val := os.Getenv("DB_NAME"); val != "" {
		c.Database.Database = val
	}
	if val := os.Getenv("DB_SSL_MODE"); val != "" {
		c.Database.SSLMode = val
	}
	if val := os.Getenv("DB_LOCK_TIMEOUT_MS"); val != "" {
		fmt.Sscanf(val, "%d", &c.Database.LockTimeoutMs)
	}

	// JWT
	if val := os.Getenv("JWT_SECRET"); val != "" {
		c.JWT.Secret = val
	}

	// Server
	if val := os.Getenv("SERVER_HOST"); val != "" {
		c.Server.Host = val
	}
	if val := os.Getenv("SERVER_PORT"); val != "" {
		fmt.Sscanf(val, "%d", &c.Server.Port)
	}
	if val := os.Getenv("GRPC_PORT"); val != "" {
		fmt.Sscanf(val, "%d", &c.Server.GRPCPort)
	}

	// Log
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = val
	}

	// Engine
	if val := os.Getenv("ENGINE_MAX_RETRIES"); val != "" {
		fmt.Sscanf(val, "%d", &c.Engine.MaxRetries)
	}

	// Set defaults for log if not configured
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Server validation
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("invalid grpc port: %d", c.Server.GRPCPort)
	}

	// Database validation
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
		if c.Database.Port == 0 {
			c.Database.Port = 5432
		}
		if c.Database.SSLMode == "" {
			c.Database.SSLMode = "disable"
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	if c.Database.LockTimeoutMs == 0 {
		c.Database.LockTimeoutMs = 2000
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}

	// JWT validation
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT secret is required")
	}
	if len(c.JWT.Secret) < 32 {
		return fmt.Errorf("JWT secret must be at least 32 characters")
	}
	if c.JWT.AccessTokenExpiry == 0 {
		c.JWT.AccessTokenExpiry = 60
	}
	if c.JWT.Issuer == "" {
		c.JWT.Issuer = "equipment-rental-backend"
	}

	// Engine defaults
	if c.Engine.MaxRetries == 0 {
		c.Engine.MaxRetries = 3
	}
	if c.Engine.RetryBackoffMs == 0 {
		c.Engine.RetryBackoffMs = 25
	}
	if c.Engine.OrphanGraceMinutes == 0 {
		c.Engine.OrphanGraceMinutes = 15
	}

	// Finance
	if err := c.Finance.parseRates(); err != nil {
		return err
	}
	if c.Finance.InvoiceDueDays == 0 {
		c.Finance.InvoiceDueDays = 30
	}
	if c.Finance.LateReturnGraceDays < 0 {
		return fmt.Errorf("late return grace days must not be negative")
	}

	// Scheduler defaults
	if c.Scheduler.AuditLedger == "" {
		c.Scheduler.AuditLedger = "0 0 1 * * *" // 1 AM UTC
	}
	if c.Scheduler.ReleaseOrphanedReservations == "" {
		c.Scheduler.ReleaseOrphanedReservations = "0 */10 * * * *" // every 10 minutes
	}
	if c.Scheduler.MarkOverdueInvoices == "" {
		c.Scheduler.MarkOverdueInvoices = "0 0 2 * * *" // 2 AM UTC
	}
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, spec := range map[string]string{
		"audit_ledger":                  c.Scheduler.AuditLedger,
		"release_orphaned_reservations": c.Scheduler.ReleaseOrphanedReservations,
		"mark_overdue_invoices":         c.Scheduler.MarkOverdueInvoices,
	} {
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("invalid schedule %s %q: %w", name, spec, err)
		}
	}

	// Jobs defaults
	if c.Jobs.AuditConcurrency <= 0 {
		c.Jobs.AuditConcurrency = 4
	}

	return nil
}

func (f *FinanceConfig) parseRates() error {
	f.rates = make(map[string]decimal.Decimal, len(f.VATRates))
	for currency, raw := range f.VATRates {
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("invalid VAT rate for %s: %w", currency, err)
		}
		if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(100)) {
			return fmt.Errorf("VAT rate for %s must be between 0 and 100", currency)
		}
		f.rates[strings.ToUpper(currency)] = rate
	}
	f.defaultVAT = decimal.Zero
	if f.DefaultVATRate != "" {
		rate, err := decimal.NewFromString(f.DefaultVATRate)
		if err != nil {
			return fmt.Errorf("invalid default VAT rate: %w", err)
		}
		f.defaultVAT = rate
	}
	return nil
}

// VATRate returns the VAT percentage for a currency. Currencies without a
// configured rate use the default rate.
func (f *FinanceConfig) VATRate(currency string) decimal.Decimal {
	if rate, ok := f.rates[strings.ToUpper(currency)]; ok {
		return rate
	}
	return f.defaultVAT
}

// GetDatabaseConnectionString returns a PostgreSQL connection string
func (c *Config) GetDatabaseConnectionString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
		c.Database.SSLMode,
	)
}

// GetServerAddress returns the HTTP server address
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GetGRPCAddress returns the gRPC server address; empty when gRPC is disabled
func (c *Config) GetGRPCAddress() string {
	if c.Server.GRPCPort == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.GRPCPort)
}

func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Database.LockTimeoutMs) * time.Millisecond
}

func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.Engine.RetryBackoffMs) * time.Millisecond
}

func (c *Config) OrphanGrace() time.Duration {
	return time.Duration(c.Engine.OrphanGraceMinutes) * time.Minute
}
