package creditgate

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Auth      AuthConfig      `yaml:"auth"`
	Pricing   PricingConfig   `yaml:"pricing"`
	Invoker   InvokerConfig   `yaml:"invoker"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	OAuth     OAuthConfig     `yaml:"oauth"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	BodyLimit   int      `yaml:"body_limit"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AuthConfig configures token signing.
type AuthConfig struct {
	PrivateKeyFile string   `yaml:"private_key_file"`
	PublicKeyFile  string   `yaml:"public_key_file"`
	Algorithm      string   `yaml:"algorithm"`
	AccessTTL      Duration `yaml:"access_ttl"`
	RateLimitHint  int      `yaml:"rate_limit_hint"`
}

// PricingConfig configures the credit price sheet.
type PricingConfig struct {
	CreditPriceUSD     float64 `yaml:"credit_price_usd"`
	StarterCredits     int64   `yaml:"starter_credits"`
	TokenWeight        int     `yaml:"token_weight"`
	PricePer1000Tokens float64 `yaml:"price_per_1000_tokens"`
	MaxInputTokens     int     `yaml:"max_input_tokens"`
	MaxOutputTokens    int     `yaml:"max_output_tokens"`
}

// InvokerConfig configures the external text-generation service.
type InvokerConfig struct {
	Provider            string   `yaml:"provider"`
	BaseURL             string   `yaml:"base_url"`
	APIKey              string   `yaml:"api_key"`
	Model               string   `yaml:"model"`
	Timeout             Duration `yaml:"timeout"`
	CompensationTimeout Duration `yaml:"compensation_timeout"`
}

// LedgerConfig selects the record store.
type LedgerConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Prefix string `yaml:"prefix"`
}

// OAuthConfig configures identity providers.
type OAuthConfig struct {
	Google GoogleOAuthConfig `yaml:"google"`
}

// GoogleOAuthConfig holds the Google client registration.
type GoogleOAuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
}

// RateLimitConfig configures the per-client admission limiter.
type RateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Period   Duration `yaml:"period"`
	Burst    int      `yaml:"burst"`
}

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Ledger drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverSQLite   = "sqlite"
)

// Invoker providers.
const (
	InvokerAnthropic = "anthropic"
	InvokerOpenAI    = "openai"
	InvokerMock      = "mock"
)

// DefaultModel is the model used when none is configured.
const DefaultModel = "claude-3-haiku-20240307"

// DefaultConfig returns a Config populated with production defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			BodyLimit:   262144,
			CORSOrigins: []string{"*"},
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Auth: AuthConfig{
			Algorithm:     "RS256",
			AccessTTL:     Duration(30 * 24 * time.Hour),
			RateLimitHint: 512,
		},
		Pricing: PricingConfig{
			CreditPriceUSD:     DefaultCreditPriceUSD,
			StarterCredits:     DefaultStarterCredits,
			TokenWeight:        DefaultTokenWeight,
			PricePer1000Tokens: DefaultPricePer1000Tokens,
			MaxInputTokens:     DefaultMaxInputTokens,
			MaxOutputTokens:    DefaultMaxOutputTokens,
		},
		Invoker: InvokerConfig{
			Provider:            InvokerAnthropic,
			BaseURL:             "https://api.anthropic.com",
			Model:               DefaultModel,
			Timeout:             Duration(60 * time.Second),
			CompensationTimeout: Duration(10 * time.Second),
		},
		Ledger: LedgerConfig{Driver: DriverMemory},
		RateLimit: RateLimitConfig{
			Requests: 200,
			Period:   Duration(60 * time.Second),
			Burst:    200,
		},
	}
}

// LoadConfig reads and parses a YAML config file on top of DefaultConfig.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("creditgate: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config bytes on top of DefaultConfig.
func ParseConfig(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("creditgate: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("creditgate: config: server.port %d out of range", c.Server.Port)
	}
	if c.Server.BodyLimit <= 0 {
		return fmt.Errorf("creditgate: config: server.body_limit must be positive")
	}

	switch c.Auth.Algorithm {
	case "RS256", "ES256K":
	default:
		return fmt.Errorf("creditgate: config: auth.algorithm %q not supported", c.Auth.Algorithm)
	}
	if c.Auth.PrivateKeyFile == "" || c.Auth.PublicKeyFile == "" {
		return fmt.Errorf("creditgate: config: auth.private_key_file and auth.public_key_file are required")
	}
	if c.Auth.AccessTTL <= 0 {
		return fmt.Errorf("creditgate: config: auth.access_ttl must be positive")
	}

	if err := c.Pricing.Pricing().Validate(); err != nil {
		return err
	}
	if c.Pricing.StarterCredits < 0 {
		return fmt.Errorf("creditgate: config: pricing.starter_credits must not be negative")
	}
	if c.Pricing.MaxOutputTokens <= 0 {
		return fmt.Errorf("creditgate: config: pricing.max_output_tokens must be positive")
	}

	switch c.Invoker.Provider {
	case InvokerAnthropic, InvokerOpenAI:
		if c.Invoker.APIKey == "" {
			return fmt.Errorf("creditgate: config: invoker.api_key is required for %s", c.Invoker.Provider)
		}
	case InvokerMock:
	default:
		return fmt.Errorf("creditgate: config: invalid invoker.provider %q", c.Invoker.Provider)
	}
	if c.Invoker.Model == "" {
		return fmt.Errorf("creditgate: config: invoker.model is required")
	}
	if c.Invoker.Timeout <= 0 || c.Invoker.CompensationTimeout <= 0 {
		return fmt.Errorf("creditgate: config: invoker timeouts must be positive")
	}

	switch c.Ledger.Driver {
	case DriverMemory:
	case DriverPostgres, DriverRedis, DriverSQLite:
		if c.Ledger.DSN == "" {
			return fmt.Errorf("creditgate: config: ledger.dsn is required for %s", c.Ledger.Driver)
		}
	default:
		return fmt.Errorf("creditgate: config: invalid ledger.driver %q", c.Ledger.Driver)
	}

	if c.RateLimit.Requests <= 0 || c.RateLimit.Period <= 0 {
		return fmt.Errorf("creditgate: config: ratelimit.requests and ratelimit.period must be positive")
	}

	return nil
}

// Pricing converts the pricing section into a price sheet.
func (p PricingConfig) Pricing() Pricing {
	return Pricing{
		TokenWeight:        p.TokenWeight,
		PricePer1000Tokens: p.PricePer1000Tokens,
		MaxInputTokens:     p.MaxInputTokens,
		CreditPriceUSD:     p.CreditPriceUSD,
	}
}
