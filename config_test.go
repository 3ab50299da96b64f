package creditgate_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cg "github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/invoker/mock"
	"github.com/ineyio/creditgate/ledger"
)

const minimalConfig = `
auth:
  private_key_file: /keys/private.pem
  public_key_file: /keys/public.pem
invoker:
  provider: mock
`

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := cg.ParseConfig([]byte(minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 262144, cfg.Server.BodyLimit)
	assert.Equal(t, "RS256", cfg.Auth.Algorithm)
	assert.Equal(t, 30*24*time.Hour, cfg.Auth.AccessTTL.Std())
	assert.Equal(t, int64(5), cfg.Pricing.StarterCredits)
	assert.Equal(t, cg.DriverMemory, cfg.Ledger.Driver)
	assert.Equal(t, 60*time.Second, cfg.Invoker.Timeout.Std())
	assert.Equal(t, 200, cfg.RateLimit.Requests)
	assert.Equal(t, cg.DefaultPricing(), cfg.Pricing.Pricing())
}

func TestParseConfig_EnvExpansion(t *testing.T) {
	t.Setenv("CG_TEST_API_KEY", "sk-test")
	t.Setenv("CG_TEST_DSN", "postgres://db/creditgate")

	cfg, err := cg.ParseConfig([]byte(`
auth:
  algorithm: ES256K
  private_key_file: /keys/k.hex
  public_key_file: /keys/k.pub
  access_ttl: 1h
invoker:
  provider: anthropic
  api_key: ${CG_TEST_API_KEY}
  timeout: 15s
ledger:
  driver: postgres
  dsn: ${CG_TEST_DSN}
`))
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.Invoker.APIKey)
	assert.Equal(t, "postgres://db/creditgate", cfg.Ledger.DSN)
	assert.Equal(t, time.Hour, cfg.Auth.AccessTTL.Std())
	assert.Equal(t, 15*time.Second, cfg.Invoker.Timeout.Std())
}

func TestConfig_Validate(t *testing.T) {
	base, err := cg.ParseConfig([]byte(minimalConfig))
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(*cg.Config)
		want   string
	}{
		{"port", func(c *cg.Config) { c.Server.Port = 0 }, "server.port"},
		{"algorithm", func(c *cg.Config) { c.Auth.Algorithm = "HS256" }, "auth.algorithm"},
		{"keys", func(c *cg.Config) { c.Auth.PublicKeyFile = "" }, "public_key_file"},
		{"token weight", func(c *cg.Config) { c.Pricing.TokenWeight = 0 }, "token_weight"},
		{"starter", func(c *cg.Config) { c.Pricing.StarterCredits = -1 }, "starter_credits"},
		{"api key", func(c *cg.Config) { c.Invoker.Provider = cg.InvokerOpenAI }, "api_key"},
		{"provider", func(c *cg.Config) { c.Invoker.Provider = "gemini" }, "invoker.provider"},
		{"dsn", func(c *cg.Config) { c.Ledger.Driver = cg.DriverRedis }, "ledger.dsn"},
		{"driver", func(c *cg.Config) { c.Ledger.Driver = "mongo" }, "ledger.driver"},
		{"ratelimit", func(c *cg.Config) { c.RateLimit.Requests = 0 }, "ratelimit"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestParseConfig_BadDuration(t *testing.T) {
	_, err := cg.ParseConfig([]byte(minimalConfig + "\nratelimit:\n  period: soon\n"))
	assert.ErrorContains(t, err, "invalid duration")
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creditgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalConfig), 0o600))

	cfg, err := cg.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cg.InvokerMock, cfg.Invoker.Provider)

	_, err = cg.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfigOptions(t *testing.T) {
	cfg, err := cg.ParseConfig([]byte(minimalConfig + "\npricing:\n  starter_credits: 3\n"))
	require.NoError(t, err)

	g, err := cg.NewGate(newTokens(t), ledger.NewMemoryStore(), mock.New(), cg.ConfigOptions(cfg)...)
	require.NoError(t, err)
	assert.Equal(t, cg.DefaultModel, g.Model())
	assert.Equal(t, cg.DefaultPricing(), g.Pricing())

	res, err := g.Login(context.Background(), cg.Identity{Provider: "google", ProviderUserID: "g-cfg"})
	require.NoError(t, err)
	_, billing, err := g.Me(context.Background(), res.Token)
	require.NoError(t, err)
	assert.Equal(t, int64(3), billing.Credits)
}
