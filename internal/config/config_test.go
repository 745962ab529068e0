package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/payments")
	t.Setenv("DATABASE_SERVICE_KEY", "service-key")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 8*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, []string{"2023-10-16"}, cfg.Stripe.AllowedAPIVersions)
	assert.Equal(t, 5*time.Minute, cfg.Stripe.SignatureTolerance)
	assert.Equal(t, "sk_test_123", cfg.Stripe.SecretKey)
	assert.Equal(t, "whsec_test", cfg.Stripe.WebhookSecret)
	assert.Equal(t, "postgres://localhost:5432/payments", cfg.Database.URL)
	assert.Equal(t, "service-key", cfg.Database.ServiceKey)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, []int{1, 3, 7}, cfg.Retry.IntervalsDays)
	assert.Equal(t, ":9090", cfg.Metrics.Address)
	assert.Equal(t, ":8081", cfg.Health.GRPCAddress)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("STRIPE_SECRET_KEY", "")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DATABASE_SERVICE_KEY", "")

	cfg, err := Load("")
	require.Error(t, err)
	assert.Nil(t, cfg)

	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 500, cerr.StatusCode)
	assert.ElementsMatch(t, []string{"STRIPE_SECRET_KEY", "DATABASE_URL", "DATABASE_SERVICE_KEY"}, cerr.Missing)
	assert.Contains(t, err.Error(), "STRIPE_SECRET_KEY")
	assert.True(t, IsConfigError(err))
}

func TestLoad_FileOverrides(t *testing.T) {
	setRequiredEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  address: ":9000"
  request_timeout: 3s
  allowed_origins:
    - https://app.example.com
    - https://admin.example.com
retry:
  max_attempts: 5
  intervals_days: [2, 4]
kafka:
  brokers: ["kafka:9092"]
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, 3*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, []string{"kafka:9092"}, cfg.Kafka.Brokers)

	schedule := cfg.Retry.Schedule()
	assert.Equal(t, 2, schedule.IntervalDays(1))
	assert.Equal(t, 4, schedule.IntervalDays(2))
	assert.Equal(t, 4, schedule.IntervalDays(6))
}

func TestLoad_InvalidRetry(t *testing.T) {
	setRequiredEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retry:\n  max_attempts: 0\n"), 0o600))

	_, err := Load(path)
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Empty(t, cerr.Missing)
	require.Len(t, cerr.Invalid, 1)
	assert.Contains(t, cerr.Invalid[0], "max_attempts")
}

func TestRetrySchedule_ClampsToLastInterval(t *testing.T) {
	schedule := RetryConfig{MaxAttempts: 3, IntervalsDays: []int{1, 3, 7}}.Schedule()

	assert.Equal(t, 1, schedule.IntervalDays(1))
	assert.Equal(t, 3, schedule.IntervalDays(2))
	assert.Equal(t, 7, schedule.IntervalDays(3))
	assert.Equal(t, 7, schedule.IntervalDays(4))
}

func TestIsAllowedAPIVersion(t *testing.T) {
	allowed := []string{"2023-10-16", "2024-04-10"}

	assert.True(t, IsAllowedAPIVersion("2023-10-16", allowed))
	assert.False(t, IsAllowedAPIVersion("2020-08-27", allowed))
	assert.False(t, IsAllowedAPIVersion("", allowed))
}

func TestSanitizeRedirectURL(t *testing.T) {
	const fallback = "https://app.example.com/payment/success"

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "valid https", raw: "https://clinic.example.com/done", want: "https://clinic.example.com/done"},
		{name: "valid http", raw: "http://localhost:3000/x?y=1", want: "http://localhost:3000/x?y=1"},
		{name: "empty", raw: "", want: fallback},
		{name: "whitespace", raw: "   ", want: fallback},
		{name: "relative", raw: "/payment/success", want: fallback},
		{name: "javascript", raw: "javascript:alert(1)", want: fallback},
		{name: "no host", raw: "https://", want: fallback},
		{name: "malformed", raw: "http://[::1", want: fallback},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeRedirectURL(tt.raw, fallback))
		})
	}
}

func TestRedirectDefaults(t *testing.T) {
	cfg := &Config{App: AppConfig{BaseURL: "https://care.example.com/"}}
	assert.Equal(t, "https://care.example.com/payment/success", cfg.SuccessURL())
	assert.Equal(t, "https://care.example.com/payment/cancel", cfg.CancelURL())

	bad := &Config{App: AppConfig{BaseURL: "not a url"}}
	assert.Equal(t, "http://localhost:3000/payment/success", bad.SuccessURL())
}
