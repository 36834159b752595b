package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newViper(t *testing.T, yaml string) *viper.Viper {
	t.Helper()
	dir := t.TempDir()
	if yaml != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))
	}
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	return v
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(newViper(t, ""))
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, "resend", cfg.Email.Provider)
	assert.Equal(t, "MediNotify", cfg.Email.Styling.BrandName)
	assert.Equal(t, []string{"GET", "POST", "OPTIONS"}, cfg.CORS.AllowedMethods)
	assert.Empty(t, cfg.Auth.APIKeys)
	assert.Equal(t, []int{60, 300, 900}, cfg.Queue.RetryDelaysSec)
	assert.Equal(t, []int{30, 120, 600}, cfg.Delivery.RetryDelaysSec)
	assert.Equal(t, 1000, cfg.Render.CacheCapacity)
	assert.True(t, cfg.SMS.OptOut)
	assert.InDelta(t, 0.0075, cfg.SMS.CostPerSegment, 1e-9)
	assert.Equal(t, 20, cfg.RecipientRateLimit.MaxPerHour)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MEDINOTIFY_SERVER_PORT", "9000")
	t.Setenv("MEDINOTIFY_AUTH_API_KEYS", "key-a, key-b,,")
	t.Setenv("MEDINOTIFY_QUEUE_RETRY_DELAYS_SEC", "5,10,x,20")
	t.Setenv("MEDINOTIFY_EMAIL_PROVIDER", "postmark")

	cfg, err := load(newViper(t, ""))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, []string{"key-a", "key-b"}, cfg.Auth.APIKeys)
	assert.Equal(t, []int{5, 10, 20}, cfg.Queue.RetryDelaysSec)
	assert.Equal(t, "postmark", cfg.Email.Provider)
}

func TestLoad_FileWithABTests(t *testing.T) {
	cfg, err := load(newViper(t, `
auth:
  api_keys: [alpha, beta]
ab_tests:
  - template_type: refill_reminder
    channel: sms
    role: patient
    group_a: short
    group_b: friendly
    split: 0.3
  - key: custom-key
    group_a: a
    group_b: b
    split: 0.5
`))
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha", "beta"}, cfg.Auth.APIKeys)
	require.Len(t, cfg.ABTests, 2)
	assert.Equal(t, "refill_reminder:sms:patient", cfg.ABTests[0].TestKey())
	assert.InDelta(t, 0.3, cfg.ABTests[0].Split, 1e-9)
	assert.Equal(t, "custom-key", cfg.ABTests[1].TestKey())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown provider", "email:\n  provider: carrier-pigeon\n"},
		{"split out of range", "ab_tests:\n  - key: k\n    group_a: a\n    group_b: b\n    split: 1.5\n"},
		{"missing groups", "ab_tests:\n  - key: k\n    split: 0.5\n"},
		{"missing key", "ab_tests:\n  - group_a: a\n    group_b: b\n"},
		{"broken yaml", "server: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(newViper(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestSeconds(t *testing.T) {
	assert.Equal(t, []time.Duration{time.Second, time.Minute}, Seconds([]int{1, 60}))
	assert.Empty(t, Seconds(nil))
}
