package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	setEnv(t, map[string]string{
		"APP_ENV":       "development",
		"STORE_BACKEND": "",
		"OTP_LENGTH":    "",
		"OTP_TTL":       "",
		"SMS_API_KEY":   "",
	})

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, StoreBackendScylla, cfg.Store.Backend)
	assert.Equal(t, 3*time.Second, cfg.Store.Timeout)
	assert.Equal(t, 6, cfg.OTP.Length)
	assert.Equal(t, 5*time.Minute, cfg.OTP.TTL)
	assert.True(t, cfg.OTP.ResetRequestOnVerify)
	assert.Equal(t, "https://www.fast2sms.com", cfg.SMS.BaseURL)
	assert.False(t, cfg.SMS.ProviderConfigured)
	assert.False(t, cfg.SMS.DLTConfigured)
	assert.Equal(t, ":8080", cfg.GetServerAddress())
}

func TestLoadConfigLenientParsing(t *testing.T) {
	setEnv(t, map[string]string{
		"APP_ENV":                   "development",
		"OTP_TTL":                   "five minutes",
		"RATE_LIMIT_REQUEST_WINDOW": "90s",
		"RATE_LIMIT_REQUEST_MAX":    "3",
		"RATE_LIMIT_VERIFY_MAX":     "-3",
		"RATE_LIMIT_IP_VERIFY_MAX":  "many",
		"SMS_DLT_ENABLED":           "maybe",
	})

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.OTP.TTL)
	assert.Equal(t, ContextLimit{Window: 90 * time.Second, MaxAttempts: 3}, cfg.RateLimit.Request)
	assert.Equal(t, ContextLimit{}, cfg.RateLimit.Verify)
	assert.Equal(t, 0, cfg.RateLimit.IPVerify.MaxAttempts)
	assert.False(t, cfg.SMS.DLTEnabled)
	assert.Len(t, cfg.Warnings, 4)
}

func TestTrustedProxies(t *testing.T) {
	setEnv(t, map[string]string{
		"APP_ENV":         "development",
		"TRUSTED_PROXIES": "10.0.0.0/8, 192.168.1.7 ,proxy.local,::ffff:172.16.0.1",
	})

	cfg, err := LoadConfig()
	require.NoError(t, err)

	require.Len(t, cfg.Server.TrustedProxies, 3)
	assert.Equal(t, "10.0.0.0/8", cfg.Server.TrustedProxies[0].String())
	assert.Equal(t, "192.168.1.7/32", cfg.Server.TrustedProxies[1].String())
	assert.Equal(t, "172.16.0.1/32", cfg.Server.TrustedProxies[2].String())
	require.Len(t, cfg.Warnings, 1)
	assert.Contains(t, cfg.Warnings[0], "proxy.local")

	t.Setenv("TRUSTED_PROXIES", "")
	cfg, err = LoadConfig()
	require.NoError(t, err)
	assert.Empty(t, cfg.Server.TrustedProxies)
}

func TestSMSConfiguredFlags(t *testing.T) {
	setEnv(t, map[string]string{
		"APP_ENV":             "development",
		"SMS_API_KEY":         "your_api_key",
		"SMS_DLT_ENABLED":     "true",
		"SMS_DLT_TEMPLATE_ID": "12345",
		"SMS_SENDER_ID":       "OTPSRV",
	})

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.False(t, cfg.SMS.ProviderConfigured, "placeholder credential")
	assert.True(t, cfg.SMS.DLTConfigured)

	t.Setenv("SMS_API_KEY", "real-key")
	t.Setenv("SMS_SENDER_ID", "changeme")
	cfg, err = LoadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.SMS.ProviderConfigured)
	assert.False(t, cfg.SMS.DLTConfigured)
}

func TestValidate(t *testing.T) {
	setEnv(t, map[string]string{
		"APP_ENV":        "production",
		"OTP_PEPPER":     "",
		"IP_HASH_SECRET": "",
	})
	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OTP_PEPPER")
	assert.Contains(t, err.Error(), "IP_HASH_SECRET")

	t.Setenv("OTP_PEPPER", "pepper-value")
	t.Setenv("IP_HASH_SECRET", "ip-secret")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())

	t.Setenv("STORE_BACKEND", "mongo")
	_, err = LoadConfig()
	assert.ErrorContains(t, err, "STORE_BACKEND")

	t.Setenv("STORE_BACKEND", "redis")
	t.Setenv("OTP_LENGTH", "12")
	_, err = LoadConfig()
	assert.ErrorContains(t, err, "OTP_LENGTH")
}

func TestIsPlaceholder(t *testing.T) {
	assert.True(t, IsPlaceholder(""))
	assert.True(t, IsPlaceholder("  YOUR_API_KEY "))
	assert.False(t, IsPlaceholder("k3y"))
}
