package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "./mailproof.db", cfg.Database.Path)
	assert.Equal(t, 10, cfg.Database.PoolConnectionLimit)
	assert.Equal(t, []string{"1.1.1.1", "8.8.8.8"}, cfg.DNS.Servers)
	assert.Equal(t, 60*time.Second, cfg.Jobs.PollInterval)
	assert.Equal(t, 72*time.Hour, cfg.Jobs.MaxAge)
	assert.Equal(t, 20000, cfg.Jobs.ResultJSONMaxBytes)
	assert.Equal(t, 30*time.Second, cfg.CheckDNS.MinInterval)
	assert.Equal(t, 5, cfg.Profile.UICNAMEMaxChainDepth)
	assert.Equal(t, 60, cfg.RateLimit.MaxRequests)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.SMTP.Enabled())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("DB_PATH", "/tmp/test.db")
	t.Setenv("DNS_POLL_INTERVAL_SECONDS", "30")
	t.Setenv("DNS_JOB_MAX_AGE_HOURS", "24")
	t.Setenv("DNS_TIMEOUT_MS", "2500")
	t.Setenv("DNS_SERVERS", "9.9.9.9, 1.0.0.1")
	t.Setenv("UI_CNAME_EXPECTED", "ui.mailproof.net")
	t.Setenv("UI_CNAME_AUTHORIZED_IPS", "192.0.2.1,192.0.2.2")
	t.Setenv("EMAIL_MX_EXPECTED_HOST", "mx.mailproof.net")
	t.Setenv("EMAIL_MX_EXPECTED_PRIORITY", "10")
	t.Setenv("CHECKDNS_TOKEN", "hunter2")
	t.Setenv("SMTP_HOST", "smtp.example.com")
	t.Setenv("SMTP_FROM", "noreply@mailproof.net")
	t.Setenv("ADMIN_EMAIL_TO", "ops@mailproof.net")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "/tmp/test.db", cfg.Database.Path)
	assert.Equal(t, 30*time.Second, cfg.Jobs.PollInterval)
	assert.Equal(t, 24*time.Hour, cfg.Jobs.MaxAge)
	assert.Equal(t, 2500*time.Millisecond, cfg.DNS.Timeout)
	assert.Equal(t, []string{"9.9.9.9", "1.0.0.1"}, cfg.DNS.Servers)
	assert.Equal(t, "ui.mailproof.net", cfg.Profile.UICNAMEExpected)
	assert.Equal(t, []string{"192.0.2.1", "192.0.2.2"}, cfg.Profile.UICNAMEAuthorizedIPs)
	assert.Equal(t, 10, cfg.Profile.MXExpectedPriority)
	assert.Equal(t, "hunter2", cfg.CheckDNS.Token)
	assert.True(t, cfg.SMTP.Enabled())
}

func TestMaxActiveJobsClampedToPool(t *testing.T) {
	t.Setenv("DB_POOL_CONNECTION_LIMIT", "4")
	t.Setenv("MAX_ACTIVE_JOBS", "50")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Jobs.MaxActiveJobs)
}

func TestMaxActiveJobsDefaultsToPool(t *testing.T) {
	t.Setenv("DB_POOL_CONNECTION_LIMIT", "7")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Jobs.MaxActiveJobs)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad dns server", "DNS_SERVERS", "not-an-ip"},
		{"bad authorized ip", "UI_CNAME_AUTHORIZED_IPS", "999.0.0.1"},
		{"poll interval too small", "DNS_POLL_INTERVAL_SECONDS", "-5"},
		{"negative mx priority", "EMAIL_MX_EXPECTED_PRIORITY", "-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := FromEnv()
			assert.Error(t, err)
		})
	}
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	yaml := `
server:
  port: 8181
jobs:
  poll_interval: 45s
profile:
  ui_cname_expected: ui.mailproof.net
  mx_expected_host: mx.mailproof.net
  mx_expected_priority: 10
  spf_expected: "v=spf1 mx -all"
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0600))

	// Env beats YAML.
	t.Setenv("PORT", "8282")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8282, cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Jobs.PollInterval)
	assert.Equal(t, "ui.mailproof.net", cfg.Profile.UICNAMEExpected)
	assert.Equal(t, "v=spf1 mx -all", cfg.Profile.SPFExpected)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}

func TestListenAddress(t *testing.T) {
	s := ServerConfig{Host: "0.0.0.0", Port: 8080}
	assert.Equal(t, "0.0.0.0:8080", s.ListenAddress())

	s = ServerConfig{Port: 9000}
	assert.Equal(t, ":9000", s.ListenAddress())
}
