// Package config holds the application configuration. Settings load from an
// optional YAML file; every deployment-facing value can be overridden through
// environment variables, which is how production runs.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	DNS       DNSConfig       `yaml:"dns"`
	Jobs      JobsConfig      `yaml:"jobs"`
	CheckDNS  CheckDNSConfig  `yaml:"checkdns"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	Profile   Profile         `yaml:"profile"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host string `yaml:"host"` // HOST
	Port int    `yaml:"port"` // PORT
}

// ListenAddress returns the host:port the HTTP server binds to.
func (s ServerConfig) ListenAddress() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// DatabaseConfig holds store settings. The pool connection limit doubles as
// the ceiling for concurrent background jobs.
type DatabaseConfig struct {
	Path                string        `yaml:"path"`                  // DB_PATH
	PoolConnectionLimit int           `yaml:"pool_connection_limit"` // DB_POOL_CONNECTION_LIMIT
	AcquireTimeout      time.Duration `yaml:"acquire_timeout"`       // DB_POOL_ACQUIRE_TIMEOUT_MS
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`       // DB_POOL_CONNECT_TIMEOUT_MS
	QueryRetryCount     int           `yaml:"query_retry_count"`     // DB_QUERY_RETRY_COUNT
	QueryRetryDelay     time.Duration `yaml:"query_retry_delay"`     // DB_QUERY_RETRY_DELAY_MS
	RetentionDays       int           `yaml:"retention_days"`
}

// DNSConfig holds resolver settings and record caps
type DNSConfig struct {
	Servers       []string      `yaml:"servers"`         // DNS_SERVERS (CSV of IPs)
	Timeout       time.Duration `yaml:"timeout"`         // DNS_TIMEOUT_MS
	MaxRecords    int           `yaml:"max_records"`     // DNS_MAX_RECORDS
	MaxTXTRecords int           `yaml:"max_txt_records"` // DNS_MAX_TXT_RECORDS
	MaxTXTLength  int           `yaml:"max_txt_length"`  // DNS_MAX_TXT_LENGTH
	MaxHostLength int           `yaml:"max_host_length"` // DNS_MAX_HOST_LENGTH
}

// JobsConfig holds polling scheduler settings
type JobsConfig struct {
	PollInterval       time.Duration `yaml:"poll_interval"`         // DNS_POLL_INTERVAL_SECONDS
	MaxAge             time.Duration `yaml:"max_age"`               // DNS_JOB_MAX_AGE_HOURS
	MaxActiveJobs      int           `yaml:"max_active_jobs"`       // MAX_ACTIVE_JOBS
	ResumeJitter       time.Duration `yaml:"resume_jitter"`         // RESUME_STARTUP_JITTER_MS
	TargetCooldown     time.Duration `yaml:"target_cooldown"`       // TARGET_COOLDOWN_SECONDS
	ResultJSONMaxBytes int           `yaml:"result_json_max_bytes"` // RESULT_JSON_MAX_BYTES
}

// CheckDNSConfig holds read-only query path settings
type CheckDNSConfig struct {
	Token       string        `yaml:"token"`        // CHECKDNS_TOKEN
	MinInterval time.Duration `yaml:"min_interval"` // CHECKDNS_MIN_INTERVAL_SECONDS
}

// SMTPConfig holds outbound mail settings
type SMTPConfig struct {
	Host          string `yaml:"host"`   // SMTP_HOST
	Port          int    `yaml:"port"`   // SMTP_PORT
	Secure        bool   `yaml:"secure"` // SMTP_SECURE
	User          string `yaml:"user"`   // SMTP_USER
	Pass          string `yaml:"pass"`   // SMTP_PASS
	From          string `yaml:"from"`   // SMTP_FROM
	AdminTo       string `yaml:"admin_to"`
	BodyMaxLength int    `yaml:"body_max_length"` // EMAIL_BODY_MAX_LENGTH
}

// Enabled reports whether outbound mail is configured at all.
func (s SMTPConfig) Enabled() bool {
	return s.Host != "" && s.From != "" && s.AdminTo != ""
}

// Profile is the expected DNS record set a customer domain must present.
// This section is hot-reloadable through the config watcher.
type Profile struct {
	UICNAMEExpected      string   `yaml:"ui_cname_expected"`       // UI_CNAME_EXPECTED
	UICNAMEAuthorizedIPs []string `yaml:"ui_cname_authorized_ips"` // UI_CNAME_AUTHORIZED_IPS (CSV of IPs)
	UICNAMEMaxChainDepth int      `yaml:"ui_cname_max_chain_depth"`
	MXExpectedHost       string   `yaml:"mx_expected_host"`     // EMAIL_MX_EXPECTED_HOST
	MXExpectedPriority   int      `yaml:"mx_expected_priority"` // EMAIL_MX_EXPECTED_PRIORITY
	DKIMSelector         string   `yaml:"dkim_selector"`        // EMAIL_DKIM_SELECTOR
	DKIMCNAMEExpected    string   `yaml:"dkim_cname_expected"`  // EMAIL_DKIM_CNAME_EXPECTED
	SPFExpected          string   `yaml:"spf_expected"`         // EMAIL_SPF_EXPECTED
	DMARCExpected        string   `yaml:"dmarc_expected"`       // EMAIL_DMARC_EXPECTED
}

// RateLimitConfig holds per-IP edge throttling settings
type RateLimitConfig struct {
	Window      time.Duration `yaml:"window"`
	MaxRequests int           `yaml:"max_requests"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level     string `yaml:"level"`      // debug, info, warn, error
	Format    string `yaml:"format"`     // json, text
	Output    string `yaml:"output"`     // stdout, stderr, file
	FilePath  string `yaml:"file_path"`  // if output=file
	AddSource bool   `yaml:"add_source"` // include source file/line
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPort    int    `yaml:"prometheus_port"`
}

// Load loads the configuration from a YAML file, then applies environment
// overrides and defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// FromEnv builds a configuration from environment variables alone.
func FromEnv() (*Config, error) {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides fields from the environment. Env always wins over YAML.
func (c *Config) applyEnv() {
	envString("HOST", &c.Server.Host)
	envInt("PORT", &c.Server.Port)

	envString("DB_PATH", &c.Database.Path)
	envInt("DB_POOL_CONNECTION_LIMIT", &c.Database.PoolConnectionLimit)
	envMillis("DB_POOL_ACQUIRE_TIMEOUT_MS", &c.Database.AcquireTimeout)
	envMillis("DB_POOL_CONNECT_TIMEOUT_MS", &c.Database.ConnectTimeout)
	envInt("DB_QUERY_RETRY_COUNT", &c.Database.QueryRetryCount)
	envMillis("DB_QUERY_RETRY_DELAY_MS", &c.Database.QueryRetryDelay)

	envCSV("DNS_SERVERS", &c.DNS.Servers)
	envMillis("DNS_TIMEOUT_MS", &c.DNS.Timeout)
	envInt("DNS_MAX_RECORDS", &c.DNS.MaxRecords)
	envInt("DNS_MAX_TXT_RECORDS", &c.DNS.MaxTXTRecords)
	envInt("DNS_MAX_TXT_LENGTH", &c.DNS.MaxTXTLength)
	envInt("DNS_MAX_HOST_LENGTH", &c.DNS.MaxHostLength)

	envSeconds("DNS_POLL_INTERVAL_SECONDS", &c.Jobs.PollInterval)
	envHours("DNS_JOB_MAX_AGE_HOURS", &c.Jobs.MaxAge)
	envInt("MAX_ACTIVE_JOBS", &c.Jobs.MaxActiveJobs)
	envMillis("RESUME_STARTUP_JITTER_MS", &c.Jobs.ResumeJitter)
	envSeconds("TARGET_COOLDOWN_SECONDS", &c.Jobs.TargetCooldown)
	envInt("RESULT_JSON_MAX_BYTES", &c.Jobs.ResultJSONMaxBytes)

	envString("CHECKDNS_TOKEN", &c.CheckDNS.Token)
	envSeconds("CHECKDNS_MIN_INTERVAL_SECONDS", &c.CheckDNS.MinInterval)

	envString("SMTP_HOST", &c.SMTP.Host)
	envInt("SMTP_PORT", &c.SMTP.Port)
	envBool("SMTP_SECURE", &c.SMTP.Secure)
	envString("SMTP_USER", &c.SMTP.User)
	envString("SMTP_PASS", &c.SMTP.Pass)
	envString("SMTP_FROM", &c.SMTP.From)
	envString("ADMIN_EMAIL_TO", &c.SMTP.AdminTo)
	envInt("EMAIL_BODY_MAX_LENGTH", &c.SMTP.BodyMaxLength)

	envString("UI_CNAME_EXPECTED", &c.Profile.UICNAMEExpected)
	envCSV("UI_CNAME_AUTHORIZED_IPS", &c.Profile.UICNAMEAuthorizedIPs)
	envInt("UI_CNAME_MAX_CHAIN_DEPTH", &c.Profile.UICNAMEMaxChainDepth)
	envString("EMAIL_MX_EXPECTED_HOST", &c.Profile.MXExpectedHost)
	envInt("EMAIL_MX_EXPECTED_PRIORITY", &c.Profile.MXExpectedPriority)
	envString("EMAIL_DKIM_SELECTOR", &c.Profile.DKIMSelector)
	envString("EMAIL_DKIM_CNAME_EXPECTED", &c.Profile.DKIMCNAMEExpected)
	envString("EMAIL_SPF_EXPECTED", &c.Profile.SPFExpected)
	envString("EMAIL_DMARC_EXPECTED", &c.Profile.DMARCExpected)
}

// applyDefaults sets default values for unset configuration fields
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}

	if c.Database.Path == "" {
		c.Database.Path = "./mailproof.db"
	}
	if c.Database.PoolConnectionLimit == 0 {
		c.Database.PoolConnectionLimit = 10
	}
	if c.Database.AcquireTimeout == 0 {
		c.Database.AcquireTimeout = 10 * time.Second
	}
	if c.Database.ConnectTimeout == 0 {
		c.Database.ConnectTimeout = 10 * time.Second
	}
	if c.Database.QueryRetryCount == 0 {
		c.Database.QueryRetryCount = 3
	}
	if c.Database.QueryRetryDelay == 0 {
		c.Database.QueryRetryDelay = 200 * time.Millisecond
	}
	if c.Database.RetentionDays == 0 {
		c.Database.RetentionDays = 90
	}

	if len(c.DNS.Servers) == 0 {
		c.DNS.Servers = []string{"1.1.1.1", "8.8.8.8"}
	}
	if c.DNS.Timeout == 0 {
		c.DNS.Timeout = 5 * time.Second
	}
	if c.DNS.MaxRecords == 0 {
		c.DNS.MaxRecords = 20
	}
	if c.DNS.MaxTXTRecords == 0 {
		c.DNS.MaxTXTRecords = 30
	}
	if c.DNS.MaxTXTLength == 0 {
		c.DNS.MaxTXTLength = 1024
	}
	if c.DNS.MaxHostLength == 0 {
		c.DNS.MaxHostLength = 255
	}

	if c.Jobs.PollInterval == 0 {
		c.Jobs.PollInterval = 60 * time.Second
	}
	if c.Jobs.MaxAge == 0 {
		c.Jobs.MaxAge = 72 * time.Hour
	}
	if c.Jobs.MaxActiveJobs == 0 {
		c.Jobs.MaxActiveJobs = c.Database.PoolConnectionLimit
	}
	if c.Jobs.ResumeJitter == 0 {
		c.Jobs.ResumeJitter = 5 * time.Second
	}
	if c.Jobs.TargetCooldown == 0 {
		c.Jobs.TargetCooldown = 60 * time.Second
	}
	if c.Jobs.ResultJSONMaxBytes == 0 {
		c.Jobs.ResultJSONMaxBytes = 20000
	}

	if c.CheckDNS.MinInterval == 0 {
		c.CheckDNS.MinInterval = 30 * time.Second
	}

	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
	if c.SMTP.BodyMaxLength == 0 {
		c.SMTP.BodyMaxLength = 10000
	}

	if c.Profile.UICNAMEMaxChainDepth == 0 {
		c.Profile.UICNAMEMaxChainDepth = 5
	}

	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = 60 * time.Second
	}
	if c.RateLimit.MaxRequests == 0 {
		c.RateLimit.MaxRequests = 60
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "mailproof"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
}

// Validate checks if the configuration is valid. MAX_ACTIVE_JOBS is clamped
// to the pool connection limit here so jobs can never starve the pool.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path cannot be empty")
	}
	if c.Database.PoolConnectionLimit < 1 {
		return fmt.Errorf("database.pool_connection_limit must be at least 1")
	}

	for _, s := range c.DNS.Servers {
		host := s
		if h, _, err := net.SplitHostPort(s); err == nil {
			host = h
		}
		if net.ParseIP(host) == nil {
			return fmt.Errorf("dns.servers entry is not an IP address: %s", s)
		}
	}

	if err := c.Profile.Validate(); err != nil {
		return err
	}

	if c.Jobs.MaxActiveJobs > c.Database.PoolConnectionLimit {
		c.Jobs.MaxActiveJobs = c.Database.PoolConnectionLimit
	}
	if c.Jobs.PollInterval < time.Second {
		return fmt.Errorf("jobs.poll_interval must be at least 1s")
	}
	if c.Jobs.MaxAge < time.Minute {
		return fmt.Errorf("jobs.max_age must be at least 1m")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	return nil
}

// Validate checks the expected DNS profile.
func (p *Profile) Validate() error {
	for _, ip := range p.UICNAMEAuthorizedIPs {
		if net.ParseIP(ip) == nil {
			return fmt.Errorf("profile.ui_cname_authorized_ips entry is not an IP address: %s", ip)
		}
	}
	if p.UICNAMEMaxChainDepth < 1 {
		return fmt.Errorf("profile.ui_cname_max_chain_depth must be at least 1")
	}
	if p.MXExpectedPriority < 0 || p.MXExpectedPriority > 65535 {
		return fmt.Errorf("profile.mx_expected_priority out of range: %d", p.MXExpectedPriority)
	}
	return nil
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}

func envMillis(key string, dst *time.Duration) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}

func envSeconds(key string, dst *time.Duration) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}

func envHours(key string, dst *time.Duration) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = time.Duration(n) * time.Hour
		}
	}
}

func envCSV(key string, dst *[]string) {
	if v, ok := os.LookupEnv(key); ok {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}
