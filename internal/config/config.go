package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"

	StoreBackendScylla = "scylla"
	StoreBackendRedis  = "redis"
)

// Values treated as "not configured" when they show up in credential or template settings.
var placeholderValues = map[string]bool{
	"":                  true,
	"changeme":          true,
	"change-me":         true,
	"your_api_key":      true,
	"your_api_key_here": true,
	"your_template_id":  true,
	"your_sender_id":    true,
	"xxxx":              true,
	"todo":              true,
}

type Config struct {
	Environment   string
	Server        ServerConfig
	Logging       LoggingConfig
	Store         StoreConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	OTP           OTPConfig
	Hashing       HashingConfig
	RateLimit     RateLimitConfig
	SMS           SMSConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	KMS           KMSConfig
	Bucketing     BucketingConfig
	Audit         AuditConfig

	// Warnings collects settings that were malformed and replaced by defaults.
	// They are logged once the logger is up.
	Warnings []string
}

type ServerConfig struct {
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	CORSOrigins  []string
	// Peers allowed to set X-Forwarded-For / X-Real-IP. Empty means the socket
	// address is always the client address.
	TrustedProxies []netip.Prefix
}

type LoggingConfig struct {
	Level  string
	Format string
}

type StoreConfig struct {
	Backend string
	Timeout time.Duration
}

type RedisConfig struct {
	URL         string
	Password    string
	DB          int
	PoolSize    int
	TLSCAFile   string
	TLSCertFile string
	TLSKeyFile  string
}

type ScyllaConfig struct {
	Nodes       []string
	Keyspace    string
	Username    string
	Password    string
	Consistency string
	EnableTLS   bool
	CAPath      string
	CertPath    string
	KeyPath     string
}

type OTPConfig struct {
	Length               int
	TTL                  time.Duration
	CleanupInterval      time.Duration
	ResetRequestOnVerify bool
	IPHashSecret         string
}

type HashingConfig struct {
	Pepper            string
	Argon2MemoryCost  int
	Argon2TimeCost    int
	Argon2Parallelism int
}

// ContextLimit is a per-context override. Zero values mean "use the default".
type ContextLimit struct {
	Window      time.Duration
	MaxAttempts int
}

type RateLimitConfig struct {
	Request   ContextLimit
	Verify    ContextLimit
	IPRequest ContextLimit
	IPVerify  ContextLimit
}

type SMSConfig struct {
	BaseURL    string
	APIKey     string
	SenderID   string
	TemplateID string
	EntityID   string
	DLTEnabled bool
	Timeout    time.Duration
	MaxRetries int

	// Computed once at load time.
	ProviderConfigured bool
	DLTConfigured      bool
}

type KafkaConfig struct {
	Brokers   []string
	Topic     string
	GroupID   string
	EnableTLS bool
}

type ClickhouseConfig struct {
	URL      string
	Username string
	Password string
	Database string
	Table    string
	CAFile   string
}

type ElasticsearchConfig struct {
	URL      string
	Username string
	Password string
	Index    string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type BucketingConfig struct {
	ExpiryBuckets int
	EventBuckets  int
}

type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// LoadConfig reads the environment (and an optional .env file) into a Config.
// Malformed optional values fall back to defaults and are recorded in Warnings.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	l := &loader{}
	cfg := &Config{
		Environment: strings.ToLower(l.str("APP_ENV", EnvDevelopment)),
		Server: ServerConfig{
			Port:         l.integer("SERVER_PORT", 8080),
			TLSPort:      l.integer("SERVER_TLS_PORT", 8443),
			EnableTLS:    l.boolean("SERVER_ENABLE_TLS", false),
			AutoCert:     l.boolean("SERVER_AUTOCERT", false),
			Domain:       l.str("SERVER_DOMAIN", "localhost"),
			CertFile:     os.Getenv("SERVER_CERT_FILE"),
			KeyFile:      os.Getenv("SERVER_KEY_FILE"),
			AutoCertDir:  l.str("SERVER_AUTOCERT_DIR", "./certs"),
			Email:        os.Getenv("SERVER_ACME_EMAIL"),
			ReadTimeout:  l.duration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: l.duration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  l.duration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			CORSOrigins:  splitCSV(l.str("CORS_ALLOWED_ORIGINS", "https://*")),

			TrustedProxies: l.prefixes("TRUSTED_PROXIES"),
		},
		Logging: LoggingConfig{
			Level:  l.str("LOG_LEVEL", "info"),
			Format: l.str("LOG_FORMAT", "json"),
		},
		Store: StoreConfig{
			Backend: strings.ToLower(l.str("STORE_BACKEND", StoreBackendScylla)),
			Timeout: l.duration("STORE_TIMEOUT", 3*time.Second),
		},
		Redis: RedisConfig{
			URL:      l.str("REDIS_URL", "redis://localhost:6379/0"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       l.integer("REDIS_DB", 0),
			PoolSize: l.integer("REDIS_POOL_SIZE", 20),

			TLSCAFile:   l.str("REDIS_TLS_CA_FILE", "/app/certs/ca.crt"),
			TLSCertFile: l.str("REDIS_TLS_CERT_FILE", "/app/certs/redis.crt"),
			TLSKeyFile:  l.str("REDIS_TLS_KEY_FILE", "/app/certs/redis.key"),
		},
		Scylla: ScyllaConfig{
			Nodes:       splitCSV(l.str("SCYLLA_NODES", "127.0.0.1")),
			Keyspace:    l.str("SCYLLA_KEYSPACE", "otp"),
			Username:    os.Getenv("SCYLLA_USERNAME"),
			Password:    os.Getenv("SCYLLA_PASSWORD"),
			Consistency: l.str("SCYLLA_CONSISTENCY", "LOCAL_QUORUM"),
			EnableTLS:   l.boolean("SCYLLA_TLS_ENABLED", false),
			CAPath:      l.str("SCYLLA_TLS_CA", "/root/certs/ca.pem"),
			CertPath:    l.str("SCYLLA_TLS_CERT", "/root/certs/server.pem"),
			KeyPath:     l.str("SCYLLA_TLS_KEY", "/root/certs/server.key"),
		},
		OTP: OTPConfig{
			Length:               l.integer("OTP_LENGTH", 6),
			TTL:                  l.duration("OTP_TTL", 5*time.Minute),
			CleanupInterval:      l.duration("OTP_CLEANUP_INTERVAL", 15*time.Minute),
			ResetRequestOnVerify: l.boolean("RESET_REQUEST_ON_VERIFY", true),
			IPHashSecret:         os.Getenv("IP_HASH_SECRET"),
		},
		Hashing: HashingConfig{
			Pepper:            os.Getenv("OTP_PEPPER"),
			Argon2MemoryCost:  l.integer("ARGON2_MEMORY_KB", 19*1024),
			Argon2TimeCost:    l.integer("ARGON2_TIME_COST", 2),
			Argon2Parallelism: l.integer("ARGON2_PARALLELISM", 1),
		},
		RateLimit: RateLimitConfig{
			Request:   l.contextLimit("RATE_LIMIT_REQUEST"),
			Verify:    l.contextLimit("RATE_LIMIT_VERIFY"),
			IPRequest: l.contextLimit("RATE_LIMIT_IP_REQUEST"),
			IPVerify:  l.contextLimit("RATE_LIMIT_IP_VERIFY"),
		},
		SMS: SMSConfig{
			BaseURL:    l.str("SMS_BASE_URL", "https://www.fast2sms.com"),
			APIKey:     strings.TrimSpace(os.Getenv("SMS_API_KEY")),
			SenderID:   strings.TrimSpace(os.Getenv("SMS_SENDER_ID")),
			TemplateID: strings.TrimSpace(os.Getenv("SMS_DLT_TEMPLATE_ID")),
			EntityID:   strings.TrimSpace(os.Getenv("SMS_DLT_ENTITY_ID")),
			DLTEnabled: l.boolean("SMS_DLT_ENABLED", false),
			Timeout:    l.duration("SMS_TIMEOUT", 10*time.Second),
			MaxRetries: l.integer("SMS_MAX_RETRIES", 1),
		},
		Kafka: KafkaConfig{
			Brokers:   splitCSV(os.Getenv("KAFKA_BROKERS")),
			Topic:     l.str("KAFKA_OTP_TOPIC", "otp.events"),
			GroupID:   l.str("KAFKA_GROUP_ID", "otp-audit-tail"),
			EnableTLS: l.boolean("KAFKA_TLS_ENABLED", false),
		},
		Clickhouse: ClickhouseConfig{
			URL:      os.Getenv("CLICKHOUSE_URL"),
			Username: l.str("CLICKHOUSE_USERNAME", "default"),
			Password: os.Getenv("CLICKHOUSE_PASSWORD"),
			Database: l.str("CLICKHOUSE_DATABASE", "default"),
			Table:    l.str("CLICKHOUSE_OTP_TABLE", "otp_events"),
			CAFile:   os.Getenv("CLICKHOUSE_CA_FILE"),
		},
		Elasticsearch: ElasticsearchConfig{
			URL:      os.Getenv("ELASTICSEARCH_URL"),
			Username: os.Getenv("ELASTICSEARCH_USERNAME"),
			Password: os.Getenv("ELASTICSEARCH_PASSWORD"),
			Index:    l.str("ELASTICSEARCH_OTP_INDEX", "otp-events"),
		},
		KMS: KMSConfig{
			Enabled: l.boolean("KMS_ENABLED", false),
			KeyID:   os.Getenv("KMS_KEY_ID"),
			Region:  l.str("AWS_REGION", "ap-south-1"),
		},
		Bucketing: BucketingConfig{
			ExpiryBuckets: l.integer("EXPIRY_BUCKETS", 16),
			EventBuckets:  l.integer("EVENT_BUCKETS", 64),
		},
		Audit: AuditConfig{
			Enabled:    l.boolean("AUDIT_ENABLED", true),
			BufferSize: l.integer("AUDIT_BUFFER_SIZE", 1024),
			DropIfFull: l.boolean("AUDIT_DROP_IF_FULL", true),
		},
	}

	cfg.SMS.ProviderConfigured = !IsPlaceholder(cfg.SMS.APIKey)
	cfg.SMS.DLTConfigured = cfg.SMS.DLTEnabled &&
		!IsPlaceholder(cfg.SMS.TemplateID) &&
		!IsPlaceholder(cfg.SMS.SenderID)
	cfg.Warnings = l.warnings

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case StoreBackendScylla, StoreBackendRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend))
	}
	if c.OTP.Length < 4 || c.OTP.Length > 10 {
		errs = append(errs, fmt.Errorf("OTP_LENGTH must be between 4 and 10, got %d", c.OTP.Length))
	}
	if c.OTP.TTL <= 0 {
		errs = append(errs, errors.New("OTP_TTL must be positive"))
	}
	if c.IsProduction() {
		if IsPlaceholder(c.Hashing.Pepper) {
			errs = append(errs, errors.New("OTP_PEPPER is required in production"))
		}
		if IsPlaceholder(c.OTP.IPHashSecret) {
			errs = append(errs, errors.New("IP_HASH_SECRET is required in production"))
		}
		if c.KMS.Enabled && c.KMS.KeyID == "" {
			errs = append(errs, errors.New("KMS_KEY_ID is required when KMS is enabled"))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// IsPlaceholder reports whether a credential-like value is empty or an obvious stand-in.
func IsPlaceholder(v string) bool {
	return placeholderValues[strings.ToLower(strings.TrimSpace(v))]
}

type loader struct {
	warnings []string
}

func (l *loader) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (l *loader) integer(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		l.warnings = append(l.warnings, fmt.Sprintf("%s=%q is not an integer, using %d", key, raw, def))
		return def
	}
	return v
}

func (l *loader) boolean(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		l.warnings = append(l.warnings, fmt.Sprintf("%s=%q is not a boolean, using %t", key, raw, def))
		return def
	}
	return v
}

func (l *loader) duration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		l.warnings = append(l.warnings, fmt.Sprintf("%s=%q is not a duration, using %s", key, raw, def))
		return def
	}
	return v
}

// contextLimit reads <prefix>_WINDOW and <prefix>_MAX. Anything unusable stays zero
// so the rate limiter applies its own defaults.
func (l *loader) contextLimit(prefix string) ContextLimit {
	limit := ContextLimit{
		Window:      l.duration(prefix+"_WINDOW", 0),
		MaxAttempts: l.integer(prefix+"_MAX", 0),
	}
	if limit.Window < 0 {
		l.warnings = append(l.warnings, fmt.Sprintf("%s_WINDOW is negative, using default", prefix))
		limit.Window = 0
	}
	if limit.MaxAttempts < 0 {
		l.warnings = append(l.warnings, fmt.Sprintf("%s_MAX is negative, using default", prefix))
		limit.MaxAttempts = 0
	}
	return limit
}

// prefixes parses a comma separated list of CIDRs or bare addresses. Bad entries
// are skipped with a warning.
func (l *loader) prefixes(key string) []netip.Prefix {
	var out []netip.Prefix
	for _, raw := range splitCSV(os.Getenv(key)) {
		if p, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			l.warnings = append(l.warnings, fmt.Sprintf("%s entry %q is not an address or CIDR, ignoring it", key, raw))
			continue
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
