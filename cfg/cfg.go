package cfg

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

// Secret holds a sensitive value that never prints and can be zeroed.
type Secret struct {
	value []byte
}

func NewSecret(s string) Secret { return Secret{value: []byte(s)} }

func (s Secret) Value() string  { return string(s.value) }
func (s Secret) String() string { return "***REDACTED***" }

func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}

type Cfg struct {
	Port                   string
	Environment            string
	LogLevel               string
	DatabasePath           string
	RedisURL               string
	RedisTLS               bool
	RedisUsername          string
	RedisPassword          Secret
	RedisTimeout           time.Duration
	LRUCacheSize           int
	Argon2Time             uint32
	Argon2Memory           uint32
	Argon2Parallelism      uint8
	HasherWorkerCount      int
	RateLimit              RateLimitCfg
	MaxPasteSize           int64
	MaxWorkerLoad          int
	DeletionTokenExpiry    time.Duration
	TokenReplayTTL         time.Duration
	TrustedProxies         []string
	MetricsUser            string
	MetricsPass            Secret
	WorkerPoolSize         int
	TTLPresets             []time.Duration
	Pepper                 Secret
	PepperFromKMS          bool
	JWTSecret              Secret
	JWTSecretFromKMS       bool
	SessionTTL             time.Duration
	CookieSecure           bool
	ContextTimeout         time.Duration
	AllowedOrigins         []string
	DBMaxOpenConns         int
	DBMaxIdleConns         int
	DBQueryTimeout         time.Duration
	IPHashRotationInterval time.Duration
	KEKCacheTTL            time.Duration
	PurgeSchedule          string
}

type RateLimitCfg struct {
	RPM               int
	Burst             int
	ConservativeLimit int
}

// LoadDotEnv loads PASTEFORGE_ENV_FILE (default .env) when it exists.
// Variables already present in the environment win.
func LoadDotEnv() error {
	path := os.Getenv("PASTEFORGE_ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "stat env file")
	}
	return errors.Wrapf(godotenv.Load(path), "load %s", path)
}

// reader parses typed variables and keeps the first failure, so Load can
// read everything and check once.
type reader struct {
	err error
}

func (r *reader) fail(key string, err error) {
	if r.err == nil {
		r.err = errors.Wrapf(err, "invalid %s", key)
	}
}

func (r *reader) str(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func (r *reader) flag(key string, fallback bool) bool {
	v := r.str(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, err)
	}
	return b
}

func (r *reader) unsigned(key string, fallback uint64, bits int) uint64 {
	v := r.str(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, bits)
	if err != nil {
		r.fail(key, err)
	}
	return n
}

func (r *reader) integer(key string, fallback int64) int64 {
	v := r.str(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.fail(key, err)
	}
	return n
}

func (r *reader) duration(key string, fallback time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, err)
	}
	return d
}

func (r *reader) list(key string) []string {
	var out []string
	for _, p := range strings.Split(r.str(key, ""), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (r *reader) durations(key, fallback string) []time.Duration {
	var out []time.Duration
	for _, p := range strings.Split(r.str(key, fallback), ",") {
		if p = strings.TrimSpace(p); p == "" {
			continue
		}
		d, err := time.ParseDuration(p)
		if err != nil {
			r.fail(key, err)
			return nil
		}
		out = append(out, d)
	}
	return out
}

func Load() (*Cfg, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}
	var r reader
	env := r.str("ENVIRONMENT", "development")
	c := &Cfg{
		Port:              r.str("PORT", "8080"),
		Environment:       env,
		LogLevel:          r.str("LOG_LEVEL", "info"),
		DatabasePath:      r.str("DATABASE_PATH", "pasteforge.db"),
		RedisURL:          r.str("REDIS_URL", ""),
		RedisTLS:          r.flag("REDIS_TLS", false),
		RedisUsername:     r.str("REDIS_USERNAME", ""),
		RedisPassword:     NewSecret(r.str("REDIS_PASSWORD", "")),
		RedisTimeout:      r.duration("REDIS_TIMEOUT", 5*time.Second),
		LRUCacheSize:      int(r.integer("LRU_CACHE_SIZE", 1000)),
		Argon2Time:        uint32(r.unsigned("ARGON2_TIME", 3, 32)),
		Argon2Memory:      uint32(r.unsigned("ARGON2_MEMORY", 64*1024, 32)),
		Argon2Parallelism: uint8(r.unsigned("ARGON2_PARALLELISM", 2, 8)),
		HasherWorkerCount: int(r.integer("HASHER_WORKER_COUNT", 4)),
		RateLimit: RateLimitCfg{
			RPM:               int(r.integer("RATE_LIMIT_RPM", 600)),
			Burst:             int(r.integer("RATE_LIMIT_BURST", 20)),
			ConservativeLimit: int(r.integer("RATE_LIMIT_CONSERVATIVE", 60)),
		},
		MaxPasteSize:           r.integer("MAX_PASTE_SIZE", 512*1024),
		MaxWorkerLoad:          int(r.integer("MAX_WORKER_LOAD", 100)),
		DeletionTokenExpiry:    r.duration("DELETION_TOKEN_EXPIRY", 7*24*time.Hour),
		TokenReplayTTL:         r.duration("TOKEN_REPLAY_TTL", 7*24*time.Hour),
		TrustedProxies:         r.list("TRUSTED_PROXIES"),
		MetricsUser:            r.str("METRICS_USER", ""),
		MetricsPass:            NewSecret(r.str("METRICS_PASS", "")),
		WorkerPoolSize:         int(r.integer("WORKER_POOL_SIZE", 8)),
		TTLPresets:             r.durations("TTL_PRESETS", "10m,1h,24h,168h,720h"),
		Pepper:                 NewSecret(r.str("PEPPER", "")),
		PepperFromKMS:          r.flag("PEPPER_FROM_KMS", false),
		JWTSecret:              NewSecret(r.str("JWT_SECRET", "")),
		JWTSecretFromKMS:       r.flag("JWT_SECRET_FROM_KMS", false),
		SessionTTL:             r.duration("SESSION_TTL", 7*24*time.Hour),
		CookieSecure:           r.flag("COOKIE_SECURE", env == "production"),
		ContextTimeout:         r.duration("CONTEXT_TIMEOUT", 10*time.Second),
		AllowedOrigins:         r.list("ALLOWED_ORIGINS"),
		DBMaxOpenConns:         int(r.integer("DB_MAX_OPEN_CONNS", 16)),
		DBMaxIdleConns:         int(r.integer("DB_MAX_IDLE_CONNS", 4)),
		DBQueryTimeout:         r.duration("DB_QUERY_TIMEOUT", 5*time.Second),
		IPHashRotationInterval: r.duration("IP_HASH_ROTATION_INTERVAL", 24*time.Hour),
		KEKCacheTTL:            r.duration("KEK_CACHE_TTL", 10*time.Minute),
		PurgeSchedule:          r.str("PURGE_SCHEDULE", "@every 10m"),
	}
	if r.err != nil {
		c.Wipe()
		return nil, r.err
	}
	return c, nil
}

// Validate checks ranges and cross-field rules. It reports the first
// violation.
func Validate(c *Cfg) error {
	rules := []struct {
		ok  bool
		msg string
	}{
		{c.Port != "", "PORT is required"},
		{isNumber(c.Port), "PORT must be a number"},
		{c.DatabasePath != "", "DATABASE_PATH is required"},
		{c.RedisURL == "" || strings.HasPrefix(c.RedisURL, "redis://") || strings.HasPrefix(c.RedisURL, "rediss://"),
			"REDIS_URL must start with redis:// or rediss://"},
		{!strings.HasPrefix(c.RedisURL, "rediss://") || c.RedisTLS, "REDIS_URL uses rediss:// but REDIS_TLS is false"},
		{c.LRUCacheSize > 0, "LRU_CACHE_SIZE must be positive"},
		{c.Argon2Time >= 1, "ARGON2_TIME must be at least 1"},
		{c.Argon2Memory >= 19*1024, "ARGON2_MEMORY must be at least 19456 KiB"},
		{c.Argon2Parallelism >= 1, "ARGON2_PARALLELISM must be at least 1"},
		{c.RateLimit.RPM > 0, "RATE_LIMIT_RPM must be positive"},
		{c.RateLimit.ConservativeLimit > 0, "RATE_LIMIT_CONSERVATIVE must be positive"},
		{c.MaxPasteSize > 0 && c.MaxPasteSize <= 10<<20, "MAX_PASTE_SIZE must be between 1 byte and 10 MiB"},
		{c.DeletionTokenExpiry >= time.Minute, "DELETION_TOKEN_EXPIRY must be at least 1m"},
		{c.TokenReplayTTL >= time.Minute, "TOKEN_REPLAY_TTL must be at least 1m"},
		{c.PepperFromKMS || len(c.Pepper.Value()) >= 32, "PEPPER must be at least 32 bytes unless PEPPER_FROM_KMS is set"},
		{c.JWTSecretFromKMS || len(c.JWTSecret.Value()) >= 32, "JWT_SECRET must be at least 32 bytes unless JWT_SECRET_FROM_KMS is set"},
		{c.SessionTTL >= 5*time.Minute && c.SessionTTL <= 90*24*time.Hour, "SESSION_TTL must be between 5m and 90 days"},
		{c.IPHashRotationInterval >= 15*time.Minute, "IP_HASH_ROTATION_INTERVAL must be at least 15m"},
		{c.KEKCacheTTL >= time.Minute && c.KEKCacheTTL <= time.Hour, "KEK_CACHE_TTL must be between 1m and 1h"},
	}
	for _, rule := range rules {
		if !rule.ok {
			return errors.New(rule.msg)
		}
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
		if !c.CookieSecure {
			return errors.New("COOKIE_SECURE must be true in production")
		}
	}
	if err := checkDBPath(c.DatabasePath); err != nil {
		return err
	}
	for _, p := range c.TrustedProxies {
		if !validProxy(p) {
			return errors.Errorf("TRUSTED_PROXIES: %q is neither an IP nor a CIDR", p)
		}
	}
	if _, err := cron.ParseStandard(c.PurgeSchedule); err != nil {
		return errors.Wrapf(err, "PURGE_SCHEDULE %q", c.PurgeSchedule)
	}
	return nil
}

func isNumber(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil
}

// checkDBPath keeps file databases under the working directory. SQLite URIs
// (file:...) are taken as is.
func checkDBPath(path string) error {
	if strings.HasPrefix(path, "file:") {
		return nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return errors.Wrap(err, "working directory")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrap(err, "DATABASE_PATH")
	}
	if !strings.HasPrefix(abs, wd+string(filepath.Separator)) {
		return errors.Errorf("DATABASE_PATH must be inside %s", wd)
	}
	return nil
}

func validProxy(p string) bool {
	if strings.Contains(p, "/") {
		_, _, err := net.ParseCIDR(p)
		return err == nil
	}
	return net.ParseIP(p) != nil
}

func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.Pepper.Wipe()
	c.JWTSecret.Wipe()
}
