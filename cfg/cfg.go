package cfg

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"secretboard/pkg/boardcrypto"
	"secretboard/pkg/domain"
	"secretboard/pkg/kms"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Cfg is the node configuration.
type Cfg struct {
	Port               string
	Environment        string
	LogLevel           string
	DatabaseDriver     string
	DatabasePath       string
	DatabaseURL        Secret
	RedisURL           string
	RedisTLS           bool
	RedisHostname      string
	RedisCACert        string
	RedisDevCA         string
	RedisUsername      string
	RedisPassword      Secret
	RedisTimeout       time.Duration
	LRUCacheSize       int
	RateLimit          RateLimitCfg
	MaxCiphertextBytes int64
	TrustedProxies     []string
	MetricsUser        string
	MetricsPass        Secret
	ContextTimeout     time.Duration
	AllowedOrigins     []string
	DBMaxOpenConns     int
	DBMaxIdleConns     int
	DBQueryTimeout     time.Duration
	BoardAddress       boardcrypto.Address
	ProofKey           Secret
	ProofKeyFromKMS    bool
	RevealCacheTTL     time.Duration
	IPHashRotation     time.Duration
	KMS                kms.Options
	PprofAddr          string
}

type RateLimitCfg struct {
	RPM               int
	Burst             int
	ConservativeLimit int
}

func (c *Cfg) IsProduction() bool {
	return c.Environment == "production"
}

func Load() (*Cfg, error) {
	c := &Cfg{}
	var err error
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.DatabaseDriver = getEnv("DATABASE_DRIVER", DriverSQLite)
	c.DatabasePath = getEnv("DATABASE_PATH", "secretboard.db")
	c.DatabaseURL = NewSecret(getEnv("DATABASE_URL", ""))
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getBool("REDIS_TLS", false)
	c.RedisHostname = getEnv("REDIS_HOSTNAME", "")
	c.RedisCACert = getEnv("REDIS_TLS_CA_CERT", "")
	c.RedisDevCA = getEnv("REDIS_TLS_DEV_CA", "")
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	if c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if c.LRUCacheSize, err = getInt("LRU_CACHE_SIZE", 1000); err != nil {
		return nil, err
	}
	if c.RateLimit.RPM, err = getInt("RATE_LIMIT_RPM", 60); err != nil {
		return nil, err
	}
	if c.RateLimit.Burst, err = getInt("RATE_LIMIT_BURST", 10); err != nil {
		return nil, err
	}
	if c.RateLimit.ConservativeLimit, err = getInt("RATE_LIMIT_CONSERVATIVE", 5); err != nil {
		return nil, err
	}
	if c.MaxCiphertextBytes, err = getInt64("MAX_CIPHERTEXT_BYTES", 16*1024); err != nil {
		return nil, err
	}
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	if c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{})
	if c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 100); err != nil {
		return nil, err
	}
	if c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 10); err != nil {
		return nil, err
	}
	if c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if board := getEnv("BOARD_ADDRESS", ""); board != "" {
		c.BoardAddress, err = boardcrypto.ParseAddress(board)
		if err != nil {
			return nil, errors.Wrap(err, "invalid BOARD_ADDRESS")
		}
	}
	c.ProofKey = NewSecret(getEnv("PROOF_KEY", ""))
	c.ProofKeyFromKMS = getBool("PROOF_KEY_FROM_KMS", false)
	if c.RevealCacheTTL, err = getDuration("REVEAL_CACHE_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	if c.IPHashRotation, err = getDuration("IP_HASH_ROTATION_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	c.PprofAddr = getEnv("PPROF_ADDR", "")
	c.KMS = kms.Options{
		VaultAddr:       getEnv("VAULT_ADDR", ""),
		VaultToken:      getEnv("VAULT_TOKEN", ""),
		VaultTokenFile:  getEnv("VAULT_TOKEN_FILE", ""),
		VaultMountPath:  getEnv("VAULT_MOUNT_PATH", ""),
		VaultKeyID:      getEnv("VAULT_KEY_ID", ""),
		VaultSecretPath: getEnv("VAULT_SECRET_PATH", ""),
		AWSRegion:       getEnv("AWS_REGION", ""),
		AWSKeyID:        getEnv("KMS_MASTER_KEY_ID", ""),
		LocalKey:        getEnv("KMS_LOCAL_KEY", ""),
		RequirePrimary:  getBool("KMS_REQUIRE_PRIMARY", false),
		FailClosed:      getBool("KMS_FAIL_CLOSED", true),
	}
	return c, nil
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	switch c.DatabaseDriver {
	case DriverSQLite:
		if c.DatabasePath == "" {
			return errors.New("DATABASE_PATH is required for sqlite3")
		}
	case DriverPostgres:
		if c.DatabaseURL.Value() == "" {
			return errors.New("DATABASE_URL is required for postgres")
		}
	default:
		return errors.Errorf("DATABASE_DRIVER must be %s or %s", DriverSQLite, DriverPostgres)
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
		if c.RedisTLS && c.RedisHostname == "" {
			return errors.New("REDIS_HOSTNAME must be set when REDIS_TLS=true")
		}
	}
	if c.LRUCacheSize <= 0 {
		return errors.New("LRU_CACHE_SIZE must be positive")
	}
	if c.RateLimit.RPM <= 0 {
		return errors.New("RATE_LIMIT_RPM must be positive")
	}
	if c.MaxCiphertextBytes <= 0 {
		return errors.New("MAX_CIPHERTEXT_BYTES must be positive")
	}
	if c.MaxCiphertextBytes > 1024*1024 {
		return errors.New("MAX_CIPHERTEXT_BYTES cannot exceed 1MB")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return errors.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return errors.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
		}
	}
	if c.IsProduction() && (c.MetricsUser == "" || c.MetricsPass.Value() == "") {
		return errors.New("METRICS_USER and METRICS_PASS are required in production")
	}
	if c.BoardAddress.IsZero() {
		return errors.Wrap(domain.ErrBoardNotConfigured, "BOARD_ADDRESS is unset or zero")
	}
	if !c.ProofKeyFromKMS && len(c.ProofKey.Value()) < 32 {
		return errors.New("PROOF_KEY must be at least 32 bytes if PROOF_KEY_FROM_KMS is false")
	}
	if c.RevealCacheTTL < time.Second {
		return errors.New("REVEAL_CACHE_TTL must be at least 1s")
	}
	if c.IsProduction() && c.PprofAddr != "" {
		if host, _, err := net.SplitHostPort(c.PprofAddr); err != nil || (host != "127.0.0.1" && host != "localhost") {
			return errors.New("PPROF_ADDR must bind to localhost in production")
		}
	}
	if c.IPHashRotation < 15*time.Minute || c.IPHashRotation > 24*time.Hour {
		return errors.New("IP_HASH_ROTATION_INTERVAL must be between 15m and 24h")
	}
	return nil
}

func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.ProofKey.Wipe()
	c.DatabaseURL.Wipe()
}
