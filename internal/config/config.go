package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	RulesSourceDB   = "db"
	RulesSourceFile = "file"
)

type Config struct {
	Port          string `mapstructure:"PORT"`
	Env           string `mapstructure:"ENV"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant string `mapstructure:"DEFAULT_TENANT"`
	RedisURL      string `mapstructure:"REDIS_URL"`

	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	ServiceToken   string `mapstructure:"SERVICE_TOKEN"`

	KafkaBrokers         []string `mapstructure:"KAFKA_BROKERS"`
	KafkaEventTopic      string   `mapstructure:"KAFKA_EVENT_TOPIC"`
	KafkaEnrollmentTopic string   `mapstructure:"KAFKA_ENROLLMENT_TOPIC"`
	KafkaGroupID         string   `mapstructure:"KAFKA_GROUP_ID"`

	BatchSize    int           `mapstructure:"BATCH_SIZE"`
	BatchWait    time.Duration `mapstructure:"BATCH_WAIT"`
	BatchLockTTL time.Duration `mapstructure:"BATCH_LOCK_TTL"`

	SchemaFile  string `mapstructure:"SCHEMA_FILE"`
	RulesSource string `mapstructure:"RULES_SOURCE"`
	RulesFile   string `mapstructure:"RULES_FILE"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DEFAULT_TENANT", "REDIS_URL",
	"BODY_LIMIT", "REQUEST_TIMEOUT",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "SERVICE_TOKEN",
	"KAFKA_BROKERS", "KAFKA_EVENT_TOPIC", "KAFKA_ENROLLMENT_TOPIC", "KAFKA_GROUP_ID",
	"BATCH_SIZE", "BATCH_WAIT", "BATCH_LOCK_TTL",
	"SCHEMA_FILE", "RULES_SOURCE", "RULES_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("KAFKA_EVENT_TOPIC", "enrollment-events")
	v.SetDefault("KAFKA_ENROLLMENT_TOPIC", "enrollment-events")
	v.SetDefault("KAFKA_GROUP_ID", "enrollment-tracking")
	v.SetDefault("BATCH_SIZE", 200)
	v.SetDefault("BATCH_WAIT", "5s")
	v.SetDefault("BATCH_LOCK_TTL", "2m")
	v.SetDefault("RULES_SOURCE", RulesSourceDB)
	v.SetDefault("RULES_FILE", "configs/rules.yaml")

	for _, k := range keys {
		v.BindEnv(k)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Env values arrive as one comma separated string.
	if len(cfg.KafkaBrokers) == 1 && strings.Contains(cfg.KafkaBrokers[0], ",") {
		cfg.KafkaBrokers = splitList(cfg.KafkaBrokers[0])
	} else if cfg.KafkaBrokers == nil {
		cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ENV=development, DevAuthMiddleware grants admin to unauthenticated requests.")
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// KafkaEnabled reports whether the queue consumer and publisher should run.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set outside development (ENV=%q)", c.Env)
	}
	if c.AuthIssuer != "" && c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf("AUTH_JWKS_URL is required when AUTH_ISSUER is set without AUTH_SIGNING_KEY")
	}
	switch c.RulesSource {
	case RulesSourceDB:
	case RulesSourceFile:
		if c.RulesFile == "" {
			return fmt.Errorf("RULES_FILE is required when RULES_SOURCE is %q", RulesSourceFile)
		}
	default:
		return fmt.Errorf("RULES_SOURCE must be %q or %q, got %q", RulesSourceDB, RulesSourceFile, c.RulesSource)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.BatchWait <= 0 {
		return fmt.Errorf("BATCH_WAIT must be positive, got %s", c.BatchWait)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if c.RedisURL != "" && c.BatchLockTTL <= 0 {
		return fmt.Errorf("BATCH_LOCK_TTL must be positive when REDIS_URL is set")
	}
	if c.KafkaEnabled() && c.IsProduction() && c.ServiceToken == "" {
		return fmt.Errorf("SERVICE_TOKEN is required to write tracking records from the queue consumer in production")
	}
	return nil
}
