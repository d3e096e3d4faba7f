package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port            int           `mapstructure:"port"`
		AllowedOrigins  []string      `mapstructure:"allowedOrigins"`
		ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	} `mapstructure:"running"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Mysql struct {
		DSN             string        `mapstructure:"dsn"`
		MaxOpenConns    int           `mapstructure:"maxOpenConns"`
		MaxIdleConns    int           `mapstructure:"maxIdleConns"`
		ConnMaxLifetime time.Duration `mapstructure:"connMaxLifetime"`
		AutoMigrate     bool          `mapstructure:"autoMigrate"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers  []string `mapstructure:"brokers"`
		Topic    string   `mapstructure:"topic"`
		ClientID string   `mapstructure:"clientId"`
	} `mapstructure:"kafka"`
	Auth struct {
		JWTSecret         string `mapstructure:"jwtSecret"`
		Issuer            string `mapstructure:"issuer"`
		DefaultPermission string `mapstructure:"defaultPermission"`
	} `mapstructure:"auth"`
	Collab struct {
		EnforceLock   bool          `mapstructure:"enforceLock"`
		ContentType   string        `mapstructure:"contentType"`
		SnapshotOps   int           `mapstructure:"snapshotOps"`
		OpsLimit      int           `mapstructure:"opsLimit"`
		LoadTimeout   time.Duration `mapstructure:"loadTimeout"`
		IdleTimeout   time.Duration `mapstructure:"idleTimeout"`
		ReapInterval  time.Duration `mapstructure:"reapInterval"`
		EvictGrace    time.Duration `mapstructure:"evictGrace"`
		PresenceTTL   time.Duration `mapstructure:"presenceTTL"`
		SendBuffer    int           `mapstructure:"sendBuffer"`
		Retention     time.Duration `mapstructure:"retention"`
		RetentionCron string        `mapstructure:"retentionCron"`
	} `mapstructure:"collab"`
	Dispatch struct {
		QueueSize   int           `mapstructure:"queueSize"`
		Workers     int           `mapstructure:"workers"`
		MaxRetry    int           `mapstructure:"maxRetry"`
		BaseBackoff time.Duration `mapstructure:"baseBackoff"`
		MaxBackoff  time.Duration `mapstructure:"maxBackoff"`
		Concurrency int           `mapstructure:"concurrency"`
	} `mapstructure:"dispatch"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8082)
	v.SetDefault("running.allowedOrigins", []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"})
	v.SetDefault("running.shutdownTimeout", "10s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("mysql.maxOpenConns", 20)
	v.SetDefault("mysql.maxIdleConns", 5)
	v.SetDefault("mysql.connMaxLifetime", "30m")
	v.SetDefault("kafka.topic", "doc-ops")
	v.SetDefault("kafka.clientId", "collab-sync")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.defaultPermission", "write")
	v.SetDefault("collab.contentType", "engineering-design")
	v.SetDefault("collab.snapshotOps", 0)
	v.SetDefault("collab.opsLimit", 500)
	v.SetDefault("collab.loadTimeout", "5s")
	v.SetDefault("collab.idleTimeout", "5m")
	v.SetDefault("collab.reapInterval", "30s")
	v.SetDefault("collab.evictGrace", "1m")
	v.SetDefault("collab.presenceTTL", "60s")
	v.SetDefault("collab.sendBuffer", 256)
	v.SetDefault("collab.retention", "720h")
	v.SetDefault("collab.retentionCron", "@daily")
	v.SetDefault("dispatch.queueSize", 10_000)
	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.maxRetry", 3)
	v.SetDefault("dispatch.baseBackoff", "50ms")
	v.SetDefault("dispatch.maxBackoff", "1s")
	v.SetDefault("dispatch.concurrency", 16)
}

// Load reads collabConfig.yaml (or path when given), applies defaults and
// COLLAB_* environment overrides, e.g. COLLAB_MYSQL_DSN.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("collabConfig")
		v.SetConfigType("yaml")
		// works from the repo root or from backend/
		v.AddConfigPath("./backend/config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Running.Port <= 0 || c.Running.Port > 65535 {
		return fmt.Errorf("running.port %d out of range", c.Running.Port)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwtSecret is required")
	}
	if c.Collab.IdleTimeout <= 0 || c.Collab.ReapInterval <= 0 {
		return errors.New("collab.idleTimeout and collab.reapInterval must be positive")
	}
	return nil
}
