package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Split    SplitConfig    `mapstructure:"split"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Expire int    `mapstructure:"expire"` // hours
}

// SplitConfig tunes the split synchronization engine. Zero values fall back
// to the defaults below.
type SplitConfig struct {
	LockTimeout      time.Duration `mapstructure:"lockTimeout"`      // orphaned-lock sweep threshold
	RateLimitWindow  time.Duration `mapstructure:"rateLimitWindow"`  // per-client mutation window
	RateLimitMax     int           `mapstructure:"rateLimitMax"`     // mutations allowed per window
	RetryAfter       time.Duration `mapstructure:"retryAfter"`       // minimum backoff surfaced on throttle
	RequestKeyTTL    time.Duration `mapstructure:"requestKeyTTL"`    // duplicate-submission dedupe window
	SplitTypeSeedTTL time.Duration `mapstructure:"splitTypeSeedTTL"` // how long a closed round seeds the next
}

func (c SplitConfig) WithDefaults() SplitConfig {
	if c.LockTimeout <= 0 {
		c.LockTimeout = 10 * time.Minute
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = 10 * time.Second
	}
	if c.RateLimitMax <= 0 {
		c.RateLimitMax = 20
	}
	if c.RetryAfter <= 0 {
		c.RetryAfter = 5 * time.Second
	}
	if c.RequestKeyTTL <= 0 {
		c.RequestKeyTTL = 10 * time.Second
	}
	if c.SplitTypeSeedTTL <= 0 {
		c.SplitTypeSeedTTL = 12 * time.Hour
	}
	return c
}

var GlobalConfig *Config

func LoadConfig(path string) {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("Error reading config file, %s", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		log.Fatalf("Unable to decode into struct, %v", err)
	}
	cfg.Split = cfg.Split.WithDefaults()
	GlobalConfig = &cfg
}
