package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the runtime configuration for the service. Values come from
// the environment with the CHATTER_ prefix; a local .env file is honoured in
// development.
type Config struct {
	AppName     string
	AppEnv      string
	Port        string
	LogLevel    string
	DatabaseURL string
	RedisURL    string
	NatsURL     string
	JWTSecret   string
	ChannelBase string
	PresenceTTL time.Duration

	CloudinaryCloudName string
	CloudinaryAPIKey    string
	CloudinaryAPISecret string
	CloudinaryFolder    string

	FirebaseCredentialsJSON string
	FirebaseProjectID       string
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("CHATTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("app.name", "chatter-api")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("channel.base", "chatter")
	v.SetDefault("presence.ttl", "90s")
	v.SetDefault("cloudinary.folder", "chatter")

	cfg := Config{
		AppName:     v.GetString("app.name"),
		AppEnv:      v.GetString("app.env"),
		Port:        v.GetString("app.port"),
		LogLevel:    v.GetString("log.level"),
		DatabaseURL: v.GetString("database.url"),
		RedisURL:    v.GetString("redis.url"),
		NatsURL:     v.GetString("nats.url"),
		JWTSecret:   v.GetString("jwt.secret"),
		ChannelBase: v.GetString("channel.base"),
		PresenceTTL: v.GetDuration("presence.ttl"),

		CloudinaryCloudName: v.GetString("cloudinary.cloud.name"),
		CloudinaryAPIKey:    v.GetString("cloudinary.api.key"),
		CloudinaryAPISecret: v.GetString("cloudinary.api.secret"),
		CloudinaryFolder:    v.GetString("cloudinary.folder"),

		FirebaseCredentialsJSON: v.GetString("firebase.credentials.json"),
		FirebaseProjectID:       v.GetString("firebase.project.id"),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("CHATTER_DATABASE_URL must be set")
	}
	if cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("CHATTER_REDIS_URL must be set")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("CHATTER_JWT_SECRET must be set")
	}

	return cfg, nil
}

// IsProduction reports whether the service runs with production settings.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}
