package marketchat

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	SQLiteBackend = "sqlite"
	BadgerBackend = "badger"
)

type Config struct {
	// Port is the port number to listen on. The default is 8080.
	Port int `validate:"required,port" default:"8080"`
	// Hostname is the hostname to listen on. The default is 0.0.0.0.
	Hostname string `validate:"required" default:"0.0.0.0"`
	Auth     struct {
		// Secret is the key shared with the identity service that signs
		// wallet tokens. It must be a base64 encoded string; the default
		// is a random 32 byte string.
		Secret Base64Encoded `validate:"required"`
	}
	Store struct {
		// Backend selects the message store: sqlite | badger.
		Backend string `validate:"required,oneof=sqlite badger"`
		SQLite  struct {
			// File is the path to the SQLite database file.
			File string
			// Migrations is the directory holding the goose migration files.
			Migrations string
		}
		Badger struct {
			// Dir is the badger data directory.
			Dir string
		}
	}
	Chat struct {
		// BodyLimit is the maximum message body length in runes.
		BodyLimit int `validate:"required,min=1"`
		// PageLimitCap is the server-side cap on history page sizes.
		PageLimitCap int `validate:"required,min=1"`
		// SendBuffer is the per-subscriber delivery queue bound.
		SendBuffer int `validate:"required,min=1"`
		// StorageTimeout bounds a single storage operation.
		StorageTimeout time.Duration `validate:"required"`
		RateLimit      struct {
			// Limit is the number of messages allowed per window.
			Limit int `validate:"required,min=1"`
			// Window is the rate limiting window.
			Window time.Duration `validate:"required"`
			// BucketTTL is the inactivity period after which a bucket
			// is evicted.
			BucketTTL time.Duration `validate:"required"`
		}
	}
	// AllowedOrigins is a list of origins that are allowed to connect to
	// the server. The default is ["*"].
	AllowedOrigins []string
	valid          bool
}

type Base64Encoded []byte

func (b *Base64Encoded) UnmarshalText(text []byte) error {
	dec, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("base64 decode: %w", err)
	}
	*b = dec
	return nil
}

// LoadConfig loads the configuration from .env, the config file, and
// environment variables. Invalid values are not rejected here; they are
// caught in the validation step.
func LoadConfig() (*Config, error) {
	// A missing .env is fine; environment variables may come from the host.
	godotenv.Load()

	config := &Config{}
	viper.SetConfigName("config")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("port", 8080)
	viper.SetDefault("hostname", "0.0.0.0")

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	viper.SetDefault("auth.secret", base64.StdEncoding.EncodeToString(secret))

	viper.SetDefault("store.backend", SQLiteBackend)
	viper.SetDefault("store.sqlite.file", "./marketchat.db")
	viper.SetDefault("store.sqlite.migrations", "./migrations")
	viper.SetDefault("store.badger.dir", "./marketchat-badger")

	viper.SetDefault("chat.bodylimit", 500)
	viper.SetDefault("chat.pagelimitcap", 100)
	viper.SetDefault("chat.sendbuffer", 64)
	viper.SetDefault("chat.storagetimeout", "5s")
	viper.SetDefault("chat.ratelimit.limit", 3)
	viper.SetDefault("chat.ratelimit.window", "10s")
	viper.SetDefault("chat.ratelimit.bucketttl", "5m")

	viper.SetDefault("allowedorigins", []string{"*"})

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file falls back to defaults and env.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := viper.Unmarshal(&config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	); err != nil {
		// defer error to validation step
		return config, nil
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.valid {
		return nil
	}
	err := validate.Struct(c)
	if err != nil {
		return err
	}
	c.valid = true
	return nil
}

func FormatValidationErrors(err error) string {
	errors, ok := err.(validator.ValidationErrors)
	if !ok {
		return ""
	}
	trans, _ := uniTrans.GetTranslator("en")
	translated := errors.Translate(trans)

	var sb strings.Builder
	for v := range maps.Values(translated) {
		sb.WriteString(v)
		sb.WriteString("\n")
	}
	return sb.String()
}
