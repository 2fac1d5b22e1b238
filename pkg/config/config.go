// Package config loads the relay server settings.
//
// Precedence, highest first: command line flags, environment variables (RELAYCHAT_* plus the
// provider key variables), the optional config file, defaults. A .env file in the working
// directory is loaded into the environment first.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/go-go-golems/relaychat/pkg/redisstream"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "RELAYCHAT"

const DefaultInstruction = "Analyze this image and describe it in detail."

type ProviderSettings struct {
	Name        string  `mapstructure:"name" validate:"oneof=gemini openai echo"`
	Model       string  `mapstructure:"model"`
	APIKey      string  `mapstructure:"api-key" validate:"required_unless=Name echo"`
	BaseURL     string  `mapstructure:"base-url" validate:"omitempty,url"`
	Temperature float32 `mapstructure:"temperature" validate:"gte=0,lte=2"`
}

type UploadSettings struct {
	Dir      string `mapstructure:"dir"`
	MaxBytes int64  `mapstructure:"max-bytes" validate:"gte=0"`
}

type SessionSettings struct {
	IdleTTL       time.Duration `mapstructure:"idle-ttl" validate:"gte=0"`
	EvictInterval time.Duration `mapstructure:"evict-interval" validate:"gte=0"`
	MaxSessions   int           `mapstructure:"max-sessions" validate:"gte=0"`
}

type ExchangeSettings struct {
	Timeout            time.Duration `mapstructure:"timeout" validate:"gte=0"`
	DefaultInstruction string        `mapstructure:"default-instruction" validate:"required"`
}

type TranscriptSettings struct {
	// DSN selects the SQLite transcript store; empty keeps transcripts in memory.
	DSN string `mapstructure:"dsn"`
}

type CORSSettings struct {
	AllowOrigin string `mapstructure:"allow-origin"`
}

// Settings is the complete server configuration.
type Settings struct {
	Addr       string               `mapstructure:"addr" validate:"required,hostname_port"`
	Provider   ProviderSettings     `mapstructure:"provider"`
	Upload     UploadSettings       `mapstructure:"upload"`
	Session    SessionSettings      `mapstructure:"session"`
	Exchange   ExchangeSettings     `mapstructure:"exchange"`
	Redis      redisstream.Settings `mapstructure:"redis"`
	Transcript TranscriptSettings   `mapstructure:"transcript"`
	CORS       CORSSettings         `mapstructure:"cors"`
}

// providerKeyEnv names the conventional API key variable of each provider. It is consulted when
// provider.api-key is not set otherwise.
var providerKeyEnv = map[string]string{
	"gemini": "GEMINI_API_KEY",
	"openai": "OPENAI_API_KEY",
}

func setDefaults(v *viper.Viper) {
	redis := redisstream.DefaultSettings()
	v.SetDefault("addr", ":3000")
	v.SetDefault("provider.name", "gemini")
	v.SetDefault("provider.model", "")
	v.SetDefault("provider.api-key", "")
	v.SetDefault("provider.base-url", "")
	v.SetDefault("provider.temperature", 0)
	v.SetDefault("upload.dir", "uploads")
	v.SetDefault("upload.max-bytes", 20<<20)
	v.SetDefault("session.idle-ttl", 30*time.Minute)
	v.SetDefault("session.evict-interval", time.Minute)
	v.SetDefault("session.max-sessions", 1000)
	v.SetDefault("exchange.timeout", 5*time.Minute)
	v.SetDefault("exchange.default-instruction", DefaultInstruction)
	v.SetDefault("redis.enabled", redis.Enabled)
	v.SetDefault("redis.addr", redis.Addr)
	v.SetDefault("redis.group", redis.Group)
	v.SetDefault("redis.consumer", redis.Consumer)
	v.SetDefault("redis.max-len", redis.MaxLen)
	v.SetDefault("transcript.dsn", "")
	v.SetDefault("cors.allow-origin", "*")
}

// AddFlags registers the command line flags that override config keys.
func AddFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to a YAML config file")
	fs.String("addr", ":3000", "Listen address")
	fs.String("provider", "gemini", "Provider: gemini, openai or echo")
	fs.String("model", "", "Provider model name")
	fs.String("base-url", "", "Provider endpoint override")
	fs.String("upload-dir", "uploads", "Directory for temporary uploads")
	fs.Duration("idle-ttl", 30*time.Minute, "Evict sessions idle for this long (0 disables)")
	fs.Int("max-sessions", 1000, "Maximum number of live sessions (0 is unbounded)")
	fs.Duration("exchange-timeout", 5*time.Minute, "Maximum duration of one exchange (0 disables)")
	fs.Bool("redis-enabled", false, "Publish exchange events on Redis Streams")
	fs.String("redis-addr", "localhost:6379", "Redis address host:port")
	fs.String("transcript-dsn", "", "SQLite DSN or file path for transcripts (empty keeps them in memory)")
	fs.String("cors-allow-origin", "*", "Access-Control-Allow-Origin value (empty disables CORS)")
}

var flagKeys = map[string]string{
	"addr":              "addr",
	"provider":          "provider.name",
	"model":             "provider.model",
	"base-url":          "provider.base-url",
	"upload-dir":        "upload.dir",
	"idle-ttl":          "session.idle-ttl",
	"max-sessions":      "session.max-sessions",
	"exchange-timeout":  "exchange.timeout",
	"redis-enabled":     "redis.enabled",
	"redis-addr":        "redis.addr",
	"transcript-dsn":    "transcript.dsn",
	"cors-allow-origin": "cors.allow-origin",
}

// Load resolves Settings from defaults, the config file, the environment and fs. fs may be nil.
func Load(fs *pflag.FlagSet) (*Settings, error) {
	// a missing .env is fine
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if path, _ := fs.GetString("config"); path != "" {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, errors.Wrapf(err, "read config file %s", path)
			}
		}
		for flag, key := range flagKeys {
			f := fs.Lookup(flag)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, errors.Wrapf(err, "bind flag %s", flag)
			}
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, errors.Wrap(err, "unmarshal settings")
	}
	if s.Provider.APIKey == "" {
		if env, ok := providerKeyEnv[s.Provider.Name]; ok {
			s.Provider.APIKey = os.Getenv(env)
		}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the settings against their validate tags.
func (s *Settings) Validate() error {
	validate := validator.New()
	if err := validate.Struct(s); err != nil {
		return errors.Wrap(err, "config validation error")
	}
	return nil
}
