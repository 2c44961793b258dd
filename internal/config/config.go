package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	StoreMemory    = "memory"
	StoreRedis     = "redis"
	StoreFirestore = "firestore"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`
	// AllowedOrigins are browser origins accepted on the control websocket
	// besides same-host and loopback pages.
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	Local     LocalConfig     `mapstructure:"local"`
	Store     StoreConfig     `mapstructure:"store"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	Push      PushConfig      `mapstructure:"push"`
	Media     MediaConfig     `mapstructure:"media"`
	Call      CallConfig      `mapstructure:"call"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type LocalConfig struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
}

type StoreConfig struct {
	Backend   string          `mapstructure:"backend"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Firestore FirestoreConfig `mapstructure:"firestore"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type FirestoreConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	CredentialsFile string `mapstructure:"credentials_file"`
	Root            string `mapstructure:"root"`
}

// PresenceConfig picks where presence is read from: "store" reads the users
// collection, "redis" reads heartbeat keys.
type PresenceConfig struct {
	Source string        `mapstructure:"source"`
	TTL    time.Duration `mapstructure:"ttl"`
}

type PushConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Tokens  []string `mapstructure:"tokens"`
}

type MediaConfig struct {
	ICEServers          []string      `mapstructure:"ice_servers"`
	AudioFile           string        `mapstructure:"audio_file"`
	VideoFile           string        `mapstructure:"video_file"`
	RecordDir           string        `mapstructure:"record_dir"`
	DisconnectedTimeout time.Duration `mapstructure:"disconnected_timeout"`
	FailedTimeout       time.Duration `mapstructure:"failed_timeout"`
	KeepAliveInterval   time.Duration `mapstructure:"keepalive_interval"`
}

type CallConfig struct {
	RingTimeout    time.Duration `mapstructure:"ring_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReclaimDelay   time.Duration `mapstructure:"reclaim_delay"`
	OpTimeout      time.Duration `mapstructure:"op_timeout"`
	LogCapacity    int           `mapstructure:"log_capacity"`
}

type RateLimitConfig struct {
	Commands int           `mapstructure:"commands"`
	Window   time.Duration `mapstructure:"window"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("log_level", "info")
	v.SetDefault("secret", "")
	v.SetDefault("allowed_origins", []string{})

	// Unmarshal only consults env for keys viper already knows.
	v.SetDefault("local.id", "")
	v.SetDefault("local.name", "User")
	v.SetDefault("store.backend", StoreMemory)
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.prefix", "callsig:")
	v.SetDefault("store.firestore.project_id", "")
	v.SetDefault("store.firestore.credentials_file", "")
	v.SetDefault("store.firestore.root", "")
	v.SetDefault("push.enabled", false)
	v.SetDefault("presence.source", "store")
	v.SetDefault("presence.ttl", "5m")

	v.SetDefault("media.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("media.audio_file", "")
	v.SetDefault("media.video_file", "")
	v.SetDefault("media.record_dir", "")
	v.SetDefault("media.disconnected_timeout", "5s")
	v.SetDefault("media.failed_timeout", "25s")
	v.SetDefault("media.keepalive_interval", "2s")

	v.SetDefault("call.ring_timeout", "45s")
	v.SetDefault("call.connect_timeout", "30s")
	v.SetDefault("call.reclaim_delay", "2s")
	v.SetDefault("call.op_timeout", "10s")
	v.SetDefault("call.log_capacity", 1024)

	v.SetDefault("rate_limit.commands", 20)
	v.SetDefault("rate_limit.window", "1s")
}

// Flags declares the command line overrides. Flag names match config keys.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("callsig", pflag.ContinueOnError)
	fs.String("config-env", "", "config file suffix, overrides CONFIG_ENV")
	fs.Int("port", 8080, "HTTP listen port")
	fs.String("log_level", "info", "zerolog level")
	fs.String("local.id", "", "participant id of this client")
	fs.String("local.name", "User", "display name of this client")
	fs.String("store.backend", StoreMemory, "signaling store: memory, redis or firestore")
	return fs
}

// Load reads config/config.<env>.yaml over the defaults, then applies any
// flags that were set explicitly.
func Load(fs *pflag.FlagSet) (*Config, *viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if fs != nil {
		if f := fs.Lookup("config-env"); f != nil && f.Changed {
			env = f.Value.String()
		}
	}
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("CALLSIG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	if fs != nil {
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			if f.Name == "config-env" || !f.Changed {
				return
			}
			if err := v.BindPFlag(f.Name, f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, nil, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("store", cfg.Store.Backend).
		Str("local", cfg.Local.ID).
		Msg("config ready")
	return cfg, v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Local.ID == "" {
		return fmt.Errorf("local.id is required")
	}
	switch c.Store.Backend {
	case StoreMemory, StoreRedis, StoreFirestore:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == StoreFirestore && c.Store.Firestore.ProjectID == "" {
		return fmt.Errorf("store.firestore.project_id is required")
	}
	if c.Presence.Source == "redis" && c.Store.Redis.Addr == "" {
		return fmt.Errorf("presence.source redis needs store.redis.addr")
	}
	return nil
}

// ApplyLogLevel sets the global zerolog level, falling back to info.
func ApplyLogLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	return lvl
}

// WatchLogLevel re-applies log_level whenever the config file changes. Other
// settings need a restart.
func WatchLogLevel(v *viper.Viper) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		lvl := ApplyLogLevel(v.GetString("log_level"))
		log.Info().Str("module", "config").Str("file", e.Name).Str("level", lvl.String()).Msg("config changed")
	})
	v.WatchConfig()
}
