package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "TEAMCHAT"

type Config struct {
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
	Auth     Auth     `mapstructure:"auth"`
	Log      Log      `mapstructure:"log"`
	Realtime Realtime `mapstructure:"realtime"`
}

type Server struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type Database struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type Auth struct {
	SessionSecret    string        `mapstructure:"session_secret"`
	SessionMaxAge    time.Duration `mapstructure:"session_max_age"`
	SecureCookies    bool          `mapstructure:"secure_cookies"`
	InvitationSecret string        `mapstructure:"invitation_secret"`
	InvitationTTL    time.Duration `mapstructure:"invitation_ttl"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Realtime struct {
	SendBuffer int           `mapstructure:"send_buffer"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "teamchat.db")

	v.SetDefault("auth.session_secret", "")
	v.SetDefault("auth.session_max_age", "168h")
	v.SetDefault("auth.secure_cookies", false)
	v.SetDefault("auth.invitation_secret", "")
	v.SetDefault("auth.invitation_ttl", "168h")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("realtime.send_buffer", 256)
	v.SetDefault("realtime.ping_period", "54s")
	v.SetDefault("realtime.pong_wait", "60s")
}

// Load resolves configuration from defaults, teamchat.yaml, a .env file,
// TEAMCHAT_* environment variables and finally command line flags, each
// layer overriding the one before.
func Load(args []string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("teamchat")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	fs := pflag.NewFlagSet("teamchat", pflag.ContinueOnError)
	fs.String("addr", "", "http listen address")
	fs.String("db-driver", "", "database driver (sqlite3, postgres, pgx)")
	fs.String("db-dsn", "", "database connection string")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("config", "", "path to a config file")
	if err := fs.Parse(args); err != nil {
		return nil, errors.Wrap(err, "parse flags")
	}
	for key, flag := range map[string]string{
		"server.addr":     "addr",
		"database.driver": "db-driver",
		"database.dsn":    "db-dsn",
		"log.level":       "log-level",
	} {
		if f := fs.Lookup(flag); f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, errors.Wrapf(err, "bind flag %s", flag)
			}
		}
	}

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "read config file")
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres", "pgx":
	default:
		return errors.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database dsn is required")
	}
	if len(c.Auth.SessionSecret) < 32 {
		return errors.New("auth.session_secret must be at least 32 bytes (TEAMCHAT_AUTH_SESSION_SECRET)")
	}
	if c.Auth.InvitationSecret == "" {
		return errors.New("auth.invitation_secret is required (TEAMCHAT_AUTH_INVITATION_SECRET)")
	}
	if c.Auth.InvitationTTL <= 0 {
		return errors.New("auth.invitation_ttl must be positive")
	}
	if c.Realtime.PongWait > 0 && c.Realtime.PingPeriod >= c.Realtime.PongWait {
		return errors.New("realtime.ping_period must be shorter than realtime.pong_wait")
	}
	return nil
}
