package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type Mode string

const (
	ModeOffline Mode = "offline"
	ModeOnline  Mode = "online"
)

type Config struct {
	Mode     Mode   `mapstructure:"mode"`
	HTTPAddr string `mapstructure:"http_addr"`

	DBDriver string `mapstructure:"db_driver"`
	DBDSN    string `mapstructure:"db_dsn"`

	EnableLocalAuth bool          `mapstructure:"enable_local_auth"`
	AuthHMACSecret  string        `mapstructure:"auth_hmac_secret"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`

	AdminUser     string `mapstructure:"admin_user"`
	AdminPassHash string `mapstructure:"admin_pass_hash"` // bcrypt

	CORSOriginsOnline  []string `mapstructure:"cors_origins_online"`
	CORSOriginsOffline []string `mapstructure:"cors_origins_offline"`

	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	// AutoSubmitInterval is how often overdue attempts are swept.
	AutoSubmitInterval time.Duration `mapstructure:"auto_submit_interval"`
	// SubmitGrace absorbs clock skew and in-flight saves at the deadline.
	SubmitGrace time.Duration `mapstructure:"submit_grace"`

	TracingEnabled           bool   `mapstructure:"tracing_enabled"`
	TracingCollectorEndpoint string `mapstructure:"tracing_collector_endpoint"`
}

// CORSOrigins returns the allow-list for the current mode.
func (c Config) CORSOrigins() []string {
	if c.Mode == ModeOnline {
		return c.CORSOriginsOnline
	}
	return c.CORSOriginsOffline
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", string(ModeOffline))
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("db_driver", "sqlite")
	v.SetDefault("db_dsn", "")
	v.SetDefault("enable_local_auth", true)
	v.SetDefault("auth_hmac_secret", "dev-secret-change-me")
	v.SetDefault("token_ttl", "12h")
	v.SetDefault("admin_user", "admin")
	v.SetDefault("admin_pass_hash", "$2y$12$pyZAiWaTfVtM7UElIRStvOC3gNbnp70nmQU4eYopLGBfCJr1DOvji")
	v.SetDefault("cors_origins_online", "https://lms.mindengage.ai")
	v.SetDefault("cors_origins_offline", "http://localhost:3000,http://localhost:3010,http://localhost:3020")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "logs/proctor.log")
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("auto_submit_interval", "15s")
	v.SetDefault("submit_grace", "5s")
	v.SetDefault("tracing_enabled", false)
	v.SetDefault("tracing_collector_endpoint", "http://localhost:14268/api/traces")
}

// Load reads configuration from the environment and, when path is not
// empty, from a config file. Environment variables win.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	for _, k := range v.AllKeys() {
		_ = v.BindEnv(k, strings.ToUpper(k))
	}
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	cfg.CORSOriginsOnline = csv(cfg.CORSOriginsOnline)
	cfg.CORSOriginsOffline = csv(cfg.CORSOriginsOffline)

	switch cfg.Mode {
	case ModeOffline, ModeOnline:
	default:
		return Config{}, errors.Errorf("unknown MODE %q", cfg.Mode)
	}
	if cfg.Mode == ModeOnline && len(cfg.AuthHMACSecret) < 32 {
		return Config{}, errors.Errorf("AUTH_HMAC_SECRET is too short (%d chars), online mode needs at least 32", len(cfg.AuthHMACSecret))
	}
	if cfg.AutoSubmitInterval <= 0 {
		return Config{}, errors.New("AUTO_SUBMIT_INTERVAL must be positive")
	}
	if cfg.SubmitGrace < 0 {
		return Config{}, errors.New("SUBMIT_GRACE must not be negative")
	}
	return cfg, nil
}

// csv splits comma-separated entries; env values arrive as one string.
func csv(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, p := range strings.Split(item, ",") {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
