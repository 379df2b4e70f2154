package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// BuilderConfig captures runtime settings for the build service.
type BuilderConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`

	Store       string        `mapstructure:"store"` // memory | postgres | redis
	DatabaseURL string        `mapstructure:"database_url"`
	RedisURL    string        `mapstructure:"redis_url"`
	Retention   time.Duration `mapstructure:"retention"`

	Downstream       string `mapstructure:"downstream"` // simulated | eas
	EASBaseURL       string `mapstructure:"eas_base_url"`
	EASToken         string `mapstructure:"eas_token"`
	EASProjectID     string `mapstructure:"eas_project_id"`
	EASProfile       string `mapstructure:"eas_profile"`
	SimulatedSteps   int    `mapstructure:"simulated_steps"`
	SimulatedBaseURL string `mapstructure:"simulated_artifact_base_url"`

	Artifacts          string        `mapstructure:"artifacts"` // passthrough | gcs | sftp
	GCSBucket          string        `mapstructure:"gcs_bucket"`
	GCSPrefix          string        `mapstructure:"gcs_prefix"`
	GCSCredentialsFile string        `mapstructure:"gcs_credentials_file"`
	GCSSignedURLTTL    time.Duration `mapstructure:"gcs_signed_url_ttl"`
	SFTPAddr           string        `mapstructure:"sftp_addr"`
	SFTPUser           string        `mapstructure:"sftp_user"`
	SFTPPassword       string        `mapstructure:"sftp_password"`
	SFTPPrivateKey     string        `mapstructure:"sftp_private_key"`
	SFTPDir            string        `mapstructure:"sftp_dir"`
	ArtifactPublicURL  string        `mapstructure:"artifact_public_base_url"`

	PollInterval   time.Duration `mapstructure:"poll_interval"`
	BuildTimeout   time.Duration `mapstructure:"build_timeout"`
	MaxFailedTicks int           `mapstructure:"max_failed_ticks"`
	ProgressStep   int           `mapstructure:"progress_step"`

	RequireAuth       bool   `mapstructure:"require_auth"`
	JWTSecret         string `mapstructure:"jwt_secret"`
	JWTIssuer         string `mapstructure:"jwt_issuer"`
	MaxActivePerOwner int    `mapstructure:"max_active_builds"`

	AMQPURL      string `mapstructure:"amqp_url"`
	AMQPExchange string `mapstructure:"amqp_exchange"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	Tracing   bool   `mapstructure:"tracing"`
}

// LoadBuilder loads build service configuration from defaults, files, and env vars.
func LoadBuilder() (BuilderConfig, error) {
	v := newViper("BUILDER")

	v.SetDefault("listen_addr", ":8085")
	v.SetDefault("store", "memory")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("retention", "0s")
	v.SetDefault("downstream", "simulated")
	v.SetDefault("eas_base_url", "https://api.expo.dev")
	v.SetDefault("eas_token", "")
	v.SetDefault("eas_project_id", "")
	v.SetDefault("eas_profile", "production")
	v.SetDefault("simulated_steps", 6)
	v.SetDefault("simulated_artifact_base_url", "http://localhost:8085/artifacts")
	v.SetDefault("artifacts", "passthrough")
	v.SetDefault("gcs_bucket", "")
	v.SetDefault("gcs_prefix", "builds")
	v.SetDefault("gcs_credentials_file", "")
	v.SetDefault("gcs_signed_url_ttl", "0s")
	v.SetDefault("sftp_addr", "")
	v.SetDefault("sftp_user", "")
	v.SetDefault("sftp_password", "")
	v.SetDefault("sftp_private_key", "")
	v.SetDefault("sftp_dir", "/srv/builds")
	v.SetDefault("artifact_public_base_url", "")
	v.SetDefault("poll_interval", "5s")
	v.SetDefault("build_timeout", "30m")
	v.SetDefault("max_failed_ticks", 0)
	v.SetDefault("progress_step", 5)
	v.SetDefault("require_auth", false)
	v.SetDefault("jwt_secret", "")
	v.SetDefault("jwt_issuer", "appbuild")
	v.SetDefault("max_active_builds", 0)
	v.SetDefault("amqp_url", "")
	v.SetDefault("amqp_exchange", "app-builds")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("tracing", false)

	var cfg BuilderConfig
	if err := load(v, &cfg); err != nil {
		return BuilderConfig{}, err
	}
	if err := cfg.validate(); err != nil {
		return BuilderConfig{}, err
	}
	return cfg, nil
}

func (c BuilderConfig) validate() error {
	switch c.Store {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("store %q requires database_url", c.Store)
		}
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("store %q requires redis_url", c.Store)
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}

	switch c.Downstream {
	case "simulated":
	case "eas":
		if c.EASToken == "" || c.EASProjectID == "" {
			return fmt.Errorf("downstream eas requires eas_token and eas_project_id")
		}
	default:
		return fmt.Errorf("unknown downstream %q", c.Downstream)
	}

	switch c.Artifacts {
	case "passthrough", "gcs", "sftp":
	default:
		return fmt.Errorf("unknown artifact store %q", c.Artifacts)
	}

	if c.RequireAuth && c.JWTSecret == "" {
		return fmt.Errorf("require_auth needs jwt_secret")
	}
	if c.PollInterval <= 0 || c.BuildTimeout <= 0 {
		return fmt.Errorf("poll_interval and build_timeout must be positive")
	}
	return nil
}

// ClientConfig captures settings for the buildctl CLI.
type ClientConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	Token        string        `mapstructure:"token"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	ErrorPolicy  string        `mapstructure:"error_policy"` // abort | retry
	MaxRetries   int           `mapstructure:"max_retries"`
}

// LoadClient loads CLI configuration from defaults, files, and env vars.
func LoadClient() (ClientConfig, error) {
	v := newViper("BUILDCTL")

	v.SetDefault("base_url", "http://localhost:8085")
	v.SetDefault("token", "")
	v.SetDefault("poll_interval", "3s")
	v.SetDefault("error_policy", "abort")
	v.SetDefault("max_retries", 3)

	var cfg ClientConfig
	if err := load(v, &cfg); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func newViper(prefix string) *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath("./configs")
	v.SetEnvPrefix(prefix)
	v.AutomaticEnv()
	return v
}

func load(v *viper.Viper, out any) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("load config: %w", err)
		}
	}
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	return nil
}
