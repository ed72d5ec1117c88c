package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/orthogenesis/recon-cli/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Store          store.Config         `yaml:"store" mapstructure:"store"`
	Blob           BlobConfig           `yaml:"blob" mapstructure:"blob"`
	Reconstruction ReconstructionConfig `yaml:"reconstruction" mapstructure:"reconstruction"`
	Calibration    CalibrationConfig    `yaml:"calibration" mapstructure:"calibration"`
	Worker         WorkerConfig         `yaml:"worker" mapstructure:"worker"`
	Export         ExportConfig         `yaml:"export" mapstructure:"export"`
	Server         ServerConfig         `yaml:"server" mapstructure:"server"`
	Monitoring     MonitoringConfig     `yaml:"monitoring" mapstructure:"monitoring"`
	Log            LogConfig            `yaml:"log" mapstructure:"log"`
}

// BlobConfig locates the mesh, upload and export blob root.
type BlobConfig struct {
	Root string `yaml:"root" mapstructure:"root"`
}

// ReconstructionConfig selects the model and tunes the heightmap stages.
type ReconstructionConfig struct {
	Model        string  `yaml:"model" mapstructure:"model"`
	Seed         int64   `yaml:"seed" mapstructure:"seed"`
	BatchSize    int     `yaml:"batch_size" mapstructure:"batch_size"`
	TargetSize   int     `yaml:"target_size" mapstructure:"target_size"`
	BlurSigma    float64 `yaml:"blur_sigma" mapstructure:"blur_sigma"`
	HeightScale  float64 `yaml:"height_scale" mapstructure:"height_scale"`
	SurfaceFloor float64 `yaml:"surface_floor" mapstructure:"surface_floor"`
	MaxPixels    int     `yaml:"max_pixels" mapstructure:"max_pixels"`
}

// CalibrationConfig locates the confidence calibration profile.
type CalibrationConfig struct {
	ProfileDir string `yaml:"profile_dir" mapstructure:"profile_dir"`
	Version    string `yaml:"version" mapstructure:"version"`
}

// WorkerConfig configures the async job loops.
type WorkerConfig struct {
	PollIntervalMs int `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	Concurrency    int `yaml:"concurrency" mapstructure:"concurrency"`
	MaxAttempts    int `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// PollInterval returns the poll interval as a duration.
func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMs) * time.Millisecond
}

// ExportConfig configures export signing and expiry.
type ExportConfig struct {
	Secret   string `yaml:"secret" mapstructure:"secret"`
	TTLHours int    `yaml:"ttl_hours" mapstructure:"ttl_hours"`
}

// TTL returns the artifact lifetime as a duration.
func (e ExportConfig) TTL() time.Duration {
	return time.Duration(e.TTLHours) * time.Hour
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	ConvertRPS  float64  `yaml:"convert_rps" mapstructure:"convert_rps"`
}

// MonitoringConfig configures queue health alerts. An empty webhook URL
// disables delivery but alerts are still logged.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	DeadLetterThreshold  int     `yaml:"dead_letter_threshold" mapstructure:"dead_letter_threshold"`
	BacklogAgeSecs       int     `yaml:"backlog_age_secs" mapstructure:"backlog_age_secs"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	RepeatAfterSecs      int     `yaml:"repeat_after_secs" mapstructure:"repeat_after_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RECON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "recon.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("blob.root", "data")
	v.SetDefault("reconstruction.model", "heightmap")
	v.SetDefault("reconstruction.seed", 42)
	v.SetDefault("reconstruction.batch_size", 4)
	v.SetDefault("reconstruction.target_size", 384)
	v.SetDefault("reconstruction.blur_sigma", 1.1)
	v.SetDefault("reconstruction.height_scale", 46.0)
	v.SetDefault("reconstruction.surface_floor", 0.008)
	v.SetDefault("reconstruction.max_pixels", 89_478_485)
	v.SetDefault("calibration.profile_dir", "data/calibration")
	v.SetDefault("calibration.version", "calib-v1")
	v.SetDefault("worker.poll_interval_ms", 1000)
	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("export.secret", "change-me")
	v.SetDefault("export.ttl_hours", 72)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.convert_rps", 2.0)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.dead_letter_threshold", 10)
	v.SetDefault("monitoring.backlog_age_secs", 900)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.repeat_after_secs", 3600)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

var drivers = []string{"sqlite", "postgres", "postgresql"}

// Validate checks the settings required by mode: "serve", "worker" or "cli".
// All problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string

	if !slices.Contains(drivers, strings.ToLower(c.Store.Driver)) {
		errs = append(errs, fmt.Sprintf("unknown store driver %q", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	switch mode {
	case "serve", "worker":
		if c.Worker.Concurrency <= 0 {
			errs = append(errs, "worker.concurrency must be > 0")
		}
		if c.Worker.PollIntervalMs <= 0 {
			errs = append(errs, "worker.poll_interval_ms must be > 0")
		}
		if c.Worker.MaxAttempts <= 0 {
			errs = append(errs, "worker.max_attempts must be > 0")
		}
		if strings.TrimSpace(c.Export.Secret) == "" {
			errs = append(errs, "export.secret is required")
		}
		if mode == "serve" {
			if c.Server.Port <= 0 {
				errs = append(errs, "server.port must be > 0")
			}
			if c.Server.ConvertRPS <= 0 {
				errs = append(errs, "server.convert_rps must be > 0")
			}
		}
	case "cli":
		if strings.TrimSpace(c.Export.Secret) == "" {
			errs = append(errs, "export.secret is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
