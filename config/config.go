package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Topstepflow TopstepflowConfig `yaml:"topstepflow"`
	Broker      BrokerConfig      `yaml:"broker"`
	Realtime    RealtimeConfig    `yaml:"realtime"`
	Feed        FeedConfig        `yaml:"feed"`
	Oco         OcoConfig         `yaml:"oco"`
	Store       StoreConfig       `yaml:"store"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type TopstepflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// BrokerConfig holds gateway endpoints and credentials. Username, ApiKey and
// AccountID are normally supplied through the TOPSTEP_USERNAME,
// TOPSTEP_API_KEY and TOPSTEP_ACCOUNT_ID environment variables rather than
// the config file so secrets stay out of version control.
type BrokerConfig struct {
	ApiURL             string        `yaml:"api_url"`
	UserHubURL         string        `yaml:"user_hub_url"`
	MarketHubURL       string        `yaml:"market_hub_url"`
	Username           string        `yaml:"username"`
	ApiKey             string        `yaml:"api_key"`
	AccountID          int           `yaml:"account_id"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	TokenRefreshMargin time.Duration `yaml:"token_refresh_margin"`
	TokenPollInterval  time.Duration `yaml:"token_poll_interval"`
}

type RealtimeConfig struct {
	OpenTimeout       time.Duration   `yaml:"open_timeout"`
	StopJoinTimeout   time.Duration   `yaml:"stop_join_timeout"`
	KeepAliveInterval time.Duration   `yaml:"keep_alive_interval"`
	Backoff           []time.Duration `yaml:"backoff"`
	ControlRate       float64         `yaml:"control_rate"`
	ControlBurst      int             `yaml:"control_burst"`
}

type FeedConfig struct {
	Contracts []string `yaml:"contracts"`
	Quotes    bool     `yaml:"quotes"`
	Trades    bool     `yaml:"trades"`
	Depth     bool     `yaml:"depth"`
}

type OcoConfig struct {
	StopDistance   float64 `yaml:"stop_distance"`
	TargetDistance float64 `yaml:"target_distance"`
}

type StoreConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Buffer        int           `yaml:"buffer"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	DataDir       string        `yaml:"data_dir"`
	Compression   string        `yaml:"compression"`
	S3            S3Config      `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level         string                 `yaml:"level"`
	Format        string                 `yaml:"format"`
	Output        string                 `yaml:"output"`
	MaxAge        int                    `yaml:"max_age"`
	Fields        map[string]interface{} `yaml:"fields"`
	DashboardName string                 `yaml:"dashboard_name"`
}

const defaultConfigPath = "config/config.yml"

var envConfigPaths = map[string]string{
	environmentStaging:    "config/config.staging.yml",
	environmentProduction: "config/config.production.yml",
}

func LoadConfig(path string) (*Config, error) {
	if resolved := resolveEnvSpecificPath(path, defaultConfigPath, envConfigPaths); resolved != path {
		if _, statErr := os.Stat(resolved); statErr == nil {
			path = resolved
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Broker: BrokerConfig{
			RequestTimeout:     10 * time.Second,
			TokenRefreshMargin: 23 * time.Hour,
			TokenPollInterval:  10 * time.Minute,
		},
		Realtime: RealtimeConfig{
			OpenTimeout:       5 * time.Second,
			StopJoinTimeout:   5 * time.Second,
			KeepAliveInterval: 30 * time.Second,
			ControlRate:       5,
			ControlBurst:      5,
		},
		Oco: OcoConfig{
			StopDistance:   6,
			TargetDistance: 6,
		},
		Feed: FeedConfig{Quotes: true, Trades: true, Depth: true},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if len(config.Realtime.Backoff) == 0 {
		config.Realtime.Backoff = []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second}
	}

	// Credentials always come from the environment when present.
	if v := os.Getenv("TOPSTEP_USERNAME"); v != "" {
		config.Broker.Username = strings.TrimSpace(v)
	}
	if v := os.Getenv("TOPSTEP_API_KEY"); v != "" {
		config.Broker.ApiKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("TOPSTEP_ACCOUNT_ID"); v != "" {
		if id, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			config.Broker.AccountID = id
		}
	}

	// Override S3 settings from environment variables if available
	if config.Store.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Store.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Store.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Store.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Store.S3.Bucket = strings.TrimSpace(v)
		}
	}

	config.Store.S3.Bucket = strings.TrimSpace(config.Store.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Topstepflow.Name == "" {
		return fmt.Errorf("topstepflow.name is required")
	}

	if cfg.Topstepflow.Version == "" {
		return fmt.Errorf("topstepflow.version is required")
	}

	if cfg.Broker.ApiURL == "" {
		return fmt.Errorf("broker.api_url is required")
	}
	if cfg.Broker.UserHubURL == "" {
		return fmt.Errorf("broker.user_hub_url is required")
	}
	if cfg.Broker.MarketHubURL == "" {
		return fmt.Errorf("broker.market_hub_url is required")
	}
	if cfg.Broker.Username == "" || cfg.Broker.ApiKey == "" {
		return fmt.Errorf("broker credentials are required (set TOPSTEP_USERNAME and TOPSTEP_API_KEY)")
	}
	if cfg.Broker.AccountID <= 0 {
		return fmt.Errorf("broker.account_id must be greater than 0")
	}

	if cfg.Realtime.OpenTimeout <= 0 {
		return fmt.Errorf("realtime.open_timeout must be greater than 0")
	}
	if cfg.Realtime.StopJoinTimeout <= 0 {
		return fmt.Errorf("realtime.stop_join_timeout must be greater than 0")
	}
	if cfg.Realtime.KeepAliveInterval <= 0 {
		return fmt.Errorf("realtime.keep_alive_interval must be greater than 0")
	}
	if cfg.Realtime.ControlRate <= 0 {
		return fmt.Errorf("realtime.control_rate must be greater than 0")
	}
	if cfg.Realtime.ControlBurst <= 0 {
		return fmt.Errorf("realtime.control_burst must be greater than 0")
	}

	for i, d := range cfg.Realtime.Backoff {
		if d <= 0 {
			return fmt.Errorf("realtime.backoff[%d] must be greater than 0", i)
		}
		if i > 0 && d < cfg.Realtime.Backoff[i-1] {
			return fmt.Errorf("realtime.backoff must be non-decreasing")
		}
	}

	if cfg.Oco.StopDistance <= 0 || cfg.Oco.TargetDistance <= 0 {
		return fmt.Errorf("oco.stop_distance and oco.target_distance must be greater than 0")
	}

	if cfg.Store.Enabled {
		if cfg.Store.Buffer <= 0 {
			return fmt.Errorf("store.buffer must be greater than 0")
		}
		if cfg.Store.BatchSize <= 0 {
			return fmt.Errorf("store.batch_size must be greater than 0")
		}
		if cfg.Store.FlushInterval <= 0 {
			return fmt.Errorf("store.flush_interval must be greater than 0")
		}
		if cfg.Store.DataDir == "" && !cfg.Store.S3.Enabled {
			return fmt.Errorf("store.data_dir is required when S3 upload is disabled")
		}
	}

	if cfg.Store.S3.Enabled {
		if cfg.Store.S3.Bucket == "" {
			return fmt.Errorf("store.s3.bucket is required when S3 is enabled")
		}
		if cfg.Store.S3.Region == "" {
			return fmt.Errorf("store.s3.region is required when S3 is enabled")
		}
		if cfg.Store.S3.AccessKeyID == "" || cfg.Store.S3.SecretAccessKey == "" {
			return fmt.Errorf("store.s3.access_key_id and store.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Store.S3.Bucket) {
			return fmt.Errorf("store.s3.bucket '%s' is invalid", cfg.Store.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
