package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config lists the tunable parameters for the beacon admin daemon and CLI.
type Config struct {
	HTTPPort     int    `yaml:"http_port"`
	DatabasePath string `yaml:"database_path"`
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
	MDNS         bool   `yaml:"mdns"`

	API     APIConfig     `yaml:"api"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Tracing TracingConfig `yaml:"tracing"`
}

// APIConfig controls how the Proximity Beacon API is reached.
type APIConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Token     string        `yaml:"token"`
	TokenFile string        `yaml:"token_file"`
	APIKey    string        `yaml:"api_key"`
	Timeout   time.Duration `yaml:"timeout"`

	// ProjectID is sent as projectId on authorised calls when set.
	ProjectID string `yaml:"project_id"`

	// RequestsPerMinute caps outgoing calls. Zero disables the limiter.
	RequestsPerMinute int `yaml:"requests_per_minute"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the optional circuit breaker in front of the API.
type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// MQTTConfig locates the broker scanners publish sightings to.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BrokerURL   string `yaml:"broker_url"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

// TracingConfig selects the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

const (
	defaultHTTPPort     = 8080
	defaultDatabasePath = "data/beaconadmin.db"
	defaultLogLevel     = "info"
	defaultLogFormat    = "text"
	defaultBaseURL      = "https://proximitybeacon.googleapis.com/v1beta1/"
	defaultTimeout      = 30 * time.Second
	defaultBrokerURL    = "tcp://localhost:1883"
	defaultClientID     = "beaconadmin"
	defaultTopicPrefix  = "beacons"
)

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		HTTPPort:     defaultHTTPPort,
		DatabasePath: defaultDatabasePath,
		LogLevel:     defaultLogLevel,
		LogFormat:    defaultLogFormat,
		API: APIConfig{
			BaseURL: defaultBaseURL,
			Timeout: defaultTimeout,
		},
		MQTT: MQTTConfig{
			BrokerURL:   defaultBrokerURL,
			ClientID:    defaultClientID,
			TopicPrefix: defaultTopicPrefix,
		},
		Tracing: TracingConfig{Exporter: "noop"},
	}
}

// Load derives configuration from defaults, then the YAML file named by
// BEACONADMIN_CONFIG (if any), then environment variables.
func Load() (Config, error) {
	return LoadFile(os.Getenv("BEACONADMIN_CONFIG"))
}

// LoadFile is Load with an explicit file path. An empty path skips the file.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("BEACONADMIN_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid BEACONADMIN_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}

	if v := os.Getenv("BEACONADMIN_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}

	if v := os.Getenv("BEACONADMIN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("BEACONADMIN_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	if v := os.Getenv("BEACONADMIN_MDNS"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid BEACONADMIN_MDNS: %w", err)
		}
		cfg.MDNS = enabled
	}

	if v := os.Getenv("BEACONADMIN_API_BASE_URL"); v != "" {
		cfg.API.BaseURL = v
	}

	if v := os.Getenv("BEACONADMIN_API_TOKEN"); v != "" {
		cfg.API.Token = v
	}

	if v := os.Getenv("BEACONADMIN_API_TOKEN_FILE"); v != "" {
		cfg.API.TokenFile = v
	}

	if v := os.Getenv("BEACONADMIN_API_KEY"); v != "" {
		cfg.API.APIKey = v
	}

	if v := os.Getenv("BEACONADMIN_API_PROJECT_ID"); v != "" {
		cfg.API.ProjectID = v
	}
	if v := os.Getenv("BEACONADMIN_API_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid BEACONADMIN_API_TIMEOUT: %w", err)
		}
		cfg.API.Timeout = d
	}

	if v := os.Getenv("BEACONADMIN_API_RPM"); v != "" {
		rpm, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid BEACONADMIN_API_RPM: %w", err)
		}
		cfg.API.RequestsPerMinute = rpm
	}

	if v := os.Getenv("BEACONADMIN_MQTT_BROKER"); v != "" {
		cfg.MQTT.BrokerURL = v
		cfg.MQTT.Enabled = true
	}

	if v := os.Getenv("BEACONADMIN_TRACING_EXPORTER"); v != "" {
		cfg.Tracing.Exporter = v
		cfg.Tracing.Enabled = v != "noop"
	}

	return nil
}

// Validate checks the configuration for values that cannot work.
func (c Config) Validate() error {
	var errs []error

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("http_port must be between 1 and 65535, got %d", c.HTTPPort))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database_path is required"))
	}
	if !strings.HasPrefix(c.API.BaseURL, "http://") && !strings.HasPrefix(c.API.BaseURL, "https://") {
		errs = append(errs, fmt.Errorf("api.base_url must be an http(s) URL, got %q", c.API.BaseURL))
	}
	if c.API.Timeout < 0 {
		errs = append(errs, errors.New("api.timeout must not be negative"))
	}
	if c.API.RequestsPerMinute < 0 {
		errs = append(errs, errors.New("api.requests_per_minute must not be negative"))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		errs = append(errs, errors.New("mqtt.broker_url is required when mqtt is enabled"))
	}

	return errors.Join(errs...)
}
