package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tejusbharadwaj/solarflux/internal/quota"
)

// Config holds all configuration for our application
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Sources SourcesConfig `mapstructure:"sources"`
	Storage StorageConfig `mapstructure:"storage"`
	Routes  []RouteConfig `mapstructure:"routes"`
}

type ServerConfig struct {
	Host     string `mapstructure:"host"`
	HTTPPort int    `mapstructure:"http_port"`
	GRPCPort int    `mapstructure:"grpc_port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type CacheConfig struct {
	Dir           string `mapstructure:"dir"`
	MemoryEntries int    `mapstructure:"memory_entries"`
}

type SourcesConfig struct {
	Official OfficialConfig `mapstructure:"api"`
	Web      WebConfig      `mapstructure:"web"`
	Modbus   ModbusConfig   `mapstructure:"modbus"`
	Price    PriceConfig    `mapstructure:"price"`
}

// SourceConfig is shared by every source.
type SourceConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Timezone    string        `mapstructure:"timezone"`
	TTL         time.Duration `mapstructure:"ttl"`
	SealGrace   time.Duration `mapstructure:"seal_grace"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Schedule    string        `mapstructure:"schedule"`
	HistoryDays int           `mapstructure:"history_days"`
	Quota       quota.Limits  `mapstructure:"quota"`
}

// Location loads the configured timezone.
func (s SourceConfig) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

// EndpointConfig is the per endpoint / per device configuration the core
// reads but never mutates.
type EndpointConfig struct {
	Name       string  `mapstructure:"name"`
	Kind       string  `mapstructure:"kind"`
	Serial     string  `mapstructure:"serial"`
	Field      string  `mapstructure:"field"`
	Category   string  `mapstructure:"category"`
	Unit       string  `mapstructure:"unit"`
	Enabled    *bool   `mapstructure:"enabled"`
	DataFormat string  `mapstructure:"data_format"`
	Scale      float64 `mapstructure:"scale"`
}

// IsEnabled reports whether the endpoint is enabled; endpoints are enabled
// unless switched off explicitly.
func (e EndpointConfig) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// Endpoints indexes endpoint configuration by endpoint name or device id.
type Endpoints map[string]EndpointConfig

// Lookup returns the first configured entry among keys.
func (e Endpoints) Lookup(keys ...string) (EndpointConfig, bool) {
	for _, k := range keys {
		if k == "" {
			continue
		}
		if cfg, ok := e[k]; ok {
			return cfg, true
		}
	}
	return EndpointConfig{}, false
}

func index(list []EndpointConfig) Endpoints {
	out := make(Endpoints, len(list))
	for _, e := range list {
		out[e.Name] = e
	}
	return out
}

type OfficialConfig struct {
	SourceConfig `mapstructure:",squash"`
	BaseURL      string           `mapstructure:"base_url"`
	APIKey       string           `mapstructure:"api_key"`
	SiteID       string           `mapstructure:"site_id"`
	Endpoints    []EndpointConfig `mapstructure:"endpoints"`
}

func (c OfficialConfig) EndpointMap() Endpoints { return index(c.Endpoints) }

type WebConfig struct {
	SourceConfig `mapstructure:",squash"`
	BaseURL      string           `mapstructure:"base_url"`
	LoginPath    string           `mapstructure:"login_path"`
	Username     string           `mapstructure:"username"`
	Password     string           `mapstructure:"password"`
	SiteID       string           `mapstructure:"site_id"`
	Endpoints    []EndpointConfig `mapstructure:"endpoints"`
	Devices      []EndpointConfig `mapstructure:"devices"`
}

// EndpointMap indexes endpoints and devices together; devices are keyed by
// their id in Name.
func (c WebConfig) EndpointMap() Endpoints {
	out := index(c.Endpoints)
	for k, v := range index(c.Devices) {
		out[k] = v
	}
	return out
}

type ModbusConfig struct {
	SourceConfig `mapstructure:",squash"`
	Host         string           `mapstructure:"host"`
	Port         int              `mapstructure:"port"`
	UnitID       int              `mapstructure:"unit_id"`
	Meters       int              `mapstructure:"meters"`
	Registers    []EndpointConfig `mapstructure:"registers"`
}

func (c ModbusConfig) EndpointMap() Endpoints { return index(c.Registers) }

func (c ModbusConfig) Address() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

type PriceConfig struct {
	SourceConfig `mapstructure:",squash"`
	BaseURL      string        `mapstructure:"base_url"`
	QuotaURL     string        `mapstructure:"quota_url"`
	RequestDelay time.Duration `mapstructure:"request_delay"`
	Category     string        `mapstructure:"category"`
	Unit         string        `mapstructure:"unit"`
	HistoryStart string        `mapstructure:"history_start"`
}

// EndpointMap exposes the single market data endpoint.
func (c PriceConfig) EndpointMap() Endpoints {
	return Endpoints{
		"marketdata": {Name: "marketdata", Category: c.Category, Unit: c.Unit},
	}
}

type StorageConfig struct {
	Backend       string         `mapstructure:"backend"`
	BatchSize     int            `mapstructure:"batch_size"`
	FlushInterval time.Duration  `mapstructure:"flush_interval"`
	MaxRetries    int            `mapstructure:"max_retries"`
	RetryDelay    time.Duration  `mapstructure:"retry_delay"`
	Timescale     DatabaseConfig `mapstructure:"timescale"`
	Influx        InfluxConfig   `mapstructure:"influx"`
	Publish       PublishConfig  `mapstructure:"publish"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// DSN builds a lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

type InfluxConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
	Org   string `mapstructure:"org"`
}

type PublishConfig struct {
	NATS  NATSConfig  `mapstructure:"nats"`
	MQTT  MQTTConfig  `mapstructure:"mqtt"`
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	Topic    string `mapstructure:"topic"`
	ClientID string `mapstructure:"client_id"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type RouteConfig struct {
	Prefix    string        `mapstructure:"prefix"`
	Bucket    string        `mapstructure:"bucket"`
	Retention time.Duration `mapstructure:"retention"`
}

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// First unmarshal into a map to handle type conversions
	var rawConfig map[string]interface{}
	if err := yaml.Unmarshal(data, &rawConfig); err != nil {
		return nil, fmt.Errorf("failed to unmarshal raw config: %w", err)
	}

	// Convert the map to YAML again
	data, err = yaml.Marshal(rawConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal raw config: %w", err)
	}

	// Expand environment variables
	expandedData := os.ExpandEnv(string(data))

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	if err := v.ReadConfig(bytes.NewBufferString(expandedData)); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 9102)
	v.SetDefault("server.grpc_port", 50051)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("cache.dir", "cache")
	v.SetDefault("cache.memory_entries", 512)

	v.SetDefault("sources.api.base_url", "https://monitoringapi.solaredge.com")
	v.SetDefault("sources.api.ttl", "1h")
	v.SetDefault("sources.api.seal_grace", "2h")
	v.SetDefault("sources.api.timeout", "30s")
	v.SetDefault("sources.api.schedule", "*/15 * * * *")
	v.SetDefault("sources.api.history_days", 7)
	v.SetDefault("sources.api.quota.per_minute", 3)
	v.SetDefault("sources.api.quota.per_hour", 300)

	v.SetDefault("sources.web.base_url", "https://monitoring.solaredge.com")
	v.SetDefault("sources.web.login_path", "/solaredge-apigw/api/login")
	v.SetDefault("sources.web.ttl", "15m")
	v.SetDefault("sources.web.seal_grace", "1h")
	v.SetDefault("sources.web.timeout", "30s")
	v.SetDefault("sources.web.schedule", "*/15 * * * *")
	v.SetDefault("sources.web.history_days", 31)
	v.SetDefault("sources.web.quota.per_minute", 10)
	v.SetDefault("sources.web.quota.per_hour", 200)

	v.SetDefault("sources.modbus.port", 1502)
	v.SetDefault("sources.modbus.unit_id", 1)
	v.SetDefault("sources.modbus.timeout", "5s")
	v.SetDefault("sources.modbus.schedule", "* * * * *")
	v.SetDefault("sources.modbus.quota.per_minute", 60)

	v.SetDefault("sources.price.base_url", "https://api.awattar.de/v1")
	v.SetDefault("sources.price.ttl", "1h")
	v.SetDefault("sources.price.seal_grace", "24h")
	v.SetDefault("sources.price.timeout", "30s")
	v.SetDefault("sources.price.schedule", "5 * * * *")
	v.SetDefault("sources.price.request_delay", "2s")
	v.SetDefault("sources.price.category", "Price")
	v.SetDefault("sources.price.unit", "EUR/MWh")
	v.SetDefault("sources.price.history_days", 62)
	v.SetDefault("sources.price.quota.per_minute", 10)
	v.SetDefault("sources.price.quota.per_hour", 100)

	v.SetDefault("storage.backend", "timescale")
	v.SetDefault("storage.batch_size", 5000)
	v.SetDefault("storage.flush_interval", "10s")
	v.SetDefault("storage.max_retries", 3)
	v.SetDefault("storage.retry_delay", "1s")
	v.SetDefault("storage.timescale.port", 5432)
	v.SetDefault("storage.timescale.ssl_mode", "disable")
	v.SetDefault("storage.publish.nats.subject", "solarflux.points")
	v.SetDefault("storage.publish.mqtt.topic", "solarflux/points")
	v.SetDefault("storage.publish.mqtt.client_id", "solarflux")
	v.SetDefault("storage.publish.kafka.topic", "solarflux-points")
}

// Validate checks the configuration once at startup so misconfiguration
// never surfaces mid-run.
func (c *Config) Validate() error {
	var errs []error

	check := func(name string, s SourceConfig) {
		if !s.Enabled {
			return
		}
		if _, err := s.Location(); err != nil {
			errs = append(errs, fmt.Errorf("%s: timezone %q: %w", name, s.Timezone, err))
		}
		if s.TTL < 0 || s.SealGrace < 0 {
			errs = append(errs, fmt.Errorf("%s: ttl and seal_grace must not be negative", name))
		}
	}
	check("sources.api", c.Sources.Official.SourceConfig)
	check("sources.web", c.Sources.Web.SourceConfig)
	check("sources.modbus", c.Sources.Modbus.SourceConfig)
	check("sources.price", c.Sources.Price.SourceConfig)

	if c.Sources.Official.Enabled {
		for _, e := range c.Sources.Official.Endpoints {
			if e.Name == "" {
				errs = append(errs, errors.New("sources.api: endpoint without name"))
				continue
			}
			if e.IsEnabled() && strings.TrimSpace(e.Category) == "" {
				errs = append(errs, fmt.Errorf("sources.api: endpoint %q has no category", e.Name))
			}
			switch e.Kind {
			case "equipment", "energy", "timeframe", "overview", "power":
			default:
				errs = append(errs, fmt.Errorf("sources.api: endpoint %q has unknown kind %q", e.Name, e.Kind))
			}
		}
	}

	if c.Sources.Modbus.Enabled && c.Sources.Modbus.Host == "" {
		errs = append(errs, errors.New("sources.modbus: host is required"))
	}

	if c.Storage.BatchSize <= 0 {
		errs = append(errs, errors.New("storage.batch_size must be positive"))
	}
	switch c.Storage.Backend {
	case "timescale", "influx":
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend))
	}

	for _, r := range c.Routes {
		if r.Prefix == "" || r.Bucket == "" {
			errs = append(errs, errors.New("routes: prefix and bucket are required"))
		}
		if r.Retention < 0 {
			errs = append(errs, fmt.Errorf("routes: %q has negative retention", r.Prefix))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// NewLogger builds the structured logger described by the logging section.
func (l LoggingConfig) NewLogger() *logrus.Logger {
	logger := logrus.New()
	if l.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}
