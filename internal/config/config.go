// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the relay.
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

const (
	defaultDedupTTL = 24 * time.Hour
	defaultSMTPPort = 587

	// defaultMaxMessageSize matches the SES receiving limit.
	defaultMaxMessageSize = 40 * 1024 * 1024
)

// Config holds the complete application configuration.
type Config struct {
	Relay     RelayConfig     `yaml:"relay"`
	Transport TransportConfig `yaml:"transport"`
	S3        S3Config        `yaml:"s3"`
	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	HTTP      HTTPConfig      `yaml:"http"`
	Ingress   IngressConfig   `yaml:"ingress"`
	TLS       TLSConfig       `yaml:"tls"`
	AMQP      AMQPConfig      `yaml:"amqp"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// RelayConfig holds the service identity.
type RelayConfig struct {
	EmailDomain      string `yaml:"email_domain"`
	FromAddress      string `yaml:"from_address"`
	ConfigurationSet string `yaml:"configuration_set"`
	SpoolDir         string `yaml:"spool_dir"`
}

// TransportConfig selects and configures the outbound transport.
// Provider is "ses", "smtp", "stdout", or empty for auto-detection.
type TransportConfig struct {
	Provider string     `yaml:"provider"`
	SES      SESConfig  `yaml:"ses"`
	SMTP     SMTPConfig `yaml:"smtp"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// SMTPConfig holds SMTP submission configuration.
type SMTPConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	DKIMSelector string `yaml:"dkim_selector"`
	DKIMKeyFile  string `yaml:"dkim_key_file"`
}

// S3Config holds inbound object storage configuration. Credentials are
// shared with SES.
type S3Config struct {
	Region string `yaml:"region"`
}

// StoreConfig selects the mask and reply store.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RedisConfig configures the dedup guard. An empty Addr disables it.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	DedupTTL time.Duration `yaml:"dedup_ttl"`
}

// HTTPConfig holds the webhook listener configuration.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// IngressConfig configures the optional SMTP listener. An empty Listen
// disables it.
type IngressConfig struct {
	Listen         string `yaml:"listen"`
	Hostname       string `yaml:"hostname"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessageSize int64  `yaml:"max_message_size"`
}

// TLSConfig holds the ingress STARTTLS certificate paths. When both are
// empty a self-signed certificate is generated.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AMQPConfig configures the optional queue consumer.
type AMQPConfig struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// MetricsConfig toggles metrics recording.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	LokiURL string `yaml:"loki_url"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// Validate checks the settings the relay cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.Relay.EmailDomain == "" {
		errs = append(errs, errors.New("relay.email_domain is required"))
	}
	if c.Relay.FromAddress == "" {
		errs = append(errs, errors.New("relay.from_address is required"))
	}
	switch c.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	return errors.Join(errs...)
}

// SESConfigured returns true if an SES region is set.
func (c *Config) SESConfigured() bool {
	return c.Transport.SES.Region != ""
}

// SMTPConfigured returns true if an SMTP relay host is set.
func (c *Config) SMTPConfigured() bool {
	return c.Transport.SMTP.Host != ""
}

// SMTPAuthEnabled returns true if both SMTP username and password are set.
func (c *Config) SMTPAuthEnabled() bool {
	return c.Transport.SMTP.Username != "" && c.Transport.SMTP.Password != ""
}

// AMQPEnabled returns true if a broker URL is set.
func (c *Config) AMQPEnabled() bool {
	return c.AMQP.URL != ""
}

// RedisEnabled returns true if a redis address is set.
func (c *Config) RedisEnabled() bool {
	return c.Redis.Addr != ""
}

// IngressEnabled returns true if an SMTP ingress listen address is set.
func (c *Config) IngressEnabled() bool {
	return c.Ingress.Listen != ""
}

// IngressAuthEnabled returns true if both ingress username and password are set.
func (c *Config) IngressAuthEnabled() bool {
	return c.Ingress.Username != "" && c.Ingress.Password != ""
}

// S3Region falls back to the SES region.
func (c *Config) S3Region() string {
	if c.S3.Region != "" {
		return c.S3.Region
	}
	return c.Transport.SES.Region
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Transport.SMTP.Port = defaultSMTPPort
	c.Store.Driver = "memory"
	c.Redis.DedupTTL = defaultDedupTTL
	c.HTTP.Listen = ":8080"
	c.Ingress.Hostname = "localhost"
	c.Ingress.MaxMessageSize = defaultMaxMessageSize
	c.AMQP.Queue = "maskrelay.inbound"
	c.AMQP.Exchange = "maskrelay"
	c.AMQP.RoutingKey = "ses.inbound"
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	setString(&c.Relay.EmailDomain, "RELAY_EMAIL_DOMAIN")
	setString(&c.Relay.FromAddress, "RELAY_FROM_ADDRESS")
	setString(&c.Relay.ConfigurationSet, "RELAY_CONFIGURATION_SET")
	setString(&c.Relay.SpoolDir, "RELAY_SPOOL_DIR")

	if v := os.Getenv("PROVIDER"); v != "" {
		c.Transport.Provider = strings.ToLower(v)
	}
	setString(&c.Transport.SES.Region, "SES_REGION")
	setString(&c.Transport.SES.AccessKeyID, "SES_ACCESS_KEY_ID")
	setString(&c.Transport.SES.SecretAccessKey, "SES_SECRET_ACCESS_KEY")

	setString(&c.Transport.SMTP.Host, "SMTP_HOST")
	setInt(&c.Transport.SMTP.Port, "SMTP_PORT")
	setString(&c.Transport.SMTP.Username, "SMTP_USERNAME")
	setString(&c.Transport.SMTP.Password, "SMTP_PASSWORD")
	setString(&c.Transport.SMTP.DKIMSelector, "SMTP_DKIM_SELECTOR")
	setString(&c.Transport.SMTP.DKIMKeyFile, "SMTP_DKIM_KEY_FILE")

	setString(&c.S3.Region, "S3_REGION")

	if v := os.Getenv("STORE_DRIVER"); v != "" {
		c.Store.Driver = strings.ToLower(v)
	}
	setString(&c.Store.DSN, "STORE_DSN")

	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setInt(&c.Redis.DB, "REDIS_DB")
	if v := os.Getenv("REDIS_DEDUP_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Redis.DedupTTL = d
		}
	}

	setString(&c.HTTP.Listen, "HTTP_LISTEN")

	setString(&c.Ingress.Listen, "INGRESS_LISTEN")
	setString(&c.Ingress.Hostname, "INGRESS_HOSTNAME")
	setString(&c.Ingress.Username, "INGRESS_USERNAME")
	setString(&c.Ingress.Password, "INGRESS_PASSWORD")
	if v := os.Getenv("INGRESS_MAX_MESSAGE_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Ingress.MaxMessageSize = n
		}
	}
	setString(&c.TLS.CertFile, "TLS_CERT_FILE")
	setString(&c.TLS.KeyFile, "TLS_KEY_FILE")

	setString(&c.AMQP.URL, "AMQP_URL")
	setString(&c.AMQP.Queue, "AMQP_QUEUE")
	setString(&c.AMQP.Exchange, "AMQP_EXCHANGE")
	setString(&c.AMQP.RoutingKey, "AMQP_ROUTING_KEY")

	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Metrics.Enabled = b
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	setString(&c.Logging.LokiURL, "LOKI_URL")
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

// setInt ignores values that do not parse.
func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
