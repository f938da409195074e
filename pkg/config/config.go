// Package config loads the otad configuration from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete otad configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Storage StorageConfig `yaml:"storage"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Relay   RelayConfig   `yaml:"relay"`
	OTA     OTAConfig     `yaml:"ota"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Influx  InfluxConfig  `yaml:"influx"`
	AMQP    AMQPConfig    `yaml:"amqp"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Listen         string        `yaml:"listen"`
	BaseURL        string        `yaml:"base_url"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	RateLimit      float64       `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`
}

type AuthConfig struct {
	TokenSecret string        `yaml:"token_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
	Users       []UserConfig  `yaml:"users"`
}

// UserConfig is one operator account. PasswordHash is a bcrypt hash as
// produced by `otad hash-password`.
type UserConfig struct {
	ID           int    `yaml:"id"`
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
	Role         string `yaml:"role"`
}

type StorageConfig struct {
	FirmwareDir    string         `yaml:"firmware_dir"`
	MaxUploadBytes int64          `yaml:"max_upload_bytes"`
	Blob           string         `yaml:"blob"`
	Index          string         `yaml:"index"`
	Minio          MinioConfig    `yaml:"minio"`
	Etcd           EtcdConfig     `yaml:"etcd"`
	Postgres       PostgresConfig `yaml:"postgres"`
}

type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Key         string        `yaml:"key"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type MQTTConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	TLS            bool          `yaml:"tls"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	ClientIDPrefix string        `yaml:"client_id_prefix"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
}

// BrokerURL returns the paho broker address built from host, port and TLS.
func (m MQTTConfig) BrokerURL() string {
	scheme := "tcp"
	if m.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, m.Host, m.Port)
}

type RelayConfig struct {
	Enabled  bool   `yaml:"enabled"`
	DeviceID string `yaml:"device_id"`
}

type OTAConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	DLQTopic string   `yaml:"dlq_topic"`
}

// Enabled reports whether telemetry should be forwarded to Kafka.
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// Enabled reports whether telemetry points should be written to InfluxDB.
func (i InfluxConfig) Enabled() bool { return i.URL != "" }

type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// Enabled reports whether telemetry should be published to an AMQP exchange.
func (a AMQPConfig) Enabled() bool { return a.URL != "" }

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:       ":3001",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
			RateLimit:    50,
			RateBurst:    100,
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Storage: StorageConfig{
			FirmwareDir:    "firmware",
			MaxUploadBytes: 5 << 20,
			Blob:           "fs",
			Index:          "file",
			Minio:          MinioConfig{Bucket: "firmware"},
			Etcd: EtcdConfig{
				Endpoints:   []string{"localhost:2379"},
				Key:         "/otad/firmware/index",
				DialTimeout: 5 * time.Second,
			},
		},
		MQTT: MQTTConfig{
			Host:           "localhost",
			Port:           1883,
			ClientIDPrefix: "otad",
			ConnectTimeout: 30 * time.Second,
			RetryInterval:  5 * time.Second,
		},
		Relay: RelayConfig{
			Enabled:  true,
			DeviceID: "device1",
		},
		OTA: OTAConfig{
			Timeout: 10 * time.Second,
		},
		Kafka: KafkaConfig{
			Topic:    "telemetry.raw",
			DLQTopic: "telemetry.dlq",
		},
		AMQP: AMQPConfig{
			Exchange: "otad.telemetry",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns the default config file path: ~/.otad/config.yaml
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".otad", "config.yaml")
	}
	return filepath.Join(home, ".otad", "config.yaml")
}

// Load reads the YAML file at path on top of Default and then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	// The file may carry the token secret and broker credentials.
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		fmt.Fprintf(os.Stderr,
			"warning: config file %s has permissions %04o, expected 0600; "+
				"secrets may be exposed to other users\n",
			path, perm)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs errList

	if c.Server.Listen == "" {
		errs.add("server.listen is required")
	}
	if c.Server.BaseURL != "" {
		if u, err := url.Parse(c.Server.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs.addf("server.base_url must be an absolute URL: %q", c.Server.BaseURL)
		}
	}
	if c.Auth.TokenSecret == "" {
		errs.add("auth.token_secret is required (OTAD_TOKEN_SECRET)")
	} else if len(c.Auth.TokenSecret) < 16 {
		errs.add("auth.token_secret must be at least 16 characters")
	}
	if c.Auth.TokenTTL <= 0 {
		errs.add("auth.token_ttl must be > 0")
	}
	for i, u := range c.Auth.Users {
		if u.Username == "" || u.PasswordHash == "" {
			errs.addf("auth.users[%d]: username and password_hash are required", i)
		}
		ensureOneOf(fmt.Sprintf("auth.users[%d].role", i), u.Role, []string{"admin", "operator"}, &errs)
	}
	if c.Storage.MaxUploadBytes <= 0 {
		errs.add("storage.max_upload_bytes must be > 0")
	}
	ensureOneOf("storage.blob", c.Storage.Blob, []string{"fs", "minio"}, &errs)
	ensureOneOf("storage.index", c.Storage.Index, []string{"file", "etcd", "postgres", "memory"}, &errs)
	if c.Storage.FirmwareDir == "" && (c.Storage.Blob == "fs" || c.Storage.Index == "file") {
		errs.add("storage.firmware_dir is required for the fs blob store and file index")
	}
	if c.Storage.Blob == "minio" {
		if c.Storage.Minio.Endpoint == "" || c.Storage.Minio.Bucket == "" {
			errs.add("storage.minio.endpoint and storage.minio.bucket are required")
		}
	}
	if c.Storage.Index == "etcd" && len(c.Storage.Etcd.Endpoints) == 0 {
		errs.add("storage.etcd.endpoints must not be empty")
	}
	if c.Storage.Index == "postgres" && c.Storage.Postgres.DSN == "" {
		errs.add("storage.postgres.dsn is required (OTAD_POSTGRES_DSN)")
	}
	if c.MQTT.Host == "" {
		errs.add("mqtt.host is required")
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		errs.addf("mqtt.port out of range: %d", c.MQTT.Port)
	}
	if c.MQTT.RetryInterval <= 0 {
		errs.add("mqtt.retry_interval must be > 0")
	}
	if c.MQTT.ConnectTimeout <= 0 {
		errs.add("mqtt.connect_timeout must be > 0")
	}
	if c.Relay.Enabled && c.Relay.DeviceID == "" {
		errs.add("relay.device_id is required when the relay is enabled")
	}
	if c.OTA.Timeout <= 0 {
		errs.add("ota.timeout must be > 0")
	}
	if c.Kafka.Enabled() && c.Kafka.Topic == "" {
		errs.add("kafka.topic is required when kafka.brokers is set")
	}
	if c.Influx.Enabled() && (c.Influx.Org == "" || c.Influx.Bucket == "") {
		errs.add("influx.org and influx.bucket are required when influx.url is set")
	}
	ensureOneOf("log.level", strings.ToLower(c.Log.Level), []string{"debug", "info", "warn", "error"}, &errs)
	ensureOneOf("log.format", c.Log.Format, []string{"text", "json"}, &errs)

	if errs.has() {
		return errors.New("invalid configuration:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}

type errList []string

func (e *errList) addf(format string, a ...any) {
	*e = append(*e, fmt.Sprintf(format, a...))
}
func (e *errList) add(msg string) { *e = append(*e, msg) }
func (e *errList) has() bool      { return len(*e) > 0 }

func ensureOneOf(key, val string, allowed []string, errs *errList) {
	for _, a := range allowed {
		if val == a {
			return
		}
	}
	errs.addf("%s invalid (allowed: %s): %q", key, strings.Join(allowed, ", "), val)
}
