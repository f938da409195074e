package config

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides fields from OTAD_* environment variables. Malformed
// values are collected and reported together.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	var errs errList
	e := envReader{lookup: lookup, errs: &errs}

	e.str("OTAD_LISTEN", &c.Server.Listen)
	e.str("OTAD_BASE_URL", &c.Server.BaseURL)
	e.list("OTAD_ALLOWED_ORIGINS", &c.Server.AllowedOrigins)

	e.str("OTAD_TOKEN_SECRET", &c.Auth.TokenSecret)
	e.duration("OTAD_TOKEN_TTL", &c.Auth.TokenTTL)

	e.str("OTAD_FIRMWARE_DIR", &c.Storage.FirmwareDir)
	e.int64("OTAD_MAX_UPLOAD_BYTES", &c.Storage.MaxUploadBytes)
	e.str("OTAD_BLOB_BACKEND", &c.Storage.Blob)
	e.str("OTAD_INDEX_BACKEND", &c.Storage.Index)
	e.str("OTAD_MINIO_ENDPOINT", &c.Storage.Minio.Endpoint)
	e.str("OTAD_MINIO_ACCESS_KEY", &c.Storage.Minio.AccessKey)
	e.str("OTAD_MINIO_SECRET_KEY", &c.Storage.Minio.SecretKey)
	e.str("OTAD_MINIO_BUCKET", &c.Storage.Minio.Bucket)
	e.bool("OTAD_MINIO_USE_SSL", &c.Storage.Minio.UseSSL)
	e.list("OTAD_ETCD_ENDPOINTS", &c.Storage.Etcd.Endpoints)
	e.str("OTAD_ETCD_KEY", &c.Storage.Etcd.Key)
	e.str("OTAD_POSTGRES_DSN", &c.Storage.Postgres.DSN)

	e.str("OTAD_MQTT_HOST", &c.MQTT.Host)
	e.int("OTAD_MQTT_PORT", &c.MQTT.Port)
	e.bool("OTAD_MQTT_TLS", &c.MQTT.TLS)
	e.str("OTAD_MQTT_USERNAME", &c.MQTT.Username)
	e.str("OTAD_MQTT_PASSWORD", &c.MQTT.Password)
	e.str("OTAD_MQTT_CLIENT_ID_PREFIX", &c.MQTT.ClientIDPrefix)
	e.duration("OTAD_MQTT_RETRY_INTERVAL", &c.MQTT.RetryInterval)
	e.duration("OTAD_MQTT_CONNECT_TIMEOUT", &c.MQTT.ConnectTimeout)

	e.bool("OTAD_RELAY_ENABLED", &c.Relay.Enabled)
	e.str("OTAD_DEVICE_ID", &c.Relay.DeviceID)
	e.duration("OTAD_OTA_TIMEOUT", &c.OTA.Timeout)

	e.list("OTAD_KAFKA_BROKERS", &c.Kafka.Brokers)
	e.str("OTAD_KAFKA_TOPIC", &c.Kafka.Topic)
	e.str("OTAD_KAFKA_DLQ_TOPIC", &c.Kafka.DLQTopic)

	e.str("OTAD_INFLUX_URL", &c.Influx.URL)
	e.str("OTAD_INFLUX_TOKEN", &c.Influx.Token)
	e.str("OTAD_INFLUX_ORG", &c.Influx.Org)
	e.str("OTAD_INFLUX_BUCKET", &c.Influx.Bucket)

	e.str("OTAD_AMQP_URL", &c.AMQP.URL)
	e.str("OTAD_AMQP_EXCHANGE", &c.AMQP.Exchange)

	e.str("OTAD_LOG_LEVEL", &c.Log.Level)
	e.str("OTAD_LOG_FORMAT", &c.Log.Format)

	if errs.has() {
		return errors.New("invalid environment:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}

type envReader struct {
	lookup LookupFunc
	errs   *errList
}

func (e envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e envReader) int(key string, dst *int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs.addf("%s invalid (expected int): %q", key, v)
		return
	}
	*dst = n
}

func (e envReader) int64(key string, dst *int64) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.errs.addf("%s invalid (expected int64): %q", key, v)
		return
	}
	*dst = n
}

func (e envReader) bool(key string, dst *bool) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs.addf("%s invalid (expected bool): %q", key, v)
		return
	}
	*dst = b
}

func (e envReader) duration(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs.addf("%s invalid (expected duration): %q", key, v)
		return
	}
	*dst = d
}

func (e envReader) list(key string, dst *[]string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if s := strings.TrimSpace(item); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		e.errs.addf("%s invalid (empty list)", key)
		return
	}
	*dst = out
}
