package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeStream()
	c.normalizeWorkers()
	c.normalizeAuth()
	c.normalizeMQTT()
	c.normalizeAMQP()
	c.normalizePostgres()
	c.normalizeArtifacts()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.ArtifactsDir, err = expandPath(c.Paths.ArtifactsDir); err != nil {
		return fmt.Errorf("paths.artifacts_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.CaptureDir) == "" {
		c.Paths.CaptureDir = os.TempDir()
	}
	if c.Paths.CaptureDir, err = expandPath(c.Paths.CaptureDir); err != nil {
		return fmt.Errorf("paths.capture_dir: %w", err)
	}
	if value, ok := lookupEnv("VIGIL_API_BIND"); ok {
		c.Paths.APIBind = value
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	return nil
}

func (c *Config) normalizeStream() {
	c.Stream.FFmpegBinary = strings.TrimSpace(c.Stream.FFmpegBinary)
	if c.Stream.FFmpegBinary == "" {
		c.Stream.FFmpegBinary = defaultFFmpegBinary
	}
}

func (c *Config) normalizeWorkers() {
	c.Workers.CaptureBinary = strings.TrimSpace(c.Workers.CaptureBinary)
	if c.Workers.CaptureBinary == "" {
		c.Workers.CaptureBinary = c.Stream.FFmpegBinary
	}
	normalized := make(map[string]WorkerModel, len(c.Workers.Models))
	for name, model := range c.Workers.Models {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		model.Binary = strings.TrimSpace(model.Binary)
		normalized[name] = model
	}
	c.Workers.Models = normalized
}

func (c *Config) normalizeAuth() {
	for i := range c.Auth.Tenants {
		t := &c.Auth.Tenants[i]
		t.TenantID = strings.TrimSpace(t.TenantID)
		t.OwnerID = strings.TrimSpace(t.OwnerID)
		t.TokenHash = strings.TrimSpace(t.TokenHash)
	}
}

func (c *Config) normalizeMQTT() {
	if c.MQTT.Broker == "" {
		if value, ok := lookupEnv("MQTT_BROKER"); ok {
			c.MQTT.Broker = value
		}
	}
	if c.MQTT.Username == "" {
		if value, ok := lookupEnv("MQTT_USERNAME"); ok {
			c.MQTT.Username = value
		}
	}
	if c.MQTT.Password == "" {
		if value, ok := lookupEnv("MQTT_PASSWORD"); ok {
			c.MQTT.Password = value
		}
	}
	c.MQTT.Broker = strings.TrimSpace(c.MQTT.Broker)
	c.MQTT.TopicPrefix = strings.Trim(strings.TrimSpace(c.MQTT.TopicPrefix), "/")
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = defaultMQTTTopicPrefix
	}
	if strings.TrimSpace(c.MQTT.ClientID) == "" {
		c.MQTT.ClientID = defaultMQTTClientID
	}
}

func (c *Config) normalizeAMQP() {
	if c.AMQP.URL == "" {
		if value, ok := lookupEnv("AMQP_URL"); ok {
			c.AMQP.URL = value
		}
	}
	c.AMQP.URL = strings.TrimSpace(c.AMQP.URL)
	if strings.TrimSpace(c.AMQP.Exchange) == "" {
		c.AMQP.Exchange = defaultAMQPExchange
	}
	if strings.TrimSpace(c.AMQP.RoutingPrefix) == "" {
		c.AMQP.RoutingPrefix = defaultAMQPRoutingPrefix
	}
}

func (c *Config) normalizePostgres() {
	if c.Postgres.DSN == "" {
		if value, ok := lookupEnv("DATABASE_URL"); ok {
			c.Postgres.DSN = value
		}
	}
	c.Postgres.DSN = strings.TrimSpace(c.Postgres.DSN)
}

func (c *Config) normalizeArtifacts() {
	if c.Artifacts.Endpoint == "" {
		if value, ok := lookupEnv("MINIO_ENDPOINT"); ok {
			c.Artifacts.Endpoint = value
		}
	}
	if c.Artifacts.AccessKey == "" {
		if value, ok := lookupEnv("MINIO_ACCESS_KEY"); ok {
			c.Artifacts.AccessKey = value
		}
	}
	if c.Artifacts.SecretKey == "" {
		if value, ok := lookupEnv("MINIO_SECRET_KEY"); ok {
			c.Artifacts.SecretKey = value
		}
	}
	c.Artifacts.Endpoint = strings.TrimSpace(c.Artifacts.Endpoint)
	c.Artifacts.PublicBaseURL = strings.TrimRight(strings.TrimSpace(c.Artifacts.PublicBaseURL), "/")
	if strings.TrimSpace(c.Artifacts.Bucket) == "" {
		c.Artifacts.Bucket = defaultArtifactsBucket
	}
}

func (c *Config) normalizeNotifications() {
	if c.Notifications.NtfyTopic == "" {
		if value, ok := lookupEnv("NTFY_TOPIC"); ok {
			c.Notifications.NtfyTopic = value
		}
	}
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func lookupEnv(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return "", false
	}
	return strings.TrimSpace(value), true
}
