package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateEngine(); err != nil {
		return err
	}
	if err := c.validateStream(); err != nil {
		return err
	}
	if err := c.validateWorkers(); err != nil {
		return err
	}
	if err := c.validateAuth(); err != nil {
		return err
	}
	if err := c.validateCollaborators(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.StateDir == "" {
		return errors.New("paths.state_dir must be set")
	}
	if c.Paths.ArtifactsDir == "" {
		return errors.New("paths.artifacts_dir must be set")
	}
	if _, _, err := net.SplitHostPort(c.Paths.APIBind); err != nil {
		return fmt.Errorf("paths.api_bind must be host:port: %w", err)
	}
	return nil
}

func (c *Config) validateEngine() error {
	if err := ensurePositiveMap(map[string]int{
		"engine.max_concurrent_jobs":   c.Engine.MaxConcurrentJobs,
		"engine.job_timeout_seconds":   c.Engine.JobTimeoutSeconds,
		"engine.capture_grace_seconds": c.Engine.CaptureGraceSeconds,
		"engine.max_capture_seconds":   c.Engine.MaxCaptureSeconds,
		"engine.cancel_grace_seconds":  c.Engine.CancelGraceSeconds,
	}); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateStream() error {
	if err := ensurePositiveMap(map[string]int{
		"stream.default_fps":         c.Stream.DefaultFPS,
		"stream.poll_hz":             c.Stream.PollHz,
		"stream.stop_grace_seconds":  c.Stream.StopGraceSeconds,
		"stream.first_frame_seconds": c.Stream.FirstFrameSeconds,
	}); err != nil {
		return err
	}
	if c.Stream.DefaultFPS > 60 {
		return errors.New("stream.default_fps must be at most 60")
	}
	return nil
}

func (c *Config) validateWorkers() error {
	if len(c.Workers.Models) == 0 {
		return errors.New("workers.models must define at least one model")
	}
	for name, model := range c.Workers.Models {
		if model.Binary == "" {
			return fmt.Errorf("workers.models.%s.binary must be set", name)
		}
	}
	return nil
}

func (c *Config) validateAuth() error {
	seen := make(map[string]struct{}, len(c.Auth.Tenants))
	for i, t := range c.Auth.Tenants {
		if t.TenantID == "" {
			return fmt.Errorf("auth.tenants[%d].tenant_id must be set", i)
		}
		if t.TokenHash == "" {
			return fmt.Errorf("auth.tenants[%d].token_hash must be set", i)
		}
		if _, err := bcrypt.Cost([]byte(t.TokenHash)); err != nil {
			return fmt.Errorf("auth.tenants[%d].token_hash is not a bcrypt hash (generate with 'vigil auth hash-token'): %w", i, err)
		}
		if _, dup := seen[t.TokenHash]; dup {
			return fmt.Errorf("auth.tenants[%d].token_hash duplicates another tenant", i)
		}
		seen[t.TokenHash] = struct{}{}
	}
	return nil
}

func (c *Config) validateCollaborators() error {
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return errors.New("mqtt.broker must be set when mqtt.enabled is true")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return errors.New("mqtt.qos must be 0, 1, or 2")
		}
	}
	if c.AMQP.Enabled && c.AMQP.URL == "" {
		return errors.New("amqp.url must be set when amqp.enabled is true")
	}
	if c.Postgres.Enabled && c.Postgres.DSN == "" {
		return errors.New("postgres.dsn must be set when postgres.enabled is true")
	}
	if c.Artifacts.Enabled {
		if c.Artifacts.Endpoint == "" {
			return errors.New("artifacts.endpoint must be set when artifacts.enabled is true")
		}
		if strings.Contains(c.Artifacts.Endpoint, "://") {
			return errors.New("artifacts.endpoint must be host[:port] without a scheme")
		}
		if c.Artifacts.PublicBaseURL != "" {
			if _, err := url.Parse(c.Artifacts.PublicBaseURL); err != nil {
				return fmt.Errorf("artifacts.public_base_url: %w", err)
			}
		}
	}
	if err := ensurePositiveMap(map[string]int{
		"live.subscriber_buffer":        c.Live.SubscriberBuffer,
		"live.forward_buffer":           c.Live.ForwardBuffer,
		"notifications.request_timeout": c.Notifications.RequestTimeout,
	}); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
