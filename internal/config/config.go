package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	StateDir     string `toml:"state_dir"`
	LogDir       string `toml:"log_dir"`
	ArtifactsDir string `toml:"artifacts_dir"`
	CaptureDir   string `toml:"capture_dir"`
	APIBind      string `toml:"api_bind"`
}

// Engine contains job engine limits and timeouts.
type Engine struct {
	MaxConcurrentJobs   int  `toml:"max_concurrent_jobs"`
	JobTimeoutSeconds   int  `toml:"job_timeout_seconds"`
	CaptureGraceSeconds int  `toml:"capture_grace_seconds"`
	MaxCaptureSeconds   int  `toml:"max_capture_seconds"`
	CancelGraceSeconds  int  `toml:"cancel_grace_seconds"`
	SimulationMode      bool `toml:"simulation_mode"`
}

// Stream contains live stream proxy settings.
type Stream struct {
	FFmpegBinary      string `toml:"ffmpeg_binary"`
	DefaultFPS        int    `toml:"default_fps"`
	PollHz            int    `toml:"poll_hz"`
	StopGraceSeconds  int    `toml:"stop_grace_seconds"`
	FirstFrameSeconds int    `toml:"first_frame_seconds"`
}

// WorkerModel describes the executable that implements one analytics model.
type WorkerModel struct {
	Binary string   `toml:"binary"`
	Args   []string `toml:"args"`
}

// Workers maps model types to analytics executables.
type Workers struct {
	CaptureBinary string                 `toml:"capture_binary"`
	Models        map[string]WorkerModel `toml:"models"`
}

// Live contains live-count fan-out buffer sizes.
type Live struct {
	SubscriberBuffer int `toml:"subscriber_buffer"`
	ForwardBuffer    int `toml:"forward_buffer"`
}

// Tenant is one API credential. TokenHash is a bcrypt hash of the bearer token.
type Tenant struct {
	TenantID  string `toml:"tenant_id"`
	OwnerID   string `toml:"owner_id"`
	TokenHash string `toml:"token_hash"`
	Admin     bool   `toml:"admin"`
}

// Auth contains the API tenant table. An empty table disables authentication.
type Auth struct {
	Tenants []Tenant `toml:"tenants"`
}

// MQTT contains the occupancy MQTT forwarder settings.
type MQTT struct {
	Enabled     bool   `toml:"enabled"`
	Broker      string `toml:"broker"`
	ClientID    string `toml:"client_id"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	TopicPrefix string `toml:"topic_prefix"`
	QoS         int    `toml:"qos"`
}

// AMQP contains the occupancy RabbitMQ forwarder settings.
type AMQP struct {
	Enabled       bool   `toml:"enabled"`
	URL           string `toml:"url"`
	Exchange      string `toml:"exchange"`
	RoutingPrefix string `toml:"routing_prefix"`
}

// Postgres contains the occupancy event store settings.
type Postgres struct {
	Enabled bool   `toml:"enabled"`
	DSN     string `toml:"dsn"`
}

// Artifacts contains object storage settings for job output media.
type Artifacts struct {
	Enabled       bool   `toml:"enabled"`
	Endpoint      string `toml:"endpoint"`
	AccessKey     string `toml:"access_key"`
	SecretKey     string `toml:"secret_key"`
	Bucket        string `toml:"bucket"`
	UseSSL        bool   `toml:"use_ssl"`
	PublicBaseURL string `toml:"public_base_url"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	JobCompleted   bool   `toml:"job_completed"`
	JobFailed      bool   `toml:"job_failed"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for Vigil.
//
// Configuration sections by subsystem:
//   - Paths: state, log, artifact and capture directories plus the API bind address
//   - Engine: job concurrency, timeouts and simulation mode
//   - Stream: ffmpeg transcoder settings for live stream sessions
//   - Workers: analytics executables per model type
//   - Live: live-count subscriber and forwarder buffers
//   - Auth: tenant bearer tokens
//   - MQTT, AMQP, Postgres: occupancy collaborators
//   - Artifacts: MinIO/S3 upload of job outputs
//   - Notifications: ntfy push notification settings
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Engine        Engine        `toml:"engine"`
	Stream        Stream        `toml:"stream"`
	Workers       Workers       `toml:"workers"`
	Live          Live          `toml:"live"`
	Auth          Auth          `toml:"auth"`
	MQTT          MQTT          `toml:"mqtt"`
	AMQP          AMQP          `toml:"amqp"`
	Postgres      Postgres      `toml:"postgres"`
	Artifacts     Artifacts     `toml:"artifacts"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/vigil/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized. A .env file, when present, is loaded into the
// process environment before env fallbacks are applied; existing variables win.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	if err := loadDotEnv(); err != nil {
		return nil, "", false, err
	}

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func loadDotEnv() error {
	path := strings.TrimSpace(os.Getenv("VIGIL_ENV_FILE"))
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("stat env file: %w", err)
	}
	if info.IsDir() {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("vigil.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.LogDir, c.Paths.ArtifactsDir, c.Paths.CaptureDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// StorePath returns the SQLite job database location.
func (c *Config) StorePath() string {
	return filepath.Join(c.Paths.StateDir, "jobs.db")
}

// LockPath returns the daemon single-instance lock location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "vigil.lock")
}

// PIDPath returns the file the running daemon writes its process id to.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.StateDir, "vigil.pid")
}

// Model returns the worker configuration for a model type.
func (c *Config) Model(modelType string) (WorkerModel, bool) {
	m, ok := c.Workers.Models[strings.TrimSpace(modelType)]
	return m, ok
}

// ModelTypes lists configured model types.
func (c *Config) ModelTypes() []string {
	out := make([]string, 0, len(c.Workers.Models))
	for name := range c.Workers.Models {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// AuthEnabled reports whether bearer-token authentication is enforced.
func (c *Config) AuthEnabled() bool {
	return len(c.Auth.Tenants) > 0
}

func (e Engine) JobTimeout() time.Duration {
	return time.Duration(e.JobTimeoutSeconds) * time.Second
}

func (e Engine) CaptureGrace() time.Duration {
	return time.Duration(e.CaptureGraceSeconds) * time.Second
}

func (e Engine) CancelGrace() time.Duration {
	return time.Duration(e.CancelGraceSeconds) * time.Second
}

func (s Stream) StopGrace() time.Duration {
	return time.Duration(s.StopGraceSeconds) * time.Second
}

func (s Stream) PollInterval() time.Duration {
	if s.PollHz <= 0 {
		return 100 * time.Millisecond
	}
	return time.Second / time.Duration(s.PollHz)
}

func (s Stream) FirstFrameTimeout() time.Duration {
	return time.Duration(s.FirstFrameSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
