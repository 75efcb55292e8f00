package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"vigil/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.ArtifactsDir = filepath.Join(base, "artifacts")
	cfgVal.Paths.CaptureDir = filepath.Join(base, "capture")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Engine.CancelGraceSeconds = 1
	cfgVal.Stream.StopGraceSeconds = 1
	cfgVal.Stream.PollHz = 50

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithModel registers a worker model backed by a shell script. The script body
// is written to <base>/bin/<name> and receives the worker arguments.
func WithModel(name, script string, args ...string) ConfigOption {
	return func(b *configBuilder) {
		path := WriteExecutable(b.t, filepath.Join(b.baseDir, "bin"), "worker-"+name, script)
		if b.cfg.Workers.Models == nil {
			b.cfg.Workers.Models = map[string]config.WorkerModel{}
		}
		b.cfg.Workers.Models[name] = config.WorkerModel{Binary: path, Args: args}
	}
}

// WithCaptureScript replaces the capture binary with a shell script.
func WithCaptureScript(script string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Workers.CaptureBinary = WriteExecutable(b.t, filepath.Join(b.baseDir, "bin"), "capture", script)
	}
}

// WithFFmpegScript replaces the stream proxy's ffmpeg binary with a shell script.
func WithFFmpegScript(script string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Stream.FFmpegBinary = WriteExecutable(b.t, filepath.Join(b.baseDir, "bin"), "ffmpeg", script)
	}
}

// WithSimulation enables simulated results for missing worker binaries.
func WithSimulation() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Engine.SimulationMode = true
	}
}

// WithTenant adds a tenant whose bearer token is token.
func WithTenant(tenantID, ownerID, token string, admin bool) ConfigOption {
	return func(b *configBuilder) {
		hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
		if err != nil {
			b.t.Fatalf("hash token: %v", err)
		}
		b.cfg.Auth.Tenants = append(b.cfg.Auth.Tenants, config.Tenant{
			TenantID:  tenantID,
			OwnerID:   ownerID,
			TokenHash: string(hash),
			Admin:     admin,
		})
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH. If names is empty, ffmpeg and the default worker
// binaries are stubbed.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		if len(names) == 0 {
			names = []string{"ffmpeg", "vigil-analyze", "vigil-linecount"}
		}
		binDir := filepath.Join(b.baseDir, "stubs")
		for _, name := range names {
			WriteExecutable(b.t, binDir, name, "exit 0\n")
		}
		b.t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
