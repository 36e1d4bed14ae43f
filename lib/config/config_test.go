package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	derror "github.com/hanfei1991/workerplacement/pkg/errors"
)

const sampleConfig = `
log-level = "debug"
hosts = ["web", "webIsolated=https://example.com"]

[process-model]
multiprocess = true
site-isolation = false
remote-extensions = false
local-extension-shared-workers = ["moz-extension://abc"]

[process-pool]
max-processes = 4
spawn-rate = 2.5
idle-timeout = "30s"

[timeouts]
placement-wait = "3s"

[[workload]]
origin = "https://www.example.com"
site-origin = "https://example.com"
kind = "shared"
count = 3

[[workload]]
origin = "https://a.test"
kind = "service"
`

func TestConfigLoadAndAdjust(t *testing.T) {
	t.Parallel()

	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Load(sampleConfig))
	require.NoError(t, cfg.Adjust())

	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "text", cfg.LogFormat)
	require.Equal(t, []string{"web", "webIsolated=https://example.com"}, cfg.Hosts)
	require.True(t, cfg.ProcessModel.Multiprocess)
	require.False(t, cfg.ProcessModel.SiteIsolation)
	require.Equal(t, []string{"moz-extension://abc"}, cfg.ProcessModel.LocalExtensionSharedWorkers)

	require.Equal(t, 4, cfg.ProcessPool.MaxProcesses)
	require.Equal(t, 2.5, cfg.ProcessPool.SpawnRate)
	require.Equal(t, defaultSpawnBurst, cfg.ProcessPool.SpawnBurst)
	require.Equal(t, 30*time.Second, cfg.ProcessPool.IdleTimeout.Duration)

	require.Equal(t, 3*time.Second, cfg.Timeouts.PlacementWait.Duration)
	// The grace period is capped by the placement wait.
	require.Equal(t, 3*time.Second, cfg.Timeouts.ShutdownGrace.Duration)

	require.Len(t, cfg.Workloads, 2)
	require.Equal(t, "content", cfg.Workloads[0].Principal)
	require.Equal(t, 3, cfg.Workloads[0].Count)
	require.Equal(t, 1, cfg.Workloads[1].Count)
}

func TestConfigUnknownItem(t *testing.T) {
	t.Parallel()

	cfg := NewDefaultConfig()
	err := cfg.Load("no-such-item = 1\n")
	require.Error(t, err)
	require.True(t, derror.ErrConfigUnknownItem.Equal(err))
}

func TestConfigAdjustRejectsInvalid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		modify func(cfg *Config)
	}{
		{"log format", func(cfg *Config) { cfg.LogFormat = "xml" }},
		{"negative max processes", func(cfg *Config) { cfg.ProcessPool.MaxProcesses = -1 }},
		{"negative spawn rate", func(cfg *Config) { cfg.ProcessPool.SpawnRate = -1 }},
		{"local host", func(cfg *Config) { cfg.Hosts = []string{""} }},
		{"workload kind", func(cfg *Config) {
			cfg.Workloads = []WorkloadConfig{{Origin: "https://a.test", Kind: "dedicated"}}
		}},
		{"workload principal", func(cfg *Config) {
			cfg.Workloads = []WorkloadConfig{{Origin: "https://a.test", Kind: "shared", Principal: "root"}}
		}},
	}
	for _, tc := range cases {
		cfg := NewDefaultConfig()
		tc.modify(cfg)
		err := cfg.Adjust()
		require.Error(t, err, tc.name)
		require.True(t, derror.ErrConfigInvalid.Equal(err), tc.name)
	}
}

func TestConfigTomlRoundTrip(t *testing.T) {
	t.Parallel()

	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Load(sampleConfig))
	require.NoError(t, cfg.Adjust())

	text, err := cfg.Toml()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "placementd.toml")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))

	loaded := NewDefaultConfig()
	require.NoError(t, loaded.LoadFile(path))
	require.NoError(t, loaded.Adjust())
	require.Equal(t, cfg, loaded)
}

func TestConfigLoadFileMissing(t *testing.T) {
	t.Parallel()

	cfg := NewDefaultConfig()
	require.Error(t, cfg.LoadFile(filepath.Join(t.TempDir(), "missing.toml")))
}

func TestDefaultTimeoutConfig(t *testing.T) {
	t.Parallel()

	tc := TimeoutConfig{}.Adjust()
	require.Equal(t, DefaultTimeoutConfig().PlacementWait, tc.PlacementWait)
	require.Equal(t, tc.PlacementWait, tc.ShutdownGrace)
}
