package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hanfei1991/workerplacement/model"
	derror "github.com/hanfei1991/workerplacement/pkg/errors"
)

const (
	defaultLogLevel     = "info"
	defaultLogFormat    = "text"
	defaultMaxProcesses = 16
	defaultSpawnRate    = 20.0
	defaultSpawnBurst   = 4
	defaultKeepIdle     = 1
)

// ProcessModelConfig describes the process model the isolation policy
// derives remote types from.
type ProcessModelConfig struct {
	// Multiprocess runs workers outside the local process at all.
	Multiprocess bool `toml:"multiprocess" json:"multiprocess"`
	// SiteIsolation gives every site its own remote type.
	SiteIsolation bool `toml:"site-isolation" json:"site-isolation"`
	// RemoteExtensions runs extension workers in the extension process.
	RemoteExtensions bool `toml:"remote-extensions" json:"remote-extensions"`
	// LocalExtensionSharedWorkers lists the extension origins whose shared
	// workers may run in the local process when remote extensions are off.
	// "*" allows every extension.
	LocalExtensionSharedWorkers []string `toml:"local-extension-shared-workers" json:"local-extension-shared-workers"`
}

// ProcessPoolConfig configures the in-memory process service.
type ProcessPoolConfig struct {
	MaxProcesses int      `toml:"max-processes" json:"max-processes"`
	SpawnRate    float64  `toml:"spawn-rate" json:"spawn-rate"`
	SpawnBurst   int      `toml:"spawn-burst" json:"spawn-burst"`
	IdleTimeout  Duration `toml:"idle-timeout" json:"idle-timeout"`
	KeepIdle     int      `toml:"keep-idle" json:"keep-idle"`
}

// WorkloadConfig describes workers launched by the demo command.
type WorkloadConfig struct {
	Origin     string `toml:"origin" json:"origin"`
	SiteOrigin string `toml:"site-origin" json:"site-origin"`
	// Principal is one of "content", "system", "extension".
	Principal string `toml:"principal" json:"principal"`
	// Kind is "service" or "shared".
	Kind  string `toml:"kind" json:"kind"`
	Count int    `toml:"count" json:"count"`
	// CrossOriginIsolated marks the principal as served with COOP+COEP.
	CrossOriginIsolated bool `toml:"cross-origin-isolated" json:"cross-origin-isolated"`
}

// Config is the configuration of the placement server.
type Config struct {
	LogLevel   string `toml:"log-level" json:"log-level"`
	LogFile    string `toml:"log-file" json:"log-file"`
	LogFormat  string `toml:"log-format" json:"log-format"`
	StatusAddr string `toml:"status-addr" json:"status-addr"`

	// Hosts lists the remote types of the processes spawned at start-up.
	Hosts []string `toml:"hosts" json:"hosts"`

	ProcessModel ProcessModelConfig `toml:"process-model" json:"process-model"`
	ProcessPool  ProcessPoolConfig  `toml:"process-pool" json:"process-pool"`
	Timeouts     TimeoutConfig      `toml:"timeouts" json:"timeouts"`
	Workloads    []WorkloadConfig   `toml:"workload" json:"workload"`
}

// NewDefaultConfig returns a Config with multiprocess and site isolation on.
func NewDefaultConfig() *Config {
	return &Config{
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
		ProcessModel: ProcessModelConfig{
			Multiprocess:     true,
			SiteIsolation:    true,
			RemoteExtensions: true,
		},
		ProcessPool: ProcessPoolConfig{
			MaxProcesses: defaultMaxProcesses,
			SpawnRate:    defaultSpawnRate,
			SpawnBurst:   defaultSpawnBurst,
			KeepIdle:     defaultKeepIdle,
		},
		Timeouts: DefaultTimeoutConfig(),
	}
}

func (c *Config) String() string {
	cfg, err := json.Marshal(c)
	if err != nil {
		log.L().Error("marshal config to json", zap.Reflect("config", c), zap.Error(err))
	}
	return string(cfg)
}

// Toml returns TOML format representation of config.
func (c *Config) Toml() (string, error) {
	var b bytes.Buffer

	err := toml.NewEncoder(&b).Encode(c)
	if err != nil {
		log.L().Error("fail to marshal config to toml", zap.Error(err))
		return "", err
	}

	return b.String(), nil
}

// LoadFile loads config from a TOML file on top of the current values.
// Unknown items are rejected.
func (c *Config) LoadFile(path string) error {
	metaData, err := toml.DecodeFile(path, c)
	if err != nil {
		return derror.Wrap(derror.ErrConfigDecodeFile, err)
	}
	return checkUndecoded(metaData)
}

// Load decodes config from TOML text on top of the current values.
func (c *Config) Load(data string) error {
	metaData, err := toml.Decode(data, c)
	if err != nil {
		return derror.Wrap(derror.ErrConfigDecodeFile, err)
	}
	return checkUndecoded(metaData)
}

func checkUndecoded(metaData toml.MetaData) error {
	undecoded := metaData.Undecoded()
	if len(undecoded) > 0 {
		var undecodedItems []string
		for _, item := range undecoded {
			undecodedItems = append(undecodedItems, item.String())
		}
		return derror.ErrConfigUnknownItem.GenWithStackByArgs(strings.Join(undecodedItems, ","))
	}
	return nil
}

// Adjust fills defaults and validates the config.
func (c *Config) Adjust() error {
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = defaultLogFormat
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return derror.ErrConfigInvalid.GenWithStackByArgs(
			fmt.Sprintf("log-format must be text or json, got %q", c.LogFormat))
	}

	pool := &c.ProcessPool
	if pool.MaxProcesses < 0 {
		return derror.ErrConfigInvalid.GenWithStackByArgs("max-processes must not be negative")
	}
	if pool.SpawnRate < 0 {
		return derror.ErrConfigInvalid.GenWithStackByArgs("spawn-rate must not be negative")
	}
	if pool.SpawnRate > 0 && pool.SpawnBurst <= 0 {
		pool.SpawnBurst = 1
	}
	if pool.KeepIdle < 0 {
		pool.KeepIdle = 0
	}

	for i, host := range c.Hosts {
		if host == model.NotRemoteType {
			return derror.ErrConfigInvalid.GenWithStackByArgs(
				fmt.Sprintf("hosts[%d]: the local process is always registered", i))
		}
	}

	for i := range c.Workloads {
		w := &c.Workloads[i]
		if w.Principal == "" {
			w.Principal = "content"
		}
		switch w.Principal {
		case "content", "system", "extension":
		default:
			return derror.ErrConfigInvalid.GenWithStackByArgs(
				fmt.Sprintf("workload[%d]: unknown principal %q", i, w.Principal))
		}
		if w.Kind != "service" && w.Kind != "shared" {
			return derror.ErrConfigInvalid.GenWithStackByArgs(
				fmt.Sprintf("workload[%d]: unknown kind %q", i, w.Kind))
		}
		if w.Count <= 0 {
			w.Count = 1
		}
	}

	c.Timeouts = c.Timeouts.Adjust()
	return nil
}
