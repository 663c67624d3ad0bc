package dsup

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// RuntimeConfig holds the process-wide tunables the supervisor core has, deliberately kept to
// three knobs rather than growing into a general settings surface.
type RuntimeConfig struct {
	// SpawnTimeout bounds how long a single child spawn (local start or remote-spawn RPC) may
	// take before it is treated as failed.
	SpawnTimeout time.Duration `koanf:"spawn_timeout"`
	// ShutdownCheckInterval is the polling period used while waiting for children to report
	// stopped during a graceful shutdown.
	ShutdownCheckInterval time.Duration `koanf:"shutdown_check_interval"`
	// DefaultShutdownTimeout is used for any ChildSpec that leaves ShutdownTimeout unset.
	DefaultShutdownTimeout time.Duration `koanf:"default_shutdown_timeout"`
}

// DefaultRuntimeConfig returns the package defaults: 10s spawn timeout, 50ms shutdown-check
// interval, 5s default per-child shutdown timeout.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		SpawnTimeout:           10 * time.Second,
		ShutdownCheckInterval:  50 * time.Millisecond,
		DefaultShutdownTimeout: 5 * time.Second,
	}
}

// configEnvPrefix namespaces the environment variables LoadRuntimeConfig reads, e.g. DSUP_SPAWN_TIMEOUT.
const configEnvPrefix = "DSUP_"

// LoadRuntimeConfig layers an optional YAML file over the package defaults, then lets environment
// variables prefixed DSUP_ override both: defaults, then file, then environment, each layer
// overriding only the keys it sets.
func LoadRuntimeConfig(path string) (RuntimeConfig, error) {
	k := koanf.New(".")
	cfg := DefaultRuntimeConfig()

	if err := k.Load(structs.Provider(&cfg, "koanf"), nil); err != nil {
		return cfg, fmt.Errorf("dsup: load config defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return cfg, fmt.Errorf("dsup: load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(configEnvPrefix, ".", envKeyToPath), nil); err != nil {
		return cfg, fmt.Errorf("dsup: load config env: %w", err)
	}

	out := DefaultRuntimeConfig()
	if err := k.Unmarshal("", &out); err != nil {
		return cfg, fmt.Errorf("dsup: unmarshal config: %w", err)
	}
	return out, nil
}

func envKeyToPath(key string) string {
	return strings.ToLower(strings.TrimPrefix(key, configEnvPrefix))
}
