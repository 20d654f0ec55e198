// Package config loads and saves the daemon's configuration, per spec §6:
// a TOML file at an OS-appropriate per-user config directory, overridable
// by an environment variable, with an environment overlay for individual
// keys.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"airpodsd/internal/apperr"
)

// PathEnvVar overrides the resolved config file path.
const PathEnvVar = "AIRPODSD_CONFIG_PATH"

// EnvPrefix namespaces scalar-key overrides, e.g. AIRPODSD_POLL_INTERVAL.
const EnvPrefix = "AIRPODSD_"

// appDirName names the per-user config/data subdirectory.
const appDirName = "airpodsd"

// KnownDevice is one pre-seeded entry in known_devices.
type KnownDevice struct {
	Address string `koanf:"address"`
	Name    string `koanf:"name"`
}

// Config is the daemon's full configuration, fed to the manager at
// construction.
type Config struct {
	KnownDevices         []KnownDevice `koanf:"known_devices"`
	PollInterval         uint64        `koanf:"poll_interval"`
	ConnectionRetryCount uint32        `koanf:"connection_retry_count"`
	ReconnectDelaySec    uint64        `koanf:"reconnect_delay_sec"`
	NotificationRetries  uint32        `koanf:"notification_retries"`
	LogFilter            string        `koanf:"log_filter"`
}

// Default returns the configuration used when no file exists yet.
func Default() Config {
	return Config{
		PollInterval:         30,
		ConnectionRetryCount: 10,
		ReconnectDelaySec:    10,
		NotificationRetries:  3,
	}
}

// Path resolves the config file location: PathEnvVar if set, otherwise
// <user config dir>/airpodsd/config.toml.
func Path() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, appDirName, "config.toml")
}

// envKeyToKoanf turns AIRPODSD_POLL_INTERVAL into poll_interval.
func envKeyToKoanf(key string) string {
	trimmed := strings.TrimPrefix(key, EnvPrefix)
	return strings.ToLower(trimmed)
}

// Load reads path (if it exists) and overlays environment-variable
// overrides, falling back to Default for anything unset. A missing file is
// not an error: the defaults (plus any env overrides) are returned.
func Load(path string) (Config, error) {
	cfg := Default()

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
		if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("%w: reading %s: %v", apperr.ErrConfig, path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKeyToKoanf), nil); err != nil {
		return Config{}, fmt.Errorf("%w: reading environment overrides: %v", apperr.ErrConfig, err)
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: unmarshalling: %v", apperr.ErrConfig, err)
	}
	return cfg, nil
}

func (c Config) toMap() map[string]any {
	devices := make([]map[string]any, len(c.KnownDevices))
	for i, d := range c.KnownDevices {
		devices[i] = map[string]any{"address": d.Address, "name": d.Name}
	}
	return map[string]any{
		"known_devices":          devices,
		"poll_interval":          c.PollInterval,
		"connection_retry_count": c.ConnectionRetryCount,
		"reconnect_delay_sec":    c.ReconnectDelaySec,
		"notification_retries":   c.NotificationRetries,
		"log_filter":             c.LogFilter,
	}
}

// Save writes cfg to path as TOML, creating the parent directory if needed.
func Save(path string, cfg Config) error {
	data, err := toml.Parser().Marshal(cfg.toMap())
	if err != nil {
		return fmt.Errorf("%w: marshalling config: %v", apperr.ErrConfig, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: creating config dir: %v", apperr.ErrConfig, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: writing %s: %v", apperr.ErrConfig, path, err)
	}
	return nil
}

// DeviceName looks up a pre-seeded display name for addr ("XX:XX:XX:XX:XX:XX"),
// used to pre-populate the study store's display_name on first discovery.
func (c Config) DeviceName(addr string) (string, bool) {
	for _, d := range c.KnownDevices {
		if strings.EqualFold(d.Address, addr) {
			return d.Name, true
		}
	}
	return "", false
}
