package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/ini.v1"

	"github.com/depot-sh/depot/protocol"
)

// serverConfig is the [server] section of the INI file plus flag overrides.
type serverConfig struct {
	Listen            string `ini:"listen"`
	Root              string `ini:"root"`
	Sandbox           bool   `ini:"sandbox"`
	Overwrite         bool   `ini:"overwrite"`
	RequirePSK        bool   `ini:"require_psk"`
	RequireClientAuth bool   `ini:"require_client_auth"`
	PSK               string `ini:"psk"`
	ConfigDir         string `ini:"config_dir"`

	RekeyIntervalMs int64 `ini:"rekey_interval_ms"`
	IOTimeoutMs     int64 `ini:"io_timeout_ms"`

	RekeyInterval time.Duration `ini:"-"`
	IOTimeout     time.Duration `ini:"-"`
}

// clientConfig is the [client] section of the INI file plus flag overrides.
type clientConfig struct {
	RemoteID     string `ini:"remote_id"`
	Host         string `ini:"host"`
	Port         int    `ini:"port"`
	PSK          string `ini:"psk"`
	SkipExisting bool   `ini:"skip_existing"`
	Overwrite    bool   `ini:"overwrite"`
	ConfigDir    string `ini:"config_dir"`

	RekeyIntervalMs int64 `ini:"rekey_interval_ms"`
	IOTimeoutMs     int64 `ini:"io_timeout_ms"`

	RekeyInterval time.Duration `ini:"-"`
	IOTimeout     time.Duration `ini:"-"`
}

// Addr is the dial target, defaulting the port when absent.
func (c *clientConfig) Addr() string {
	port := c.Port
	if port <= 0 {
		port = defaultPort
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}

type config struct {
	Server serverConfig
	Client clientConfig
}

// defaultConfig carries the documented defaults: sandboxed server on the
// standard port. The two-minute receive deadline and fifteen-minute rekey
// interval are filled in by finish.
func defaultConfig() *config {
	return &config{
		Server: serverConfig{
			Listen:  fmt.Sprintf(":%d", defaultPort),
			Sandbox: true,
		},
		Client: clientConfig{
			Port: defaultPort,
		},
	}
}

// loadConfig reads an INI file over the defaults. A missing path is not an
// error; a malformed file is ecConfig.
func loadConfig(path string) (*config, error) {
	cfg := defaultConfig()
	if path == "" {
		cfg.finish()
		return cfg, nil
	}
	file, err := ini.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.finish()
			return cfg, nil
		}
		return nil, &protocol.Error{Code: protocol.EcConfig, Path: path, Cause: err}
	}
	if err := file.Section("server").MapTo(&cfg.Server); err != nil {
		return nil, &protocol.Error{Code: protocol.EcConfig, Path: path, Cause: err}
	}
	if err := file.Section("client").MapTo(&cfg.Client); err != nil {
		return nil, &protocol.Error{Code: protocol.EcConfig, Path: path, Cause: err}
	}
	cfg.finish()
	return cfg, nil
}

// finish converts millisecond knobs to durations and fills unset values.
func (cfg *config) finish() {
	cfg.Server.RekeyInterval = msOrDefault(cfg.Server.RekeyIntervalMs, defaultRekeyInterval)
	cfg.Server.IOTimeout = msOrDefault(cfg.Server.IOTimeoutMs, defaultIOTimeout)
	cfg.Client.RekeyInterval = msOrDefault(cfg.Client.RekeyIntervalMs, defaultRekeyInterval)
	cfg.Client.IOTimeout = msOrDefault(cfg.Client.IOTimeoutMs, defaultIOTimeout)
}

func msOrDefault(ms int64, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// defaultConfigDir resolves the persisted state root from platform
// convention: `$XDG_CONFIG_HOME`-style user config plus a depot subdirectory.
func defaultConfigDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", &protocol.Error{Code: protocol.EcConfig, Cause: err}
	}
	return filepath.Join(base, "depot"), nil
}
