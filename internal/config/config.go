package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// PanelConfig describes the attached e-ink panel.
type PanelConfig struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
	// Bpp is the framebuffer depth: 2, 4 or 8.
	Bpp int `yaml:"bpp" json:"bpp"`
	// Rotation is the controller rotation mode, 0-3.
	Rotation uint16 `yaml:"rotation" json:"rotation"`
}

// TransportConfig selects and wires the host bus.
type TransportConfig struct {
	// Kind is "spi" for real hardware or "sim" for the in-memory controller.
	Kind     string `yaml:"kind" json:"kind"`
	SPIPort  string `yaml:"spi_port" json:"spi_port"`
	SPIHz    int64  `yaml:"spi_hz" json:"spi_hz"`
	HDCPin   string `yaml:"hdc_pin" json:"hdc_pin"`
	HRDYPin  string `yaml:"hrdy_pin" json:"hrdy_pin"`
	ResetPin string `yaml:"reset_pin" json:"reset_pin"`
	CSPin    string `yaml:"cs_pin" json:"cs_pin"`
}

// PMICConfig describes the optional panel PMIC.
type PMICConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	I2CBus  string `yaml:"i2c_bus" json:"i2c_bus"`
	Addr    uint16 `yaml:"addr" json:"addr"`
	VCOMmV  int    `yaml:"vcom_mv" json:"vcom_mv"`
}

// ControllerConfig tunes the controller driver.
type ControllerConfig struct {
	IgnoreReady  bool `yaml:"ignore_ready" json:"ignore_ready"`
	FastUpdates  bool `yaml:"fast_updates" json:"fast_updates"`
	AutoWaveform bool `yaml:"auto_waveform" json:"auto_waveform"`
	// TemperatureOverride pins the panel temperature in °C when set.
	TemperatureOverride *int8 `yaml:"temperature_override,omitempty" json:"temperature_override,omitempty"`

	ReadyTimeout time.Duration `yaml:"ready_timeout" json:"ready_timeout"`
	FlashTimeout time.Duration `yaml:"flash_timeout" json:"flash_timeout"`
	RailsTimeout time.Duration `yaml:"rails_timeout" json:"rails_timeout"`
	RepairDelay  time.Duration `yaml:"repair_delay" json:"repair_delay"`
	ResetDelay   time.Duration `yaml:"reset_delay" json:"reset_delay"`

	// DisableRepairWatchdog leaves pending repairs to explicit MaybeRepair
	// calls (the cron refresh and /api/repair).
	DisableRepairWatchdog bool `yaml:"disable_repair_watchdog" json:"disable_repair_watchdog"`

	RepairSkipThreshold int `yaml:"repair_skip_threshold" json:"repair_skip_threshold"`
	CommandLogSize      int `yaml:"command_log_size" json:"command_log_size"`
	FailureLogDepth     int `yaml:"failure_log_depth" json:"failure_log_depth"`
	YieldEvery          int `yaml:"yield_every" json:"yield_every"`

	// WaveformSource is "flash" (default) or "sdram".
	WaveformSource string `yaml:"waveform_source" json:"waveform_source"`
	SDRAMWaveform  int    `yaml:"sdram_waveform_addr" json:"sdram_waveform_addr"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	Panel      PanelConfig      `yaml:"panel" json:"panel"`
	Transport  TransportConfig  `yaml:"transport" json:"transport"`
	PMIC       PMICConfig       `yaml:"pmic" json:"pmic"`
	Controller ControllerConfig `yaml:"controller" json:"controller"`

	// TemperatureRefresh is a cron schedule for refreshing the cached panel
	// temperature and kicking any pending repair (e.g. "*/5 * * * *").
	TemperatureRefresh string `yaml:"temperature_refresh" json:"temperature_refresh"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{
		Transport: TransportConfig{
			Kind:     "spi",
			SPIPort:  "/dev/spidev0.0",
			HDCPin:   "GPIO22",
			HRDYPin:  "GPIO24",
			ResetPin: "GPIO17",
			CSPin:    "GPIO8",
		},
	}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Panel.Width <= 0 || c.Panel.Height <= 0 {
		c.Panel.Width, c.Panel.Height = 800, 600
	}
	switch c.Panel.Bpp {
	case 2, 4, 8:
	default:
		c.Panel.Bpp = 4
	}
	c.Panel.Rotation &= 0x3

	switch c.Transport.Kind {
	case "spi", "sim":
	default:
		c.Transport.Kind = "sim"
	}
	if c.Transport.SPIHz <= 0 {
		c.Transport.SPIHz = 12_000_000
	}

	if c.PMIC.I2CBus == "" {
		c.PMIC.I2CBus = "1"
	}
	if c.PMIC.Addr == 0 {
		c.PMIC.Addr = 0x48
	}

	cc := &c.Controller
	if cc.ReadyTimeout <= 0 {
		cc.ReadyTimeout = 2 * time.Second
	}
	if cc.FlashTimeout <= 0 {
		cc.FlashTimeout = 5 * time.Second
	}
	if cc.RailsTimeout <= 0 {
		cc.RailsTimeout = time.Second
	}
	if cc.RepairDelay <= 0 {
		cc.RepairDelay = 500 * time.Millisecond
	}
	if cc.ResetDelay <= 0 {
		cc.ResetDelay = time.Second
	}
	if cc.RepairSkipThreshold <= 0 {
		cc.RepairSkipThreshold = 1
	}
	if cc.CommandLogSize <= 0 {
		cc.CommandLogSize = 32
	}
	if cc.FailureLogDepth <= 0 {
		cc.FailureLogDepth = 5
	}
	if cc.YieldEvery <= 0 {
		cc.YieldEvery = 4096
	}
	switch cc.WaveformSource {
	case "flash", "sdram":
	default:
		cc.WaveformSource = "flash"
	}

	if c.TemperatureRefresh == "" {
		c.TemperatureRefresh = "*/5 * * * *"
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path atomically
// (temp file + rename) with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".epdhal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
