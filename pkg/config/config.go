package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the application configuration
type Config struct {
	Camera   CameraConfig   `toml:"camera" json:"camera"`
	Capture  CaptureConfig  `toml:"capture" json:"capture"`
	LongShot LongShotConfig `toml:"longshot" json:"longshot"`
	Storage  StorageConfig  `toml:"storage" json:"storage"`
	Server   ServerConfig   `toml:"server" json:"server"`
	Log      LogConfig      `toml:"log" json:"log"`
	Clock    ClockConfig    `toml:"clock" json:"clock"`
	Location LocationConfig `toml:"location" json:"location"`
	Schedule ScheduleConfig `toml:"schedule" json:"schedule"`
}

// CameraConfig selects the hardware backend and the sensor layout
type CameraConfig struct {
	Backend string `toml:"backend" json:"backend"` // sim or v4l2
	// Dual runs the primary (bayer) and secondary (mono) sensors together.
	Dual          bool              `toml:"dual" json:"dual"`
	Slot          string            `toml:"slot" json:"slot"`
	Devices       map[string]string `toml:"devices" json:"devices"`
	PreviewWidth  int               `toml:"preview_width" json:"preview_width"`
	PreviewHeight int               `toml:"preview_height" json:"preview_height"`
	FPS           int               `toml:"fps" json:"fps"`
}

// CaptureConfig holds the capture state machine timings
type CaptureConfig struct {
	TouchFocusTimeoutMs  int  `toml:"touch_focus_timeout_ms" json:"touch_focus_timeout_ms"`
	ConvergenceTimeoutMs int  `toml:"convergence_timeout_ms" json:"convergence_timeout_ms"`
	OpenTimeoutMs        int  `toml:"open_timeout_ms" json:"open_timeout_ms"`
	CloseTimeoutMs       int  `toml:"close_timeout_ms" json:"close_timeout_ms"`
	SurfaceTimeoutMs     int  `toml:"surface_timeout_ms" json:"surface_timeout_ms"`
	ZSL                  bool `toml:"zsl" json:"zsl"`
}

// LongShotConfig bounds a long-shot burst
type LongShotConfig struct {
	MinFreeMemoryMB  int  `toml:"min_free_memory_mb" json:"min_free_memory_mb"`
	MinFreeStorageMB int  `toml:"min_free_storage_mb" json:"min_free_storage_mb"`
	MaxShots         int  `toml:"max_shots" json:"max_shots"`
	BufferSizeMB     int  `toml:"buffer_size_mb" json:"buffer_size_mb"`
	Clip             bool `toml:"clip" json:"clip"`
	ClipFPS          int  `toml:"clip_fps" json:"clip_fps"`
}

type StorageConfig struct {
	Dir          string `toml:"dir" json:"dir"`
	SettingsFile string `toml:"settings_file" json:"settings_file"`
}

type ServerConfig struct {
	Port       int `toml:"port" json:"port"`
	WebdavPort int `toml:"webdav_port" json:"webdav_port"`
}

type LogConfig struct {
	Level string `toml:"level" json:"level"`
}

type ClockConfig struct {
	NTPServer string `toml:"ntp_server" json:"ntp_server"`
}

// LocationConfig is a fixed position used for JPEG GPS tags
type LocationConfig struct {
	Enabled   bool    `toml:"enabled" json:"enabled"`
	Latitude  float64 `toml:"latitude" json:"latitude"`
	Longitude float64 `toml:"longitude" json:"longitude"`
	Altitude  float64 `toml:"altitude" json:"altitude"`
}

// ScheduleConfig drives the interval shutter. Cron wins over IntervalMs.
type ScheduleConfig struct {
	IntervalMs int    `toml:"interval_ms" json:"interval_ms"`
	Cron       string `toml:"cron" json:"cron"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Camera: CameraConfig{
			Backend: "sim",
			Dual:    true,
			Slot:    "primary",
			Devices: map[string]string{
				"primary":   "/dev/video0",
				"secondary": "/dev/video2",
				"front":     "/dev/video4",
			},
			PreviewWidth:  640,
			PreviewHeight: 480,
			FPS:           30,
		},
		Capture: CaptureConfig{
			TouchFocusTimeoutMs: 3000,
			OpenTimeoutMs:       2500,
			CloseTimeoutMs:      2000,
			SurfaceTimeoutMs:    1000,
		},
		LongShot: LongShotConfig{
			MinFreeMemoryMB:  60,
			MinFreeStorageMB: 50,
			MaxShots:         100,
			BufferSizeMB:     12,
			ClipFPS:          10,
		},
		Storage: StorageConfig{
			Dir:          "./dual-shutter",
			SettingsFile: "settings.json",
		},
		Server: ServerConfig{
			Port:       9999,
			WebdavPort: 9998,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the TOML file at path over the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes cfg to path as TOML
func Save(cfg *Config, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Camera.Backend {
	case "sim", "v4l2":
	default:
		return fmt.Errorf("unknown camera backend %q", c.Camera.Backend)
	}
	if c.Camera.PreviewWidth <= 0 || c.Camera.PreviewHeight <= 0 {
		return fmt.Errorf("invalid preview size %dx%d", c.Camera.PreviewWidth, c.Camera.PreviewHeight)
	}
	if c.Capture.CloseTimeoutMs <= 0 || c.Capture.OpenTimeoutMs <= 0 {
		return fmt.Errorf("open/close timeouts must be positive")
	}
	if c.Storage.Dir == "" {
		return fmt.Errorf("storage dir can not be empty")
	}
	return nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func (c CaptureConfig) TouchFocusTimeout() time.Duration  { return ms(c.TouchFocusTimeoutMs) }
func (c CaptureConfig) ConvergenceTimeout() time.Duration { return ms(c.ConvergenceTimeoutMs) }
func (c CaptureConfig) OpenTimeout() time.Duration        { return ms(c.OpenTimeoutMs) }
func (c CaptureConfig) CloseTimeout() time.Duration       { return ms(c.CloseTimeoutMs) }
func (c CaptureConfig) SurfaceTimeout() time.Duration     { return ms(c.SurfaceTimeoutMs) }

func (c LongShotConfig) MinFreeMemory() uint64  { return uint64(c.MinFreeMemoryMB) << 20 }
func (c LongShotConfig) MinFreeStorage() uint64 { return uint64(c.MinFreeStorageMB) << 20 }
func (c LongShotConfig) BufferSize() uint64     { return uint64(c.BufferSizeMB) << 20 }

func (c ScheduleConfig) Interval() time.Duration { return ms(c.IntervalMs) }
