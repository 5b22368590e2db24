// Package config holds deskcast's runtime configuration.
//
// Values come from Default(), are optionally overlaid by a YAML file via
// Load, and finally by command-line flags that the user explicitly set.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr      string `yaml:"addr"`
	Token     string `yaml:"token"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// AllowOrigins is a CORS allowlist in addition to same-origin.
	AllowOrigins   []string      `yaml:"allow_origins"`
	OfferTimeout   time.Duration `yaml:"offer_timeout"`
	AuthFailLimit  int           `yaml:"auth_fail_limit"`
	AuthFailWindow time.Duration `yaml:"auth_fail_window"`

	TLS     bool   `yaml:"tls"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`

	// TLSHosts are extra names for the self-signed certificate.
	TLSHosts []string `yaml:"tls_hosts"`

	// Display is the X11 display captured on Linux; empty uses $DISPLAY.
	Display string `yaml:"display"`

	Video VideoConfig `yaml:"video"`
	Audio AudioConfig `yaml:"audio"`
	Input InputConfig `yaml:"input"`

	Clipboard bool `yaml:"clipboard"`
}

type VideoConfig struct {
	FPS        int     `yaml:"fps"`
	CaptureFPS int     `yaml:"capture_fps"`
	Bitrate    int     `yaml:"bitrate"`
	GOP        int     `yaml:"gop"`
	Scale      float64 `yaml:"scale"`
	ShowCursor bool    `yaml:"show_cursor"`

	// SettleDelay is the pause between releasing one capture device and
	// acquiring the next on a monitor switch.
	SettleDelay      time.Duration `yaml:"settle_delay"`
	StopTimeout      time.Duration `yaml:"stop_timeout"`
	GrabFailureLimit int           `yaml:"grab_failure_limit"`
}

type AudioConfig struct {
	Mic     bool `yaml:"mic"`
	Desktop bool `yaml:"desktop"`
	// WebRTC forwards desktop audio to sessions as Opus.
	WebRTC bool `yaml:"webrtc"`

	SampleRate       int           `yaml:"sample_rate"`
	MicChunk         int           `yaml:"mic_chunk"`
	DesktopChunk     int           `yaml:"desktop_chunk"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	QueueDepth       int           `yaml:"queue_depth"`
	DeviceErrorLimit int           `yaml:"device_error_limit"`
}

type InputConfig struct {
	ScrollDivisor float64 `yaml:"scroll_divisor"`
}

func Default() Config {
	return Config{
		Addr:           "127.0.0.1:8080",
		LogLevel:       "info",
		LogFormat:      "text",
		OfferTimeout:   10 * time.Second,
		AuthFailLimit:  10,
		AuthFailWindow: time.Minute,
		Video: VideoConfig{
			FPS:              30,
			CaptureFPS:       60,
			Bitrate:          4000,
			Scale:            1.0,
			ShowCursor:       true,
			SettleDelay:      500 * time.Millisecond,
			StopTimeout:      time.Second,
			GrabFailureLimit: 120,
		},
		Audio: AudioConfig{
			Mic:              true,
			Desktop:          true,
			WebRTC:           true,
			SampleRate:       48000,
			MicChunk:         1024,
			DesktopChunk:     512,
			PollInterval:     100 * time.Millisecond,
			QueueDepth:       32,
			DeviceErrorLimit: 10,
		},
		Input: InputConfig{
			ScrollDivisor: 10,
		},
		Clipboard: true,
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr must not be empty"))
	}
	if c.Video.FPS <= 0 {
		errs = append(errs, fmt.Errorf("video.fps must be > 0, got %d", c.Video.FPS))
	}
	if c.Video.CaptureFPS <= 0 {
		errs = append(errs, fmt.Errorf("video.capture_fps must be > 0, got %d", c.Video.CaptureFPS))
	}
	if c.Video.Scale < 0.1 || c.Video.Scale > 1.0 {
		errs = append(errs, fmt.Errorf("video.scale must be in [0.1, 1.0], got %g", c.Video.Scale))
	}
	if c.Video.SettleDelay < 0 {
		errs = append(errs, errors.New("video.settle_delay must not be negative"))
	}
	if c.Video.StopTimeout <= 0 {
		errs = append(errs, errors.New("video.stop_timeout must be > 0"))
	}
	if c.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be > 0, got %d", c.Audio.SampleRate))
	}
	if c.Audio.MicChunk <= 0 || c.Audio.DesktopChunk <= 0 {
		errs = append(errs, errors.New("audio chunk sizes must be > 0"))
	}
	if c.Audio.PollInterval <= 0 {
		errs = append(errs, errors.New("audio.poll_interval must be > 0"))
	}
	if c.Audio.QueueDepth <= 0 {
		errs = append(errs, errors.New("audio.queue_depth must be > 0"))
	}
	if c.Input.ScrollDivisor == 0 {
		errs = append(errs, errors.New("input.scroll_divisor must not be zero"))
	}
	if (c.TLSCert != "") != (c.TLSKey != "") {
		errs = append(errs, errors.New("tls_cert and tls_key must both be set"))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}
