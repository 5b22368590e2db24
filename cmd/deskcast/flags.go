package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"deskcast/internal/config"
)

// options are the command-line values. Only flags the user set override the
// config file.
type options struct {
	configPath string
	version    bool
	cfg        config.Config
}

// overrides copies one flag's value from src into dst.
var overrides = map[string]func(dst, src *config.Config){
	"addr":             func(d, s *config.Config) { d.Addr = s.Addr },
	"token":            func(d, s *config.Config) { d.Token = s.Token },
	"log-level":        func(d, s *config.Config) { d.LogLevel = s.LogLevel },
	"log-format":       func(d, s *config.Config) { d.LogFormat = s.LogFormat },
	"allow-origins":    func(d, s *config.Config) { d.AllowOrigins = s.AllowOrigins },
	"offer-timeout":    func(d, s *config.Config) { d.OfferTimeout = s.OfferTimeout },
	"auth-fail-limit":  func(d, s *config.Config) { d.AuthFailLimit = s.AuthFailLimit },
	"auth-fail-window": func(d, s *config.Config) { d.AuthFailWindow = s.AuthFailWindow },
	"tls":              func(d, s *config.Config) { d.TLS = s.TLS },
	"tls-cert":         func(d, s *config.Config) { d.TLSCert = s.TLSCert },
	"tls-key":          func(d, s *config.Config) { d.TLSKey = s.TLSKey },
	"tls-host":         func(d, s *config.Config) { d.TLSHosts = s.TLSHosts },
	"display":          func(d, s *config.Config) { d.Display = s.Display },
	"clipboard":        func(d, s *config.Config) { d.Clipboard = s.Clipboard },
	"fps":              func(d, s *config.Config) { d.Video.FPS = s.Video.FPS },
	"capture-fps":      func(d, s *config.Config) { d.Video.CaptureFPS = s.Video.CaptureFPS },
	"bitrate":          func(d, s *config.Config) { d.Video.Bitrate = s.Video.Bitrate },
	"gop":              func(d, s *config.Config) { d.Video.GOP = s.Video.GOP },
	"scale":            func(d, s *config.Config) { d.Video.Scale = s.Video.Scale },
	"show-cursor":      func(d, s *config.Config) { d.Video.ShowCursor = s.Video.ShowCursor },
	"settle-delay":     func(d, s *config.Config) { d.Video.SettleDelay = s.Video.SettleDelay },
	"mic":              func(d, s *config.Config) { d.Audio.Mic = s.Audio.Mic },
	"desktop-audio":    func(d, s *config.Config) { d.Audio.Desktop = s.Audio.Desktop },
	"webrtc-audio":     func(d, s *config.Config) { d.Audio.WebRTC = s.Audio.WebRTC },
	"scroll-divisor":   func(d, s *config.Config) { d.Input.ScrollDivisor = s.Input.ScrollDivisor },
}

func newFlagSet(o *options) *pflag.FlagSet {
	o.cfg = config.Default()
	c := &o.cfg

	fs := pflag.NewFlagSet("deskcast", pflag.ContinueOnError)
	fs.StringVarP(&o.configPath, "config", "c", "", "YAML config file")
	fs.BoolVar(&o.version, "version", false, "print version and exit")

	fs.StringVar(&c.Addr, "addr", c.Addr, "HTTP listen address")
	fs.StringVar(&c.Token, "token", c.Token, "bearer token required on every request (empty disables auth)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "text or json")
	fs.StringSliceVar(&c.AllowOrigins, "allow-origins", c.AllowOrigins, "CORS allowlist in addition to same-origin")
	fs.DurationVar(&c.OfferTimeout, "offer-timeout", c.OfferTimeout, "timeout for offer processing and ICE gathering")
	fs.IntVar(&c.AuthFailLimit, "auth-fail-limit", c.AuthFailLimit, "failed auth attempts allowed per client IP per window")
	fs.DurationVar(&c.AuthFailWindow, "auth-fail-window", c.AuthFailWindow, "window for auth failure limiting")
	fs.BoolVar(&c.TLS, "tls", c.TLS, "serve HTTPS with a generated self-signed certificate")
	fs.StringVar(&c.TLSCert, "tls-cert", c.TLSCert, "TLS certificate file (PEM)")
	fs.StringVar(&c.TLSKey, "tls-key", c.TLSKey, "TLS private key file (PEM)")
	fs.StringSliceVar(&c.TLSHosts, "tls-host", c.TLSHosts, "extra host names for the self-signed certificate")
	fs.StringVar(&c.Display, "display", c.Display, "X11 display to capture (Linux)")
	fs.BoolVar(&c.Clipboard, "clipboard", c.Clipboard, "sync the host clipboard with viewers")

	fs.IntVar(&c.Video.FPS, "fps", c.Video.FPS, "encoded frame rate")
	fs.IntVar(&c.Video.CaptureFPS, "capture-fps", c.Video.CaptureFPS, "capture rate")
	fs.IntVar(&c.Video.Bitrate, "bitrate", c.Video.Bitrate, "video bitrate in kbps")
	fs.IntVar(&c.Video.GOP, "gop", c.Video.GOP, "keyframe interval in frames (0 = 2x fps)")
	fs.Float64Var(&c.Video.Scale, "scale", c.Video.Scale, "initial output scale (0.1-1.0)")
	fs.BoolVar(&c.Video.ShowCursor, "show-cursor", c.Video.ShowCursor, "draw the pointer into the video")
	fs.DurationVar(&c.Video.SettleDelay, "settle-delay", c.Video.SettleDelay, "pause between releasing and reopening capture on a monitor switch")

	fs.BoolVar(&c.Audio.Mic, "mic", c.Audio.Mic, "serve microphone audio on /mic_audio")
	fs.BoolVar(&c.Audio.Desktop, "desktop-audio", c.Audio.Desktop, "serve desktop audio on /desktop_audio")
	fs.BoolVar(&c.Audio.WebRTC, "webrtc-audio", c.Audio.WebRTC, "send desktop audio to sessions as Opus")

	fs.Float64Var(&c.Input.ScrollDivisor, "scroll-divisor", c.Input.ScrollDivisor, "browser wheel delta per scroll step")
	return fs
}

// loadConfig parses args, reads the config file and applies the flags that
// were set explicitly.
func loadConfig(args []string) (config.Config, *options, error) {
	var o options
	fs := newFlagSet(&o)
	if err := fs.Parse(args); err != nil {
		return config.Config{}, nil, err
	}
	if fs.NArg() > 0 {
		return config.Config{}, nil, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	fs.Visit(func(f *pflag.Flag) {
		if apply, ok := overrides[f.Name]; ok {
			apply(&cfg, &o.cfg)
		}
	})
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, &o, nil
}

func newLogger(cfg config.Config) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.LogLevel, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}
