// deskcast streams a monitor of this machine to browsers over WebRTC, with
// microphone and desktop audio over WebSockets and pointer and keyboard
// input sent back.
package main

import (
	"context"
	crypto_tls "crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"deskcast/internal/audio"
	"deskcast/internal/capture"
	"deskcast/internal/clipboard"
	"deskcast/internal/encode"
	"deskcast/internal/input"
	"deskcast/internal/monitor"
	"deskcast/internal/server"
	"deskcast/internal/session"
	"deskcast/internal/stream"
	tlsutil "deskcast/internal/tls"
	"deskcast/internal/track"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "deskcast: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, opts, err := loadConfig(args)
	if err != nil {
		return err
	}
	if opts.version {
		fmt.Println(version())
		return nil
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var tlsConfig *crypto_tls.Config
	if cfg.TLSCert == "" && cfg.TLS {
		if tlsConfig, err = tlsutil.SelfSigned(logger.With("component", "tls"), cfg.TLSHosts...); err != nil {
			return fmt.Errorf("self-signed cert: %w", err)
		}
	}

	registry := monitor.NewRegistry(monitor.RobotgoBackend{}, logger.With("component", "monitor"))
	for _, m := range registry.List() {
		logger.Info("monitor", "id", m.Index, "name", m.Name,
			"x", m.X, "y", m.Y, "width", m.Width, "height", m.Height, "primary", m.Primary)
	}

	api, err := session.NewAPI()
	if err != nil {
		return err
	}
	videoTrack, audioTrack, err := session.NewTracks()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	var mic, desktop *audio.Capture
	opener := newAudioOpener(cfg)
	newCapture := func(role audio.Role, chunk int) *audio.Capture {
		c := audio.NewCapture(role, opener, audio.CaptureOptions{
			Chunk:        chunk,
			PollInterval: cfg.Audio.PollInterval,
			ErrorLimit:   cfg.Audio.DeviceErrorLimit,
			Logger:       logger.With("component", "audio"),
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Run(ctx)
		}()
		return c
	}
	if cfg.Audio.Mic {
		mic = newCapture(audio.RoleMic, cfg.Audio.MicChunk)
	}
	if cfg.Audio.Desktop {
		desktop = newCapture(audio.RoleDesktop, cfg.Audio.DesktopChunk)
	}

	var opusBridge *audio.OpusBridge
	if desktop != nil && cfg.Audio.WebRTC {
		opusBridge = audio.NewOpusBridge(desktop.Hub(), audioTrack, cfg.Audio.QueueDepth,
			logger.With("component", "audio"))
	}

	gop := cfg.Video.GOP
	if gop <= 0 {
		gop = cfg.Video.FPS * 2
	}
	manager := stream.NewManager(registry, stream.Options{
		Grabbers: newGrabberFactory(cfg.Display, logger.With("component", "capture")),
		Encoders: encode.NewFactory(encode.Options{
			FPS:         cfg.Video.FPS,
			BitrateKbps: cfg.Video.Bitrate,
			GOP:         gop,
			Logger:      logger.With("component", "encode"),
		}),
		Pointer: track.RobotgoPointer{},
		Sink:    videoTrack,
		Capture: capture.Options{
			FPS:          cfg.Video.CaptureFPS,
			StopTimeout:  cfg.Video.StopTimeout,
			FailureLimit: cfg.Video.GrabFailureLimit,
			Logger:       logger.With("component", "capture"),
		},
		FPS:         cfg.Video.FPS,
		SettleDelay: cfg.Video.SettleDelay,
		Scale:       cfg.Video.Scale,
		ShowCursor:  cfg.Video.ShowCursor,
		OnViewers: func(active bool) {
			if opusBridge != nil {
				opusBridge.SetActive(active)
			}
		},
		Logger: logger.With("component", "stream"),
	})

	var clipFactory session.ClipboardFactory
	if cfg.Clipboard {
		board, err := clipboard.System()
		if err != nil {
			logger.Warn("clipboard sync disabled", "err", err)
		} else {
			clipFactory = clipboard.Factory(board, logger.With("component", "clipboard"))
		}
	}

	srv := server.New(server.Config{
		Addr:           cfg.Addr,
		Token:          cfg.Token,
		OfferTimeout:   cfg.OfferTimeout,
		AllowedOrigins: cfg.AllowOrigins,
		AuthFailLimit:  cfg.AuthFailLimit,
		AuthFailWindow: cfg.AuthFailWindow,
		TLSCert:        cfg.TLSCert,
		TLSKey:         cfg.TLSKey,
		TLS:            tlsConfig,
		QueueDepth:     cfg.Audio.QueueDepth,
	}, server.Deps{
		Manager:   manager,
		Monitors:  registry,
		Remoter:   input.NewRemoter(input.RobotgoInjector{}, registry, cfg.Input.ScrollDivisor, logger.With("component", "input")),
		Mic:       mic,
		Desktop:   desktop,
		API:       api,
		Video:     videoTrack,
		Audio:     audioTrack,
		Clipboard: clipFactory,
		Logger:    logger.With("component", "server"),
	})

	if cfg.Token == "" {
		logger.Warn("no --token set: anyone who can reach " + cfg.Addr + " controls this desktop")
	}
	err = srv.ListenAndServe(ctx)
	stop()
	if opusBridge != nil {
		opusBridge.Stop()
	}
	wg.Wait()
	logger.Info("shut down")
	return err
}

func version() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return "deskcast " + info.Main.Version
	}
	return "deskcast (devel)"
}
