package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

type CaptureOptions struct {
	// Chunk is the number of device frames read per iteration.
	Chunk        int
	PollInterval time.Duration
	ErrorLimit   int
	Logger       *slog.Logger
}

type Status struct {
	Role        Role   `json:"role"`
	Available   bool   `json:"available"`
	Open        bool   `json:"open"`
	Subscribers int    `json:"subscribers"`
	Dropped     int64  `json:"dropped"`
	Err         string `json:"error,omitempty"`
}

// Capture runs one role's capture loop. The device is only open while the
// hub has subscribers.
type Capture struct {
	role   Role
	opener Opener
	hub    *Hub
	opts   CaptureOptions
	log    *slog.Logger

	mu      sync.Mutex
	lastErr error
	open    bool

	reads atomic.Int64
}

func NewCapture(role Role, opener Opener, opts CaptureOptions) *Capture {
	if opts.Chunk <= 0 {
		opts.Chunk = 1024
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.ErrorLimit <= 0 {
		opts.ErrorLimit = 10
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Capture{
		role:   role,
		opener: opener,
		hub:    NewHub(),
		opts:   opts,
		log:    opts.Logger.With("role", string(role)),
	}
}

func (c *Capture) Role() Role { return c.role }
func (c *Capture) Hub() *Hub  { return c.hub }

// Reads counts chunks read from the device.
func (c *Capture) Reads() int64 { return c.reads.Load() }

func (c *Capture) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Role:        c.role,
		Available:   c.lastErr == nil,
		Open:        c.open,
		Subscribers: c.hub.Count(),
		Dropped:     c.hub.Dropped(),
	}
	if c.lastErr != nil {
		st.Err = c.lastErr.Error()
	}
	return st
}

// Ready reports whether the role can be served. After a failure it probes
// the device again so a returning device is picked up on the next demand.
func (c *Capture) Ready() error {
	c.mu.Lock()
	lastErr, open := c.lastErr, c.open
	c.mu.Unlock()
	if lastErr == nil || open {
		return nil
	}
	d, err := c.opener.Open(c.role)
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrUnavailable, c.role, err)
		c.setErr(err)
		return err
	}
	d.Close()
	c.setErr(nil)
	return nil
}

func (c *Capture) setErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *Capture) setOpen(open bool) {
	c.mu.Lock()
	c.open = open
	c.mu.Unlock()
}

// Run drives the loop until ctx is done.
func (c *Capture) Run(ctx context.Context) {
	var (
		dev     Device
		errs    int
		openLog = rate.Sometimes{First: 1, Interval: 30 * time.Second}
	)
	closeDev := func(reason string) {
		if dev == nil {
			return
		}
		if err := dev.Close(); err != nil {
			c.log.Debug("audio: close device", "err", err)
		}
		dev = nil
		c.setOpen(false)
		c.log.Info("audio: device closed", "reason", reason)
	}
	defer closeDev("shutdown")

	for {
		if ctx.Err() != nil {
			return
		}
		if c.hub.Count() == 0 {
			closeDev("no listeners")
			if !sleep(ctx, c.opts.PollInterval) {
				return
			}
			continue
		}

		if dev == nil {
			d, err := c.opener.Open(c.role)
			if err != nil {
				err = fmt.Errorf("%w: %s: %w", ErrUnavailable, c.role, err)
				c.setErr(err)
				openLog.Do(func() { c.log.Warn("audio: device unavailable", "err", err) })
				c.hub.FailAll(err)
				if !sleep(ctx, c.opts.PollInterval) {
					return
				}
				continue
			}
			dev, errs = d, 0
			c.setErr(nil)
			c.setOpen(true)
			c.log.Info("audio: device opened", "rate", d.SampleRate(), "channels", d.Channels(), "format", d.Format().String())
		}

		raw, err := dev.Read(c.opts.Chunk)
		if err != nil {
			errs++
			c.log.Debug("audio: read error", "consecutive", errs, "err", err)
			if errs >= c.opts.ErrorLimit {
				c.log.Warn("audio: device lost", "err", err)
				closeDev("device lost")
				if !sleep(ctx, c.opts.PollInterval) {
					return
				}
			}
			continue
		}
		errs = 0
		c.reads.Add(1)

		pcm, err := ToStereoS16(raw, dev.Format(), dev.Channels())
		if err != nil {
			c.log.Warn("audio: convert", "err", err)
			continue
		}
		pcm = Resample(pcm, dev.SampleRate())
		c.hub.Broadcast(PCMBytes(pcm))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
