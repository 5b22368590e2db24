package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

const (
	h264Fmtp = "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f"

	LabelControl   = "control"
	LabelClipboard = "clipboard"
)

// VideoCodec and AudioCodec describe the shared tracks every session
// carries.
var (
	VideoCodec = webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeH264,
		ClockRate:   90000,
		SDPFmtpLine: h264Fmtp,
	}
	AudioCodec = webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}
)

// ErrBadOffer is returned by Answer when the remote description is rejected.
var ErrBadOffer = errors.New("invalid offer")

// ClipboardSync mirrors the host clipboard to one viewer.
type ClipboardSync interface {
	Run(stop <-chan struct{})
	SetFromClient(text string)
	Close()
}

// ClipboardFactory creates a ClipboardSync that reports host changes
// through send.
type ClipboardFactory func(send func(string)) (ClipboardSync, error)

// NewAPI returns a pion API with H.264 and Opus registered.
func NewAPI() (*webrtc.API, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: VideoCodec,
		PayloadType:        96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register video codec: %w", err)
	}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: AudioCodec,
		PayloadType:        111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register Opus: %w", err)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(me)), nil
}

// NewTracks creates the video and audio tracks shared by all sessions.
func NewTracks() (video, audio *webrtc.TrackLocalStaticSample, err error) {
	video, err = webrtc.NewTrackLocalStaticSample(VideoCodec, "video", "deskcast")
	if err != nil {
		return nil, nil, fmt.Errorf("create video track: %w", err)
	}
	audio, err = webrtc.NewTrackLocalStaticSample(AudioCodec, "audio", "deskcast")
	if err != nil {
		return nil, nil, fmt.Errorf("create audio track: %w", err)
	}
	return video, audio, nil
}

type Options struct {
	API *webrtc.API
	// Video and Audio are added to the peer connection when non-nil.
	Video      webrtc.TrackLocal
	Audio      webrtc.TrackLocal
	ICEServers []webrtc.ICEServer

	// OnControl receives every message on the control data channel.
	OnControl func(data []byte)
	Clipboard ClipboardFactory
	// OnClose is called once when the session closes.
	OnClose func(id string)

	Logger *slog.Logger
}

// Session is one viewer's peer connection.
type Session struct {
	id   string
	PC   *webrtc.PeerConnection
	opts Options
	log  *slog.Logger

	Stop      chan struct{}
	mu        sync.Mutex
	closed    bool
	clipboard ClipboardSync
}

func New(id string, opts Options) (*Session, error) {
	if opts.API == nil {
		api, err := NewAPI()
		if err != nil {
			return nil, err
		}
		opts.API = api
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	pc, err := opts.API.NewPeerConnection(webrtc.Configuration{ICEServers: opts.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	for _, t := range []webrtc.TrackLocal{opts.Video, opts.Audio} {
		if t == nil {
			continue
		}
		if _, err := pc.AddTrack(t); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
	}

	s := &Session{
		id:   id,
		PC:   pc,
		opts: opts,
		log:  opts.Logger.With("session", id),
		Stop: make(chan struct{}),
	}

	// Data channels are created by the client.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		switch dc.Label() {
		case LabelControl:
			dc.OnMessage(func(msg webrtc.DataChannelMessage) {
				if s.opts.OnControl != nil {
					s.opts.OnControl(msg.Data)
				}
			})
		case LabelClipboard:
			s.setupClipboard(dc)
		default:
			s.log.Debug("ignoring data channel", "label", dc.Label())
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Info("peer connection state", "state", state.String())
		if state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateClosed {
			s.Close()
		}
	})

	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) setupClipboard(dc *webrtc.DataChannel) {
	if s.opts.Clipboard == nil {
		return
	}
	dc.OnOpen(func() {
		ch, err := s.opts.Clipboard(func(text string) {
			if dc.ReadyState() == webrtc.DataChannelStateOpen {
				if err := dc.SendText(text); err != nil {
					s.log.Debug("clipboard send", "err", err)
				}
			}
		})
		if err != nil {
			s.log.Warn("clipboard handler init failed", "err", err)
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			ch.Close()
			return
		}
		s.clipboard = ch
		s.mu.Unlock()
		go ch.Run(s.Stop)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.mu.Lock()
		ch := s.clipboard
		s.mu.Unlock()
		if ch != nil && msg.IsString {
			ch.SetFromClient(string(msg.Data))
		}
	})
}

// Answer applies the viewer's offer and returns the local answer once ICE
// gathering has finished.
func (s *Session) Answer(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := s.PC.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("%w: set remote description: %w", ErrBadOffer, err)
	}
	answer, err := s.PC.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(s.PC)
	if err := s.PC.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, fmt.Errorf("ice gathering: %w", ctx.Err())
	}
	return s.PC.LocalDescription(), nil
}

func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.Stop)
	ch := s.clipboard
	s.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	if err := s.PC.Close(); err != nil {
		s.log.Debug("close peer connection", "err", err)
	}
	if s.opts.OnClose != nil {
		s.opts.OnClose(s.id)
	}
	s.log.Info("session closed")
}

func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
