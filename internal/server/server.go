package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"deskcast/internal/audio"
	"deskcast/internal/input"
	"deskcast/internal/monitor"
	"deskcast/internal/session"
	"deskcast/internal/stream"
	"deskcast/web"
)

const maxBodyBytes = 1 << 20

// Config holds the server's network settings.
type Config struct {
	Addr  string
	Token string

	OfferTimeout   time.Duration
	AllowedOrigins []string
	AuthFailLimit  int
	AuthFailWindow time.Duration

	// TLSCert/TLSKey take precedence over TLS.
	TLSCert string
	TLSKey  string
	TLS     *tls.Config

	// QueueDepth bounds each audio WebSocket's chunk queue.
	QueueDepth int
	ICEServers []webrtc.ICEServer
}

// Deps are the components the endpoints drive. Mic and Desktop may be nil
// when the role is disabled.
type Deps struct {
	Manager  *stream.Manager
	Monitors *monitor.Registry
	Remoter  *input.Remoter
	Mic      *audio.Capture
	Desktop  *audio.Capture

	API       *webrtc.API
	Video     webrtc.TrackLocal
	Audio     webrtc.TrackLocal
	Clipboard session.ClipboardFactory

	Logger *slog.Logger
}

type Server struct {
	cfg      Config
	deps     Deps
	log      *slog.Logger
	upgrader websocket.Upgrader
	authFail *authLimiter

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
}

func New(cfg Config, deps Deps) *Server {
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = 10 * time.Second
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 32
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		log:      deps.Logger,
		authFail: newAuthLimiter(cfg.AuthFailLimit, cfg.AuthFailWindow),
		conns:    make(map[*websocket.Conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 16384,
		CheckOrigin:     s.originAllowed,
	}
	return s
}

// Handler returns the full route table wrapped in CORS handling.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleIndex)
	mux.HandleFunc("GET /monitors", s.auth(s.handleMonitors))
	mux.HandleFunc("GET /status", s.auth(s.handleStatus))
	mux.HandleFunc("POST /offer", s.auth(s.handleOffer))
	mux.HandleFunc("DELETE /offer/{id}", s.auth(s.handleOfferDelete))
	mux.HandleFunc("POST /set_monitor_region", s.auth(s.handleSetMonitorRegion))
	mux.HandleFunc("POST /config", s.auth(s.handleConfig))
	mux.HandleFunc("POST /set_cursor", s.auth(s.handleSetCursor))
	mux.HandleFunc("GET /control", s.auth(s.handleControl))
	mux.HandleFunc("GET /mic_audio", s.auth(s.handleAudio(s.deps.Mic, audio.RoleMic)))
	mux.HandleFunc("GET /desktop_audio", s.auth(s.handleAudio(s.deps.Desktop, audio.RoleDesktop)))
	return s.cors(mux)
}

// ListenAndServe serves until ctx is cancelled, then tears everything down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		TLSConfig:         s.cfg.TLS,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		switch {
		case s.cfg.TLSCert != "":
			errCh <- srv.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		case s.cfg.TLS != nil:
			errCh <- srv.ListenAndServeTLS("", "")
		default:
			errCh <- srv.ListenAndServe()
		}
	}()
	s.log.Info("starting deskcast", "addr", s.cfg.Addr,
		"tls", s.cfg.TLSCert != "" || s.cfg.TLS != nil, "auth", s.cfg.Token != "")

	select {
	case err := <-errCh:
		s.Teardown()
		return err
	case <-ctx.Done():
	}

	s.Teardown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Teardown closes every session and WebSocket and stops capture.
func (s *Server) Teardown() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	clear(s.conns)
	s.mu.Unlock()

	for _, c := range conns {
		closeWS(c, websocket.CloseGoingAway, "server shutting down")
	}
	if s.deps.Manager != nil {
		s.deps.Manager.Close()
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" {
		data, err := web.Content.ReadFile("index.html")
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(data)
		return
	}
	http.FileServer(http.FS(web.Content)).ServeHTTP(w, r)
}

func (s *Server) handleMonitors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Monitors.List())
}

type statusResponse struct {
	Video  stream.Status   `json:"video"`
	Region *monitor.Region `json:"region,omitempty"`
	Audio  []audio.Status  `json:"audio"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Video:  s.deps.Manager.Status(),
		Region: s.deps.Monitors.ActiveRegion(),
		Audio:  []audio.Status{},
	}
	for _, c := range []*audio.Capture{s.deps.Mic, s.deps.Desktop} {
		if c != nil {
			resp.Audio = append(resp.Audio, c.Status())
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type offerRequest struct {
	SDP       string `json:"sdp"`
	Type      string `json:"type"`
	MonitorID *int   `json:"monitor_id"`
}

type offerResponse struct {
	SDP       string `json:"sdp"`
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	var req offerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.SDP == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing sdp"))
		return
	}
	if req.Type != "" && req.Type != webrtc.SDPTypeOffer.String() {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unexpected description type %q", req.Type))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.OfferTimeout)
	defer cancel()

	opts := session.Options{
		API:        s.deps.API,
		Video:      s.deps.Video,
		Audio:      s.deps.Audio,
		ICEServers: s.cfg.ICEServers,
		Clipboard:  s.deps.Clipboard,
		OnClose:    s.deps.Manager.RemoveSession,
		Logger:     s.log,
	}
	if s.deps.Remoter != nil {
		opts.OnControl = s.deps.Remoter.HandleJSON
	}
	id := uuid.New().String()
	sess, err := session.New(id, opts)
	if err != nil {
		s.log.Error("session create", "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	// Registered before the target is touched so a concurrent last-session
	// departure cannot stop the capture this offer is about to use.
	s.deps.Manager.AddSession(sess)

	if req.MonitorID != nil {
		err = s.deps.Manager.Ensure(ctx, *req.MonitorID)
	} else {
		err = s.deps.Manager.EnsureCurrent(ctx)
	}
	if err != nil {
		sess.Close()
		s.log.Warn("offer: capture target", "err", err)
		writeError(w, videoStatus(err), err)
		return
	}

	answer, err := sess.Answer(ctx, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: req.SDP})
	if err != nil {
		sess.Close()
		s.log.Warn("offer: answer", "err", err)
		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, session.ErrBadOffer):
			code = http.StatusBadRequest
		case errors.Is(err, context.DeadlineExceeded):
			code = http.StatusGatewayTimeout
		}
		writeError(w, code, err)
		return
	}

	s.log.Info("session started", "session", id, "remote", clientIP(r))
	writeJSON(w, http.StatusOK, offerResponse{
		SDP:       answer.SDP,
		Type:      answer.Type.String(),
		SessionID: id,
	})
}

func videoStatus(err error) int {
	switch {
	case errors.Is(err, stream.ErrSwitchFailed):
		return http.StatusConflict
	case errors.Is(err, stream.ErrVideoUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleOfferDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := s.deps.Manager.Session(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no session %q", id))
		return
	}
	sess.Close()
	writeJSON(w, http.StatusOK, statusOK)
}

func (s *Server) handleSetMonitorRegion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MonitorID *int `json:"monitor_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.MonitorID == nil {
		writeError(w, http.StatusBadRequest, errors.New("missing monitor_id"))
		return
	}
	if _, err := s.deps.Monitors.SetActiveRegion(*req.MonitorID); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOK)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scale *float64 `json:"scale"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	scale := 1.0
	if req.Scale != nil {
		scale = *req.Scale
	}
	if err := s.deps.Manager.SetScale(scale); err != nil {
		s.log.Debug("config: scale not applied", "scale", scale, "err", err)
	}
	writeJSON(w, http.StatusOK, statusOK)
}

func (s *Server) handleSetCursor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Show *bool `json:"show"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	show := true
	if req.Show != nil {
		show = *req.Show
	}
	if err := s.deps.Manager.SetShowCursor(show); err != nil {
		s.log.Debug("set_cursor: not applied", "show", show, "err", err)
	}
	writeJSON(w, http.StatusOK, statusOK)
}

type statusBody struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

var statusOK = statusBody{Status: "ok"}

func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, statusBody{Status: "error", Error: err.Error()})
}
