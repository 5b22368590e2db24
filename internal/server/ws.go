package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"deskcast/internal/audio"
)

const (
	writeWait       = 2 * time.Second
	maxControlBytes = 64 << 10
	// A close frame payload is 125 bytes, two of which carry the code.
	maxCloseReason = 123
)

func (s *Server) register(c *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) unregister(c *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, bool) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade", "path", r.URL.Path, "err", err)
		return nil, false
	}
	if !s.register(conn) {
		closeWS(conn, websocket.CloseGoingAway, "server shutting down")
		return nil, false
	}
	return conn, true
}

// handleControl feeds every text message to the input remoter. Nothing is
// sent back.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer s.unregister(conn)
	defer conn.Close()

	remote := clientIP(r)
	s.log.Info("control connected", "remote", remote)
	conn.SetReadLimit(maxControlBytes)
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("control read", "remote", remote, "err", err)
			}
			break
		}
		if mt != websocket.TextMessage || s.deps.Remoter == nil {
			continue
		}
		s.deps.Remoter.HandleJSON(data)
	}
	s.log.Info("control disconnected", "remote", remote)
}

// handleAudio subscribes the socket to one role's hub. The handler goroutine
// only reads; a dedicated writer drains the subscriber queue.
func (s *Server) handleAudio(c *audio.Capture, role audio.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, ok := s.upgrade(w, r)
		if !ok {
			return
		}
		defer s.unregister(conn)

		if c == nil {
			closeWS(conn, websocket.CloseInternalServerErr, fmt.Sprintf("%s audio disabled", role))
			return
		}
		if err := c.Ready(); err != nil {
			s.log.Warn("audio unavailable", "role", string(role), "err", err)
			closeWS(conn, websocket.CloseInternalServerErr, err.Error())
			return
		}

		remote := clientIP(r)
		sub := c.Hub().Subscribe(remote, s.cfg.QueueDepth)
		s.log.Info("audio listener joined", "role", string(role), "remote", remote,
			"listeners", c.Hub().Count())

		done := make(chan struct{})
		go s.writeAudio(conn, sub, done)

		conn.SetReadLimit(maxControlBytes)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		sub.Unsubscribe()
		<-done
		s.log.Info("audio listener left", "role", string(role), "remote", remote,
			"dropped", sub.Dropped())
	}
}

func (s *Server) writeAudio(conn *websocket.Conn, sub *audio.Subscriber, done chan<- struct{}) {
	defer close(done)
	defer conn.Close()
	for {
		select {
		case chunk := <-sub.C():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				s.log.Debug("audio write", "listener", sub.Name(), "err", err)
				sub.Unsubscribe()
				return
			}
		case <-sub.Done():
			if err := sub.Err(); err != nil {
				closeWS(conn, websocket.CloseInternalServerErr, err.Error())
			}
			return
		}
	}
}

// closeWS sends a close frame with code and reason, then drops the
// connection.
func closeWS(conn *websocket.Conn, code int, reason string) {
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	conn.Close()
}
