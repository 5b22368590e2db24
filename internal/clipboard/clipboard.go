// Package clipboard mirrors the host text clipboard to a viewer.
package clipboard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.design/x/clipboard"

	"deskcast/internal/session"
)

// Board is a text clipboard.
type Board interface {
	Watch(ctx context.Context) <-chan []byte
	Write(text []byte)
}

var (
	initOnce sync.Once
	initErr  error
)

type systemBoard struct{}

func (systemBoard) Watch(ctx context.Context) <-chan []byte {
	return clipboard.Watch(ctx, clipboard.FmtText)
}

func (systemBoard) Write(text []byte) {
	clipboard.Write(clipboard.FmtText, text)
}

// System returns the host clipboard.
func System() (Board, error) {
	initOnce.Do(func() {
		if err := clipboard.Init(); err != nil {
			initErr = fmt.Errorf("clipboard init: %w", err)
		}
	})
	if initErr != nil {
		return nil, initErr
	}
	return systemBoard{}, nil
}

// Handler syncs one viewer's clipboard channel with a Board.
type Handler struct {
	board Board
	send  func(string)
	log   *slog.Logger

	mu          sync.Mutex
	lastContent string
	ctx         context.Context
	cancel      context.CancelFunc
}

func NewHandler(board Board, send func(string), logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{board: board, send: send, log: logger, ctx: ctx, cancel: cancel}
}

// Factory adapts a Board to session.ClipboardFactory.
func Factory(board Board, logger *slog.Logger) session.ClipboardFactory {
	return func(send func(string)) (session.ClipboardSync, error) {
		return NewHandler(board, send, logger), nil
	}
}

// SetFromClient writes viewer text to the host clipboard.
func (h *Handler) SetFromClient(text string) {
	h.mu.Lock()
	h.lastContent = text
	h.mu.Unlock()
	h.board.Write([]byte(text))
}

// Run forwards host clipboard changes until stop is closed or Close is
// called. Text that came from the viewer is not echoed back.
func (h *Handler) Run(stop <-chan struct{}) {
	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for data := range h.board.Watch(ctx) {
		text := string(data)
		h.mu.Lock()
		echo := text == h.lastContent
		h.lastContent = text
		h.mu.Unlock()
		if echo || text == "" {
			continue
		}
		h.send(text)
	}
	h.log.Debug("clipboard: watch ended")
}

func (h *Handler) Close() { h.cancel() }
