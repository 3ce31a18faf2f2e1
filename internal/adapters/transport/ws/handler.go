package ws

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/okian/vouch/internal/domain/protocol"
	"github.com/okian/vouch/pkg/logger"
	"github.com/okian/vouch/pkg/metrics"
)

// Attacher admits a client channel into a measurement session.
type Attacher interface {
	Attach(ctx context.Context, ch protocol.Channel) (string, error)
}

// Handler upgrades requests to websocket and hands each connection to an
// Attacher. The session owns the connection from then on.
type Handler struct {
	attacher  Attacher
	upgrader  websocket.Upgrader
	connOpts  []Option
	retryable []error
	logger    logger.Logger
}

// NewHandler creates a websocket upgrade handler.
func NewHandler(a Attacher, opts ...HandlerOption) *Handler {
	h := &Handler{
		attacher: a,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			// Clients are services and scripts, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger.Get().Named("ws"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		metrics.RecordErrorByComponent("ws", "upgrade")
		return
	}
	conn := NewConn(raw, h.connOpts...)

	// The request context ends with this handler; the session must not.
	id, err := h.attacher.Attach(context.WithoutCancel(r.Context()), conn)
	if err != nil {
		h.logger.Info(r.Context(), "session refused", logger.String("remote", r.RemoteAddr), logger.Error(err))
		_ = conn.CloseWith(h.closeCodeFor(err), err.Error())
		return
	}
	h.logger.Debug(r.Context(), "session attached", logger.ClientID(id), logger.String("remote", r.RemoteAddr))
}

func (h *Handler) closeCodeFor(err error) int {
	for _, r := range h.retryable {
		if errors.Is(err, r) {
			return websocket.CloseTryAgainLater
		}
	}
	return websocket.CloseInternalServerErr
}
