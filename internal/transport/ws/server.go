// Package ws exposes the same line protocol over WebSocket so browser
// clients can connect without a raw TCP socket.
package ws

import (
	stdhttp "net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/vforte/gruppo/internal/core"
)

// Handler upgrades HTTP connections and bridges them to the request
// handler as byte streams.
type Handler struct {
	handler *core.Handler
	log     *zerolog.Logger
}

// NewHandler builds a new WebSocket handler.
func NewHandler(handler *core.Handler, logger *zerolog.Logger) stdhttp.Handler {
	return &Handler{handler: handler, log: logger}
}

func (h *Handler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}

	// NetConn turns the socket into a net.Conn carrying text frames, so
	// the same per-connection worker serves both transports.
	netConn := websocket.NetConn(r.Context(), conn, websocket.MessageText)
	h.handler.Serve(r.Context(), netConn)

	conn.Close(websocket.StatusNormalClosure, "closing")
}

// NewServer builds an HTTP server that serves the chat protocol on /ws.
func NewServer(addr string, handler *core.Handler, readHeaderTimeout time.Duration, logger *zerolog.Logger) *stdhttp.Server {
	mux := stdhttp.NewServeMux()
	mux.Handle("/ws", NewHandler(handler, logger))

	return &stdhttp.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}
