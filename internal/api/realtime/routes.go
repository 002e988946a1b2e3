// Package realtime serves the websocket endpoint clients use to follow stage
// changes of their scan requests.
package realtime

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ahrav/scanflow/internal/infra/messaging/protocol"
	"github.com/ahrav/scanflow/internal/infra/messaging/subscription"
	"github.com/ahrav/scanflow/pkg/common/logger"
	"github.com/ahrav/scanflow/pkg/web"
)

// Config contains the dependencies needed by the websocket handler.
type Config struct {
	Log     *logger.Logger
	Gateway *subscription.Gateway
	// Origins lists the allowed Origin headers. "*" allows any.
	Origins []string
}

// Routes binds the websocket endpoint.
func Routes(app *web.App, cfg Config) {
	const version = "v1"

	h := handler{
		log:     cfg.Log.With("component", "realtime_handler"),
		gateway: cfg.Gateway,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(cfg.Origins),
		},
	}
	app.RawHandlerFunc(http.MethodGet, version, "/ws", h.serve)
}

func checkOrigin(origins []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range origins {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

type handler struct {
	log      *logger.Logger
	gateway  *subscription.Gateway
	upgrader websocket.Upgrader
}

func (h handler) serve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn(ctx, "websocket upgrade failed", "error", err)
		return
	}

	conn := newWSConn(ws)
	if err := h.gateway.Register(ctx, conn); err != nil {
		_ = ws.WriteJSON(protocol.Reply{Type: protocol.TypeError, Error: err.Error()})
		_ = ws.Close()
		return
	}

	// The request context ends with the handler; the connection outlives it.
	connCtx := context.WithoutCancel(ctx)
	go conn.writePump()
	h.readLoop(connCtx, conn)

	h.gateway.Disconnect(connCtx, conn.ID())
	_ = conn.Close()
}

func (h handler) readLoop(ctx context.Context, conn *wsConn) {
	conn.ws.SetReadLimit(maxMessageSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg protocol.ClientMessage
		if err := conn.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug(ctx, "websocket read failed", "connection_id", conn.ID(), "error", err)
			}
			return
		}

		if err := conn.enqueue(h.handle(ctx, conn.ID(), msg)); err != nil {
			return
		}
	}
}

func (h handler) handle(ctx context.Context, connID string, msg protocol.ClientMessage) protocol.Reply {
	reply := protocol.Reply{Type: protocol.TypeAck, Action: msg.Action, RequestID: msg.RequestID}

	requestID, err := uuid.Parse(msg.RequestID)
	if err != nil {
		reply.Type, reply.Error = protocol.TypeError, "requestId must be a UUID"
		return reply
	}

	switch msg.Action {
	case protocol.ActionSubscribe:
		err = h.gateway.Subscribe(ctx, connID, requestID)
	case protocol.ActionUnsubscribe:
		err = h.gateway.Unsubscribe(ctx, connID, requestID)
	default:
		reply.Type, reply.Error = protocol.TypeError, "unknown action"
		return reply
	}
	if err != nil {
		reply.Type, reply.Error = protocol.TypeError, err.Error()
	}
	return reply
}
