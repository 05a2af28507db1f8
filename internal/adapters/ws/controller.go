package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dmarkov/huddle/internal/app"
	"github.com/dmarkov/huddle/internal/config"
	"github.com/dmarkov/huddle/internal/domain"
	"github.com/dmarkov/huddle/internal/proto"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Controller owns the signaling WebSocket endpoint. It decodes inbound
// frames, hands them to the dispatcher, and maps component errors back to
// wire error events. No protocol state lives here.
type Controller struct {
	Dispatch *app.Dispatcher
	Cfg      *config.Config
}

func NewController(dispatch *app.Dispatcher, cfg *config.Config) *Controller {
	return &Controller{Dispatch: dispatch, Cfg: cfg}
}

// Handle upgrades the request and runs the connection's read loop until the
// socket dies. Events from one connection are processed strictly in order.
func (ctl *Controller) Handle(ctx context.Context, c *gin.Context) {
	ct := c.GetString("client_token")

	wsc, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("upgrade")
		return
	}

	connID := domain.ConnID(uuid.NewString())
	log.Info().Str("module", "ws").Str("conn", string(connID)).Str("client", ct).Msg("connection open")

	conn := newConn(wsc, ctl.Cfg.SendBuffer)
	limiter := NewEventLimiter(ctl.Cfg.MaxEventsPerSec, time.Second)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go conn.writePump(ctx, ctl.Cfg.PingPeriod, ctl.Cfg.WriteTimeout)

	defer func() {
		ctl.Dispatch.Disconnect(connID)
		conn.Close()
		log.Info().Str("module", "ws").Str("conn", string(connID)).Msg("connection closed")
	}()

	pongWait := ctl.Cfg.PingPeriod + ctl.Cfg.WriteTimeout
	wsc.SetReadLimit(ctl.Cfg.ReadLimit)
	_ = wsc.SetReadDeadline(time.Now().Add(pongWait))
	wsc.SetPongHandler(func(string) error {
		return wsc.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, data, err := wsc.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "ws").Str("conn", string(connID)).Msg("read error")
			}
			return
		}
		if !limiter.Allow() {
			ctl.sendError(conn, "rate_limited", "event rate limit exceeded")
			continue
		}
		ctl.handleEvent(connID, conn, data)
	}
}

func (ctl *Controller) handleEvent(connID domain.ConnID, conn *Conn, data []byte) {
	env, err := proto.Parse(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "ws").Str("conn", string(connID)).Msg("bad payload")
		ctl.sendError(conn, "bad_payload", err.Error())
		return
	}

	switch env.Type {
	case proto.EventLogin:
		_, err = ctl.Dispatch.Login(connID, conn, env.Name)
	case proto.EventPrivateMessage:
		err = ctl.Dispatch.Message(connID, env.To, env.Msg)
	case proto.EventCallUser:
		err = ctl.Dispatch.CallUser(connID, env.UserToCall, env.Name, env.SignalData)
	case proto.EventAnswerCall:
		err = ctl.Dispatch.AnswerCall(connID, env.To, env.Signal)
	case proto.EventICECandidate:
		err = ctl.Dispatch.Ice(connID, env.To, env.Candidate)
	case proto.EventEndCall:
		err = ctl.Dispatch.EndCall(connID, env.To, env.Reason)
	case proto.EventPing:
		ctl.send(conn, proto.Envelope{Type: proto.EventPong})
	default:
		// Parse accepts relay->client types too; a client must not send them.
		ctl.sendError(conn, "bad_payload", "unexpected event type")
	}

	if err != nil {
		log.Warn().Err(err).Str("module", "ws").Str("conn", string(connID)).
			Str("type", string(env.Type)).Msg("event rejected")
		ctl.sendError(conn, errorCode(err), err.Error())
	}
}

func (ctl *Controller) send(conn *Conn, e proto.Envelope) {
	frame, err := proto.Encode(e)
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("encode")
		return
	}
	_ = conn.TrySend(frame)
}

func (ctl *Controller) sendError(conn *Conn, code, message string) {
	ctl.send(conn, proto.Envelope{Type: proto.EventError, Code: code, Message: message})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, app.ErrDuplicateConnection):
		return "duplicate_login"
	case errors.Is(err, app.ErrNotLoggedIn):
		return "not_logged_in"
	case errors.Is(err, app.ErrRecipientOffline):
		return "recipient_offline"
	case errors.Is(err, app.ErrCallInProgress):
		return "call_in_progress"
	case errors.Is(err, app.ErrNoSuchCall):
		return "no_such_call"
	case errors.Is(err, app.ErrMalformedPayload):
		return "bad_payload"
	case errors.Is(err, domain.ErrDisplayNameEmpty), errors.Is(err, domain.ErrDisplayNameTooLong):
		return "name_invalid"
	default:
		return "internal_error"
	}
}
