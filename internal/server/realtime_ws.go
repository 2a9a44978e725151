package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pbrebner/dm-api/internal/config"
	"github.com/pbrebner/dm-api/internal/realtime"
	"github.com/samber/lo"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	clientEventOnline       = "online"
	clientEventOffline      = "offline"
	clientEventJoinChannel  = "joinChannel"
	clientEventLeaveChannel = "leaveChannel"
	clientEventSendMessage  = "sendMessage"

	accessTokenQueryParam = "access_token"
)

var errSendQueueFull = errors.New("websocket send queue full")

type clientFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type onlineRequest struct {
	Token string `json:"token"`
}

type roomRequest struct {
	Room  string   `json:"room"`
	Rooms []string `json:"rooms"`
}

func (r roomRequest) targets() []string {
	rooms := append([]string{r.Room}, r.Rooms...)
	return lo.Uniq(lo.Compact(lo.Map(rooms, func(room string, _ int) string {
		return strings.TrimSpace(room)
	})))
}

// wsConn adapts one gorilla websocket to realtime.Conn. Writes happen on a single
// goroutine fed by a bounded queue; a full queue closes the connection.
type wsConn struct {
	id       realtime.ConnectionID
	conn     *websocket.Conn
	settings config.RealtimeConfig
	logger   *zap.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	outgoingCh chan []byte
	stopped    *atomic.Bool
}

func newWSConn(parent context.Context, conn *websocket.Conn, settings config.RealtimeConfig, logger *zap.Logger) *wsConn {
	ctx, cancel := context.WithCancel(parent)
	id := realtime.ConnectionID(uuid.NewString())
	return &wsConn{
		id:         id,
		conn:       conn,
		settings:   settings,
		logger:     logger.With(zap.String("connection_id", string(id))),
		ctx:        ctx,
		cancel:     cancel,
		outgoingCh: make(chan []byte, settings.SendQueueSize),
		stopped:    atomic.NewBool(false),
	}
}

func (s *wsConn) ID() realtime.ConnectionID {
	return s.id
}

// Send encodes the event and queues it without blocking.
func (s *wsConn) Send(event realtime.Event) error {
	if s.stopped.Load() {
		return realtime.ErrConnectionClosed
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	select {
	case s.outgoingCh <- payload:
		return nil
	default:
		s.logger.Warn("closing websocket, outgoing queue full", zap.String("event", string(event.Kind)))
		go s.Close()
		return errSendQueueFull
	}
}

// Close stops the writer and closes the socket. It is safe to call more than once.
func (s *wsConn) Close() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	s.cancel()
	deadline := time.Now().Add(s.settings.WriteWait)
	closeMessage := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := s.conn.WriteControl(websocket.CloseMessage, closeMessage, deadline); err != nil {
		s.logger.Debug("could not send close message", zap.Error(err))
	}
	if err := s.conn.Close(); err != nil {
		s.logger.Debug("could not close websocket", zap.Error(err))
	}
}

// consume reads client frames until the socket fails, then tears the lifecycle down.
func (s *wsConn) consume(lifecycle *realtime.Lifecycle, tokens AccessTokenManager) {
	defer func() {
		lifecycle.Close()
		s.Close()
	}()

	s.conn.SetReadLimit(s.settings.MaxMessageBytes)
	if err := s.conn.SetReadDeadline(time.Now().Add(s.settings.PongWait)); err != nil {
		s.logger.Warn("failed to set initial read deadline", zap.Error(err))
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.settings.PongWait))
	})

	go s.processOutgoing()

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if !isExpectedCloseError(err) {
				s.logger.Debug("error reading websocket message", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			s.logger.Debug("ignoring non-text websocket frame", zap.Int("type", messageType))
			continue
		}
		s.dispatch(lifecycle, tokens, data)
	}
}

func (s *wsConn) dispatch(lifecycle *realtime.Lifecycle, tokens AccessTokenManager, data []byte) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
		s.logger.Debug("ignoring malformed websocket frame", zap.Error(err))
		return
	}

	switch frame.Event {
	case clientEventOnline:
		var request onlineRequest
		if !s.decode(frame, &request) {
			return
		}
		userID, err := tokens.ValidateToken(request.Token)
		if err != nil {
			s.logger.Info("websocket authentication failed", zap.Error(err))
			return
		}
		lifecycle.Authenticate(userID)
	case clientEventOffline:
		lifecycle.Logout()
	case clientEventJoinChannel:
		var request roomRequest
		if !s.decode(frame, &request) {
			return
		}
		lifecycle.Join(s.ctx, request.targets()...)
	case clientEventLeaveChannel:
		var request roomRequest
		if !s.decode(frame, &request) {
			return
		}
		for _, room := range request.targets() {
			lifecycle.Leave(room)
		}
	case clientEventSendMessage:
		var request roomRequest
		if !s.decode(frame, &request) || request.Room == "" {
			return
		}
		lifecycle.Relay(request.Room, frame.Data)
	default:
		s.logger.Debug("ignoring unknown websocket event", zap.String("event", frame.Event))
	}
}

func (s *wsConn) decode(frame clientFrame, target any) bool {
	if len(frame.Data) == 0 {
		s.logger.Debug("ignoring websocket event without data", zap.String("event", frame.Event))
		return false
	}
	if err := json.Unmarshal(frame.Data, target); err != nil {
		s.logger.Debug("ignoring malformed websocket event data", zap.String("event", frame.Event), zap.Error(err))
		return false
	}
	return true
}

func (s *wsConn) processOutgoing() {
	ticker := time.NewTicker(s.settings.PingPeriod)
	defer ticker.Stop()
	defer s.Close()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				s.logger.Debug("could not send ping", zap.Error(err))
				return
			}
		case payload := <-s.outgoingCh:
			if s.stopped.Load() {
				return
			}
			if err := s.write(websocket.TextMessage, payload); err != nil {
				s.logger.Debug("could not write message", zap.Error(err))
				return
			}
		}
	}
}

func (s *wsConn) write(messageType int, payload []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.settings.WriteWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(messageType, payload)
}

func isExpectedCloseError(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := lo.Contains(allowedOrigins, "*")
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowAll {
				return true
			}
			return lo.Contains(allowedOrigins, origin)
		},
	}
}

func (h *httpHandler) handleWebsocket(c *gin.Context) {
	h.activeSessions.Add(1)
	defer h.activeSessions.Done()

	socket, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	session := newWSConn(h.baseContext, socket, h.realtime, h.logger)
	lifecycle, ok := h.hub.Connect(session)
	if !ok {
		session.logger.Warn("duplicate websocket connection id")
		session.Close()
		return
	}

	if token := strings.TrimSpace(c.Query(accessTokenQueryParam)); token != "" {
		if userID, err := h.tokens.ValidateToken(token); err == nil {
			lifecycle.Authenticate(userID)
		} else {
			session.logger.Info("websocket authentication failed", zap.Error(err))
		}
	}

	session.consume(lifecycle, h.tokens)
}
