package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"ChatUI/internal/chatbot"
	"ChatUI/internal/render"
	"ChatUI/internal/session"
	"ChatUI/internal/telemetry"
)

const (
	writeTimeout   = 10 * time.Second
	readTimeout    = 60 * time.Second
	pingInterval   = (readTimeout * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// connection is one browser session
type connection struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	bot    *chatbot.ChatBot
	server *Server
	logger *slog.Logger

	// Done when the browser goes away or the server shuts down
	ctx    context.Context
	cancel context.CancelFunc

	cycles    sync.WaitGroup
	closeOnce sync.Once
}

// handleWebSocket upgrades the request and binds a fresh session to it
func (s *Server) handleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("failed to upgrade websocket", "error", err)
		return err
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	conn := &connection{
		id:     uuid.New().String(),
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		server: s,
		ctx:    ctx,
		cancel: cancel,
	}
	conn.logger = s.logger.With("connection_id", conn.id)

	sess := session.New(uuid.New().String(), s.deps.Client.Name(), s.cfg.Model, s.cfg.SystemPrompt)
	conn.bot = chatbot.New(sess, chatbot.Options{
		Client:      s.deps.Client,
		Renderer:    s.renderer,
		Recorder:    s.recorder(),
		Instruments: s.deps.Instruments,
		Tracer:      s.deps.Provider.Tracer,
		Logger:      s.logger,
		Verbose:     s.cfg.Verbose,
		OnState:     conn.onState,
	})

	s.sessions.Add(sess)
	s.conns.Add(1)
	conn.logger.Info("session started", "session_id", sess.ID, "model", sess.CurrentModel())

	ws.SetReadLimit(maxMessageSize)
	conn.sendSession(sess)

	go conn.writePump()
	go conn.readPump()

	return nil
}

// recorder avoids handing a typed nil ledger to the chatbot
func (s *Server) recorder() chatbot.Recorder {
	if s.deps.Ledger == nil {
		return nil
	}
	return s.deps.Ledger
}

// readPump reads messages from the browser until the connection goes away
func (c *connection) readPump() {
	defer c.close()

	c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket error", "error", err)
			}
			return
		}
		c.handleMessage(message)
	}
}

// writePump writes queued messages and keeps the connection alive with pings
func (c *connection) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("failed to write message", "error", err)
				c.cancel()
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}

		case <-c.ctx.Done():
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}

// close cancels the cycle in flight and discards the session
func (c *connection) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.cycles.Wait()

		sess := c.bot.Session()
		c.server.sessions.Remove(sess.ID)
		c.server.conns.Done()
		c.logger.Info("session closed", "session_id", sess.ID, "turns", sess.Len())
	})
}

// handleMessage dispatches incoming messages to their handlers
func (c *connection) handleMessage(data []byte) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		c.sendError(ErrorCodeInvalidMessage, "invalid JSON message", false)
		return
	}

	switch base.Type {
	case TypeSubmit:
		c.handleSubmit(data)
	case TypeSelectModel:
		c.handleSelectModel(data)
	case TypeNewSession:
		c.handleNewSession()
	default:
		c.sendError(ErrorCodeInvalidMessage, "unknown message type: "+base.Type, false)
	}
}

// handleSubmit starts a turn cycle without blocking the read loop
func (c *connection) handleSubmit(data []byte) {
	var msg SubmitMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError(ErrorCodeInvalidMessage, "invalid submit message", false)
		return
	}

	c.cycles.Add(1)
	go func() {
		defer c.cycles.Done()
		c.runCycle(msg.Content)
	}()
}

// runCycle submits input and reports the outcome. The closing done or error
// frame is followed by the idle state, so the browser sees the cycle in order.
func (c *connection) runCycle(input string) {
	sessionID := c.bot.Session().ID
	partial := false

	reply, err := c.bot.Submit(c.ctx, input, func(u render.Update) {
		partial = true
		c.sendJSON(DeltaMessage{
			BaseMessage: c.base(TypeDelta, sessionID),
			Update:      u,
		})
	})
	if err != nil && !cycleStarted(err) {
		c.sendError(errorCode(err), err.Error(), false)
		return
	}
	if c.ctx.Err() != nil {
		// Nobody is listening anymore
		return
	}

	if err != nil {
		c.sendJSON(ErrorMessage{
			BaseMessage: c.base(TypeError, sessionID),
			Code:        errorCode(err),
			Message:     err.Error(),
			Cycle:       true,
			Partial:     partial,
		})
	} else {
		c.sendJSON(DoneMessage{
			BaseMessage: c.base(TypeDone, sessionID),
			Turn:        reply,
		})
	}
	c.sendState(sessionID, chatbot.StateIdle)
}

// cycleStarted reports whether a Submit error came from a cycle that ran,
// as opposed to a submission turned away up front.
func cycleStarted(err error) bool {
	var stateErr *chatbot.InvalidStateError
	return !errors.Is(err, chatbot.ErrEmptyInput) && !errors.As(err, &stateErr)
}

// onState echoes the accepted user turn when a cycle starts. The idle state
// is sent by runCycle after the final frame.
func (c *connection) onState(state chatbot.State) {
	if state != chatbot.StateAwaitingResponse {
		return
	}
	sess := c.bot.Session()
	history := sess.History()
	c.sendJSON(TurnMessage{
		BaseMessage: c.base(TypeTurn, sess.ID),
		Turn:        history[len(history)-1],
	})
	c.sendState(sess.ID, state)
}

func (c *connection) sendState(sessionID string, state chatbot.State) {
	c.sendJSON(StateMessage{
		BaseMessage: c.base(TypeState, sessionID),
		State:       string(state),
	})
}

// handleSelectModel switches the model for the next request. The model must be
// one the backend lists when the listing is available.
func (c *connection) handleSelectModel(data []byte) {
	var msg SelectModelMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Model == "" {
		c.sendError(ErrorCodeInvalidMessage, "invalid select_model message", false)
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()

	models, err := c.server.listModels(ctx)
	switch {
	case err != nil:
		c.logger.Warn("cannot verify model, model list unavailable", "model", msg.Model, "error", err)
	case !slices.Contains(models, msg.Model):
		c.sendError(ErrorCodeUnknownModel, "model not served by backend: "+msg.Model, false)
		return
	}

	if err := c.bot.SelectModel(msg.Model); err != nil {
		c.sendError(ErrorCodeInvalidMessage, err.Error(), false)
		return
	}

	c.sendJSON(ModelMessage{
		BaseMessage: c.base(TypeModel, c.bot.Session().ID),
		Model:       msg.Model,
	})
}

// handleNewSession replaces the session bound to the connection
func (c *connection) handleNewSession() {
	old := c.bot.Session()
	sess, err := c.bot.Reset(uuid.New().String(), c.server.cfg.SystemPrompt)
	if err != nil {
		c.sendError(errorCode(err), err.Error(), false)
		return
	}

	c.server.sessions.Remove(old.ID)
	c.server.sessions.Add(sess)
	c.sendSession(sess)
}

func (c *connection) sendSession(sess *session.Session) {
	turns := sess.History()
	c.sendJSON(SessionMessage{
		BaseMessage: c.base(TypeSession, sess.ID),
		Backend:     sess.Backend,
		Model:       sess.CurrentModel(),
		Stream:      c.server.cfg.Stream,
		Turns:       turns,
	})
}

func (c *connection) base(typ, sessionID string) BaseMessage {
	return BaseMessage{
		Type:      typ,
		Ts:        time.Now().UnixMilli(),
		SessionID: sessionID,
	}
}

func (c *connection) sendError(code, message string, partial bool) {
	c.sendJSON(ErrorMessage{
		BaseMessage: c.base(TypeError, c.bot.Session().ID),
		Code:        code,
		Message:     message,
		Partial:     partial,
	})
}

// sendJSON queues v for the write pump. It blocks while the queue is full so
// fragments are never dropped; it gives up once the connection is closed.
func (c *connection) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("failed to marshal message", "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	}
}

// errorCode maps a turn cycle error to the code sent to the browser
func errorCode(err error) string {
	if errors.Is(err, chatbot.ErrEmptyInput) {
		return ErrorCodeInvalidMessage
	}

	switch chatbot.Outcome(err) {
	case telemetry.OutcomeRejected:
		return ErrorCodeInvalidState
	case telemetry.OutcomeConnection:
		return ErrorCodeConnection
	case telemetry.OutcomeBackend:
		return ErrorCodeBackend
	case telemetry.OutcomeInterrupted:
		return ErrorCodeInterrupted
	case telemetry.OutcomeCancelled:
		return ErrorCodeCancelled
	default:
		return ErrorCodeInternal
	}
}
