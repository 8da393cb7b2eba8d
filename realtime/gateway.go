package realtime

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard-api/domain"
)

// Authenticator validates the credential presented on the websocket
// handshake and resolves it to an identity.
type Authenticator interface {
	IdentityFromToken(ctx context.Context, token string) (userID, name string, err error)
}

// Gateway owns the websocket endpoint: handshake auth, room membership,
// presence declarations and typing relays.
type Gateway struct {
	hub      *Hub
	emit     Emitter
	presence *Presence
	access   AccessChecker
	auth     Authenticator
	logger   *log.Logger
	upgrader websocket.Upgrader
}

func NewGateway(hub *Hub, emit Emitter, presence *Presence, access AccessChecker, auth Authenticator, logger *log.Logger) *Gateway {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Gateway{
		hub:      hub,
		emit:     emit,
		presence: presence,
		access:   access,
		auth:     auth,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Register mounts the websocket endpoint.
func (g *Gateway) Register(e *echo.Echo) {
	e.GET("/ws", g.handleWS)
}

// credential extracts the handshake token. The dedicated auth query field
// wins, then the Authorization header, then the legacy token query param.
func credential(c echo.Context) string {
	if tok := c.QueryParam("auth"); tok != "" {
		return tok
	}
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if parts := strings.SplitN(header, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	return c.QueryParam("token")
}

func (g *Gateway) handleWS(c echo.Context) error {
	ws, err := g.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	userID, name, err := g.auth.IdentityFromToken(ctx, credential(c))
	if err != nil {
		g.logger.WithError(err).Warn("websocket handshake rejected")
		g.rejectWS(ws, "authentication failed")
		return nil
	}

	conn := newConn(uuid.NewString(), ws, userID, name)
	g.hub.register(conn)
	// Every connection implicitly joins its user room so targeted
	// notifications reach it without an explicit subscription.
	g.hub.Join(conn, UserRoom(userID))

	g.emit.EmitExcept(BroadcastRoom, EventUserOnline, domain.PresenceEvent{
		UserID:    userID,
		Name:      name,
		Status:    "online",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, conn)
	g.logger.WithFields(log.Fields{"conn": conn.ID, "user": userID}).Info("websocket connected")

	go conn.writePump()
	conn.readPump(g.dispatch, g.onDisconnect)
	return nil
}

// rejectWS tells an unauthenticated client why it is being dropped before
// closing the socket.
func (g *Gateway) rejectWS(ws *websocket.Conn, reason string) {
	if data, err := encodeFrame(EventConnectionError, domain.ErrorEvent{Message: reason}); err == nil {
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = ws.WriteMessage(websocket.TextMessage, data)
	}
	_ = ws.Close()
}

func (g *Gateway) onDisconnect(conn *Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g.presence.Disconnect(ctx, conn)
	g.hub.unregister(conn)
	g.emit.Emit(BroadcastRoom, EventUserOffline, domain.PresenceEvent{
		UserID:    conn.UserID,
		Name:      conn.Name,
		Status:    "offline",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	g.logger.WithFields(log.Fields{"conn": conn.ID, "user": conn.UserID}).Info("websocket disconnected")
}

// roomMessage names any subset of scopes to join or leave. Each present id
// is handled independently.
type roomMessage struct {
	WorkspaceID string `json:"workspaceId,omitempty"`
	ProjectID   string `json:"projectId,omitempty"`
	TaskID      string `json:"taskId,omitempty"`
}

type viewingMessage struct {
	TaskID string `json:"taskId"`
}

type statusMessage struct {
	Status string `json:"status"`
}

type typingMessage struct {
	TaskID    string `json:"taskId"`
	CommentID string `json:"commentId,omitempty"`
}

// dispatch routes one inbound frame. Malformed frames and denied joins are
// answered with connection:error on the offending connection only.
func (g *Gateway) dispatch(conn *Conn, data []byte) {
	var f frame
	if err := sonic.Unmarshal(data, &f); err != nil {
		g.sendError(conn, "malformed message")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch f.Event {
	case msgRoomJoin:
		var m roomMessage
		if err := sonic.Unmarshal(f.Data, &m); err != nil {
			g.sendError(conn, "malformed room request")
			return
		}
		g.joinRooms(ctx, conn, m)
	case msgRoomLeave:
		var m roomMessage
		if err := sonic.Unmarshal(f.Data, &m); err != nil {
			g.sendError(conn, "malformed room request")
			return
		}
		g.leaveRooms(ctx, conn, m)
	case msgPresenceUpdate:
		var m statusMessage
		if err := sonic.Unmarshal(f.Data, &m); err != nil {
			g.sendError(conn, "malformed presence update")
			return
		}
		g.broadcastStatus(conn, m.Status)
	case msgPresenceViewing:
		var m viewingMessage
		if err := sonic.Unmarshal(f.Data, &m); err != nil {
			g.sendError(conn, "malformed viewing declaration")
			return
		}
		g.presence.DeclareViewing(ctx, conn, m.TaskID)
	case msgTypingStart:
		g.relayTyping(conn, f.Data, EventUserTyping)
	case msgTypingStop:
		g.relayTyping(conn, f.Data, EventUserStopped)
	default:
		g.logger.WithFields(log.Fields{"conn": conn.ID, "event": f.Event}).Debug("ignoring unknown message")
	}
}

// joinRooms admits the connection to each named scope after its own
// membership check. One denied scope does not block the others.
func (g *Gateway) joinRooms(ctx context.Context, conn *Conn, m roomMessage) {
	if m.WorkspaceID != "" {
		g.joinScoped(ctx, conn, WorkspaceRoom(m.WorkspaceID), "workspace", func(ctx context.Context) (bool, error) {
			return g.access.CanAccessWorkspace(ctx, conn.UserID, m.WorkspaceID)
		})
	}
	if m.ProjectID != "" {
		g.joinScoped(ctx, conn, ProjectRoom(m.ProjectID), "project", func(ctx context.Context) (bool, error) {
			return g.access.CanAccessProject(ctx, conn.UserID, m.ProjectID)
		})
	}
	if m.TaskID != "" {
		g.joinScoped(ctx, conn, TaskRoom(m.TaskID), "task", func(ctx context.Context) (bool, error) {
			return g.access.CanAccessTask(ctx, conn.UserID, m.TaskID)
		})
	}
}

func (g *Gateway) joinScoped(ctx context.Context, conn *Conn, room, scope string, check func(context.Context) (bool, error)) {
	allowed, err := check(ctx)
	if err != nil {
		g.logger.WithError(err).WithFields(log.Fields{"user": conn.UserID, "room": room}).Error("room access check failed")
		g.sendError(conn, "room access check failed")
		return
	}
	if !allowed {
		g.logger.WithFields(log.Fields{"user": conn.UserID, "room": room}).Warn("room access denied")
		g.sendError(conn, "Access denied to "+scope)
		return
	}
	g.hub.Join(conn, room)
}

// leaveRooms drops the connection from each named scope. Leaves need no
// access check. A task-room leave rebroadcasts the viewer roster so open
// detail views drop the departed watcher right away.
func (g *Gateway) leaveRooms(ctx context.Context, conn *Conn, m roomMessage) {
	if m.WorkspaceID != "" {
		g.hub.Leave(conn, WorkspaceRoom(m.WorkspaceID))
	}
	if m.ProjectID != "" {
		g.hub.Leave(conn, ProjectRoom(m.ProjectID))
	}
	if m.TaskID != "" {
		g.hub.Leave(conn, TaskRoom(m.TaskID))
		g.presence.BroadcastRoster(ctx, m.TaskID)
	}
}

func (g *Gateway) broadcastStatus(conn *Conn, status string) {
	if status == "" {
		status = "online"
	}
	g.emit.EmitExcept(BroadcastRoom, EventUserOnline, domain.PresenceEvent{
		UserID:    conn.UserID,
		Name:      conn.Name,
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, conn)
}

// relayTyping forwards a typing signal to everyone else in the task room.
// Typing state is ephemeral and never persisted.
func (g *Gateway) relayTyping(conn *Conn, data sonic.NoCopyRawMessage, event string) {
	var m typingMessage
	if err := sonic.Unmarshal(data, &m); err != nil || m.TaskID == "" {
		g.sendError(conn, "malformed typing signal")
		return
	}
	g.emit.EmitExcept(TaskRoom(m.TaskID), event, domain.TypingEvent{
		UserID:    conn.UserID,
		Name:      conn.Name,
		TaskID:    m.TaskID,
		CommentID: m.CommentID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, conn)
}

func (g *Gateway) sendError(conn *Conn, message string) {
	data, err := encodeFrame(EventConnectionError, domain.ErrorEvent{Message: message})
	if err != nil {
		return
	}
	conn.enqueue(data, g.logger)
}
