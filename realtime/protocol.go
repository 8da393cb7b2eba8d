package realtime

import "github.com/bytedance/sonic"

// Client -> server message names.
const (
	msgRoomJoin        = "room:join"
	msgRoomLeave       = "room:leave"
	msgPresenceUpdate  = "presence:update"
	msgPresenceViewing = "presence:viewing"
	msgTypingStart     = "typing:start"
	msgTypingStop      = "typing:stop"
)

// Server -> client event names.
const (
	EventTaskCreated     = "task:created"
	EventTaskUpdated     = "task:updated"
	EventTaskDeleted     = "task:deleted"
	EventTaskMoved       = "task:moved"
	EventUserOnline      = "presence:user_online"
	EventUserOffline     = "presence:user_offline"
	EventUsersViewing    = "presence:users_viewing"
	EventUserTyping      = "typing:user_typing"
	EventUserStopped     = "typing:user_stopped"
	EventNotificationNew = "notification:new"
	EventConnectionError = "connection:error"
)

// frame is the JSON envelope exchanged on the websocket in both directions.
type frame struct {
	Event string                 `json:"event"`
	Data  sonic.NoCopyRawMessage `json:"data,omitempty"`
}

func encodeFrame(event string, payload any) ([]byte, error) {
	data, err := sonic.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(frame{Event: event, Data: data})
}

// Room name helpers. A room is a broadcast scope; the wildcard room reaches
// every connection on every process.
const BroadcastRoom = "*"

func WorkspaceRoom(id string) string { return "workspace:" + id }
func ProjectRoom(id string) string   { return "project:" + id }
func TaskRoom(id string) string      { return "task:" + id }
func UserRoom(id string) string      { return "user:" + id }
