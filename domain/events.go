package domain

// Actor identifies who performed a mutation, resolved to display attributes.
type Actor struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

// TaskEvent is the envelope broadcast for task:created, task:updated,
// task:deleted and task:moved. Task carries the full post-mutation snapshot
// for created events; Updates carries the applied patch for update/move
// events. Events are idempotent full-state notifications keyed by TaskID, so
// duplicate delivery across processes is harmless.
type TaskEvent struct {
	TaskID      string         `json:"taskId"`
	ProjectID   string         `json:"projectId"`
	WorkspaceID string         `json:"workspaceId"`
	Task        *Task          `json:"task,omitempty"`
	Updates     map[string]any `json:"updates,omitempty"`
	UpdatedBy   Actor          `json:"updatedBy"`
}

// PresenceEvent is broadcast as presence:user_online / presence:user_offline.
type PresenceEvent struct {
	UserID    string `json:"userId"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ViewingEvent is broadcast as presence:users_viewing whenever a task's
// viewer roster changes.
type ViewingEvent struct {
	TaskID string `json:"taskId"`
	Users  []User `json:"users"`
}

// TypingEvent is relayed as typing:user_typing / typing:user_stopped. It is
// never persisted.
type TypingEvent struct {
	UserID    string `json:"userId"`
	Name      string `json:"name"`
	TaskID    string `json:"taskId"`
	CommentID string `json:"commentId,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Notification is delivered to newly assigned users, both on the
// notification queue and as notification:new on their user room.
type Notification struct {
	UserID    string `json:"userId"`
	TaskID    string `json:"taskId"`
	ProjectID string `json:"projectId"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	ActorID   string `json:"actorId"`
	ActorName string `json:"actorName"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorEvent is sent to a client as connection:error for auth and access
// failures on the real-time channel.
type ErrorEvent struct {
	Message string `json:"message"`
}
