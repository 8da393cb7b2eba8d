package domain

import "time"

// Status is a board column. Positions are only comparable between tasks
// sharing the same (ProjectID, Status) partition.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusInReview   Status = "in_review"
	StatusDone       Status = "done"
)

// ValidStatus reports whether s names a known board column.
func ValidStatus(s Status) bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusInReview, StatusDone:
		return true
	}
	return false
}

// Task represents a single board item.
//
// Position is a dense zero-based rank: within one (ProjectID, Status)
// partition the positions of live tasks form exactly {0..n-1}. Version is a
// monotonic counter bumped on every mutation; it is an audit field, not an
// optimistic-concurrency token.
type Task struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"projectId"`
	WorkspaceID string    `json:"workspaceId"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      Status    `json:"status"`
	Position    int       `json:"position"`
	Version     int64     `json:"version"`
	Assignees   []string  `json:"assignees,omitempty"`
	Labels      []string  `json:"labels,omitempty"`
	CreatedBy   string    `json:"createdBy"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Project maps a board to its owning workspace.
type Project struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	Name        string `json:"name"`
}

// User carries the display attributes resolved for presence rosters and
// event attribution. Never emit bare user ids on the wire.
type User struct {
	ID     string `json:"userId"`
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}
