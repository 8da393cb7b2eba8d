package api

import "taskboard-api/domain"

type createTaskRequest struct {
	ProjectID   string   `json:"projectId"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status,omitempty"`
	Assignees   []string `json:"assignees,omitempty"`
	Labels      []string `json:"labels,omitempty"`
}

// updateTaskRequest distinguishes absent fields from explicit zero values,
// so a patch can clear a description without touching the title.
type updateTaskRequest struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Status      *string   `json:"status,omitempty"`
	Position    *int      `json:"position,omitempty"`
	Assignees   *[]string `json:"assignees,omitempty"`
	Labels      *[]string `json:"labels,omitempty"`
}

type updatePositionRequest struct {
	Status   string `json:"status"`
	Position int    `json:"position"`
}

type taskResponse struct {
	Task *domain.Task `json:"task"`
}

type boardResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

type errorResponse struct {
	Error string `json:"error"`
}
