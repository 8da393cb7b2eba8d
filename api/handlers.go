package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"github.com/labstack/echo/v4"

	"taskboard-api/domain"
	"taskboard-api/tasks"
)

const requestBodyMaxSize = 256 * 1024

// TaskService is the mutation and read surface the handlers drive.
type TaskService interface {
	Create(ctx context.Context, actorID string, in tasks.CreateInput) (*domain.Task, error)
	Get(ctx context.Context, taskID string) (*domain.Task, error)
	ListProject(ctx context.Context, projectID string) ([]domain.Task, error)
	Update(ctx context.Context, actorID, taskID string, patch tasks.Patch) (*domain.Task, error)
	UpdatePosition(ctx context.Context, actorID, taskID string, target tasks.PositionTarget) (*domain.Task, error)
	Delete(ctx context.Context, actorID, taskID string) error
}

// Authenticator resolves the Authorization header to the calling identity.
type Authenticator interface {
	IdentityFromAuthHeader(h string) (Identity, error)
}

// Access gates REST access the same way room joins are gated.
type Access interface {
	CanAccessProject(ctx context.Context, userID, projectID string) (bool, error)
	CanAccessTask(ctx context.Context, userID, taskID string) (bool, error)
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, svc TaskService, auth Authenticator, access Access, logger *log.Logger) {
	e.POST("/api/tasks", createTask(svc, auth, access, logger))
	e.GET("/api/tasks/:id", getTask(svc, auth, access))
	e.PATCH("/api/tasks/:id", updateTask(svc, auth, access, logger))
	e.PUT("/api/tasks/:id/position", updatePosition(svc, auth, access, logger))
	e.DELETE("/api/tasks/:id", deleteTask(svc, auth, access, logger))
	e.GET("/api/projects/:id/tasks", getProjectTasks(svc, auth, access))
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

// statusForError maps typed mutation failures onto HTTP statuses. Anything
// unrecognized is a 500.
func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrTaskNotFound), errors.Is(err, domain.ErrProjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidStatus), errors.Is(err, domain.ErrInvalidPosition):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c echo.Context, err error) error {
	status := statusForError(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		c.Logger().Error(err)
		msg = "internal error"
	}
	return c.JSON(status, errorResponse{Error: msg})
}

func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, requestBodyMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func authorize(c echo.Context, auth Authenticator) (Identity, error) {
	return auth.IdentityFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
}

func checkTaskAccess(c echo.Context, access Access, userID, taskID string) error {
	ok, err := access.CanAccessTask(c.Request().Context(), userID, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrForbidden
	}
	return nil
}

func createTask(svc TaskService, auth Authenticator, access Access, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics := newMutationMetrics(logger, "POST /api/tasks")
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		id, authErr := authorize(c, auth)
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: authErr.Error()})
		}

		var req createTaskRequest
		if err := decodeBody(c, &req); err != nil {
			metrics.SetErrorStage("decode")
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}
		if req.ProjectID == "" || req.Title == "" {
			metrics.SetErrorStage("validate")
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "projectId and title are required"})
		}

		ctx := c.Request().Context()
		ok, accessErr := access.CanAccessProject(ctx, id.ID, req.ProjectID)
		if accessErr != nil {
			metrics.SetErrorStage("access")
			return respondError(c, accessErr)
		}
		if !ok {
			metrics.SetErrorStage("access")
			return respondError(c, domain.ErrForbidden)
		}

		applyStart := time.Now()
		task, createErr := svc.Create(ctx, id.ID, tasks.CreateInput{
			ProjectID:   req.ProjectID,
			Title:       req.Title,
			Description: req.Description,
			Status:      domain.Status(req.Status),
			Assignees:   req.Assignees,
			Labels:      req.Labels,
		})
		metrics.ObserveApply(time.Since(applyStart))
		if createErr != nil {
			metrics.SetErrorStage("apply")
			return respondError(c, createErr)
		}
		return c.JSON(http.StatusCreated, taskResponse{Task: task})
	}
}

func getTask(svc TaskService, auth Authenticator, access Access) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := authorize(c, auth)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}
		taskID := c.Param("id")
		if err := checkTaskAccess(c, access, id.ID, taskID); err != nil {
			return respondError(c, err)
		}
		task, err := svc.Get(c.Request().Context(), taskID)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusOK, taskResponse{Task: task})
	}
}

func getProjectTasks(svc TaskService, auth Authenticator, access Access) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := authorize(c, auth)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}
		projectID := c.Param("id")
		ctx := c.Request().Context()
		ok, err := access.CanAccessProject(ctx, id.ID, projectID)
		if err != nil {
			return respondError(c, err)
		}
		if !ok {
			return respondError(c, domain.ErrForbidden)
		}
		board, err := svc.ListProject(ctx, projectID)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusOK, boardResponse{Tasks: board})
	}
}

func updateTask(svc TaskService, auth Authenticator, access Access, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics := newMutationMetrics(logger, "PATCH /api/tasks/:id")
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		id, authErr := authorize(c, auth)
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: authErr.Error()})
		}

		var req updateTaskRequest
		if err := decodeBody(c, &req); err != nil {
			metrics.SetErrorStage("decode")
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}

		taskID := c.Param("id")
		if err := checkTaskAccess(c, access, id.ID, taskID); err != nil {
			metrics.SetErrorStage("access")
			return respondError(c, err)
		}

		patch := tasks.Patch{
			Title:       req.Title,
			Description: req.Description,
			Position:    req.Position,
			Assignees:   req.Assignees,
			Labels:      req.Labels,
		}
		if req.Status != nil {
			status := domain.Status(*req.Status)
			patch.Status = &status
			metrics.SetMoved(true)
		}

		applyStart := time.Now()
		task, updateErr := svc.Update(c.Request().Context(), id.ID, taskID, patch)
		metrics.ObserveApply(time.Since(applyStart))
		if updateErr != nil {
			metrics.SetErrorStage("apply")
			return respondError(c, updateErr)
		}
		return c.JSON(http.StatusOK, taskResponse{Task: task})
	}
}

func updatePosition(svc TaskService, auth Authenticator, access Access, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics := newMutationMetrics(logger, "PUT /api/tasks/:id/position")
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()
		metrics.SetMoved(true)

		authStart := time.Now()
		id, authErr := authorize(c, auth)
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: authErr.Error()})
		}

		var req updatePositionRequest
		if err := decodeBody(c, &req); err != nil {
			metrics.SetErrorStage("decode")
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}

		taskID := c.Param("id")
		if err := checkTaskAccess(c, access, id.ID, taskID); err != nil {
			metrics.SetErrorStage("access")
			return respondError(c, err)
		}

		applyStart := time.Now()
		task, moveErr := svc.UpdatePosition(c.Request().Context(), id.ID, taskID, tasks.PositionTarget{
			Status:   domain.Status(req.Status),
			Position: req.Position,
		})
		metrics.ObserveApply(time.Since(applyStart))
		if moveErr != nil {
			metrics.SetErrorStage("apply")
			return respondError(c, moveErr)
		}
		return c.JSON(http.StatusOK, taskResponse{Task: task})
	}
}

func deleteTask(svc TaskService, auth Authenticator, access Access, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics := newMutationMetrics(logger, "DELETE /api/tasks/:id")
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		id, authErr := authorize(c, auth)
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: authErr.Error()})
		}

		taskID := c.Param("id")
		if err := checkTaskAccess(c, access, id.ID, taskID); err != nil {
			metrics.SetErrorStage("access")
			return respondError(c, err)
		}

		applyStart := time.Now()
		deleteErr := svc.Delete(c.Request().Context(), id.ID, taskID)
		metrics.ObserveApply(time.Since(applyStart))
		if deleteErr != nil {
			metrics.SetErrorStage("apply")
			return respondError(c, deleteErr)
		}
		return c.NoContent(http.StatusNoContent)
	}
}
