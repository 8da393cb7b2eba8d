// Package tasks implements the task mutation service: create, update,
// delete and reposition, including the position-shift algorithm that keeps
// every (project, status) partition densely ranked.
package tasks

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"taskboard-api/domain"
)

// Store abstracts the backing task store for the service.
type Store interface {
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)
	InsertTask(ctx context.Context, t domain.Task) error
	UpdateTask(ctx context.Context, t domain.Task) error
	DeleteTask(ctx context.Context, projectID, taskID string) error
	ListPartition(ctx context.Context, projectID string, status domain.Status) ([]domain.Task, error)
	ListProjectTasks(ctx context.Context, projectID string) ([]domain.Task, error)
	MaxPosition(ctx context.Context, projectID string, status domain.Status) (int, bool, error)
	ApplyReposition(ctx context.Context, moved domain.Task, shifts map[string]int) error
	GetProject(ctx context.Context, projectID string) (*domain.Project, error)
}

// Cache is the cache-aside read path fronting the store. Invalidate must be
// called after every successful mutation.
type Cache interface {
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)
	Invalidate(ctx context.Context, taskID string)
}

// Broadcaster fans committed mutations out to connected clients. Calls are
// fire-and-forget; a delivery failure never fails the mutation.
type Broadcaster interface {
	TaskCreated(ev domain.TaskEvent)
	TaskUpdated(ev domain.TaskEvent)
	TaskDeleted(ev domain.TaskEvent)
	TaskMoved(ev domain.TaskEvent)
}

// Notifier receives the ids of users newly assigned by a mutation.
type Notifier interface {
	TaskAssigned(ctx context.Context, userIDs []string, task domain.Task, actor domain.Actor)
}

// Directory resolves user ids to display attributes for event attribution.
type Directory interface {
	GetUser(ctx context.Context, userID string) (domain.User, error)
}

// Locker serializes reposition transactions per (projectID, status)
// partition across all processes.
type Locker interface {
	LockPartitions(ctx context.Context, keys ...string) (func(), error)
}

// Service owns task mutations and the reposition algorithm.
type Service struct {
	store     Store
	cache     Cache
	broadcast Broadcaster
	notify    Notifier
	directory Directory
	locks     Locker
	logger    *log.Logger

	now   func() time.Time
	newID func() string
}

// NewService wires a task mutation service. broadcast, notify and locks may
// not be nil; pass the local-only implementations when degraded.
func NewService(store Store, cache Cache, broadcast Broadcaster, notify Notifier, directory Directory, locks Locker, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Service{
		store:     store,
		cache:     cache,
		broadcast: broadcast,
		notify:    notify,
		directory: directory,
		locks:     locks,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// CreateInput carries the fields for a new task.
type CreateInput struct {
	ProjectID   string
	Title       string
	Description string
	Status      domain.Status
	Assignees   []string
	Labels      []string
}

// Patch carries the optional fields of an update. A nil field is untouched.
type Patch struct {
	Title       *string
	Description *string
	Status      *domain.Status
	Position    *int
	Assignees   *[]string
	Labels      *[]string
}

// PositionTarget names the destination of an explicit reposition.
type PositionTarget struct {
	Status   domain.Status
	Position int
}

// Create inserts a task at the tail of its column: max existing position
// plus one, or zero for an empty column. Nothing is cached yet, so there is
// no cache interaction.
func (s *Service) Create(ctx context.Context, actorID string, in CreateInput) (*domain.Task, error) {
	status := in.Status
	if status == "" {
		status = domain.StatusTodo
	}
	if !domain.ValidStatus(status) {
		return nil, domain.ErrInvalidStatus
	}

	project, err := s.store.GetProject(ctx, in.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}
	if project == nil {
		return nil, domain.ErrProjectNotFound
	}

	unlock, err := s.locks.LockPartitions(ctx, partitionKey(in.ProjectID, status))
	if err != nil {
		return nil, err
	}
	defer unlock()

	position := 0
	if maxPos, ok, err := s.store.MaxPosition(ctx, in.ProjectID, status); err != nil {
		return nil, fmt.Errorf("max position: %w", err)
	} else if ok {
		position = maxPos + 1
	}

	now := s.now().UTC()
	task := domain.Task{
		ID:          s.newID(),
		ProjectID:   in.ProjectID,
		WorkspaceID: project.WorkspaceID,
		Title:       in.Title,
		Description: in.Description,
		Status:      status,
		Position:    position,
		Version:     1,
		Assignees:   in.Assignees,
		Labels:      in.Labels,
		CreatedBy:   actorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.InsertTask(ctx, task); err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}

	actor := s.resolveActor(ctx, actorID)
	if len(task.Assignees) > 0 {
		s.notify.TaskAssigned(ctx, task.Assignees, task, actor)
	}
	s.broadcast.TaskCreated(domain.TaskEvent{
		TaskID:      task.ID,
		ProjectID:   task.ProjectID,
		WorkspaceID: task.WorkspaceID,
		Task:        &task,
		UpdatedBy:   actor,
	})
	return &task, nil
}

// Get reads a single task through the cache.
func (s *Service) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	t, err := s.cache.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if t == nil {
		return nil, domain.ErrTaskNotFound
	}
	return t, nil
}

// ListProject returns every task on a project's board, straight from the
// store. Board loads want a consistent snapshot, not per-task cache entries.
func (s *Service) ListProject(ctx context.Context, projectID string) ([]domain.Task, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}
	if project == nil {
		return nil, domain.ErrProjectNotFound
	}
	return s.store.ListProjectTasks(ctx, projectID)
}

// Update applies a patch. A status change is a cross-partition move and runs
// the reposition algorithm; anything else is a simple field update. Every
// successful mutation bumps the version by one and invalidates the task's
// cache entry.
func (s *Service) Update(ctx context.Context, actorID, taskID string, patch Patch) (*domain.Task, error) {
	cur, err := s.cache.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if cur == nil {
		return nil, domain.ErrTaskNotFound
	}

	updates := map[string]any{}
	updated := *cur
	if patch.Title != nil {
		updated.Title = *patch.Title
		updates["title"] = *patch.Title
	}
	if patch.Description != nil {
		updated.Description = *patch.Description
		updates["description"] = *patch.Description
	}
	if patch.Assignees != nil {
		updated.Assignees = *patch.Assignees
		updates["assignees"] = *patch.Assignees
	}
	if patch.Labels != nil {
		updated.Labels = *patch.Labels
		updates["labels"] = *patch.Labels
	}

	moved := false
	if patch.Status != nil && *patch.Status != cur.Status {
		if !domain.ValidStatus(*patch.Status) {
			return nil, domain.ErrInvalidStatus
		}
		moved = true
	} else if patch.Position != nil && *patch.Position != cur.Position {
		// A bare position change is a same-column reorder.
		moved = true
	}

	if moved {
		newStatus := cur.Status
		if patch.Status != nil {
			newStatus = *patch.Status
		}
		target, err := s.repositionLocked(ctx, cur, &updated, newStatus, patch.Position)
		if err != nil {
			return nil, err
		}
		updated = *target
		updates["status"] = updated.Status
		updates["previousStatus"] = cur.Status
		updates["position"] = updated.Position
	} else {
		updated.Version = cur.Version + 1
		updated.UpdatedAt = s.now().UTC()
		if err := s.store.UpdateTask(ctx, updated); err != nil {
			return nil, fmt.Errorf("update task: %w", err)
		}
	}
	s.cache.Invalidate(ctx, taskID)

	actor := s.resolveActor(ctx, actorID)
	if added := addedAssignees(cur.Assignees, updated.Assignees); len(added) > 0 {
		s.notify.TaskAssigned(ctx, added, updated, actor)
	}

	ev := domain.TaskEvent{
		TaskID:      updated.ID,
		ProjectID:   updated.ProjectID,
		WorkspaceID: updated.WorkspaceID,
		Updates:     updates,
		UpdatedBy:   actor,
	}
	if moved {
		s.broadcast.TaskMoved(ev)
	} else {
		s.broadcast.TaskUpdated(ev)
	}
	return &updated, nil
}

// UpdatePosition is the explicit reposition: same algorithm as the move path
// of Update, without other field changes.
func (s *Service) UpdatePosition(ctx context.Context, actorID, taskID string, target PositionTarget) (*domain.Task, error) {
	if !domain.ValidStatus(target.Status) {
		return nil, domain.ErrInvalidStatus
	}
	cur, err := s.cache.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if cur == nil {
		return nil, domain.ErrTaskNotFound
	}

	updated := *cur
	pos := target.Position
	moved, err := s.repositionLocked(ctx, cur, &updated, target.Status, &pos)
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, taskID)

	actor := s.resolveActor(ctx, actorID)
	s.broadcast.TaskMoved(domain.TaskEvent{
		TaskID:      moved.ID,
		ProjectID:   moved.ProjectID,
		WorkspaceID: moved.WorkspaceID,
		Updates: map[string]any{
			"status":         moved.Status,
			"previousStatus": cur.Status,
			"position":       moved.Position,
		},
		UpdatedBy: actor,
	})
	return moved, nil
}

// Delete removes the row and invalidates the cache. The vacated partition is
// not compacted: the gap is tolerated and the next append recomputes from
// the max position, not the count.
func (s *Service) Delete(ctx context.Context, actorID, taskID string) error {
	cur, err := s.cache.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if cur == nil {
		return domain.ErrTaskNotFound
	}
	if err := s.store.DeleteTask(ctx, cur.ProjectID, taskID); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	s.cache.Invalidate(ctx, taskID)

	s.broadcast.TaskDeleted(domain.TaskEvent{
		TaskID:      taskID,
		ProjectID:   cur.ProjectID,
		WorkspaceID: cur.WorkspaceID,
		UpdatedBy:   s.resolveActor(ctx, actorID),
	})
	return nil
}

// repositionLocked moves cur to (newStatus, position) under the partition
// locks for both the vacated and the destination column. A nil position
// appends to the destination. The updated task (with bumped version) is
// returned; the base carries any pending field changes from an Update patch.
func (s *Service) repositionLocked(ctx context.Context, cur *domain.Task, base *domain.Task, newStatus domain.Status, position *int) (*domain.Task, error) {
	unlock, err := s.locks.LockPartitions(ctx,
		partitionKey(cur.ProjectID, cur.Status),
		partitionKey(cur.ProjectID, newStatus),
	)
	if err != nil {
		return nil, err
	}
	defer unlock()

	oldList, err := s.store.ListPartition(ctx, cur.ProjectID, cur.Status)
	if err != nil {
		return nil, fmt.Errorf("list partition: %w", err)
	}
	sameColumn := newStatus == cur.Status
	newList := oldList
	if !sameColumn {
		newList, err = s.store.ListPartition(ctx, cur.ProjectID, newStatus)
		if err != nil {
			return nil, fmt.Errorf("list partition: %w", err)
		}
	}

	newPos, err := resolvePosition(newList, cur.ID, sameColumn, position)
	if err != nil {
		return nil, err
	}
	shifts := computeShifts(oldList, newList, cur.ID, cur.Position, newPos, sameColumn)

	moved := *base
	moved.Status = newStatus
	moved.Position = newPos
	moved.Version = cur.Version + 1
	moved.UpdatedAt = s.now().UTC()
	if err := s.store.ApplyReposition(ctx, moved, shifts); err != nil {
		return nil, err
	}
	return &moved, nil
}

// resolvePosition validates an explicit target index or computes the append
// index. The append index comes from the max position, not the count, so
// uncompacted gaps left by deletes are preserved.
func resolvePosition(target []domain.Task, movingID string, sameColumn bool, position *int) (int, error) {
	appendPos := 0
	for _, t := range target {
		if t.ID == movingID {
			continue
		}
		if t.Position >= appendPos {
			appendPos = t.Position + 1
		}
	}
	limit := appendPos
	if sameColumn {
		// Reordering within a column: the mover vacates a slot first, so
		// the highest landing index is one less than a cross-column append.
		limit = appendPos - 1
		if limit < 0 {
			limit = 0
		}
	}
	if position == nil {
		return limit, nil
	}
	if *position < 0 || *position > limit {
		return 0, domain.ErrInvalidPosition
	}
	return *position, nil
}

// computeShifts realizes the two shift steps of a reposition: close the
// vacated slot (decrement positions above oldPos in the old column), then
// open the destination slot (increment positions at or above newPos in the
// new column). For an intra-column reorder both steps apply to the same
// partition in order.
func computeShifts(oldList, newList []domain.Task, movingID string, oldPos, newPos int, sameColumn bool) map[string]int {
	shifts := make(map[string]int)
	if sameColumn {
		for _, t := range oldList {
			if t.ID == movingID {
				continue
			}
			p := t.Position
			if p > oldPos {
				p--
			}
			if p >= newPos {
				p++
			}
			if p != t.Position {
				shifts[t.ID] = p
			}
		}
		return shifts
	}
	for _, t := range oldList {
		if t.ID == movingID {
			continue
		}
		if t.Position > oldPos {
			shifts[t.ID] = t.Position - 1
		}
	}
	for _, t := range newList {
		if t.Position >= newPos {
			shifts[t.ID] = t.Position + 1
		}
	}
	return shifts
}

// addedAssignees returns the ids present in next but not in prev. Removed or
// unchanged assignees receive no notification.
func addedAssignees(prev, next []string) []string {
	seen := make(map[string]struct{}, len(prev))
	for _, id := range prev {
		seen[id] = struct{}{}
	}
	var added []string
	for _, id := range next {
		if _, ok := seen[id]; !ok {
			added = append(added, id)
		}
	}
	sort.Strings(added)
	return added
}

func (s *Service) resolveActor(ctx context.Context, actorID string) domain.Actor {
	user, err := s.directory.GetUser(ctx, actorID)
	if err != nil {
		s.logger.WithError(err).WithField("user", actorID).Warn("resolve actor failed")
		return domain.Actor{UserID: actorID, Name: actorID}
	}
	return domain.Actor{UserID: actorID, Name: user.Name}
}

func partitionKey(projectID string, status domain.Status) string {
	return projectID + ":" + string(status)
}
