package realtime

import (
	"context"

	"taskboard-api/domain"
)

// AccessChecker gates room joins. The gateway calls it explicitly for every
// join; it is a real capability check backed by workspace membership, not a
// permissive stub.
type AccessChecker interface {
	CanAccessWorkspace(ctx context.Context, userID, workspaceID string) (bool, error)
	CanAccessProject(ctx context.Context, userID, projectID string) (bool, error)
	CanAccessTask(ctx context.Context, userID, taskID string) (bool, error)
}

// AccessStore is the slice of the backing store the checker needs.
type AccessStore interface {
	IsMember(ctx context.Context, workspaceID, userID string) (bool, error)
	GetProject(ctx context.Context, projectID string) (*domain.Project, error)
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)
}

// StoreAccessChecker resolves project and task rooms to their owning
// workspace and checks the caller's membership row.
type StoreAccessChecker struct {
	store AccessStore
}

// NewStoreAccessChecker creates a membership-backed access checker.
func NewStoreAccessChecker(store AccessStore) *StoreAccessChecker {
	return &StoreAccessChecker{store: store}
}

func (a *StoreAccessChecker) CanAccessWorkspace(ctx context.Context, userID, workspaceID string) (bool, error) {
	return a.store.IsMember(ctx, workspaceID, userID)
}

func (a *StoreAccessChecker) CanAccessProject(ctx context.Context, userID, projectID string) (bool, error) {
	project, err := a.store.GetProject(ctx, projectID)
	if err != nil {
		return false, err
	}
	if project == nil {
		return false, nil
	}
	return a.store.IsMember(ctx, project.WorkspaceID, userID)
}

func (a *StoreAccessChecker) CanAccessTask(ctx context.Context, userID, taskID string) (bool, error) {
	task, err := a.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	return a.store.IsMember(ctx, task.WorkspaceID, userID)
}
