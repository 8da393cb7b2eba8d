package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"taskboard-api/domain"
)

const (
	defaultQueueConcurrency = 4
	queuePerCPU             = 10
	maxQueueConcurrency     = 64
)

// queueClient is the subset of azqueue.QueueClient the store needs.
type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
	GetProperties(ctx context.Context, o *azqueue.GetQueuePropertiesOptions) (azqueue.GetQueuePropertiesResponse, error)
}

// Storage provides access to underlying persistence mechanisms. Tasks are
// stored with PartitionKey = projectID and RowKey = taskID so that every row
// touched by a reposition lives in a single table partition and can be
// rewritten in one atomic batch.
type Storage struct {
	taskTable       *aztables.Client
	projectTable    *aztables.Client
	membershipTable *aztables.Client
	userTable       *aztables.Client

	notificationQueue queueClient
	queueConcurrency  int
}

// New creates a Storage instance from the given connection string.
func New(connStr, tasksTable, projectsTable, membershipsTable, usersTable, notificationQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	nq, err := azqueue.NewQueueClientFromConnectionString(connStr, notificationQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{
		taskTable:         svc.NewClient(tasksTable),
		projectTable:      svc.NewClient(projectsTable),
		membershipTable:   svc.NewClient(membershipsTable),
		userTable:         svc.NewClient(usersTable),
		notificationQueue: nq,
		queueConcurrency:  queueConcurrencyForCPU(runtime.NumCPU()),
	}, nil
}

func queueConcurrencyForCPU(cpu int) int {
	if cpu <= 0 {
		return defaultQueueConcurrency
	}
	n := cpu * queuePerCPU
	if n > maxQueueConcurrency {
		return maxQueueConcurrency
	}
	return n
}

type taskEntity struct {
	aztables.Entity
	WorkspaceID string `json:"WorkspaceID"`
	Title       string `json:"Title"`
	Description string `json:"Description"`
	Status      string `json:"Status"`
	Position    int    `json:"Position"`
	Version     int64  `json:"Version"`
	Assignees   string `json:"Assignees"`
	Labels      string `json:"Labels"`
	CreatedBy   string `json:"CreatedBy"`
	CreatedAt   string `json:"CreatedAt"`
	UpdatedAt   string `json:"UpdatedAt"`
}

func encodeTaskEntity(t domain.Task) ([]byte, error) {
	assignees, err := json.Marshal(t.Assignees)
	if err != nil {
		return nil, err
	}
	labels, err := json.Marshal(t.Labels)
	if err != nil {
		return nil, err
	}
	return json.Marshal(taskEntity{
		Entity:      aztables.Entity{PartitionKey: t.ProjectID, RowKey: t.ID},
		WorkspaceID: t.WorkspaceID,
		Title:       t.Title,
		Description: t.Description,
		Status:      string(t.Status),
		Position:    t.Position,
		Version:     t.Version,
		Assignees:   string(assignees),
		Labels:      string(labels),
		CreatedBy:   t.CreatedBy,
		CreatedAt:   t.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:   t.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
}

func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	task := domain.Task{
		ID:          ent.RowKey,
		ProjectID:   ent.PartitionKey,
		WorkspaceID: ent.WorkspaceID,
		Title:       ent.Title,
		Description: ent.Description,
		Status:      domain.Status(ent.Status),
		Position:    ent.Position,
		Version:     ent.Version,
		CreatedBy:   ent.CreatedBy,
	}
	if ent.Assignees != "" {
		if err := json.Unmarshal([]byte(ent.Assignees), &task.Assignees); err != nil {
			return domain.Task{}, err
		}
	}
	if ent.Labels != "" {
		if err := json.Unmarshal([]byte(ent.Labels), &task.Labels); err != nil {
			return domain.Task{}, err
		}
	}
	if ent.CreatedAt != "" {
		ts, err := time.Parse(time.RFC3339Nano, ent.CreatedAt)
		if err != nil {
			return domain.Task{}, err
		}
		task.CreatedAt = ts
	}
	if ent.UpdatedAt != "" {
		ts, err := time.Parse(time.RFC3339Nano, ent.UpdatedAt)
		if err != nil {
			return domain.Task{}, err
		}
		task.UpdatedAt = ts
	}
	return task, nil
}

// GetTask retrieves a task by id alone. Row keys are unique across
// partitions so the filter yields at most one entity. Returns nil when the
// task does not exist.
// filterValue quotes a caller-supplied string for use inside an OData
// filter. Single quotes are doubled per the OData escaping rule; id values
// arrive verbatim from URL params and must not be able to widen the filter.
func filterValue(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

func (s *Storage) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	filter := "RowKey eq " + filterValue(taskID)
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			task, err := decodeTaskEntity(e)
			if err != nil {
				return nil, err
			}
			return &task, nil
		}
	}
	return nil, nil
}

// InsertTask writes a new task row.
func (s *Storage) InsertTask(ctx context.Context, t domain.Task) error {
	data, err := encodeTaskEntity(t)
	if err != nil {
		return err
	}
	_, err = s.taskTable.AddEntity(ctx, data, nil)
	return err
}

// UpdateTask replaces an existing task row.
func (s *Storage) UpdateTask(ctx context.Context, t domain.Task) error {
	data, err := encodeTaskEntity(t)
	if err != nil {
		return err
	}
	_, err = s.taskTable.UpdateEntity(ctx, data, &aztables.UpdateEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}

// DeleteTask removes a task row. The vacated partition keeps its position
// gap; appends recompute from the max, not the count.
func (s *Storage) DeleteTask(ctx context.Context, projectID, taskID string) error {
	_, err := s.taskTable.DeleteEntity(ctx, projectID, taskID, nil)
	return err
}

// ListPartition returns every task in one (projectID, status) partition.
func (s *Storage) ListPartition(ctx context.Context, projectID string, status domain.Status) ([]domain.Task, error) {
	filter := "PartitionKey eq " + filterValue(projectID) + " and Status eq " + filterValue(string(status))
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			task, err := decodeTaskEntity(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

// ListProjectTasks returns every task in a project across all columns.
func (s *Storage) ListProjectTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	filter := "PartitionKey eq " + filterValue(projectID)
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			task, err := decodeTaskEntity(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

// MaxPosition returns the highest position in a (projectID, status)
// partition. The table service has no aggregate queries, so this scans the
// partition. The second result is false when the partition is empty.
func (s *Storage) MaxPosition(ctx context.Context, projectID string, status domain.Status) (int, bool, error) {
	tasks, err := s.ListPartition(ctx, projectID, status)
	if err != nil {
		return 0, false, err
	}
	if len(tasks) == 0 {
		return 0, false, nil
	}
	maxPos := tasks[0].Position
	for _, t := range tasks[1:] {
		if t.Position > maxPos {
			maxPos = t.Position
		}
	}
	return maxPos, true, nil
}

type positionPatch struct {
	aztables.Entity
	Position int `json:"Position"`
}

// ApplyReposition commits a reposition as one table transaction: a merge per
// shifted sibling plus a full replace of the moved task. Every row shares
// the moved task's project partition, which is what makes the batch atomic.
// Table batches cap at 100 operations.
func (s *Storage) ApplyReposition(ctx context.Context, moved domain.Task, shifts map[string]int) error {
	actions := make([]aztables.TransactionAction, 0, len(shifts)+1)
	for taskID, pos := range shifts {
		data, err := json.Marshal(positionPatch{
			Entity:   aztables.Entity{PartitionKey: moved.ProjectID, RowKey: taskID},
			Position: pos,
		})
		if err != nil {
			return err
		}
		actions = append(actions, aztables.TransactionAction{
			ActionType: aztables.TransactionTypeUpdateMerge,
			Entity:     data,
		})
	}
	data, err := encodeTaskEntity(moved)
	if err != nil {
		return err
	}
	actions = append(actions, aztables.TransactionAction{
		ActionType: aztables.TransactionTypeUpdateReplace,
		Entity:     data,
	})
	if _, err := s.taskTable.SubmitTransaction(ctx, actions, nil); err != nil {
		return fmt.Errorf("reposition transaction: %w", err)
	}
	return nil
}

type projectEntity struct {
	aztables.Entity
	WorkspaceID string `json:"WorkspaceID"`
	Name        string `json:"Name"`
}

// GetProject returns nil when the project does not exist.
func (s *Storage) GetProject(ctx context.Context, projectID string) (*domain.Project, error) {
	resp, err := s.projectTable.GetEntity(ctx, projectID, projectID, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var ent projectEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return nil, err
	}
	return &domain.Project{ID: ent.RowKey, WorkspaceID: ent.WorkspaceID, Name: ent.Name}, nil
}

// IsMember reports whether userID holds a membership row in the workspace.
func (s *Storage) IsMember(ctx context.Context, workspaceID, userID string) (bool, error) {
	_, err := s.membershipTable.GetEntity(ctx, workspaceID, userID, nil)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

type userEntity struct {
	aztables.Entity
	Name   string `json:"Name"`
	Email  string `json:"Email"`
	Avatar string `json:"Avatar"`
}

// GetUser resolves a user id to display attributes. Unknown ids resolve to a
// bare record rather than an error so presence rosters stay renderable.
func (s *Storage) GetUser(ctx context.Context, userID string) (domain.User, error) {
	resp, err := s.userTable.GetEntity(ctx, userID, userID, nil)
	if err != nil {
		if isNotFound(err) {
			return domain.User{ID: userID, Name: userID}, nil
		}
		return domain.User{}, err
	}
	var ent userEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return domain.User{}, err
	}
	return domain.User{ID: ent.RowKey, Name: ent.Name, Email: ent.Email, Avatar: ent.Avatar}, nil
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}
