package realtime

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard-api/domain"
)

const viewingKeyPrefix = "viewing:"

// Directory resolves user ids to display attributes for roster payloads.
type Directory interface {
	GetUser(ctx context.Context, userID string) (domain.User, error)
}

// Presence tracks which users are looking at which task detail view. Watcher
// sets live in Redis so rosters agree across processes; each declaration
// rebroadcasts the full roster of the affected tasks.
type Presence struct {
	rc        *redis.Client
	emit      Emitter
	directory Directory
	logger    *log.Logger
}

func NewPresence(rc *redis.Client, emit Emitter, directory Directory, logger *log.Logger) *Presence {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Presence{rc: rc, emit: emit, directory: directory, logger: logger}
}

// DeclareViewing moves c's viewing claim from its previous task to taskID.
// An empty taskID clears the claim. Redeclaring the current task is a no-op
// on the set and produces the same roster, so repeats are harmless.
func (p *Presence) DeclareViewing(ctx context.Context, c *Conn, taskID string) {
	previous := c.swapViewing(taskID)
	if previous == taskID {
		if taskID == "" {
			return
		}
	}
	if previous != "" && previous != taskID {
		if err := p.rc.SRem(ctx, viewingKeyPrefix+previous, c.UserID).Err(); err != nil {
			p.logger.WithError(err).WithField("task_id", previous).Warn("remove viewer")
		}
		p.BroadcastRoster(ctx, previous)
	}
	if taskID != "" {
		if err := p.rc.SAdd(ctx, viewingKeyPrefix+taskID, c.UserID).Err(); err != nil {
			p.logger.WithError(err).WithField("task_id", taskID).Warn("add viewer")
		}
		p.BroadcastRoster(ctx, taskID)
	}
}

// Disconnect releases any viewing claim held by c, typically on socket
// close.
func (p *Presence) Disconnect(ctx context.Context, c *Conn) {
	p.DeclareViewing(ctx, c, "")
}

// Viewers returns the current watcher roster for a task, resolved to
// display attributes.
func (p *Presence) Viewers(ctx context.Context, taskID string) ([]domain.User, error) {
	ids, err := p.rc.SMembers(ctx, viewingKeyPrefix+taskID).Result()
	if err != nil {
		return nil, err
	}
	users := make([]domain.User, 0, len(ids))
	for _, id := range ids {
		u, err := p.directory.GetUser(ctx, id)
		if err != nil {
			p.logger.WithError(err).WithField("user_id", id).Warn("resolve viewer")
			u = domain.User{ID: id}
		}
		users = append(users, u)
	}
	return users, nil
}

// BroadcastRoster pushes the current viewer roster of a task to its room.
// The gateway also calls this when a connection leaves the task room, so
// open detail views drop the departed watcher immediately.
func (p *Presence) BroadcastRoster(ctx context.Context, taskID string) {
	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	users, err := p.Viewers(rctx, taskID)
	if err != nil {
		p.logger.WithError(err).WithField("task_id", taskID).Warn("load viewer roster")
		return
	}
	p.emit.Emit(TaskRoom(taskID), EventUsersViewing, domain.ViewingEvent{
		TaskID: taskID,
		Users:  users,
	})
}
