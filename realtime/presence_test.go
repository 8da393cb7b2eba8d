package realtime

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"taskboard-api/domain"
)

type recordedEmit struct {
	room    string
	event   string
	payload any
}

type recordingEmitter struct {
	mu    sync.Mutex
	emits []recordedEmit
}

func (r *recordingEmitter) Emit(room, event string, payload any) {
	r.EmitExcept(room, event, payload, nil)
}

func (r *recordingEmitter) EmitExcept(room, event string, payload any, _ *Conn) {
	r.mu.Lock()
	r.emits = append(r.emits, recordedEmit{room: room, event: event, payload: payload})
	r.mu.Unlock()
}

func (r *recordingEmitter) rosterFor(t *testing.T, taskID string) []string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.emits) - 1; i >= 0; i-- {
		e := r.emits[i]
		if e.event != EventUsersViewing || e.room != TaskRoom(taskID) {
			continue
		}
		ev, ok := e.payload.(domain.ViewingEvent)
		if !ok {
			t.Fatalf("unexpected payload type %T", e.payload)
		}
		ids := make([]string, 0, len(ev.Users))
		for _, u := range ev.Users {
			ids = append(ids, u.ID)
		}
		sort.Strings(ids)
		return ids
	}
	t.Fatalf("no roster broadcast for task %s", taskID)
	return nil
}

type namesDirectory struct{}

func (namesDirectory) GetUser(_ context.Context, userID string) (domain.User, error) {
	return domain.User{ID: userID, Name: "name-" + userID}, nil
}

func newTestPresence(t *testing.T) (*Presence, *recordingEmitter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	emit := &recordingEmitter{}
	p := NewPresence(redis.NewClient(&redis.Options{Addr: mr.Addr()}), emit, namesDirectory{}, nil)
	return p, emit, mr
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDeclareViewingBroadcastsRoster(t *testing.T) {
	p, emit, _ := newTestPresence(t)
	ctx := context.Background()
	a := testConn("c1", "u1", "Ada")
	b := testConn("c2", "u2", "Grace")

	p.DeclareViewing(ctx, a, "t1")
	p.DeclareViewing(ctx, b, "t1")

	if got := emit.rosterFor(t, "t1"); !equalIDs(got, []string{"u1", "u2"}) {
		t.Fatalf("expected both viewers, got %v", got)
	}
}

func TestSwitchingTasksUpdatesBothRosters(t *testing.T) {
	p, emit, _ := newTestPresence(t)
	ctx := context.Background()
	a := testConn("c1", "u1", "Ada")
	b := testConn("c2", "u2", "Grace")
	p.DeclareViewing(ctx, a, "t1")
	p.DeclareViewing(ctx, b, "t1")

	p.DeclareViewing(ctx, a, "t2")

	if got := emit.rosterFor(t, "t1"); !equalIDs(got, []string{"u2"}) {
		t.Fatalf("expected u1 removed from t1, got %v", got)
	}
	if got := emit.rosterFor(t, "t2"); !equalIDs(got, []string{"u1"}) {
		t.Fatalf("expected u1 on t2, got %v", got)
	}
}

func TestRedeclaringSameTaskKeepsSingleEntry(t *testing.T) {
	p, emit, mr := newTestPresence(t)
	ctx := context.Background()
	c := testConn("c1", "u1", "Ada")

	p.DeclareViewing(ctx, c, "t1")
	p.DeclareViewing(ctx, c, "t1")

	members, err := mr.Members(viewingKeyPrefix + "t1")
	if err != nil {
		t.Fatalf("read viewer set: %v", err)
	}
	if len(members) != 1 || members[0] != "u1" {
		t.Fatalf("expected single entry, got %v", members)
	}
	if got := emit.rosterFor(t, "t1"); !equalIDs(got, []string{"u1"}) {
		t.Fatalf("expected roster of one, got %v", got)
	}
}

func TestDisconnectRemovesViewerAndRebroadcasts(t *testing.T) {
	p, emit, mr := newTestPresence(t)
	ctx := context.Background()
	a := testConn("c1", "u1", "Ada")
	b := testConn("c2", "u2", "Grace")
	p.DeclareViewing(ctx, a, "t1")
	p.DeclareViewing(ctx, b, "t1")

	p.Disconnect(ctx, a)

	if got := emit.rosterFor(t, "t1"); !equalIDs(got, []string{"u2"}) {
		t.Fatalf("expected only u2 after disconnect, got %v", got)
	}
	if a.Viewing() != "" {
		t.Fatalf("expected cleared viewing pointer, got %q", a.Viewing())
	}
	members, err := mr.Members(viewingKeyPrefix + "t1")
	if err != nil {
		t.Fatalf("read viewer set: %v", err)
	}
	if len(members) != 1 || members[0] != "u2" {
		t.Fatalf("expected u2 only in set, got %v", members)
	}
}

func TestDisconnectWhileViewingNothingIsNoop(t *testing.T) {
	p, emit, _ := newTestPresence(t)
	c := testConn("c1", "u1", "Ada")

	p.Disconnect(context.Background(), c)

	emit.mu.Lock()
	defer emit.mu.Unlock()
	if len(emit.emits) != 0 {
		t.Fatalf("expected no broadcasts, got %d", len(emit.emits))
	}
}

func TestViewersResolvesDisplayNames(t *testing.T) {
	p, _, _ := newTestPresence(t)
	ctx := context.Background()
	p.DeclareViewing(ctx, testConn("c1", "u1", "Ada"), "t1")

	users, err := p.Viewers(ctx, "t1")
	if err != nil {
		t.Fatalf("viewers: %v", err)
	}
	if len(users) != 1 || users[0].Name != "name-u1" {
		t.Fatalf("expected resolved display name, got %+v", users)
	}
}
