package realtime

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/alicebob/miniredis/v2"
)

func TestCredentialPrecedence(t *testing.T) {
	cases := []struct {
		name   string
		target string
		header string
		want   string
	}{
		{name: "auth query wins", target: "/ws?auth=handshake&token=legacy", header: "Bearer header", want: "handshake"},
		{name: "bearer header beats token query", target: "/ws?token=legacy", header: "Bearer header", want: "header"},
		{name: "token query is the fallback", target: "/ws?token=legacy", want: "legacy"},
		{name: "non-bearer header ignored", target: "/ws?token=legacy", header: "Basic abc", want: "legacy"},
		{name: "nothing presented", target: "/ws", want: ""},
	}
	e := echo.New()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(echo.GET, tc.target, nil)
			if tc.header != "" {
				req.Header.Set(echo.HeaderAuthorization, tc.header)
			}
			c := e.NewContext(req, httptest.NewRecorder())
			if got := credential(c); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

type stubAccess struct {
	workspaces map[string]bool
	projects   map[string]bool
	tasks      map[string]bool
}

func (s stubAccess) CanAccessWorkspace(_ context.Context, _, id string) (bool, error) {
	return s.workspaces[id], nil
}

func (s stubAccess) CanAccessProject(_ context.Context, _, id string) (bool, error) {
	return s.projects[id], nil
}

func (s stubAccess) CanAccessTask(_ context.Context, _, id string) (bool, error) {
	return s.tasks[id], nil
}

func newTestGateway(t *testing.T, access AccessChecker) (*Gateway, *Hub) {
	t.Helper()
	mr := miniredis.RunT(t)
	hub := NewHub(nil)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	presence := NewPresence(rc, hub, namesDirectory{}, nil)
	return NewGateway(hub, hub, presence, access, nil, nil), hub
}

func TestRoomJoinAdmitsEachRequestedScope(t *testing.T) {
	access := stubAccess{
		workspaces: map[string]bool{"w1": true},
		projects:   map[string]bool{"p1": true},
		tasks:      map[string]bool{"t1": true},
	}
	g, hub := newTestGateway(t, access)
	c := testConn("c1", "u1", "Ada")
	hub.register(c)

	g.dispatch(c, []byte(`{"event":"room:join","data":{"projectId":"p1"}}`))

	if hub.RoomSize(ProjectRoom("p1")) != 1 {
		t.Fatal("expected admission to project room")
	}
	assertNoFrame(t, c)

	g.dispatch(c, []byte(`{"event":"room:join","data":{"workspaceId":"w1","taskId":"t1"}}`))

	if hub.RoomSize(WorkspaceRoom("w1")) != 1 || hub.RoomSize(TaskRoom("t1")) != 1 {
		t.Fatal("expected admission to both scopes of one request")
	}
}

func TestRoomJoinDeniesScopesIndependently(t *testing.T) {
	access := stubAccess{projects: map[string]bool{"p1": true}}
	g, hub := newTestGateway(t, access)
	c := testConn("c1", "u1", "Ada")
	hub.register(c)

	g.dispatch(c, []byte(`{"event":"room:join","data":{"projectId":"p1","taskId":"t-secret"}}`))

	if hub.RoomSize(ProjectRoom("p1")) != 1 {
		t.Fatal("denied task scope must not block the granted project scope")
	}
	if hub.RoomSize(TaskRoom("t-secret")) != 0 {
		t.Fatal("expected denial for the task scope")
	}
	f := receiveFrame(t, c)
	if f.Event != EventConnectionError {
		t.Fatalf("expected %s, got %s", EventConnectionError, f.Event)
	}
}

func TestRoomJoinDeniedWorkspace(t *testing.T) {
	g, hub := newTestGateway(t, stubAccess{})
	c := testConn("c1", "u1", "Ada")
	hub.register(c)

	g.dispatch(c, []byte(`{"event":"room:join","data":{"workspaceId":"w-secret"}}`))

	if hub.RoomSize(WorkspaceRoom("w-secret")) != 0 {
		t.Fatal("expected denial")
	}
	if f := receiveFrame(t, c); f.Event != EventConnectionError {
		t.Fatalf("expected %s, got %s", EventConnectionError, f.Event)
	}
}

func TestDispatchRelaysTypingToTaskRoomExcludingSender(t *testing.T) {
	access := stubAccess{tasks: map[string]bool{"t1": true}}
	g, hub := newTestGateway(t, access)
	sender := testConn("c1", "u1", "Ada")
	watcher := testConn("c2", "u2", "Grace")
	hub.register(sender)
	hub.register(watcher)
	hub.Join(sender, TaskRoom("t1"))
	hub.Join(watcher, TaskRoom("t1"))

	g.dispatch(sender, []byte(`{"event":"typing:start","data":{"taskId":"t1"}}`))

	f := receiveFrame(t, watcher)
	if f.Event != EventUserTyping {
		t.Fatalf("expected %s, got %s", EventUserTyping, f.Event)
	}
	assertNoFrame(t, sender)

	g.dispatch(sender, []byte(`{"event":"typing:stop","data":{"taskId":"t1"}}`))
	if f := receiveFrame(t, watcher); f.Event != EventUserStopped {
		t.Fatalf("expected %s, got %s", EventUserStopped, f.Event)
	}
}

func TestDispatchRejectsMalformedFrames(t *testing.T) {
	g, hub := newTestGateway(t, stubAccess{})
	c := testConn("c1", "u1", "Ada")
	hub.register(c)

	g.dispatch(c, []byte(`not json`))

	if f := receiveFrame(t, c); f.Event != EventConnectionError {
		t.Fatalf("expected %s, got %s", EventConnectionError, f.Event)
	}
}

func TestDispatchViewingDeclaration(t *testing.T) {
	g, hub := newTestGateway(t, stubAccess{})
	c := testConn("c1", "u1", "Ada")
	hub.register(c)
	hub.Join(c, TaskRoom("t1"))

	g.dispatch(c, []byte(`{"event":"presence:viewing","data":{"taskId":"t1"}}`))

	if c.Viewing() != "t1" {
		t.Fatalf("expected viewing pointer t1, got %q", c.Viewing())
	}
	if f := receiveFrame(t, c); f.Event != EventUsersViewing {
		t.Fatalf("expected %s, got %s", EventUsersViewing, f.Event)
	}
}

func TestDispatchLeaveRoom(t *testing.T) {
	g, hub := newTestGateway(t, stubAccess{})
	c := testConn("c1", "u1", "Ada")
	hub.register(c)
	hub.Join(c, ProjectRoom("p1"))

	g.dispatch(c, []byte(`{"event":"room:leave","data":{"projectId":"p1"}}`))

	if hub.RoomSize(ProjectRoom("p1")) != 0 {
		t.Fatal("expected room left")
	}
}

func TestTaskRoomLeaveRebroadcastsRoster(t *testing.T) {
	g, hub := newTestGateway(t, stubAccess{})
	leaver := testConn("c1", "u1", "Ada")
	watcher := testConn("c2", "u2", "Grace")
	hub.register(leaver)
	hub.register(watcher)
	hub.Join(leaver, TaskRoom("t1"))
	hub.Join(watcher, TaskRoom("t1"))

	g.dispatch(leaver, []byte(`{"event":"room:leave","data":{"taskId":"t1"}}`))

	if hub.RoomSize(TaskRoom("t1")) != 1 {
		t.Fatal("expected leaver removed from task room")
	}
	f := receiveFrame(t, watcher)
	if f.Event != EventUsersViewing {
		t.Fatalf("expected %s after a task room leave, got %s", EventUsersViewing, f.Event)
	}
}

func TestDispatchIgnoresUnknownEvents(t *testing.T) {
	g, hub := newTestGateway(t, stubAccess{})
	c := testConn("c1", "u1", "Ada")
	hub.register(c)

	g.dispatch(c, []byte(`{"event":"something:else","data":{}}`))

	assertNoFrame(t, c)
}
