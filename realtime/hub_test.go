package realtime

import (
	"testing"
	"time"

	"github.com/bytedance/sonic"
)

func testConn(id, userID, name string) *Conn {
	return newConn(id, nil, userID, name)
}

// receiveFrame pops the next frame off a connection's send queue.
func receiveFrame(t *testing.T, c *Conn) frame {
	t.Helper()
	select {
	case data := <-c.send:
		var f frame
		if err := sonic.Unmarshal(data, &f); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return f
	case <-time.After(time.Second):
		t.Fatalf("no frame delivered to %s", c.ID)
		return frame{}
	}
}

func assertNoFrame(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected frame on %s: %s", c.ID, data)
	default:
	}
}

func TestHubEmitReachesRoomMembersOnly(t *testing.T) {
	hub := NewHub(nil)
	member := testConn("c1", "u1", "Ada")
	outsider := testConn("c2", "u2", "Grace")
	hub.register(member)
	hub.register(outsider)
	hub.Join(member, ProjectRoom("p1"))

	hub.Emit(ProjectRoom("p1"), EventTaskCreated, map[string]string{"taskId": "t1"})

	f := receiveFrame(t, member)
	if f.Event != EventTaskCreated {
		t.Fatalf("expected %s, got %s", EventTaskCreated, f.Event)
	}
	assertNoFrame(t, outsider)
}

func TestHubBroadcastRoomReachesEveryConnection(t *testing.T) {
	hub := NewHub(nil)
	a := testConn("c1", "u1", "Ada")
	b := testConn("c2", "u2", "Grace")
	hub.register(a)
	hub.register(b)

	hub.Emit(BroadcastRoom, EventUserOnline, map[string]string{"userId": "u3"})

	receiveFrame(t, a)
	receiveFrame(t, b)
}

func TestHubEmitExceptSkipsSender(t *testing.T) {
	hub := NewHub(nil)
	sender := testConn("c1", "u1", "Ada")
	other := testConn("c2", "u2", "Grace")
	hub.register(sender)
	hub.register(other)
	hub.Join(sender, TaskRoom("t1"))
	hub.Join(other, TaskRoom("t1"))

	hub.EmitExcept(TaskRoom("t1"), EventUserTyping, map[string]string{"userId": "u1"}, sender)

	receiveFrame(t, other)
	assertNoFrame(t, sender)
}

func TestHubLeaveStopsDelivery(t *testing.T) {
	hub := NewHub(nil)
	c := testConn("c1", "u1", "Ada")
	hub.register(c)
	hub.Join(c, ProjectRoom("p1"))
	hub.Leave(c, ProjectRoom("p1"))

	hub.Emit(ProjectRoom("p1"), EventTaskUpdated, map[string]string{"taskId": "t1"})

	assertNoFrame(t, c)
	if n := hub.RoomSize(ProjectRoom("p1")); n != 0 {
		t.Fatalf("expected empty room, got %d members", n)
	}
}

func TestHubUnregisterRemovesFromAllRooms(t *testing.T) {
	hub := NewHub(nil)
	c := testConn("c1", "u1", "Ada")
	hub.register(c)
	hub.Join(c, ProjectRoom("p1"))
	hub.Join(c, TaskRoom("t1"))
	hub.unregister(c)

	if hub.RoomSize(ProjectRoom("p1")) != 0 || hub.RoomSize(TaskRoom("t1")) != 0 {
		t.Fatal("expected all rooms emptied after unregister")
	}
	hub.Emit(BroadcastRoom, EventUserOffline, map[string]string{"userId": "u1"})
	assertNoFrame(t, c)
}

func TestHubSlowConsumerDropsFrameWithoutBlocking(t *testing.T) {
	hub := NewHub(nil)
	c := testConn("c1", "u1", "Ada")
	hub.register(c)
	hub.Join(c, ProjectRoom("p1"))

	for i := 0; i < sendQueueSize+10; i++ {
		hub.Emit(ProjectRoom("p1"), EventTaskUpdated, map[string]int{"seq": i})
	}
	// The queue holds the oldest frames; the overflow was dropped and the
	// emit loop never stalled.
	if len(c.send) != sendQueueSize {
		t.Fatalf("expected full queue of %d, got %d", sendQueueSize, len(c.send))
	}
}
