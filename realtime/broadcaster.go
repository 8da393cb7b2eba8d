package realtime

import "taskboard-api/domain"

// RoomBroadcaster routes committed task mutations to the rooms whose members
// care about them. Create, delete and move reach the project room; updates
// also reach the task room so open detail views refresh without a project
// subscription.
type RoomBroadcaster struct {
	emit Emitter
}

func NewRoomBroadcaster(emit Emitter) *RoomBroadcaster {
	return &RoomBroadcaster{emit: emit}
}

func (b *RoomBroadcaster) TaskCreated(ev domain.TaskEvent) {
	b.emit.Emit(ProjectRoom(ev.ProjectID), EventTaskCreated, ev)
}

func (b *RoomBroadcaster) TaskUpdated(ev domain.TaskEvent) {
	b.emit.Emit(ProjectRoom(ev.ProjectID), EventTaskUpdated, ev)
	b.emit.Emit(TaskRoom(ev.TaskID), EventTaskUpdated, ev)
}

func (b *RoomBroadcaster) TaskDeleted(ev domain.TaskEvent) {
	b.emit.Emit(ProjectRoom(ev.ProjectID), EventTaskDeleted, ev)
}

func (b *RoomBroadcaster) TaskMoved(ev domain.TaskEvent) {
	b.emit.Emit(ProjectRoom(ev.ProjectID), EventTaskMoved, ev)
}
