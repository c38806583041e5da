// Package server maintains the membership of each named room via the
// RoomDirectory type.
package server

import "sync"

// roomEntry holds one room's members. The order slice preserves join order
// for roster display; the present set makes membership checks O(1).
type roomEntry struct {
	order   []Handle
	present map[Handle]struct{}
}

// RoomDirectory is a concurrency-safe map from room name to its current
// member set. Rooms are created lazily on first join and deleted as soon as
// their member set becomes empty; an empty room never persists.
type RoomDirectory struct {
	mu    sync.RWMutex
	rooms map[string]*roomEntry
}

// NewRoomDirectory creates an empty RoomDirectory.
func NewRoomDirectory() *RoomDirectory {
	return &RoomDirectory{
		rooms: make(map[string]*roomEntry),
	}
}

// AddMember adds the handle to the room, creating the room entry if absent.
// Adding an already-present handle is a no-op.
func (d *RoomDirectory) AddMember(room string, handle Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.rooms[room]
	if !ok {
		entry = &roomEntry{present: make(map[Handle]struct{})}
		d.rooms[room] = entry
	}

	if _, exists := entry.present[handle]; exists {
		return
	}
	entry.present[handle] = struct{}{}
	entry.order = append(entry.order, handle)
}

// RemoveMember removes the handle from the room and returns the remaining
// member count. When the member set becomes empty the room entry is deleted.
// Removing a non-member or from a non-existent room is a no-op returning 0.
func (d *RoomDirectory) RemoveMember(room string, handle Handle) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.rooms[room]
	if !ok {
		return 0
	}
	if _, exists := entry.present[handle]; !exists {
		return 0
	}

	delete(entry.present, handle)
	for i, h := range entry.order {
		if h == handle {
			entry.order = append(entry.order[:i], entry.order[i+1:]...)
			break
		}
	}

	remaining := len(entry.present)
	if remaining == 0 {
		delete(d.rooms, room)
	}
	return remaining
}

// Members returns a snapshot of the room's member handles in join order.
// The returned slice is a copy; iterating it never observes concurrent
// mutation. A non-existent room yields an empty slice.
func (d *RoomDirectory) Members(room string) []Handle {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entry, ok := d.rooms[room]
	if !ok {
		return nil
	}
	members := make([]Handle, len(entry.order))
	copy(members, entry.order)
	return members
}

// Rooms returns a snapshot of all room names that currently have members.
func (d *RoomDirectory) Rooms() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.rooms))
	for name := range d.rooms {
		names = append(names, name)
	}
	return names
}
