package clientregistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_JoinAndInRoom(t *testing.T) {
	r := NewRegistry()
	c1 := New("c1", "u1", &fakeConn{})
	c2 := New("c2", "u2", &fakeConn{})
	defer c1.Close()
	defer c2.Close()

	r.Add(c1)
	r.Add(c2)
	r.JoinRoom("c1", "room-1")
	r.JoinRoom("c2", "room-1")

	assert.Equal(t, 2, r.RoomSize("room-1"))
	assert.Len(t, r.InRoom("room-1"), 2)
}

func TestRegistry_LeaveRoom(t *testing.T) {
	r := NewRegistry()
	c1 := New("c1", "u1", &fakeConn{})
	defer c1.Close()

	r.Add(c1)
	r.JoinRoom("c1", "room-1")
	r.LeaveRoom("c1")

	assert.Equal(t, 0, r.RoomSize("room-1"))
	assert.Empty(t, c1.RoomID())
}

func TestRegistry_RemoveStaleClientPrunedFromRoom(t *testing.T) {
	r := NewRegistry()
	c1 := New("c1", "u1", &fakeConn{})
	defer c1.Close()

	r.Add(c1)
	r.JoinRoom("c1", "room-1")
	r.Remove("c1")

	assert.Equal(t, 0, r.RoomSize("room-1"))
	assert.Empty(t, r.InRoom("room-1"))
}

func TestRegistry_SwitchingRoomsUpdatesIndex(t *testing.T) {
	r := NewRegistry()
	c1 := New("c1", "u1", &fakeConn{})
	defer c1.Close()

	r.Add(c1)
	r.JoinRoom("c1", "room-1")
	r.JoinRoom("c1", "room-2")

	assert.Equal(t, 0, r.RoomSize("room-1"))
	assert.Equal(t, 1, r.RoomSize("room-2"))
}
