package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastReachesRoomMembersOnly(t *testing.T) {
	h := New(nil)
	staff := NewClient(4)
	guest := NewClient(4)
	h.Register(staff)
	h.Register(guest)
	h.Join(staff, "staff")
	h.Join(guest, "guest:g1")

	assert.Equal(t, 1, h.Broadcast("staff", []byte("hello")))
	assert.Equal(t, "hello", string(<-staff.Send))
	assert.Empty(t, guest.Send)

	assert.Zero(t, h.Broadcast("nobody", []byte("x")))
}

func TestBroadcastDropsWhenBufferFull(t *testing.T) {
	h := New(nil)
	c := NewClient(1)
	h.Register(c)
	h.Join(c, "staff")

	assert.Equal(t, 1, h.Broadcast("staff", []byte("one")))
	assert.Equal(t, 0, h.Broadcast("staff", []byte("two")))
	assert.Equal(t, "one", string(<-c.Send))
}

func TestUnregisterLeavesRoomsAndClosesSend(t *testing.T) {
	h := New(nil)
	c := NewClient(1)
	h.Register(c)
	h.Join(c, "staff")
	h.Join(c, "guest:g1")
	assert.Equal(t, []string{"guest:g1", "staff"}, h.Rooms(c))

	h.Unregister(c)
	h.Unregister(c)
	assert.Zero(t, h.Members("staff"))
	assert.Zero(t, h.Members("guest:g1"))
	_, open := <-c.Send
	assert.False(t, open)
}

func TestJoinRequiresRegistration(t *testing.T) {
	h := New(nil)
	c := NewClient(1)
	h.Join(c, "staff")
	assert.Zero(t, h.Members("staff"))
}

func TestLeave(t *testing.T) {
	h := New(nil)
	c := NewClient(1)
	h.Register(c)
	h.Join(c, "staff")
	h.Leave(c, "staff")
	assert.Zero(t, h.Members("staff"))
	assert.Empty(t, h.Rooms(c))
}

func TestParseControl(t *testing.T) {
	msg, ok := ParseControl([]byte(`{"action":"join-room","role":"staff","userId":"u1"}`))
	require.True(t, ok)
	assert.Equal(t, "staff", msg.Role)
	assert.Equal(t, "u1", msg.UserID)

	_, ok = ParseControl([]byte(`{"action":"subscribe"}`))
	assert.False(t, ok)
	_, ok = ParseControl([]byte(`not json`))
	assert.False(t, ok)
}
