package relay

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func newTestRouter(t *testing.T) (*RoomRouter, *ConnectionRegistry, *mockMembershipChecker) {
	members := &mockMembershipChecker{}
	t.Cleanup(func() { members.AssertExpectations(t) })

	registry := NewConnectionRegistry()
	return NewRoomRouter(registry, members), registry, members
}

func TestRoomRouter_Join(t *testing.T) {
	tcases := []struct {
		name      string
		isMember  bool
		mockErr   error
		expectErr error
		members   []string
	}{
		{
			name:     "member joins",
			isMember: true,
			members:  []string{"c1"},
		},
		{
			name:      "non member is rejected",
			isMember:  false,
			expectErr: ErrNotAMember,
			members:   []string{},
		},
		{
			name:      "membership check fails",
			mockErr:   errors.New("db down"),
			expectErr: errors.New("db down"),
			members:   []string{},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			rr, registry, members := newTestRouter(t)
			registry.Register(1, "c1")
			members.On("IsRoomMember", mock.Anything, 1, "room1").Return(tc.isMember, tc.mockErr).Once()

			err := rr.Join(context.Background(), "c1", "room1")
			switch {
			case tc.expectErr == nil:
				assert.NoError(t, err)
			case errors.Is(tc.expectErr, ErrNotAMember):
				assert.ErrorIs(t, err, ErrNotAMember)
			default:
				assert.ErrorContains(t, err, tc.expectErr.Error())
			}

			assert.Equal(t, tc.members, rr.MembersOf("room1"))
		})
	}
}

func TestRoomRouter_JoinIdempotent(t *testing.T) {
	rr, registry, members := newTestRouter(t)
	registry.Register(1, "c1")
	members.On("IsRoomMember", mock.Anything, 1, "room1").Return(true, nil).Once()

	assert.NoError(t, rr.Join(context.Background(), "c1", "room1"))
	assert.NoError(t, rr.Join(context.Background(), "c1", "room1"))
	assert.Equal(t, []string{"c1"}, rr.MembersOf("room1"))
	assert.Equal(t, []string{"room1"}, rr.RoomsOf("c1"))
}

func TestRoomRouter_JoinUnknownConnection(t *testing.T) {
	rr, _, _ := newTestRouter(t)

	err := rr.Join(context.Background(), "ghost", "room1")
	assert.ErrorIs(t, err, ErrUnknownConnection)
	assert.Empty(t, rr.MembersOf("room1"))
}

func TestRoomRouter_JoinEmptyRoom(t *testing.T) {
	rr, registry, _ := newTestRouter(t)
	registry.Register(1, "c1")

	err := rr.Join(context.Background(), "c1", "")
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestRoomRouter_Authorize(t *testing.T) {
	rr, _, members := newTestRouter(t)
	members.On("IsRoomMember", mock.Anything, 1, "room1").Return(true, nil).Once()
	members.On("IsRoomMember", mock.Anything, 2, "room1").Return(false, nil).Once()

	assert.NoError(t, rr.Authorize(context.Background(), 1, "room1"))
	assert.ErrorIs(t, rr.Authorize(context.Background(), 2, "room1"), ErrNotAMember)
	assert.Empty(t, rr.MembersOf("room1"), "expected authorize to leave subscriptions alone")
}

func TestRoomRouter_Subscribe(t *testing.T) {
	tcases := []struct {
		name      string
		connId    string
		roomId    string
		expectErr error
		members   []string
	}{
		{
			name:    "registered connection subscribes",
			connId:  "c1",
			roomId:  "room1",
			members: []string{"c1"},
		},
		{
			name:      "unknown connection",
			connId:    "ghost",
			roomId:    "room1",
			expectErr: ErrUnknownConnection,
			members:   []string{},
		},
		{
			name:      "empty room",
			connId:    "c1",
			roomId:    "",
			expectErr: ErrInvalidEvent,
			members:   []string{},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			rr, registry, _ := newTestRouter(t)
			registry.Register(1, "c1")

			err := rr.Subscribe(tc.connId, tc.roomId)
			if tc.expectErr != nil {
				assert.ErrorIs(t, err, tc.expectErr)
				assert.False(t, rr.IsSubscribed(tc.connId, tc.roomId))
			} else {
				assert.NoError(t, err)
				assert.True(t, rr.IsSubscribed(tc.connId, tc.roomId))
			}

			assert.Equal(t, tc.members, rr.MembersOf("room1"))
		})
	}
}

func TestRoomRouter_SubscribeTwice(t *testing.T) {
	rr, registry, _ := newTestRouter(t)
	registry.Register(1, "c1")

	assert.NoError(t, rr.Subscribe("c1", "room1"))
	assert.NoError(t, rr.Subscribe("c1", "room1"))
	assert.Equal(t, []string{"c1"}, rr.MembersOf("room1"))
	assert.Equal(t, []string{"room1"}, rr.RoomsOf("c1"))
	assert.Equal(t, 1, rr.ActiveRooms())
}

func TestRoomRouter_LeaveAll(t *testing.T) {
	rr, registry, _ := newTestRouter(t)
	registry.Register(1, "c1")
	registry.Register(2, "c2")

	for _, room := range []string{"r1", "r2", "r3"} {
		assert.NoError(t, rr.Subscribe("c1", room))
	}
	assert.NoError(t, rr.Subscribe("c2", "r1"))
	assert.Equal(t, 3, rr.ActiveRooms())

	left := rr.LeaveAll("c1")
	assert.Equal(t, []string{"r1", "r2", "r3"}, left)
	for _, room := range []string{"r1", "r2", "r3"} {
		assert.NotContains(t, rr.MembersOf(room), "c1", "expected c1 to be gone from %s", room)
	}
	assert.Equal(t, []string{"c2"}, rr.MembersOf("r1"))
	assert.Equal(t, 1, rr.ActiveRooms(), "expected empty rooms to be dropped")
	assert.Empty(t, rr.RoomsOf("c1"))

	assert.NotPanics(t, func() {
		assert.Empty(t, rr.LeaveAll("c1"), "expected repeat LeaveAll to be a no-op")
		assert.Empty(t, rr.LeaveAll("unknown"))
	})
}

func TestRoomRouter_Leave(t *testing.T) {
	rr, registry, _ := newTestRouter(t)
	registry.Register(1, "c1")

	assert.NoError(t, rr.Subscribe("c1", "r1"))
	assert.True(t, rr.Leave("c1", "r1"))
	assert.False(t, rr.Leave("c1", "r1"), "expected second leave to report not subscribed")
	assert.False(t, rr.IsSubscribed("c1", "r1"))
	assert.Empty(t, rr.MembersOf("r1"))
	assert.NotNil(t, rr.MembersOf("r1"), "expected empty, non-nil member set")
}
