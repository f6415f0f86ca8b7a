package relay

import (
	"context"
	"fmt"
	"sort"
)

// MembershipChecker reports whether a user is a logical member of a room.
type MembershipChecker interface {
	IsRoomMember(ctx context.Context, userId int, roomId string) (bool, error)
}

// RoomRouter tracks which connections are subscribed to which rooms.
// Subscriptions are independent of room membership in the database: a
// member without an open connection has no subscription, but only members
// may subscribe.
type RoomRouter struct {
	registry  *ConnectionRegistry
	members   MembershipChecker
	rooms     map[string]map[string]struct{}
	connRooms map[string]map[string]struct{}
}

func NewRoomRouter(registry *ConnectionRegistry, members MembershipChecker) *RoomRouter {
	return &RoomRouter{
		registry:  registry,
		members:   members,
		rooms:     make(map[string]map[string]struct{}),
		connRooms: make(map[string]map[string]struct{}),
	}
}

// Join checks that the connection's user is a member of roomId and
// subscribes it. Joining a room twice is a no-op.
func (rr *RoomRouter) Join(ctx context.Context, connId, roomId string) error {
	if roomId == "" {
		return fmt.Errorf("join: empty room id: %w", ErrInvalidEvent)
	}

	userId, ok := rr.registry.Owner(connId)
	if !ok {
		return fmt.Errorf("join %q: %w", roomId, ErrUnknownConnection)
	}

	if rr.IsSubscribed(connId, roomId) {
		return nil
	}

	if err := rr.Authorize(ctx, userId, roomId); err != nil {
		return err
	}

	return rr.Subscribe(connId, roomId)
}

// Authorize runs the membership check for userId. It reads no router state,
// so it may be called from any goroutine.
func (rr *RoomRouter) Authorize(ctx context.Context, userId int, roomId string) error {
	isMember, err := rr.members.IsRoomMember(ctx, userId, roomId)
	if err != nil {
		return fmt.Errorf("check membership of user %d in %q: %w", userId, roomId, err)
	}
	if !isMember {
		return fmt.Errorf("join %q: %w", roomId, ErrNotAMember)
	}
	return nil
}

// Subscribe adds connId to roomId without a membership check. Subscribing
// twice is a no-op.
func (rr *RoomRouter) Subscribe(connId, roomId string) error {
	if roomId == "" {
		return fmt.Errorf("subscribe: empty room id: %w", ErrInvalidEvent)
	}
	if _, ok := rr.registry.Owner(connId); !ok {
		return fmt.Errorf("subscribe %q: %w", roomId, ErrUnknownConnection)
	}

	if rr.rooms[roomId] == nil {
		rr.rooms[roomId] = make(map[string]struct{})
	}
	rr.rooms[roomId][connId] = struct{}{}

	if rr.connRooms[connId] == nil {
		rr.connRooms[connId] = make(map[string]struct{})
	}
	rr.connRooms[connId][roomId] = struct{}{}

	return nil
}

func (rr *RoomRouter) IsSubscribed(connId, roomId string) bool {
	_, ok := rr.connRooms[connId][roomId]
	return ok
}

// Leave unsubscribes connId from roomId and reports whether it was subscribed.
func (rr *RoomRouter) Leave(connId, roomId string) bool {
	if !rr.IsSubscribed(connId, roomId) {
		return false
	}

	rr.remove(connId, roomId)
	return true
}

// LeaveAll unsubscribes connId from every room and returns the rooms it left.
func (rr *RoomRouter) LeaveAll(connId string) []string {
	left := rr.RoomsOf(connId)
	for _, roomId := range left {
		rr.remove(connId, roomId)
	}
	return left
}

// MembersOf returns the connections subscribed to roomId.
func (rr *RoomRouter) MembersOf(roomId string) []string {
	conns := make([]string, 0, len(rr.rooms[roomId]))
	for connId := range rr.rooms[roomId] {
		conns = append(conns, connId)
	}
	sort.Strings(conns)
	return conns
}

func (rr *RoomRouter) RoomsOf(connId string) []string {
	rooms := make([]string, 0, len(rr.connRooms[connId]))
	for roomId := range rr.connRooms[connId] {
		rooms = append(rooms, roomId)
	}
	sort.Strings(rooms)
	return rooms
}

// ActiveRooms returns the number of rooms with at least one subscriber.
func (rr *RoomRouter) ActiveRooms() int {
	return len(rr.rooms)
}

func (rr *RoomRouter) remove(connId, roomId string) {
	if conns, ok := rr.rooms[roomId]; ok {
		delete(conns, connId)
		if len(conns) == 0 {
			delete(rr.rooms, roomId)
		}
	}

	if rooms, ok := rr.connRooms[connId]; ok {
		delete(rooms, roomId)
		if len(rooms) == 0 {
			delete(rr.connRooms, connId)
		}
	}
}
