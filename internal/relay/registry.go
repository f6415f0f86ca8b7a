package relay

import (
	"sort"

	"github.com/npezzotti/go-chatrelay/internal/types"
)

// ConnectionRegistry maps each online user to the set of connections it
// owns, and each connection back to its owner. A user is online exactly
// when it has at least one registered connection.
//
// ConnectionRegistry is not safe for concurrent use; the RelayService event
// loop is its only writer.
type ConnectionRegistry struct {
	userConns map[int]map[string]struct{}
	connOwner map[string]int
	usernames map[int]string
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		userConns: make(map[int]map[string]struct{}),
		connOwner: make(map[string]int),
		usernames: make(map[int]string),
	}
}

// Register adds connId to userId's connection set. Registering the same
// pair twice leaves the registry unchanged.
func (r *ConnectionRegistry) Register(userId int, connId string) {
	if owner, ok := r.connOwner[connId]; ok {
		if owner == userId {
			return
		}
		r.Unregister(connId)
	}

	conns, ok := r.userConns[userId]
	if !ok {
		conns = make(map[string]struct{})
		r.userConns[userId] = conns
	}

	conns[connId] = struct{}{}
	r.connOwner[connId] = userId
}

// Unregister removes connId from its owner's set and reports the owner.
// Unknown connections are ignored.
func (r *ConnectionRegistry) Unregister(connId string) (int, bool) {
	userId, ok := r.connOwner[connId]
	if !ok {
		return 0, false
	}

	delete(r.connOwner, connId)
	if conns, ok := r.userConns[userId]; ok {
		delete(conns, connId)
		if len(conns) == 0 {
			delete(r.userConns, userId)
			delete(r.usernames, userId)
		}
	}

	return userId, true
}

func (r *ConnectionRegistry) IsOnline(userId int) bool {
	return len(r.userConns[userId]) > 0
}

// SetUsername associates a display name with an online user. It is dropped
// when the user's last connection is unregistered.
func (r *ConnectionRegistry) SetUsername(userId int, username string) {
	if !r.IsOnline(userId) {
		return
	}
	r.usernames[userId] = username
}

func (r *ConnectionRegistry) Owner(connId string) (int, bool) {
	userId, ok := r.connOwner[connId]
	return userId, ok
}

func (r *ConnectionRegistry) Connections(userId int) []string {
	conns := make([]string, 0, len(r.userConns[userId]))
	for connId := range r.userConns[userId] {
		conns = append(conns, connId)
	}
	sort.Strings(conns)
	return conns
}

// OnlineUsers returns one entry per online user, ordered by user id.
func (r *ConnectionRegistry) OnlineUsers() []types.OnlineUser {
	users := make([]types.OnlineUser, 0, len(r.userConns))
	for userId := range r.userConns {
		users = append(users, types.OnlineUser{
			UserId:   userId,
			Username: r.usernames[userId],
		})
	}

	sort.Slice(users, func(i, j int) bool {
		return users[i].UserId < users[j].UserId
	})
	return users
}

// Len returns the number of registered connections.
func (r *ConnectionRegistry) Len() int {
	return len(r.connOwner)
}

// UserCount returns the number of online users.
func (r *ConnectionRegistry) UserCount() int {
	return len(r.userConns)
}
