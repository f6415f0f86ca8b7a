package relay

import (
	"github.com/npezzotti/go-chatrelay/internal/types"
)

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)

type PresenceChange struct {
	UserId   int            `json:"user_id"`
	Username string         `json:"username"`
	Status   PresenceStatus `json:"status"`
}

// PresenceHandler is notified of every presence transition.
type PresenceHandler func(change PresenceChange)

// PresenceTracker turns registry mutations into online/offline transitions.
// It remembers which users it last saw online, so a mutation that does not
// cross the empty-set boundary (a second tab opening or closing) produces
// no notification.
type PresenceTracker struct {
	registry *ConnectionRegistry
	online   map[int]string
	handlers []PresenceHandler
}

func NewPresenceTracker(registry *ConnectionRegistry) *PresenceTracker {
	return &PresenceTracker{
		registry: registry,
		online:   make(map[int]string),
	}
}

// Subscribe registers fn to receive presence changes, in subscription order.
func (p *PresenceTracker) Subscribe(fn PresenceHandler) {
	p.handlers = append(p.handlers, fn)
}

// OnConnectionRegistered must be called after the registry has recorded a
// new connection for userId.
func (p *PresenceTracker) OnConnectionRegistered(userId int, username string) {
	p.registry.SetUsername(userId, username)

	if _, wasOnline := p.online[userId]; wasOnline || !p.registry.IsOnline(userId) {
		if wasOnline {
			p.online[userId] = username
		}
		return
	}

	p.online[userId] = username
	p.notify(PresenceChange{UserId: userId, Username: username, Status: StatusOnline})
}

// OnConnectionUnregistered must be called after the registry has removed a
// connection owned by userId.
func (p *PresenceTracker) OnConnectionUnregistered(userId int) {
	username, wasOnline := p.online[userId]
	if !wasOnline || p.registry.IsOnline(userId) {
		return
	}

	delete(p.online, userId)
	p.notify(PresenceChange{UserId: userId, Username: username, Status: StatusOffline})
}

func (p *PresenceTracker) Snapshot() []types.OnlineUser {
	return p.registry.OnlineUsers()
}

func (p *PresenceTracker) notify(change PresenceChange) {
	for _, fn := range p.handlers {
		fn(change)
	}
}
