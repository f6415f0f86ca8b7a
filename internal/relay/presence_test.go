package relay

import (
	"testing"

	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/stretchr/testify/assert"
)

// recordChanges subscribes to p and returns a pointer to the changes seen.
func recordChanges(p *PresenceTracker) *[]PresenceChange {
	var changes []PresenceChange
	p.Subscribe(func(c PresenceChange) {
		changes = append(changes, c)
	})
	return &changes
}

func TestPresenceTracker_Transitions(t *testing.T) {
	r := NewConnectionRegistry()
	p := NewPresenceTracker(r)
	changes := recordChanges(p)

	r.Register(1, "c1")
	p.OnConnectionRegistered(1, "alice")
	assert.Equal(t, []PresenceChange{
		{UserId: 1, Username: "alice", Status: StatusOnline},
	}, *changes, "expected online notification for first connection")

	r.Register(1, "c2")
	p.OnConnectionRegistered(1, "alice")
	assert.Len(t, *changes, 1, "expected no notification for second connection")

	r.Unregister("c1")
	p.OnConnectionUnregistered(1)
	assert.Len(t, *changes, 1, "expected no notification when one of two connections closes")

	r.Unregister("c2")
	p.OnConnectionUnregistered(1)
	assert.Equal(t, PresenceChange{UserId: 1, Username: "alice", Status: StatusOffline}, (*changes)[1],
		"expected offline notification when last connection closes")
}

func TestPresenceTracker_UnregisteredWithoutRegister(t *testing.T) {
	r := NewConnectionRegistry()
	p := NewPresenceTracker(r)
	changes := recordChanges(p)

	p.OnConnectionUnregistered(42)
	assert.Empty(t, *changes, "expected no notification for a user never seen online")
}

func TestPresenceTracker_RegisteredWithoutConnection(t *testing.T) {
	r := NewConnectionRegistry()
	p := NewPresenceTracker(r)
	changes := recordChanges(p)

	p.OnConnectionRegistered(1, "alice")
	assert.Empty(t, *changes, "expected no notification when the registry has no connection")
}

func TestPresenceTracker_MultipleSubscribers(t *testing.T) {
	r := NewConnectionRegistry()
	p := NewPresenceTracker(r)

	var order []string
	p.Subscribe(func(PresenceChange) { order = append(order, "first") })
	p.Subscribe(func(PresenceChange) { order = append(order, "second") })

	r.Register(1, "c1")
	p.OnConnectionRegistered(1, "alice")
	assert.Equal(t, []string{"first", "second"}, order, "expected subscribers to be notified in order")
}

func TestPresenceTracker_Snapshot(t *testing.T) {
	r := NewConnectionRegistry()
	p := NewPresenceTracker(r)

	r.Register(1, "c1")
	p.OnConnectionRegistered(1, "alice")
	r.Register(1, "c2")
	p.OnConnectionRegistered(1, "alice2")

	assert.Equal(t, []types.OnlineUser{{UserId: 1, Username: "alice2"}}, p.Snapshot(),
		"expected refreshed username and a single entry")
}
