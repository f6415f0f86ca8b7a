// Package presence mirrors relay presence transitions into Redis so other
// processes can read a user's status or follow the user_status channel.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/relay"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/redis/go-redis/v9"
)

const (
	StatusChannel = "user_status"

	onlineTTL       = 5 * time.Minute
	offlineTTL      = time.Minute
	refreshInterval = 2 * time.Minute
	queueSize       = 256
	writeTimeout    = 2 * time.Second
)

// Store is the part of the Redis client the mirror uses.
type Store interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Dial connects to the Redis server at url and checks it responds.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

func key(userId int) string {
	return "presence:" + strconv.Itoa(userId)
}

// SnapshotFunc lists the users currently online. RelayService.Snapshot
// satisfies it.
type SnapshotFunc func(ctx context.Context) ([]types.OnlineUser, error)

// RedisMirror writes presence changes to Redis from its own goroutine.
// Notify is safe to call from the relay loop; it never blocks.
//
// Online keys expire after onlineTTL, so Run rewrites the key of every user
// in the snapshot each refresh interval while they stay connected.
type RedisMirror struct {
	log             *log.Logger
	store           Store
	snapshot        SnapshotFunc
	refreshInterval time.Duration
	updates         chan relay.PresenceChange
	stop            chan struct{}
	done            chan struct{}
	stopOnce        sync.Once
}

// NewRedisMirror creates a mirror. A nil snapshot disables the refresh.
func NewRedisMirror(logger *log.Logger, store Store, snapshot SnapshotFunc) *RedisMirror {
	return &RedisMirror{
		log:             logger,
		store:           store,
		snapshot:        snapshot,
		refreshInterval: refreshInterval,
		updates:         make(chan relay.PresenceChange, queueSize),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// Notify queues a change. It is a relay.PresenceHandler.
func (m *RedisMirror) Notify(change relay.PresenceChange) {
	select {
	case m.updates <- change:
	default:
		m.log.Printf("presence mirror queue full, dropping %s for user %d", change.Status, change.UserId)
	}
}

func (m *RedisMirror) Run() {
	defer close(m.done)

	var refresh <-chan time.Time
	if m.snapshot != nil {
		ticker := time.NewTicker(m.refreshInterval)
		defer ticker.Stop()
		refresh = ticker.C
	}

	for {
		select {
		case change := <-m.updates:
			m.write(change)
		case <-refresh:
			m.refresh()
		case <-m.stop:
			for {
				select {
				case change := <-m.updates:
					m.write(change)
				default:
					return
				}
			}
		}
	}
}

// Stop flushes queued changes and waits for Run to return.
func (m *RedisMirror) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

// Status returns the last mirrored status of a user. A missing or expired
// key reads as offline.
func (m *RedisMirror) Status(ctx context.Context, userId int) (relay.PresenceStatus, error) {
	val, err := m.store.Get(ctx, key(userId)).Result()
	if errors.Is(err, redis.Nil) {
		return relay.StatusOffline, nil
	}
	if err != nil {
		return "", fmt.Errorf("get presence: %w", err)
	}

	return relay.PresenceStatus(val), nil
}

func (m *RedisMirror) write(change relay.PresenceChange) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	ttl := onlineTTL
	if change.Status == relay.StatusOffline {
		ttl = offlineTTL
	}

	if err := m.store.Set(ctx, key(change.UserId), string(change.Status), ttl).Err(); err != nil {
		m.log.Printf("set presence for user %d: %v", change.UserId, err)
		return
	}

	payload, err := json.Marshal(change)
	if err != nil {
		m.log.Printf("marshal presence change: %v", err)
		return
	}

	if err := m.store.Publish(ctx, StatusChannel, payload).Err(); err != nil {
		m.log.Printf("publish presence for user %d: %v", change.UserId, err)
	}
}

// refresh extends the online key of every connected user. Nothing is
// published since no status changed.
func (m *RedisMirror) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	users, err := m.snapshot(ctx)
	if err != nil {
		m.log.Printf("refresh presence: %v", err)
		return
	}

	for _, u := range users {
		if err := m.store.Set(ctx, key(u.UserId), string(relay.StatusOnline), onlineTTL).Err(); err != nil {
			m.log.Printf("refresh presence for user %d: %v", u.UserId, err)
		}
	}
}
