package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/stats"
	"github.com/npezzotti/go-chatrelay/internal/types"
)

const (
	MetricActiveConnections = "NumActiveConnections"
	MetricOnlineUsers       = "NumOnlineUsers"
	MetricActiveRooms       = "NumActiveRooms"
	MetricRelayedEvents     = "NumRelayedEvents"

	defaultQueueSize  = 256
	membershipTimeout = 5 * time.Second
)

// Conn is one live transport connection. Send must not block; it reports
// false when the message was dropped.
type Conn interface {
	Id() string
	Send(msg *ServerMessage) bool
	Close()
}

// IdentityVerifier resolves a connection's credentials to a user.
type IdentityVerifier interface {
	VerifyIdentity(ctx context.Context, token string) (types.User, error)
}

type Options struct {
	// RoomScopedTyping delivers typing indicators that carry a room id only
	// to that room's subscribers instead of every connection.
	RoomScopedTyping bool
	QueueSize        int
}

type connection struct {
	conn Conn
	user types.User
}

type openReq struct {
	conn Conn
	user types.User
	done chan struct{}
}

type publishReq struct {
	roomId string
	msg    *ServerMessage
}

type snapshotReq struct {
	resp chan []types.OnlineUser
}

// joinResult is the outcome of a membership check run off the loop.
type joinResult struct {
	conn   Conn
	msgId  int
	roomId string
	err    error
}

type stopReq struct {
	done chan struct{}
}

// RelayService accepts inbound events from connections and fans them out.
// All state is owned by the goroutine running Run, so each event is
// handled to completion before the next one starts.
type RelayService struct {
	log          *log.Logger
	stats        stats.StatsProvider
	verifier     IdentityVerifier
	opts         Options
	registry     *ConnectionRegistry
	presence     *PresenceTracker
	router       *RoomRouter
	conns        map[string]*connection
	openChan     chan openReq
	closeChan    chan string
	eventChan    chan *ClientMessage
	publishChan  chan publishReq
	snapshotChan chan snapshotReq
	joinResults  chan joinResult
	stop         chan stopReq
	done         chan struct{}
}

func NewRelayService(logger *log.Logger, verifier IdentityVerifier, members MembershipChecker, su stats.StatsProvider, opts Options) *RelayService {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}

	registry := NewConnectionRegistry()
	rs := &RelayService{
		log:          logger,
		stats:        su,
		verifier:     verifier,
		opts:         opts,
		registry:     registry,
		presence:     NewPresenceTracker(registry),
		router:       NewRoomRouter(registry, members),
		conns:        make(map[string]*connection),
		openChan:     make(chan openReq),
		closeChan:    make(chan string, opts.QueueSize),
		eventChan:    make(chan *ClientMessage, opts.QueueSize),
		publishChan:  make(chan publishReq, opts.QueueSize),
		snapshotChan: make(chan snapshotReq),
		joinResults:  make(chan joinResult, opts.QueueSize),
		stop:         make(chan stopReq),
		done:         make(chan struct{}),
	}

	for _, name := range []string{MetricActiveConnections, MetricOnlineUsers, MetricActiveRooms, MetricRelayedEvents} {
		su.RegisterMetric(name)
	}

	rs.presence.Subscribe(rs.onPresenceChange)
	return rs
}

// OnPresenceChange adds a presence subscriber. It must be called before Run.
func (rs *RelayService) OnPresenceChange(fn PresenceHandler) {
	rs.presence.Subscribe(fn)
}

func (rs *RelayService) Run() {
	for {
		select {
		case req := <-rs.openChan:
			rs.handleOpen(req.conn, req.user)
			close(req.done)
		case id := <-rs.closeChan:
			rs.handleClose(id)
		case msg := <-rs.eventChan:
			rs.handleEvent(msg)
		case req := <-rs.publishChan:
			rs.handlePublish(req.roomId, req.msg)
		case req := <-rs.snapshotChan:
			req.resp <- rs.presence.Snapshot()
		case res := <-rs.joinResults:
			rs.handleJoinResult(res)
		case req := <-rs.stop:
			rs.handleStop()
			close(req.done)
			return
		}
	}
}

// Connect verifies the connection's token and registers it. On error the
// caller must close the transport; the connection never becomes visible to
// other connections.
func (rs *RelayService) Connect(ctx context.Context, conn Conn, token string) error {
	user, err := rs.verifier.VerifyIdentity(ctx, token)
	if err != nil {
		if errors.Is(err, ErrAuth) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}

	req := openReq{conn: conn, user: user, done: make(chan struct{})}
	select {
	case rs.openChan <- req:
	case <-rs.done:
		return ErrRelayStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	// wait so events read from the connection are never handled before
	// its registration
	select {
	case <-req.done:
		return nil
	case <-rs.done:
		return ErrRelayStopped
	}
}

// Dispatch queues an inbound event from sender. When the queue is full the
// sender is told to retry.
func (rs *RelayService) Dispatch(sender Conn, msg *ClientMessage) {
	msg.sender = sender
	select {
	case rs.eventChan <- msg:
	case <-rs.done:
	default:
		rs.log.Printf("event queue full, dropping event from %s", sender.Id())
		sender.Send(ErrServiceUnavailable(msg.Id))
	}
}

// Disconnect schedules cleanup of a closed connection. It is safe to call
// more than once.
func (rs *RelayService) Disconnect(connId string) {
	select {
	case rs.closeChan <- connId:
	case <-rs.done:
	}
}

// Publish broadcasts a server-originated message to roomId's subscribers.
func (rs *RelayService) Publish(ctx context.Context, roomId string, msg *ServerMessage) error {
	select {
	case <-rs.done:
		return ErrRelayStopped
	default:
	}

	select {
	case rs.publishChan <- publishReq{roomId: roomId, msg: msg}:
		return nil
	case <-rs.done:
		return ErrRelayStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the users currently online.
func (rs *RelayService) Snapshot(ctx context.Context) ([]types.OnlineUser, error) {
	req := snapshotReq{resp: make(chan []types.OnlineUser, 1)}
	select {
	case rs.snapshotChan <- req:
	case <-rs.done:
		return nil, ErrRelayStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case users := <-req.resp:
		return users, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (rs *RelayService) Shutdown(ctx context.Context) error {
	rs.log.Println("received shutdown signal")
	req := stopReq{done: make(chan struct{})}
	select {
	case rs.stop <- req:
	case <-rs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rs *RelayService) handleOpen(conn Conn, user types.User) {
	id := conn.Id()
	if _, ok := rs.conns[id]; ok {
		return
	}

	rs.log.Printf("registering connection %s for %q", id, user.Username)
	wasOnline := rs.registry.IsOnline(user.Id)

	rs.conns[id] = &connection{conn: conn, user: user}
	rs.registry.Register(user.Id, id)
	rs.stats.Incr(MetricActiveConnections)
	rs.presence.OnConnectionRegistered(user.Id, user.Username)

	if wasOnline {
		// no transition, so nothing was broadcast; the new connection
		// still needs the current list
		conn.Send(NewPresenceList(rs.presence.Snapshot()))
	}
}

// handleClose releases room subscriptions before presence is recomputed,
// so a presence broadcast never targets a connection that is half gone.
func (rs *RelayService) handleClose(id string) {
	c, ok := rs.conns[id]
	if !ok {
		return
	}

	rs.log.Printf("removing connection %s for %q", id, c.user.Username)
	rs.leaveRooms(id)

	userId, _ := rs.registry.Unregister(id)
	delete(rs.conns, id)
	rs.stats.Decr(MetricActiveConnections)
	c.conn.Close()

	rs.presence.OnConnectionUnregistered(userId)
}

func (rs *RelayService) handleEvent(msg *ClientMessage) {
	sender := msg.sender
	if sender == nil {
		return
	}

	c, ok := rs.conns[sender.Id()]
	if !ok {
		sender.Send(ErrUnauthorized(msg.Id))
		return
	}

	switch {
	case msg.JoinRoom != nil:
		rs.handleJoin(c, msg)
	case msg.LeaveRoom != nil:
		rs.handleLeave(c, msg)
	case msg.Typing != nil:
		rs.relayTyping(c, msg.Typing, false)
	case msg.StopTyping != nil:
		rs.relayTyping(c, msg.StopTyping, true)
	case msg.MessageCreated != nil, msg.MessageEdited != nil, msg.MessageDeleted != nil:
		rs.relayRoomEvent(c, msg)
	default:
		sender.Send(ErrInvalidMessage(msg.Id))
	}
}

// handleJoin starts a membership check for the room. The check queries the
// database, so it runs in its own goroutine and the subscription is added
// when its result comes back through the loop.
func (rs *RelayService) handleJoin(c *connection, msg *ClientMessage) {
	roomId := msg.JoinRoom.RoomId
	if roomId == "" {
		c.conn.Send(ErrInvalidMessage(msg.Id))
		return
	}

	if rs.router.IsSubscribed(c.conn.Id(), roomId) {
		c.conn.Send(NoErrOK(msg.Id, map[string]any{"room_id": roomId}))
		return
	}

	go rs.checkMembership(c.conn, c.user.Id, msg.Id, roomId)
}

func (rs *RelayService) checkMembership(conn Conn, userId, msgId int, roomId string) {
	ctx, cancel := context.WithTimeout(context.Background(), membershipTimeout)
	defer cancel()

	res := joinResult{
		conn:   conn,
		msgId:  msgId,
		roomId: roomId,
		err:    rs.router.Authorize(ctx, userId, roomId),
	}

	select {
	case rs.joinResults <- res:
	case <-rs.done:
	}
}

func (rs *RelayService) handleJoinResult(res joinResult) {
	c, ok := rs.conns[res.conn.Id()]
	if !ok || c.conn != res.conn {
		// closed while the check ran
		return
	}

	err := res.err
	if err == nil {
		before := rs.router.ActiveRooms()
		if err = rs.router.Subscribe(c.conn.Id(), res.roomId); err == nil {
			rs.trackRooms(before)
		}
	}

	switch {
	case err == nil:
		c.conn.Send(NoErrOK(res.msgId, map[string]any{"room_id": res.roomId}))
	case errors.Is(err, ErrNotAMember):
		rs.log.Printf("rejected join of %q by %q", res.roomId, c.user.Username)
		c.conn.Send(ErrForbidden(res.msgId))
	case errors.Is(err, ErrInvalidEvent):
		c.conn.Send(ErrInvalidMessage(res.msgId))
	case errors.Is(err, ErrUnknownConnection):
		c.conn.Send(ErrUnauthorized(res.msgId))
	default:
		rs.log.Println("join room:", err)
		c.conn.Send(ErrInternalError(res.msgId))
	}
}

func (rs *RelayService) handleLeave(c *connection, msg *ClientMessage) {
	before := rs.router.ActiveRooms()
	if !rs.router.Leave(c.conn.Id(), msg.LeaveRoom.RoomId) {
		c.conn.Send(ErrRoomNotFound(msg.Id))
		return
	}

	rs.trackRooms(before)
	c.conn.Send(NoErrOK(msg.Id, nil))
}

// relayTyping sends typing indicators to every connection but the sender,
// or to the sender's room when room scoping is enabled.
func (rs *RelayService) relayTyping(c *connection, in *Typing, stop bool) {
	// identity comes from the connection, not the payload
	payload := &Typing{
		UserId:   c.user.Id,
		Username: c.user.Username,
		RoomId:   in.RoomId,
	}

	out := &ServerMessage{BaseMessage: BaseMessage{Timestamp: Now()}}
	if stop {
		out.UserStopTyping = payload
	} else {
		out.UserTyping = payload
	}

	var targets []string
	if rs.opts.RoomScopedTyping && in.RoomId != "" {
		targets = rs.router.MembersOf(in.RoomId)
	} else {
		targets = rs.allConnections()
	}

	rs.broadcast(out, targets, c.conn.Id())
	rs.stats.Incr(MetricRelayedEvents)
}

// relayRoomEvent fans a message event out to the room's subscribers. Only
// a subscriber may send one, and a new message is attributed to the
// connection's user. The sender gets the event too, plus a response
// carrying its request id.
func (rs *RelayService) relayRoomEvent(c *connection, msg *ClientMessage) {
	roomId := msg.roomId()
	if roomId == "" || (msg.MessageCreated != nil && msg.MessageCreated.Message == nil) {
		c.conn.Send(ErrInvalidMessage(msg.Id))
		return
	}

	if !rs.router.IsSubscribed(c.conn.Id(), roomId) {
		c.conn.Send(ErrForbidden(msg.Id))
		return
	}

	out := &ServerMessage{BaseMessage: BaseMessage{Timestamp: Now()}}
	switch {
	case msg.MessageCreated != nil:
		m := *msg.MessageCreated.Message
		m.UserId = c.user.Id
		m.Username = c.user.Username
		m.RoomId = roomId
		out.MessageReceived = &MessageCreated{RoomId: roomId, Message: &m}
	case msg.MessageEdited != nil:
		out.MessageUpdated = msg.MessageEdited
	case msg.MessageDeleted != nil:
		out.MessageDeleted = msg.MessageDeleted
	}

	rs.broadcast(out, rs.router.MembersOf(roomId), "")
	rs.stats.Incr(MetricRelayedEvents)
	c.conn.Send(NoErrAccepted(msg.Id))
}

func (rs *RelayService) handlePublish(roomId string, msg *ServerMessage) {
	rs.broadcast(msg, rs.router.MembersOf(roomId), "")
	rs.stats.Incr(MetricRelayedEvents)
}

func (rs *RelayService) handleStop() {
	rs.log.Println("closing connections")
	for id, c := range rs.conns {
		rs.leaveRooms(id)
		if userId, ok := rs.registry.Unregister(id); ok {
			rs.presence.OnConnectionUnregistered(userId)
		}
		delete(rs.conns, id)
		rs.stats.Decr(MetricActiveConnections)
		c.conn.Close()
	}

	close(rs.done)
}

func (rs *RelayService) onPresenceChange(change PresenceChange) {
	rs.log.Printf("user %q is %s", change.Username, change.Status)
	if change.Status == StatusOnline {
		rs.stats.Incr(MetricOnlineUsers)
	} else {
		rs.stats.Decr(MetricOnlineUsers)
	}

	rs.broadcast(NewPresenceList(rs.presence.Snapshot()), rs.allConnections(), "")
}

func (rs *RelayService) leaveRooms(id string) {
	before := rs.router.ActiveRooms()
	rs.router.LeaveAll(id)
	rs.trackRooms(before)
}

// trackRooms updates the active room gauge after a router mutation.
func (rs *RelayService) trackRooms(before int) {
	for delta := rs.router.ActiveRooms() - before; delta != 0; {
		if delta > 0 {
			rs.stats.Incr(MetricActiveRooms)
			delta--
		} else {
			rs.stats.Decr(MetricActiveRooms)
			delta++
		}
	}
}

func (rs *RelayService) allConnections() []string {
	ids := make([]string, 0, len(rs.conns))
	for id := range rs.conns {
		ids = append(ids, id)
	}
	return ids
}

func (rs *RelayService) broadcast(msg *ServerMessage, targets []string, skip string) {
	for _, id := range targets {
		if id == skip {
			continue
		}

		c, ok := rs.conns[id]
		if !ok {
			continue
		}

		if !c.conn.Send(msg) {
			rs.log.Printf("dropped message for connection %s", id)
		}
	}
}
