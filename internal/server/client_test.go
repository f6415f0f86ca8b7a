package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatrelay/internal/relay"
	"github.com/npezzotti/go-chatrelay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dispatched struct {
	sender relay.Conn
	msg    *relay.ClientMessage
}

type fakeRelay struct {
	events      chan dispatched
	disconnects chan string
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		events:      make(chan dispatched, 16),
		disconnects: make(chan string, 16),
	}
}

func (f *fakeRelay) Dispatch(sender relay.Conn, msg *relay.ClientMessage) {
	f.events <- dispatched{sender: sender, msg: msg}
}

func (f *fakeRelay) Disconnect(connId string) {
	f.disconnects <- connId
}

// newTestConnection starts a websocket server whose connections are served
// by a Client and returns the dialed peer along with that Client.
func newTestConnection(t *testing.T, fr *fakeRelay) (*websocket.Conn, *Client) {
	t.Helper()

	clients := make(chan *Client, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}

		c := NewClient(conn, fr, testutil.TestLogger(t))
		go c.Write()
		go c.Read()
		clients <- c
	}))
	t.Cleanup(srv.Close)

	peer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err, "expected dial to succeed")
	t.Cleanup(func() { peer.Close() })

	select {
	case c := <-clients:
		return peer, c
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for server side client")
		return nil, nil
	}
}

func Test_queueMessage(t *testing.T) {
	t.Run("successful queue", func(t *testing.T) {
		c := &Client{
			send: make(chan *relay.ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		res := c.Send(&relay.ServerMessage{})
		assert.True(t, res, "expected Send to return true when channel is not full")
		assert.Len(t, c.send, 1, "expected a message to be queued")
	})
	t.Run("channel full", func(t *testing.T) {
		c := &Client{
			send: make(chan *relay.ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		c.send <- &relay.ServerMessage{}
		res := c.Send(&relay.ServerMessage{})
		assert.False(t, res, "expected Send to return false when channel is full")
	})
}

func Test_serializeMessage(t *testing.T) {
	message := &relay.ServerMessage{
		BaseMessage: relay.BaseMessage{
			Id:        1,
			Timestamp: relay.Now(),
		},
		Response: &relay.Response{
			ResponseCode: 200,
			Data:         "test data",
		},
	}

	expected := `{"id":1,"timestamp":"` + message.Timestamp.Format(time.RFC3339Nano) +
		`","response":{"response_code":200,"data":"test data"}}`

	bytes, err := serializeMessage(message)
	assert.NoError(t, err, "expected no error during serialization")
	assert.Equal(t, expected, string(bytes), "expected serialized message to match the expected format")
}

func TestClient_Close(t *testing.T) {
	c := &Client{stop: make(chan struct{})}

	assert.NotPanics(t, func() {
		c.Close()
		c.Close()
	}, "expected Close to be idempotent")

	select {
	case <-c.stop:
	default:
		t.Error("expected stop channel to be closed")
	}
}

func TestNewClient_UniqueIds(t *testing.T) {
	a := NewClient(nil, newFakeRelay(), testutil.TestLogger(t))
	b := NewClient(nil, newFakeRelay(), testutil.TestLogger(t))

	assert.NotEmpty(t, a.Id())
	assert.NotEqual(t, a.Id(), b.Id(), "expected each connection to get its own id")
}

func TestClient_ReadDispatches(t *testing.T) {
	fr := newFakeRelay()
	peer, c := newTestConnection(t, fr)

	require.NoError(t, peer.WriteMessage(websocket.TextMessage, []byte(`{"id":3,"join-room":{"room_id":"r1"}}`)))

	select {
	case d := <-fr.events:
		assert.Equal(t, c.Id(), d.sender.Id(), "expected event to carry its connection")
		assert.Equal(t, 3, d.msg.Id)
		require.NotNil(t, d.msg.JoinRoom)
		assert.Equal(t, "r1", d.msg.JoinRoom.RoomId)
		assert.False(t, d.msg.Timestamp.IsZero(), "expected receive timestamp to be set")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
}

func TestClient_ReadInvalidJson(t *testing.T) {
	fr := newFakeRelay()
	peer, _ := newTestConnection(t, fr)

	require.NoError(t, peer.WriteMessage(websocket.TextMessage, []byte(`{not json`)))

	peer.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := peer.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"response_code":400`)
	assert.Empty(t, fr.events, "expected malformed event to be dropped")
}

func TestClient_WriteDelivers(t *testing.T) {
	fr := newFakeRelay()
	peer, c := newTestConnection(t, fr)

	assert.True(t, c.Send(relay.NoErrOK(9, nil)))

	peer.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := peer.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"id":9`)
	assert.Contains(t, string(raw), `"response_code":200`)
}

func TestClient_PeerCloseDisconnects(t *testing.T) {
	fr := newFakeRelay()
	peer, c := newTestConnection(t, fr)

	peer.Close()

	select {
	case id := <-fr.disconnects:
		assert.Equal(t, c.Id(), id)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for disconnect")
	}
}

func TestClient_CloseSendsCloseFrame(t *testing.T) {
	fr := newFakeRelay()
	peer, c := newTestConnection(t, fr)

	c.Close()

	peer.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := peer.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected normal close, got %v", err)
}

func TestReject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		Reject(conn, "invalid token")
	}))
	defer srv.Close()

	peer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer peer.Close()

	peer.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = peer.ReadMessage()

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, "invalid token", closeErr.Text)
}
