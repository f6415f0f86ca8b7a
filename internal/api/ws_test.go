package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/relay"
	"github.com/npezzotti/go-chatrelay/internal/stats"
	"github.com/npezzotti/go-chatrelay/internal/testutil"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// newWsServer runs serveWs in front of a live relay backed by db.
func newWsServer(t *testing.T, db *database.MockChatRepository) string {
	t.Helper()

	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything)
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()

	rs := relay.NewRelayService(testutil.TestLogger(t), NewTokenVerifier(testSigningKey, db), db, su, relay.Options{})
	go rs.Run()

	app := newTestApp(t, db, rs)
	srv := httptest.NewServer(http.HandlerFunc(app.serveWs))
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		rs.Shutdown(ctx)
	})

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readServerMessage(t *testing.T, conn *websocket.Conn) *relay.ServerMessage {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg relay.ServerMessage
	require.NoError(t, conn.ReadJSON(&msg), "expected a server message")
	return &msg
}

func Test_serveWs_ValidToken(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("GetAccountById", mock.Anything, 1).Return(database.User{Id: 1, Username: "alice"}, nil)
	db.On("IsRoomMember", mock.Anything, 1, "r1").Return(true, nil)

	url := newWsServer(t, db)
	token, err := createJwt(testSigningKey, 1, time.Minute)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token="+token, nil)
	require.NoError(t, err, "expected dial to succeed")
	defer conn.Close()

	msg := readServerMessage(t, conn)
	require.NotNil(t, msg.PresenceList, "expected a presence list on connect")
	assert.Equal(t, []types.OnlineUser{{UserId: 1, Username: "alice"}}, msg.PresenceList.Users)

	require.NoError(t, conn.WriteJSON(relay.ClientMessage{
		BaseMessage: relay.BaseMessage{Id: 7},
		JoinRoom:    &relay.RoomRef{RoomId: "r1"},
	}))

	resp := readServerMessage(t, conn)
	require.NotNil(t, resp.Response)
	assert.Equal(t, 7, resp.Id)
	assert.Equal(t, http.StatusOK, resp.Response.ResponseCode)
}

func Test_serveWs_CookieToken(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("GetAccountById", mock.Anything, 2).Return(database.User{Id: 2, Username: "bob"}, nil)

	url := newWsServer(t, db)
	token, err := createJwt(testSigningKey, 2, time.Minute)
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Cookie", tokenCookieKey+"="+token)
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	msg := readServerMessage(t, conn)
	require.NotNil(t, msg.PresenceList)
	assert.Equal(t, []types.OnlineUser{{UserId: 2, Username: "bob"}}, msg.PresenceList.Users)
}

func Test_serveWs_InvalidToken(t *testing.T) {
	url := newWsServer(t, &database.MockChatRepository{})

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token=invalid", nil)
	require.NoError(t, err, "expected the upgrade to complete before verification")
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "expected policy violation close, got %v", err)
}

func Test_serveWs_MissingToken(t *testing.T) {
	url := newWsServer(t, &database.MockChatRepository{})

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func Test_checkOrigin(t *testing.T) {
	app := newTestApp(t, &database.MockChatRepository{}, &mockRelay{})

	tcases := []struct {
		name     string
		origin   string
		expected bool
	}{
		{name: "no origin", expected: true},
		{name: "allowed origin", origin: "http://localhost:3000", expected: true},
		{name: "other origin", origin: "http://evil.example.com", expected: false},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			assert.Equal(t, tc.expected, app.checkOrigin(req))
		})
	}
}
