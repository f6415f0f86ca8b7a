package relay

import (
	"net/http"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is an inbound event. Exactly one of the event fields is
// expected to be set.
type ClientMessage struct {
	BaseMessage
	JoinRoom       *RoomRef        `json:"join-room,omitempty"`
	LeaveRoom      *RoomRef        `json:"leave-room,omitempty"`
	Typing         *Typing         `json:"typing,omitempty"`
	StopTyping     *Typing         `json:"stop-typing,omitempty"`
	MessageCreated *MessageCreated `json:"message-created,omitempty"`
	MessageEdited  *MessageEdited  `json:"message-edited,omitempty"`
	MessageDeleted *MessageDeleted `json:"message-deleted,omitempty"`
	sender         Conn
}

type RoomRef struct {
	RoomId string `json:"room_id"`
}

type Typing struct {
	UserId   int    `json:"user_id"`
	Username string `json:"username"`
	RoomId   string `json:"room_id,omitempty"`
}

type MessageCreated struct {
	RoomId  string         `json:"room_id"`
	Message *types.Message `json:"message"`
}

type MessageEdited struct {
	RoomId    string `json:"room_id"`
	MessageId int    `json:"message_id"`
	Content   string `json:"content"`
}

type MessageDeleted struct {
	RoomId    string `json:"room_id"`
	MessageId int    `json:"message_id"`
}

// ServerMessage is an outbound event or a response to a ClientMessage.
type ServerMessage struct {
	BaseMessage
	Response        *Response       `json:"response,omitempty"`
	PresenceList    *PresenceList   `json:"presence-list,omitempty"`
	UserTyping      *Typing         `json:"user-typing,omitempty"`
	UserStopTyping  *Typing         `json:"user-stop-typing,omitempty"`
	MessageReceived *MessageCreated `json:"message-received,omitempty"`
	MessageUpdated  *MessageEdited  `json:"message-updated,omitempty"`
	MessageDeleted  *MessageDeleted `json:"message-deleted,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type PresenceList struct {
	Users []types.OnlineUser `json:"users"`
}

// roomId returns the room a message-mutation event is scoped to.
func (m *ClientMessage) roomId() string {
	switch {
	case m.MessageCreated != nil:
		return m.MessageCreated.RoomId
	case m.MessageEdited != nil:
		return m.MessageEdited.RoomId
	case m.MessageDeleted != nil:
		return m.MessageDeleted.RoomId
	}
	return ""
}

func NewPresenceList(users []types.OnlineUser) *ServerMessage {
	if users == nil {
		users = make([]types.OnlineUser, 0)
	}

	return &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		PresenceList: &PresenceList{Users: users},
	}
}

func NoErrOK(id int, data any) *ServerMessage {
	return newResponse(id, http.StatusOK, "", data)
}

func NoErrAccepted(id int) *ServerMessage {
	return newResponse(id, http.StatusAccepted, "", nil)
}

func ErrRoomNotFound(id int) *ServerMessage {
	return newResponse(id, http.StatusNotFound, "room not found", nil)
}

func ErrForbidden(id int) *ServerMessage {
	return newResponse(id, http.StatusForbidden, "not a member of room", nil)
}

func ErrUnauthorized(id int) *ServerMessage {
	return newResponse(id, http.StatusUnauthorized, "unauthorized", nil)
}

func ErrInternalError(id int) *ServerMessage {
	return newResponse(id, http.StatusInternalServerError, "internal server error", nil)
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return newResponse(id, http.StatusServiceUnavailable, "service unavailable", nil)
}

func ErrInvalidMessage(id int) *ServerMessage {
	if id < 0 {
		id = 0
	}
	return newResponse(id, http.StatusBadRequest, "invalid message format", nil)
}

func newResponse(id, code int, errMsg string, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        errMsg,
			Data:         data,
		},
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
