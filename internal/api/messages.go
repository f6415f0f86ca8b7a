package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/relay"
	"github.com/npezzotti/go-chatrelay/internal/types"
)

const (
	maxContentLength = 4000
	publishTimeout   = 2 * time.Second
)

type CreateMessageRequest struct {
	RoomId  string `json:"room_id"`
	Content string `json:"content"`
}

type UpdateMessageRequest struct {
	Content string `json:"content"`
}

func toMessage(m database.Message, roomExternalId string) types.Message {
	return types.Message{
		Id:        m.Id,
		SeqId:     m.SeqId,
		RoomId:    roomExternalId,
		UserId:    m.UserId,
		Username:  m.Username,
		Content:   m.Content,
		Edited:    m.Edited,
		Timestamp: m.CreatedAt,
	}
}

func validContent(content string) bool {
	content = strings.TrimSpace(content)
	return content != "" && len(content) <= maxContentLength
}

// publish relays a persisted change to the room's open connections. The
// write already succeeded, so a relay failure is only logged.
func (s *ChatRelayApp) publish(roomId string, msg *relay.ServerMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := s.relay.Publish(ctx, roomId, msg); err != nil {
		s.log.Printf("publish to room %q: %v", roomId, err)
	}
}

func (s *ChatRelayApp) requireMember(w http.ResponseWriter, r *http.Request, userId int, roomId string) bool {
	isMember, err := s.db.IsRoomMember(r.Context(), userId, roomId)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return false
	}

	if !isMember {
		s.writeError(w, NewForbiddenError())
		return false
	}

	return true
}

// ownMessage loads the message named in the path and checks the caller
// wrote it.
func (s *ChatRelayApp) ownMessage(w http.ResponseWriter, r *http.Request) *database.Message {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return nil
	}

	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id <= 0 {
		s.writeError(w, NewBadRequestError())
		return nil
	}

	msg, err := s.db.GetMessage(r.Context(), id)
	if err != nil {
		s.writeError(w, dbError(err))
		return nil
	}

	if msg.UserId != userId {
		s.writeError(w, NewForbiddenError())
		return nil
	}

	return &msg
}

func (s *ChatRelayApp) getMessages(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	externalId := r.URL.Query().Get("room_id")
	if externalId == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	var before, after, limit int
	for key, dst := range map[string]*int{"before": &before, "after": &after, "limit": &limit} {
		v := r.URL.Query().Get(key)
		if v == "" {
			continue
		}

		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, NewBadRequestError())
			return
		}
		*dst = n
	}

	room, err := s.db.GetRoomByExternalId(r.Context(), externalId)
	if err != nil {
		s.writeError(w, dbError(err))
		return
	}

	if !s.requireMember(w, r, userId, externalId) {
		return
	}

	dbMessages, err := s.db.GetMessages(r.Context(), database.MessageQuery{
		RoomId: room.Id,
		After:  after,
		Before: before,
		Limit:  limit,
	})
	if err != nil {
		s.writeError(w, dbError(err))
		return
	}

	messages := make([]types.Message, 0, len(dbMessages))
	for _, m := range dbMessages {
		messages = append(messages, toMessage(m, room.ExternalId))
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *ChatRelayApp) createMessage(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	var req CreateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if req.RoomId == "" || !validContent(req.Content) {
		s.writeError(w, NewBadRequestError())
		return
	}

	room, err := s.db.GetRoomByExternalId(r.Context(), req.RoomId)
	if err != nil {
		s.writeError(w, dbError(err))
		return
	}

	if !s.requireMember(w, r, userId, room.ExternalId) {
		return
	}

	author, err := s.db.GetAccountById(r.Context(), userId)
	if err != nil {
		s.writeError(w, dbError(err))
		return
	}

	dbMsg, err := s.db.CreateMessage(r.Context(), database.CreateMessageParams{
		RoomId:  room.Id,
		UserId:  userId,
		Content: req.Content,
	})
	if err != nil {
		s.writeError(w, dbError(err))
		return
	}
	dbMsg.Username = author.Username

	msg := toMessage(dbMsg, room.ExternalId)
	s.publish(room.ExternalId, &relay.ServerMessage{
		BaseMessage:     relay.BaseMessage{Timestamp: relay.Now()},
		MessageReceived: &relay.MessageCreated{RoomId: room.ExternalId, Message: &msg},
	})

	s.writeJson(w, http.StatusCreated, msg)
}

func (s *ChatRelayApp) updateMessage(w http.ResponseWriter, r *http.Request) {
	existing := s.ownMessage(w, r)
	if existing == nil {
		return
	}

	var req UpdateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !validContent(req.Content) {
		s.writeError(w, NewBadRequestError())
		return
	}

	dbMsg, err := s.db.UpdateMessage(r.Context(), existing.Id, req.Content)
	if err != nil {
		s.writeError(w, dbError(err))
		return
	}
	dbMsg.Username = existing.Username

	s.publish(existing.RoomExternalId, &relay.ServerMessage{
		BaseMessage: relay.BaseMessage{Timestamp: relay.Now()},
		MessageUpdated: &relay.MessageEdited{
			RoomId:    existing.RoomExternalId,
			MessageId: dbMsg.Id,
			Content:   dbMsg.Content,
		},
	})

	s.writeJson(w, http.StatusOK, toMessage(dbMsg, existing.RoomExternalId))
}

func (s *ChatRelayApp) deleteMessage(w http.ResponseWriter, r *http.Request) {
	existing := s.ownMessage(w, r)
	if existing == nil {
		return
	}

	if err := s.db.DeleteMessage(r.Context(), existing.Id); err != nil {
		s.writeError(w, dbError(err))
		return
	}

	s.publish(existing.RoomExternalId, &relay.ServerMessage{
		BaseMessage: relay.BaseMessage{Timestamp: relay.Now()},
		MessageDeleted: &relay.MessageDeleted{
			RoomId:    existing.RoomExternalId,
			MessageId: existing.Id,
		},
	})

	w.WriteHeader(http.StatusNoContent)
}
