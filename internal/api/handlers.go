package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/types"
)

const userSearchLimit = 10

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type UpdateAccountRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CreateRoomRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	IsGroup     bool   `json:"is_group"`
}

type AddMemberRequest struct {
	UserId int `json:"user_id"`
}

type PresenceResponse struct {
	Users []types.OnlineUser `json:"users"`
}

func (s *ChatRelayApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *ChatRelayApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Println(errResp)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *ChatRelayApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func toUser(u database.User) types.User {
	return types.User{
		Id:           u.Id,
		Username:     u.Username,
		EmailAddress: u.EmailAddress,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func toRoom(r database.Room) types.Room {
	room := types.Room{
		Id:          r.Id,
		ExternalId:  r.ExternalId,
		Name:        r.Name,
		Description: r.Description,
		IsGroup:     r.IsGroup,
		OwnerId:     r.OwnerId,
		SeqId:       r.SeqId,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}

	for _, m := range r.Members {
		room.Members = append(room.Members, types.User{Id: m.Id, Username: m.Username})
	}

	return room
}

func (s *ChatRelayApp) createAccount(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if req.Username == "" || req.Email == "" || req.Password == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	pwdHash, err := hashPassword(req.Password)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	newUser, err := s.db.CreateAccount(r.Context(), database.CreateAccountParams{
		Username:     req.Username,
		EmailAddress: req.Email,
		PasswordHash: pwdHash,
	})
	if err != nil {
		s.writeError(w, dbError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, toUser(newUser))
}

func (s *ChatRelayApp) account(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	switch r.Method {
	case http.MethodGet:
		user, err := s.db.GetAccountById(r.Context(), userId)
		if err != nil {
			s.writeError(w, dbError(err))
			return
		}

		s.writeJson(w, http.StatusOK, toUser(user))
	case http.MethodPut:
		curUser, err := s.db.GetAccountById(r.Context(), userId)
		if err != nil {
			s.writeError(w, dbError(err))
			return
		}

		var req UpdateAccountRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, NewBadRequestError())
			return
		}

		if req.Username == "" || req.Password == "" {
			s.writeError(w, NewBadRequestError())
			return
		}

		pwdHash, err := hashPassword(req.Password)
		if err != nil {
			s.writeError(w, NewInternalServerError(err))
			return
		}

		dbUser, err := s.db.UpdateAccount(r.Context(), database.UpdateAccountParams{
			UserId:       curUser.Id,
			Username:     req.Username,
			PasswordHash: pwdHash,
		})
		if err != nil {
			s.writeError(w, dbError(err))
			return
		}

		s.writeJson(w, http.StatusOK, toUser(dbUser))
	default:
		s.writeError(w, NewMethodNotAllowedError())
	}
}

func (s *ChatRelayApp) session(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	user, err := s.db.GetAccountById(r.Context(), userId)
	if err != nil {
		s.writeError(w, dbError(err))
		return
	}

	s.writeJson(w, http.StatusOK, toUser(user))
}

func (s *ChatRelayApp) login(w http.ResponseWriter, r *http.Request) {
	var lr LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&lr); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if lr.Email == "" || lr.Password == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	dbUser, err := s.db.GetAccountByEmail(r.Context(), lr.Email)
	if err != nil {
		s.writeError(w, dbError(err))
		return
	}

	if !verifyPassword(dbUser.PasswordHash, lr.Password) {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	u := toUser(dbUser)
	token, err := s.createJwtForSession(u, defaultJwtExpiration)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	http.SetCookie(w, createJwtCookie(token, defaultJwtExpiration))
	s.writeJson(w, http.StatusOK, u)
}

func (s *ChatRelayApp) logout(w http.ResponseWriter, _ *http.Request) {
	// overwrite the cookie with an expired one
	http.SetCookie(w, createJwtCookie("", time.Duration(time.Unix(0, 0).Unix())))
	w.WriteHeader(http.StatusNoContent)
}

// onlineSet returns the ids of the users currently online. A relay error
// yields an empty set so listings still render.
func (s *ChatRelayApp) onlineSet(r *http.Request) map[int]struct{} {
	online := make(map[int]struct{})
	users, err := s.relay.Snapshot(r.Context())
	if err != nil {
		s.log.Println("presence snapshot:", err)
		return online
	}

	for _, u := range users {
		online[u.UserId] = struct{}{}
	}
	return online
}

func (s *ChatRelayApp) searchUsers(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	query := strings.TrimSpace(r.URL.Query().Get("search"))
	if query == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	dbUsers, err := s.db.SearchAccounts(r.Context(), query, userSearchLimit)
	if err != nil {
		s.writeError(w, dbError(err))
		return
	}

	online := s.onlineSet(r)
	users := make([]types.User, 0, len(dbUsers))
	for _, u := range dbUsers {
		if u.Id == userId {
			continue
		}

		_, isOnline := online[u.Id]
		users = append(users, types.User{Id: u.Id, Username: u.Username, IsOnline: isOnline})
	}

	s.writeJson(w, http.StatusOK, users)
}

func (s *ChatRelayApp) presence(w http.ResponseWriter, r *http.Request) {
	users, err := s.relay.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, NewServiceUnavailableError(err))
		return
	}

	if users == nil {
		users = make([]types.OnlineUser, 0)
	}
	s.writeJson(w, http.StatusOK, PresenceResponse{Users: users})
}

func (s *ChatRelayApp) createRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if req.Name == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	sid, err := s.generateShortId()
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	newRoom, err := s.db.CreateRoom(r.Context(), database.CreateRoomParams{
		Name:        req.Name,
		Description: req.Description,
		IsGroup:     req.IsGroup,
		OwnerId:     userId,
		ExternalId:  sid,
	})
	if err != nil {
		s.writeError(w, dbError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, toRoom(newRoom))
}

func (s *ChatRelayApp) listRooms(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	dbRooms, err := s.db.ListRoomsForAccount(r.Context(), userId)
	if err != nil {
		s.writeError(w, dbError(err))
		return
	}

	rooms := make([]types.Room, 0, len(dbRooms))
	for _, room := range dbRooms {
		rooms = append(rooms, toRoom(room))
	}

	s.writeJson(w, http.StatusOK, rooms)
}

// memberRoom loads the room named in the path and checks the caller belongs
// to it. It writes the error response itself and returns nil on failure.
func (s *ChatRelayApp) memberRoom(w http.ResponseWriter, r *http.Request) *database.Room {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return nil
	}

	room, err := s.db.GetRoomWithMembers(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, dbError(err))
		return nil
	}

	for _, m := range room.Members {
		if m.Id == userId {
			return room
		}
	}

	s.writeError(w, NewForbiddenError())
	return nil
}

func (s *ChatRelayApp) getRoom(w http.ResponseWriter, r *http.Request) {
	room := s.memberRoom(w, r)
	if room == nil {
		return
	}

	resp := toRoom(*room)
	online := s.onlineSet(r)
	for i := range resp.Members {
		_, resp.Members[i].IsOnline = online[resp.Members[i].Id]
	}

	s.writeJson(w, http.StatusOK, resp)
}

func (s *ChatRelayApp) deleteRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	room, err := s.db.GetRoomByExternalId(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, dbError(err))
		return
	}

	if room.OwnerId != userId {
		s.writeError(w, NewForbiddenError())
		return
	}

	if err := s.db.DeleteRoom(r.Context(), room.Id); err != nil {
		s.writeError(w, dbError(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *ChatRelayApp) addRoomMember(w http.ResponseWriter, r *http.Request) {
	room := s.memberRoom(w, r)
	if room == nil {
		return
	}

	var req AddMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserId <= 0 {
		s.writeError(w, NewBadRequestError())
		return
	}

	for _, m := range room.Members {
		if m.Id == req.UserId {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}

	// direct chats hold exactly two members
	if !room.IsGroup && len(room.Members) >= 2 {
		s.writeError(w, NewBadRequestError())
		return
	}

	if _, err := s.db.GetAccountById(r.Context(), req.UserId); err != nil {
		s.writeError(w, dbError(err))
		return
	}

	if err := s.db.AddRoomMember(r.Context(), req.UserId, room.Id); err != nil {
		s.writeError(w, dbError(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
