package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const (
	defaultMessageLimit = 20
	maxMessageLimit     = 100
	defaultSearchLimit  = 10
)

const (
	createAccountQuery = "INSERT INTO accounts (username, email, password_hash, created_at, updated_at) " +
		"VALUES ($1, $2, $3, $4, $4) RETURNING id, username, email, created_at, updated_at"
	updateAccountQuery = "UPDATE accounts SET username = $2, password_hash = $3, updated_at = $4 " +
		"WHERE id = $1 RETURNING id, username, email, created_at, updated_at"
	getAccountByIdQuery = "SELECT id, username, email, created_at, updated_at FROM accounts " +
		"WHERE id = $1 LIMIT 1"
	getAccountByEmailQuery = "SELECT id, username, email, password_hash, created_at, updated_at FROM accounts " +
		"WHERE email = $1 LIMIT 1"
	searchAccountsQuery = "SELECT id, username, email, created_at, updated_at FROM accounts " +
		"WHERE username ILIKE $1 ORDER BY username LIMIT $2"

	createRoomQuery = "INSERT INTO rooms (name, external_id, description, is_group, owner_id, created_at, updated_at) " +
		"VALUES ($1, $2, $3, $4, $5, $6, $6) " +
		"RETURNING id, name, external_id, description, is_group, owner_id, seq_id, created_at, updated_at"
	getRoomByExternalIdQuery = "SELECT id, name, external_id, description, is_group, owner_id, seq_id, created_at, updated_at " +
		"FROM rooms WHERE external_id = $1 LIMIT 1"
	getRoomMembersQuery = "SELECT a.id, a.username, a.email FROM room_members AS m " +
		"JOIN accounts AS a ON m.account_id = a.id WHERE m.room_id = $1 ORDER BY a.id"
	listRoomsForAccountQuery = "SELECT r.id, r.name, r.external_id, r.description, r.is_group, r.owner_id, r.seq_id, " +
		"r.created_at, r.updated_at FROM room_members AS m JOIN rooms AS r ON r.id = m.room_id " +
		"WHERE m.account_id = $1 ORDER BY r.updated_at DESC"
	deleteRoomQuery    = "DELETE FROM rooms WHERE id = $1"
	addRoomMemberQuery = "INSERT INTO room_members (account_id, room_id, created_at) VALUES ($1, $2, $3) " +
		"ON CONFLICT (account_id, room_id) DO NOTHING"
	isRoomMemberQuery = "SELECT EXISTS (SELECT 1 FROM room_members AS m JOIN rooms AS r ON r.id = m.room_id " +
		"WHERE m.account_id = $1 AND r.external_id = $2)"

	nextSeqIdQuery     = "UPDATE rooms SET seq_id = seq_id + 1, updated_at = $2 WHERE id = $1 RETURNING seq_id"
	createMessageQuery = "INSERT INTO messages (seq_id, room_id, user_id, content, created_at, updated_at) " +
		"VALUES ($1, $2, $3, $4, $5, $5) RETURNING id, seq_id, room_id, user_id, content, edited, created_at, updated_at"
	getMessageQuery = "SELECT m.id, m.seq_id, m.room_id, r.external_id, m.user_id, a.username, m.content, m.edited, " +
		"m.created_at, m.updated_at FROM messages AS m JOIN accounts AS a ON a.id = m.user_id " +
		"JOIN rooms AS r ON r.id = m.room_id WHERE m.id = $1 LIMIT 1"
	updateMessageQuery = "UPDATE messages SET content = $2, edited = TRUE, updated_at = $3 WHERE id = $1 " +
		"RETURNING id, seq_id, room_id, user_id, content, edited, created_at, updated_at"
	deleteMessageQuery = "DELETE FROM messages WHERE id = $1"
	getMessagesQuery   = "SELECT m.id, m.seq_id, m.room_id, m.user_id, a.username, m.content, m.edited, m.created_at, m.updated_at " +
		"FROM messages AS m JOIN accounts AS a ON a.id = m.user_id " +
		"WHERE m.room_id = $1 AND m.seq_id BETWEEN $2 AND $3 ORDER BY m.seq_id DESC LIMIT $4"
)

func (db *PgChatRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (User, error) {
	row := db.conn.QueryRowContext(ctx, createAccountQuery,
		params.Username,
		params.EmailAddress,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var u User
	err := row.Scan(&u.Id, &u.Username, &u.EmailAddress, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func (db *PgChatRepository) UpdateAccount(ctx context.Context, params UpdateAccountParams) (User, error) {
	row := db.conn.QueryRowContext(ctx, updateAccountQuery,
		params.UserId,
		params.Username,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var u User
	err := row.Scan(&u.Id, &u.Username, &u.EmailAddress, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func (db *PgChatRepository) GetAccountById(ctx context.Context, id int) (User, error) {
	row := db.conn.QueryRowContext(ctx, getAccountByIdQuery, id)

	var u User
	err := row.Scan(&u.Id, &u.Username, &u.EmailAddress, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func (db *PgChatRepository) GetAccountByEmail(ctx context.Context, email string) (User, error) {
	row := db.conn.QueryRowContext(ctx, getAccountByEmailQuery, email)

	var u User
	err := row.Scan(&u.Id, &u.Username, &u.EmailAddress, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

// SearchAccounts returns accounts whose username contains query,
// case-insensitively.
func (db *PgChatRepository) SearchAccounts(ctx context.Context, query string, limit int) ([]User, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	pattern := "%" + escapeLike(query) + "%"
	rows, err := db.conn.QueryContext(ctx, searchAccountsQuery, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.Id, &u.Username, &u.EmailAddress, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}

	return users, rows.Err()
}

// CreateRoom inserts the room and makes its owner the first member.
func (db *PgChatRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Room{}, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	row := tx.QueryRowContext(ctx, createRoomQuery,
		params.Name,
		params.ExternalId,
		params.Description,
		params.IsGroup,
		params.OwnerId,
		now,
	)

	room, err := scanRoom(row)
	if err != nil {
		return Room{}, err
	}

	if _, err := tx.ExecContext(ctx, addRoomMemberQuery, params.OwnerId, room.Id, now); err != nil {
		return Room{}, fmt.Errorf("add owner to room: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Room{}, err
	}

	return room, nil
}

func (db *PgChatRepository) GetRoomByExternalId(ctx context.Context, externalId string) (Room, error) {
	return scanRoom(db.conn.QueryRowContext(ctx, getRoomByExternalIdQuery, externalId))
}

func (db *PgChatRepository) GetRoomWithMembers(ctx context.Context, externalId string) (*Room, error) {
	room, err := db.GetRoomByExternalId(ctx, externalId)
	if err != nil {
		return nil, err
	}

	rows, err := db.conn.QueryContext(ctx, getRoomMembersQuery, room.Id)
	if err != nil {
		return nil, fmt.Errorf("fetch room members: %w", err)
	}
	defer rows.Close()

	room.Members = make([]User, 0)
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.Id, &u.Username, &u.EmailAddress); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		room.Members = append(room.Members, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return &room, nil
}

func (db *PgChatRepository) ListRoomsForAccount(ctx context.Context, accountId int) ([]Room, error) {
	rows, err := db.conn.QueryContext(ctx, listRoomsForAccountQuery, accountId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := make([]Room, 0)
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}

	return rooms, rows.Err()
}

// DeleteRoom removes a room; members and messages cascade.
func (db *PgChatRepository) DeleteRoom(ctx context.Context, id int) error {
	res, err := db.conn.ExecContext(ctx, deleteRoomQuery, id)
	if err != nil {
		return err
	}

	return expectAffected(res)
}

// AddRoomMember is a no-op when the account is already a member.
func (db *PgChatRepository) AddRoomMember(ctx context.Context, accountId, roomId int) error {
	_, err := db.conn.ExecContext(ctx, addRoomMemberQuery, accountId, roomId, time.Now().UTC())
	return err
}

func (db *PgChatRepository) IsRoomMember(ctx context.Context, accountId int, roomExternalId string) (bool, error) {
	var exists bool
	err := db.conn.QueryRowContext(ctx, isRoomMemberQuery, accountId, roomExternalId).Scan(&exists)
	return exists, err
}

// CreateMessage assigns the room's next sequence id and stores the message
// in one transaction.
func (db *PgChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	var seqId int
	if err := tx.QueryRowContext(ctx, nextSeqIdQuery, params.RoomId, now).Scan(&seqId); err != nil {
		return Message{}, fmt.Errorf("next seq id: %w", err)
	}

	row := tx.QueryRowContext(ctx, createMessageQuery, seqId, params.RoomId, params.UserId, params.Content, now)

	var msg Message
	err = row.Scan(&msg.Id, &msg.SeqId, &msg.RoomId, &msg.UserId, &msg.Content, &msg.Edited, &msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		return Message{}, err
	}

	if err := tx.Commit(); err != nil {
		return Message{}, err
	}

	return msg, nil
}

func (db *PgChatRepository) GetMessage(ctx context.Context, id int) (Message, error) {
	row := db.conn.QueryRowContext(ctx, getMessageQuery, id)

	var msg Message
	err := row.Scan(&msg.Id, &msg.SeqId, &msg.RoomId, &msg.RoomExternalId, &msg.UserId, &msg.Username,
		&msg.Content, &msg.Edited, &msg.CreatedAt, &msg.UpdatedAt)
	return msg, err
}

func (db *PgChatRepository) UpdateMessage(ctx context.Context, id int, content string) (Message, error) {
	row := db.conn.QueryRowContext(ctx, updateMessageQuery, id, content, time.Now().UTC())

	var msg Message
	err := row.Scan(&msg.Id, &msg.SeqId, &msg.RoomId, &msg.UserId, &msg.Content, &msg.Edited, &msg.CreatedAt, &msg.UpdatedAt)
	return msg, err
}

func (db *PgChatRepository) DeleteMessage(ctx context.Context, id int) error {
	res, err := db.conn.ExecContext(ctx, deleteMessageQuery, id)
	if err != nil {
		return err
	}

	return expectAffected(res)
}

// GetMessages returns a page of history, newest first.
func (db *PgChatRepository) GetMessages(ctx context.Context, q MessageQuery) ([]Message, error) {
	var upper, lower int = 1<<31 - 1, 0
	if q.Before > 0 {
		upper = q.Before - 1
	}

	if q.After > 0 {
		lower = q.After + 1
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}

	rows, err := db.conn.QueryContext(ctx, getMessagesQuery, q.RoomId, lower, upper, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		var msg Message
		err := rows.Scan(&msg.Id, &msg.SeqId, &msg.RoomId, &msg.UserId, &msg.Username,
			&msg.Content, &msg.Edited, &msg.CreatedAt, &msg.UpdatedAt)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRoom(s scanner) (Room, error) {
	var r Room
	err := s.Scan(&r.Id, &r.Name, &r.ExternalId, &r.Description, &r.IsGroup,
		&r.OwnerId, &r.SeqId, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

// expectAffected maps a write that touched no rows to sql.ErrNoRows.
func expectAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
