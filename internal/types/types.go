package types

import (
	"time"
)

type User struct {
	Id           int       `json:"id"`
	Username     string    `json:"username"`
	EmailAddress string    `json:"email_address,omitempty"`
	Password     string    `json:"-"`
	IsOnline     bool      `json:"is_online,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

type Room struct {
	Id          int       `json:"id"`
	Name        string    `json:"name"`
	ExternalId  string    `json:"external_id"`
	Description string    `json:"description"`
	IsGroup     bool      `json:"is_group"`
	OwnerId     int       `json:"owner_id"`
	SeqId       int       `json:"seq_id"`
	Members     []User    `json:"members,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

type Message struct {
	Id        int       `json:"id"`
	SeqId     int       `json:"seq_id"`
	RoomId    string    `json:"room_id"`
	UserId    int       `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	Content   string    `json:"content"`
	Edited    bool      `json:"edited,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// OnlineUser is one entry of a presence snapshot.
type OnlineUser struct {
	UserId   int    `json:"user_id"`
	Username string `json:"username"`
}
