package database

import "time"

type Room struct {
	Id          int
	Name        string
	ExternalId  string
	Description string
	IsGroup     bool
	SeqId       int
	OwnerId     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Members     []User
}

type User struct {
	Id           int
	Username     string
	EmailAddress string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Message struct {
	Id        int
	SeqId     int
	RoomId    int
	UserId    int
	Username  string
	Content   string
	Edited    bool
	CreatedAt time.Time
	UpdatedAt time.Time

	// RoomExternalId is only populated by GetMessage.
	RoomExternalId string
}

type CreateAccountParams struct {
	Username     string
	EmailAddress string
	PasswordHash string
}

type UpdateAccountParams struct {
	UserId       int
	Username     string
	PasswordHash string
}

type CreateRoomParams struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	IsGroup     bool   `json:"is_group"`
	OwnerId     int    `json:"-"`
	ExternalId  string `json:"-"`
}

type CreateMessageParams struct {
	RoomId  int
	UserId  int
	Content string
}

// MessageQuery selects a page of a room's history by sequence id. Zero
// values for After and Before leave that side unbounded.
type MessageQuery struct {
	RoomId int
	After  int
	Before int
	Limit  int
}
