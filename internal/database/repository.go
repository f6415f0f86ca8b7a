package database

import "context"

type ChatRepository interface {
	Ping(ctx context.Context) error
	CreateAccount(ctx context.Context, params CreateAccountParams) (User, error)
	UpdateAccount(ctx context.Context, params UpdateAccountParams) (User, error)
	GetAccountById(ctx context.Context, accountId int) (User, error)
	GetAccountByEmail(ctx context.Context, email string) (User, error)
	SearchAccounts(ctx context.Context, query string, limit int) ([]User, error)
	CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error)
	GetRoomByExternalId(ctx context.Context, externalId string) (Room, error)
	GetRoomWithMembers(ctx context.Context, externalId string) (*Room, error)
	ListRoomsForAccount(ctx context.Context, accountId int) ([]Room, error)
	DeleteRoom(ctx context.Context, id int) error
	AddRoomMember(ctx context.Context, accountId, roomId int) error
	IsRoomMember(ctx context.Context, accountId int, roomExternalId string) (bool, error)
	CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error)
	GetMessage(ctx context.Context, id int) (Message, error)
	UpdateMessage(ctx context.Context, id int, content string) (Message, error)
	DeleteMessage(ctx context.Context, id int) error
	GetMessages(ctx context.Context, q MessageQuery) ([]Message, error)
}
