package database

import (
	"context"
	"errors"

	"github.com/npezzotti/go-swapchat/internal/types"
)

var ErrNotFound = errors.New("record not found")

// ChatRepository is the persistent conversation and message store. All
// implementations must make MarkAsRead a single conditional update.
type ChatRepository interface {
	Ping(ctx context.Context) error
	GetOrCreateConversation(ctx context.Context, params CreateConversationParams) (types.Conversation, bool, error)
	GetConversation(ctx context.Context, id string) (types.Conversation, error)
	ListConversations(ctx context.Context, userId string) ([]types.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	CreateMessage(ctx context.Context, msg types.Message) error
	GetMessage(ctx context.Context, id string) (types.Message, error)
	UpdateMessageContent(ctx context.Context, id, content string) (types.Message, error)
	DeleteMessage(ctx context.Context, id string) error
	MarkAsRead(ctx context.Context, conversationId, readerId string) (int64, error)
	GetUnreadMessages(ctx context.Context, conversationId, userId string) ([]types.Message, error)
	GetMessages(ctx context.Context, conversationId string, before Cursor, limit int) ([]types.Message, error)
}
