package database

import (
	"context"

	"github.com/npezzotti/go-swapchat/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockChatRepository) GetOrCreateConversation(ctx context.Context, params CreateConversationParams) (types.Conversation, bool, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(types.Conversation), args.Bool(1), args.Error(2)
}
func (m *MockChatRepository) GetConversation(ctx context.Context, id string) (types.Conversation, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(types.Conversation), args.Error(1)
}
func (m *MockChatRepository) ListConversations(ctx context.Context, userId string) ([]types.Conversation, error) {
	args := m.Called(ctx, userId)
	if convs, ok := args.Get(0).([]types.Conversation); ok {
		return convs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) DeleteConversation(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
func (m *MockChatRepository) CreateMessage(ctx context.Context, msg types.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}
func (m *MockChatRepository) GetMessage(ctx context.Context, id string) (types.Message, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockChatRepository) UpdateMessageContent(ctx context.Context, id, content string) (types.Message, error) {
	args := m.Called(ctx, id, content)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockChatRepository) DeleteMessage(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
func (m *MockChatRepository) MarkAsRead(ctx context.Context, conversationId, readerId string) (int64, error) {
	args := m.Called(ctx, conversationId, readerId)
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockChatRepository) GetUnreadMessages(ctx context.Context, conversationId, userId string) ([]types.Message, error) {
	args := m.Called(ctx, conversationId, userId)
	if msgs, ok := args.Get(0).([]types.Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) GetMessages(ctx context.Context, conversationId string, before Cursor, limit int) ([]types.Message, error) {
	args := m.Called(ctx, conversationId, before, limit)
	if msgs, ok := args.Get(0).([]types.Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
