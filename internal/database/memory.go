package database

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/npezzotti/go-swapchat/internal/types"
)

type conversationKey struct {
	participants string
	subject      string
}

// MemoryChatRepository keeps everything in process memory. It is used in
// tests and for single-node development setups.
type MemoryChatRepository struct {
	mu            sync.RWMutex
	users         map[string]types.User
	conversations map[string]types.Conversation
	byKey         map[conversationKey]string
	messages      map[string]types.Message
}

func NewMemoryChatRepository(users ...types.User) *MemoryChatRepository {
	r := &MemoryChatRepository{
		users:         make(map[string]types.User),
		conversations: make(map[string]types.Conversation),
		byKey:         make(map[conversationKey]string),
		messages:      make(map[string]types.Message),
	}
	for _, u := range users {
		r.users[u.Id] = u
	}
	return r
}

func (r *MemoryChatRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (r *MemoryChatRepository) GetOrCreateConversation(ctx context.Context, params CreateConversationParams) (types.Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return types.Conversation{}, false, err
	}

	participants := NormalizeParticipants(params.Participants)
	key := conversationKey{participants: participantKey(participants), subject: params.Subject.Id}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byKey[key]; ok {
		return r.withDetails(r.conversations[id]), false, nil
	}

	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	conv := types.Conversation{
		Id:           params.Id,
		Participants: participants,
		Subject:      params.Subject,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
	r.conversations[conv.Id] = conv
	r.byKey[key] = conv.Id

	return r.withDetails(conv), true, nil
}

func (r *MemoryChatRepository) GetConversation(ctx context.Context, id string) (types.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return types.Conversation{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	conv, ok := r.conversations[id]
	if !ok {
		return types.Conversation{}, ErrNotFound
	}
	return r.withDetails(conv), nil
}

func (r *MemoryChatRepository) ListConversations(ctx context.Context, userId string) ([]types.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	convs := make([]types.Conversation, 0)
	for _, c := range r.conversations {
		if c.HasParticipant(userId) {
			convs = append(convs, r.withDetails(c))
		}
	}

	sort.SliceStable(convs, func(i, j int) bool {
		if convs[i].UpdatedAt.Equal(convs[j].UpdatedAt) {
			return convs[i].Id < convs[j].Id
		}
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})

	return convs, nil
}

func (r *MemoryChatRepository) DeleteConversation(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[id]
	if !ok {
		return ErrNotFound
	}

	delete(r.conversations, id)
	delete(r.byKey, conversationKey{participants: participantKey(conv.Participants), subject: conv.Subject.Id})

	for msgId, m := range r.messages {
		if m.ConversationId == id {
			delete(r.messages, msgId)
		}
	}

	return nil
}

func (r *MemoryChatRepository) CreateMessage(ctx context.Context, msg types.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[msg.ConversationId]
	if !ok {
		return ErrNotFound
	}

	msg.ReadBy = slices.Clone(msg.ReadBy)
	if msg.ReadBy == nil {
		msg.ReadBy = []string{}
	}
	r.messages[msg.Id] = msg

	conv.LastMessage = msg.Content
	conv.UpdatedAt = msg.Timestamp
	r.conversations[conv.Id] = conv

	return nil
}

func (r *MemoryChatRepository) GetMessage(ctx context.Context, id string) (types.Message, error) {
	if err := ctx.Err(); err != nil {
		return types.Message{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	msg, ok := r.messages[id]
	if !ok {
		return types.Message{}, ErrNotFound
	}
	return cloneMessage(msg), nil
}

func (r *MemoryChatRepository) UpdateMessageContent(ctx context.Context, id, content string) (types.Message, error) {
	if err := ctx.Err(); err != nil {
		return types.Message{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.messages[id]
	if !ok {
		return types.Message{}, ErrNotFound
	}

	msg.Content = content
	msg.Edited = true
	r.messages[id] = msg

	return cloneMessage(msg), nil
}

func (r *MemoryChatRepository) DeleteMessage(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.messages[id]; !ok {
		return ErrNotFound
	}
	delete(r.messages, id)

	return nil
}

func (r *MemoryChatRepository) MarkAsRead(ctx context.Context, conversationId, readerId string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, m := range r.messages {
		if m.ConversationId != conversationId || !m.UnreadBy(readerId) {
			continue
		}
		m.ReadBy = append(slices.Clone(m.ReadBy), readerId)
		r.messages[id] = m
		n++
	}

	return n, nil
}

func (r *MemoryChatRepository) GetUnreadMessages(ctx context.Context, conversationId, userId string) ([]types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	msgs := r.filterMessages(func(m types.Message) bool {
		return m.ConversationId == conversationId && m.UnreadBy(userId)
	})

	sort.Slice(msgs, func(i, j int) bool { return messageBefore(msgs[i], msgs[j]) })

	return msgs, nil
}

func (r *MemoryChatRepository) GetMessages(ctx context.Context, conversationId string, before Cursor, limit int) ([]types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	msgs := r.filterMessages(func(m types.Message) bool {
		return m.ConversationId == conversationId && (before.IsZero() || messageBefore(m, types.Message{Timestamp: before.Timestamp, Id: before.Id}))
	})

	sort.Slice(msgs, func(i, j int) bool { return messageBefore(msgs[j], msgs[i]) })

	if limit = clampLimit(limit); len(msgs) > limit {
		msgs = msgs[:limit]
	}

	return msgs, nil
}

func (r *MemoryChatRepository) filterMessages(keep func(types.Message) bool) []types.Message {
	msgs := make([]types.Message, 0)
	for _, m := range r.messages {
		if keep(m) {
			msgs = append(msgs, cloneMessage(m))
		}
	}
	return msgs
}

// withDetails must be called with r.mu held.
func (r *MemoryChatRepository) withDetails(c types.Conversation) types.Conversation {
	c.Participants = slices.Clone(c.Participants)
	c.ParticipantDetails = participantDetails(c.Participants, r.users)
	return c
}

func messageBefore(a, b types.Message) bool {
	if a.Timestamp.Equal(b.Timestamp) {
		return a.Id < b.Id
	}
	return a.Timestamp.Before(b.Timestamp)
}

func cloneMessage(m types.Message) types.Message {
	m.ReadBy = slices.Clone(m.ReadBy)
	if m.ReadBy == nil {
		m.ReadBy = []string{}
	}
	return m
}
