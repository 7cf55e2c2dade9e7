package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/npezzotti/go-swapchat/internal/broker"
	"github.com/npezzotti/go-swapchat/internal/database"
	"github.com/npezzotti/go-swapchat/internal/stats"
	"github.com/npezzotti/go-swapchat/internal/types"
	"github.com/teris-io/shortid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrNotParticipant = errors.New("not a participant of this conversation")
	ErrInvalidRequest = errors.New("invalid request")
)

// Options tunes the chat server. Zero values fall back to defaults.
type Options struct {
	StoreTimeout     time.Duration
	IdleTimeout      time.Duration
	MaxMessageLength int
	ClientRateLimit  float64
	ClientBurst      int
}

type unloadRequest struct {
	conversationId string
	deleted        bool
	// idle requests are dropped if the conversation is in use again.
	idle bool
}

type stopReq struct {
	done chan struct{}
}

// loadResult reports a conversation load back to the Run goroutine.
type loadResult struct {
	id   string
	info types.Conversation
	// conv is set when the conversation is ready to start.
	conv *Conversation
	// fail is set when the load failed for every waiting join.
	fail func(id int, operation string) *ServerMessage
}

type ChatServer struct {
	log      *zap.Logger
	db       database.ChatRepository
	stats    stats.StatsProvider
	broker   broker.Broker
	channels broker.Channels

	storeTimeout     time.Duration
	idleTimeout      time.Duration
	maxMessageLength int
	rateLimit        rate.Limit
	rateBurst        int

	clients     map[*Client]struct{}
	userMap     map[string]map[*Client]struct{}
	clientsLock sync.RWMutex
	// registerLock serializes user channel subscribe and unsubscribe.
	registerLock sync.Mutex

	// conversations and loading are owned by the Run goroutine.
	conversations map[string]*Conversation
	// loading holds the joins waiting for a conversation to load.
	loading map[string][]*ClientMessage

	joinChan   chan *ClientMessage
	loadedChan chan loadResult
	unloadChan chan unloadRequest
	stop       chan stopReq
	// done is closed when Run returns.
	done chan struct{}
}

func NewChatServer(logger *zap.Logger, db database.ChatRepository, su stats.StatsProvider, b broker.Broker, channels broker.Channels, opts Options) (*ChatServer, error) {
	if db == nil {
		return nil, fmt.Errorf("repository cannot be nil")
	}
	if b == nil {
		return nil, fmt.Errorf("broker cannot be nil")
	}

	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Second
	}
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = 4000
	}
	if opts.ClientRateLimit <= 0 {
		opts.ClientRateLimit = 20
	}
	if opts.ClientBurst <= 0 {
		opts.ClientBurst = 40
	}

	su.RegisterGauge(stats.ActiveClients, "Number of connected websocket sessions.")
	su.RegisterGauge(stats.ActiveConversations, "Number of conversations loaded in this process.")
	su.RegisterGauge(stats.OnlineUsers, "Number of users with at least one session.")
	su.RegisterCounter(stats.MessagesSent, "Number of messages persisted.")
	su.RegisterCounter(stats.OperationsFailed, "Number of operation_failed events sent to clients.")
	su.RegisterCounter(stats.PublishFailures, "Number of list refresh events that could not be published.")

	return &ChatServer{
		log:              logger,
		db:               db,
		stats:            su,
		broker:           b,
		channels:         channels,
		storeTimeout:     opts.StoreTimeout,
		idleTimeout:      opts.IdleTimeout,
		maxMessageLength: opts.MaxMessageLength,
		rateLimit:        rate.Limit(opts.ClientRateLimit),
		rateBurst:        opts.ClientBurst,
		clients:          make(map[*Client]struct{}),
		userMap:          make(map[string]map[*Client]struct{}),
		conversations:    make(map[string]*Conversation),
		loading:          make(map[string][]*ClientMessage),
		joinChan:         make(chan *ClientMessage, 256),
		loadedChan:       make(chan loadResult),
		unloadChan:       make(chan unloadRequest, 256),
		stop:             make(chan stopReq),
		done:             make(chan struct{}),
	}, nil
}

func (cs *ChatServer) Run() {
	defer close(cs.done)

	for {
		select {
		case join := <-cs.joinChan:
			cs.handleJoinConversation(join)
		case res := <-cs.loadedChan:
			cs.handleLoaded(res)
		case req := <-cs.unloadChan:
			cs.handleUnload(req)
		case req := <-cs.stop:
			cs.log.Info("shutting down chat server")

			cs.clientsLock.RLock()
			for c := range cs.clients {
				c.stopClient()
			}
			cs.clientsLock.RUnlock()

			for id, joins := range cs.loading {
				failJoins(joins, ErrServiceUnavailable)
				delete(cs.loading, id)
			}

			cs.unloadAllConversations()
			close(req.done)
			return
		}
	}
}

func (cs *ChatServer) handleJoinConversation(join *ClientMessage) {
	id := join.Join.ConversationId

	if conv, ok := cs.conversations[id]; ok {
		cs.forwardJoin(conv, join)
		return
	}

	if joins, ok := cs.loading[id]; ok {
		cs.loading[id] = append(joins, join)
		return
	}

	cs.loading[id] = []*ClientMessage{join}
	go cs.loadConversation(id, join.UserId)
}

func (cs *ChatServer) forwardJoin(conv *Conversation, join *ClientMessage) {
	select {
	case conv.joinChan <- join:
	default:
		cs.log.Warn("join channel full", zap.String("conversation_id", conv.id))
		join.client.fail(ErrServiceUnavailable(join.Id, join.Event))
		join.finish()
	}
}

// loadConversation reads the conversation and subscribes to its channel
// off the Run goroutine. Nothing is subscribed unless userId takes part
// in the conversation.
func (cs *ChatServer) loadConversation(id, userId string) {
	ctx, cancel := cs.storeContext()
	defer cancel()

	res := loadResult{id: id}

	info, err := cs.db.GetConversation(ctx, id)
	switch {
	case errors.Is(err, database.ErrNotFound):
		res.fail = ErrConversationNotFound
	case err != nil:
		cs.log.Error("GetConversation failed", zap.String("conversation_id", id), zap.Error(err))
		res.fail = ErrInternalError
	case info.HasParticipant(userId):
		conv := newConversation(cs, info)
		if err := cs.broker.Subscribe(ctx, conv.channel, conv.deliver); err != nil {
			cs.log.Error("failed to subscribe to conversation", zap.String("conversation_id", id), zap.Error(err))
			res.fail = ErrServiceUnavailable
		} else {
			res.conv = conv
		}
	}
	res.info = info

	select {
	case cs.loadedChan <- res:
	case <-cs.done:
		if res.conv != nil {
			if err := cs.broker.Unsubscribe(ctx, res.conv.channel); err != nil {
				cs.log.Warn("failed to unsubscribe from conversation", zap.String("conversation_id", id), zap.Error(err))
			}
		}
	}
}

func (cs *ChatServer) handleLoaded(res loadResult) {
	joins := cs.loading[res.id]
	delete(cs.loading, res.id)

	if res.fail != nil {
		failJoins(joins, res.fail)
		return
	}

	if res.conv != nil {
		cs.conversations[res.id] = res.conv
		cs.stats.Incr(stats.ActiveConversations)
		go res.conv.start()

		for _, join := range joins {
			cs.forwardJoin(res.conv, join)
		}
		return
	}

	// the load was made for a non-participant; joins from participants
	// that queued behind it need a load of their own
	var waiting []*ClientMessage
	for _, join := range joins {
		if res.info.HasParticipant(join.UserId) {
			waiting = append(waiting, join)
			continue
		}
		join.client.fail(ErrForbidden(join.Id, join.Event, "not a participant of this conversation"))
		join.finish()
	}

	if len(waiting) > 0 {
		cs.loading[res.id] = waiting
		go cs.loadConversation(res.id, waiting[0].UserId)
	}
}

func failJoins(joins []*ClientMessage, fail func(id int, operation string) *ServerMessage) {
	for _, join := range joins {
		join.client.fail(fail(join.Id, join.Event))
		join.finish()
	}
}

func (cs *ChatServer) handleUnload(req unloadRequest) {
	conv, ok := cs.conversations[req.conversationId]
	if !ok {
		return
	}

	if req.idle && (conv.clientCount() > 0 || len(conv.joinChan) > 0) {
		cs.log.Debug("conversation in use, skipping idle unload", zap.String("conversation_id", req.conversationId))
		return
	}

	cs.unloadConversation(conv, req.deleted)
}

// unloadConversation must only be called from the Run goroutine.
func (cs *ChatServer) unloadConversation(conv *Conversation, deleted bool) {
	delete(cs.conversations, conv.id)
	cs.stats.Decr(stats.ActiveConversations)

	ctx, cancel := cs.storeContext()
	defer cancel()

	if err := cs.broker.Unsubscribe(ctx, conv.channel); err != nil {
		cs.log.Warn("failed to unsubscribe from conversation",
			zap.String("conversation_id", conv.id),
			zap.Error(err),
		)
	}

	done := make(chan string, 1)
	conv.exit <- exitReq{deleted: deleted, done: done}
	<-done

	cs.log.Debug("conversation unloaded", zap.String("conversation_id", conv.id), zap.Bool("deleted", deleted))
}

func (cs *ChatServer) unloadAllConversations() {
	for _, conv := range cs.conversations {
		cs.unloadConversation(conv, false)
	}
}

// UnloadConversation asks the server to drop a loaded conversation.
func (cs *ChatServer) UnloadConversation(ctx context.Context, conversationId string, deleted bool) error {
	if conversationId == "" {
		return fmt.Errorf("conversationId cannot be empty")
	}

	select {
	case cs.unloadChan <- unloadRequest{conversationId: conversationId, deleted: deleted}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterClient records a new session and makes sure events addressed
// to its user reach this process.
func (cs *ChatServer) RegisterClient(c *Client) error {
	cs.registerLock.Lock()
	defer cs.registerLock.Unlock()

	if cs.sessionCount(c.user.Id) == 0 {
		ctx, cancel := cs.storeContext()
		defer cancel()

		if err := cs.broker.Subscribe(ctx, cs.channels.User(c.user.Id), cs.deliverToUser); err != nil {
			return fmt.Errorf("subscribe user channel: %w", err)
		}
		cs.stats.Incr(stats.OnlineUsers)
	}

	cs.addClient(c)
	c.queueMessage(Welcome(c.user))

	cs.log.Info("client registered", zap.String("user_id", c.user.Id))
	return nil
}

func (cs *ChatServer) DeRegisterClient(c *Client) {
	cs.registerLock.Lock()
	defer cs.registerLock.Unlock()

	if !cs.removeClient(c) {
		return
	}

	if cs.sessionCount(c.user.Id) == 0 {
		ctx, cancel := cs.storeContext()
		defer cancel()

		if err := cs.broker.Unsubscribe(ctx, cs.channels.User(c.user.Id)); err != nil {
			cs.log.Warn("failed to unsubscribe user channel", zap.String("user_id", c.user.Id), zap.Error(err))
		}
		cs.stats.Decr(stats.OnlineUsers)
	}

	cs.log.Info("client deregistered", zap.String("user_id", c.user.Id))
}

// deliverToUser is the broker handler for user channels.
func (cs *ChatServer) deliverToUser(channel string, env *broker.Envelope) {
	userId := strings.TrimPrefix(channel, cs.channels.User(""))
	msg := fromEnvelope(env)

	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	for c := range cs.userMap[userId] {
		c.queueMessage(msg)
	}
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	cs.clients[c] = struct{}{}
	if cs.userMap[c.user.Id] == nil {
		cs.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	cs.userMap[c.user.Id][c] = struct{}{}
	cs.stats.Incr(stats.ActiveClients)
}

func (cs *ChatServer) removeClient(c *Client) bool {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return false
	}

	delete(cs.clients, c)
	if sessions, ok := cs.userMap[c.user.Id]; ok {
		delete(sessions, c)
		if len(sessions) == 0 {
			delete(cs.userMap, c.user.Id)
		}
	}
	cs.stats.Decr(stats.ActiveClients)
	return true
}

func (cs *ChatServer) sessionCount(userId string) int {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()
	return len(cs.userMap[userId])
}

// CreateConversation returns the conversation between participants about
// subject, creating it if needed. The caller must be a participant.
func (cs *ChatServer) CreateConversation(ctx context.Context, caller string, participants []string, subject types.Subject) (types.Conversation, bool, error) {
	participants = database.NormalizeParticipants(participants)
	if len(participants) < 2 {
		return types.Conversation{}, false, fmt.Errorf("%w: a conversation needs at least two participants", ErrInvalidRequest)
	}
	if subject.Id == "" {
		return types.Conversation{}, false, fmt.Errorf("%w: subject id is required", ErrInvalidRequest)
	}

	conv := types.Conversation{Participants: participants}
	if !conv.HasParticipant(caller) {
		return types.Conversation{}, false, ErrNotParticipant
	}

	id, err := shortid.Generate()
	if err != nil {
		return types.Conversation{}, false, fmt.Errorf("generate id: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, cs.storeTimeout)
	defer cancel()

	conv, created, err := cs.db.GetOrCreateConversation(ctx, database.CreateConversationParams{
		Id:           id,
		Participants: participants,
		Subject:      subject,
		CreatedAt:    Now(),
	})
	if err != nil {
		return types.Conversation{}, false, err
	}

	if created {
		cs.publishToParticipants(ctx, conv, EventConversationUpdated, conv)
	}

	return conv, created, nil
}

// DeleteConversation removes the conversation with its messages and tells
// every process and participant about it.
func (cs *ChatServer) DeleteConversation(ctx context.Context, caller, conversationId string) error {
	ctx, cancel := context.WithTimeout(ctx, cs.storeTimeout)
	defer cancel()

	conv, err := cs.db.GetConversation(ctx, conversationId)
	if err != nil {
		return err
	}

	if !conv.HasParticipant(caller) {
		return ErrNotParticipant
	}

	if err := cs.db.DeleteConversation(ctx, conversationId); err != nil {
		return err
	}

	payload := ConversationDeleted{ConversationId: conversationId}
	env, err := broker.NewEnvelope(EventConversationDeleted, payload)
	if err != nil {
		return err
	}

	if err := cs.broker.Publish(ctx, cs.channels.Conversation(conversationId), env); err != nil {
		cs.log.Error("failed to publish conversation deletion", zap.String("conversation_id", conversationId), zap.Error(err))
	}

	cs.publishToParticipants(ctx, conv, EventConversationDeleted, payload)
	return nil
}

func (cs *ChatServer) publishToParticipants(ctx context.Context, conv types.Conversation, event string, data any) {
	env, err := broker.NewEnvelope(event, data)
	if err != nil {
		cs.log.Error("failed to encode event", zap.String("event", event), zap.Error(err))
		return
	}

	for _, userId := range conv.Participants {
		if err := cs.broker.Publish(ctx, cs.channels.User(userId), env); err != nil {
			cs.log.Error("failed to publish to user",
				zap.String("event", event),
				zap.String("user_id", userId),
				zap.Error(err),
			)
		}
	}
}

// Authorize loads the conversation and checks that userId takes part in it.
func (cs *ChatServer) Authorize(ctx context.Context, userId, conversationId string) (types.Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, cs.storeTimeout)
	defer cancel()

	conv, err := cs.db.GetConversation(ctx, conversationId)
	if err != nil {
		return types.Conversation{}, err
	}

	if !conv.HasParticipant(userId) {
		return types.Conversation{}, ErrNotParticipant
	}

	return conv, nil
}

func (cs *ChatServer) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), cs.storeTimeout)
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info("received shutdown signal")

	req := stopReq{done: make(chan struct{})}
	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
