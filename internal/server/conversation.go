package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/npezzotti/go-swapchat/internal/broker"
	"github.com/npezzotti/go-swapchat/internal/database"
	"github.com/npezzotti/go-swapchat/internal/stats"
	"github.com/npezzotti/go-swapchat/internal/types"
	"go.uber.org/zap"
)

type exitReq struct {
	deleted bool
	done    chan string
}

// Conversation serializes every operation on one conversation. Clients
// joined to it are kept here, events for it arrive from the broker.
type Conversation struct {
	id            string
	channel       string
	info          types.Conversation
	cs            *ChatServer
	joinChan      chan *ClientMessage
	leaveChan     chan *ClientMessage
	clientMsgChan chan *ClientMessage
	clients       map[*Client]struct{}
	clientLock    sync.RWMutex
	log           *zap.Logger
	// killTimer unloads the conversation once nobody has been joined for
	// the idle timeout.
	killTimer *time.Timer
	exit      chan exitReq
}

func newConversation(cs *ChatServer, info types.Conversation) *Conversation {
	return &Conversation{
		id:            info.Id,
		channel:       cs.channels.Conversation(info.Id),
		info:          info,
		cs:            cs,
		joinChan:      make(chan *ClientMessage, 256),
		leaveChan:     make(chan *ClientMessage, 256),
		clientMsgChan: make(chan *ClientMessage, 256),
		clients:       make(map[*Client]struct{}),
		log:           cs.log.With(zap.String("conversation_id", info.Id)),
		exit:          make(chan exitReq, 1),
	}
}

func (c *Conversation) start() {
	c.log.Debug("starting conversation")
	c.killTimer = time.NewTimer(c.cs.idleTimeout)
	c.killTimer.Stop()

	for {
		select {
		case join := <-c.joinChan:
			c.handleJoin(join)
		case leave := <-c.leaveChan:
			c.handleLeave(leave)
		case msg := <-c.clientMsgChan:
			c.handleClientMessage(msg)
		case <-c.killTimer.C:
			c.handleTimeout()
		case e := <-c.exit:
			c.handleExit(e)
			return
		}
	}
}

func (c *Conversation) handleClientMessage(msg *ClientMessage) {
	if !c.info.HasParticipant(msg.UserId) {
		c.fail(msg, ErrForbidden(msg.Id, msg.Event, "not a participant of this conversation"))
		return
	}

	switch {
	case msg.Send != nil:
		c.handleSend(msg)
	case msg.Edit != nil:
		c.handleEdit(msg)
	case msg.Delete != nil:
		c.handleDelete(msg)
	case msg.Read != nil:
		c.handleRead(msg)
	default:
		c.fail(msg, ErrInvalidPayload(msg.Id, msg.Event, "unsupported operation"))
	}
}

// deliver is the broker handler for the conversation channel.
func (c *Conversation) deliver(_ string, env *broker.Envelope) {
	if env.Event == EventConversationDeleted {
		// participants learn about the deletion on their user channel
		c.requestUnload()
		return
	}

	c.broadcast(fromEnvelope(env))
}

func (c *Conversation) requestUnload() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cs.storeTimeout)
		defer cancel()
		if err := c.cs.UnloadConversation(ctx, c.id, true); err != nil {
			c.log.Warn("failed to unload deleted conversation", zap.Error(err))
		}
	}()
}

func (c *Conversation) broadcast(msg *ServerMessage) {
	c.clientLock.RLock()
	defer c.clientLock.RUnlock()

	for client := range c.clients {
		client.queueMessage(msg)
	}
}

func (c *Conversation) handleJoin(join *ClientMessage) {
	defer join.finish()

	// stop the kill timer since we have a new client
	c.killTimer.Stop()

	ctx, cancel := c.cs.storeContext()
	defer cancel()

	// the conversation may have been deleted before its deletion event
	// reached this process
	info, err := c.cs.db.GetConversation(ctx, c.id)
	if err != nil {
		c.resetTimerIfEmpty()
		if errors.Is(err, database.ErrNotFound) {
			c.fail(join, ErrConversationNotFound(join.Id, join.Event))
			c.requestUnload()
			return
		}
		c.log.Error("failed to reload conversation", zap.Error(err))
		c.fail(join, ErrInternalError(join.Id, join.Event))
		return
	}
	c.info = info

	client := join.client
	if !c.info.HasParticipant(client.user.Id) {
		c.resetTimerIfEmpty()
		c.fail(join, ErrForbidden(join.Id, join.Event, "not a participant of this conversation"))
		return
	}

	c.addClient(client)
	client.queueMessage(ConversationJoined(join.Id, c.info))

	unread, err := c.cs.db.GetUnreadMessages(ctx, c.id, client.user.Id)
	if err != nil {
		c.log.Error("failed to load unread messages",
			zap.String("user_id", client.user.Id),
			zap.Error(err),
		)
		c.fail(join, ErrInternalError(join.Id, join.Event))
		return
	}

	for _, m := range unread {
		client.queueMessage(newServerMessage(0, EventReceiveMessage, ReceiveMessage{
			Message:    m,
			Sender:     c.info.Participant(m.SenderId),
			ReceiverId: client.user.Id,
		}))
	}

	c.log.Debug("client joined",
		zap.String("user_id", client.user.Id),
		zap.Int("backlog", len(unread)),
	)
}

func (c *Conversation) handleLeave(leave *ClientMessage) {
	c.removeClient(leave.client)
}

func (c *Conversation) handleTimeout() {
	c.log.Debug("conversation timed out")
	select {
	case c.cs.unloadChan <- unloadRequest{conversationId: c.id, idle: true}:
	default:
		c.log.Warn("unload channel full, retrying later")
		c.killTimer.Reset(c.cs.idleTimeout)
	}
}

func (c *Conversation) handleExit(e exitReq) {
	c.log.Debug("conversation exiting", zap.Bool("deleted", e.deleted))
	c.killTimer.Stop()

	c.clientLock.Lock()
	for client := range c.clients {
		client.delConversation(c.id)
		delete(c.clients, client)
	}
	c.clientLock.Unlock()

	// joins that raced the unload would otherwise wait forever
	for drained := false; !drained; {
		select {
		case join := <-c.joinChan:
			if e.deleted {
				c.fail(join, ErrConversationNotFound(join.Id, join.Event))
			} else {
				c.fail(join, ErrServiceUnavailable(join.Id, join.Event))
			}
			join.finish()
		case msg := <-c.clientMsgChan:
			c.fail(msg, ErrServiceUnavailable(msg.Id, msg.Event))
		default:
			drained = true
		}
	}

	if e.done != nil {
		e.done <- c.id
	}
}

func (c *Conversation) handleSend(msg *ClientMessage) {
	text, reason := c.validateText(msg.Send.Text)
	if reason != "" {
		c.fail(msg, ErrInvalidPayload(msg.Id, msg.Event, reason))
		return
	}

	sender := msg.client.user
	to := msg.Send.To
	if to == "" {
		to = c.otherParticipant(sender.Id)
	}
	if to == "" || to == sender.Id || !c.info.HasParticipant(to) {
		c.fail(msg, ErrInvalidPayload(msg.Id, msg.Event, "recipient is not a participant of this conversation"))
		return
	}

	id, err := uuid.NewV7()
	if err != nil {
		c.log.Error("failed to generate message id", zap.Error(err))
		c.fail(msg, ErrInternalError(msg.Id, msg.Event))
		return
	}

	m := types.Message{
		Id:             id.String(),
		ConversationId: c.id,
		SenderId:       sender.Id,
		Content:        text,
		Edited:         false,
		ReadBy:         []string{},
		Timestamp:      c.nextTimestamp(msg.Timestamp),
	}

	ctx, cancel := c.cs.storeContext()
	defer cancel()

	if err := c.cs.db.CreateMessage(ctx, m); err != nil {
		c.storeFailure(msg, "CreateMessage", err)
		return
	}
	c.cs.stats.Incr(stats.MessagesSent)

	c.info.LastMessage = m.Content
	c.info.UpdatedAt = m.Timestamp

	if !c.publish(msg, c.channel, EventReceiveMessage, ReceiveMessage{
		Message:    m,
		Sender:     sender,
		ReceiverId: to,
	}) {
		return
	}

	// the message is out, so a failed list refresh must not make the
	// sender retry
	c.notifyParticipants(EventConversationUpdated, c.info)
}

// nextTimestamp returns the timestamp of a new message. Timestamps
// strictly increase within a conversation.
func (c *Conversation) nextTimestamp(now time.Time) time.Time {
	if last := c.info.UpdatedAt; !now.After(last) {
		return last.Add(time.Microsecond)
	}
	return now
}

func (c *Conversation) notifyParticipants(event string, data any) {
	env, err := broker.NewEnvelope(event, data)
	if err != nil {
		c.log.Error("failed to encode event", zap.String("event", event), zap.Error(err))
		return
	}

	ctx, cancel := c.cs.storeContext()
	defer cancel()

	for _, userId := range c.info.Participants {
		if err := c.cs.broker.Publish(ctx, c.cs.channels.User(userId), env); err != nil {
			c.log.Warn("failed to notify participant",
				zap.String("event", event),
				zap.String("user_id", userId),
				zap.Error(err),
			)
			c.cs.stats.Incr(stats.PublishFailures)
		}
	}
}

func (c *Conversation) handleEdit(msg *ClientMessage) {
	text, reason := c.validateText(msg.Edit.NewText)
	if reason != "" {
		c.fail(msg, ErrInvalidPayload(msg.Id, msg.Event, reason))
		return
	}

	if !c.checkOwnership(msg, msg.Edit.MessageId) {
		return
	}

	ctx, cancel := c.cs.storeContext()
	defer cancel()

	edited, err := c.cs.db.UpdateMessageContent(ctx, msg.Edit.MessageId, text)
	if err != nil {
		c.storeFailure(msg, "UpdateMessageContent", err)
		return
	}

	c.publish(msg, c.channel, EventMessageEdited, MessageEdited{Message: edited})
}

func (c *Conversation) handleDelete(msg *ClientMessage) {
	if !c.checkOwnership(msg, msg.Delete.MessageId) {
		return
	}

	ctx, cancel := c.cs.storeContext()
	defer cancel()

	if err := c.cs.db.DeleteMessage(ctx, msg.Delete.MessageId); err != nil {
		c.storeFailure(msg, "DeleteMessage", err)
		return
	}

	c.publish(msg, c.channel, EventMessageDeleted, MessageDeleted{
		MessageId:      msg.Delete.MessageId,
		ConversationId: c.id,
	})
}

func (c *Conversation) handleRead(msg *ClientMessage) {
	ctx, cancel := c.cs.storeContext()
	defer cancel()

	n, err := c.cs.db.MarkAsRead(ctx, c.id, msg.UserId)
	if err != nil {
		c.storeFailure(msg, "MarkAsRead", err)
		return
	}

	c.log.Debug("messages marked as read",
		zap.String("reader_id", msg.UserId),
		zap.Int64("count", n),
	)

	c.publish(msg, c.channel, EventMessagesRead, MessagesRead{
		ConversationId: c.id,
		ReaderId:       msg.UserId,
	})
}

// checkOwnership reports whether messageId belongs to this conversation
// and was sent by the acting user, failing the operation otherwise.
func (c *Conversation) checkOwnership(msg *ClientMessage, messageId string) bool {
	ctx, cancel := c.cs.storeContext()
	defer cancel()

	m, err := c.cs.db.GetMessage(ctx, messageId)
	if err != nil {
		c.storeFailure(msg, "GetMessage", err)
		return false
	}

	if m.ConversationId != c.id {
		c.fail(msg, ErrMessageNotFound(msg.Id, msg.Event))
		return false
	}

	if m.SenderId != msg.UserId {
		c.fail(msg, ErrForbidden(msg.Id, msg.Event, "only the sender can modify a message"))
		return false
	}

	return true
}

func (c *Conversation) validateText(raw string) (string, string) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", "text cannot be empty"
	}
	if utf8.RuneCountInString(text) > c.cs.maxMessageLength {
		return "", fmt.Sprintf("text exceeds %d characters", c.cs.maxMessageLength)
	}
	return text, ""
}

func (c *Conversation) otherParticipant(userId string) string {
	for _, p := range c.info.Participants {
		if p != userId {
			return p
		}
	}
	return ""
}

// publish sends an event on channel, reporting a failure to the client
// that caused it.
func (c *Conversation) publish(msg *ClientMessage, channel, event string, data any) bool {
	env, err := broker.NewEnvelope(event, data)
	if err != nil {
		c.log.Error("failed to encode event", zap.String("event", event), zap.Error(err))
		c.fail(msg, ErrInternalError(msg.Id, msg.Event))
		return false
	}

	ctx, cancel := c.cs.storeContext()
	defer cancel()

	if err := c.cs.broker.Publish(ctx, channel, env); err != nil {
		c.log.Error("failed to publish event",
			zap.String("event", event),
			zap.String("channel", channel),
			zap.Error(err),
		)
		c.fail(msg, ErrServiceUnavailable(msg.Id, msg.Event))
		return false
	}

	return true
}

func (c *Conversation) storeFailure(msg *ClientMessage, op string, err error) {
	if errors.Is(err, database.ErrNotFound) {
		if msg.Send != nil {
			c.fail(msg, ErrConversationNotFound(msg.Id, msg.Event))
		} else {
			c.fail(msg, ErrMessageNotFound(msg.Id, msg.Event))
		}
		return
	}

	c.log.Error(op+" failed",
		zap.String("user_id", msg.UserId),
		zap.Error(err),
	)
	c.fail(msg, ErrInternalError(msg.Id, msg.Event))
}

func (c *Conversation) fail(msg *ClientMessage, resp *ServerMessage) {
	if msg.client != nil {
		msg.client.fail(resp)
	}
}

func (c *Conversation) addClient(client *Client) {
	c.clientLock.Lock()
	defer c.clientLock.Unlock()

	c.clients[client] = struct{}{}
	client.addConversation(c)
}

func (c *Conversation) removeClient(client *Client) {
	c.clientLock.Lock()
	defer c.clientLock.Unlock()

	if _, ok := c.clients[client]; !ok {
		return
	}

	delete(c.clients, client)
	client.delConversation(c.id)

	// if the client is the last one in the conversation, start the kill timer
	if len(c.clients) == 0 {
		c.log.Debug("no clients left, starting kill timer")
		c.killTimer.Reset(c.cs.idleTimeout)
	}
}

func (c *Conversation) resetTimerIfEmpty() {
	if c.clientCount() == 0 {
		c.killTimer.Reset(c.cs.idleTimeout)
	}
}

func (c *Conversation) clientCount() int {
	c.clientLock.RLock()
	defer c.clientLock.RUnlock()
	return len(c.clients)
}
