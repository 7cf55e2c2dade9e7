package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-swapchat/internal/stats"
	"github.com/npezzotti/go-swapchat/internal/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
	utf8MaxBytes = 4
	// frameOverhead leaves room for the envelope around the message text.
	frameOverhead = 1024
)

type Client struct {
	conn          *websocket.Conn
	chatServer    *ChatServer
	log           *zap.Logger
	user          types.User
	send          chan *ServerMessage
	conversations map[string]*Conversation
	convLock      sync.RWMutex
	limiter       *rate.Limiter
	stop          chan struct{}
	stopOnce      sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, cs *ChatServer, l *zap.Logger) *Client {
	return &Client{
		conn:          conn,
		chatServer:    cs,
		log:           l.With(zap.String("user_id", user.Id)),
		user:          user,
		send:          make(chan *ServerMessage, 256),
		conversations: make(map[string]*Conversation),
		limiter:       rate.NewLimiter(cs.rateLimit, cs.rateBurst),
		stop:          make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug("write exiting")
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := c.serializeMessage(msg)
			if err != nil {
				c.log.Error("failed to serialize message", zap.String("event", msg.Event), zap.Error(err))
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug("read exiting")
	}()

	c.conn.SetReadLimit(int64(c.chatServer.maxMessageLength*utf8MaxBytes + frameOverhead))
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn("ws: read", zap.Error(err))
			}
			break
		}

		c.handleFrame(raw)
	}
}

// handleFrame decodes one client frame and routes it. Joins block until
// they have been handled so later frames observe the joined state.
func (c *Client) handleFrame(raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Debug("error parsing message", zap.Error(err))
		c.fail(ErrInvalidPayload(0, "", "invalid message format"))
		return
	}

	if !c.limiter.Allow() {
		c.fail(ErrRateLimited(msg.Id, msg.Event))
		return
	}

	if err := msg.parse(); err != nil {
		c.fail(ErrInvalidPayload(msg.Id, msg.Event, err.Error()))
		return
	}

	msg.client = c
	msg.UserId = c.user.Id
	msg.Timestamp = Now()

	switch {
	case msg.Join != nil:
		c.joinConversation(&msg)
	case msg.Leave != nil:
		c.leaveConversation(&msg)
	default:
		c.forward(&msg)
	}
}

func (c *Client) joinConversation(msg *ClientMessage) {
	msg.done = make(chan struct{})

	select {
	case c.chatServer.joinChan <- msg:
	default:
		c.log.Warn("joinChan full")
		c.fail(ErrServiceUnavailable(msg.Id, msg.Event))
		return
	}

	select {
	case <-msg.done:
	case <-c.stop:
	}
}

func (c *Client) leaveConversation(msg *ClientMessage) {
	conv := c.getConversation(msg.Leave.ConversationId)
	if conv == nil {
		c.fail(ErrNotJoined(msg.Id, msg.Event))
		return
	}

	select {
	case conv.leaveChan <- msg:
	default:
		c.log.Warn("leaveChan full", zap.String("conversation_id", conv.id))
		c.fail(ErrServiceUnavailable(msg.Id, msg.Event))
	}
}

// forward hands a mutating operation to the conversation it targets.
// Operations require the conversation to be joined first.
func (c *Client) forward(msg *ClientMessage) {
	conv := c.getConversation(msg.ConversationId())
	if conv == nil {
		c.fail(ErrNotJoined(msg.Id, msg.Event))
		return
	}

	select {
	case conv.clientMsgChan <- msg:
	default:
		c.log.Warn("clientMsgChan full", zap.String("conversation_id", conv.id))
		c.fail(ErrServiceUnavailable(msg.Id, msg.Event))
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn("failed to send message to client, channel is full", zap.String("event", msg.Event))
		return false
	}

	return true
}

// fail reports a failed operation to the client.
func (c *Client) fail(msg *ServerMessage) {
	c.chatServer.stats.Incr(stats.OperationsFailed)
	c.queueMessage(msg)
}

func (c *Client) serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn("write message", zap.Error(err))
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	c.chatServer.DeRegisterClient(c)
	c.leaveAllConversations()
	c.stopClient()
}

func (c *Client) leaveAllConversations() {
	c.convLock.RLock()
	convs := make([]*Conversation, 0, len(c.conversations))
	for _, conv := range c.conversations {
		convs = append(convs, conv)
	}
	c.convLock.RUnlock()

	for _, conv := range convs {
		select {
		case conv.leaveChan <- &ClientMessage{
			Event:  EventLeaveConversation,
			Leave:  &ConversationRef{ConversationId: conv.id},
			UserId: c.user.Id,
			client: c,
		}:
		default:
			c.log.Warn("leaveChan full", zap.String("conversation_id", conv.id))
		}
	}
}

func (c *Client) addConversation(conv *Conversation) {
	c.convLock.Lock()
	defer c.convLock.Unlock()

	c.conversations[conv.id] = conv
}

func (c *Client) delConversation(id string) {
	c.convLock.Lock()
	defer c.convLock.Unlock()

	delete(c.conversations, id)
}

func (c *Client) getConversation(id string) *Conversation {
	c.convLock.RLock()
	defer c.convLock.RUnlock()

	return c.conversations[id]
}
