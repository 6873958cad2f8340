package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

type MessageGatewaySettings struct {
	// most recent messages replayed to the requester on subscribe
	HistoryReplayCount  int
	WriteTimeout        time.Duration
	MaxMessageByteCount int64

	// identity the auto-responder posts as. nil disables the responder.
	ResponderUser *UserAuth
}

func DefaultMessageGatewaySettings() *MessageGatewaySettings {
	return &MessageGatewaySettings{
		HistoryReplayCount:  50,
		WriteTimeout:        10 * time.Second,
		MaxMessageByteCount: 64 * 1024,
	}
}

// gatewayConn is one live transport session. It implements `Conn` for the
// registry and `SupervisedConn` for the liveness supervisor.
type gatewayConn struct {
	connectionId Id
	userAuth     *UserAuth
	ws           *websocket.Conn

	writeTimeout time.Duration

	// gorilla websocket allows one concurrent writer
	writeLock sync.Mutex

	open        atomic.Bool
	pendingPong atomic.Bool
}

func newGatewayConn(ws *websocket.Conn, userAuth *UserAuth, writeTimeout time.Duration) *gatewayConn {
	conn := &gatewayConn{
		connectionId: NewId(),
		userAuth:     userAuth,
		ws:           ws,
		writeTimeout: writeTimeout,
	}
	conn.open.Store(true)
	return conn
}

func (self *gatewayConn) ConnectionId() Id {
	return self.connectionId
}

func (self *gatewayConn) IsOpen() bool {
	return self.open.Load()
}

func (self *gatewayConn) SendJson(eventJson []byte) error {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	self.ws.SetWriteDeadline(time.Now().Add(self.writeTimeout))
	return self.ws.WriteMessage(websocket.TextMessage, eventJson)
}

func (self *gatewayConn) SendEvent(event ServerEvent) error {
	eventJson, err := EncodeEvent(event)
	if err != nil {
		return err
	}
	return self.SendJson(eventJson)
}

func (self *gatewayConn) SendPing() error {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	self.ws.SetWriteDeadline(time.Now().Add(self.writeTimeout))
	return self.ws.WriteMessage(websocket.PingMessage, nil)
}

func (self *gatewayConn) MarkAlive() {
	self.pendingPong.Store(false)
}

func (self *gatewayConn) MarkPendingPong() bool {
	return self.pendingPong.Swap(true)
}

func (self *gatewayConn) Terminate() {
	self.open.Store(false)
	self.ws.Close()
}

// MessageGateway is the authoritative per-event state machine for each
// connection: it parses inbound events, authorizes them, performs the store
// side effect, and triggers broadcasts.
type MessageGateway struct {
	ctx context.Context

	registry  *ConnectionRegistry
	store     MessageStore
	liveness  *LivenessSupervisor
	responder Responder

	settings *MessageGatewaySettings
}

func NewMessageGateway(
	ctx context.Context,
	registry *ConnectionRegistry,
	store MessageStore,
	liveness *LivenessSupervisor,
	responder Responder,
	settings *MessageGatewaySettings,
) *MessageGateway {
	return &MessageGateway{
		ctx:       ctx,
		registry:  registry,
		store:     store,
		liveness:  liveness,
		responder: responder,
		settings:  settings,
	}
}

// HandleConnection services one authenticated connection until it closes.
// Blocks for the connection lifetime. Disconnect cleanup runs exactly once.
func (self *MessageGateway) HandleConnection(ws *websocket.Conn, userAuth *UserAuth) {
	conn := newGatewayConn(ws, userAuth, self.settings.WriteTimeout)

	metricOpenConnections.Inc()
	self.liveness.Watch(conn)
	defer func() {
		conn.Terminate()
		self.liveness.Unwatch(conn)
		self.registry.Disconnect(conn)
		metricOpenConnections.Dec()
	}()

	glog.V(1).Infof("[g]connect %s user=%s\n", conn.connectionId, userAuth.UserId)

	if err := conn.SendEvent(NewConnectedEvent(userAuth.UserId)); err != nil {
		glog.Infof("[g]handshake send error %s = %s\n", conn.connectionId, err)
		return
	}

	ws.SetReadLimit(self.settings.MaxMessageByteCount)
	ws.SetPongHandler(func(string) error {
		conn.MarkAlive()
		return nil
	})

	for {
		messageType, eventJson, err := ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[g]disconnect %s = %s\n", conn.connectionId, err)
			return
		}
		// any inbound activity counts as liveness
		conn.MarkAlive()

		switch messageType {
		case websocket.TextMessage:
			self.handleEvent(conn, eventJson)
		default:
			glog.V(2).Infof("[g]other=%d %s<-\n", messageType, conn.connectionId)
		}
	}
}

func (self *MessageGateway) handleEvent(conn *gatewayConn, eventJson []byte) {
	event, err := DecodeClientEvent(eventJson)
	if err != nil {
		// malformed events are dropped with a sender-only error, never broadcast
		glog.Infof("[g]drop %s = %s\n", conn.connectionId, err)
		self.sendError(conn, "malformed event")
		return
	}

	switch event := event.(type) {
	case *PingEvent:
		if err := conn.SendEvent(NewPongEvent()); err != nil {
			glog.V(1).Infof("[g]pong send error %s = %s\n", conn.connectionId, err)
		}
	case *SubscribeEvent:
		self.subscribe(conn, event)
	case *UnsubscribeEvent:
		self.registry.Unsubscribe(conn, event.ChannelId)
	case *SendMessageEvent:
		self.sendMessage(conn, event)
	case *DeleteMessageEvent:
		self.deleteMessage(conn, event)
	default:
		glog.Infof("[g]unhandled event type %s %s\n", event.EventType(), conn.connectionId)
	}
}

// subscribe registers the connection and replays recent history to the
// requesting connection only, each message wrapped as its own `message`
// event in ascending create order. Clients may also load history over rest;
// the client reconciler de-duplicates the overlap by message id.
func (self *MessageGateway) subscribe(conn *gatewayConn, event *SubscribeEvent) {
	self.registry.Subscribe(conn, event.ChannelId)

	messages, err := self.store.FindMessages(event.ChannelId, self.settings.HistoryReplayCount)
	if err != nil {
		glog.Infof("[g]history error %s %s = %s\n", conn.connectionId, event.ChannelId, err)
		self.sendError(conn, "history unavailable")
		return
	}
	for _, message := range messages {
		if err := conn.SendEvent(NewMessageEvent(message)); err != nil {
			glog.V(1).Infof("[g]replay send error %s = %s\n", conn.connectionId, err)
			return
		}
	}
}

func (self *MessageGateway) sendMessage(conn *gatewayConn, event *SendMessageEvent) {
	if strings.TrimSpace(event.Content) == "" {
		self.sendError(conn, "empty message")
		return
	}
	if event.ParentId != nil && !event.ParentId.IsZero() {
		parent, err := self.store.FindMessage(*event.ParentId)
		if err != nil {
			self.sendError(conn, "parent message not found")
			return
		}
		if parent.ChannelId != event.ChannelId {
			self.sendError(conn, "parent message belongs to another channel")
			return
		}
	}

	// optimistic broadcast first so senders and peers see instant feedback.
	// the persisted message supersedes it via the send token.
	temporary := &Message{
		MessageId:   NewId(),
		ChannelId:   event.ChannelId,
		AuthorId:    conn.userAuth.UserId,
		AuthorName:  conn.userAuth.DisplayName,
		Content:     event.Content,
		ParentId:    event.ParentId,
		Attachments: event.Attachments,
		CreateTime:  time.Now().UTC(),
		Temporary:   true,
		SendToken:   event.SendToken,
	}
	self.registry.Broadcast(event.ChannelId, NewMessageEvent(temporary), nil)

	message := &Message{
		MessageId:   NewId(),
		ChannelId:   event.ChannelId,
		AuthorId:    conn.userAuth.UserId,
		AuthorName:  conn.userAuth.DisplayName,
		Content:     event.Content,
		ParentId:    event.ParentId,
		Attachments: event.Attachments,
		CreateTime:  time.Now().UTC(),
		SendToken:   event.SendToken,
	}
	if err := self.store.InsertMessage(message); err != nil {
		// the temporary message is left for the client to reconcile as a
		// soft-failed send
		glog.Infof("[g]insert error %s %s = %s\n", conn.connectionId, event.ChannelId, err)
		self.sendError(conn, "message could not be saved")
		return
	}
	metricMessagesSent.Inc()
	self.registry.Broadcast(event.ChannelId, NewMessageEvent(message), nil)

	if self.responder != nil && self.settings.ResponderUser != nil && self.responder.IsQuestion(event.Content) {
		go self.respond(message)
	}
}

// respond generates and broadcasts an auto-responder reply threaded onto the
// triggering message. Failures here are logged and never affect the
// triggering send.
func (self *MessageGateway) respond(parent *Message) {
	contextMessages, err := self.store.FindMessages(parent.ChannelId, self.settings.HistoryReplayCount)
	if err != nil {
		glog.Infof("[g]responder context error %s = %s\n", parent.ChannelId, err)
		contextMessages = nil
	}

	content, err := self.responder.GenerateResponse(self.ctx, parent.Content, contextMessages)
	if err != nil {
		glog.Infof("[g]responder error %s = %s\n", parent.MessageId, err)
		return
	}
	if content == "" {
		return
	}

	parentId := parent.MessageId
	reply := &Message{
		MessageId:  NewId(),
		ChannelId:  parent.ChannelId,
		AuthorId:   self.settings.ResponderUser.UserId,
		AuthorName: self.settings.ResponderUser.DisplayName,
		Content:    content,
		ParentId:   &parentId,
		CreateTime: time.Now().UTC(),
	}
	if err := self.store.InsertMessage(reply); err != nil {
		glog.Infof("[g]responder insert error %s = %s\n", parent.MessageId, err)
		return
	}
	metricResponderReplies.Inc()
	self.registry.Broadcast(parent.ChannelId, NewMessageEvent(reply), nil)
}

// deleteMessage authorizes and performs a delete, then notifies the whole
// channel. Reply cascade is a client-side view concern; the store only
// removes the target message.
func (self *MessageGateway) deleteMessage(conn *gatewayConn, event *DeleteMessageEvent) {
	message, err := self.store.FindMessage(event.MessageId)
	if err != nil {
		if errors.Is(err, ErrMessageNotFound) {
			self.sendError(conn, "message not found")
		} else {
			glog.Infof("[g]find error %s %s = %s\n", conn.connectionId, event.MessageId, err)
			self.sendError(conn, "message could not be loaded")
		}
		return
	}
	if message.ChannelId != event.ChannelId {
		self.sendError(conn, "message not found")
		return
	}
	if message.AuthorId != conn.userAuth.UserId && !conn.userAuth.Role.Privileged() {
		glog.V(1).Infof("[g]delete denied %s user=%s message=%s\n", conn.connectionId, conn.userAuth.UserId, event.MessageId)
		self.sendError(conn, "not allowed to delete this message")
		return
	}

	// broadcast only after the store operation fully succeeds
	if err := self.store.DeleteMessage(event.MessageId); err != nil {
		glog.Infof("[g]delete error %s %s = %s\n", conn.connectionId, event.MessageId, err)
		self.sendError(conn, "message could not be deleted")
		return
	}
	metricMessagesDeleted.Inc()
	self.registry.Broadcast(event.ChannelId, NewMessageDeletedEvent(event.ChannelId, event.MessageId), nil)
}

func (self *MessageGateway) sendError(conn *gatewayConn, message string) {
	if err := conn.SendEvent(NewErrorEvent(message)); err != nil {
		glog.V(1).Infof("[g]error send error %s = %s\n", conn.connectionId, err)
	}
}

var _ Conn = (*gatewayConn)(nil)
var _ SupervisedConn = (*gatewayConn)(nil)
