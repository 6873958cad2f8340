package relay

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

type ConnectionState string

const (
	ConnectionStateDisconnected       ConnectionState = "disconnected"
	ConnectionStateConnecting         ConnectionState = "connecting"
	ConnectionStateOpen               ConnectionState = "open"
	ConnectionStateReconnectScheduled ConnectionState = "reconnect_scheduled"
	// clean closure (logout, teardown). Never triggers reconnection.
	ConnectionStateClosed ConnectionState = "closed"
	// retry budget exhausted. Deliberate fail-stop; requires a manual
	// reconnect rather than hammering an unreachable server.
	ConnectionStateFailed ConnectionState = "failed"
)

type ConnectionManagerSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	// application-level heartbeat, independent of the server's own
	// liveness ping. Gives the client its own early-warning signal.
	HeartbeatTimeout time.Duration

	ReconnectMinTimeout   time.Duration
	ReconnectMaxTimeout   time.Duration
	ReconnectBackoffScale float64
	MaxReconnectAttempts  int
}

func DefaultConnectionManagerSettings() *ConnectionManagerSettings {
	return &ConnectionManagerSettings{
		WsHandshakeTimeout:    5 * time.Second,
		WriteTimeout:          5 * time.Second,
		HeartbeatTimeout:      30 * time.Second,
		ReconnectMinTimeout:   1 * time.Second,
		ReconnectMaxTimeout:   15 * time.Second,
		ReconnectBackoffScale: 2.0,
		MaxReconnectAttempts:  5,
	}
}

type StateChangeFunction func(state ConnectionState)

type ReceiveEventFunction func(event ServerEvent)

// callback registration, copy-on-iterate. The returned function removes the
// callback.
type callbackList[T any] struct {
	lock      sync.Mutex
	nextId    int
	callbacks map[int]T
}

func newCallbackList[T any]() *callbackList[T] {
	return &callbackList[T]{
		callbacks: map[int]T{},
	}
}

func (self *callbackList[T]) add(callback T) func() {
	self.lock.Lock()
	defer self.lock.Unlock()

	callbackId := self.nextId
	self.nextId += 1
	self.callbacks[callbackId] = callback
	return func() {
		self.lock.Lock()
		defer self.lock.Unlock()
		delete(self.callbacks, callbackId)
	}
}

func (self *callbackList[T]) get() []T {
	self.lock.Lock()
	defer self.lock.Unlock()

	callbacks := make([]T, 0, len(self.callbacks))
	for _, callback := range self.callbacks {
		callbacks = append(callbacks, callback)
	}
	return callbacks
}

// ConnectionManager owns exactly one logical connection per authenticated
// session and hides transport churn from the rest of the application. All
// protocol sends funnel through it; events sent while the transport is
// absent are queued fifo and flushed on the next successful open.
type ConnectionManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	wsUrl string
	byJwt string

	stateLock sync.Mutex
	state     ConnectionState
	ws        *websocket.Conn
	// fifo, flushed in order on open. Never silently dropped.
	outboundQueue    [][]byte
	reconnectAttempt int
	runActive        bool
	userId           Id

	// one writer at a time on the live transport
	writeLock sync.Mutex

	// channel id -> live events observed since the last subscribe. The
	// reconciler consumes these as the event side of the merge.
	eventLock     sync.Mutex
	channelEvents map[Id][]ServerEvent

	stateChangeCallbacks *callbackList[StateChangeFunction]
	receiveCallbacks     *callbackList[ReceiveEventFunction]

	settings *ConnectionManagerSettings
}

func NewConnectionManagerWithDefaults(ctx context.Context, wsUrl string, byJwt string) *ConnectionManager {
	return NewConnectionManager(ctx, wsUrl, byJwt, DefaultConnectionManagerSettings())
}

func NewConnectionManager(
	ctx context.Context,
	wsUrl string,
	byJwt string,
	settings *ConnectionManagerSettings,
) *ConnectionManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ConnectionManager{
		ctx:                  cancelCtx,
		cancel:               cancel,
		wsUrl:                wsUrl,
		byJwt:                byJwt,
		state:                ConnectionStateDisconnected,
		outboundQueue:        [][]byte{},
		channelEvents:        map[Id][]ServerEvent{},
		stateChangeCallbacks: newCallbackList[StateChangeFunction](),
		receiveCallbacks:     newCallbackList[ReceiveEventFunction](),
		settings:             settings,
	}
}

func (self *ConnectionManager) AddStateChangeCallback(callback StateChangeFunction) func() {
	return self.stateChangeCallbacks.add(callback)
}

func (self *ConnectionManager) AddReceiveCallback(callback ReceiveEventFunction) func() {
	return self.receiveCallbacks.add(callback)
}

func (self *ConnectionManager) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// UserId is the server-confirmed identity from the `connected` handshake.
func (self *ConnectionManager) UserId() Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.userId
}

func (self *ConnectionManager) setState(state ConnectionState) {
	self.stateLock.Lock()
	if self.state == state {
		self.stateLock.Unlock()
		return
	}
	self.state = state
	self.stateLock.Unlock()

	glog.V(1).Infof("[cm]state %s\n", state)
	for _, callback := range self.stateChangeCallbacks.get() {
		callback(state)
	}
}

// Connect opens the connection. No-op when there is no authenticated user.
// If a transport already exists it is closed first and replaced by the run
// loop's next cycle.
func (self *ConnectionManager) Connect() {
	if self.byJwt == "" {
		glog.V(1).Infof("[cm]connect skipped, not authenticated\n")
		return
	}

	self.stateLock.Lock()
	if self.runActive {
		ws := self.ws
		self.stateLock.Unlock()
		if ws != nil {
			// force a fresh transport
			ws.Close()
		}
		return
	}
	self.runActive = true
	self.stateLock.Unlock()

	go self.run()
}

func (self *ConnectionManager) dialUrl() string {
	return fmt.Sprintf("%s?jwt=%s", self.wsUrl, url.QueryEscape(self.byJwt))
}

func (self *ConnectionManager) run() {
	defer func() {
		self.stateLock.Lock()
		self.runActive = false
		self.stateLock.Unlock()
	}()

	for {
		select {
		case <-self.ctx.Done():
			self.setState(ConnectionStateClosed)
			return
		default:
		}

		self.setState(ConnectionStateConnecting)

		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
			Subprotocols:     []string{WsSubprotocol},
		}
		ws, _, err := dialer.DialContext(self.ctx, self.dialUrl(), nil)
		if err != nil {
			glog.Infof("[cm]dial error = %s\n", err)
			if !self.scheduleReconnect() {
				return
			}
			continue
		}

		self.stateLock.Lock()
		self.ws = ws
		self.reconnectAttempt = 0
		self.stateLock.Unlock()
		self.setState(ConnectionStateOpen)

		self.flushQueue(ws)

		heartbeatCtx, heartbeatCancel := context.WithCancel(self.ctx)
		go self.heartbeat(heartbeatCtx, ws)

		self.readPump(ws)

		heartbeatCancel()
		ws.Close()
		self.stateLock.Lock()
		self.ws = nil
		self.stateLock.Unlock()

		select {
		case <-self.ctx.Done():
			// clean closure, no reconnect
			self.setState(ConnectionStateClosed)
			return
		default:
		}

		if !self.scheduleReconnect() {
			return
		}
	}
}

// scheduleReconnect applies capped exponential backoff. Returns false when
// the attempt budget is exhausted and the manager entered the terminal
// failed state.
func (self *ConnectionManager) scheduleReconnect() bool {
	self.stateLock.Lock()
	self.reconnectAttempt += 1
	attempt := self.reconnectAttempt
	self.stateLock.Unlock()

	if self.settings.MaxReconnectAttempts <= attempt {
		glog.Infof("[cm]reconnect budget exhausted after %d attempts\n", attempt-1)
		self.setState(ConnectionStateFailed)
		return false
	}

	timeout := time.Duration(
		float64(self.settings.ReconnectMinTimeout) * math.Pow(self.settings.ReconnectBackoffScale, float64(attempt-1)),
	)
	if self.settings.ReconnectMaxTimeout < timeout {
		timeout = self.settings.ReconnectMaxTimeout
	}

	glog.V(1).Infof("[cm]reconnect %d in %s\n", attempt, timeout)
	self.setState(ConnectionStateReconnectScheduled)

	select {
	case <-self.ctx.Done():
		self.setState(ConnectionStateClosed)
		return false
	case <-time.After(timeout):
		return true
	}
}

func (self *ConnectionManager) flushQueue(ws *websocket.Conn) {
	self.stateLock.Lock()
	queue := self.outboundQueue
	self.outboundQueue = [][]byte{}
	self.stateLock.Unlock()

	for i, eventJson := range queue {
		if err := self.writeJson(ws, eventJson); err != nil {
			glog.Infof("[cm]flush error = %s\n", err)
			// keep the unsent tail, in order, for the next open
			self.stateLock.Lock()
			self.outboundQueue = append(queue[i:], self.outboundQueue...)
			self.stateLock.Unlock()
			ws.Close()
			return
		}
	}
	if 0 < len(queue) {
		glog.V(1).Infof("[cm]flushed %d queued events\n", len(queue))
	}
}

func (self *ConnectionManager) heartbeat(ctx context.Context, ws *websocket.Conn) {
	pingJson, _ := EncodeEvent(NewPingEvent())
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(self.settings.HeartbeatTimeout):
		}
		if err := self.writeJson(ws, pingJson); err != nil {
			glog.V(1).Infof("[cm]heartbeat error = %s\n", err)
			ws.Close()
			return
		}
	}
}

func (self *ConnectionManager) readPump(ws *websocket.Conn) {
	for {
		_, eventJson, err := ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[cm]read error = %s\n", err)
			return
		}

		event, err := DecodeServerEvent(eventJson)
		if err != nil {
			glog.Infof("[cm]drop %s\n", err)
			continue
		}
		self.receive(event)
	}
}

func (self *ConnectionManager) receive(event ServerEvent) {
	switch event := event.(type) {
	case *ConnectedEvent:
		self.stateLock.Lock()
		self.userId = event.UserId
		self.stateLock.Unlock()
	case *PongEvent:
		// heartbeat round trip. Nothing to do.
	case *MessageEvent:
		self.bufferChannelEvent(event.Message.ChannelId, event)
	case *MessageDeletedEvent:
		self.bufferChannelEvent(event.ChannelId, event)
	case *MessageEditedEvent:
		self.bufferChannelEvent(event.ChannelId, event)
	}

	for _, callback := range self.receiveCallbacks.get() {
		callback(event)
	}
}

func (self *ConnectionManager) bufferChannelEvent(channelId Id, event ServerEvent) {
	self.eventLock.Lock()
	defer self.eventLock.Unlock()
	self.channelEvents[channelId] = append(self.channelEvents[channelId], event)
}

// ChannelEvents returns the live events observed for the channel since the
// last subscribe, in arrival order.
func (self *ConnectionManager) ChannelEvents(channelId Id) []ServerEvent {
	self.eventLock.Lock()
	defer self.eventLock.Unlock()

	events := self.channelEvents[channelId]
	out := make([]ServerEvent, len(events))
	copy(out, events)
	return out
}

func (self *ConnectionManager) writeJson(ws *websocket.Conn, eventJson []byte) error {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return ws.WriteMessage(websocket.TextMessage, eventJson)
}

// Send delivers the event now if the transport is open, else queues it.
// A failed write re-queues the event at the head and closes the transport
// to trigger reconnection; nothing is silently dropped.
func (self *ConnectionManager) Send(event ClientEvent) error {
	eventJson, err := EncodeEvent(event)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	ws := self.ws
	open := self.state == ConnectionStateOpen
	if !open || ws == nil {
		self.outboundQueue = append(self.outboundQueue, eventJson)
		self.stateLock.Unlock()
		glog.V(2).Infof("[cm]queued %s\n", event.EventType())
		return nil
	}
	self.stateLock.Unlock()

	if err := self.writeJson(ws, eventJson); err != nil {
		self.stateLock.Lock()
		self.outboundQueue = append([][]byte{eventJson}, self.outboundQueue...)
		self.stateLock.Unlock()
		// broken transport. Close to trigger reconnection.
		ws.Close()
		return nil
	}
	return nil
}

// Subscribe drops any buffered events for the channel, so a resubscribe
// never presents stale content, then sends the subscribe event.
func (self *ConnectionManager) Subscribe(channelId Id) {
	self.clearChannelEvents(channelId)
	self.Send(NewSubscribeEvent(channelId))
}

func (self *ConnectionManager) Unsubscribe(channelId Id) {
	self.clearChannelEvents(channelId)
	self.Send(NewUnsubscribeEvent(channelId))
}

func (self *ConnectionManager) clearChannelEvents(channelId Id) {
	self.eventLock.Lock()
	defer self.eventLock.Unlock()
	delete(self.channelEvents, channelId)
}

// Close is the clean, deliberate closure: logout or teardown. The outbound
// queue is dropped and no reconnect is attempted.
func (self *ConnectionManager) Close() {
	self.cancel()

	self.stateLock.Lock()
	ws := self.ws
	self.outboundQueue = [][]byte{}
	self.stateLock.Unlock()
	if ws != nil {
		ws.Close()
	} else {
		self.setState(ConnectionStateClosed)
	}
}
