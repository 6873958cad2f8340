package relay

import (
	"sync"

	"golang.org/x/exp/maps"

	"github.com/golang/glog"
)

// Conn is one live transport session as seen by the registry and the
// liveness supervisor. The gateway's connection implements this; tests
// substitute their own.
type Conn interface {
	ConnectionId() Id
	IsOpen() bool
	// SendJson writes one already-encoded event to this connection only
	SendJson(eventJson []byte) error
}

// ConnectionRegistry tracks which channels each live connection is
// subscribed to and provides the broadcast primitive. One registry per
// server process, owned by the server, never ambient.
//
// Authorization does not happen here. Unknown channel ids are accepted;
// the gateway decides what a connection may do.
type ConnectionRegistry struct {
	stateLock sync.Mutex
	// channel id -> connection id -> conn
	channelSubscribers map[Id]map[Id]Conn
	// connection id -> subscribed channel ids
	connectionChannels map[Id]map[Id]bool
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		channelSubscribers: map[Id]map[Id]Conn{},
		connectionChannels: map[Id]map[Id]bool{},
	}
}

// idempotent
func (self *ConnectionRegistry) Subscribe(conn Conn, channelId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	subscribers, ok := self.channelSubscribers[channelId]
	if !ok {
		subscribers = map[Id]Conn{}
		self.channelSubscribers[channelId] = subscribers
	}
	subscribers[conn.ConnectionId()] = conn

	channels, ok := self.connectionChannels[conn.ConnectionId()]
	if !ok {
		channels = map[Id]bool{}
		self.connectionChannels[conn.ConnectionId()] = channels
	}
	channels[channelId] = true

	glog.V(2).Infof("[r]subscribe %s +%s\n", conn.ConnectionId(), channelId)
}

// idempotent
func (self *ConnectionRegistry) Unsubscribe(conn Conn, channelId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.removeSubscriber(conn.ConnectionId(), channelId)

	glog.V(2).Infof("[r]unsubscribe %s -%s\n", conn.ConnectionId(), channelId)
}

// Disconnect removes the connection from every channel set it belongs to.
// Called exactly once per connection lifecycle, on close or error.
func (self *ConnectionRegistry) Disconnect(conn Conn) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	connectionId := conn.ConnectionId()
	for channelId := range self.connectionChannels[connectionId] {
		self.removeSubscriber(connectionId, channelId)
	}
	delete(self.connectionChannels, connectionId)

	glog.V(1).Infof("[r]disconnect %s\n", connectionId)
}

// must hold stateLock
func (self *ConnectionRegistry) removeSubscriber(connectionId Id, channelId Id) {
	subscribers, ok := self.channelSubscribers[channelId]
	if !ok {
		return
	}
	delete(subscribers, connectionId)
	if len(subscribers) == 0 {
		delete(self.channelSubscribers, channelId)
	}
	if channels, ok := self.connectionChannels[connectionId]; ok {
		delete(channels, channelId)
	}
}

// Broadcast serializes the event once and sends it to every open subscriber
// of the channel, skipping `exclude` if non-nil. A send failure to one
// subscriber is logged and skipped so it cannot block delivery to the rest.
// Returns the number of successful sends.
func (self *ConnectionRegistry) Broadcast(channelId Id, event ServerEvent, exclude Conn) int {
	eventJson, err := EncodeEvent(event)
	if err != nil {
		glog.Infof("[r]broadcast encode error %s = %s\n", channelId, err)
		return 0
	}

	// snapshot under the lock, send outside it so one slow connection
	// cannot stall subscription changes
	self.stateLock.Lock()
	conns := maps.Values(self.channelSubscribers[channelId])
	self.stateLock.Unlock()

	delivered := 0
	for _, conn := range conns {
		if exclude != nil && conn.ConnectionId() == exclude.ConnectionId() {
			continue
		}
		if !conn.IsOpen() {
			continue
		}
		if err := conn.SendJson(eventJson); err != nil {
			glog.Infof("[r]broadcast send error %s %s = %s\n", channelId, conn.ConnectionId(), err)
			metricBroadcastSendErrors.Inc()
			continue
		}
		delivered += 1
	}
	glog.V(2).Infof("[r]broadcast %s %s x%d\n", channelId, event.EventType(), delivered)
	metricBroadcastEvents.Inc()
	return delivered
}

func (self *ConnectionRegistry) SubscriberCount(channelId Id) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.channelSubscribers[channelId])
}

func (self *ConnectionRegistry) SubscribedChannels(conn Conn) []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Keys(self.connectionChannels[conn.ConnectionId()])
}
