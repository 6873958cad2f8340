package relay

import (
	"errors"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
)

type testConn struct {
	connectionId Id

	lock   sync.Mutex
	open   bool
	failed bool
	sent   [][]byte
}

func newTestConn() *testConn {
	return &testConn{
		connectionId: NewId(),
		open:         true,
	}
}

func (self *testConn) ConnectionId() Id {
	return self.connectionId
}

func (self *testConn) IsOpen() bool {
	self.lock.Lock()
	defer self.lock.Unlock()
	return self.open
}

func (self *testConn) SendJson(eventJson []byte) error {
	self.lock.Lock()
	defer self.lock.Unlock()
	if self.failed {
		return errors.New("send failed")
	}
	self.sent = append(self.sent, eventJson)
	return nil
}

func (self *testConn) sentCount() int {
	self.lock.Lock()
	defer self.lock.Unlock()
	return len(self.sent)
}

func TestRegistrySubscribeIdempotent(t *testing.T) {
	registry := NewConnectionRegistry()
	conn := newTestConn()
	channelId := NewId()

	registry.Subscribe(conn, channelId)
	registry.Subscribe(conn, channelId)
	assert.Equal(t, registry.SubscriberCount(channelId), 1)

	registry.Unsubscribe(conn, channelId)
	registry.Unsubscribe(conn, channelId)
	assert.Equal(t, registry.SubscriberCount(channelId), 0)
}

func TestRegistryDisconnectCleansAllChannels(t *testing.T) {
	registry := NewConnectionRegistry()
	conn := newTestConn()
	other := newTestConn()
	c1 := NewId()
	c2 := NewId()

	registry.Subscribe(conn, c1)
	registry.Subscribe(conn, c2)
	registry.Subscribe(other, c1)

	registry.Disconnect(conn)

	assert.Equal(t, registry.SubscriberCount(c1), 1)
	assert.Equal(t, registry.SubscriberCount(c2), 0)
	assert.Equal(t, len(registry.SubscribedChannels(conn)), 0)
}

func TestRegistryBroadcast(t *testing.T) {
	registry := NewConnectionRegistry()
	channelId := NewId()
	a := newTestConn()
	b := newTestConn()
	c := newTestConn()
	registry.Subscribe(a, channelId)
	registry.Subscribe(b, channelId)
	registry.Subscribe(c, channelId)

	delivered := registry.Broadcast(channelId, NewPongEvent(), nil)
	assert.Equal(t, delivered, 3)

	// exclusion
	delivered = registry.Broadcast(channelId, NewPongEvent(), a)
	assert.Equal(t, delivered, 2)
	assert.Equal(t, a.sentCount(), 1)

	// a closed transport is skipped
	b.lock.Lock()
	b.open = false
	b.lock.Unlock()
	delivered = registry.Broadcast(channelId, NewPongEvent(), nil)
	assert.Equal(t, delivered, 2)
}

func TestRegistryBroadcastIsolation(t *testing.T) {
	// a send failure to one subscriber must not prevent delivery to the rest
	registry := NewConnectionRegistry()
	channelId := NewId()
	bad := newTestConn()
	bad.failed = true
	good1 := newTestConn()
	good2 := newTestConn()
	registry.Subscribe(bad, channelId)
	registry.Subscribe(good1, channelId)
	registry.Subscribe(good2, channelId)

	delivered := registry.Broadcast(channelId, NewPongEvent(), nil)
	assert.Equal(t, delivered, 2)
	assert.Equal(t, good1.sentCount(), 1)
	assert.Equal(t, good2.sentCount(), 1)
	assert.Equal(t, bad.sentCount(), 0)
}

func TestRegistryUnknownChannelBroadcast(t *testing.T) {
	registry := NewConnectionRegistry()
	delivered := registry.Broadcast(NewId(), NewPongEvent(), nil)
	assert.Equal(t, delivered, 0)
}
