package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type fakeSupervisedConn struct {
	connectionId Id

	lock       sync.Mutex
	open       bool
	pending    bool
	pingCount  int
	terminated bool
}

func newFakeSupervisedConn() *fakeSupervisedConn {
	return &fakeSupervisedConn{
		connectionId: NewId(),
		open:         true,
	}
}

func (self *fakeSupervisedConn) ConnectionId() Id {
	return self.connectionId
}

func (self *fakeSupervisedConn) IsOpen() bool {
	self.lock.Lock()
	defer self.lock.Unlock()
	return self.open
}

func (self *fakeSupervisedConn) SendPing() error {
	self.lock.Lock()
	defer self.lock.Unlock()
	self.pingCount += 1
	return nil
}

func (self *fakeSupervisedConn) MarkPendingPong() bool {
	self.lock.Lock()
	defer self.lock.Unlock()
	pending := self.pending
	self.pending = true
	return pending
}

func (self *fakeSupervisedConn) markAlive() {
	self.lock.Lock()
	defer self.lock.Unlock()
	self.pending = false
}

func (self *fakeSupervisedConn) Terminate() {
	self.lock.Lock()
	defer self.lock.Unlock()
	self.open = false
	self.terminated = true
}

func newIdleSupervisor(ctx context.Context) *LivenessSupervisor {
	// a tick interval long enough that only explicit Tick calls drive the
	// state machine during the test
	return NewLivenessSupervisor(ctx, &LivenessSupervisorSettings{
		TickTimeout: time.Hour,
	})
}

func TestLivenessEvictsSilentConnection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	supervisor := newIdleSupervisor(ctx)
	defer supervisor.Close()

	conn := newFakeSupervisedConn()
	supervisor.Watch(conn)

	// first tick: mark pending and ping
	supervisor.Tick()
	assert.Equal(t, conn.pingCount, 1)
	assert.Equal(t, conn.terminated, false)

	// still pending at the second tick: evict
	supervisor.Tick()
	assert.Equal(t, conn.terminated, true)
	assert.Equal(t, conn.IsOpen(), false)
}

func TestLivenessPongKeepsConnectionAlive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	supervisor := newIdleSupervisor(ctx)
	defer supervisor.Close()

	conn := newFakeSupervisedConn()
	supervisor.Watch(conn)

	for i := 0; i < 5; i++ {
		supervisor.Tick()
		// inbound activity before the next tick resets to ALIVE
		conn.markAlive()
	}
	assert.Equal(t, conn.terminated, false)
	assert.Equal(t, conn.pingCount, 5)
}

func TestLivenessUnwatchStopsPings(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	supervisor := newIdleSupervisor(ctx)
	defer supervisor.Close()

	conn := newFakeSupervisedConn()
	supervisor.Watch(conn)
	supervisor.Unwatch(conn)

	supervisor.Tick()
	supervisor.Tick()
	assert.Equal(t, conn.pingCount, 0)
	assert.Equal(t, conn.terminated, false)
}

func TestLivenessDropsClosedConnections(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	supervisor := newIdleSupervisor(ctx)
	defer supervisor.Close()

	conn := newFakeSupervisedConn()
	supervisor.Watch(conn)
	conn.lock.Lock()
	conn.open = false
	conn.lock.Unlock()

	supervisor.Tick()
	assert.Equal(t, conn.pingCount, 0)
	// an already-closed connection is unwatched, not terminated again
	assert.Equal(t, conn.terminated, false)
}
