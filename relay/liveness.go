package relay

import (
	"context"
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/golang/glog"
)

// SupervisedConn is the view of a connection the liveness supervisor needs.
// The gateway's connection implements this.
type SupervisedConn interface {
	ConnectionId() Id
	IsOpen() bool
	// SendPing sends a transport-level ping
	SendPing() error
	// MarkPendingPong moves the connection ALIVE -> PENDING_PONG and reports
	// whether it was already PENDING_PONG
	MarkPendingPong() bool
	// Terminate force-closes the transport. The connection's read loop is
	// responsible for running disconnect cleanup exactly once.
	Terminate()
}

type LivenessSupervisorSettings struct {
	// the value is a tunable, not a correctness constraint. A connection is
	// evicted after missing one full tick, so the effective timeout is
	// between one and two ticks.
	TickTimeout time.Duration
}

func DefaultLivenessSupervisorSettings() *LivenessSupervisorSettings {
	return &LivenessSupervisorSettings{
		TickTimeout: 30 * time.Second,
	}
}

// LivenessSupervisor detects and reaps dead connections that never deliver a
// transport-level close, using a ping/pong round per tick. Each connection is
// ALIVE or PENDING_PONG; a tick marks all PENDING_PONG and pings; a
// connection found still PENDING_PONG at the next tick failed to respond and
// is terminated.
type LivenessSupervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	stateLock sync.Mutex
	conns     map[Id]SupervisedConn

	settings *LivenessSupervisorSettings
}

func NewLivenessSupervisorWithDefaults(ctx context.Context) *LivenessSupervisor {
	return NewLivenessSupervisor(ctx, DefaultLivenessSupervisorSettings())
}

func NewLivenessSupervisor(ctx context.Context, settings *LivenessSupervisorSettings) *LivenessSupervisor {
	cancelCtx, cancel := context.WithCancel(ctx)
	supervisor := &LivenessSupervisor{
		ctx:      cancelCtx,
		cancel:   cancel,
		conns:    map[Id]SupervisedConn{},
		settings: settings,
	}
	go supervisor.run()
	return supervisor
}

func (self *LivenessSupervisor) Watch(conn SupervisedConn) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.conns[conn.ConnectionId()] = conn
}

func (self *LivenessSupervisor) Unwatch(conn SupervisedConn) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.conns, conn.ConnectionId())
}

func (self *LivenessSupervisor) run() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.TickTimeout):
		}
		self.Tick()
	}
}

// Tick runs one supervision round. Exposed so tests can drive the state
// machine without waiting on the timer.
func (self *LivenessSupervisor) Tick() {
	self.stateLock.Lock()
	conns := maps.Values(self.conns)
	self.stateLock.Unlock()

	for _, conn := range conns {
		if !conn.IsOpen() {
			self.Unwatch(conn)
			continue
		}
		if conn.MarkPendingPong() {
			// no response since the previous ping
			glog.Infof("[ls]evict %s\n", conn.ConnectionId())
			metricEvictedConnections.Inc()
			conn.Terminate()
			self.Unwatch(conn)
			continue
		}
		if err := conn.SendPing(); err != nil {
			glog.V(1).Infof("[ls]ping error %s = %s\n", conn.ConnectionId(), err)
		}
	}
}

func (self *LivenessSupervisor) Close() {
	self.cancel()
}
