// Package broker implements the intercom relay core: a TCP service that
// registers devices, distributes a live roster, runs the call state machine
// (INVITE → RING → ANSWER/DECLINE/TIMEOUT → IN_CALL → HANGUP/BYE), and
// relays audio frames between the two endpoints of an active call through
// bounded per-device queues.
//
// Devices connect outbound to the broker, which lets them traverse NAT and
// firewalls with nothing more than a plain TCP socket.
package broker

import (
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Config holds broker tunables. Zero values are replaced with defaults.
type Config struct {
	// ListenAddr is the TCP listen address, e.g. ":6060".
	ListenAddr string

	// RingTimeout is how long a RINGING call waits for ANSWER before it is
	// torn down with ERR_TIMEOUT.
	RingTimeout time.Duration

	// PingInterval is how often the broker emits PING on each connection.
	PingInterval time.Duration

	// PingTimeout is how long a peer may go without a PING or PONG before
	// it is force-disconnected.
	PingTimeout time.Duration

	// QueueSize is the per-device audio queue capacity in frames.
	QueueSize int

	// AcceptRate and AcceptBurst rate-limit new connections per source IP.
	// AcceptRate <= 0 disables limiting.
	AcceptRate  rate.Limit
	AcceptBurst int
}

const (
	defaultRingTimeout  = 30 * time.Second
	defaultPingInterval = 10 * time.Second
	defaultPingTimeout  = 30 * time.Second
	defaultAcceptRate   = rate.Limit(10)
	defaultAcceptBurst  = 20
)

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = ":6060"
	}
	if c.RingTimeout <= 0 {
		c.RingTimeout = defaultRingTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = defaultPingTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.AcceptBurst <= 0 {
		c.AcceptBurst = defaultAcceptBurst
	}
	return c
}

// Hooks are optional observer callbacks. They are invoked synchronously
// while the broker holds its state lock, so the events arrive in the exact
// order the state mutations happened. Hooks must not block and must not
// call back into the broker.
type Hooks struct {
	OnDeviceConnected    func(id string)
	OnDeviceDisconnected func(id string)
	OnCallStarted        func(callID uint32, caller, callee string)
	OnCallEnded          func(callID uint32)
}

// DeviceInfo is a snapshot of one registered device.
type DeviceInfo struct {
	ID            string    `json:"id"`
	Busy          bool      `json:"busy"`
	RemoteAddr    string    `json:"remote_addr"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// CallInfo is a snapshot of one live call.
type CallInfo struct {
	ID        uint32    `json:"id"`
	Caller    string    `json:"caller"`
	Callee    string    `json:"callee"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
}

// Broker is the relay service. One instance owns the device table, the
// call table, and every device's current-call binding; all three are
// guarded by the single mu, because the state-machine invariants span them.
type Broker struct {
	cfg   Config
	log   *slog.Logger
	hooks Hooks

	mu         sync.RWMutex
	devices    map[string]*conn
	calls      map[uint32]*call
	nextCallID uint32

	ln      net.Listener
	wg      sync.WaitGroup
	done    chan struct{}
	stopped sync.Once

	accepts *ipLimiter

	// Relay statistics, exposed to the metrics collector.
	framesRelayed atomic.Uint64
	framesDropped atomic.Uint64
	bytesRelayed  atomic.Uint64
	connsTotal    atomic.Uint64
	callsTotal    atomic.Uint64
}

// New creates a broker. hooks fields may be nil; logger must not be.
func New(cfg Config, hooks Hooks, logger *slog.Logger) *Broker {
	cfg = cfg.withDefaults()
	b := &Broker{
		cfg:        cfg,
		log:        logger.With("component", "broker"),
		hooks:      hooks,
		devices:    make(map[string]*conn),
		calls:      make(map[uint32]*call),
		nextCallID: 1,
		done:       make(chan struct{}),
	}
	if cfg.AcceptRate > 0 {
		b.accepts = newIPLimiter(cfg.AcceptRate, cfg.AcceptBurst)
	}
	return b
}

// Start begins listening and accepting device connections. It returns once
// the listener is bound; accepting runs in the background until Stop.
func (b *Broker) Start() error {
	ln, err := net.Listen("tcp", b.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", b.cfg.ListenAddr, err)
	}
	b.ln = ln
	b.log.Info("broker listening", "addr", ln.Addr().String())

	b.wg.Add(1)
	go b.acceptLoop()
	return nil
}

// Addr returns the bound listen address, useful when ListenAddr used port 0.
func (b *Broker) Addr() net.Addr {
	if b.ln == nil {
		return nil
	}
	return b.ln.Addr()
}

func (b *Broker) acceptLoop() {
	defer b.wg.Done()
	for {
		nc, err := b.ln.Accept()
		if err != nil {
			select {
			case <-b.done:
				return
			default:
			}
			b.log.Warn("accept error", "error", err)
			return
		}

		if b.accepts != nil && !b.accepts.allow(nc.RemoteAddr()) {
			b.log.Warn("connection rate limit exceeded", "remote", nc.RemoteAddr().String())
			nc.Close()
			continue
		}

		b.connsTotal.Add(1)
		b.log.Info("new connection", "remote", nc.RemoteAddr().String())

		c := newConn(b, nc)
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			c.run()
		}()
	}
}

// Stop tears the broker down: every active call is destroyed with peer
// notification, every device is disconnected, and the listener is closed.
// It blocks until all connection goroutines have unwound.
func (b *Broker) Stop() {
	b.stopped.Do(func() {
		b.log.Info("stopping broker")
		close(b.done)

		// Destroy calls first so device teardown finds empty call state.
		b.mu.Lock()
		var out []outMsg
		for id := range b.calls {
			out = append(out, b.endCallLocked(id, true, nil)...)
		}
		conns := make([]*conn, 0, len(b.devices))
		for _, c := range b.devices {
			conns = append(conns, c)
		}
		b.mu.Unlock()
		sendAll(out)

		for _, c := range conns {
			c.close()
		}

		if b.ln != nil {
			b.ln.Close()
		}
		b.wg.Wait()
		b.log.Info("broker stopped")
	})
}

// Devices returns a snapshot of all registered devices, sorted by id.
func (b *Broker) Devices() []DeviceInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]DeviceInfo, 0, len(b.devices))
	for id, c := range b.devices {
		out = append(out, DeviceInfo{
			ID:            id,
			Busy:          c.currentCall.Load() != 0,
			RemoteAddr:    c.nc.RemoteAddr().String(),
			LastHeartbeat: time.Unix(0, c.lastHeartbeat.Load()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Calls returns a snapshot of all live calls, sorted by call-id.
func (b *Broker) Calls() []CallInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]CallInfo, 0, len(b.calls))
	for _, cl := range b.calls {
		out = append(out, CallInfo{
			ID:        cl.id,
			Caller:    cl.caller.id,
			Callee:    cl.callee.id,
			State:     cl.state.String(),
			StartedAt: cl.startedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DeviceCount returns the number of registered devices.
func (b *Broker) DeviceCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.devices)
}

// ActiveCallCount returns the number of live calls.
func (b *Broker) ActiveCallCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.calls)
}

// FramesRelayed returns the total number of audio frames enqueued for peers.
func (b *Broker) FramesRelayed() uint64 { return b.framesRelayed.Load() }

// FramesDropped returns the total number of frames discarded by drop-oldest.
func (b *Broker) FramesDropped() uint64 { return b.framesDropped.Load() }

// BytesRelayed returns the total audio payload bytes enqueued for peers.
func (b *Broker) BytesRelayed() uint64 { return b.bytesRelayed.Load() }

// ConnectionsTotal returns the number of accepted TCP connections.
func (b *Broker) ConnectionsTotal() uint64 { return b.connsTotal.Load() }

// CallsTotal returns the number of calls ever created.
func (b *Broker) CallsTotal() uint64 { return b.callsTotal.Load() }

// outMsg is a control frame queued for delivery after the state lock is
// released. Writes can block on slow peers, so they never happen under mu.
type outMsg struct {
	c       *conn
	typ     byte
	callID  uint32
	payload []byte
}

func sendAll(msgs []outMsg) {
	for _, m := range msgs {
		m.c.send(m.typ, m.callID, 0, m.payload)
	}
}
