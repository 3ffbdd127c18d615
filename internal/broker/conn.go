package broker

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/talkwire/talkwire/internal/wire"
)

const (
	// writeBufferSize is the per-connection buffered writer size. Large
	// enough to batch a handful of 512-byte audio frames between flushes.
	writeBufferSize = 8192

	// flushEveryFrames is how many audio frames the TX pump writes before
	// forcing a flush. Control frames always flush immediately.
	flushEveryFrames = 10

	// writeTimeout bounds every socket write so a dead peer surfaces as a
	// write error instead of a stuck goroutine.
	writeTimeout = 10 * time.Second
)

// conn is one live TCP peer of the broker. The reader goroutine owns all
// inbound dispatch; the TX pump goroutine is the only writer of audio
// frames. Control frames may be written from any goroutine and are
// serialised with the pump through wmu.
type conn struct {
	b   *Broker
	nc  net.Conn
	bw  *bufio.Writer
	wmu sync.Mutex

	// id is assigned exactly once by REGISTER. Guarded by b.mu.
	id string

	// currentCall is the active call-id, 0 when idle. Mutated only under
	// b.mu; read lock-free by the TX pump when stamping outbound frames.
	currentCall atomic.Uint32

	q    *frameQueue
	wake chan struct{}

	// lastHeartbeat is the unix-nano timestamp of the last PING or PONG
	// received from this peer.
	lastHeartbeat atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	log       *slog.Logger
}

func newConn(b *Broker, nc net.Conn) *conn {
	c := &conn{
		b:    b,
		nc:   nc,
		bw:   bufio.NewWriterSize(nc, writeBufferSize),
		q:    newFrameQueue(b.cfg.QueueSize),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		log:  b.log.With("remote", nc.RemoteAddr().String()),
	}
	c.lastHeartbeat.Store(time.Now().UnixNano())
	return c
}

// deviceID returns the registered id, or the remote address for a
// connection that has not registered yet. Log output only.
func (c *conn) deviceID() string {
	c.b.mu.RLock()
	defer c.b.mu.RUnlock()
	if c.id != "" {
		return c.id
	}
	return c.nc.RemoteAddr().String()
}

// run services the connection until it is closed: it starts the TX pump and
// the heartbeat loop, then blocks in the read loop. Both auxiliary
// goroutines are joined before the disconnect cleanup runs, so no write can
// race the teardown.
func (c *conn) run() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.txLoop()
	}()
	go func() {
		defer wg.Done()
		c.heartbeatLoop()
	}()

	c.readLoop()

	c.close()
	wg.Wait()
	c.b.disconnect(c)
}

// readLoop reads and dispatches broker frames until EOF or error.
func (c *conn) readLoop() {
	for {
		h, payload, err := wire.ReadFrame(c.nc)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				c.log.Info("device disconnected", "device", c.deviceID())
			case errors.Is(err, wire.ErrPayloadTooLarge):
				c.log.Error("oversized payload, closing connection", "device", c.deviceID())
			case errors.Is(err, net.ErrClosed):
				// Closed by eviction or shutdown.
			default:
				c.log.Warn("read error", "device", c.deviceID(), "error", err)
			}
			return
		}
		c.dispatch(h, payload)
	}
}

// dispatch routes one inbound frame to the owning component.
func (c *conn) dispatch(h wire.Header, payload []byte) {
	switch h.Type {
	case wire.MsgRegister:
		c.b.handleRegister(c, payload)
	case wire.MsgInvite:
		c.b.handleInvite(c, payload)
	case wire.MsgAnswer:
		c.b.handleAnswer(c, h.CallID)
	case wire.MsgDecline:
		reason := wire.DeclineBusy
		if len(payload) > 0 {
			reason = payload[0]
		}
		c.b.handleDecline(c, h.CallID, reason)
	case wire.MsgHangup:
		c.b.handleHangup(c, h.CallID)
	case wire.MsgAudio:
		c.b.handleAudio(c, h.CallID, h.Seq, payload)
	case wire.MsgPing:
		c.lastHeartbeat.Store(time.Now().UnixNano())
		c.send(wire.MsgPong, 0, 0, nil)
	case wire.MsgPong:
		c.lastHeartbeat.Store(time.Now().UnixNano())
	default:
		c.log.Warn("unknown message type",
			"type", wire.TypeName(h.Type),
			"device", c.deviceID(),
		)
	}
}

// send writes a control frame and flushes immediately. Write errors close
// the connection, which unwinds the reader and runs the disconnect path.
func (c *conn) send(typ byte, callID, seq uint32, payload []byte) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := wire.WriteFrame(c.bw, wire.Header{Type: typ, CallID: callID, Seq: seq}, payload); err == nil {
		err = c.bw.Flush()
		if err == nil {
			return
		}
	}
	c.failWrite(typ)
}

func (c *conn) failWrite(typ byte) {
	select {
	case <-c.done:
		// Already closing; the write error is expected.
	default:
		c.log.Warn("write failed, closing connection",
			"device", c.deviceID(),
			"type", wire.TypeName(typ),
		)
		c.close()
	}
}

// sendError reports a policy or protocol error to the peer.
func (c *conn) sendError(callID uint32, code byte) {
	c.send(wire.MsgError, callID, 0, []byte{code})
}

// enqueueAudio appends a frame to the TX queue (drop-oldest) and wakes the
// pump. It never blocks; backpressure is absorbed by the bounded queue.
func (c *conn) enqueueAudio(seq uint32, payload []byte) (dropped bool) {
	dropped = c.q.push(seq, payload)
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return dropped
}

// txLoop is the audio TX pump: it waits on the wake signal, drains the
// queue, and writes frames without flushing each one. A flush happens at
// least every flushEveryFrames frames and once the queue is drained.
func (c *conn) txLoop() {
	var sent int
	for {
		select {
		case <-c.wake:
		case <-c.done:
			return
		}

		for {
			f, ok := c.q.pop()
			if !ok {
				break
			}
			callID := c.currentCall.Load()
			c.wmu.Lock()
			c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := wire.WriteFrame(c.bw, wire.Header{Type: wire.MsgAudio, CallID: callID, Seq: f.seq}, f.payload)
			sent++
			if err == nil && sent%flushEveryFrames == 0 {
				err = c.bw.Flush()
			}
			c.wmu.Unlock()
			if err != nil {
				c.failWrite(wire.MsgAudio)
				return
			}
		}

		c.wmu.Lock()
		err := c.bw.Flush()
		c.wmu.Unlock()
		if err != nil {
			c.failWrite(wire.MsgAudio)
			return
		}
	}
}

// heartbeatLoop emits a PING every ping interval and force-disconnects the
// peer once its last heartbeat is older than the ping timeout.
func (c *conn) heartbeatLoop() {
	ticker := time.NewTicker(c.b.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			last := time.Unix(0, c.lastHeartbeat.Load())
			if time.Since(last) > c.b.cfg.PingTimeout {
				c.log.Warn("heartbeat timeout, disconnecting",
					"device", c.deviceID(),
					"last_heartbeat", last,
				)
				c.close()
				return
			}
			c.send(wire.MsgPing, 0, 0, nil)
		case <-c.done:
			return
		}
	}
}

// close shuts the socket down. Idempotent; safe from any goroutine.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.nc.Close()
	})
}
