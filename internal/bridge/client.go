// Package bridge implements the point-to-point browser bridge: a TCP
// client that talks the 4-byte intercom framing directly to one device,
// runs the optional RING/ANSWER handshake, and exchanges PCM audio. The
// broker is not involved; the bridge holds no state beyond the session.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/talkwire/talkwire/internal/wire"
)

const (
	// defaultDevicePort is the TCP port devices listen on for
	// point-to-point streams.
	defaultDevicePort = 6054

	defaultConnectTimeout = 5 * time.Second
	defaultPingInterval   = 5 * time.Second
	defaultPingTimeout    = 10 * time.Second

	// defaultTxQueue is the outbound audio queue depth in frames. The
	// queue drops on overflow instead of blocking the producer; low
	// latency beats perfect audio.
	defaultTxQueue = 8
)

// ErrDeclined is returned by Start when the device reports an error during
// the handshake instead of answering.
var ErrDeclined = errors.New("bridge: device declined the stream")

// ClientConfig configures a single device connection.
type ClientConfig struct {
	// Addr is the device TCP address, host or host:port. A bare host gets
	// DevicePort appended.
	Addr string

	// DevicePort is the port used when Addr carries none. Zero means 6054.
	DevicePort int

	// NoRing asks the device to bypass its local ring and start
	// streaming unconditionally, if the device permits.
	NoRing bool

	ConnectTimeout time.Duration
	PingInterval   time.Duration
	PingTimeout    time.Duration
	TxQueue        int
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.DevicePort <= 0 {
		c.DevicePort = defaultDevicePort
	}
	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		c.Addr = net.JoinHostPort(c.Addr, strconv.Itoa(c.DevicePort))
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = defaultPingTimeout
	}
	if c.TxQueue <= 0 {
		c.TxQueue = defaultTxQueue
	}
	return c
}

// Callbacks receive bridge events. All fields are optional. They are
// invoked from the client's read goroutine and must not block.
type Callbacks struct {
	// OnAudio delivers one PCM frame received from the device.
	OnAudio func(pcm []byte)
	// OnRing fires when the device reports it is ringing locally.
	OnRing func()
	// OnAnswer fires when the local user answered and streaming begins.
	OnAnswer func()
	// OnClosed fires once when the connection ends, with the cause
	// (nil for a clean local Stop).
	OnClosed func(err error)
}

// Client is one point-to-point connection to a device.
type Client struct {
	cfg ClientConfig
	cb  Callbacks
	log *slog.Logger

	nc net.Conn
	tx chan []byte

	answered chan struct{}
	ansOnce  sync.Once

	lastHeartbeat atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	closeErr  atomic.Value // error
	wg        sync.WaitGroup
}

// Dial connects to a device and starts the read, TX, and keepalive loops.
// The stream itself is not started until Start.
func Dial(ctx context.Context, cfg ClientConfig, cb Callbacks, logger *slog.Logger) (*Client, error) {
	cfg = cfg.withDefaults()

	d := net.Dialer{Timeout: cfg.ConnectTimeout}
	nc, err := d.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to device %s: %w", cfg.Addr, err)
	}

	c := &Client{
		cfg:      cfg,
		cb:       cb,
		log:      logger.With("component", "bridge", "device_addr", cfg.Addr),
		nc:       nc,
		tx:       make(chan []byte, cfg.TxQueue),
		answered: make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.lastHeartbeat.Store(time.Now().UnixNano())

	c.wg.Add(3)
	go c.readLoop()
	go c.txLoop()
	go c.pingLoop()

	c.log.Info("bridge connected")
	return c, nil
}

// Start sends START and, unless NoRing is set, waits for the device's
// ANSWER (the device may emit RING first while it waits for a local
// answer). With NoRing the stream is considered live immediately.
func (c *Client) Start(ctx context.Context) error {
	var flags byte
	if c.cfg.NoRing {
		flags = wire.FlagNoRing
	}
	if err := c.writeFrame(wire.P2PStart, flags, nil); err != nil {
		return fmt.Errorf("sending START: %w", err)
	}

	if c.cfg.NoRing {
		c.markAnswered()
		return nil
	}

	select {
	case <-c.answered:
		return nil
	case <-c.done:
		if err := c.cause(); err != nil {
			return err
		}
		return ErrDeclined
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendAudio queues one PCM frame for the device. It never blocks: when the
// TX queue is full the frame is dropped.
func (c *Client) SendAudio(pcm []byte) {
	select {
	case c.tx <- pcm:
	default:
		// Queue full; drop rather than stall the producer.
	}
}

// Stop sends STOP and closes the connection.
func (c *Client) Stop() {
	c.writeFrame(wire.P2PStop, 0, nil)
	c.shutdown(nil)
	c.wg.Wait()
}

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) cause() error {
	if err, ok := c.closeErr.Load().(error); ok {
		return err
	}
	return nil
}

func (c *Client) markAnswered() {
	c.ansOnce.Do(func() { close(c.answered) })
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		if err != nil {
			c.closeErr.Store(err)
		}
		close(c.done)
		c.nc.Close()
		if c.cb.OnClosed != nil {
			c.cb.OnClosed(err)
		}
		c.log.Info("bridge closed", "error", err)
	})
}

func (c *Client) writeFrame(typ, flags byte, payload []byte) error {
	c.nc.SetWriteDeadline(time.Now().Add(c.cfg.PingTimeout))
	return wire.WriteP2PFrame(c.nc, wire.P2PHeader{Type: typ, Flags: flags}, payload)
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		h, payload, err := wire.ReadP2PFrame(c.nc)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				c.shutdown(nil)
			default:
				c.shutdown(fmt.Errorf("bridge read: %w", err))
			}
			return
		}

		switch h.Type {
		case wire.P2PAudio:
			if c.cb.OnAudio != nil {
				c.cb.OnAudio(payload)
			}
		case wire.P2PRing:
			c.log.Info("device ringing")
			if c.cb.OnRing != nil {
				c.cb.OnRing()
			}
		case wire.P2PAnswer:
			c.log.Info("device answered")
			c.markAnswered()
			if c.cb.OnAnswer != nil {
				c.cb.OnAnswer()
			}
		case wire.P2PPing:
			c.lastHeartbeat.Store(time.Now().UnixNano())
			c.writeFrame(wire.P2PPong, 0, nil)
		case wire.P2PPong:
			c.lastHeartbeat.Store(time.Now().UnixNano())
		case wire.P2PError:
			code := byte(0xFF)
			if len(payload) > 0 {
				code = payload[0]
			}
			c.shutdown(fmt.Errorf("bridge: device error 0x%02x", code))
			return
		default:
			c.log.Warn("unknown p2p message type", "type", fmt.Sprintf("0x%02X", h.Type))
		}
	}
}

func (c *Client) txLoop() {
	defer c.wg.Done()
	for {
		select {
		case pcm := <-c.tx:
			if err := c.writeFrame(wire.P2PAudio, 0, pcm); err != nil {
				c.shutdown(fmt.Errorf("bridge write: %w", err))
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) pingLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			last := time.Unix(0, c.lastHeartbeat.Load())
			if time.Since(last) > c.cfg.PingTimeout {
				c.shutdown(errors.New("bridge: device heartbeat timeout"))
				return
			}
			c.writeFrame(wire.P2PPing, 0, nil)
		case <-c.done:
			return
		}
	}
}
