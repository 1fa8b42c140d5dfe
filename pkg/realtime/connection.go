// Package realtime maintains one persistent socket to a realtime gateway.
//
// A Connection reconnects on its own after transport failures with capped
// exponential backoff, keeps the socket alive with a periodic "{}" heartbeat
// and buffers outbound frames so that nothing accepted by Send is lost while
// the socket is down. Buffered frames are written in submission order as soon
// as the socket opens.
//
//	conn := realtime.New(realtime.Config{Logger: logger})
//	conn.Subscribe(realtime.EventMessage, func(ev realtime.Event) {
//		fmt.Println(ev.Frame.Text())
//	})
//	conn.SendText(`{"cmd":"login"}`) // buffered until open
//	conn.Connect("wss://gateway.example.com", "json")
//	defer conn.Close()
//
// When the retry budget is exhausted the connection emits a fatal EventError
// (matching ErrRetriesExhausted) and stays closed until Connect is called
// again.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gftdcojp/baas-go/internal/metrics"
	"go.uber.org/zap"
)

const (
	DefaultMaxRetries        = 10
	DefaultBaseDelay         = 100 * time.Millisecond
	DefaultMaxDelay          = 30 * time.Second
	DefaultHeartbeatInterval = 180 * time.Second
)

// ErrRetriesExhausted is wrapped by the fatal error emitted once no
// reconnect attempts remain.
var ErrRetriesExhausted = errors.New("realtime: reconnect attempts exhausted")

// State is the socket state as seen by the Connection.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config configures a Connection. Zero values select the defaults.
type Config struct {
	// Dialer opens sockets. Defaults to a WebSocketDialer.
	Dialer Dialer

	// MaxRetries is the reconnect budget restored on every successful open.
	MaxRetries int

	// BaseDelay is the first reconnect delay; it doubles per failed attempt.
	BaseDelay time.Duration

	// MaxDelay caps the reconnect delay.
	MaxDelay time.Duration

	// HeartbeatInterval is the period of the "{}" ping. Negative disables it.
	HeartbeatInterval time.Duration

	Logger *zap.Logger
}

// Connection owns one logical socket. All methods are safe for concurrent
// use; state changes are serialized by an internal mutex and events are
// delivered with it released.
type Connection struct {
	dialer            Dialer
	maxRetries        int
	baseDelay         time.Duration
	maxDelay          time.Duration
	heartbeatInterval time.Duration
	logger            *zap.Logger
	clock             clock
	events            emitter

	mu         sync.Mutex
	state      State
	url        string
	protocol   string
	gen        uint64 // bumped whenever the current socket or dial is abandoned
	sock       Socket
	dialing    bool
	cancelDial context.CancelFunc
	retryCount int
	retryDelay time.Duration
	buffer     []Frame

	heartbeat    timer
	heartbeatSeq uint64
	reconnect    timer
	reconnectSeq uint64
}

// New creates a closed Connection.
func New(cfg Config) *Connection {
	return newConnection(cfg, realClock{})
}

func newConnection(cfg Config, clk clock) *Connection {
	c := &Connection{
		dialer:            cfg.Dialer,
		maxRetries:        cfg.MaxRetries,
		baseDelay:         cfg.BaseDelay,
		maxDelay:          cfg.MaxDelay,
		heartbeatInterval: cfg.HeartbeatInterval,
		logger:            cfg.Logger,
		clock:             clk,
	}
	if c.dialer == nil {
		c.dialer = &WebSocketDialer{}
	}
	if c.maxRetries == 0 {
		c.maxRetries = DefaultMaxRetries
	}
	if c.baseDelay == 0 {
		c.baseDelay = DefaultBaseDelay
	}
	if c.maxDelay == 0 {
		c.maxDelay = DefaultMaxDelay
	}
	if c.heartbeatInterval == 0 {
		c.heartbeatInterval = DefaultHeartbeatInterval
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.retryCount = c.maxRetries
	c.retryDelay = c.baseDelay
	return c
}

// Subscribe registers h for events of type t. The returned function removes
// this registration only.
func (c *Connection) Subscribe(t EventType, h Handler) (unsubscribe func()) {
	return c.events.subscribe(t, h)
}

// Connect opens a socket to url. It returns immediately; EventOpen or
// EventError report the outcome.
//
// Connect is a no-op while a socket to the same target is open or being
// dialed. A different target replaces the current socket and discards frames
// buffered for the old one.
func (c *Connection) Connect(url, protocol string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sameTarget := url == c.url && protocol == c.protocol
	if sameTarget && (c.state == StateOpen || c.dialing) {
		return
	}

	if !sameTarget && c.url != "" {
		c.teardownLocked()
		if n := len(c.buffer); n > 0 {
			c.logger.Info("discarding frames buffered for previous endpoint",
				zap.String("url", c.url), zap.Int("frames", n))
			metrics.RealtimeFramesBuffered.Sub(float64(n))
			c.buffer = nil
		}
	}

	if c.state == StateClosed {
		c.retryCount = c.maxRetries
		c.retryDelay = c.baseDelay
	}

	c.cancelReconnectLocked()
	c.dialLocked(url, protocol)
}

// Send queues f and writes everything queued if the socket is open. It
// never fails because the socket is down; the frame is kept until a socket
// to the same endpoint opens.
func (c *Connection) Send(f Frame) {
	c.mu.Lock()
	c.buffer = append(c.buffer, f)
	metrics.RealtimeFramesBuffered.Inc()
	events := c.flushLocked()
	c.mu.Unlock()

	c.events.emit(events...)
}

// SendText is Send with a text frame.
func (c *Connection) SendText(s string) {
	c.Send(TextFrame(s))
}

// Close closes the socket and cancels the heartbeat, any pending reconnect
// and any dial in flight. Buffered frames are kept for a later Connect to the
// same endpoint.
func (c *Connection) Close() error {
	c.mu.Lock()
	wasClosed := c.state == StateClosed
	c.cancelReconnectLocked()
	c.teardownLocked()
	c.state = StateClosed
	url := c.url
	c.mu.Unlock()

	if !wasClosed {
		c.logger.Info("connection closed", zap.String("url", url))
		c.events.emit(Event{Type: EventClose})
	}
	return nil
}

// IsOpen reports whether the socket is open.
func (c *Connection) IsOpen() bool {
	return c.State() == StateOpen
}

// State returns the current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RetryCount returns the remaining reconnect attempts.
func (c *Connection) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCount
}

// RetryDelay returns the delay the next reconnect will be scheduled with.
func (c *Connection) RetryDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryDelay
}

// Buffered returns the number of frames waiting to be written.
func (c *Connection) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// Endpoint returns the last target passed to Connect.
func (c *Connection) Endpoint() (url, protocol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url, c.protocol
}

func (c *Connection) dialLocked(url, protocol string) {
	c.gen++
	gen := c.gen
	c.url, c.protocol = url, protocol
	c.state = StateConnecting
	c.dialing = true

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel

	c.logger.Debug("dialing", zap.String("url", url), zap.String("protocol", protocol))
	go c.dial(ctx, gen, url, protocol)
}

func (c *Connection) dial(ctx context.Context, gen uint64, url, protocol string) {
	sock, err := c.dialer.Dial(ctx, url, protocol)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if sock != nil {
			sock.Close()
		}
		return
	}
	c.dialing = false
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}

	if err != nil {
		events := c.failLocked(err)
		c.mu.Unlock()
		c.events.emit(events...)
		return
	}

	c.sock = sock
	c.state = StateOpen
	c.retryCount = c.maxRetries
	c.retryDelay = c.baseDelay
	c.startHeartbeatLocked()
	metrics.RealtimeOpens.Inc()
	c.logger.Info("connection open", zap.String("url", url))

	events := []Event{{Type: EventOpen}}
	events = append(events, c.flushLocked()...)
	open := c.gen == gen
	c.mu.Unlock()

	c.events.emit(events...)
	if open {
		go c.readLoop(gen, sock)
	}
}

func (c *Connection) readLoop(gen uint64, sock Socket) {
	for {
		f, err := sock.ReadFrame()
		if err != nil {
			c.mu.Lock()
			if gen != c.gen {
				c.mu.Unlock()
				return
			}
			events := c.failLocked(fmt.Errorf("realtime: read: %w", err))
			c.mu.Unlock()
			c.events.emit(events...)
			return
		}

		if isHeartbeat(f) {
			continue
		}

		c.mu.Lock()
		current := gen == c.gen
		c.mu.Unlock()
		if !current {
			return
		}
		c.events.emit(Event{Type: EventMessage, Frame: f})
	}
}

func (c *Connection) flushLocked() []Event {
	for c.state == StateOpen && len(c.buffer) > 0 {
		if err := c.sock.WriteFrame(c.buffer[0]); err != nil {
			return c.failLocked(fmt.Errorf("realtime: write: %w", err))
		}
		c.buffer[0] = Frame{}
		c.buffer = c.buffer[1:]
		metrics.RealtimeFramesBuffered.Dec()
		metrics.RealtimeFramesSent.Inc()
	}
	return nil
}

// failLocked handles a transport failure of the current socket or dial and
// either schedules a reconnect or gives up.
func (c *Connection) failLocked(cause error) []Event {
	c.teardownLocked()
	c.retryCount--

	if c.retryCount < 0 {
		c.state = StateClosed
		metrics.RealtimeErrors.WithLabelValues("fatal").Inc()
		c.logger.Error("giving up on connection",
			zap.String("url", c.url), zap.Int("max_retries", c.maxRetries), zap.Error(cause))
		return []Event{{Type: EventError, Err: fmt.Errorf("%w: %w", ErrRetriesExhausted, cause), Fatal: true}}
	}

	c.state = StateConnecting
	metrics.RealtimeErrors.WithLabelValues("transient").Inc()
	c.scheduleReconnectLocked()
	return []Event{{Type: EventError, Err: cause}}
}

func (c *Connection) scheduleReconnectLocked() {
	c.cancelReconnectLocked()
	delay := c.retryDelay
	seq := c.reconnectSeq
	c.reconnect = c.clock.AfterFunc(delay, func() { c.fireReconnect(seq) })

	if c.retryDelay > c.maxDelay/2 {
		c.retryDelay = c.maxDelay
	} else {
		c.retryDelay *= 2
	}
	metrics.RealtimeReconnects.Inc()
	c.logger.Warn("connection lost, reconnect scheduled",
		zap.String("url", c.url),
		zap.Duration("delay", delay),
		zap.Int("retries_left", c.retryCount),
	)
}

func (c *Connection) fireReconnect(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq != c.reconnectSeq || c.state != StateConnecting || c.dialing {
		return
	}
	c.reconnect = nil
	c.reconnectSeq++
	c.dialLocked(c.url, c.protocol)
}

func (c *Connection) cancelReconnectLocked() {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	c.reconnectSeq++
}

func (c *Connection) startHeartbeatLocked() {
	c.stopHeartbeatLocked()
	if c.heartbeatInterval < 0 {
		return
	}
	seq := c.heartbeatSeq
	c.heartbeat = c.clock.AfterFunc(c.heartbeatInterval, func() { c.beat(seq) })
}

func (c *Connection) stopHeartbeatLocked() {
	if c.heartbeat != nil {
		c.heartbeat.Stop()
		c.heartbeat = nil
	}
	c.heartbeatSeq++
}

func (c *Connection) beat(seq uint64) {
	c.mu.Lock()
	if seq != c.heartbeatSeq || c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	c.buffer = append(c.buffer, TextFrame(heartbeatPayload))
	metrics.RealtimeFramesBuffered.Inc()
	events := c.flushLocked()
	if seq == c.heartbeatSeq && c.state == StateOpen {
		c.heartbeat = c.clock.AfterFunc(c.heartbeatInterval, func() { c.beat(seq) })
	}
	c.mu.Unlock()

	c.events.emit(events...)
}

// teardownLocked abandons the current socket or dial without touching the
// state or the buffer.
func (c *Connection) teardownLocked() {
	c.gen++
	c.dialing = false
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	c.stopHeartbeatLocked()
	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
}
