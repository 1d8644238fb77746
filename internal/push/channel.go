package push

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Status is the channel connection state.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusOpen       Status = "open"
	StatusClosed     Status = "closed"
)

// ErrNotConnected is returned by Send when the channel is not open.
// Outbound frames are never queued; callers own state that must survive
// a disconnect.
var ErrNotConnected = errors.New("push: channel not connected")

// Close codes the simulator uses to reject an expired or invalid token.
// 1008 (policy violation) is included because gorilla peers surface token
// rejections that way.
var authCloseCodes = map[int]bool{4401: true, 4403: true, websocket.ClosePolicyViolation: true}

// AuthFailureFunc is invoked when the transport closes with an
// authorization failure. It may refresh credentials; the return value says
// whether a reconnect should proceed.
type AuthFailureFunc func(ctx context.Context) bool

// FrameFunc receives every parsed inbound frame.
type FrameFunc func(Frame)

// RawFunc receives inbound payloads that failed to parse.
type RawFunc func([]byte)

// Transport is the minimal connection surface the channel drives. The real
// implementation wraps a gorilla websocket; tests inject fakes.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a Transport for an address.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Transport, error)
}

// Options configures a Channel.
type Options struct {
	Key    string // station identity, one channel per key
	Dialer Dialer
	Clock  clockwork.Clock
	// AddrFunc, when set, resolves the dial address before every attempt.
	// Credentials embedded in the address are short-lived, so a reconnect
	// after a token refresh must not replay the activated address.
	AddrFunc      func() string
	Backoff       Backoff
	Heartbeat     time.Duration
	OnFrame       FrameFunc
	OnRaw         RawFunc
	OnAuthFailure AuthFailureFunc
	Rand          func() float64
	Logger        *zap.Logger
}

// Channel keeps one push connection per station alive: whenever it is
// activated and the address resolves, it is either connected or actively
// retrying, with at most one live connect attempt at a time.
type Channel struct {
	mu        sync.Mutex
	key       string
	dialer    Dialer
	clock     clockwork.Clock
	addrFunc  func() string
	backoff   Backoff
	heartbeat time.Duration
	onFrame   FrameFunc
	onRaw     RawFunc
	onAuth    AuthFailureFunc
	rand      func() float64
	logger    *zap.Logger

	status     Status
	lastErr    error
	lastFrame  *Frame
	addr       string
	active     bool
	gen        int
	attempts   int
	transport  Transport
	retryTimer clockwork.Timer
	retryDone  chan struct{}
}

// NewChannel builds a channel; it stays idle until Activate.
func NewChannel(opts Options) *Channel {
	if opts.Dialer == nil {
		opts.Dialer = &WebsocketDialer{}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if opts.Heartbeat < 5*time.Second {
		opts.Heartbeat = 5 * time.Second
	}
	return &Channel{
		key:       opts.Key,
		dialer:    opts.Dialer,
		clock:     opts.Clock,
		addrFunc:  opts.AddrFunc,
		backoff:   opts.Backoff,
		heartbeat: opts.Heartbeat,
		onFrame:   opts.OnFrame,
		onRaw:     opts.OnRaw,
		onAuth:    opts.OnAuthFailure,
		rand:      opts.Rand,
		logger:    opts.Logger,
		status:    StatusIdle,
	}
}

// Key returns the station identity this channel is bound to.
func (c *Channel) Key() string { return c.key }

// Status returns the current connection state.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// LastError returns the most recent transport error.
func (c *Channel) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// LastFrame returns the most recently parsed inbound frame.
func (c *Channel) LastFrame() *Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFrame
}

// Activate points the channel at addr and starts connecting. Re-activating
// with the same address while already active is a no-op; an empty address
// deactivates.
func (c *Channel) Activate(addr string) {
	if strings.TrimSpace(addr) == "" {
		c.Deactivate()
		return
	}

	c.mu.Lock()
	if c.active && c.addr == addr {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.gen++
	gen := c.gen
	c.active = true
	c.addr = addr
	c.attempts = 0
	c.status = StatusConnecting
	c.mu.Unlock()

	c.logger.Info("push: channel activating", zap.String("station", c.key))
	go c.connect(gen)
}

// Deactivate tears the channel down and returns it to idle. Idempotent.
func (c *Channel) Deactivate() {
	c.mu.Lock()
	if !c.active && c.status == StatusIdle {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.active = false
	c.addr = ""
	c.status = StatusIdle
	c.teardownLocked()
	c.mu.Unlock()

	c.logger.Info("push: channel deactivated", zap.String("station", c.key))
}

// teardownLocked stops timers and closes the transport. Callers hold mu.
func (c *Channel) teardownLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.retryDone != nil {
		close(c.retryDone)
		c.retryDone = nil
	}
	if c.transport != nil {
		tr := c.transport
		c.transport = nil
		go tr.Close()
	}
}

// Send marshals v and writes it to the open transport. Fails fast with
// ErrNotConnected instead of queuing.
func (c *Channel) Send(v any) error {
	c.mu.Lock()
	tr := c.transport
	open := c.status == StatusOpen
	c.mu.Unlock()

	if !open || tr == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tr.WriteMessage(data)
}

func (c *Channel) currentLocked(gen int) bool {
	return c.active && c.gen == gen
}

func (c *Channel) connect(gen int) {
	c.mu.Lock()
	if !c.currentLocked(gen) {
		c.mu.Unlock()
		return
	}
	addr := c.addr
	c.status = StatusConnecting
	c.mu.Unlock()

	// Resolve the address per attempt: tokens baked into it may have been
	// refreshed since activation.
	if c.addrFunc != nil {
		if resolved := c.addrFunc(); resolved != "" {
			addr = resolved
		}
	}

	tr, err := c.dialer.Dial(context.Background(), addr)

	c.mu.Lock()
	if !c.currentLocked(gen) {
		c.mu.Unlock()
		if err == nil {
			tr.Close()
		}
		return
	}
	if err != nil {
		c.lastErr = err
		c.attempts++
		c.status = StatusClosed
		attempt := c.attempts
		delay := c.backoff.Delay(attempt, c.rand())
		c.mu.Unlock()
		c.logger.Warn("push: connect failed",
			zap.String("station", c.key),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		c.scheduleRetry(gen, delay)
		return
	}

	c.transport = tr
	c.attempts = 0
	c.lastErr = nil
	c.status = StatusOpen
	c.mu.Unlock()

	c.logger.Info("push: channel open", zap.String("station", c.key))
	done := make(chan struct{})
	go c.heartbeatLoop(tr, done)
	go c.readLoop(gen, tr, done)
}

func (c *Channel) scheduleRetry(gen int, delay time.Duration) {
	timer := c.clock.NewTimer(delay)
	done := make(chan struct{})

	c.mu.Lock()
	if !c.currentLocked(gen) {
		c.mu.Unlock()
		timer.Stop()
		return
	}
	c.retryTimer = timer
	c.retryDone = done
	c.mu.Unlock()

	go func() {
		// A stopped timer never fires; the done signal from teardown keeps
		// the goroutine from waiting on it forever.
		select {
		case <-timer.Chan():
			c.connect(gen)
		case <-done:
		}
	}()
}

func (c *Channel) readLoop(gen int, tr Transport, done chan struct{}) {
	defer close(done)
	for {
		data, err := tr.ReadMessage()
		if err != nil {
			c.handleClose(gen, err)
			return
		}

		frame, perr := ParseFrame(data)
		if perr != nil {
			// Malformed frames never crash the channel; the raw payload
			// is surfaced and the frame dropped.
			c.logger.Debug("push: malformed frame",
				zap.String("station", c.key), zap.Error(perr))
			if c.onRaw != nil {
				c.onRaw(data)
			}
			continue
		}

		c.mu.Lock()
		if !c.currentLocked(gen) {
			c.mu.Unlock()
			return
		}
		c.lastFrame = &frame
		c.mu.Unlock()

		if c.onFrame != nil {
			c.onFrame(frame)
		}
	}
}

func (c *Channel) heartbeatLoop(tr Transport, done chan struct{}) {
	ticker := c.clock.NewTicker(c.heartbeat)
	defer ticker.Stop()

	beat, _ := json.Marshal(envelope{Type: string(FrameHeartbeat)})
	for {
		select {
		case <-done:
			return
		case <-ticker.Chan():
			if err := tr.WriteMessage(beat); err != nil {
				// Half-open detection: the failed write makes the
				// transport close, which the read loop observes.
				c.logger.Debug("push: heartbeat write failed",
					zap.String("station", c.key), zap.Error(err))
				return
			}
		}
	}
}

func (c *Channel) handleClose(gen int, cause error) {
	c.mu.Lock()
	if !c.currentLocked(gen) {
		c.mu.Unlock()
		return
	}
	if c.transport != nil {
		c.transport.Close()
		c.transport = nil
	}
	c.lastErr = cause
	c.status = StatusClosed
	authCb := c.onAuth
	c.mu.Unlock()

	if IsAuthClose(cause) {
		c.logger.Warn("push: authorization rejected",
			zap.String("station", c.key), zap.Error(cause))
		proceed := false
		if authCb != nil {
			proceed = authCb(context.Background())
		}
		if !proceed {
			// Terminal: stay closed with the auth error tagged until a
			// fresh activation.
			c.mu.Lock()
			if c.currentLocked(gen) {
				c.active = false
			}
			c.mu.Unlock()
			return
		}
		// Refreshed credentials reconnect through the normal backoff so a
		// server that keeps rejecting tokens cannot drive a dial spin.
		c.mu.Lock()
		c.attempts++
		attempt := c.attempts
		delay := c.backoff.Delay(attempt, c.rand())
		c.mu.Unlock()
		c.logger.Info("push: reconnecting with refreshed credentials",
			zap.String("station", c.key),
			zap.Duration("retry_in", delay))
		c.scheduleRetry(gen, delay)
		return
	}

	c.mu.Lock()
	c.attempts++
	attempt := c.attempts
	delay := c.backoff.Delay(attempt, c.rand())
	c.mu.Unlock()

	c.logger.Info("push: channel closed, reconnecting",
		zap.String("station", c.key),
		zap.Duration("retry_in", delay),
		zap.Error(cause))
	c.scheduleRetry(gen, delay)
}

// IsAuthClose reports whether a transport error indicates an
// authentication or authorization failure.
func IsAuthClose(err error) bool {
	if err == nil {
		return false
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if authCloseCodes[closeErr.Code] {
			return true
		}
		return containsAuthHint(closeErr.Text)
	}
	return containsAuthHint(err.Error())
}

func containsAuthHint(text string) bool {
	text = strings.ToLower(text)
	for _, hint := range []string{"auth", "unauthorized", "forbidden", "token"} {
		if strings.Contains(text, hint) {
			return true
		}
	}
	return false
}
