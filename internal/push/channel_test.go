package push

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

type readResult struct {
	data []byte
	err  error
}

type fakeTransport struct {
	mu     sync.Mutex
	recv   chan readResult
	writes [][]byte
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{recv: make(chan readResult, 16)}
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	r, ok := <-f.recv
	if !ok {
		return nil, errors.New("transport closed")
	}
	return r.data, r.err
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("transport closed")
	}
	f.writes = append(f.writes, data)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.recv)
	}
	return nil
}

func (f *fakeTransport) deliver(data []byte) { f.recv <- readResult{data: data} }
func (f *fakeTransport) fail(err error)      { f.recv <- readResult{err: err} }

func (f *fakeTransport) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	addrs      []string
	dials      int
	failAll    bool
	factory    func() Transport
}

func (d *fakeDialer) Dial(ctx context.Context, addr string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.addrs = append(d.addrs, addr)
	if d.factory != nil {
		return d.factory(), nil
	}
	if d.failAll || len(d.transports) == 0 {
		return nil, errors.New("dial refused")
	}
	tr := d.transports[0]
	if len(d.transports) > 1 {
		d.transports = d.transports[1:]
	}
	return tr, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) addrAt(i int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.addrs) {
		return ""
	}
	return d.addrs[i]
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// advanceUntil steps the fake clock forward until the condition holds,
// tolerating timer-registration races.
func advanceUntil(t *testing.T, fc *clockwork.FakeClock, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		fc.Advance(time.Second)
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met while advancing clock")
}

func newTestChannel(t *testing.T, dialer Dialer, fc *clockwork.FakeClock, authCb AuthFailureFunc) (*Channel, *[]Frame) {
	t.Helper()
	var mu sync.Mutex
	frames := &[]Frame{}
	ch := NewChannel(Options{
		Key:    "CP-1",
		Dialer: dialer,
		Clock:  fc,
		Backoff: Backoff{
			Base: time.Second,
			Max:  30 * time.Second,
		},
		Heartbeat: 10 * time.Second,
		OnFrame: func(f Frame) {
			mu.Lock()
			*frames = append(*frames, f)
			mu.Unlock()
		},
		OnAuthFailure: authCb,
		Rand:          func() float64 { return 0.5 },
	})
	t.Cleanup(ch.Deactivate)
	return ch, frames
}

func TestChannelConnectsAndDeliversFrames(t *testing.T) {
	tr := newFakeTransport()
	dialer := &fakeDialer{transports: []*fakeTransport{tr}}
	fc := clockwork.NewFakeClock()
	ch, frames := newTestChannel(t, dialer, fc, nil)

	ch.Activate("ws://sim/ws/stations/CP-1")
	waitFor(t, time.Second, func() bool { return ch.Status() == StatusOpen })

	tr.deliver([]byte(`{"type":"heartbeat","data":{"stationId":"CP-1"}}`))
	waitFor(t, time.Second, func() bool { return len(*frames) == 1 })

	last := ch.LastFrame()
	if last == nil || last.Type != FrameHeartbeat {
		t.Fatalf("expected heartbeat as last frame, got %+v", last)
	}
}

func TestChannelRetriesWithBackoff(t *testing.T) {
	dialer := &fakeDialer{failAll: true}
	fc := clockwork.NewFakeClock()
	ch, _ := newTestChannel(t, dialer, fc, nil)

	ch.Activate("ws://sim/ws/stations/CP-1")
	waitFor(t, time.Second, func() bool { return dialer.dialCount() == 1 })

	if ch.Status() != StatusClosed {
		t.Fatalf("expected closed after failed dial, got %s", ch.Status())
	}
	if ch.LastError() == nil {
		t.Fatalf("expected last error to be set")
	}

	advanceUntil(t, fc, func() bool { return dialer.dialCount() >= 3 })
}

func TestChannelMalformedFrameSurfacedNotFatal(t *testing.T) {
	tr := newFakeTransport()
	dialer := &fakeDialer{transports: []*fakeTransport{tr}}
	fc := clockwork.NewFakeClock()

	var rawMu sync.Mutex
	var raws [][]byte
	ch := NewChannel(Options{
		Key:    "CP-1",
		Dialer: dialer,
		Clock:  fc,
		OnRaw: func(data []byte) {
			rawMu.Lock()
			raws = append(raws, data)
			rawMu.Unlock()
		},
		Rand: func() float64 { return 0.5 },
	})
	t.Cleanup(ch.Deactivate)

	ch.Activate("ws://sim/ws/stations/CP-1")
	waitFor(t, time.Second, func() bool { return ch.Status() == StatusOpen })

	tr.deliver([]byte(`garbage`))
	waitFor(t, time.Second, func() bool {
		rawMu.Lock()
		defer rawMu.Unlock()
		return len(raws) == 1
	})

	if ch.Status() != StatusOpen {
		t.Fatalf("malformed frame must not close the channel, got %s", ch.Status())
	}
}

func TestChannelReconnectsAfterTransportClose(t *testing.T) {
	first := newFakeTransport()
	second := newFakeTransport()
	dialer := &fakeDialer{transports: []*fakeTransport{first, second}}
	fc := clockwork.NewFakeClock()
	ch, _ := newTestChannel(t, dialer, fc, nil)

	ch.Activate("ws://sim/ws/stations/CP-1")
	waitFor(t, time.Second, func() bool { return ch.Status() == StatusOpen })

	first.fail(errors.New("connection reset"))
	waitFor(t, time.Second, func() bool { return ch.Status() == StatusClosed })

	advanceUntil(t, fc, func() bool { return ch.Status() == StatusOpen })
	if dialer.dialCount() != 2 {
		t.Fatalf("expected 2 dials, got %d", dialer.dialCount())
	}
}

func TestChannelAuthCloseRefreshSucceeds(t *testing.T) {
	first := newFakeTransport()
	second := newFakeTransport()
	dialer := &fakeDialer{transports: []*fakeTransport{first, second}}
	fc := clockwork.NewFakeClock()

	var authCalls int
	var mu sync.Mutex
	ch, _ := newTestChannel(t, dialer, fc, func(ctx context.Context) bool {
		mu.Lock()
		authCalls++
		mu.Unlock()
		return true
	})

	ch.Activate("ws://sim/ws/stations/CP-1")
	waitFor(t, time.Second, func() bool { return ch.Status() == StatusOpen })

	first.fail(&websocket.CloseError{Code: 4401, Text: "token expired"})
	waitFor(t, time.Second, func() bool { return ch.Status() == StatusClosed })

	// the reconnect waits out a backoff delay instead of dialing at once
	advanceUntil(t, fc, func() bool { return ch.Status() == StatusOpen && dialer.dialCount() == 2 })

	mu.Lock()
	defer mu.Unlock()
	if authCalls != 1 {
		t.Fatalf("expected 1 auth callback invocation, got %d", authCalls)
	}
}

func TestChannelAuthRecoveryDialsRefreshedAddress(t *testing.T) {
	first := newFakeTransport()
	second := newFakeTransport()
	dialer := &fakeDialer{transports: []*fakeTransport{first, second}}
	fc := clockwork.NewFakeClock()

	var mu sync.Mutex
	token := "stale"
	ch := NewChannel(Options{
		Key:    "CP-1",
		Dialer: dialer,
		Clock:  fc,
		AddrFunc: func() string {
			mu.Lock()
			defer mu.Unlock()
			return "ws://sim/ws/stations/CP-1?token=" + token
		},
		Backoff: Backoff{Base: time.Second, Max: 30 * time.Second},
		OnAuthFailure: func(ctx context.Context) bool {
			mu.Lock()
			token = "fresh"
			mu.Unlock()
			return true
		},
		Rand: func() float64 { return 0.5 },
	})
	t.Cleanup(ch.Deactivate)

	ch.Activate("ws://sim/ws/stations/CP-1")
	waitFor(t, time.Second, func() bool { return ch.Status() == StatusOpen })
	if got := dialer.addrAt(0); got != "ws://sim/ws/stations/CP-1?token=stale" {
		t.Fatalf("unexpected first dial address %q", got)
	}

	first.fail(&websocket.CloseError{Code: 4401, Text: "token expired"})
	advanceUntil(t, fc, func() bool { return dialer.dialCount() == 2 })

	if got := dialer.addrAt(1); got != "ws://sim/ws/stations/CP-1?token=fresh" {
		t.Fatalf("reconnect must carry the refreshed token, dialed %q", got)
	}
}

func TestChannelRepeatedAuthRejectionsAreThrottled(t *testing.T) {
	// every dial succeeds but the server rejects the token on first read
	dialer := &fakeDialer{factory: func() Transport {
		tr := newFakeTransport()
		tr.fail(&websocket.CloseError{Code: 4401, Text: "token expired"})
		return tr
	}}
	fc := clockwork.NewFakeClock()

	var mu sync.Mutex
	refreshes := 0
	ch, _ := newTestChannel(t, dialer, fc, func(ctx context.Context) bool {
		mu.Lock()
		refreshes++
		mu.Unlock()
		return true
	})

	ch.Activate("ws://sim/ws/stations/CP-1")
	waitFor(t, time.Second, func() bool { return dialer.dialCount() == 1 && ch.Status() == StatusClosed })

	// without the clock moving no refresh/dial cycle can run again
	time.Sleep(20 * time.Millisecond)
	if dialer.dialCount() != 1 {
		t.Fatalf("expected the reject cycle to wait for backoff, got %d dials", dialer.dialCount())
	}

	advanceUntil(t, fc, func() bool { return dialer.dialCount() >= 3 })
	mu.Lock()
	defer mu.Unlock()
	if refreshes < 2 {
		t.Fatalf("expected a refresh per cycle, got %d", refreshes)
	}
}

func TestChannelAuthCloseRefreshDeclinedHalts(t *testing.T) {
	first := newFakeTransport()
	dialer := &fakeDialer{transports: []*fakeTransport{first}}
	fc := clockwork.NewFakeClock()
	ch, _ := newTestChannel(t, dialer, fc, func(ctx context.Context) bool { return false })

	ch.Activate("ws://sim/ws/stations/CP-1")
	waitFor(t, time.Second, func() bool { return ch.Status() == StatusOpen })

	first.fail(&websocket.CloseError{Code: 4401, Text: "token expired"})
	waitFor(t, time.Second, func() bool { return ch.Status() == StatusClosed })

	// no further retries until a fresh activation
	fc.Advance(10 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	if dialer.dialCount() != 1 {
		t.Fatalf("expected no reconnect after declined refresh, got %d dials", dialer.dialCount())
	}
	if !IsAuthClose(ch.LastError()) {
		t.Fatalf("expected auth error to stay tagged, got %v", ch.LastError())
	}
}

func TestChannelHeartbeatWhileOpen(t *testing.T) {
	tr := newFakeTransport()
	dialer := &fakeDialer{transports: []*fakeTransport{tr}}
	fc := clockwork.NewFakeClock()
	ch, _ := newTestChannel(t, dialer, fc, nil)

	ch.Activate("ws://sim/ws/stations/CP-1")
	waitFor(t, time.Second, func() bool { return ch.Status() == StatusOpen })

	advanceUntil(t, fc, func() bool { return tr.writeCount() >= 2 })
}

func TestChannelSendFailsFastWhenNotOpen(t *testing.T) {
	dialer := &fakeDialer{failAll: true}
	fc := clockwork.NewFakeClock()
	ch, _ := newTestChannel(t, dialer, fc, nil)

	if err := ch.Send(map[string]string{"type": "command"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestChannelActivateIdempotentAndDeactivate(t *testing.T) {
	tr := newFakeTransport()
	dialer := &fakeDialer{transports: []*fakeTransport{tr}}
	fc := clockwork.NewFakeClock()
	ch, _ := newTestChannel(t, dialer, fc, nil)

	addr := "ws://sim/ws/stations/CP-1"
	ch.Activate(addr)
	waitFor(t, time.Second, func() bool { return ch.Status() == StatusOpen })

	// re-activating the same address is a no-op
	ch.Activate(addr)
	time.Sleep(10 * time.Millisecond)
	if dialer.dialCount() != 1 {
		t.Fatalf("expected a single dial, got %d", dialer.dialCount())
	}

	ch.Deactivate()
	if ch.Status() != StatusIdle {
		t.Fatalf("expected idle after deactivate, got %s", ch.Status())
	}
	ch.Deactivate() // idempotent

	// deactivated channel never reconnects
	fc.Advance(10 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	if dialer.dialCount() != 1 {
		t.Fatalf("expected no dial after deactivation, got %d", dialer.dialCount())
	}
}

func TestDeactivateReleasesPendingRetry(t *testing.T) {
	dialer := &fakeDialer{failAll: true}
	fc := clockwork.NewFakeClock()
	ch, _ := newTestChannel(t, dialer, fc, nil)

	before := runtime.NumGoroutine()

	ch.Activate("ws://sim/ws/stations/CP-1")
	waitFor(t, time.Second, func() bool { return dialer.dialCount() == 1 })

	// a retry timer is pending; teardown must release its goroutine even
	// though the stopped timer never fires
	ch.Deactivate()
	waitFor(t, time.Second, func() bool { return runtime.NumGoroutine() <= before })

	fc.Advance(10 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	if dialer.dialCount() != 1 {
		t.Fatalf("expected no dial after deactivation, got %d", dialer.dialCount())
	}
}

func TestIsAuthClose(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&websocket.CloseError{Code: 4401}, true},
		{&websocket.CloseError{Code: 4403}, true},
		{&websocket.CloseError{Code: websocket.ClosePolicyViolation}, true},
		{&websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "bye"}, false},
		{&websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "unauthorized"}, true},
		{errors.New("read: connection reset"), false},
		{errors.New("invalid token"), true},
		{nil, false},
	}
	for _, tc := range cases {
		if got := IsAuthClose(tc.err); got != tc.want {
			t.Fatalf("IsAuthClose(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
