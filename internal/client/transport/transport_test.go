package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glowingkitty/matesync/internal/common"
	"github.com/glowingkitty/matesync/internal/logging"
	"github.com/glowingkitty/matesync/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type readResult struct {
	env protocol.Envelope
	err error
}

type fakeConn struct {
	mu        sync.Mutex
	reads     chan readResult
	written   []protocol.Envelope
	closed    chan struct{}
	closeOnce sync.Once

	inWrite    int32
	overlapped int32
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads:  make(chan readResult, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadJSON(v any) error {
	select {
	case r := <-c.reads:
		if r.err != nil {
			return r.err
		}
		*(v.(*protocol.Envelope)) = r.env
		return nil
	case <-c.closed:
		return errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	// a second writer entering while one is mid-write is recorded, since the
	// real connection tolerates only a single writer at a time
	if !atomic.CompareAndSwapInt32(&c.inWrite, 0, 1) {
		atomic.StoreInt32(&c.overlapped, 1)
	}
	time.Sleep(100 * time.Microsecond)
	c.mu.Lock()
	c.written = append(c.written, v.(protocol.Envelope))
	c.mu.Unlock()
	atomic.StoreInt32(&c.inWrite, 0)
	return nil
}

func (c *fakeConn) sawOverlap() bool {
	return atomic.LoadInt32(&c.overlapped) == 1
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn // nil entry means the attempt fails
	calls int
}

func (d *fakeDialer) Dial(_ context.Context, _ string, _ string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.conns) == 0 {
		return nil, errors.New("dial failed")
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	if conn == nil {
		return nil, errors.New("dial failed")
	}
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// blockingDialer parks every attempt until release is closed.
type blockingDialer struct {
	release chan struct{}
	conn    *fakeConn
}

func (d *blockingDialer) Dial(ctx context.Context, _ string, _ string) (Conn, error) {
	select {
	case <-d.release:
		return d.conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type authStub struct{ ok bool }

func (a *authStub) Authenticated() bool { return a.ok }
func (a *authStub) AccessToken() string { return "token" }

func discardLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testConfig() Config {
	return Config{
		URL:         "ws://example/sync",
		BackoffBase: time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
		MaxAttempts: 3,
	}
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestConnect_RequiresAuthentication(t *testing.T) {
	tr := New(testConfig(), &fakeDialer{}, &authStub{ok: false}, nil, Callbacks{}, discardLogger())

	err := tr.Connect(context.Background())
	assert.ErrorIs(t, err, common.ErrUnauthorized)
	assert.Equal(t, StateDisconnected, tr.State())
}

func TestConnect_Success(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}

	connected := make(chan struct{})
	tr := New(testConfig(), dialer, &authStub{ok: true}, nil, Callbacks{
		OnConnected: func() { close(connected) },
	}, discardLogger())

	require.NoError(t, tr.Connect(context.Background()))
	waitFor(t, connected, "connect")
	assert.Equal(t, StateConnected, tr.State())

	// a second Connect while connected is a no-op
	require.NoError(t, tr.Connect(context.Background()))
	assert.Equal(t, 1, dialer.dialCount())

	_ = tr.Close()
}

func TestReconnect_CeilingAndBackoff(t *testing.T) {
	conn := newFakeConn()
	// first dial succeeds, every reconnect attempt fails
	dialer := &fakeDialer{conns: []*fakeConn{conn}}

	gaveUp := make(chan struct{})
	tr := New(testConfig(), dialer, &authStub{ok: true}, nil, Callbacks{
		OnGiveUp: func() { close(gaveUp) },
	}, discardLogger())

	var mu sync.Mutex
	var delays []time.Duration
	tr.sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return nil
	}

	require.NoError(t, tr.Connect(context.Background()))

	// abnormal closure triggers the reconnect path
	conn.reads <- readResult{err: errors.New("connection reset")}

	waitFor(t, gaveUp, "give-up notification")

	assert.Equal(t, 1+testConfig().MaxAttempts, dialer.dialCount())
	assert.Equal(t, StateDisconnected, tr.State())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delays, testConfig().MaxAttempts)
	for i, d := range delays {
		assert.LessOrEqual(t, d, testConfig().BackoffMax)
		if i > 0 {
			assert.GreaterOrEqual(t, d, delays[i-1], "backoff must be non-decreasing")
		}
	}
}

func TestPolicyViolation_TerminalNoReconnect(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}

	rejected := make(chan struct{})
	tr := New(testConfig(), dialer, &authStub{ok: true}, nil, Callbacks{
		OnAuthRejected: func() { close(rejected) },
	}, discardLogger())

	require.NoError(t, tr.Connect(context.Background()))

	conn.reads <- readResult{err: &websocket.CloseError{Code: websocket.ClosePolicyViolation}}

	waitFor(t, rejected, "auth rejection")
	assert.Equal(t, StateFailed, tr.State())
	assert.Equal(t, 1, dialer.dialCount()) // no reconnect attempts

	// connects from the terminal state are refused
	assert.ErrorIs(t, tr.Connect(context.Background()), common.ErrUnauthorized)
}

func TestSend_NotConnected(t *testing.T) {
	tr := New(testConfig(), &fakeDialer{}, &authStub{ok: true}, nil, Callbacks{}, discardLogger())

	err := tr.Send(context.Background(), protocol.TypeDeleteDraft, protocol.DeleteDraftPayload{ChatID: "c1"})
	assert.ErrorIs(t, err, common.ErrNotConnected)
}

func TestSend_WritesEnvelope(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	tr := New(testConfig(), dialer, &authStub{ok: true}, nil, Callbacks{}, discardLogger())

	require.NoError(t, tr.Connect(context.Background()))
	require.NoError(t, tr.Send(context.Background(), protocol.TypeSetActiveChat, protocol.SetActiveChatPayload{ChatID: "c1"}))

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.written, 1)
	assert.Equal(t, protocol.TypeSetActiveChat, conn.written[0].Type)
}

func TestSend_SerializedWithPingLoop(t *testing.T) {
	cfg := testConfig()
	cfg.PingInterval = time.Millisecond
	cfg.PongTimeout = 100 * time.Millisecond

	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	tr := New(cfg, dialer, &authStub{ok: true}, nil, Callbacks{}, discardLogger())

	require.NoError(t, tr.Connect(context.Background()))

	// answer pings so the loop keeps writing throughout the test
	stop := make(chan struct{})
	var feed sync.WaitGroup
	feed.Add(1)
	go func() {
		defer feed.Done()
		for {
			select {
			case <-stop:
				return
			case conn.reads <- readResult{env: protocol.Envelope{Type: protocol.TypePong}}:
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				assert.NoError(t, tr.Send(context.Background(), protocol.TypeSetActiveChat, protocol.SetActiveChatPayload{ChatID: "c1"}))
			}
		}()
	}
	wg.Wait()

	close(stop)
	feed.Wait()
	require.NoError(t, tr.Close())

	assert.False(t, conn.sawOverlap(), "connection writes interleaved")

	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.GreaterOrEqual(t, len(conn.written), 100)
}

func TestSend_AwaitsInFlightConnect(t *testing.T) {
	conn := newFakeConn()
	dialer := &blockingDialer{release: make(chan struct{}), conn: conn}
	tr := New(testConfig(), dialer, &authStub{ok: true}, nil, Callbacks{}, discardLogger())

	go func() { _ = tr.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return tr.State() == StateConnecting }, 2*time.Second, time.Millisecond)

	sendDone := make(chan error, 1)
	go func() {
		sendDone <- tr.Send(context.Background(), protocol.TypeSetActiveChat, protocol.SetActiveChatPayload{ChatID: "c1"})
	}()

	// the send must wait for the attempt in flight, not fail fast
	select {
	case err := <-sendDone:
		t.Fatalf("send resolved before the attempt did: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(dialer.release)

	select {
	case err := <-sendDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for send")
	}

	require.NoError(t, tr.Close())

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.written, 1)
	assert.Equal(t, protocol.TypeSetActiveChat, conn.written[0].Type)
}

func TestSend_CanceledWhileConnecting(t *testing.T) {
	dialer := &blockingDialer{release: make(chan struct{}), conn: newFakeConn()}
	tr := New(testConfig(), dialer, &authStub{ok: true}, nil, Callbacks{}, discardLogger())

	go func() { _ = tr.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return tr.State() == StateConnecting }, 2*time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := tr.Send(ctx, protocol.TypeDeleteDraft, protocol.DeleteDraftPayload{ChatID: "c1"})
	assert.ErrorIs(t, err, common.ErrNotConnected)

	close(dialer.release)
	_ = tr.Close()
}

func TestPingLoop_StaleConnectionClosed(t *testing.T) {
	cfg := testConfig()
	cfg.PingInterval = 5 * time.Millisecond
	cfg.PongTimeout = 5 * time.Millisecond

	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	tr := New(cfg, dialer, &authStub{ok: true}, nil, Callbacks{}, discardLogger())
	tr.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	require.NoError(t, tr.Connect(context.Background()))

	// no pong ever arrives; the stale connection must be closed proactively
	waitFor(t, conn.closed, "stale connection close")
}

func TestPingLoop_PongKeepsConnectionAlive(t *testing.T) {
	cfg := testConfig()
	cfg.PingInterval = 5 * time.Millisecond
	cfg.PongTimeout = 50 * time.Millisecond

	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	tr := New(cfg, dialer, &authStub{ok: true}, nil, Callbacks{}, discardLogger())

	require.NoError(t, tr.Connect(context.Background()))

	// answer every ping with a pong for a while
	deadline := time.After(60 * time.Millisecond)
	for {
		select {
		case <-deadline:
			assert.False(t, conn.isClosed())
			assert.Equal(t, StateConnected, tr.State())
			_ = tr.Close()
			return
		default:
		}
		conn.mu.Lock()
		n := len(conn.written)
		conn.mu.Unlock()
		if n > 0 {
			conn.reads <- readResult{env: protocol.Envelope{Type: protocol.TypePong}}
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSupersededConnectionEventsDiscarded(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	tr := New(testConfig(), dialer, &authStub{ok: true}, nil, Callbacks{}, discardLogger())

	require.NoError(t, tr.Connect(context.Background()))
	require.NoError(t, tr.Close())

	// an error surfacing from the old generation must not restart anything
	conn.reads <- readResult{err: errors.New("late failure")}
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, StateDisconnected, tr.State())
	assert.Equal(t, 1, dialer.dialCount())
}
