// Package transport owns the single logical connection to the chat server
// and its reliability state machine: authentication-gated connects,
// exponential-backoff reconnection with an attempt ceiling, and
// application-level ping/pong liveness probing.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/glowingkitty/matesync/internal/common"
	"github.com/glowingkitty/matesync/internal/logging"
	"github.com/glowingkitty/matesync/internal/protocol"
	"github.com/gorilla/websocket"
)

// State of the connection state machine.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	// StateFailed is terminal: the server rejected authentication with a
	// policy-violation close. No automatic reconnection happens from here.
	StateFailed State = "failed"
)

// Conn is the subset of *websocket.Conn the state machine uses. Tests
// substitute scripted implementations.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Dialer opens one connection attempt.
type Dialer interface {
	Dial(ctx context.Context, url string, accessToken string) (Conn, error)
}

// Auth is what the transport needs to know about the session.
type Auth interface {
	Authenticated() bool
	AccessToken() string
}

// Config tunes the state machine.
type Config struct {
	URL string

	// BackoffBase doubles per attempt up to BackoffMax; after MaxAttempts
	// failed attempts the machine gives up instead of looping forever.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	MaxAttempts int

	// PingInterval spaces liveness probes; a probe unanswered within
	// PongTimeout marks the connection stale and closes it proactively.
	PingInterval time.Duration
	PongTimeout  time.Duration
}

// Handler receives every inbound envelope except pong.
type Handler func(protocol.Envelope)

// Callbacks notify the owner about state transitions and terminal events.
type Callbacks struct {
	// OnState is invoked on every state change.
	OnState func(State)
	// OnConnected is invoked after each successful (re)connect; the outbox
	// replay hangs off this.
	OnConnected func()
	// OnGiveUp is invoked when reconnection exceeded MaxAttempts.
	OnGiveUp func()
	// OnAuthRejected is invoked on a policy-violation close.
	OnAuthRejected func()
}

// Transport is the singleton connection owner. All shared state is guarded
// by mu; goroutines spawned for a connection attempt carry the attempt's
// generation number and discard their events once superseded.
type Transport struct {
	cfg     Config
	dialer  Dialer
	auth    Auth
	handler Handler
	cb      Callbacks
	log     logging.Logger

	mu     sync.Mutex
	state  State
	conn   Conn
	gen    int // current connection generation
	closed bool

	// stateChanged is closed and replaced on every state transition so
	// senders can await the outcome of an in-flight connection attempt.
	stateChanged chan struct{}

	// writeMu serializes writers on the live connection; the websocket
	// permits at most one concurrent writer, and the ping loop always
	// coexists with caller sends.
	writeMu sync.Mutex

	pongCh chan struct{}

	// sleep is swapped in tests to observe backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs a disconnected transport.
func New(cfg Config, dialer Dialer, auth Auth, handler Handler, cb Callbacks, log logging.Logger) *Transport {
	if dialer == nil {
		dialer = &WSDialer{}
	}
	return &Transport{
		cfg:          cfg,
		dialer:       dialer,
		auth:         auth,
		handler:      handler,
		cb:           cb,
		log:          log,
		state:        StateDisconnected,
		stateChanged: make(chan struct{}),
		sleep:        sleepCtx,
	}
}

// WSDialer dials with gorilla/websocket, carrying the access token as a
// bearer header.
type WSDialer struct{}

func (d *WSDialer) Dial(ctx context.Context, url string, accessToken string) (Conn, error) {
	header := map[string][]string{"Authorization": {"Bearer " + accessToken}}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// State returns the current machine state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) setState(s State) {
	t.state = s
	close(t.stateChanged)
	t.stateChanged = make(chan struct{})
	if t.cb.OnState != nil {
		// callbacks run outside the lock
		go t.cb.OnState(s)
	}
}

// Connect performs one connection attempt. It is a no-op when a connection
// or attempt already exists, and refuses to dial while the session is not
// authenticated or after a terminal auth rejection.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateFailed {
		t.mu.Unlock()
		return common.ErrUnauthorized
	}
	if t.state == StateConnected || t.state == StateConnecting || t.state == StateReconnecting {
		t.mu.Unlock()
		return nil
	}
	if !t.auth.Authenticated() {
		t.mu.Unlock()
		return common.ErrUnauthorized
	}
	t.setState(StateConnecting)
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	return t.dial(ctx, gen)
}

// dial performs the attempt for generation gen and starts the read and ping
// loops on success.
func (t *Transport) dial(ctx context.Context, gen int) error {
	conn, err := t.dialer.Dial(ctx, t.cfg.URL, t.auth.AccessToken())

	t.mu.Lock()
	if gen != t.gen || t.closed {
		// a newer attempt superseded this one
		t.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return common.ErrNotConnected
	}
	if err != nil {
		t.setState(StateDisconnected)
		t.mu.Unlock()
		return fmt.Errorf("%w: %v", common.ErrNotConnected, err)
	}

	t.conn = conn
	t.pongCh = make(chan struct{}, 1)
	t.setState(StateConnected)
	t.mu.Unlock()

	t.log.Info(ctx, "connected", "url", t.cfg.URL)

	go t.readLoop(gen, conn)
	go t.pingLoop(gen, conn)

	if t.cb.OnConnected != nil {
		go t.cb.OnConnected()
	}
	return nil
}

// Send marshals an envelope and writes it to the live connection. When a
// connection attempt is already in flight it awaits the outcome instead of
// failing; when disconnected it attempts one connect itself. A
// distinguishable ErrNotConnected is returned when no live connection can be
// ensured, leaving queue-or-fail decisions to the caller.
func (t *Transport) Send(ctx context.Context, msgType string, payload any) error {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}

	for {
		t.mu.Lock()
		switch t.state {
		case StateConnected:
			conn := t.conn
			t.mu.Unlock()
			if conn == nil {
				return common.ErrNotConnected
			}
			if err := t.writeEnvelope(conn, env); err != nil {
				return fmt.Errorf("%w: %v", common.ErrNotConnected, err)
			}
			return nil

		case StateConnecting, StateReconnecting:
			changed := t.stateChanged
			t.mu.Unlock()
			select {
			case <-changed:
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", common.ErrNotConnected, ctx.Err())
			}

		default:
			t.mu.Unlock()
			if err := t.Connect(ctx); err != nil {
				return fmt.Errorf("%w: %v", common.ErrNotConnected, err)
			}
		}
	}
}

// writeEnvelope is the single funnel for connection writes; gorilla/websocket
// allows at most one concurrent writer per connection.
func (t *Transport) writeEnvelope(conn Conn, env protocol.Envelope) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteJSON(env)
}

// Close disconnects deliberately; no reconnection is attempted.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.gen++ // invalidate running loops
	conn := t.conn
	t.conn = nil
	t.setState(StateDisconnected)
	t.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// readLoop pumps inbound envelopes for one connection generation.
func (t *Transport) readLoop(gen int, conn Conn) {
	for {
		var env protocol.Envelope
		err := conn.ReadJSON(&env)

		t.mu.Lock()
		current := gen == t.gen && !t.closed
		t.mu.Unlock()
		if !current {
			// superseded attempt; its events must not mutate shared state
			return
		}

		if err != nil {
			t.handleReadError(err, gen)
			return
		}

		if env.Type == protocol.TypePong {
			t.mu.Lock()
			ch := t.pongCh
			t.mu.Unlock()
			select {
			case ch <- struct{}{}:
			default:
			}
			continue
		}

		if t.handler != nil {
			t.handler(env)
		}
	}
}

// handleReadError classifies a connection loss: policy violation is a
// terminal auth rejection, everything else takes the reconnect path.
func (t *Transport) handleReadError(err error, gen int) {
	ctx := context.Background()

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == websocket.ClosePolicyViolation {
		t.mu.Lock()
		if gen == t.gen {
			t.conn = nil
			t.setState(StateFailed)
		}
		t.mu.Unlock()
		t.log.Error(ctx, "connection closed by policy violation, not reconnecting")
		if t.cb.OnAuthRejected != nil {
			t.cb.OnAuthRejected()
		}
		return
	}

	t.log.Warn(ctx, "connection lost", "error", err)

	t.mu.Lock()
	if gen != t.gen || t.closed {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.setState(StateReconnecting)
	t.mu.Unlock()

	t.reconnectLoop(ctx)
}

// reconnectLoop retries with exponential backoff (base doubling per attempt,
// capped) up to the attempt ceiling, then surfaces a give-up notification.
func (t *Transport) reconnectLoop(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.cfg.BackoffBase
	bo.MaxInterval = t.cfg.BackoffMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	for attempt := 1; attempt <= t.cfg.MaxAttempts; attempt++ {
		delay := bo.NextBackOff()
		if err := t.sleep(ctx, delay); err != nil {
			return
		}

		t.mu.Lock()
		if t.closed || t.state == StateFailed {
			t.mu.Unlock()
			return
		}
		if !t.auth.Authenticated() {
			t.setState(StateDisconnected)
			t.mu.Unlock()
			return
		}
		t.gen++
		gen := t.gen
		t.mu.Unlock()

		t.log.Info(ctx, "reconnecting", "attempt", attempt, "delay", delay)

		if err := t.dial(ctx, gen); err == nil {
			return
		}

		t.mu.Lock()
		t.setState(StateReconnecting)
		t.mu.Unlock()
	}

	t.mu.Lock()
	t.setState(StateDisconnected)
	t.mu.Unlock()

	t.log.Error(ctx, "giving up after reconnect ceiling", "attempts", t.cfg.MaxAttempts)
	if t.cb.OnGiveUp != nil {
		t.cb.OnGiveUp()
	}
}

// pingLoop emits periodic liveness pings while the generation is current.
// A ping unanswered within PongTimeout converts a silently dead connection
// into a detected failure by closing it, which trips the read loop into the
// reconnect path.
func (t *Transport) pingLoop(gen int, conn Conn) {
	if t.cfg.PingInterval <= 0 {
		return
	}

	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for range ticker.C {
		t.mu.Lock()
		current := gen == t.gen && !t.closed
		ch := t.pongCh
		t.mu.Unlock()
		if !current {
			return
		}

		env, _ := protocol.NewEnvelope(protocol.TypePing, nil)
		if err := t.writeEnvelope(conn, env); err != nil {
			return // the read loop will notice the dead connection
		}

		select {
		case <-ch:
		case <-time.After(t.cfg.PongTimeout):
			t.mu.Lock()
			stale := gen == t.gen && !t.closed
			t.mu.Unlock()
			if stale {
				t.log.Warn(context.Background(), "liveness probe timed out, closing stale connection")
				_ = conn.Close()
			}
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
