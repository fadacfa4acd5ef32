// Package agent keeps a single control-channel WebSocket alive across
// failures and fans every inbound protocol message out to its subscribers.
//
// All agent state (the connection, the subscriber list, the lifecycle state)
// is owned by one actor goroutine. Dialing, reading, pinging and the retry
// timer run on their own goroutines and post their results back into the
// actor's inbox, tagged with the connection generation they belong to, so
// events from a connection that has since been replaced are ignored.
package agent

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/1ureka/morph/internal/protocol"
	"github.com/1ureka/morph/internal/util"
)

const (
	// DefaultReconnectDelay is the fixed pause between a transport failure
	// and the next connection attempt.
	DefaultReconnectDelay = 3 * time.Second

	defaultWriteWait = 10 * time.Second
	inboxSize        = 256
)

// State is the lifecycle state of the agent's channel.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Options configures an Agent.
type Options struct {
	// URL is the ws:// or wss:// endpoint.
	URL    string
	Header http.Header

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Backoff yields the delay before each reconnection attempt. Defaults to
	// a constant DefaultReconnectDelay; returning backoff.Stop ends retries.
	Backoff backoff.BackOff

	// WriteWait bounds every frame write. Defaults to 10s.
	WriteWait time.Duration

	// PingInterval enables keepalive pings when positive. A connection that
	// does not answer within two intervals is treated as failed.
	PingInterval time.Duration

	Logger *util.Logger
}

type subscriber struct {
	id uint64
	fn func(protocol.Message)
}

// Agent owns one persistent control channel.
type Agent struct {
	url       string
	header    http.Header
	dialer    *websocket.Dialer
	backoff   backoff.BackOff
	writeWait time.Duration
	ping      time.Duration
	log       *util.Logger

	ctx   context.Context
	inbox chan func()
	done  chan struct{}
	state atomic.Int32
	subID atomic.Uint64

	// Owned by the actor goroutine.
	subs     []subscriber
	conn     *websocket.Conn
	connDone chan struct{}
	gen      uint64
	retry    *time.Timer
}

// New creates an agent and starts its actor. Nothing is dialed until the
// first subscriber arrives. The agent stops when ctx is cancelled.
func New(ctx context.Context, opts Options) *Agent {
	a := &Agent{
		url:       opts.URL,
		header:    opts.Header,
		dialer:    opts.Dialer,
		backoff:   opts.Backoff,
		writeWait: opts.WriteWait,
		ping:      opts.PingInterval,
		log:       opts.Logger,
		ctx:       ctx,
		inbox:     make(chan func(), inboxSize),
		done:      make(chan struct{}),
	}
	if a.dialer == nil {
		a.dialer = websocket.DefaultDialer
	}
	if a.backoff == nil {
		a.backoff = backoff.NewConstantBackOff(DefaultReconnectDelay)
	}
	if a.writeWait <= 0 {
		a.writeWait = defaultWriteWait
	}
	if a.log == nil {
		a.log = util.NewLogger("agent")
	}

	go a.loop()
	return a
}

// ---------------------------------------------------------------------------
// Public API
// ---------------------------------------------------------------------------

// Subscribe registers fn to receive every message delivered after this call.
// It opens the channel if none is open. fn runs on the agent's goroutine and
// must not block.
//
// The returned function removes fn; removing the last subscriber closes the
// channel. Calling it more than once has no further effect.
func (a *Agent) Subscribe(fn func(protocol.Message)) (unsubscribe func()) {
	sub := subscriber{id: a.subID.Add(1), fn: fn}

	a.post(func() {
		a.subs = append(a.subs, sub)
		if a.State() == StateDisconnected {
			a.connect()
		}
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			a.post(func() { a.remove(sub.id) })
		})
	}
}

// Send writes msg if the channel is open and silently drops it otherwise.
func (a *Agent) Send(msg protocol.Message) {
	a.post(func() { a.write(msg) })
}

// State returns the current lifecycle state.
func (a *Agent) State() State {
	return State(a.state.Load())
}

// Done is closed once the actor has shut down after ctx was cancelled.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// ---------------------------------------------------------------------------
// Actor
// ---------------------------------------------------------------------------

func (a *Agent) loop() {
	defer close(a.done)
	for {
		select {
		case fn := <-a.inbox:
			fn()
		case <-a.ctx.Done():
			a.shutdown()
			return
		}
	}
}

// post enqueues fn for the actor. It reports false once the agent stopped.
func (a *Agent) post(fn func()) bool {
	select {
	case a.inbox <- fn:
		return true
	case <-a.ctx.Done():
		return false
	}
}

func (a *Agent) setState(s State) {
	old := State(a.state.Swap(int32(s)))
	if old != s {
		a.log.Debugf("state %s -> %s", old, s)
	}
}

func (a *Agent) publish(msg protocol.Message) {
	for _, s := range append([]subscriber(nil), a.subs...) {
		s.fn(msg)
	}
}

func (a *Agent) remove(id uint64) {
	for i, s := range a.subs {
		if s.id == id {
			a.subs = append(a.subs[:i], a.subs[i+1:]...)
			break
		}
	}
	if len(a.subs) == 0 {
		a.closeGracefully()
	}
}

// connect starts a dial for a new connection generation.
func (a *Agent) connect() {
	a.gen++
	gen := a.gen
	a.setState(StateConnecting)
	a.log.Infof("connecting to %s", a.url)

	go func() {
		conn, _, err := a.dialer.DialContext(a.ctx, a.url, a.header)
		if !a.post(func() { a.onDial(gen, conn, err) }) && conn != nil {
			conn.Close()
		}
	}()
}

func (a *Agent) onDial(gen uint64, conn *websocket.Conn, err error) {
	if gen != a.gen {
		// Superseded while dialing (all subscribers left).
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		a.log.Warnf("connection failed: %v", err)
		a.fail()
		return
	}

	a.conn = conn
	a.connDone = make(chan struct{})
	a.setState(StateOpen)
	a.backoff.Reset()
	a.log.Infof("connection open")

	if a.ping > 0 {
		pongWait := 2 * a.ping
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go a.pinger(conn, a.connDone)
	}
	go a.readLoop(gen, conn)

	a.publish(protocol.Connected{})
}

func (a *Agent) onReadError(gen uint64, err error) {
	if gen != a.gen {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		a.log.Infof("connection closed by remote: %v", err)
		a.setState(StateClosing)
		a.publish(protocol.Closed{})
		a.dropConn(false)
		a.setState(StateDisconnected)
		return
	}
	a.log.Warnf("connection failed: %v", err)
	a.fail()
}

// fail handles a transport error: notify, drop the channel, schedule a retry.
func (a *Agent) fail() {
	a.setState(StateFailed)
	if a.conn != nil {
		a.publish(protocol.Closed{})
		a.dropConn(false)
	}

	delay := a.backoff.NextBackOff()
	if delay == backoff.Stop {
		a.log.Warnf("reconnect policy gave up")
		a.setState(StateDisconnected)
		return
	}

	util.Stats.AddReconnect()
	a.log.Infof("reconnecting in %s", delay)

	gen := a.gen
	a.retry = time.AfterFunc(delay, func() {
		a.post(func() { a.onRetry(gen) })
	})
}

func (a *Agent) onRetry(gen uint64) {
	if gen != a.gen || a.State() != StateFailed {
		return
	}
	a.retry = nil
	if len(a.subs) == 0 {
		a.setState(StateDisconnected)
		return
	}
	a.connect()
}

// closeGracefully runs when the last subscriber leaves.
func (a *Agent) closeGracefully() {
	if a.retry != nil {
		a.retry.Stop()
		a.retry = nil
	}
	if a.conn != nil {
		a.setState(StateClosing)
		a.publish(protocol.Closed{})
		a.dropConn(true)
	}
	// Invalidate an in-flight dial or a pending retry.
	a.gen++
	a.setState(StateDisconnected)
}

// dropConn releases the current connection. graceful sends a close frame
// first. The generation is bumped so the connection's reader is ignored.
func (a *Agent) dropConn(graceful bool) {
	if a.conn == nil {
		return
	}
	close(a.connDone)
	if graceful {
		_ = a.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(a.writeWait))
	}
	a.conn.Close()
	a.conn = nil
	a.connDone = nil
	a.gen++
}

func (a *Agent) write(msg protocol.Message) {
	if a.conn == nil || a.State() != StateOpen {
		util.Stats.AddDropped()
		a.log.Debugf("no open channel, dropping %s", protocol.Name(msg))
		return
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		a.log.Errorf("failed to encode %s: %v", protocol.Name(msg), err)
		return
	}

	_ = a.conn.SetWriteDeadline(time.Now().Add(a.writeWait))
	if err := a.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		a.log.Warnf("write failed: %v", err)
		a.fail()
		return
	}
	util.Stats.AddOut()
}

func (a *Agent) shutdown() {
	if a.retry != nil {
		a.retry.Stop()
		a.retry = nil
	}
	if a.conn != nil {
		a.publish(protocol.Closed{})
		a.dropConn(true)
	}
	a.setState(StateDisconnected)
}

// ---------------------------------------------------------------------------
// Connection goroutines
// ---------------------------------------------------------------------------

// readLoop decodes inbound frames until the connection errors. Decode
// failures are logged and dropped; the channel stays open.
func (a *Agent) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			a.post(func() { a.onReadError(gen, err) })
			return
		}
		if a.ping > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(2 * a.ping))
		}
		if typ != websocket.TextMessage {
			a.log.Debugf("ignoring binary frame (%d bytes)", len(data))
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			util.Stats.AddDecodeFailure()
			a.log.Warnf("dropping undecodable message: %v", err)
			continue
		}
		util.Stats.AddIn()

		a.post(func() {
			if gen == a.gen {
				a.publish(msg)
			}
		})
	}
}

func (a *Agent) pinger(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(a.ping)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(a.writeWait)); err != nil {
				return
			}
		case <-done:
			return
		case <-a.ctx.Done():
			return
		}
	}
}
