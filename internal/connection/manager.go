// Package connection owns one logical realtime channel: the connect and
// disconnect state machine, automatic recovery with exponential backoff, the
// outbound queue flushed on reconnect, and credential rotation on an open
// socket.
package connection

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cortexchat/realtime/internal/apperrors"
	"github.com/cortexchat/realtime/internal/wire"
	"github.com/cortexchat/realtime/pkg/logger"
)

// State is the connection lifecycle state. It is owned exclusively by the
// manager and only changes through socket events.
type State string

const (
	StateClosed       State = "closed"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateClosing      State = "closing"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

const (
	// defaultMaxRetries is the reconnect budget per outage.
	defaultMaxRetries = 3

	// defaultBackoffBase is the first reconnect delay; successive delays
	// double.
	defaultBackoffBase = time.Second

	// defaultBackoffMax caps the doubling.
	defaultBackoffMax = 30 * time.Second

	// defaultQueueLimit caps the outbound queue; beyond it the oldest entry
	// is dropped.
	defaultQueueLimit = 500

	// defaultPingInterval is the keepalive cadence on an open socket.
	defaultPingInterval = 25 * time.Second
)

// Auth-rejection close codes. Servers in this application range signal that
// the presented token was rejected; the manager reconnects with a fresh
// token instead of retrying the same one.
const (
	authCloseMin = 4001
	authCloseMax = 4003
)

// Config configures a Manager. Zero fields take defaults.
type Config struct {
	// URL is the channel endpoint (ws:// or wss://).
	URL string
	// MaxRetries is the reconnect budget per outage.
	MaxRetries int
	// BackoffBase is the first reconnect delay.
	BackoffBase time.Duration
	// BackoffMax caps the backoff doubling.
	BackoffMax time.Duration
	// QueueLimit caps the outbound queue.
	QueueLimit int
	// PingInterval is the keepalive cadence; negative disables keepalive.
	PingInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaultBackoffMax
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = defaultQueueLimit
	}
	if c.PingInterval == 0 {
		c.PingInterval = defaultPingInterval
	}
}

// Manager maintains a single logical realtime channel with automatic
// recovery.
//
// Public methods never throw transport failures at the caller: connect and
// send failures surface through state transitions and the typed error
// callback only.
type Manager struct {
	cfg    Config
	dialer Dialer

	mu    sync.Mutex
	state State
	conn  Conn
	token string

	// epoch invalidates timers and read loops from superseded connection
	// attempts; a late-firing callback from an old epoch is a no-op.
	epoch   uint64
	retries int
	queue   [][]byte

	// flushing is set while queued frames drain onto a fresh connection.
	// Sends issued in that window append to the queue tail so queued frames
	// keep their original order ahead of any new send.
	flushing bool

	reconnectTimer *time.Timer

	onStateChange  func(state State, reason string)
	onEvent        func(env wire.Envelope)
	onError        func(err *apperrors.CodedError)
	onAuthRejected func()

	// afterFunc is a test seam over time.AfterFunc.
	afterFunc func(d time.Duration, fn func()) *time.Timer
}

// NewManager creates a manager for the given endpoint.
func NewManager(cfg Config, dialer Dialer) *Manager {
	cfg.applyDefaults()
	if dialer == nil {
		dialer = NewDialer()
	}
	return &Manager{
		cfg:       cfg,
		dialer:    dialer,
		state:     StateClosed,
		afterFunc: time.AfterFunc,
	}
}

// SetOnStateChange registers the state transition callback.
func (m *Manager) SetOnStateChange(fn func(state State, reason string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = fn
}

// SetOnEvent registers the inbound envelope callback. It is invoked on the
// read loop goroutine, strictly in arrival order.
func (m *Manager) SetOnEvent(fn func(env wire.Envelope)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvent = fn
}

// SetOnError registers the typed error callback. Transport errors are always
// reported here, never thrown from public methods.
func (m *Manager) SetOnError(fn func(err *apperrors.CodedError)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onError = fn
}

// SetOnAuthRejected registers the callback invoked when the server closes the
// socket with an auth-rejection code. The callback should rotate the
// credential (via UpdateToken) before the scheduled reconnect fires.
func (m *Manager) SetOnAuthRejected(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAuthRejected = fn
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// QueueLen returns the number of queued outbound frames.
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Connect opens the channel with the given credential. It is a no-op when the
// channel is already open or a connect is in flight. Failures surface only
// through state transitions and the error callback.
func (m *Manager) Connect(token string) {
	m.mu.Lock()
	if m.state == StateOpen || m.state == StateConnecting {
		m.mu.Unlock()
		return
	}
	m.token = token
	m.retries = 0
	m.epoch++
	epoch := m.epoch
	m.setStateLocked(StateConnecting, "connect")
	m.mu.Unlock()

	go m.dial(epoch)
}

// dial runs one connection attempt for the given epoch.
func (m *Manager) dial(epoch uint64) {
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	endpoint, err := m.channelURLLocked()
	m.mu.Unlock()
	if err != nil {
		m.reportError(apperrors.Wrap(apperrors.CodeNetworkDialFailed, "invalid channel URL", err))
		m.handleDisconnect(epoch, websocket.CloseAbnormalClosure, err)
		return
	}

	conn, err := m.dialer.Dial(context.Background(), endpoint)
	if err != nil {
		m.reportError(apperrors.Wrap(apperrors.CodeNetworkDialFailed, "channel dial failed", err))
		m.handleDisconnect(epoch, closeCode(err), err)
		return
	}

	m.mu.Lock()
	if epoch != m.epoch {
		// A disconnect or newer connect superseded this attempt.
		m.mu.Unlock()
		_ = conn.Close(websocket.CloseNormalClosure, "superseded")
		return
	}
	m.conn = conn
	m.retries = 0
	// flushing is raised under the same lock that publishes StateOpen, so a
	// Send that observes the open state routes to the queue tail until the
	// flush below has drained.
	m.flushing = len(m.queue) > 0
	m.setStateLocked(StateOpen, "established")
	m.mu.Unlock()

	m.flushQueue(epoch, conn)

	go m.readLoop(epoch, conn)
	if m.cfg.PingInterval > 0 {
		go m.pingLoop(epoch, conn)
	}
}

// flushQueue drains queued frames onto a fresh connection in original order,
// including frames enqueued while the flush itself is running.
func (m *Manager) flushQueue(epoch uint64, conn Conn) {
	for {
		m.mu.Lock()
		if epoch != m.epoch {
			// A newer connection owns the flag now.
			m.mu.Unlock()
			return
		}
		if len(m.queue) == 0 {
			m.flushing = false
			m.mu.Unlock()
			return
		}
		frame := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		if err := conn.WriteMessage(frame); err != nil {
			m.mu.Lock()
			if epoch == m.epoch {
				// Keep the frame for the next connection.
				m.queue = append([][]byte{frame}, m.queue...)
				m.flushing = false
			}
			m.mu.Unlock()
			m.reportError(apperrors.Wrap(apperrors.CodeNetworkSendFailed, "flush failed", err))
			return
		}
	}
}

// channelURLLocked builds the dial URL with the token as a connection
// parameter: auth travels in the handshake so the server can reject
// unauthenticated sockets before allocating any session state.
func (m *Manager) channelURLLocked() (string, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("token", m.token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// readLoop pumps inbound frames until the connection dies.
func (m *Manager) readLoop(epoch uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.handleDisconnect(epoch, closeCode(err), err)
			return
		}

		env, perr := wire.ParseEnvelope(data)
		if perr != nil {
			// Malformed frames are logged and dropped; the channel stays open.
			logger.Warnf("connection: dropping malformed frame: %v", perr)
			m.reportError(apperrors.Wrap(apperrors.CodeProtocolMalformed, "malformed frame", perr))
			continue
		}

		m.mu.Lock()
		handler := m.onEvent
		m.mu.Unlock()
		if handler != nil {
			handler(env)
		}
	}
}

// pingLoop keeps the socket alive while its epoch is current.
func (m *Manager) pingLoop(epoch uint64, conn Conn) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for range ticker.C {
		m.mu.Lock()
		stale := epoch != m.epoch
		m.mu.Unlock()
		if stale {
			return
		}
		if err := conn.Ping(); err != nil {
			return
		}
	}
}

// handleDisconnect processes a connection loss observed by the given epoch.
func (m *Manager) handleDisconnect(epoch uint64, code int, cause error) {
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	m.conn = nil

	if m.state == StateClosing {
		// Disconnect() requested a clean shutdown.
		m.setStateLocked(StateClosed, "clean_close")
		m.mu.Unlock()
		return
	}

	if code == websocket.CloseNormalClosure {
		// A clean close never triggers reconnection.
		m.setStateLocked(StateClosed, "clean_close")
		m.mu.Unlock()
		return
	}

	authRejected := code >= authCloseMin && code <= authCloseMax

	if m.retries >= m.cfg.MaxRetries {
		m.setStateLocked(StateError, "retry_exhausted")
		m.mu.Unlock()
		m.reportError(apperrors.Wrap(apperrors.CodeNetworkRetryExhausted,
			fmt.Sprintf("gave up after %d reconnect attempts", m.cfg.MaxRetries), cause))
		return
	}

	delay := m.backoffDelayLocked()
	m.retries++
	attempt := m.retries
	m.setStateLocked(StateReconnecting, reasonForCode(code))

	// The timer is keyed to the current epoch: a Disconnect or a manual
	// Connect bumps the epoch and the fired callback becomes inert.
	m.reconnectTimer = m.afterFunc(delay, func() {
		m.mu.Lock()
		if epoch != m.epoch {
			m.mu.Unlock()
			return
		}
		m.setStateLocked(StateConnecting, "reconnect")
		m.mu.Unlock()
		m.dial(epoch)
	})
	m.mu.Unlock()

	if authRejected {
		m.reportError(apperrors.Wrap(apperrors.CodeAuthRejected, "server rejected credential", cause))
		m.mu.Lock()
		notify := m.onAuthRejected
		m.mu.Unlock()
		// Give the auth layer a chance to rotate the token before the
		// reconnect fires; the dial always reads the latest token.
		if notify != nil {
			notify()
		}
	} else {
		m.reportError(apperrors.Wrap(apperrors.CodeNetworkConnectionLost,
			fmt.Sprintf("connection lost (code %d)", code), cause))
	}

	logger.Infof("connection: reconnect attempt %d/%d in %s", attempt, m.cfg.MaxRetries, delay)
}

// backoffDelayLocked computes the next reconnect delay: base, then doubling
// per attempt, capped. Caller holds the lock.
func (m *Manager) backoffDelayLocked() time.Duration {
	delay := m.cfg.BackoffBase << uint(m.retries)
	if delay > m.cfg.BackoffMax || delay <= 0 {
		delay = m.cfg.BackoffMax
	}
	return delay
}

func reasonForCode(code int) string {
	if code >= authCloseMin && code <= authCloseMax {
		return "auth_rejected"
	}
	return "abnormal_close"
}

// Disconnect requests a clean close and suppresses any pending reconnection
// tied to this connection.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.epoch++ // invalidate in-flight dials, read loops, and backoff timers
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	conn := m.conn
	m.conn = nil
	m.retries = 0

	switch m.state {
	case StateClosed, StateError:
		m.mu.Unlock()
		return
	case StateOpen:
		m.setStateLocked(StateClosing, "disconnect")
	default:
		m.setStateLocked(StateClosed, "disconnect")
	}
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.CloseNormalClosure, "client disconnect")
		m.mu.Lock()
		if m.state == StateClosing {
			m.setStateLocked(StateClosed, "clean_close")
		}
		m.mu.Unlock()
	}
}

// Send transmits an envelope when the channel is open, otherwise queues it
// for flush-on-reconnect. The queue is in-memory only and capped; beyond the
// cap the oldest entry is dropped and logged.
func (m *Manager) Send(env wire.Envelope) {
	data, err := env.Encode()
	if err != nil {
		m.reportError(apperrors.Wrap(apperrors.CodeProtocolMalformed, "encode outbound frame", err))
		return
	}

	m.mu.Lock()
	conn := m.conn
	open := m.state == StateOpen && !m.flushing
	if !open || conn == nil {
		m.enqueueLocked(data)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := conn.WriteMessage(data); err != nil {
		// The read loop will observe the dead socket and drive recovery; the
		// frame is queued so it is not lost.
		m.mu.Lock()
		m.enqueueLocked(data)
		m.mu.Unlock()
		m.reportError(apperrors.Wrap(apperrors.CodeNetworkSendFailed, "send failed", err))
	}
}

// enqueueLocked appends to the outbound queue. Caller holds the lock.
func (m *Manager) enqueueLocked(data []byte) {
	if len(m.queue) >= m.cfg.QueueLimit {
		m.queue = m.queue[1:]
		logger.Warnf("connection: outbound queue full (%d), dropped oldest frame", m.cfg.QueueLimit)
		if m.onError != nil {
			go m.onError(apperrors.New(apperrors.CodeNetworkQueueOverflow, "outbound queue overflow, dropped oldest frame"))
		}
	}
	m.queue = append(m.queue, data)
}

// UpdateToken installs a rotated credential. On an open channel the new
// token is pushed through an explicit re-auth message instead of forcing a
// reconnect; if the server rejects the old token anyway, the auth-close path
// reconnects with this token.
func (m *Manager) UpdateToken(token string) {
	m.mu.Lock()
	m.token = token
	open := m.state == StateOpen && m.conn != nil
	m.mu.Unlock()

	if !open {
		return
	}
	env, err := wire.NewEnvelope(wire.MessageTypeAuth, wire.AuthPayload{Token: token})
	if err != nil {
		m.reportError(apperrors.Wrap(apperrors.CodeProtocolMalformed, "encode auth message", err))
		return
	}
	logger.Debugf("connection: pushing rotated credential over open channel")
	m.Send(env)
}

// setStateLocked transitions the state and notifies. Caller holds the lock;
// the callback is invoked without it.
func (m *Manager) setStateLocked(state State, reason string) {
	if m.state == state {
		return
	}
	m.state = state
	logger.Tracef("connection: state=%s reason=%s", state, reason)
	if fn := m.onStateChange; fn != nil {
		go fn(state, reason)
	}
}

func (m *Manager) reportError(err *apperrors.CodedError) {
	m.mu.Lock()
	fn := m.onError
	m.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}
