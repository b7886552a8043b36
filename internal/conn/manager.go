// Package conn maintains a session's link to the relay: dialing,
// reconnection with exponential backoff, and the connection state
// machine. It knows nothing about the sync protocol; the session layer
// hands it a transport and reacts to the connections it delivers.
package conn

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config holds connection manager configuration.
type Config struct {
	// URL is the relay endpoint to dial.
	URL string

	// BaseDelay is the first reconnect delay; each consecutive failure
	// doubles it up to MaxDelay.
	BaseDelay time.Duration

	// MaxDelay caps the reconnect delay.
	MaxDelay time.Duration

	// MaxAttempts is the consecutive-failure budget. Exhausting it
	// puts the manager in StateFailed for good.
	MaxAttempts int

	// DialTimeout bounds a single dial.
	DialTimeout time.Duration

	// Logger for connection activity.
	Logger *log.Logger

	// OnStateChange is invoked on every state transition. Must not
	// block.
	OnStateChange func(State)

	// OnConnect is invoked with each newly established connection,
	// before any reads. Must not block.
	OnConnect func(Conn)

	// OnReconnectFailed is invoked once when the retry budget is
	// exhausted.
	OnReconnectFailed func(error)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 10,
		DialTimeout: 10 * time.Second,
		Logger:      log.New(os.Stderr, "[conn] ", log.LstdFlags),
	}
}

// Manager runs the reconnect loop for one relay link. Create with New,
// then Start; ReportFailure feeds connection losses back in from
// whoever reads the connection.
type Manager struct {
	transport Transport
	config    *Config

	mu    sync.Mutex
	state State
	conn  Conn

	lost chan error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a manager. Use Start to begin connecting.
func New(transport Transport, config *Config) (*Manager, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.URL == "" {
		return nil, fmt.Errorf("relay URL cannot be empty")
	}
	defaults := DefaultConfig()
	if config.BaseDelay <= 0 {
		config.BaseDelay = defaults.BaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaults.DialTimeout
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		transport: transport,
		config:    config,
		state:     StateDisconnected,
		lost:      make(chan error, 1),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start begins dialing in the background. Returns immediately.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop tears down the link and waits for the reconnect loop to exit.
func (m *Manager) Stop() {
	m.cancel()
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	m.wg.Wait()
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// MarkSynced moves Connected to Synced once the session handshake has
// converged. No-op in any other state.
func (m *Manager) MarkSynced() {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.state = StateSynced
	cb := m.config.OnStateChange
	m.mu.Unlock()
	if cb != nil {
		cb(StateSynced)
	}
}

// ReportFailure tells the manager the current connection died. The
// reader of the connection calls this; the manager closes the
// connection and schedules a reconnect. Never blocks.
func (m *Manager) ReportFailure(err error) {
	select {
	case m.lost <- err:
	default:
	}
}

// Send transmits data on the current connection. While the link is down
// the data is silently absorbed: the full-state exchange on reconnect
// subsumes anything dropped here, so callers never block or fail on
// connectivity. A write error is reported as a connection loss and
// returned for logging.
func (m *Manager) Send(ctx context.Context, data []byte) error {
	m.mu.Lock()
	conn := m.conn
	state := m.state
	m.mu.Unlock()

	if conn == nil || (state != StateConnected && state != StateSynced) {
		return nil
	}
	if err := conn.Send(ctx, data); err != nil {
		m.ReportFailure(err)
		return fmt.Errorf("failed to send: %w", err)
	}
	return nil
}

// Reconnect restarts the connect cycle with a fresh retry budget after
// a terminal failure. No-op unless the manager is in StateFailed.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	if m.state != StateFailed {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	m.mu.Unlock()

	// Drop any loss signal left over from the previous cycle.
	select {
	case <-m.lost:
	default:
	}
	m.wg.Add(1)
	go m.run()
}

func (m *Manager) run() {
	defer m.wg.Done()

	failures := 0
	b := newBackOff(m.config.BaseDelay, m.config.MaxDelay)

	for {
		if m.ctx.Err() != nil {
			m.setState(StateDisconnected)
			return
		}
		m.setState(StateConnecting)

		dialCtx, cancel := context.WithTimeout(m.ctx, m.config.DialTimeout)
		conn, err := m.transport.Dial(dialCtx, m.config.URL)
		cancel()
		if err != nil {
			if m.ctx.Err() != nil {
				m.setState(StateDisconnected)
				return
			}
			failures++
			m.config.Logger.Printf("Connection attempt %d/%d failed: %v",
				failures, m.config.MaxAttempts, err)
			if failures >= m.config.MaxAttempts {
				m.fail(err)
				return
			}
			if !m.sleep(b.NextBackOff()) {
				return
			}
			continue
		}

		failures = 0
		b.Reset()
		m.setConn(conn)
		m.setState(StateConnected)
		if cb := m.config.OnConnect; cb != nil {
			cb(conn)
		}

		select {
		case <-m.ctx.Done():
			_ = conn.Close()
			m.setConn(nil)
			m.setState(StateDisconnected)
			return
		case lostErr := <-m.lost:
			m.config.Logger.Printf("Connection lost: %v", lostErr)
			_ = conn.Close()
			m.setConn(nil)
			m.setState(StateDisconnected)
			if !m.sleep(b.NextBackOff()) {
				return
			}
		}
	}
}

func (m *Manager) fail(err error) {
	m.mu.Lock()
	m.state = StateFailed
	stateCb := m.config.OnStateChange
	failCb := m.config.OnReconnectFailed
	m.mu.Unlock()

	m.config.Logger.Printf("Giving up after %d attempts: %v", m.config.MaxAttempts, err)
	if stateCb != nil {
		stateCb(StateFailed)
	}
	if failCb != nil {
		failCb(fmt.Errorf("reconnection failed after %d attempts: %w", m.config.MaxAttempts, err))
	}
}

// sleep waits for the backoff delay. Returns false when the manager is
// stopping.
func (m *Manager) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-m.ctx.Done():
		m.setState(StateDisconnected)
		return false
	case <-timer.C:
		return true
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	cb := m.config.OnStateChange
	m.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (m *Manager) setConn(c Conn) {
	m.mu.Lock()
	m.conn = c
	m.mu.Unlock()
}

// newBackOff builds the delay sequence base, 2*base, 4*base, ...
// capped at max, with no jitter so reconnect timing is predictable.
func newBackOff(base, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
