// Package session manages the single delivery session a dispatcher sends
// through. All operations on the session are serialized by one mutex because
// an SMTP connection carries one transaction at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"gopkg.in/gomail.v2"

	"github.com/shineum/mail-dispatch/internal/metrics"
	"github.com/shineum/mail-dispatch/internal/provider"
)

var (
	// ErrConnection is returned when a session cannot be established.
	ErrConnection = errors.New("smtp connection failed")

	// ErrServerDisconnected is returned when a send found the session closed
	// by the server. The session has been re-established (or a reconnect was
	// attempted) but the message was not resent.
	ErrServerDisconnected = errors.New("smtp server disconnected")

	// ErrSendFailed is returned when a send kept failing after all retries.
	ErrSendFailed = errors.New("smtp send failed")
)

// State is the lifecycle state of a Manager's session.
type State int

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config holds the configuration for a Manager.
type Config struct {
	// Provider dials new sessions.
	Provider provider.Provider

	// MaxSendRetries is how many times a send is retried in place after a
	// transport error. Zero means a single attempt.
	MaxSendRetries int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Manager owns at most one live session and serializes connect, send and
// disconnect against it.
type Manager struct {
	provider   provider.Provider
	maxRetries int
	logger     *slog.Logger

	mu    sync.Mutex
	conn  gomail.SendCloser
	state State
}

// New creates a disconnected Manager.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRetries := cfg.MaxSendRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	return &Manager{
		provider:   cfg.Provider,
		maxRetries: maxRetries,
		logger:     logger.With("provider", cfg.Provider.Name()),
		state:      Disconnected,
	}
}

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect establishes a new session, replacing any existing one. The
// returned error matches ErrConnection.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		m.closeLocked()
	}

	m.logger.Debug("connecting")
	conn, err := m.provider.Dial(ctx)
	if err != nil {
		metrics.SessionConnects.WithLabelValues(m.provider.Name(), "failure").Inc()
		m.logger.Error("error connecting to mail server", "error", err)
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}

	metrics.SessionConnects.WithLabelValues(m.provider.Name(), "success").Inc()
	m.conn = conn
	m.state = Connected
	return nil
}

// Send delivers msg from one sender to one recipient.
//
// A transport error is retried immediately up to MaxSendRetries times,
// after which the last error is returned wrapped in ErrSendFailed. When the
// server dropped the session, Send reconnects once and returns
// ErrServerDisconnected without resending; if the reconnect fails the
// error also matches ErrConnection.
func (m *Manager) Send(ctx context.Context, from, to string, msg io.WriterTo) error {
	name := m.provider.Name()
	logger := m.logger.With("recipient", to)

	for attempt := 0; ; attempt++ {
		logger.Debug("sending mail", "attempt", attempt)

		err := m.sendOnce(from, to, msg)
		if err == nil {
			metrics.MailSendSuccess.WithLabelValues(name).Inc()
			return nil
		}

		if isDisconnect(err) {
			logger.Error("mail server disconnected, reconnecting", "error", err)
			metrics.SessionReconnects.WithLabelValues(name).Inc()
			metrics.MailSendFailure.WithLabelValues(name, "disconnected").Inc()
			if cerr := m.Connect(ctx); cerr != nil {
				return fmt.Errorf("%w: %w", ErrServerDisconnected, errors.Join(err, cerr))
			}
			return fmt.Errorf("%w: %w", ErrServerDisconnected, err)
		}

		if attempt >= m.maxRetries {
			metrics.MailSendFailure.WithLabelValues(name, "retries_exhausted").Inc()
			logger.Error("giving up sending mail", "attempts", attempt+1, "error", err)
			return fmt.Errorf("%w after %d attempts: %w", ErrSendFailed, attempt+1, err)
		}

		metrics.SendRetries.WithLabelValues(name).Inc()
		logger.Warn("error while sending, retrying",
			"attempt", attempt+1,
			"max_retries", m.maxRetries,
			"error", err,
		)
	}
}

func (m *Manager) sendOnce(from, to string, msg io.WriterTo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		return errNotConnected
	}
	return m.conn.Send(from, []string{to}, msg)
}

// Disconnect ends the session gracefully. It is best-effort: errors are
// logged and the session is considered closed either way.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		return
	}
	m.logger.Debug("disconnecting")
	m.closeLocked()
}

func (m *Manager) closeLocked() {
	if err := m.conn.Close(); err != nil {
		m.logger.Warn("error while disconnecting", "error", err)
	}
	m.conn = nil
	m.state = Disconnected
}
