// Package smtp implements a Provider that delivers over an implicit-TLS
// (SMTPS) connection with SMTP AUTH.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	netsmtp "net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"gopkg.in/gomail.v2"
)

// defaultTimeout bounds dialing and each protocol exchange when the config
// leaves Timeout unset.
const defaultTimeout = 10 * time.Second

// serviceNotAvailable (421) means the server is closing the channel.
const serviceNotAvailable = 421

// SMTPProviderConfig holds the configuration for creating a SMTPProvider.
type SMTPProviderConfig struct {
	Host     string
	Port     int
	Username string
	Password string

	// Timeout bounds the TCP dial plus TLS handshake, and every send or
	// quit exchange on an established session.
	Timeout time.Duration

	// TLSConfig verifies the server. Defaults to system roots with
	// ServerName set to Host.
	TLSConfig *tls.Config

	// LocalName is sent with EHLO. Defaults to "localhost".
	LocalName string
}

// SMTPProvider dials authenticated SMTPS sessions.
type SMTPProvider struct {
	cfg SMTPProviderConfig
}

// New creates a new SMTPProvider with the given configuration.
func New(cfg SMTPProviderConfig) *SMTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.TLSConfig == nil {
		cfg.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.TLSConfig.ServerName == "" {
		cfg.TLSConfig = cfg.TLSConfig.Clone()
		cfg.TLSConfig.ServerName = cfg.Host
	}
	return &SMTPProvider{cfg: cfg}
}

// Name returns the provider name.
func (p *SMTPProvider) Name() string {
	return "smtp"
}

// Addr returns host:port of the mail server.
func (p *SMTPProvider) Addr() string {
	return net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))
}

// Dial connects over TLS, greets the server and authenticates. Dialing and
// the handshake together are bounded by the configured timeout.
func (p *SMTPProvider) Dial(ctx context.Context) (gomail.SendCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	slog.Debug("connecting to SMTP server", "addr", p.Addr())
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: p.cfg.Timeout},
		Config:    p.cfg.TLSConfig,
	}
	conn, err := dialer.DialContext(ctx, "tcp", p.Addr())
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", p.Addr(), err)
	}

	if err := conn.SetDeadline(time.Now().Add(p.cfg.Timeout)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}

	c, err := netsmtp.NewClient(conn, p.cfg.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read greeting: %w", err)
	}

	if err := p.handshake(c); err != nil {
		c.Close()
		return nil, err
	}

	return &session{client: c, conn: conn, timeout: p.cfg.Timeout}, nil
}

func (p *SMTPProvider) handshake(c *netsmtp.Client) error {
	localName := p.cfg.LocalName
	if localName == "" {
		localName = "localhost"
	}
	if err := c.Hello(localName); err != nil {
		return fmt.Errorf("EHLO failed: %w", err)
	}

	if p.cfg.Username == "" {
		return nil
	}

	ok, mechanisms := c.Extension("AUTH")
	if !ok {
		return errors.New("server does not support AUTH")
	}

	slog.Debug("logging into SMTP server", "host", p.cfg.Host, "account", p.cfg.Username)
	if err := c.Auth(p.auth(mechanisms)); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	return nil
}

// auth picks PLAIN unless the server only offers LOGIN.
func (p *SMTPProvider) auth(mechanisms string) netsmtp.Auth {
	offered := strings.Fields(strings.ToUpper(mechanisms))
	hasPlain, hasLogin := false, false
	for _, m := range offered {
		switch m {
		case "PLAIN":
			hasPlain = true
		case "LOGIN":
			hasLogin = true
		}
	}
	if hasLogin && !hasPlain {
		return &loginAuth{username: p.cfg.Username, password: p.cfg.Password, host: p.cfg.Host}
	}
	return netsmtp.PlainAuth("", p.cfg.Username, p.cfg.Password, p.cfg.Host)
}

// session is one authenticated SMTP connection. It is not safe for
// concurrent use.
type session struct {
	client  *netsmtp.Client
	conn    net.Conn
	timeout time.Duration
}

// Send runs one MAIL/RCPT/DATA transaction. After a rejected command the
// transaction is reset so the session stays usable.
func (s *session) Send(from string, to []string, msg io.WriterTo) error {
	if err := s.conn.SetDeadline(time.Now().Add(s.timeout)); err != nil {
		return err
	}

	if err := s.transaction(from, to, msg); err != nil {
		var protoErr *textproto.Error
		if errors.As(err, &protoErr) && protoErr.Code != serviceNotAvailable {
			_ = s.client.Reset()
		}
		return err
	}
	return nil
}

func (s *session) transaction(from string, to []string, msg io.WriterTo) error {
	if err := s.client.Mail(from); err != nil {
		return err
	}
	for _, addr := range to {
		if err := s.client.Rcpt(addr); err != nil {
			return err
		}
	}

	w, err := s.client.Data()
	if err != nil {
		return err
	}
	if _, err := msg.WriteTo(w); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// Close sends QUIT and closes the connection even when QUIT fails.
func (s *session) Close() error {
	if err := s.conn.SetDeadline(time.Now().Add(s.timeout)); err != nil {
		s.client.Close()
		return err
	}
	if err := s.client.Quit(); err != nil {
		s.client.Close()
		return err
	}
	return nil
}

// loginAuth implements the non-standard but widespread AUTH LOGIN mechanism.
type loginAuth struct {
	username string
	password string
	host     string
}

func (a *loginAuth) Start(server *netsmtp.ServerInfo) (string, []byte, error) {
	if !server.TLS {
		return "", nil, errors.New("unencrypted connection")
	}
	if server.Name != a.host {
		return "", nil, errors.New("wrong host name")
	}
	return "LOGIN", nil, nil
}

func (a *loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}

	switch prompt := strings.ToLower(strings.TrimSpace(string(fromServer))); prompt {
	case "username:":
		return []byte(a.username), nil
	case "password:":
		return []byte(a.password), nil
	default:
		return nil, fmt.Errorf("unexpected server challenge: %q", fromServer)
	}
}
