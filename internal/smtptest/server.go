package smtptest

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	smtptls "github.com/shineum/mail-dispatch/internal/tls"
)

// Message is one message accepted by the server.
type Message struct {
	From string
	To   []string
	Data []byte
}

// Options configures a Server.
type Options struct {
	// Username and Password are the only accepted credentials. AUTH is
	// required before MAIL when both are set.
	Username string
	Password string

	// AuthMechanisms advertised in the EHLO reply. Defaults to PLAIN LOGIN.
	AuthMechanisms []string

	// Hostname used in the greeting. Defaults to localhost.
	Hostname string
}

// Server is an implicit-TLS SMTP server listening on 127.0.0.1.
type Server struct {
	opts     Options
	creds    credentials
	listener net.Listener
	cert     *tls.Certificate

	mu          sync.Mutex
	messages    []Message
	sessions    int
	conns       map[net.Conn]struct{}
	failData    int
	dropMail    int
	shutdownMsg int
	closed      bool

	wg sync.WaitGroup
}

// NewServer starts a server on a random local port with a fresh
// self-signed certificate.
func NewServer(opts Options) (*Server, error) {
	if opts.Hostname == "" {
		opts.Hostname = "localhost"
	}
	if len(opts.AuthMechanisms) == 0 {
		opts.AuthMechanisms = []string{"PLAIN", "LOGIN"}
	}

	cert, err := smtptls.GenerateSelfSignedCert()
	if err != nil {
		return nil, err
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	s := &Server{
		opts:     opts,
		creds:    credentials{username: opts.Username, password: opts.Password},
		listener: ln,
		cert:     cert,
		conns:    make(map[net.Conn]struct{}),
	}

	s.wg.Add(1)
	go s.serve()
	return s, nil
}

func (s *Server) serve() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.sessions++
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.forget(conn)
			newSession(s, conn).handle()
		}()
	}
}

func (s *Server) forget(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

// Close stops accepting connections, drops every open session and waits
// for the session goroutines to exit.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.listener.Close()
	s.wg.Wait()
}

// Host returns the listener IP.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.listener.Addr().String())
	return host
}

// Port returns the listener port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return p
}

// ClientTLSConfig returns a client configuration that trusts the server's
// certificate.
func (s *Server) ClientTLSConfig() *tls.Config {
	pool := x509.NewCertPool()
	pool.AddCert(s.cert.Leaf)
	return &tls.Config{
		RootCAs:    pool,
		ServerName: s.Host(),
		MinVersion: tls.VersionTLS12,
	}
}

// CertPEM returns the server certificate in PEM form.
func (s *Server) CertPEM() []byte {
	return smtptls.EncodeCertPEM(s.cert)
}

// Messages returns a copy of the messages accepted so far.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Sessions returns how many connections have been accepted.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

// FailNextData makes the next n messages be rejected with a 451 reply after
// the data has been received.
func (s *Server) FailNextData(n int) {
	s.mu.Lock()
	s.failData = n
	s.mu.Unlock()
}

// DropNextMail makes the server close the connection without replying when
// it receives the next MAIL command.
func (s *Server) DropNextMail() {
	s.mu.Lock()
	s.dropMail++
	s.mu.Unlock()
}

// ShutdownOnNextMail makes the server reply 421 to the next MAIL command
// and close the connection.
func (s *Server) ShutdownOnNextMail() {
	s.mu.Lock()
	s.shutdownMsg++
	s.mu.Unlock()
}

// takeFault consumes a pending MAIL fault, if any.
func (s *Server) takeFault() (drop, shutdown bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.dropMail > 0:
		s.dropMail--
		return true, false
	case s.shutdownMsg > 0:
		s.shutdownMsg--
		return false, true
	}
	return false, false
}

// deliver records msg, or reports false when a DATA failure is pending.
func (s *Server) deliver(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failData > 0 {
		s.failData--
		return false
	}
	s.messages = append(s.messages, msg)
	slog.Debug("smtptest: message accepted", "from", msg.From, "to", msg.To, "size", len(msg.Data))
	return true
}
