package smtptest

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// idleTimeout bounds how long a session may wait for the next command.
const idleTimeout = 30 * time.Second

type session struct {
	server *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  int

	mailFrom string
	rcptTo   []string
}

func newSession(s *Server, conn net.Conn) *session {
	return &session{
		server: s,
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		state:  stateConnected,
	}
}

func (s *session) authRequired() bool {
	return s.server.creds.username != "" && s.server.creds.password != ""
}

// handle runs the command loop until QUIT, a fault, or a read error.
func (s *session) handle() {
	s.writeLine("220 %s ESMTP smtptest", s.server.opts.Hostname)

	for {
		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				slog.Debug("smtptest: connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if done := s.handleCommand(cmd, arg); done {
			return
		}
	}
}

// handleCommand processes one command and reports whether the session ends.
func (s *session) handleCommand(cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		return s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		return s.handleDATA()
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

func (s *session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	if s.state < stateGreeted {
		s.state = stateGreeted
	}
	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.server.opts.Hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.server.opts.Hostname, arg)
	if s.authRequired() {
		s.writeLine("250-AUTH %s", strings.Join(s.server.opts.AuthMechanisms, " "))
	}
	s.writeLine("250 OK")
}

func (s *session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !s.authRequired() {
		s.writeLine("503 AUTH not available")
		return
	}

	parts := strings.SplitN(arg, " ", 2)
	switch strings.ToUpper(parts[0]) {
	case "PLAIN":
		s.handleAuthPlain(parts)
	case "LOGIN":
		s.handleAuthLogin()
	default:
		s.writeLine("504 Unrecognized authentication type")
	}
}

func (s *session) handleAuthPlain(parts []string) {
	encoded := ""
	if len(parts) > 1 && parts[1] != "" {
		encoded = parts[1]
	} else {
		s.writeLine("334")
		line, ok := s.readAuthLine()
		if !ok {
			return
		}
		encoded = line
	}

	if err := s.server.creds.verifyPlain(encoded); err != nil {
		s.writeLine("535 Authentication failed")
		return
	}
	s.state = stateAuthOK
	s.writeLine("235 Authentication successful")
}

func (s *session) handleAuthLogin() {
	s.writeLine("334 VXNlcm5hbWU6")
	user, ok := s.readAuthLine()
	if !ok {
		return
	}

	s.writeLine("334 UGFzc3dvcmQ6")
	pass, ok := s.readAuthLine()
	if !ok {
		return
	}

	if err := s.server.creds.verifyLogin(user, pass); err != nil {
		s.writeLine("535 Authentication failed")
		return
	}
	s.state = stateAuthOK
	s.writeLine("235 Authentication successful")
}

// readAuthLine reads one challenge response; "*" cancels the exchange.
func (s *session) readAuthLine() (string, bool) {
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", false
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "*" {
		s.writeLine("501 Authentication cancelled")
		return "", false
	}
	return line, true
}

func (s *session) handleMAIL(arg string) bool {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return false
	}
	if s.authRequired() && s.state < stateAuthOK {
		s.writeLine("530 Authentication required")
		return false
	}

	drop, shutdown := s.server.takeFault()
	if drop {
		return true
	}
	if shutdown {
		s.writeLine("421 %s Service not available, closing transmission channel", s.server.opts.Hostname)
		return true
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return false
	}
	addr := extractAddress(arg[5:])
	if addr == "" {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return false
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
	return false
}

func (s *session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}
	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}
	addr := extractAddress(arg[3:])
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleDATA reads the message up to the lone-dot terminator, undoing dot
// stuffing, and hands it to the server.
func (s *session) handleDATA() bool {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return false
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	var data strings.Builder
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return true
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}
		if strings.HasPrefix(trimmed, "..") {
			line = line[1:]
		}
		data.WriteString(line)
	}

	msg := Message{
		From: s.mailFrom,
		To:   append([]string(nil), s.rcptTo...),
		Data: []byte(data.String()),
	}
	if s.server.deliver(msg) {
		s.writeLine("250 OK message accepted")
	} else {
		s.writeLine("451 Requested action aborted: local error in processing")
	}
	s.resetTransaction()
	return false
}

// resetTransaction clears the mail transaction but keeps greeting and auth.
func (s *session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil
	if s.state > stateAuthOK {
		s.state = stateAuthOK
	}
	if !s.authRequired() && s.state > stateGreeted {
		s.state = stateGreeted
	}
}

func (s *session) writeLine(format string, args ...any) {
	if _, err := s.writer.WriteString(fmt.Sprintf(format, args...) + "\r\n"); err != nil {
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Debug("smtptest: failed to flush reply", "error", err)
	}
}

// parseCommand splits a command line into its upper-cased verb and argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return strings.ToUpper(parts[0]), arg
}

// extractAddress returns the address from "<addr>" or a bare "addr",
// ignoring any trailing ESMTP parameters.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		return s[1:end]
	}
	if i := strings.IndexByte(s, ' '); i >= 0 {
		s = s[:i]
	}
	return s
}
