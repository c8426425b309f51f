package smtptest

import (
	"bufio"
	"crypto/tls"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"
)

func startServer(t *testing.T, opts Options) *Server {
	t.Helper()
	srv, err := NewServer(opts)
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv
}

// dial opens a TLS connection to srv and consumes the greeting.
func dial(t *testing.T, srv *Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	addr := net.JoinHostPort(srv.Host(), strconv.Itoa(srv.Port()))
	conn, err := tls.Dial("tcp", addr, srv.ClientTLSConfig())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("failed to set deadline: %v", err)
	}

	reader := bufio.NewReader(conn)
	if greeting := readLine(t, reader); !strings.HasPrefix(greeting, "220 ") {
		t.Fatalf("greeting: got %q, want prefix '220 '", greeting)
	}
	return conn, reader
}

func readLine(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read line: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

// readReply reads a possibly multi-line reply and returns its last line.
func readReply(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	for {
		line := readLine(t, reader)
		if len(line) < 4 || line[3] != '-' {
			return line
		}
	}
}

func sendCmd(t *testing.T, conn net.Conn, cmd string) {
	t.Helper()
	if _, err := conn.Write([]byte(cmd + "\r\n")); err != nil {
		t.Fatalf("failed to write command: %v", err)
	}
}

func expect(t *testing.T, conn net.Conn, reader *bufio.Reader, cmd, wantPrefix string) {
	t.Helper()
	sendCmd(t, conn, cmd)
	if got := readReply(t, reader); !strings.HasPrefix(got, wantPrefix) {
		t.Fatalf("%s: got %q, want prefix %q", cmd, got, wantPrefix)
	}
}

func authPlain(user, pass string) string {
	return "AUTH PLAIN " + b64("\x00"+user+"\x00"+pass)
}

func TestServer_EHLOAdvertisesAuth(t *testing.T) {
	t.Parallel()

	srv := startServer(t, Options{Username: "user", Password: "pass"})
	conn, reader := dial(t, srv)

	sendCmd(t, conn, "EHLO client.test")
	var lines []string
	for {
		line := readLine(t, reader)
		lines = append(lines, line)
		if strings.HasPrefix(line, "250 ") {
			break
		}
	}
	if !strings.Contains(strings.Join(lines, "\n"), "AUTH PLAIN LOGIN") {
		t.Errorf("EHLO reply does not advertise AUTH PLAIN LOGIN: %v", lines)
	}
}

func TestServer_MailRequiresAuth(t *testing.T) {
	t.Parallel()

	srv := startServer(t, Options{Username: "user", Password: "pass"})
	conn, reader := dial(t, srv)

	expect(t, conn, reader, "EHLO client.test", "250 ")
	expect(t, conn, reader, "MAIL FROM:<a@x.com>", "530 ")
	expect(t, conn, reader, authPlain("user", "wrong"), "535 ")
	expect(t, conn, reader, authPlain("user", "pass"), "235 ")
	expect(t, conn, reader, "MAIL FROM:<a@x.com>", "250 ")
}

func TestServer_AuthLogin(t *testing.T) {
	t.Parallel()

	srv := startServer(t, Options{Username: "user", Password: "pass"})
	conn, reader := dial(t, srv)

	expect(t, conn, reader, "EHLO client.test", "250 ")
	expect(t, conn, reader, "AUTH LOGIN", "334 VXNlcm5hbWU6")
	expect(t, conn, reader, b64("user"), "334 UGFzc3dvcmQ6")
	expect(t, conn, reader, b64("pass"), "235 ")
}

func TestServer_RecordsMessage(t *testing.T) {
	t.Parallel()

	srv := startServer(t, Options{})
	conn, reader := dial(t, srv)

	expect(t, conn, reader, "EHLO client.test", "250 ")
	expect(t, conn, reader, "MAIL FROM:<admin@mail.com>", "250 ")
	expect(t, conn, reader, "RCPT TO:<joe@mail.com>", "250 ")
	expect(t, conn, reader, "DATA", "354 ")
	sendCmd(t, conn, "Subject: hi\r\n\r\n..leading dot\r\nbody")
	expect(t, conn, reader, ".", "250 ")
	expect(t, conn, reader, "QUIT", "221 ")

	msgs := srv.Messages()
	if len(msgs) != 1 {
		t.Fatalf("Messages: got %d, want 1", len(msgs))
	}
	if msgs[0].From != "admin@mail.com" {
		t.Errorf("From: got %q, want %q", msgs[0].From, "admin@mail.com")
	}
	if len(msgs[0].To) != 1 || msgs[0].To[0] != "joe@mail.com" {
		t.Errorf("To: got %v, want [joe@mail.com]", msgs[0].To)
	}
	if want := "Subject: hi\r\n\r\n.leading dot\r\nbody\r\n"; string(msgs[0].Data) != want {
		t.Errorf("Data: got %q, want %q", msgs[0].Data, want)
	}
}

func TestServer_FailNextData(t *testing.T) {
	t.Parallel()

	srv := startServer(t, Options{})
	srv.FailNextData(1)
	conn, reader := dial(t, srv)

	expect(t, conn, reader, "EHLO client.test", "250 ")
	for _, want := range []string{"451 ", "250 "} {
		expect(t, conn, reader, "MAIL FROM:<a@x.com>", "250 ")
		expect(t, conn, reader, "RCPT TO:<b@x.com>", "250 ")
		expect(t, conn, reader, "DATA", "354 ")
		sendCmd(t, conn, "body")
		expect(t, conn, reader, ".", want)
	}

	if got := len(srv.Messages()); got != 1 {
		t.Errorf("Messages: got %d, want 1", got)
	}
}

func TestServer_DropNextMail(t *testing.T) {
	t.Parallel()

	srv := startServer(t, Options{})
	srv.DropNextMail()
	conn, reader := dial(t, srv)

	expect(t, conn, reader, "EHLO client.test", "250 ")
	sendCmd(t, conn, "MAIL FROM:<a@x.com>")
	if _, err := reader.ReadString('\n'); err != io.EOF {
		t.Errorf("read after drop: got %v, want io.EOF", err)
	}

	// The fault is consumed: a new session works normally.
	conn2, reader2 := dial(t, srv)
	expect(t, conn2, reader2, "EHLO client.test", "250 ")
	expect(t, conn2, reader2, "MAIL FROM:<a@x.com>", "250 ")
	if got := srv.Sessions(); got != 2 {
		t.Errorf("Sessions: got %d, want 2", got)
	}
}

func TestServer_ShutdownOnNextMail(t *testing.T) {
	t.Parallel()

	srv := startServer(t, Options{})
	srv.ShutdownOnNextMail()
	conn, reader := dial(t, srv)

	expect(t, conn, reader, "EHLO client.test", "250 ")
	expect(t, conn, reader, "MAIL FROM:<a@x.com>", "421 ")
}

func TestExtractAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"<a@x.com>", "a@x.com"},
		{" <a@x.com> BODY=8BITMIME", "a@x.com"},
		{"a@x.com", "a@x.com"},
		{"a@x.com SIZE=10", "a@x.com"},
		{"<a@x.com", ""},
	}
	for _, tt := range tests {
		if got := extractAddress(tt.in); got != tt.want {
			t.Errorf("extractAddress(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}
