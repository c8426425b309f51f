// Package stdout implements a Provider that prints emails to standard output
// instead of delivering them. It backs the dry-run mode of the CLI.
package stdout

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"gopkg.in/gomail.v2"

	"github.com/shineum/mail-dispatch/internal/parser"
)

const separator = "========================================\n"

// Provider prints email messages in a human-readable format.
type Provider struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
	mu     sync.Mutex
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

// Dial returns a session printing to the provider's writer. It never fails.
func (p *Provider) Dial(_ context.Context) (gomail.SendCloser, error) {
	return &session{p: p}, nil
}

type session struct {
	p *Provider
}

// Send parses the built message back and prints its envelope, subject and
// plain body.
func (s *session) Send(from string, to []string, msg io.WriterTo) error {
	var raw bytes.Buffer
	if _, err := msg.WriteTo(&raw); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	parsed, err := parser.Parse(raw.Bytes())
	if err != nil {
		return err
	}

	var b strings.Builder
	b.WriteString(separator)
	fmt.Fprintf(&b, "From: %s\n", from)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\n", parsed.Subject)
	if parsed.MessageID != "" {
		fmt.Fprintf(&b, "Message-ID: %s\n", parsed.MessageID)
	}
	b.WriteString("Body:\n")

	body := parsed.TextBody
	if body == "" {
		body = parsed.HtmlBody
	}
	b.WriteString(body + "\n")
	b.WriteString(separator)

	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	_, err = io.WriteString(s.p.writer, b.String())
	return err
}

func (s *session) Close() error {
	return nil
}
