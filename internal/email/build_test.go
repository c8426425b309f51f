package email_test

import (
	"bytes"
	"net/mail"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/parser"
)

func TestWrapHTML(t *testing.T) {
	t.Parallel()

	want := "<html>\n  <head></head>\n  <body>\n    hello\n  </body>\n</html>\n"
	assert.Equal(t, want, email.WrapHTML("hello"))
}

func TestWrapHTML_Verbatim(t *testing.T) {
	t.Parallel()

	// Placeholders and markup in the body are not reinterpreted.
	got := email.WrapHTML("100%s <b>done</b>")
	assert.Contains(t, got, "    100%s <b>done</b>\n")
}

func TestNewRenderedMessage(t *testing.T) {
	t.Parallel()

	rcpt := email.Identity{Name: "Joe", Email: "joe@mail.com"}
	msg := email.NewRenderedMessage("admin@mail.com", rcpt, "Diagnostics", "This is a test 3")

	assert.Equal(t, "admin@mail.com", msg.Sender)
	assert.Equal(t, rcpt, msg.Recipient)
	assert.Equal(t, "Diagnostics", msg.Subject)
	assert.Equal(t, "This is a test 3", msg.PlainBody)
	assert.Equal(t, email.WrapHTML("This is a test 3"), msg.HTMLBody)
	assert.False(t, msg.Date.IsZero())
}

func TestRenderedMessage_Build(t *testing.T) {
	t.Parallel()

	rcpt := email.Identity{Name: "Suzanne", Email: "suzy@mail.com"}
	msg := email.NewRenderedMessage("admin@mail.com", rcpt, "Diagnostics", "hello")
	msg.Date = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	var buf bytes.Buffer
	_, err := msg.Build().WriteTo(&buf)
	require.NoError(t, err)

	parsed, err := parser.Parse(buf.Bytes())
	require.NoError(t, err)

	assert.Equal(t, "admin@mail.com", parsed.From)
	assert.Equal(t, []string{"suzy@mail.com"}, parsed.To)
	assert.Equal(t, "Diagnostics", parsed.Subject)
	assert.Equal(t, "hello", parsed.TextBody)
	assert.Equal(t, email.WrapHTML("hello"), strings.ReplaceAll(parsed.HtmlBody, "\r\n", "\n"))
	assert.True(t, strings.HasSuffix(parsed.MessageID, "@mail.com>"), "MessageID: %s", parsed.MessageID)
	assert.Contains(t, parsed.RawHeaders["Content-Type"][0], "multipart/alternative")
	assert.Contains(t, parsed.RawHeaders["Date"][0], "01 Mar 2024")
}

func TestRenderedMessage_BuildNonAddressSender(t *testing.T) {
	t.Parallel()

	rcpt := email.Identity{Name: "Jim", Email: "jimmy@mail.com"}
	msg := email.NewRenderedMessage("Anna Administrator", rcpt, "s", "b")

	var buf bytes.Buffer
	_, err := msg.Build().WriteTo(&buf)
	require.NoError(t, err)

	parsed, err := parser.Parse(buf.Bytes())
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(parsed.MessageID, "@localhost>"), "MessageID: %s", parsed.MessageID)
}

func TestRenderedMessage_BuildNonASCIISenderName(t *testing.T) {
	t.Parallel()

	rcpt := email.Identity{Name: "Jim", Email: "jimmy@mail.com"}
	msg := email.NewRenderedMessage("Zoë Admin <admin@mail.com>", rcpt, "s", "b")

	var buf bytes.Buffer
	_, err := msg.Build().WriteTo(&buf)
	require.NoError(t, err)

	raw, err := mail.ReadMessage(&buf)
	require.NoError(t, err)
	from, err := raw.Header.AddressList("From")
	require.NoError(t, err)
	require.Len(t, from, 1)
	assert.Equal(t, "Zoë Admin", from[0].Name)
	assert.Equal(t, "admin@mail.com", from[0].Address)
}

func TestIdentity_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `"Joe" <joe@mail.com>`, email.Identity{Name: "Joe", Email: "joe@mail.com"}.String())
	assert.Equal(t, "<joe@mail.com>", email.Identity{Email: "joe@mail.com"}.String())
}
