package email

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// HTMLFormat is the fixed wrapper every plain body is placed into to
// produce the HTML alternative.
const HTMLFormat = `<html>
  <head></head>
  <body>
    %s
  </body>
</html>
`

// WrapHTML substitutes body verbatim into HTMLFormat.
func WrapHTML(body string) string {
	return strings.Replace(HTMLFormat, "%s", body, 1)
}

// NewRenderedMessage builds the message for one recipient from an already
// rendered subject and body.
func NewRenderedMessage(sender string, recipient Identity, subject, body string) *RenderedMessage {
	return &RenderedMessage{
		Sender:    sender,
		Recipient: recipient,
		Subject:   subject,
		PlainBody: body,
		HTMLBody:  WrapHTML(body),
		Date:      time.Now(),
	}
}

// Build converts the message into a multipart/alternative MIME message with
// the plain part first and the HTML part second.
func (m *RenderedMessage) Build() *gomail.Message {
	msg := gomail.NewMessage()
	if addr, err := mail.ParseAddress(m.Sender); err == nil {
		msg.SetAddressHeader("From", addr.Address, addr.Name)
	} else {
		msg.SetHeader("From", m.Sender)
	}
	msg.SetAddressHeader("To", m.Recipient.Email, m.Recipient.Name)
	msg.SetHeader("Subject", m.Subject)
	msg.SetHeader("Message-ID", messageID(m.Sender))
	msg.SetDateHeader("Date", m.Date)
	msg.SetBody("text/plain", m.PlainBody)
	msg.AddAlternative("text/html", m.HTMLBody)
	return msg
}

// messageID returns a unique Message-ID scoped to the sender's domain,
// falling back to localhost when the sender is not a parseable address.
func messageID(sender string) string {
	domain := "localhost"
	if addr, err := mail.ParseAddress(sender); err == nil {
		if at := strings.LastIndex(addr.Address, "@"); at >= 0 && at < len(addr.Address)-1 {
			domain = addr.Address[at+1:]
		}
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}
