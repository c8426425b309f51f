// Package email defines the message model shared by the dispatcher, the
// delivery providers and the MIME parser.
package email

import (
	"net/mail"
	"time"
)

// Identity is a single recipient.
type Identity struct {
	Name  string `yaml:"name" json:"name"`
	Email string `yaml:"email" json:"email"`
}

// String formats the identity as an RFC 5322 address, e.g. `"Joe" <joe@mail.com>`.
func (i Identity) String() string {
	a := mail.Address{Name: i.Name, Address: i.Email}
	return a.String()
}

// MessageTemplate holds the sender and the unrendered subject and body.
// Subject and Body may contain placeholders that are resolved per event.
type MessageTemplate struct {
	Sender  string `yaml:"sender" json:"sender"`
	Subject string `yaml:"subject" json:"subject"`
	Body    string `yaml:"body" json:"body"`
}

// RenderedMessage is one fully rendered email for one recipient.
// It is built per (event, recipient) pair and consumed by a single send.
type RenderedMessage struct {
	Sender    string
	Recipient Identity
	Subject   string
	PlainBody string
	HTMLBody  string
	Date      time.Time
}

// Email is a parsed RFC 5322 message.
type Email struct {
	From       string
	To         []string
	Subject    string
	TextBody   string
	HtmlBody   string
	MessageID  string
	RawHeaders map[string][]string
}
