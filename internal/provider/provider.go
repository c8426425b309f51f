// Package provider defines the interface for email delivery backends.
package provider

import (
	"context"

	"gopkg.in/gomail.v2"
)

// Provider is the interface that email delivery backends must implement.
// A provider opens sessions; the session manager owns the returned
// SendCloser and is the only caller of its methods.
type Provider interface {
	// Dial opens and authenticates a new delivery session. Closing the
	// returned SendCloser ends the session gracefully (QUIT for SMTP).
	Dial(ctx context.Context) (gomail.SendCloser, error)

	// Name returns the human-readable name of this provider.
	Name() string
}
