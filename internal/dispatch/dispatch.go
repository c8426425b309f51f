// Package dispatch turns a batch of events into delivered emails: one
// rendered message per (event, recipient) pair, sent concurrently through a
// single session that is opened before and closed after the batch.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/event"
	"github.com/shineum/mail-dispatch/internal/metrics"
)

// ErrTemplate is returned when the subject or body of an event cannot be
// rendered. Such events are skipped.
var ErrTemplate = errors.New("template rendering failed")

// Sender is the session a batch is delivered through. *session.Manager
// implements it.
type Sender interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, from, to string, msg io.WriterTo) error
	Disconnect()
}

// Renderer evaluates a template against one event.
type Renderer interface {
	Render(tmpl string, ev event.Event) (string, error)
}

// Config holds the configuration for a Dispatcher.
type Config struct {
	Sender     Sender
	Renderer   Renderer
	Template   email.MessageTemplate
	Recipients []email.Identity

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Result summarizes one processed batch.
type Result struct {
	Events  int `json:"events"`
	Skipped int `json:"skipped"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}

// LogValue implements slog.LogValuer.
func (r Result) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("events", r.Events),
		slog.Int("skipped", r.Skipped),
		slog.Int("sent", r.Sent),
		slog.Int("failed", r.Failed),
	)
}

// Dispatcher processes batches. Configuration is read-only after New, so a
// Dispatcher may be reused for several batches, one at a time.
type Dispatcher struct {
	sender     Sender
	renderer   Renderer
	template   email.MessageTemplate
	recipients []email.Identity
	from       string
	logger     *slog.Logger
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sender:     cfg.Sender,
		renderer:   cfg.Renderer,
		template:   cfg.Template,
		recipients: cfg.Recipients,
		from:       envelopeFrom(cfg.Template.Sender),
		logger:     logger,
	}
}

// ProcessBatch connects, sends every rendered event to every recipient and
// disconnects once all sends have finished.
//
// A connect failure aborts the batch before anything is sent and is
// returned. Render failures skip the event and send failures are counted;
// neither stops the batch.
func (d *Dispatcher) ProcessBatch(ctx context.Context, events []event.Event) (Result, error) {
	start := time.Now()
	defer func() {
		metrics.BatchDuration.Observe(time.Since(start).Seconds())
	}()

	result := Result{Events: len(events)}

	if err := d.sender.Connect(ctx); err != nil {
		metrics.Batches.WithLabelValues("aborted").Inc()
		d.logger.Error("batch aborted, could not connect", "events", len(events), "error", err)
		return result, err
	}
	defer d.sender.Disconnect()

	var (
		g      errgroup.Group
		sent   atomic.Int64
		failed atomic.Int64
	)

	for i, ev := range events {
		subject, body, err := d.render(ev)
		if err != nil {
			result.Skipped++
			metrics.EventsSkipped.Inc()
			d.logger.Error("skipping event", "event", i, "error", err)
			continue
		}

		for _, rcpt := range d.recipients {
			msg := email.NewRenderedMessage(d.template.Sender, rcpt, subject, body)
			g.Go(func() error {
				if err := d.sender.Send(ctx, d.from, rcpt.Email, msg.Build()); err != nil {
					failed.Add(1)
					d.logger.Error("failed to send mail",
						"event", i,
						"recipient", rcpt.Email,
						"error", err,
					)
					return nil
				}
				sent.Add(1)
				return nil
			})
		}
	}

	// Sends never return an error to the group; Wait is only the barrier
	// before Disconnect.
	_ = g.Wait()

	result.Sent = int(sent.Load())
	result.Failed = int(failed.Load())
	metrics.Batches.WithLabelValues("completed").Inc()
	d.logger.Info("batch processed", "result", result)
	return result, nil
}

func (d *Dispatcher) render(ev event.Event) (string, string, error) {
	subject, err := d.renderer.Render(d.template.Subject, ev)
	if err != nil {
		return "", "", fmt.Errorf("%w: subject: %w", ErrTemplate, err)
	}
	body, err := d.renderer.Render(d.template.Body, ev)
	if err != nil {
		return "", "", fmt.Errorf("%w: body: %w", ErrTemplate, err)
	}
	return subject, body, nil
}

// envelopeFrom returns the bare address of a sender that may carry a display
// name, or the sender unchanged when it does not parse.
func envelopeFrom(sender string) string {
	if addr, err := mail.ParseAddress(sender); err == nil {
		return addr.Address
	}
	return sender
}
