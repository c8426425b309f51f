package dispatch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/event"
	"github.com/shineum/mail-dispatch/internal/metrics"
	"github.com/shineum/mail-dispatch/internal/parser"
	"github.com/shineum/mail-dispatch/internal/render"
)

// ProcessBatch tests run serially: several assert deltas on the
// package-level counters in internal/metrics.

type sentMail struct {
	from string
	to   string
	raw  []byte
}

type fakeSender struct {
	connectErr error
	sendFn     func(to string) error
	sendDelay  time.Duration

	mu          sync.Mutex
	connects    int
	disconnects int
	sent        []sentMail

	inFlight          atomic.Int32
	inFlightAtDisconn int32
}

func (f *fakeSender) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeSender) Send(_ context.Context, from, to string, msg io.WriterTo) error {
	f.inFlight.Add(1)
	defer f.inFlight.Add(-1)

	if f.sendDelay > 0 {
		time.Sleep(f.sendDelay)
	}

	var buf bytes.Buffer
	if _, err := msg.WriteTo(&buf); err != nil {
		return err
	}

	f.mu.Lock()
	f.sent = append(f.sent, sentMail{from: from, to: to, raw: buf.Bytes()})
	f.mu.Unlock()

	if f.sendFn != nil {
		return f.sendFn(to)
	}
	return nil
}

func (f *fakeSender) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.inFlightAtDisconn = f.inFlight.Load()
}

func (f *fakeSender) recipients() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.to)
	}
	return out
}

var (
	suzy = email.Identity{Name: "Suzanne", Email: "suzy@mail.com"}
	jim  = email.Identity{Name: "Jim", Email: "jimmy@mail.com"}
	joe  = email.Identity{Name: "Joe", Email: "joe@mail.com"}
)

var defaultTemplate = email.MessageTemplate{
	Sender:  "admin@mail.com",
	Subject: "Diagnostics",
	Body:    "This is a test {{ .data }}",
}

func newDispatcher(s Sender, recipients ...email.Identity) *Dispatcher {
	return New(Config{
		Sender:     s,
		Renderer:   render.New(),
		Template:   defaultTemplate,
		Recipients: recipients,
	})
}

func events(n int) []event.Event {
	out := make([]event.Event, n)
	for i := range out {
		out[i] = event.Event{"data": i + 1}
	}
	return out
}

func TestProcessBatch_Scenarios(t *testing.T) {
	tests := []struct {
		name       string
		events     int
		recipients []email.Identity
		wantSends  int
	}{
		{name: "one event one recipient", events: 1, recipients: []email.Identity{suzy}, wantSends: 1},
		{name: "one event three recipients", events: 1, recipients: []email.Identity{suzy, jim, joe}, wantSends: 3},
		{name: "three events three recipients", events: 3, recipients: []email.Identity{suzy, jim, joe}, wantSends: 9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &fakeSender{}
			res, err := newDispatcher(s, tt.recipients...).ProcessBatch(context.Background(), events(tt.events))
			require.NoError(t, err)

			assert.Equal(t, Result{Events: tt.events, Sent: tt.wantSends}, res)
			assert.Equal(t, 1, s.connects)
			assert.Equal(t, 1, s.disconnects)
			require.Len(t, s.sent, tt.wantSends)

			perRecipient := map[string]int{}
			for _, m := range s.sent {
				assert.Equal(t, "admin@mail.com", m.from)
				perRecipient[m.to]++
			}
			for _, r := range tt.recipients {
				assert.Equal(t, tt.events, perRecipient[r.Email], "sends to %s", r.Email)
			}
		})
	}
}

func TestProcessBatch_MessageContent(t *testing.T) {
	s := &fakeSender{}
	_, err := newDispatcher(s, joe).ProcessBatch(context.Background(), []event.Event{{"data": 3}})
	require.NoError(t, err)
	require.Len(t, s.sent, 1)

	parsed, err := parser.Parse(s.sent[0].raw)
	require.NoError(t, err)
	assert.Equal(t, "admin@mail.com", parsed.From)
	assert.Equal(t, []string{"joe@mail.com"}, parsed.To)
	assert.Equal(t, "Diagnostics", parsed.Subject)
	assert.Equal(t, "This is a test 3", parsed.TextBody)
	assert.Equal(t, email.WrapHTML("This is a test 3"), strings.ReplaceAll(parsed.HtmlBody, "\r\n", "\n"))
}

func TestProcessBatch_SenderWithDisplayName(t *testing.T) {
	s := &fakeSender{}
	d := New(Config{
		Sender:   s,
		Renderer: render.New(),
		Template: email.MessageTemplate{
			Sender:  "Anna Administrator <admin@mail.com>",
			Subject: "s",
			Body:    "b",
		},
		Recipients: []email.Identity{joe},
	})

	_, err := d.ProcessBatch(context.Background(), events(1))
	require.NoError(t, err)
	require.Len(t, s.sent, 1)
	assert.Equal(t, "admin@mail.com", s.sent[0].from)
}

func TestProcessBatch_TemplateErrorSkipsEvent(t *testing.T) {
	before := testutil.ToFloat64(metrics.EventsSkipped)

	s := &fakeSender{}
	batch := []event.Event{
		{"data": 1},
		{"other": "no data key"},
		{"data": 3},
	}
	res, err := newDispatcher(s, suzy, jim).ProcessBatch(context.Background(), batch)
	require.NoError(t, err)

	assert.Equal(t, Result{Events: 3, Skipped: 1, Sent: 4}, res)
	assert.Len(t, s.sent, 4)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.EventsSkipped))
}

type failingRenderer struct{ err error }

func (r failingRenderer) Render(string, event.Event) (string, error) {
	return "", r.err
}

func TestRender_WrapsTemplateError(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	d := New(Config{Sender: &fakeSender{}, Renderer: failingRenderer{err: cause}, Template: defaultTemplate})

	_, _, err := d.render(event.Event{})
	require.ErrorIs(t, err, ErrTemplate)
	assert.ErrorIs(t, err, cause)
}

func TestProcessBatch_ConnectFailureAborts(t *testing.T) {
	before := testutil.ToFloat64(metrics.Batches.WithLabelValues("aborted"))

	connErr := errors.New("smtp connection failed")
	s := &fakeSender{connectErr: connErr}
	res, err := newDispatcher(s, suzy, jim).ProcessBatch(context.Background(), events(2))

	require.ErrorIs(t, err, connErr)
	assert.Equal(t, Result{Events: 2}, res)
	assert.Empty(t, s.sent)
	assert.Equal(t, 0, s.disconnects)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.Batches.WithLabelValues("aborted")))
}

func TestProcessBatch_SendErrorsDoNotStopBatch(t *testing.T) {
	s := &fakeSender{
		sendFn: func(to string) error {
			if to == jim.Email {
				return errors.New("smtp send failed")
			}
			return nil
		},
	}

	res, err := newDispatcher(s, suzy, jim, joe).ProcessBatch(context.Background(), events(3))
	require.NoError(t, err)

	assert.Equal(t, Result{Events: 3, Sent: 6, Failed: 3}, res)
	assert.Len(t, s.sent, 9)
	assert.Equal(t, 1, s.disconnects)
}

func TestProcessBatch_DisconnectAfterAllSends(t *testing.T) {
	s := &fakeSender{sendDelay: 20 * time.Millisecond}

	res, err := newDispatcher(s, suzy, jim, joe).ProcessBatch(context.Background(), events(3))
	require.NoError(t, err)

	assert.Equal(t, 9, res.Sent)
	assert.Equal(t, 1, s.disconnects)
	assert.Equal(t, int32(0), s.inFlightAtDisconn, "sends still running at disconnect")
}

func TestProcessBatch_EmptyBatch(t *testing.T) {
	s := &fakeSender{}
	res, err := newDispatcher(s, suzy).ProcessBatch(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, Result{}, res)
	assert.Equal(t, 1, s.connects)
	assert.Equal(t, 1, s.disconnects)
}

func TestProcessBatch_NoRecipients(t *testing.T) {
	s := &fakeSender{}
	res, err := newDispatcher(s).ProcessBatch(context.Background(), events(2))
	require.NoError(t, err)

	assert.Equal(t, Result{Events: 2}, res)
	assert.Empty(t, s.recipients())
}

func TestEnvelopeFrom(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"admin@mail.com", "admin@mail.com"},
		{`"Anna" <admin@mail.com>`, "admin@mail.com"},
		{"not an address", "not an address"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, envelopeFrom(tt.in), tt.in)
	}
}
