package session

import (
	"errors"
	"io"
	"net"
	"net/textproto"
	"syscall"
)

// errNotConnected is returned by a send attempted without a live session.
// It is handled like a server disconnect.
var errNotConnected = errors.New("no active session")

// smtpServiceNotAvailable is the reply code a server sends before closing
// the transmission channel.
const smtpServiceNotAvailable = 421

// isDisconnect reports whether err means the session is gone and must be
// re-established rather than retried in place. A timed-out connection is
// included: once a deadline fires mid-command the protocol state is lost.
func isDisconnect(err error) bool {
	switch {
	case errors.Is(err, errNotConnected),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return true
	}

	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return protoErr.Code == smtpServiceNotAvailable
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
