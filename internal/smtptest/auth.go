// Package smtptest provides an in-process SMTP server with implicit TLS for
// exercising delivery clients end to end. It records every accepted message
// and can be told to fail or drop sessions on demand.
package smtptest

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
)

var errBadCredentials = errors.New("authentication failed")

// credentials verifies SMTP AUTH responses against one account.
type credentials struct {
	username string
	password string
}

func (c credentials) match(user, pass string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(c.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(c.password)) == 1
	return userOK && passOK
}

// verifyPlain checks a base64 AUTH PLAIN response: [authzid]\0authcid\0password.
// The authorization identity is ignored.
func (c credentials) verifyPlain(encoded string) error {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return errors.New("invalid base64 encoding")
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return errors.New("invalid AUTH PLAIN format")
	}
	if !c.match(parts[1], parts[2]) {
		return errBadCredentials
	}
	return nil
}

// verifyLogin checks the base64 username and password collected by the
// AUTH LOGIN challenge-response exchange.
func (c credentials) verifyLogin(encodedUser, encodedPass string) error {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return errors.New("invalid base64 username")
	}
	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return errors.New("invalid base64 password")
	}
	if !c.match(string(user), string(pass)) {
		return errBadCredentials
	}
	return nil
}
