// Package parser reads RFC 5322 messages back into the email model. It is
// used to preview what a provider would deliver and to inspect built messages.
package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"

	"github.com/shineum/mail-dispatch/internal/email"
)

// Parse parses a raw message. Single-part text/plain and text/html bodies
// are supported as well as (nested) multipart bodies; the first text/plain
// and the first text/html part win. Any other part is logged and ignored.
func Parse(raw []byte) (*email.Email, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	result := &email.Email{
		RawHeaders: make(map[string][]string, len(msg.Header)),
		From:       decodeHeader(msg.Header.Get("From")),
		Subject:    decodeHeader(msg.Header.Get("Subject")),
		MessageID:  msg.Header.Get("Message-Id"),
		To:         parseAddressList(msg.Header.Get("To")),
	}
	for key, values := range msg.Header {
		result.RawHeaders[key] = values
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		// Missing or broken Content-Type: RFC 2045 default is text/plain.
		mediaType, params = "text/plain", nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		if params["boundary"] == "" {
			return nil, fmt.Errorf("multipart message missing boundary")
		}
		if err := parseMultipart(msg.Body, params["boundary"], result); err != nil {
			return nil, fmt.Errorf("failed to parse multipart message: %w", err)
		}
		return result, nil
	}

	body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	assignBody(result, mediaType, body)
	return result, nil
}

func parseMultipart(body io.Reader, boundary string, result *email.Email) error {
	reader := multipart.NewReader(body, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		contentType := part.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "text/plain"
		}
		mediaType, params, err := mime.ParseMediaType(contentType)
		if err != nil {
			slog.Warn("skipping part with invalid content type",
				"content_type", contentType,
				"error", err,
			)
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			if params["boundary"] == "" {
				return fmt.Errorf("nested %s part missing boundary", mediaType)
			}
			if err := parseMultipart(part, params["boundary"], result); err != nil {
				return err
			}
			continue
		}

		// multipart.Part already strips quoted-printable.
		content, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			return fmt.Errorf("failed to read %s part: %w", mediaType, err)
		}
		assignBody(result, mediaType, content)
	}
}

func assignBody(result *email.Email, mediaType string, body []byte) {
	switch mediaType {
	case "text/plain":
		if result.TextBody == "" {
			result.TextBody = string(body)
		}
	case "text/html":
		if result.HtmlBody == "" {
			result.HtmlBody = string(body)
		}
	default:
		slog.Warn("ignoring unsupported MIME part", "content_type", mediaType)
	}
}

func decodeBody(r io.Reader, encoding string) ([]byte, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	if !strings.EqualFold(strings.TrimSpace(encoding), "base64") {
		return raw, nil
	}

	cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(string(raw))
	decoded, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 content: %w", err)
		}
	}
	return decoded, nil
}

// decodeHeader decodes RFC 2047 encoded words, returning the input
// unchanged when it is not encoded or cannot be decoded.
func decodeHeader(v string) string {
	dec := new(mime.WordDecoder)
	out, err := dec.DecodeHeader(v)
	if err != nil {
		return v
	}
	return out
}

// parseAddressList returns the bare addresses of a header value.
func parseAddressList(raw string) []string {
	if raw == "" {
		return nil
	}

	addresses, err := mail.ParseAddressList(raw)
	if err != nil {
		var result []string
		for _, p := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, addr.Address)
	}
	return result
}
