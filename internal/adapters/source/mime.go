// Package source contains the collaborators that deliver new emails to the triage service.
package source

import (
	"errors"
	"fmt"
	"html"
	"io"
	"net/textproto"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/mikey/mail-triage/internal/core"
)

// maxPartSize bounds how much of a single text part is read into memory
const maxPartSize = 1 << 20

// ParseMessage parses an RFC 5322 message into an email. fallbackID is used
// when the message carries no Message-Id.
func ParseMessage(r io.Reader, fallbackID string) (*core.Email, error) {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	defer mr.Close()

	email := &core.Email{
		Headers: headerMap(mr.Header),
	}

	if subject, err := mr.Header.Subject(); err == nil {
		email.Subject = subject
	} else {
		email.Subject = mr.Header.Get("Subject")
	}

	email.Sender = formatSender(mr.Header)

	if date, err := mr.Header.Date(); err == nil && !date.IsZero() {
		email.Date = date.UTC()
	} else {
		email.Date = time.Now().UTC()
	}

	if id, err := mr.Header.MessageID(); err == nil && id != "" {
		email.ID = id
	} else {
		email.ID = fallbackID
	}

	body, err := extractText(mr)
	if err != nil {
		return nil, err
	}
	email.Body = body

	return email, nil
}

// headerMap flattens the message header into canonical keys with decoded values
func headerMap(h mail.Header) map[string][]string {
	headers := make(map[string][]string)
	fields := h.Fields()
	for fields.Next() {
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		key := textproto.CanonicalMIMEHeaderKey(fields.Key())
		headers[key] = append(headers[key], value)
	}
	return headers
}

func formatSender(h mail.Header) string {
	addrs, err := h.AddressList("From")
	if err != nil || len(addrs) == 0 {
		return strings.TrimSpace(h.Get("From"))
	}
	if addrs[0].Name == "" {
		return addrs[0].Address
	}
	return fmt.Sprintf("%s <%s>", addrs[0].Name, addrs[0].Address)
}

// extractText collects the text/plain parts of the message, falling back to
// the text/html parts with tags stripped. Attachments are skipped.
func extractText(mr *mail.Reader) (string, error) {
	var plain, htmlText strings.Builder

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if plain.Len() > 0 || htmlText.Len() > 0 {
				break
			}
			return "", fmt.Errorf("failed to read message part: %w", err)
		}

		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, err := inline.ContentType()
		if err != nil {
			contentType = "text/plain"
		}

		var target *strings.Builder
		switch strings.ToLower(contentType) {
		case "text/plain":
			target = &plain
		case "text/html":
			target = &htmlText
		default:
			continue
		}

		data, err := io.ReadAll(io.LimitReader(part.Body, maxPartSize))
		if err != nil {
			continue
		}
		if target.Len() > 0 {
			target.WriteString("\n")
		}
		target.Write(data)
	}

	if plain.Len() > 0 {
		return strings.TrimSpace(plain.String()), nil
	}
	return stripHTML(htmlText.String()), nil
}

var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

// stripHTML removes HTML tags and decodes entities for a plain-text rendering
func stripHTML(s string) string {
	if s == "" {
		return ""
	}
	for _, tag := range []string{"<br>", "<br/>", "<br />", "</p>", "</div>", "</li>"} {
		s = strings.ReplaceAll(s, tag, "\n")
	}
	s = html.UnescapeString(htmlTagPattern.ReplaceAllString(s, ""))
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(s)
}
