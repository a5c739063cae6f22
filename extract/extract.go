// Package extract turns raw mbox messages into searchable records.
package extract

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"

	"github.com/dhcgn/mbox-curate/mbox"
	"github.com/dhcgn/mbox-curate/model"
	"github.com/dhcgn/mbox-curate/textutil"
)

// ErrEmptyRecord is returned for a message without any header or body bytes.
var ErrEmptyRecord = errors.New("empty record")

// identityBodyBytes is how much of the raw body feeds a synthesized identity.
const identityBodyBytes = 100

// dateFormats lists common email date formats tried after net/mail.ParseDate.
var dateFormats = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 MST",
	"02 Jan 2006 15:04:05 -0700",
	time.RFC822Z,
	time.RFC822,
	time.RFC850,
	time.ANSIC,
	time.UnixDate,
	"Mon, 2 Jan 2006 15:04 -0700",
	time.RFC3339,
	"2006-01-02 15:04:05 -0700",
	"2006-01-02 15:04:05",
}

type Extractor struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Extractor {
	return &Extractor{logger: logger}
}

// Extract parses one message. Header decoding, date parsing and body
// extraction all degrade instead of failing. Malformed header lines are
// dropped; an error means no header field could be read at all.
func (e *Extractor) Extract(msg mbox.Message) (model.Record, error) {
	raw := msg.Raw
	if len(bytes.TrimSpace(raw)) == 0 {
		return model.Record{}, ErrEmptyRecord
	}

	_, rawBody := mbox.SplitRawMessage(raw)
	if rawBody == nil {
		// Header-only message; terminate the header block for the parser.
		trimmed := bytes.TrimRight(raw, "\r\n")
		raw = make([]byte, 0, len(trimmed)+2)
		raw = append(append(raw, trimmed...), '\n', '\n')
	}

	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		repaired, dropped := repairHeader(raw)
		if repaired == nil {
			return model.Record{}, fmt.Errorf("parse header: %w", err)
		}
		if e.logger != nil {
			e.logger.Debug("dropped malformed header lines", "offset", msg.Span.Offset, "dropped", dropped, "err", err)
		}
		entity, err = message.Read(bytes.NewReader(repaired))
		if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
			return model.Record{}, fmt.Errorf("parse header: %w", err)
		}
	}

	rec := model.Record{
		Sender:    textutil.DecodeHeader(entity.Header.Get("From")),
		Recipient: textutil.DecodeHeader(entity.Header.Get("To")),
		Subject:   textutil.DecodeHeader(entity.Header.Get("Subject")),
		RawDate:   strings.TrimSpace(entity.Header.Get("Date")),
		Payload:   msg.Span,
		Size:      msg.Span.Length,
	}
	if rec.RawDate != "" {
		rec.Date, _ = ParseDate(rec.RawDate)
	}
	rec.Body = e.body(entity, rawBody)
	rec.Identity = identity(entity.Header.Get("Message-Id"), rec, rawBody)

	return rec, nil
}

// repairHeader rebuilds raw without the header lines the parser rejects:
// lines that are not a "Key: value" field and continuation lines that do not
// follow a kept field. It returns nil when no field survives.
func repairHeader(raw []byte) (repaired []byte, dropped int) {
	header, body := mbox.SplitRawMessage(raw)

	var out bytes.Buffer
	kept := 0
	inField := false
	for _, line := range bytes.Split(header, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		switch {
		case len(line) > 0 && (line[0] == ' ' || line[0] == '\t'):
			if !inField {
				dropped++
				continue
			}
		case validField(line):
			inField = true
			kept++
		default:
			inField = false
			dropped++
			continue
		}
		out.Write(line)
		out.WriteByte('\n')
	}
	if kept == 0 {
		return nil, dropped
	}

	out.WriteByte('\n')
	out.Write(body)
	return out.Bytes(), dropped
}

// validField reports whether line starts a header field with a non-empty
// key of printable ASCII.
func validField(line []byte) bool {
	colon := bytes.IndexByte(line, ':')
	if colon < 0 {
		return false
	}
	key := bytes.Trim(line[:colon], " \t")
	if len(key) == 0 {
		return false
	}
	for _, c := range key {
		if c < 33 || c > 126 {
			return false
		}
	}
	return true
}

func (e *Extractor) body(entity *message.Entity, rawBody []byte) string {
	mediaType, _, _ := entity.Header.ContentType()
	if !strings.HasPrefix(mediaType, "multipart/") {
		data, err := io.ReadAll(entity.Body)
		if err != nil {
			if e.logger != nil {
				e.logger.Debug("decode body failed, using raw payload", "err", err)
			}
			data = rawBody
		}
		return textutil.EnsureUTF8(string(data))
	}

	var (
		plain []string
		html  string
		seen  bool
	)
	walkErr := entity.Walk(func(_ []int, part *message.Entity, err error) error {
		if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
			return err
		}
		partType, _, _ := part.Header.ContentType()
		if strings.HasPrefix(partType, "multipart/") {
			return nil
		}
		if disp, _, _ := part.Header.ContentDisposition(); strings.EqualFold(disp, "attachment") {
			return nil
		}

		switch partType {
		case "text/plain":
			data, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				return nil
			}
			plain = append(plain, textutil.EnsureUTF8(string(data)))
		case "text/html":
			if seen {
				return nil
			}
			data, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				return nil
			}
			html = textutil.EnsureUTF8(string(data))
			seen = true
		}
		return nil
	})
	if walkErr != nil && e.logger != nil {
		e.logger.Debug("walk multipart body stopped early", "err", walkErr)
	}

	if len(plain) > 0 {
		return strings.Join(plain, "\n")
	}
	if seen {
		return textutil.StripTags(html)
	}
	return ""
}

// identity prefers the Message-ID header and otherwise hashes the fields that
// identify a message so the same file always yields the same keys.
func identity(messageID string, rec model.Record, rawBody []byte) string {
	if id := strings.Trim(strings.TrimSpace(messageID), " <>"); id != "" {
		return id
	}

	prefix := rawBody
	if len(prefix) > identityBodyBytes {
		prefix = prefix[:identityBodyBytes]
	}

	h := sha256.New()
	for _, field := range []string{rec.Sender, rec.Recipient, rec.Subject, rec.RawDate} {
		h.Write([]byte(field))
		h.Write([]byte{'|'})
	}
	h.Write(prefix)
	return "generated-" + hex.EncodeToString(h.Sum(nil))
}

// ParseDate parses an email Date header. The result keeps the header's UTC
// offset so callers can tell the sender's calendar day.
func ParseDate(s string) (time.Time, error) {
	s = strings.Join(strings.Fields(s), " ")
	if t, err := mail.ParseDate(s); err == nil {
		return t, nil
	}

	base := s
	if idx := strings.LastIndex(s, "("); idx > 0 {
		base = strings.TrimSpace(s[:idx])
	}
	for _, format := range dateFormats {
		if t, err := time.Parse(format, base); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}
