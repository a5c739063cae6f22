package textutil

import (
	"html"
	"io"
	"mime"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message/charset"
)

var (
	encodedWordRe = regexp.MustCompile(`=\?([^?\s]+)\?([bBqQ])\?([^?\s]*)\?=`)
	foldRe        = regexp.MustCompile(`\r?\n[ \t]+`)
	tagRe         = regexp.MustCompile(`<[^>]+>`)

	// wordDecoder converts an encoded word to UTF-8 using its declared charset.
	wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}
	// rawWordDecoder only undoes the B or Q encoding and keeps the bytes.
	rawWordDecoder = &mime.WordDecoder{CharsetReader: func(_ string, r io.Reader) (io.Reader, error) {
		return r, nil
	}}
)

// DecodeHeader turns a raw header value into readable text. Each RFC 2047
// encoded word is decoded with its declared charset, then as UTF-8, then as
// Latin-1. Unencoded text goes through the UTF-8 and Latin-1 steps. Words that
// cannot be transfer-decoded are kept verbatim. DecodeHeader never fails.
func DecodeHeader(raw string) string {
	if raw == "" {
		return ""
	}
	raw = strings.TrimSpace(foldRe.ReplaceAllString(raw, " "))

	matches := encodedWordRe.FindAllStringSubmatchIndex(raw, -1)
	if len(matches) == 0 {
		return decodeBytes("", []byte(raw))
	}

	var sb strings.Builder
	prev := 0
	for i, m := range matches {
		between := raw[prev:m[0]]
		// Whitespace separating two encoded words is not part of the text.
		if i == 0 || strings.TrimSpace(between) != "" {
			sb.WriteString(decodeBytes("", []byte(between)))
		}

		label := raw[m[2]:m[3]]
		if idx := strings.IndexByte(label, '*'); idx >= 0 {
			label = label[:idx]
		}
		sb.WriteString(decodeWord(label, raw[m[4]:m[5]], raw[m[6]:m[7]], raw[m[0]:m[1]]))
		prev = m[1]
	}
	sb.WriteString(decodeBytes("", []byte(raw[prev:])))
	return sb.String()
}

func decodeBytes(label string, b []byte) string {
	if label != "" && !isUTF8Label(label) {
		if out, ok := Decode(label, b); ok {
			return out
		}
	}
	if utf8.Valid(b) {
		return string(b)
	}
	return Latin1(b)
}

func isUTF8Label(label string) bool {
	switch strings.ToLower(label) {
	case "utf-8", "utf8":
		return true
	}
	return false
}

// decodeWord decodes one encoded word. When the declared charset is unknown
// or does not yield UTF-8, the transfer-decoded bytes go through the UTF-8
// and Latin-1 steps. A word that cannot be transfer-decoded is returned as
// original.
func decodeWord(label, enc, text, original string) string {
	word := "=?" + label + "?" + enc + "?" + text + "?="
	if out, err := wordDecoder.Decode(word); err == nil && utf8.ValidString(out) {
		return out
	}
	payload, err := rawWordDecoder.Decode(word)
	if err != nil {
		return original
	}
	return decodeBytes(label, []byte(payload))
}

// StripTags removes anything between angle brackets and decodes entities.
// It is not an HTML parser; the result is meant for substring search.
func StripTags(s string) string {
	return html.UnescapeString(tagRe.ReplaceAllString(s, " "))
}
