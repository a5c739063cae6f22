// Package textutil provides header decoding and text repair helpers.
package textutil

import (
	"bytes"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message/charset"
	"github.com/gogs/chardet"
	"golang.org/x/text/encoding/charmap"
)

// fallbackCharsets are tried in order when detection is inconclusive.
var fallbackCharsets = []string{"windows-1252", "iso-8859-15", "shift_jis", "euc-jp", "euc-kr", "gbk", "big5"}

// detectedAliases maps chardet names that no charset index knows.
var detectedAliases = map[string]string{
	"GB-18030": "gb18030",
}

// EnsureUTF8 returns s unchanged when it is valid UTF-8. Otherwise s is
// decoded with the charset chardet detects, then with each fallback charset,
// and finally invalid sequences are replaced with U+FFFD.
func EnsureUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}

	data := []byte(s)

	// chardet is unreliable on short input, so accept lower confidence there.
	minConfidence := 30
	if len(data) > 50 {
		minConfidence = 50
	}

	result, err := chardet.NewTextDetector().DetectBest(data)
	if err == nil && result.Confidence >= minConfidence {
		label := result.Charset
		if alias, ok := detectedAliases[label]; ok {
			label = alias
		}
		if out, ok := Decode(label, data); ok {
			return out
		}
	}

	for _, label := range fallbackCharsets {
		if out, ok := Decode(label, data); ok {
			return out
		}
	}
	return strings.ToValidUTF8(s, "\uFFFD")
}

// Decode converts data from the named charset to UTF-8. ok is false when the
// charset is unknown or some bytes have no mapping in it.
func Decode(label string, data []byte) (string, bool) {
	r, err := charset.Reader(label, bytes.NewReader(data))
	if err != nil {
		return "", false
	}
	out, err := io.ReadAll(r)
	if err != nil || !utf8.Valid(out) || bytes.ContainsRune(out, utf8.RuneError) {
		return "", false
	}
	return string(out), true
}

// Latin1 decodes b as ISO-8859-1. Every byte maps to a code point, which
// makes it the decoder of last resort for header text.
func Latin1(b []byte) string {
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		return strings.ToValidUTF8(string(b), "\uFFFD")
	}
	return string(out)
}

// TruncateRunes shortens s to maxRunes runes, ending in "..." when cut.
func TruncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	if maxRunes <= 3 {
		return string(runes[:maxRunes])
	}
	return string(runes[:maxRunes-3]) + "..."
}
