package extract

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dhcgn/mbox-curate/mbox"
	"github.com/dhcgn/mbox-curate/model"
)

func newMessage(raw string) mbox.Message {
	return mbox.Message{
		FromLine: "From sender@example.com Mon Jan  1 00:00:00 2024",
		Raw:      []byte(raw),
		Span:     model.Span{Offset: 42, Length: int64(len(raw)) + 50},
	}
}

func TestExtract_PlainMessage(t *testing.T) {
	raw := "From: =?UTF-8?Q?Jos=C3=A9?= <jose@example.com>\n" +
		"To: team@example.com\n" +
		"Subject: =?ISO-8859-1?Q?Caf=E9?= menu\n" +
		"Date: Tue, 2 Jan 2024 10:30:00 +0200\n" +
		"Message-ID: <abc@example.com>\n" +
		"\n" +
		"Lunch is at noon.\n"

	rec, err := New(nil).Extract(newMessage(raw))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	if rec.Identity != "abc@example.com" {
		t.Errorf("Identity = %q, want abc@example.com", rec.Identity)
	}
	if rec.Sender != "José <jose@example.com>" {
		t.Errorf("Sender = %q", rec.Sender)
	}
	if rec.Recipient != "team@example.com" {
		t.Errorf("Recipient = %q", rec.Recipient)
	}
	if rec.Subject != "Café menu" {
		t.Errorf("Subject = %q", rec.Subject)
	}
	want := time.Date(2024, 1, 2, 8, 30, 0, 0, time.UTC)
	if !rec.Date.Equal(want) {
		t.Errorf("Date = %v, want %v", rec.Date, want)
	}
	if _, offset := rec.Date.Zone(); offset != 2*3600 {
		t.Errorf("Date offset = %d, want the header's +0200", offset)
	}
	if !strings.Contains(rec.Body, "Lunch is at noon.") {
		t.Errorf("Body = %q", rec.Body)
	}
	if rec.Payload.Offset != 42 || rec.Size != rec.Payload.Length {
		t.Errorf("Payload = %+v, Size = %d", rec.Payload, rec.Size)
	}
}

func TestExtract_MultipartPrefersPlainAndSkipsAttachments(t *testing.T) {
	raw := "From: a@example.com\n" +
		"To: b@example.com\n" +
		"Subject: multi\n" +
		"Message-ID: <m1@example.com>\n" +
		"MIME-Version: 1.0\n" +
		"Content-Type: multipart/mixed; boundary=\"OUTER\"\n" +
		"\n" +
		"--OUTER\n" +
		"Content-Type: multipart/alternative; boundary=\"INNER\"\n" +
		"\n" +
		"--INNER\n" +
		"Content-Type: text/plain; charset=utf-8\n" +
		"\n" +
		"Hello plain\n" +
		"--INNER\n" +
		"Content-Type: text/html; charset=utf-8\n" +
		"\n" +
		"<p>Hello html</p>\n" +
		"--INNER--\n" +
		"--OUTER\n" +
		"Content-Type: text/plain\n" +
		"Content-Disposition: attachment; filename=\"notes.txt\"\n" +
		"\n" +
		"secret attachment\n" +
		"--OUTER\n" +
		"Content-Type: text/plain; charset=iso-8859-1\n" +
		"Content-Transfer-Encoding: quoted-printable\n" +
		"\n" +
		"Caf=E9 footer\n" +
		"--OUTER--\n"

	rec, err := New(nil).Extract(newMessage(raw))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	for _, want := range []string{"Hello plain", "Café footer"} {
		if !strings.Contains(rec.Body, want) {
			t.Errorf("Body %q missing %q", rec.Body, want)
		}
	}
	for _, unwanted := range []string{"secret attachment", "Hello html"} {
		if strings.Contains(rec.Body, unwanted) {
			t.Errorf("Body %q should not contain %q", rec.Body, unwanted)
		}
	}
	if strings.Index(rec.Body, "Hello plain") > strings.Index(rec.Body, "Café footer") {
		t.Errorf("parts out of order: %q", rec.Body)
	}
}

func TestExtract_MultipartFallsBackToHTML(t *testing.T) {
	raw := "From: a@example.com\n" +
		"Message-ID: <html@example.com>\n" +
		"Content-Type: multipart/alternative; boundary=\"B\"\n" +
		"\n" +
		"--B\n" +
		"Content-Type: text/html\n" +
		"\n" +
		"<html><body><p>Quarterly <b>numbers</b></p></body></html>\n" +
		"--B\n" +
		"Content-Type: text/html\n" +
		"\n" +
		"<p>second html</p>\n" +
		"--B--\n"

	rec, err := New(nil).Extract(newMessage(raw))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if !strings.Contains(rec.Body, "Quarterly") || !strings.Contains(rec.Body, "numbers") {
		t.Errorf("Body = %q", rec.Body)
	}
	if strings.Contains(rec.Body, "<") || strings.Contains(rec.Body, "second html") {
		t.Errorf("Body should be the first HTML part without tags, got %q", rec.Body)
	}
}

func TestExtract_NonMultipartDecodesPayload(t *testing.T) {
	raw := "From: a@example.com\n" +
		"Message-ID: <qp@example.com>\n" +
		"Content-Type: text/plain; charset=iso-8859-1\n" +
		"Content-Transfer-Encoding: quoted-printable\n" +
		"\n" +
		"Gr=FC=DFe aus K=F6ln\n"

	rec, err := New(nil).Extract(newMessage(raw))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if !strings.Contains(rec.Body, "Grüße aus Köln") {
		t.Errorf("Body = %q", rec.Body)
	}
}

func TestExtract_UnparseableDateKeepsRawText(t *testing.T) {
	raw := "From: a@example.com\nMessage-ID: <d@example.com>\nDate: sometime last week\n\nbody\n"

	rec, err := New(nil).Extract(newMessage(raw))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if rec.Dated() {
		t.Errorf("Dated() = true, Date = %v", rec.Date)
	}
	if rec.RawDate != "sometime last week" {
		t.Errorf("RawDate = %q", rec.RawDate)
	}
}

func TestExtract_SynthesizedIdentity(t *testing.T) {
	base := "From: a@example.com\nTo: b@example.com\nSubject: no id\nDate: Mon, 1 Jan 2024 00:00:00 +0000\n\n"
	ex := New(nil)

	first, err := ex.Extract(newMessage(base + "same body\n"))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	second, err := ex.Extract(newMessage(base + "same body\n"))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	other, err := ex.Extract(newMessage(base + "different body\n"))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	if !strings.HasPrefix(first.Identity, "generated-") {
		t.Fatalf("Identity = %q, want generated- prefix", first.Identity)
	}
	if first.Identity != second.Identity {
		t.Errorf("identical messages produced %q and %q", first.Identity, second.Identity)
	}
	if first.Identity == other.Identity {
		t.Errorf("different bodies share identity %q", first.Identity)
	}
}

func TestExtract_IdentityIgnoresBodyPastPrefix(t *testing.T) {
	head := "From: a@example.com\nSubject: long\n\n"
	prefix := strings.Repeat("x", identityBodyBytes)
	ex := New(nil)

	a, err := ex.Extract(newMessage(head + prefix + "tail one\n"))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	b, err := ex.Extract(newMessage(head + prefix + "tail two\n"))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if a.Identity != b.Identity {
		t.Errorf("identities differ: %q vs %q", a.Identity, b.Identity)
	}
}

func TestExtract_HeaderOnly(t *testing.T) {
	rec, err := New(nil).Extract(newMessage("From: a@example.com\nSubject: just headers"))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if rec.Subject != "just headers" || rec.Body != "" {
		t.Errorf("got Subject %q Body %q", rec.Subject, rec.Body)
	}
}

func TestExtract_RepairsMalformedHeaderLines(t *testing.T) {
	const tail = "Subject: Kept anyway\nMessage-ID: <kept@example.com>\n\nThe body.\n"
	tests := []struct {
		name string
		raw  string
	}{
		{name: "line without colon", raw: "From: a@example.com\nThis is junk\n" + tail},
		{name: "key with spaces", raw: "From: a@example.com\nX Bad Name: v\n" + tail},
		{name: "folded first line", raw: " folded first\n\tand more\nFrom: a@example.com\n" + tail},
		{name: "crlf", raw: strings.ReplaceAll("From: a@example.com\nbroken\n"+tail, "\n", "\r\n")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := New(nil).Extract(newMessage(tt.raw))
			if err != nil {
				t.Fatalf("Extract() error = %v", err)
			}
			if rec.Sender != "a@example.com" || rec.Subject != "Kept anyway" || rec.Identity != "kept@example.com" {
				t.Errorf("got Sender %q Subject %q Identity %q", rec.Sender, rec.Subject, rec.Identity)
			}
			if !strings.Contains(rec.Body, "The body.") {
				t.Errorf("Body = %q", rec.Body)
			}
		})
	}
}

func TestRepairHeader(t *testing.T) {
	got, dropped := repairHeader([]byte("junk\nFrom: a\n  continued\n: empty key\n\nbody\n"))
	if want := "From: a\n  continued\n\nbody\n"; string(got) != want || dropped != 2 {
		t.Errorf("repairHeader() = %q, %d; want %q, 2", got, dropped, want)
	}

	if got, dropped := repairHeader([]byte("only junk\n  more junk\n\nbody\n")); got != nil || dropped != 2 {
		t.Errorf("repairHeader() = %q, %d; want nil, 2", got, dropped)
	}
}

func TestExtract_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: ""},
		{name: "blank lines", raw: "\n\n"},
		{name: "malformed header", raw: "this line has no colon\n\nbody\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(nil).Extract(newMessage(tt.raw)); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	if _, err := New(nil).Extract(newMessage("")); !errors.Is(err, ErrEmptyRecord) {
		t.Errorf("empty message error = %v, want ErrEmptyRecord", err)
	}
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{in: "Mon, 02 Jan 2006 15:04:05 -0700", want: time.Date(2006, 1, 2, 22, 4, 5, 0, time.UTC), ok: true},
		{in: "Mon, 2 Jan 2006 15:04:05 +0000 (UTC)", want: time.Date(2006, 1, 2, 15, 4, 5, 0, time.UTC), ok: true},
		{in: "2006-01-02 15:04:05", want: time.Date(2006, 1, 2, 15, 4, 5, 0, time.UTC), ok: true},
		{in: "Mon Jan  2 15:04:05 2006", want: time.Date(2006, 1, 2, 15, 4, 5, 0, time.UTC), ok: true},
		{in: "not a date"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDate(tt.in)
			if !tt.ok {
				if err == nil {
					t.Fatalf("ParseDate(%q) = %v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDate(%q) error = %v", tt.in, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("ParseDate(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
