package model

import "time"

// Span locates one message inside the archive it was read from. It covers the
// separator line through the end of the message, so copying the span
// reproduces the message byte for byte.
type Span struct {
	Offset int64
	Length int64
}

// End returns the offset just past the span.
func (s Span) End() int64 {
	return s.Offset + s.Length
}

// Record represents a single email message extracted from an mbox archive.
type Record struct {
	Identity  string
	Sender    string
	Recipient string
	Subject   string
	RawDate   string
	Date      time.Time
	Body      string
	Payload   Span
	Size      int64
}

// Dated reports whether the Date header could be parsed.
func (r Record) Dated() bool {
	return !r.Date.IsZero()
}
