// Package mbox reads and addresses messages inside mbox archives.
//
// A message starts at a line beginning with "From " that is either the first
// line of the file or follows a blank line. Every message is returned with the
// byte span it occupies in the stream, so callers can later copy it verbatim.
// Body lines escaped as ">From " (mboxrd) are unescaped in Message.Raw only;
// the span always refers to the bytes as stored.
package mbox

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/dhcgn/mbox-curate/model"
)

const maxLineBytes = 32 << 20 // 32 MiB

var fromPrefix = []byte("From ")

// Message is a single message from an mbox stream.
type Message struct {
	// FromLine is the separator line without its line ending.
	FromLine string
	// Raw holds the RFC 5322 text (headers and body) without the separator.
	Raw []byte
	// Span covers the separator line through the end of the message.
	Span model.Span
}

// Reader reads messages one at a time; it never holds more than the current
// message in memory.
type Reader struct {
	br  *bufio.Reader
	pos int64

	nextFromLine   string
	nextFromOffset int64
	hasNextFrom    bool
	prevBlank      bool
	eof            bool
}

// NewReader creates a reader positioned at offset 0 of the stream.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		br:        bufio.NewReaderSize(r, 64*1024),
		prevBlank: true,
	}
}

// Offset reports how many bytes of the stream have been consumed as lines.
func (r *Reader) Offset() int64 {
	return r.pos
}

// Next returns the next message. It returns io.EOF when the stream is exhausted.
func (r *Reader) Next() (*Message, error) {
	if r.eof && !r.hasNextFrom {
		return nil, io.EOF
	}

	if !r.hasNextFrom {
		for {
			start := r.pos
			line, err := r.readLine()
			if err != nil && err != io.EOF {
				return nil, err
			}
			if r.prevBlank && bytes.HasPrefix(line, fromPrefix) {
				r.stashSeparator(line, start)
				break
			}
			r.prevBlank = isBlank(line)
			if err == io.EOF {
				r.eof = true
				return nil, io.EOF
			}
		}
	}

	fromLine := r.nextFromLine
	start := r.nextFromOffset
	r.hasNextFrom = false
	r.prevBlank = false

	var raw bytes.Buffer
	end := int64(-1)
	for !r.eof {
		lineStart := r.pos
		line, err := r.readLine()
		if len(line) > 0 {
			if r.prevBlank && bytes.HasPrefix(line, fromPrefix) {
				r.stashSeparator(line, lineStart)
				end = lineStart
				break
			}
			raw.Write(unescapeFrom(line))
			r.prevBlank = isBlank(line)
		}
		if err != nil {
			if err == io.EOF {
				r.eof = true
				break
			}
			return nil, err
		}
	}
	if end < 0 {
		end = r.pos
	}

	return &Message{
		FromLine: fromLine,
		Raw:      raw.Bytes(),
		Span:     model.Span{Offset: start, Length: end - start},
	}, nil
}

func (r *Reader) stashSeparator(line []byte, offset int64) {
	r.nextFromLine = string(bytes.TrimRight(line, "\r\n"))
	r.nextFromOffset = offset
	r.hasNextFrom = true
}

func (r *Reader) readLine() ([]byte, error) {
	var out []byte
	for {
		b, err := r.br.ReadSlice('\n')
		out = append(out, b...)
		r.pos += int64(len(b))
		if len(out) > maxLineBytes {
			return nil, fmt.Errorf("mbox line exceeds max length (%d bytes)", maxLineBytes)
		}
		if err == nil {
			return out, nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return out, err
	}
}

func isBlank(line []byte) bool {
	return len(bytes.TrimRight(line, "\r\n")) == 0 && len(line) > 0
}

// unescapeFrom removes one '>' from lines matching ^>+From (mboxrd quoting).
func unescapeFrom(line []byte) []byte {
	if len(line) == 0 || line[0] != '>' {
		return line
	}
	i := 0
	for i < len(line) && line[i] == '>' {
		i++
	}
	if bytes.HasPrefix(line[i:], fromPrefix) {
		return line[1:]
	}
	return line
}
