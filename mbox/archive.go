package mbox

import (
	"fmt"
	"io"
	"os"

	"github.com/dhcgn/mbox-curate/model"
)

// Archive is the open handle of the live mbox file. Exactly one operation
// owns it at a time; ownership moves by handing the *Archive over, and the
// file is closed and reopened around a rewrite.
type Archive struct {
	path string
	file *os.File
}

// OpenArchive opens path read-only.
func OpenArchive(path string) (*Archive, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	return &Archive{path: path, file: file}, nil
}

// Path returns the archive location on disk.
func (a *Archive) Path() string {
	return a.path
}

// IsOpen reports whether the archive currently holds a file handle.
func (a *Archive) IsOpen() bool {
	return a != nil && a.file != nil
}

// Size returns the current size of the open file.
func (a *Archive) Size() (int64, error) {
	if a.file == nil {
		return 0, os.ErrClosed
	}
	info, err := a.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat mbox: %w", err)
	}
	return info.Size(), nil
}

// Stream returns a reader over the whole file that does not move any shared
// file position.
func (a *Archive) Stream() (io.Reader, int64, error) {
	size, err := a.Size()
	if err != nil {
		return nil, 0, err
	}
	return io.NewSectionReader(a.file, 0, size), size, nil
}

// Section returns a reader over the bytes of one message.
func (a *Archive) Section(span model.Span) *io.SectionReader {
	return io.NewSectionReader(a.file, span.Offset, span.Length)
}

// Close releases the file handle. Closing twice is a no-op.
func (a *Archive) Close() error {
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

// Reopen closes the current handle, if any, and opens the path again.
func (a *Archive) Reopen() error {
	_ = a.Close()
	file, err := os.Open(a.path)
	if err != nil {
		return fmt.Errorf("reopen mbox: %w", err)
	}
	a.file = file
	return nil
}
