package mbox

import (
	"context"
	"errors"
	"io"

	mboxlib "github.com/emersion/go-mbox"
)

// CountMessages counts the messages in an mbox stream without parsing them.
func CountMessages(ctx context.Context, r io.Reader) (int, error) {
	reader := mboxlib.NewReader(r)

	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return 0, err
		}

		// A message that fails to drain still occupies a slot in the archive.
		_, _ = io.Copy(io.Discard, msgReader)
		count++
	}
}
