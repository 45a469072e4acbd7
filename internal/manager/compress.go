package manager

import (
	"bytes"
	"errors"
	"io"

	"github.com/klauspost/compress/flate"
)

var errFrameTooLarge = errors.New("inflated frame exceeds size limit")

// inflate decompresses a binary (deflate) frame, bounding the inflated
// size so a tiny compressed payload cannot balloon past the frame limit.
func inflate(data []byte, limit int) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if n > int64(limit) {
		return nil, errFrameTooLarge
	}
	return buf.Bytes(), nil
}
