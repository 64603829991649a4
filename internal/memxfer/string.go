package memxfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/veos-project/veos-core/internal/constants"
)

// ErrNullNotFound is returned when no NUL terminator appears within
// maxLen bytes or before the two-page scan limit is reached.
var ErrNullNotFound = errors.New("memxfer: NUL terminator not found")

// ErrDestinationTooSmall is returned when maxLen is non-positive.
var ErrDestinationTooSmall = errors.New("memxfer: destination buffer too small")

const stringChunkSize = constants.StringChunkSize

// RecvString reads a NUL-terminated string starting at addr, one host
// page at a time, stopping at the first NUL byte found. It never reads
// past maxLen bytes, nor past the end of the VE page addr falls in plus
// one following page, whichever limit is reached first: at most two VE
// pages are ever touched, regardless of addr's offset within its first
// page.
func (f *Facade) RecvString(ctx context.Context, addr uint64, maxLen int) (string, error) {
	if maxLen <= 0 {
		return "", ErrDestinationTooSmall
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	pageOffset := int(addr % uint64(constants.VEPageSize))
	scanLimit := 2*constants.VEPageSize - pageOffset
	if int64(maxLen) < int64(scanLimit) {
		scanLimit = maxLen
	}

	var out bytes.Buffer
	chunk := make([]byte, stringChunkSize)

	for read := 0; read < scanLimit; {
		remaining := scanLimit - read
		n := stringChunkSize
		if remaining < n {
			n = remaining
		}

		if _, err := f.mem.ReadAt(chunk[:n], int64(addr)+int64(read)); err != nil {
			return "", fmt.Errorf("memxfer: recv string: %w", err)
		}

		if idx := bytes.IndexByte(chunk[:n], 0); idx >= 0 {
			out.Write(chunk[:idx])
			return out.String(), nil
		}
		out.Write(chunk[:n])
		read += n
	}

	return "", ErrNullNotFound
}
