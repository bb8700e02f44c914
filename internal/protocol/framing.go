package protocol

import (
	"bufio"
	"errors"
	"io"
)

// DefaultMaxLine is the default upper bound for one message, newline included.
const DefaultMaxLine = 4096

// LineReader splits a byte stream into newline-terminated messages.
//
// TCP carries no message boundaries, so a single read may hold a partial
// message or several of them. LineReader buffers until a full line is
// available. Bytes after the last newline at EOF are discarded.
type LineReader struct {
	r       *bufio.Reader
	partial int // bytes dropped at EOF without a terminator
}

// NewLineReader wraps r. maxLine bounds the size of one message; lines longer
// than that are skipped with ErrLineTooLong.
func NewLineReader(r io.Reader, maxLine int) *LineReader {
	if maxLine < 16 {
		maxLine = DefaultMaxLine
	}
	return &LineReader{r: bufio.NewReaderSize(r, maxLine)}
}

// ReadLine returns the next complete message including its trailing newline.
// The returned slice is owned by the caller.
//
// ErrLineTooLong is not fatal: the oversized line has been consumed and the
// next call continues with the following message. Any other error ends the
// stream.
func (l *LineReader) ReadLine() ([]byte, error) {
	line, err := l.r.ReadSlice('\n')
	switch {
	case err == nil:
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil

	case errors.Is(err, bufio.ErrBufferFull):
		for errors.Is(err, bufio.ErrBufferFull) {
			_, err = l.r.ReadSlice('\n')
		}
		if err != nil {
			return nil, err
		}
		return nil, ErrLineTooLong

	default:
		l.partial = len(line)
		return nil, err
	}
}

// Discarded returns how many bytes of an unterminated final message were
// dropped when the stream ended.
func (l *LineReader) Discarded() int {
	return l.partial
}
