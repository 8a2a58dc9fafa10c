package codec

import (
	"bufio"
	"bytes"
	"io"

	"github.com/juju/errors"
)

// Framing selects how incoming byte stream is chunked into frames.
// Chosen by configuration once, never per message.
type Framing string

const (
	FramingDelimiter Framing = "delimiter"
	FramingFixed     Framing = "fixed"
)

const DefaultMaxFrame = 1 << 10

// FrameReader returns one decoded frame per call.
type FrameReader interface {
	ReadFrame() ([]byte, error)
}

func NewFrameReader(r io.Reader, framing Framing, length int) (FrameReader, error) {
	switch framing {
	case FramingDelimiter, "":
		return NewDelimiterReader(r, length), nil
	case FramingFixed:
		if length <= 0 {
			return nil, errors.NotValidf("fixed framing length=%d", length)
		}
		return NewFixedReader(r, length), nil
	}
	return nil, errors.NotValidf("framing=%s", framing)
}

type delimiterReader struct {
	r   *bufio.Reader
	max int
	buf []byte
}

// NewDelimiterReader splits on Terminator. Frames longer than maxLen
// are discarded up to next Terminator and reported as error.
func NewDelimiterReader(r io.Reader, maxLen int) FrameReader {
	if maxLen <= 0 {
		maxLen = DefaultMaxFrame
	}
	return &delimiterReader{r: bufio.NewReaderSize(r, maxLen+16), max: maxLen}
}

func (self *delimiterReader) ReadFrame() ([]byte, error) {
	for {
		self.buf = self.buf[:0]
		overflow := false
		for {
			chunk, err := self.r.ReadSlice(Terminator)
			if len(self.buf)+len(chunk) > self.max+1 {
				overflow = true
			} else {
				self.buf = append(self.buf, chunk...)
			}
			if err == bufio.ErrBufferFull {
				continue
			}
			if err != nil {
				return nil, err
			}
			break
		}
		if overflow {
			return nil, errors.NotValidf("frame longer than max=%d", self.max)
		}
		raw := self.buf[:len(self.buf)-1]
		if len(raw) == 0 {
			continue
		}
		return Decode(raw), nil
	}
}

type fixedReader struct {
	r   io.Reader
	buf []byte
}

// NewFixedReader reads exactly n bytes per frame, trailing zero padding is trimmed.
func NewFixedReader(r io.Reader, n int) FrameReader {
	return &fixedReader{r: r, buf: make([]byte, n)}
}

func (self *fixedReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(self.r, self.buf); err != nil {
		return nil, err
	}
	raw := bytes.TrimRight(self.buf, "\x00")
	return Decode(raw), nil
}
