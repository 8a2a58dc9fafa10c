package codec

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/juju/errors"
)

const (
	Broadcast uint16 = 0xffff

	// Node to gateway: 0xfe 0xfe 0x01 followed by free-text identification.
	ControlMark      byte = 0xfe
	CmdIdentify      byte = 0x01
	CmdHeartbeat     byte = 0x02
	controlHeaderLen      = 3

	DefaultBufferSize = 80
)

// IsChallengeResponse checks 3-byte signature and returns text after it.
func IsChallengeResponse(frame []byte) ([]byte, bool) {
	if len(frame) < controlHeaderLen {
		return nil, false
	}
	if frame[0] == ControlMark && frame[1] == ControlMark && frame[2] == CmdIdentify {
		return frame[controlHeaderLen:], true
	}
	return nil, false
}

// ControlFrame is an internal gateway to node frame, never addressed.
func ControlFrame(cmd byte, payload []byte) []byte {
	b := make([]byte, 0, controlHeaderLen+len(payload))
	b = append(b, ControlMark, ControlMark, cmd)
	return append(b, payload...)
}

// SplitAddress takes 2-byte little endian sender address prefix (server mode).
func SplitAddress(frame []byte) (uint16, []byte, bool) {
	if len(frame) < 2 {
		return 0, nil, false
	}
	return binary.LittleEndian.Uint16(frame[:2]), frame[2:], true
}

// PackAddressed builds fixed size buffer: address (LE), text truncated
// to leave room for address and terminator, zero padding.
func PackAddressed(addr uint16, text string, size int) []byte {
	if size < 3 {
		size = 3
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf[:2], addr)
	copy(buf[2:size-1], text)
	return buf
}

// PackRaw copies b into fixed size zero padded buffer, always terminated.
func PackRaw(b []byte, size int) []byte {
	if size < 1 {
		size = 1
	}
	buf := make([]byte, size)
	copy(buf[:size-1], b)
	return buf
}

// ParseAddress accepts up to 4 hex digits.
func ParseAddress(s string) (uint16, error) {
	if s == "" || len(s) > 4 {
		return 0, errors.NotValidf("address=%q must be 1-4 hex digits", s)
	}
	x, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, errors.NotValidf("address=%q must be 1-4 hex digits", s)
	}
	return uint16(x), nil
}

func FormatAddress(a uint16) string { return fmt.Sprintf("%04x", a) }
