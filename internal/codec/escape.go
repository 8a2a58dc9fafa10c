// Package codec is the byte level of the sensor node wire protocol:
// escaping that keeps Terminator out of payloads, framing readers,
// gateway to node packing and the few fixed control frames.
package codec

const (
	Escape     byte = 0x1b
	StandIn    byte = 0x1a
	Terminator byte = 0x00
)

// Decode reverses Encode. Never fails: bytes that a compliant encoder
// would not produce are passed as given and left for tokenizer to reject.
//
// Run of N Escape bytes followed by StandIn is N/2 literal Escape bytes,
// then Terminator if N is odd or StandIn if N is even.
// Escape run followed by anything else (or end of input) is literal.
func Decode(b []byte) []byte {
	out := make([]byte, 0, len(b))
	escLen := 0
	for _, x := range b {
		switch x {
		case Escape:
			escLen++
		case StandIn:
			out = appendRepeat(out, Escape, escLen/2)
			if escLen%2 == 1 {
				out = append(out, Terminator)
			} else {
				out = append(out, StandIn)
			}
			escLen = 0
		default:
			out = appendRepeat(out, Escape, escLen)
			out = append(out, x)
			escLen = 0
		}
	}
	return appendRepeat(out, Escape, escLen)
}

// Encode output never contains Terminator.
// Literal Terminator after K literal Escape bytes becomes 2K+1 Escape, StandIn;
// literal StandIn after K Escape bytes becomes 2K Escape, StandIn.
func Encode(b []byte) []byte {
	out := make([]byte, 0, len(b)+len(b)/8+2)
	escLen := 0
	for _, x := range b {
		switch x {
		case Escape:
			escLen++
		case Terminator:
			out = appendRepeat(out, Escape, 2*escLen+1)
			out = append(out, StandIn)
			escLen = 0
		case StandIn:
			out = appendRepeat(out, Escape, 2*escLen)
			out = append(out, StandIn)
			escLen = 0
		default:
			out = appendRepeat(out, Escape, escLen)
			out = append(out, x)
			escLen = 0
		}
	}
	return appendRepeat(out, Escape, escLen)
}

func appendRepeat(b []byte, x byte, n int) []byte {
	for i := 0; i < n; i++ {
		b = append(b, x)
	}
	return b
}
