package wire

import "strconv"

type parseState int

const (
	stateSkipLeadingWS parseState = iota
	stateReadLen
	stateSkipInnerWS
	stateReadPayload
)

// Parser implements the inbound framing state machine (spec.md §4.2):
// optional whitespace, an N-hex-digit length prefix, optional
// whitespace, the bencoded payload, optional trailing whitespace. It
// is fed arbitrary byte chunks and returns every complete message it
// can extract, preserving state across calls so a length prefix or
// payload split across TCP reads is handled correctly.
type Parser struct {
	lenBytes int
	maxLen   int

	buf   []byte
	state parseState
	plen  int
}

func NewParser(lenBytes, maxLen int) *Parser {
	return &Parser{lenBytes: lenBytes, maxLen: maxLen}
}

// Feed appends data to the internal buffer and extracts as many
// complete messages as are present. It returns the decoded messages in
// order; on a ProtocolError the caller must close the session — the
// parser does not attempt to resynchronize.
func (p *Parser) Feed(data []byte) ([]*Message, error) {
	p.buf = append(p.buf, data...)

	var out []*Message

	for {
		if p.state == stateSkipLeadingWS || p.state == stateSkipInnerWS {
			p.buf = skipWhitespace(p.buf)
			if len(p.buf) == 0 {
				break
			}
			p.state++
		}

		if p.state == stateReadLen {
			if len(p.buf) < p.lenBytes {
				break
			}
			field := string(p.buf[:p.lenBytes])
			n, err := strconv.ParseInt(field, 16, 64)
			if err != nil {
				return out, NewProtocolError("could not decode length prefix %q: %v", field, err)
			}
			if int(n) > p.maxLen {
				return out, NewProtocolError("message too long: %d > %d", n, p.maxLen)
			}
			p.buf = p.buf[p.lenBytes:]
			p.plen = int(n)
			p.state = stateSkipInnerWS
			continue
		}

		if p.state == stateReadPayload {
			if len(p.buf) < p.plen {
				break
			}
			payload := p.buf[:p.plen]
			p.buf = p.buf[p.plen:]
			p.state = stateSkipLeadingWS

			msg, err := Decode(payload)
			if err != nil {
				return out, err
			}
			out = append(out, msg)
			continue
		}
	}

	return out, nil
}

// Buffered reports how many bytes remain unconsumed (a prefix of the
// next, still-incomplete message).
func (p *Parser) Buffered() int {
	return len(p.buf)
}

func skipWhitespace(b []byte) []byte {
	i := 0
	for i < len(b) && isWhitespace(b[i]) {
		i++
	}
	return b[i:]
}

func isWhitespace(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '\v', '\f':
		return true
	}
	return false
}

// FormatFrame encodes an already-validated message payload as a wire
// frame: an lenBytes-digit lowercase hex length, a space, the payload,
// and a trailing CRLF (matches the reference encoder's human-readable
// framing).
func FormatFrame(lenBytes int, payload []byte) []byte {
	lenField := formatHexLen(lenBytes, len(payload))
	out := make([]byte, 0, len(lenField)+1+len(payload)+2)
	out = append(out, lenField...)
	out = append(out, ' ')
	out = append(out, payload...)
	out = append(out, '\r', '\n')
	return out
}

func formatHexLen(width, n int) string {
	s := strconv.FormatInt(int64(n), 16)
	for len(s) < width {
		s = "0" + s
	}
	return s
}
