package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// MaxLineLength bounds a status line, not counting its \r\n. Real status
	// lines are a handful of tokens; anything this long means the stream is
	// out of sync.
	MaxLineLength = 4096
)

var (
	ErrEmptyStatusLine  = errors.New("status line is empty")
	ErrBadStatusWord    = errors.New("status word is not an upper case token")
	ErrEmptyToken       = errors.New("status line contains an empty token")
	ErrFieldCount       = errors.New("status line has the wrong number of fields for its status")
	ErrBadLength        = errors.New("length is not a non-negative decimal integer")
	ErrLineTooLong      = errors.New("status line exceeds the maximum line length")
	ErrMissingPayloadCR = errors.New("payload is not followed by \\r\\n")
)

var crlf = []byte("\r\n")

// FramingError is returned by Framer.Feed when the stream can no longer be
// parsed. It is terminal, the Framer returns it from every later Feed call.
type FramingError struct {
	Line string
	Err  error
}

func (e *FramingError) Error() string {
	if e.Line == "" {
		return fmt.Sprintf("framing error: %v", e.Err)
	}

	return fmt.Sprintf("framing error: %v: %q", e.Err, e.Line)
}

func (e *FramingError) Unwrap() error {
	return e.Err
}

type framerState int

const (
	awaitingStatusLine framerState = iota
	awaitingPayload
	awaitingPayloadTerminator
)

// Framer turns an arbitrary byte stream into ordered Responses. It keeps
// partial state between Feed calls and never blocks.
//
// A Framer is not safe for concurrent use, the connection's read loop owns it.
type Framer struct {
	buf []byte
	// off is the read cursor into buf, bytes before it are consumed.
	off int
	// scanned is how far past off the line scan got without finding \r\n.
	scanned int

	state   framerState
	pending Response
	need    int

	err error
}

func NewFramer() *Framer {
	return &Framer{}
}

// Feed appends chunk to the framer's buffer and returns every Response that
// became complete. On malformed input it returns the Responses completed
// before the fault together with a *FramingError.
func (f *Framer) Feed(chunk []byte) ([]Response, error) {
	if f.err != nil {
		return nil, f.err
	}

	f.compact()
	f.buf = append(f.buf, chunk...)

	var out []Response

	for {
		switch f.state {
		case awaitingStatusLine:
			resp, complete, err := f.readStatusLine()
			if err != nil {
				return out, f.fail(err)
			}

			if !complete {
				return out, nil
			}

			if resp != nil {
				out = append(out, *resp)
			}

		case awaitingPayload:
			if f.buffered() < f.need {
				return out, nil
			}

			payload := make([]byte, f.need)
			copy(payload, f.buf[f.off:f.off+f.need])
			f.off += f.need
			f.pending.Payload = payload
			f.state = awaitingPayloadTerminator

		case awaitingPayloadTerminator:
			if f.buffered() < len(crlf) {
				return out, nil
			}

			if !bytes.Equal(f.buf[f.off:f.off+len(crlf)], crlf) {
				return out, f.fail(&FramingError{
					Line: string(f.pending.Status),
					Err:  ErrMissingPayloadCR,
				})
			}

			f.off += len(crlf)
			out = append(out, f.pending)
			f.pending = Response{}
			f.need = 0
			f.state = awaitingStatusLine
		}
	}
}

// Err returns the terminal framing error, if any.
func (f *Framer) Err() error {
	return f.err
}

// Reset drops all buffered data and the terminal error.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.off = 0
	f.scanned = 0
	f.state = awaitingStatusLine
	f.pending = Response{}
	f.need = 0
	f.err = nil
}

// readStatusLine consumes one status line if a full one is buffered. A nil
// Response with complete set means the line announced a payload and the
// framer moved on to reading it.
func (f *Framer) readStatusLine() (resp *Response, complete bool, err error) {
	window := f.buf[f.off:]

	// Back up one byte so a \r\n split across chunks is still found.
	from := f.scanned
	if from > 0 {
		from--
	}

	i := bytes.Index(window[from:], crlf)
	if i < 0 {
		f.scanned = len(window)

		// A trailing \r may be the start of the terminator, it does not count
		// towards the line.
		n := len(window)
		if n > 0 && window[n-1] == '\r' {
			n--
		}

		if n > MaxLineLength {
			return nil, false, &FramingError{Err: ErrLineTooLong}
		}

		return nil, false, nil
	}

	end := from + i
	if end > MaxLineLength {
		return nil, false, &FramingError{Err: ErrLineTooLong}
	}

	line := string(window[:end])
	f.off += end + len(crlf)
	f.scanned = 0

	r, length, err := ParseStatusLine(line)
	if err != nil {
		return nil, false, err
	}

	if length < 0 {
		return &r, true, nil
	}

	f.pending = r
	f.need = length
	f.state = awaitingPayload

	return nil, true, nil
}

// ParseStatusLine splits a status line (without its terminator) into a
// Response. length is the announced payload length, or -1 when the status
// word carries no payload.
func ParseStatusLine(line string) (resp Response, length int, err error) {
	if line == "" {
		return Response{}, -1, &FramingError{Err: ErrEmptyStatusLine}
	}

	tokens := strings.Split(line, " ")
	for _, tok := range tokens {
		if tok == "" {
			return Response{}, -1, &FramingError{Line: line, Err: ErrEmptyToken}
		}
	}

	if !isStatusWord(tokens[0]) {
		return Response{}, -1, &FramingError{Line: line, Err: ErrBadStatusWord}
	}

	resp.Status = Status(tokens[0])
	fields := tokens[1:]

	rule, ok := payloadRules[resp.Status]
	if !ok {
		resp.Fields = fields
		return resp, -1, nil
	}

	if len(fields) != rule.lengthField+1 {
		return Response{}, -1, &FramingError{Line: line, Err: ErrFieldCount}
	}

	n, err := strconv.ParseUint(fields[rule.lengthField], 10, 31)
	if err != nil {
		return Response{}, -1, &FramingError{Line: line, Err: ErrBadLength}
	}

	resp.Fields = fields[:rule.keep]

	return resp, int(n), nil
}

func (f *Framer) buffered() int {
	return len(f.buf) - f.off
}

// compact reclaims consumed bytes. Copying only once the cursor passes half
// the buffer keeps the cost amortized over many Feed calls.
func (f *Framer) compact() {
	switch {
	case f.off == 0:
	case f.off == len(f.buf):
		f.buf = f.buf[:0]
		f.off = 0

	case f.off > cap(f.buf)/2:
		n := copy(f.buf, f.buf[f.off:])
		f.buf = f.buf[:n]
		f.off = 0
	}
}

func (f *Framer) fail(err error) error {
	var ferr *FramingError
	if !errors.As(err, &ferr) {
		ferr = &FramingError{Err: err}
	}

	f.err = ferr
	f.buf = nil
	f.off = 0

	return ferr
}

func isStatusWord(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'A' || c > 'Z') && c != '_' {
			return false
		}
	}

	return true
}
