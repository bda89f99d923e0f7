package protocol

import (
	"fmt"
	"strconv"
)

// Response is one framed reply from the server.
type Response struct {
	Status Status

	// Fields are the status line tokens after the status word, minus any
	// length token consumed by framing.
	Fields []string

	// Payload is nil unless the status word carries a body.
	Payload []byte
}

// Field returns the i'th field or an empty string.
func (r *Response) Field(i int) string {
	if i < 0 || i >= len(r.Fields) {
		return ""
	}

	return r.Fields[i]
}

// Uint returns the i'th field parsed as a base-10 unsigned integer.
func (r *Response) Uint(i int) (uint64, error) {
	if i >= len(r.Fields) {
		return 0, fmt.Errorf("%s response has no field %d", r.Status, i)
	}

	n, err := strconv.ParseUint(r.Fields[i], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s response field %d: %w", r.Status, i, err)
	}

	return n, nil
}

func (r *Response) String() string {
	if r.Payload != nil {
		return fmt.Sprintf("%s %v (%d bytes)", r.Status, r.Fields, len(r.Payload))
	}

	return fmt.Sprintf("%s %v", r.Status, r.Fields)
}
