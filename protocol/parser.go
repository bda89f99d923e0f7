package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"strings"
)

var (
	ErrUnknownCommand = errors.New("unknown command could not be parsed")
	ErrBadFormat      = errors.New("request is malformed")
	ErrExpectedCRLF   = errors.New("job body is not followed by \\r\\n")
	ErrJobTooBig      = errors.New("job body is larger than the server allows")
)

// ReadRequest reads one command, and the body for put, from r.
//
// maxBody bounds the size of a put body. An oversized body is drained from r
// and ErrJobTooBig is returned along with the parsed Request, so the stream
// stays in sync.
func ReadRequest(r *bufio.Reader, maxBody int) (*Request, error) {
	rawReq, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}

	if len(rawReq) > MaxLineLength {
		return nil, fmt.Errorf("line of %d bytes: %w", len(rawReq), ErrBadFormat)
	}

	line := RemoveTrailingCR(strings.TrimSuffix(rawReq, "\n"))
	if line == "" {
		return nil, ErrBadFormat
	}

	tokens := strings.Split(line, " ")
	req := &Request{
		Command: Command(tokens[0]),
		Args:    tokens[1:],
	}

	n, ok := arity[req.Command]
	if !ok {
		return nil, fmt.Errorf("failed to parse '%s': %w", line, ErrUnknownCommand)
	}

	if len(req.Args) != n {
		return nil, fmt.Errorf("failed to parse '%s': %w", line, ErrBadFormat)
	}

	for _, arg := range req.Args {
		if arg == "" {
			return nil, fmt.Errorf("failed to parse '%s': %w", line, ErrBadFormat)
		}
	}

	if req.Command != CmdPut {
		return req, nil
	}

	size, err := req.Uint(3)
	if err != nil {
		return nil, err
	}

	if size > uint64(maxBody) {
		// Skip the body and its terminator.
		if _, err := io.CopyN(ioutil.Discard, r, int64(size)+2); err != nil {
			return nil, err
		}

		return req, ErrJobTooBig
	}

	body := make([]byte, int(size)+2)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	if body[size] != '\r' || body[size+1] != '\n' {
		return req, ErrExpectedCRLF
	}

	req.Body = body[:size]

	return req, nil
}

func RemoveTrailingCR(line string) string {
	return strings.TrimSuffix(line, "\r")
}
