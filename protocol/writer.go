package protocol

import (
	"io"
	"strconv"
)

var (
	Terminal = []byte("\r\n")
)

// WriteCommand writes a command line with a single Write call.
func WriteCommand(w io.Writer, cmd Command, args ...string) error {
	_, err := w.Write(AppendLine(nil, string(cmd), args...))
	return err
}

// WriteCommandWithBody writes a command whose last argument is the body
// length, followed by the body. Used for put.
func WriteCommandWithBody(w io.Writer, cmd Command, body []byte, args ...string) error {
	_, err := w.Write(appendWithBody(nil, string(cmd), body, args...))
	return err
}

// WriteStatus writes a status line with a single Write call.
func WriteStatus(w io.Writer, status Status, args ...string) error {
	_, err := w.Write(AppendLine(nil, string(status), args...))
	return err
}

// WriteStatusWithBody writes a payload-bearing status line (RESERVED, FOUND,
// OK) followed by its payload.
func WriteStatusWithBody(w io.Writer, status Status, body []byte, args ...string) error {
	_, err := w.Write(appendWithBody(nil, string(status), body, args...))
	return err
}

// AppendLine appends "word arg1 arg2...\r\n" to dst.
func AppendLine(dst []byte, word string, args ...string) []byte {
	dst = append(dst, word...)
	for _, arg := range args {
		dst = append(dst, ' ')
		dst = append(dst, arg...)
	}

	return append(dst, Terminal...)
}

func appendWithBody(dst []byte, word string, body []byte, args ...string) []byte {
	args = append(args[:len(args):len(args)], strconv.Itoa(len(body)))

	dst = AppendLine(dst, word, args...)
	dst = append(dst, body...)

	return append(dst, Terminal...)
}

// FormatUint formats n as base-10 ASCII.
func FormatUint(n uint64) string {
	return strconv.FormatUint(n, 10)
}
