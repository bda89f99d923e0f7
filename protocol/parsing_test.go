package protocol_test

import (
	"bufio"
	"errors"
	"io"
	"strings"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/beanstalk/protocol"
)

func reader(s string) *bufio.Reader {
	return bufio.NewReader(strings.NewReader(s))
}

var _ = Describe("Parsing", func() {
	Describe("ReadRequest()", func() {
		It("returns an error if the reader cannot find a newline", func() {
			_, err := protocol.ReadRequest(reader("I have no new line"), 1024)
			Expect(err).To(MatchError(io.EOF))
		})

		It("returns an error if the command is unknown", func() {
			_, err := protocol.ReadRequest(reader("evil\r\n"), 1024)
			Expect(errors.Is(err, protocol.ErrUnknownCommand)).To(BeTrue())
		})

		It("returns an error if the argument count is wrong", func() {
			_, err := protocol.ReadRequest(reader("delete\r\n"), 1024)
			Expect(errors.Is(err, protocol.ErrBadFormat)).To(BeTrue())

			_, err = protocol.ReadRequest(reader("delete 1 2\r\n"), 1024)
			Expect(errors.Is(err, protocol.ErrBadFormat)).To(BeTrue())
		})

		It("parses a command without arguments", func() {
			req, err := protocol.ReadRequest(reader("reserve\r\n"), 1024)
			Expect(err).To(Succeed())
			Expect(req.Command).To(Equal(protocol.CmdReserve))
			Expect(req.Args).To(BeEmpty())
		})

		It("parses a command with arguments", func() {
			req, err := protocol.ReadRequest(reader("release 12 1024 5\r\n"), 1024)
			Expect(err).To(Succeed())
			Expect(req.Command).To(Equal(protocol.CmdRelease))
			Expect(req.Uint(0)).To(Equal(uint64(12)))
			Expect(req.Uint(1)).To(Equal(uint64(1024)))
			Expect(req.Uint(2)).To(Equal(uint64(5)))
			Expect(req.String()).To(Equal("release 12 1024 5"))
		})

		It("tolerates a bare \\n terminator", func() {
			req, err := protocol.ReadRequest(reader("use foo\n"), 1024)
			Expect(err).To(Succeed())
			Expect(req.Args).To(Equal([]string{"foo"}))
		})

		Describe("put", func() {
			It("reads the body, including embedded line terminators", func() {
				r := reader("put 0 0 60 4\r\na\r\nb\r\nstats\r\n")

				req, err := protocol.ReadRequest(r, 1024)
				Expect(err).To(Succeed())
				Expect(req.Command).To(Equal(protocol.CmdPut))
				Expect(req.Body).To(Equal([]byte("a\r\nb")))

				req, err = protocol.ReadRequest(r, 1024)
				Expect(err).To(Succeed())
				Expect(req.Command).To(Equal(protocol.CmdStats))
			})

			It("returns ErrExpectedCRLF when the body is not terminated", func() {
				_, err := protocol.ReadRequest(reader("put 0 0 60 2\r\nhiXX"), 1024)
				Expect(err).To(MatchError(protocol.ErrExpectedCRLF))
			})

			It("skips oversized bodies and stays in sync", func() {
				r := reader("put 0 0 60 5\r\nhello\r\nstats\r\n")

				req, err := protocol.ReadRequest(r, 4)
				Expect(err).To(MatchError(protocol.ErrJobTooBig))
				Expect(req.Command).To(Equal(protocol.CmdPut))

				req, err = protocol.ReadRequest(r, 4)
				Expect(err).To(Succeed())
				Expect(req.Command).To(Equal(protocol.CmdStats))
			})

			It("rejects a non numeric size", func() {
				_, err := protocol.ReadRequest(reader("put 0 0 60 x\r\n"), 1024)
				Expect(errors.Is(err, protocol.ErrBadFormat)).To(BeTrue())
			})
		})
	})

	Describe("RemoveTrailingCR()", func() {
		It("does nothing if the data does not end in CR", func() {
			Expect(protocol.RemoveTrailingCR("I am awesome data")).To(Equal("I am awesome data"))
		})

		It("removes the trailing CR", func() {
			Expect(protocol.RemoveTrailingCR("I am awesome data\r")).To(Equal("I am awesome data"))
		})
	})

	Describe("ValidateTubeName()", func() {
		It("accepts the characters the server accepts", func() {
			Expect(protocol.ValidateTubeName("default")).To(Succeed())
			Expect(protocol.ValidateTubeName("a-b+c/d;e.f$g_h(i)9")).To(Succeed())
		})

		It("rejects bad names", func() {
			for _, name := range []string{"", "-lead", "has space", "tab\t", strings.Repeat("a", 201)} {
				Expect(errors.Is(protocol.ValidateTubeName(name), protocol.ErrInvalidTubeName)).To(BeTrue(), name)
			}
		})
	})
})
