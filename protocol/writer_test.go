package protocol_test

import (
	"bytes"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/beanstalk/protocol"
)

var _ = Describe("Parsing/ Writer", func() {
	Describe("WriteCommand", func() {
		It("writes the command and its arguments", func() {
			w := bytes.NewBuffer([]byte{})

			Expect(protocol.WriteCommand(w, protocol.CmdRelease, "1", "2", "3")).To(Succeed())
			Expect(w.String()).To(Equal("release 1 2 3\r\n"))
		})

		It("writes a bare command", func() {
			w := bytes.NewBuffer([]byte{})

			Expect(protocol.WriteCommand(w, protocol.CmdReserve)).To(Succeed())
			Expect(w.String()).To(Equal("reserve\r\n"))
		})
	})

	Describe("WriteCommandWithBody", func() {
		It("appends the body length in bytes and the body", func() {
			w := bytes.NewBuffer([]byte{})

			body := []byte("h\xc3\xa9\r\n")
			Expect(protocol.WriteCommandWithBody(w, protocol.CmdPut, body, "0", "0", "60")).To(Succeed())
			Expect(w.String()).To(Equal("put 0 0 60 5\r\nh\xc3\xa9\r\n\r\n"))
		})

		It("does not modify the caller's argument slice", func() {
			w := bytes.NewBuffer([]byte{})

			args := make([]string, 3, 8)
			args[0], args[1], args[2] = "1", "2", "3"
			Expect(protocol.WriteCommandWithBody(w, protocol.CmdPut, []byte("x"), args...)).To(Succeed())
			Expect(args[:cap(args)][3]).To(BeEmpty())
		})
	})

	Describe("WriteStatus", func() {
		It("ends in \r\n", func() {
			w := bytes.NewBuffer([]byte{})

			Expect(protocol.WriteStatus(w, protocol.StatusInserted, "5")).To(Succeed())
			Expect(w.String()).To(Equal("INSERTED 5\r\n"))
		})
	})

	Describe("WriteStatusWithBody", func() {
		It("round trips through the Framer", func() {
			w := bytes.NewBuffer([]byte{})

			Expect(protocol.WriteStatusWithBody(w, protocol.StatusReserved, []byte("hi"), "9")).To(Succeed())
			Expect(w.String()).To(Equal("RESERVED 9 2\r\nhi\r\n"))

			resps, err := protocol.NewFramer().Feed(w.Bytes())
			Expect(err).To(Succeed())
			Expect(resps).To(HaveLen(1))
			Expect(resps[0].Fields).To(Equal([]string{"9"}))
			Expect(resps[0].Payload).To(Equal([]byte("hi")))
		})
	})
})
