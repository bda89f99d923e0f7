package client_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/beanstalk/client"
	"github.com/luma/beanstalk/protocol"
)

var _ = Describe("client / Conn", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	send := func(conn *client.Conn, cmd protocol.Command, args ...string) *client.Pending {
		p, err := conn.Send(ctx, cmd, protocol.AppendLine(nil, string(cmd), args...))
		Expect(err).To(Succeed())
		return p
	}

	Describe("against a scripted server", func() {
		var server *scriptedServer

		BeforeEach(func() {
			server = newScriptedServer()
		})

		AfterEach(func() {
			server.Close()
		})

		It("starts idle and connects on first use", func() {
			conn := client.NewConn(client.Options{Addr: server.Addr()})
			defer conn.Close()

			Expect(conn.State()).To(Equal(client.StateIdle))
			Expect(conn.Open(ctx)).To(Succeed())
			Expect(conn.State()).To(Equal(client.StateOpen))
		})

		It("writes the implicit use before any queued command", func() {
			conn := client.NewConn(client.Options{Addr: server.Addr(), Tube: "foo"})
			defer conn.Close()

			const callers = 5

			results := make(chan *client.Pending, callers)
			for i := 0; i < callers; i++ {
				go func() {
					defer GinkgoRecover()
					results <- send(conn, protocol.CmdListTubeUsed)
				}()
			}

			srv, r := server.Accept()
			defer srv.Close()

			expectLine(r, "use foo\r\n")
			for i := 0; i < callers; i++ {
				expectLine(r, "list-tube-used\r\n")
			}

			for i := 0; i <= callers; i++ {
				_, err := srv.Write([]byte("USING foo\r\n"))
				Expect(err).To(Succeed())
			}

			for i := 0; i < callers; i++ {
				var p *client.Pending
				Eventually(results).Should(Receive(&p))

				resp, err := p.Wait(ctx)
				Expect(err).To(Succeed())
				Expect(resp.Status).To(Equal(protocol.StatusUsing))
			}

			Expect(conn.State()).To(Equal(client.StateOpen))
		})

		It("reports a failed implicit use to observers", func() {
			conn := client.NewConn(client.Options{Addr: server.Addr(), Tube: "foo"})
			defer conn.Close()

			errs := make(chan error, 1)
			conn.AddObserver(client.ObserverFuncs{
				Error: func(err error) { errs <- err },
			})

			Expect(conn.Open(ctx)).To(Succeed())

			srv, r := server.Accept()
			defer srv.Close()

			expectLine(r, "use foo\r\n")
			_, err := srv.Write([]byte("BAD_FORMAT\r\n"))
			Expect(err).To(Succeed())

			var verr error
			Eventually(errs).Should(Receive(&verr))

			var violation *client.ProtocolViolationError
			Expect(errors.As(verr, &violation)).To(BeTrue())
			Expect(violation.Command).To(Equal(protocol.CmdUse))
		})

		It("keeps a cancelled command's place in the queue", func() {
			conn := client.NewConn(client.Options{Addr: server.Addr()})
			defer conn.Close()

			first := send(conn, protocol.CmdListTubeUsed)

			srv, r := server.Accept()
			defer srv.Close()
			expectLine(r, "list-tube-used\r\n")

			cancelled, cancel := context.WithCancel(ctx)
			cancel()

			_, err := first.Wait(cancelled)
			Expect(err).To(MatchError(context.Canceled))

			second := send(conn, protocol.CmdWatch, "bar")
			expectLine(r, "watch bar\r\n")

			_, err = srv.Write([]byte("USING default\r\nWATCHING 2\r\n"))
			Expect(err).To(Succeed())

			resp, err := second.Wait(ctx)
			Expect(err).To(Succeed())
			Expect(resp.Status).To(Equal(protocol.StatusWatching))

			resp, err = first.Wait(ctx)
			Expect(err).To(Succeed())
			Expect(resp.Status).To(Equal(protocol.StatusUsing))
		})

		It("fails every waiter when a response cannot be framed", func() {
			conn := client.NewConn(client.Options{Addr: server.Addr()})

			first := send(conn, protocol.CmdReserve)
			second := send(conn, protocol.CmdReserve)

			srv, r := server.Accept()
			defer srv.Close()

			expectLine(r, "reserve\r\n")
			expectLine(r, "reserve\r\n")

			_, err := srv.Write([]byte("RESERVED 1 abc\r\n"))
			Expect(err).To(Succeed())

			_, err = first.Wait(ctx)
			var ferr *protocol.FramingError
			Expect(errors.As(err, &ferr)).To(BeTrue())
			Expect(err).NotTo(MatchError(client.ErrConnectionClosed))

			_, err = second.Wait(ctx)
			Expect(err).To(MatchError(client.ErrConnectionClosed))
			Expect(errors.As(err, &ferr)).To(BeTrue())

			Eventually(conn.State).Should(Equal(client.StateClosed))
		})

		It("closes when a response arrives that nothing is waiting for", func() {
			conn := client.NewConn(client.Options{Addr: server.Addr()})
			Expect(conn.Open(ctx)).To(Succeed())

			srv, _ := server.Accept()
			defer srv.Close()

			_, err := srv.Write([]byte("USING default\r\n"))
			Expect(err).To(Succeed())

			Eventually(conn.Done()).Should(BeClosed())
			Expect(conn.Err()).To(MatchError(client.ErrUnexpectedResponse))
		})

		It("fails waiters when the server hangs up", func() {
			conn := client.NewConn(client.Options{Addr: server.Addr()})

			p := send(conn, protocol.CmdReserve)

			srv, r := server.Accept()
			expectLine(r, "reserve\r\n")
			srv.Close()

			_, err := p.Wait(ctx)
			Expect(err).To(MatchError(client.ErrConnectionClosed))
			Expect(conn.State()).To(Equal(client.StateClosed))
		})

		It("lets an observer send a command when told of the connect", func() {
			conn := client.NewConn(client.Options{Addr: server.Addr()})
			defer conn.Close()

			sent := make(chan *client.Pending, 1)
			conn.AddObserver(client.ObserverFuncs{
				Connect: func(addr string) {
					defer GinkgoRecover()

					p, err := conn.Send(ctx, protocol.CmdStats, []byte("stats\r\n"))
					Expect(err).To(Succeed())
					sent <- p
				},
			})

			opened := make(chan error, 1)
			go func() {
				opened <- conn.Open(ctx)
			}()

			srv, r := server.Accept()
			defer srv.Close()

			Eventually(opened).Should(Receive(BeNil()))

			var p *client.Pending
			Eventually(sent).Should(Receive(&p))

			expectLine(r, "stats\r\n")
			_, err := srv.Write([]byte("OK 4\r\n- a\n\r\n"))
			Expect(err).To(Succeed())

			resp, err := p.Wait(ctx)
			Expect(err).To(Succeed())
			Expect(resp.Payload).To(Equal([]byte("- a\n")))
		})

		It("notifies observers until they are removed", func() {
			conn := client.NewConn(client.Options{Addr: server.Addr()})

			var (
				mu        sync.Mutex
				connected []string
				responses []protocol.Status
				closed    []error
			)

			remove := conn.AddObserver(client.ObserverFuncs{
				Connect: func(addr string) {
					mu.Lock()
					defer mu.Unlock()
					connected = append(connected, addr)
				},
				Response: func(resp *protocol.Response) {
					mu.Lock()
					defer mu.Unlock()
					responses = append(responses, resp.Status)
				},
			})

			conn.AddObserver(client.ObserverFuncs{
				Close: func(err error) {
					mu.Lock()
					defer mu.Unlock()
					closed = append(closed, err)
				},
			})

			p := send(conn, protocol.CmdListTubeUsed)

			srv, r := server.Accept()
			defer srv.Close()
			expectLine(r, "list-tube-used\r\n")

			_, err := srv.Write([]byte("USING default\r\n"))
			Expect(err).To(Succeed())
			_, err = p.Wait(ctx)
			Expect(err).To(Succeed())

			remove()

			p = send(conn, protocol.CmdListTubeUsed)
			expectLine(r, "list-tube-used\r\n")
			_, err = srv.Write([]byte("USING default\r\n"))
			Expect(err).To(Succeed())
			_, err = p.Wait(ctx)
			Expect(err).To(Succeed())

			Expect(conn.Close()).To(Succeed())

			mu.Lock()
			defer mu.Unlock()

			Expect(connected).To(Equal([]string{server.Addr()}))
			Expect(responses).To(Equal([]protocol.Status{protocol.StatusUsing}))
			Expect(closed).To(HaveLen(1))
			Expect(closed[0]).To(MatchError(client.ErrConnectionClosed))
		})
	})

	Describe("Close()", func() {
		It("can be called more than once", func() {
			server := newScriptedServer()
			defer server.Close()

			conn := client.NewConn(client.Options{Addr: server.Addr()})
			Expect(conn.Open(ctx)).To(Succeed())

			Expect(conn.Close()).To(Succeed())
			Expect(conn.Close()).To(Succeed())

			Expect(conn.State()).To(Equal(client.StateClosed))
			Expect(conn.Done()).To(BeClosed())
		})

		It("fails commands sent afterwards without touching the network", func() {
			dialled := 0
			conn := client.NewConn(client.Options{
				Addr: "127.0.0.1:1",
				Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
					dialled++
					return nil, errors.New("should not dial")
				},
			})

			Expect(conn.Close()).To(Succeed())

			_, err := conn.Send(ctx, protocol.CmdStats, []byte("stats\r\n"))
			Expect(err).To(MatchError(client.ErrConnectionClosed))
			Expect(dialled).To(Equal(0))
		})
	})

	Describe("connecting", func() {
		It("returns a ConnectError and closes for good when dialling fails", func() {
			dialErr := errors.New("connection refused")
			conn := client.NewConn(client.Options{
				Addr: "127.0.0.1:1",
				Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
					return nil, dialErr
				},
			})

			err := conn.Open(ctx)

			var cerr *client.ConnectError
			Expect(errors.As(err, &cerr)).To(BeTrue())
			Expect(cerr.Addr).To(Equal("127.0.0.1:1"))
			Expect(err).To(MatchError(dialErr))

			Expect(conn.State()).To(Equal(client.StateClosed))

			_, err = conn.Send(ctx, protocol.CmdStats, []byte("stats\r\n"))
			Expect(err).To(MatchError(client.ErrConnectionClosed))
		})

		It("abandons a dial in flight when closed", func() {
			dialling := make(chan struct{})
			conn := client.NewConn(client.Options{
				Addr:           "127.0.0.1:1",
				ConnectTimeout: 10 * time.Second,
				Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
					close(dialling)
					<-ctx.Done()
					return nil, ctx.Err()
				},
			})

			opened := make(chan error, 1)
			go func() {
				opened <- conn.Open(ctx)
			}()

			Eventually(dialling).Should(BeClosed())
			Expect(conn.Close()).To(Succeed())

			var err error
			Eventually(opened, time.Second).Should(Receive(&err))
			Expect(err).To(MatchError(client.ErrConnectionClosed))

			var cerr *client.ConnectError
			Expect(errors.As(err, &cerr)).To(BeFalse())
			Expect(conn.State()).To(Equal(client.StateClosed))
		})

		It("returns the context error from Quit while still connecting", func() {
			dialling := make(chan struct{})
			conn := client.NewConn(client.Options{
				Addr: "127.0.0.1:1",
				Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
					close(dialling)
					<-ctx.Done()
					return nil, ctx.Err()
				},
			})
			defer conn.Close()

			go conn.Open(ctx)
			Eventually(dialling).Should(BeClosed())
			Expect(conn.State()).To(Equal(client.StateConnecting))

			cancelled, cancel := context.WithCancel(ctx)
			cancel()

			Expect(conn.Quit(cancelled)).To(MatchError(context.Canceled))
		})

		It("shares one connect attempt between concurrent callers", func() {
			server := newScriptedServer()
			defer server.Close()

			var (
				mu      sync.Mutex
				dialled int
			)

			conn := client.NewConn(client.Options{
				Addr: server.Addr(),
				Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
					mu.Lock()
					dialled++
					mu.Unlock()

					time.Sleep(20 * time.Millisecond)
					return (&net.Dialer{}).DialContext(ctx, network, addr)
				},
			})
			defer conn.Close()

			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()

					Expect(conn.Open(ctx)).To(Succeed())
				}()
			}
			wg.Wait()

			mu.Lock()
			defer mu.Unlock()
			Expect(dialled).To(Equal(1))
		})
	})

	Describe("against a beanstalk server", func() {
		It("matches responses to commands in order under concurrency", func() {
			tcp := startServer()
			defer tcp.Close()

			conn := client.NewConn(client.Options{Addr: tcp.Addr()})
			defer conn.Close()

			const callers = 50

			var wg sync.WaitGroup
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()

					tube := fmt.Sprintf("tube-%d", i)
					p := send(conn, protocol.CmdUse, tube)

					resp, err := p.Wait(ctx)
					Expect(err).To(Succeed())
					Expect(resp.Status).To(Equal(protocol.StatusUsing))
					Expect(resp.Field(0)).To(Equal(tube))
				}(i)
			}
			wg.Wait()
		})

		It("closes after Quit and refuses new commands", func() {
			tcp := startServer()
			defer tcp.Close()

			conn := client.NewConn(client.Options{Addr: tcp.Addr()})
			Expect(conn.Open(ctx)).To(Succeed())

			Expect(conn.Quit(ctx)).To(Succeed())
			Expect(conn.State()).To(Equal(client.StateClosed))
			Expect(conn.Err()).To(MatchError(client.ErrQuit))

			_, err := conn.Send(ctx, protocol.CmdStats, []byte("stats\r\n"))
			Expect(err).To(MatchError(client.ErrConnectionClosed))
		})
	})
})
