package client_test

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/beanstalk/client"
	"github.com/luma/beanstalk/protocol"
	"github.com/luma/beanstalk/transport"
)

var _ = Describe("client / Client", func() {
	var (
		ctx context.Context
		tcp *transport.TCP
		c   *client.Client
	)

	BeforeEach(func() {
		ctx = context.Background()
		tcp = startServer()

		var err error
		c, err = client.New("tcp://"+tcp.Addr()+"?tube=default", nil)
		Expect(err).To(Succeed())
	})

	AfterEach(func() {
		c.Close()
		Expect(tcp.Close()).To(Succeed())
	})

	put := func(body string) uint64 {
		id, err := c.Put(ctx, []byte(body), client.PutParams{})
		Expect(err).To(Succeed())
		return id
	}

	It("puts, inspects, reserves and deletes a job", func() {
		id := put("hi")
		Expect(id).To(BeNumerically(">", 0))

		stats, err := c.JobStats(ctx, id)
		Expect(err).To(Succeed())
		Expect(stats.ID).To(Equal(id))
		Expect(stats.State).To(Equal("ready"))
		Expect(stats.Priority).To(Equal(uint32(0)))
		Expect(stats.Delay).To(Equal(uint64(0)))
		Expect(stats.TTR).To(Equal(uint64(60)))

		job, err := c.Reserve(ctx)
		Expect(err).To(Succeed())
		Expect(job.ID).To(Equal(id))
		Expect(job.Body).To(Equal([]byte("hi")))

		Expect(c.Delete(ctx, id)).To(BeTrue())
		Expect(c.Delete(ctx, id)).To(BeFalse())
	})

	It("counts watched tubes on a connection with an implicit default tube", func() {
		Expect(c.Watch(ctx, "foobar")).To(Equal(uint64(2)))
		Expect(c.Ignore(ctx, "default")).To(Equal(uint64(1)))

		Expect(c.ListWatchedTubes(ctx)).To(Equal([]string{"foobar"}))

		_, err := c.Ignore(ctx, "foobar")
		Expect(err).To(MatchError(client.ErrNotIgnored))
	})

	It("times out reserving from an empty tube", func() {
		_, err := c.ReserveWithTimeout(ctx, time.Second)
		Expect(err).To(MatchError(client.ErrTimedOut))
	})

	It("keeps binary bodies intact", func() {
		body := []byte("line one\r\nline two\r\n\x00\xff")

		id, err := c.Put(ctx, body, client.PutParams{Priority: 10})
		Expect(err).To(Succeed())

		job, err := c.Peek(ctx, id)
		Expect(err).To(Succeed())
		Expect(job.Body).To(Equal(body))

		job, err = c.Reserve(ctx)
		Expect(err).To(Succeed())
		Expect(job.Body).To(Equal(body))
	})

	It("refuses jobs larger than the server allows", func() {
		body := bytes.Repeat([]byte("x"), transport.DefaultMaxJobSize+1)

		_, err := c.Put(ctx, body, client.PutParams{})
		Expect(err).To(MatchError(client.ErrJobTooBig))

		// The connection is still in sync.
		put("small")
	})

	Describe("Use()", func() {
		It("switches the tube new jobs go to", func() {
			Expect(c.CurrentTube()).To(Equal("default"))
			Expect(c.Use(ctx, "emails")).To(Succeed())
			Expect(c.CurrentTube()).To(Equal("emails"))

			Expect(c.UsedTube(ctx)).To(Equal("emails"))

			id := put("welcome")
			stats, err := c.JobStats(ctx, id)
			Expect(err).To(Succeed())
			Expect(stats.Tube).To(Equal("emails"))

			Expect(c.ListTubes(ctx)).To(ContainElements("default", "emails"))
		})

		It("leaves the tube the server applied last after concurrent calls", func() {
			const callers = 20

			var wg sync.WaitGroup
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()

					Expect(c.Use(ctx, fmt.Sprintf("tube-%d", i))).To(Succeed())
				}(i)
			}
			wg.Wait()

			Expect(c.UsedTube(ctx)).To(Equal(c.CurrentTube()))
		})

		It("rejects invalid tube names without sending them", func() {
			err := c.Use(ctx, "-nope")
			Expect(err).To(MatchError(protocol.ErrInvalidTubeName))
			Expect(c.CurrentTube()).To(Equal("default"))
		})
	})

	Describe("Peek*()", func() {
		It("reports a missing job as not found", func() {
			_, err := c.Peek(ctx, 9999)
			Expect(err).To(MatchError(client.ErrNotFound))

			_, err = c.PeekReady(ctx)
			Expect(err).To(MatchError(client.ErrNotFound))
		})

		It("peeks delayed jobs", func() {
			id, err := c.Put(ctx, []byte("later"), client.PutParams{Delay: time.Hour})
			Expect(err).To(Succeed())

			job, err := c.PeekDelayed(ctx)
			Expect(err).To(Succeed())
			Expect(job.ID).To(Equal(id))

			Expect(c.KickJob(ctx, id)).To(BeTrue())

			job, err = c.PeekReady(ctx)
			Expect(err).To(Succeed())
			Expect(job.ID).To(Equal(id))
		})
	})

	Describe("Release() / Bury() / Touch() / Kick()", func() {
		var id uint64

		BeforeEach(func() {
			id = put("work")

			job, err := c.Reserve(ctx)
			Expect(err).To(Succeed())
			Expect(job.ID).To(Equal(id))
		})

		It("touches and releases a reserved job", func() {
			Expect(c.Touch(ctx, id)).To(BeTrue())

			Expect(c.Release(ctx, id, 5, 0)).To(Equal(protocol.StatusReleased))
			Expect(c.Release(ctx, id, 5, 0)).To(Equal(protocol.StatusNotFound))

			stats, err := c.JobStats(ctx, id)
			Expect(err).To(Succeed())
			Expect(stats.Priority).To(Equal(uint32(5)))
			Expect(stats.Releases).To(Equal(uint64(1)))
		})

		It("buries and kicks a job", func() {
			Expect(c.Bury(ctx, id, 0)).To(BeTrue())

			job, err := c.PeekBuried(ctx)
			Expect(err).To(Succeed())
			Expect(job.ID).To(Equal(id))

			Expect(c.Kick(ctx, 10)).To(Equal(uint64(1)))

			stats, err := c.TubeStats(ctx, "default")
			Expect(err).To(Succeed())
			Expect(stats.CurrentJobsReady).To(Equal(uint64(1)))
			Expect(stats.CurrentJobsBuried).To(Equal(uint64(0)))
		})
	})

	Describe("stats", func() {
		It("decodes server stats", func() {
			put("x")

			stats, err := c.SystemStats(ctx)
			Expect(err).To(Succeed())
			Expect(stats.CmdPut).To(Equal(uint64(1)))
			Expect(stats.CmdUse).To(Equal(uint64(1)))
			Expect(stats.CurrentConnections).To(Equal(uint64(1)))
			Expect(stats.Version).NotTo(BeEmpty())
		})

		It("reports an unknown tube as not found", func() {
			_, err := c.TubeStats(ctx, "nope")
			Expect(err).To(MatchError(client.ErrNotFound))

			Expect(c.PauseTube(ctx, "nope", time.Second)).To(MatchError(client.ErrNotFound))
		})

		It("pauses a tube", func() {
			Expect(c.PauseTube(ctx, "default", time.Minute)).To(Succeed())

			stats, err := c.TubeStats(ctx, "default")
			Expect(err).To(Succeed())
			Expect(stats.Pause).To(Equal(uint64(60)))
			Expect(stats.CmdPauseTube).To(Equal(uint64(1)))
		})
	})

	It("pipelines concurrent puts", func() {
		const producers = 20

		ids := make(chan uint64, producers)

		var wg sync.WaitGroup
		for i := 0; i < producers; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()

				id, err := c.Put(ctx, []byte("job"), client.PutParams{})
				Expect(err).To(Succeed())
				ids <- id
			}()
		}
		wg.Wait()
		close(ids)

		seen := make(map[uint64]bool)
		for id := range ids {
			seen[id] = true
		}
		Expect(seen).To(HaveLen(producers))
	})

	It("fails commands after Quit", func() {
		Expect(c.Quit(ctx)).To(Succeed())

		_, err := c.Put(ctx, []byte("late"), client.PutParams{})
		Expect(err).To(MatchError(client.ErrConnectionClosed))
	})
})
