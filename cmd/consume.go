package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/luma/beanstalk/client"
	"github.com/luma/beanstalk/protocol"
)

var (
	consumeTubes   []string
	consumeField   string
	consumeCount   int
	consumeTimeout time.Duration
	consumeBury    bool
)

func init() {
	flags := ConsumeCmd.Flags()

	flags.StringSliceVarP(&consumeTubes, "tube", "t", nil, "Tubes to watch, instead of default")
	flags.StringVarP(&consumeField, "field", "f", "", "Print this JSON path of each body instead of the whole body")
	flags.IntVarP(&consumeCount, "count", "n", 0, "Stop after this many jobs, 0 for no limit")
	flags.DurationVar(&consumeTimeout, "timeout", 0, "Stop once no job arrives for this long, 0 to wait forever")
	flags.BoolVar(&consumeBury, "bury", false, "Bury jobs instead of deleting them")
}

var ConsumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Reserve jobs, print them and delete them",
	Long: `Reserve jobs, print them and delete them

Usage
	beanstalkctl consume --tube emails --field to --count 10
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		c, log, err := connect(ctx)
		if err != nil {
			return err
		}
		defer quit(context.Background(), c, log)

		if err := watchOnly(ctx, c, consumeTubes); err != nil {
			return err
		}

		for n := 0; consumeCount == 0 || n < consumeCount; {
			job, err := reserve(ctx, c)

			switch {
			case err == nil:

			case errors.Is(err, client.ErrTimedOut):
				log.Info("No job arrived in time", zap.Duration("timeout", consumeTimeout))
				return nil

			case errors.Is(err, client.ErrDeadlineSoon):
				log.Warn("A reserved job is close to its deadline")
				continue

			case errors.Is(err, context.Canceled):
				return nil

			default:
				return err
			}

			printJob(job)
			n++

			if consumeBury {
				_, err = c.Bury(ctx, job.ID, 0)
			} else {
				_, err = c.Delete(ctx, job.ID)
			}

			if err != nil {
				return err
			}
		}

		return nil
	},
}

// watchOnly makes tubes the watch list. With no tubes it leaves default.
func watchOnly(ctx context.Context, c *client.Client, tubes []string) error {
	keepDefault := len(tubes) == 0

	for _, tube := range tubes {
		if tube == protocol.DefaultTube {
			keepDefault = true
			continue
		}

		if _, err := c.Watch(ctx, tube); err != nil {
			return err
		}
	}

	if !keepDefault {
		if _, err := c.Ignore(ctx, protocol.DefaultTube); err != nil {
			return err
		}
	}

	return nil
}

func reserve(ctx context.Context, c *client.Client) (*client.Job, error) {
	if consumeTimeout > 0 {
		return c.ReserveWithTimeout(ctx, consumeTimeout)
	}

	return c.Reserve(ctx)
}

func printJob(job *client.Job) {
	if consumeField == "" {
		fmt.Printf("%d\t%s\n", job.ID, job.Body)
		return
	}

	fmt.Printf("%d\t%s\n", job.ID, gjson.GetBytes(job.Body, consumeField).String())
}
