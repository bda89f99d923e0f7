package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/luma/beanstalk/client"
)

var (
	putTube     string
	putPriority uint32
	putDelay    time.Duration
	putTTR      time.Duration
	putSet      []string
)

func init() {
	flags := PutCmd.Flags()

	flags.StringVarP(&putTube, "tube", "t", "", "The tube to put the job in, defaults to the uri's tube")
	flags.Uint32VarP(&putPriority, "priority", "p", 0, "Job priority, lower is more urgent")
	flags.DurationVar(&putDelay, "delay", 0, "How long the job stays delayed before it is ready")
	flags.DurationVar(&putTTR, "ttr", client.DefaultTTR, "How long a worker may hold the job")
	flags.StringArrayVar(&putSet, "set", nil, "Set a JSON field in the body, as path=value. May be repeated")
}

var PutCmd = &cobra.Command{
	Use:   "put [body]",
	Short: "Put a job",
	Long: `Put a job and print its id

With --set the body is a JSON object, starting from [body] or {}, and each
path=value is written into it. JSON bodies are stamped with a "job" uuid.

Usage
	beanstalkctl put 'raw bytes'
	beanstalkctl put --tube emails --set to=a@b.c --set retries=3
`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		var body []byte
		if len(args) == 1 {
			body = []byte(args[0])
		}

		if len(putSet) > 0 {
			var err error
			if body, err = jsonBody(body, putSet); err != nil {
				return err
			}
		}

		c, log, err := connect(ctx)
		if err != nil {
			return err
		}
		defer quit(ctx, c, log)

		if putTube != "" {
			if err := c.Use(ctx, putTube); err != nil {
				return err
			}
		}

		id, err := c.Put(ctx, body, client.PutParams{
			Priority: putPriority,
			Delay:    putDelay,
			TTR:      putTTR,
		})
		if err != nil {
			return err
		}

		log.Debug("Put job",
			zap.Uint64("id", id),
			zap.String("tube", c.CurrentTube()),
			zap.Int("bytes", len(body)))

		fmt.Println(id)

		return nil
	},
}

// jsonBody sets each path=value on base, an empty object when base is empty,
// and stamps the result with a fresh job id.
func jsonBody(base []byte, sets []string) ([]byte, error) {
	if len(base) == 0 {
		base = []byte("{}")
	}

	body := base
	for _, set := range sets {
		parts := strings.SplitN(set, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, fmt.Errorf("--set %q is not path=value", set)
		}

		var err error
		if body, err = sjson.SetBytes(body, parts[0], parts[1]); err != nil {
			return nil, fmt.Errorf("failed to set %s: %w", parts[0], err)
		}
	}

	return sjson.SetBytes(body, "job", uuid.New().String())
}
