package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/luma/beanstalk/protocol"
)

var (
	statsTube  string
	statsJob   uint64
	statsTubes bool
)

func init() {
	flags := StatsCmd.Flags()

	flags.StringVarP(&statsTube, "tube", "t", "", "Show the stats of this tube")
	flags.Uint64VarP(&statsJob, "job", "j", 0, "Show the stats of this job")
	flags.BoolVar(&statsTubes, "tubes", false, "List the tubes that exist")
}

var StatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print server, tube or job stats as YAML",
	Long: `Print server, tube or job stats as YAML

Usage
	beanstalkctl stats
	beanstalkctl stats --tube emails
	beanstalkctl stats --job 42
	beanstalkctl stats --tubes
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		c, log, err := connect(ctx)
		if err != nil {
			return err
		}
		defer quit(ctx, c, log)

		var stats interface{}

		switch {
		case statsTubes:
			stats, err = c.ListTubes(ctx)
		case statsJob != 0:
			stats, err = c.JobStats(ctx, statsJob)
		case statsTube != "":
			stats, err = c.TubeStats(ctx, statsTube)
		default:
			stats, err = c.SystemStats(ctx)
		}

		if err != nil {
			return err
		}

		out, err := protocol.EncodeYAML(stats)
		if err != nil {
			return err
		}

		fmt.Print(string(out))

		return nil
	},
}
