package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/beanstalk/client"
	"github.com/luma/beanstalk/cmd/gen"
	"github.com/luma/beanstalk/internal/env"
	"github.com/luma/beanstalk/internal/meta"
)

var (
	// Overrides BEANSTALK_URI
	uri string

	// Overrides BEANSTALK_LOG_LEVEL
	logLevel string
)

var RootCmd = &cobra.Command{
	Use:   "beanstalkctl",
	Short: "A beanstalkd client, and a small in-memory server to test it against",
	Long: `A beanstalkd client, and a small in-memory server to test it against

Usage
	beanstalkctl put --set user=42 --tube emails
	beanstalkctl consume --tube emails --field user
	beanstalkctl stats
	beanstalkctl start
`,
	SilenceUsage: true,
}

var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		info := meta.GetInfo()
		fmt.Printf("beanstalkctl %s (%s, %s) built %s with %s on %s\n",
			info.Version, info.Branch, info.Build, info.BuildTime, info.GoVersion, info.Platform)
	},
}

func init() {
	flags := RootCmd.PersistentFlags()

	flags.StringVarP(&uri, "uri", "u", "", "The server to connect to, e.g. tcp://127.0.0.1:11300?tube=emails")
	flags.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")

	RootCmd.AddCommand(StartCmd, PutCmd, ConsumeCmd, StatsCmd, VersionCmd, gen.RootCmd)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads the config, applies flag overrides and builds the logger.
func setup(ctx context.Context) (*env.Config, *zap.Logger, error) {
	conf, err := env.LoadConfig(ctx)
	if err != nil {
		return nil, nil, err
	}

	if uri != "" {
		conf.URI = uri
	}

	if logLevel != "" {
		conf.LogLevel = logLevel
	}

	log, err := env.MakeLogger(conf.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	return conf, log, nil
}

func connect(ctx context.Context) (*client.Client, *zap.Logger, error) {
	conf, log, err := setup(ctx)
	if err != nil {
		return nil, nil, err
	}

	c, err := client.New(conf.URI, log)
	if err != nil {
		return nil, nil, err
	}

	return c, log, nil
}

// quit ends the session politely, falling back to closing the socket.
func quit(ctx context.Context, c *client.Client, log *zap.Logger) {
	if err := c.Quit(ctx); err != nil {
		log.Warn("Failed to quit cleanly", zap.Error(err))
		c.Close()
	}
}
