package gen

import (
	"github.com/spf13/cobra"
)

var RootCmd = &cobra.Command{
	Use:   "gen",
	Short: "Generate documentation for beanstalkctl",
	Long:  `Generate documentation for beanstalkctl`,
}

func init() {
	RootCmd.AddCommand(ManPagesCmd)
}
