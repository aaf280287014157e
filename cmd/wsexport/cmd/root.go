package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "wsexport",
	Short: "Export workspace pages to local files",
	Long: `wsexport exports pages from a remote workspace service into
markdown or JSON files.

Available commands:
  export    Run an export of one page or a whole search result
  status    Show the control plane and circuit breaker status
  version   Print the version number

Use "wsexport [command] --help" for more information about a specific command.`,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
}
