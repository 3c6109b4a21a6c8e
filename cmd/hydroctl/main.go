// Command hydroctl is the cluster controller's entrypoint, grounded on
// the teacher's cmd/comet layout: a cobra root command carrying
// persistent flags, with the actual daemon logic in a subcommand.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "hydroctl",
		Short: "hydroctl is the elastic serverless-function cluster controller",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a JSON config file (optional; env vars and defaults fill the rest)")
	root.AddCommand(daemonCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// version is set at build time via -ldflags; "dev" otherwise.
var version = "dev"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print hydroctl's version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}
