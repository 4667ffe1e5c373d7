package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "none"
)

func versionInfo() string {
	return fmt.Sprintf("%s (commit %s, %s %s/%s)", version, commit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func newRootCommand() *cobra.Command {
	var configPath string

	serve := func(cmd *cobra.Command, args []string) error {
		if configPath == "" {
			configPath = os.Getenv("CONFIG_PATH")
		}
		runServe(configPath)
		return nil
	}

	root := &cobra.Command{
		Use:           "imagemirror",
		Short:         "Mirror images posted in Discord source channels into a target channel",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file path (TOML, or YAML by extension); defaults to $CONFIG_PATH or config.toml")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Connect to Discord and start mirroring",
		Args:  cobra.NoArgs,
		RunE:  serve,
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "imagemirror "+versionInfo())
		},
	})
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
