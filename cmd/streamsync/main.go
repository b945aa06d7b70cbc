package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/memohai/streamsync/internal/config"
	"github.com/memohai/streamsync/internal/version"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "streamsync",
		Short:         "Mirror CMS video uploads to Cloudflare Stream",
		Version:       version.GetInfo(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_PATH"), "path to the TOML config file")

	root.AddCommand(
		newServeCommand(),
		newUploadCommand(),
		newDeleteCommand(),
		newVersionCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func provideConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
