package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/baldanca/sqs-ingestor/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "sqs-ingestor",
		Short:         "Consume SQS queues and deliver their messages in batches",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCommand())
	root.AddCommand(newValidateCommand())
	return root
}

func newValidateCommand() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file and print the resolved queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			return cfg.Summary(cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&path, "config", "config.yaml", "path to the YAML configuration file")
	return cmd
}
