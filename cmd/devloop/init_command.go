package main

import (
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"

	"devloop"
	"devloop/internal/config"
)

const starterFile = "devloop.yml"

func newInitCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "init [path]",
		Short: "Write a starter task file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := starterFile
			if len(args) == 1 {
				path = args[0]
			}
			content, err := fs.ReadFile(devloop.EmbeddedConfigFS, "config/devloop.yml")
			if err != nil {
				return err
			}
			if err := config.WriteStarter(path, content); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return err
		},
	}
}
