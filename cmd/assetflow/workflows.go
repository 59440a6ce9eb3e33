package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pitabwire/assetflow/internal/definition"
)

func newWorkflowsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflows",
		Short: "Inspect workflow seed files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate DIR...",
		Short: "Parse and validate workflow seed files without touching a store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := definition.NewLoader().LoadAll(args)
			if err != nil {
				return err
			}
			verrs := definition.NewValidator().Validate(files)
			for _, ve := range verrs {
				fmt.Fprintln(cmd.ErrOrStderr(), ve.Error())
			}
			if len(verrs) > 0 {
				return fmt.Errorf("%d validation error(s)", len(verrs))
			}

			workflows := 0
			for _, f := range files {
				workflows += len(f.Workflows)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d file(s), %d workflow(s) valid\n", len(files), workflows)
			return nil
		},
	})
	return cmd
}
