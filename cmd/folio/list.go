package main

import (
	"fmt"

	"github.com/oukeidos/folio/internal/language"
	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered target languages",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "Registered Languages:")
			for _, tag := range language.SupportedTags() {
				fmt.Fprintf(cmd.OutOrStdout(), "  %-35s [%s]\n", language.DisplayName(tag), tag)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "\nOther valid BCP-47 tags are accepted; the registry only tunes display names and token ratios.")
		},
	}
	cmd.SetUsageTemplate(subcommandUsageTemplate)
	return cmd
}
