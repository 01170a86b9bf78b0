package main

import (
	"github.com/spf13/cobra"

	"github.com/texel/promptstore/internal/store"
)

var catalogIfMatch string

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Show the client catalog",
	Long: `Show the client catalog, or an empty one if none has been saved.

Subcommands:
  catalog set <file|->   replace the whole catalog
  catalog index <code>   show a client's prompt index`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, closer, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer closer.Close()

		cat, _, err := s.LoadCatalog(cmd.Context())
		if err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), cat)
	},
}

var catalogSetCmd = &cobra.Command{
	Use:   "set <file|->",
	Short: "Validate and replace the client catalog",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := readInput(cmd, args[0])
		if err != nil {
			return err
		}
		s, closer, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer closer.Close()

		cat, etag, err := s.SaveCatalog(cmd.Context(), body, store.Precondition{IfMatch: catalogIfMatch})
		if err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), map[string]any{"etag": etag, "count": len(cat.Clients)})
	},
}

var catalogIndexCmd = &cobra.Command{
	Use:   "index <code>",
	Short: "Show a client's prompt index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, closer, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer closer.Close()

		idx, _, err := s.LoadIndex(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), idx)
	},
}

func init() {
	catalogSetCmd.Flags().StringVar(&catalogIfMatch, "if-match", "", "only replace if the stored ETag matches")

	catalogCmd.AddCommand(catalogSetCmd, catalogIndexCmd)
	rootCmd.AddCommand(catalogCmd)
}
