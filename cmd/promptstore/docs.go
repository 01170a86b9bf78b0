package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/texel/promptstore/internal/store"
)

var (
	putIfMatch     string
	putIfNoneMatch string
	rmIfMatch      string
	cpOverwrite    bool
	purgeYes       bool
)

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a stored document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, closer, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer closer.Close()

		b, err := s.LoadDocument(cmd.Context(), args[0], "")
		if err != nil {
			return err
		}
		var doc any
		if err := json.Unmarshal(b.Data, &doc); err != nil {
			return fmt.Errorf("%s is not JSON: %w", args[0], err)
		}
		return outputTo(cmd.OutOrStdout(), globalOutputFormat, doc)
	},
}

var putCmd = &cobra.Command{
	Use:   "put <key> <file|->",
	Short: "Normalize and store a document",
	Long: `Normalize and store a document read from a file or stdin.

The key decides how the body is validated: the catalog key holds the client
catalog, client/<CODE>/index.json holds a prompt index, anything else is a
prompt document.

Examples:
  promptstore put client/AB12/welcome.json welcome.json
  cat index.json | promptstore put client/AB12/index.json -
  promptstore put client/AB12/welcome.json new.json --if-match '"<etag>"'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := readInput(cmd, args[1])
		if err != nil {
			return err
		}
		s, closer, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer closer.Close()

		res, err := s.SaveDocument(cmd.Context(), args[0], body, store.Precondition{
			IfMatch:     putIfMatch,
			IfNoneMatch: putIfNoneMatch,
		})
		if err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), map[string]string{
			"key":  res.Key,
			"kind": string(res.Kind),
			"etag": res.ETag,
		})
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <key>",
	Short: "Delete a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, closer, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer closer.Close()

		deleted, err := s.Delete(cmd.Context(), args[0], rmIfMatch)
		if err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), map[string]any{"key": args[0], "deleted": deleted})
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls [prefix]",
	Short: "List documents under a prefix",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix := ""
		if len(args) == 1 {
			prefix = args[0]
		}
		s, closer, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer closer.Close()

		docs, err := s.List(cmd.Context(), prefix)
		if err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), docs)
	},
}

var cpCmd = &cobra.Command{
	Use:   "cp <src> <dst>",
	Short: "Copy a document to a new key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, closer, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer closer.Close()

		etag, err := s.Copy(cmd.Context(), args[0], args[1], cpOverwrite)
		if err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), map[string]string{"src": args[0], "dst": args[1], "etag": etag})
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge <prefix>",
	Short: "Delete every document under a prefix",
	Long: `Delete every document under a prefix, one at a time.

The prefix must end with "/". Deletion is not atomic: if one delete fails
the documents already removed stay removed.

Examples:
  promptstore purge client/AB12/ --yes`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !purgeYes {
			return fmt.Errorf("refusing to purge %s without --yes", args[0])
		}
		s, closer, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer closer.Close()

		n, err := s.DeleteByPrefix(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("purge stopped after %d deletions: %w", n, err)
		}
		return output(cmd.OutOrStdout(), map[string]any{"prefix": args[0], "deleted": n})
	},
}

func init() {
	putCmd.Flags().StringVar(&putIfMatch, "if-match", "", "only write if the stored ETag matches (\"*\" requires the key to exist)")
	putCmd.Flags().StringVar(&putIfNoneMatch, "if-none-match", "", "set to \"*\" to only create new documents")
	rmCmd.Flags().StringVar(&rmIfMatch, "if-match", "", "only delete if the stored ETag matches")
	cpCmd.Flags().BoolVar(&cpOverwrite, "overwrite", false, "replace an existing destination")
	purgeCmd.Flags().BoolVar(&purgeYes, "yes", false, "confirm the purge")

	rootCmd.AddCommand(getCmd, putCmd, rmCmd, lsCmd, cpCmd, purgeCmd)
}
