package main

import (
	"fmt"
	"os"

	"github.com/fortiblox/stratus-metadata/internal/types"
	"github.com/fortiblox/stratus-metadata/pkg/codestore"
	"github.com/spf13/cobra"
)

func newStoreCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Manage the local runtime code store",
	}

	put := &cobra.Command{
		Use:   "put <code-file>...",
		Short: "Add runtime code files to the store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := c.openStore(false)
			if err != nil {
				return err
			}
			defer store.Close()

			for _, path := range args {
				code, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				hash, err := store.Put(code)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", hash, path)
			}
			return nil
		},
	}

	var out string
	get := &cobra.Command{
		Use:   "get <code-hash>",
		Short: "Write stored runtime code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := types.ParseHash(args[0])
			if err != nil {
				return err
			}
			store, err := c.openStore(true)
			if err != nil {
				return err
			}
			defer store.Close()

			code, err := store.Get(hash)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), out, code, formatRaw)
		},
	}
	get.Flags().StringVarP(&out, "out", "o", "", "write to file instead of stdout")

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored runtime code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := c.openStore(true)
			if err != nil {
				return err
			}
			defer store.Close()

			return store.List(func(e codestore.Entry) error {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s  %d\n", e.Hash, e.Size)
				return err
			})
		},
	}

	rm := &cobra.Command{
		Use:   "rm <code-hash>",
		Short: "Remove stored runtime code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := types.ParseHash(args[0])
			if err != nil {
				return err
			}
			store, err := c.openStore(false)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.Delete(hash)
		},
	}

	cmd.AddCommand(put, get, list, rm)
	return cmd
}
