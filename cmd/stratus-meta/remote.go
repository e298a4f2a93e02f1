package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/fortiblox/stratus-metadata/internal/types"
	"github.com/fortiblox/stratus-metadata/pkg/metadatasvc"
	"github.com/spf13/cobra"
)

func newRemoteCmd(c *cli) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Call a remote metadata service",
	}
	cmd.PersistentFlags().String("addr", "localhost:7878", "metadata service address")
	cmd.PersistentFlags().Bool("tls", false, "use TLS")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "call timeout")
	c.v.BindPFlag(keyRemote, cmd.PersistentFlags().Lookup("addr"))

	dial := func(cmd *cobra.Command) (*metadatasvc.Client, error) {
		config := metadatasvc.DefaultClientConfig(c.v.GetString(keyRemote))
		config.UseTLS, _ = cmd.Flags().GetBool("tls")
		return metadatasvc.Dial(config)
	}

	var format, out string
	fetch := &cobra.Command{
		Use:   "fetch <code-file|code-hash>",
		Short: "Fetch metadata from the service",
		Long: `Sends runtime code, or the hash of code already stored on the server, and
prints the returned metadata.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &metadatasvc.FetchRequest{HeapPages: c.heapPages()}
			code, err := os.ReadFile(args[0])
			switch {
			case err == nil:
				req.Code = code
			case errors.Is(err, fs.ErrNotExist):
				hash, herr := types.ParseHash(args[0])
				if herr != nil {
					return fmt.Errorf("%s: not a file and not a code hash", args[0])
				}
				req.CodeHash = hash.Bytes()
			default:
				return err
			}

			client, err := dial(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			resp, err := client.Fetch(ctx, req)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), out, resp.Metadata, format)
		},
	}
	fetch.Flags().StringVarP(&format, "format", "f", formatHex, "output format: hex, base58 or raw")
	fetch.Flags().StringVarP(&out, "out", "o", "", "write to file instead of stdout")

	put := &cobra.Command{
		Use:   "put <code-file>",
		Short: "Upload runtime code to the service's store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			client, err := dial(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			hash, created, err := client.PutCode(ctx, code)
			if err != nil {
				return err
			}
			if !created {
				log.Infof("%s already stored", hash)
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}

	cmd.AddCommand(fetch, put)
	return cmd
}
