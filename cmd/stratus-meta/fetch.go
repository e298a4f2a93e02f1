package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/fortiblox/stratus-metadata/internal/types"
	"github.com/fortiblox/stratus-metadata/pkg/metadata"
	"github.com/fortiblox/stratus-metadata/pkg/svm/executor"
	"github.com/fortiblox/stratus-metadata/pkg/svm/syscall"
	"github.com/spf13/cobra"
)

func newFetchCmd(c *cli) *cobra.Command {
	var format, out string

	cmd := &cobra.Command{
		Use:   "fetch <code-file|code-hash>",
		Short: "Run the metadata entry point locally",
		Long: `Runs the metadata entry point of runtime code and prints the metadata
without its length prefix. The argument is a path to a runtime code file,
or the hash of code in the local store (base58 or 0x-prefixed hex).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := c.loadCode(args[0])
			if err != nil {
				return err
			}

			md, err := metadata.FromRuntimeCode(code, c.heapPages(),
				metadata.WithLogHandler(logRuntime),
				metadata.WithExecutorOptions(executor.WithComputeLimit(c.computeLimit())),
			)
			if err != nil {
				return err
			}
			log.Infof("metadata: %d bytes", len(md))
			return writeOutput(cmd.OutOrStdout(), out, md, format)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", formatHex, "output format: hex, base58 or raw")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write to file instead of stdout")
	return cmd
}

// loadCode reads a code file, falling back to the local store when arg is
// not an existing file but parses as a hash.
func (c *cli) loadCode(arg string) ([]byte, error) {
	code, err := os.ReadFile(arg)
	if err == nil {
		return code, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	hash, herr := types.ParseHash(arg)
	if herr != nil {
		return nil, fmt.Errorf("%s: not a file and not a code hash", arg)
	}

	store, err := c.openStore(true)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.Get(hash)
}

func logRuntime(l executor.LogEmit) {
	switch l.Level {
	case syscall.LevelError:
		log.Errorf("%s: %s", l.Target, l.Message)
	case syscall.LevelWarn:
		log.Warningf("%s: %s", l.Target, l.Message)
	case syscall.LevelInfo:
		log.Infof("%s: %s", l.Target, l.Message)
	default:
		log.Debugf("%s: %s", l.Target, l.Message)
	}
}
