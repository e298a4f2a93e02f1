package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fortiblox/stratus-metadata/pkg/codestore"
	"github.com/fortiblox/stratus-metadata/pkg/metadatasvc"
	"github.com/fortiblox/stratus-metadata/pkg/svm/executor"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tliron/commonlog"
)

// Configuration keys.
const (
	keyStorePath      = "store_path"
	keyHeapPages      = "heap_pages"
	keyComputeLimit   = "compute_limit"
	keyListen         = "listen"
	keyMetricsAddr    = "metrics_addr"
	keyRemote         = "remote"
	keyMaxMessageSize = "max_message_size"
	keyVerbosity      = "verbosity"
)

var log = commonlog.GetLogger("stratus.meta")

// cli carries state shared by all commands.
type cli struct {
	v       *viper.Viper
	cfgFile string
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:           "stratus-meta",
		Short:         "Read runtime metadata",
		Long:          `stratus-meta runs the Metadata_metadata entry point of runtime code and prints the metadata it returns.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.initConfig()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "config file (default is $HOME/.stratus-meta/config.yaml)")
	flags.String("store", "", "code store path (default is $HOME/.stratus-meta/code.db)")
	flags.Uint64("heap-pages", executor.DefaultHeapPages, "heap size in pages")
	flags.Uint64("compute-limit", metadatasvc.DefaultComputeLimit, "compute units per call, 0 for unmetered")
	flags.CountP("verbose", "v", "increase log verbosity")

	c.v.BindPFlag(keyStorePath, flags.Lookup("store"))
	c.v.BindPFlag(keyHeapPages, flags.Lookup("heap-pages"))
	c.v.BindPFlag(keyComputeLimit, flags.Lookup("compute-limit"))
	c.v.BindPFlag(keyVerbosity, flags.Lookup("verbose"))

	root.AddCommand(
		newFetchCmd(c),
		newStoreCmd(c),
		newServeCmd(c),
		newRemoteCmd(c),
		newVersionCmd(),
	)
	return root
}

// initConfig reads in config file and ENV variables if set.
func (c *cli) initConfig() error {
	if c.cfgFile != "" {
		c.v.SetConfigFile(c.cfgFile)
	} else if dir, err := configDir(); err == nil {
		c.v.AddConfigPath(dir)
		c.v.SetConfigName("config")
		c.v.SetConfigType("yaml")
	}

	c.v.SetEnvPrefix("STRATUS_META")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	if err := c.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if c.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	commonlog.Configure(c.v.GetInt(keyVerbosity), nil)
	if used := c.v.ConfigFileUsed(); used != "" {
		log.Debugf("using config file %s", used)
	}
	return nil
}

func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".stratus-meta"), nil
}

func (c *cli) storePath() (string, error) {
	if p := c.v.GetString(keyStorePath); p != "" {
		return p, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", fmt.Errorf("no store path configured: %w", err)
	}
	return filepath.Join(dir, "code.db"), nil
}

func (c *cli) openStore(readOnly bool) (*codestore.Store, error) {
	path, err := c.storePath()
	if err != nil {
		return nil, err
	}
	config := codestore.DefaultConfig(path)
	config.ReadOnly = readOnly
	if readOnly {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("open code store: %w", err)
		}
	}
	return codestore.Open(config)
}

func (c *cli) heapPages() uint64 {
	return c.v.GetUint64(keyHeapPages)
}

func (c *cli) computeLimit() uint64 {
	return c.v.GetUint64(keyComputeLimit)
}
