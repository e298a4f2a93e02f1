// stratus-meta reads the metadata runtimes describe themselves with.
//
// It runs the metadata entry point of runtime code locally, keeps runtime
// code in a local store, and serves or queries the metadata service over
// gRPC.
package main

import (
	"os"

	_ "github.com/tliron/commonlog/simple"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
