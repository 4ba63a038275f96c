// Command nog is the client CLI for the content-addressed object store: it
// wires config.Load, httpclient, entrycache, and remoterepo/poststream into
// a small set of cobra subcommands, following the teacher's single-binary
// cmd/oci-pull-through entrypoint shape for config loading and logging, and
// the upload semantics of the original tools/datadir-upload/datadir-upload.py.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nogproject/nog/internal/config"
)

var cfg config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nog",
	Short: "nog manages datasets in the nog content-addressed object store",
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.AddCommand(uploadCmd)
}

func initConfig() {
	cfg = config.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))
}
