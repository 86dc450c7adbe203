// Package cli implements the polystore command-line interface. Commands are
// thin wrappers over the store facade: they load configuration, open the
// store against the configured backends and run one document operation.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (POLYSTORE_ prefix)
//  2. .env file
//  3. Configuration file (--config, or the standard search paths)
//  4. Default values
package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"polystore.evalgo.org/config"
	"polystore.evalgo.org/store"
	"polystore.evalgo.org/version"
)

// cfgFile holds the path to the configuration file specified via the
// --config flag. Empty means the standard search paths are used.
var cfgFile string

// RootCmd is the root of the polystore command tree.
var RootCmd = &cobra.Command{
	Use:   "polystore",
	Short: "coordinated document storage across polyglot backends",
	Long: `Polystore Document Coordinator

Writes documents across PostgreSQL, CouchDB, Neo4j, Redis and S3 in one
coordinated operation with automatic rollback, streams large payloads in
bounded-memory chunks, and serves reads through a TTL+LRU cache.

Commands:
- write: store a file with optional vectors and relations
- read: materialize a document from all backends
- delete: remove a document everywhere
- health: probe every configured backend
- version: print build and dependency information`,
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default searches ., ./configs, $HOME/.polystore, /etc/polystore)")

	RootCmd.AddCommand(versionCmd)
	RootCmd.AddCommand(healthCmd)
	RootCmd.AddCommand(writeCmd)
	RootCmd.AddCommand(readCmd)
	RootCmd.AddCommand(deleteCmd)
}

// openStore loads configuration and connects every configured backend.
func openStore(cmd *cobra.Command) (*store.Store, error) {
	cfg, err := config.LoadConfig("POLYSTORE", cfgFile)
	if err != nil {
		return nil, err
	}
	return store.Open(cmd.Context(), cfg)
}

// printJSON renders a command result as indented JSON on stdout.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print build and dependency information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("polystore %s\n", version.GetPolystoreVersion())
		return printJSON(version.GetBuildInfo())
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "probe every configured backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		report := s.Health(cmd.Context())
		if err := printJSON(report); err != nil {
			return err
		}
		if !report.Healthy() {
			return fmt.Errorf("one or more backends are unreachable")
		}
		return nil
	},
}
