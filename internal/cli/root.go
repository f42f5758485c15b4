// Package cli implements the command-line interface for filevault.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/kilupskalvis/filevault/internal/config"
	"github.com/kilupskalvis/filevault/internal/server"
	"github.com/kilupskalvis/filevault/internal/vault"
	"github.com/spf13/cobra"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	verbose    bool
}

// cmdContext holds common resources for CLI commands
type cmdContext struct {
	Config *config.Config
	Vault  *vault.Service
}

// Close releases resources held by cmdContext
func (c *cmdContext) Close() {
	if c.Vault != nil {
		c.Vault.Close()
	}
}

func (o *globalOptions) loadConfig() (*config.Config, error) {
	if o.configPath != "" {
		return config.Load(o.configPath)
	}
	return config.Discover()
}

// openContext loads the configuration and opens the vault. Vault logs go to
// stderr at warn level unless --verbose is set.
func (o *globalOptions) openContext(ctx context.Context, stderr io.Writer) (*cmdContext, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}

	level := "warn"
	if o.verbose {
		level = cfg.Log.Level
	}
	svc, err := vault.Open(ctx, cfg, server.NewLogger(stderr, level, "text"))
	if err != nil {
		return nil, fmt.Errorf("failed to open vault: %w", err)
	}
	return &cmdContext{Config: cfg, Vault: svc}, nil
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "filevault",
		Short: "Content-addressed file vault",
		Long: `filevault stores files by the fingerprint of their content. Identical
uploads are kept once on disk while every upload keeps its own record,
and the catalog can be searched by name, content, type, date and size.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "",
		"Config file or .filevault directory (env: "+config.EnvConfig+")")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "Log vault activity to stderr")

	rootCmd.AddCommand(
		newInitCmd(),
		newAddCmd(opts),
		newLsCmd(opts),
		newGetCmd(opts),
		newRmCmd(opts),
		newStatCmd(opts),
		newGCCmd(opts),
		newScrubCmd(opts),
		newServeCmd(opts),
		newCompletionCmd(rootCmd),
	)
	return rootCmd
}

// Execute runs the root command
func Execute() error {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return err
	}
	return nil
}
