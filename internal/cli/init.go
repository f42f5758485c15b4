package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/kilupskalvis/filevault/internal/config"
	"github.com/kilupskalvis/filevault/internal/server"
	"github.com/kilupskalvis/filevault/internal/vault"
	"github.com/spf13/cobra"
)

type initOptions struct {
	backend     string
	compression string
	hash        string
	driver      string
	dsn         string
	bucket      string
}

func newInitCmd() *cobra.Command {
	opts := &initOptions{}
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a new vault",
		Long: `Initialize a new vault in the given directory (default: current directory).
This creates a .filevault directory holding the config, the catalog and
the blobs.

Examples:
  filevault init
  filevault init --hash blake3 --compression zstd
  filevault init --driver postgres --dsn postgres://localhost/filevault`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			return runInit(cmd, dir, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.backend, "backend", "", "Blob backend (fs|s3)")
	f.StringVar(&opts.compression, "compression", "", "At-rest compression for the fs backend (none|zstd)")
	f.StringVar(&opts.hash, "hash", "", "Fingerprint algorithm (sha256|blake3)")
	f.StringVar(&opts.driver, "driver", "", "Catalog driver (sqlite|postgres)")
	f.StringVar(&opts.dsn, "dsn", "", "Catalog DSN")
	f.StringVar(&opts.bucket, "bucket", "", "S3 bucket for the s3 backend")
	return cmd
}

func runInit(cmd *cobra.Command, dir string, opts *initOptions) (err error) {
	vaultDir := filepath.Join(dir, config.VaultDir)
	cfg, err := config.Initialize(vaultDir)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			// Leave the directory re-initializable.
			os.Remove(filepath.Join(cfg.Dir(), config.ConfigFile))
		}
	}()

	if opts.backend != "" {
		cfg.Storage.Backend = opts.backend
	}
	if opts.compression != "" {
		cfg.Storage.Compression = opts.compression
	}
	if opts.hash != "" {
		cfg.Storage.HashAlgorithm = opts.hash
	}
	if opts.driver != "" {
		cfg.Catalog.Driver = opts.driver
		if opts.dsn == "" && opts.driver != "sqlite" {
			return fmt.Errorf("--dsn is required for the %s driver", opts.driver)
		}
	}
	if opts.dsn != "" {
		cfg.Catalog.DSN = opts.dsn
	}
	if opts.bucket != "" {
		cfg.S3.Bucket = opts.bucket
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	// Opening once creates the catalog schema and pins the hash algorithm.
	svc, err := vault.Open(cmd.Context(), cfg, server.NewLogger(cmd.ErrOrStderr(), "warn", "text"))
	if err != nil {
		return fmt.Errorf("failed to initialize catalog: %w", err)
	}
	svc.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Initialized empty filevault in %s\n", cfg.Dir())
	color.New(color.FgCyan).Fprintf(out, "  storage: %s (%s, %s)  catalog: %s\n",
		cfg.Storage.Backend, cfg.Storage.HashAlgorithm, cfg.Storage.Compression, cfg.Catalog.Driver)
	return nil
}
