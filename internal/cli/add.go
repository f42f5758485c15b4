package cli

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/kilupskalvis/filevault/internal/config"
	"github.com/kilupskalvis/filevault/internal/models"
	"github.com/kilupskalvis/filevault/internal/vault"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type addOptions struct {
	mediaType string
	jobs      int
}

func newAddCmd(g *globalOptions) *cobra.Command {
	opts := &addOptions{}
	cmd := &cobra.Command{
		Use:   "add <path>...",
		Short: "Store files in the vault",
		Long: `Store files in the vault. Directories are walked recursively.
Content already in the vault is not stored again; the new record is
reported as a duplicate.

Examples:
  filevault add report.pdf
  filevault add --jobs 8 ./photos`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.openContext(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer c.Close()
			return runAdd(cmd, c.Vault, args, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.mediaType, "type", "t", "", "Declared media type for every file")
	cmd.Flags().IntVarP(&opts.jobs, "jobs", "j", 4, "Files uploaded in parallel")
	return cmd
}

type addResult struct {
	path string
	rec  *models.FileRecord
	err  error
}

func runAdd(cmd *cobra.Command, svc *vault.Service, args []string, opts *addOptions) error {
	paths, err := expandPaths(args)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No files to add")
		return nil
	}

	results := make([]addResult, len(paths))
	eg, ctx := errgroup.WithContext(cmd.Context())
	eg.SetLimit(max(opts.jobs, 1))
	for i, p := range paths {
		eg.Go(func() error {
			rec, err := addFile(ctx, svc, p, opts.mediaType)
			results[i] = addResult{path: p, rec: rec, err: err}
			return nil
		})
	}
	eg.Wait()

	out := cmd.OutOrStdout()
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	var added, dups, failed int
	var saved int64
	for _, r := range results {
		switch {
		case r.err != nil:
			failed++
			red.Fprintf(out, "failed     %s: %v\n", r.path, r.err)
		case r.rec.IsDuplicate:
			dups++
			saved += r.rec.SizeBytes
			yellow.Fprintf(out, "duplicate  %s  %s (%s)\n", r.rec.ID, r.path, humanize.IBytes(uint64(r.rec.SizeBytes)))
		default:
			added++
			green.Fprintf(out, "added      %s  %s (%s)\n", r.rec.ID, r.path, humanize.IBytes(uint64(r.rec.SizeBytes)))
		}
	}

	fmt.Fprintf(out, "\n%d added, %d duplicate(s)", added, dups)
	if saved > 0 {
		fmt.Fprintf(out, ", %s not stored again", humanize.IBytes(uint64(saved)))
	}
	fmt.Fprintln(out)

	if failed > 0 {
		return fmt.Errorf("%d file(s) failed", failed)
	}
	return nil
}

func addFile(ctx context.Context, svc *vault.Service, path, mediaType string) (*models.FileRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return svc.Ingest(ctx, filepath.Base(path), mediaType, f)
}

// expandPaths resolves directories to the regular files below them,
// skipping vault directories.
func expandPaths(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}
		err = filepath.WalkDir(arg, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if d.Name() == config.VaultDir {
					return filepath.SkipDir
				}
				return nil
			}
			if d.Type().IsRegular() {
				paths = append(paths, p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return paths, nil
}
