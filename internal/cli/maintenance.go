package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newGCCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Remove unreferenced blobs and repair reference counts",
		Long: `Garbage-collect the vault: delete stored blobs that no index entry
references, reconcile reference counts with the file records, drop blobs
no record uses and remove abandoned staging files.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.openContext(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer c.Close()

			res, err := c.Vault.GC(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "scanned %d blob(s)\n", res.BlobsScanned)
			fmt.Fprintf(out, "  orphans deleted:      %d\n", res.OrphansDeleted)
			fmt.Fprintf(out, "  refcounts fixed:      %d\n", res.RefCountsFixed)
			fmt.Fprintf(out, "  unreferenced freed:   %d\n", res.UnreferencedFreed)
			fmt.Fprintf(out, "  staging files removed: %d\n", res.StagingRemoved)
			return nil
		},
	}
}

func newScrubCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scrub",
		Short: "Verify every stored blob against its fingerprint",
		Long: `Re-hash every stored blob. Mismatching or missing blobs are flagged
and refused by get until a later scrub finds them intact again. Exits
non-zero when any blob is bad.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.openContext(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer c.Close()

			res, err := c.Vault.Scrub(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			red := color.New(color.FgRed)
			green := color.New(color.FgGreen)
			for _, fp := range res.Corrupt {
				red.Fprintf(out, "corrupt  %s\n", fp)
			}
			for _, fp := range res.Missing {
				red.Fprintf(out, "missing  %s\n", fp)
			}
			for _, fp := range res.Cleared {
				green.Fprintf(out, "cleared  %s\n", fp)
			}
			fmt.Fprintf(out, "checked %d blob(s)\n", res.Checked)

			if bad := len(res.Corrupt) + len(res.Missing); bad > 0 {
				return fmt.Errorf("%d bad blob(s)", bad)
			}
			return nil
		},
	}
}
