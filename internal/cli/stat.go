package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/kilupskalvis/filevault/internal/category"
	"github.com/spf13/cobra"
)

func newStatCmd(g *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stat",
		Short: "Show vault usage and dedup savings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.openContext(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer c.Close()

			st, err := c.Vault.Stat(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "files:\t%d\t(%d duplicate)\n", st.Files, st.Duplicates)
			fmt.Fprintf(tw, "blobs:\t%d\n", st.Blobs)
			fmt.Fprintf(tw, "logical size:\t%s\n", humanize.IBytes(uint64(st.LogicalBytes)))
			fmt.Fprintf(tw, "stored size:\t%s\n", humanize.IBytes(uint64(st.PhysicalBytes)))
			saved := st.SavedBytes()
			pct := 0.0
			if st.LogicalBytes > 0 {
				pct = 100 * float64(saved) / float64(st.LogicalBytes)
			}
			fmt.Fprintf(tw, "saved:\t%s\t(%.1f%%)\n", humanize.IBytes(uint64(saved)), pct)
			tw.Flush()

			if st.CorruptBlobs > 0 {
				color.New(color.FgRed).Fprintf(out, "%d corrupt blob(s); run 'filevault scrub'\n", st.CorruptBlobs)
			}

			if len(st.ByCategory) > 0 {
				fmt.Fprintln(out, "\nby category:")
				tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				for _, cat := range category.All() {
					if n := st.ByCategory[cat]; n > 0 {
						fmt.Fprintf(tw, "  %s\t%d\n", cat, n)
					}
				}
				tw.Flush()
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the statistics as JSON")
	return cmd
}
