package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newRmCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>...",
		Short: "Delete file records",
		Long: `Delete file records. The stored bytes are removed once no record
references them any more.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.openContext(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer c.Close()

			out := cmd.OutOrStdout()
			red := color.New(color.FgRed)
			failed := 0
			for _, id := range args {
				if err := c.Vault.Delete(cmd.Context(), id); err != nil {
					failed++
					red.Fprintf(out, "failed   %s: %v\n", id, err)
					continue
				}
				fmt.Fprintf(out, "removed  %s\n", id)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d delete(s) failed", failed, len(args))
			}
			return nil
		},
	}
}
