package cli

import (
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/kilupskalvis/filevault/internal/vault"
	"github.com/spf13/cobra"
)

func newGetCmd(g *globalOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Write a stored file's content",
		Long: `Write the content of a stored file to stdout, or to a file with -o.
The bytes are verified against their fingerprint while they are copied;
a corrupted blob fails the command and no output file is left behind.

Examples:
  filevault get 0c9f... > report.pdf
  filevault get 0c9f... -o report.pdf`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.openContext(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer c.Close()
			return runGet(cmd, c.Vault, args[0], output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default stdout)")
	return cmd
}

func runGet(cmd *cobra.Command, svc *vault.Service, id, output string) error {
	dl, err := svc.Fetch(cmd.Context(), id)
	if err != nil {
		return err
	}
	defer dl.Body.Close()

	if output == "" || output == "-" {
		_, err := io.Copy(cmd.OutOrStdout(), dl.Body)
		return err
	}

	// Write beside the target and rename so a failed copy never leaves a
	// partial file under the requested name.
	tmp, err := os.CreateTemp(filepath.Dir(output), "."+filepath.Base(output)+".part-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, dl.Body)
	if err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), output); err != nil {
		return err
	}

	color.New(color.FgGreen).Fprintf(cmd.ErrOrStderr(), "wrote %s (%s) to %s\n",
		dl.Record.OriginalFilename, humanize.IBytes(uint64(n)), output)
	return nil
}
