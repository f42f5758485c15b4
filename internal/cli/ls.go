package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/kilupskalvis/filevault/internal/query"
	"github.com/spf13/cobra"
)

// lsFlags maps command flags onto the search parameters understood by
// query.FromValues, so the CLI and HTTP API accept the same values.
var lsFlags = []struct {
	flag, param, usage string
}{
	{"name", "q", "Filename substring (case-insensitive)"},
	{"content", "content", "Text content substring"},
	{"fingerprint", "fingerprint", "Fingerprint hex prefix (at least 4 characters)"},
	{"type", "media_type", "Exact media type"},
	{"category", "category", "Category (document|image|video|audio|spreadsheet|archive|code)"},
	{"date", "date", "Upload window (today|week|month|year)"},
	{"since", "start", "Uploaded at or after (RFC 3339 or YYYY-MM-DD)"},
	{"until", "end", "Uploaded before (RFC 3339 or YYYY-MM-DD)"},
	{"size", "size", "Size bucket (small|medium|large)"},
	{"duplicates", "duplicates", "Duplicate records (only|exclude)"},
	{"order", "order", "Ordering (newest|oldest|name|largest|smallest)"},
}

func newLsCmd(g *globalOptions) *cobra.Command {
	values := make(map[string]*string, len(lsFlags))
	var (
		limit, offset int
		asJSON        bool
	)

	cmd := &cobra.Command{
		Use:   "ls",
		Short: "Search stored files",
		Long: `List stored files matching every given filter, newest first by default.

Examples:
  filevault ls --name report
  filevault ls --category image --date week
  filevault ls --content "quarterly" --order largest --limit 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v := url.Values{}
			for _, lf := range lsFlags {
				if s := *values[lf.flag]; s != "" {
					v.Set(lf.param, s)
				}
			}
			if limit > 0 {
				v.Set("limit", strconv.Itoa(limit))
			}
			if offset > 0 {
				v.Set("offset", strconv.Itoa(offset))
			}

			f, err := query.FromValues(v)
			if err != nil {
				var fe *query.FilterError
				if errors.As(err, &fe) {
					return fmt.Errorf("invalid --%s: %s", flagFor(fe.Field), fe.Reason)
				}
				return err
			}

			c, err := g.openContext(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer c.Close()

			limits := query.Limits{Default: c.Config.Query.DefaultLimit, Max: c.Config.Query.MaxLimit}
			res, err := c.Vault.Search(cmd.Context(), limits.Apply(f))
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			printResult(cmd, res)
			return nil
		},
	}

	fl := cmd.Flags()
	for _, lf := range lsFlags {
		values[lf.flag] = fl.String(lf.flag, "", lf.usage)
	}
	fl.IntVarP(&limit, "limit", "n", 0, "Maximum results (default from config)")
	fl.IntVar(&offset, "offset", 0, "Results to skip")
	fl.BoolVar(&asJSON, "json", false, "Print the result as JSON")
	return cmd
}

// flagFor names the flag behind a filter parameter.
func flagFor(param string) string {
	for _, lf := range lsFlags {
		if lf.param == param {
			return lf.flag
		}
	}
	return param
}

func printResult(cmd *cobra.Command, res *query.Result) {
	out := cmd.OutOrStdout()
	if len(res.Records) == 0 {
		fmt.Fprintln(out, "No files found")
		return
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSIZE\tUPLOADED\tCATEGORY\tNAME")
	yellow := color.New(color.FgYellow)
	for _, r := range res.Records {
		name := r.OriginalFilename
		if r.IsDuplicate {
			name += yellow.Sprint(" (duplicate)")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.ID, humanize.IBytes(uint64(r.SizeBytes)), humanize.Time(r.UploadedAt), r.Category, name)
	}
	tw.Flush()

	fmt.Fprintf(out, "\n%d of %d file(s)  query %.1fms\n",
		len(res.Records), res.Total, res.Metrics.QueryTimeMs())
}
