package cmd

import (
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"flowdis/internal/analysis"
	"flowdis/internal/flowdis/styles"
)

var summaryCmd = &cobra.Command{
	Use:   "summary <input-path>",
	Short: "Print an exploration report",
	Long:  "Explore the image and print a report of the code region, runs, overlaps and unresolved targets.",
	Example: `
# Report on a binary
flowdis summary ./a.out

# Plain markdown, for pasting elsewhere
flowdis summary --raw ./a.out > report.md
  `,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := resolveOptions(cmd)
		if err != nil {
			return err
		}
		s, err := explore(args[0], opts)
		if err != nil {
			return err
		}
		defer s.Close()

		md := summaryMarkdown(s)
		raw, _ := cmd.Flags().GetBool("raw")
		if raw {
			fmt.Fprint(cmd.OutOrStdout(), md)
			return nil
		}

		width := 80
		if w, _, err := term.GetSize(os.Stdout.Fd()); err == nil && w > 0 {
			width = w
		}
		r, err := styles.MarkdownRenderer(width - 2)
		if err != nil {
			return fmt.Errorf("create renderer: %w", err)
		}
		out, err := r.Render(md)
		if err != nil {
			return fmt.Errorf("render summary: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), out)
		return nil
	},
}

func init() {
	summaryCmd.Flags().Bool("raw", false, "Print markdown without rendering")
}

// maxListed caps the unresolved and overlap tables.
const maxListed = 20

func summaryMarkdown(s *session) string {
	res := s.res
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", filepath.Base(s.path))

	b.WriteString("## Image\n\n")
	fmt.Fprintf(&b, "- Entry point: `%#x`\n", res.Entry)
	if sym, ok := s.img.SymbolAt(res.Entry); ok {
		fmt.Fprintf(&b, "- Entry symbol: `%s`\n", analysis.CachedDemangle(sym.Name))
	}
	if res.Bounded() {
		fmt.Fprintf(&b, "- Code region: `%#x`..`%#x` (%d bytes)\n", res.Min, res.Max, res.Max-res.Min)
	} else {
		b.WriteString("- Code region: none, runs end only at known targets or undecodable bytes\n")
	}
	fmt.Fprintf(&b, "- Mode: %d-bit\n", s.img.Mode())
	fmt.Fprintf(&b, "- Function symbols: %d\n\n", len(s.img.Symbols()))

	st := res.Stats
	b.WriteString("## Exploration\n\n")
	b.WriteString("| Measure | Count |\n|---|---:|\n")
	rows := []struct {
		name string
		n    int
	}{
		{"Decoded instructions", st.Decoded},
		{"Linear runs", st.Runs},
		{"Confirmed targets", st.Targets},
		{"Unresolved targets", st.Unresolved},
		{"Targets outside the code region", st.OutOfRange},
		{"Pending targets superseded", st.Superseded},
		{"Targets already decoded when popped", st.Skipped},
		{"Overlapping instructions", st.Overlaps},
		{"Jump and call edges", len(res.Edges)},
	}
	for _, r := range rows {
		fmt.Fprintf(&b, "| %s | %d |\n", r.name, r.n)
	}
	b.WriteString("\n")

	var unresolved []analysis.Target
	for t := range res.Targets() {
		if !t.Resolved {
			unresolved = append(unresolved, t)
		}
	}
	if len(unresolved) > 0 {
		b.WriteString("## Unresolved targets\n\n")
		for i, t := range unresolved {
			if i == maxListed {
				fmt.Fprintf(&b, "- and %d more\n", len(unresolved)-maxListed)
				break
			}
			fmt.Fprintf(&b, "- `%#x` (%s, %s)\n", t.Addr, t.Origin, targetStatus(res, t))
		}
		b.WriteString("\n")
	}

	if st.Overlaps > 0 {
		b.WriteString("## Overlaps\n\n")
		b.WriteString("Some runs started inside instructions decoded earlier. ")
		b.WriteString("Earlier entries were kept; the listing may contain overlapping instructions.\n\n")
	}

	if len(res.Runs) > 0 {
		b.WriteString("## Largest runs\n\n")
		b.WriteString("| Start | Boundary | Instructions |\n|---|---|---:|\n")
		for _, r := range largestRuns(res.Runs, 5) {
			fmt.Fprintf(&b, "| `%#x` | `%#x` | %d |\n", r.Start, r.Boundary, r.Count)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func largestRuns(runs []analysis.Run, n int) []analysis.Run {
	sorted := slices.Clone(runs)
	slices.SortStableFunc(sorted, func(a, b analysis.Run) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Start, b.Start)
	})
	return sorted[:min(n, len(sorted))]
}
