package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"flowdis/internal/analysis"
)

var targetsCmd = &cobra.Command{
	Use:   "targets <input-path>",
	Short: "List confirmed targets and how they were found",
	Long: `List every confirmed target in address order with its origin (entry, jump,
call or boundary) and whether an instruction was decoded there.`,
	Example: `
# Show where exploration started each run
flowdis targets ./a.out
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
		return writeTargets(cmd.OutOrStdout(), s)
	},
}

func writeTargets(w io.Writer, s *session) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tORIGIN\tSTATUS\tLABEL")
	for t := range s.res.Targets() {
		fmt.Fprintf(tw, "%#x\t%s\t%s\t%s\n", t.Addr, t.Origin, targetStatus(s.res, t), s.labels[t.Addr])
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write targets: %w", err)
	}
	return nil
}

func targetStatus(res *analysis.Result, t analysis.Target) string {
	switch {
	case t.Resolved:
		return "decoded"
	case res.Bounded() && (t.Addr < res.Min || t.Addr >= res.Max):
		return "outside"
	}
	return "unresolved"
}
