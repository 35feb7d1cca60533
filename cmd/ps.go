package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List migrations, active and historical",
	RunE:  runPS,
}

func runPS(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	o, err := newOrchestrator()
	if err != nil {
		return err
	}

	states, err := o.List(ctx)
	if err != nil {
		return fmt.Errorf("ps: %w", err)
	}
	if len(states) == 0 {
		fmt.Println("No migrations found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCONTAINER\tPHASE\tSTARTED\tERROR")
	for _, st := range states {
		errCol := st.LastError
		if errCol == "" {
			errCol = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			st.ID,
			st.ContainerID,
			st.Phase,
			formatAge(st.StartedAt),
			errCol,
		)
	}
	w.Flush() //nolint:errcheck,gosec
	return nil
}
