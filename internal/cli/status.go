package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/re-cinq/taskline/internal/config"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print every job's status from the state store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env := config.LoadEnvOverrides()
		st, err := openStore(env)
		if err != nil {
			return fmt.Errorf("opening state store: %w", err)
		}
		defer st.Close()

		snap, err := st.ReadDashboardData(context.Background())
		if err != nil {
			return fmt.Errorf("reading dashboard data: %w", err)
		}

		if len(snap.Jobs) == 0 {
			fmt.Println("no jobs recorded")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "JOB ID\tSTATUS\tSUBTASKS\tBASE BRANCH")
		for _, j := range snap.Jobs {
			symbol, color := statusDisplay(j.Job.Status)
			fmt.Fprintf(w, "%s\t%s%s %s%s\t%d\t%s\n", j.Job.JobID, color, symbol, j.Job.Status, ansiReset, len(j.Subtasks), j.Job.BaseBranch)
		}
		return w.Flush()
	},
}
