package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/primoscope/mediadl/internal/storage"
)

var lsStatus string

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs in queue order",
	RunE:  runLs,
}

func init() {
	lsCmd.Flags().StringVar(&lsStatus, "status", "", "filter by status (pending, running, completed, failed, cancelled)")
	rootCmd.AddCommand(lsCmd)
}

func runLs(cmd *cobra.Command, args []string) error {
	jobs, err := newClient().listJobs(lsStatus)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("no jobs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRIO\tITEMS\tENGINE\tURL")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			shortID(j.ID), j.Status, priorityName(j.Priority),
			j.CompletedItems+j.SkippedItems, j.TotalItems,
			j.Engine, truncate(j.URL, 60))
	}
	return w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func priorityName(p int) string {
	switch p {
	case storage.PriorityLow:
		return "low"
	case storage.PriorityHigh:
		return "high"
	}
	return "normal"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n-1]) + "…"
}
