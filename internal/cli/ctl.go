package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var ctlCmd = &cobra.Command{
	Use:   "ctl ID ACTION",
	Short: "Control a job: cancel, pause, resume, remove, up, down, top",
	Args:  cobra.ExactArgs(2),
	RunE:  runCtl,
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all completed jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := newClient().clearCompleted()
		if err != nil {
			return err
		}
		fmt.Printf("cleared %d job(s)\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(ctlCmd)
	rootCmd.AddCommand(clearCmd)
}

func runCtl(cmd *cobra.Command, args []string) error {
	c := newClient()
	id, err := resolveJobID(c, args[0])
	if err != nil {
		return err
	}

	switch action := args[1]; action {
	case "cancel", "pause", "resume":
		return c.control(id, action)
	case "remove":
		return c.remove(id)
	case "up", "down", "top":
		return c.reorder(id, action)
	default:
		return fmt.Errorf("unknown action %q", action)
	}
}

// resolveJobID accepts a unique job-id prefix, as printed by `ls`.
func resolveJobID(c *client, prefix string) (string, error) {
	jobs, err := c.listJobs("")
	if err != nil {
		return "", err
	}
	var matches []string
	for _, j := range jobs {
		if j.ID == prefix {
			return j.ID, nil
		}
		if strings.HasPrefix(j.ID, prefix) {
			matches = append(matches, j.ID)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", fmt.Errorf("no job matches %q", prefix)
	}
	return "", fmt.Errorf("job id %q is ambiguous (%d matches)", prefix, len(matches))
}
