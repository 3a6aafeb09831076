package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var speedtestHistory bool

var speedtestCmd = &cobra.Command{
	Use:   "speedtest",
	Short: "Measure connection speed via the daemon",
	RunE:  runSpeedtest,
}

func init() {
	speedtestCmd.Flags().BoolVar(&speedtestHistory, "history", false, "show past results instead of running a test")
	rootCmd.AddCommand(speedtestCmd)
}

func runSpeedtest(cmd *cobra.Command, args []string) error {
	c := newClient()
	if speedtestHistory {
		history, err := c.speedTestHistory(20)
		if err != nil {
			return err
		}
		if len(history) == 0 {
			fmt.Println("no speed tests recorded")
			return nil
		}
		for _, h := range history {
			fmt.Printf("%s  ↓ %6.1f Mbps  ↑ %6.1f Mbps  %3d ms  %s\n",
				h.Timestamp.Format("2006-01-02 15:04"),
				h.DownloadMbps, h.UploadMbps, h.PingMs, h.ServerName)
		}
		return nil
	}

	fmt.Println("running speed test (this takes up to a minute)...")
	res, err := c.speedTest()
	if err != nil {
		return err
	}
	fmt.Printf("server:   %s (%s)\n", res.ServerName, res.ServerCountry)
	fmt.Printf("ping:     %d ms (jitter %d ms)\n", res.PingMs, res.JitterMs)
	fmt.Printf("download: %.1f Mbps\n", res.DownloadMbps)
	fmt.Printf("upload:   %.1f Mbps\n", res.UploadMbps)
	return nil
}
