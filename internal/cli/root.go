// Package cli is the cobra command tree. `serve` runs the engine daemon;
// the other commands are thin HTTP clients talking to it.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var flagPort int

var rootCmd = &cobra.Command{
	Use:           "mediadl",
	Short:         "Queue-based media download daemon",
	Long:          "mediadl downloads media behind URLs through site adapters,\nyt-dlp, gallery-dl or a generic scraper, with a durable job queue.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().IntVar(&flagPort, "port", 8484, "daemon API port")
}

// defaultStateDir is where the database and logs live unless overridden.
func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "mediadl")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".mediadl")
}

func defaultOutputDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "downloads"
	}
	return filepath.Join(home, "Downloads", "mediadl")
}
