package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/primoscope/mediadl/internal/options"
	"github.com/primoscope/mediadl/internal/storage"
)

var (
	addOutput     string
	addPriority   string
	addProxy      string
	addLimitKBps  int
	addRetries    int
	addMinSize    string
	addMaxSize    string
	addExclude    []string
	addNoImages   bool
	addNoVideos   bool
	addNoDocs     bool
	addNoArchives bool
	addDateFrom   string
	addDateTo     string
	addTemplate   string
	addNaming     string
)

var addCmd = &cobra.Command{
	Use:   "add URL",
	Short: "Enqueue a download job",
	Args:  cobra.ExactArgs(1),
	RunE:  runAdd,
}

func init() {
	addCmd.Flags().StringVarP(&addOutput, "output", "o", "", "output folder (daemon default when empty)")
	addCmd.Flags().StringVarP(&addPriority, "priority", "p", "normal", "low | normal | high")
	addCmd.Flags().StringVar(&addProxy, "proxy", "", "proxy URL")
	addCmd.Flags().IntVar(&addLimitKBps, "limit", 0, "per-job bandwidth cap in KB/s")
	addCmd.Flags().IntVar(&addRetries, "retries", 0, "max attempts per item (0 = default)")
	addCmd.Flags().StringVar(&addMinSize, "min-size", "", `minimum file size (e.g. "500 KB")`)
	addCmd.Flags().StringVar(&addMaxSize, "max-size", "", `maximum file size (e.g. "1.5 GB")`)
	addCmd.Flags().StringSliceVar(&addExclude, "exclude", nil, "extensions to skip (repeatable)")
	addCmd.Flags().BoolVar(&addNoImages, "no-images", false, "skip images")
	addCmd.Flags().BoolVar(&addNoVideos, "no-videos", false, "skip videos")
	addCmd.Flags().BoolVar(&addNoDocs, "no-docs", false, "skip documents")
	addCmd.Flags().BoolVar(&addNoArchives, "no-archives", false, "skip archives")
	addCmd.Flags().StringVar(&addDateFrom, "from", "", "only posts on/after YYYY-MM-DD")
	addCmd.Flags().StringVar(&addDateTo, "to", "", "only posts on/before YYYY-MM-DD")
	addCmd.Flags().StringVar(&addTemplate, "template", "", "folder template, e.g. {site}/{user}")
	addCmd.Flags().StringVar(&addNaming, "naming", "", "ORIGINAL | NUMBERED | TIMESTAMPED | HASH")
	rootCmd.AddCommand(addCmd)
}

func runAdd(cmd *cobra.Command, args []string) error {
	opts := options.Options{
		ProxyURL:           addProxy,
		BandwidthLimitKBps: addLimitKBps,
		MaxRetries:         addRetries,
		ExcludedExtensions: addExclude,
		DateFrom:           addDateFrom,
		DateTo:             addDateTo,
		FolderTemplate:     addTemplate,
		FileNamingMode:     options.NamingMode(addNaming),
	}
	f := func(b bool) *bool { return &b }
	if addNoImages {
		opts.IncludeImages = f(false)
	}
	if addNoVideos {
		opts.IncludeVideos = f(false)
	}
	if addNoDocs {
		opts.IncludeDocs = f(false)
	}
	if addNoArchives {
		opts.IncludeArchives = f(false)
	}
	if addMinSize != "" {
		n, err := humanize.ParseBytes(addMinSize)
		if err != nil {
			return fmt.Errorf("invalid --min-size: %w", err)
		}
		opts.MinSizeBytes = int64(n)
	}
	if addMaxSize != "" {
		n, err := humanize.ParseBytes(addMaxSize)
		if err != nil {
			return fmt.Errorf("invalid --max-size: %w", err)
		}
		opts.MaxSizeBytes = int64(n)
	}

	priority, err := parsePriority(addPriority)
	if err != nil {
		return err
	}

	resp, err := newClient().enqueue(enqueueRequest{
		URL:          args[0],
		OutputFolder: addOutput,
		Priority:     &priority,
		Options:      opts,
	})
	if err != nil {
		return err
	}
	for _, w := range resp.Warnings {
		fmt.Println("warning:", w)
	}
	fmt.Println(resp.JobID)
	return nil
}

func parsePriority(s string) (int, error) {
	switch s {
	case "low":
		return storage.PriorityLow, nil
	case "", "normal":
		return storage.PriorityNormal, nil
	case "high":
		return storage.PriorityHigh, nil
	}
	return 0, fmt.Errorf("invalid priority %q (low, normal or high)", s)
}
