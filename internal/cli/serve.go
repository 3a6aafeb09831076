package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/primoscope/mediadl/internal/api"
	"github.com/primoscope/mediadl/internal/downloader"
	"github.com/primoscope/mediadl/internal/engine"
	"github.com/primoscope/mediadl/internal/engines"
	"github.com/primoscope/mediadl/internal/events"
	"github.com/primoscope/mediadl/internal/limiter"
	"github.com/primoscope/mediadl/internal/logger"
	"github.com/primoscope/mediadl/internal/network"
	"github.com/primoscope/mediadl/internal/storage"
)

var (
	serveWorkers   int
	serveOutput    string
	serveStateDir  string
	serveVerbose   bool
	serveLimitKBps int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the download engine and its HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&serveWorkers, "workers", engine.DefaultWorkers, "concurrent job workers")
	serveCmd.Flags().StringVar(&serveOutput, "output", defaultOutputDir(), "default output folder")
	serveCmd.Flags().StringVar(&serveStateDir, "state-dir", defaultStateDir(), "state directory (database, logs)")
	serveCmd.Flags().BoolVarP(&serveVerbose, "verbose", "v", false, "debug logging")
	serveCmd.Flags().IntVar(&serveLimitKBps, "limit", 0, "global bandwidth cap in KB/s (0 = unlimited)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if serveVerbose {
		level = slog.LevelDebug
	}
	log, busHandler, err := logger.New(serveStateDir, os.Stdout, level)
	if err != nil {
		return err
	}

	store, err := storage.Open(serveStateDir)
	if err != nil {
		return err
	}
	defer store.Close()

	bus := events.NewBus()
	busHandler.SetBus(bus)

	dl := limiter.NewDomainLimiter()
	bw := limiter.NewBandwidth()
	if serveLimitKBps > 0 {
		bw.SetLimitKBps(serveLimitKBps)
	}

	fetcher := downloader.NewFetcher(log, dl, bw)
	factory := downloader.NewFactory()
	if gdl := engines.NewGalleryDl(log); gdl.Available() {
		factory.SetGallery(gdl)
	} else {
		log.Warn("gallery-dl not found on PATH; gallery tier disabled")
	}
	if ytdlp := engines.NewYtDlp(log); ytdlp.Available() {
		factory.SetUniversal(ytdlp)
	} else {
		log.Warn("yt-dlp not found on PATH; video tier disabled")
	}
	factory.SetGeneric(downloader.NewGenericAdapter(fetcher))

	m := engine.NewManager(log, store, bus, factory, dl, bw, engine.Config{
		Workers:       serveWorkers,
		DefaultOutput: serveOutput,
	})
	if err := m.Start(); err != nil {
		return err
	}

	srv := api.NewServer(log, m, network.NewTester(log, store, bus))
	if err := srv.Start(flagPort); err != nil {
		m.Shutdown()
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("signal received; shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("api shutdown", "error", err)
	}
	return m.Shutdown()
}
