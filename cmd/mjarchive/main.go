package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jgivc/mjarchive/internal/app"
	"github.com/jgivc/mjarchive/internal/config"
)

var (
	cfgFile       string
	archiveFolder string
	limit         int
	headless      bool
	logLevel      string

	rootCmd = &cobra.Command{
		Use:   "mjarchive",
		Short: "Back up your Midjourney image history",
		Long: `mjarchive drives a real browser to your Midjourney account, crawls the
job listing into local JSON archives and downloads the upscaled images it
has not seen yet, embedding the prompt metadata into the files.

Re-running is always safe: the crawl deduplicates by job id and the
download pass only fetches images missing on disk.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = godotenv.Load()

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("archive-folder") {
				cfg.ArchiveFolder = archiveFolder
			}
			if cmd.Flags().Changed("limit") {
				cfg.Crawl.PageLimit = limit
			}
			if cmd.Flags().Changed("headless") {
				cfg.Browser.Headless = headless
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}

			if err := cfg.Validate(); err != nil {
				return err
			}

			return app.New(cfg).Run(cmd.Context())
		},
	}
)

func init() {
	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "path to config file")
	rootCmd.Flags().StringVarP(&archiveFolder, "archive-folder", "a", "", "archive folder (default ~/Pictures/midjourney/mjarchive)")
	rootCmd.Flags().IntVarP(&limit, "limit", "l", 0, "maximum listing pages per crawl scope, 0 means no limit")
	rootCmd.Flags().BoolVar(&headless, "headless", false, "run the browser headless (login must already be cached)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
