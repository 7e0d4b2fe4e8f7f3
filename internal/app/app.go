package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/progress"
	"github.com/spf13/afero"

	"github.com/jgivc/mjarchive/internal/adapter/browser"
	"github.com/jgivc/mjarchive/internal/adapter/mjapi"
	"github.com/jgivc/mjarchive/internal/adapter/pngmeta"
	"github.com/jgivc/mjarchive/internal/common"
	"github.com/jgivc/mjarchive/internal/config"
	"github.com/jgivc/mjarchive/internal/entity"
	"github.com/jgivc/mjarchive/internal/service/crawler"
	"github.com/jgivc/mjarchive/internal/service/downloader"
	"github.com/jgivc/mjarchive/internal/storage/archive"
)

const (
	jobsFileName         = "jobs.json"
	upscaledJobsFileName = "jobs_upscaled.json"

	archiveFolderMode = 0o755

	progressStopWait = 100 * time.Millisecond
)

// App wires the session, the crawlers and the downloader into one run.
type App struct {
	cfg *config.Config
	fs  afero.Fs
	log *slog.Logger
}

func New(cfg *config.Config) *App {
	lo := &slog.HandlerOptions{}
	switch cfg.LogLevel {
	case config.LogLevelDebug:
		lo.Level = slog.LevelDebug
	case config.LogLevelWarn:
		lo.Level = slog.LevelWarn
	case config.LogLevelError:
		lo.Level = slog.LevelError
	default:
		lo.Level = slog.LevelInfo
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, lo)).
		With(slog.String("run_id", uuid.NewString()))

	return &App{
		cfg: cfg,
		fs:  afero.NewOsFs(),
		log: log,
	}
}

// Run executes one backup pass: authenticate, crawl the upscale and all-jobs
// scopes, then download missing images. A failed crawl scope is logged and
// the later phases still run; session acquisition and archive storage
// failures end the run. The browser is released on every exit path.
func (a *App) Run(ctx context.Context) error {
	if err := a.fs.MkdirAll(a.cfg.ArchiveFolder, archiveFolderMode); err != nil {
		return fmt.Errorf("%w: cannot create archive folder: %w", common.ErrStorage, err)
	}

	a.log.Info("Data will be saved in", slog.String("archive_folder", a.cfg.ArchiveFolder))

	session := browser.NewSession(&a.cfg.Browser, a.fs, a.cfg.ArchiveFolder, a.log)
	if err := session.Start(ctx); err != nil {
		return err
	}
	defer session.Close()

	if err := session.Login(ctx); err != nil {
		return err
	}

	client := mjapi.NewClient(session, a.fs, a.cfg.ArchiveFolder, a.cfg.Crawl.PageSize, a.log)

	userID, err := client.UserID(ctx)
	if err != nil {
		return fmt.Errorf("cannot resolve user: %w", err)
	}
	a.log.Info("Authenticated", slog.String("user_id", userID))

	pw := progress.NewWriter()
	pw.SetOutputWriter(os.Stderr)
	pw.SetAutoStop(false)
	go pw.Render()
	defer func() {
		pw.Stop()
		time.Sleep(progressStopWait)
	}()

	upscaled, err := a.crawlScope(ctx, client, entity.JobTypeUpscale, upscaledJobsFileName, pw)
	if err != nil {
		return err
	}

	if _, err := a.crawlScope(ctx, client, "", jobsFileName, pw); err != nil {
		return err
	}

	dl := downloader.New(a.fs, a.cfg.ArchiveFolder, session, pngmeta.New(), upscaled, pw, a.log)
	if err := dl.DownloadMissing(ctx); err != nil {
		return err
	}

	a.log.Info("Run finished", slog.Int("upscale_jobs", upscaled.Len()))

	return nil
}

// crawlScope crawls one job-type scope into its own archive. Network
// failures stop only this scope; storage failures and cancellation are
// escalated.
func (a *App) crawlScope(ctx context.Context, client *mjapi.Client, jobType, fileName string, pw progress.Writer) (*archive.Archive, error) {
	scope := jobType
	if scope == "" {
		scope = "all"
	}

	arch, err := archive.Open(a.fs, filepath.Join(a.cfg.ArchiveFolder, fileName), a.log)
	if err != nil {
		return nil, err
	}

	cr := crawler.New(scope, mjapi.NewJobSource(client, jobType), arch, &a.cfg.Crawl, pw, a.log)

	status, err := cr.Crawl(ctx)
	if err != nil {
		if errors.Is(err, common.ErrStorage) || ctx.Err() != nil {
			return nil, err
		}

		// The pages merged so far are already saved; later phases still run.
		a.log.Error("Crawl stopped early", slog.String("scope", scope), slog.Any("error", err))

		return arch, nil
	}

	a.log.Info("Crawl finished",
		slog.String("scope", scope), slog.String("status", status.String()),
		slog.Int("jobs", arch.Len()))

	return arch, nil
}
