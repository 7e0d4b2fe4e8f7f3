package downloader

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/progress"
	"github.com/spf13/afero"

	"github.com/jgivc/mjarchive/internal/common"
	"github.com/jgivc/mjarchive/internal/entity"
	"github.com/jgivc/mjarchive/internal/util"
)

const (
	dirMode  = 0o755
	fileMode = 0o644

	extPNG = "png"
)

// ImageFetcher fetches one image. The returned imageType is the media
// subtype actually served (e.g. "png"), which may differ from the URL
// extension.
type ImageFetcher interface {
	FetchImage(ctx context.Context, url string) (data []byte, imageType string, err error)
}

// Embedder encodes descriptive metadata into image bytes.
type Embedder interface {
	Embed(data []byte, meta entity.ImageMetadata) ([]byte, error)
}

type JobArchive interface {
	Jobs() []*entity.JobRecord
	MarkArchived(id string) error
}

// Downloader reconciles an archive of image-producing jobs against the files
// on disk and materializes the missing ones. The filesystem is the source of
// truth for "exists"; the archived flag is a cache of that fact and gets
// repaired when they disagree.
type Downloader struct {
	fs       afero.Fs
	root     string
	fetcher  ImageFetcher
	embedder Embedder
	arch     JobArchive
	pw       progress.Writer
	log      *slog.Logger
}

func New(fs afero.Fs, root string, fetcher ImageFetcher, embedder Embedder, arch JobArchive, pw progress.Writer, log *slog.Logger) *Downloader {
	return &Downloader{
		fs:       fs,
		root:     root,
		fetcher:  fetcher,
		embedder: embedder,
		arch:     arch,
		pw:       pw,
		log:      log.With(slog.String("item", "Downloader")),
	}
}

// DownloadMissing walks the archive and downloads every eligible record that
// has no file on disk yet. Record-level failures are logged and skipped, the
// record stays unarchived and is retried on the next run. Only archive
// persistence failures abort the pass.
func (d *Downloader) DownloadMissing(ctx context.Context) error {
	jobs := d.arch.Jobs()

	var pending int64
	for _, job := range jobs {
		if d.eligible(job) {
			pending++
		}
	}

	tracker := &progress.Tracker{Message: "Downloading", Total: pending, Units: progress.UnitsDefault}
	if d.pw != nil {
		d.pw.AppendTracker(tracker)
	}
	defer tracker.MarkAsDone()

	d.log.Info("Start download pass", slog.Int("total", len(jobs)), slog.Int64("pending", pending))

	for _, job := range jobs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if !d.eligible(job) {
			continue
		}

		log := d.log.With(slog.String("job_id", job.ID))

		target, err := d.targetPath(job)
		if err != nil {
			log.Error("Cannot resolve image path", slog.Any("error", err))
			tracker.IncrementWithError(1)

			continue
		}

		exists, err := afero.Exists(d.fs, target)
		if err != nil {
			log.Error("Cannot check image file", slog.String("file", target), slog.Any("error", err))
			tracker.IncrementWithError(1)

			continue
		}

		if exists {
			log.Debug("Image already on disk, repairing archive flag", slog.String("file", target))
			if err := d.markArchived(job, target); err != nil {
				return err
			}
			tracker.Increment(1)

			continue
		}

		imageURL := job.ImagePaths[0]

		data, imageType, err := d.fetcher.FetchImage(ctx, imageURL)
		if err != nil {
			log.Error("Cannot fetch image", slog.String("url", imageURL), slog.Any("error", err))
			tracker.IncrementWithError(1)

			continue
		}

		if imageType == extPNG && d.embedder != nil {
			encoded, err := d.embedder.Embed(data, job.Metadata())
			if err != nil {
				// The raw image is still worth keeping.
				log.Warn("Cannot embed metadata, writing image as is", slog.Any("error", err))
			} else {
				data = encoded
			}
		}

		if err := d.write(job, target, data); err != nil {
			log.Error("Cannot write image", slog.String("file", target), slog.Any("error", err))
			tracker.IncrementWithError(1)

			continue
		}

		if err := d.markArchived(job, target); err != nil {
			return err
		}

		tracker.Increment(1)
		log.Debug("Saved image", slog.String("file", target), slog.String("url", imageURL))
	}

	return nil
}

func (d *Downloader) eligible(job *entity.JobRecord) bool {
	return job.ProducesImage() && !job.Archived
}

// targetPath derives the image path from the record alone, so every run
// computes the same path for the same record.
func (d *Downloader) targetPath(job *entity.JobRecord) (string, error) {
	t, err := job.Time()
	if err != nil {
		return "", fmt.Errorf("%w: bad enqueue_time %q: %w", common.ErrParse, job.EnqueueTime, err)
	}

	name := util.ImageFileName(t, job.PromptText(), job.ID, util.FileExt(job.ImagePaths[0]))

	return filepath.Join(d.root,
		fmt.Sprintf("%04d", t.Year()), fmt.Sprintf("%02d", int(t.Month())), name), nil
}

func (d *Downloader) write(job *entity.JobRecord, target string, data []byte) error {
	if err := d.fs.MkdirAll(filepath.Dir(target), dirMode); err != nil {
		return fmt.Errorf("cannot create image folder: %w", err)
	}

	// Checked again right before the write: an existing file is never
	// overwritten.
	exists, err := afero.Exists(d.fs, target)
	if err != nil {
		return fmt.Errorf("cannot check image file: %w", err)
	}
	if exists {
		return nil
	}

	if err := afero.WriteFile(d.fs, target, data, fileMode); err != nil {
		return fmt.Errorf("cannot write image file: %w", err)
	}

	return nil
}

func (d *Downloader) markArchived(job *entity.JobRecord, target string) error {
	rel, err := filepath.Rel(d.root, target)
	if err != nil {
		rel = target
	}

	job.ArchPromptSlug = util.Slugify(job.PromptText())
	job.ArchImagePath = rel

	if err := d.arch.MarkArchived(job.ID); err != nil {
		return fmt.Errorf("cannot mark job %s archived: %w", job.ID, err)
	}

	return nil
}
