package crawler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jedib0t/go-pretty/v6/progress"

	"github.com/jgivc/mjarchive/internal/config"
	"github.com/jgivc/mjarchive/internal/entity"
)

const (
	StatusUnknown Status = iota
	StatusExhausted
	StatusNoNew
	StatusPageLimit
)

// Status tells why a crawl stopped. Those are the only safe stopping
// conditions: the remote listing is authoritative but not guaranteed stable
// between runs, so the crawler never stops on elapsed time or count guesses.
type Status int

func (s Status) String() string {
	return [...]string{"Unknown", "Exhausted", "NoNewJobs", "PageLimit"}[s]
}

// JobSource hands out one listing page at a time, newest first.
// An empty batch signals exhaustion.
type JobSource interface {
	RecentJobs(ctx context.Context, page int) ([]*entity.JobRecord, error)
}

type JobArchive interface {
	Merge(records []*entity.JobRecord) int
	Save() error
	Len() int
}

// Crawler discovers job records for one scope by paging the remote source
// and merging every page into the archive. The archive is saved after every
// page, so a failed fetch still leaves all previous pages on disk.
type Crawler struct {
	scope  string
	source JobSource
	arch   JobArchive
	cfg    *config.CrawlConfig
	pw     progress.Writer
	log    *slog.Logger
}

func New(scope string, source JobSource, arch JobArchive, cfg *config.CrawlConfig, pw progress.Writer, log *slog.Logger) *Crawler {
	return &Crawler{
		scope:  scope,
		source: source,
		arch:   arch,
		cfg:    cfg,
		pw:     pw,
		log:    log.With(slog.String("item", "Crawler"), slog.String("scope", scope)),
	}
}

// Crawl pages the source from page 0 until one of the stop conditions hits.
// Re-running from page 0 is always safe: Merge deduplicates by id.
func (c *Crawler) Crawl(ctx context.Context) (Status, error) {
	tracker := &progress.Tracker{
		Message: fmt.Sprintf("Crawling %s job info", c.scope),
		Units:   progress.UnitsDefault,
	}
	if c.pw != nil {
		c.pw.AppendTracker(tracker)
	}
	defer tracker.MarkAsDone()

	stale := 0
	for page := 0; ; page++ {
		if c.cfg.PageLimit > 0 && page >= c.cfg.PageLimit {
			c.log.Info("Page limit reached", slog.Int("pages", page))

			return StatusPageLimit, nil
		}

		jobs, err := c.source.RecentJobs(ctx, page)
		if err != nil {
			tracker.MarkAsErrored()

			return StatusUnknown, fmt.Errorf("cannot fetch %s jobs page %d: %w", c.scope, page, err)
		}

		if len(jobs) == 0 {
			c.log.Debug("Empty job listing batch: reached end of total job listing", slog.Int("page", page))

			return StatusExhausted, nil
		}

		added := c.arch.Merge(jobs)
		if err := c.arch.Save(); err != nil {
			tracker.MarkAsErrored()

			return StatusUnknown, fmt.Errorf("cannot save %s archive: %w", c.scope, err)
		}

		tracker.Increment(int64(added))
		c.log.Debug("Merged page",
			slog.Int("page", page), slog.Int("fetched", len(jobs)),
			slog.Int("added", added), slog.Int("total", c.arch.Len()))

		if added == 0 {
			stale++
			if c.cfg.StaleStopPages > 0 && stale >= c.cfg.StaleStopPages {
				c.log.Info("No new jobs found: stopping crawler", slog.Int("stale_pages", stale))

				return StatusNoNew, nil
			}

			continue
		}

		stale = 0
	}
}
