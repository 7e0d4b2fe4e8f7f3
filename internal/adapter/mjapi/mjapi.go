// Package mjapi talks to the private web-app listing endpoint through an
// authenticated page fetcher and converts its loosely-typed JSON into
// entities at the boundary.
package mjapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/spf13/afero"

	"github.com/jgivc/mjarchive/internal/common"
	"github.com/jgivc/mjarchive/internal/entity"
)

const (
	accountURL = "https://www.midjourney.com/account/"
	apiURL     = "https://www.midjourney.com/api/app/recent-jobs/"

	accountElementID = "__NEXT_DATA__"
	userFileName     = "user.json"

	noJobsMessage = "No jobs found."
)

// PageFetcher is the authenticated page fetch capability loaned out by the
// browser session.
type PageFetcher interface {
	FetchPage(ctx context.Context, url string) (string, error)
}

// Client resolves the acting user and pages the recent-jobs listing.
type Client struct {
	fetcher  PageFetcher
	fs       afero.Fs
	root     string
	pageSize int
	userID   string
	log      *slog.Logger
}

func NewClient(fetcher PageFetcher, fs afero.Fs, root string, pageSize int, log *slog.Logger) *Client {
	return &Client{
		fetcher:  fetcher,
		fs:       fs,
		root:     root,
		pageSize: pageSize,
		log:      log.With(slog.String("item", "Client")),
	}
}

// UserID returns the acting user's identifier, serving it from the cached
// account document when possible and scraping the account page otherwise.
func (c *Client) UserID(ctx context.Context) (string, error) {
	if c.userID != "" {
		return c.userID, nil
	}

	path := filepath.Join(c.root, userFileName)

	if data, err := afero.ReadFile(c.fs, path); err == nil {
		info, err := entity.ParseUserInfo(data)
		if err == nil {
			c.userID = info.ID

			return c.userID, nil
		}

		c.log.Warn("Cached user info is unusable, fetching again", slog.Any("error", err))
	}

	html, err := c.fetcher.FetchPage(ctx, accountURL)
	if err != nil {
		return "", fmt.Errorf("%w: cannot fetch account page: %w", common.ErrNetwork, err)
	}

	raw, err := extractNextData(html)
	if err != nil {
		return "", err
	}

	info, err := entity.ParseUserInfo(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", common.ErrParse, err)
	}

	if err := afero.WriteFile(c.fs, path, raw, 0o644); err != nil {
		// The cache is a convenience, next run will scrape again.
		c.log.Warn("Cannot cache user info", slog.String("path", path), slog.Any("error", err))
	}

	c.userID = info.ID

	return c.userID, nil
}

// RecentJobs fetches one listing page (0-based) for the given job type.
// An empty result means the listing is exhausted.
func (c *Client) RecentJobs(ctx context.Context, jobType string, page int) ([]*entity.JobRecord, error) {
	userID, err := c.UserID(ctx)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("amount", strconv.Itoa(c.pageSize))
	q.Set("orderBy", "new")
	q.Set("jobStatus", "completed")
	q.Set("userId", userID)
	q.Set("dedupe", "true")
	q.Set("refreshApi", "0")
	// The endpoint counts pages from 1.
	q.Set("page", strconv.Itoa(page+1))
	if jobType != "" {
		q.Set("jobType", jobType)
	}

	reqURL := apiURL + "?" + q.Encode()
	c.log.Debug("Requesting job listing", slog.String("url", reqURL))

	html, err := c.fetcher.FetchPage(ctx, reqURL)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot fetch job listing: %w", common.ErrNetwork, err)
	}

	return c.parseJobListing(html)
}

// parseJobListing pulls the JSON body out of the rendered page and validates
// every record. Malformed records are quarantined, not propagated.
func (c *Client) parseJobListing(html string) ([]*entity.JobRecord, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("%w: cannot parse listing page: %w", common.ErrParse, err)
	}

	pre := doc.Find("pre").First()
	if pre.Length() == 0 {
		return nil, fmt.Errorf("%w: listing page has no body element", common.ErrParse)
	}

	var raws []json.RawMessage
	if err := json.Unmarshal([]byte(pre.Text()), &raws); err != nil {
		return nil, fmt.Errorf("%w: cannot decode job listing: %w", common.ErrParse, err)
	}

	jobs := make([]*entity.JobRecord, 0, len(raws))
	for _, raw := range raws {
		var msg struct {
			Msg string `json:"msg"`
		}
		if json.Unmarshal(raw, &msg) == nil && msg.Msg == noJobsMessage {
			c.log.Debug("Response: no jobs found")

			return nil, nil
		}

		rec := &entity.JobRecord{}
		if err := json.Unmarshal(raw, rec); err != nil {
			c.log.Error("Skip malformed job record", slog.Any("error", err))

			continue
		}

		if rec.ID == "" || rec.EnqueueTime == "" {
			c.log.Error("Skip job record with missing identity",
				slog.String("job_id", rec.ID), slog.String("enqueue_time", rec.EnqueueTime))

			continue
		}

		jobs = append(jobs, rec)
	}

	c.log.Debug("Got job listing", slog.Int("count", len(jobs)))

	return jobs, nil
}

func extractNextData(html string) ([]byte, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("%w: cannot parse account page: %w", common.ErrParse, err)
	}

	sel := doc.Find("script#" + accountElementID)
	if sel.Length() == 0 {
		return nil, fmt.Errorf("%w: account page has no %s element", common.ErrParse, accountElementID)
	}

	return []byte(sel.First().Text()), nil
}

// JobSource binds a client to one job-type scope for the crawler.
type JobSource struct {
	client  *Client
	jobType string
}

func NewJobSource(client *Client, jobType string) *JobSource {
	return &JobSource{
		client:  client,
		jobType: jobType,
	}
}

func (s *JobSource) RecentJobs(ctx context.Context, page int) ([]*entity.JobRecord, error) {
	return s.client.RecentJobs(ctx, s.jobType, page)
}
