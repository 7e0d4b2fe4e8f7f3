package archive

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/spf13/afero"

	"github.com/jgivc/mjarchive/internal/common"
	"github.com/jgivc/mjarchive/internal/entity"
)

const (
	tmpSuffix = ".tmp"
	fileMode  = 0o644
)

// Archive is the durable on-disk index of jobs discovered for one scope:
// a single JSON document mapping job id to record. All mutations go through
// Merge/MarkArchived and are persisted with Save before the run moves on,
// so an interrupted run loses at most the in-flight page or image.
type Archive struct {
	fs   afero.Fs
	path string
	jobs map[string]*entity.JobRecord
	log  *slog.Logger
}

// Open loads the persisted archive at path. A missing file yields an empty
// archive; an unreadable or corrupt file is a storage failure, never
// silently dropped data.
func Open(fs afero.Fs, path string, log *slog.Logger) (*Archive, error) {
	a := &Archive{
		fs:   fs,
		path: path,
		jobs: make(map[string]*entity.JobRecord),
		log:  log.With(slog.String("item", "JobArchive"), slog.String("path", path)),
	}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return a, nil
		}

		return nil, fmt.Errorf("%w: cannot read archive %s: %w", common.ErrStorage, path, err)
	}

	if err := json.Unmarshal(data, &a.jobs); err != nil {
		return nil, fmt.Errorf("%w: cannot decode archive %s: %w", common.ErrStorage, path, err)
	}

	for id, job := range a.jobs {
		if job == nil {
			return nil, fmt.Errorf("%w: archive %s has empty record %s", common.ErrStorage, path, id)
		}
	}

	a.log.Debug("Loaded archive", slog.Int("count", len(a.jobs)))

	return a, nil
}

// Merge inserts records whose id is not present yet. Existing records are
// never replaced. Returns how many records were newly added.
func (a *Archive) Merge(records []*entity.JobRecord) int {
	added := 0
	for _, rec := range records {
		if rec == nil || rec.ID == "" {
			continue
		}

		if _, exists := a.jobs[rec.ID]; exists {
			continue
		}

		a.jobs[rec.ID] = rec
		added++
	}

	return added
}

// Save persists the full mapping, write-temp-then-rename so a crash never
// leaves a half-written index behind.
func (a *Archive) Save() error {
	data, err := json.MarshalIndent(a.jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: cannot encode archive: %w", common.ErrStorage, err)
	}

	tmp := a.path + tmpSuffix
	if err := afero.WriteFile(a.fs, tmp, data, fileMode); err != nil {
		return fmt.Errorf("%w: cannot write archive %s: %w", common.ErrStorage, tmp, err)
	}

	if err := a.fs.Rename(tmp, a.path); err != nil {
		_ = a.fs.Remove(tmp)

		return fmt.Errorf("%w: cannot replace archive %s: %w", common.ErrStorage, a.path, err)
	}

	return nil
}

// MarkArchived flags one record as materialized on disk and persists.
func (a *Archive) MarkArchived(id string) error {
	job, ok := a.jobs[id]
	if !ok {
		return fmt.Errorf("%w: unknown job %s", common.ErrStorage, id)
	}

	job.Archived = true

	return a.Save()
}

// Jobs returns the records ordered by enqueue time, then id, so every pass
// over the archive walks it in the same order.
func (a *Archive) Jobs() []*entity.JobRecord {
	jobs := make([]*entity.JobRecord, 0, len(a.jobs))
	for _, job := range a.jobs {
		jobs = append(jobs, job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].EnqueueTime != jobs[j].EnqueueTime {
			return jobs[i].EnqueueTime < jobs[j].EnqueueTime
		}

		return jobs[i].ID < jobs[j].ID
	})

	return jobs
}

// Get returns one record by id.
func (a *Archive) Get(id string) (*entity.JobRecord, bool) {
	job, ok := a.jobs[id]

	return job, ok
}

func (a *Archive) Len() int {
	return len(a.jobs)
}
