package downloader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jgivc/mjarchive/internal/entity"
	"github.com/jgivc/mjarchive/internal/storage/archive"
)

const (
	root        = "/archive"
	archivePath = root + "/jobs_upscaled.json"
)

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func mkJob(id, prompt string) *entity.JobRecord {
	return &entity.JobRecord{
		ID:          id,
		Type:        entity.JobTypeUpscale,
		EnqueueTime: "2023-06-01 12:30:45.123456",
		Prompt:      prompt,
		Username:    "tester",
		ImagePaths:  []string{"https://cdn.example.com/" + id + "/0_0.png"},
	}
}

type fakeFetcher struct {
	data  map[string][]byte
	errs  map[string]error
	calls []string
}

func (f *fakeFetcher) FetchImage(_ context.Context, url string) ([]byte, string, error) {
	f.calls = append(f.calls, url)

	if err, ok := f.errs[url]; ok {
		return nil, "", err
	}

	return f.data[url], "png", nil
}

type fakeEmbedder struct {
	err   error
	calls int
}

func (e *fakeEmbedder) Embed(data []byte, _ entity.ImageMetadata) ([]byte, error) {
	e.calls++

	if e.err != nil {
		return nil, e.err
	}

	return append([]byte("tagged:"), data...), nil
}

func openArchive(t *testing.T, fs afero.Fs, jobs ...*entity.JobRecord) *archive.Archive {
	t.Helper()

	a, err := archive.Open(fs, archivePath, testLog())
	require.NoError(t, err)
	a.Merge(jobs)
	require.NoError(t, a.Save())

	return a
}

func TestDownloadMissingWritesTaggedImage(t *testing.T) {
	fs := afero.NewMemMapFs()
	job := mkJob("a1b2c3", "Blue Bird")
	arch := openArchive(t, fs, job)

	fetcher := &fakeFetcher{data: map[string][]byte{job.ImagePaths[0]: []byte("png-bytes")}}
	embedder := &fakeEmbedder{}

	d := New(fs, root, fetcher, embedder, arch, nil, testLog())
	require.NoError(t, d.DownloadMissing(context.Background()))

	target := root + "/2023/06/20230601-1230_blue-bird_a1b2.png"
	data, err := afero.ReadFile(fs, target)
	require.NoError(t, err)
	assert.Equal(t, "tagged:png-bytes", string(data))
	assert.Equal(t, 1, embedder.calls)

	again, err := archive.Open(fs, archivePath, testLog())
	require.NoError(t, err)
	got, _ := again.Get("a1b2c3")
	require.NotNil(t, got)
	assert.True(t, got.Archived)
	assert.Equal(t, "2023/06/20230601-1230_blue-bird_a1b2.png", got.ArchImagePath)
	assert.Equal(t, "blue-bird", got.ArchPromptSlug)
}

func TestDownloadSkipsExistingFileWithoutFetch(t *testing.T) {
	fs := afero.NewMemMapFs()
	job := mkJob("a1b2c3", "Blue Bird")
	arch := openArchive(t, fs, job)

	target := root + "/2023/06/20230601-1230_blue-bird_a1b2.png"
	require.NoError(t, afero.WriteFile(fs, target, []byte("already here"), 0o644))

	fetcher := &fakeFetcher{}

	d := New(fs, root, fetcher, &fakeEmbedder{}, arch, nil, testLog())
	require.NoError(t, d.DownloadMissing(context.Background()))

	assert.Empty(t, fetcher.calls)

	data, err := afero.ReadFile(fs, target)
	require.NoError(t, err)
	assert.Equal(t, "already here", string(data))

	got, _ := arch.Get("a1b2c3")
	assert.True(t, got.Archived)
}

func TestDownloadResumesAfterPartialFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	jobA := mkJob("aaaa11", "first prompt")
	jobB := mkJob("bbbb22", "second prompt")
	arch := openArchive(t, fs, jobA, jobB)

	fetcher := &fakeFetcher{
		data: map[string][]byte{jobB.ImagePaths[0]: []byte("b-bytes")},
		errs: map[string]error{jobA.ImagePaths[0]: fmt.Errorf("connection reset")},
	}

	d := New(fs, root, fetcher, &fakeEmbedder{}, arch, nil, testLog())
	require.NoError(t, d.DownloadMissing(context.Background()))

	gotA, _ := arch.Get("aaaa11")
	gotB, _ := arch.Get("bbbb22")
	assert.False(t, gotA.Archived)
	assert.True(t, gotB.Archived)

	// Second pass with the fetch now succeeding downloads only the failed
	// record.
	again, err := archive.Open(fs, archivePath, testLog())
	require.NoError(t, err)

	fetcher2 := &fakeFetcher{data: map[string][]byte{
		jobA.ImagePaths[0]: []byte("a-bytes"),
		jobB.ImagePaths[0]: []byte("b-bytes"),
	}}

	d2 := New(fs, root, fetcher2, &fakeEmbedder{}, again, nil, testLog())
	require.NoError(t, d2.DownloadMissing(context.Background()))

	require.Len(t, fetcher2.calls, 1)
	assert.Equal(t, jobA.ImagePaths[0], fetcher2.calls[0])

	gotA2, _ := again.Get("aaaa11")
	assert.True(t, gotA2.Archived)
}

func TestDownloadTargetPathIsDeterministic(t *testing.T) {
	fs := afero.NewMemMapFs()
	job := mkJob("a1b2c3", "Blue Bird")

	d := New(fs, root, &fakeFetcher{}, &fakeEmbedder{}, nil, nil, testLog())

	first, err := d.targetPath(job)
	require.NoError(t, err)

	second, err := d.targetPath(mkJob("a1b2c3", "Blue Bird"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, root+"/2023/06/20230601-1230_blue-bird_a1b2.png", first)
}

func TestDownloadSkipsRecordWithBadTimestamp(t *testing.T) {
	fs := afero.NewMemMapFs()
	bad := mkJob("cccc33", "broken")
	bad.EnqueueTime = "not a timestamp"
	good := mkJob("dddd44", "fine")
	arch := openArchive(t, fs, bad, good)

	fetcher := &fakeFetcher{data: map[string][]byte{good.ImagePaths[0]: []byte("ok")}}

	d := New(fs, root, fetcher, &fakeEmbedder{}, arch, nil, testLog())
	require.NoError(t, d.DownloadMissing(context.Background()))

	gotBad, _ := arch.Get("cccc33")
	gotGood, _ := arch.Get("dddd44")
	assert.False(t, gotBad.Archived)
	assert.True(t, gotGood.Archived)
	require.Len(t, fetcher.calls, 1)
}

func TestDownloadWritesRawBytesWhenEmbeddingFails(t *testing.T) {
	fs := afero.NewMemMapFs()
	job := mkJob("a1b2c3", "Blue Bird")
	arch := openArchive(t, fs, job)

	fetcher := &fakeFetcher{data: map[string][]byte{job.ImagePaths[0]: []byte("fishy-png")}}
	embedder := &fakeEmbedder{err: fmt.Errorf("unexpected remote data")}

	d := New(fs, root, fetcher, embedder, arch, nil, testLog())
	require.NoError(t, d.DownloadMissing(context.Background()))

	data, err := afero.ReadFile(fs, root+"/2023/06/20230601-1230_blue-bird_a1b2.png")
	require.NoError(t, err)
	assert.Equal(t, "fishy-png", string(data))

	got, _ := arch.Get("a1b2c3")
	assert.True(t, got.Archived)
}

func TestDownloadIgnoresIneligibleRecords(t *testing.T) {
	fs := afero.NewMemMapFs()

	grid := mkJob("gggg55", "grid")
	grid.Type = "grid"

	done := mkJob("hhhh66", "done")
	done.Archived = true

	arch := openArchive(t, fs, grid, done)

	fetcher := &fakeFetcher{}

	d := New(fs, root, fetcher, &fakeEmbedder{}, arch, nil, testLog())
	require.NoError(t, d.DownloadMissing(context.Background()))

	assert.Empty(t, fetcher.calls)
}
