package util

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gosimple/slug"
)

const (
	stampLayout = "20060102-1504"
	maxSlugLen  = 49
	idPrefixLen = 4
	defaultExt  = "png"
)

// Slugify turns free prompt text into a bounded filesystem-safe slug.
func Slugify(s string) string {
	return Truncate(slug.Make(s), maxSlugLen)
}

// Truncate cuts s to at most n bytes, trimming a trailing separator.
func Truncate(s string, n int) string {
	if len(s) > n {
		s = s[:n]
	}

	return strings.TrimRight(s, "-")
}

// Stamp formats a timestamp for image file names.
func Stamp(t time.Time) string {
	return t.Format(stampLayout)
}

// FileExt extracts the file extension (without dot) from an image URL,
// falling back to png when the URL path carries none.
func FileExt(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return defaultExt
	}

	ext := strings.TrimPrefix(path.Ext(u.Path), ".")
	if ext == "" {
		return defaultExt
	}

	return strings.ToLower(ext)
}

// ImageFileName builds the deterministic file name for one job:
// timestamp, slugified prompt and a short id prefix.
func ImageFileName(t time.Time, prompt, id, ext string) string {
	prefix := id
	if len(prefix) > idPrefixLen {
		prefix = prefix[:idPrefixLen]
	}

	return fmt.Sprintf("%s_%s_%s.%s", Stamp(t), Slugify(prompt), prefix, ext)
}
