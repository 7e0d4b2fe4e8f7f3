package entity

import (
	"encoding/json"
	"time"
)

const (
	// EnqueueTimeLayout is the timestamp format used by the remote listing
	// endpoint and kept verbatim in persisted archives.
	EnqueueTimeLayout = "2006-01-02 15:04:05.999999"

	JobTypeUpscale = "upscale"

	softwareName = "Midjourney"
)

// JobRecord представляет одну запись о генерации. Это агрегат архива.
// JSON keys follow the wire format of the listing endpoint; keys this
// version does not know about survive a load/save cycle untouched.
type JobRecord struct {
	ID             string
	Type           string
	EnqueueTime    string
	Prompt         string
	FullCommand    string
	Username       string
	ImagePaths     []string
	Archived       bool
	ArchPromptSlug string
	ArchImagePath  string

	extra map[string]json.RawMessage
}

// ImageMetadata holds the descriptive fields embedded into downloaded images.
type ImageMetadata struct {
	Title        string
	Author       string
	Description  string
	Copyright    string
	CreationTime string
	Software     string
}

// Pairs returns the metadata as ordered key/value pairs, empty values
// dropped. The key names match the conventional PNG text keywords.
func (m ImageMetadata) Pairs() [][2]string {
	all := [][2]string{
		{"Title", m.Title},
		{"Author", m.Author},
		{"Description", m.Description},
		{"Copyright", m.Copyright},
		{"Creation Time", m.CreationTime},
		{"Software", m.Software},
	}

	pairs := make([][2]string, 0, len(all))
	for _, p := range all {
		if p[1] != "" {
			pairs = append(pairs, p)
		}
	}

	return pairs
}

func (j *JobRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	for key, dst := range map[string]any{
		"id":               &j.ID,
		"type":             &j.Type,
		"enqueue_time":     &j.EnqueueTime,
		"prompt":           &j.Prompt,
		"full_command":     &j.FullCommand,
		"username":         &j.Username,
		"image_paths":      &j.ImagePaths,
		"arch":             &j.Archived,
		"arch_prompt_slug": &j.ArchPromptSlug,
		"arch_image_path":  &j.ArchImagePath,
	} {
		v, ok := raw[key]
		if !ok {
			continue
		}

		if err := json.Unmarshal(v, dst); err != nil {
			return err
		}

		delete(raw, key)
	}

	if len(raw) > 0 {
		j.extra = raw
	}

	return nil
}

func (j JobRecord) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(j.extra)+10)
	for k, v := range j.extra {
		m[k] = v
	}

	m["id"] = j.ID
	m["enqueue_time"] = j.EnqueueTime
	m["prompt"] = j.Prompt
	if j.Type != "" {
		m["type"] = j.Type
	}
	if j.FullCommand != "" {
		m["full_command"] = j.FullCommand
	}
	if j.Username != "" {
		m["username"] = j.Username
	}
	if len(j.ImagePaths) > 0 {
		m["image_paths"] = j.ImagePaths
	}
	if j.Archived {
		m["arch"] = j.Archived
	}
	if j.ArchPromptSlug != "" {
		m["arch_prompt_slug"] = j.ArchPromptSlug
	}
	if j.ArchImagePath != "" {
		m["arch_image_path"] = j.ArchImagePath
	}

	return json.Marshal(m)
}

// Time parses the record's enqueue timestamp.
func (j *JobRecord) Time() (time.Time, error) {
	return time.Parse(EnqueueTimeLayout, j.EnqueueTime)
}

// ProducesImage reports whether the record is eligible for image download.
func (j *JobRecord) ProducesImage() bool {
	return j.Type == JobTypeUpscale && len(j.ImagePaths) > 0
}

// PromptText returns the prompt, falling back to the full command when the
// listing omits the bare prompt.
func (j *JobRecord) PromptText() string {
	if j.Prompt != "" {
		return j.Prompt
	}

	return j.FullCommand
}

// Metadata builds the descriptive record embedded into the downloaded image.
func (j *JobRecord) Metadata() ImageMetadata {
	return ImageMetadata{
		Title:        j.Prompt,
		Author:       j.Username,
		Description:  j.FullCommand,
		Copyright:    j.Username,
		CreationTime: j.EnqueueTime,
		Software:     softwareName,
	}
}

// ExtraField returns a preserved unknown JSON field by key.
func (j *JobRecord) ExtraField(key string) (json.RawMessage, bool) {
	v, ok := j.extra[key]

	return v, ok
}
