package pngmeta

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jgivc/mjarchive/internal/common"
	"github.com/jgivc/mjarchive/internal/entity"
)

func encodePNG(t *testing.T) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	return buf.Bytes()
}

func TestEmbedProducesDecodablePNGWithTextChunks(t *testing.T) {
	src := encodePNG(t)

	out, err := New().Embed(src, entity.ImageMetadata{
		Title:        "blue bird on a branch",
		Author:       "tester",
		CreationTime: "2023-06-01 12:30:45.123456",
		Software:     "Midjourney",
	})
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 2, 2), img.Bounds())

	assert.True(t, bytes.Contains(out, []byte("tEXtTitle\x00blue bird on a branch")))
	assert.True(t, bytes.Contains(out, []byte("tEXtAuthor\x00tester")))
	assert.True(t, bytes.Contains(out, []byte("tEXtSoftware\x00Midjourney")))
}

func TestEmbedUsesITXtForNonASCIIValues(t *testing.T) {
	src := encodePNG(t)

	out, err := New().Embed(src, entity.ImageMetadata{Title: "синяя птица"})
	require.NoError(t, err)

	_, err = png.Decode(bytes.NewReader(out))
	require.NoError(t, err)

	assert.True(t, bytes.Contains(out, []byte("iTXtTitle\x00\x00\x00\x00\x00синяя птица")))
	assert.False(t, bytes.Contains(out, []byte("tEXtTitle")))
}

func TestEmbedSkipsEmptyFields(t *testing.T) {
	src := encodePNG(t)

	out, err := New().Embed(src, entity.ImageMetadata{Title: "only title"})
	require.NoError(t, err)

	assert.False(t, bytes.Contains(out, []byte("Author")))
	assert.False(t, bytes.Contains(out, []byte("Copyright")))
}

func TestEmbedPreservesOriginalBytes(t *testing.T) {
	src := encodePNG(t)

	out, err := New().Embed(src, entity.ImageMetadata{Title: "t"})
	require.NoError(t, err)

	// Everything outside the inserted chunks is the original stream.
	insertAt := bytes.Index(out, []byte("tEXt")) - 4
	require.Greater(t, insertAt, 0)

	inserted := len(out) - len(src)
	assert.Equal(t, src[:insertAt], out[:insertAt])
	assert.Equal(t, src[insertAt:], out[insertAt+inserted:])
}

func TestEmbedRejectsNonPNGInput(t *testing.T) {
	_, err := New().Embed([]byte("GIF89a not a png"), entity.ImageMetadata{Title: "t"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrParse))

	_, err = New().Embed([]byte(pngSignature+"truncated"), entity.ImageMetadata{Title: "t"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrParse))
}
