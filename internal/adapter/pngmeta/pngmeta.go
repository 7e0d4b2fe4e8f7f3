// Package pngmeta embeds descriptive text metadata into PNG images by
// splicing tEXt/iTXt chunks into the existing byte stream. The image payload
// is never re-encoded: everything outside the inserted chunks stays
// byte-for-byte identical.
package pngmeta

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"image/png"

	"github.com/jgivc/mjarchive/internal/common"
	"github.com/jgivc/mjarchive/internal/entity"
)

const (
	pngSignature = "\x89PNG\r\n\x1a\n"

	chunkIHDR = "IHDR"
	chunkTEXt = "tEXt"
	chunkITXt = "iTXt"

	chunkHeaderLen  = 8
	chunkTrailerLen = 4
)

type Embedder struct{}

func New() *Embedder {
	return &Embedder{}
}

// Embed inserts one text chunk per non-empty metadata field right after the
// IHDR chunk. Input that is not a decodable PNG is rejected so the caller
// can fall back to writing the raw bytes.
func (e *Embedder) Embed(data []byte, meta entity.ImageMetadata) ([]byte, error) {
	if len(data) < len(pngSignature) || string(data[:len(pngSignature)]) != pngSignature {
		return nil, fmt.Errorf("%w: not a PNG image", common.ErrParse)
	}

	if _, err := png.DecodeConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("%w: cannot decode PNG header: %w", common.ErrParse, err)
	}

	insertAt := afterIHDR(data)
	if insertAt < 0 {
		return nil, fmt.Errorf("%w: PNG has no IHDR chunk", common.ErrParse)
	}

	var chunks bytes.Buffer
	for _, p := range meta.Pairs() {
		chunks.Write(textChunk(p[0], p[1]))
	}

	out := make([]byte, 0, len(data)+chunks.Len())
	out = append(out, data[:insertAt]...)
	out = append(out, chunks.Bytes()...)
	out = append(out, data[insertAt:]...)

	return out, nil
}

// afterIHDR returns the offset right past the IHDR chunk, -1 if the chunk
// stream is truncated before one is found.
func afterIHDR(data []byte) int {
	off := len(pngSignature)
	for off+chunkHeaderLen <= len(data) {
		length := int(binary.BigEndian.Uint32(data[off : off+4]))
		next := off + chunkHeaderLen + length + chunkTrailerLen
		if next > len(data) {
			return -1
		}

		if string(data[off+4:off+chunkHeaderLen]) == chunkIHDR {
			return next
		}

		off = next
	}

	return -1
}

// textChunk encodes one keyword/value pair: tEXt for plain ASCII values,
// iTXt (uncompressed, UTF-8) otherwise.
func textChunk(key, value string) []byte {
	var (
		typ     string
		payload []byte
	)

	if isASCII(value) {
		typ = chunkTEXt
		payload = make([]byte, 0, len(key)+1+len(value))
		payload = append(payload, key...)
		payload = append(payload, 0)
		payload = append(payload, value...)
	} else {
		typ = chunkITXt
		// keyword NUL compression-flag compression-method
		// language-tag NUL translated-keyword NUL text
		payload = make([]byte, 0, len(key)+5+len(value))
		payload = append(payload, key...)
		payload = append(payload, 0, 0, 0, 0, 0)
		payload = append(payload, value...)
	}

	chunk := make([]byte, 0, chunkHeaderLen+len(payload)+chunkTrailerLen)
	chunk = binary.BigEndian.AppendUint32(chunk, uint32(len(payload)))
	chunk = append(chunk, typ...)
	chunk = append(chunk, payload...)

	crc := crc32.NewIEEE()
	crc.Write([]byte(typ))
	crc.Write(payload)
	chunk = binary.BigEndian.AppendUint32(chunk, crc.Sum32())

	return chunk
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return false
		}
	}

	return true
}
