// Package paginate splits oversized artifacts into addressable chunks under a
// transport budget. Manifests are packed as whole groups; images are sliced
// into vertically stacked, overlapping regions.
package paginate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
)

// Kind distinguishes artifact families. A new artifact supersedes the
// previous one of the same kind.
type Kind string

const (
	KindManifest Kind = "manifest"
	KindImage    Kind = "image"
)

var (
	// ErrChunkOutOfRange means index >= total chunks of the parent.
	ErrChunkOutOfRange = errors.New("chunk index out of range")
	// ErrUnknownParent means the parent artifact was never produced or has
	// been superseded.
	ErrUnknownParent = errors.New("unknown or superseded artifact")
	// ErrNotImage means a capture payload was not a decodable image.
	ErrNotImage = errors.New("payload is not an image")
)

// Boundary locates a chunk inside its parent artifact.
type Boundary struct {
	// Offset is the byte offset (manifests) or pixel row (images) where the
	// chunk starts.
	Offset int `json:"offset"`
	// Overlap is how much of the start repeats the previous chunk.
	Overlap int    `json:"overlap"`
	Unit    string `json:"unit"`
}

// Descriptor addresses one chunk.
type Descriptor struct {
	ParentID    string   `json:"parentId"`
	Kind        Kind     `json:"kind"`
	Index       int      `json:"index"`
	TotalChunks int      `json:"totalChunks"`
	Boundary    Boundary `json:"boundaryHint"`
}

// Chunk is one slice of an artifact.
type Chunk struct {
	Descriptor
	MIME string `json:"mime"`
	Data []byte `json:"-"`
}

// Groups packs pre-encoded groups greedily into chunks whose payload is a JSON
// array of groups no larger than budget bytes. A group that alone exceeds the
// budget is placed in a chunk of its own.
func Groups(parentID string, groups []json.RawMessage, budget int) ([]Chunk, error) {
	if budget <= 2 {
		return nil, fmt.Errorf("chunk budget %d too small", budget)
	}

	type span struct{ start, end, offset int }
	var spans []span
	// offset tracks the position of each group inside the unpaginated
	// payload "[g0,g1,...]".
	offset := 1
	cur := span{start: 0, end: 0, offset: offset}
	size := 2
	for i, g := range groups {
		add := len(g)
		if cur.end > cur.start {
			add++
		}
		if cur.end > cur.start && size+add > budget {
			spans = append(spans, cur)
			cur = span{start: i, end: i, offset: offset}
			size = 2
			add = len(g)
		}
		cur.end = i + 1
		size += add
		offset += len(g) + 1
	}
	if cur.end > cur.start || len(spans) == 0 {
		spans = append(spans, cur)
	}

	chunks := make([]Chunk, len(spans))
	for i, s := range spans {
		var buf bytes.Buffer
		buf.WriteByte('[')
		for j := s.start; j < s.end; j++ {
			if j > s.start {
				buf.WriteByte(',')
			}
			buf.Write(groups[j])
		}
		buf.WriteByte(']')
		chunks[i] = Chunk{
			Descriptor: Descriptor{
				ParentID:    parentID,
				Kind:        KindManifest,
				Index:       i,
				TotalChunks: len(spans),
				Boundary:    Boundary{Offset: s.offset, Unit: "bytes"},
			},
			MIME: "application/json",
			Data: buf.Bytes(),
		}
	}
	return chunks, nil
}

// Image slices an encoded capture into regions of regionHeight pixels where
// consecutive regions share overlap rows. Every region is encoded as PNG.
func Image(parentID string, data []byte, regionHeight, overlap int) ([]Chunk, error) {
	if regionHeight <= 0 || overlap < 0 || overlap >= regionHeight {
		return nil, fmt.Errorf("invalid region height %d with overlap %d", regionHeight, overlap)
	}
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return nil, fmt.Errorf("%w: detected %s", ErrNotImage, mt.String())
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotImage, err)
	}

	bounds := img.Bounds()
	height := bounds.Dy()
	if height <= regionHeight {
		return []Chunk{{
			Descriptor: Descriptor{
				ParentID:    parentID,
				Kind:        KindImage,
				TotalChunks: 1,
				Boundary:    Boundary{Unit: "px"},
			},
			MIME: mt.String(),
			Data: data,
		}}, nil
	}

	step := regionHeight - overlap
	var starts []int
	for y := 0; ; y += step {
		starts = append(starts, y)
		if y+regionHeight >= height {
			break
		}
	}

	chunks := make([]Chunk, 0, len(starts))
	for i, y := range starts {
		end := y + regionHeight
		if end > height {
			end = height
		}
		rect := image.Rect(bounds.Min.X, bounds.Min.Y+y, bounds.Max.X, bounds.Min.Y+end)
		region := imaging.Crop(img, rect)
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, region, imaging.PNG); err != nil {
			return nil, fmt.Errorf("encode region %d: %w", i, err)
		}
		ov := overlap
		if i == 0 {
			ov = 0
		}
		chunks = append(chunks, Chunk{
			Descriptor: Descriptor{
				ParentID:    parentID,
				Kind:        KindImage,
				Index:       i,
				TotalChunks: len(starts),
				Boundary:    Boundary{Offset: y, Overlap: ov, Unit: "px"},
			},
			MIME: "image/png",
			Data: buf.Bytes(),
		})
	}
	return chunks, nil
}
