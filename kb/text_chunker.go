package kb

import (
	"strings"
	"unicode/utf8"
)

// DefaultChunkMaxBytes bounds a fragment so it fits the vector store's text
// field.
const DefaultChunkMaxBytes = 4096

// ByteChunker splits path descriptions into fragments of at most MaxBytes
// bytes without splitting a UTF-8 sequence.
type ByteChunker struct {
	MaxBytes int
}

// Chunk splits p.Text and tags every fragment with the origin id and its
// position. Embeddings are filled in later by the indexer.
func (c ByteChunker) Chunk(p PathDescription) []Fragment {
	parts := SplitBytes(p.Text, c.MaxBytes)
	fragments := make([]Fragment, 0, len(parts))
	for i, part := range parts {
		fragments = append(fragments, Fragment{
			OriginID:  p.OriginID,
			Seq:       i,
			Text:      part,
			TablePath: p.TablePath,
		})
	}
	return fragments
}

// SplitBytes splits text into segments of at most maxBytes bytes. A split
// point that lands on a continuation byte (10xxxxxx) is moved back to the
// start of its character. Bytes that do not decode as UTF-8 are dropped.
//
// A character wider than maxBytes cannot be placed in any segment and is
// dropped. maxBytes <= 0 selects DefaultChunkMaxBytes.
func SplitBytes(text string, maxBytes int) []string {
	if text == "" {
		return []string{}
	}
	if maxBytes <= 0 {
		maxBytes = DefaultChunkMaxBytes
	}
	if len(text) <= maxBytes && utf8.ValidString(text) {
		return []string{text}
	}

	b := []byte(text)
	out := make([]string, 0, len(b)/maxBytes+1)
	start := 0
	for start < len(b) {
		end := start + maxBytes
		if end >= len(b) {
			end = len(b)
		} else {
			for end > start && isContinuationByte(b[end]) {
				end--
			}
			if end == start {
				// the character at start is wider than maxBytes; skip it
				_, size := utf8.DecodeRune(b[start:])
				start += size
				continue
			}
		}
		if part := strings.ToValidUTF8(string(b[start:end]), ""); part != "" {
			out = append(out, part)
		}
		start = end
	}
	return out
}

func isContinuationByte(c byte) bool {
	return c&0xC0 == 0x80
}
