package text

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Chunk is a single paragraph of a chapter, the unit stored in the vector index.
type Chunk struct {
	ID          string
	ChapterID   string
	Position    int
	Text        string
	ContentHash string
}

var (
	paragraphRe = regexp.MustCompile(`\n\s*\n`)
	spaceRunRe  = regexp.MustCompile(`\s+`)
)

// SplitParagraphs splits chapter text on blank-line boundaries and drops
// empty or whitespace-only units. Chunk IDs are positional: re-chunking the
// same text always yields the same ID/hash pairs, and an unchanged paragraph
// keeps its hash even when surrounding whitespace or line wrapping changes.
func SplitParagraphs(chapterID, text string) []Chunk {
	parts := paragraphRe.Split(text, -1)

	chunks := make([]Chunk, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		pos := len(chunks)
		chunks = append(chunks, Chunk{
			ID:          ChunkID(chapterID, pos),
			ChapterID:   chapterID,
			Position:    pos,
			Text:        part,
			ContentHash: ContentHash(part),
		})
	}
	return chunks
}

// ChunkID derives the stable positional identifier for a paragraph.
func ChunkID(chapterID string, position int) string {
	return fmt.Sprintf("%s_para_%d", chapterID, position)
}

// ContentHash hashes the normalized paragraph text. Normalization trims and
// collapses whitespace runs so formatting-only edits do not force re-embedding.
func ContentHash(text string) string {
	normalized := spaceRunRe.ReplaceAllString(strings.TrimSpace(text), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
