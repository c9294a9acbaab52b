// Package chunker splits extracted document text into overlapping
// token-bounded windows, the unit of embedding and retrieval. Windows are
// measured with the cl100k_base tokenizer so chunk sizes line up with what
// the embedding models actually see, rather than a character heuristic.
package chunker

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

const (
	// DefaultMaxTokens is the default window size per chunk.
	DefaultMaxTokens = 900

	// DefaultOverlap is the default number of tokens repeated between
	// consecutive chunks so sentences cut at a boundary stay retrievable.
	DefaultOverlap = 150

	// encodingName is the fixed tokenizer used for all chunking. Changing it
	// invalidates every content-addressed chunk id already in the index.
	encodingName = "cl100k_base"
)

// Chunker splits text into overlapping token windows.
// It is safe for concurrent use.
type Chunker struct {
	// maxTokens is the window size in tokens.
	maxTokens int

	// overlap is the step-back in tokens between consecutive windows.
	overlap int

	// enc is the shared tokenizer instance.
	enc *tiktoken.Tiktoken
}

// New constructs a Chunker. Zero or negative maxTokens/overlap fall back to
// the defaults; an overlap >= maxTokens is clamped so the window always
// advances.
func New(maxTokens, overlap int) (*Chunker, error) {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if overlap < 0 {
		overlap = DefaultOverlap
	}
	if overlap >= maxTokens {
		overlap = maxTokens / 6
	}

	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("chunker: load %s encoding: %w", encodingName, err)
	}

	return &Chunker{maxTokens: maxTokens, overlap: overlap, enc: enc}, nil
}

// Split encodes text to tokens, slides a window of maxTokens with an overlap
// step-back, and decodes each window back to text. Empty input yields an
// empty slice; empty decoded windows are dropped. The result is deterministic
// for a given (text, maxTokens, overlap) and covers every input token.
func (c *Chunker) Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	tokens := c.enc.Encode(text, nil, nil)
	var chunks []string

	start := 0
	for start < len(tokens) {
		end := start + c.maxTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		chunk := strings.TrimSpace(c.enc.Decode(tokens[start:end]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(tokens) {
			break
		}
		start = end - c.overlap
	}

	return chunks
}

// ContentID returns the deterministic hash-addressed chunk id for the given
// owner and chunk text. Re-ingesting identical content under the same owner
// produces the same id, which is what makes dedup a set-difference problem.
// Only the first 16 hash bytes are kept so the id is a valid UUID for the
// vector store.
func ContentID(ownerID, text string) string {
	h := sha256.Sum256([]byte(ownerID + "-" + text))
	return fmt.Sprintf("%x", h[:16])
}
