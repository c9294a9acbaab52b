// Package rag defines the interfaces for retrieval-augmented generation
// components: vector storage, scoped retrieval, and embedding. Concrete
// implementations (Qdrant, etc.) satisfy these interfaces so the agent and
// ingestion layers never depend on a specific backend.
package rag

import (
	"context"
	"time"
)

// Chunk is the unit of embedding and retrieval: one token window of one
// uploaded file, addressed by its content hash.
type Chunk struct {
	// ID is the content-addressed chunk identifier (hex sha256 of
	// owner id + "-" + content).
	ID string

	// OwnerID is the user the chunk belongs to. Every query is scoped by it.
	OwnerID string

	// SessionID is the conversation the file was uploaded to.
	SessionID string

	// FileID identifies the source file within the session.
	FileID string

	// FileName is the display name of the source file, carried into
	// citations.
	FileName string

	// Seq is the zero-based position of this chunk within its file.
	Seq int

	// Content is the chunk text.
	Content string

	// CreatedAt is when the chunk was indexed. Drives staleness sweeps.
	CreatedAt time.Time

	// Score is the similarity score assigned during retrieval.
	// Zero value means the score was not computed.
	Score float32
}

// FileRef identifies one uploaded file within a session.
type FileRef struct {
	// FileID is the file identifier.
	FileID string

	// FileName is the display name.
	FileName string
}

// Scope restricts index operations to a slice of the collection. Empty
// fields are not filtered on; OwnerID must always be set by callers so one
// user can never read another user's chunks.
type Scope struct {
	// OwnerID filters by owning user.
	OwnerID string

	// SessionID filters by conversation.
	SessionID string

	// FileID filters by source file.
	FileID string
}

// Index is the interface for persisting and searching chunk embeddings.
// Implementations must be safe to call from multiple goroutines.
type Index interface {
	// Upsert stores or updates a batch of chunks with their pre-computed
	// embeddings. The embeddings slice must be parallel to chunks —
	// embeddings[i] is the vector for chunks[i].
	Upsert(ctx context.Context, chunks []Chunk, embeddings [][]float32) error

	// Search performs a similarity search within the scope and returns the
	// top-k most relevant chunks for the given query embedding.
	Search(ctx context.Context, queryEmbedding []float32, scope Scope, topK int) ([]Chunk, error)

	// Delete removes chunks by their IDs.
	Delete(ctx context.Context, ids []string) error

	// DeleteScope removes every chunk in scope. Used when a session or
	// file is deleted.
	DeleteScope(ctx context.Context, scope Scope) error

	// DeleteOlderThan removes every chunk in scope indexed before cutoff.
	DeleteOlderThan(ctx context.Context, scope Scope, cutoff time.Time) error

	// ListIDs returns the chunk IDs currently stored in scope, mapped to
	// their index times. Ingestion diffs this set against freshly hashed
	// content to skip re-embedding.
	ListIDs(ctx context.Context, scope Scope) (map[string]time.Time, error)

	// ListFiles returns the distinct files that have chunks in scope,
	// ordered by first index time.
	ListFiles(ctx context.Context, scope Scope) ([]FileRef, error)

	// Close releases any resources held by the index.
	Close() error
}

// Embedder is the interface for converting text into dense vector embeddings.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings.
	// The returned slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
