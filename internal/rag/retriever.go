package rag

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultSessionTopK is the result count for a pooled session search.
	DefaultSessionTopK = 6

	// DefaultFileTopK is the per-file result count in per-document mode.
	DefaultFileTopK = 4

	// perFileConcurrency bounds the parallel per-file searches.
	perFileConcurrency = 4
)

// perDocumentTriggers are the question patterns that switch retrieval from a
// pooled session search to one search per uploaded file. Matched
// case-insensitively as substrings.
var perDocumentTriggers = []string{
	"each document",
	"each file",
	"per document",
	"per file",
	"every document",
	"summarize each",
	"what is each about",
}

// IsPerDocumentRequest reports whether the question asks about the uploaded
// files individually rather than the session corpus as a whole.
func IsPerDocumentRequest(query string) bool {
	q := strings.ToLower(query)
	for _, trigger := range perDocumentTriggers {
		if strings.Contains(q, trigger) {
			return true
		}
	}
	return false
}

// FileContext is the retrieval result for one file in per-document mode.
// Chunks stay grouped under their file and are never pooled across files.
type FileContext struct {
	// File identifies the source file.
	File FileRef

	// Chunks are the most relevant chunks of that file for the query.
	Chunks []Chunk
}

// Retriever combines an Embedder and an Index into scoped query-time
// retrieval. It is safe to call from multiple goroutines.
type Retriever struct {
	// embedder converts query text to a dense vector.
	embedder Embedder

	// index performs the filtered vector similarity search.
	index Index

	// sessionTopK is the result count for pooled session searches.
	sessionTopK int

	// fileTopK is the per-file result count in per-document mode.
	fileTopK int
}

// NewRetriever constructs a Retriever. Zero topK values fall back to the
// defaults.
func NewRetriever(embedder Embedder, index Index, sessionTopK, fileTopK int) (*Retriever, error) {
	if embedder == nil {
		return nil, fmt.Errorf("rag: embedder must not be nil")
	}
	if index == nil {
		return nil, fmt.Errorf("rag: index must not be nil")
	}
	if sessionTopK <= 0 {
		sessionTopK = DefaultSessionTopK
	}
	if fileTopK <= 0 {
		fileTopK = DefaultFileTopK
	}
	return &Retriever{
		embedder:    embedder,
		index:       index,
		sessionTopK: sessionTopK,
		fileTopK:    fileTopK,
	}, nil
}

// embedQuery embeds a single query string.
func (r *Retriever) embedQuery(ctx context.Context, query string) ([]float32, error) {
	embeddings, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("rag: embedding query failed: %w", err)
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("rag: embedder returned empty result for query")
	}
	return embeddings[0], nil
}

// SearchSession embeds the query and returns the most relevant chunks across
// every file uploaded to the session.
func (r *Retriever) SearchSession(ctx context.Context, query, ownerID, sessionID string) ([]Chunk, error) {
	vec, err := r.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	chunks, err := r.index.Search(ctx, vec, Scope{OwnerID: ownerID, SessionID: sessionID}, r.sessionTopK)
	if err != nil {
		return nil, fmt.Errorf("rag: session search failed: %w", err)
	}

	return chunks, nil
}

// SearchOwner embeds the query and returns the most relevant chunks across
// everything the owner has uploaded, in any session.
func (r *Retriever) SearchOwner(ctx context.Context, query, ownerID string) ([]Chunk, error) {
	vec, err := r.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	chunks, err := r.index.Search(ctx, vec, Scope{OwnerID: ownerID}, r.sessionTopK)
	if err != nil {
		return nil, fmt.Errorf("rag: owner search failed: %w", err)
	}

	return chunks, nil
}

// SearchPerFile runs one scoped search per file uploaded to the session and
// returns the results grouped by file, in the session's file order. Files
// with no relevant chunks still appear with an empty Chunks slice so the
// caller can report on every document.
func (r *Retriever) SearchPerFile(ctx context.Context, query, ownerID, sessionID string) ([]FileContext, error) {
	scope := Scope{OwnerID: ownerID, SessionID: sessionID}
	files, err := r.index.ListFiles(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("rag: list session files failed: %w", err)
	}
	if len(files) == 0 {
		return nil, nil
	}

	vec, err := r.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	results := make([]FileContext, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(perFileConcurrency)
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			fileScope := Scope{OwnerID: ownerID, SessionID: sessionID, FileID: f.FileID}
			chunks, err := r.index.Search(gctx, vec, fileScope, r.fileTopK)
			if err != nil {
				return fmt.Errorf("rag: search file %q failed: %w", f.FileName, err)
			}
			results[i] = FileContext{File: f, Chunks: chunks}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

// Files returns the distinct files uploaded to the session.
func (r *Retriever) Files(ctx context.Context, ownerID, sessionID string) ([]FileRef, error) {
	return r.index.ListFiles(ctx, Scope{OwnerID: ownerID, SessionID: sessionID})
}
