// Package ingest implements the document ingestion pipeline.
// It extracts text from uploaded files, chunks the content, embeds each
// chunk, and upserts the results into the vector index. Content-addressed
// chunk IDs make re-ingestion a set-difference: chunks already indexed are
// skipped instead of re-embedded.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/caseworks/docchat-go/internal/chunker"
	"github.com/caseworks/docchat-go/internal/extract"
	"github.com/caseworks/docchat-go/internal/logging"
	"github.com/caseworks/docchat-go/internal/rag"
	"github.com/caseworks/docchat-go/internal/retry"
)

// File describes one uploaded file to be ingested.
type File struct {
	// FileID identifies the file within its session.
	FileID string

	// FileName is the display name shown in citations.
	FileName string

	// ContentType is the declared MIME type of the payload.
	ContentType string

	// Data is the raw file content.
	Data []byte
}

// Report summarises what ingestion did for one file.
type Report struct {
	// FileID and FileName identify the file.
	FileID   string
	FileName string

	// ChunkCount is the number of chunks the cleaned text split into.
	ChunkCount int

	// Indexed is the number of chunks embedded and upserted.
	Indexed int

	// Skipped is the number of chunks already present in the index.
	Skipped int

	// Refreshed is the number of stale duplicates that were re-embedded.
	Refreshed int
}

// Config holds the configuration for the ingestion pipeline.
type Config struct {
	// MaxTokens and Overlap configure the chunker. Zero means defaults.
	MaxTokens int
	Overlap   int

	// DisableDedup skips the index diff and re-embeds every chunk.
	DisableDedup bool

	// EmbedConcurrency bounds parallel embedding calls. Defaults to 4.
	EmbedConcurrency int

	// EmbedRPS rate-limits embedding calls across the whole pipeline.
	// Defaults to 4 requests per second.
	EmbedRPS float64

	// EmbedBatchSize is the number of chunks per embedding call.
	// Defaults to 16.
	EmbedBatchSize int

	// UpsertBatchSize is the number of points per index write.
	// Defaults to 25.
	UpsertBatchSize int

	// RefreshAfter is the age past which an already-indexed duplicate is
	// deleted and re-embedded. Defaults to 24h.
	RefreshAfter time.Duration

	// RetentionAge is the age past which Sweep removes chunks outright.
	// Defaults to 15 days.
	RetentionAge time.Duration

	// Retry is the policy for index writes. Zero value means the default
	// exponential backoff.
	Retry retry.Policy
}

// Pipeline orchestrates the extract → chunk → embed → upsert flow for
// uploaded files.
type Pipeline struct {
	// extractor converts raw file bytes to plain text.
	extractor extract.Extractor

	// chunker splits cleaned text into token windows.
	chunker *chunker.Chunker

	// embedder converts text chunks into dense vector embeddings.
	embedder rag.Embedder

	// index persists the embedded chunks.
	index rag.Index

	// limiter throttles embedding calls.
	limiter *rate.Limiter

	// cfg holds the resolved pipeline configuration.
	cfg *Config
}

// NewPipeline constructs a Pipeline from the provided dependencies and config.
func NewPipeline(extractor extract.Extractor, embedder rag.Embedder, index rag.Index, cfg *Config) (*Pipeline, error) {
	if extractor == nil {
		return nil, fmt.Errorf("ingest: extractor must not be nil")
	}
	if embedder == nil {
		return nil, fmt.Errorf("ingest: embedder must not be nil")
	}
	if index == nil {
		return nil, fmt.Errorf("ingest: index must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.EmbedConcurrency <= 0 {
		cfg.EmbedConcurrency = 4
	}
	if cfg.EmbedRPS <= 0 {
		cfg.EmbedRPS = 4
	}
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = 16
	}
	if cfg.UpsertBatchSize <= 0 {
		cfg.UpsertBatchSize = 25
	}
	if cfg.RefreshAfter <= 0 {
		cfg.RefreshAfter = 24 * time.Hour
	}
	if cfg.RetentionAge <= 0 {
		cfg.RetentionAge = 15 * 24 * time.Hour
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}

	ch, err := chunker.New(cfg.MaxTokens, cfg.Overlap)
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}

	return &Pipeline{
		extractor: extractor,
		chunker:   ch,
		embedder:  embedder,
		index:     index,
		limiter:   rate.NewLimiter(rate.Limit(cfg.EmbedRPS), cfg.EmbedConcurrency),
		cfg:       cfg,
	}, nil
}

// Ingest runs the full pipeline for one file under the given owner and
// session. An empty or all-whitespace document yields a zero-chunk report,
// not an error.
func (p *Pipeline) Ingest(ctx context.Context, ownerID, sessionID string, file File) (*Report, error) {
	log := logging.FromContext(ctx)
	report := &Report{FileID: file.FileID, FileName: file.FileName}

	text, err := p.extractor.Extract(ctx, file.Data, file.ContentType)
	if err != nil {
		return nil, fmt.Errorf("ingest: extract %q: %w", file.FileName, err)
	}

	cleaned := extract.Clean(text)
	if cleaned == "" {
		log.Info("ingest: document has no text content",
			slog.String("file", file.FileName))
		return report, nil
	}

	texts := p.chunker.Split(cleaned)
	report.ChunkCount = len(texts)
	if len(texts) == 0 {
		return report, nil
	}

	now := time.Now().UTC()
	chunks := make([]rag.Chunk, len(texts))
	for i, t := range texts {
		chunks[i] = rag.Chunk{
			ID:        chunker.ContentID(ownerID, t),
			OwnerID:   ownerID,
			SessionID: sessionID,
			FileID:    file.FileID,
			FileName:  file.FileName,
			Seq:       i,
			Content:   t,
			CreatedAt: now,
		}
	}

	toIndex := chunks
	if !p.cfg.DisableDedup {
		toIndex, err = p.dedup(ctx, ownerID, sessionID, chunks, report)
		if err != nil {
			return nil, err
		}
	}
	if len(toIndex) == 0 {
		log.Info("ingest: all chunks already indexed",
			slog.String("file", file.FileName),
			slog.Int("chunks", report.ChunkCount))
		return report, nil
	}

	embeddings, err := p.embedAll(ctx, toIndex)
	if err != nil {
		return nil, fmt.Errorf("ingest: embed %q: %w", file.FileName, err)
	}

	if err := p.upsertBatched(ctx, toIndex, embeddings); err != nil {
		return nil, fmt.Errorf("ingest: index %q: %w", file.FileName, err)
	}

	report.Indexed = len(toIndex)
	log.Info("ingest: file indexed",
		slog.String("file", file.FileName),
		slog.Int("chunks", report.ChunkCount),
		slog.Int("indexed", report.Indexed),
		slog.Int("skipped", report.Skipped),
		slog.Int("refreshed", report.Refreshed))

	return report, nil
}

// dedup diffs the hashed chunks against what the session already has in the
// index. Fresh duplicates are skipped; duplicates older than RefreshAfter
// are deleted and re-embedded so their payload and vector stay current.
func (p *Pipeline) dedup(ctx context.Context, ownerID, sessionID string, chunks []rag.Chunk, report *Report) ([]rag.Chunk, error) {
	remote, err := p.index.ListIDs(ctx, rag.Scope{OwnerID: ownerID, SessionID: sessionID})
	if err != nil {
		return nil, fmt.Errorf("ingest: list indexed chunks: %w", err)
	}

	cutoff := time.Now().UTC().Add(-p.cfg.RefreshAfter)
	var toIndex []rag.Chunk
	var stale []string
	for _, c := range chunks {
		indexedAt, exists := remote[c.ID]
		switch {
		case !exists:
			toIndex = append(toIndex, c)
		case indexedAt.Before(cutoff):
			stale = append(stale, c.ID)
			toIndex = append(toIndex, c)
			report.Refreshed++
		default:
			report.Skipped++
		}
	}

	if len(stale) > 0 {
		if err := p.index.Delete(ctx, stale); err != nil {
			return nil, fmt.Errorf("ingest: delete stale chunks: %w", err)
		}
	}

	return toIndex, nil
}

// embedAll embeds the chunks in batches, fanning out up to EmbedConcurrency
// calls while respecting the shared rate limit.
func (p *Pipeline) embedAll(ctx context.Context, chunks []rag.Chunk) ([][]float32, error) {
	embeddings := make([][]float32, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.EmbedConcurrency)
	for start := 0; start < len(chunks); start += p.cfg.EmbedBatchSize {
		end := start + p.cfg.EmbedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		start, end := start, end
		g.Go(func() error {
			if err := p.limiter.Wait(gctx); err != nil {
				return err
			}
			texts := make([]string, 0, end-start)
			for _, c := range chunks[start:end] {
				texts = append(texts, c.Content)
			}
			vecs, err := p.embedder.Embed(gctx, texts)
			if err != nil {
				return err
			}
			if len(vecs) != len(texts) {
				return fmt.Errorf("expected %d embeddings, got %d", len(texts), len(vecs))
			}
			copy(embeddings[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return embeddings, nil
}

// upsertBatched writes the chunks in batches, retrying each batch with
// exponential backoff so one flaky write does not fail the whole file.
func (p *Pipeline) upsertBatched(ctx context.Context, chunks []rag.Chunk, embeddings [][]float32) error {
	for start := 0; start < len(chunks); start += p.cfg.UpsertBatchSize {
		end := start + p.cfg.UpsertBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]
		vecs := embeddings[start:end]
		err := p.cfg.Retry.Do(ctx, func() error {
			return p.index.Upsert(ctx, batch, vecs)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Sweep removes every chunk of the owner indexed before the retention
// horizon. Sessions abandoned past RetentionAge lose their vectors; the
// conversation history itself is kept.
func (p *Pipeline) Sweep(ctx context.Context, ownerID string) error {
	cutoff := time.Now().UTC().Add(-p.cfg.RetentionAge)
	if err := p.index.DeleteOlderThan(ctx, rag.Scope{OwnerID: ownerID}, cutoff); err != nil {
		return fmt.Errorf("ingest: sweep: %w", err)
	}
	logging.FromContext(ctx).Info("ingest: swept stale chunks",
		slog.String("owner", ownerID),
		slog.Time("cutoff", cutoff))
	return nil
}
