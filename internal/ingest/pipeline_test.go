package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/caseworks/docchat-go/internal/chunker"
	"github.com/caseworks/docchat-go/internal/extract"
	"github.com/caseworks/docchat-go/internal/rag"
	"github.com/caseworks/docchat-go/internal/retry"
)

// fakeEmbedder returns unit vectors and counts calls.
type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1}
	}
	return out, nil
}

// fakeIndex records upserts and deletes and serves a canned ID listing.
type fakeIndex struct {
	mu          sync.Mutex
	remote      map[string]time.Time
	upserted    []rag.Chunk
	upsertCalls int
	deleted     []string
	listCalls   int
	upsertErrs  int
	sweeps      []time.Time
}

func (f *fakeIndex) Upsert(_ context.Context, chunks []rag.Chunk, embeddings [][]float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertCalls++
	if f.upsertErrs > 0 {
		f.upsertErrs--
		return errors.New("transient index error")
	}
	if len(chunks) != len(embeddings) {
		return errors.New("chunks and embeddings not parallel")
	}
	f.upserted = append(f.upserted, chunks...)
	return nil
}

func (f *fakeIndex) Search(context.Context, []float32, rag.Scope, int) ([]rag.Chunk, error) {
	return nil, nil
}

func (f *fakeIndex) Delete(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ids...)
	return nil
}

func (f *fakeIndex) DeleteScope(context.Context, rag.Scope) error {
	return nil
}

func (f *fakeIndex) DeleteOlderThan(_ context.Context, _ rag.Scope, cutoff time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps = append(f.sweeps, cutoff)
	return nil
}

func (f *fakeIndex) ListIDs(context.Context, rag.Scope) (map[string]time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return f.remote, nil
}

func (f *fakeIndex) ListFiles(context.Context, rag.Scope) ([]rag.FileRef, error) {
	return nil, nil
}

func (f *fakeIndex) Close() error { return nil }

// newTestPipeline builds a pipeline over a plain-text extractor and fakes.
func newTestPipeline(t *testing.T, idx *fakeIndex, emb *fakeEmbedder, cfg *Config) *Pipeline {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Microsecond, Multiplier: 2}
	}
	p, err := NewPipeline(extract.PlainExtractor{}, emb, idx, cfg)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p
}

func plainFile(content string) File {
	return File{
		FileID:      "file-1",
		FileName:    "notes.txt",
		ContentType: "text/plain",
		Data:        []byte(content),
	}
}

func Test_Ingest_EmptyDocument(t *testing.T) {
	t.Parallel()
	idx := &fakeIndex{}
	emb := &fakeEmbedder{}
	p := newTestPipeline(t, idx, emb, nil)

	report, err := p.Ingest(context.Background(), "user-1", "sess-1", plainFile("   \n\t "))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if report.ChunkCount != 0 || report.Indexed != 0 {
		t.Errorf("want zero-chunk report, got %+v", report)
	}
	if emb.calls != 0 {
		t.Errorf("empty document must not be embedded")
	}
	if idx.upsertCalls != 0 {
		t.Errorf("empty document must not be upserted")
	}
}

func Test_Ingest_NewFile(t *testing.T) {
	t.Parallel()
	idx := &fakeIndex{}
	emb := &fakeEmbedder{}
	p := newTestPipeline(t, idx, emb, &Config{EmbedRPS: 1000})

	report, err := p.Ingest(context.Background(), "user-1", "sess-1", plainFile("the tenant shall pay rent monthly"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if report.ChunkCount == 0 {
		t.Fatal("want at least one chunk")
	}
	if report.Indexed != report.ChunkCount {
		t.Errorf("want all chunks indexed, got %+v", report)
	}
	if report.Skipped != 0 {
		t.Errorf("fresh file must skip nothing, got %+v", report)
	}

	if len(idx.upserted) != report.ChunkCount {
		t.Fatalf("want %d upserted chunks, got %d", report.ChunkCount, len(idx.upserted))
	}
	for _, c := range idx.upserted {
		if c.OwnerID != "user-1" || c.SessionID != "sess-1" || c.FileID != "file-1" {
			t.Errorf("chunk missing scope fields: %+v", c)
		}
		if c.ID == "" || c.Content == "" {
			t.Errorf("chunk missing id or content: %+v", c)
		}
	}
}

func Test_Ingest_SkipsFreshDuplicates(t *testing.T) {
	t.Parallel()

	content := "indemnification survives termination of this agreement"
	id := chunker.ContentID("user-1", content)
	idx := &fakeIndex{remote: map[string]time.Time{id: time.Now().UTC()}}
	emb := &fakeEmbedder{}
	p := newTestPipeline(t, idx, emb, &Config{EmbedRPS: 1000})

	report, err := p.Ingest(context.Background(), "user-1", "sess-1", plainFile(content))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if report.Skipped != 1 || report.Indexed != 0 {
		t.Errorf("want duplicate skipped, got %+v", report)
	}
	if emb.calls != 0 {
		t.Errorf("duplicate must not be re-embedded")
	}
	if len(idx.deleted) != 0 {
		t.Errorf("fresh duplicate must not be deleted")
	}
}

func Test_Ingest_RefreshesStaleDuplicates(t *testing.T) {
	t.Parallel()

	content := "the parties agree to binding arbitration"
	id := chunker.ContentID("user-1", content)
	idx := &fakeIndex{remote: map[string]time.Time{id: time.Now().UTC().Add(-48 * time.Hour)}}
	emb := &fakeEmbedder{}
	p := newTestPipeline(t, idx, emb, &Config{EmbedRPS: 1000})

	report, err := p.Ingest(context.Background(), "user-1", "sess-1", plainFile(content))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if report.Refreshed != 1 || report.Indexed != 1 {
		t.Errorf("want stale duplicate refreshed, got %+v", report)
	}
	if len(idx.deleted) != 1 || idx.deleted[0] != id {
		t.Errorf("stale duplicate must be deleted first, got %v", idx.deleted)
	}
	if len(idx.upserted) != 1 {
		t.Errorf("refreshed chunk must be re-upserted")
	}
}

func Test_Ingest_DedupDisabled(t *testing.T) {
	t.Parallel()

	idx := &fakeIndex{}
	emb := &fakeEmbedder{}
	p := newTestPipeline(t, idx, emb, &Config{DisableDedup: true, EmbedRPS: 1000})

	_, err := p.Ingest(context.Background(), "user-1", "sess-1", plainFile("no dedup here"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if idx.listCalls != 0 {
		t.Errorf("dedup disabled must not list indexed IDs")
	}
}

func Test_Ingest_UnsupportedType(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, &fakeIndex{}, &fakeEmbedder{}, nil)
	file := File{FileID: "f", FileName: "x.bin", ContentType: "application/octet-stream", Data: []byte{1}}

	_, err := p.Ingest(context.Background(), "u", "s", file)
	if !errors.Is(err, extract.ErrUnsupportedType) {
		t.Errorf("want ErrUnsupportedType, got %v", err)
	}
}

func Test_Ingest_RetriesIndexWrites(t *testing.T) {
	t.Parallel()

	idx := &fakeIndex{upsertErrs: 2}
	emb := &fakeEmbedder{}
	p := newTestPipeline(t, idx, emb, &Config{EmbedRPS: 1000})

	report, err := p.Ingest(context.Background(), "user-1", "sess-1", plainFile("transient failures are retried"))
	if err != nil {
		t.Fatalf("ingest after retries: %v", err)
	}
	if report.Indexed == 0 {
		t.Errorf("want chunks indexed after retries, got %+v", report)
	}
	if idx.upsertCalls < 3 {
		t.Errorf("want at least 3 upsert attempts, got %d", idx.upsertCalls)
	}
}

func Test_Ingest_EmbedderErrorPropagates(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("embedding backend down")
	p := newTestPipeline(t, &fakeIndex{}, &fakeEmbedder{err: sentinel}, &Config{EmbedRPS: 1000})

	if _, err := p.Ingest(context.Background(), "u", "s", plainFile("some text")); !errors.Is(err, sentinel) {
		t.Errorf("want wrapped embedder error, got %v", err)
	}
}

func Test_Sweep_UsesRetentionHorizon(t *testing.T) {
	t.Parallel()

	idx := &fakeIndex{}
	p := newTestPipeline(t, idx, &fakeEmbedder{}, &Config{RetentionAge: 15 * 24 * time.Hour})

	if err := p.Sweep(context.Background(), "user-1"); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(idx.sweeps) != 1 {
		t.Fatalf("want 1 sweep, got %d", len(idx.sweeps))
	}
	wantCutoff := time.Now().UTC().Add(-15 * 24 * time.Hour)
	if diff := idx.sweeps[0].Sub(wantCutoff); diff < -time.Minute || diff > time.Minute {
		t.Errorf("sweep cutoff %v not near retention horizon %v", idx.sweeps[0], wantCutoff)
	}
}
