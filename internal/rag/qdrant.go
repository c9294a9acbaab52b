package rag

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/qdrant/go-client/qdrant"
)

// Payload field names used for every point in the collection.
const (
	fieldOwnerID   = "owner_id"
	fieldSessionID = "session_id"
	fieldFileID    = "file_id"
	fieldFileName  = "file_name"
	fieldSeq       = "seq"
	fieldContent   = "content"
	fieldCreatedAt = "created_at"
)

// listLimit bounds ListIDs/ListFiles scrolls. A session holds at most a few
// dozen files, so one page is always enough in practice.
const listLimit = 4096

// QdrantConfig holds connection parameters for a Qdrant vector index instance.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// Collection is the Qdrant collection name to use.
	Collection string

	// VectorSize is the dimensionality of the embeddings stored in this collection.
	VectorSize uint64

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantIndex implements Index backed by a Qdrant instance.
type QdrantIndex struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client

	// cfg holds the resolved configuration for this index.
	cfg *QdrantConfig
}

// NewQdrantIndex creates a new QdrantIndex, ensuring the target collection
// exists (creating it if necessary), and returns a ready-to-use Index.
func NewQdrantIndex(ctx context.Context, cfg *QdrantConfig) (*QdrantIndex, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}

	clientCfg := &qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	}

	client, err := qdrant.NewClient(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	idx := &QdrantIndex{client: client, cfg: cfg}
	if err := idx.ensureCollection(ctx); err != nil {
		return nil, err
	}

	return idx, nil
}

// ensureCollection creates the Qdrant collection if it does not already exist.
func (s *QdrantIndex) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.cfg.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", s.cfg.Collection, err)
	}

	return nil
}

// scopeFilter builds the Must conditions for a scope. Empty fields add no
// condition.
func scopeFilter(scope Scope) *qdrant.Filter {
	var must []*qdrant.Condition
	if scope.OwnerID != "" {
		must = append(must, qdrant.NewMatch(fieldOwnerID, scope.OwnerID))
	}
	if scope.SessionID != "" {
		must = append(must, qdrant.NewMatch(fieldSessionID, scope.SessionID))
	}
	if scope.FileID != "" {
		must = append(must, qdrant.NewMatch(fieldFileID, scope.FileID))
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

// chunkFromPayload reconstructs a Chunk from a point's payload.
func chunkFromPayload(id string, payload map[string]*qdrant.Value) Chunk {
	c := Chunk{ID: id}
	if payload == nil {
		return c
	}
	if v, ok := payload[fieldOwnerID]; ok {
		c.OwnerID = v.GetStringValue()
	}
	if v, ok := payload[fieldSessionID]; ok {
		c.SessionID = v.GetStringValue()
	}
	if v, ok := payload[fieldFileID]; ok {
		c.FileID = v.GetStringValue()
	}
	if v, ok := payload[fieldFileName]; ok {
		c.FileName = v.GetStringValue()
	}
	if v, ok := payload[fieldSeq]; ok {
		c.Seq = int(v.GetIntegerValue())
	}
	if v, ok := payload[fieldContent]; ok {
		c.Content = v.GetStringValue()
	}
	if v, ok := payload[fieldCreatedAt]; ok {
		c.CreatedAt = time.Unix(v.GetIntegerValue(), 0).UTC()
	}
	return c
}

// Upsert stores or updates a batch of chunks with their embeddings.
// Content-addressed IDs make this idempotent: re-upserting identical content
// overwrites the same point.
func (s *QdrantIndex) Upsert(ctx context.Context, chunks []Chunk, embeddings [][]float32) error {
	if len(chunks) != len(embeddings) {
		return fmt.Errorf("qdrant: %d chunks but %d embeddings", len(chunks), len(embeddings))
	}

	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for i, c := range chunks {
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		payload := map[string]interface{}{
			fieldOwnerID:   c.OwnerID,
			fieldSessionID: c.SessionID,
			fieldFileID:    c.FileID,
			fieldFileName:  c.FileName,
			fieldSeq:       int64(c.Seq),
			fieldContent:   c.Content,
			fieldCreatedAt: createdAt.Unix(),
		}

		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(c.ID),
			Vectors: qdrant.NewVectors(embeddings[i]...),
			Payload: qdrant.NewValueMap(payload),
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.cfg.Collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant: upsert failed: %w", err)
	}

	return nil
}

// Search performs a cosine similarity search within the scope and returns
// the top-k results.
func (s *QdrantIndex) Search(ctx context.Context, queryEmbedding []float32, scope Scope, topK int) ([]Chunk, error) {
	limit := uint64(topK)
	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.cfg.Collection,
		Query:          qdrant.NewQuery(queryEmbedding...),
		Filter:         scopeFilter(scope),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: search failed: %w", err)
	}

	chunks := make([]Chunk, 0, len(results))
	for _, r := range results {
		c := chunkFromPayload(r.Id.GetUuid(), r.Payload)
		c.Score = r.Score
		chunks = append(chunks, c)
	}

	return chunks, nil
}

// Delete removes chunks from the collection by their IDs.
func (s *QdrantIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrant.NewIDUUID(id))
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete failed: %w", err)
	}

	return nil
}

// DeleteScope removes every chunk in scope with a server-side filter.
func (s *QdrantIndex) DeleteScope(ctx context.Context, scope Scope) error {
	filter := scopeFilter(scope)
	if filter == nil {
		return fmt.Errorf("qdrant: refusing to delete with an empty scope")
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Collection,
		Points:         qdrant.NewPointsSelectorFilter(filter),
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete by scope failed: %w", err)
	}

	return nil
}

// DeleteOlderThan removes every chunk in scope indexed before cutoff, using
// a server-side filter so no point IDs cross the wire.
func (s *QdrantIndex) DeleteOlderThan(ctx context.Context, scope Scope, cutoff time.Time) error {
	filter := scopeFilter(scope)
	if filter == nil {
		filter = &qdrant.Filter{}
	}
	filter.Must = append(filter.Must, qdrant.NewRange(fieldCreatedAt, &qdrant.Range{
		Lt: qdrant.PtrOf(float64(cutoff.Unix())),
	}))

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Collection,
		Points:         qdrant.NewPointsSelectorFilter(filter),
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete by age failed: %w", err)
	}

	return nil
}

// ListIDs returns the chunk IDs currently stored in scope with their index
// times.
func (s *QdrantIndex) ListIDs(ctx context.Context, scope Scope) (map[string]time.Time, error) {
	points, err := s.scroll(ctx, scope)
	if err != nil {
		return nil, err
	}

	ids := make(map[string]time.Time, len(points))
	for _, p := range points {
		c := chunkFromPayload(p.Id.GetUuid(), p.Payload)
		ids[c.ID] = c.CreatedAt
	}

	return ids, nil
}

// ListFiles returns the distinct files with chunks in scope, ordered by
// first index time so conversation file listings are stable.
func (s *QdrantIndex) ListFiles(ctx context.Context, scope Scope) ([]FileRef, error) {
	points, err := s.scroll(ctx, scope)
	if err != nil {
		return nil, err
	}

	type fileEntry struct {
		ref   FileRef
		first time.Time
	}
	byID := make(map[string]fileEntry)
	for _, p := range points {
		c := chunkFromPayload(p.Id.GetUuid(), p.Payload)
		if c.FileID == "" {
			continue
		}
		entry, seen := byID[c.FileID]
		if !seen || c.CreatedAt.Before(entry.first) {
			byID[c.FileID] = fileEntry{
				ref:   FileRef{FileID: c.FileID, FileName: c.FileName},
				first: c.CreatedAt,
			}
		}
	}

	entries := make([]fileEntry, 0, len(byID))
	for _, e := range byID {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].first.Equal(entries[j].first) {
			return entries[i].ref.FileName < entries[j].ref.FileName
		}
		return entries[i].first.Before(entries[j].first)
	})

	files := make([]FileRef, 0, len(entries))
	for _, e := range entries {
		files = append(files, e.ref)
	}

	return files, nil
}

// scroll pages through all points in scope with payloads.
func (s *QdrantIndex) scroll(ctx context.Context, scope Scope) ([]*qdrant.RetrievedPoint, error) {
	points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: s.cfg.Collection,
		Filter:         scopeFilter(scope),
		Limit:          qdrant.PtrOf(uint32(listLimit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: scroll failed: %w", err)
	}
	return points, nil
}

// Close closes the underlying Qdrant gRPC connection.
func (s *QdrantIndex) Close() error {
	return s.client.Close()
}
