package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/caseworks/docchat-go/internal/agent"
	"github.com/caseworks/docchat-go/internal/embedder"
	"github.com/caseworks/docchat-go/internal/extract"
	"github.com/caseworks/docchat-go/internal/ingest"
	"github.com/caseworks/docchat-go/internal/metrics"
	"github.com/caseworks/docchat-go/internal/orchestrator"
	"github.com/caseworks/docchat-go/internal/provider"
	"github.com/caseworks/docchat-go/internal/rag"
	"github.com/caseworks/docchat-go/internal/store"
	"github.com/caseworks/docchat-go/internal/tools"
)

// app bundles the wired application for one command invocation.
type app struct {
	orc *orchestrator.Orchestrator

	// close releases the store and index connections.
	close func()
}

// buildApp wires the full stack from environment configuration: embedder,
// vector index, conversation store, extraction, ingestion pipeline, chat
// model, tools, agent, and orchestrator.
func buildApp(ctx context.Context, log *slog.Logger) (*app, error) {
	if err := embedder.Validate(log); err != nil {
		return nil, err
	}
	emb, err := embedder.NewFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to initialise embedder: %w", err)
	}

	embBackend := getEnvOrDefault("EMBEDDING_PROVIDER", getEnvOrDefault("MODEL_PROVIDER", "ollama"))
	qdrantHost := getEnvOrDefault("QDRANT_HOST", "localhost")
	qdrantPort := getEnvInt("QDRANT_PORT", 6334)
	index, err := rag.NewQdrantIndex(ctx, &rag.QdrantConfig{
		Host:       qdrantHost,
		Port:       qdrantPort,
		Collection: getEnvOrDefault("QDRANT_COLLECTION", "docchat-chunks"),
		VectorSize: uint64(embedder.DefaultDimensions(embBackend)), //nolint:gosec // dimensions are bounded
		APIKey:     os.Getenv("QDRANT_API_KEY"),
		UseTLS:     os.Getenv("QDRANT_TLS") == "true",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant at %s:%d: %w", qdrantHost, qdrantPort, err)
	}

	retriever, err := rag.NewRetriever(emb, index, 0, 0)
	if err != nil {
		index.Close()
		return nil, err
	}

	dbPath := os.Getenv("DOCCHAT_HISTORY_DB")
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			index.Close()
			return nil, err
		}
	}
	st, err := store.Open(dbPath)
	if err != nil {
		index.Close()
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}

	var extractor extract.Extractor
	if endpoint := os.Getenv("EXTRACT_ENDPOINT"); endpoint != "" {
		extractor, err = extract.NewServiceExtractor(&extract.ServiceConfig{
			Endpoint: endpoint,
			APIKey:   os.Getenv("EXTRACT_API_KEY"),
		})
		if err != nil {
			st.Close()
			index.Close()
			return nil, err
		}
	} else {
		log.Warn("EXTRACT_ENDPOINT not set, only plain text files can be ingested")
		extractor = &extract.PlainExtractor{}
	}

	pipeline, err := ingest.NewPipeline(extractor, emb, index, &ingest.Config{
		MaxTokens: getEnvInt("INGEST_MAX_TOKENS", 0),
		Overlap:   getEnvInt("INGEST_OVERLAP", 0),
	})
	if err != nil {
		st.Close()
		index.Close()
		return nil, err
	}

	chatModel, modelCfg, err := provider.NewFromEnv(ctx)
	if err != nil {
		st.Close()
		index.Close()
		return nil, fmt.Errorf("failed to initialise model provider: %w", err)
	}

	searchTool, err := tools.NewSearchDocumentsTool(retriever)
	if err != nil {
		st.Close()
		index.Close()
		return nil, err
	}
	corpusTool, err := tools.NewSearchCorpusTool(retriever)
	if err != nil {
		st.Close()
		index.Close()
		return nil, err
	}

	agt, err := agent.New(ctx, &agent.Config{
		ChatModel:  chatModel,
		Tools:      []tool.BaseTool{searchTool, corpusTool},
		Capability: modelCfg.Capabilities(),
		MaxTurns:   getEnvInt("AGENT_MAX_TURNS", 0),
	})
	if err != nil {
		st.Close()
		index.Close()
		return nil, err
	}

	orc, err := orchestrator.New(&orchestrator.Config{
		Store:              st,
		Index:              index,
		Retriever:          retriever,
		Pipeline:           pipeline,
		Agent:              agt,
		IntentModel:        chatModel,
		Metrics:            metrics.New(prometheus.NewRegistry()),
		MaxSessionsPerUser: getEnvInt("MAX_SESSIONS_PER_USER", 0),
		MaxFilesPerSession: getEnvInt("MAX_FILES_PER_SESSION", 0),
	})
	if err != nil {
		st.Close()
		index.Close()
		return nil, err
	}

	return &app{
		orc: orc,
		close: func() {
			st.Close()
			index.Close()
		},
	}, nil
}

// resolveOwner returns the acting user: the --user flag if set, then
// DOCCHAT_USER, then the login name.
func resolveOwner(flag string) string {
	if flag != "" {
		return flag
	}
	if u := os.Getenv("DOCCHAT_USER"); u != "" {
		return u
	}
	return getEnvOrDefault("USER", "default")
}

// detectContentType maps a file extension to the MIME type the extraction
// service expects.
func detectContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return extract.TypePDF
	case ".doc":
		return extract.TypeDoc
	case ".docx":
		return extract.TypeDocx
	case ".xlsx":
		return extract.TypeXlsx
	case ".pptx":
		return extract.TypePptx
	case ".txt", ".md":
		return extract.TypePlain
	default:
		return ""
	}
}

// getEnvOrDefault returns the env var value or a default when unset.
func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// getEnvInt returns the env var parsed as int, or a default when unset or
// unparseable.
func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
