// Package tools defines the retrieval tools the agent can invoke during a
// conversation. Each tool satisfies both this package's interface and Eino's
// tool.BaseTool interface so it can be registered directly with the chat
// model. Tool calls never receive session or owner identity from the model:
// the agent injects those arguments before dispatch so one user can never
// query another user's documents.
package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/caseworks/docchat-go/internal/rag"
)

// Argument keys injected into every tool call by the agent.
const (
	// ArgSessionID carries the conversation the question belongs to.
	ArgSessionID = "session_id"
	// ArgOwnerID carries the asking user.
	ArgOwnerID = "owner_id"
)

// DocumentTool is the interface all retrieval tools satisfy. It extends the
// basic Eino tool contract with Name/Description accessors so the agent can
// log and route tool calls without type assertions.
type DocumentTool interface {
	// Name returns the unique tool name registered with the agent.
	Name() string

	// Description returns a human-readable description of what the tool does.
	// This text is sent to the LLM as part of the tool schema.
	Description() string
}

// SessionSearcher retrieves chunks scoped to one conversation.
// *rag.Retriever satisfies it; tests inject fakes.
type SessionSearcher interface {
	SearchSession(ctx context.Context, query, ownerID, sessionID string) ([]rag.Chunk, error)
}

// OwnerSearcher retrieves chunks across everything a user has uploaded.
type OwnerSearcher interface {
	SearchOwner(ctx context.Context, query, ownerID string) ([]rag.Chunk, error)
}

// FormatChunks renders retrieved chunks as a context block for the model.
// Each chunk is prefixed with its source file so the model can cite it.
// An empty result renders as an explicit no-results marker rather than an
// empty string, so the model does not hallucinate sources.
func FormatChunks(chunks []rag.Chunk) string {
	if len(chunks) == 0 {
		return "No relevant passages were found in the uploaded documents."
	}

	var b strings.Builder
	for i, c := range chunks {
		if i > 0 {
			b.WriteString("\n---\n")
		}
		fmt.Fprintf(&b, "Source: %s\n%s", c.FileName, c.Content)
	}
	return b.String()
}

// ExtractSources collects the distinct source file names cited in formatted
// tool outputs, in first-seen order. It is the inverse of FormatChunks and is
// how the caller derives citations from a finished agent run.
func ExtractSources(outputs ...string) []string {
	var sources []string
	seen := make(map[string]struct{})
	for _, out := range outputs {
		for _, line := range strings.Split(out, "\n") {
			name, ok := strings.CutPrefix(line, "Source: ")
			if !ok {
				continue
			}
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			sources = append(sources, name)
		}
	}
	return sources
}
