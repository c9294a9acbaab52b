package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

// SearchDocumentsTool is an Eino tool that searches the files uploaded to
// the current conversation and returns the most relevant passages.
type SearchDocumentsTool struct {
	// searcher performs the scoped retrieval.
	searcher SessionSearcher
}

// searchInput is the JSON-serialisable input for SearchDocumentsTool.
// SessionID and OwnerID are injected by the agent, never by the model.
type searchInput struct {
	// Query is the search phrase chosen by the model.
	Query string `json:"query"`

	// SessionID scopes the search to one conversation.
	SessionID string `json:"session_id,omitempty"`

	// OwnerID scopes the search to the asking user.
	OwnerID string `json:"owner_id,omitempty"`
}

// NewSearchDocumentsTool constructs a SearchDocumentsTool over the given searcher.
func NewSearchDocumentsTool(searcher SessionSearcher) (*SearchDocumentsTool, error) {
	if searcher == nil {
		return nil, fmt.Errorf("tools: searcher must not be nil")
	}
	return &SearchDocumentsTool{searcher: searcher}, nil
}

// Name returns the tool name registered with the agent.
func (t *SearchDocumentsTool) Name() string { return "search_documents" }

// Description returns the LLM-facing description of this tool.
func (t *SearchDocumentsTool) Description() string {
	return "Searches the documents uploaded to this conversation and returns the passages " +
		"most relevant to the query. Use this whenever the question concerns the content " +
		"of the uploaded files."
}

// Info returns the Eino tool metadata including the JSON input schema.
// Only the query is exposed to the model; identity arguments are injected.
func (t *SearchDocumentsTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: t.Name(),
		Desc: t.Description(),
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Type:     schema.String,
				Desc:     "The search phrase describing what to look for in the uploaded documents.",
				Required: true,
			},
		}),
	}, nil
}

// InvokableRun executes the search given a JSON-encoded input string and
// returns the formatted passages for the agent to consume.
func (t *SearchDocumentsTool) InvokableRun(ctx context.Context, argumentsInJSON string, opts ...tool.Option) (string, error) {
	var input searchInput
	if err := json.Unmarshal([]byte(argumentsInJSON), &input); err != nil {
		return "", fmt.Errorf("search_documents: invalid input: %w", err)
	}
	if input.Query == "" {
		return "", fmt.Errorf("search_documents: query is required")
	}
	if input.OwnerID == "" || input.SessionID == "" {
		return "", fmt.Errorf("search_documents: missing session scope")
	}

	chunks, err := t.searcher.SearchSession(ctx, input.Query, input.OwnerID, input.SessionID)
	if err != nil {
		return "", fmt.Errorf("search_documents: retrieval failed: %w", err)
	}

	return FormatChunks(chunks), nil
}
