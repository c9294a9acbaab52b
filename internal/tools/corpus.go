package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

// SearchCorpusTool is an Eino tool that searches everything the user has
// uploaded across all of their conversations. It lets the agent answer
// questions that reference documents from earlier sessions.
type SearchCorpusTool struct {
	// searcher performs the owner-wide retrieval.
	searcher OwnerSearcher
}

// corpusInput is the JSON-serialisable input for SearchCorpusTool.
// OwnerID is injected by the agent, never by the model.
type corpusInput struct {
	// Query is the search phrase chosen by the model.
	Query string `json:"query"`

	// OwnerID scopes the search to the asking user.
	OwnerID string `json:"owner_id,omitempty"`
}

// NewSearchCorpusTool constructs a SearchCorpusTool over the given searcher.
func NewSearchCorpusTool(searcher OwnerSearcher) (*SearchCorpusTool, error) {
	if searcher == nil {
		return nil, fmt.Errorf("tools: searcher must not be nil")
	}
	return &SearchCorpusTool{searcher: searcher}, nil
}

// Name returns the tool name registered with the agent.
func (t *SearchCorpusTool) Name() string { return "search_corpus" }

// Description returns the LLM-facing description of this tool.
func (t *SearchCorpusTool) Description() string {
	return "Searches every document this user has uploaded, across all conversations. " +
		"Use this only when the question refers to files that are not part of the " +
		"current conversation."
}

// Info returns the Eino tool metadata including the JSON input schema.
func (t *SearchCorpusTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: t.Name(),
		Desc: t.Description(),
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Type:     schema.String,
				Desc:     "The search phrase describing what to look for in the user's documents.",
				Required: true,
			},
		}),
	}, nil
}

// InvokableRun executes the search given a JSON-encoded input string.
func (t *SearchCorpusTool) InvokableRun(ctx context.Context, argumentsInJSON string, opts ...tool.Option) (string, error) {
	var input corpusInput
	if err := json.Unmarshal([]byte(argumentsInJSON), &input); err != nil {
		return "", fmt.Errorf("search_corpus: invalid input: %w", err)
	}
	if input.Query == "" {
		return "", fmt.Errorf("search_corpus: query is required")
	}
	if input.OwnerID == "" {
		return "", fmt.Errorf("search_corpus: missing owner scope")
	}

	chunks, err := t.searcher.SearchOwner(ctx, input.Query, input.OwnerID)
	if err != nil {
		return "", fmt.Errorf("search_corpus: retrieval failed: %w", err)
	}

	return FormatChunks(chunks), nil
}
