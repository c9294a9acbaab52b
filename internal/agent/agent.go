// Package agent drives the conversation loop between the chat model and the
// retrieval tools. Each question runs an explicit dispatch loop: the model is
// invoked, any tool calls it makes are executed with the session identity
// injected, and the results are fed back until the model answers in plain
// text or the turn cap is reached.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/caseworks/docchat-go/internal/budget"
	"github.com/caseworks/docchat-go/internal/logging"
	"github.com/caseworks/docchat-go/internal/provider"
	"github.com/caseworks/docchat-go/internal/tools"
)

// systemPrompt establishes the assistant's persona and grounding rules.
const systemPrompt = `You are a document analysis assistant. Users upload files to a conversation
and ask questions about them; you answer using only the passages retrieved
from those files.

Rules you must follow:
- Ground every claim in the retrieved passages. Never invent content that is
  not in the documents.
- Cite the source file name for every fact you state.
- If the retrieved passages do not contain the answer, say that the uploaded
  documents do not provide enough information — do not guess.
- When the user asks about each document separately, keep your answer
  organised per file and never blend content from different files.
- Answer in the language the user writes in.`

const (
	// DefaultMaxTurns caps the model/tool round trips per question.
	DefaultMaxTurns = 8

	// DefaultHistoryMessages is the trailing window of prior messages
	// injected per question.
	DefaultHistoryMessages = 15
)

// Config holds the dependencies required to construct an Agent.
type Config struct {
	// ChatModel is the LLM backend constructed by the provider factory.
	ChatModel model.ToolCallingChatModel

	// Tools is the list of retrieval tools available to the agent.
	Tools []tool.BaseTool

	// Capability describes what the resolved model can do. When tool
	// calling is unavailable the agent skips tool binding and collapses
	// message roles to the lowest common denominator.
	Capability provider.Capability

	// MaxTurns caps the dispatch loop. Defaults to DefaultMaxTurns.
	MaxTurns int

	// HistoryMessages is the trailing history window size.
	// Defaults to DefaultHistoryMessages.
	HistoryMessages int

	// MaxContextTokens is the estimated token budget for the full input
	// context. History is trimmed oldest-first to fit.
	// Defaults to budget.DefaultMaxContextTokens.
	MaxContextTokens int
}

// Request is one question routed through the agent.
type Request struct {
	// Question is the user's message.
	Question string

	// SessionID and OwnerID identify the conversation; they are injected
	// into every tool call.
	SessionID string
	OwnerID   string

	// History is the reconstructed prior conversation, oldest first.
	History []*schema.Message

	// FilesSummary lists the files uploaded to the session, shown to the
	// model so it knows what it can search.
	FilesSummary string

	// Context is optional pre-retrieved context. When set, it is injected
	// as a system message and the model is expected to answer from it
	// (used for per-document questions and tool-less models).
	Context string
}

// Result is the outcome of one agent run.
type Result struct {
	// Answer is the model's final text response.
	Answer string

	// ToolOutputs holds the raw output of every tool call made during the
	// run, in order. Callers derive citations from these.
	ToolOutputs []string

	// ToolNames holds the name of every tool call made during the run,
	// parallel to ToolOutputs.
	ToolNames []string

	// Turns is how many model invocations the run took.
	Turns int
}

// Agent runs the dispatch loop. It is safe for concurrent use.
type Agent struct {
	chatModel model.ToolCallingChatModel

	// toolModel is the chat model with tools bound; nil when the backend
	// does not support tool calling.
	toolModel model.ToolCallingChatModel

	// invokable maps tool name to its implementation.
	invokable map[string]tool.InvokableTool

	maxTurns         int
	historyMessages  int
	maxContextTokens int
}

// New constructs an Agent from the provided Config, binding the tools to the
// model when the backend supports tool calling.
func New(ctx context.Context, cfg *Config) (*Agent, error) {
	if cfg.ChatModel == nil {
		return nil, fmt.Errorf("agent: ChatModel must not be nil")
	}

	a := &Agent{
		chatModel:        cfg.ChatModel,
		invokable:        make(map[string]tool.InvokableTool, len(cfg.Tools)),
		maxTurns:         cfg.MaxTurns,
		historyMessages:  cfg.HistoryMessages,
		maxContextTokens: cfg.MaxContextTokens,
	}
	if a.maxTurns <= 0 {
		a.maxTurns = DefaultMaxTurns
	}
	if a.historyMessages <= 0 {
		a.historyMessages = DefaultHistoryMessages
	}
	if a.maxContextTokens <= 0 {
		a.maxContextTokens = budget.DefaultMaxContextTokens
	}

	if cfg.Capability.SupportsTools && len(cfg.Tools) > 0 {
		infos := make([]*schema.ToolInfo, 0, len(cfg.Tools))
		for _, t := range cfg.Tools {
			info, err := t.Info(ctx)
			if err != nil {
				return nil, fmt.Errorf("agent: tool info: %w", err)
			}
			inv, ok := t.(tool.InvokableTool)
			if !ok {
				return nil, fmt.Errorf("agent: tool %q is not invokable", info.Name)
			}
			infos = append(infos, info)
			a.invokable[info.Name] = inv
		}
		tm, err := cfg.ChatModel.WithTools(infos)
		if err != nil {
			return nil, fmt.Errorf("agent: bind tools: %w", err)
		}
		a.toolModel = tm
	}

	return a, nil
}

// Ask runs the dispatch loop for one question and returns the final answer.
func (a *Agent) Ask(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, fmt.Errorf("agent: question must not be empty")
	}

	messages := a.compose(ctx, req)
	if a.toolModel == nil {
		return a.askWithoutTools(ctx, messages)
	}
	return a.loop(ctx, req, messages)
}

// compose builds the initial message slice: system prompt (with the session
// file listing), budget-trimmed trailing history, optional pre-retrieved
// context, and the user question.
func (a *Agent) compose(ctx context.Context, req Request) []*schema.Message {
	system := systemPrompt
	if req.FilesSummary != "" {
		system += "\n\nFiles uploaded to this conversation:\n" + req.FilesSummary
	}

	fixed := []*schema.Message{schema.SystemMessage(system)}
	if req.Context != "" {
		fixed = append(fixed, schema.SystemMessage(
			"Passages retrieved from the uploaded documents:\n\n"+req.Context))
	}
	userMsg := schema.UserMessage(req.Question)

	history := req.History
	if len(history) > a.historyMessages {
		history = history[len(history)-a.historyMessages:]
		// History is user/assistant pairs; an odd window would start on
		// an assistant message, so drop the orphan.
		if len(history)%2 != 0 {
			history = history[1:]
		}
	}
	before := len(history)
	history = budget.TrimHistory(append(fixed, userMsg), history, a.maxContextTokens)
	if dropped := before - len(history); dropped > 0 {
		logging.FromContext(ctx).Warn("agent: dropped history messages to fit context window",
			slog.Int("dropped", dropped),
			slog.Int("retained", len(history)),
		)
	}

	messages := make([]*schema.Message, 0, len(fixed)+len(history)+1)
	messages = append(messages, fixed[0])
	messages = append(messages, history...)
	messages = append(messages, fixed[1:]...)
	messages = append(messages, userMsg)
	return messages
}

// loop is the tool-dispatch state machine: invoke the model, execute any
// tool calls with injected identity, feed results back, and stop on the
// first plain assistant answer.
func (a *Agent) loop(ctx context.Context, req Request, messages []*schema.Message) (*Result, error) {
	log := logging.FromContext(ctx)
	result := &Result{}
	lastContent := ""

	for turn := 0; turn < a.maxTurns; turn++ {
		resp, err := a.toolModel.Generate(ctx, messages)
		if err != nil {
			return nil, fmt.Errorf("agent: model invocation failed: %w", err)
		}
		result.Turns++

		// Some backends occasionally return a non-assistant message;
		// re-invoke rather than feeding it back as an answer.
		if resp.Role != schema.Assistant {
			log.Warn("agent: unexpected response role, re-invoking",
				slog.String("role", string(resp.Role)))
			continue
		}

		if len(resp.ToolCalls) == 0 {
			result.Answer = resp.Content
			return result, nil
		}
		if resp.Content != "" {
			lastContent = resp.Content
		}

		messages = append(messages, resp)
		for _, call := range resp.ToolCalls {
			out := a.dispatch(ctx, req, call)
			result.ToolOutputs = append(result.ToolOutputs, out)
			result.ToolNames = append(result.ToolNames, call.Function.Name)
			messages = append(messages, schema.ToolMessage(out, call.ID))
		}
	}

	// Turn cap reached while the model was still calling tools. Fall back
	// to the last text it produced rather than discarding the whole run.
	if lastContent != "" {
		log.Warn("agent: turn cap reached, returning last partial answer",
			slog.Int("turns", result.Turns))
		result.Answer = lastContent
		return result, nil
	}
	return nil, fmt.Errorf("agent: no final answer after %d turns", a.maxTurns)
}

// dispatch executes a single tool call. Tool failures are returned to the
// model as text rather than aborting the conversation, so it can recover or
// answer without the tool.
func (a *Agent) dispatch(ctx context.Context, req Request, call schema.ToolCall) string {
	log := logging.FromContext(ctx)

	inv, ok := a.invokable[call.Function.Name]
	if !ok {
		log.Warn("agent: model called unknown tool", slog.String("tool", call.Function.Name))
		return fmt.Sprintf("error: unknown tool %q", call.Function.Name)
	}

	args, err := injectIdentity(call.Function.Arguments, req.SessionID, req.OwnerID)
	if err != nil {
		log.Warn("agent: malformed tool arguments",
			slog.String("tool", call.Function.Name), slog.Any("error", err))
		return fmt.Sprintf("error: malformed arguments: %v", err)
	}

	out, err := inv.InvokableRun(ctx, args)
	if err != nil {
		log.Warn("agent: tool execution failed",
			slog.String("tool", call.Function.Name), slog.Any("error", err))
		return fmt.Sprintf("error: %v", err)
	}

	log.Debug("agent: tool executed", slog.String("tool", call.Function.Name))
	return out
}

// injectIdentity overwrites the session and owner arguments of a tool call.
// The model's own values, if any, are never trusted.
func injectIdentity(argsJSON, sessionID, ownerID string) (string, error) {
	args := map[string]any{}
	if strings.TrimSpace(argsJSON) != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", err
		}
	}
	args[tools.ArgSessionID] = sessionID
	args[tools.ArgOwnerID] = ownerID

	encoded, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// askWithoutTools serves backends without tool calling: the pre-retrieved
// context in the request is all the model gets, and message roles are
// collapsed to user/assistant because such backends often reject system and
// tool roles.
func (a *Agent) askWithoutTools(ctx context.Context, messages []*schema.Message) (*Result, error) {
	resp, err := a.chatModel.Generate(ctx, collapseRoles(messages))
	if err != nil {
		return nil, fmt.Errorf("agent: model invocation failed: %w", err)
	}
	return &Result{Answer: resp.Content, Turns: 1}, nil
}

// collapseRoles maps system messages to user and tool messages to assistant,
// leaving user/assistant untouched.
func collapseRoles(messages []*schema.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case schema.System:
			out = append(out, schema.UserMessage(m.Content))
		case schema.Tool:
			out = append(out, schema.AssistantMessage(m.Content, nil))
		default:
			out = append(out, m)
		}
	}
	return out
}
