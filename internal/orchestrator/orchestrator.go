// Package orchestrator coordinates the full question and ingestion flows:
// quota enforcement, session lifecycle, intent routing, agent invocation, and
// exchange persistence. It is the only layer that writes to both the
// conversation store and the vector index.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/caseworks/docchat-go/internal/agent"
	"github.com/caseworks/docchat-go/internal/extract"
	"github.com/caseworks/docchat-go/internal/ingest"
	"github.com/caseworks/docchat-go/internal/logging"
	"github.com/caseworks/docchat-go/internal/metrics"
	"github.com/caseworks/docchat-go/internal/rag"
	"github.com/caseworks/docchat-go/internal/store"
	"github.com/caseworks/docchat-go/internal/tools"
)

// Default per-user quotas.
const (
	DefaultMaxSessionsPerUser = 10
	DefaultMaxFilesPerSession = 40
)

// ErrQuotaExceeded is returned when a user hits a session or file quota.
var ErrQuotaExceeded = errors.New("orchestrator: quota exceeded")

// insufficientAnswer is the canned response when a session has no indexed
// content to answer from. It is persisted as a normal exchange, not an error.
const insufficientAnswer = "The documents provided contain insufficient information to answer this question."

// uploadMenu is the canned response to greetings and upload-only messages.
const uploadMenu = `I can help you work with the documents in this conversation. For example:
- Summarize each document
- Compare the documents against each other
- Find specific clauses, figures, or names
- Answer questions about what the documents say

What would you like to do?`

// smallTalkPhrases short-circuit the intent classifier for obvious greetings.
var smallTalkPhrases = []string{
	"hello", "hi", "hey", "thanks", "thank you", "ok", "okay",
	"good morning", "good afternoon", "what can you do", "help",
}

// intentPrompt asks the model to classify a short message. The reply must be
// JSON so routing never depends on free-form text.
const intentPrompt = `Classify the user's message as "question" if it asks about document content or requests document work, or "chat" if it is a greeting, small talk, or carries no actionable request. Respond with JSON only: {"intent":"question"} or {"intent":"chat"}.

Message: %s`

// shortMessageLimit is the length below which a message without a question
// mark is run through the intent classifier.
const shortMessageLimit = 40

// asker runs the agent loop. *agent.Agent satisfies it; tests inject fakes.
type asker interface {
	Ask(ctx context.Context, req agent.Request) (*agent.Result, error)
}

// ingester runs the ingestion pipeline. *ingest.Pipeline satisfies it.
type ingester interface {
	Ingest(ctx context.Context, ownerID, sessionID string, file ingest.File) (*ingest.Report, error)
	Sweep(ctx context.Context, ownerID string) error
}

// searcher is the retrieval surface used for per-document questions and file
// listings. *rag.Retriever satisfies it.
type searcher interface {
	SearchPerFile(ctx context.Context, query, ownerID, sessionID string) ([]rag.FileContext, error)
	Files(ctx context.Context, ownerID, sessionID string) ([]rag.FileRef, error)
}

// Config holds the dependencies required to construct an Orchestrator.
type Config struct {
	Store     store.ConversationStore
	Index     rag.Index
	Retriever searcher
	Pipeline  ingester
	Agent     asker

	// IntentModel classifies short ambiguous messages. Optional; without
	// it only the phrase list routes to the menu response.
	IntentModel model.BaseChatModel

	// Metrics is optional; a nil value disables recording.
	Metrics *metrics.Metrics

	// MaxSessionsPerUser and MaxFilesPerSession default to the package
	// constants when zero.
	MaxSessionsPerUser int
	MaxFilesPerSession int
}

// Answer is the outcome of one question.
type Answer struct {
	// ExchangeID identifies the persisted exchange, used for rating.
	ExchangeID string

	// SessionID is the conversation the answer belongs to.
	SessionID string

	// Text is the assistant's answer.
	Text string

	// Citations lists the source file names the answer draws on.
	Citations []string

	// Turns is how many model invocations the question took. Zero for
	// canned responses.
	Turns int
}

// Orchestrator wires the stores, the retrieval layer, and the agent into the
// user-facing operations. Safe for concurrent use.
type Orchestrator struct {
	store       store.ConversationStore
	index       rag.Index
	retriever   searcher
	pipeline    ingester
	agent       asker
	intentModel model.BaseChatModel
	metrics     *metrics.Metrics
	maxSessions int
	maxFiles    int
}

// New constructs an Orchestrator, validating required dependencies and
// applying quota defaults.
func New(cfg *Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("orchestrator: Store must not be nil")
	}
	if cfg.Index == nil {
		return nil, fmt.Errorf("orchestrator: Index must not be nil")
	}
	if cfg.Retriever == nil {
		return nil, fmt.Errorf("orchestrator: Retriever must not be nil")
	}
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("orchestrator: Pipeline must not be nil")
	}
	if cfg.Agent == nil {
		return nil, fmt.Errorf("orchestrator: Agent must not be nil")
	}

	o := &Orchestrator{
		store:       cfg.Store,
		index:       cfg.Index,
		retriever:   cfg.Retriever,
		pipeline:    cfg.Pipeline,
		agent:       cfg.Agent,
		intentModel: cfg.IntentModel,
		metrics:     cfg.Metrics,
		maxSessions: cfg.MaxSessionsPerUser,
		maxFiles:    cfg.MaxFilesPerSession,
	}
	if o.maxSessions <= 0 {
		o.maxSessions = DefaultMaxSessionsPerUser
	}
	if o.maxFiles <= 0 {
		o.maxFiles = DefaultMaxFilesPerSession
	}
	return o, nil
}

// Ask answers one question in a session. Files attached to the question are
// ingested first, under the same quota checks as Ingest, and may create the
// session when sessionID is empty. Every completed ask persists exactly one
// exchange, including canned responses, so the conversation history is
// complete when it is reconstructed later.
func (o *Orchestrator) Ask(ctx context.Context, ownerID, sessionID, question string, uploads []ingest.File) (*Answer, error) {
	started := time.Now()
	question = strings.TrimSpace(question)
	if ownerID == "" || question == "" {
		return nil, fmt.Errorf("orchestrator: owner and question are required")
	}

	if len(uploads) > 0 {
		sid, _, err := o.Ingest(ctx, ownerID, sessionID, uploads)
		if err != nil {
			return nil, err
		}
		sessionID = sid
	}
	if sessionID == "" {
		return nil, fmt.Errorf("orchestrator: session is required when no files are attached")
	}

	if _, err := o.ownedSession(ctx, ownerID, sessionID); err != nil {
		return nil, err
	}

	history, _, err := o.store.History(ctx, sessionID, store.DefaultHistoryExchanges)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load history: %w", err)
	}

	files, err := o.retriever.Files(ctx, ownerID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: list files: %w", err)
	}
	fileNames := make([]string, len(files))
	for i, f := range files {
		fileNames[i] = f.FileName
	}

	answer, err := o.answer(ctx, ownerID, sessionID, question, history, files)
	outcome := metrics.OutcomeOK
	if err != nil {
		outcome = metrics.OutcomeError
	}
	o.metrics.ObserveAsk(outcome, time.Since(started).Seconds(), answerTurns(answer))
	if err != nil {
		return nil, err
	}

	answer.SessionID = sessionID
	answer.ExchangeID = uuid.NewString()
	exchange := store.Exchange{
		ID:        answer.ExchangeID,
		SessionID: sessionID,
		OwnerID:   ownerID,
		Question:  question,
		Answer:    answer.Text,
		Citations: answer.Citations,
		Files:     fileNames,
	}
	if err := o.store.SaveExchange(ctx, exchange); err != nil {
		return nil, fmt.Errorf("orchestrator: persist exchange: %w", err)
	}

	return answer, nil
}

func answerTurns(a *Answer) int {
	if a == nil {
		return 0
	}
	return a.Turns
}

// answer routes the question: canned menu for small talk, grouped retrieval
// for per-document questions, and the tool-calling agent for everything else.
func (o *Orchestrator) answer(ctx context.Context, ownerID, sessionID, question string, history []store.Message, files []rag.FileRef) (*Answer, error) {
	log := logging.FromContext(ctx)

	if o.isSmallTalk(ctx, question) {
		log.Debug("orchestrator: routed to menu response")
		return &Answer{Text: uploadMenu}, nil
	}

	if len(files) == 0 {
		log.Debug("orchestrator: no files in session, returning canned answer")
		return &Answer{Text: insufficientAnswer}, nil
	}

	req := agent.Request{
		Question:     question,
		SessionID:    sessionID,
		OwnerID:      ownerID,
		History:      toSchemaMessages(history),
		FilesSummary: filesSummary(files),
	}

	if rag.IsPerDocumentRequest(question) {
		contexts, err := o.retriever.SearchPerFile(ctx, question, ownerID, sessionID)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: per-file retrieval: %w", err)
		}
		grouped, citations := formatPerFile(contexts)
		if grouped == "" {
			return &Answer{Text: insufficientAnswer}, nil
		}
		req.Context = grouped

		res, err := o.agent.Ask(ctx, req)
		if err != nil {
			return nil, err
		}
		return &Answer{Text: res.Answer, Citations: citations, Turns: res.Turns}, nil
	}

	res, err := o.agent.Ask(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, name := range res.ToolNames {
		o.metrics.ObserveToolCall(name)
	}
	return &Answer{
		Text:      res.Answer,
		Citations: tools.ExtractSources(res.ToolOutputs...),
		Turns:     res.Turns,
	}, nil
}

// Ingest pushes a batch of files into a session, creating the session when
// sessionID is empty. Quotas are enforced before any file is processed.
// The returned session ID is the one the files landed in.
func (o *Orchestrator) Ingest(ctx context.Context, ownerID, sessionID string, files []ingest.File) (string, []*ingest.Report, error) {
	log := logging.FromContext(ctx)
	if ownerID == "" {
		return "", nil, fmt.Errorf("orchestrator: owner is required")
	}
	if len(files) == 0 {
		return "", nil, fmt.Errorf("orchestrator: no files to ingest")
	}
	for _, f := range files {
		if !extract.Supported(f.ContentType) {
			return "", nil, fmt.Errorf("orchestrator: file %q: %w (%s)", f.FileName, extract.ErrUnsupportedType, f.ContentType)
		}
	}

	if sessionID == "" {
		count, err := o.store.CountSessions(ctx, ownerID)
		if err != nil {
			return "", nil, fmt.Errorf("orchestrator: count sessions: %w", err)
		}
		if count >= o.maxSessions {
			return "", nil, fmt.Errorf("%w: %d sessions (limit %d)", ErrQuotaExceeded, count, o.maxSessions)
		}
		sessionID = uuid.NewString()
		if err := o.store.CreateSession(ctx, store.Session{
			ID:      sessionID,
			OwnerID: ownerID,
			Title:   files[0].FileName,
		}); err != nil {
			return "", nil, fmt.Errorf("orchestrator: create session: %w", err)
		}
		log.Info("orchestrator: created session",
			slog.String("session_id", sessionID), slog.String("owner_id", ownerID))
	} else {
		if _, err := o.ownedSession(ctx, ownerID, sessionID); err != nil {
			return "", nil, err
		}
	}

	existing, err := o.retriever.Files(ctx, ownerID, sessionID)
	if err != nil {
		return "", nil, fmt.Errorf("orchestrator: list files: %w", err)
	}
	if len(existing)+len(files) > o.maxFiles {
		return "", nil, fmt.Errorf("%w: %d files would exceed the per-session limit of %d",
			ErrQuotaExceeded, len(existing)+len(files), o.maxFiles)
	}

	reports := make([]*ingest.Report, 0, len(files))
	for _, f := range files {
		report, err := o.pipeline.Ingest(ctx, ownerID, sessionID, f)
		if err != nil {
			o.metrics.ObserveIngest(metrics.OutcomeError, 0, 0, 0)
			return sessionID, reports, fmt.Errorf("orchestrator: ingest %q: %w", f.FileName, err)
		}
		o.metrics.ObserveIngest(metrics.OutcomeOK, report.Indexed, report.Skipped, report.Refreshed)
		reports = append(reports, report)
	}

	return sessionID, reports, nil
}

// History returns the reconstructed conversation for a session the user owns.
func (o *Orchestrator) History(ctx context.Context, ownerID, sessionID string) ([]store.Message, []string, error) {
	if _, err := o.ownedSession(ctx, ownerID, sessionID); err != nil {
		return nil, nil, err
	}
	return o.store.History(ctx, sessionID, store.DefaultHistoryExchanges)
}

// Sessions lists the user's sessions, most recently updated first.
func (o *Orchestrator) Sessions(ctx context.Context, ownerID string) ([]store.Session, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("orchestrator: owner is required")
	}
	return o.store.ListSessions(ctx, ownerID)
}

// DeleteSession removes a session's conversation history and its indexed
// chunks. The store row goes first so a failed vector delete leaves orphaned
// chunks for the retention sweep rather than a resurrectable session.
func (o *Orchestrator) DeleteSession(ctx context.Context, ownerID, sessionID string) error {
	if _, err := o.ownedSession(ctx, ownerID, sessionID); err != nil {
		return err
	}
	if err := o.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("orchestrator: delete session: %w", err)
	}
	if err := o.index.DeleteScope(ctx, rag.Scope{OwnerID: ownerID, SessionID: sessionID}); err != nil {
		return fmt.Errorf("orchestrator: delete session chunks: %w", err)
	}
	return nil
}

// RateExchange records the user's rating on an exchange.
func (o *Orchestrator) RateExchange(ctx context.Context, ownerID, sessionID, exchangeID string, rating int) error {
	if ownerID == "" || sessionID == "" || exchangeID == "" {
		return fmt.Errorf("orchestrator: owner, session, and exchange are required")
	}
	return o.store.Rate(ctx, exchangeID, sessionID, ownerID, rating)
}

// Sweep removes chunks past the retention window for one user.
func (o *Orchestrator) Sweep(ctx context.Context, ownerID string) error {
	if ownerID == "" {
		return fmt.Errorf("orchestrator: owner is required")
	}
	return o.pipeline.Sweep(ctx, ownerID)
}

// ownedSession loads a session and verifies ownership. A session owned by a
// different user reads as not found so existence is never leaked.
func (o *Orchestrator) ownedSession(ctx context.Context, ownerID, sessionID string) (*store.Session, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	return sess, nil
}

// isSmallTalk decides whether a message carries no document question. Exact
// phrase matches short-circuit; short ambiguous messages without a question
// mark fall through to the intent classifier when a model is available.
func (o *Orchestrator) isSmallTalk(ctx context.Context, question string) bool {
	normalized := strings.ToLower(strings.TrimRight(strings.TrimSpace(question), ".!"))
	for _, phrase := range smallTalkPhrases {
		if normalized == phrase {
			return true
		}
	}

	if o.intentModel == nil || len(question) >= shortMessageLimit || strings.Contains(question, "?") {
		return false
	}

	resp, err := o.intentModel.Generate(ctx, []*schema.Message{
		schema.UserMessage(fmt.Sprintf(intentPrompt, question)),
	})
	if err != nil {
		// Classification is advisory; on failure treat the message as a
		// real question.
		logging.FromContext(ctx).Warn("orchestrator: intent classification failed",
			slog.Any("error", err))
		return false
	}
	return strings.Contains(strings.ToLower(resp.Content), `"chat"`)
}

// toSchemaMessages converts stored history into model messages.
func toSchemaMessages(history []store.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case store.RoleAssistant:
			out = append(out, schema.AssistantMessage(m.Content, nil))
		default:
			out = append(out, schema.UserMessage(m.Content))
		}
	}
	return out
}

// filesSummary renders the session's files as a bulleted list.
func filesSummary(files []rag.FileRef) string {
	var b strings.Builder
	for i, f := range files {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(f.FileName)
	}
	return b.String()
}

// formatPerFile renders grouped retrieval results, one section per file, and
// returns the file names that contributed passages. Files with no relevant
// passages are listed so the model reports them instead of omitting them.
func formatPerFile(contexts []rag.FileContext) (string, []string) {
	var b strings.Builder
	var citations []string
	any := false
	for i, fc := range contexts {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "### %s\n", fc.File.FileName)
		if len(fc.Chunks) == 0 {
			b.WriteString("(no relevant passages found in this file)")
			continue
		}
		any = true
		citations = append(citations, fc.File.FileName)
		for j, c := range fc.Chunks {
			if j > 0 {
				b.WriteString("\n---\n")
			}
			b.WriteString(c.Content)
		}
	}
	if !any {
		return "", nil
	}
	return b.String(), citations
}
