package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

// openTestStore opens an in-memory SQLiteStore for use in tests.
func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// seedSession creates a session for tests.
func seedSession(t *testing.T, s *SQLiteStore, id, owner string) {
	t.Helper()
	if err := s.CreateSession(context.Background(), Session{ID: id, OwnerID: owner}); err != nil {
		t.Fatalf("create session %s: %v", id, err)
	}
}

func Test_Session_CreateGetList(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	seedSession(t, s, "sess-1", "user-1")
	seedSession(t, s, "sess-2", "user-1")
	seedSession(t, s, "sess-3", "user-2")

	got, err := s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.OwnerID != "user-1" || len(got.MessageIDs) != 0 {
		t.Errorf("unexpected session %+v", got)
	}

	sessions, err := s.ListSessions(ctx, "user-1")
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("want 2 sessions for user-1, got %d", len(sessions))
	}

	n, err := s.CountSessions(ctx, "user-1")
	if err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if n != 2 {
		t.Errorf("want count 2, got %d", n)
	}

	if _, err := s.GetSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func Test_SaveExchange_AppendsToSession(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "sess-1", "user-1")

	e := Exchange{
		ID: "ex-1", SessionID: "sess-1", OwnerID: "user-1",
		Question: "what are the payment terms?", Answer: "net 30 days",
		Citations: []string{"contract.pdf"},
	}
	if err := s.SaveExchange(ctx, e); err != nil {
		t.Fatalf("save exchange: %v", err)
	}

	sess, err := s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if len(sess.MessageIDs) != 1 || sess.MessageIDs[0] != "ex-1" {
		t.Errorf("exchange not appended to session: %v", sess.MessageIDs)
	}

	// Saving again must not duplicate the ID.
	if err := s.SaveExchange(ctx, e); err != nil {
		t.Fatalf("re-save exchange: %v", err)
	}
	sess, _ = s.GetSession(ctx, "sess-1")
	if len(sess.MessageIDs) != 1 {
		t.Errorf("exchange ID duplicated: %v", sess.MessageIDs)
	}
}

func Test_SaveExchange_PreservesCreatedAt(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "sess-1", "user-1")

	created := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
	e := Exchange{
		ID: "ex-1", SessionID: "sess-1", OwnerID: "user-1",
		Question: "v1", Answer: "a1", CreatedAt: created, UpdatedAt: created,
	}
	if err := s.SaveExchange(ctx, e); err != nil {
		t.Fatalf("save: %v", err)
	}

	e.Answer = "a2"
	e.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)
	if err := s.SaveExchange(ctx, e); err != nil {
		t.Fatalf("re-save: %v", err)
	}

	got, err := s.GetExchange(ctx, "ex-1")
	if err != nil {
		t.Fatalf("get exchange: %v", err)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("created_at changed on upsert: %v != %v", got.CreatedAt, created)
	}
	if got.Answer != "a2" {
		t.Errorf("answer not updated: %q", got.Answer)
	}
	if !got.UpdatedAt.After(got.CreatedAt) {
		t.Errorf("updated_at not refreshed: %v", got.UpdatedAt)
	}
}

func Test_SaveExchange_MissingSession(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	err := s.SaveExchange(context.Background(), Exchange{
		ID: "ex-1", SessionID: "nope", OwnerID: "user-1", Question: "q", Answer: "a",
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound for missing session, got %v", err)
	}
}

func Test_Rate_ExistingExchange(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "sess-1", "user-1")

	e := Exchange{ID: "ex-1", SessionID: "sess-1", OwnerID: "user-1", Question: "q", Answer: "a"}
	if err := s.SaveExchange(ctx, e); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := s.Rate(ctx, "ex-1", "sess-1", "user-1", 1); err != nil {
		t.Fatalf("rate: %v", err)
	}
	got, _ := s.GetExchange(ctx, "ex-1")
	if got.Rating != 1 {
		t.Errorf("want rating 1, got %d", got.Rating)
	}
}

func Test_Rate_CreatesStubThenSurvivesSave(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "sess-1", "user-1")

	// Rating lands before the ask loop persists the exchange.
	if err := s.Rate(ctx, "ex-race", "sess-1", "user-1", RatingCancelled); err != nil {
		t.Fatalf("rate missing exchange: %v", err)
	}
	stub, err := s.GetExchange(ctx, "ex-race")
	if err != nil {
		t.Fatalf("get stub: %v", err)
	}
	if stub.Rating != RatingCancelled {
		t.Errorf("stub rating = %d, want %d", stub.Rating, RatingCancelled)
	}

	// The in-flight save lands afterwards with no rating of its own.
	err = s.SaveExchange(ctx, Exchange{
		ID: "ex-race", SessionID: "sess-1", OwnerID: "user-1",
		Question: "q", Answer: "partial answer",
	})
	if err != nil {
		t.Fatalf("save over stub: %v", err)
	}

	got, _ := s.GetExchange(ctx, "ex-race")
	if got.Rating != RatingCancelled {
		t.Errorf("rating lost on save over stub: got %d", got.Rating)
	}
	if got.Answer != "partial answer" {
		t.Errorf("answer not filled in: %q", got.Answer)
	}
}

func Test_History_ChronologicalPairs(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "sess-1", "user-1")

	base := time.Now().UTC().Add(-time.Hour)
	for i, qa := range []struct{ q, a string }{
		{"first question", "first answer"},
		{"second question", "second answer"},
	} {
		ts := base.Add(time.Duration(i) * time.Minute)
		err := s.SaveExchange(ctx, Exchange{
			ID: qa.q, SessionID: "sess-1", OwnerID: "user-1",
			Question: qa.q, Answer: qa.a, CreatedAt: ts, UpdatedAt: ts,
			Files: []string{"lease.pdf"},
		})
		if err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	msgs, files, err := s.History(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("want 4 messages, got %d", len(msgs))
	}
	want := []struct {
		role    Role
		content string
	}{
		{RoleUser, "first question"},
		{RoleAssistant, "first answer"},
		{RoleUser, "second question"},
		{RoleAssistant, "second answer"},
	}
	for i, w := range want {
		if msgs[i].Role != w.role || msgs[i].Content != w.content {
			t.Errorf("msg[%d] = %s/%q, want %s/%q", i, msgs[i].Role, msgs[i].Content, w.role, w.content)
		}
	}
	if len(files) != 1 || files[0] != "lease.pdf" {
		t.Errorf("want latest file listing, got %v", files)
	}
}

func Test_History_CancelledAnswerSubstituted(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "sess-1", "user-1")

	err := s.SaveExchange(ctx, Exchange{
		ID: "ex-1", SessionID: "sess-1", OwnerID: "user-1",
		Question: "q", Answer: "half-finished ans", Rating: RatingCancelled,
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	msgs, _, err := s.History(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("want 2 messages, got %d", len(msgs))
	}
	if msgs[1].Content != CancelledMessage {
		t.Errorf("cancelled answer not substituted: %q", msgs[1].Content)
	}
}

func Test_History_EditCutoffDropsSuperseded(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "sess-1", "user-1")

	base := time.Now().UTC().Add(-time.Hour)
	// An exchange from before the edit — superseded, must vanish. It also
	// carries the session's file listing, which must survive the cutoff.
	err := s.SaveExchange(ctx, Exchange{
		ID: "stale", SessionID: "sess-1", OwnerID: "user-1",
		Question: "stale question", Answer: "stale answer",
		Files:     []string{"lease.pdf"},
		CreatedAt: base, UpdatedAt: base,
	})
	if err != nil {
		t.Fatalf("save stale: %v", err)
	}
	// The edited exchange: its updated_at (the edit time) is newer than
	// every exchange created since, itself included.
	err = s.SaveExchange(ctx, Exchange{
		ID: "edited", SessionID: "sess-1", OwnerID: "user-1",
		Question: "edited question", Answer: "regenerated answer",
		FlagModifier: true,
		CreatedAt:    base.Add(10 * time.Minute), UpdatedAt: base.Add(40 * time.Minute),
	})
	if err != nil {
		t.Fatalf("save edited: %v", err)
	}
	// A follow-up asked after the edited exchange — still valid even though
	// it was created before the edit landed.
	err = s.SaveExchange(ctx, Exchange{
		ID: "fresh", SessionID: "sess-1", OwnerID: "user-1",
		Question: "fresh question", Answer: "fresh answer",
		CreatedAt: base.Add(20 * time.Minute), UpdatedAt: base.Add(20 * time.Minute),
	})
	if err != nil {
		t.Fatalf("save fresh: %v", err)
	}

	msgs, files, err := s.History(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}

	var questions []string
	for _, m := range msgs {
		if m.Role == RoleUser {
			questions = append(questions, m.Content)
		}
	}
	want := []string{"edited question", "fresh question"}
	if len(questions) != len(want) {
		t.Fatalf("want questions %v, got %v", want, questions)
	}
	for i := range want {
		if questions[i] != want[i] {
			t.Errorf("questions[%d] = %q, want %q", i, questions[i], want[i])
		}
	}
	if len(files) != 1 || files[0] != "lease.pdf" {
		t.Errorf("file listing must survive the edit cutoff, got %v", files)
	}
}

func Test_History_SkipsRatingStubs(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "sess-1", "user-1")

	if err := s.Rate(ctx, "stub-only", "sess-1", "user-1", 1); err != nil {
		t.Fatalf("rate: %v", err)
	}

	msgs, _, err := s.History(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("rating stub must not appear in history, got %d messages", len(msgs))
	}
}

func Test_History_LimitRespected(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "sess-1", "user-1")

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		err := s.SaveExchange(ctx, Exchange{
			ID: string(rune('a' + i)), SessionID: "sess-1", OwnerID: "user-1",
			Question: "q", Answer: "a", CreatedAt: ts, UpdatedAt: ts,
		})
		if err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	msgs, _, err := s.History(ctx, "sess-1", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	// 2 exchanges -> 4 messages, and they must be the most recent pairs.
	if len(msgs) != 4 {
		t.Errorf("want 4 messages, got %d", len(msgs))
	}
}

func Test_DeleteSession_Cascades(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "sess-1", "user-1")

	err := s.SaveExchange(ctx, Exchange{ID: "ex-1", SessionID: "sess-1", OwnerID: "user-1", Question: "q", Answer: "a"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := s.DeleteSession(ctx, "sess-1"); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, err := s.GetSession(ctx, "sess-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("session still present after delete")
	}
	if _, err := s.GetExchange(ctx, "ex-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("exchange survived session delete")
	}

	if err := s.DeleteSession(ctx, "sess-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound on double delete, got %v", err)
	}
}
