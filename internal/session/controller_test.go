// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/sessioncore/internal/model"
	"github.com/jeranaias/sessioncore/internal/storage"
	"github.com/jeranaias/sessioncore/internal/transport"
	"github.com/jeranaias/sessioncore/internal/validate"
)

// =============================================================================
// TEST FIXTURES
// =============================================================================

// stubSender scripts transport outcomes per call.
type stubSender struct {
	mu      sync.Mutex
	calls   []transport.Payload
	ctxs    []context.Context
	respond func(call int, p transport.Payload) (*transport.Response, error)
	block   chan struct{} // when set, Send waits on it before responding
}

func (s *stubSender) Send(ctx context.Context, p transport.Payload) (*transport.Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, p)
	s.ctxs = append(s.ctxs, ctx)
	call := len(s.calls)
	block := s.block
	s.mu.Unlock()

	if block != nil && call == 1 {
		<-block
	}
	return s.respond(call, p)
}

func (s *stubSender) CancelInFlight() {}

func (s *stubSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func okResponse(text string) *transport.Response {
	return &transport.Response{
		Response:         text,
		Confidence:       0.8,
		RequestID:        "req_1",
		ProcessingTimeMs: 10,
		Metadata:         transport.ResponseMetadata{Model: "assistant-v2"},
	}
}

// recorder captures emitted events.
type recorder struct {
	mu      sync.Mutex
	added   []model.Message
	failed  []model.ErrorRecord
	typing  []bool
	cleared []string
}

func (r *recorder) events() Events {
	return Events{
		OnMessageAdded: func(msg model.Message) {
			r.mu.Lock()
			r.added = append(r.added, msg)
			r.mu.Unlock()
		},
		OnMessageFailed: func(rec model.ErrorRecord, retained string) {
			r.mu.Lock()
			r.failed = append(r.failed, rec)
			r.mu.Unlock()
		},
		OnTypingChanged: func(t bool) {
			r.mu.Lock()
			r.typing = append(r.typing, t)
			r.mu.Unlock()
		},
		OnSessionCleared: func(id string) {
			r.mu.Lock()
			r.cleared = append(r.cleared, id)
			r.mu.Unlock()
		},
	}
}

func newTestController(t *testing.T, sender Sender, events Events) *Controller {
	t.Helper()
	validator := validate.New(validate.DefaultLimits())
	store, err := storage.NewSessionStoreWithDir(t.TempDir(), validator)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	ctrl, err := New(DefaultConfig(), validator, store, sender, events)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ctrl
}

func rolesOf(msgs []model.Message) string {
	parts := make([]string, len(msgs))
	for i := range msgs {
		parts[i] = string(msgs[i].Role)
	}
	return strings.Join(parts, ",")
}

// =============================================================================
// SUBMIT TESTS
// =============================================================================

func TestSubmitResolved(t *testing.T) {
	sender := &stubSender{respond: func(int, transport.Payload) (*transport.Response, error) {
		return okResponse("<p>Here is <b>help</b>.</p>"), nil
	}}
	rec := &recorder{}
	ctrl := newTestController(t, sender, rec.events())

	if err := ctrl.Submit("hello there"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ctrl.Wait()

	sess := ctrl.Session()
	if got := rolesOf(sess.Messages); got != "user,assistant" {
		t.Fatalf("messages = %s, want user,assistant", got)
	}
	reply := sess.Messages[1]
	if !strings.Contains(reply.Content, "<b>help</b>") {
		t.Errorf("permissive sanitizer should keep emphasis: %q", reply.Content)
	}
	if reply.Metadata == nil || reply.Metadata.RequestID != "req_1" {
		t.Errorf("reply metadata missing: %+v", reply.Metadata)
	}
	if ctrl.RetainedInput() != "" {
		t.Error("resolved submission should clear retained input")
	}
	if ctrl.Typing() {
		t.Error("typing should be off after resolution")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.added) != 2 {
		t.Errorf("OnMessageAdded fired %d times, want 2", len(rec.added))
	}
	if len(rec.typing) != 2 || !rec.typing[0] || rec.typing[1] {
		t.Errorf("typing events = %v, want [true false]", rec.typing)
	}
}

func TestSubmitRejectsUnsendable(t *testing.T) {
	sender := &stubSender{respond: func(int, transport.Payload) (*transport.Response, error) {
		t.Error("rejected draft must not be sent")
		return nil, errors.New("unreachable")
	}}
	ctrl := newTestController(t, sender, Events{})

	for _, raw := range []string{"", "   ", strings.Repeat("a", 4001)} {
		if err := ctrl.Submit(raw); !errors.Is(err, ErrNotSendable) {
			t.Errorf("Submit(%.10q...): got %v, want ErrNotSendable", raw, err)
		}
	}
	ctrl.Wait()

	if n := len(ctrl.Session().Messages); n != 0 {
		t.Errorf("rejected drafts appended %d messages", n)
	}
}

func TestSubmitFailureRetainsInput(t *testing.T) {
	sendErr := errors.New("dial tcp 10.0.0.9:443: connection refused")
	sender := &stubSender{respond: func(call int, _ transport.Payload) (*transport.Response, error) {
		if call == 1 {
			return nil, sendErr
		}
		return okResponse("recovered"), nil
	}}
	rec := &recorder{}
	ctrl := newTestController(t, sender, rec.events())

	const raw = "please help with my permit"
	if err := ctrl.Submit(raw); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ctrl.Wait()

	sess := ctrl.Session()
	if got := rolesOf(sess.Messages); got != "user,error" {
		t.Fatalf("messages = %s, want user,error", got)
	}
	if strings.Contains(sess.Messages[1].Content, "10.0.0.9") {
		t.Errorf("error message leaks raw detail: %q", sess.Messages[1].Content)
	}
	if ctrl.RetainedInput() != raw {
		t.Errorf("RetainedInput = %q, want the raw draft", ctrl.RetainedInput())
	}

	rec.mu.Lock()
	failures := len(rec.failed)
	rec.mu.Unlock()
	if failures != 1 {
		t.Fatalf("OnMessageFailed fired %d times, want 1", failures)
	}

	// Retry resends the retained draft and resolves.
	if err := ctrl.Retry(); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	ctrl.Wait()

	sess = ctrl.Session()
	if got := rolesOf(sess.Messages); got != "user,error,user,assistant" {
		t.Fatalf("messages after retry = %s", got)
	}
	if ctrl.RetainedInput() != "" {
		t.Error("successful retry should clear retained input")
	}
}

func TestRetryWithoutFailure(t *testing.T) {
	sender := &stubSender{respond: func(int, transport.Payload) (*transport.Response, error) {
		return okResponse("hi"), nil
	}}
	ctrl := newTestController(t, sender, Events{})
	if err := ctrl.Retry(); !errors.Is(err, ErrNothingRetained) {
		t.Errorf("Retry with nothing retained: got %v", err)
	}
}

func TestDoubleSubmitSupersedes(t *testing.T) {
	release := make(chan struct{})
	sender := &stubSender{
		block: release,
		respond: func(call int, p transport.Payload) (*transport.Response, error) {
			return okResponse("reply to " + p.Message), nil
		},
	}
	ctrl := newTestController(t, sender, Events{})

	if err := ctrl.Submit("first question"); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	// Wait until the first dispatch is parked inside Send.
	deadline := time.Now().Add(2 * time.Second)
	for sender.callCount() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("first Send never started")
		}
		time.Sleep(time.Millisecond)
	}

	if err := ctrl.Submit("second question"); err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	close(release)
	ctrl.Wait()

	sess := ctrl.Session()
	if got := rolesOf(sess.Messages); got != "user,user,assistant" {
		t.Fatalf("messages = %s, want user,user,assistant (one resolved chain)", got)
	}
	if last := sess.Messages[2].Content; !strings.Contains(last, "second question") {
		t.Errorf("resolved reply belongs to the wrong submission: %q", last)
	}
}

func TestSupersededChainCancelledAtSubmitTime(t *testing.T) {
	release := make(chan struct{})
	sender := &stubSender{
		block: release,
		respond: func(call int, p transport.Payload) (*transport.Response, error) {
			// A request whose context died resolves as a context error,
			// never as a reply.
			if call == 1 {
				return nil, context.Canceled
			}
			return okResponse("reply to " + p.Message), nil
		},
	}
	rec := &recorder{}
	ctrl := newTestController(t, sender, rec.events())

	if err := ctrl.Submit("first"); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for sender.callCount() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("first Send never started")
		}
		time.Sleep(time.Millisecond)
	}

	if err := ctrl.Submit("second"); err != nil {
		t.Fatalf("second Submit: %v", err)
	}

	// The first chain's request context is dead the moment the second
	// Submit returns. Ordering must not depend on when the first chain's
	// goroutine happens to reach the sender.
	sender.mu.Lock()
	firstCtx := sender.ctxs[0]
	sender.mu.Unlock()
	if firstCtx.Err() == nil {
		t.Fatal("superseded chain's context should be cancelled by Submit")
	}

	close(release)
	ctrl.Wait()

	sess := ctrl.Session()
	if got := rolesOf(sess.Messages); got != "user,user,assistant" {
		t.Fatalf("messages = %s, want user,user,assistant", got)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.failed) != 0 {
		t.Errorf("superseded chain surfaced %d failures, want 0", len(rec.failed))
	}
}

func TestRapidSubmitsNeverSurfaceErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p transport.Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			return
		}
		fmt.Fprintf(w, `{"response": %q, "confidence": 1, "requestId": "r1", "processingTime": 1, "metadata": {"model": "m"}}`, "echo "+p.Message)
	}))
	defer server.Close()

	client := transport.NewClient(server.URL).
		WithBackoff(func(int) time.Duration { return 0 }).
		WithJitter(0).
		WithRateLimit(rate.Inf, 1)
	validator := validate.New(validate.DefaultLimits())
	store, err := storage.NewSessionStoreWithDir(t.TempDir(), validator)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	ctrl, err := New(DefaultConfig(), validator, store, client, Events{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Back-to-back submissions race the dispatch goroutines against each
	// other; whichever way the scheduler lands, the outcome is one or two
	// resolved chains and never an error-role message.
	for i := 0; i < 100; i++ {
		if err := ctrl.Submit("one"); err != nil {
			t.Fatalf("iteration %d: Submit one: %v", i, err)
		}
		if err := ctrl.Submit("two"); err != nil {
			t.Fatalf("iteration %d: Submit two: %v", i, err)
		}
		ctrl.Wait()

		sess := ctrl.Session()
		got := rolesOf(sess.Messages)
		if got != "user,user,assistant" && got != "user,assistant,user,assistant" {
			t.Fatalf("iteration %d: messages = %s", i, got)
		}
		if last := sess.Messages[len(sess.Messages)-1].Content; last != "echo two" {
			t.Fatalf("iteration %d: final reply = %q, want the newest submission's", i, last)
		}

		if err := ctrl.Clear(); err != nil {
			t.Fatalf("iteration %d: Clear: %v", i, err)
		}
	}
}

func TestSubmitPayloadContext(t *testing.T) {
	sender := &stubSender{respond: func(int, transport.Payload) (*transport.Response, error) {
		return okResponse("ok"), nil
	}}
	ctrl := newTestController(t, sender, Events{})

	if err := ctrl.Submit("first"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ctrl.Wait()
	if err := ctrl.Submit("second"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ctrl.Wait()

	sender.mu.Lock()
	defer sender.mu.Unlock()
	p := sender.calls[1]
	if p.Context == nil {
		t.Fatal("payload context missing")
	}
	// Context covers the conversation before this submission.
	if len(p.Context.PreviousMessages) != 2 {
		t.Errorf("previousMessages = %v", p.Context.PreviousMessages)
	}
	if p.Context.UserType != "resident" || p.Context.Language != "en" {
		t.Errorf("context = %+v", p.Context)
	}
	if p.SessionID == "" {
		t.Error("payload missing session id")
	}
}

// =============================================================================
// CLEAR TESTS
// =============================================================================

func TestClear(t *testing.T) {
	sender := &stubSender{respond: func(int, transport.Payload) (*transport.Response, error) {
		return okResponse("hi"), nil
	}}
	rec := &recorder{}
	ctrl := newTestController(t, sender, rec.events())

	if err := ctrl.Submit("hello"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ctrl.Wait()
	oldID := ctrl.Session().SessionID

	if err := ctrl.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	sess := ctrl.Session()
	if sess.SessionID == oldID {
		t.Error("Clear should mint a new session id")
	}
	if len(sess.Messages) != 0 {
		t.Errorf("Clear left %d messages", len(sess.Messages))
	}
	if sess.Preferences != model.DefaultPreferences() {
		t.Errorf("preferences should survive Clear: %+v", sess.Preferences)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.cleared) != 1 || rec.cleared[0] != sess.SessionID {
		t.Errorf("OnSessionCleared = %v", rec.cleared)
	}
}

func TestClearDiscardsInFlight(t *testing.T) {
	release := make(chan struct{})
	sender := &stubSender{
		block: release,
		respond: func(int, transport.Payload) (*transport.Response, error) {
			return okResponse("stale reply"), nil
		},
	}
	ctrl := newTestController(t, sender, Events{})

	if err := ctrl.Submit("about to be cleared"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for sender.callCount() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("Send never started")
		}
		time.Sleep(time.Millisecond)
	}

	if err := ctrl.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	close(release)
	ctrl.Wait()

	if n := len(ctrl.Session().Messages); n != 0 {
		t.Errorf("stale reply applied after Clear: %d messages", n)
	}
}

// =============================================================================
// PERSISTENCE TESTS
// =============================================================================

func TestSessionRestoredAcrossControllers(t *testing.T) {
	validator := validate.New(validate.DefaultLimits())
	dir := t.TempDir()
	store, err := storage.NewSessionStoreWithDir(dir, validator)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	sender := &stubSender{respond: func(int, transport.Payload) (*transport.Response, error) {
		return okResponse("persisted reply"), nil
	}}

	ctrl, err := New(DefaultConfig(), validator, store, sender, Events{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ctrl.Submit("remember this"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ctrl.Wait()
	want := ctrl.Session()

	store2, err := storage.NewSessionStoreWithDir(dir, validator)
	if err != nil {
		t.Fatalf("store2: %v", err)
	}
	ctrl2, err := New(DefaultConfig(), validator, store2, sender, Events{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got := ctrl2.Session()
	if got.SessionID != want.SessionID {
		t.Errorf("restored SessionID = %q, want %q", got.SessionID, want.SessionID)
	}
	if len(got.Messages) != len(want.Messages) {
		t.Errorf("restored %d messages, want %d", len(got.Messages), len(want.Messages))
	}
}

// =============================================================================
// INTEGRATION: CONTROLLER OVER REAL TRANSPORT
// =============================================================================

func TestTransientFailureResolvesWithoutErrorMessage(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"response": "all good", "confidence": 1, "requestId": "r9", "processingTime": 3, "metadata": {"model": "m"}}`)
	}))
	defer server.Close()

	client := transport.NewClient(server.URL).
		WithBackoff(func(int) time.Duration { return 0 }).
		WithJitter(0)
	validator := validate.New(validate.DefaultLimits())
	store, err := storage.NewSessionStoreWithDir(t.TempDir(), validator)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	ctrl, err := New(DefaultConfig(), validator, store, client, Events{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := ctrl.Submit("hello"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ctrl.Wait()

	sess := ctrl.Session()
	if got := rolesOf(sess.Messages); got != "user,assistant" {
		t.Fatalf("messages = %s, want user,assistant (retry is invisible)", got)
	}
	if sess.Messages[1].Content != "all good" {
		t.Errorf("reply = %q", sess.Messages[1].Content)
	}
}
