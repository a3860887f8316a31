// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/sessioncore/internal/classify"
	"github.com/jeranaias/sessioncore/internal/model"
	"github.com/jeranaias/sessioncore/internal/storage"
	"github.com/jeranaias/sessioncore/internal/transport"
	"github.com/jeranaias/sessioncore/internal/validate"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrNotSendable indicates the submitted draft failed validation and was
// never appended or sent.
var ErrNotSendable = errors.New("message cannot be sent")

// ErrNothingRetained indicates Retry was called with no failed input to
// resend.
var ErrNothingRetained = errors.New("no retained input to retry")

// =============================================================================
// SENDER INTERFACE
// =============================================================================

// Sender is the transport surface the controller depends on. Satisfied
// by *transport.Client; tests substitute a stub.
type Sender interface {
	Send(ctx context.Context, p transport.Payload) (*transport.Response, error)
	CancelInFlight()
}

// =============================================================================
// EVENTS
// =============================================================================

// Events holds the presentation callbacks. Any field may be nil. All
// callbacks run outside the controller's lock, on whatever goroutine
// completed the work.
type Events struct {
	// OnMessageAdded fires for every message appended to the session:
	// the optimistic user message, assistant replies, and error-role
	// messages alike.
	OnMessageAdded func(msg model.Message)

	// OnMessageFailed fires when a send fails terminally. The raw draft
	// is retained so the user can edit and resend it.
	OnMessageFailed func(rec model.ErrorRecord, retainedInput string)

	// OnTypingChanged fires when the awaiting-reply indicator flips.
	OnTypingChanged func(typing bool)

	// OnSessionCleared fires after an explicit clear, with the fresh
	// session's ID.
	OnSessionCleared func(sessionID string)
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds controller settings.
type Config struct {
	// UserType is reported in the request context (e.g. "resident").
	UserType string

	// IdleTimeout expires the session after inactivity.
	IdleTimeout time.Duration

	// WarningBefore is how long before expiry to warn.
	WarningBefore time.Duration

	// AutoSave enables periodic persistence of dirty state.
	AutoSave bool

	// AutoSaveInterval is how often auto-save may trigger.
	AutoSaveInterval time.Duration
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		UserType:         "resident",
		IdleTimeout:      30 * time.Minute,
		WarningBefore:    2 * time.Minute,
		AutoSave:         true,
		AutoSaveInterval: 30 * time.Second,
	}
}

// =============================================================================
// CONTROLLER
// =============================================================================

// Controller owns the session aggregate and coordinates the validate,
// storage, transport, and classify packages. All exported methods are
// safe for concurrent use.
type Controller struct {
	validator *validate.Validator
	store     *storage.SessionStore
	sender    Sender
	events    Events
	userType  string

	mu       sync.Mutex
	sess     *model.Session
	retained string
	typing   bool

	// epoch identifies the current submission chain. A response arriving
	// for an older epoch was superseded and is discarded.
	epoch uint64

	// chainCancel aborts the current chain's request context. Cancelling
	// under c.mu pins supersede order to Submit order: a superseded
	// chain's context is dead before the next chain's goroutine can
	// possibly reach the transport, regardless of scheduling.
	chainCancel context.CancelFunc

	activity *ActivityTracker
	inflight sync.WaitGroup
}

// New builds the controller, restoring the durable session or creating
// a fresh one. A failing store degrades to unpersisted operation rather
// than blocking startup.
func New(cfg Config, validator *validate.Validator, store *storage.SessionStore, sender Sender, events Events) (*Controller, error) {
	if validator == nil || store == nil || sender == nil {
		return nil, errors.New("validator, store, and sender are required")
	}

	c := &Controller{
		validator: validator,
		store:     store,
		sender:    sender,
		events:    events,
		userType:  cfg.UserType,
	}
	c.activity = NewActivityTracker(ActivityConfig{
		Timeout:          cfg.IdleTimeout,
		WarningBefore:    cfg.WarningBefore,
		AutoSaveEnabled:  cfg.AutoSave,
		AutoSaveInterval: cfg.AutoSaveInterval,
	})
	c.activity.SetAutoSaveCallback(c.persist)

	sess, err := store.Load()
	if err != nil {
		classify.ClassifyStorage(err)
		sess = nil
	}
	if sess == nil {
		sess = model.NewSession()
	}
	c.sess = sess

	if !store.Available() {
		log.Printf("session: persistence unavailable, operating in memory only")
	}
	return c, nil
}

// =============================================================================
// SUBMISSION
// =============================================================================

// Submit validates and sends one user draft. The prepared message is
// appended and persisted before the request goes out; the reply (or a
// user-safe error message) is appended when the request resolves. A
// Submit issued while another is in flight supersedes it.
func (c *Controller) Submit(raw string) error {
	result := c.validator.Validate(raw)
	if !result.CanSend {
		return fmt.Errorf("%w: %s", ErrNotSendable, strings.Join(result.Errors, "; "))
	}
	prepared := c.validator.PrepareInput(raw)
	if prepared == "" {
		// Sanitization can empty a draft that validated (e.g. pure markup).
		return fmt.Errorf("%w: nothing left after sanitization", ErrNotSendable)
	}

	userMsg := model.NewUserMessage(prepared)

	c.mu.Lock()
	payload := c.payloadLocked(prepared)
	c.sess.Append(userMsg)
	c.retained = raw
	c.epoch++
	epoch := c.epoch
	if c.chainCancel != nil {
		c.chainCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.chainCancel = cancel
	c.mu.Unlock()

	c.activity.RecordActivity()
	c.activity.MarkDirty()
	c.persistQuietly()
	c.emitAdded(userMsg)
	c.setTyping(true)

	c.inflight.Add(1)
	go c.dispatch(epoch, ctx, cancel, payload)
	return nil
}

// Retry resends the input retained from the last failed submission.
func (c *Controller) Retry() error {
	c.mu.Lock()
	retained := c.retained
	c.mu.Unlock()
	if retained == "" {
		return ErrNothingRetained
	}
	return c.Submit(retained)
}

// dispatch runs one submission chain to resolution.
func (c *Controller) dispatch(epoch uint64, ctx context.Context, cancel context.CancelFunc, payload transport.Payload) {
	defer c.inflight.Done()
	defer cancel()

	resp, err := c.sender.Send(ctx, payload)

	c.mu.Lock()
	if epoch != c.epoch {
		// Superseded by a newer Submit or a Clear; whatever came back
		// belongs to a conversation turn that no longer exists.
		c.mu.Unlock()
		return
	}

	if err != nil {
		rec := classify.Classify(err)
		errMsg := model.NewErrorMessage(classify.UserMessage(rec))
		c.sess.Append(errMsg)
		retained := c.retained
		c.mu.Unlock()

		c.activity.MarkDirty()
		c.persistQuietly()
		c.setTyping(false)
		c.emitAdded(errMsg)
		if c.events.OnMessageFailed != nil {
			c.events.OnMessageFailed(rec, retained)
		}
		return
	}

	reply := model.NewAssistantMessage(c.validator.SanitizeRemote(resp.Response), &model.MessageMetadata{
		RequestID:        resp.RequestID,
		ProcessingTimeMs: resp.ProcessingTimeMs,
		Confidence:       resp.Confidence,
		Sources:          resp.Sources,
	})
	c.sess.Append(reply)
	c.retained = ""
	c.mu.Unlock()

	c.activity.MarkDirty()
	c.persistQuietly()
	c.setTyping(false)
	c.emitAdded(reply)
}

// payloadLocked assembles the outbound payload. Caller holds c.mu. The
// context window is built from the conversation so far, excluding the
// message being sent.
func (c *Controller) payloadLocked(prepared string) transport.Payload {
	recent := c.sess.Recent(transport.MaxContextMessages)
	previous := make([]string, 0, len(recent))
	for i := range recent {
		switch recent[i].Role {
		case model.RoleUser, model.RoleAssistant:
			previous = append(previous, recent[i].Content)
		}
	}
	return transport.Payload{
		Message:   prepared,
		SessionID: c.sess.SessionID,
		Context: &transport.ContextInfo{
			UserType:         c.userType,
			PreviousMessages: previous,
			Language:         c.sess.Preferences.Language,
		},
	}
}

// =============================================================================
// CLEAR
// =============================================================================

// Clear erases the conversation: the in-flight request (if any) is
// cancelled and its eventual result discarded, the durable record is
// removed, and a fresh session with a new ID takes over.
func (c *Controller) Clear() error {
	c.sender.CancelInFlight()

	c.mu.Lock()
	c.epoch++ // orphan any in-flight chain
	if c.chainCancel != nil {
		c.chainCancel()
		c.chainCancel = nil
	}
	fresh := model.NewSession()
	fresh.Preferences = c.sess.Preferences
	c.sess = fresh
	c.retained = ""
	c.mu.Unlock()

	err := c.store.Clear()
	if err != nil {
		classify.ClassifyStorage(err)
	}
	c.activity.RecordActivity()
	c.activity.MarkClean()

	c.setTyping(false)
	if c.events.OnSessionCleared != nil {
		c.events.OnSessionCleared(fresh.SessionID)
	}
	return err
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// persist saves a snapshot of the session, reporting failure.
func (c *Controller) persist() error {
	c.mu.Lock()
	snap := c.sess.Clone()
	c.mu.Unlock()

	if err := c.store.Save(snap); err != nil {
		return err
	}
	c.activity.MarkClean()
	return nil
}

// persistQuietly saves and degrades on failure: the failure becomes a
// storage ErrorRecord in the log, and the in-memory session keeps
// operating unpersisted.
func (c *Controller) persistQuietly() {
	if err := c.persist(); err != nil {
		classify.ClassifyStorage(err)
	}
}

// =============================================================================
// STATE ACCESS
// =============================================================================

// Session returns a deep copy of the current aggregate.
func (c *Controller) Session() *model.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.Clone()
}

// RetainedInput returns the raw draft preserved from the last failed
// submission, empty when the last submission resolved.
func (c *Controller) RetainedInput() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retained
}

// Typing reports whether a reply is pending.
func (c *Controller) Typing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typing
}

// Activity exposes the idle/auto-save tracker for periodic Check calls.
func (c *Controller) Activity() *ActivityTracker {
	return c.activity
}

// Wait blocks until every dispatched submission has resolved. Used on
// shutdown and by tests.
func (c *Controller) Wait() {
	c.inflight.Wait()
}

// =============================================================================
// EVENT EMISSION
// =============================================================================

func (c *Controller) emitAdded(msg model.Message) {
	if c.events.OnMessageAdded != nil {
		c.events.OnMessageAdded(msg)
	}
}

// setTyping flips the indicator, notifying only on change.
func (c *Controller) setTyping(typing bool) {
	c.mu.Lock()
	changed := c.typing != typing
	c.typing = typing
	c.mu.Unlock()

	if changed && c.events.OnTypingChanged != nil {
		c.events.OnTypingChanged(typing)
	}
}
