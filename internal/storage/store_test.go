// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/jeranaias/sessioncore/internal/model"
	"github.com/jeranaias/sessioncore/internal/validate"
)

func newTestStore(t *testing.T) *SessionStore {
	t.Helper()
	store, err := NewSessionStoreWithDir(t.TempDir(), validate.New(validate.DefaultLimits()))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

// =============================================================================
// LOAD / SAVE TESTS
// =============================================================================

func TestLoadAbsentRecord(t *testing.T) {
	store := newTestStore(t)

	sess, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if sess != nil {
		t.Error("Load of absent record should return nil")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)

	sess := model.NewSession()
	sess.Append(model.NewUserMessage("hello there"))
	sess.Append(model.NewAssistantMessage("hi, how can I help?", &model.MessageMetadata{
		RequestID:        "req_1",
		ProcessingTimeMs: 120,
		Confidence:       0.92,
		Sources:          []string{"https://example.gov/help"},
	}))

	if err := store.Save(sess); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded == nil {
		t.Fatal("Load returned nil after Save")
	}

	if loaded.SessionID != sess.SessionID {
		t.Errorf("SessionID = %q, want %q", loaded.SessionID, sess.SessionID)
	}
	if !reflect.DeepEqual(loaded.Messages, sess.Messages) {
		t.Errorf("messages did not round-trip:\ngot  %+v\nwant %+v", loaded.Messages, sess.Messages)
	}
	if loaded.Summary.TotalMessages != 2 {
		t.Errorf("TotalMessages = %d, want 2", loaded.Summary.TotalMessages)
	}
}

func TestSaveDoesNotMutateCaller(t *testing.T) {
	store := newTestStore(t)

	sess := model.NewSession()
	sess.Append(model.NewUserMessage("keep me intact"))
	before := sess.Messages[0].Content

	if err := store.Save(sess); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if sess.Messages[0].Content != before {
		t.Error("Save mutated the caller's session")
	}
}

func TestSaveResanitizesTamperedContent(t *testing.T) {
	store := newTestStore(t)

	// Simulate out-of-band tampering: unsafe markup injected into a
	// message that claims to be already-sanitized.
	sess := model.NewSession()
	msg := model.NewUserMessage("ok")
	msg.Content = "<script>alert(1)</script>ok"
	sess.Append(msg)

	if err := store.Save(sess); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := store.Load()
	if err != nil || loaded == nil {
		t.Fatalf("Load failed: %v", err)
	}
	if strings.Contains(loaded.Messages[0].Content, "script") {
		t.Errorf("tampered content survived save: %q", loaded.Messages[0].Content)
	}
}

// =============================================================================
// FAIL-CLOSED TESTS
// =============================================================================

func TestLoadCorruptedRecordFailsClosed(t *testing.T) {
	store := newTestStore(t)
	path := filepath.Join(store.BaseDir, "session.json")

	cases := map[string]string{
		"not json":              "{{{{",
		"messages not a list":   `{"version":"2.0","sessionId":"sess_x","messages":"nope"}`,
		"missing session id":    `{"version":"2.0","messages":[]}`,
		"message missing id":    `{"version":"2.0","sessionId":"sess_x","messages":[{"role":"user","content":"x","timestamp":1}]}`,
		"message unknown role":  `{"version":"2.0","sessionId":"sess_x","messages":[{"id":"m1","role":"wizard","content":"x","timestamp":1}]}`,
		"confidence out of range": `{"version":"2.0","sessionId":"sess_x","messages":[{"id":"m1","role":"assistant","content":"x","timestamp":1,"metadata":{"confidence":7}}]}`,
	}

	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			if err := os.WriteFile(path, []byte(payload), 0600); err != nil {
				t.Fatalf("write fixture: %v", err)
			}

			sess, err := store.Load()
			if err != nil {
				t.Fatalf("Load returned error: %v", err)
			}
			if sess != nil {
				t.Error("corrupted record should not be surfaced")
			}
			if _, err := os.Stat(path); !os.IsNotExist(err) {
				t.Error("corrupted record should be cleared from disk")
			}
		})
	}
}

// =============================================================================
// MIGRATION TESTS
// =============================================================================

func TestLoadMigratesOldRecord(t *testing.T) {
	store := newTestStore(t)
	path := filepath.Join(store.BaseDir, "session.json")

	old := `{"version":"1.0","sessionId":"sess_old","messages":[{"id":"m1","role":"user","content":"hi","timestamp":5}]}`
	if err := os.WriteFile(path, []byte(old), 0600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	sess, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if sess == nil {
		t.Fatal("migratable record should be surfaced")
	}
	if sess.Version != model.SchemaVersion {
		t.Errorf("Version = %q, want %q", sess.Version, model.SchemaVersion)
	}
	if sess.SessionID != "sess_old" {
		t.Errorf("SessionID = %q, want preserved", sess.SessionID)
	}
	if sess.Preferences != model.DefaultPreferences() {
		t.Errorf("Preferences = %+v, want defaults", sess.Preferences)
	}
	if sess.Summary.TotalMessages != 1 {
		t.Errorf("summary not recomputed: %+v", sess.Summary)
	}

	// The migrated form is persisted immediately.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read migrated record: %v", err)
	}
	var onDisk model.Session
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("migrated record not valid JSON: %v", err)
	}
	if onDisk.Version != model.SchemaVersion {
		t.Errorf("on-disk Version = %q, want %q", onDisk.Version, model.SchemaVersion)
	}
}

func TestLoadFillsMissingPreferences(t *testing.T) {
	store := newTestStore(t)
	path := filepath.Join(store.BaseDir, "session.json")

	// Current schema version, but the preferences field never made it to
	// disk. The record must not surface with zero-value preferences.
	record := `{"version":"2.0","sessionId":"sess_x","messages":[{"id":"m1","role":"user","content":"hi","timestamp":5}]}`
	if err := os.WriteFile(path, []byte(record), 0600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	sess, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if sess == nil {
		t.Fatal("record should be surfaced")
	}
	if sess.Preferences != model.DefaultPreferences() {
		t.Errorf("Preferences = %+v, want defaults", sess.Preferences)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	sess := &model.Session{
		Version:   "1.0",
		SessionID: "sess_x",
		Messages:  []model.Message{{ID: "m1", Role: model.RoleUser, Content: "hi", Timestamp: 5}},
	}

	once := Migrate(sess).Clone()
	twice := Migrate(once.Clone())

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("migration not idempotent:\nonce  %+v\ntwice %+v", once, twice)
	}
}

// =============================================================================
// SIZE CAP / EVICTION TESTS
// =============================================================================

func TestSaveEvictsWhenOverCap(t *testing.T) {
	store := newTestStore(t)
	store.MaxRecordBytes = 16 * 1024
	store.KeepRecent = 10

	sess := model.NewSession()
	for i := 0; i < 100; i++ {
		sess.Append(model.NewUserMessage(strings.Repeat("x", 400)))
	}
	lastID := sess.Messages[len(sess.Messages)-1].ID

	if err := store.Save(sess); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := store.Load()
	if err != nil || loaded == nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded.Messages) != 10 {
		t.Errorf("messages after eviction = %d, want 10", len(loaded.Messages))
	}
	if loaded.Messages[len(loaded.Messages)-1].ID != lastID {
		t.Error("eviction should keep the most recent messages")
	}
	if loaded.Summary.TotalMessages != 10 {
		t.Errorf("summary not recomputed after eviction: %+v", loaded.Summary)
	}

	// The caller's session keeps all messages; eviction applies to the
	// durable copy only.
	if len(sess.Messages) != 100 {
		t.Errorf("caller session mutated by eviction: %d messages", len(sess.Messages))
	}
}

func TestSaveFailsWhenStillOverCap(t *testing.T) {
	store := newTestStore(t)
	store.MaxRecordBytes = 64
	store.KeepRecent = 5

	sess := model.NewSession()
	sess.Append(model.NewUserMessage(strings.Repeat("x", 500)))

	if err := store.Save(sess); err == nil {
		t.Error("Save should fail when record exceeds cap after eviction")
	}
	if store.TrySave(sess) {
		t.Error("TrySave should report failure")
	}
}

// =============================================================================
// CLEAR / AVAILABILITY TESTS
// =============================================================================

func TestClear(t *testing.T) {
	store := newTestStore(t)

	sess := model.NewSession()
	sess.Append(model.NewUserMessage("bye"))
	if err := store.Save(sess); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if err := store.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded != nil {
		t.Error("Load after Clear should return nil")
	}

	// Clearing an absent record is not an error.
	if err := store.Clear(); err != nil {
		t.Errorf("second Clear failed: %v", err)
	}
}

func TestAvailable(t *testing.T) {
	store := newTestStore(t)
	if !store.Available() {
		t.Error("store in a writable temp dir should be available")
	}

	store.BaseDir = filepath.Join(store.BaseDir, "does", "not", "exist")
	if store.Available() {
		t.Error("store with a missing base dir should be unavailable")
	}
}
