package eligibility

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/davidahmann/surmed/internal/errs"
	"github.com/davidahmann/surmed/pkg/types"
)

const ruleFileV1 = `rule_set_id: watched
version: "1"
rules:
  - id: shelf
    category: shelf_life
    params: {min_days: 60}
`

const ruleFileV2 = `rule_set_id: watched
version: "2"
rules:
  - id: shelf
    category: shelf_life
    params: {min_days: 30}
`

func writeRules(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write rules: %v", err)
	}
}

func TestStaticSnapshotIsIsolated(t *testing.T) {
	src := Static(defaultRules())
	snap := src.Snapshot()
	snap.Rules[0].Params["min_days"] = 1
	snap.Rules[1].Params["allowed"].([]any)[0] = "prescription_drugs"

	again := src.Snapshot()
	if again.Rules[0].Params["min_days"] != 60 {
		t.Fatalf("snapshot mutation leaked into source")
	}
	if again.Rules[1].Params["allowed"].([]any)[0] != "ppe" {
		t.Fatalf("nested snapshot mutation leaked into source")
	}
}

func TestFileStoreReloadKeepsLastGoodSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, path, ruleFileV1)

	store, err := NewFileStore(path, nil)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	first := store.Hash()

	writeRules(t, path, "rule_set_id: watched\nrules:\n  - id: shelf\n    category: nope\n")
	if err := store.Reload(); !errs.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if store.Hash() != first || store.Snapshot().Version != "1" {
		t.Fatalf("bad reload replaced the snapshot")
	}

	writeRules(t, path, ruleFileV2)
	if err := store.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if store.Snapshot().Version != "2" || store.Hash() == first {
		t.Fatalf("expected version 2 after reload")
	}
}

func TestNewFileStoreRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, path, "rules: []\n")
	if _, err := NewFileStore(path, nil); !errs.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestFileStoreWatchPicksUpChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, path, ruleFileV1)

	store, err := NewFileStore(path, nil)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- store.Watch(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("watch: %v", err)
		}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		writeRules(t, path, ruleFileV2)
		time.Sleep(50 * time.Millisecond)
		if store.Snapshot().Version == "2" {
			return
		}
	}
	t.Fatalf("watcher did not reload the rule file")
}

type activitySink struct {
	mu      sync.Mutex
	entries []types.Activity
	err     error
}

func (a *activitySink) AppendActivity(_ context.Context, act types.Activity) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.entries = append(a.entries, act)
	return nil
}

func TestFileStoreRecordsRuleChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, path, ruleFileV1)
	at := time.Date(2026, 10, 2, 9, 0, 0, 0, time.UTC)
	sink := &activitySink{}

	store, err := NewFileStore(path, nil, WithActivityLog(sink), WithReloadClock(func() time.Time { return at }))
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	first := store.Hash()
	if len(sink.entries) != 0 {
		t.Fatalf("initial load should not record a change, got %+v", sink.entries)
	}

	if err := store.Reload(); err != nil {
		t.Fatalf("reload unchanged: %v", err)
	}
	writeRules(t, path, "rule_set_id: watched\nrules:\n  - id: shelf\n    category: nope\n")
	if err := store.Reload(); err == nil {
		t.Fatalf("expected bad reload to fail")
	}
	if len(sink.entries) != 0 {
		t.Fatalf("unchanged and rejected reloads should not record, got %d", len(sink.entries))
	}

	writeRules(t, path, ruleFileV2)
	if err := store.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(sink.entries) != 1 {
		t.Fatalf("expected one rule change, got %d", len(sink.entries))
	}
	got := sink.entries[0]
	if got.Action != types.ActivityRuleModified || got.Actor != types.SystemActor || got.SubjectID != "watched" || !got.At.Equal(at) {
		t.Fatalf("unexpected activity: %+v", got)
	}
	if got.Details["previous_hash"] != first || got.Details["hash"] != store.Hash() || got.Details["version"] != "2" {
		t.Fatalf("unexpected details: %+v", got.Details)
	}
}

func TestFileStoreServesNewRulesWhenActivityFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, path, ruleFileV1)
	sink := &activitySink{err: errors.New("disk full")}

	store, err := NewFileStore(path, nil, WithActivityLog(sink))
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	writeRules(t, path, ruleFileV2)
	if err := store.Reload(); err != nil {
		t.Fatalf("reload should not fail on activity errors: %v", err)
	}
	if store.Snapshot().Version != "2" {
		t.Fatalf("expected version 2 after reload")
	}
}
