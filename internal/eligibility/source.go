package eligibility

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/davidahmann/surmed/internal/errs"
	"github.com/davidahmann/surmed/internal/metrics"
	"github.com/davidahmann/surmed/pkg/types"
)

// Source hands out the rule set snapshot to evaluate against right now.
type Source interface {
	Snapshot() RuleSet
}

// Static is a fixed rule set.
type Static RuleSet

func (s Static) Snapshot() RuleSet { return RuleSet(s).Clone() }

// FileStore serves the rule set held in a YAML file. A reload that fails
// validation leaves the previous snapshot in place.
type FileStore struct {
	path     string
	logger   *slog.Logger
	activity ActivityLog
	now      func() time.Time

	mu      sync.RWMutex
	current LoadedRuleSet
}

// ActivityLog receives a rule_modified entry whenever a reload swaps in a
// rule set with a different hash.
type ActivityLog interface {
	AppendActivity(ctx context.Context, a types.Activity) error
}

type FileStoreOption func(*FileStore)

func WithActivityLog(log ActivityLog) FileStoreOption {
	return func(s *FileStore) { s.activity = log }
}

func WithReloadClock(now func() time.Time) FileStoreOption {
	return func(s *FileStore) { s.now = now }
}

func NewFileStore(path string, logger *slog.Logger, opts ...FileStoreOption) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &FileStore{path: path, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.reload(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Snapshot() RuleSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.RuleSet.Clone()
}

func (s *FileStore) Hash() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Hash
}

func (s *FileStore) Reload() error {
	return s.reload(context.Background())
}

func (s *FileStore) reload(ctx context.Context) error {
	loaded, err := LoadRuleSet(s.path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.current
	s.current = loaded
	s.mu.Unlock()

	if prev.Hash == loaded.Hash {
		return nil
	}
	s.logger.Info("rule set loaded",
		slog.String("path", s.path),
		slog.String("rule_set_id", loaded.RuleSet.RuleSetID),
		slog.String("version", loaded.RuleSet.Version),
		slog.String("hash", loaded.Hash))
	if prev.Hash != "" && s.activity != nil {
		s.recordChange(ctx, prev, loaded)
	}
	return nil
}

// recordChange logs a failed write instead of returning it: the new rule
// set is already being served.
func (s *FileStore) recordChange(ctx context.Context, prev, next LoadedRuleSet) {
	err := s.activity.AppendActivity(ctx, types.Activity{
		ActivityID: "act_" + uuid.NewString(),
		Action:     types.ActivityRuleModified,
		Actor:      types.SystemActor,
		SubjectID:  next.RuleSet.RuleSetID,
		Details: map[string]string{
			"path":             s.path,
			"previous_version": prev.RuleSet.Version,
			"previous_hash":    prev.Hash,
			"version":          next.RuleSet.Version,
			"hash":             next.Hash,
		},
		At: s.now().UTC(),
	})
	if err != nil {
		s.logger.Error("recording rule change failed",
			slog.String("rule_set_id", next.RuleSet.RuleSetID),
			slog.Any("err", errs.Loggable(err)))
	}
}

// Watch reloads the file whenever it changes until ctx is done. The parent
// directory is watched so that editors which replace the file by rename are
// picked up.
func (s *FileStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating rule file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watching %s: %w", s.path, err)
	}
	target := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			err := s.reload(ctx)
			metrics.RuleReload(err == nil)
			if err != nil {
				s.logger.Warn("rule set reload rejected, keeping previous snapshot",
					slog.String("path", s.path),
					slog.Any("err", errs.Loggable(err)))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("rule file watcher error", slog.Any("err", errs.Loggable(err)))
		}
	}
}
