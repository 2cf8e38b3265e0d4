package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"rlm/pkg/logx"
)

// FileName is the checkpoint file inside each session directory.
const FileName = "checkpoint.json"

// Saver persists checkpoints.
type Saver interface {
	Save(ctx context.Context, cp *Checkpoint) error
}

// Store keeps one checkpoint per session under <dir>/<sessionID>/checkpoint.json.
type Store struct {
	baseDir string
	logger  *logx.Logger

	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewStore creates the base directory if needed.
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory %s: %w", baseDir, err)
	}
	return &Store{
		baseDir: baseDir,
		logger:  logx.NewLogger("checkpoint"),
		locks:   make(map[string]chan struct{}),
	}, nil
}

// Dir returns the base directory.
func (s *Store) Dir() string { return s.baseDir }

// lock acquires the per-session lock, giving up when ctx ends.
func (s *Store) lock(ctx context.Context, sessionID string) (func(), error) {
	s.mu.Lock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = make(chan struct{}, 1)
		s.locks[sessionID] = l
	}
	s.mu.Unlock()

	select {
	case l <- struct{}{}:
		return func() { <-l }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Save validates cp and writes it atomically. Invalid checkpoints are logged
// and not written.
func (s *Store) Save(ctx context.Context, cp *Checkpoint) error {
	if cp == nil {
		return errors.New("nil checkpoint")
	}
	if err := cp.Validate(); err != nil {
		s.logger.Error("💾 Refusing to save invalid checkpoint: %v", err)
		return err
	}

	unlock, err := s.lock(ctx, cp.SessionID)
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", cp.SessionID, err)
	}
	defer unlock()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint %s: %w", cp.SessionID, err)
	}

	dir := s.sessionDir(cp.SessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create session directory %s: %w", dir, err)
	}
	if err := writeFileAtomic(dir, FileName, data); err != nil {
		return fmt.Errorf("failed to write checkpoint %s: %w", cp.SessionID, err)
	}

	s.logger.Debug("💾 Saved checkpoint for %s at %s", cp.SessionID, cp.Phase)
	return nil
}

func writeFileAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, name+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		cleanup()
		return err
	}
	return nil
}

// Load returns the checkpoint for sessionID. A missing, unreadable or
// malformed file is reported as absent.
func (s *Store) Load(sessionID string) (*Checkpoint, bool) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, false
	}
	path := filepath.Join(s.sessionDir(sessionID), FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("Failed to read checkpoint %s: %v", path, err)
		}
		return nil, false
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		s.logger.Warn("Ignoring malformed checkpoint %s: %v", path, err)
		return nil, false
	}
	if cp.SessionID == "" {
		cp.SessionID = sessionID
	}
	if cp.ErrorCounts == nil {
		cp.ErrorCounts = make(map[string]int)
	}
	return &cp, true
}

// Delete removes the session directory.
func (s *Store) Delete(sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	if err := os.RemoveAll(s.sessionDir(sessionID)); err != nil {
		return fmt.Errorf("failed to delete checkpoint %s: %w", sessionID, err)
	}
	s.mu.Lock()
	delete(s.locks, sessionID)
	s.mu.Unlock()
	return nil
}

// List returns the IDs of sessions that have a checkpoint file, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() || ValidateSessionID(entry.Name()) != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.baseDir, entry.Name(), FileName)); err == nil {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) sessionDir(sessionID string) string {
	return filepath.Join(s.baseDir, sessionID)
}
