package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileStore persists each session as one JSON document on disk.
//
// Every write goes through a temp file and rename in the session
// directory, so a crash mid-write leaves the previous document intact.
// Session ids become file names; ids containing path separators are
// rejected.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore opens (or creates) a session directory.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Create implements Store.
func (f *FileStore) Create(_ context.Context, s *Session) error {
	if err := validateSessionID(s.ID); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.path(s.ID)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("session %q already exists", s.ID)
	}
	return f.write(path, s)
}

// Load implements Store.
func (f *FileStore) Load(_ context.Context, id string) (*Session, error) {
	if err := validateSessionID(id); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.read(id)
}

// SaveState implements Store.
func (f *FileStore) SaveState(_ context.Context, id string, state json.RawMessage) error {
	return f.update(id, func(s *Session) error {
		s.State = append(json.RawMessage(nil), state...)
		return nil
	})
}

// AppendCheckpoint implements Store.
func (f *FileStore) AppendCheckpoint(_ context.Context, id string, cp Checkpoint) error {
	return f.update(id, func(s *Session) error {
		s.Checkpoints = append(s.Checkpoints, cp)
		return nil
	})
}

// SetStatus implements Store.
func (f *FileStore) SetStatus(_ context.Context, id string, status Status) error {
	return f.update(id, func(s *Session) error {
		s.Status = status
		return nil
	})
}

// List implements Store. Summaries are ordered newest first; unreadable
// documents are skipped rather than failing the whole listing.
func (f *FileStore) List(_ context.Context, agent string) ([]Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("read session dir: %w", err)
	}

	summaries := make([]Summary, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		s, err := f.read(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		if agent != "" && s.Agent != agent {
			continue
		}
		summaries = append(summaries, Summary{
			ID:        s.ID,
			Agent:     s.Agent,
			Status:    s.Status,
			CreatedAt: s.CreatedAt,
			UpdatedAt: s.UpdatedAt,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].ID > summaries[j].ID
	})
	return summaries, nil
}

// TruncateAfter implements Store.
func (f *FileStore) TruncateAfter(_ context.Context, id, checkpointID string) error {
	return f.update(id, func(s *Session) error {
		for i, cp := range s.Checkpoints {
			if cp.ID == checkpointID {
				s.Checkpoints = s.Checkpoints[:i+1]
				s.State = append(json.RawMessage(nil), cp.State...)
				return nil
			}
		}
		return fmt.Errorf("checkpoint %q: %w", checkpointID, ErrNotFound)
	})
}

func (f *FileStore) update(id string, mutate func(*Session) error) error {
	if err := validateSessionID(id); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	s, err := f.read(id)
	if err != nil {
		return err
	}
	if err := mutate(s); err != nil {
		return err
	}
	s.UpdatedAt = time.Now().UTC()
	return f.write(f.path(id), s)
}

func (f *FileStore) path(id string) string {
	return filepath.Join(f.dir, id+".json")
}

func (f *FileStore) read(id string) (*Session, error) {
	raw, err := os.ReadFile(f.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("read session %q: %w", id, err)
	}

	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("session %q document is malformed: %w", id, err)
	}
	return &s, nil
}

// write serializes the session through a temp file and rename.
func (f *FileStore) write(path string, s *Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %q: %w", s.ID, err)
	}

	tmp, err := os.CreateTemp(f.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write session %q: %w", s.ID, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("commit session %q: %w", s.ID, err)
	}
	return nil
}

// validateSessionID rejects ids that could escape the session directory.
func validateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session id is empty")
	}
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return fmt.Errorf("session id %q contains path separators", id)
	}
	return nil
}
