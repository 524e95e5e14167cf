package provenance

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	apperrors "cfevents/internal/errors"
	"cfevents/internal/model"
)

type fileEntry struct {
	EventID     int64     `json:"event_id"`
	NeedsUpdate bool      `json:"needs_update,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// FileStore keeps provenance links in a JSON index on disk, keyed by
// "source#row". Every mutation is flushed with an atomic rename.
type FileStore struct {
	Path string

	mu      sync.RWMutex
	entries map[string]fileEntry
	now     func() time.Time
}

var _ Store = (*FileStore)(nil)

// OpenFile loads the index at path. A missing file starts empty.
func OpenFile(path string) (*FileStore, error) {
	fs := &FileStore{
		Path:    path,
		entries: make(map[string]fileEntry),
		now:     time.Now,
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fs, nil
		}
		return nil, fmt.Errorf("read provenance index %s: %w", path, err)
	}
	if len(b) == 0 {
		return fs, nil
	}
	if err := json.Unmarshal(b, &fs.entries); err != nil {
		return nil, fmt.Errorf("parse provenance index %s: %w", path, err)
	}
	return fs, nil
}

func (fs *FileStore) GetLink(_ context.Context, ref model.RowRef) (model.ProvenanceLink, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	e, ok := fs.entries[ref.String()]
	if !ok {
		return model.ProvenanceLink{}, apperrors.NewNotFoundError("provenance link", ref.String())
	}
	return model.ProvenanceLink{
		Ref:         ref,
		EventID:     e.EventID,
		NeedsUpdate: e.NeedsUpdate,
		Fingerprint: e.Fingerprint,
		UpdatedAt:   e.UpdatedAt,
	}, nil
}

func (fs *FileStore) SetLink(_ context.Context, ref model.RowRef, eventID int64, fingerprint string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.commitLocked(ref.String(), fileEntry{
		EventID:     eventID,
		Fingerprint: fingerprint,
		UpdatedAt:   fs.now().UTC(),
	})
}

func (fs *FileStore) GetUpdateFlag(ctx context.Context, ref model.RowRef) (bool, error) {
	link, err := fs.GetLink(ctx, ref)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return link.NeedsUpdate, nil
}

func (fs *FileStore) SetUpdateFlag(_ context.Context, ref model.RowRef) error {
	return fs.update(ref, func(e *fileEntry) { e.NeedsUpdate = true })
}

func (fs *FileStore) ClearUpdateFlag(_ context.Context, ref model.RowRef, fingerprint string) error {
	return fs.update(ref, func(e *fileEntry) {
		e.NeedsUpdate = false
		if fingerprint != "" {
			e.Fingerprint = fingerprint
		}
	})
}

func (fs *FileStore) update(ref model.RowRef, fn func(*fileEntry)) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	key := ref.String()
	e, ok := fs.entries[key]
	if !ok {
		return apperrors.NewNotFoundError("provenance link", key)
	}
	fn(&e)
	e.UpdatedAt = fs.now().UTC()
	return fs.commitLocked(key, e)
}

// commitLocked writes the index with key set to e and only then swaps it
// into memory, so a failed write leaves the previous state visible.
func (fs *FileStore) commitLocked(key string, e fileEntry) error {
	next := maps.Clone(fs.entries)
	if next == nil {
		next = make(map[string]fileEntry, 1)
	}
	next[key] = e
	if err := fs.saveLocked(next); err != nil {
		return err
	}
	fs.entries = next
	return nil
}

func (fs *FileStore) saveLocked(entries map[string]fileEntry) error {
	dir := filepath.Dir(fs.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create provenance dir: %w", err)
	}
	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode provenance index: %w", err)
	}
	tmp := fs.Path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write provenance index: %w", err)
	}
	if err := os.Rename(tmp, fs.Path); err != nil {
		return fmt.Errorf("replace provenance index: %w", err)
	}
	return nil
}
