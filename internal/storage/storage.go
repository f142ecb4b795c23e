package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/spf13/afero"
)

// AferoStore persists State as a single JSON document named after the storage
// key. Production uses afero.NewOsFs, tests use afero.NewMemMapFs.
type AferoStore struct {
	fs   afero.Fs
	path string
	mu   sync.Mutex
}

// NewAferoStore creates a store that keeps its document at <dir>/<key>.json.
func NewAferoStore(fsys afero.Fs, dir, key string) *AferoStore {
	return &AferoStore{
		fs:   fsys,
		path: filepath.Join(dir, key+".json"),
	}
}

// Path returns the location of the persisted document.
func (s *AferoStore) Path() string {
	return s.path
}

// Load reads the persisted state. A missing document yields the zero State.
func (s *AferoStore) Load(ctx context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *AferoStore) loadLocked() (State, error) {
	var state State
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return state, nil
		}
		return state, fmt.Errorf("read state %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("decode state %s: %w", s.path, err)
	}
	if state.Identity != nil && !state.Identity.Valid() {
		state.Identity = nil
	}
	return state, nil
}

// Save replaces the persisted state. The document is written to a temporary
// file and renamed so a concurrent reader never sees a partial write.
func (s *AferoStore) Save(ctx context.Context, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(state)
}

func (s *AferoStore) saveLocked(state State) error {
	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return s.fs.Rename(tmp, s.path)
}

// SaveIdentity updates the identity and keeps the other preferences. A nil
// identity removes it.
func (s *AferoStore) SaveIdentity(ctx context.Context, id *domain.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadLocked()
	if err != nil {
		return err
	}
	state.Identity = id
	return s.saveLocked(state)
}

// SaveTheme updates the theme preference and keeps the identity.
func (s *AferoStore) SaveTheme(ctx context.Context, theme Theme) error {
	if !theme.Valid() {
		return fmt.Errorf("unknown theme %q", theme)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadLocked()
	if err != nil {
		return err
	}
	state.Theme = theme
	return s.saveLocked(state)
}
