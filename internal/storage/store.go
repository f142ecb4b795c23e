package storage

import (
	"context"

	"github.com/nfrund/chatsync/internal/domain"
)

// Theme is the persisted UI theme preference.
type Theme string

const (
	ThemeSystem Theme = "system"
	ThemeLight  Theme = "light"
	ThemeDark   Theme = "dark"
)

// Valid reports whether t is one of the known themes.
func (t Theme) Valid() bool {
	switch t {
	case ThemeSystem, ThemeLight, ThemeDark:
		return true
	}
	return false
}

// State is the record persisted across process restarts. Everything else the
// client knows (messages, presence, friends) is session-only.
type State struct {
	Identity *domain.Identity `json:"identity,omitempty"`
	Theme    Theme            `json:"theme,omitempty"`
}

// Store defines the interface for the persisted-state backend.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, state State) error
}
