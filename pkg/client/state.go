package client

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// LocalState is what the chat client keeps between runs.
type LocalState struct {
	SessionID string `yaml:"session-id"`
	// Theme is a display preference of the client, "dark" or "light".
	Theme string `yaml:"theme,omitempty"`
}

// NewSessionID returns a time based session id.
func NewSessionID(now time.Time) string {
	return fmt.Sprintf("session-%d", now.UnixMilli())
}

// StateStore persists LocalState as a yaml file.
type StateStore struct {
	path string
	now  func() time.Time
}

// DefaultStatePath is relay-chat/state.yaml under the user config directory.
func DefaultStatePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "resolve user config dir")
	}
	return filepath.Join(dir, "relay-chat", "state.yaml"), nil
}

func NewStateStore(path string) *StateStore {
	return &StateStore{path: path, now: time.Now}
}

func (s *StateStore) Path() string { return s.path }

// Load reads the state file. A missing file, or one without a session id, gets a new session id
// that is saved right away.
func (s *StateStore) Load() (*LocalState, error) {
	st := &LocalState{}
	b, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, st); err != nil {
			return nil, errors.Wrapf(err, "parse state file %s", s.path)
		}
	case os.IsNotExist(err):
	default:
		return nil, errors.Wrapf(err, "read state file %s", s.path)
	}
	if strings.TrimSpace(st.SessionID) == "" {
		st.SessionID = NewSessionID(s.now())
		if err := s.Save(st); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// Save writes st atomically.
func (s *StateStore) Save(st *LocalState) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return errors.Wrap(err, "create state dir")
	}
	b, err := yaml.Marshal(st)
	if err != nil {
		return errors.Wrap(err, "marshal state")
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".state-*.yaml")
	if err != nil {
		return errors.Wrap(err, "create temp state file")
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "write state")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "close state")
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "replace state file")
	}
	return nil
}

// Rotate gives st a fresh session id and saves it. Used after the history was deleted.
func (s *StateStore) Rotate(st *LocalState) error {
	next := NewSessionID(s.now())
	if next == st.SessionID {
		next = NewSessionID(s.now().Add(time.Millisecond))
	}
	st.SessionID = next
	return s.Save(st)
}
