package cache

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/mikey-austin/spotd/pkg/spot"
)

type fileState struct {
	Credentials *spot.Credentials `json:"credentials,omitempty"`
	Volume      *uint16           `json:"volume,omitempty"`
}

// File keeps reusable credentials and the last volume in a JSON file.
type File struct {
	path string
	mu   sync.Mutex
}

// NewFile creates a cache in dir, or under XDG_CACHE_HOME (~/.cache) when dir
// is empty.
func NewFile(dir string) (*File, error) {
	if dir == "" {
		var err error
		dir, err = defaultDir()
		if err != nil {
			return nil, err
		}
	}
	return &File{path: filepath.Join(dir, "state.json")}, nil
}

// Path returns the backing file.
func (f *File) Path() string {
	return f.path
}

func (f *File) Credentials() (spot.Credentials, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, err := f.read()
	if err != nil || state.Credentials == nil {
		return spot.Credentials{}, false, err
	}
	return *state.Credentials, true, nil
}

func (f *File) SaveCredentials(creds spot.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, err := f.read()
	if err != nil {
		return err
	}
	state.Credentials = &creds
	return f.write(state)
}

func (f *File) Volume() (uint16, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, err := f.read()
	if err != nil || state.Volume == nil {
		return 0, false
	}
	return *state.Volume, true
}

func (f *File) SaveVolume(volume uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, err := f.read()
	if err != nil {
		return err
	}
	state.Volume = &volume
	return f.write(state)
}

// clearCredentials drops stored credentials, keeping the volume.
func (f *File) clearCredentials() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, err := f.read()
	if err != nil {
		return err
	}
	state.Credentials = nil
	return f.write(state)
}

func (f *File) read() (fileState, error) {
	var state fileState
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return state, nil
		}
		return state, err
	}
	if len(data) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return fileState{}, err
	}
	return state, nil
}

func (f *File) write(state fileState) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func defaultDir() (string, error) {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "spotd"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cache", "spotd"), nil
}
