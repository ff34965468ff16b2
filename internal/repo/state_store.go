package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/miradorstack/flakeguard/internal/cache"
	"github.com/miradorstack/flakeguard/internal/models"
	"github.com/miradorstack/flakeguard/internal/utils"
)

// ErrCorruptState marks a persisted state that exists but cannot be decoded. Callers may
// start from an empty state; other load errors mean the history is unreachable.
var ErrCorruptState = errors.New("persisted state is corrupt")

// StateStore persists pattern stabilization state between invocations.
type StateStore interface {
	Load(ctx context.Context) (models.State, error)
	Save(ctx context.Context, state models.State) error
	Location() string
}

// FileStateStore keeps state as an indented JSON document on local disk.
type FileStateStore struct {
	path string
}

// NewFileStateStore returns a store backed by path.
func NewFileStateStore(path string) *FileStateStore {
	return &FileStateStore{path: path}
}

// Location returns the state file path.
func (s *FileStateStore) Location() string { return s.path }

// Load reads the state file. A missing file is an empty state.
func (s *FileStateStore) Load(_ context.Context) (models.State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.State{}, nil
		}
		return nil, utils.NewAppError(utils.OpLoadState, s.path, err)
	}
	return decodeState(data, s.path)
}

// Save replaces the state file atomically.
func (s *FileStateStore) Save(_ context.Context, state models.State) error {
	data, err := encodeState(state)
	if err != nil {
		return utils.NewAppError(utils.OpSaveState, s.path, err)
	}
	if err := utils.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return utils.NewAppError(utils.OpSaveState, s.path, err)
	}
	return nil
}

// CacheStateStore keeps state under a single key of a cache.Provider so that ephemeral CI
// runners can share history.
type CacheStateStore struct {
	provider cache.Provider
	key      string
}

// NewCacheStateStore returns a store writing to key on provider.
func NewCacheStateStore(provider cache.Provider, key string) *CacheStateStore {
	return &CacheStateStore{provider: provider, key: key}
}

// Location returns the state key.
func (s *CacheStateStore) Location() string { return "cache:" + s.key }

// Load fetches the state. A missing key is an empty state.
func (s *CacheStateStore) Load(ctx context.Context) (models.State, error) {
	data, err := s.provider.Get(ctx, s.key)
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return models.State{}, nil
		}
		return nil, utils.NewAppError(utils.OpLoadState, s.key, err)
	}
	return decodeState(data, s.key)
}

// Save stores the state without expiry.
func (s *CacheStateStore) Save(ctx context.Context, state models.State) error {
	data, err := encodeState(state)
	if err != nil {
		return utils.NewAppError(utils.OpSaveState, s.key, err)
	}
	if err := s.provider.Set(ctx, s.key, data, 0); err != nil {
		return utils.NewAppError(utils.OpSaveState, s.key, err)
	}
	return nil
}

func decodeState(data []byte, where string) (models.State, error) {
	state := models.State{}
	if len(data) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return models.State{}, utils.NewAppError(utils.OpLoadState, where, fmt.Errorf("%w: %v", ErrCorruptState, err))
	}
	for pattern, rec := range state {
		if rec.CleanStreak < 0 {
			rec.CleanStreak = 0
		}
		if rec.InstabilityHistory == nil {
			rec.InstabilityHistory = []float64{}
		}
		state[pattern] = rec
	}
	return state, nil
}

func encodeState(state models.State) ([]byte, error) {
	if state == nil {
		state = models.State{}
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
