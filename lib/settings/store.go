package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/TecharoHQ/commenthash/internal"
	"github.com/TecharoHQ/commenthash/lib/store"
	"github.com/google/uuid"
)

// Key is where the settings live in the backing store.
const Key = "settings:current"

var ErrNotLoaded = errors.New("settings: store has not been loaded")

// Store persists Settings and keeps a snapshot safe for concurrent readers.
// Writers are serialized; readers never block.
type Store struct {
	backend store.JSON[Settings]
	current atomic.Pointer[Settings]
	lock    sync.Mutex

	// GenerateKey makes new secret keys. Nil means internal.GenerateSecretKey.
	GenerateKey func() (string, error)
}

func NewStore(backend store.Interface) *Store {
	return &Store{
		backend: store.JSON[Settings]{Underlying: backend},
	}
}

// Load reads the persisted settings. On first run there are none, so defaults
// get a fresh secret key and key ID and are written back.
func (s *Store) Load(ctx context.Context, defaults Settings) (Settings, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	result, err := s.backend.Get(ctx, Key)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		result = defaults
		result.clamp()
		if err := s.newKey(&result); err != nil {
			return Settings{}, err
		}

		if err := s.backend.Set(ctx, Key, result, 0); err != nil {
			return Settings{}, fmt.Errorf("settings: can't persist initial settings: %w", err)
		}

		slog.Info("generated initial secret key", "key_id", result.KeyID)
	default:
		return Settings{}, fmt.Errorf("settings: can't load: %w", err)
	}

	if err := result.Valid(); err != nil {
		return Settings{}, err
	}

	s.current.Store(&result)
	return result, nil
}

// RotateSecret replaces the secret key. Every challenge signed with the old
// key stops verifying.
func (s *Store) RotateSecret(ctx context.Context) (Settings, error) {
	return s.Update(ctx, func(st *Settings) error {
		if err := s.newKey(st); err != nil {
			return err
		}

		slog.Warn("rotated secret key", "key_id", st.KeyID)
		return nil
	})
}

// Update applies fn to a copy of the current settings, clamps and validates
// the result, persists it, and publishes it to readers.
func (s *Store) Update(ctx context.Context, fn func(*Settings) error) (Settings, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	cur := s.current.Load()
	if cur == nil {
		return Settings{}, ErrNotLoaded
	}

	next := *cur
	if err := fn(&next); err != nil {
		return Settings{}, err
	}
	next.clamp()

	if err := next.Valid(); err != nil {
		return Settings{}, err
	}

	if err := s.backend.Set(ctx, Key, next, 0); err != nil {
		return Settings{}, fmt.Errorf("settings: can't persist: %w", err)
	}

	s.current.Store(&next)
	return next, nil
}

// Current returns the last loaded or written settings, or false before Load.
func (s *Store) Current() (Settings, bool) {
	cur := s.current.Load()
	if cur == nil {
		return Settings{}, false
	}

	return *cur, true
}

func (s *Store) newKey(st *Settings) error {
	gen := s.GenerateKey
	if gen == nil {
		gen = internal.GenerateSecretKey
	}

	key, err := gen()
	if err != nil {
		return err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("settings: can't make key ID: %w", err)
	}

	st.SecretKey = key
	st.KeyID = id.String()
	return nil
}
