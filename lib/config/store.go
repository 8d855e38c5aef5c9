package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/TecharoHQ/commenthash/lib/store"
	_ "github.com/TecharoHQ/commenthash/lib/store/all"
)

var (
	ErrNoStoreBackend      = errors.New("config.Store: no backend defined")
	ErrUnknownStoreBackend = errors.New("config.Store: unknown backend")
)

type Store struct {
	Backend    string          `json:"backend"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

func (s *Store) Valid() error {
	var errs []error

	if len(s.Backend) == 0 {
		errs = append(errs, ErrNoStoreBackend)
	}

	fac, ok := store.Get(s.Backend)
	switch ok {
	case true:
		if err := fac.Valid(s.Parameters); err != nil {
			errs = append(errs, err)
		}
	case false:
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownStoreBackend, s.Backend))
	}

	if len(errs) != 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Build opens the configured backend.
func (s *Store) Build(ctx context.Context) (store.Interface, error) {
	result, err := store.Build(ctx, s.Backend, s.Parameters)
	if errors.Is(err, store.ErrUnknownBackend) {
		return nil, fmt.Errorf("%w: %w", ErrUnknownStoreBackend, err)
	}

	return result, err
}
