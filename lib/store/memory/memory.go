package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/TecharoHQ/commenthash/decaymap"
	"github.com/TecharoHQ/commenthash/lib/store"
)

// DefaultCleanupInterval is how often expired values are swept when the
// config does not say otherwise.
const DefaultCleanupInterval = 5 * time.Minute

var ErrNegativeInterval = errors.New("memory.Config: cleanup_interval_seconds must not be negative")

// Config is the optional memory backend configuration.
type Config struct {
	CleanupIntervalSeconds int `json:"cleanup_interval_seconds,omitempty"`
}

func (c Config) Valid() error {
	if c.CleanupIntervalSeconds < 0 {
		return ErrNegativeInterval
	}

	return nil
}

func (c Config) interval() time.Duration {
	if c.CleanupIntervalSeconds == 0 {
		return DefaultCleanupInterval
	}

	return time.Duration(c.CleanupIntervalSeconds) * time.Second
}

type factory struct{}

func parseConfig(data json.RawMessage) (Config, error) {
	var config Config
	if len(data) == 0 {
		return config, nil
	}

	if err := json.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("%w: %w", store.ErrBadConfig, err)
	}

	if err := config.Valid(); err != nil {
		return config, fmt.Errorf("%w: %w", store.ErrBadConfig, err)
	}

	return config, nil
}

func (factory) Build(ctx context.Context, data json.RawMessage) (store.Interface, error) {
	config, err := parseConfig(data)
	if err != nil {
		return nil, err
	}

	return NewWithInterval(ctx, config.interval()), nil
}

func (factory) Valid(data json.RawMessage) error {
	_, err := parseConfig(data)
	return err
}

func init() {
	store.Register("memory", factory{})
}

type impl struct {
	store *decaymap.Impl[string, []byte]
}

func (i *impl) Delete(_ context.Context, key string) error {
	if !i.store.Delete(key) {
		return fmt.Errorf("%w: %q", store.ErrNotFound, key)
	}

	return nil
}

func (i *impl) Get(_ context.Context, key string) ([]byte, error) {
	result, ok := i.store.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %q", store.ErrNotFound, key)
	}

	return result, nil
}

func (i *impl) Set(_ context.Context, key string, value []byte, expiry time.Duration) error {
	i.store.Set(key, value, expiry)
	return nil
}

func (i *impl) SetIfAbsent(_ context.Context, key string, value []byte, expiry time.Duration) (bool, error) {
	return i.store.SetIfAbsent(key, value, expiry), nil
}

func (i *impl) cleanupThread(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			i.store.Cleanup()
		}
	}
}

// New creates a simple in-memory store. This will not scale to multiple
// commenthash instances: spent proofs recorded on one instance are invisible
// to the others, and a generated secret key is lost on restart.
func New(ctx context.Context) store.Interface {
	return NewWithInterval(ctx, DefaultCleanupInterval)
}

// NewWithInterval is New with a custom sweep interval for expired values.
func NewWithInterval(ctx context.Context, interval time.Duration) store.Interface {
	result := &impl{
		store: decaymap.New[string, []byte](),
	}

	go result.cleanupThread(ctx, interval)

	return result
}
