package bbolt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/TecharoHQ/commenthash/lib/store"
	"go.etcd.io/bbolt"
)

// Sentinel error values used for testing and in admin-visible error messages.
var (
	ErrBucketDoesNotExist = errors.New("bbolt: bucket does not exist")
	ErrNotExists          = errors.New("bbolt: value does not exist in store")
)

var (
	dataKey   = []byte("data")
	expiryKey = []byte("expiry")
)

// Store implements store.Interface backed by bbolt[1].
//
// Every value is given its own bucket with up to two keys:
//
// 1. data - The raw data, usually in JSON
// 2. expiry - The expiry time formatted as a time.RFC3339Nano timestamp string
//
// Values without an expiry (persisted settings) have no expiry key. The cleanup
// phase iterates over every bucket and only reads the expiry times without
// decoding the records.
//
// bbolt is not suitable for environments where multiple instances of
// commenthash need to share spent proofs or a generated secret key. For that,
// use the valkey storage backend.
//
// [1]: https://github.com/etcd-io/bbolt
type Store struct {
	bdb *bbolt.DB
}

// Delete a key from the datastore. If the key does not exist, return an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.bdb.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(key)) == nil {
			return fmt.Errorf("%w: %w: %q", store.ErrNotFound, ErrNotExists, key)
		}

		return tx.DeleteBucket([]byte(key))
	})
}

// deleteExpired removes key only if it is still expired when the write
// transaction runs. A value written since the caller saw it expire survives.
func (s *Store) deleteExpired(key string) error {
	return s.bdb.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(key))
		if bkt == nil {
			return nil
		}

		expired, err := expiredAt(bkt, time.Now())
		if err != nil || !expired {
			return err
		}

		return tx.DeleteBucket([]byte(key))
	})
}

// expiredAt reports whether the value bucket has expired at now.
func expiredAt(bkt *bbolt.Bucket, now time.Time) (bool, error) {
	expiryStr := bkt.Get(expiryKey)
	if expiryStr == nil {
		return false, nil
	}

	expiry, err := time.Parse(time.RFC3339Nano, string(expiryStr))
	if err != nil {
		return false, fmt.Errorf("[unexpected] %w: %w", store.ErrCantDecode, err)
	}

	return now.After(expiry), nil
}

// Get a value from the datastore.
//
// If the value has expired, deletion runs in the background and a "key not
// found" error is returned.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var result []byte

	if err := s.bdb.View(func(tx *bbolt.Tx) error {
		itemBucket := tx.Bucket([]byte(key))
		if itemBucket == nil {
			return fmt.Errorf("%w: %q", store.ErrNotFound, key)
		}

		expired, err := expiredAt(itemBucket, time.Now())
		if err != nil {
			return err
		}

		if expired {
			go s.deleteExpired(key)
			return fmt.Errorf("%w: %q", store.ErrNotFound, key)
		}

		dataStr := itemBucket.Get(dataKey)
		if dataStr == nil {
			return fmt.Errorf("[unexpected] %w: %q (data is nil)", store.ErrNotFound, key)
		}

		result = make([]byte, len(dataStr))
		copy(result, dataStr)

		return nil
	}); err != nil {
		return nil, err
	}

	return result, nil
}

func put(tx *bbolt.Tx, key string, value []byte, expiry time.Duration) error {
	if tx.Bucket([]byte(key)) != nil {
		if err := tx.DeleteBucket([]byte(key)); err != nil {
			return fmt.Errorf("%w: %w: %q (replace bucket)", store.ErrCantEncode, err, key)
		}
	}

	valueBkt, err := tx.CreateBucket([]byte(key))
	if err != nil {
		return fmt.Errorf("%w: %w: %q (create bucket)", store.ErrCantEncode, err, key)
	}

	if expiry > 0 {
		expires := time.Now().Add(expiry)
		if err := valueBkt.Put(expiryKey, []byte(expires.Format(time.RFC3339Nano))); err != nil {
			return fmt.Errorf("%w: %q (expiry)", store.ErrCantEncode, key)
		}
	}

	if err := valueBkt.Put(dataKey, value); err != nil {
		return fmt.Errorf("%w: %q (data)", store.ErrCantEncode, key)
	}

	return nil
}

// Set a value into the store with a given expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte, expiry time.Duration) error {
	return s.bdb.Update(func(tx *bbolt.Tx) error {
		return put(tx, key, value, expiry)
	})
}

// SetIfAbsent sets a value only if no unexpired value exists. bbolt
// serializes write transactions, so the check and the write are atomic.
func (s *Store) SetIfAbsent(ctx context.Context, key string, value []byte, expiry time.Duration) (bool, error) {
	stored := false

	err := s.bdb.Update(func(tx *bbolt.Tx) error {
		if bkt := tx.Bucket([]byte(key)); bkt != nil {
			expired, err := expiredAt(bkt, time.Now())
			if err != nil {
				return err
			}

			if !expired {
				return nil
			}
		}

		if err := put(tx, key, value, expiry); err != nil {
			return err
		}

		stored = true
		return nil
	})

	return stored, err
}

func (s *Store) cleanup(ctx context.Context) error {
	now := time.Now()

	return s.bdb.Update(func(tx *bbolt.Tx) error {
		var expiredKeys [][]byte

		if err := tx.ForEach(func(key []byte, valueBkt *bbolt.Bucket) error {
			expired, err := expiredAt(valueBkt, now)
			if err != nil {
				return fmt.Errorf("in bucket %q: %w", string(key), err)
			}

			if expired {
				expiredKeys = append(expiredKeys, append([]byte(nil), key...))
			}

			return nil
		}); err != nil {
			return err
		}

		// Buckets can't be deleted while ForEach is iterating over them.
		for _, key := range expiredKeys {
			if err := tx.DeleteBucket(key); err != nil {
				return fmt.Errorf("can't delete expired bucket %q: %w", string(key), err)
			}
		}

		if len(expiredKeys) != 0 {
			slog.Debug("bbolt cleanup removed expired values", "count", len(expiredKeys))
		}

		return nil
	})
}

func (s *Store) cleanupThread(ctx context.Context) {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.bdb.Close(); err != nil {
				slog.Error("can't close bbolt database", "err", err)
			}
			return
		case <-t.C:
			if err := s.cleanup(ctx); err != nil {
				slog.Error("error during bbolt cleanup", "err", err)
			}
		}
	}
}
