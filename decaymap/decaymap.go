// Package decaymap is a generic map whose entries expire after a per-entry
// time to live.
package decaymap

import (
	"sync"
	"time"
)

func Zilch[T any]() T {
	var zero T
	return zero
}

// Impl is a lazy key->value map. Expired entries are hidden from Get and
// removed by Cleanup.
type Impl[K comparable, V any] struct {
	data map[K]decayMapEntry[V]
	lock sync.RWMutex
}

type decayMapEntry[V any] struct {
	Value  V
	expiry time.Time
}

// New creates a new DecayMap of key type K and value type V.
//
// Key types must be comparable to work with maps.
func New[K comparable, V any]() *Impl[K, V] {
	return &Impl[K, V]{
		data: make(map[K]decayMapEntry[V]),
	}
}

func (e decayMapEntry[V]) expired(now time.Time) bool {
	return !e.expiry.IsZero() && now.After(e.expiry)
}

// Get gets a value from the DecayMap by key.
//
// If a value has expired, it is removed and Get returns false.
func (m *Impl[K, V]) Get(key K) (V, bool) {
	m.lock.RLock()
	value, ok := m.data[key]
	m.lock.RUnlock()

	if !ok {
		return Zilch[V](), false
	}

	if value.expired(time.Now()) {
		m.lock.Lock()
		// Re-check under the write lock, another caller may have refreshed it.
		if current, ok := m.data[key]; ok && current.expired(time.Now()) {
			delete(m.data, key)
		}
		m.lock.Unlock()

		return Zilch[V](), false
	}

	return value.Value, true
}

// Set sets a key value pair in the map. A ttl of zero or less never expires.
func (m *Impl[K, V]) Set(key K, value V, ttl time.Duration) {
	var expiry time.Time
	if ttl > 0 {
		expiry = time.Now().Add(ttl)
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	m.data[key] = decayMapEntry[V]{
		Value:  value,
		expiry: expiry,
	}
}

// SetIfAbsent sets key to value unless an unexpired entry already exists. It
// reports whether the value was stored.
func (m *Impl[K, V]) SetIfAbsent(key K, value V, ttl time.Duration) bool {
	var expiry time.Time
	if ttl > 0 {
		expiry = time.Now().Add(ttl)
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	if current, ok := m.data[key]; ok && !current.expired(time.Now()) {
		return false
	}

	m.data[key] = decayMapEntry[V]{
		Value:  value,
		expiry: expiry,
	}

	return true
}

// Delete removes a key. It reports whether the key was present and unexpired.
func (m *Impl[K, V]) Delete(key K) bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	value, ok := m.data[key]
	if !ok {
		return false
	}
	delete(m.data, key)

	return !value.expired(time.Now())
}

// Cleanup removes all expired entries from the DecayMap.
func (m *Impl[K, V]) Cleanup() {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := time.Now()
	for key, val := range m.data {
		if val.expired(now) {
			delete(m.data, key)
		}
	}
}

// Len returns the number of entries, including ones that expired but have not
// been cleaned up yet.
func (m *Impl[K, V]) Len() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.data)
}
