package decaymap

import "time"

// expire forces a key to be expired for tests.
func (m *Impl[K, V]) expire(key K) bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	val, ok := m.data[key]
	if !ok {
		return false
	}

	val.expiry = time.Now().Add(-1 * time.Second)
	m.data[key] = val

	return true
}
