// Package all registers every store backend with lib/store. Import it for
// its side effects wherever a backend is chosen by name from config.
package all

import (
	_ "github.com/TecharoHQ/commenthash/lib/store/bbolt"
	_ "github.com/TecharoHQ/commenthash/lib/store/memory"
	_ "github.com/TecharoHQ/commenthash/lib/store/valkey"
)
