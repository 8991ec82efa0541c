package resolver

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// hashCache memoizes canonical-JSON hashes. Process-local and append-only:
// entries are never evicted, so repeated recomputation of the same grant
// snapshot is a map lookup.
var hashCache sync.Map

func hashOf(canonical []byte) string {
	key := string(canonical)
	if cached, ok := hashCache.Load(key); ok {
		return cached.(string)
	}
	sum := sha256.Sum256(canonical)
	version := hex.EncodeToString(sum[:])
	hashCache.Store(key, version)
	return version
}
