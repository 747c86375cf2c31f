package auth

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// KeyStore resolves API keys to tenant ids. Only SHA-256 digests of the keys
// are held. It is read-only after construction.
type KeyStore struct {
	keys map[[sha256.Size]byte]string
}

// ParseKeyStore reads a comma-separated list of "tenant:key" pairs, e.g.
// "soc-eu:sk-abc,soc-us:sk-def".
func ParseKeyStore(raw string) (*KeyStore, error) {
	ks := &KeyStore{keys: make(map[[sha256.Size]byte]string)}
	for i, pair := range strings.Split(raw, ",") {
		if strings.TrimSpace(pair) == "" {
			continue
		}
		tenant, key, ok := strings.Cut(pair, ":")
		tenant, key = strings.TrimSpace(tenant), strings.TrimSpace(key)
		if !ok || tenant == "" || key == "" {
			return nil, fmt.Errorf("auth.ParseKeyStore: entry %d is not tenant:key", i)
		}
		digest := sha256.Sum256([]byte(key))
		if prev, dup := ks.keys[digest]; dup && prev != tenant {
			return nil, fmt.Errorf("auth.ParseKeyStore: key for %q already assigned to %q", tenant, prev)
		}
		ks.keys[digest] = tenant
	}
	return ks, nil
}

// Lookup returns the tenant owning apiKey.
func (ks *KeyStore) Lookup(apiKey string) (tenantID string, ok bool) {
	if apiKey == "" {
		return "", false
	}
	tenantID, ok = ks.keys[sha256.Sum256([]byte(apiKey))]
	return tenantID, ok
}

func (ks *KeyStore) Len() int { return len(ks.keys) }
