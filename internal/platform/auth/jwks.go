package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"
)

var errUnknownKey = errors.New("unknown signing key")

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// keySet resolves RSA verification keys by kid from a JWKS document. It
// refreshes when the TTL lapses or an unknown kid appears, at most once per
// minRefresh. When the issuer is unreachable a previously fetched key is
// still served.
type keySet struct {
	url        string
	client     *http.Client
	ttl        time.Duration
	minRefresh time.Duration
	now        func() time.Time

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time

	refreshMu   sync.Mutex
	attemptedAt time.Time
}

func newKeySet(url string, ttl time.Duration) *keySet {
	return &keySet{
		url:        url,
		client:     &http.Client{Timeout: 10 * time.Second},
		ttl:        ttl,
		minRefresh: 30 * time.Second,
		now:        time.Now,
	}
}

func (k *keySet) key(kid string) (*rsa.PublicKey, error) {
	k.mu.RLock()
	pub, ok := k.keys[kid]
	fresh := k.now().Sub(k.fetchedAt) < k.ttl
	k.mu.RUnlock()
	if ok && fresh {
		return pub, nil
	}

	if err := k.refresh(); err != nil && !ok {
		return nil, err
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	if pub, ok := k.keys[kid]; ok {
		return pub, nil
	}
	return nil, fmt.Errorf("%w: %q", errUnknownKey, kid)
}

func (k *keySet) refresh() error {
	k.refreshMu.Lock()
	defer k.refreshMu.Unlock()
	if !k.attemptedAt.IsZero() && k.now().Sub(k.attemptedAt) < k.minRefresh {
		return nil
	}
	k.attemptedAt = k.now()

	keys, err := k.fetch()
	if err != nil {
		return fmt.Errorf("fetch JWKS: %w", err)
	}
	k.mu.Lock()
	k.keys, k.fetchedAt = keys, k.now()
	k.mu.Unlock()
	return nil
}

func (k *keySet) fetch() (map[string]*rsa.PublicKey, error) {
	resp, err := k.client.Get(k.url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, j := range doc.Keys {
		if j.Kty != "RSA" || (j.Use != "" && j.Use != "sig") {
			continue
		}
		if pub, err := j.rsaKey(); err == nil {
			keys[j.Kid] = pub
		}
	}
	return keys, nil
}

func (j jwk) rsaKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(j.N)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(j.E)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(e)
	if !exp.IsInt64() || exp.Int64() < 3 || exp.Int64() > 1<<31-1 {
		return nil, errors.New("exponent out of range")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}
