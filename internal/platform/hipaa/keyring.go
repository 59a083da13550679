package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// FieldEncryptor seals and opens one PHI value as a ciphertext envelope.
type FieldEncryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Envelope format: "v<version>:<base64 nonce|ciphertext|tag>". Persistence
// refuses any PHI column value not in this shape.
var envelopeRE = regexp.MustCompile(`^v([0-9]{1,6}):([A-Za-z0-9+/]+={0,2})$`)

const (
	nonceLen = 12
	tagLen   = 16
)

var errNotEnvelope = errors.New("not a ciphertext envelope")

func parseEnvelope(s string) (version int, sealed []byte, err error) {
	m := envelopeRE.FindStringSubmatch(s)
	if m == nil {
		return 0, nil, errNotEnvelope
	}
	if version, err = strconv.Atoi(m[1]); err != nil {
		return 0, nil, errNotEnvelope
	}
	if sealed, err = base64.StdEncoding.DecodeString(m[2]); err != nil || len(sealed) < nonceLen+tagLen {
		return 0, nil, errNotEnvelope
	}
	return version, sealed, nil
}

func IsEnvelope(s string) bool {
	_, _, err := parseEnvelope(s)
	return err == nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// keyAAD authenticates the version prefix: rewriting "v2:" to "v1:" makes
// the tag check fail rather than pick another key.
func keyAAD(version int) []byte {
	return []byte("hrq/phi/v" + strconv.Itoa(version))
}

// Keyring is an AES-256-GCM FieldEncryptor. It seals with the active key
// version and opens envelopes of any version it holds.
type Keyring struct {
	mu     sync.RWMutex
	active int
	keys   map[int]cipher.AEAD
}

func NewKeyring(activeKey []byte, activeVersion int) (*Keyring, error) {
	if activeVersion < 1 {
		return nil, fmt.Errorf("keyring: version must be >= 1, got %d", activeVersion)
	}
	gcm, err := newGCM(activeKey)
	if err != nil {
		return nil, fmt.Errorf("keyring: v%d: %w", activeVersion, err)
	}
	return &Keyring{active: activeVersion, keys: map[int]cipher.AEAD{activeVersion: gcm}}, nil
}

// Retain adds a retired key so envelopes sealed with it stay readable. The
// active version cannot be replaced.
func (k *Keyring) Retain(key []byte, version int) error {
	gcm, err := newGCM(key)
	if err != nil {
		return fmt.Errorf("keyring: v%d: %w", version, err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if version == k.active {
		return fmt.Errorf("keyring: v%d is the active version", version)
	}
	k.keys[version] = gcm
	return nil
}

func (k *Keyring) ActiveVersion() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active
}

func (k *Keyring) Encrypt(plaintext string) (string, error) {
	k.mu.RLock()
	ver, gcm := k.active, k.keys[k.active]
	k.mu.RUnlock()

	buf := make([]byte, nonceLen, nonceLen+len(plaintext)+tagLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("phi encrypt: nonce: %w", err)
	}
	buf = gcm.Seal(buf, buf[:nonceLen], []byte(plaintext), keyAAD(ver))

	var sb strings.Builder
	sb.WriteByte('v')
	sb.WriteString(strconv.Itoa(ver))
	sb.WriteByte(':')
	sb.WriteString(base64.StdEncoding.EncodeToString(buf))
	return sb.String(), nil
}

func (k *Keyring) Decrypt(ciphertext string) (string, error) {
	ver, sealed, err := parseEnvelope(ciphertext)
	if err != nil {
		return "", fmt.Errorf("phi decrypt: %w", err)
	}
	k.mu.RLock()
	gcm := k.keys[ver]
	k.mu.RUnlock()
	if gcm == nil {
		return "", fmt.Errorf("phi decrypt: no key for v%d", ver)
	}
	pt, err := gcm.Open(nil, sealed[:nonceLen], sealed[nonceLen:], keyAAD(ver))
	if err != nil {
		return "", fmt.Errorf("phi decrypt: %w", err)
	}
	return string(pt), nil
}

// ParsePreviousKeys reads HIPAA_PREVIOUS_KEYS: comma-separated
// "<version>:<hex>" pairs, the version optionally written "v2". Errors name
// the pair by position and never echo key material.
func ParsePreviousKeys(spec string) (map[int]string, error) {
	keys := map[int]string{}
	pos := 0
	for _, item := range strings.Split(spec, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		pos++
		v, hexKey, ok := strings.Cut(item, ":")
		if !ok {
			return nil, fmt.Errorf("previous key #%d: want version:hexkey", pos)
		}
		ver, err := strconv.Atoi(strings.TrimPrefix(v, "v"))
		if err != nil || ver < 1 {
			return nil, fmt.Errorf("previous key #%d: bad version %s", pos, versionToken(v))
		}
		if _, dup := keys[ver]; dup {
			return nil, fmt.Errorf("previous key #%d: version v%d listed twice", pos, ver)
		}
		keys[ver] = hexKey
	}
	return keys, nil
}

// versionToken quotes short tokens only; a long one is likely a misplaced key.
func versionToken(v string) string {
	if len(v) > 8 {
		return fmt.Sprintf("(%d chars)", len(v))
	}
	return strconv.Quote(v)
}
