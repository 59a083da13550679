package hipaa

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// KeyConfig describes the PHI keys loaded from configuration.
type KeyConfig struct {
	CurrentKey     string // 64 hex chars
	CurrentVersion int
	PreviousKeys   map[int]string
	// AllowEphemeral permits a random per-process key when CurrentKey is
	// empty. Data sealed with it is unreadable after restart; development only.
	AllowEphemeral bool
}

// EncryptionService owns the application's PHI encryptor. It is the only
// place a DecryptCapability can be obtained from.
type EncryptionService struct {
	encryptor *Keyring
	logger    zerolog.Logger
}

func NewEncryptionService(kc KeyConfig, logger zerolog.Logger) (*EncryptionService, error) {
	if kc.CurrentVersion == 0 {
		kc.CurrentVersion = 1
	}

	var keyBytes []byte
	if kc.CurrentKey == "" {
		if !kc.AllowEphemeral {
			return nil, fmt.Errorf("HIPAA_ENCRYPTION_KEY is required")
		}
		keyBytes = make([]byte, 32)
		if _, err := rand.Read(keyBytes); err != nil {
			return nil, fmt.Errorf("generate ephemeral key: %w", err)
		}
		logger.Warn().Msg("PHI encryption using an ephemeral key: HIPAA_ENCRYPTION_KEY is not set")
	} else {
		var err error
		keyBytes, err = decodeKey(kc.CurrentKey)
		if err != nil {
			return nil, fmt.Errorf("HIPAA_ENCRYPTION_KEY: %w", err)
		}
	}

	enc, err := NewKeyring(keyBytes, kc.CurrentVersion)
	if err != nil {
		return nil, err
	}
	for ver, hexKey := range kc.PreviousKeys {
		prev, err := decodeKey(hexKey)
		if err != nil {
			return nil, fmt.Errorf("previous key v%d: %w", ver, err)
		}
		if err := enc.Retain(prev, ver); err != nil {
			return nil, err
		}
	}

	logger.Info().Int("key_version", kc.CurrentVersion).Int("previous_keys", len(kc.PreviousKeys)).
		Msg("PHI field-level encryption enabled")
	return &EncryptionService{encryptor: enc, logger: logger}, nil
}

func decodeKey(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.New("not valid hex")
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("must be 32 bytes (64 hex chars), got %d bytes", len(b))
	}
	return b, nil
}

// Encryptor returns the write-side encryptor used to seal fields.
func (s *EncryptionService) Encryptor() FieldEncryptor {
	return sealOnly{s.encryptor}
}

// DecryptCapability issues the single authorized decrypt path. purpose is
// recorded in the log so every issuance is attributable.
func (s *EncryptionService) DecryptCapability(purpose string) *DecryptCapability {
	s.logger.Info().Str("type", "phi_decrypt").Str("purpose", purpose).Msg("decrypt capability issued")
	return &DecryptCapability{dec: s.encryptor, purpose: purpose}
}

// KeyVersion is the version stamped into new envelopes.
func (s *EncryptionService) KeyVersion() int {
	return s.encryptor.ActiveVersion()
}

// sealOnly hides Decrypt from holders of the write-side encryptor.
type sealOnly struct{ r *Keyring }

func (s sealOnly) Encrypt(plaintext string) (string, error) { return s.r.Encrypt(plaintext) }
func (s sealOnly) Decrypt(string) (string, error) {
	return "", fmt.Errorf("phi decrypt: encryptor is seal-only; use a DecryptCapability")
}

// DecryptCapability is the only value that can open an EncryptedField.
type DecryptCapability struct {
	dec     FieldEncryptor
	purpose string
}

// NewDecryptCapability wraps an arbitrary decryptor. Intended for tests and
// offline tooling that already hold key material.
func NewDecryptCapability(dec FieldEncryptor, purpose string) *DecryptCapability {
	return &DecryptCapability{dec: dec, purpose: purpose}
}

func (c *DecryptCapability) Purpose() string { return c.purpose }
