package hipaa

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrPlaintextSerialization is returned when an EncryptedField is passed to
// encoding/json. Sealed fields leave the process only through the repository.
var ErrPlaintextSerialization = errors.New("encrypted field cannot be serialized")

// EncryptedField holds a value of T only in its sealed envelope form. The
// plaintext is recoverable solely through Open with a DecryptCapability.
type EncryptedField[T any] struct {
	ciphertext string
}

// Seal JSON-encodes v and encrypts it with enc.
func Seal[T any](enc FieldEncryptor, v T) (EncryptedField[T], error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return EncryptedField[T]{}, fmt.Errorf("seal: encode: %w", err)
	}
	ct, err := enc.Encrypt(string(raw))
	if err != nil {
		return EncryptedField[T]{}, fmt.Errorf("seal: %w", err)
	}
	return EncryptedField[T]{ciphertext: ct}, nil
}

// FromCiphertext wraps a value read back from storage. An empty string yields
// the zero field.
func FromCiphertext[T any](ct string) (EncryptedField[T], error) {
	if ct != "" && !IsEnvelope(ct) {
		return EncryptedField[T]{}, fmt.Errorf("stored value is not a ciphertext envelope")
	}
	return EncryptedField[T]{ciphertext: ct}, nil
}

func (f EncryptedField[T]) Ciphertext() string { return f.ciphertext }

func (f EncryptedField[T]) IsZero() bool { return f.ciphertext == "" }

// Open decrypts the field. A nil capability is rejected.
func (f EncryptedField[T]) Open(c *DecryptCapability) (T, error) {
	var zero T
	if c == nil || c.dec == nil {
		return zero, fmt.Errorf("open: decrypt capability required")
	}
	if f.ciphertext == "" {
		return zero, nil
	}
	raw, err := c.dec.Decrypt(f.ciphertext)
	if err != nil {
		return zero, fmt.Errorf("open for %s: %w", c.Purpose(), err)
	}
	var out T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return zero, fmt.Errorf("open: decode: %w", err)
	}
	return out, nil
}

func (f EncryptedField[T]) String() string { return "[ENCRYPTED]" }

func (f EncryptedField[T]) GoString() string { return "hipaa.EncryptedField{[ENCRYPTED]}" }

func (f EncryptedField[T]) MarshalJSON() ([]byte, error) {
	return nil, ErrPlaintextSerialization
}

func (f EncryptedField[T]) MarshalText() ([]byte, error) {
	return nil, ErrPlaintextSerialization
}
