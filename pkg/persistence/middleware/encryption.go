package middleware

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
)

// encryptedField is the single value left in a stored definition.
const encryptedField = "__encrypted__"

// ErrKeySize is returned for keys that are not AES-256 keys.
var ErrKeySize = errors.New("encryption key must be 32 bytes (AES-256)")

// EncryptionConfig holds the keys for encryption and decryption.
type EncryptionConfig struct {
	// ActiveKey is the key used for encrypting new data.
	// Must be 32 bytes for AES-256.
	ActiveKey []byte

	// FallbackKeys is a list of old keys to try when decryption fails.
	// This enables zero-downtime key rotation.
	FallbackKeys [][]byte
}

type encryptionMiddleware struct {
	next   ports.LinkStore
	config EncryptionConfig
}

// NewEncryptionMiddleware creates a middleware that encrypts link values
// using AES-GCM. Source, target, contract and link name stay in clear text
// so the store can still be keyed and listed.
func NewEncryptionMiddleware(config EncryptionConfig) (Middleware, error) {
	if len(config.ActiveKey) != 32 {
		return nil, ErrKeySize
	}
	for _, k := range config.FallbackKeys {
		if len(k) != 32 {
			return nil, fmt.Errorf("fallback key: %w", ErrKeySize)
		}
	}
	return func(next ports.LinkStore) ports.LinkStore {
		return &encryptionMiddleware{
			next:   next,
			config: config,
		}
	}, nil
}

func (m *encryptionMiddleware) Put(ctx context.Context, def domain.LinkDefinition) error {
	plainText, err := json.Marshal(def.Values)
	if err != nil {
		return fmt.Errorf("failed to marshal link values: %w", err)
	}

	ciphertext, err := encrypt(plainText, m.config.ActiveKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt link values: %w", err)
	}

	envelope := def
	envelope.Values = map[string]string{
		encryptedField: base64.StdEncoding.EncodeToString(ciphertext),
	}
	return m.next.Put(ctx, envelope)
}

func (m *encryptionMiddleware) Get(ctx context.Context, key domain.LinkKey) (domain.LinkDefinition, error) {
	envelope, err := m.next.Get(ctx, key)
	if err != nil {
		return domain.LinkDefinition{}, err
	}
	return m.open(envelope)
}

func (m *encryptionMiddleware) Delete(ctx context.Context, key domain.LinkKey) error {
	return m.next.Delete(ctx, key)
}

func (m *encryptionMiddleware) List(ctx context.Context) ([]domain.LinkDefinition, error) {
	envelopes, err := m.next.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.LinkDefinition, 0, len(envelopes))
	for _, env := range envelopes {
		def, err := m.open(env)
		if err != nil {
			return nil, fmt.Errorf("link %s: %w", env.Key(), err)
		}
		out = append(out, def)
	}
	return out, nil
}

func (m *encryptionMiddleware) open(envelope domain.LinkDefinition) (domain.LinkDefinition, error) {
	encryptedStr, ok := envelope.Values[encryptedField]
	if !ok || len(envelope.Values) != 1 {
		// Fail secure: a definition written without encryption is refused.
		return domain.LinkDefinition{}, errors.New("link is missing encrypted data envelope")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encryptedStr)
	if err != nil {
		return domain.LinkDefinition{}, fmt.Errorf("failed to decode ciphertext base64: %w", err)
	}

	plainText, err := decryptWithRotation(ciphertext, m.config.ActiveKey, m.config.FallbackKeys)
	if err != nil {
		return domain.LinkDefinition{}, fmt.Errorf("failed to decrypt link values: %w", err)
	}

	def := envelope
	def.Values = nil
	if err := json.Unmarshal(plainText, &def.Values); err != nil {
		return domain.LinkDefinition{}, fmt.Errorf("failed to unmarshal decrypted values: %w", err)
	}
	return def, nil
}

// Helpers

func encrypt(plaintext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decryptWithRotation(ciphertext []byte, activeKey []byte, fallbackKeys [][]byte) ([]byte, error) {
	if plain, err := decrypt(ciphertext, activeKey); err == nil {
		return plain, nil
	}

	for _, key := range fallbackKeys {
		if plain, err := decrypt(ciphertext, key); err == nil {
			return plain, nil
		}
	}

	return nil, errors.New("decryption failed with all available keys")
}

func decrypt(ciphertext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	nonce := ciphertext[:gcm.NonceSize()]
	ciphertextBytes := ciphertext[gcm.NonceSize():]

	return gcm.Open(nil, nonce, ciphertextBytes, nil)
}

// DecodeKey parses a base64 encoded AES-256 key as found in configuration.
func DecodeKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid key encoding: %w", err)
	}
	if len(key) != 32 {
		return nil, ErrKeySize
	}
	return key, nil
}
