package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var (
	// ErrUnknownKeyVersion means the ciphertext references a key version the
	// keyring does not hold.
	ErrUnknownKeyVersion = errors.New("crypto: unknown key version")

	// ErrDecrypt covers tampered or undecodable ciphertext. Consumers treat
	// the secret as unreadable; the error is never logged with the payload.
	ErrDecrypt = errors.New("crypto: decryption failed")
)

// Keyring holds version-tagged AES-256-GCM keys. Encrypt always uses the
// active version; Decrypt dispatches on the version stored with the
// ciphertext, which keeps old secrets readable across key rotation.
type Keyring struct {
	active int
	keys   map[int]cipher.AEAD
}

// NewKeyring builds a keyring from raw 32-byte keys indexed by version.
func NewKeyring(active int, keys map[int][]byte) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, errors.New("crypto: keyring requires at least one key")
	}
	aeads := make(map[int]cipher.AEAD, len(keys))
	for version, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("crypto: key version %d must be 32 bytes, got %d", version, len(key))
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("crypto: key version %d: %w", version, err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("crypto: key version %d: %w", version, err)
		}
		aeads[version] = gcm
	}
	if _, ok := aeads[active]; !ok {
		return nil, fmt.Errorf("crypto: active key version %d is not in the keyring", active)
	}
	return &Keyring{active: active, keys: aeads}, nil
}

// ActiveVersion reports the version used for new ciphertext.
func (k *Keyring) ActiveVersion() int { return k.active }

// Encrypt seals plaintext under the active key. The result embeds the key
// version and a random nonce: "v<N>:<base64(nonce|sealed)>".
func (k *Keyring) Encrypt(plaintext []byte) (string, error) {
	gcm := k.keys[k.active]
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return fmt.Sprintf("v%d:%s", k.active, base64.StdEncoding.EncodeToString(sealed)), nil
}

// Decrypt opens ciphertext produced by any key version held in the keyring.
func (k *Keyring) Decrypt(ciphertext string) ([]byte, error) {
	version, encoded, ok := splitCiphertext(ciphertext)
	if !ok {
		return nil, ErrDecrypt
	}
	gcm, found := k.keys[version]
	if !found {
		return nil, ErrUnknownKeyVersion
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrDecrypt
	}
	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize+gcm.Overhead() {
		return nil, ErrDecrypt
	}
	plaintext, err := gcm.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func splitCiphertext(ciphertext string) (version int, encoded string, ok bool) {
	rest, found := strings.CutPrefix(ciphertext, "v")
	if !found {
		return 0, "", false
	}
	tag, encoded, found := strings.Cut(rest, ":")
	if !found || encoded == "" {
		return 0, "", false
	}
	version, err := strconv.Atoi(tag)
	if err != nil || version < 0 {
		return 0, "", false
	}
	return version, encoded, true
}

// GenerateKey returns a fresh random 32-byte key for keyring provisioning.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}
