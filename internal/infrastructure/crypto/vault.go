package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"
)

// encPrefix makes ciphertext self-describing so IsEncrypted needs no side
// channel. Layout after the prefix: base64(nonce || ciphertext+tag).
const encPrefix = "enc:v1:"

const maskRune = '•'

// DecryptionError is returned on tag mismatch or malformed ciphertext. Field
// values are never included in the message.
type DecryptionError struct {
	Cause error
}

func (e *DecryptionError) Error() string {
	if e.Cause != nil {
		return "decryption failed: " + e.Cause.Error()
	}
	return "decryption failed"
}

func (e *DecryptionError) Unwrap() error {
	return e.Cause
}

// Vault encrypts, decrypts and masks provider secret fields with AES-256-GCM.
// The key is derived once from a process-wide master secret and is read-only
// afterwards.
type Vault struct {
	key []byte
}

// NewVault derives the cipher key from the master secret via SHA-256.
func NewVault(masterSecret string) (*Vault, error) {
	if masterSecret == "" {
		return nil, errors.New("master secret is required")
	}
	key := sha256.Sum256([]byte(masterSecret))
	return &Vault{key: key[:]}, nil
}

// EncryptField encrypts a plaintext secret with a fresh random nonce.
func (v *Vault) EncryptField(plaintext string) (string, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	return encPrefix + base64.StdEncoding.EncodeToString(append(nonce, sealed...)), nil
}

// DecryptField reverses EncryptField. It fails with DecryptionError on
// malformed input or tag mismatch, never returning garbage.
func (v *Vault) DecryptField(value string) (string, error) {
	if !strings.HasPrefix(value, encPrefix) {
		return "", &DecryptionError{Cause: errors.New("value is not in encrypted format")}
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, encPrefix))
	if err != nil {
		return "", &DecryptionError{Cause: err}
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", &DecryptionError{Cause: err}
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", &DecryptionError{Cause: err}
	}

	if len(raw) < gcm.NonceSize() {
		return "", &DecryptionError{Cause: errors.New("ciphertext too short")}
	}

	nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", &DecryptionError{Cause: err}
	}

	return string(plaintext), nil
}

// IsEncrypted reports whether value is in the vault's ciphertext format.
func IsEncrypted(value string) bool {
	if !strings.HasPrefix(value, encPrefix) {
		return false
	}
	_, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, encPrefix))
	return err == nil
}

// Mask renders a secret for display, keeping the first and last four
// characters. Short secrets are fully masked. The second return value tells a
// UI whether the secret is configured at all.
func Mask(plaintext string) (string, bool) {
	if plaintext == "" {
		return "", false
	}

	runes := []rune(plaintext)
	if len(runes) <= 8 {
		return strings.Repeat(string(maskRune), len(runes)), true
	}

	masked := make([]rune, len(runes))
	copy(masked, runes[:4])
	for i := 4; i < len(runes)-4; i++ {
		masked[i] = maskRune
	}
	copy(masked[len(runes)-4:], runes[len(runes)-4:])
	return string(masked), true
}

// IsMasked recognizes a display value produced by Mask. A form that
// round-trips such a value must not overwrite the stored secret.
func IsMasked(value string) bool {
	return strings.ContainsRune(value, maskRune)
}

// MergeSettings merges an incoming settings blob over an existing one for a
// single provider. For each declared secret field: an empty or masked incoming
// value keeps the existing (still-encrypted) value; any other value is treated
// as a new plaintext secret and encrypted. Non-secret fields are taken as-is.
func (v *Vault) MergeSettings(existing, incoming map[string]string, secretFields []string) (map[string]string, error) {
	secret := make(map[string]bool, len(secretFields))
	for _, f := range secretFields {
		secret[f] = true
	}

	merged := make(map[string]string, len(incoming))
	for k, val := range incoming {
		if !secret[k] {
			merged[k] = val
			continue
		}

		if val == "" || IsMasked(val) {
			if prev, ok := existing[k]; ok {
				merged[k] = prev
			}
			continue
		}

		if IsEncrypted(val) {
			merged[k] = val
			continue
		}

		enc, err := v.EncryptField(val)
		if err != nil {
			return nil, err
		}
		merged[k] = enc
	}

	// Secrets absent from the incoming blob survive the update.
	for k, val := range existing {
		if secret[k] {
			if _, ok := merged[k]; !ok {
				merged[k] = val
			}
		}
	}

	return merged, nil
}

// DecryptSettings returns a copy of settings with every encrypted value
// decrypted. Plaintext values pass through untouched.
func (v *Vault) DecryptSettings(settings map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(settings))
	for k, val := range settings {
		if IsEncrypted(val) {
			plain, err := v.DecryptField(val)
			if err != nil {
				return nil, err
			}
			out[k] = plain
			continue
		}
		out[k] = val
	}
	return out, nil
}

// MaskSettings returns a copy of settings with every secret field masked for
// display and a companion map of is-set flags.
func (v *Vault) MaskSettings(settings map[string]string, secretFields []string) (map[string]string, map[string]bool, error) {
	secret := make(map[string]bool, len(secretFields))
	for _, f := range secretFields {
		secret[f] = true
	}

	out := make(map[string]string, len(settings))
	isSet := make(map[string]bool, len(secretFields))
	for k, val := range settings {
		if !secret[k] {
			out[k] = val
			continue
		}

		plain := val
		if IsEncrypted(val) {
			var err error
			plain, err = v.DecryptField(val)
			if err != nil {
				return nil, nil, err
			}
		}
		masked, set := Mask(plain)
		out[k] = masked
		isSet[k] = set
	}
	return out, isSet, nil
}
