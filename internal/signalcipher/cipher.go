// Package signalcipher protects WebRTC signaling payloads (SDP offers and
// answers, ICE candidates) before they are written to the database. Payloads
// are sealed with an AEAD whose key is derived per call from a single
// configured secret, with the call identifier bound as associated data so a
// record cannot be replayed into a different call.
package signalcipher

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const keyDerivationLabel = "huddle-signal-v1"

var (
	// ErrEmptyKey indicates the cipher was constructed without a secret.
	ErrEmptyKey = errors.New("signalcipher: encryption key required")
	// ErrEmptyCallID indicates a seal/open attempt without an owning call id.
	ErrEmptyCallID = errors.New("signalcipher: call id required")
	// ErrDecryptFailed indicates malformed or wrong-key ciphertext. Callers
	// must treat this as a per-record failure, not a subsystem failure.
	ErrDecryptFailed = errors.New("signalcipher: decryption failed")
)

// Cipher seals and opens signaling payloads for storage at rest.
type Cipher struct {
	master []byte
}

// New constructs a Cipher from the configured signaling secret.
func New(key string) (*Cipher, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrEmptyKey
	}
	return &Cipher{master: []byte(key)}, nil
}

// Encrypt seals plaintext under the per-call key and returns a base64
// envelope value (nonce || ciphertext).
func (c *Cipher) Encrypt(callID, plaintext string) (string, error) {
	aead, err := c.aeadFor(callID)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("signalcipher: nonce generation: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), []byte(callID))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a base64 envelope value produced by Encrypt. Any tampering,
// truncation, or key mismatch yields ErrDecryptFailed rather than a silently
// wrong plaintext.
func (c *Cipher) Decrypt(callID, encoded string) (string, error) {
	aead, err := c.aeadFor(callID)
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64", ErrDecryptFailed)
	}
	if len(raw) < aead.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptFailed)
	}

	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(callID))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return string(plaintext), nil
}

// Envelope is the at-rest wrapper around one encrypted signaling payload.
type Envelope struct {
	Encrypted string `json:"encrypted"`
}

// SealJSON marshals payload, encrypts it for callID, and returns the JSON
// envelope string stored in the signal_data column.
func (c *Cipher) SealJSON(callID string, payload any) (string, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("signalcipher: marshal payload: %w", err)
	}
	encrypted, err := c.Encrypt(callID, string(plaintext))
	if err != nil {
		return "", err
	}
	envelope, err := json.Marshal(Envelope{Encrypted: encrypted})
	if err != nil {
		return "", fmt.Errorf("signalcipher: marshal envelope: %w", err)
	}
	return string(envelope), nil
}

// OpenJSON reverses SealJSON. Stored values without an "encrypted" field are
// legacy plaintext rows and pass through unchanged.
func (c *Cipher) OpenJSON(callID, stored string) ([]byte, error) {
	var envelope Envelope
	if err := json.Unmarshal([]byte(stored), &envelope); err != nil || envelope.Encrypted == "" {
		return []byte(stored), nil
	}
	plaintext, err := c.Decrypt(callID, envelope.Encrypted)
	if err != nil {
		return nil, err
	}
	return []byte(plaintext), nil
}

func (c *Cipher) aeadFor(callID string) (cipher.AEAD, error) {
	if len(c.master) == 0 {
		return nil, ErrEmptyKey
	}
	if strings.TrimSpace(callID) == "" {
		return nil, ErrEmptyCallID
	}

	mac := hmac.New(sha256.New, c.master)
	mac.Write([]byte(keyDerivationLabel))
	mac.Write([]byte(":"))
	mac.Write([]byte(callID))
	subkey := mac.Sum(nil)

	return chacha20poly1305.NewX(subkey)
}
