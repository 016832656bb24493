// Package crypto implements the end-to-end encryption primitives used by the
// sync engine: PIN-derived key material, per-record AEAD sealing, content
// hashing for dedup, and a local PIN verifier that never transmits the PIN.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/MycelicMemory/mycelicmemory/internal/logging"
)

var log = logging.GetLogger("crypto")

const (
	// KeyDerivationIterations is the PBKDF2 iteration count. Deliberately
	// high: this only runs once per login/PIN-change, not per record.
	KeyDerivationIterations = 600000

	// KeySize is the derived symmetric key length in bytes (256 bits).
	KeySize = 32

	// NonceSize is the AES-GCM nonce length in bytes (96 bits).
	NonceSize = 12

	// saltDomainTag is prepended to the user's email to form the PBKDF2 salt.
	// Fixed per product, diversified per user by the email suffix.
	saltDomainTag = "mycelicmemory-sync-v1:"

	// pinVerifierPlaintext is the known string sealed under the derived key
	// at PIN-setup time; a PIN is valid iff decrypting the stored verifier
	// with the re-derived key reproduces this exact string.
	pinVerifierPlaintext = "mycelicmemory-pin-verifier-v1"
)

// ErrDecryptFailed indicates the ciphertext could not be authenticated under
// the given key — wrong key, tampered payload, or corrupt blob.
var ErrDecryptFailed = errors.New("crypto: decryption failed")

// ErrKeyNotCached indicates sync attempted to run without a derived key in
// memory. Sync refuses rather than ever transmitting plaintext.
var ErrKeyNotCached = errors.New("crypto: sync key not cached, PIN required")

// DeriveKey derives a 256-bit symmetric key from a PIN and account email via
// PBKDF2-HMAC-SHA256. The salt mixes in the email so the same PIN yields a
// different key per account.
func DeriveKey(pin, email string) []byte {
	salt := []byte(saltDomainTag + email)
	return pbkdf2.Key([]byte(pin), salt, KeyDerivationIterations, KeySize, sha256.New)
}

// Seal encrypts plaintext under key with AES-256-GCM and a fresh random
// nonce, returning a base64 string of the form nonce||ciphertext||tag.
func Seal(plaintext []byte, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("crypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return "", fmt.Errorf("crypto: new gcm: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("crypto: read nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a base64 blob produced by Seal. It returns ErrDecryptFailed
// on any authentication or format failure — callers must treat this as a
// hard, non-fatal drop, never as a signal to reinterpret the bytes as
// plaintext.
func Open(blob string, key []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	if len(raw) < NonceSize {
		return nil, ErrDecryptFailed
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}

	nonce, ciphertext := raw[:NonceSize], raw[NonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// ContentHash returns the hex-encoded SHA-256 digest of plaintext, used by
// the cloud relay for dedup/verification without ever seeing the plaintext
// itself.
func ContentHash(plaintext []byte) string {
	sum := sha256.Sum256(plaintext)
	return hex.EncodeToString(sum[:])
}

// NewPINVerifier seals the fixed known verifier string under key, producing
// a blob that can be stored (locally or with the cloud) and later used to
// check a candidate PIN without ever transmitting it.
func NewPINVerifier(key []byte) (string, error) {
	return Seal([]byte(pinVerifierPlaintext), key)
}

// VerifyPIN re-derives a key from pin/email and checks it against a stored
// verifier blob, returning the derived key on success. It never returns a
// partial or guessed key: either the verifier opens cleanly to the exact
// known plaintext, or verification fails.
func VerifyPIN(pin, email, verifierBlob string) ([]byte, error) {
	key := DeriveKey(pin, email)
	plaintext, err := Open(verifierBlob, key)
	if err != nil {
		log.Debug("pin verification failed to decrypt verifier")
		return nil, ErrDecryptFailed
	}
	if string(plaintext) != pinVerifierPlaintext {
		log.Debug("pin verification produced unexpected plaintext")
		return nil, ErrDecryptFailed
	}
	return key, nil
}
