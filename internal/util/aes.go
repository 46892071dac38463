package util

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	AESKeySize = 32
	// GCMNonceSize is the IV length prepended to every sealed blob.
	GCMNonceSize = 12
)

// ErrOpenFailed is returned when a sealed blob cannot be authenticated.
// Callers never see partial plaintext.
var ErrOpenFailed = errors.New("authenticated decryption failed")

func newGCM(rawKey []byte) (cipher.AEAD, error) {
	if len(rawKey) != AESKeySize {
		return nil, fmt.Errorf("invalid AES key size: got %d, want %d", len(rawKey), AESKeySize)
	}
	block, err := aes.NewCipher(rawKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, GCMNonceSize)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// SealAES encrypts plainText with AES-256-GCM under a fresh random IV and
// returns IV || ciphertext || tag.
func SealAES(plainText, rawKey []byte) ([]byte, error) {
	gcm, err := newGCM(rawKey)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, GCMNonceSize, GCMNonceSize+len(plainText)+gcm.Overhead())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("generating iv: %w", err)
	}
	return gcm.Seal(iv, iv, plainText, nil), nil
}

// OpenAES reverses SealAES. Any key mismatch or modified byte yields
// ErrOpenFailed.
func OpenAES(sealed, rawKey []byte) ([]byte, error) {
	gcm, err := newGCM(rawKey)
	if err != nil {
		return nil, err
	}
	if len(sealed) < GCMNonceSize+gcm.Overhead() {
		return nil, fmt.Errorf("%w: input shorter than iv and tag", ErrOpenFailed)
	}

	iv, body := sealed[:GCMNonceSize], sealed[GCMNonceSize:]
	plainText, err := gcm.Open(nil, iv, body, nil)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plainText, nil
}
