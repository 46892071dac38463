// Package tokencipher protects the session credential while it sits in
// client-side storage.
//
// A blob is base64(IV || AES-256-GCM ciphertext || tag) with a fresh
// 12-byte IV per encryption. Decryption either authenticates the whole blob
// or fails with ErrDecrypt; it never returns partial or garbled plaintext.
package tokencipher

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/jmcleod/gatekeep/internal/util"
	"github.com/jmcleod/gatekeep/keymaterial"
)

// ErrDecrypt is returned for any blob that does not authenticate under the key.
var ErrDecrypt = errors.New("tokencipher: decryption failed")

// Encrypt seals plaintext under key and returns the base64 blob.
func Encrypt(plaintext string, key keymaterial.Key) (string, error) {
	raw := key.Bytes()
	defer util.WipeBytes(raw)

	sealed, err := util.SealAES([]byte(plaintext), raw)
	if err != nil {
		return "", fmt.Errorf("tokencipher: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt.
func Decrypt(blob string, key keymaterial.Key) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", ErrDecrypt
	}
	raw := key.Bytes()
	defer util.WipeBytes(raw)

	plain, err := util.OpenAES(sealed, raw)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}
