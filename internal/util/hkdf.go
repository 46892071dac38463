package util

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const HKDFKeyLength = 32

// DeriveKey expands seed into a 32-byte subkey bound to info. Distinct
// info strings give independent keys from one master secret.
func DeriveKey(seed, info []byte) ([]byte, error) {
	h := hkdf.New(sha256.New, seed, nil, info)
	k := make([]byte, HKDFKeyLength)
	if _, err := io.ReadFull(h, k); err != nil {
		return nil, fmt.Errorf("reading from HKDF: %w", err)
	}
	return k, nil
}
