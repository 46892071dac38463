package tokencipher

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmcleod/gatekeep/keymaterial"
	"github.com/jmcleod/gatekeep/storage"
)

// DefaultBlobName is the record the encrypted credential is stored under.
const DefaultBlobName = "session_credential"

// ErrNoCredential is returned by Load when nothing has been saved.
var ErrNoCredential = errors.New("tokencipher: no stored credential")

// Vault keeps the session credential encrypted in local storage. It is the
// only reader and writer of the blob.
type Vault struct {
	keys  *keymaterial.Store
	store storage.KeyStore
	name  string
}

// NewVault returns a Vault that encrypts with the installation key from
// keys and persists blobs in store.
func NewVault(keys *keymaterial.Store, store storage.KeyStore) *Vault {
	return &Vault{keys: keys, store: store, name: DefaultBlobName}
}

// Save encrypts and persists credential, replacing any previous one.
func (v *Vault) Save(ctx context.Context, credential string) error {
	key, err := v.keys.GetOrCreateKey(ctx)
	if err != nil {
		return err
	}
	blob, err := Encrypt(credential, key)
	if err != nil {
		return err
	}
	var prev []byte
	current, err := v.store.Get(ctx, v.name)
	switch {
	case err == nil:
		prev = append([]byte{}, current...)
	case !errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("reading previous credential: %w", err)
	}
	if err := v.store.CompareAndSwap(ctx, v.name, prev, []byte(blob)); err != nil {
		return fmt.Errorf("storing credential: %w", err)
	}
	return nil
}

// Load returns the stored credential. A blob that fails to decrypt is
// deleted and reported as ErrDecrypt so the caller logs in again.
func (v *Vault) Load(ctx context.Context) (string, error) {
	blob, err := v.store.Get(ctx, v.name)
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrNoCredential
	}
	if err != nil {
		return "", err
	}
	key, err := v.keys.GetOrCreateKey(ctx)
	if err != nil {
		return "", err
	}
	credential, err := Decrypt(string(blob), key)
	if err != nil {
		_ = v.store.Delete(ctx, v.name)
		return "", err
	}
	return credential, nil
}

// Clear discards the stored credential (logout).
func (v *Vault) Clear(ctx context.Context) error {
	return v.store.Delete(ctx, v.name)
}
