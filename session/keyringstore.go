package session

import (
	"github.com/99designs/keyring"
	"github.com/cockroachdb/errors"
)

const (
	keyringAccessKey   = "access-token"
	keyringRefreshKey  = "refresh-token"
	keyringIdentityKey = "identity"
)

type keyringStorage struct {
	ring keyring.Keyring
}

// NewKeyringStorage returns a Storage backed by the OS keychain (macOS
// Keychain, Secret Service, wincred), keeping credentials out of plain
// files. serviceName namespaces the entries.
func NewKeyringStorage(serviceName string) (Storage, error) {
	ring, err := keyring.Open(keyring.Config{ServiceName: serviceName})
	if err != nil {
		return nil, errors.Wrap(err, "session: opening keyring")
	}
	return &keyringStorage{ring: ring}, nil
}

func (k *keyringStorage) get(key string) (string, error) {
	item, err := k.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "session: reading %s from keyring", key)
	}
	return string(item.Data), nil
}

func (k *keyringStorage) Load() (Snapshot, error) {
	var snap Snapshot
	var err error
	if snap.AccessToken, err = k.get(keyringAccessKey); err != nil {
		return Snapshot{}, err
	}
	if snap.RefreshToken, err = k.get(keyringRefreshKey); err != nil {
		return Snapshot{}, err
	}
	if snap.IdentityJSON, err = k.get(keyringIdentityKey); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (k *keyringStorage) Save(snap Snapshot) error {
	items := []keyring.Item{
		{Key: keyringAccessKey, Data: []byte(snap.AccessToken)},
		{Key: keyringRefreshKey, Data: []byte(snap.RefreshToken)},
		{Key: keyringIdentityKey, Data: []byte(snap.IdentityJSON)},
	}
	for _, item := range items {
		if err := k.ring.Set(item); err != nil {
			return errors.Wrapf(err, "session: writing %s to keyring", item.Key)
		}
	}
	return nil
}

func (k *keyringStorage) Clear() error {
	for _, key := range []string{keyringAccessKey, keyringRefreshKey, keyringIdentityKey} {
		if err := k.ring.Remove(key); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
			return errors.Wrapf(err, "session: removing %s from keyring", key)
		}
	}
	return nil
}
