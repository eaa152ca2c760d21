package session

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

type fileStorage struct {
	path string
}

// NewFileStorage returns a Storage backed by a msgpack-serialized file.
// The file is written with 0600 permissions; parent directories are
// created as needed.
func NewFileStorage(path string) Storage {
	return &fileStorage{path: path}
}

func (f *fileStorage) Load() (Snapshot, error) {
	buf, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "session: reading snapshot file")
	}
	var snap Snapshot
	if err := msgpack.Unmarshal(buf, &snap); err != nil {
		return Snapshot{}, errors.Wrap(err, "session: decoding snapshot file")
	}
	return snap, nil
}

func (f *fileStorage) Save(snap Snapshot) error {
	buf, err := msgpack.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "session: encoding snapshot")
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return errors.Wrap(err, "session: creating snapshot directory")
	}
	if err := os.WriteFile(f.path, buf, 0o600); err != nil {
		return errors.Wrap(err, "session: writing snapshot file")
	}
	return nil
}

func (f *fileStorage) Clear() error {
	err := os.Remove(f.path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "session: removing snapshot file")
	}
	return nil
}
