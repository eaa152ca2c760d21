package session

import "sync"

// Snapshot is the durable form of a session: three string-valued fields
// written together on every login/refresh and cleared together on logout.
// The identity travels as serialized JSON so storage backends stay
// structure-agnostic.
type Snapshot struct {
	AccessToken  string `msgpack:"access"`
	RefreshToken string `msgpack:"refresh"`
	IdentityJSON string `msgpack:"identity"`
}

func (s Snapshot) empty() bool {
	return s.AccessToken == "" && s.RefreshToken == "" && s.IdentityJSON == ""
}

// partial reports whether exactly some but not all credential fields are
// present. A partial snapshot is treated as "no session" on rehydration.
func (s Snapshot) partial() bool {
	if s.empty() {
		return false
	}
	return s.AccessToken == "" || s.IdentityJSON == ""
}

// Storage persists session snapshots across process restarts. Load returns
// the zero Snapshot (not an error) when nothing has been stored.
type Storage interface {
	Load() (Snapshot, error)
	Save(Snapshot) error
	Clear() error
}

type memoryStorage struct {
	mu   sync.Mutex
	snap Snapshot
	set  bool
}

// NewMemoryStorage returns a Storage that lives and dies with the process.
// Useful for tests and ephemeral sessions.
func NewMemoryStorage() Storage {
	return &memoryStorage{}
}

func (m *memoryStorage) Load() (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap, nil
}

func (m *memoryStorage) Save(snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = snap
	m.set = true
	return nil
}

func (m *memoryStorage) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = Snapshot{}
	m.set = false
	return nil
}
