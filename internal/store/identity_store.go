package store

import (
	"path/filepath"
	"sync"

	"threadkx/internal/domain"
)

const deviceFilename = "device.json.enc"

// DeviceFileStore persists the local device identity to disk, encrypted with
// the keyring passphrase.
type DeviceFileStore struct {
	dir string
	kr  *Keyring
	mu  sync.Mutex
}

// NewDeviceFileStore returns a DeviceFileStore rooted at dir.
func NewDeviceFileStore(dir string, kr *Keyring) *DeviceFileStore {
	return &DeviceFileStore{dir: dir, kr: kr}
}

// SaveDevice writes the encrypted device record.
func (s *DeviceFileStore) SaveDevice(d domain.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeSealed(filepath.Join(s.dir, deviceFilename), s.kr, d)
}

// LoadDevice reads and decrypts the device record.
func (s *DeviceFileStore) LoadDevice() (domain.Device, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var d domain.Device
	found, err := readSealed(filepath.Join(s.dir, deviceFilename), s.kr, &d)
	if err != nil || !found {
		return domain.Device{}, false, err
	}
	if d.ID == "" || d.IdentitySecret.IsZero() {
		return domain.Device{}, false, nil
	}
	return d, true, nil
}

// WipeDevice removes the device record.
func (s *DeviceFileStore) WipeDevice() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return removeFile(filepath.Join(s.dir, deviceFilename))
}

// Compile-time assertion that DeviceFileStore implements domain.IdentityStore.
var _ domain.IdentityStore = (*DeviceFileStore)(nil)
