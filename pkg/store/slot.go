package store

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
)

// Slot is a single record area of non-volatile storage.
type Slot interface {
	// Read returns the stored bytes, or nil when the slot is empty.
	Read() ([]byte, error)
	// Write replaces the slot content.
	Write([]byte) error
	// Erase empties the slot.
	Erase() error
}

// MemorySlot keeps the record in memory, for tests and diskless hosts.
type MemorySlot struct {
	// WriteHook may alter bytes on their way to storage to simulate
	// faults. It must return the bytes actually stored.
	WriteHook func([]byte) ([]byte, error)

	data []byte
	lock sync.Mutex
}

// NewMemorySlot creates an empty MemorySlot.
func NewMemorySlot() *MemorySlot {
	return &MemorySlot{}
}

// Read implements Slot.
func (s *MemorySlot) Read() ([]byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.data == nil {
		return nil, nil
	}
	return bytes.Clone(s.data), nil
}

// Write implements Slot.
func (s *MemorySlot) Write(data []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	stored := bytes.Clone(data)
	if s.WriteHook != nil {
		var err error
		if stored, err = s.WriteHook(stored); err != nil {
			return err
		}
	}
	s.data = stored
	return nil
}

// Erase implements Slot.
func (s *MemorySlot) Erase() error {
	s.lock.Lock()
	s.data = nil
	s.lock.Unlock()
	return nil
}

// FileSlot stores the record in a file, replaced atomically.
type FileSlot struct {
	Path string
	lock sync.Mutex
}

// NewFileSlot creates a FileSlot at path.
func NewFileSlot(path string) *FileSlot {
	return &FileSlot{Path: path}
}

// Read implements Slot. A missing file is an empty slot.
func (s *FileSlot) Read() ([]byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

// Write implements Slot.
func (s *FileSlot) Write(data []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, filepath.Base(s.Path)+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmp, 0o600)
	}
	if err == nil {
		err = os.Rename(tmp, s.Path)
	}
	if err != nil {
		os.Remove(tmp)
	}
	return err
}

// Erase implements Slot.
func (s *FileSlot) Erase() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	err := os.Remove(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
