// Package store persists the single credential record with read-back
// verification.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/golang/glog"

	fx "github.com/robotalks/devlink.go/pkg/framework"
	"github.com/robotalks/devlink.go/pkg/link"
)

// MaxRecordSize bounds the serialized record.
const MaxRecordSize = 512

// RecordVersion is the only recognised record format.
const RecordVersion = "1.0"

var (
	// ErrVerificationFailed is a record that did not read back identically.
	ErrVerificationFailed = errors.New("record verification failed")
	// ErrRecordTooLarge is a record over MaxRecordSize.
	ErrRecordTooLarge = errors.New("record too large")
)

// Record is the on-storage representation of the credentials.
type Record struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
	// Pass duplicates Password for readers of the older field name.
	Pass         string `json:"pass"`
	IsValid      bool   `json:"isValid"`
	Timestamp    uint64 `json:"timestamp"`
	Version      string `json:"version"`
	Device       string `json:"device"`
	LastModified uint64 `json:"lastModified"`
	Session      string `json:"session,omitempty"`
}

// Credentials extracts the credentials; password is preferred over pass.
func (r *Record) Credentials() link.Credentials {
	secret := r.Password
	if secret == "" || secret == "null" {
		secret = r.Pass
	}
	return link.Credentials{NetworkID: r.SSID, Secret: secret, Valid: r.IsValid}
}

// ParseRecord decodes a record without judging its validity.
func ParseRecord(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Store implements the credential store over a Slot.
type Store struct {
	Slot    Slot
	Device  string
	Session string
	Clock   fx.Clock

	lock sync.Mutex
}

// New creates a Store.
func New(slot Slot, device string, clock fx.Clock) *Store {
	if clock == nil {
		clock = fx.NewBootClock()
	}
	return &Store{Slot: slot, Device: device, Clock: clock}
}

// Load returns the stored credentials. It reports false when no record
// exists, the version is not recognised, or a required field is empty.
func (s *Store) Load() (link.Credentials, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	data, err := s.Slot.Read()
	if err != nil {
		glog.Warningf("store: read: %v", err)
		return link.Credentials{}, false
	}
	if len(data) == 0 {
		glog.Info("store: no credentials record")
		return link.Credentials{}, false
	}
	rec, err := ParseRecord(data)
	if err != nil {
		glog.Warningf("store: unreadable record: %v", err)
		return link.Credentials{}, false
	}
	if rec.Version != RecordVersion {
		glog.Warningf("store: unsupported record version %q", rec.Version)
		return link.Credentials{}, false
	}
	creds := rec.Credentials()
	if !creds.Usable() || strings.TrimSpace(creds.NetworkID) == "" || creds.Secret == "" {
		glog.Warning("store: record incomplete or out of bounds")
		return link.Credentials{}, false
	}
	glog.Infof("store: loaded %s", creds)
	return creds, true
}

// Save writes the credentials, then reads them back and compares. On
// mismatch the slot is erased so a partial record is never loaded.
func (s *Store) Save(creds link.Credentials) error {
	if !creds.Usable() {
		return fmt.Errorf("store: %w", link.ErrInvalidCredentials)
	}
	now := s.Clock.Millis()
	rec := Record{
		SSID:         creds.NetworkID,
		Password:     creds.Secret,
		Pass:         creds.Secret,
		IsValid:      true,
		Timestamp:    now,
		Version:      RecordVersion,
		Device:       s.Device,
		LastModified: now,
		Session:      s.Session,
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return err
	}
	if len(data) > MaxRecordSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrRecordTooLarge, len(data), MaxRecordSize)
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.Slot.Write(data); err != nil {
		s.eraseLocked()
		return fmt.Errorf("store: write: %w", err)
	}
	readBack, err := s.Slot.Read()
	if err != nil || !bytes.Equal(readBack, data) {
		s.eraseLocked()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
		}
		return ErrVerificationFailed
	}
	if parsed, err := ParseRecord(readBack); err != nil || !parsed.Credentials().Equal(creds) {
		s.eraseLocked()
		return ErrVerificationFailed
	}
	glog.Infof("store: saved %s (%d bytes)", creds, len(data))
	return nil
}

// Clear erases the record.
func (s *Store) Clear() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	glog.Info("store: clearing credentials")
	return s.Slot.Erase()
}

func (s *Store) eraseLocked() {
	if err := s.Slot.Erase(); err != nil {
		glog.Errorf("store: erase after failed write: %v", err)
	}
}
