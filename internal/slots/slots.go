// Package slots tracks the current version of every gallery slot.
//
// A slot is a fixed display position 1..N whose image lives at a path derived
// from its id alone. Each successful replacement bumps the slot's version by
// one; viewers use the version as a cache-busting query parameter.
package slots

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrInvalidSlot is returned for ids outside 1..Count.
var ErrInvalidSlot = errors.New("invalid slot")

// ChangeEvent announces that a slot now holds the content of Version.
type ChangeEvent struct {
	Slot    int    `json:"slot"`
	Version uint64 `json:"version"`
}

// Slot is a point-in-time view of one slot.
type Slot struct {
	ID      int
	Version uint64
	ModTime time.Time
	Present bool
}

type state struct {
	// write is held by the upload pipeline across file write, bump and publish.
	write sync.Mutex

	mu      sync.RWMutex
	version uint64
	modTime time.Time
	present bool
}

// Store is the authoritative in-memory record of slot versions. Each slot has
// its own locks; there is no store-wide lock after construction.
type Store struct {
	slots []*state
}

// NewStore creates count empty slots at version 0. A count below 1 is
// raised to 1.
func NewStore(count int) *Store {
	if count < 1 {
		count = 1
	}
	s := &Store{slots: make([]*state, count)}
	for i := range s.slots {
		s.slots[i] = &state{}
	}
	return s
}

func (s *Store) Count() int { return len(s.slots) }

func (s *Store) get(id int) (*state, error) {
	if err := s.Check(id); err != nil {
		return nil, err
	}
	return s.slots[id-1], nil
}

// Check returns ErrInvalidSlot, wrapped with the valid range, unless id names
// a slot.
func (s *Store) Check(id int) error {
	if !s.Valid(id) {
		return fmt.Errorf("%w: %d (want 1..%d)", ErrInvalidSlot, id, len(s.slots))
	}
	return nil
}

// Valid reports whether id names a slot.
func (s *Store) Valid(id int) bool {
	return id >= 1 && id <= len(s.slots)
}

// Version returns the current version of slot id.
func (s *Store) Version(id int) (uint64, error) {
	st, err := s.get(id)
	if err != nil {
		return 0, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.version, nil
}

// Bump increments the version of slot id and returns the new value.
func (s *Store) Bump(id int) (uint64, error) {
	st, err := s.get(id)
	if err != nil {
		return 0, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.version++
	st.modTime = time.Now()
	st.present = true
	return st.version, nil
}

// Lock acquires the writer lock for slot id. Holders may write the slot file
// and Bump; readers are not blocked by it.
func (s *Store) Lock(id int) (unlock func(), err error) {
	st, err := s.get(id)
	if err != nil {
		return nil, err
	}
	st.write.Lock()
	return st.write.Unlock, nil
}

// Seed records an existing file found at startup. The version becomes the
// file's modification time in milliseconds so URLs from a previous run are
// not reused.
func (s *Store) Seed(id int, modTime time.Time) error {
	st, err := s.get(id)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if ms := modTime.UnixMilli(); ms > 0 {
		st.version = uint64(ms)
	}
	st.modTime = modTime
	st.present = true
	return nil
}

// Get returns a view of slot id.
func (s *Store) Get(id int) (Slot, error) {
	st, err := s.get(id)
	if err != nil {
		return Slot{}, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return Slot{ID: id, Version: st.version, ModTime: st.modTime, Present: st.present}, nil
}

// Snapshot returns every slot in id order.
func (s *Store) Snapshot() []Slot {
	out := make([]Slot, 0, len(s.slots))
	for i := range s.slots {
		sl, _ := s.Get(i + 1)
		out = append(out, sl)
	}
	return out
}

// FileName is the canonical file name for slot id. It never depends on the
// uploaded content, so a replacement always overwrites the same file.
func FileName(id int) string {
	return fmt.Sprintf("slot%d.jpg", id)
}

// Path joins FileName onto dir.
func Path(dir string, id int) string {
	return filepath.Join(dir, FileName(id))
}

// ParseFileName is the inverse of FileName. It accepts only the canonical form.
func ParseFileName(name string) (int, bool) {
	num, ok := strings.CutPrefix(name, "slot")
	if !ok {
		return 0, false
	}
	num, ok = strings.CutSuffix(num, ".jpg")
	if !ok {
		return 0, false
	}
	id, err := strconv.Atoi(num)
	if err != nil || id < 1 || FileName(id) != name {
		return 0, false
	}
	return id, true
}

// Scan seeds store from the slot files already present in dir and returns how
// many were found. Non-canonical names and directories are ignored.
func Scan(store *Store, dir string) (int, error) {
	found := 0
	for id := 1; id <= store.Count(); id++ {
		info, err := os.Stat(Path(dir, id))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return found, err
		}
		if !info.Mode().IsRegular() {
			continue
		}
		if err := store.Seed(id, info.ModTime()); err != nil {
			return found, err
		}
		found++
	}
	return found, nil
}
