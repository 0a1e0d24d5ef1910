// Package store implements the server's in-memory key space: strings and
// streams, each with an optional absolute expiry, accessed under a single
// mutex so expiry checks and reads/writes never interleave.
package store

import (
	"errors"
	"sync"
	"time"

	"github.com/halvorsen-dev/redcore/internal/stream"
)

// Kind distinguishes the two value shapes a key can hold.
type Kind int

const (
	KindNone Kind = iota
	KindString
	KindStream
)

// String returns the RESP TYPE reply for k ("none", "string" or "stream").
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindStream:
		return "stream"
	default:
		return "none"
	}
}

// ErrWrongType is returned when a command is applied to a key holding a
// value of a different kind (e.g. GET on a stream key).
var ErrWrongType = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")

type entry struct {
	kind     Kind
	str      []byte
	stream   *stream.Stream
	expireAt time.Time // zero value means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && !now.Before(e.expireAt)
}

// Store is the process's single key space. All methods are safe for
// concurrent use.
type Store struct {
	mu   sync.Mutex
	data map[string]*entry
}

// New returns an empty Store.
func New() *Store {
	return &Store{data: make(map[string]*entry)}
}

// lookup returns the live entry for key, deleting and discarding it first if
// it has expired. Must be called with mu held.
func (s *Store) lookup(key string) (*entry, bool) {
	e, ok := s.data[key]
	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) {
		delete(s.data, key)
		return nil, false
	}
	return e, true
}

// SetString stores value under key as a string, replacing whatever was
// there before. A zero ttl means no expiry; a positive ttl expires the key
// ttl from now.
func (s *Store) SetString(key string, value []byte, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &entry{kind: KindString, str: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expireAt = time.Now().Add(ttl)
	}
	s.data[key] = e
}

// Get returns the string value stored under key. ok is false if the key is
// absent, expired, or holds a non-string value (in which case err is
// ErrWrongType).
func (s *Store) Get(key string) (value []byte, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, found := s.lookup(key)
	if !found {
		return nil, false, nil
	}
	if e.kind != KindString {
		return nil, false, ErrWrongType
	}
	return e.str, true, nil
}

// Type reports the Kind stored under key, or KindNone if it is absent or
// expired.
func (s *Store) Type(key string) Kind {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, found := s.lookup(key)
	if !found {
		return KindNone
	}
	return e.kind
}

// Exists reports whether key is present and unexpired.
func (s *Store) Exists(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, found := s.lookup(key)
	return found
}

// Keys returns every live key, in no particular order. Expired keys are
// swept as they are encountered.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	keys := make([]string, 0, len(s.data))
	for k, e := range s.data {
		if e.expired(now) {
			delete(s.data, k)
			continue
		}
		keys = append(keys, k)
	}
	return keys
}

// StreamFor returns the Stream stored under key, creating an empty one if
// the key is absent or expired. err is ErrWrongType if key holds a
// non-stream value.
func (s *Store) StreamFor(key string) (*stream.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, found := s.lookup(key)
	if !found {
		e = &entry{kind: KindStream, stream: stream.New()}
		s.data[key] = e
		return e.stream, nil
	}
	if e.kind != KindStream {
		return nil, ErrWrongType
	}
	return e.stream, nil
}

// GetStream returns the Stream stored under key without creating one. ok is
// false if the key is absent or expired.
func (s *Store) GetStream(key string) (st *stream.Stream, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, found := s.lookup(key)
	if !found {
		return nil, false, nil
	}
	if e.kind != KindStream {
		return nil, false, ErrWrongType
	}
	return e.stream, true, nil
}

// LoadString installs a string value directly, bypassing the normal
// copy-on-write of SetString. Used by the snapshot loader, which already
// owns the byte slices it decodes.
func (s *Store) LoadString(key string, value []byte, expireAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = &entry{kind: KindString, str: value, expireAt: expireAt}
}

// LoadStream installs a stream value directly. Used by the snapshot loader.
func (s *Store) LoadStream(key string, st *stream.Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = &entry{kind: KindStream, stream: st}
}
