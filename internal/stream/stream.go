package stream

import "sort"

// Field is a single name/value pair attached to an entry, in the order the
// caller supplied them to XADD.
type Field struct {
	Name  string
	Value string
}

// Entry is one immutable record appended to a Stream.
type Entry struct {
	ID     ID
	Fields []Field
}

// Stream is an append-only, totally ordered log of Entry values. Entries are
// kept in a sorted slice rather than a tree: appends always land at the tail
// (Add rejects any id that does not sort after the current last id, so the
// slice is already sorted by construction) and range scans binary-search the
// two boundaries with sort.Search, giving O(log n + k) reads without the
// bookkeeping of a balanced tree.
type Stream struct {
	entries []Entry
	lastID  ID
}

// New returns an empty stream.
func New() *Stream {
	return &Stream{}
}

// LastID returns the id of the most recently appended entry, or Zero if the
// stream has never been appended to.
func (s *Stream) LastID() ID {
	return s.lastID
}

// Len returns the number of entries currently held.
func (s *Stream) Len() int {
	return len(s.entries)
}

// Add appends a new entry under id, which must sort strictly after the
// stream's current last id. A zero id (0-0) is rejected outright, matching
// the reserved-minimum-id rule.
func (s *Stream) Add(id ID, fields []Field) (ID, error) {
	if id == Zero {
		return ID{}, ErrMinimumID
	}
	if !s.lastID.Less(id) {
		return ID{}, ErrEqualOrSmallerID
	}
	entry := Entry{ID: id, Fields: append([]Field(nil), fields...)}
	s.entries = append(s.entries, entry)
	s.lastID = id
	return id, nil
}

// Range returns every entry with id in [start, end] inclusive, in ascending
// order. An empty result is a valid, non-error outcome.
func (s *Stream) Range(start, end ID) []Entry {
	lo := sort.Search(len(s.entries), func(i int) bool {
		return !s.entries[i].ID.Less(start)
	})
	hi := sort.Search(len(s.entries), func(i int) bool {
		return end.Less(s.entries[i].ID)
	})
	if lo >= hi {
		return nil
	}
	out := make([]Entry, hi-lo)
	copy(out, s.entries[lo:hi])
	return out
}

// After returns every entry with id strictly greater than after, in
// ascending order. Used by XREAD, including its blocking form once a new
// entry triggers a retry.
func (s *Stream) After(after ID) []Entry {
	lo := sort.Search(len(s.entries), func(i int) bool {
		return after.Less(s.entries[i].ID)
	})
	if lo >= len(s.entries) {
		return nil
	}
	out := make([]Entry, len(s.entries)-lo)
	copy(out, s.entries[lo:])
	return out
}
