package stream

import (
	"errors"
	"testing"
)

func TestStream_AddRejectsZeroID(t *testing.T) {
	s := New()
	if _, err := s.Add(ID{}, nil); !errors.Is(err, ErrMinimumID) {
		t.Fatalf("Add(0-0) error = %v, want ErrMinimumID", err)
	}
}

func TestStream_AddRejectsEqualOrSmallerID(t *testing.T) {
	s := New()
	if _, err := s.Add(ID{Timestamp: 5, Sequence: 0}, nil); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	cases := []ID{
		{Timestamp: 5, Sequence: 0},
		{Timestamp: 4, Sequence: 9},
		{Timestamp: 3, Sequence: 0},
	}
	for _, id := range cases {
		if _, err := s.Add(id, nil); !errors.Is(err, ErrEqualOrSmallerID) {
			t.Errorf("Add(%s) error = %v, want ErrEqualOrSmallerID", id, err)
		}
	}
}

func TestStream_AddAcceptsIncreasingIDs(t *testing.T) {
	s := New()
	ids := []ID{{1, 0}, {1, 1}, {2, 0}, {100, 5}}
	for _, id := range ids {
		if _, err := s.Add(id, []Field{{Name: "k", Value: "v"}}); err != nil {
			t.Fatalf("Add(%s) error = %v", id, err)
		}
	}
	if got := s.LastID(); got != ids[len(ids)-1] {
		t.Fatalf("LastID() = %s, want %s", got, ids[len(ids)-1])
	}
	if s.Len() != len(ids) {
		t.Fatalf("Len() = %d, want %d", s.Len(), len(ids))
	}
}

func TestParseIDSpec(t *testing.T) {
	cases := []struct {
		name   string
		spec   string
		lastID ID
		nowMS  int64
		want   ID
	}{
		{"star on empty stream", "*", Zero, 1000, ID{1000, 0}},
		{"star bumps sequence at same ms", "*", ID{1000, 3}, 1000, ID{1000, 4}},
		{"explicit ts with star seq", "5-*", Zero, 1000, ID{5, 0}},
		{"explicit ts with star seq bumps", "5-*", ID{5, 7}, 1000, ID{5, 8}},
		{"fully explicit", "5-3", Zero, 1000, ID{5, 3}},
		{"bare timestamp", "5", Zero, 1000, ID{5, 0}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := ParseIDSpec(c.spec, c.lastID, c.nowMS)
			if err != nil {
				t.Fatalf("ParseIDSpec() error = %v", err)
			}
			if got != c.want {
				t.Fatalf("ParseIDSpec() = %s, want %s", got, c.want)
			}
		})
	}
}

func TestParseBoundary(t *testing.T) {
	if got, err := ParseBoundary("-", 0); err != nil || got != Zero {
		t.Fatalf("ParseBoundary(-) = %s, %v", got, err)
	}
	if got, err := ParseBoundary("+", 0); err != nil || got != Max {
		t.Fatalf("ParseBoundary(+) = %s, %v", got, err)
	}
	if got, err := ParseBoundary("5", 0); err != nil || got != (ID{5, 0}) {
		t.Fatalf("ParseBoundary(5) start = %s, %v", got, err)
	}
	if got, err := ParseBoundary("5", Max.Sequence); err != nil {
		t.Fatalf("ParseBoundary error = %v", err)
	} else if got.Timestamp != 5 || got.Sequence != Max.Sequence {
		t.Fatalf("ParseBoundary(5) end = %s", got)
	}
	if got, err := ParseBoundary("5-2", 0); err != nil || got != (ID{5, 2}) {
		t.Fatalf("ParseBoundary(5-2) = %s, %v", got, err)
	}
}

func TestStream_Range(t *testing.T) {
	s := New()
	ids := []ID{{1, 0}, {2, 0}, {2, 1}, {3, 0}, {4, 0}}
	for _, id := range ids {
		if _, err := s.Add(id, nil); err != nil {
			t.Fatalf("Add(%s) error = %v", id, err)
		}
	}

	got := s.Range(ID{2, 0}, ID{3, 0})
	want := []ID{{2, 0}, {2, 1}, {3, 0}}
	if len(got) != len(want) {
		t.Fatalf("Range() = %v, want %v", got, want)
	}
	for i, e := range got {
		if e.ID != want[i] {
			t.Errorf("Range()[%d] = %s, want %s", i, e.ID, want[i])
		}
	}

	if got := s.Range(Zero, Max); len(got) != len(ids) {
		t.Fatalf("Range(-,+) = %d entries, want %d", len(got), len(ids))
	}

	if got := s.Range(ID{100, 0}, Max); got != nil {
		t.Fatalf("Range() out of bounds = %v, want nil", got)
	}
}

func TestStream_After(t *testing.T) {
	s := New()
	ids := []ID{{1, 0}, {2, 0}, {3, 0}}
	for _, id := range ids {
		if _, err := s.Add(id, nil); err != nil {
			t.Fatalf("Add(%s) error = %v", id, err)
		}
	}

	got := s.After(ID{1, 0})
	if len(got) != 2 || got[0].ID != (ID{2, 0}) || got[1].ID != (ID{3, 0}) {
		t.Fatalf("After(1-0) = %v", got)
	}

	if got := s.After(ID{3, 0}); got != nil {
		t.Fatalf("After(last) = %v, want nil", got)
	}

	if got := s.After(Max); got != nil {
		t.Fatalf("After(Max) = %v, want nil", got)
	}
}

func TestID_CompareAndString(t *testing.T) {
	a := ID{Timestamp: 5, Sequence: 1}
	b := ID{Timestamp: 5, Sequence: 2}
	if !a.Less(b) {
		t.Fatalf("%s should be less than %s", a, b)
	}
	if a.String() != "5-1" {
		t.Fatalf("String() = %q, want %q", a.String(), "5-1")
	}
}
