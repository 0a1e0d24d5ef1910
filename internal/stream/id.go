// Package stream implements the append-only entry log backing the XADD,
// XRANGE and XREAD commands: entries are kept in a totally ordered
// (timestamp, sequence) id space and never mutated or removed once appended.
package stream

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ID is a totally ordered (timestamp_ms, sequence) pair identifying a single
// stream entry. Comparisons order first by timestamp, then by sequence.
type ID struct {
	Timestamp int64
	Sequence  int64
}

// Zero is the smallest possible ID, used as the lower boundary sentinel.
var Zero = ID{}

// Max is the largest representable ID, used as the upper boundary sentinel.
var Max = ID{Timestamp: math.MaxInt64, Sequence: math.MaxInt64}

// Compare returns -1, 0 or 1 as id is less than, equal to, or greater than other.
func (id ID) Compare(other ID) int {
	switch {
	case id.Timestamp < other.Timestamp:
		return -1
	case id.Timestamp > other.Timestamp:
		return 1
	case id.Sequence < other.Sequence:
		return -1
	case id.Sequence > other.Sequence:
		return 1
	default:
		return 0
	}
}

// Less reports whether id sorts strictly before other.
func (id ID) Less(other ID) bool { return id.Compare(other) < 0 }

// String renders the canonical "timestamp-sequence" form.
func (id ID) String() string {
	return fmt.Sprintf("%d-%d", id.Timestamp, id.Sequence)
}

var (
	// ErrInvalidIDFormat is returned when an id-spec cannot be parsed at all.
	ErrInvalidIDFormat = errors.New("stream: invalid ID format")
	// ErrEqualOrSmallerID is returned by Add when the supplied or generated id
	// does not sort strictly after the stream's current last id.
	ErrEqualOrSmallerID = errors.New("ERR The ID specified in XADD is equal or smaller than the target stream top item")
	// ErrMinimumID is returned when an explicit id of 0-0 is supplied, which
	// would collide with the reserved smallest-possible id.
	ErrMinimumID = errors.New("ERR The ID specified in XADD must be greater than 0-0")
)

// ParseIDSpec parses an XADD id-spec, one of:
//
//	"*"        - auto-generate both timestamp and sequence
//	"<ts>-*"   - caller-supplied timestamp, auto-generate sequence
//	"<ts>-<seq>" - fully explicit id
//
// lastID is the stream's current last entry id (Zero if the stream is
// empty) and nowMS is the wall-clock time to use for "*"/"<ts>-*" forms.
func ParseIDSpec(spec string, lastID ID, nowMS int64) (ID, error) {
	if spec == "*" {
		ts := nowMS
		seq := int64(0)
		if ts == lastID.Timestamp {
			seq = lastID.Sequence + 1
		}
		return ID{Timestamp: ts, Sequence: seq}, nil
	}

	parts := strings.SplitN(spec, "-", 2)
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidIDFormat, spec)
	}
	if len(parts) == 1 {
		return ID{Timestamp: ts, Sequence: 0}, nil
	}
	if parts[1] == "*" {
		seq := int64(0)
		if ts == lastID.Timestamp {
			seq = lastID.Sequence + 1
		}
		return ID{Timestamp: ts, Sequence: seq}, nil
	}
	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidIDFormat, spec)
	}
	return ID{Timestamp: ts, Sequence: seq}, nil
}

// ParseBoundary parses an XRANGE/XREVRANGE range endpoint: "-" (Zero), "+"
// (Max), a bare timestamp (sequence defaults to 0 for a start bound, or
// math.MaxInt64 for an end bound — callers pass the right default via
// seqIfBare), or a full "ts-seq" pair.
func ParseBoundary(spec string, seqIfBare int64) (ID, error) {
	switch spec {
	case "-":
		return Zero, nil
	case "+":
		return Max, nil
	}
	parts := strings.SplitN(spec, "-", 2)
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidIDFormat, spec)
	}
	if len(parts) == 1 {
		return ID{Timestamp: ts, Sequence: seqIfBare}, nil
	}
	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidIDFormat, spec)
	}
	return ID{Timestamp: ts, Sequence: seq}, nil
}
