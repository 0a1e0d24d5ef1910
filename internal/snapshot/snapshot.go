// Package snapshot loads the RDB-lineage dump file a server boots from: a
// magic header, a version, and a stream of opcodes describing key/value
// pairs and their optional expiry, terminated by an EOF opcode and checksum.
package snapshot

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/halvorsen-dev/redcore/internal/store"
	"github.com/halvorsen-dev/redcore/internal/stream"
)

const (
	opAux         = 0xFA
	opResizeDB    = 0xFB
	opExpireMS    = 0xFC
	opExpireSec   = 0xFD
	opSelectDB    = 0xFE
	opEOF         = 0xFF
	valTypeString = 0x00
	// valTypeStream is not part of the original RDB value-type space; it is
	// this format's own encoding for a stream's entries so a primary that
	// only ever XADDs can still restore its data on restart.
	valTypeStream = 0x01
)

// ErrBadMagic is returned when the file does not begin with "REDIS".
var ErrBadMagic = errors.New("snapshot: missing REDIS magic header")

// ErrBadLength is returned when a length-encoded field uses the unsupported
// 32-bit-length top-bit pattern (0b10) or any other reserved value.
var ErrBadLength = errors.New("snapshot: unsupported length encoding")

// Load reads a full snapshot from r and installs every unexpired key into
// st. It returns early on io.EOF from the opcode loop (defensive; a
// well-formed file always ends with an explicit EOF opcode).
func Load(r io.Reader, st *store.Store) error {
	br := bufio.NewReader(r)

	magic := make([]byte, 5)
	if _, err := io.ReadFull(br, magic); err != nil {
		return fmt.Errorf("reading magic: %w", err)
	}
	if string(magic) != "REDIS" {
		return fmt.Errorf("%w: got %q", ErrBadMagic, magic)
	}
	version := make([]byte, 4)
	if _, err := io.ReadFull(br, version); err != nil {
		return fmt.Errorf("reading version: %w", err)
	}

	for {
		op, err := br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading opcode: %w", err)
		}

		switch op {
		case opAux:
			if _, err := readValue(br); err != nil {
				return fmt.Errorf("reading aux key: %w", err)
			}
			if _, err := readValue(br); err != nil {
				return fmt.Errorf("reading aux value: %w", err)
			}

		case opResizeDB:
			if _, _, err := readLength(br); err != nil {
				return fmt.Errorf("reading resizedb table size: %w", err)
			}
			if _, _, err := readLength(br); err != nil {
				return fmt.Errorf("reading resizedb expire hash size: %w", err)
			}

		case opSelectDB:
			if _, err := br.ReadByte(); err != nil {
				return fmt.Errorf("reading db selector: %w", err)
			}

		case opEOF:
			var checksum [8]byte
			if _, err := io.ReadFull(br, checksum[:]); err != nil {
				return fmt.Errorf("reading checksum: %w", err)
			}
			return nil

		case opExpireMS:
			var raw [8]byte
			if _, err := io.ReadFull(br, raw[:]); err != nil {
				return fmt.Errorf("reading ms expiry: %w", err)
			}
			ms := int64(binary.LittleEndian.Uint64(raw[:]))
			if err := readPair(br, st, time.UnixMilli(ms)); err != nil {
				return err
			}

		case opExpireSec:
			var raw [4]byte
			if _, err := io.ReadFull(br, raw[:]); err != nil {
				return fmt.Errorf("reading sec expiry: %w", err)
			}
			sec := int64(binary.LittleEndian.Uint32(raw[:]))
			if err := readPair(br, st, time.Unix(sec, 0)); err != nil {
				return err
			}

		case valTypeString, valTypeStream:
			// A value-type byte with no preceding expiry opcode: rewind by
			// treating the byte we just read as the value-type marker of a
			// no-expiry pair.
			if err := readTypedPair(br, st, op, time.Time{}); err != nil {
				return err
			}

		default:
			return fmt.Errorf("snapshot: unknown opcode 0x%02x", op)
		}
	}
}

// readPair reads a value-type byte followed by a key/value pair, installing
// it into st with the given expiry (zero Time means no expiry). A pair whose
// expiry has already passed is not installed. Stream values are installed
// without an expiry.
func readPair(br *bufio.Reader, st *store.Store, expireAt time.Time) error {
	valType, err := br.ReadByte()
	if err != nil {
		return fmt.Errorf("reading value type: %w", err)
	}
	return readTypedPair(br, st, valType, expireAt)
}

func readTypedPair(br *bufio.Reader, st *store.Store, valType byte, expireAt time.Time) error {
	key, err := readValue(br)
	if err != nil {
		return fmt.Errorf("reading key: %w", err)
	}

	switch valType {
	case valTypeString:
		val, err := readValue(br)
		if err != nil {
			return fmt.Errorf("reading string value: %w", err)
		}
		if !expireAt.IsZero() && !time.Now().Before(expireAt) {
			return nil
		}
		st.LoadString(key, []byte(val), expireAt)

	case valTypeStream:
		entryCount, _, err := readLength(br)
		if err != nil {
			return fmt.Errorf("reading stream entry count: %w", err)
		}
		s := stream.New()
		for i := int64(0); i < entryCount; i++ {
			ts, _, err := readLength(br)
			if err != nil {
				return fmt.Errorf("reading stream entry timestamp: %w", err)
			}
			seq, _, err := readLength(br)
			if err != nil {
				return fmt.Errorf("reading stream entry sequence: %w", err)
			}
			fieldCount, _, err := readLength(br)
			if err != nil {
				return fmt.Errorf("reading stream field count: %w", err)
			}
			fields := make([]stream.Field, fieldCount)
			for j := int64(0); j < fieldCount; j++ {
				name, err := readValue(br)
				if err != nil {
					return fmt.Errorf("reading stream field name: %w", err)
				}
				val, err := readValue(br)
				if err != nil {
					return fmt.Errorf("reading stream field value: %w", err)
				}
				fields[j] = stream.Field{Name: name, Value: val}
			}
			if _, err := s.Add(stream.ID{Timestamp: ts, Sequence: seq}, fields); err != nil {
				return fmt.Errorf("restoring stream entry: %w", err)
			}
		}
		if !expireAt.IsZero() && !time.Now().Before(expireAt) {
			return nil
		}
		st.LoadStream(key, s)

	default:
		return fmt.Errorf("snapshot: unknown value type 0x%02x", valType)
	}
	return nil
}

// readValue reads a length-encoded string. Special-encoded integers are
// decoded and rendered back to their decimal string form, matching the
// format's own string-typed key/value space.
func readValue(br *bufio.Reader) (string, error) {
	n, special, err := readLength(br)
	if err != nil {
		return "", err
	}
	if special {
		return fmt.Sprintf("%d", n), nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return "", fmt.Errorf("reading %d-byte string: %w", n, err)
	}
	return string(buf), nil
}

// readLength decodes one length-encoded field. When special is true, n is
// the decoded integer value of a special-encoded int8/16/32, not a length.
func readLength(br *bufio.Reader) (n int64, special bool, err error) {
	first, err := br.ReadByte()
	if err != nil {
		return 0, false, err
	}
	switch first >> 6 {
	case 0b00:
		return int64(first & 0x3F), false, nil
	case 0b01:
		second, err := br.ReadByte()
		if err != nil {
			return 0, false, err
		}
		return int64(first&0x3F)<<8 | int64(second), false, nil
	case 0b11:
		switch first & 0x3F {
		case 0:
			b, err := br.ReadByte()
			if err != nil {
				return 0, false, err
			}
			return int64(int8(b)), true, nil
		case 1:
			var buf [2]byte
			if _, err := io.ReadFull(br, buf[:]); err != nil {
				return 0, false, err
			}
			return int64(int16(binary.LittleEndian.Uint16(buf[:]))), true, nil
		case 2:
			var buf [4]byte
			if _, err := io.ReadFull(br, buf[:]); err != nil {
				return 0, false, err
			}
			return int64(int32(binary.LittleEndian.Uint32(buf[:]))), true, nil
		default:
			return 0, false, fmt.Errorf("%w: special encoding %d", ErrBadLength, first&0x3F)
		}
	default:
		return 0, false, fmt.Errorf("%w: top bits 0b%02b", ErrBadLength, first>>6)
	}
}
