package snapshot

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/halvorsen-dev/redcore/internal/store"
)

func header() []byte {
	return append([]byte("REDIS"), []byte("0011")...)
}

func lenEncode(n int) []byte {
	if n < 1<<6 {
		return []byte{byte(n)}
	}
	return []byte{0x40 | byte(n>>8), byte(n)}
}

func strEncode(s string) []byte {
	return append(lenEncode(len(s)), []byte(s)...)
}

func TestLoad_RejectsBadMagic(t *testing.T) {
	buf := bytes.NewBufferString("NOTREDIS")
	err := Load(buf, store.New())
	if !errors.Is(err, ErrBadMagic) {
		t.Fatalf("Load() error = %v, want ErrBadMagic", err)
	}
}

func TestLoad_NoExpiryPair(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(header())
	buf.WriteByte(0x00) // string pair, no expiry
	buf.Write(strEncode("foo"))
	buf.Write(strEncode("bar"))
	buf.WriteByte(opEOF)
	buf.Write(make([]byte, 8))

	st := store.New()
	if err := Load(&buf, st); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	v, ok, err := st.Get("foo")
	if err != nil || !ok || string(v) != "bar" {
		t.Fatalf("Get(foo) = %q, %v, %v", v, ok, err)
	}
}

func TestLoad_ExpiredEntryDiscarded(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(header())
	buf.WriteByte(opExpireMS)
	past := make([]byte, 8)
	// 1 (ms since epoch) — long expired.
	past[0] = 1
	buf.Write(past)
	buf.WriteByte(0x00)
	buf.Write(strEncode("gone"))
	buf.Write(strEncode("v"))
	buf.WriteByte(opEOF)
	buf.Write(make([]byte, 8))

	st := store.New()
	if err := Load(&buf, st); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if st.Exists("gone") {
		t.Fatal("Load() kept an already-expired key")
	}
}

func TestLoad_FutureExpiryKept(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(header())
	buf.WriteByte(opExpireSec)
	future := uint32(time.Now().Add(time.Hour).Unix())
	var secBuf [4]byte
	secBuf[0] = byte(future)
	secBuf[1] = byte(future >> 8)
	secBuf[2] = byte(future >> 16)
	secBuf[3] = byte(future >> 24)
	buf.Write(secBuf[:])
	buf.WriteByte(0x00)
	buf.Write(strEncode("k"))
	buf.Write(strEncode("v"))
	buf.WriteByte(opEOF)
	buf.Write(make([]byte, 8))

	st := store.New()
	if err := Load(&buf, st); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !st.Exists("k") {
		t.Fatal("Load() discarded a not-yet-expired key")
	}
}

func TestLoad_AuxAndResizeDBAreSkipped(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(header())
	buf.WriteByte(opAux)
	buf.Write(strEncode("redis-ver"))
	buf.Write(strEncode("7.0"))
	buf.WriteByte(opResizeDB)
	buf.Write(lenEncode(1))
	buf.Write(lenEncode(0))
	buf.WriteByte(opSelectDB)
	buf.WriteByte(0)
	buf.WriteByte(0x00)
	buf.Write(strEncode("k"))
	buf.Write(strEncode("v"))
	buf.WriteByte(opEOF)
	buf.Write(make([]byte, 8))

	st := store.New()
	if err := Load(&buf, st); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	v, ok, _ := st.Get("k")
	if !ok || string(v) != "v" {
		t.Fatalf("Get(k) = %q, %v", v, ok)
	}
}

func TestLoad_StreamValue(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(header())
	buf.WriteByte(valTypeStream)
	buf.Write(strEncode("events"))
	buf.Write(lenEncode(1)) // one entry
	buf.Write(lenEncode(5)) // timestamp
	buf.Write(lenEncode(0)) // sequence
	buf.Write(lenEncode(1)) // one field
	buf.Write(strEncode("k"))
	buf.Write(strEncode("v"))
	buf.WriteByte(opEOF)
	buf.Write(make([]byte, 8))

	st := store.New()
	if err := Load(&buf, st); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	s, ok, err := st.GetStream("events")
	if err != nil || !ok {
		t.Fatalf("GetStream() = %v, %v", ok, err)
	}
	if s.Len() != 1 {
		t.Fatalf("stream Len() = %d, want 1", s.Len())
	}
}
