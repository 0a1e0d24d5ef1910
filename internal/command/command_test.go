package command

import (
	"testing"
	"time"

	"github.com/halvorsen-dev/redcore/internal/protocol"
	"github.com/halvorsen-dev/redcore/internal/store"
	"github.com/halvorsen-dev/redcore/internal/stream"
)

type fakeEngine struct {
	role          Role
	replID        string
	offset        int64
	propagated    [][]byte
	config        map[string]string
	waitResult    int
	rdb           []byte
	appended      map[string]stream.ID
	awaitedKeys   []string
	awaitedMarks  []stream.ID
	awaitedIndef  bool
	awaitedMS     int64
	memPercent    float64
	load1         float64
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		role:     RoleMaster,
		replID:   "0123456789012345678901234567890123456789",
		config:   map[string]string{"dir": "/tmp", "dbfilename": "dump.rdb"},
		appended: map[string]stream.ID{},
	}
}

func (f *fakeEngine) Role() Role     { return f.role }
func (f *fakeEngine) ReplID() string { return f.replID }
func (f *fakeEngine) Offset() int64  { return f.offset }
func (f *fakeEngine) Propagate(raw []byte) {
	f.propagated = append(f.propagated, raw)
	f.offset += int64(len(raw))
}
func (f *fakeEngine) ConfigGet(key string) (string, bool) {
	v, ok := f.config[key]
	return v, ok
}
func (f *fakeEngine) LoadSample() (float64, float64) { return f.memPercent, f.load1 }
func (f *fakeEngine) Wait(n int, timeoutMS int64) int { return f.waitResult }
func (f *fakeEngine) RDBSnapshot() []byte             { return f.rdb }
func (f *fakeEngine) NotifyStreamAppend(key string, id stream.ID) {
	f.appended[key] = id
}
func (f *fakeEngine) AwaitStreamActivity(keys []string, watermarks []stream.ID, timeoutMS int64, indefinite bool, recheck func() bool) {
	f.awaitedKeys = keys
	f.awaitedMarks = watermarks
	f.awaitedMS = timeoutMS
	f.awaitedIndef = indefinite
	recheck()
}

func TestExecute_Ping(t *testing.T) {
	res, err := Execute(newFakeEngine(), store.New(), [][]byte{[]byte("PING")}, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Reply.Type != protocol.TypeSimpleString || res.Reply.Str != "PONG" {
		t.Fatalf("Execute(PING) = %+v", res.Reply)
	}
}

func TestExecute_SetGetWithExpiry(t *testing.T) {
	eng := newFakeEngine()
	st := store.New()

	res, _ := Execute(eng, st, [][]byte{[]byte("SET"), []byte("foo"), []byte("bar"), []byte("PX"), []byte("100")}, []byte("raw"))
	if res.Reply.Str != "OK" {
		t.Fatalf("SET reply = %+v", res.Reply)
	}
	if len(eng.propagated) != 1 {
		t.Fatalf("propagated = %d writes, want 1", len(eng.propagated))
	}

	res, _ = Execute(eng, st, [][]byte{[]byte("GET"), []byte("foo")}, nil)
	if string(res.Reply.Bulk) != "bar" {
		t.Fatalf("GET reply = %+v", res.Reply)
	}

	time.Sleep(150 * time.Millisecond)
	res, _ = Execute(eng, st, [][]byte{[]byte("GET"), []byte("foo")}, nil)
	if !res.Reply.Null {
		t.Fatalf("GET after expiry = %+v, want null", res.Reply)
	}
}

func TestExecute_XAddOrderRejection(t *testing.T) {
	eng := newFakeEngine()
	st := store.New()

	res, _ := Execute(eng, st, [][]byte{[]byte("XADD"), []byte("s"), []byte("1-1"), []byte("k"), []byte("v")}, []byte("raw1"))
	if string(res.Reply.Bulk) != "1-1" {
		t.Fatalf("XADD reply = %+v", res.Reply)
	}

	res, _ = Execute(eng, st, [][]byte{[]byte("XADD"), []byte("s"), []byte("1-1"), []byte("k"), []byte("v")}, nil)
	want := "ERR The ID specified in XADD is equal or smaller than the target stream top item"
	if res.Reply.Type != protocol.TypeError || res.Reply.Str != want {
		t.Fatalf("XADD duplicate reply = %+v, want error %q", res.Reply, want)
	}

	res, _ = Execute(eng, st, [][]byte{[]byte("XADD"), []byte("s"), []byte("0-0"), []byte("k"), []byte("v")}, nil)
	want = "ERR The ID specified in XADD must be greater than 0-0"
	if res.Reply.Type != protocol.TypeError || res.Reply.Str != want {
		t.Fatalf("XADD zero id reply = %+v, want error %q", res.Reply, want)
	}
}

func TestExecute_WaitZeroReplicas(t *testing.T) {
	eng := newFakeEngine()
	eng.waitResult = 0
	res, _ := Execute(eng, store.New(), [][]byte{[]byte("WAIT"), []byte("0"), []byte("100")}, nil)
	if res.Reply.Type != protocol.TypeInteger || res.Reply.Int != 0 {
		t.Fatalf("WAIT reply = %+v, want :0", res.Reply)
	}
}

func TestExecute_UnknownCommand(t *testing.T) {
	res, _ := Execute(newFakeEngine(), store.New(), [][]byte{[]byte("FROBNICATE")}, nil)
	if res.Reply.Type != protocol.TypeError || res.Reply.Str != "Unknown command" {
		t.Fatalf("Execute(unknown) = %+v", res.Reply)
	}
}

func TestExecute_XReadBlockRegistersTrigger(t *testing.T) {
	eng := newFakeEngine()
	st := store.New()

	args := [][]byte{[]byte("XREAD"), []byte("BLOCK"), []byte("0"), []byte("STREAMS"), []byte("s"), []byte("$")}
	res, _ := Execute(eng, st, args, nil)
	if !res.Reply.Null {
		t.Fatalf("XREAD BLOCK with no entries = %+v, want null (await returned with nothing new)", res.Reply)
	}
	if len(eng.awaitedKeys) != 1 || eng.awaitedKeys[0] != "s" {
		t.Fatalf("AwaitStreamActivity keys = %v", eng.awaitedKeys)
	}
	if !eng.awaitedIndef {
		t.Fatal("AwaitStreamActivity indefinite = false, want true for BLOCK 0")
	}
}

func TestExecute_XRangeBoundaries(t *testing.T) {
	eng := newFakeEngine()
	st := store.New()
	for _, id := range []string{"1-0", "2-0", "2-1", "3-0"} {
		if _, err := Execute(eng, st, [][]byte{[]byte("XADD"), []byte("s"), []byte(id), []byte("k"), []byte("v")}, nil); err != nil {
			t.Fatalf("XADD setup error = %v", err)
		}
	}

	res, _ := Execute(eng, st, [][]byte{[]byte("XRANGE"), []byte("s"), []byte("2"), []byte("2")}, nil)
	if len(res.Reply.Array) != 2 {
		t.Fatalf("XRANGE result = %v, want 2 entries", res.Reply.Array)
	}
}

func TestExecute_Psync(t *testing.T) {
	eng := newFakeEngine()
	eng.rdb = []byte("REDIS0011\xff")
	res, _ := Execute(eng, store.New(), [][]byte{[]byte("PSYNC"), []byte("?"), []byte("-1")}, nil)
	if !res.RegisterReplica {
		t.Fatal("PSYNC did not request replica registration")
	}
	if res.FullResyncLine == "" {
		t.Fatal("PSYNC produced empty FULLRESYNC line")
	}
}
