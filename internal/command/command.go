// Package command implements the dispatch table that turns a parsed RESP
// command into store/stream reads and writes plus zero or more reply
// frames. Handlers never know whether they are running on a primary or a
// replica beyond what the Engine capability interface exposes.
package command

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/halvorsen-dev/redcore/internal/protocol"
	"github.com/halvorsen-dev/redcore/internal/store"
	"github.com/halvorsen-dev/redcore/internal/stream"
)

// Role distinguishes the two fixed server roles.
type Role string

const (
	RoleMaster Role = "master"
	RoleSlave  Role = "slave"
)

// Engine is the set of server capabilities a command handler needs but does
// not own: propagating writes, accounting the replication offset, waiting
// on replica ACKs, and waking blocked XREAD callers. Both
// *server.PrimaryServer and *server.ReplicaServer satisfy this interface; a
// process runs exactly one of them.
type Engine interface {
	Role() Role
	ReplID() string
	Offset() int64
	Propagate(raw []byte)
	ConfigGet(key string) (string, bool)
	// LoadSample returns the most recently sampled memory-used percentage
	// and 1-minute load average, for the INFO command's load gauge.
	LoadSample() (memPercent float64, load1 float64)
	// Wait blocks until at least n replicas report an offset >= the
	// offset at call time, or timeoutMS elapses, and returns the count of
	// replicas meeting that bar when it returns.
	Wait(n int, timeoutMS int64) int
	// RDBSnapshot returns the bytes of a full-resync payload.
	RDBSnapshot() []byte
	// NotifyStreamAppend wakes any blocked XREAD waiting on key whose
	// watermark is now satisfied by id.
	NotifyStreamAppend(key string, id stream.ID)
	// AwaitStreamActivity blocks until some key in keys receives an append
	// past its paired watermark, or timeoutMS elapses (ignored when
	// indefinite is true, in which case it blocks until woken). recheck is
	// called once the wait is registered, before blocking, so a call
	// reports activity already present instead of missing it.
	AwaitStreamActivity(keys []string, watermarks []stream.ID, timeoutMS int64, indefinite bool, recheck func() bool)
}

// DollarID is the resolved form of XREAD's "$" start token: the stream's
// current last id at the moment the command runs, or (-1,-1) if the
// stream does not yet exist, so the first ever append always matches.
var DollarID = stream.ID{Timestamp: -1, Sequence: -1}

// Result carries everything a dispatched command produced. Reply is nil
// when the command has no ordinary reply to send (PSYNC, which instead
// populates FullResyncLine/RDBPayload). RegisterReplica signals the caller
// to add this connection to the replica fan-out set after writing
// RDBPayload.
type Result struct {
	Reply           *protocol.Message
	FullResyncLine  string // e.g. "FULLRESYNC <replid> <offset>", set only for PSYNC
	RDBPayload      []byte // set only for PSYNC
	RegisterReplica bool
}

func simple(s string) *protocol.Message  { return &protocol.Message{Type: protocol.TypeSimpleString, Str: s} }
func errMsg(s string) *protocol.Message  { return &protocol.Message{Type: protocol.TypeError, Str: s} }
func integer(n int64) *protocol.Message  { return &protocol.Message{Type: protocol.TypeInteger, Int: n} }
func bulk(b []byte) *protocol.Message    { return &protocol.Message{Type: protocol.TypeBulk, Bulk: b} }
func bulkStr(s string) *protocol.Message { return bulk([]byte(s)) }
func nullBulk() *protocol.Message        { return &protocol.Message{Type: protocol.TypeBulk, Null: true} }
func array(elems []protocol.Message) *protocol.Message {
	return &protocol.Message{Type: protocol.TypeArray, Array: elems}
}

// Execute dispatches one command. raw is the exact bytes the command was
// decoded from, used for write propagation.
func Execute(eng Engine, st *store.Store, args [][]byte, raw []byte) (Result, error) {
	if len(args) == 0 {
		return Result{Reply: errMsg("ERR empty command")}, nil
	}
	name := strings.ToUpper(string(args[0]))

	switch name {
	case "PING":
		return Result{Reply: simple("PONG")}, nil
	case "ECHO":
		return cmdEcho(args), nil
	case "SET":
		return cmdSet(eng, st, args, raw), nil
	case "GET":
		return cmdGet(st, args), nil
	case "TYPE":
		return cmdType(st, args), nil
	case "KEYS":
		return cmdKeys(st, args), nil
	case "XADD":
		return cmdXAdd(eng, st, args, raw), nil
	case "XRANGE":
		return cmdXRange(st, args), nil
	case "XREAD":
		return cmdXRead(eng, st, args), nil
	case "INFO":
		return cmdInfo(eng, args), nil
	case "CONFIG":
		return cmdConfig(eng, args), nil
	case "REPLCONF":
		return cmdReplconf(eng, args), nil
	case "PSYNC":
		return cmdPsync(eng, args), nil
	case "WAIT":
		return cmdWait(eng, args), nil
	default:
		return Result{Reply: errMsg("Unknown command")}, nil
	}
}

func wrongArity(cmd string) Result {
	return Result{Reply: errMsg(fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(cmd)))}
}

func cmdEcho(args [][]byte) Result {
	if len(args) != 2 {
		return wrongArity("echo")
	}
	return Result{Reply: bulk(args[1])}
}

func cmdSet(eng Engine, st *store.Store, args [][]byte, raw []byte) Result {
	if len(args) != 3 && len(args) != 5 {
		return wrongArity("set")
	}
	key, value := string(args[1]), args[2]
	var ttl time.Duration
	if len(args) == 5 {
		if !strings.EqualFold(string(args[3]), "PX") {
			return Result{Reply: errMsg("ERR syntax error")}
		}
		ms, err := strconv.ParseInt(string(args[4]), 10, 64)
		if err != nil {
			return Result{Reply: errMsg("ERR value is not an integer or out of range")}
		}
		ttl = time.Duration(ms) * time.Millisecond
	}
	st.SetString(key, value, ttl)
	if eng.Role() == RoleMaster {
		eng.Propagate(raw)
	}
	return Result{Reply: simple("OK")}
}

func cmdGet(st *store.Store, args [][]byte) Result {
	if len(args) != 2 {
		return wrongArity("get")
	}
	v, ok, err := st.Get(string(args[1]))
	if err != nil {
		return Result{Reply: errMsg(err.Error())}
	}
	if !ok {
		return Result{Reply: nullBulk()}
	}
	return Result{Reply: bulk(v)}
}

func cmdType(st *store.Store, args [][]byte) Result {
	if len(args) != 2 {
		return wrongArity("type")
	}
	return Result{Reply: simple(st.Type(string(args[1])).String())}
}

func cmdKeys(st *store.Store, args [][]byte) Result {
	if len(args) != 2 {
		return wrongArity("keys")
	}
	if string(args[1]) != "*" {
		return Result{Reply: errMsg("ERR KEYS only supports the '*' pattern")}
	}
	keys := st.Keys()
	elems := make([]protocol.Message, len(keys))
	for i, k := range keys {
		elems[i] = *bulkStr(k)
	}
	return Result{Reply: array(elems)}
}

func cmdXAdd(eng Engine, st *store.Store, args [][]byte, raw []byte) Result {
	if len(args) < 5 || (len(args)-3)%2 != 0 {
		return wrongArity("xadd")
	}
	key, idSpec := string(args[1]), string(args[2])
	s, err := st.StreamFor(key)
	if err != nil {
		return Result{Reply: errMsg(err.Error())}
	}

	id, err := stream.ParseIDSpec(idSpec, s.LastID(), time.Now().UnixMilli())
	if err != nil {
		return Result{Reply: errMsg(err.Error())}
	}

	fields := make([]stream.Field, 0, (len(args)-3)/2)
	for i := 3; i+1 < len(args); i += 2 {
		fields = append(fields, stream.Field{Name: string(args[i]), Value: string(args[i+1])})
	}

	id, err = s.Add(id, fields)
	if err != nil {
		return Result{Reply: errMsg(err.Error())}
	}

	if eng.Role() == RoleMaster {
		eng.Propagate(raw)
	}
	eng.NotifyStreamAppend(key, id)
	return Result{Reply: bulkStr(id.String())}
}

func cmdXRange(st *store.Store, args [][]byte) Result {
	if len(args) != 4 {
		return wrongArity("xrange")
	}
	key := string(args[1])
	start, err := stream.ParseBoundary(string(args[2]), 0)
	if err != nil {
		return Result{Reply: errMsg(err.Error())}
	}
	end, err := stream.ParseBoundary(string(args[3]), stream.Max.Sequence)
	if err != nil {
		return Result{Reply: errMsg(err.Error())}
	}

	s, ok, err := st.GetStream(key)
	if err != nil {
		return Result{Reply: errMsg(err.Error())}
	}
	if !ok {
		return Result{Reply: array(nil)}
	}
	return Result{Reply: array(entriesToMessages(s.Range(start, end)))}
}

func entriesToMessages(entries []stream.Entry) []protocol.Message {
	elems := make([]protocol.Message, len(entries))
	for i, e := range entries {
		fieldElems := make([]protocol.Message, 0, len(e.Fields)*2)
		for _, f := range e.Fields {
			fieldElems = append(fieldElems, *bulkStr(f.Name), *bulkStr(f.Value))
		}
		elems[i] = protocol.Message{
			Type: protocol.TypeArray,
			Array: []protocol.Message{
				*bulkStr(e.ID.String()),
				*array(fieldElems),
			},
		}
	}
	return elems
}

func cmdXRead(eng Engine, st *store.Store, args [][]byte) Result {
	i := 1
	var blockMS int64 = -1
	if i < len(args) && strings.EqualFold(string(args[i]), "BLOCK") {
		if i+1 >= len(args) {
			return wrongArity("xread")
		}
		ms, err := strconv.ParseInt(string(args[i+1]), 10, 64)
		if err != nil {
			return Result{Reply: errMsg("ERR value is not an integer or out of range")}
		}
		blockMS = ms
		i += 2
	}
	if i >= len(args) || !strings.EqualFold(string(args[i]), "STREAMS") {
		return wrongArity("xread")
	}
	rest := args[i+1:]
	if len(rest) == 0 || len(rest)%2 != 0 {
		return wrongArity("xread")
	}
	n := len(rest) / 2
	keys := make([]string, n)
	starts := make([]stream.ID, n)
	for j := 0; j < n; j++ {
		keys[j] = string(rest[j])
		startSpec := string(rest[n+j])
		if startSpec == "$" {
			if s, ok, _ := st.GetStream(keys[j]); ok {
				starts[j] = s.LastID()
			} else {
				starts[j] = DollarID
			}
			continue
		}
		id, err := stream.ParseBoundary(startSpec, 0)
		if err != nil {
			return Result{Reply: errMsg(err.Error())}
		}
		starts[j] = id
	}

	if reply := collectXRead(st, keys, starts); reply != nil {
		return Result{Reply: reply}
	}
	if blockMS < 0 {
		return Result{Reply: nullBulk()}
	}

	var reply *protocol.Message
	eng.AwaitStreamActivity(keys, starts, blockMS, blockMS == 0, func() bool {
		reply = collectXRead(st, keys, starts)
		return reply != nil
	})
	if reply == nil {
		reply = collectXRead(st, keys, starts)
	}
	if reply != nil {
		return Result{Reply: reply}
	}
	return Result{Reply: nullBulk()}
}

// collectXRead returns nil if no key has any entry past its paired start.
func collectXRead(st *store.Store, keys []string, starts []stream.ID) *protocol.Message {
	var perKey []protocol.Message
	for j, key := range keys {
		s, ok, err := st.GetStream(key)
		if err != nil || !ok {
			continue
		}
		entries := s.After(starts[j])
		if len(entries) == 0 {
			continue
		}
		perKey = append(perKey, protocol.Message{
			Type: protocol.TypeArray,
			Array: []protocol.Message{
				*bulkStr(key),
				*array(entriesToMessages(entries)),
			},
		})
	}
	if perKey == nil {
		return nil
	}
	return array(perKey)
}

func cmdInfo(eng Engine, args [][]byte) Result {
	var b strings.Builder
	fmt.Fprintf(&b, "role:%s\r\n", eng.Role())
	fmt.Fprintf(&b, "master_replid:%s\r\n", eng.ReplID())
	fmt.Fprintf(&b, "master_repl_offset:%d\r\n", eng.Offset())
	memPercent, load1 := eng.LoadSample()
	fmt.Fprintf(&b, "mem_percent:%.2f\r\n", memPercent)
	fmt.Fprintf(&b, "load1:%.2f\r\n", load1)
	return Result{Reply: bulkStr(b.String())}
}

func cmdConfig(eng Engine, args [][]byte) Result {
	if len(args) != 3 || !strings.EqualFold(string(args[1]), "GET") {
		return wrongArity("config")
	}
	key := string(args[2])
	val, ok := eng.ConfigGet(key)
	if !ok {
		return Result{Reply: errMsg("ERR unknown config parameter")}
	}
	return Result{Reply: array([]protocol.Message{*bulkStr(key), *bulkStr(val)})}
}

func cmdReplconf(eng Engine, args [][]byte) Result {
	if len(args) < 2 {
		return wrongArity("replconf")
	}
	sub := strings.ToUpper(string(args[1]))
	switch sub {
	case "LISTENING-PORT", "CAPA":
		return Result{Reply: simple("OK")}
	case "GETACK":
		return Result{Reply: array([]protocol.Message{
			*bulkStr("REPLCONF"), *bulkStr("ACK"), *bulkStr(strconv.FormatInt(eng.Offset(), 10)),
		})}
	case "ACK":
		// Consumed by the primary's replica-link reader to update the
		// connection's reported offset; no reply is ever sent for ACK.
		return Result{}
	default:
		return Result{Reply: errMsg("ERR unrecognized REPLCONF option")}
	}
}

func cmdPsync(eng Engine, args [][]byte) Result {
	if eng.Role() != RoleMaster {
		return Result{Reply: errMsg("ERR PSYNC is only valid against a master")}
	}
	if len(args) != 3 {
		return wrongArity("psync")
	}
	return Result{
		FullResyncLine:  fmt.Sprintf("FULLRESYNC %s %d", eng.ReplID(), eng.Offset()),
		RDBPayload:      eng.RDBSnapshot(),
		RegisterReplica: true,
	}
}

func cmdWait(eng Engine, args [][]byte) Result {
	if eng.Role() != RoleMaster {
		return Result{Reply: errMsg("ERR WAIT is only valid against a master")}
	}
	if len(args) != 3 {
		return wrongArity("wait")
	}
	n, err := strconv.Atoi(string(args[1]))
	if err != nil {
		return Result{Reply: errMsg("ERR value is not an integer or out of range")}
	}
	ms, err := strconv.ParseInt(string(args[2]), 10, 64)
	if err != nil {
		return Result{Reply: errMsg("ERR value is not an integer or out of range")}
	}
	return Result{Reply: integer(int64(eng.Wait(n, ms)))}
}
