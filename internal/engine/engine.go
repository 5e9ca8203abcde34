// Package engine implements the command set against the shared keyspace
// and TTL index, logging mutations to the append-only file before a
// reply is produced, and applying AOF-replayed records through the same
// command bodies with logging suppressed.
package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"redikv/internal/aof"
	"redikv/internal/filter"
	"redikv/internal/logging"
	"redikv/internal/protocol"
	"redikv/internal/ttl"
)

// CommandError is a client-visible error reply; it never closes the
// connection, unlike a protocol.ProtocolError.
type CommandError struct {
	msg string
}

func (e *CommandError) Error() string { return e.msg }

func cmdErrf(format string, args ...interface{}) *CommandError {
	return &CommandError{msg: fmt.Sprintf(format, args...)}
}

func errUnknownCommand(cmd string) *CommandError {
	return cmdErrf("ERR unknown command %s", cmd)
}

func errWrongArity(cmd string) *CommandError {
	return cmdErrf("ERR wrong number of arguments for '%s' command", cmd)
}

// Engine owns the keyspace, the TTL index, and the AOF manager, and
// dispatches the command set against them as a single atomic unit per
// command: the keyspace mutation and its AOF append happen under one
// critical section. Optionally fronted by a negative-lookup filter ahead
// of GET/MGET/EXISTS.
type Engine struct {
	mu       sync.Mutex
	keyspace map[string]string
	ttl      *ttl.Manager
	aof      *aof.Manager
	negative *filter.CuckooFilter
	// filterReliable is cleared the first time an Add to negative fails
	// (filter full). A cuckoo filter promises no false negatives only for
	// successfully-added keys; once an Add has been dropped, mightExist
	// stops trusting Contains and every lookup falls back to the
	// authoritative keyspace check, so the filter can never cause a GET
	// to wrongly report a live key as absent.
	filterReliable bool
}

// New constructs an Engine. negative may be nil to disable the
// negative-lookup prefilter.
func New(aofMgr *aof.Manager, negative *filter.CuckooFilter) *Engine {
	return &Engine{
		keyspace:       make(map[string]string),
		ttl:            ttl.NewManager(),
		aof:            aofMgr,
		negative:       negative,
		filterReliable: true,
	}
}

// addToFilter best-effort inserts key; a failed insert (filter full)
// permanently disables the mightExist fast path rather than risk a false
// negative against a key that is actually present in the keyspace.
func (e *Engine) addToFilter(key []byte) {
	if e.negative == nil || !e.filterReliable {
		return
	}
	if err := e.negative.Add(key); err != nil {
		e.filterReliable = false
	}
}

// LoadFromAOF replays the configured AOF file (if any) into the keyspace
// with logging suppressed, returning the number of records applied. The
// whole replay is tagged with one correlation ID so the replay's start,
// failure and completion log lines can be grep'd together.
func (e *Engine) LoadFromAOF() (int, error) {
	ctx := logging.WithCorrelationID(context.Background(), logging.NewCorrelationID())
	return e.aof.Replay(ctx, func(cmd string, args [][]byte) error {
		_, err := e.apply(ctx, cmd, args)
		return err
	})
}

// Execute dispatches one live client command: it validates the command,
// runs it, logs any landed mutation to the AOF, and returns the reply.
// ctx carries the accepting connection's correlation ID through to the
// AOF append so the two log streams can be correlated.
func (e *Engine) Execute(ctx context.Context, cmd string, args [][]byte) (protocol.Value, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dispatch(ctx, cmd, args, true)
}

// apply runs one AOF-replayed record through the same command bodies as
// Execute, but never re-logs to the AOF.
func (e *Engine) apply(ctx context.Context, cmd string, args [][]byte) (protocol.Value, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dispatch(ctx, cmd, args, false)
}

func (e *Engine) dispatch(ctx context.Context, cmd string, args [][]byte, logMutations bool) (protocol.Value, error) {
	switch cmd {
	case "GET":
		return e.cmdGet(args)
	case "SET":
		return e.cmdSet(ctx, args, logMutations)
	case "DELETE":
		return e.cmdDelete(ctx, args, logMutations)
	case "FLUSH":
		return e.cmdFlush(ctx, args, logMutations)
	case "MGET":
		return e.cmdMget(args)
	case "MSET":
		return e.cmdMset(ctx, args, logMutations)
	case "EXPIRE":
		return e.cmdExpire(ctx, args, logMutations, 1000)
	case "PEXPIRE":
		return e.cmdExpire(ctx, args, logMutations, 1)
	case "TTL":
		return e.cmdTTL(args, 1000)
	case "PTTL":
		return e.cmdTTL(args, 1)
	case "EXISTS":
		return e.cmdExists(args)
	case "KEYS":
		return e.cmdKeys(args)
	default:
		return protocol.Value{}, errUnknownCommand(cmd)
	}
}

// present reports whether key is in the keyspace and not lazily expired.
// Must be called with e.mu held.
func (e *Engine) present(key string) bool {
	if _, ok := e.keyspace[key]; !ok {
		return false
	}
	return !e.ttl.IsExpired(key)
}

// mightExist consults the negative prefilter, if wired, before a
// lookup; a "definitely absent" verdict lets callers skip the map probe.
// Never changes correctness: on a positive (or when no filter is wired)
// the caller still does the authoritative keyspace+TTL check.
func (e *Engine) mightExist(key string) bool {
	if e.negative == nil || !e.filterReliable {
		return true
	}
	return e.negative.Contains([]byte(key))
}

func (e *Engine) cmdGet(args [][]byte) (protocol.Value, error) {
	if len(args) != 1 {
		return protocol.Value{}, errWrongArity("get")
	}
	key := string(args[0])
	if !e.mightExist(key) {
		return protocol.Null, nil
	}
	if !e.present(key) {
		return protocol.Null, nil
	}
	return protocol.BulkStringFromString(e.keyspace[key]), nil
}

func (e *Engine) cmdSet(ctx context.Context, args [][]byte, logMutations bool) (protocol.Value, error) {
	if len(args) != 2 {
		return protocol.Value{}, errWrongArity("set")
	}
	key, value := string(args[0]), string(args[1])
	e.keyspace[key] = value
	e.ttl.RemoveTTL(key)
	e.addToFilter(args[0])
	if logMutations {
		if err := e.aof.Append(ctx, "SET", args[0], args[1]); err != nil {
			return protocol.Value{}, err
		}
	}
	return protocol.Integer(1), nil
}

func (e *Engine) cmdDelete(ctx context.Context, args [][]byte, logMutations bool) (protocol.Value, error) {
	if len(args) != 1 {
		return protocol.Value{}, errWrongArity("delete")
	}
	key := string(args[0])
	if !e.present(key) {
		return protocol.Integer(0), nil
	}
	delete(e.keyspace, key)
	e.ttl.RemoveTTL(key)
	if e.negative != nil {
		e.negative.Delete(args[0])
	}
	if logMutations {
		if err := e.aof.Append(ctx, "DELETE", args[0]); err != nil {
			return protocol.Value{}, err
		}
	}
	return protocol.Integer(1), nil
}

func (e *Engine) cmdFlush(ctx context.Context, args [][]byte, logMutations bool) (protocol.Value, error) {
	if len(args) != 0 {
		return protocol.Value{}, errWrongArity("flush")
	}
	prior := len(e.keyspace)
	e.keyspace = make(map[string]string)
	e.ttl.Clear()
	if e.negative != nil {
		e.negative.Clear()
		e.filterReliable = true
	}
	if logMutations {
		if err := e.aof.Append(ctx, "FLUSH"); err != nil {
			return protocol.Value{}, err
		}
	}
	return protocol.Integer(int64(prior)), nil
}

func (e *Engine) cmdMget(args [][]byte) (protocol.Value, error) {
	if len(args) < 1 {
		return protocol.Value{}, errWrongArity("mget")
	}
	elems := make([]protocol.Value, len(args))
	for i, a := range args {
		key := string(a)
		if !e.mightExist(key) || !e.present(key) {
			elems[i] = protocol.Null
			continue
		}
		elems[i] = protocol.BulkStringFromString(e.keyspace[key])
	}
	return protocol.Array(elems), nil
}

func (e *Engine) cmdMset(ctx context.Context, args [][]byte, logMutations bool) (protocol.Value, error) {
	if len(args) < 2 {
		return protocol.Value{}, errWrongArity("mset")
	}
	pairCount := len(args) / 2
	written := make([][]byte, 0, pairCount*2)
	for i := 0; i < pairCount; i++ {
		key, value := args[2*i], args[2*i+1]
		e.keyspace[string(key)] = string(value)
		e.ttl.RemoveTTL(string(key))
		e.addToFilter(key)
		written = append(written, key, value)
	}
	if logMutations {
		if err := e.aof.Append(ctx, "MSET", written...); err != nil {
			return protocol.Value{}, err
		}
	}
	return protocol.Integer(int64(pairCount)), nil
}

func (e *Engine) cmdExpire(ctx context.Context, args [][]byte, logMutations bool, msPerUnit int64) (protocol.Value, error) {
	name := "expire"
	if msPerUnit == 1 {
		name = "pexpire"
	}
	if len(args) != 2 {
		return protocol.Value{}, errWrongArity(name)
	}
	key := string(args[0])
	amount, err := strconv.ParseInt(string(args[1]), 10, 64)
	if err != nil {
		return protocol.Value{}, cmdErrf("ERR value is not an integer or out of range")
	}

	if !e.present(key) {
		return protocol.Integer(0), nil
	}

	if amount == 0 {
		delete(e.keyspace, key)
		e.ttl.RemoveTTL(key)
		if e.negative != nil {
			e.negative.Delete(args[0])
		}
		if logMutations {
			cmdName := "EXPIRE"
			if msPerUnit == 1 {
				cmdName = "PEXPIRE"
			}
			if err := e.aof.Append(ctx, cmdName, args[0], args[1]); err != nil {
				return protocol.Value{}, err
			}
		}
		return protocol.Integer(1), nil
	}

	ttlMs := amount * msPerUnit
	if !e.ttl.SetExpiry(key, ttlMs) {
		return protocol.Integer(0), nil
	}
	if logMutations {
		cmdName := "EXPIRE"
		if msPerUnit == 1 {
			cmdName = "PEXPIRE"
		}
		if err := e.aof.Append(ctx, cmdName, args[0], args[1]); err != nil {
			return protocol.Value{}, err
		}
	}
	return protocol.Integer(1), nil
}

func (e *Engine) cmdTTL(args [][]byte, divisor int64) (protocol.Value, error) {
	name := "ttl"
	if divisor == 1 {
		name = "pttl"
	}
	if len(args) != 1 {
		return protocol.Value{}, errWrongArity(name)
	}
	key := string(args[0])
	if !e.present(key) {
		return protocol.Integer(-2), nil
	}
	remaining := e.ttl.GetTTLMillis(key)
	if remaining == ttl.NoDeadline {
		return protocol.Integer(-1), nil
	}
	if divisor == 1 {
		return protocol.Integer(remaining), nil
	}
	seconds := remaining / divisor
	if seconds < 1 {
		seconds = 1
	}
	return protocol.Integer(seconds), nil
}

func (e *Engine) cmdExists(args [][]byte) (protocol.Value, error) {
	if len(args) < 1 {
		return protocol.Value{}, errWrongArity("exists")
	}
	var count int64
	for _, a := range args {
		key := string(a)
		if e.mightExist(key) && e.present(key) {
			count++
		}
	}
	return protocol.Integer(count), nil
}

func (e *Engine) cmdKeys(args [][]byte) (protocol.Value, error) {
	if len(args) != 1 {
		return protocol.Value{}, errWrongArity("keys")
	}
	pattern := string(args[0])
	if pattern != "*" {
		return protocol.Value{}, cmdErrf("ERR Pattern '%s' not supported", pattern)
	}

	expired := e.ttl.CleanupExpired(true)
	for _, k := range expired {
		delete(e.keyspace, k)
		if e.negative != nil {
			e.negative.Delete([]byte(k))
		}
	}

	keys := make([]string, 0, len(e.keyspace))
	for k := range e.keyspace {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	elems := make([]protocol.Value, len(keys))
	for i, k := range keys {
		elems[i] = protocol.BulkStringFromString(k)
	}
	return protocol.Array(elems), nil
}
