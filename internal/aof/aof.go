// Package aof implements the append-only command log: synchronous
// append with a configurable fsync policy, a background flusher for the
// everysec policy, and crash-safe replay that truncates a corrupt or
// partial trailing record instead of failing startup.
package aof

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"redikv/internal/logging"
	"redikv/internal/protocol"
)

// Policy selects how aggressively appended records are synced to disk.
type Policy string

const (
	PolicyAlways   Policy = "ALWAYS"
	PolicyEverysec Policy = "EVERYSEC"
	PolicyNo       Policy = "NO"
)

// Handler is invoked once per record recovered during replay, with the
// command name and its argument bytes exactly as logged.
type Handler func(cmd string, args [][]byte) error

const flusherInterval = 1 * time.Second
const stopWait = 2 * time.Second

// Manager owns a single AOF file: synchronous append under a policy,
// optional background periodic sync, and startup replay.
type Manager struct {
	path   string
	policy Policy

	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	size   int64
	opened bool

	// flushCtx tags every background flusher log line with one
	// correlation ID per Start/Stop lifetime, distinct from whichever
	// connection happened to trigger the most recent Append.
	flushCtx context.Context

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewManager constructs a Manager for path under the given fsync policy.
// An empty path disables the AOF entirely: Start becomes a no-op and
// IsEnabled reports false.
func NewManager(path string, policy Policy) *Manager {
	return &Manager{path: path, policy: policy}
}

// IsEnabled reports whether this manager is backed by a file.
func (m *Manager) IsEnabled() bool {
	return m.path != ""
}

// Start opens the AOF file for append, creating it if absent, and — for
// the everysec policy — launches the background flusher. Idempotent.
func (m *Manager) Start() error {
	if !m.IsEnabled() {
		return nil
	}

	m.mu.Lock()
	if m.opened {
		m.mu.Unlock()
		return nil
	}

	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("aof: open %s: %w", m.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		m.mu.Unlock()
		return fmt.Errorf("aof: stat %s: %w", m.path, err)
	}

	m.file = f
	m.writer = bufio.NewWriter(f)
	m.size = info.Size()
	m.opened = true
	m.flushCtx = logging.WithCorrelationID(context.Background(), logging.NewCorrelationID())
	m.mu.Unlock()

	logging.Info(m.flushCtx, logging.ComponentAOF, logging.ActionStart, "aof manager started", map[string]interface{}{
		"path":   m.path,
		"policy": string(m.policy),
		"size":   info.Size(),
	})

	if m.policy == PolicyEverysec {
		m.stopCh = make(chan struct{})
		m.doneCh = make(chan struct{})
		go m.flusherLoop()
	}
	return nil
}

// flusherLoop wakes every flusherInterval and performs a flush+sync,
// exiting promptly when stopCh is closed. Every iteration logs under the
// manager's background correlation ID, not the ID of whichever
// connection most recently appended a record.
func (m *Manager) flusherLoop() {
	defer close(m.doneCh)
	t := time.NewTicker(flusherInterval)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.mu.Lock()
			if m.opened {
				m.writer.Flush()
				m.file.Sync()
				logging.Debug(m.flushCtx, logging.ComponentAOF, logging.ActionPersist, "background flush", map[string]interface{}{
					"size": m.size,
				})
			}
			m.mu.Unlock()
		}
	}
}

// Append serializes [cmd, args...] as a length-prefixed array of bulk
// strings and writes it to the log. The flush (and, under ALWAYS, the
// fsync) happens while the manager's lock is held, guaranteeing total
// AOF ordering across concurrent appenders. ctx carries the originating
// connection's correlation ID into the AOF log line.
func (m *Manager) Append(ctx context.Context, cmd string, args ...[]byte) error {
	if !m.IsEnabled() {
		return nil
	}
	frame := protocol.EncodeRequest(cmd, args...)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return fmt.Errorf("aof: manager not started")
	}
	n, err := m.writer.Write(frame)
	if err != nil {
		logging.Error(ctx, logging.ComponentAOF, logging.ActionPersist, "append write failed", err, map[string]interface{}{"command": cmd})
		return fmt.Errorf("aof: write: %w", err)
	}
	if err := m.writer.Flush(); err != nil {
		logging.Error(ctx, logging.ComponentAOF, logging.ActionPersist, "append flush failed", err, map[string]interface{}{"command": cmd})
		return fmt.Errorf("aof: flush: %w", err)
	}
	m.size += int64(n)

	if m.policy == PolicyAlways {
		if err := m.file.Sync(); err != nil {
			logging.Error(ctx, logging.ComponentAOF, logging.ActionPersist, "append sync failed", err, map[string]interface{}{"command": cmd})
			return fmt.Errorf("aof: sync: %w", err)
		}
	}
	logging.Debug(ctx, logging.ComponentAOF, logging.ActionPersist, "appended record", map[string]interface{}{"command": cmd, "bytes": n})
	return nil
}

// Stop stops the background flusher (waiting up to stopWait), performs a
// final sync unless the policy is NO, and closes the file. Idempotent.
func (m *Manager) Stop() error {
	if !m.IsEnabled() {
		return nil
	}

	if m.stopCh != nil {
		select {
		case <-m.stopCh:
			// already stopped
		default:
			close(m.stopCh)
		}
		select {
		case <-m.doneCh:
		case <-time.After(stopWait):
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return nil
	}
	if err := m.writer.Flush(); err != nil {
		m.opened = false
		m.file.Close()
		return fmt.Errorf("aof: final flush: %w", err)
	}
	if m.policy != PolicyNo {
		if err := m.file.Sync(); err != nil {
			m.opened = false
			m.file.Close()
			return fmt.Errorf("aof: final sync: %w", err)
		}
	}
	err := m.file.Close()
	m.opened = false
	m.file = nil
	m.writer = nil
	logging.Info(m.flushCtx, logging.ComponentAOF, logging.ActionStop, "aof manager stopped", nil)
	return err
}

// FileSize returns the current logical size of the AOF file in bytes.
func (m *Manager) FileSize() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// Replay reads every complete record from the start of the file and
// invokes handler for each, in order. A corrupt or incomplete trailing
// record is silently discarded: when at least one record parsed, the file
// is truncated to the offset of the last fully-parsed record, leaving a
// clean log for future appends. A file whose first record is already
// unparseable is left untouched.
// Replay returns the number of records successfully applied. ctx's
// correlation ID (generated once per replay by the caller) tags the
// start/finish log lines so a whole replay can be grep'd together.
func (m *Manager) Replay(ctx context.Context, handler Handler) (int, error) {
	if !m.IsEnabled() {
		return 0, nil
	}

	logging.Info(ctx, logging.ComponentAOF, logging.ActionRestore, "replay starting", map[string]interface{}{"path": m.path})

	f, err := os.Open(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Info(ctx, logging.ComponentAOF, logging.ActionRestore, "no aof file to replay", nil)
			return 0, nil
		}
		return 0, fmt.Errorf("aof: open for replay: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var offset int64
	var lastValidOffset int64
	count := 0

replayLoop:
	for {
		line, err := readCountedLine(br, &offset)
		if err != nil {
			break replayLoop
		}
		if len(line) == 0 || line[0] != '*' {
			break replayLoop
		}
		n, err := strconv.Atoi(line[1:])
		if err != nil || n < 0 {
			break replayLoop
		}

		parts := make([][]byte, n)
		ok := true
		for i := 0; i < n; i++ {
			payload, err := readBulkPart(br, &offset)
			if err != nil {
				ok = false
				break
			}
			parts[i] = payload
		}
		if !ok {
			break replayLoop
		}
		if n == 0 {
			break replayLoop
		}

		if err := handler(string(parts[0]), parts[1:]); err != nil {
			logging.Error(ctx, logging.ComponentAOF, logging.ActionRestore, "replay handler failed", err, map[string]interface{}{"records_applied": count})
			return count, fmt.Errorf("aof: replay handler: %w", err)
		}
		count++
		lastValidOffset = offset
	}

	info, err := f.Stat()
	if err != nil {
		return count, fmt.Errorf("aof: stat during replay: %w", err)
	}
	truncated := lastValidOffset > 0 && lastValidOffset < info.Size()
	if truncated {
		if err := os.Truncate(m.path, lastValidOffset); err != nil {
			return count, fmt.Errorf("aof: truncate corrupt tail: %w", err)
		}
	}

	m.mu.Lock()
	m.size = lastValidOffset
	m.mu.Unlock()

	logging.Info(ctx, logging.ComponentAOF, logging.ActionRestore, "replay complete", map[string]interface{}{
		"records_applied":        count,
		"truncated_corrupt_tail": truncated,
	})
	return count, nil
}

// readCountedLine reads one CRLF-terminated line and advances *offset by
// the number of bytes consumed, including the CRLF.
func readCountedLine(br *bufio.Reader, offset *int64) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", io.ErrUnexpectedEOF
	}
	*offset += int64(len(line))
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return "", fmt.Errorf("aof: line not CRLF-terminated")
	}
	return line[:len(line)-2], nil
}

// readBulkPart reads one "$<len>\r\n<payload>\r\n" element, advancing
// *offset by the total bytes consumed.
func readBulkPart(br *bufio.Reader, offset *int64) ([]byte, error) {
	line, err := readCountedLine(br, offset)
	if err != nil {
		return nil, err
	}
	if len(line) == 0 || line[0] != '$' {
		return nil, fmt.Errorf("aof: expected bulk string tag")
	}
	length, err := strconv.Atoi(line[1:])
	if err != nil || length < 0 {
		return nil, fmt.Errorf("aof: invalid bulk length")
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(br, payload); err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	*offset += int64(length)

	crlf := make([]byte, 2)
	if _, err := io.ReadFull(br, crlf); err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	*offset += 2
	if crlf[0] != '\r' || crlf[1] != '\n' {
		return nil, fmt.Errorf("aof: bulk string missing trailing CRLF")
	}
	return payload, nil
}
