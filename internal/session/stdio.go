package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// levelTrace is below Debug, used for wire-level payload logging.
const levelTrace = slog.Level(-8)

// errTransportClosed is recorded when a transport is shut down
// deliberately, as opposed to dying underneath its callers.
var errTransportClosed = errors.New("transport closed")

// StdioConfig configures a stdio transport that communicates with a
// capability server subprocess over stdin/stdout using
// newline-delimited JSON-RPC.
type StdioConfig struct {
	// Name is the server name, used in log output.
	Name string

	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment. Credentials are delivered this way.
	Env []string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with a capability server running as a
// subprocess. JSON-RPC messages are newline-delimited on stdin/stdout;
// a read pump matches responses to in-flight requests by ID, so
// concurrent calls on one subprocess resolve in completion order.
//
// The subprocess is started once, lazily. If it exits or the pipe
// breaks, the transport stays failed until closed — a half-dead server
// is the health watcher's problem, not something to respawn behind the
// handshake's back.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	mu      sync.Mutex // guards process lifecycle state
	writeMu sync.Mutex // serializes stdin writes
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	started bool
	pending *pendingCalls
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not started until the first Send or Notify call.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config:  cfg,
		logger:  logger.With("server", cfg.Name),
		pending: newPendingCalls(),
	}
}

// start launches the subprocess if it has not run yet. Caller must
// hold t.mu.
func (t *StdioTransport) start() error {
	if t.started {
		if err := t.pending.err(); err != nil {
			return err
		}
		return nil
	}

	t.logger.Info("starting capability server subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	// Capture stderr for logging — not part of the protocol.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return fmt.Errorf("start subprocess %s: %w", t.config.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.started = true

	go t.readPump(bufio.NewReaderSize(stdout, 1<<20)) // 1 MiB buffer for large responses
	go t.drainStderr(stderrPipe)

	t.logger.Info("capability server subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// readPump reads stdout lines and dispatches responses to their
// waiting callers. Runs until the pipe breaks or the subprocess exits,
// then fails every in-flight call.
func (t *StdioTransport) readPump(reader *bufio.Reader) {
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			t.logger.Debug("subprocess stdout closed", "error", err)
			t.pending.fail(fmt.Errorf("subprocess stdout closed: %w", err))
			return
		}

		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			t.logger.Debug("skipping non-JSON line from subprocess", "line", string(line))
			continue
		}

		if !t.pending.deliver(&resp) {
			// A server-initiated notification, or a response whose
			// caller already gave up. Either way it is settled here.
			t.logger.Log(context.Background(), levelTrace,
				"dropping unmatched message", "id", resp.ID)
		}
	}
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("subprocess stderr", "line", scanner.Text())
	}
}

// Send delivers a JSON-RPC request over stdin and waits for the read
// pump to hand back the matching response. Multiple Sends may be in
// flight at once; stdin writes are serialized, responses are matched
// by ID.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	t.mu.Lock()
	err := t.start()
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ch, err := t.pending.add(req.ID)
	if err != nil {
		return nil, err
	}
	defer t.pending.drop(req.ID)

	if err := t.writeMessage(req); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		// The pump settles the late response when it arrives.
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, t.pending.err()
		}
		return resp, nil
	}
}

// Notify sends a JSON-RPC notification over stdin. No response is expected.
func (t *StdioTransport) Notify(ctx context.Context, notif *Notification) error {
	t.mu.Lock()
	err := t.start()
	t.mu.Unlock()
	if err != nil {
		return err
	}

	if err := t.pending.err(); err != nil {
		return err
	}

	return t.writeMessage(notif)
}

// writeMessage marshals v and writes it with a newline delimiter.
// Writes are serialized so concurrent requests never interleave bytes.
func (t *StdioTransport) writeMessage(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.stdin == nil {
		return errTransportClosed
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		t.pending.fail(fmt.Errorf("write to subprocess stdin: %w", err))
		return fmt.Errorf("write to subprocess stdin: %w", err)
	}
	return nil
}

// Close terminates the subprocess and releases resources. Idempotent.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pending.fail(errTransportClosed)

	if t.cmd == nil || t.cmd.Process == nil {
		return nil
	}

	t.logger.Info("stopping capability server subprocess", "pid", t.cmd.Process.Pid)

	// Close stdin to signal the subprocess to exit.
	t.writeMu.Lock()
	if t.stdin != nil {
		t.stdin.Close()
		t.stdin = nil
	}
	t.writeMu.Unlock()

	// Wait briefly for graceful exit, then force kill.
	done := make(chan error, 1)
	go func() { done <- t.cmd.Wait() }()

	select {
	case err := <-done:
		t.cmd = nil
		return err
	case <-time.After(5 * time.Second):
		t.logger.Warn("subprocess did not exit gracefully, killing",
			"pid", t.cmd.Process.Pid,
		)
		_ = t.cmd.Process.Kill()
		<-done
		t.cmd = nil
		return nil
	}
}
