package codex

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// defaultCommand is the CLI binary name, overridable via config.
const defaultCommand = "codex"

// callTimeout bounds how long a request waits for its response.
const callTimeout = 30 * time.Second

// maxLine bounds one NDJSON line from the app server.
const maxLine = 32 << 20

// Client is a JSON-RPC connection to one app-server process. Notifications
// is closed when the connection ends; Err then reports any failure.
type Client interface {
	Notifications() <-chan rpcMessage
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Err() error
	Close() error
}

// StartClientFunc opens a client. Swappable in tests.
type StartClientFunc func(ctx context.Context, workspacePath string) (Client, error)

// StartProcessClient launches `codex app-server` in the workspace and
// completes the initialize handshake before returning.
func StartProcessClient(ctx context.Context, workspacePath string) (Client, error) {
	return startProcessClient(ctx, defaultCommand, workspacePath)
}

// StartClientCommand returns a StartClientFunc bound to a specific binary.
func StartClientCommand(command string) StartClientFunc {
	if command == "" {
		command = defaultCommand
	}
	return func(ctx context.Context, workspacePath string) (Client, error) {
		return startProcessClient(ctx, command, workspacePath)
	}
}

func startProcessClient(ctx context.Context, command, workspacePath string) (Client, error) {
	cmd := exec.CommandContext(ctx, command, "app-server")
	cmd.Dir = workspacePath
	cmd.Stderr = &stderrLogger{prefix: command}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", command, err)
	}
	slog.Debug("codex: app-server started", "pid", cmd.Process.Pid, "workspace", workspacePath)

	c := &procClient{
		cmd:    cmd,
		stdin:  stdin,
		notifs: make(chan rpcMessage, 64),
		done:   make(chan struct{}),
		calls:  make(map[string]chan *rpcMessage),
	}
	go c.readLoop(stdout)

	if err := c.handshake(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("codex handshake: %w", err)
	}
	return c, nil
}

// procClient is a Client backed by a live app-server process.
type procClient struct {
	cmd    *exec.Cmd
	notifs chan rpcMessage
	done   chan struct{} // closed by Close; unblocks deliveries with no consumer
	nextID atomic.Int64

	mu     sync.Mutex
	stdin  io.WriteCloser
	calls  map[string]chan *rpcMessage
	err    error
	closed bool
}

var _ Client = (*procClient)(nil)

func (c *procClient) Notifications() <-chan rpcMessage { return c.notifs }

func (c *procClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// handshake performs the initialize / initialized exchange. Thread start or
// resume happens per session, not per connection.
func (c *procClient) handshake(ctx context.Context) error {
	_, err := c.Call(ctx, "initialize", map[string]any{
		"client_info":  map[string]string{"name": "agentdeck", "version": "1.0.0"},
		"capabilities": map[string]any{},
	})
	if err != nil {
		return err
	}
	return c.notify("initialized", nil)
}

func (c *procClient) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		m, err := parseRPC(line)
		if err != nil {
			slog.Warn("codex: skipping malformed line", "err", err)
			continue
		}
		if m.isResponse() {
			c.resolveCall(m)
			continue
		}
		c.deliver(m)
	}
	if err := scanner.Err(); err != nil {
		c.mu.Lock()
		if c.err == nil && !c.closed {
			c.err = err
		}
		c.mu.Unlock()
	}
	c.failCalls()
	close(c.notifs)
	if err := c.cmd.Wait(); err != nil {
		c.mu.Lock()
		if c.err == nil && !c.closed {
			c.err = fmt.Errorf("app-server exited: %w", err)
		}
		c.mu.Unlock()
	}
}

// deliver hands one notification to the consumer without wedging the read
// loop when the consumer is gone; Close unblocks any pending send so the
// loop can reap the process.
func (c *procClient) deliver(m *rpcMessage) {
	select {
	case c.notifs <- *m:
	case <-c.done:
	}
}

func (c *procClient) resolveCall(m *rpcMessage) {
	id := string(*m.ID)
	c.mu.Lock()
	ch := c.calls[id]
	delete(c.calls, id)
	c.mu.Unlock()
	if ch == nil {
		slog.Warn("codex: response with no waiter", "id", id)
		return
	}
	ch <- m
}

func (c *procClient) failCalls() {
	c.mu.Lock()
	calls := c.calls
	c.calls = make(map[string]chan *rpcMessage)
	c.mu.Unlock()
	for _, ch := range calls {
		close(ch)
	}
}

func (c *procClient) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stdin == nil {
		return fmt.Errorf("stdin closed")
	}
	_, err = c.stdin.Write(append(data, '\n'))
	return err
}

func (c *procClient) notify(method string, params any) error {
	msg := map[string]any{"jsonrpc": "2.0", "method": method}
	if params != nil {
		msg["params"] = params
	}
	return c.writeLine(msg)
}

// Call sends one request and waits for its correlated response.
func (c *procClient) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	key := fmt.Sprintf("%d", id)
	ch := make(chan *rpcMessage, 1)
	c.mu.Lock()
	c.calls[key] = ch
	c.mu.Unlock()

	msg := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		msg["params"] = params
	}
	if err := c.writeLine(msg); err != nil {
		c.mu.Lock()
		delete(c.calls, key)
		c.mu.Unlock()
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.calls, key)
		c.mu.Unlock()
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s: connection closed before response", method)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, resp.Error)
		}
		return resp.Result, nil
	}
}

// Close ends the connection: stdin is closed so the server can exit
// cleanly, and the process is killed if it lingers.
func (c *procClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stdin := c.stdin
	c.stdin = nil
	c.mu.Unlock()
	close(c.done)

	if stdin != nil {
		_ = stdin.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		go func() {
			time.Sleep(3 * time.Second)
			_ = c.cmd.Process.Kill()
		}()
	}
	return nil
}

// stderrLogger forwards process stderr to the structured log, line by line.
type stderrLogger struct {
	prefix string
	buf    []byte
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(w.buf[:i])
		w.buf = w.buf[i+1:]
		if len(line) > 0 {
			slog.Warn("codex: process stderr", "cmd", w.prefix, "line", string(line))
		}
	}
	return len(p), nil
}
