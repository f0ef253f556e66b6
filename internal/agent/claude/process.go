package claude

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
const defaultCommand = "claude"

// controlTimeout bounds how long a control request waits for its response.
const controlTimeout = 30 * time.Second

// StartProcessQuery launches the CLI in stream-json mode and returns a
// Query backed by the live process. The returned value also implements
// Rewinder.
func StartProcessQuery(ctx context.Context, opts QueryOptions) (Query, error) {
	return startProcessQuery(ctx, defaultCommand, opts)
}

// StartQueryCommand returns a StartQueryFunc bound to a specific binary.
func StartQueryCommand(command string) StartQueryFunc {
	if command == "" {
		command = defaultCommand
	}
	return func(ctx context.Context, opts QueryOptions) (Query, error) {
		return startProcessQuery(ctx, command, opts)
	}
}

func startProcessQuery(ctx context.Context, command string, opts QueryOptions) (Query, error) {
	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if opts.PartialStream {
		args = append(args, "--include-partial-messages")
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	if opts.ResumeFromUUID != "" {
		args = append(args, "--resume-session-at", opts.ResumeFromUUID)
	}

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = opts.WorkspacePath
	cmd.Stderr = &slogWriter{prefix: command}
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
	slog.Debug("claude: process started", "pid", cmd.Process.Pid, "args", args)

	q := &procQuery{
		cmd:     cmd,
		stdin:   stdin,
		events:  make(chan Envelope, 64),
		done:    make(chan struct{}),
		pending: make(map[string]chan *ControlResponse),
	}
	go q.readLoop(stdout)

	if opts.Prompt != "" {
		if err := q.sendUserMessage(opts.Prompt); err != nil {
			_ = q.Close()
			return nil, fmt.Errorf("send prompt: %w", err)
		}
	}
	return q, nil
}

// procQuery is a Query backed by a live CLI process. Control responses are
// routed to their waiting request by request id; everything else flows out
// on the events channel.
type procQuery struct {
	cmd    *exec.Cmd
	events chan Envelope
	done   chan struct{} // closed by Close; unblocks deliveries with no consumer
	nextID atomic.Int64

	mu      sync.Mutex
	stdin   io.WriteCloser
	pending map[string]chan *ControlResponse
	err     error
	closed  bool
}

var _ Query = (*procQuery)(nil)
var _ Rewinder = (*procQuery)(nil)

func (q *procQuery) Events() <-chan Envelope { return q.events }

func (q *procQuery) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

func (q *procQuery) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxTranscriptLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		env, err := ParseEnvelope(line)
		if err != nil {
			slog.Warn("claude: skipping malformed process line", "err", err)
			continue
		}
		if env.Type == typeControlResponse && env.Response != nil {
			q.resolveControl(env.Response)
			continue
		}
		q.deliver(env)
	}
	if err := scanner.Err(); err != nil {
		q.mu.Lock()
		if q.err == nil && !q.closed {
			q.err = err
		}
		q.mu.Unlock()
	}
	q.failPending()
	close(q.events)
	if err := q.cmd.Wait(); err != nil {
		q.mu.Lock()
		if q.err == nil && !q.closed {
			q.err = fmt.Errorf("process exited: %w", err)
		}
		q.mu.Unlock()
	}
}

// deliver hands one envelope to the consumer without ever wedging the read
// loop: a stream abandoned mid-turn fills the buffer, and the send must
// still yield once Close is called so the loop can reap the process.
func (q *procQuery) deliver(env *Envelope) {
	select {
	case q.events <- *env:
	case <-q.done:
	}
}

func (q *procQuery) resolveControl(resp *ControlResponse) {
	q.mu.Lock()
	ch := q.pending[resp.RequestID]
	delete(q.pending, resp.RequestID)
	q.mu.Unlock()
	if ch == nil {
		slog.Warn("claude: control response with no waiter", "request_id", resp.RequestID)
		return
	}
	ch <- resp
}

// failPending closes every waiter's channel so blocked control requests
// return instead of hanging past stream end.
func (q *procQuery) failPending() {
	q.mu.Lock()
	pending := q.pending
	q.pending = make(map[string]chan *ControlResponse)
	q.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

// writeLine marshals v and writes it as one stdin line.
func (q *procQuery) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stdin == nil {
		return fmt.Errorf("stdin closed")
	}
	_, err = q.stdin.Write(append(data, '\n'))
	return err
}

func (q *procQuery) sendUserMessage(text string) error {
	return q.writeLine(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": text,
		},
	})
}

// controlRequest sends one control request and waits for its correlated
// response.
func (q *procQuery) controlRequest(ctx context.Context, subtype string, extra map[string]any) (*ControlResponse, error) {
	id := fmt.Sprintf("req_%d", q.nextID.Add(1))
	ch := make(chan *ControlResponse, 1)
	q.mu.Lock()
	q.pending[id] = ch
	q.mu.Unlock()

	req := map[string]any{"subtype": subtype, "request_id": id}
	for k, v := range extra {
		req[k] = v
	}
	if err := q.writeLine(map[string]any{"type": typeControlRequest, "request": req}); err != nil {
		q.mu.Lock()
		delete(q.pending, id)
		q.mu.Unlock()
		return nil, fmt.Errorf("send %s request: %w", subtype, err)
	}

	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()
	select {
	case <-ctx.Done():
		q.mu.Lock()
		delete(q.pending, id)
		q.mu.Unlock()
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s: stream closed before response", subtype)
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("%s: %s", subtype, resp.Error)
		}
		return resp, nil
	}
}

// Interrupt asks the CLI to stop the current turn.
func (q *procQuery) Interrupt(ctx context.Context) error {
	_, err := q.controlRequest(ctx, "interrupt", nil)
	return err
}

// Rewind asks the CLI to restore workspace files to a conversation
// checkpoint.
func (q *procQuery) Rewind(ctx context.Context, checkpointUUID string) (*RewindResult, error) {
	resp, err := q.controlRequest(ctx, "rewind", map[string]any{"uuid": checkpointUUID})
	if err != nil {
		return nil, err
	}
	res := resp.Rewind
	if res == nil {
		return nil, fmt.Errorf("rewind: response missing result")
	}
	if res.NoFileCheckpoint {
		return nil, ErrNoFileCheckpoint
	}
	return res, nil
}

// Close ends the stream: stdin is closed so the CLI can exit cleanly, and
// the process is killed if it lingers.
func (q *procQuery) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	stdin := q.stdin
	q.stdin = nil
	q.mu.Unlock()
	close(q.done)

	if stdin != nil {
		_ = stdin.Close()
	}
	if q.cmd != nil && q.cmd.Process != nil {
		go func() {
			time.Sleep(3 * time.Second)
			_ = q.cmd.Process.Kill()
		}()
	}
	return nil
}

// slogWriter forwards process stderr to the structured log, line by line.
type slogWriter struct {
	prefix string
	buf    []byte
}

func (w *slogWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(w.buf[:i])
		w.buf = w.buf[i+1:]
		if len(line) > 0 {
			slog.Debug("claude: process stderr", "cmd", w.prefix, "line", string(line))
		}
	}
	return len(p), nil
}
