package claude

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentdeck/agentdeck/internal/agent"
	"github.com/fsnotify/fsnotify"
)

// maxTranscriptLine bounds one JSONL line. Tool results can carry whole
// files.
const maxTranscriptLine = 16 * 1024 * 1024

// ReadTranscript loads a session's on-disk JSONL log and translates it into
// canonical messages, identical in shape to what the live stream would have
// produced. A missing file yields an empty transcript, not an error;
// malformed lines are logged and skipped.
func ReadTranscript(path string) ([]*agent.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var msgs []*agent.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxTranscriptLine)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		env, err := ParseEnvelope(line)
		if err != nil {
			slog.Warn("claude: skipping malformed transcript line", "path", path, "line", lineNo, "err", err)
			continue
		}
		switch env.Type {
		case typeSystem:
			if env.Subtype == subtypeCompaction {
				msgs = append(msgs, compactionMessage(env))
			}
		case typeAssistant:
			if m := translateEntry(env, agent.RoleAssistant); m != nil {
				msgs = append(msgs, m)
			}
		case typeUser:
			blocks := contentBlocks(env.Message)
			if isToolResultOnly(blocks) {
				mergeToolResults(msgs, blocks)
				continue
			}
			if m := translateEntry(env, agent.RoleUser); m != nil {
				msgs = append(msgs, m)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	return msgs, nil
}

// transcriptPath maps a workspace and session id to the CLI's log location:
// <root>/<munged workspace>/<session id>.jsonl, where "/" and "." in the
// workspace path become "-".
func transcriptPath(root, workspacePath, providerSessionID string) string {
	munged := strings.NewReplacer("/", "-", ".", "-").Replace(workspacePath)
	return filepath.Join(root, munged, providerSessionID+".jsonl")
}

// transcriptCache memoizes parsed transcripts and invalidates entries when
// the CLI appends to the underlying file.
type transcriptCache struct {
	root string

	mu      sync.Mutex
	cache   map[string][]*agent.Message
	watcher *fsnotify.Watcher
	watched map[string]bool
}

func newTranscriptCache(root string) *transcriptCache {
	c := &transcriptCache{
		root:    root,
		cache:   make(map[string][]*agent.Message),
		watched: make(map[string]bool),
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		// Degrades to re-reading on every call.
		slog.Warn("claude: transcript watcher unavailable", "err", err)
		return c
	}
	c.watcher = w
	go c.watchLoop()
	return c
}

func (c *transcriptCache) watchLoop() {
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			c.mu.Lock()
			delete(c.cache, ev.Name)
			c.mu.Unlock()
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("claude: transcript watcher error", "err", err)
		}
	}
}

// Read returns the transcript for a session, from cache when the file has
// not changed since the last parse.
func (c *transcriptCache) Read(workspacePath, providerSessionID string) ([]*agent.Message, error) {
	path := transcriptPath(c.root, workspacePath, providerSessionID)
	c.mu.Lock()
	if msgs, ok := c.cache[path]; ok && c.watcher != nil {
		c.mu.Unlock()
		return msgs, nil
	}
	c.mu.Unlock()

	msgs, err := ReadTranscript(path)
	if err != nil {
		return nil, err
	}
	if c.watcher == nil || msgs == nil {
		return msgs, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	dir := filepath.Dir(path)
	if !c.watched[dir] {
		if err := c.watcher.Add(dir); err != nil {
			slog.Warn("claude: cannot watch transcript dir", "dir", dir, "err", err)
			return msgs, nil
		}
		c.watched[dir] = true
	}
	c.cache[path] = msgs
	return msgs, nil
}

// Close stops the watcher.
func (c *transcriptCache) Close() {
	c.mu.Lock()
	w := c.watcher
	c.watcher = nil
	c.mu.Unlock()
	if w != nil {
		agent.Discard(w.Close(), "claude: close transcript watcher")
	}
}
